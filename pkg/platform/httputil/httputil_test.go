package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dErrors "quorum/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeInternal, "db failed"))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "internal_error" {
			t.Fatalf("expected error code internal_error, got %q", body["error"])
		}
		if _, ok := body["error_description"]; ok {
			t.Fatalf("expected error_description to be omitted for internal errors")
		}
	})

	t.Run("bad request includes description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid input"))

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "bad_request" {
			t.Fatalf("expected error code bad_request, got %q", body["error"])
		}
		if body["error_description"] != "invalid input" {
			t.Fatalf("expected error_description to be returned for bad request")
		}
	})

	t.Run("election taxonomy keeps its code on the wire", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, dErrors.New(dErrors.CodeAlreadyVoted, "ballot already cast for this position"))

		if w.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, w.Code)
		}

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body["error"] != "already_voted" {
			t.Fatalf("expected error code already_voted, got %q", body["error"])
		}
	})

	t.Run("plain errors are reported as internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("pq: connection refused"))

		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
		if strings.Contains(w.Body.String(), "connection refused") {
			t.Fatalf("internal error detail leaked: %s", w.Body.String())
		}
	})
}

type namedRequest struct {
	Name string `json:"name"`
}

func (r *namedRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	return nil
}

func TestDecodeAndPrepare(t *testing.T) {
	decode := func(body string) (*namedRequest, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req, _ := DecodeAndPrepare[namedRequest](w, r, nil, context.Background(), "req-1")
		return req, w
	}

	req, _ := decode(`{"name":"  Chair  "}`)
	if req == nil || req.Name != "Chair" {
		t.Fatalf("expected normalized name, got %+v", req)
	}

	if req, w := decode(`{"name":"   "}`); req != nil || w.Code != http.StatusBadRequest {
		t.Fatalf("expected validation failure, got %d", w.Code)
	}
	if req, w := decode(`{"nom":"x"}`); req != nil || w.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown field to be rejected, got %d", w.Code)
	}
}
