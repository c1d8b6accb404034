package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped domain error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeAlreadyVoted, "already voted"))
		assert.True(t, HasCode(err, CodeAlreadyVoted))
		assert.False(t, HasCode(err, CodeConflict))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestErrorsIsComparesCode(t *testing.T) {
	err := Wrap(errors.New("db"), CodeOutOfWindow, "voting window closed")
	require.ErrorIs(t, err, New(CodeOutOfWindow, "any message"))
	require.NotErrorIs(t, err, New(CodeQuorumUnmet, "voting window closed"))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:      http.StatusBadRequest,
		CodeNotFound:        http.StatusNotFound,
		CodeConflict:        http.StatusConflict,
		CodeAlreadyVoted:    http.StatusConflict,
		CodeIneligibleVoter: http.StatusForbidden,
		CodeOutOfWindow:     http.StatusUnprocessableEntity,
		CodeQuorumUnmet:     http.StatusUnprocessableEntity,
		CodeTieUnresolved:   http.StatusConflict,
		CodeProofMismatch:   http.StatusUnprocessableEntity,
		CodeUnavailable:     http.StatusServiceUnavailable,
		CodeInternal:        http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, ToHTTPStatus(code), string(code))
	}
}
