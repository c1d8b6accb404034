package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "quorum/pkg/domain"
	"quorum/pkg/testutil"
)

func TestMemorySlidingWindow(t *testing.T) {
	clock := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	s := NewMemory()
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := range 3 {
		res, err := s.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		clock = clock.Add(10 * time.Second)
	}
	res, err := s.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	other, err := s.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	clock = clock.Add(31 * time.Second)
	res, err = s.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the oldest request left the window")
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (Result, error) {
	return Result{}, errors.New("counter down")
}

func request(t *testing.T, method string, actor id.MemberID) *http.Request {
	return testutil.WithActor(testutil.NewRequest(t, method, "/v1/elections"), actor)
}

func TestPerActor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("writes and reads have separate budgets", func(t *testing.T) {
		h := New(NewMemory(), Limits{Read: 2, Write: 1, Window: time.Minute}, logger).PerActor(ok)
		actor := id.NewMemberID()

		assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, request(t, http.MethodPost, actor)).Code)
		rr := testutil.DoRequest(h, request(t, http.MethodPost, actor))
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, request(t, http.MethodGet, actor)).Code)
		assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, request(t, http.MethodPost, id.NewMemberID())).Code)
	})

	t.Run("anonymous requests are not counted", func(t *testing.T) {
		h := New(NewMemory(), Limits{Write: 1}, logger).PerActor(ok)
		for range 3 {
			assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, request(t, http.MethodPost, id.MemberID{})).Code)
		}
	})

	t.Run("store failures fail open", func(t *testing.T) {
		h := New(failingStore{}, Limits{Write: 1}, logger).PerActor(ok)
		assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, request(t, http.MethodPost, id.NewMemberID())).Code)
	})

	t.Run("a zero limit disables the class", func(t *testing.T) {
		h := New(failingStore{}, Limits{Read: 0, Write: 1}, logger).PerActor(ok)
		assert.Equal(t, http.StatusNoContent, testutil.DoRequest(h, request(t, http.MethodGet, id.NewMemberID())).Code)
	})
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, Result{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, 1, Result{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}
