package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/election/models"
	"quorum/internal/election/tally"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

var (
	_ tally.DisplayCache = (*Memory)(nil)
	_ tally.DisplayCache = (*Redis)(nil)
)

func displays() []models.CandidateDisplay {
	return []models.CandidateDisplay{
		{CandidateID: id.NewCandidateID(), MemberID: id.NewMemberID(), Symbol: "lamp", DisplayName: "Ada"},
		{CandidateID: id.NewCandidateID(), MemberID: id.NewMemberID(), Symbol: "tree", DisplayName: "Grace"},
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory(time.Minute)
	c.now = func() time.Time { return now }
	eid, pid := id.NewElectionID(), id.NewPositionID()

	_, err := c.GetDisplay(ctx, eid, pid)
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	want := displays()
	require.NoError(t, c.SetDisplay(ctx, eid, pid, want))
	got, err := c.GetDisplay(ctx, eid, pid)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got[0].DisplayName = "mutated"
	again, _ := c.GetDisplay(ctx, eid, pid)
	assert.Equal(t, "Ada", again[0].DisplayName, "callers get a copy")

	_, err = c.GetDisplay(ctx, eid, id.NewPositionID())
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	now = now.Add(2 * time.Minute)
	_, err = c.GetDisplay(ctx, eid, pid)
	require.ErrorIs(t, err, sentinel.ErrNotFound, "entries expire")

	require.NoError(t, c.SetDisplay(ctx, eid, pid, want))
	require.NoError(t, c.Invalidate(ctx, eid, pid))
	_, err = c.GetDisplay(ctx, eid, pid)
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}
