package cache

import (
	"context"
	"sync"
	"time"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

type positionKey struct {
	election id.ElectionID
	position id.PositionID
}

type entry struct {
	displays  []models.CandidateDisplay
	expiresAt time.Time
}

// Memory is the single-process display cache used without Redis.
type Memory struct {
	mu      sync.RWMutex
	entries map[positionKey]entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Memory{entries: make(map[positionKey]entry), ttl: ttl, now: time.Now}
}

func (c *Memory) GetDisplay(_ context.Context, electionID id.ElectionID, positionID id.PositionID) ([]models.CandidateDisplay, error) {
	c.mu.RLock()
	e, ok := c.entries[positionKey{electionID, positionID}]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, sentinel.ErrNotFound
	}
	return append([]models.CandidateDisplay(nil), e.displays...), nil
}

func (c *Memory) SetDisplay(_ context.Context, electionID id.ElectionID, positionID id.PositionID, displays []models.CandidateDisplay) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[positionKey{electionID, positionID}] = entry{
		displays:  append([]models.CandidateDisplay(nil), displays...),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *Memory) Invalidate(_ context.Context, electionID id.ElectionID, positionID id.PositionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, positionKey{electionID, positionID})
	return nil
}
