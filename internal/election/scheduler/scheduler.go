// Package scheduler advances elections whose configured times have passed.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
)

const defaultInterval = 30 * time.Second

type Store interface {
	ListElectionsByPhase(ctx context.Context, phases ...models.Phase) ([]*models.Election, error)
}

// Advancer applies due automatic transitions. It must be idempotent.
type Advancer interface {
	AdvanceDue(ctx context.Context, electionID id.ElectionID, now time.Time) (*models.Election, error)
}

type Scheduler struct {
	store    Store
	advancer Advancer
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces wall-clock time. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(store Store, advancer Advancer, opts ...Option) (*Scheduler, error) {
	if store == nil || advancer == nil {
		return nil, errors.New("store and advancer are required")
	}
	s := &Scheduler{
		store:    store,
		advancer: advancer,
		interval: defaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks until ctx is cancelled. A failing pass is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && s.logger != nil {
				s.logger.ErrorContext(ctx, "scheduled advance failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Result summarizes one pass.
type Result struct {
	Checked  int
	Advanced int
	Failed   int
}

// RunOnce checks every schedulable election once. Per-election failures are
// logged and counted; only a failure to list elections is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	elections, err := s.store.ListElectionsByPhase(ctx,
		models.PhaseNominationOpen, models.PhaseNominationClosed, models.PhaseVotingOpen)
	if err != nil {
		return res, err
	}
	now := s.now()
	for _, e := range elections {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !e.Phase.IsSchedulable() {
			continue
		}
		res.Checked++
		next, err := s.advancer.AdvanceDue(ctx, e.ID, now)
		if err != nil {
			res.Failed++
			if s.logger != nil {
				s.logger.WarnContext(ctx, "election not advanced",
					"election_id", e.ID.String(), "phase", string(e.Phase), "error", err)
			}
			continue
		}
		if next != nil && next.Phase != e.Phase {
			res.Advanced++
			if s.logger != nil {
				s.logger.InfoContext(ctx, "election advanced",
					"election_id", e.ID.String(), "from", string(e.Phase), "to", string(next.Phase))
			}
		}
	}
	return res, nil
}
