package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quorum/internal/election/ports"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/circuit"
	"quorum/pkg/platform/retry"
	"quorum/pkg/platform/sentinel"
)

const defaultCooldown = 10 * time.Second

// Guarded bounds every call to a remote directory. Each attempt gets the
// policy timeout, transient failures are retried with backoff, and repeated
// outages open a circuit. While the circuit is open and the cooldown has not
// passed, calls fail fast with CodeUnavailable; after the cooldown one call
// is let through as a probe and its success closes the circuit.
type Guarded struct {
	next     ports.Directory
	policy   retry.Policy
	breaker  *circuit.Breaker
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	openedAt time.Time
}

type GuardOption func(*Guarded)

func WithPolicy(p retry.Policy) GuardOption {
	return func(g *Guarded) {
		g.policy = p
	}
}

func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guarded) {
		if b != nil {
			g.breaker = b
		}
	}
}

func WithCooldown(d time.Duration) GuardOption {
	return func(g *Guarded) {
		if d > 0 {
			g.cooldown = d
		}
	}
}

func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guarded) {
		g.logger = logger
	}
}

// WithClock replaces wall-clock time for cooldown decisions.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guarded) {
		g.now = now
	}
}

func NewGuarded(next ports.Directory, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:     next,
		policy:   retry.DefaultPolicy,
		breaker:  circuit.New("directory", circuit.WithSuccessThreshold(1)),
		cooldown: defaultCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State reports the circuit state, for health endpoints.
func (g *Guarded) State() circuit.State {
	return g.breaker.State()
}

func (g *Guarded) GetMember(ctx context.Context, memberID id.MemberID) (*ports.Member, error) {
	return guard(ctx, g, "get_member", func(ctx context.Context) (*ports.Member, error) {
		return g.next.GetMember(ctx, memberID)
	})
}

func (g *Guarded) UnitExists(ctx context.Context, unitID id.UnitID) (bool, error) {
	return guard(ctx, g, "unit_exists", func(ctx context.Context) (bool, error) {
		return g.next.UnitExists(ctx, unitID)
	})
}

func (g *Guarded) MemberInUnit(ctx context.Context, memberID id.MemberID, unitID id.UnitID) (bool, error) {
	return guard(ctx, g, "member_in_unit", func(ctx context.Context) (bool, error) {
		return g.next.MemberInUnit(ctx, memberID, unitID)
	})
}

func (g *Guarded) IsElectionAdmin(ctx context.Context, memberID id.MemberID, unitID *id.UnitID) (bool, error) {
	return guard(ctx, g, "is_election_admin", func(ctx context.Context) (bool, error) {
		return g.next.IsElectionAdmin(ctx, memberID, unitID)
	})
}

func guard[T any](ctx context.Context, g *Guarded, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if g.rejecting() {
		return zero, dErrors.New(dErrors.CodeUnavailable, "directory is unavailable")
	}

	v, err := retry.Read(ctx, g.policy, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if errors.Is(err, sentinel.ErrUnavailable) && !dErrors.HasCode(err, dErrors.CodeUnavailable) {
			return v, dErrors.Wrap(err, dErrors.CodeUnavailable, "directory is unavailable")
		}
		return v, err
	})
	if err != nil && ctx.Err() == nil && retry.IsTransient(err) {
		g.recordFailure(ctx, op, err)
		return zero, err
	}
	// Caller cancellation says nothing about the directory's health.
	if err == nil || ctx.Err() == nil {
		g.recordSuccess(ctx)
	}
	return v, err
}

func (g *Guarded) rejecting() bool {
	if !g.breaker.IsOpen() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.now().Sub(g.openedAt) < g.cooldown {
		return true
	}
	// Let this call probe; concurrent callers keep failing fast until it reports.
	g.openedAt = g.now()
	return false
}

func (g *Guarded) recordFailure(ctx context.Context, op string, err error) {
	open, change := g.breaker.RecordFailure()
	if open {
		g.mu.Lock()
		g.openedAt = g.now()
		g.mu.Unlock()
	}
	if change.Opened && g.logger != nil {
		g.logger.WarnContext(ctx, "directory circuit opened",
			"operation", op,
			"error", err,
		)
	}
}

func (g *Guarded) recordSuccess(ctx context.Context) {
	_, change := g.breaker.RecordSuccess()
	if change.Closed && g.logger != nil {
		g.logger.InfoContext(ctx, "directory circuit closed")
	}
}
