// Package publisher emits audit events to a store, synchronously or through a
// buffered background worker.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "quorum/pkg/domain"
	audit "quorum/pkg/platform/audit"
	"quorum/pkg/platform/audit/publishers/security"
)

// ErrBufferFull is returned by Emit in async mode when the queue is saturated.
var ErrBufferFull = errors.New("audit buffer full")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit publisher closed")

// Publisher is append-only. In async mode Emit enqueues and a single worker
// persists events in order; Close drains the queue before returning.
type Publisher struct {
	store    audit.Store
	logger   *slog.Logger
	security *security.Feed

	mu     sync.RWMutex
	closed bool
	queue  chan audit.Event
	done   chan struct{}
}

type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with a queue of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan audit.Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSecurityFeed mirrors every security event into feed for the admin view.
func WithSecurityFeed(feed *security.Feed) Option {
	return func(p *Publisher) {
		p.security = feed
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		p.done = make(chan struct{})
		go p.run()
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Category = audit.AuditEvent(event.Action).Category()
	if event.Category == audit.CategorySecurity && p.security != nil {
		p.security.Record(event)
	}

	if p.queue == nil {
		return p.store.Append(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.WarnContext(ctx, "audit buffer full, dropping event", "action", event.Action)
	}
	return ErrBufferFull
}

func (p *Publisher) run() {
	defer close(p.done)
	for event := range p.queue {
		// Persist detached from the emitting request, which has usually finished.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.Append(ctx, event); err != nil && p.logger != nil {
			p.logger.ErrorContext(ctx, "failed to persist audit event", "action", event.Action, "error", err)
		}
		cancel()
	}
}

// List returns the events recorded for an election.
func (p *Publisher) List(ctx context.Context, electionID id.ElectionID) ([]audit.Event, error) {
	return p.store.ListByElection(ctx, electionID)
}

// Recent returns the latest events across all elections.
func (p *Publisher) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	return p.store.ListRecent(ctx, limit)
}

// SecurityEvents returns up to n buffered security events, newest first.
func (p *Publisher) SecurityEvents(n int) []audit.Event {
	if p.security == nil {
		return nil
	}
	return p.security.Recent(n)
}

// Close stops accepting events and, in async mode, waits for the queue to drain.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.queue != nil {
		close(p.queue)
	}
	p.mu.Unlock()

	if p.done != nil {
		<-p.done
	}
	return nil
}
