package proof

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"quorum/internal/election/metrics"
	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	"quorum/pkg/attrs"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

const defaultAuditConcurrency = 8

// Store is what verification reads and stamps.
type Store interface {
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	GetVote(ctx context.Context, voteID id.VoteID) (*models.Vote, *models.VoteProof, error)
	ListVotes(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Vote, error)
	MarkProofVerified(ctx context.Context, voteID id.VoteID, at time.Time) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Auditor verifies stored ballots against their proofs. Only election
// administrators may run it.
type Auditor struct {
	store          Store
	authz          ports.Authorizer
	generator      *Generator
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	concurrency    int
}

type Option func(*Auditor)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) {
		a.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(a *Auditor) {
		a.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Auditor) {
		a.metrics = m
	}
}

// WithConcurrency bounds how many votes AuditPosition verifies at once.
func WithConcurrency(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func NewAuditor(store Store, authz ports.Authorizer, generator *Generator, opts ...Option) (*Auditor, error) {
	if store == nil || authz == nil || generator == nil {
		return nil, errors.New("store, authorizer and proof generator are required")
	}
	a := &Auditor{
		store:       store,
		authz:       authz,
		generator:   generator,
		tracer:      otel.Tracer("quorum/election/proof"),
		concurrency: defaultAuditConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

var errSpoiled = errors.New("spoiled ballot")

// VerifyVote checks one ballot. A valid proof is stamped verified; a mismatch
// returns ProofMismatch and raises a security event. An invalid vote that does
// not look spoiled by the cast path, such as a proven vote later flipped to
// invalid, is a mismatch too.
func (a *Auditor) VerifyVote(ctx context.Context, actor id.MemberID, voteID id.VoteID) (*models.VoteProof, error) {
	ctx, span := a.tracer.Start(ctx, "proof.VerifyVote", trace.WithAttributes(attribute.String("vote_id", voteID.String())))
	defer span.End()

	v, p, err := a.load(ctx, voteID)
	if err != nil {
		return nil, err
	}
	if err := a.authorize(ctx, actor, v.ElectionID); err != nil {
		return nil, err
	}
	p, err = a.verify(ctx, v, p)
	if errors.Is(err, errSpoiled) {
		return nil, dErrors.New(dErrors.CodeConflict, "spoiled ballot has no proof to verify")
	}
	if dErrors.HasCode(err, dErrors.CodeProofMismatch) {
		span.SetStatus(codes.Error, "proof mismatch")
	}
	return p, err
}

func (a *Auditor) load(ctx context.Context, voteID id.VoteID) (*models.Vote, *models.VoteProof, error) {
	v, p, err := a.store.GetVote(ctx, voteID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeNotFound, "vote not found")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load vote")
	}
	return v, p, nil
}

// authorize admits root administrators and administrators of the election's unit.
func (a *Auditor) authorize(ctx context.Context, actor id.MemberID, electionID id.ElectionID) error {
	e, err := a.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "election not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	return ports.RequireAdmin(ctx, a.authz, actor, e.UnitID)
}

func (a *Auditor) verify(ctx context.Context, v *models.Vote, p *models.VoteProof) (*models.VoteProof, error) {
	if v.CleanlySpoiled(p) {
		return nil, errSpoiled
	}
	if !v.IsValid {
		a.flagMismatch(ctx, v)
		return nil, dErrors.New(dErrors.CodeProofMismatch, "invalid vote still carries a proof or has no reason")
	}
	if !a.generator.Verify(v, p) {
		a.flagMismatch(ctx, v)
		return nil, dErrors.New(dErrors.CodeProofMismatch, "vote does not match its proof")
	}

	now := requestcontext.Now(ctx)
	if err := a.store.MarkProofVerified(ctx, v.ID, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record verification")
	}
	p.Verified = true
	p.VerifiedAt = &now
	a.logAudit(ctx, audit.EventVoteVerified, v.ElectionID, "subject", v.ID.String())
	return p, nil
}

// PositionAudit summarizes a full verification pass over a position.
type PositionAudit struct {
	ElectionID id.ElectionID `json:"election_id"`
	PositionID id.PositionID `json:"position_id"`
	Checked    int           `json:"checked"`
	Verified   int           `json:"verified"`
	Spoiled    int           `json:"spoiled"`
	Mismatched []id.VoteID   `json:"mismatched"`
}

// AuditPosition verifies every ballot of a position concurrently and reports
// which ones failed. Mismatches do not stop the pass.
func (a *Auditor) AuditPosition(ctx context.Context, actor id.MemberID, electionID id.ElectionID, positionID id.PositionID) (*PositionAudit, error) {
	ctx, span := a.tracer.Start(ctx, "proof.AuditPosition", trace.WithAttributes(
		attribute.String("election_id", electionID.String()),
		attribute.String("position_id", positionID.String()),
	))
	defer span.End()

	if err := a.authorize(ctx, actor, electionID); err != nil {
		return nil, err
	}
	votes, err := a.store.ListVotes(ctx, electionID, positionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list votes")
	}

	report := &PositionAudit{ElectionID: electionID, PositionID: positionID, Mismatched: []id.VoteID{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, v := range votes {
		g.Go(func() error {
			stored, p, err := a.load(gctx, v.ID)
			if err != nil {
				return err
			}
			_, err = a.verify(gctx, stored, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errSpoiled):
				report.Spoiled++
				return nil
			case err == nil:
				report.Verified++
			case dErrors.HasCode(err, dErrors.CodeProofMismatch):
				report.Mismatched = append(report.Mismatched, v.ID)
			default:
				return err
			}
			report.Checked++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("mismatched", len(report.Mismatched)))
	return report, nil
}

func (a *Auditor) flagMismatch(ctx context.Context, v *models.Vote) {
	if a.metrics != nil {
		a.metrics.IncrementProofMismatches()
	}
	if a.logger != nil {
		a.logger.WarnContext(ctx, "vote proof mismatch",
			"election_id", v.ElectionID.String(),
			"position_id", v.PositionID.String(),
			"vote_id", v.ID.String())
	}
	if a.auditPublisher == nil {
		return
	}
	_ = a.auditPublisher.Emit(ctx, audit.Event{
		ElectionID: v.ElectionID,
		Subject:    v.ID.String(),
		Action:     string(audit.EventProofMismatch),
		Decision:   "tampered",
		Severity:   audit.SeverityCritical,
		RequestID:  requestcontext.RequestID(ctx),
	})
}

func (a *Auditor) logAudit(ctx context.Context, event audit.AuditEvent, electionID id.ElectionID, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "election_id", electionID.String(), "event", string(event), "log_type", "audit")
	if a.logger != nil {
		a.logger.InfoContext(ctx, string(event), args...)
	}
	if a.auditPublisher == nil {
		return
	}
	_ = a.auditPublisher.Emit(ctx, audit.Event{
		ElectionID: electionID,
		Subject:    attrs.String(attributes, "subject"),
		Action:     string(event),
		RequestID:  requestcontext.RequestID(ctx),
	})
}
