// Package tally counts valid ballots, ranks candidates and certifies results.
//
// A live tally always reflects the current votes. Once a position is certified
// its results are frozen: Tally returns the certified rows until an explicit
// recertification with a recorded reason replaces them.
package tally

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"quorum/internal/election/lifecycle"
	"quorum/internal/election/metrics"
	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	"quorum/pkg/attrs"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/retry"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

type Store interface {
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	ListElectionPositions(ctx context.Context, electionID id.ElectionID) ([]*models.ElectionPosition, error)
	GetElectionPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.ElectionPosition, error)
	ListCandidates(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error)
	TallySnapshot(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (map[id.CandidateID]int, int, error)
	GetCertification(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Certification, error)
	ListResults(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.ElectionResult, error)
	SaveCertification(ctx context.Context, cert *models.Certification, results []*models.ElectionResult) error
}

// DisplayCache holds candidate display metadata per position. A miss is
// reported as sentinel.ErrNotFound. It is never consulted when casting.
type DisplayCache interface {
	GetDisplay(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]models.CandidateDisplay, error)
	SetDisplay(ctx context.Context, electionID id.ElectionID, positionID id.PositionID, displays []models.CandidateDisplay) error
}

// Transitioner moves the election to results_certified once every position is certified.
type Transitioner interface {
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (*models.Election, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

type Directory interface {
	ports.MemberDirectory
	ports.Authorizer
}

type Service struct {
	store          Store
	directory      Directory
	cache          DisplayCache
	lifecycle      Transitioner
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	readPolicy     retry.Policy
	computeTimeout time.Duration
	group          singleflight.Group
}

const defaultComputeTimeout = 30 * time.Second

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithDisplayCache(c DisplayCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithLifecycle enables CertifyElection's final phase change.
func WithLifecycle(t Transitioner) Option {
	return func(s *Service) {
		s.lifecycle = t
	}
}

func WithReadPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.readPolicy = p
	}
}

// WithComputeTimeout bounds a shared tally computation. It runs detached from
// the callers that wait on it, so one caller leaving does not fail the others.
func WithComputeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.computeTimeout = d
		}
	}
}

func New(store Store, directory Directory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("election store is required")
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	s := &Service{
		store:      store,
		directory:  directory,
		tracer:     otel.Tracer("quorum/election/tally"),
		readPolicy:     retry.DefaultPolicy,
		computeTimeout: defaultComputeTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tally reports the position's results: the certified rows when certified,
// the live count otherwise. Concurrent calls for one position share a single
// computation.
func (s *Service) Tally(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Report, error) {
	ctx, span := s.tracer.Start(ctx, "tally.Tally", trace.WithAttributes(
		attribute.String("election_id", electionID.String()),
		attribute.String("position_id", positionID.String()),
	))
	defer span.End()

	e, err := s.election(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if err := e.CheckTallying(); err != nil {
		return nil, err
	}

	key := electionID.String() + "/" + positionID.String()
	ch := s.group.DoChan(key, func() (any, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.computeTimeout)
		defer cancel()
		return s.report(computeCtx, electionID, positionID)
	})
	select {
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "tally was abandoned by the caller")
	case res := <-ch:
		span.SetAttributes(attribute.Bool("shared", res.Shared))
		if res.Err != nil {
			span.RecordError(res.Err)
			return nil, res.Err
		}
		return res.Val.(*models.Report), nil
	}
}

func (s *Service) report(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Report, error) {
	cert, err := s.store.GetCertification(ctx, electionID, positionID)
	switch {
	case err == nil:
		return s.certifiedReport(ctx, cert)
	case errors.Is(err, sentinel.ErrNotFound):
		return s.liveReport(ctx, electionID, positionID)
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certification")
	}
}

func (s *Service) liveReport(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Report, error) {
	start := time.Now()
	if _, err := s.store.GetElectionPosition(ctx, electionID, positionID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "position is not on this election")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
	}

	candidates, err := s.store.ListCandidates(ctx, electionID, positionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list candidates")
	}
	type snapshot struct {
		counts map[id.CandidateID]int
		total  int
	}
	snap, err := retry.Read(ctx, s.readPolicy, func(ctx context.Context) (snapshot, error) {
		counts, total, err := s.store.TallySnapshot(ctx, electionID, positionID)
		return snapshot{counts: counts, total: total}, err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count votes")
	}

	approved := make([]id.CandidateID, 0, len(candidates))
	for _, c := range candidates {
		approved = append(approved, c.ID)
	}
	rows, status := rank(snap.counts, approved, snap.total)
	report := &models.Report{
		ElectionID: electionID,
		PositionID: positionID,
		Total:      snap.total,
		Status:     status,
		Rows:       rows,
	}
	s.decorate(ctx, report, candidates)
	if s.metrics != nil {
		s.metrics.ObserveTally(start)
	}
	if s.logger != nil {
		s.logger.DebugContext(ctx, string(audit.EventTallyComputed),
			"election_id", electionID.String(),
			"position_id", positionID.String(),
			"total", snap.total,
			"status", string(status))
	}
	return report, nil
}

func (s *Service) certifiedReport(ctx context.Context, cert *models.Certification) (*models.Report, error) {
	results, err := s.store.ListResults(ctx, cert.ElectionID, cert.PositionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certified results")
	}
	report := &models.Report{
		ElectionID:    cert.ElectionID,
		PositionID:    cert.PositionID,
		Status:        models.TallyNoVotes,
		Rows:          make([]models.ReportRow, 0, len(results)),
		Certified:     true,
		Certification: cert,
	}
	hasWinner := false
	for _, r := range results {
		report.Total += r.TotalVotes
		hasWinner = hasWinner || r.IsWinner
		report.Rows = append(report.Rows, models.ReportRow{
			CandidateID: r.CandidateID,
			Votes:       r.TotalVotes,
			Percentage:  r.Percentage,
			Rank:        r.Rank,
			IsWinner:    r.IsWinner,
			Margin:      r.MarginOfVotes,
		})
	}
	if hasWinner {
		report.Status = models.TallyDecided
	} else if report.Total > 0 {
		report.Status = models.TallyTieUnresolved
	}

	candidates, err := s.store.ListCandidates(ctx, cert.ElectionID, cert.PositionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list candidates")
	}
	s.decorate(ctx, report, candidates)
	return report, nil
}

// decorate fills symbol and display name from the cache, building and
// storing the position's display metadata on a miss. Failures only cost the
// decoration.
func (s *Service) decorate(ctx context.Context, report *models.Report, candidates []*models.Candidate) {
	displays, err := s.displays(ctx, report.ElectionID, report.PositionID, candidates)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "candidate display metadata unavailable",
				"election_id", report.ElectionID.String(),
				"position_id", report.PositionID.String(),
				"error", err)
		}
		return
	}
	byID := make(map[id.CandidateID]models.CandidateDisplay, len(displays))
	for _, d := range displays {
		byID[d.CandidateID] = d
	}
	for i := range report.Rows {
		if d, ok := byID[report.Rows[i].CandidateID]; ok {
			report.Rows[i].Symbol = d.Symbol
			report.Rows[i].DisplayName = d.DisplayName
		}
	}
}

func (s *Service) displays(ctx context.Context, electionID id.ElectionID, positionID id.PositionID, candidates []*models.Candidate) ([]models.CandidateDisplay, error) {
	if s.cache != nil {
		cached, err := s.cache.GetDisplay(ctx, electionID, positionID)
		if err == nil && len(cached) == len(candidates) {
			return cached, nil
		}
	}
	out := make([]models.CandidateDisplay, 0, len(candidates))
	for _, c := range candidates {
		d := models.CandidateDisplay{CandidateID: c.ID, MemberID: c.MemberID, Symbol: c.Symbol}
		member, err := retry.Read(ctx, s.readPolicy, func(ctx context.Context) (*ports.Member, error) {
			return s.directory.GetMember(ctx, c.MemberID)
		})
		if err != nil {
			return nil, err
		}
		d.DisplayName = member.DisplayName
		out = append(out, d)
	}
	if s.cache != nil {
		if err := s.cache.SetDisplay(ctx, electionID, positionID, out); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to cache candidate display metadata", "error", err)
		}
	}
	return out, nil
}

func (s *Service) election(ctx context.Context, electionID id.ElectionID) (*models.Election, error) {
	e, err := retry.Read(ctx, s.readPolicy, func(ctx context.Context) (*models.Election, error) {
		return s.store.GetElection(ctx, electionID)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "election not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	return e, nil
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, electionID id.ElectionID, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "election_id", electionID.String(), "event", string(event), "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	_ = s.auditPublisher.Emit(ctx, audit.Event{
		ElectionID: electionID,
		Subject:    attrs.String(attributes, "subject"),
		Action:     string(event),
		Reason:     attrs.String(attributes, "reason"),
		Decision:   attrs.String(attributes, "decision"),
		ActorID:    attrs.String(attributes, "actor_id"),
		RequestID:  requestcontext.RequestID(ctx),
	})
}
