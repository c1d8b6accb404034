package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

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

// Store is the persistence the lifecycle needs.
type Store interface {
	CreateElection(ctx context.Context, e *models.Election) error
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	UpdatePhase(ctx context.Context, e *models.Election, from models.Phase) error
	DeleteElection(ctx context.Context, electionID id.ElectionID) error

	CreatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, positionID id.PositionID) (*models.Position, error)
	AttachPosition(ctx context.Context, ep *models.ElectionPosition) error
	ListElectionPositions(ctx context.Context, electionID id.ElectionID) ([]*models.ElectionPosition, error)
	UpdateBallotStatus(ctx context.Context, ep *models.ElectionPosition) error

	ListCandidates(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error)
	ListEntries(ctx context.Context, electionID id.ElectionID) ([]*models.RegistryEntry, error)
	ListCertifications(ctx context.Context, electionID id.ElectionID) ([]*models.Certification, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Service drives elections through their phases.
type Service struct {
	store          Store
	units          ports.UnitDirectory
	authz          ports.Authorizer
	notifier       ports.Notifier
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

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

// WithNotifier sets the lifecycle event sink. Without one, events are dropped.
func WithNotifier(n ports.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func New(store Store, units ports.UnitDirectory, authz ports.Authorizer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("election store is required")
	}
	if units == nil || authz == nil {
		return nil, errors.New("unit directory and authorizer are required")
	}
	s := &Service{store: store, units: units, authz: authz}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateElectionRequest carries a new election's settings and the acting administrator.
type CreateElectionRequest struct {
	models.ElectionParams
	Actor id.MemberID
}

// CreateElection validates windows, proxy policy and scope, then stores a draft election.
func (s *Service) CreateElection(ctx context.Context, req CreateElectionRequest) (*models.Election, error) {
	if err := ports.RequireAdmin(ctx, s.authz, req.Actor, req.UnitID); err != nil {
		return nil, err
	}
	if req.UnitID != nil && !req.UnitID.IsNil() {
		exists, err := s.units.UnitExists(ctx, *req.UnitID)
		if err != nil {
			return nil, ports.DependencyError(err, "failed to check unit")
		}
		if !exists {
			return nil, dErrors.New(dErrors.CodeNotFound, "unit not found")
		}
	}

	params := req.ElectionParams
	params.CreatedBy = req.Actor
	e, err := models.NewElection(id.NewElectionID(), params, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.store.CreateElection(ctx, e); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create election")
	}

	s.logAudit(ctx, audit.EventElectionCreated, e.ID,
		"actor_id", req.Actor.String(),
		"decision", string(e.Phase))
	return e, nil
}

func (s *Service) GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error) {
	e, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "election not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	return e, nil
}

// DeleteElection removes a draft or cancelled election with all its descendants.
func (s *Service) DeleteElection(ctx context.Context, electionID id.ElectionID, actor id.MemberID) error {
	e, err := s.GetElection(ctx, electionID)
	if err != nil {
		return err
	}
	if err := ports.RequireAdmin(ctx, s.authz, actor, e.UnitID); err != nil {
		return err
	}
	if !e.IsDeletable() {
		return dErrors.New(dErrors.CodeConflict, "only draft or cancelled elections can be deleted")
	}
	if err := s.store.DeleteElection(ctx, electionID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "election not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete election")
	}
	s.logAudit(ctx, audit.EventElectionDeleted, electionID, "actor_id", actor.String())
	return nil
}

// CreatePositionRequest defines an office that can later be attached to elections.
type CreatePositionRequest struct {
	Name          string
	MaxCandidates int
	MinCandidates int
	Actor         id.MemberID
}

// CreatePosition requires an administrator of the organization root.
func (s *Service) CreatePosition(ctx context.Context, req CreatePositionRequest) (*models.Position, error) {
	if err := ports.RequireAdmin(ctx, s.authz, req.Actor, nil); err != nil {
		return nil, err
	}
	p, err := models.NewPosition(id.NewPositionID(), req.Name, req.MaxCandidates, req.MinCandidates, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.store.CreatePosition(ctx, p); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create position")
	}
	return p, nil
}

// AttachPosition puts a position on an election's ballot while the election
// is still in draft or taking nominations.
func (s *Service) AttachPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID, actor id.MemberID) (*models.ElectionPosition, error) {
	e, err := s.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if err := ports.RequireAdmin(ctx, s.authz, actor, e.UnitID); err != nil {
		return nil, err
	}
	if e.Phase != models.PhaseDraft && e.Phase != models.PhaseNominationOpen {
		return nil, dErrors.New(dErrors.CodeOutOfWindow, "positions can only be attached before nominations close")
	}
	if _, err := s.store.GetPosition(ctx, positionID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "position not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
	}

	ep := &models.ElectionPosition{
		ElectionID:   electionID,
		PositionID:   positionID,
		BallotStatus: models.BallotPending,
		AttachedAt:   requestcontext.Now(ctx),
	}
	if err := s.store.AttachPosition(ctx, ep); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "position is already attached to this election")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to attach position")
	}
	return ep, nil
}

// PositionView is an attached position with its ballot status.
type PositionView struct {
	models.Position
	BallotStatus models.BallotStatus `json:"ballot_status"`
	StatusReason string              `json:"status_reason,omitempty"`
	AttachedAt   time.Time           `json:"attached_at"`
}

func (s *Service) ListPositions(ctx context.Context, electionID id.ElectionID) ([]PositionView, error) {
	if _, err := s.GetElection(ctx, electionID); err != nil {
		return nil, err
	}
	attached, err := s.store.ListElectionPositions(ctx, electionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list positions")
	}
	views := make([]PositionView, 0, len(attached))
	for _, ep := range attached {
		p, err := s.store.GetPosition(ctx, ep.PositionID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
		}
		views = append(views, PositionView{
			Position:     *p,
			BallotStatus: ep.BallotStatus,
			StatusReason: ep.StatusReason,
			AttachedAt:   ep.AttachedAt,
		})
	}
	return views, nil
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

func (s *Service) incrementTransition(to models.Phase) {
	if s.metrics != nil {
		s.metrics.IncrementTransition(string(to))
	}
}
