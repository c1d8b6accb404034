package nomination

import (
	"context"
	"errors"
	"log/slog"

	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	"quorum/pkg/attrs"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

// Store is the persistence the nomination workflow needs.
type Store interface {
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	GetPosition(ctx context.Context, positionID id.PositionID) (*models.Position, error)
	GetElectionPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.ElectionPosition, error)

	CreateNomination(ctx context.Context, n *models.Nomination) error
	GetNomination(ctx context.Context, nominationID id.NominationID) (*models.Nomination, error)
	ListNominations(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Nomination, error)
	UpdateNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus) error
	ApproveNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus, candidate *models.Candidate, maxCandidates int) error
	RejectNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus) error
	ListCandidates(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Directory is what nominations consult about members and administrators.
type Directory interface {
	ports.Eligibility
	ports.Authorizer
}

// Service runs the nomination workflow: propose, second, approve, reject, withdraw.
type Service struct {
	store          Store
	directory      Directory
	logger         *slog.Logger
	auditPublisher AuditPublisher
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

func New(store Store, directory Directory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("election store is required")
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	s := &Service{store: store, directory: directory}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ProposeRequest nominates a member for a position.
type ProposeRequest struct {
	ElectionID id.ElectionID
	PositionID id.PositionID
	Candidate  id.MemberID
	Nominator  id.MemberID
}

// Propose creates a pending nomination. The candidate and nominator must both
// be eligible members of the election.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*models.Nomination, error) {
	if req.Nominator.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "an authenticated nominator is required")
	}
	e, _, err := s.openPosition(ctx, req.ElectionID, req.PositionID)
	if err != nil {
		return nil, err
	}
	if err := ports.CheckEligible(ctx, s.directory, e, req.Candidate); err != nil {
		return nil, err
	}
	if req.Nominator != req.Candidate {
		if err := ports.CheckEligible(ctx, s.directory, e, req.Nominator); err != nil {
			return nil, err
		}
	}

	n, err := models.NewNomination(id.NewNominationID(), e.ID, req.PositionID, req.Candidate, req.Nominator,
		e.AllowSelfNomination, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.store.CreateNomination(ctx, n); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "candidate already has an active nomination for this position")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create nomination")
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "nomination proposed",
			"election_id", e.ID.String(),
			"position_id", req.PositionID.String(),
			"nomination_id", n.ID.String())
	}
	return n, nil
}

// Second moves a pending nomination to seconded.
func (s *Service) Second(ctx context.Context, nominationID id.NominationID, seconder id.MemberID) (*models.Nomination, error) {
	if seconder.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "an authenticated seconder is required")
	}
	n, e, err := s.loadForChange(ctx, nominationID)
	if err != nil {
		return nil, err
	}
	if err := n.CanSecond(seconder); err != nil {
		return nil, err
	}
	if err := ports.CheckEligible(ctx, s.directory, e, seconder); err != nil {
		return nil, err
	}

	from := n.Status
	n.ApplySecond(seconder, requestcontext.Now(ctx))
	if err := s.store.UpdateNomination(ctx, n, from); err != nil {
		return nil, casError(err)
	}
	return n, nil
}

// Approve turns the nomination into a candidate. Capacity is enforced by the
// store in the same write.
func (s *Service) Approve(ctx context.Context, nominationID id.NominationID, approver id.MemberID, symbol string) (*models.Candidate, error) {
	n, e, err := s.loadForChange(ctx, nominationID)
	if err != nil {
		return nil, err
	}
	if err := ports.RequireAdmin(ctx, s.directory, approver, e.UnitID); err != nil {
		return nil, err
	}
	if err := n.CanApprove(e.RequireSeconding); err != nil {
		return nil, err
	}
	p, err := s.store.GetPosition(ctx, n.PositionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
	}

	now := requestcontext.Now(ctx)
	from := n.Status
	n.ApplyApproval(approver, now)
	candidate := models.NewCandidate(id.NewCandidateID(), n, symbol, now)
	if err := s.store.ApproveNomination(ctx, n, from, candidate, p.MaxCandidates); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "position already has its maximum number of candidates")
		}
		return nil, casError(err)
	}

	s.logAudit(ctx, audit.EventNominationApproved, e.ID,
		"subject", n.ID.String(),
		"actor_id", approver.String(),
		"decision", string(models.NominationApproved))
	return candidate, nil
}

// Reject closes the nomination with a reason and removes its candidate, if any.
func (s *Service) Reject(ctx context.Context, nominationID id.NominationID, approver id.MemberID, reason string) (*models.Nomination, error) {
	n, e, err := s.loadForChange(ctx, nominationID)
	if err != nil {
		return nil, err
	}
	if err := ports.RequireAdmin(ctx, s.directory, approver, e.UnitID); err != nil {
		return nil, err
	}
	return s.reject(ctx, n, e, approver, reason)
}

// Withdraw lets the candidate, or an administrator on their behalf, pull out
// of the race. It is recorded as a rejection.
func (s *Service) Withdraw(ctx context.Context, nominationID id.NominationID, actor id.MemberID) (*models.Nomination, error) {
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required")
	}
	n, e, err := s.loadForChange(ctx, nominationID)
	if err != nil {
		return nil, err
	}
	if actor != n.CandidateMemberID {
		if err := ports.RequireAdmin(ctx, s.directory, actor, e.UnitID); err != nil {
			return nil, err
		}
	}
	return s.reject(ctx, n, e, actor, models.WithdrawnReason)
}

func (s *Service) reject(ctx context.Context, n *models.Nomination, e *models.Election, actor id.MemberID, reason string) (*models.Nomination, error) {
	if err := n.CanReject(reason); err != nil {
		return nil, err
	}
	from := n.Status
	n.ApplyRejection(actor, reason, requestcontext.Now(ctx))
	if err := s.store.RejectNomination(ctx, n, from); err != nil {
		return nil, casError(err)
	}

	s.logAudit(ctx, audit.EventNominationRejected, e.ID,
		"subject", n.ID.String(),
		"actor_id", actor.String(),
		"reason", n.RejectionReason,
		"decision", string(from))
	return n, nil
}

func (s *Service) ListNominations(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Nomination, error) {
	if _, err := s.position(ctx, electionID, positionID); err != nil {
		return nil, err
	}
	out, err := s.store.ListNominations(ctx, electionID, positionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list nominations")
	}
	return out, nil
}

// Ballot lists the approved candidates for a position.
func (s *Service) Ballot(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error) {
	if _, err := s.position(ctx, electionID, positionID); err != nil {
		return nil, err
	}
	out, err := s.store.ListCandidates(ctx, electionID, positionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list candidates")
	}
	return out, nil
}

// openPosition loads the election and its position and checks that nominations are open now.
func (s *Service) openPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Election, *models.ElectionPosition, error) {
	e, err := s.position(ctx, electionID, positionID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.CheckNominating(requestcontext.Now(ctx)); err != nil {
		return nil, nil, err
	}
	ep, err := s.store.GetElectionPosition(ctx, electionID, positionID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
	}
	return e, ep, nil
}

func (s *Service) position(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Election, error) {
	e, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "election not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	if _, err := s.store.GetElectionPosition(ctx, electionID, positionID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "position is not part of this election")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
	}
	return e, nil
}

func (s *Service) loadForChange(ctx context.Context, nominationID id.NominationID) (*models.Nomination, *models.Election, error) {
	n, err := s.store.GetNomination(ctx, nominationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeNotFound, "nomination not found")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load nomination")
	}
	e, _, err := s.openPosition(ctx, n.ElectionID, n.PositionID)
	if err != nil {
		return nil, nil, err
	}
	return n, e, nil
}

func casError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.New(dErrors.CodeConflict, "nomination was changed concurrently, reload and retry")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "nomination not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update nomination")
	}
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
