package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	"quorum/pkg/attrs"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

// Store is the persistence the registry needs. MutateRegistry must run fn and
// apply its change atomically with respect to every other registry mutation
// of the same election.
type Store interface {
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	MutateRegistry(ctx context.Context, electionID id.ElectionID,
		fn func(entries []*models.RegistryEntry) (*models.RegistryChange, error)) (*models.RegistryChange, error)
	GetEntry(ctx context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, error)
	ListEntries(ctx context.Context, electionID id.ElectionID) ([]*models.RegistryEntry, error)
	ClaimBallot(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID, at time.Time) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

type Directory interface {
	ports.Eligibility
	ports.Authorizer
}

// Service manages voter eligibility and proxy delegation, and owns the
// has-voted claim.
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

// RegisterRequest adds a member to an election's registry. Members register
// themselves; administrators may register anyone.
type RegisterRequest struct {
	ElectionID id.ElectionID
	MemberID   id.MemberID
	Actor      id.MemberID
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.RegistryEntry, error) {
	e, err := s.election(ctx, req.ElectionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeFor(ctx, e, req.Actor, req.MemberID); err != nil {
		return nil, err
	}
	if !e.Phase.AcceptsRegistration() {
		return nil, dErrors.New(dErrors.CodeOutOfWindow, fmt.Sprintf("election is %s, registration is closed", e.Phase))
	}
	if err := ports.CheckEligible(ctx, s.directory, e, req.MemberID); err != nil {
		return nil, err
	}

	entry := models.NewRegistryEntry(id.NewRegistryEntryID(), e.ID, req.MemberID, requestcontext.Now(ctx))
	applied, err := s.store.MutateRegistry(ctx, e.ID, func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
		return models.PlanRegistration(entries, entry)
	})
	if err != nil {
		return nil, translate(err, "failed to register voter")
	}
	registered := applied.Insert[0]

	s.logAudit(ctx, audit.EventVoterRegistered, e.ID,
		"subject", registered.ID.String(),
		"actor_id", req.Actor.String(),
		"voter_number", registered.VoterNumber)
	return registered, nil
}

// AssignProxy delegates the granter's ballot to the holder. Every rule is
// checked against the whole registry inside one store mutation.
func (s *Service) AssignProxy(ctx context.Context, granterID, holderID id.RegistryEntryID, actor id.MemberID) (*models.RegistryEntry, error) {
	granter, e, err := s.entryAndElection(ctx, granterID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeFor(ctx, e, actor, granter.MemberID); err != nil {
		return nil, err
	}
	if !e.Phase.AcceptsRegistration() {
		return nil, dErrors.New(dErrors.CodeOutOfWindow, fmt.Sprintf("election is %s, proxies can no longer change", e.Phase))
	}

	proxyID := id.NewRegistryEntryID()
	now := requestcontext.Now(ctx)
	applied, err := s.store.MutateRegistry(ctx, e.ID, func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
		return models.PlanProxy(entries, granterID, holderID, e.Proxy, proxyID, now)
	})
	if err != nil {
		return nil, translate(err, "failed to assign proxy")
	}
	proxy := applied.Insert[0]

	s.logAudit(ctx, audit.EventProxyAssigned, e.ID,
		"subject", granterID.String(),
		"decision", proxy.ID.String(),
		"actor_id", actor.String())
	return proxy, nil
}

// RevokeProxy withdraws an unused delegation so the granter can vote in person again.
func (s *Service) RevokeProxy(ctx context.Context, granterID id.RegistryEntryID, actor id.MemberID) (*models.RegistryEntry, error) {
	granter, e, err := s.entryAndElection(ctx, granterID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeFor(ctx, e, actor, granter.MemberID); err != nil {
		return nil, err
	}
	if !e.Phase.AcceptsRegistration() {
		return nil, dErrors.New(dErrors.CodeOutOfWindow, fmt.Sprintf("election is %s, proxies can no longer change", e.Phase))
	}

	applied, err := s.store.MutateRegistry(ctx, e.ID, func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
		return models.PlanRevoke(entries, granterID, requestcontext.Now(ctx))
	})
	if err != nil {
		return nil, translate(err, "failed to revoke proxy")
	}

	var updated *models.RegistryEntry
	for _, u := range applied.Update {
		if u.ID == granterID {
			updated = u
		}
	}
	s.logAudit(ctx, audit.EventProxyRevoked, e.ID,
		"subject", granterID.String(),
		"actor_id", actor.String())
	return updated, nil
}

// MarkVoted atomically claims the entry's ballot for a position. It returns
// false when the ballot was already claimed. The claim is never retried.
func (s *Service) MarkVoted(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID) (bool, error) {
	err := s.store.ClaimBallot(ctx, entryID, positionID, requestcontext.Now(ctx))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return false, nil
	case errors.Is(err, sentinel.ErrInvalidState):
		return false, dErrors.New(dErrors.CodeIneligibleVoter, "ballot is delegated to a proxy or the proxy was revoked")
	case errors.Is(err, sentinel.ErrNotFound):
		return false, dErrors.New(dErrors.CodeNotFound, "registry entry not found")
	default:
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim ballot")
	}
}

func (s *Service) GetEntry(ctx context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, translate(err, "failed to load registry entry")
	}
	return entry, nil
}

func (s *Service) ListEntries(ctx context.Context, electionID id.ElectionID) ([]*models.RegistryEntry, error) {
	if _, err := s.election(ctx, electionID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, electionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list registry")
	}
	return entries, nil
}

func (s *Service) election(ctx context.Context, electionID id.ElectionID) (*models.Election, error) {
	e, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "election not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	return e, nil
}

func (s *Service) entryAndElection(ctx context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, *models.Election, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.election(ctx, entry.ElectionID)
	if err != nil {
		return nil, nil, err
	}
	return entry, e, nil
}

// authorizeFor lets members act for themselves and administrators act for anyone.
func (s *Service) authorizeFor(ctx context.Context, e *models.Election, actor, member id.MemberID) error {
	if actor.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required")
	}
	if actor == member {
		return nil
	}
	return ports.RequireAdmin(ctx, s.directory, actor, e.UnitID)
}

// translate maps store sentinels; domain errors raised by the plan pass through.
func translate(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "registry entry not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "member is already registered for this election")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
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
		Decision:   attrs.String(attributes, "decision"),
		ActorID:    attrs.String(attributes, "actor_id"),
		RequestID:  requestcontext.RequestID(ctx),
	})
}
