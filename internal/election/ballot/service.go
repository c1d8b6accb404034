// Package ballot casts votes.
//
// A cast claims the registry entry's single ballot for the position first and
// only then records the vote. Once claimed, the opportunity is never given
// back: if anything fails afterwards, including cancellation by the caller, a
// spoiled vote is recorded in its place.
package ballot

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"quorum/internal/election/metrics"
	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	"quorum/internal/election/proof"
	"quorum/pkg/attrs"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/retry"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

const (
	tokenBytes            = 32
	maxTokenAttempts      = 3
	defaultPersistTimeout = 5 * time.Second
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22,128}$`)

// Store is the persistence a cast reads and writes.
type Store interface {
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	GetElectionPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.ElectionPosition, error)
	GetCandidate(ctx context.Context, candidateID id.CandidateID) (*models.Candidate, error)
	GetEntry(ctx context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, error)
	FindVoteByToken(ctx context.Context, token string) (*models.Vote, *models.VoteProof, error)
	SaveVote(ctx context.Context, v *models.Vote, p *models.VoteProof) error
}

// Claimer owns the has-voted gate. MarkVoted returns false when the ballot
// was already claimed.
type Claimer interface {
	MarkVoted(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID) (bool, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Service casts ballots and answers receipt lookups.
type Service struct {
	store          Store
	claimer        Claimer
	directory      ports.Eligibility
	generator      *proof.Generator
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	readPolicy     retry.Policy
	persistTimeout time.Duration
	random         io.Reader
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

// WithReadPolicy bounds and retries the directory and election reads of a cast.
func WithReadPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.readPolicy = p
	}
}

// WithPersistTimeout bounds the detached write that records a claimed ballot.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

func New(store Store, claimer Claimer, directory ports.Eligibility, generator *proof.Generator, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("election store is required")
	}
	if claimer == nil {
		return nil, errors.New("ballot claimer is required")
	}
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	if generator == nil {
		return nil, errors.New("proof generator is required")
	}
	s := &Service{
		store:          store,
		claimer:        claimer,
		directory:      directory,
		generator:      generator,
		tracer:         otel.Tracer("quorum/election/ballot"),
		readPolicy:     retry.DefaultPolicy,
		persistTimeout: defaultPersistTimeout,
		random:         rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CastRequest is one ballot for one position. Token is optional; when set it
// is the client's idempotency key and becomes the receipt token.
type CastRequest struct {
	ElectionID  id.ElectionID
	PositionID  id.PositionID
	EntryID     id.RegistryEntryID
	CandidateID id.CandidateID
	Actor       id.MemberID
	Token       string
	Method      models.Method
	Origin      models.Origin
}

func (r *CastRequest) validate() error {
	if r.Actor.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required")
	}
	if r.ElectionID.IsNil() || r.PositionID.IsNil() || r.EntryID.IsNil() || r.CandidateID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "election, position, registry entry and candidate are required")
	}
	if r.Token != "" && !tokenPattern.MatchString(r.Token) {
		return dErrors.New(dErrors.CodeValidation, "vote token must be 22 to 128 URL-safe base64 characters")
	}
	if r.Method != "" && !r.Method.IsValid() {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown voting method %q", r.Method))
	}
	return nil
}

// Cast records one ballot and returns its receipt. A repeated request with
// the same client token returns the original receipt marked as replayed.
func (s *Service) Cast(ctx context.Context, req CastRequest) (*models.Receipt, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ballot.Cast", trace.WithAttributes(
		attribute.String("election_id", req.ElectionID.String()),
		attribute.String("position_id", req.PositionID.String()),
	))
	defer span.End()

	receipt, outcome, err := s.cast(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveCast(start)
		s.metrics.IncrementVotesCast(outcome)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	return receipt, nil
}

func (s *Service) cast(ctx context.Context, req CastRequest) (*models.Receipt, string, error) {
	if err := req.validate(); err != nil {
		return nil, metrics.OutcomeRejected, err
	}
	if req.Token != "" {
		receipt, err := s.replay(ctx, req)
		if err != nil {
			return nil, metrics.OutcomeRejected, err
		}
		if receipt != nil {
			return receipt, metrics.OutcomeReplayed, nil
		}
	}

	now := requestcontext.Now(ctx)
	e, entry, err := s.precheck(ctx, req, now)
	if err != nil {
		return nil, metrics.OutcomeRejected, err
	}

	claimed, err := s.claimer.MarkVoted(ctx, entry.ID, req.PositionID)
	if err != nil {
		return nil, metrics.OutcomeRejected, err
	}
	if !claimed {
		if req.Token != "" {
			// A concurrent retry of this request may have won the claim.
			if receipt, err := s.replay(ctx, req); err == nil && receipt != nil {
				return receipt, metrics.OutcomeReplayed, nil
			}
		}
		if s.metrics != nil {
			s.metrics.IncrementAlreadyVoted()
		}
		return nil, metrics.OutcomeRejected, dErrors.New(dErrors.CodeAlreadyVoted, "a ballot has already been cast for this position")
	}

	receipt, err := s.record(ctx, req, e, entry, now)
	if err != nil {
		return nil, metrics.OutcomeSpoiled, err
	}
	return receipt, metrics.OutcomeValid, nil
}

// replay returns the stored receipt for a reused token, nil when the token is
// new, or Conflict when the token belongs to a different ballot.
func (s *Service) replay(ctx context.Context, req CastRequest) (*models.Receipt, error) {
	found, err := s.findByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up vote token")
	}
	v := found.vote
	if v.RegistryEntryID != req.EntryID || v.PositionID != req.PositionID || v.ElectionID != req.ElectionID {
		s.securityEvent(ctx, audit.EventVoteTokenConflict, req.ElectionID, req.PositionID.String(), "token reused for a different ballot")
		return nil, dErrors.New(dErrors.CodeConflict, "vote token is already in use")
	}
	return models.NewReceipt(v, found.proof, true), nil
}

type storedVote struct {
	vote  *models.Vote
	proof *models.VoteProof
}

func (s *Service) findByToken(ctx context.Context, token string) (storedVote, error) {
	return retry.Read(ctx, s.readPolicy, func(ctx context.Context) (storedVote, error) {
		v, p, err := s.store.FindVoteByToken(ctx, token)
		if err != nil {
			return storedVote{}, err
		}
		return storedVote{vote: v, proof: p}, nil
	})
}

// Receipt looks a ballot up by its token.
func (s *Service) Receipt(ctx context.Context, token string) (*models.Receipt, error) {
	if !tokenPattern.MatchString(token) {
		return nil, dErrors.New(dErrors.CodeValidation, "malformed vote token")
	}
	found, err := s.findByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no ballot with this token")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up vote token")
	}
	return models.NewReceipt(found.vote, found.proof, false), nil
}

// precheck runs every validation that precedes the claim.
func (s *Service) precheck(ctx context.Context, req CastRequest, now time.Time) (*models.Election, *models.RegistryEntry, error) {
	e, err := retry.Read(ctx, s.readPolicy, func(ctx context.Context) (*models.Election, error) {
		return s.store.GetElection(ctx, req.ElectionID)
	})
	if err != nil {
		return nil, nil, notFoundOr(err, "election not found", "failed to load election")
	}
	if err := e.CheckVoting(now); err != nil {
		return nil, nil, err
	}

	ep, err := s.store.GetElectionPosition(ctx, e.ID, req.PositionID)
	if err != nil {
		return nil, nil, notFoundOr(err, "position is not on this election", "failed to load position")
	}
	if err := ep.CheckVotable(); err != nil {
		return nil, nil, err
	}

	c, err := s.store.GetCandidate(ctx, req.CandidateID)
	if err != nil {
		return nil, nil, notFoundOr(err, "candidate not found", "failed to load candidate")
	}
	if c.ElectionID != e.ID || c.PositionID != req.PositionID {
		return nil, nil, dErrors.New(dErrors.CodeNotFound, "candidate is not on this ballot")
	}

	entry, err := s.store.GetEntry(ctx, req.EntryID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeIneligibleVoter, "voter is not registered")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load registry entry")
	}
	if entry.ElectionID != e.ID {
		return nil, nil, dErrors.New(dErrors.CodeIneligibleVoter, "voter is not registered for this election")
	}
	if entry.MemberID != req.Actor {
		return nil, nil, dErrors.New(dErrors.CodeForbidden, "registry entry belongs to another member")
	}
	if err := entry.CheckCastable(); err != nil {
		return nil, nil, err
	}

	err = retry.Do(ctx, s.readPolicy, func(ctx context.Context) error {
		return ports.CheckEligible(ctx, s.directory, e, req.Actor)
	})
	if err != nil {
		return nil, nil, err
	}
	return e, entry, nil
}

// record persists the claimed ballot. It runs detached from the caller's
// cancellation so that a claimed ballot always ends up stored, valid or spoiled.
func (s *Service) record(ctx context.Context, req CastRequest, e *models.Election, entry *models.RegistryEntry, now time.Time) (*models.Receipt, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	v := &models.Vote{
		ID:              id.NewVoteID(),
		ElectionID:      e.ID,
		PositionID:      req.PositionID,
		RegistryEntryID: entry.ID,
		CandidateID:     req.CandidateID,
		CastAt:          now,
		Method:          castMethod(req.Method, entry),
		Origin:          req.Origin,
		IsValid:         true,
	}

	clientToken := req.Token != ""
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, s.spoil(persistCtx, v, req.Token, models.InvalidCastCancelled, ctx.Err())
		}
		token := req.Token
		if !clientToken {
			generated, err := s.newToken()
			if err != nil {
				return nil, s.spoil(persistCtx, v, "", models.InvalidPersistFailed, err)
			}
			token = generated
		}
		v.Token = token

		hash, p, err := s.generator.Generate(proof.VoteInputs{
			ElectionID:  v.ElectionID,
			PositionID:  v.PositionID,
			CandidateID: v.CandidateID,
			Token:       v.Token,
		})
		if err != nil {
			return nil, s.spoil(persistCtx, v, req.Token, models.InvalidProofFailed, err)
		}
		v.VoteHash = hash
		p.VoteID = v.ID
		p.CreatedAt = now

		err = s.store.SaveVote(persistCtx, v, p)
		switch {
		case err == nil:
			s.logAudit(ctx, audit.EventVoteCast, e.ID,
				"subject", v.ID.String(),
				"decision", string(v.Method))
			return models.NewReceipt(v, p, false), nil
		case errors.Is(err, sentinel.ErrAlreadyUsed) && !clientToken && attempt < maxTokenAttempts:
			s.securityEvent(ctx, audit.EventVoteTokenConflict, e.ID, v.PositionID.String(), "generated token collided, regenerating")
			continue
		case errors.Is(err, sentinel.ErrAlreadyUsed) && clientToken:
			// Another ballot took the client's token between the replay check and now.
			_ = s.spoil(persistCtx, v, "", models.InvalidPersistFailed, err)
			return nil, dErrors.New(dErrors.CodeConflict, "vote token is already in use; the ballot was spoiled")
		default:
			return nil, s.spoil(persistCtx, v, req.Token, models.InvalidPersistFailed, err)
		}
	}
}

// spoil stores v as an invalid ballot and returns the error reported to the
// caller. A client token is kept so a retry replays the spoiled receipt; an
// empty clientToken, or one that is taken, falls back to server tokens. The
// claim stays consumed either way.
func (s *Service) spoil(ctx context.Context, v *models.Vote, clientToken string, reason models.InvalidReason, cause error) error {
	v.Spoil(reason)
	v.VoteHash = ""
	var saveErr error
	token := clientToken
	for range maxTokenAttempts {
		if token == "" {
			generated, err := s.newToken()
			if err != nil {
				saveErr = err
				break
			}
			token = generated
		}
		v.Token = token
		saveErr = s.store.SaveVote(ctx, v, nil)
		if !errors.Is(saveErr, sentinel.ErrAlreadyUsed) {
			break
		}
		token = ""
	}
	if saveErr != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to record spoiled ballot",
			"election_id", v.ElectionID.String(),
			"position_id", v.PositionID.String(),
			"reason", string(reason),
			"error", saveErr)
	}
	s.securityEvent(ctx, audit.EventBallotSpoiled, v.ElectionID, v.ID.String(), string(reason))

	if reason == models.InvalidCastCancelled {
		return dErrors.Wrap(cause, dErrors.CodeTimeout, "cast was cancelled after the ballot was claimed; it was recorded as spoiled")
	}
	return dErrors.Wrap(cause, dErrors.CodeInternal, "ballot could not be recorded and was spoiled")
}

func (s *Service) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("draw vote token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// castMethod records proxy entries as proxy ballots whatever the client sent.
func castMethod(requested models.Method, entry *models.RegistryEntry) models.Method {
	if entry.IsProxy() {
		return models.MethodProxy
	}
	if requested == "" || requested == models.MethodProxy {
		return models.MethodOnline
	}
	return requested
}

func notFoundOr(err error, notFound, internal string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, notFound)
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, internal)
}

// securityEvent records ballot anomalies. Subject names a vote or position,
// never a member.
func (s *Service) securityEvent(ctx context.Context, event audit.AuditEvent, electionID id.ElectionID, subject, reason string) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, string(event),
			"election_id", electionID.String(),
			"subject", subject,
			"reason", reason,
			"log_type", "audit")
	}
	if s.auditPublisher == nil {
		return
	}
	_ = s.auditPublisher.Emit(ctx, audit.Event{
		ElectionID: electionID,
		Subject:    subject,
		Action:     string(event),
		Reason:     reason,
		Severity:   audit.SeverityWarning,
		RequestID:  requestcontext.RequestID(ctx),
	})
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
		RequestID:  requestcontext.RequestID(ctx),
	})
}
