package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"quorum/internal/election/ballot"
	"quorum/internal/election/lifecycle"
	"quorum/internal/election/models"
	"quorum/internal/election/nomination"
	"quorum/internal/election/ports"
	"quorum/internal/election/proof"
	"quorum/internal/election/registry"
	"quorum/internal/election/tally"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/httputil"
	"quorum/pkg/platform/middleware/device"
	"quorum/pkg/requestcontext"
)

// IdempotencyKeyHeader carries the client's vote token on cast requests.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	defaultSecurityEvents = 50
	maxSecurityEvents     = 500
)

type LifecycleService interface {
	CreateElection(ctx context.Context, req lifecycle.CreateElectionRequest) (*models.Election, error)
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	DeleteElection(ctx context.Context, electionID id.ElectionID, actor id.MemberID) error
	CreatePosition(ctx context.Context, req lifecycle.CreatePositionRequest) (*models.Position, error)
	AttachPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID, actor id.MemberID) (*models.ElectionPosition, error)
	ListPositions(ctx context.Context, electionID id.ElectionID) ([]lifecycle.PositionView, error)
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (*models.Election, error)
}

type NominationService interface {
	Propose(ctx context.Context, req nomination.ProposeRequest) (*models.Nomination, error)
	Second(ctx context.Context, nominationID id.NominationID, seconder id.MemberID) (*models.Nomination, error)
	Approve(ctx context.Context, nominationID id.NominationID, approver id.MemberID, symbol string) (*models.Candidate, error)
	Reject(ctx context.Context, nominationID id.NominationID, approver id.MemberID, reason string) (*models.Nomination, error)
	Withdraw(ctx context.Context, nominationID id.NominationID, actor id.MemberID) (*models.Nomination, error)
	ListNominations(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Nomination, error)
	Ballot(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error)
}

type RegistryService interface {
	Register(ctx context.Context, req registry.RegisterRequest) (*models.RegistryEntry, error)
	AssignProxy(ctx context.Context, granterID, holderID id.RegistryEntryID, actor id.MemberID) (*models.RegistryEntry, error)
	RevokeProxy(ctx context.Context, granterID id.RegistryEntryID, actor id.MemberID) (*models.RegistryEntry, error)
	ListEntries(ctx context.Context, electionID id.ElectionID) ([]*models.RegistryEntry, error)
}

type BallotService interface {
	Cast(ctx context.Context, req ballot.CastRequest) (*models.Receipt, error)
	Receipt(ctx context.Context, token string) (*models.Receipt, error)
}

type ProofAuditor interface {
	VerifyVote(ctx context.Context, actor id.MemberID, voteID id.VoteID) (*models.VoteProof, error)
	AuditPosition(ctx context.Context, actor id.MemberID, electionID id.ElectionID, positionID id.PositionID) (*proof.PositionAudit, error)
}

type TallyService interface {
	Tally(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Report, error)
	Certify(ctx context.Context, req tally.CertifyRequest) (*models.Report, error)
	Recertify(ctx context.Context, req tally.RecertifyRequest) (*models.Report, error)
	CertifyElection(ctx context.Context, electionID id.ElectionID, actor id.MemberID, resolutions map[id.PositionID]id.CandidateID) (*models.Election, error)
}

// SecurityFeed exposes buffered security audit events, newest first.
type SecurityFeed interface {
	SecurityEvents(n int) []audit.Event
}

// Services groups the collaborators the handler routes to.
type Services struct {
	Lifecycle  LifecycleService
	Nomination NominationService
	Registry   RegistryService
	Ballot     BallotService
	Auditor    ProofAuditor
	Tally      TallyService
	Security   SecurityFeed
	Authorizer ports.Authorizer
}

// Handler wires election endpoints to the election services.
type Handler struct {
	svc    Services
	logger *slog.Logger
}

func New(svc Services, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts election endpoints on the router. Every route expects an
// authenticated actor in the request context.
func (h *Handler) Register(r chi.Router) {
	r.Post("/elections", h.HandleCreateElection)
	r.Get("/elections/{electionID}", h.HandleGetElection)
	r.Delete("/elections/{electionID}", h.HandleDeleteElection)
	r.Post("/elections/{electionID}/transitions", h.HandleTransition)
	r.Post("/positions", h.HandleCreatePosition)
	r.Post("/elections/{electionID}/positions", h.HandleAttachPosition)
	r.Get("/elections/{electionID}/positions", h.HandleListPositions)

	r.Post("/elections/{electionID}/nominations", h.HandlePropose)
	r.Get("/elections/{electionID}/positions/{positionID}/nominations", h.HandleListNominations)
	r.Post("/nominations/{nominationID}/second", h.HandleSecond)
	r.Post("/nominations/{nominationID}/approve", h.HandleApprove)
	r.Post("/nominations/{nominationID}/reject", h.HandleReject)
	r.Post("/nominations/{nominationID}/withdraw", h.HandleWithdraw)
	r.Get("/elections/{electionID}/positions/{positionID}/ballot", h.HandleBallot)

	r.Post("/elections/{electionID}/registry", h.HandleRegister)
	r.Get("/elections/{electionID}/registry", h.HandleListRegistry)
	r.Post("/registry/{entryID}/proxy", h.HandleAssignProxy)
	r.Delete("/registry/{entryID}/proxy", h.HandleRevokeProxy)

	r.Post("/elections/{electionID}/positions/{positionID}/votes", h.HandleCast)
	r.Get("/receipts/{token}", h.HandleReceipt)
	r.Post("/votes/{voteID}/verify", h.HandleVerifyVote)
	r.Post("/elections/{electionID}/positions/{positionID}/audit", h.HandleAuditPosition)

	r.Get("/elections/{electionID}/positions/{positionID}/tally", h.HandleTally)
	r.Post("/elections/{electionID}/positions/{positionID}/certify", h.HandleCertify)
	r.Post("/elections/{electionID}/positions/{positionID}/recertify", h.HandleRecertify)
	r.Post("/elections/{electionID}/certify", h.HandleCertifyElection)

	r.Get("/audit/security", h.HandleSecurityEvents)
}

// actor returns the authenticated member or writes Unauthorized.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (id.MemberID, bool) {
	actor := requestcontext.Actor(r.Context())
	if actor.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return id.MemberID{}, false
	}
	return actor, true
}

// pathID parses a chi URL parameter with the matching id parser, writing the
// error response on failure.
func pathID[T any](w http.ResponseWriter, r *http.Request, name string, parse func(string) (T, error)) (T, bool) {
	v, err := parse(chi.URLParam(r, name))
	if err != nil {
		var zero T
		httputil.WriteError(w, err)
		return zero, false
	}
	return v, true
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	attrs = append(attrs, "request_id", requestcontext.RequestID(ctx), "error", err)
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func origin(ctx context.Context) models.Origin {
	return models.Origin{
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		Device:    device.Get(ctx),
	}
}

// HandleSecurityEvents handles GET /audit/security?limit=n for root administrators.
func (h *Handler) HandleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := ports.RequireAdmin(ctx, h.svc.Authorizer, actor, nil); err != nil {
		h.fail(ctx, w, "security feed refused", err, "actor", actor)
		return
	}
	limit := defaultSecurityEvents
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxSecurityEvents)
	}
	var events []audit.Event
	if h.svc.Security != nil {
		events = h.svc.Security.SecurityEvents(limit)
	}
	httputil.WriteJSON(w, http.StatusOK, FromSecurityEvents(events))
}

func (h *Handler) logSuccess(ctx context.Context, msg string, start time.Time, attrs ...any) {
	attrs = append(attrs,
		"request_id", requestcontext.RequestID(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.logger.InfoContext(ctx, msg, attrs...)
}
