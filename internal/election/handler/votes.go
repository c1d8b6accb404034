package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quorum/internal/election/ballot"
	"quorum/internal/election/models"
	"quorum/internal/election/tally"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/httputil"
	"quorum/pkg/requestcontext"
)

// HandleCast handles POST /elections/{electionID}/positions/{positionID}/votes.
// A replayed token answers 200 with the original receipt; a new ballot answers 201.
func (h *Handler) HandleCast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	positionID, ok := pathID(w, r, "positionID", id.ParsePositionID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CastRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	if err := req.mergeToken(r.Header.Get(IdempotencyKeyHeader)); err != nil {
		httputil.WriteError(w, err)
		return
	}

	receipt, err := h.svc.Ballot.Cast(ctx, ballot.CastRequest{
		ElectionID:  electionID,
		PositionID:  positionID,
		EntryID:     req.parsedEntryID,
		CandidateID: req.parsedCandidateID,
		Actor:       actor,
		Token:       req.Token,
		Method:      models.Method(req.Method),
		Origin:      origin(ctx),
	})
	if err != nil {
		// Never log the candidate: ballots stay anonymous in logs.
		h.fail(ctx, w, "vote cast failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	h.logSuccess(ctx, "vote cast", start,
		"election_id", electionID,
		"position_id", positionID,
		"vote_id", receipt.VoteID,
		"replayed", receipt.Replayed,
	)
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, receipt)
}

// HandleReceipt handles GET /receipts/{token}.
func (h *Handler) HandleReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	receipt, err := h.svc.Ballot.Receipt(ctx, chi.URLParam(r, "token"))
	if err != nil {
		h.fail(ctx, w, "receipt lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

// HandleVerifyVote handles POST /votes/{voteID}/verify for election administrators.
func (h *Handler) HandleVerifyVote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	voteID, ok := pathID(w, r, "voteID", id.ParseVoteID)
	if !ok {
		return
	}
	p, err := h.svc.Auditor.VerifyVote(ctx, actor, voteID)
	if err != nil {
		h.fail(ctx, w, "vote verification failed", err, "vote_id", voteID)
		return
	}
	h.logSuccess(ctx, "vote verified", start, "vote_id", voteID, "actor", actor)
	httputil.WriteJSON(w, http.StatusOK, p)
}

// HandleAuditPosition handles POST /elections/{electionID}/positions/{positionID}/audit
// for election administrators.
func (h *Handler) HandleAuditPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	positionID, ok := pathID(w, r, "positionID", id.ParsePositionID)
	if !ok {
		return
	}
	report, err := h.svc.Auditor.AuditPosition(ctx, actor, electionID, positionID)
	if err != nil {
		h.fail(ctx, w, "position audit failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	h.logSuccess(ctx, "position audited", start,
		"election_id", electionID,
		"position_id", positionID,
		"checked", report.Checked,
		"mismatched", len(report.Mismatched),
		"actor", actor,
	)
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleTally handles GET /elections/{electionID}/positions/{positionID}/tally.
func (h *Handler) HandleTally(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	positionID, ok := pathID(w, r, "positionID", id.ParsePositionID)
	if !ok {
		return
	}
	report, err := h.svc.Tally.Tally(ctx, electionID, positionID)
	if err != nil {
		h.fail(ctx, w, "tally failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleCertify handles POST /elections/{electionID}/positions/{positionID}/certify.
func (h *Handler) HandleCertify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	positionID, ok := pathID(w, r, "positionID", id.ParsePositionID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CertifyRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	report, err := h.svc.Tally.Certify(ctx, tally.CertifyRequest{
		ElectionID:     electionID,
		PositionID:     positionID,
		Actor:          actor,
		ResolvedWinner: req.parsedWinner,
	})
	if err != nil {
		h.fail(ctx, w, "certification failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	h.logSuccess(ctx, "position certified", start, "election_id", electionID, "position_id", positionID, "actor", actor)
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleRecertify handles POST /elections/{electionID}/positions/{positionID}/recertify.
func (h *Handler) HandleRecertify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	positionID, ok := pathID(w, r, "positionID", id.ParsePositionID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RecertifyRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	report, err := h.svc.Tally.Recertify(ctx, tally.RecertifyRequest{
		CertifyRequest: tally.CertifyRequest{
			ElectionID:     electionID,
			PositionID:     positionID,
			Actor:          actor,
			ResolvedWinner: req.parsedWinner,
		},
		Reason: req.Reason,
	})
	if err != nil {
		h.fail(ctx, w, "recertification failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	revision := 0
	if report.Certification != nil {
		revision = report.Certification.Revision
	}
	h.logSuccess(ctx, "position recertified", start,
		"election_id", electionID,
		"position_id", positionID,
		"revision", revision,
		"actor", actor,
	)
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleCertifyElection handles POST /elections/{electionID}/certify.
func (h *Handler) HandleCertifyElection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CertifyElectionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	e, err := h.svc.Tally.CertifyElection(ctx, electionID, actor, req.parsed)
	if err != nil {
		h.fail(ctx, w, "election certification failed", err, "election_id", electionID)
		return
	}
	h.logSuccess(ctx, "election certified", start, "election_id", electionID, "actor", actor)
	httputil.WriteJSON(w, http.StatusOK, e)
}
