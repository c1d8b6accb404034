package handler

import (
	"net/http"
	"time"

	"quorum/internal/election/nomination"
	"quorum/internal/election/registry"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/httputil"
	"quorum/pkg/requestcontext"
)

// HandlePropose handles POST /elections/{electionID}/nominations.
func (h *Handler) HandlePropose(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[ProposeRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	candidate := req.parsedCandidate
	if candidate.IsNil() {
		candidate = actor
	}

	n, err := h.svc.Nomination.Propose(ctx, nomination.ProposeRequest{
		ElectionID: electionID,
		PositionID: req.parsedPositionID,
		Candidate:  candidate,
		Nominator:  actor,
	})
	if err != nil {
		h.fail(ctx, w, "nomination failed", err,
			"election_id", electionID,
			"position_id", req.parsedPositionID,
		)
		return
	}
	h.logSuccess(ctx, "nomination proposed", start, "nomination_id", n.ID, "election_id", electionID)
	httputil.WriteJSON(w, http.StatusCreated, n)
}

// HandleListNominations handles GET /elections/{electionID}/positions/{positionID}/nominations.
func (h *Handler) HandleListNominations(w http.ResponseWriter, r *http.Request) {
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
	list, err := h.svc.Nomination.ListNominations(ctx, electionID, positionID)
	if err != nil {
		h.fail(ctx, w, "nomination listing failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewList(list))
}

// HandleSecond handles POST /nominations/{nominationID}/second.
func (h *Handler) HandleSecond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	nominationID, ok := pathID(w, r, "nominationID", id.ParseNominationID)
	if !ok {
		return
	}
	n, err := h.svc.Nomination.Second(ctx, nominationID, actor)
	if err != nil {
		h.fail(ctx, w, "seconding failed", err, "nomination_id", nominationID)
		return
	}
	h.logSuccess(ctx, "nomination seconded", start, "nomination_id", nominationID)
	httputil.WriteJSON(w, http.StatusOK, n)
}

// HandleApprove handles POST /nominations/{nominationID}/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	nominationID, ok := pathID(w, r, "nominationID", id.ParseNominationID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ApproveRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	c, err := h.svc.Nomination.Approve(ctx, nominationID, actor, req.Symbol)
	if err != nil {
		h.fail(ctx, w, "approval failed", err, "nomination_id", nominationID, "actor", actor)
		return
	}
	h.logSuccess(ctx, "nomination approved", start, "nomination_id", nominationID, "candidate_id", c.ID)
	httputil.WriteJSON(w, http.StatusCreated, c)
}

// HandleReject handles POST /nominations/{nominationID}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	nominationID, ok := pathID(w, r, "nominationID", id.ParseNominationID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RejectRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	n, err := h.svc.Nomination.Reject(ctx, nominationID, actor, req.Reason)
	if err != nil {
		h.fail(ctx, w, "rejection failed", err, "nomination_id", nominationID, "actor", actor)
		return
	}
	h.logSuccess(ctx, "nomination rejected", start, "nomination_id", nominationID)
	httputil.WriteJSON(w, http.StatusOK, n)
}

// HandleWithdraw handles POST /nominations/{nominationID}/withdraw.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	nominationID, ok := pathID(w, r, "nominationID", id.ParseNominationID)
	if !ok {
		return
	}
	n, err := h.svc.Nomination.Withdraw(ctx, nominationID, actor)
	if err != nil {
		h.fail(ctx, w, "withdrawal failed", err, "nomination_id", nominationID)
		return
	}
	h.logSuccess(ctx, "nomination withdrawn", start, "nomination_id", nominationID)
	httputil.WriteJSON(w, http.StatusOK, n)
}

// HandleBallot handles GET /elections/{electionID}/positions/{positionID}/ballot.
func (h *Handler) HandleBallot(w http.ResponseWriter, r *http.Request) {
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
	candidates, err := h.svc.Nomination.Ballot(ctx, electionID, positionID)
	if err != nil {
		h.fail(ctx, w, "ballot lookup failed", err, "election_id", electionID, "position_id", positionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewList(candidates))
}

// HandleRegister handles POST /elections/{electionID}/registry.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[RegisterRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	member := req.parsedMemberID
	if member.IsNil() {
		member = actor
	}

	entry, err := h.svc.Registry.Register(ctx, registry.RegisterRequest{
		ElectionID: electionID,
		MemberID:   member,
		Actor:      actor,
	})
	if err != nil {
		h.fail(ctx, w, "registration failed", err, "election_id", electionID)
		return
	}
	h.logSuccess(ctx, "member registered", start, "election_id", electionID, "entry_id", entry.ID)
	httputil.WriteJSON(w, http.StatusCreated, entry)
}

// HandleListRegistry handles GET /elections/{electionID}/registry.
func (h *Handler) HandleListRegistry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	entries, err := h.svc.Registry.ListEntries(ctx, electionID)
	if err != nil {
		h.fail(ctx, w, "registry listing failed", err, "election_id", electionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewList(entries))
}

// HandleAssignProxy handles POST /registry/{entryID}/proxy.
func (h *Handler) HandleAssignProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	granterID, ok := pathID(w, r, "entryID", id.ParseRegistryEntryID)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AssignProxyRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	entry, err := h.svc.Registry.AssignProxy(ctx, granterID, req.parsedHolder, actor)
	if err != nil {
		h.fail(ctx, w, "proxy assignment failed", err, "entry_id", granterID)
		return
	}
	h.logSuccess(ctx, "proxy assigned", start, "entry_id", granterID)
	httputil.WriteJSON(w, http.StatusOK, entry)
}

// HandleRevokeProxy handles DELETE /registry/{entryID}/proxy.
func (h *Handler) HandleRevokeProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	granterID, ok := pathID(w, r, "entryID", id.ParseRegistryEntryID)
	if !ok {
		return
	}
	entry, err := h.svc.Registry.RevokeProxy(ctx, granterID, actor)
	if err != nil {
		h.fail(ctx, w, "proxy revocation failed", err, "entry_id", granterID)
		return
	}
	h.logSuccess(ctx, "proxy revoked", start, "entry_id", granterID)
	httputil.WriteJSON(w, http.StatusOK, entry)
}
