package handler

import (
	"net/http"
	"time"

	"quorum/internal/election/lifecycle"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/httputil"
	"quorum/pkg/requestcontext"
)

// HandleCreateElection handles POST /elections.
func (h *Handler) HandleCreateElection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CreateElectionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	e, err := h.svc.Lifecycle.CreateElection(ctx, lifecycle.CreateElectionRequest{
		ElectionParams: req.Params(actor),
		Actor:          actor,
	})
	if err != nil {
		h.fail(ctx, w, "election creation failed", err, "actor", actor)
		return
	}
	h.logSuccess(ctx, "election created", start, "election_id", e.ID, "actor", actor)
	httputil.WriteJSON(w, http.StatusCreated, e)
}

// HandleGetElection handles GET /elections/{electionID}.
func (h *Handler) HandleGetElection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	e, err := h.svc.Lifecycle.GetElection(ctx, electionID)
	if err != nil {
		h.fail(ctx, w, "election lookup failed", err, "election_id", electionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

// HandleDeleteElection handles DELETE /elections/{electionID}.
func (h *Handler) HandleDeleteElection(w http.ResponseWriter, r *http.Request) {
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
	if err := h.svc.Lifecycle.DeleteElection(ctx, electionID, actor); err != nil {
		h.fail(ctx, w, "election deletion failed", err, "election_id", electionID, "actor", actor)
		return
	}
	h.logSuccess(ctx, "election deleted", start, "election_id", electionID, "actor", actor)
	w.WriteHeader(http.StatusNoContent)
}

// HandleTransition handles POST /elections/{electionID}/transitions.
func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[TransitionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	e, err := h.svc.Lifecycle.Transition(ctx, lifecycle.TransitionRequest{
		ElectionID:         electionID,
		Target:             req.parsedTarget,
		Actor:              actor,
		Reason:             req.Reason,
		SkipUnmetPositions: req.SkipUnmetPositions,
	})
	if err != nil {
		h.fail(ctx, w, "phase transition failed", err,
			"election_id", electionID,
			"target", req.parsedTarget,
			"actor", actor,
		)
		return
	}
	h.logSuccess(ctx, "phase transitioned", start, "election_id", electionID, "phase", e.Phase, "actor", actor)
	httputil.WriteJSON(w, http.StatusOK, e)
}

// HandleCreatePosition handles POST /positions.
func (h *Handler) HandleCreatePosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CreatePositionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	p, err := h.svc.Lifecycle.CreatePosition(ctx, lifecycle.CreatePositionRequest{
		Name:          req.Name,
		MaxCandidates: req.MaxCandidates,
		MinCandidates: req.MinCandidates,
		Actor:         actor,
	})
	if err != nil {
		h.fail(ctx, w, "position creation failed", err, "actor", actor)
		return
	}
	h.logSuccess(ctx, "position created", start, "position_id", p.ID, "actor", actor)
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// HandleAttachPosition handles POST /elections/{electionID}/positions.
func (h *Handler) HandleAttachPosition(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[AttachPositionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	ep, err := h.svc.Lifecycle.AttachPosition(ctx, electionID, req.parsedPositionID, actor)
	if err != nil {
		h.fail(ctx, w, "position attach failed", err,
			"election_id", electionID,
			"position_id", req.parsedPositionID,
		)
		return
	}
	h.logSuccess(ctx, "position attached", start, "election_id", electionID, "position_id", req.parsedPositionID)
	httputil.WriteJSON(w, http.StatusCreated, ep)
}

// HandleListPositions handles GET /elections/{electionID}/positions.
func (h *Handler) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	electionID, ok := pathID(w, r, "electionID", id.ParseElectionID)
	if !ok {
		return
	}
	views, err := h.svc.Lifecycle.ListPositions(ctx, electionID)
	if err != nil {
		h.fail(ctx, w, "position listing failed", err, "election_id", electionID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewList(views))
}
