package handler

import (
	"strings"
	"time"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

const (
	maxTitleLength  = 200
	maxReasonLength = 500
	maxSymbolLength = 64
)

// CreateElectionRequest is the body of POST /elections.
type CreateElectionRequest struct {
	Title               string             `json:"title"`
	UnitID              string             `json:"unit_id,omitempty"`
	Kind                string             `json:"kind,omitempty"`
	StartAt             time.Time          `json:"start_at"`
	EndAt               time.Time          `json:"end_at"`
	VotingStartAt       time.Time          `json:"voting_start_at"`
	VotingEndAt         time.Time          `json:"voting_end_at"`
	Secret              bool               `json:"secret"`
	Proxy               models.ProxyPolicy `json:"proxy"`
	AllowSelfNomination bool               `json:"allow_self_nomination"`
	RequireSeconding    bool               `json:"require_seconding"`

	parsedUnitID *id.UnitID
}

func (r *CreateElectionRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return dErrors.New(dErrors.CodeValidation, "title is required")
	}
	if len(r.Title) > maxTitleLength {
		return dErrors.New(dErrors.CodeValidation, "title must be at most 200 characters")
	}
	if r.StartAt.IsZero() || r.EndAt.IsZero() || r.VotingStartAt.IsZero() || r.VotingEndAt.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "start_at, end_at, voting_start_at and voting_end_at are required")
	}
	if k := models.Kind(strings.TrimSpace(r.Kind)); k != "" && !k.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown election kind")
	}
	if u := strings.TrimSpace(r.UnitID); u != "" {
		unitID, err := id.ParseUnitID(u)
		if err != nil {
			return err
		}
		r.parsedUnitID = &unitID
	}
	return nil
}

func (r *CreateElectionRequest) Params(actor id.MemberID) models.ElectionParams {
	return models.ElectionParams{
		Title:               r.Title,
		UnitID:              r.parsedUnitID,
		Kind:                models.Kind(strings.TrimSpace(r.Kind)),
		StartAt:             r.StartAt,
		EndAt:               r.EndAt,
		VotingStartAt:       r.VotingStartAt,
		VotingEndAt:         r.VotingEndAt,
		Secret:              r.Secret,
		Proxy:               r.Proxy,
		AllowSelfNomination: r.AllowSelfNomination,
		RequireSeconding:    r.RequireSeconding,
		CreatedBy:           actor,
	}
}

// TransitionRequest is the body of POST /elections/{id}/transitions.
type TransitionRequest struct {
	Target             string `json:"target"`
	Reason             string `json:"reason,omitempty"`
	SkipUnmetPositions bool   `json:"skip_unmet_positions,omitempty"`

	parsedTarget models.Phase
}

func (r *TransitionRequest) Validate() error {
	phase, err := models.ParsePhase(strings.TrimSpace(r.Target))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "target is not a known phase")
	}
	r.parsedTarget = phase
	r.Reason = strings.TrimSpace(r.Reason)
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}

// CreatePositionRequest is the body of POST /positions.
type CreatePositionRequest struct {
	Name          string `json:"name"`
	MaxCandidates int    `json:"max_candidates"`
	MinCandidates int    `json:"min_candidates"`
}

func (r *CreatePositionRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if r.MinCandidates < 1 || r.MaxCandidates < r.MinCandidates {
		return dErrors.New(dErrors.CodeValidation, "candidate limits must satisfy 1 <= min_candidates <= max_candidates")
	}
	return nil
}

// AttachPositionRequest is the body of POST /elections/{id}/positions.
type AttachPositionRequest struct {
	PositionID string `json:"position_id"`

	parsedPositionID id.PositionID
}

func (r *AttachPositionRequest) Validate() error {
	pid, err := id.ParsePositionID(strings.TrimSpace(r.PositionID))
	if err != nil {
		return err
	}
	r.parsedPositionID = pid
	return nil
}

// ProposeRequest is the body of POST /elections/{id}/nominations. An empty
// candidate nominates the actor.
type ProposeRequest struct {
	PositionID        string `json:"position_id"`
	CandidateMemberID string `json:"candidate_member_id,omitempty"`

	parsedPositionID id.PositionID
	parsedCandidate  id.MemberID
}

func (r *ProposeRequest) Validate() error {
	pid, err := id.ParsePositionID(strings.TrimSpace(r.PositionID))
	if err != nil {
		return err
	}
	r.parsedPositionID = pid
	if c := strings.TrimSpace(r.CandidateMemberID); c != "" {
		member, err := id.ParseMemberID(c)
		if err != nil {
			return err
		}
		r.parsedCandidate = member
	}
	return nil
}

// ApproveRequest is the body of POST /nominations/{nid}/approve.
type ApproveRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

func (r *ApproveRequest) Validate() error {
	r.Symbol = strings.TrimSpace(r.Symbol)
	if len(r.Symbol) > maxSymbolLength {
		return dErrors.New(dErrors.CodeValidation, "symbol must be at most 64 characters")
	}
	return nil
}

// RejectRequest is the body of POST /nominations/{nid}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

func (r *RejectRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}

// RegisterRequest is the body of POST /elections/{id}/registry. An empty
// member registers the actor.
type RegisterRequest struct {
	MemberID string `json:"member_id,omitempty"`

	parsedMemberID id.MemberID
}

func (r *RegisterRequest) Validate() error {
	if m := strings.TrimSpace(r.MemberID); m != "" {
		member, err := id.ParseMemberID(m)
		if err != nil {
			return err
		}
		r.parsedMemberID = member
	}
	return nil
}

// AssignProxyRequest is the body of POST /registry/{eid}/proxy.
type AssignProxyRequest struct {
	HolderEntryID string `json:"holder_entry_id"`

	parsedHolder id.RegistryEntryID
}

func (r *AssignProxyRequest) Validate() error {
	holder, err := id.ParseRegistryEntryID(strings.TrimSpace(r.HolderEntryID))
	if err != nil {
		return err
	}
	r.parsedHolder = holder
	return nil
}

// CastRequest is the body of POST /elections/{id}/positions/{pid}/votes.
// The token may also arrive in the Idempotency-Key header.
type CastRequest struct {
	EntryID     string `json:"entry_id"`
	CandidateID string `json:"candidate_id"`
	Token       string `json:"token,omitempty"`
	Method      string `json:"method,omitempty"`

	parsedEntryID     id.RegistryEntryID
	parsedCandidateID id.CandidateID
}

func (r *CastRequest) Validate() error {
	entryID, err := id.ParseRegistryEntryID(strings.TrimSpace(r.EntryID))
	if err != nil {
		return err
	}
	r.parsedEntryID = entryID
	candidateID, err := id.ParseCandidateID(strings.TrimSpace(r.CandidateID))
	if err != nil {
		return err
	}
	r.parsedCandidateID = candidateID
	r.Token = strings.TrimSpace(r.Token)
	if m := models.Method(strings.TrimSpace(r.Method)); m != "" && !m.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown voting method")
	}
	return nil
}

// mergeToken reconciles the body token with the Idempotency-Key header.
func (r *CastRequest) mergeToken(header string) error {
	header = strings.TrimSpace(header)
	switch {
	case header == "":
		return nil
	case r.Token == "":
		r.Token = header
		return nil
	case r.Token != header:
		return dErrors.New(dErrors.CodeBadRequest, "Idempotency-Key header and body token differ")
	default:
		return nil
	}
}

// CertifyRequest is the body of POST .../certify.
type CertifyRequest struct {
	ResolvedWinner string `json:"resolved_winner,omitempty"`

	parsedWinner *id.CandidateID
}

func (r *CertifyRequest) Validate() error {
	if w := strings.TrimSpace(r.ResolvedWinner); w != "" {
		winner, err := id.ParseCandidateID(w)
		if err != nil {
			return err
		}
		r.parsedWinner = &winner
	}
	return nil
}

// RecertifyRequest is the body of POST .../recertify.
type RecertifyRequest struct {
	CertifyRequest
	Reason string `json:"reason"`
}

func (r *RecertifyRequest) Validate() error {
	if err := r.CertifyRequest.Validate(); err != nil {
		return err
	}
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(r.Reason) > maxReasonLength {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}

// CertifyElectionRequest is the body of POST /elections/{id}/certify.
// Resolutions map position ids to the winner of a tied position.
type CertifyElectionRequest struct {
	Resolutions map[string]string `json:"resolutions,omitempty"`

	parsed map[id.PositionID]id.CandidateID
}

func (r *CertifyElectionRequest) Validate() error {
	r.parsed = make(map[id.PositionID]id.CandidateID, len(r.Resolutions))
	for p, c := range r.Resolutions {
		pid, err := id.ParsePositionID(p)
		if err != nil {
			return err
		}
		cid, err := id.ParseCandidateID(c)
		if err != nil {
			return err
		}
		r.parsed[pid] = cid
	}
	return nil
}
