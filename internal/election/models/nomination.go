package models

import (
	"fmt"
	"strings"
	"time"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

type NominationStatus string

const (
	NominationPending  NominationStatus = "pending"
	NominationSeconded NominationStatus = "seconded"
	NominationApproved NominationStatus = "approved"
	NominationRejected NominationStatus = "rejected"
)

func (s NominationStatus) IsValid() bool {
	switch s {
	case NominationPending, NominationSeconded, NominationApproved, NominationRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// Rejection is also how an approved candidacy is withdrawn.
func (s NominationStatus) CanTransitionTo(next NominationStatus) bool {
	switch s {
	case NominationPending:
		return next == NominationSeconded || next == NominationApproved || next == NominationRejected
	case NominationSeconded:
		return next == NominationApproved || next == NominationRejected
	case NominationApproved:
		return next == NominationRejected
	case NominationRejected:
		return false
	default:
		return false
	}
}

// WithdrawnReason is recorded when a candidate withdraws their own nomination.
const WithdrawnReason = "withdrawn by candidate"

// Nomination is a proposed candidacy.
//
// Invariants:
//   - at most one non-rejected nomination per (election, position, candidate)
//   - the seconder differs from the nominator
//   - a rejection always carries a reason
type Nomination struct {
	ID                id.NominationID  `json:"id"`
	ElectionID        id.ElectionID    `json:"election_id"`
	PositionID        id.PositionID    `json:"position_id"`
	CandidateMemberID id.MemberID      `json:"candidate_member_id"`
	NominatorID       id.MemberID      `json:"nominator_id"`
	Status            NominationStatus `json:"status"`
	RejectionReason   string           `json:"rejection_reason,omitempty"`
	ProposedAt        time.Time        `json:"proposed_at"`
	SecondedBy        *id.MemberID     `json:"seconded_by,omitempty"`
	SecondedAt        *time.Time       `json:"seconded_at,omitempty"`
	DecidedBy         *id.MemberID     `json:"decided_by,omitempty"`
	DecidedAt         *time.Time       `json:"decided_at,omitempty"`
}

// NewNomination builds a pending nomination.
func NewNomination(nominationID id.NominationID, electionID id.ElectionID, positionID id.PositionID,
	candidate, nominator id.MemberID, allowSelf bool, now time.Time) (*Nomination, error) {
	if candidate.IsNil() || nominator.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "candidate and nominator are required")
	}
	if candidate == nominator && !allowSelf {
		return nil, dErrors.New(dErrors.CodeForbidden, "self-nomination is not allowed in this election")
	}
	return &Nomination{
		ID:                nominationID,
		ElectionID:        electionID,
		PositionID:        positionID,
		CandidateMemberID: candidate,
		NominatorID:       nominator,
		Status:            NominationPending,
		ProposedAt:        now,
	}, nil
}

// IsActive reports whether the nomination still blocks another one for the same candidacy.
func (n *Nomination) IsActive() bool {
	return n.Status != NominationRejected
}

func (n *Nomination) CanSecond(seconder id.MemberID) error {
	if n.Status != NominationPending {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("nomination is %s, only pending nominations can be seconded", n.Status))
	}
	if seconder == n.NominatorID {
		return dErrors.New(dErrors.CodeValidation, "the nominator cannot second their own nomination")
	}
	return nil
}

func (n *Nomination) ApplySecond(seconder id.MemberID, now time.Time) {
	n.Status = NominationSeconded
	n.SecondedBy = &seconder
	n.SecondedAt = &now
}

func (n *Nomination) CanApprove(requireSeconding bool) error {
	if !n.Status.CanTransitionTo(NominationApproved) {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("nomination is %s and cannot be approved", n.Status))
	}
	if requireSeconding && n.Status != NominationSeconded {
		return dErrors.New(dErrors.CodeConflict, "nomination must be seconded before approval")
	}
	return nil
}

func (n *Nomination) ApplyApproval(approver id.MemberID, now time.Time) {
	n.Status = NominationApproved
	n.DecidedBy = &approver
	n.DecidedAt = &now
}

func (n *Nomination) CanReject(reason string) error {
	if !n.Status.CanTransitionTo(NominationRejected) {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("nomination is %s and cannot be rejected", n.Status))
	}
	if strings.TrimSpace(reason) == "" {
		return dErrors.New(dErrors.CodeValidation, "rejection requires a reason")
	}
	return nil
}

func (n *Nomination) ApplyRejection(actor id.MemberID, reason string, now time.Time) {
	n.Status = NominationRejected
	n.RejectionReason = strings.TrimSpace(reason)
	n.DecidedBy = &actor
	n.DecidedAt = &now
}

// Candidate is a finalized ballot entry, created only by approving a nomination.
// VoteCount and IsWinner are denormalized by certification and never read as
// the source of truth.
type Candidate struct {
	ID           id.CandidateID  `json:"id"`
	NominationID id.NominationID `json:"nomination_id"`
	ElectionID   id.ElectionID   `json:"election_id"`
	PositionID   id.PositionID   `json:"position_id"`
	MemberID     id.MemberID     `json:"member_id"`
	Symbol       string          `json:"symbol"`
	VoteCount    int             `json:"vote_count"`
	IsWinner     bool            `json:"is_winner"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewCandidate derives the ballot entry for an approved nomination.
func NewCandidate(candidateID id.CandidateID, n *Nomination, symbol string, now time.Time) *Candidate {
	return &Candidate{
		ID:           candidateID,
		NominationID: n.ID,
		ElectionID:   n.ElectionID,
		PositionID:   n.PositionID,
		MemberID:     n.CandidateMemberID,
		Symbol:       strings.TrimSpace(symbol),
		CreatedAt:    now,
	}
}

// CandidateDisplay is read-mostly metadata shown next to tally rows.
type CandidateDisplay struct {
	CandidateID id.CandidateID `json:"candidate_id"`
	MemberID    id.MemberID    `json:"member_id"`
	Symbol      string         `json:"symbol"`
	DisplayName string         `json:"display_name"`
}
