package models

import (
	"fmt"
	"strings"
	"time"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

// Position is an office that can be contested. One definition may be attached
// to several elections through ElectionPosition.
type Position struct {
	ID            id.PositionID `json:"id"`
	Name          string        `json:"name"`
	MaxCandidates int           `json:"max_candidates"`
	MinCandidates int           `json:"min_candidates"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewPosition enforces 1 <= MinCandidates <= MaxCandidates.
func NewPosition(positionID id.PositionID, name string, maxCandidates, minCandidates int, now time.Time) (*Position, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 120 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "position name must be between 1 and 120 characters")
	}
	if minCandidates < 1 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "min candidates must be at least 1")
	}
	if maxCandidates < minCandidates {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max candidates must not be below min candidates")
	}
	return &Position{
		ID:            positionID,
		Name:          name,
		MaxCandidates: maxCandidates,
		MinCandidates: minCandidates,
		CreatedAt:     now,
	}, nil
}

// BallotStatus records the outcome of the quorum check taken when nominations close.
type BallotStatus string

const (
	BallotPending     BallotStatus = "pending"
	BallotReady       BallotStatus = "ready"
	BallotQuorumUnmet BallotStatus = "quorum_unmet"
)

func (s BallotStatus) IsValid() bool {
	switch s {
	case BallotPending, BallotReady, BallotQuorumUnmet:
		return true
	default:
		return false
	}
}

// ElectionPosition associates a Position with an Election.
type ElectionPosition struct {
	ElectionID   id.ElectionID `json:"election_id"`
	PositionID   id.PositionID `json:"position_id"`
	BallotStatus BallotStatus  `json:"ballot_status"`
	StatusReason string        `json:"status_reason,omitempty"`
	AttachedAt   time.Time     `json:"attached_at"`
}

// EvaluateQuorum flags the association as ready or quorum_unmet from the
// number of approved candidates.
func (ep *ElectionPosition) EvaluateQuorum(p *Position, approved int) {
	if approved < p.MinCandidates {
		ep.BallotStatus = BallotQuorumUnmet
		ep.StatusReason = fmt.Sprintf("%d approved candidate(s), %d required", approved, p.MinCandidates)
		return
	}
	ep.BallotStatus = BallotReady
	ep.StatusReason = ""
}

// CheckVotable fails with QuorumUnmet for a position blocked at nomination close.
func (ep *ElectionPosition) CheckVotable() error {
	switch ep.BallotStatus {
	case BallotReady:
		return nil
	case BallotQuorumUnmet:
		return dErrors.New(dErrors.CodeQuorumUnmet, "position did not reach its minimum number of candidates: "+ep.StatusReason)
	case BallotPending:
		return dErrors.New(dErrors.CodeOutOfWindow, "position ballot has not been finalized")
	default:
		return dErrors.New(dErrors.CodeInternal, "unknown ballot status")
	}
}
