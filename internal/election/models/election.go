package models

import (
	"fmt"
	"strings"
	"time"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

// Kind is informational; it does not change voting rules.
type Kind string

const (
	KindGeneral         Kind = "general"
	KindByElection      Kind = "by_election"
	KindReferendumStyle Kind = "referendum_style"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindGeneral, KindByElection, KindReferendumStyle:
		return true
	default:
		return false
	}
}

// ProxyPolicy is meaningful only when Allowed is true; MaxPerMember is forced
// to zero otherwise.
type ProxyPolicy struct {
	Allowed      bool `json:"allowed"`
	MaxPerMember int  `json:"max_per_member"`
}

// Election is the aggregate root owning positions, nominations, candidates,
// registry entries, votes and results.
//
// Invariants:
//   - StartAt < EndAt
//   - StartAt <= VotingStartAt < VotingEndAt <= EndAt
//   - Proxy.MaxPerMember >= 1 when Proxy.Allowed, 0 otherwise
//   - UnitID nil means the organization root (no unit membership checks)
type Election struct {
	ID                  id.ElectionID `json:"id"`
	Title               string        `json:"title"`
	UnitID              *id.UnitID    `json:"unit_id,omitempty"`
	Kind                Kind          `json:"kind"`
	StartAt             time.Time     `json:"start_at"`
	EndAt               time.Time     `json:"end_at"`
	VotingStartAt       time.Time     `json:"voting_start_at"`
	VotingEndAt         time.Time     `json:"voting_end_at"`
	Secret              bool          `json:"secret"`
	Proxy               ProxyPolicy   `json:"proxy"`
	AllowSelfNomination bool          `json:"allow_self_nomination"`
	RequireSeconding    bool          `json:"require_seconding"`
	CreatedBy           id.MemberID   `json:"created_by"`
	Phase               Phase         `json:"phase"`
	PhaseChangedAt      time.Time     `json:"phase_changed_at"`
	CancelReason        string        `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ElectionParams carries the caller-controlled fields of a new election.
type ElectionParams struct {
	Title               string
	UnitID              *id.UnitID
	Kind                Kind
	StartAt             time.Time
	EndAt               time.Time
	VotingStartAt       time.Time
	VotingEndAt         time.Time
	Secret              bool
	Proxy               ProxyPolicy
	AllowSelfNomination bool
	RequireSeconding    bool
	CreatedBy           id.MemberID
}

// NewElection constructs a draft election, enforcing the window and proxy invariants.
func NewElection(electionID id.ElectionID, p ElectionParams, now time.Time) (*Election, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" || len(title) > 200 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "title must be between 1 and 200 characters")
	}
	kind := p.Kind
	if kind == "" {
		kind = KindGeneral
	}
	if !kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("unknown election kind %q", p.Kind))
	}
	if p.CreatedBy.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "creator is required")
	}
	if !p.StartAt.Before(p.EndAt) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "start must be before end")
	}
	if !p.VotingStartAt.Before(p.VotingEndAt) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "voting start must be before voting end")
	}
	if p.VotingStartAt.Before(p.StartAt) || p.VotingEndAt.After(p.EndAt) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "voting window must lie within the election dates")
	}

	proxy := p.Proxy
	if !proxy.Allowed {
		proxy.MaxPerMember = 0
	} else if proxy.MaxPerMember < 1 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max proxies per member must be at least 1 when proxies are allowed")
	}

	return &Election{
		ID:                  electionID,
		Title:               title,
		UnitID:              p.UnitID,
		Kind:                kind,
		StartAt:             p.StartAt.UTC(),
		EndAt:               p.EndAt.UTC(),
		VotingStartAt:       p.VotingStartAt.UTC(),
		VotingEndAt:         p.VotingEndAt.UTC(),
		Secret:              p.Secret,
		Proxy:               proxy,
		AllowSelfNomination: p.AllowSelfNomination,
		RequireSeconding:    p.RequireSeconding,
		CreatedBy:           p.CreatedBy,
		Phase:               PhaseDraft,
		PhaseChangedAt:      now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// IsScoped reports whether membership of a unit below the root is required.
func (e *Election) IsScoped() bool {
	return e.UnitID != nil && !e.UnitID.IsNil()
}

// InVotingWindow reports whether now lies within [VotingStartAt, VotingEndAt].
func (e *Election) InVotingWindow(now time.Time) bool {
	return !now.Before(e.VotingStartAt) && !now.After(e.VotingEndAt)
}

// InNominationWindow reports whether now lies within [StartAt, VotingStartAt).
func (e *Election) InNominationWindow(now time.Time) bool {
	return !now.Before(e.StartAt) && now.Before(e.VotingStartAt)
}

// CheckVoting validates that a ballot may be cast now. Phase and window are
// both checked since a scheduled phase change may lag behind the clock.
func (e *Election) CheckVoting(now time.Time) error {
	if e.Phase != PhaseVotingOpen {
		return dErrors.New(dErrors.CodeOutOfWindow, fmt.Sprintf("election is %s, not accepting votes", e.Phase))
	}
	if !e.InVotingWindow(now) {
		return dErrors.New(dErrors.CodeOutOfWindow, "outside the voting window")
	}
	return nil
}

// CheckNominating validates that nominations may be changed now.
func (e *Election) CheckNominating(now time.Time) error {
	if e.Phase != PhaseNominationOpen {
		return dErrors.New(dErrors.CodeOutOfWindow, fmt.Sprintf("election is %s, nominations are not open", e.Phase))
	}
	if !e.InNominationWindow(now) {
		return dErrors.New(dErrors.CodeOutOfWindow, "outside the nomination window")
	}
	return nil
}

// CheckTallying validates that votes may be counted.
func (e *Election) CheckTallying() error {
	if !e.Phase.AtOrAfter(PhaseVotingClosed) {
		return dErrors.New(dErrors.CodeOutOfWindow, fmt.Sprintf("election is %s, tallying requires voting to be closed", e.Phase))
	}
	return nil
}

// TransitionCheck carries the facts a transition is validated against.
type TransitionCheck struct {
	Now                  time.Time
	UnmetPositions       int
	SkipUnmet            bool
	UncertifiedPositions int
	Reason               string
}

// CanTransition validates a move from the current phase to target. Callers
// handle target == current (a no-op) before calling.
func (e *Election) CanTransition(target Phase, c TransitionCheck) error {
	if !target.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown election phase %q", target))
	}
	if !e.Phase.CanTransitionTo(target) {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("cannot move election from %s to %s", e.Phase, target))
	}

	switch target {
	case PhaseNominationOpen:
		if c.Now.Before(e.StartAt) {
			return dErrors.New(dErrors.CodeOutOfWindow, "nominations cannot open before the election starts")
		}
		if !c.Now.Before(e.VotingStartAt) {
			return dErrors.New(dErrors.CodeOutOfWindow, "nomination period has already passed")
		}
	case PhaseNominationClosed:
	case PhaseVotingOpen:
		if c.Now.Before(e.VotingStartAt) {
			return dErrors.New(dErrors.CodeOutOfWindow, "voting cannot open before the voting start time")
		}
		if !c.Now.Before(e.VotingEndAt) {
			return dErrors.New(dErrors.CodeOutOfWindow, "voting window has already ended")
		}
		if c.UnmetPositions > 0 && !c.SkipUnmet {
			return dErrors.New(dErrors.CodeQuorumUnmet,
				fmt.Sprintf("%d position(s) have fewer approved candidates than required", c.UnmetPositions))
		}
	case PhaseVotingClosed:
		if c.Now.Before(e.VotingEndAt) {
			return dErrors.New(dErrors.CodeOutOfWindow, "voting window has not ended yet")
		}
	case PhaseResultsCertified:
		if c.UncertifiedPositions > 0 {
			return dErrors.New(dErrors.CodeConflict,
				fmt.Sprintf("%d position(s) still await certification", c.UncertifiedPositions))
		}
	case PhaseCancelled:
		if strings.TrimSpace(c.Reason) == "" {
			return dErrors.New(dErrors.CodeValidation, "cancellation requires a reason")
		}
	case PhaseDraft:
		return dErrors.New(dErrors.CodeConflict, "elections cannot return to draft")
	}
	return nil
}

// ApplyTransition moves the election to target. Call CanTransition first.
func (e *Election) ApplyTransition(target Phase, now time.Time, reason string) {
	e.Phase = target
	e.PhaseChangedAt = now
	e.UpdatedAt = now
	if target == PhaseCancelled {
		e.CancelReason = strings.TrimSpace(reason)
	}
}

// IsDeletable reports whether the election may be removed with its descendants.
func (e *Election) IsDeletable() bool {
	return e.Phase == PhaseDraft || e.Phase == PhaseCancelled
}
