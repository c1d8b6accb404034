package models

import (
	"fmt"

	dErrors "quorum/pkg/domain-errors"
)

// Phase is the election lifecycle state.
//
//	draft → nomination_open → nomination_closed → voting_open → voting_closed → results_certified
//
// cancelled is reachable from every phase except results_certified.
type Phase string

const (
	PhaseDraft            Phase = "draft"
	PhaseNominationOpen   Phase = "nomination_open"
	PhaseNominationClosed Phase = "nomination_closed"
	PhaseVotingOpen       Phase = "voting_open"
	PhaseVotingClosed     Phase = "voting_closed"
	PhaseResultsCertified Phase = "results_certified"
	PhaseCancelled        Phase = "cancelled"
)

// ParsePhase validates a phase coming from a transport or the database.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown election phase %q", s))
	}
	return p, nil
}

func (p Phase) String() string {
	return string(p)
}

func (p Phase) IsValid() bool {
	switch p {
	case PhaseDraft, PhaseNominationOpen, PhaseNominationClosed,
		PhaseVotingOpen, PhaseVotingClosed, PhaseResultsCertified, PhaseCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseResultsCertified, PhaseCancelled:
		return true
	case PhaseDraft, PhaseNominationOpen, PhaseNominationClosed, PhaseVotingOpen, PhaseVotingClosed:
		return false
	default:
		return false
	}
}

// rank orders the main line of phases. cancelled has no rank.
func (p Phase) rank() int {
	switch p {
	case PhaseDraft:
		return 0
	case PhaseNominationOpen:
		return 1
	case PhaseNominationClosed:
		return 2
	case PhaseVotingOpen:
		return 3
	case PhaseVotingClosed:
		return 4
	case PhaseResultsCertified:
		return 5
	case PhaseCancelled:
		return -1
	default:
		return -1
	}
}

// AtOrAfter reports whether p has reached q on the main line.
// A cancelled election is never at or after anything.
func (p Phase) AtOrAfter(q Phase) bool {
	if p == PhaseCancelled || q == PhaseCancelled {
		return false
	}
	return p.rank() >= q.rank()
}

// CanTransitionTo reports whether next is a legal successor of p.
func (p Phase) CanTransitionTo(next Phase) bool {
	switch p {
	case PhaseDraft:
		return next == PhaseNominationOpen || next == PhaseCancelled
	case PhaseNominationOpen:
		return next == PhaseNominationClosed || next == PhaseCancelled
	case PhaseNominationClosed:
		return next == PhaseVotingOpen || next == PhaseCancelled
	case PhaseVotingOpen:
		return next == PhaseVotingClosed || next == PhaseCancelled
	case PhaseVotingClosed:
		return next == PhaseResultsCertified || next == PhaseCancelled
	case PhaseResultsCertified, PhaseCancelled:
		return false
	default:
		return false
	}
}

// AcceptsRegistration reports whether voters may still be registered.
func (p Phase) AcceptsRegistration() bool {
	switch p {
	case PhaseDraft, PhaseNominationOpen, PhaseNominationClosed, PhaseVotingOpen:
		return true
	case PhaseVotingClosed, PhaseResultsCertified, PhaseCancelled:
		return false
	default:
		return false
	}
}

// IsSchedulable reports whether the scheduler may still advance the election.
func (p Phase) IsSchedulable() bool {
	switch p {
	case PhaseNominationOpen, PhaseNominationClosed, PhaseVotingOpen:
		return true
	case PhaseDraft, PhaseVotingClosed, PhaseResultsCertified, PhaseCancelled:
		return false
	default:
		return false
	}
}
