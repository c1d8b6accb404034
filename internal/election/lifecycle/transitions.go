package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

// TransitionRequest is an administrator forcing a phase change.
type TransitionRequest struct {
	ElectionID id.ElectionID
	Target     models.Phase
	Actor      id.MemberID
	Reason     string
	// SkipUnmetPositions opens voting even when some positions are below
	// their candidate minimum. Those positions stay blocked.
	SkipUnmetPositions bool
}

// Transition validates and applies an administrator's phase change.
// Re-applying the current phase is a no-op, except for results_certified.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*models.Election, error) {
	e, err := s.GetElection(ctx, req.ElectionID)
	if err != nil {
		return nil, err
	}
	if err := ports.RequireAdmin(ctx, s.authz, req.Actor, e.UnitID); err != nil {
		return nil, err
	}
	return s.apply(ctx, e, req.Target, transitionOpts{
		now:       requestcontext.Now(ctx),
		reason:    req.Reason,
		skipUnmet: req.SkipUnmetPositions,
		actor:     req.Actor,
	})
}

// AdvanceDue applies every automatic transition whose time has come:
// nominations close at voting start, voting opens inside the window when no
// position is below quorum, and voting closes at voting end. It is safe to
// call repeatedly; nothing happens when no transition is due. An election
// whose voting window passed before voting opened is returned with an
// OutOfWindow error so the scheduler reports it on every pass.
func (s *Service) AdvanceDue(ctx context.Context, electionID id.ElectionID, now time.Time) (*models.Election, error) {
	e, err := s.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}

	for range 3 {
		target, due := dueTarget(e, now)
		if !due {
			if missedVotingWindow(e, now) {
				return e, dErrors.New(dErrors.CodeOutOfWindow,
					"voting window ended before voting opened; an administrator must cancel the election")
			}
			return e, nil
		}
		next, err := s.apply(ctx, e, target, transitionOpts{now: now, automatic: true})
		if err != nil {
			if target == models.PhaseVotingOpen && dErrors.HasCode(err, dErrors.CodeQuorumUnmet) {
				if s.logger != nil {
					s.logger.WarnContext(ctx, "voting not opened automatically",
						"election_id", e.ID.String(), "error", err)
				}
				return e, nil
			}
			return e, err
		}
		e = next
	}
	return e, nil
}

func dueTarget(e *models.Election, now time.Time) (models.Phase, bool) {
	switch e.Phase {
	case models.PhaseNominationOpen:
		return models.PhaseNominationClosed, !now.Before(e.VotingStartAt)
	case models.PhaseNominationClosed:
		return models.PhaseVotingOpen, !now.Before(e.VotingStartAt) && now.Before(e.VotingEndAt)
	case models.PhaseVotingOpen:
		return models.PhaseVotingClosed, !now.Before(e.VotingEndAt)
	case models.PhaseDraft, models.PhaseVotingClosed, models.PhaseResultsCertified, models.PhaseCancelled:
		return "", false
	default:
		return "", false
	}
}

// missedVotingWindow reports an election stuck in nomination_closed after
// voting_end. No automatic or manual transition other than cancel applies.
func missedVotingWindow(e *models.Election, now time.Time) bool {
	return e.Phase == models.PhaseNominationClosed && !now.Before(e.VotingEndAt)
}

type transitionOpts struct {
	now       time.Time
	reason    string
	skipUnmet bool
	actor     id.MemberID
	automatic bool
}

func (s *Service) apply(ctx context.Context, e *models.Election, target models.Phase, o transitionOpts) (*models.Election, error) {
	if e.Phase == target {
		if target == models.PhaseResultsCertified {
			return nil, dErrors.New(dErrors.CodeConflict, "election results are already certified")
		}
		return e, nil
	}

	check, err := s.transitionFacts(ctx, e, target, o)
	if err != nil {
		return nil, err
	}
	if err := e.CanTransition(target, check); err != nil {
		return nil, err
	}

	if target == models.PhaseNominationClosed {
		if err := s.evaluateQuorum(ctx, e.ID); err != nil {
			return nil, err
		}
	}

	from := e.Phase
	next := *e
	next.ApplyTransition(target, o.now, o.reason)
	if err := s.store.UpdatePhase(ctx, &next, from); err != nil {
		if !errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update election phase")
		}
		// Another writer moved the election first.
		current, getErr := s.GetElection(ctx, e.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Phase == target {
			return current, nil
		}
		return nil, dErrors.New(dErrors.CodeConflict,
			fmt.Sprintf("election moved to %s while changing to %s", current.Phase, target))
	}

	s.incrementTransition(target)
	attributes := []any{"decision", string(target), "subject", string(from)}
	if o.reason != "" {
		attributes = append(attributes, "reason", o.reason)
	}
	if o.automatic {
		attributes = append(attributes, "trigger", "schedule")
	} else {
		attributes = append(attributes, "actor_id", o.actor.String())
	}
	s.logAudit(ctx, audit.EventPhaseChanged, e.ID, attributes...)
	s.notify(ctx, &next)
	return &next, nil
}

// transitionFacts gathers what CanTransition needs for the given target.
func (s *Service) transitionFacts(ctx context.Context, e *models.Election, target models.Phase, o transitionOpts) (models.TransitionCheck, error) {
	check := models.TransitionCheck{Now: o.now, Reason: o.reason, SkipUnmet: o.skipUnmet}

	switch target {
	case models.PhaseVotingOpen:
		attached, err := s.store.ListElectionPositions(ctx, e.ID)
		if err != nil {
			return check, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list positions")
		}
		for _, ep := range attached {
			if ep.BallotStatus == models.BallotQuorumUnmet {
				check.UnmetPositions++
			}
		}
	case models.PhaseResultsCertified:
		attached, err := s.store.ListElectionPositions(ctx, e.ID)
		if err != nil {
			return check, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list positions")
		}
		certs, err := s.store.ListCertifications(ctx, e.ID)
		if err != nil {
			return check, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list certifications")
		}
		certified := make(map[id.PositionID]bool, len(certs))
		for _, c := range certs {
			certified[c.PositionID] = true
		}
		for _, ep := range attached {
			if ep.BallotStatus == models.BallotReady && !certified[ep.PositionID] {
				check.UncertifiedPositions++
			}
		}
	case models.PhaseDraft, models.PhaseNominationOpen, models.PhaseNominationClosed,
		models.PhaseVotingClosed, models.PhaseCancelled:
	}
	return check, nil
}

// evaluateQuorum records, per attached position, whether enough candidates
// were approved for it to go to ballot.
func (s *Service) evaluateQuorum(ctx context.Context, electionID id.ElectionID) error {
	attached, err := s.store.ListElectionPositions(ctx, electionID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list positions")
	}
	for _, ep := range attached {
		p, err := s.store.GetPosition(ctx, ep.PositionID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
		}
		candidates, err := s.store.ListCandidates(ctx, electionID, ep.PositionID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list candidates")
		}
		ep.EvaluateQuorum(p, len(candidates))
		if err := s.store.UpdateBallotStatus(ctx, ep); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record ballot status")
		}
		if ep.BallotStatus == models.BallotQuorumUnmet && s.logger != nil {
			s.logger.WarnContext(ctx, "position below candidate minimum",
				"election_id", electionID.String(),
				"position_id", ep.PositionID.String(),
				"reason", ep.StatusReason)
		}
	}
	return nil
}

// notify publishes the lifecycle events voters care about. Delivery failures
// are logged and never fail the transition.
func (s *Service) notify(ctx context.Context, e *models.Election) {
	if s.notifier == nil {
		return
	}
	var eventType models.EventType
	switch e.Phase {
	case models.PhaseNominationOpen:
		eventType = models.EventNominationOpen
	case models.PhaseVotingOpen:
		eventType = models.EventVotingOpen
	case models.PhaseResultsCertified:
		eventType = models.EventResultsCertified
	case models.PhaseDraft, models.PhaseNominationClosed, models.PhaseVotingClosed, models.PhaseCancelled:
		return
	}

	members, err := s.affectedMembers(ctx, e)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to collect notification recipients",
				"election_id", e.ID.String(), "error", err)
		}
		return
	}
	event := models.LifecycleEvent{
		Type:       eventType,
		ElectionID: e.ID,
		MemberIDs:  members,
		OccurredAt: e.PhaseChangedAt,
	}
	if err := s.notifier.Publish(ctx, event); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to publish lifecycle event",
			"election_id", e.ID.String(), "event_type", string(eventType), "error", err)
	}
}

// affectedMembers lists registered voters, plus candidates once results are certified.
func (s *Service) affectedMembers(ctx context.Context, e *models.Election) ([]id.MemberID, error) {
	seen := make(map[id.MemberID]bool)
	var members []id.MemberID
	add := func(m id.MemberID) {
		if !seen[m] {
			seen[m] = true
			members = append(members, m)
		}
	}

	entries, err := s.store.ListEntries(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsProxy() {
			add(entry.MemberID)
		}
	}

	if e.Phase == models.PhaseResultsCertified {
		attached, err := s.store.ListElectionPositions(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		for _, ep := range attached {
			candidates, err := s.store.ListCandidates(ctx, e.ID, ep.PositionID)
			if err != nil {
				return nil, err
			}
			for _, c := range candidates {
				add(c.MemberID)
			}
		}
	}
	return members, nil
}
