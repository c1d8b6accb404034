package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

var (
	start       = time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)
	votingStart = start.Add(48 * time.Hour)
	votingEnd   = start.Add(72 * time.Hour)
	end         = start.Add(96 * time.Hour)
)

func params() ElectionParams {
	return ElectionParams{
		Title:         "  Council 2026  ",
		StartAt:       start,
		EndAt:         end,
		VotingStartAt: votingStart,
		VotingEndAt:   votingEnd,
		CreatedBy:     id.NewMemberID(),
	}
}

func TestPhaseTransitions(t *testing.T) {
	mainLine := []Phase{PhaseDraft, PhaseNominationOpen, PhaseNominationClosed, PhaseVotingOpen, PhaseVotingClosed, PhaseResultsCertified}
	for i := 0; i+1 < len(mainLine); i++ {
		assert.True(t, mainLine[i].CanTransitionTo(mainLine[i+1]), "%s -> %s", mainLine[i], mainLine[i+1])
		assert.True(t, mainLine[i].CanTransitionTo(PhaseCancelled), "%s can be cancelled", mainLine[i])
		assert.False(t, mainLine[i+1].CanTransitionTo(mainLine[i]), "%s cannot go back", mainLine[i+1])
	}
	assert.False(t, PhaseDraft.CanTransitionTo(PhaseVotingOpen), "phases cannot be skipped")
	assert.False(t, PhaseResultsCertified.CanTransitionTo(PhaseCancelled))
	assert.False(t, PhaseCancelled.CanTransitionTo(PhaseDraft))
	assert.True(t, PhaseResultsCertified.IsTerminal())
	assert.True(t, PhaseCancelled.IsTerminal())
	assert.False(t, PhaseCancelled.AtOrAfter(PhaseDraft))
	assert.True(t, PhaseResultsCertified.AtOrAfter(PhaseVotingClosed))
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("voting_open")
	require.NoError(t, err)
	assert.Equal(t, PhaseVotingOpen, p)

	_, err = ParsePhase("open")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestNewElection(t *testing.T) {
	t.Run("normalizes and starts in draft", func(t *testing.T) {
		e, err := NewElection(id.NewElectionID(), params(), start.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "Council 2026", e.Title)
		assert.Equal(t, KindGeneral, e.Kind)
		assert.Equal(t, PhaseDraft, e.Phase)
		assert.True(t, e.IsDeletable())
		assert.False(t, e.IsScoped())
	})

	t.Run("accepts every kind", func(t *testing.T) {
		for _, kind := range []Kind{KindGeneral, KindByElection, KindReferendumStyle} {
			p := params()
			p.Kind = kind
			e, err := NewElection(id.NewElectionID(), p, start)
			require.NoError(t, err, kind)
			assert.Equal(t, kind, e.Kind)
		}
		assert.Equal(t, Kind("referendum_style"), KindReferendumStyle)
	})

	t.Run("clears proxy quota when proxies are disallowed", func(t *testing.T) {
		p := params()
		p.Proxy = ProxyPolicy{Allowed: false, MaxPerMember: 3}
		e, err := NewElection(id.NewElectionID(), p, start)
		require.NoError(t, err)
		assert.Zero(t, e.Proxy.MaxPerMember)
	})

	cases := map[string]func(p *ElectionParams){
		"empty title":            func(p *ElectionParams) { p.Title = "   " },
		"unknown kind":           func(p *ElectionParams) { p.Kind = "plebiscite" },
		"short referendum kind":  func(p *ElectionParams) { p.Kind = "referendum" },
		"missing creator":        func(p *ElectionParams) { p.CreatedBy = id.MemberID{} },
		"end before start":       func(p *ElectionParams) { p.EndAt = p.StartAt },
		"voting window inverted": func(p *ElectionParams) { p.VotingEndAt = p.VotingStartAt },
		"voting before start":    func(p *ElectionParams) { p.VotingStartAt = p.StartAt.Add(-time.Minute) },
		"voting after end":       func(p *ElectionParams) { p.VotingEndAt = p.EndAt.Add(time.Minute) },
		"proxy without quota":    func(p *ElectionParams) { p.Proxy = ProxyPolicy{Allowed: true} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := params()
			mutate(&p)
			_, err := NewElection(id.NewElectionID(), p, start)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation), "got %v", err)
		})
	}
}

func TestElectionWindows(t *testing.T) {
	e, err := NewElection(id.NewElectionID(), params(), start)
	require.NoError(t, err)

	assert.True(t, e.InNominationWindow(start))
	assert.False(t, e.InNominationWindow(votingStart), "nominations close when voting starts")
	assert.True(t, e.InVotingWindow(votingStart))
	assert.True(t, e.InVotingWindow(votingEnd), "the voting window is inclusive")
	assert.False(t, e.InVotingWindow(votingEnd.Add(time.Second)))

	err = e.CheckVoting(votingStart)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOutOfWindow), "a draft election takes no votes")

	e.Phase = PhaseVotingOpen
	assert.NoError(t, e.CheckVoting(votingStart))
	assert.True(t, dErrors.HasCode(e.CheckVoting(votingEnd.Add(time.Minute)), dErrors.CodeOutOfWindow),
		"a lagging phase change does not extend the window")

	assert.True(t, dErrors.HasCode(e.CheckTallying(), dErrors.CodeOutOfWindow))
	e.Phase = PhaseVotingClosed
	assert.NoError(t, e.CheckTallying())
}

func TestCanTransition(t *testing.T) {
	newElection := func(phase Phase) *Election {
		e, err := NewElection(id.NewElectionID(), params(), start)
		require.NoError(t, err)
		e.Phase = phase
		return e
	}

	t.Run("nominations open within the nomination window", func(t *testing.T) {
		e := newElection(PhaseDraft)
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseNominationOpen, TransitionCheck{Now: start.Add(-time.Minute)}), dErrors.CodeOutOfWindow))
		assert.NoError(t, e.CanTransition(PhaseNominationOpen, TransitionCheck{Now: start}))
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseNominationOpen, TransitionCheck{Now: votingStart}), dErrors.CodeOutOfWindow))
	})

	t.Run("voting opens only when every position met quorum", func(t *testing.T) {
		e := newElection(PhaseNominationClosed)
		check := TransitionCheck{Now: votingStart, UnmetPositions: 1}
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseVotingOpen, check), dErrors.CodeQuorumUnmet))
		check.SkipUnmet = true
		assert.NoError(t, e.CanTransition(PhaseVotingOpen, check))
	})

	t.Run("voting opens only before the window ends", func(t *testing.T) {
		e := newElection(PhaseNominationClosed)
		assert.NoError(t, e.CanTransition(PhaseVotingOpen, TransitionCheck{Now: votingEnd.Add(-time.Nanosecond)}))
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseVotingOpen, TransitionCheck{Now: votingEnd}), dErrors.CodeOutOfWindow))
	})

	t.Run("voting closes after the window", func(t *testing.T) {
		e := newElection(PhaseVotingOpen)
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseVotingClosed, TransitionCheck{Now: votingStart}), dErrors.CodeOutOfWindow))
		assert.NoError(t, e.CanTransition(PhaseVotingClosed, TransitionCheck{Now: votingEnd}))
	})

	t.Run("certification needs every position certified", func(t *testing.T) {
		e := newElection(PhaseVotingClosed)
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseResultsCertified, TransitionCheck{UncertifiedPositions: 2}), dErrors.CodeConflict))
		assert.NoError(t, e.CanTransition(PhaseResultsCertified, TransitionCheck{}))
	})

	t.Run("cancellation needs a reason", func(t *testing.T) {
		e := newElection(PhaseVotingOpen)
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseCancelled, TransitionCheck{Reason: " "}), dErrors.CodeValidation))
		require.NoError(t, e.CanTransition(PhaseCancelled, TransitionCheck{Reason: "fraud"}))
		e.ApplyTransition(PhaseCancelled, votingStart, " fraud ")
		assert.Equal(t, "fraud", e.CancelReason)
		assert.True(t, e.IsDeletable())
	})

	t.Run("illegal successor conflicts", func(t *testing.T) {
		e := newElection(PhaseResultsCertified)
		assert.True(t, dErrors.HasCode(e.CanTransition(PhaseCancelled, TransitionCheck{Reason: "late"}), dErrors.CodeConflict))
	})
}

func TestPositionAndQuorum(t *testing.T) {
	_, err := NewPosition(id.NewPositionID(), "Chair", 1, 2, start)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	_, err = NewPosition(id.NewPositionID(), "Chair", 1, 0, start)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))

	p, err := NewPosition(id.NewPositionID(), "Chair", 3, 2, start)
	require.NoError(t, err)

	ep := &ElectionPosition{BallotStatus: BallotPending}
	assert.True(t, dErrors.HasCode(ep.CheckVotable(), dErrors.CodeOutOfWindow))

	ep.EvaluateQuorum(p, 1)
	assert.Equal(t, BallotQuorumUnmet, ep.BallotStatus)
	assert.True(t, dErrors.HasCode(ep.CheckVotable(), dErrors.CodeQuorumUnmet))

	ep.EvaluateQuorum(p, 2)
	assert.Equal(t, BallotReady, ep.BallotStatus)
	assert.Empty(t, ep.StatusReason)
	assert.NoError(t, ep.CheckVotable())
}

func TestNominationLifecycle(t *testing.T) {
	nominator := id.NewMemberID()
	_, err := NewNomination(id.NewNominationID(), id.NewElectionID(), id.NewPositionID(), nominator, nominator, false, start)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden), "self-nomination needs the election flag")

	n, err := NewNomination(id.NewNominationID(), id.NewElectionID(), id.NewPositionID(), nominator, nominator, true, start)
	require.NoError(t, err)
	assert.Equal(t, NominationPending, n.Status)
	assert.True(t, n.IsActive())

	assert.True(t, dErrors.HasCode(n.CanSecond(nominator), dErrors.CodeValidation))
	assert.True(t, dErrors.HasCode(n.CanApprove(true), dErrors.CodeConflict), "seconding required first")

	seconder := id.NewMemberID()
	require.NoError(t, n.CanSecond(seconder))
	n.ApplySecond(seconder, start)
	assert.True(t, dErrors.HasCode(n.CanSecond(id.NewMemberID()), dErrors.CodeConflict))
	require.NoError(t, n.CanApprove(true))
	n.ApplyApproval(id.NewMemberID(), start)

	c := NewCandidate(id.NewCandidateID(), n, " A ", start)
	assert.Equal(t, "A", c.Symbol)
	assert.Equal(t, n.CandidateMemberID, c.MemberID)

	assert.True(t, dErrors.HasCode(n.CanReject(""), dErrors.CodeValidation))
	require.NoError(t, n.CanReject("withdrew"))
	n.ApplyRejection(id.NewMemberID(), "withdrew", start)
	assert.False(t, n.IsActive())
	assert.True(t, dErrors.HasCode(n.CanReject("again"), dErrors.CodeConflict))
}

type registry struct {
	entries []*RegistryEntry
	next    int64
}

func (r *registry) own(member id.MemberID) *RegistryEntry {
	r.next++
	e := NewRegistryEntry(id.NewRegistryEntryID(), id.ElectionID{}, member, start)
	e.VoterNumber = r.next
	r.entries = append(r.entries, e)
	return e
}

func (r *registry) apply(change *RegistryChange) {
	for _, u := range change.Update {
		for i, e := range r.entries {
			if e.ID == u.ID {
				r.entries[i] = u
			}
		}
	}
	r.entries = append(r.entries, change.Insert...)
}

func (r *registry) get(entryID id.RegistryEntryID) *RegistryEntry {
	for _, e := range r.entries {
		if e.ID == entryID {
			return e
		}
	}
	return nil
}

func TestPlanRegistration(t *testing.T) {
	r := &registry{}
	member := id.NewMemberID()
	r.own(member)

	_, err := PlanRegistration(r.entries, NewRegistryEntry(id.NewRegistryEntryID(), id.ElectionID{}, member, start))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))

	change, err := PlanRegistration(r.entries, NewRegistryEntry(id.NewRegistryEntryID(), id.ElectionID{}, id.NewMemberID(), start))
	require.NoError(t, err)
	assert.Len(t, change.Insert, 1)
}

func TestPlanProxy(t *testing.T) {
	policy := ProxyPolicy{Allowed: true, MaxPerMember: 1}

	t.Run("records delegation on both entries", func(t *testing.T) {
		r := &registry{}
		granter, holder := r.own(id.NewMemberID()), r.own(id.NewMemberID())

		change, err := PlanProxy(r.entries, granter.ID, holder.ID, policy, id.NewRegistryEntryID(), start)
		require.NoError(t, err)
		require.Len(t, change.Insert, 1)
		require.Len(t, change.Update, 1)

		proxy := change.Insert[0]
		assert.Equal(t, holder.MemberID, proxy.MemberID)
		assert.Equal(t, granter.MemberID, *proxy.ProxyFor)
		assert.Equal(t, proxy.ID, *change.Update[0].DelegatedTo)
		assert.Nil(t, granter.DelegatedTo, "the plan never mutates its input")

		r.apply(change)
		assert.True(t, dErrors.HasCode(r.get(granter.ID).CheckCastable(), dErrors.CodeIneligibleVoter))
		assert.NoError(t, r.get(proxy.ID).CheckCastable())
	})

	t.Run("rejects disallowed and self proxies", func(t *testing.T) {
		r := &registry{}
		a, b := r.own(id.NewMemberID()), r.own(id.NewMemberID())
		_, err := PlanProxy(r.entries, a.ID, b.ID, ProxyPolicy{}, id.NewRegistryEntryID(), start)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeForbidden))
		_, err = PlanProxy(r.entries, a.ID, a.ID, policy, id.NewRegistryEntryID(), start)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("granter who voted cannot delegate", func(t *testing.T) {
		r := &registry{}
		a, b := r.own(id.NewMemberID()), r.own(id.NewMemberID())
		a.HasVoted = true
		_, err := PlanProxy(r.entries, a.ID, b.ID, policy, id.NewRegistryEntryID(), start)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyVoted))
	})

	t.Run("holder quota is enforced", func(t *testing.T) {
		r := &registry{}
		holder := r.own(id.NewMemberID())
		first, second := r.own(id.NewMemberID()), r.own(id.NewMemberID())

		change, err := PlanProxy(r.entries, first.ID, holder.ID, policy, id.NewRegistryEntryID(), start)
		require.NoError(t, err)
		r.apply(change)

		_, err = PlanProxy(r.entries, second.ID, holder.ID, policy, id.NewRegistryEntryID(), start)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("proxy ballots are not delegated further", func(t *testing.T) {
		r := &registry{}
		a, b, c := r.own(id.NewMemberID()), r.own(id.NewMemberID()), r.own(id.NewMemberID())
		change, err := PlanProxy(r.entries, a.ID, b.ID, ProxyPolicy{Allowed: true, MaxPerMember: 2}, id.NewRegistryEntryID(), start)
		require.NoError(t, err)
		r.apply(change)

		_, err = PlanProxy(r.entries, change.Insert[0].ID, c.ID, policy, id.NewRegistryEntryID(), start)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("cycles are refused", func(t *testing.T) {
		r := &registry{}
		a, b, c := r.own(id.NewMemberID()), r.own(id.NewMemberID()), r.own(id.NewMemberID())
		wide := ProxyPolicy{Allowed: true, MaxPerMember: 3}

		change, err := PlanProxy(r.entries, a.ID, b.ID, wide, id.NewRegistryEntryID(), start)
		require.NoError(t, err)
		r.apply(change)
		change, err = PlanProxy(r.entries, b.ID, c.ID, wide, id.NewRegistryEntryID(), start)
		require.NoError(t, err)
		r.apply(change)

		_, err = PlanProxy(r.entries, c.ID, a.ID, wide, id.NewRegistryEntryID(), start)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func TestPlanRevoke(t *testing.T) {
	r := &registry{}
	granter, holder := r.own(id.NewMemberID()), r.own(id.NewMemberID())
	policy := ProxyPolicy{Allowed: true, MaxPerMember: 1}

	_, err := PlanRevoke(r.entries, granter.ID, start)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "nothing to revoke")

	change, err := PlanProxy(r.entries, granter.ID, holder.ID, policy, id.NewRegistryEntryID(), start)
	require.NoError(t, err)
	r.apply(change)
	proxyID := change.Insert[0].ID

	revoke, err := PlanRevoke(r.entries, granter.ID, start.Add(time.Hour))
	require.NoError(t, err)
	r.apply(revoke)
	assert.True(t, r.get(proxyID).Revoked)
	assert.Nil(t, r.get(granter.ID).DelegatedTo)
	assert.True(t, dErrors.HasCode(r.get(proxyID).CheckCastable(), dErrors.CodeIneligibleVoter))
	assert.NoError(t, r.get(granter.ID).CheckCastable(), "the granter gets the ballot back")

	again, err := PlanProxy(r.entries, granter.ID, holder.ID, policy, id.NewRegistryEntryID(), start)
	require.NoError(t, err, "a revoked proxy frees the holder's quota")
	r.apply(again)
	r.get(again.Insert[0].ID).HasVoted = true
	_, err = PlanRevoke(r.entries, granter.ID, start)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyVoted))
}

func TestReportHelpers(t *testing.T) {
	a, b := id.NewCandidateID(), id.NewCandidateID()
	tied := &Report{Status: TallyTieUnresolved, Rows: []ReportRow{{CandidateID: a, Rank: 1}, {CandidateID: b, Rank: 1}}}
	assert.ElementsMatch(t, []id.CandidateID{a, b}, tied.TiedLeaders())
	_, ok := tied.Winner()
	assert.False(t, ok)

	decided := &Report{Status: TallyDecided, Rows: []ReportRow{{CandidateID: a, Rank: 1, IsWinner: true}, {CandidateID: b, Rank: 2}}}
	assert.Nil(t, decided.TiedLeaders())
	w, ok := decided.Winner()
	require.True(t, ok)
	assert.Equal(t, a, w.CandidateID)
}

func TestCleanlySpoiled(t *testing.T) {
	spoiled := &Vote{}
	spoiled.Spoil(InvalidPersistFailed)
	assert.True(t, spoiled.CleanlySpoiled(nil))
	assert.False(t, spoiled.CleanlySpoiled(&VoteProof{Kind: ProofKindHMACSHA256}), "spoiled ballots never keep a proof")

	hashed := *spoiled
	hashed.VoteHash = "abc"
	assert.False(t, hashed.CleanlySpoiled(nil))

	unexplained := &Vote{IsValid: false}
	assert.False(t, unexplained.CleanlySpoiled(nil))

	assert.False(t, (&Vote{IsValid: true}).CleanlySpoiled(nil))
}
