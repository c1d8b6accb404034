// Package electiontest seeds an in-memory election store for service tests.
package electiontest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quorum/internal/election/models"
	"quorum/internal/election/store"
	id "quorum/pkg/domain"
)

// T0 is the start of every seeded election. Nominations run for two days,
// voting for one, and the election ends a day after voting closes.
var T0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

var (
	VotingStart = T0.Add(48 * time.Hour)
	VotingEnd   = T0.Add(72 * time.Hour)
	End         = T0.Add(96 * time.Hour)
)

// Params returns valid election settings created by admin.
func Params(admin id.MemberID) models.ElectionParams {
	return models.ElectionParams{
		Title:         "Board of Trustees 2026",
		Kind:          models.KindGeneral,
		StartAt:       T0,
		EndAt:         End,
		VotingStartAt: VotingStart,
		VotingEndAt:   VotingEnd,
		Secret:        true,
		CreatedBy:     admin,
	}
}

// Seed writes fixtures straight into the store, bypassing the services.
type Seed struct {
	T     testing.TB
	Store *store.InMemory
}

func New(t testing.TB) *Seed {
	return &Seed{T: t, Store: store.NewInMemory()}
}

// Election stores an election and forces it into phase.
func (s *Seed) Election(params models.ElectionParams, phase models.Phase) *models.Election {
	s.T.Helper()
	ctx := context.Background()
	e, err := models.NewElection(id.NewElectionID(), params, T0.Add(-time.Hour))
	require.NoError(s.T, err)
	require.NoError(s.T, s.Store.CreateElection(ctx, e))
	if phase != models.PhaseDraft {
		e.Phase = phase
		require.NoError(s.T, s.Store.UpdatePhase(ctx, e, models.PhaseDraft))
	}
	return e
}

// Position creates a position and attaches it to the election with the given ballot status.
func (s *Seed) Position(electionID id.ElectionID, minCandidates, maxCandidates int, status models.BallotStatus) *models.Position {
	s.T.Helper()
	ctx := context.Background()
	p, err := models.NewPosition(id.NewPositionID(), "Treasurer", maxCandidates, minCandidates, T0)
	require.NoError(s.T, err)
	require.NoError(s.T, s.Store.CreatePosition(ctx, p))
	ep := &models.ElectionPosition{ElectionID: electionID, PositionID: p.ID, BallotStatus: status, AttachedAt: T0}
	require.NoError(s.T, s.Store.AttachPosition(ctx, ep))
	return p
}

// Candidate approves a fresh nomination and returns its candidate.
func (s *Seed) Candidate(electionID id.ElectionID, p *models.Position, symbol string) *models.Candidate {
	s.T.Helper()
	ctx := context.Background()
	n, err := models.NewNomination(id.NewNominationID(), electionID, p.ID, id.NewMemberID(), id.NewMemberID(), false, T0)
	require.NoError(s.T, err)
	require.NoError(s.T, s.Store.CreateNomination(ctx, n))
	n.ApplyApproval(id.NewMemberID(), T0)
	c := models.NewCandidate(id.NewCandidateID(), n, symbol, T0)
	require.NoError(s.T, s.Store.ApproveNomination(ctx, n, models.NominationPending, c, p.MaxCandidates))
	return c
}

// Voter registers member (a fresh one when nil) and returns the own entry.
func (s *Seed) Voter(electionID id.ElectionID, member *id.MemberID) *models.RegistryEntry {
	s.T.Helper()
	memberID := id.NewMemberID()
	if member != nil {
		memberID = *member
	}
	entry := models.NewRegistryEntry(id.NewRegistryEntryID(), electionID, memberID, T0)
	applied, err := s.Store.MutateRegistry(context.Background(), electionID,
		func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
			return models.PlanRegistration(entries, entry)
		})
	require.NoError(s.T, err)
	require.Len(s.T, applied.Insert, 1)
	return applied.Insert[0]
}

// Vote claims the entry's ballot and stores a valid vote for candidate.
func (s *Seed) Vote(e *models.Election, positionID id.PositionID, entry *models.RegistryEntry, candidateID id.CandidateID) *models.Vote {
	s.T.Helper()
	ctx := context.Background()
	require.NoError(s.T, s.Store.ClaimBallot(ctx, entry.ID, positionID, VotingStart))
	v := &models.Vote{
		ID:              id.NewVoteID(),
		ElectionID:      e.ID,
		PositionID:      positionID,
		RegistryEntryID: entry.ID,
		CandidateID:     candidateID,
		Token:           id.NewVoteID().String(),
		VoteHash:        "seeded",
		CastAt:          VotingStart,
		Method:          models.MethodOnline,
		IsValid:         true,
	}
	require.NoError(s.T, s.Store.SaveVote(ctx, v, nil))
	return v
}
