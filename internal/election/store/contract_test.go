package store_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

// electionStore is the surface shared by the in-memory and PostgreSQL stores.
type electionStore interface {
	CreateElection(ctx context.Context, e *models.Election) error
	GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error)
	ListElectionsByPhase(ctx context.Context, phases ...models.Phase) ([]*models.Election, error)
	UpdatePhase(ctx context.Context, e *models.Election, from models.Phase) error
	DeleteElection(ctx context.Context, electionID id.ElectionID) error
	CreatePosition(ctx context.Context, p *models.Position) error
	AttachPosition(ctx context.Context, ep *models.ElectionPosition) error
	ListElectionPositions(ctx context.Context, electionID id.ElectionID) ([]*models.ElectionPosition, error)
	UpdateBallotStatus(ctx context.Context, ep *models.ElectionPosition) error
	GetElectionPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.ElectionPosition, error)
	CreateNomination(ctx context.Context, n *models.Nomination) error
	GetNomination(ctx context.Context, nominationID id.NominationID) (*models.Nomination, error)
	UpdateNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus) error
	ApproveNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus, candidate *models.Candidate, maxCandidates int) error
	RejectNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus) error
	ListCandidates(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error)
	MutateRegistry(ctx context.Context, electionID id.ElectionID,
		fn func(entries []*models.RegistryEntry) (*models.RegistryChange, error)) (*models.RegistryChange, error)
	GetEntry(ctx context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, error)
	ClaimBallot(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID, at time.Time) error
	HasClaimed(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID) (bool, error)
	SaveVote(ctx context.Context, v *models.Vote, proof *models.VoteProof) error
	FindVoteByToken(ctx context.Context, token string) (*models.Vote, *models.VoteProof, error)
	MarkProofVerified(ctx context.Context, voteID id.VoteID, at time.Time) error
	TallySnapshot(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (map[id.CandidateID]int, int, error)
	SaveCertification(ctx context.Context, cert *models.Certification, results []*models.ElectionResult) error
	ListResults(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.ElectionResult, error)
}

var t0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// StoreSuite holds behavior both stores must share. Concrete suites set
// newStore and embed it.
type StoreSuite struct {
	suite.Suite
	newStore func() electionStore
	store    electionStore
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func (s *StoreSuite) election() *models.Election {
	e, err := models.NewElection(id.NewElectionID(), models.ElectionParams{
		Title:         "Annual General Meeting",
		StartAt:       t0,
		EndAt:         t0.Add(96 * time.Hour),
		VotingStartAt: t0.Add(48 * time.Hour),
		VotingEndAt:   t0.Add(72 * time.Hour),
		Proxy:         models.ProxyPolicy{Allowed: true, MaxPerMember: 1},
		CreatedBy:     id.NewMemberID(),
	}, t0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateElection(s.ctx, e))
	return e
}

func (s *StoreSuite) position(e *models.Election, maxCandidates int) *models.Position {
	p, err := models.NewPosition(id.NewPositionID(), "Secretary", maxCandidates, 1, t0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreatePosition(s.ctx, p))
	s.Require().NoError(s.store.AttachPosition(s.ctx, &models.ElectionPosition{
		ElectionID: e.ID, PositionID: p.ID, BallotStatus: models.BallotPending, AttachedAt: t0,
	}))
	return p
}

func (s *StoreSuite) nomination(e *models.Election, p *models.Position, candidate id.MemberID) *models.Nomination {
	n, err := models.NewNomination(id.NewNominationID(), e.ID, p.ID, candidate, id.NewMemberID(), false, t0)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateNomination(s.ctx, n))
	return n
}

func (s *StoreSuite) candidate(e *models.Election, p *models.Position) *models.Candidate {
	n := s.nomination(e, p, id.NewMemberID())
	n.ApplyApproval(id.NewMemberID(), t0)
	c := models.NewCandidate(id.NewCandidateID(), n, "", t0)
	s.Require().NoError(s.store.ApproveNomination(s.ctx, n, models.NominationPending, c, p.MaxCandidates))
	return c
}

func (s *StoreSuite) register(e *models.Election) *models.RegistryEntry {
	entry := models.NewRegistryEntry(id.NewRegistryEntryID(), e.ID, id.NewMemberID(), t0)
	applied, err := s.store.MutateRegistry(s.ctx, e.ID, func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
		return models.PlanRegistration(entries, entry)
	})
	s.Require().NoError(err)
	return applied.Insert[0]
}

func (s *StoreSuite) vote(e *models.Election, p *models.Position, entry *models.RegistryEntry, c *models.Candidate, token string) *models.Vote {
	return &models.Vote{
		ID:              id.NewVoteID(),
		ElectionID:      e.ID,
		PositionID:      p.ID,
		RegistryEntryID: entry.ID,
		CandidateID:     c.ID,
		Token:           token,
		VoteHash:        "hash-" + token,
		CastAt:          t0.Add(49 * time.Hour),
		Method:          models.MethodOnline,
		IsValid:         true,
	}
}

func (s *StoreSuite) TestElectionRoundTrip() {
	e := s.election()

	got, err := s.store.GetElection(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(e.Title, got.Title)
	s.Equal(models.PhaseDraft, got.Phase)
	s.True(e.VotingStartAt.Equal(got.VotingStartAt))
	s.Equal(1, got.Proxy.MaxPerMember)

	s.ErrorIs(s.store.CreateElection(s.ctx, e), sentinel.ErrConflict)

	_, err = s.store.GetElection(s.ctx, id.NewElectionID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestUpdatePhaseIsCompareAndSwap() {
	e := s.election()

	e.ApplyTransition(models.PhaseNominationOpen, t0.Add(time.Hour), "")
	s.Require().NoError(s.store.UpdatePhase(s.ctx, e, models.PhaseDraft))

	e.ApplyTransition(models.PhaseCancelled, t0.Add(2*time.Hour), "duplicate")
	s.ErrorIs(s.store.UpdatePhase(s.ctx, e, models.PhaseDraft), sentinel.ErrInvalidState)

	nominating, err := s.store.ListElectionsByPhase(s.ctx, models.PhaseNominationOpen)
	s.Require().NoError(err)
	ids := make([]id.ElectionID, 0, len(nominating))
	for _, n := range nominating {
		ids = append(ids, n.ID)
	}
	s.Contains(ids, e.ID)
}

func (s *StoreSuite) TestDeleteElectionRemovesOwnedRows() {
	e := s.election()
	p := s.position(e, 3)
	n := s.nomination(e, p, id.NewMemberID())

	s.Require().NoError(s.store.DeleteElection(s.ctx, e.ID))

	_, err := s.store.GetElection(s.ctx, e.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.GetNomination(s.ctx, n.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.ErrorIs(s.store.DeleteElection(s.ctx, e.ID), sentinel.ErrNotFound)
}

func (s *StoreSuite) TestAttachPositionTwiceConflicts() {
	e := s.election()
	p := s.position(e, 2)

	err := s.store.AttachPosition(s.ctx, &models.ElectionPosition{
		ElectionID: e.ID, PositionID: p.ID, BallotStatus: models.BallotPending, AttachedAt: t0,
	})
	s.ErrorIs(err, sentinel.ErrConflict)

	ep, err := s.store.GetElectionPosition(s.ctx, e.ID, p.ID)
	s.Require().NoError(err)
	ep.EvaluateQuorum(p, 0)
	s.Require().NoError(s.store.UpdateBallotStatus(s.ctx, ep))

	listed, err := s.store.ListElectionPositions(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Equal(models.BallotQuorumUnmet, listed[0].BallotStatus)
	s.NotEmpty(listed[0].StatusReason)
}

func (s *StoreSuite) TestActiveNominationIsUniquePerCandidacy() {
	e := s.election()
	p := s.position(e, 3)
	member := id.NewMemberID()
	first := s.nomination(e, p, member)

	dup, err := models.NewNomination(id.NewNominationID(), e.ID, p.ID, member, id.NewMemberID(), false, t0)
	s.Require().NoError(err)
	s.ErrorIs(s.store.CreateNomination(s.ctx, dup), sentinel.ErrConflict)

	first.ApplyRejection(id.NewMemberID(), "ineligible", t0)
	s.Require().NoError(s.store.RejectNomination(s.ctx, first, models.NominationPending))
	s.NoError(s.store.CreateNomination(s.ctx, dup), "a rejected nomination no longer blocks the candidacy")
}

func (s *StoreSuite) TestUpdateNominationRejectsStaleStatus() {
	e := s.election()
	p := s.position(e, 3)
	n := s.nomination(e, p, id.NewMemberID())

	n.ApplySecond(id.NewMemberID(), t0)
	s.Require().NoError(s.store.UpdateNomination(s.ctx, n, models.NominationPending))
	s.ErrorIs(s.store.UpdateNomination(s.ctx, n, models.NominationPending), sentinel.ErrInvalidState)
}

func (s *StoreSuite) TestApproveRespectsMaxCandidates() {
	e := s.election()
	p := s.position(e, 1)
	s.candidate(e, p)

	n := s.nomination(e, p, id.NewMemberID())
	n.ApplyApproval(id.NewMemberID(), t0)
	c := models.NewCandidate(id.NewCandidateID(), n, "", t0)
	s.ErrorIs(s.store.ApproveNomination(s.ctx, n, models.NominationPending, c, p.MaxCandidates), sentinel.ErrConflict)

	stored, err := s.store.GetNomination(s.ctx, n.ID)
	s.Require().NoError(err)
	s.Equal(models.NominationPending, stored.Status, "a refused approval leaves the nomination untouched")
}

func (s *StoreSuite) TestConcurrentApprovalsNeverExceedMax() {
	e := s.election()
	p := s.position(e, 2)

	const contenders = 6
	noms := make([]*models.Nomination, contenders)
	for i := range noms {
		noms[i] = s.nomination(e, p, id.NewMemberID())
		noms[i].ApplyApproval(id.NewMemberID(), t0)
	}

	var wg sync.WaitGroup
	for _, n := range noms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := models.NewCandidate(id.NewCandidateID(), n, "", t0)
			_ = s.store.ApproveNomination(s.ctx, n, models.NominationPending, c, p.MaxCandidates)
		}()
	}
	wg.Wait()

	candidates, err := s.store.ListCandidates(s.ctx, e.ID, p.ID)
	s.Require().NoError(err)
	s.Len(candidates, p.MaxCandidates)
}

func (s *StoreSuite) TestRejectRemovesCandidate() {
	e := s.election()
	p := s.position(e, 2)
	c := s.candidate(e, p)

	n, err := s.store.GetNomination(s.ctx, c.NominationID)
	s.Require().NoError(err)
	n.ApplyRejection(id.NewMemberID(), "withdrawn", t0)
	s.Require().NoError(s.store.RejectNomination(s.ctx, n, models.NominationApproved))

	candidates, err := s.store.ListCandidates(s.ctx, e.ID, p.ID)
	s.Require().NoError(err)
	s.Empty(candidates)
}

func (s *StoreSuite) TestRegistryAssignsSequentialVoterNumbers() {
	e := s.election()
	first := s.register(e)
	second := s.register(e)

	s.Equal(int64(1), first.VoterNumber)
	s.Equal(int64(2), second.VoterNumber)

	_, err := s.store.MutateRegistry(s.ctx, e.ID, func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
		dup := models.NewRegistryEntry(id.NewRegistryEntryID(), e.ID, first.MemberID, t0)
		return models.PlanRegistration(entries, dup)
	})
	s.Error(err)

	_, err = s.store.MutateRegistry(s.ctx, id.NewElectionID(), func([]*models.RegistryEntry) (*models.RegistryChange, error) {
		return nil, nil
	})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestProxyDelegationBlocksGranterClaim() {
	e := s.election()
	p := s.position(e, 2)
	granter := s.register(e)
	holder := s.register(e)

	applied, err := s.store.MutateRegistry(s.ctx, e.ID, func(entries []*models.RegistryEntry) (*models.RegistryChange, error) {
		return models.PlanProxy(entries, granter.ID, holder.ID, e.Proxy, id.NewRegistryEntryID(), t0)
	})
	s.Require().NoError(err)
	s.Require().Len(applied.Insert, 1)
	proxy := applied.Insert[0]
	s.Equal(int64(3), proxy.VoterNumber)

	s.ErrorIs(s.store.ClaimBallot(s.ctx, granter.ID, p.ID, t0), sentinel.ErrInvalidState)
	s.NoError(s.store.ClaimBallot(s.ctx, proxy.ID, p.ID, t0))

	stored, err := s.store.GetEntry(s.ctx, proxy.ID)
	s.Require().NoError(err)
	s.True(stored.HasVoted)
}

func (s *StoreSuite) TestClaimBallotIsSingleUse() {
	e := s.election()
	p := s.position(e, 2)
	entry := s.register(e)

	s.Require().NoError(s.store.ClaimBallot(s.ctx, entry.ID, p.ID, t0))
	s.ErrorIs(s.store.ClaimBallot(s.ctx, entry.ID, p.ID, t0), sentinel.ErrAlreadyUsed)

	claimed, err := s.store.HasClaimed(s.ctx, entry.ID, p.ID)
	s.Require().NoError(err)
	s.True(claimed)

	other := s.position(e, 2)
	s.NoError(s.store.ClaimBallot(s.ctx, entry.ID, other.ID, t0), "each position has its own ballot")
}

func (s *StoreSuite) TestConcurrentClaimsHaveOneWinner() {
	e := s.election()
	p := s.position(e, 2)
	entry := s.register(e)

	const attempts = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.ClaimBallot(s.ctx, entry.ID, p.ID, t0); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, won)
}

func (s *StoreSuite) TestSaveVoteTokenAndValidityRules() {
	e := s.election()
	p := s.position(e, 2)
	c := s.candidate(e, p)
	entry := s.register(e)

	v := s.vote(e, p, entry, c, "token-a")
	proof := &models.VoteProof{
		ID: id.NewProofID(), VoteID: v.ID, Kind: models.ProofKindHMACSHA256,
		Value: "sig", Nonce: "nonce", CreatedAt: v.CastAt,
	}
	s.Require().NoError(s.store.SaveVote(s.ctx, v, proof))

	replay := s.vote(e, p, entry, c, "token-a")
	s.ErrorIs(s.store.SaveVote(s.ctx, replay, nil), sentinel.ErrAlreadyUsed)

	second := s.vote(e, p, entry, c, "token-b")
	s.ErrorIs(s.store.SaveVote(s.ctx, second, nil), sentinel.ErrConflict)

	spoiled := s.vote(e, p, entry, c, "token-c")
	spoiled.Spoil(models.InvalidProofFailed)
	s.NoError(s.store.SaveVote(s.ctx, spoiled, nil), "spoiled ballots do not compete with the valid one")

	got, gotProof, err := s.store.FindVoteByToken(s.ctx, "token-a")
	s.Require().NoError(err)
	s.Equal(v.ID, got.ID)
	s.Require().NotNil(gotProof)
	s.False(gotProof.Verified)

	s.Require().NoError(s.store.MarkProofVerified(s.ctx, v.ID, t0.Add(80*time.Hour)))
	_, gotProof, err = s.store.FindVoteByToken(s.ctx, "token-a")
	s.Require().NoError(err)
	s.True(gotProof.Verified)
	s.NotNil(gotProof.VerifiedAt)

	_, _, err = s.store.FindVoteByToken(s.ctx, "unknown")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestTallySnapshotCountsValidVotesOnly() {
	e := s.election()
	p := s.position(e, 3)
	alice := s.candidate(e, p)
	bob := s.candidate(e, p)

	for i, c := range []*models.Candidate{alice, alice, bob} {
		entry := s.register(e)
		s.Require().NoError(s.store.SaveVote(s.ctx, s.vote(e, p, entry, c, "t"+string(rune('a'+i))), nil))
	}
	spoiled := s.vote(e, p, s.register(e), bob, "spoiled")
	spoiled.Spoil(models.InvalidCastCancelled)
	s.Require().NoError(s.store.SaveVote(s.ctx, spoiled, nil))

	counts, total, err := s.store.TallySnapshot(s.ctx, e.ID, p.ID)
	s.Require().NoError(err)
	s.Equal(3, total)
	s.Equal(2, counts[alice.ID])
	s.Equal(1, counts[bob.ID])
}

func (s *StoreSuite) TestCertificationRevisionsAreSequential() {
	e := s.election()
	p := s.position(e, 2)
	c := s.candidate(e, p)
	certifier := id.NewMemberID()

	rows := []*models.ElectionResult{{
		ID: id.NewResultID(), ElectionID: e.ID, PositionID: p.ID, CandidateID: c.ID,
		TotalVotes: 4, Percentage: 100, Rank: 1, IsWinner: true, MarginOfVotes: 4,
		CertifiedAt: t0, CertifiedBy: certifier,
	}}
	first := &models.Certification{ElectionID: e.ID, PositionID: p.ID, Revision: 1, CertifiedAt: t0, CertifiedBy: certifier}
	s.Require().NoError(s.store.SaveCertification(s.ctx, first, rows))
	s.ErrorIs(s.store.SaveCertification(s.ctx, first, rows), sentinel.ErrAlreadyUsed)

	second := &models.Certification{
		ElectionID: e.ID, PositionID: p.ID, Revision: 2, CertifiedAt: t0.Add(time.Hour),
		CertifiedBy: certifier, Reason: "recount",
	}
	s.Require().NoError(s.store.SaveCertification(s.ctx, second, rows))

	results, err := s.store.ListResults(s.ctx, e.ID, p.ID)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.True(results[0].IsWinner)

	candidates, err := s.store.ListCandidates(s.ctx, e.ID, p.ID)
	s.Require().NoError(err)
	s.Require().Len(candidates, 1)
	s.Equal(4, candidates[0].VoteCount)
	s.True(candidates[0].IsWinner)
}
