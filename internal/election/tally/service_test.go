package tally

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quorum/internal/election/electiontest"
	"quorum/internal/election/lifecycle"
	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	"quorum/internal/election/ports/mocks"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/retry"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

// =============================================================================
// Ranking
// =============================================================================

func candidates(n int) []id.CandidateID {
	out := make([]id.CandidateID, n)
	for i := range out {
		out[i] = id.NewCandidateID()
	}
	return out
}

func TestRank(t *testing.T) {
	t.Run("decided with margins and competition ranks", func(t *testing.T) {
		c := candidates(4)
		counts := map[id.CandidateID]int{c[0]: 5, c[1]: 3, c[2]: 3, c[3]: 1}
		rows, status := rank(counts, c, 12)

		require.Equal(t, models.TallyDecided, status)
		assert.Equal(t, c[0], rows[0].CandidateID)
		assert.True(t, rows[0].IsWinner)
		assert.Equal(t, 2, rows[0].Margin)
		assert.Equal(t, []int{1, 2, 2, 4}, []int{rows[0].Rank, rows[1].Rank, rows[2].Rank, rows[3].Rank})
		assert.Equal(t, 0, rows[2].Margin)
		assert.Equal(t, 2, rows[3].Margin)
		assert.Equal(t, 41.67, rows[0].Percentage)
		assert.Equal(t, 8.33, rows[3].Percentage)
	})

	t.Run("tie at the top has no winner", func(t *testing.T) {
		c := candidates(3)
		rows, status := rank(map[id.CandidateID]int{c[0]: 50, c[1]: 50}, c, 100)
		assert.Equal(t, models.TallyTieUnresolved, status)
		for _, row := range rows {
			assert.False(t, row.IsWinner)
		}
		assert.Equal(t, 1, rows[1].Rank)
		assert.Equal(t, 3, rows[2].Rank)
		assert.Equal(t, 50.0, rows[0].Percentage)
	})

	t.Run("single candidate margin is its vote count", func(t *testing.T) {
		c := candidates(1)
		rows, status := rank(map[id.CandidateID]int{c[0]: 7}, c, 7)
		assert.Equal(t, models.TallyDecided, status)
		assert.Equal(t, 7, rows[0].Margin)
		assert.Equal(t, 100.0, rows[0].Percentage)
	})

	t.Run("no votes", func(t *testing.T) {
		rows, status := rank(map[id.CandidateID]int{}, candidates(2), 0)
		assert.Equal(t, models.TallyNoVotes, status)
		assert.Len(t, rows, 2)
		assert.False(t, rows[0].IsWinner)
	})

	t.Run("votes for a candidate outside the approved list still count", func(t *testing.T) {
		c := candidates(1)
		stray := id.NewCandidateID()
		rows, _ := rank(map[id.CandidateID]int{c[0]: 2, stray: 1}, c, 3)
		assert.Len(t, rows, 2)
	})

	t.Run("equal inputs give equal rows", func(t *testing.T) {
		c := candidates(5)
		counts := map[id.CandidateID]int{c[0]: 4, c[1]: 4, c[2]: 2, c[3]: 2, c[4]: 1}
		a, _ := rank(counts, c, 13)
		b, _ := rank(counts, c, 13)
		assert.Equal(t, a, b)
	})
}

func TestPercentageRounding(t *testing.T) {
	assert.Equal(t, 33.33, percentage(1, 3))
	assert.Equal(t, 66.67, percentage(2, 3))
	assert.Equal(t, 0.0, percentage(0, 0))
}

// =============================================================================
// Service
// =============================================================================

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]models.CandidateDisplay
	sets atomic.Int32
}

func (c *memoryCache) GetDisplay(_ context.Context, electionID id.ElectionID, positionID id.PositionID) ([]models.CandidateDisplay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[electionID.String()+positionID.String()]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return d, nil
}

func (c *memoryCache) SetDisplay(_ context.Context, electionID id.ElectionID, positionID id.PositionID, displays []models.CandidateDisplay) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets.Add(1)
	c.data[electionID.String()+positionID.String()] = displays
	return nil
}

type TallySuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	directory *mocks.MockDirectory
	seed      *electiontest.Seed
	cache     *memoryCache
	service   *Service
	admin     id.MemberID
	ctx       context.Context

	election *models.Election
	position *models.Position
	a, b     *models.Candidate
}

func TestTallySuite(t *testing.T) {
	suite.Run(t, new(TallySuite))
}

func (s *TallySuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.directory = mocks.NewMockDirectory(s.ctrl)
	s.seed = electiontest.New(s.T())
	s.cache = &memoryCache{data: map[string][]models.CandidateDisplay{}}
	s.admin = id.NewMemberID()
	s.ctx = requestcontext.WithTime(context.Background(), electiontest.VotingEnd.Add(time.Hour))

	s.directory.EXPECT().GetMember(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, memberID id.MemberID) (*ports.Member, error) {
			return &ports.Member{ID: memberID, DisplayName: "Member " + memberID.String()[:8], Verified: true}, nil
		}).AnyTimes()
	s.directory.EXPECT().IsElectionAdmin(gomock.Any(), s.admin, gomock.Any()).Return(true, nil).AnyTimes()
	s.directory.EXPECT().IsElectionAdmin(gomock.Any(), gomock.Not(s.admin), gomock.Any()).Return(false, nil).AnyTimes()

	lc, err := lifecycle.New(s.seed.Store, s.directory, s.directory)
	s.Require().NoError(err)
	svc, err := New(s.seed.Store, s.directory,
		WithDisplayCache(s.cache),
		WithLifecycle(lc),
		WithReadPolicy(retry.Policy{Attempts: 1, Timeout: time.Second}))
	s.Require().NoError(err)
	s.service = svc

	s.election = s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingClosed)
	s.position = s.seed.Position(s.election.ID, 1, 3, models.BallotReady)
	s.a = s.seed.Candidate(s.election.ID, s.position, "A")
	s.b = s.seed.Candidate(s.election.ID, s.position, "B")
}

func (s *TallySuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *TallySuite) votes(c *models.Candidate, n int) {
	for range n {
		s.seed.Vote(s.election, s.position.ID, s.seed.Voter(s.election.ID, nil), c.ID)
	}
}

func (s *TallySuite) certifyReq() CertifyRequest {
	return CertifyRequest{ElectionID: s.election.ID, PositionID: s.position.ID, Actor: s.admin}
}

func (s *TallySuite) TestTallyRequiresClosedVoting() {
	open := s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingOpen)
	p := s.seed.Position(open.ID, 1, 2, models.BallotReady)
	_, err := s.service.Tally(s.ctx, open.ID, p.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeOutOfWindow))
}

func (s *TallySuite) TestLiveTally() {
	s.votes(s.a, 3)
	s.votes(s.b, 2)
	spoiler := s.seed.Voter(s.election.ID, nil)
	s.Require().NoError(s.seed.Store.SaveVote(context.Background(), &models.Vote{
		ID:              id.NewVoteID(),
		ElectionID:      s.election.ID,
		PositionID:      s.position.ID,
		RegistryEntryID: spoiler.ID,
		CandidateID:     s.b.ID,
		Token:           id.NewVoteID().String(),
		CastAt:          electiontest.VotingStart,
		Method:          models.MethodOnline,
		InvalidReason:   models.InvalidCastCancelled,
	}, nil))

	report, err := s.service.Tally(s.ctx, s.election.ID, s.position.ID)
	s.Require().NoError(err)
	s.False(report.Certified)
	s.Equal(models.TallyDecided, report.Status)

	sum := 0
	for _, row := range report.Rows {
		sum += row.Votes
	}
	s.Equal(report.Total, sum)
	s.Equal(5, report.Total, "spoiled ballots are not counted")
	winner, ok := report.Winner()
	s.Require().True(ok)
	s.Equal(s.a.ID, winner.CandidateID)
	s.Equal("A", winner.Symbol)
	s.NotEmpty(winner.DisplayName)

	s.Run("recomputation is idempotent and served from the display cache", func() {
		again, err := s.service.Tally(s.ctx, s.election.ID, s.position.ID)
		s.Require().NoError(err)
		s.Equal(report.Rows, again.Rows)
		s.Equal(int32(1), s.cache.sets.Load())
	})
}

func (s *TallySuite) TestConcurrentTallies() {
	s.votes(s.a, 4)
	s.votes(s.b, 1)

	var wg sync.WaitGroup
	reports := make([]*models.Report, 20)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.service.Tally(s.ctx, s.election.ID, s.position.ID)
			if err == nil {
				reports[i] = r
			}
		}()
	}
	wg.Wait()
	for _, r := range reports {
		s.Require().NotNil(r)
		s.Equal(5, r.Total)
		s.Equal(reports[0].Rows, r.Rows)
	}
}

// gatedStore holds TallySnapshot until release is closed.
type gatedStore struct {
	Store
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedStore) TallySnapshot(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (map[id.CandidateID]int, int, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	return g.Store.TallySnapshot(ctx, electionID, positionID)
}

func (s *TallySuite) TestCallerCancellationDoesNotFailSharedTally() {
	s.votes(s.a, 2)
	gated := &gatedStore{Store: s.seed.Store, entered: make(chan struct{}, 4), release: make(chan struct{})}
	svc, err := New(gated, s.directory,
		WithDisplayCache(s.cache),
		WithReadPolicy(retry.Policy{Attempts: 1, Timeout: 5 * time.Second}))
	s.Require().NoError(err)

	firstCtx, cancel := context.WithCancel(s.ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Tally(firstCtx, s.election.ID, s.position.ID)
		firstErr <- err
	}()
	<-gated.entered

	type result struct {
		report *models.Report
		err    error
	}
	second := make(chan result, 1)
	go func() {
		r, err := svc.Tally(s.ctx, s.election.ID, s.position.ID)
		second <- result{r, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the second caller join the flight

	cancel()
	s.True(dErrors.HasCode(<-firstErr, dErrors.CodeTimeout))

	close(gated.release)
	got := <-second
	s.Require().NoError(got.err)
	s.Equal(2, got.report.Total)
	s.Equal(int32(1), gated.calls.Load())
}

func (s *TallySuite) TestFiftyFiftyTie() {
	s.votes(s.a, 50)
	s.votes(s.b, 50)

	report, err := s.service.Tally(s.ctx, s.election.ID, s.position.ID)
	s.Require().NoError(err)
	s.Equal(models.TallyTieUnresolved, report.Status)
	s.Equal(100, report.Total)
	_, hasWinner := report.Winner()
	s.False(hasWinner)
	s.ElementsMatch([]id.CandidateID{s.a.ID, s.b.ID}, report.TiedLeaders())

	s.Run("certification without a resolution is refused", func() {
		_, err := s.service.Certify(s.ctx, s.certifyReq())
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTieUnresolved))
	})

	s.Run("the resolution must be a tied candidate", func() {
		req := s.certifyReq()
		stranger := id.NewCandidateID()
		req.ResolvedWinner = &stranger
		_, err := s.service.Certify(s.ctx, req)
		s.True(dErrors.HasCode(err, dErrors.CodeTieUnresolved))
	})

	s.Run("manual resolution certifies the chosen winner", func() {
		req := s.certifyReq()
		req.ResolvedWinner = &s.b.ID
		certified, err := s.service.Certify(s.ctx, req)
		s.Require().NoError(err)
		winner, ok := certified.Winner()
		s.Require().True(ok)
		s.Equal(s.b.ID, winner.CandidateID)

		stored, err := s.seed.Store.GetCandidate(context.Background(), s.b.ID)
		s.Require().NoError(err)
		s.True(stored.IsWinner)
		s.Equal(50, stored.VoteCount)
	})
}

func (s *TallySuite) TestCertifiedResultsAreImmutable() {
	s.votes(s.a, 2)
	s.votes(s.b, 1)

	certified, err := s.service.Certify(s.ctx, s.certifyReq())
	s.Require().NoError(err)
	s.True(certified.Certified)
	s.Equal(1, certified.Certification.Revision)

	s.votes(s.b, 5)

	s.Run("tally keeps returning the certified rows", func() {
		report, err := s.service.Tally(s.ctx, s.election.ID, s.position.ID)
		s.Require().NoError(err)
		s.True(report.Certified)
		s.Equal(3, report.Total)
		winner, _ := report.Winner()
		s.Equal(s.a.ID, winner.CandidateID)
	})

	s.Run("certifying again conflicts", func() {
		_, err := s.service.Certify(s.ctx, s.certifyReq())
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("recertification needs a reason", func() {
		_, err := s.service.Recertify(s.ctx, RecertifyRequest{CertifyRequest: s.certifyReq()})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("recertification recomputes and bumps the revision", func() {
		report, err := s.service.Recertify(s.ctx, RecertifyRequest{
			CertifyRequest: s.certifyReq(),
			Reason:         "late postal ballots admitted by the returning officer",
		})
		s.Require().NoError(err)
		s.Equal(2, report.Certification.Revision)
		s.Equal(8, report.Total)
		winner, _ := report.Winner()
		s.Equal(s.b.ID, winner.CandidateID)

		a, err := s.seed.Store.GetCandidate(context.Background(), s.a.ID)
		s.Require().NoError(err)
		s.False(a.IsWinner)
	})
}

func (s *TallySuite) TestCertifyAuthorization() {
	req := s.certifyReq()
	req.Actor = id.NewMemberID()
	_, err := s.service.Certify(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.service.Recertify(s.ctx, RecertifyRequest{CertifyRequest: s.certifyReq(), Reason: "recount"})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "recertifying an uncertified position")
}

func (s *TallySuite) TestCertifyElection() {
	second := s.seed.Position(s.election.ID, 1, 3, models.BallotReady)
	c := s.seed.Candidate(s.election.ID, second, "C")
	d := s.seed.Candidate(s.election.ID, second, "D")
	s.seed.Position(s.election.ID, 3, 3, models.BallotQuorumUnmet)

	s.votes(s.a, 3)
	s.votes(s.b, 1)
	for range 2 {
		s.seed.Vote(s.election, second.ID, s.seed.Voter(s.election.ID, nil), c.ID)
		s.seed.Vote(s.election, second.ID, s.seed.Voter(s.election.ID, nil), d.ID)
	}

	s.Run("a tied position without a resolution stops the election certification", func() {
		_, err := s.service.CertifyElection(s.ctx, s.election.ID, s.admin, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTieUnresolved))
	})

	s.Run("with resolutions every ready position is certified and the phase moves", func() {
		e, err := s.service.CertifyElection(s.ctx, s.election.ID, s.admin, map[id.PositionID]id.CandidateID{second.ID: d.ID})
		s.Require().NoError(err)
		s.Equal(models.PhaseResultsCertified, e.Phase)

		certs, err := s.seed.Store.ListCertifications(context.Background(), s.election.ID)
		s.Require().NoError(err)
		s.Len(certs, 2)
	})

	s.Run("certified elections still report their results", func() {
		report, err := s.service.Tally(s.ctx, s.election.ID, second.ID)
		s.Require().NoError(err)
		winner, _ := report.Winner()
		s.Equal(d.ID, winner.CandidateID)
	})
}
