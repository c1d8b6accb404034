package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quorum/internal/election/electiontest"
	"quorum/internal/election/models"
	"quorum/internal/election/ports/mocks"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/audit/publisher"
	auditmemory "quorum/pkg/platform/audit/store/memory"
	"quorum/pkg/requestcontext"
)

type LifecycleSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	units      *mocks.MockUnitDirectory
	authz      *mocks.MockAuthorizer
	notifier   *mocks.MockNotifier
	seed       *electiontest.Seed
	auditStore *auditmemory.InMemoryStore
	service    *Service
	admin      id.MemberID
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func (s *LifecycleSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.units = mocks.NewMockUnitDirectory(s.ctrl)
	s.authz = mocks.NewMockAuthorizer(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.seed = electiontest.New(s.T())
	s.auditStore = auditmemory.NewInMemoryStore()
	s.admin = id.NewMemberID()

	svc, err := New(s.seed.Store, s.units, s.authz,
		WithNotifier(s.notifier),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *LifecycleSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *LifecycleSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *LifecycleSuite) allowAdmin() {
	s.authz.EXPECT().IsElectionAdmin(gomock.Any(), s.admin, gomock.Any()).Return(true, nil).AnyTimes()
}

func (s *LifecycleSuite) TestNew() {
	s.Run("nil store is rejected", func() {
		_, err := New(nil, s.units, s.authz)
		s.Require().Error(err)
	})
	s.Run("nil collaborators are rejected", func() {
		_, err := New(s.seed.Store, nil, nil)
		s.Require().Error(err)
	})
}

// =============================================================================
// Creation
// =============================================================================

func (s *LifecycleSuite) TestCreateElection() {
	ctx := s.at(electiontest.T0.Add(-time.Hour))

	s.Run("creates a draft election at the organization root", func() {
		s.allowAdmin()
		e, err := s.service.CreateElection(ctx, CreateElectionRequest{
			ElectionParams: electiontest.Params(id.MemberID{}),
			Actor:          s.admin,
		})
		s.Require().NoError(err)
		s.Equal(models.PhaseDraft, e.Phase)
		s.Equal(s.admin, e.CreatedBy)

		events, err := s.auditStore.ListByElection(context.Background(), e.ID)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(string(audit.EventElectionCreated), events[0].Action)
		s.Equal(s.admin.String(), events[0].ActorID)
	})

	s.Run("scoped election requires an existing unit", func() {
		s.allowAdmin()
		unit := id.NewUnitID()
		s.units.EXPECT().UnitExists(gomock.Any(), unit).Return(false, nil)

		params := electiontest.Params(s.admin)
		params.UnitID = &unit
		_, err := s.service.CreateElection(ctx, CreateElectionRequest{ElectionParams: params, Actor: s.admin})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("voting window outside the election dates is a validation error", func() {
		s.allowAdmin()
		params := electiontest.Params(s.admin)
		params.VotingEndAt = params.EndAt.Add(time.Hour)
		_, err := s.service.CreateElection(ctx, CreateElectionRequest{ElectionParams: params, Actor: s.admin})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("proxy policy needs a positive limit", func() {
		s.allowAdmin()
		params := electiontest.Params(s.admin)
		params.Proxy = models.ProxyPolicy{Allowed: true}
		_, err := s.service.CreateElection(ctx, CreateElectionRequest{ElectionParams: params, Actor: s.admin})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("non administrators are forbidden", func() {
		outsider := id.NewMemberID()
		s.authz.EXPECT().IsElectionAdmin(gomock.Any(), outsider, gomock.Any()).Return(false, nil)
		_, err := s.service.CreateElection(ctx, CreateElectionRequest{ElectionParams: electiontest.Params(outsider), Actor: outsider})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("anonymous actor is unauthorized", func() {
		_, err := s.service.CreateElection(ctx, CreateElectionRequest{ElectionParams: electiontest.Params(s.admin)})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

func (s *LifecycleSuite) TestAttachPosition() {
	ctx := s.at(electiontest.T0)
	s.allowAdmin()

	s.Run("attaches once, duplicates conflict", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseDraft)
		p, err := s.service.CreatePosition(ctx, CreatePositionRequest{Name: "Chair", MaxCandidates: 3, MinCandidates: 1, Actor: s.admin})
		s.Require().NoError(err)

		ep, err := s.service.AttachPosition(ctx, e.ID, p.ID, s.admin)
		s.Require().NoError(err)
		s.Equal(models.BallotPending, ep.BallotStatus)

		_, err = s.service.AttachPosition(ctx, e.ID, p.ID, s.admin)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		views, err := s.service.ListPositions(ctx, e.ID)
		s.Require().NoError(err)
		s.Require().Len(views, 1)
		s.Equal("Chair", views[0].Name)
	})

	s.Run("closed nominations reject attachments", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseNominationClosed)
		p, err := s.service.CreatePosition(ctx, CreatePositionRequest{Name: "Clerk", MaxCandidates: 2, MinCandidates: 1, Actor: s.admin})
		s.Require().NoError(err)
		_, err = s.service.AttachPosition(ctx, e.ID, p.ID, s.admin)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeOutOfWindow))
	})

	s.Run("min above max is a validation error", func() {
		_, err := s.service.CreatePosition(ctx, CreatePositionRequest{Name: "Clerk", MaxCandidates: 1, MinCandidates: 2, Actor: s.admin})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// =============================================================================
// Transitions
// =============================================================================

func (s *LifecycleSuite) TestTransition() {
	s.allowAdmin()

	s.Run("opening nominations notifies registered voters", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseDraft)
		voter := s.seed.Voter(e.ID, nil)
		s.notifier.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, ev models.LifecycleEvent) error {
				s.Equal(models.EventNominationOpen, ev.Type)
				s.Equal(e.ID, ev.ElectionID)
				s.Equal([]id.MemberID{voter.MemberID}, ev.MemberIDs)
				return nil
			})

		got, err := s.service.Transition(s.at(electiontest.T0), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseNominationOpen, Actor: s.admin,
		})
		s.Require().NoError(err)
		s.Equal(models.PhaseNominationOpen, got.Phase)
	})

	s.Run("opening nominations before the start is out of window", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseDraft)
		_, err := s.service.Transition(s.at(electiontest.T0.Add(-time.Minute)), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseNominationOpen, Actor: s.admin,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeOutOfWindow))
	})

	s.Run("re-applying the current phase is a no-op", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingOpen)
		got, err := s.service.Transition(s.at(electiontest.VotingStart), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseVotingOpen, Actor: s.admin,
		})
		s.Require().NoError(err)
		s.Equal(models.PhaseVotingOpen, got.Phase)
	})

	s.Run("certified results cannot be re-entered", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseResultsCertified)
		_, err := s.service.Transition(s.at(electiontest.End), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseResultsCertified, Actor: s.admin,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("skipping a phase is a conflict", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseDraft)
		_, err := s.service.Transition(s.at(electiontest.VotingStart), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseVotingOpen, Actor: s.admin,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("cancelling requires a reason", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseNominationOpen)
		_, err := s.service.Transition(s.at(electiontest.T0), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseCancelled, Actor: s.admin,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		got, err := s.service.Transition(s.at(electiontest.T0), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseCancelled, Actor: s.admin, Reason: "bylaws changed",
		})
		s.Require().NoError(err)
		s.Equal("bylaws changed", got.CancelReason)
	})

	s.Run("closing voting before the window ends is out of window", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingOpen)
		_, err := s.service.Transition(s.at(electiontest.VotingEnd.Add(-time.Second)), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseVotingClosed, Actor: s.admin,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeOutOfWindow))
	})
}

// Justification: a position below its candidate minimum must be recorded at
// nomination close and must block voting unless explicitly skipped.
func (s *LifecycleSuite) TestQuorumAtNominationClose() {
	s.allowAdmin()
	s.notifier.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	e := s.seed.Election(electiontest.Params(s.admin), models.PhaseNominationOpen)
	short := s.seed.Position(e.ID, 2, 3, models.BallotPending)
	full := s.seed.Position(e.ID, 1, 3, models.BallotPending)
	s.seed.Candidate(e.ID, short, "A")
	s.seed.Candidate(e.ID, full, "B")

	_, err := s.service.Transition(s.at(electiontest.VotingStart.Add(-time.Hour)), TransitionRequest{
		ElectionID: e.ID, Target: models.PhaseNominationClosed, Actor: s.admin,
	})
	s.Require().NoError(err)

	ep, err := s.seed.Store.GetElectionPosition(context.Background(), e.ID, short.ID)
	s.Require().NoError(err)
	s.Equal(models.BallotQuorumUnmet, ep.BallotStatus)
	s.Contains(ep.StatusReason, "2 required")

	ep, err = s.seed.Store.GetElectionPosition(context.Background(), e.ID, full.ID)
	s.Require().NoError(err)
	s.Equal(models.BallotReady, ep.BallotStatus)

	s.Run("opening voting fails with quorum unmet", func() {
		_, err := s.service.Transition(s.at(electiontest.VotingStart), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseVotingOpen, Actor: s.admin,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeQuorumUnmet))
	})

	s.Run("skipping unmet positions opens voting", func() {
		got, err := s.service.Transition(s.at(electiontest.VotingStart), TransitionRequest{
			ElectionID: e.ID, Target: models.PhaseVotingOpen, Actor: s.admin, SkipUnmetPositions: true,
		})
		s.Require().NoError(err)
		s.Equal(models.PhaseVotingOpen, got.Phase)
	})
}

func (s *LifecycleSuite) TestCertifiedPhaseRequiresCertifications() {
	s.allowAdmin()
	e := s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingClosed)
	p := s.seed.Position(e.ID, 1, 2, models.BallotReady)

	_, err := s.service.Transition(s.at(electiontest.End), TransitionRequest{
		ElectionID: e.ID, Target: models.PhaseResultsCertified, Actor: s.admin,
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	s.Require().NoError(s.seed.Store.SaveCertification(context.Background(), &models.Certification{
		ElectionID: e.ID, PositionID: p.ID, Revision: 1, CertifiedAt: electiontest.End, CertifiedBy: s.admin,
	}, nil))
	s.notifier.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(assert.AnError)

	got, err := s.service.Transition(s.at(electiontest.End), TransitionRequest{
		ElectionID: e.ID, Target: models.PhaseResultsCertified, Actor: s.admin,
	})
	s.Require().NoError(err, "notification failures never fail the transition")
	s.Equal(models.PhaseResultsCertified, got.Phase)
}

// =============================================================================
// Scheduled advancement
// =============================================================================

func (s *LifecycleSuite) TestAdvanceDue() {
	s.notifier.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	s.Run("closes nominations and opens voting at voting start", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseNominationOpen)
		p := s.seed.Position(e.ID, 1, 2, models.BallotPending)
		s.seed.Candidate(e.ID, p, "A")

		got, err := s.service.AdvanceDue(context.Background(), e.ID, electiontest.VotingStart)
		s.Require().NoError(err)
		s.Equal(models.PhaseVotingOpen, got.Phase)

		again, err := s.service.AdvanceDue(context.Background(), e.ID, electiontest.VotingStart)
		s.Require().NoError(err)
		s.Equal(models.PhaseVotingOpen, again.Phase)
	})

	s.Run("stops at nomination close when quorum is unmet", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseNominationOpen)
		s.seed.Position(e.ID, 1, 2, models.BallotPending)

		got, err := s.service.AdvanceDue(context.Background(), e.ID, electiontest.VotingStart)
		s.Require().NoError(err)
		s.Equal(models.PhaseNominationClosed, got.Phase)
	})

	s.Run("closes voting at voting end", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingOpen)
		got, err := s.service.AdvanceDue(context.Background(), e.ID, electiontest.VotingEnd)
		s.Require().NoError(err)
		s.Equal(models.PhaseVotingClosed, got.Phase)
	})

	s.Run("a missed voting window is reported, not skipped", func() {
		for _, phase := range []models.Phase{models.PhaseNominationOpen, models.PhaseNominationClosed} {
			e := s.seed.Election(electiontest.Params(s.admin), phase)
			p := s.seed.Position(e.ID, 1, 2, models.BallotPending)
			s.seed.Candidate(e.ID, p, "A")

			got, err := s.service.AdvanceDue(context.Background(), e.ID, electiontest.VotingEnd)
			s.Require().Error(err, phase)
			s.True(dErrors.HasCode(err, dErrors.CodeOutOfWindow), phase)
			s.Equal(models.PhaseNominationClosed, got.Phase, phase)

			stored, err := s.service.GetElection(context.Background(), e.ID)
			s.Require().NoError(err)
			s.Equal(models.PhaseNominationClosed, stored.Phase)
		}
	})

	s.Run("nothing is due before the window", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseNominationOpen)
		got, err := s.service.AdvanceDue(context.Background(), e.ID, electiontest.T0.Add(time.Hour))
		s.Require().NoError(err)
		s.Equal(models.PhaseNominationOpen, got.Phase)
	})
}

func (s *LifecycleSuite) TestDeleteElection() {
	s.allowAdmin()

	s.Run("draft elections are deleted with their registry", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseDraft)
		s.seed.Voter(e.ID, nil)
		s.Require().NoError(s.service.DeleteElection(context.Background(), e.ID, s.admin))

		_, err := s.service.GetElection(context.Background(), e.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		entries, err := s.seed.Store.ListEntries(context.Background(), e.ID)
		s.Require().NoError(err)
		s.Empty(entries)
	})

	s.Run("running elections cannot be deleted", func() {
		e := s.seed.Election(electiontest.Params(s.admin), models.PhaseVotingOpen)
		err := s.service.DeleteElection(context.Background(), e.ID, s.admin)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}
