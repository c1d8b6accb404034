package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quorum/internal/election/ports"
	"quorum/internal/election/ports/mocks"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/circuit"
	"quorum/pkg/platform/retry"
	"quorum/pkg/platform/sentinel"
)

var (
	rootAdmin  = id.NewMemberID()
	northAdmin = id.NewMemberID()
	ada        = id.NewMemberID()
	grace      = id.NewMemberID()
	org        = id.NewUnitID()
	north      = id.NewUnitID()
	northEast  = id.NewUnitID()
)

func testSeed() Seed {
	return Seed{
		RootAdmins: []id.MemberID{rootAdmin},
		Members: []SeedMember{
			{ID: rootAdmin, DisplayName: "Root", Verified: true},
			{ID: northAdmin, DisplayName: "North Admin", Verified: true},
			{ID: ada, DisplayName: "Ada", Verified: true},
			{ID: grace, DisplayName: "Grace"},
		},
		Units: []SeedUnit{
			{ID: org, Name: "Org"},
			{ID: north, Name: "North", Parent: &org, Admins: []id.MemberID{northAdmin}},
			{ID: northEast, Name: "North East", Parent: &north, Members: []id.MemberID{ada}},
		},
	}
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir, err := New(testSeed())
	require.NoError(t, err)

	t.Run("members", func(t *testing.T) {
		m, err := dir.GetMember(ctx, ada)
		require.NoError(t, err)
		assert.True(t, m.Verified)
		assert.Equal(t, "Ada", m.DisplayName)

		_, err = dir.GetMember(ctx, id.NewMemberID())
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	t.Run("membership includes descendant units", func(t *testing.T) {
		for _, unit := range []id.UnitID{northEast, north, org} {
			in, err := dir.MemberInUnit(ctx, ada, unit)
			require.NoError(t, err)
			assert.True(t, in, unit.String())
		}
		in, err := dir.MemberInUnit(ctx, grace, north)
		require.NoError(t, err)
		assert.False(t, in)

		in, err = dir.MemberInUnit(ctx, ada, id.NewUnitID())
		require.NoError(t, err)
		assert.False(t, in)
	})

	t.Run("admins cover their subtree", func(t *testing.T) {
		ok, _ := dir.IsElectionAdmin(ctx, northAdmin, &northEast)
		assert.True(t, ok)
		ok, _ = dir.IsElectionAdmin(ctx, northAdmin, &org)
		assert.False(t, ok)
		ok, _ = dir.IsElectionAdmin(ctx, northAdmin, nil)
		assert.False(t, ok)
		ok, _ = dir.IsElectionAdmin(ctx, rootAdmin, nil)
		assert.True(t, ok)
		ok, _ = dir.IsElectionAdmin(ctx, rootAdmin, &northEast)
		assert.True(t, ok)
	})

	t.Run("units", func(t *testing.T) {
		ok, _ := dir.UnitExists(ctx, north)
		assert.True(t, ok)
		ok, _ = dir.UnitExists(ctx, id.NewUnitID())
		assert.False(t, ok)
	})
}

func TestNewRejectsBadSeeds(t *testing.T) {
	a, b := id.NewUnitID(), id.NewUnitID()
	missing := id.NewUnitID()
	tests := map[string]Seed{
		"unknown parent": {Units: []SeedUnit{{ID: a, Parent: &missing}}},
		"cycle":          {Units: []SeedUnit{{ID: a, Parent: &b}, {ID: b, Parent: &a}}},
		"duplicate":      {Members: []SeedMember{{ID: ada}, {ID: ada}}},
	}
	for name, seed := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(seed)
			require.Error(t, err)
		})
	}
}

func TestLoadFileAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	write := func(verified bool) {
		doc := fmt.Sprintf(`
rootAdmins: [%s]
members:
  - id: %s
    displayName: Ada
    verified: %t
units:
  - id: %s
    name: Org
    members: [%s]
`, rootAdmin, ada, verified, org, ada)
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}

	write(false)
	dir, err := LoadFile(path)
	require.NoError(t, err)
	m, err := dir.GetMember(context.Background(), ada)
	require.NoError(t, err)
	assert.False(t, m.Verified)

	write(true)
	require.NoError(t, dir.Reload(path))
	m, err = dir.GetMember(context.Background(), ada)
	require.NoError(t, err)
	assert.True(t, m.Verified)

	require.NoError(t, os.WriteFile(path, []byte("members: {"), 0o600))
	require.Error(t, dir.Reload(path))
	_, err = dir.GetMember(context.Background(), ada)
	require.NoError(t, err, "a failed reload keeps the previous contents")
}

type GuardedSuite struct {
	suite.Suite
	ctrl  *gomock.Controller
	inner *mocks.MockDirectory
	mu    sync.Mutex
	clock time.Time
	dir   *Guarded
}

func TestGuardedSuite(t *testing.T) {
	suite.Run(t, new(GuardedSuite))
}

func (s *GuardedSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.inner = mocks.NewMockDirectory(s.ctrl)
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.dir = NewGuarded(s.inner,
		WithPolicy(retry.Policy{Attempts: 2, Timeout: 20 * time.Millisecond, Base: time.Millisecond, Max: time.Millisecond}),
		WithBreaker(circuit.New("directory", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1))),
		WithCooldown(time.Minute),
		WithClock(s.now),
	)
}

func (s *GuardedSuite) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func (s *GuardedSuite) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(d)
}

func (s *GuardedSuite) TestRetriesTransientFailures() {
	ctx := context.Background()
	gomock.InOrder(
		s.inner.EXPECT().GetMember(gomock.Any(), ada).Return(nil, sentinel.ErrUnavailable),
		s.inner.EXPECT().GetMember(gomock.Any(), ada).Return(&ports.Member{ID: ada, Verified: true}, nil),
	)
	m, err := s.dir.GetMember(ctx, ada)
	s.Require().NoError(err)
	s.True(m.Verified)
	s.Equal(circuit.StateClosed, s.dir.State())
}

func (s *GuardedSuite) TestNotFoundIsNotRetried() {
	s.inner.EXPECT().GetMember(gomock.Any(), ada).
		Return(nil, dErrors.New(dErrors.CodeNotFound, "member not found")).Times(1)
	_, err := s.dir.GetMember(context.Background(), ada)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Equal(circuit.StateClosed, s.dir.State())
}

func (s *GuardedSuite) TestSlowDirectoryTimesOut() {
	s.inner.EXPECT().IsElectionAdmin(gomock.Any(), ada, nil).
		DoAndReturn(func(ctx context.Context, _ id.MemberID, _ *id.UnitID) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}).Times(2)
	_, err := s.dir.IsElectionAdmin(context.Background(), ada, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout), err)
}

func (s *GuardedSuite) TestCircuitOpensFailsFastAndRecovers() {
	ctx := context.Background()
	// Two calls of two attempts each; the second call opens the circuit.
	s.inner.EXPECT().MemberInUnit(gomock.Any(), ada, north).Return(false, sentinel.ErrUnavailable).Times(4)
	for range 2 {
		_, err := s.dir.MemberInUnit(ctx, ada, north)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable), err)
	}
	s.Equal(circuit.StateOpen, s.dir.State())

	_, err := s.dir.MemberInUnit(ctx, ada, north)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable), "open circuit fails fast without calling through")

	s.advance(2 * time.Minute)
	s.inner.EXPECT().MemberInUnit(gomock.Any(), ada, north).Return(true, nil)
	in, err := s.dir.MemberInUnit(ctx, ada, north)
	s.Require().NoError(err)
	s.True(in)
	s.Equal(circuit.StateClosed, s.dir.State())
}

func (s *GuardedSuite) TestCallerCancellationDoesNotTripTheCircuit() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.inner.EXPECT().UnitExists(gomock.Any(), north).Return(false, context.Canceled).AnyTimes()
	for range 3 {
		_, _ = s.dir.UnitExists(ctx, north)
	}
	s.Equal(circuit.StateClosed, s.dir.State())
}
