package security

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "quorum/pkg/domain"
	audit "quorum/pkg/platform/audit"
)

func TestFeedKeepsNewestFirst(t *testing.T) {
	f := NewFeed(3)
	for _, action := range []string{"a", "b", "c", "d"} {
		f.Record(audit.Event{Action: action})
	}

	got := f.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{got[0].Action, got[1].Action, got[2].Action})
	assert.Equal(t, int64(1), f.Evicted())
	assert.Len(t, f.Recent(2), 2)
}

func TestFeedFiltersByElection(t *testing.T) {
	f := NewFeed(10)
	mine, other := id.NewElectionID(), id.NewElectionID()
	f.Record(audit.Event{ElectionID: mine, Action: string(audit.EventProofMismatch)})
	f.Record(audit.Event{ElectionID: other, Action: string(audit.EventBallotSpoiled)})
	f.Record(audit.Event{ElectionID: mine, Action: string(audit.EventVoteTokenConflict)})

	got := f.ForElection(mine, 5)
	require.Len(t, got, 2)
	assert.Equal(t, string(audit.EventVoteTokenConflict), got[0].Action)
	assert.Empty(t, f.ForElection(id.NewElectionID(), 5))
}

func TestFeedConcurrentRecord(t *testing.T) {
	f := NewFeed(50)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Record(audit.Event{Action: "x"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, f.Len())
	assert.Equal(t, int64(50), f.Evicted())
}
