//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/election/store"
	platformpg "quorum/internal/platform/postgres"
	id "quorum/pkg/domain"
	audit "quorum/pkg/platform/audit"
	auditpg "quorum/pkg/platform/audit/store/postgres"
	txcontext "quorum/pkg/platform/tx"
	"quorum/pkg/testutil/containers"
)

func TestAuditStore(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx := context.Background()
	require.NoError(t, platformpg.Migrate(ctx, pg.DB, store.Schema))
	s := auditpg.New(pg.DB)

	election := id.ElectionID(uuid.New())
	at := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("trail keeps emission order and derives category", func(t *testing.T) {
		for _, action := range []audit.AuditEvent{audit.EventElectionCreated, audit.EventVoteCast, audit.EventProofMismatch} {
			require.NoError(t, s.Append(ctx, audit.Event{
				ElectionID: election,
				Action:     string(action),
				Category:   audit.CategoryOperations,
				Timestamp:  at,
			}))
		}

		events, err := s.ListByElection(ctx, election)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, string(audit.EventElectionCreated), events[0].Action)
		assert.Equal(t, audit.CategorySecurity, events[2].Category)
		assert.Equal(t, election, events[1].ElectionID)
	})

	t.Run("append joins the caller transaction", func(t *testing.T) {
		rolledBack := id.ElectionID(uuid.New())
		tx, err := pg.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, s.Append(txcontext.WithTx(ctx, tx), audit.Event{
			ElectionID: rolledBack,
			Action:     string(audit.EventResultsCertified),
			Timestamp:  at,
		}))
		require.NoError(t, tx.Rollback())

		events, err := s.ListByElection(ctx, rolledBack)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("recent is newest first across elections", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, audit.Event{Action: string(audit.EventPhaseChanged), Subject: "last", Timestamp: at}))

		recent, err := s.ListRecent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "last", recent[0].Subject)
		assert.True(t, recent[0].ElectionID.IsNil())
	})
}
