package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

const registryColumns = `
	id, election_id, member_id, voter_number, has_voted, voted_at,
	proxy_for, proxy_granter, delegated_to, revoked, revoked_at, created_at`

func scanEntry(row rowScanner) (*models.RegistryEntry, error) {
	var (
		e                                 models.RegistryEntry
		eid, electionID, memberID         uuid.UUID
		proxyFor, proxyGranter, delegated *uuid.UUID
		votedAt, revokedAt                sql.NullTime
	)
	err := row.Scan(&eid, &electionID, &memberID, &e.VoterNumber, &e.HasVoted, &votedAt,
		&proxyFor, &proxyGranter, &delegated, &e.Revoked, &revokedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ID = id.RegistryEntryID(eid)
	e.ElectionID = id.ElectionID(electionID)
	e.MemberID = id.MemberID(memberID)
	e.VotedAt = fromNullTime(votedAt)
	e.ProxyFor = fromNullUUID[id.MemberID](proxyFor)
	e.ProxyGranter = fromNullUUID[id.RegistryEntryID](proxyGranter)
	e.DelegatedTo = fromNullUUID[id.RegistryEntryID](delegated)
	e.RevokedAt = fromNullTime(revokedAt)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.RegistryEntry, error) {
	defer rows.Close()
	var out []*models.RegistryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry entries: %w", err)
	}
	return out, nil
}

// MutateRegistry locks the election row and every registry entry of the
// election, hands the entries to fn and applies its change in the same
// transaction. Voter numbers come from the election's counter, so they are
// gap-free per election even under concurrent registration.
func (s *PostgresStore) MutateRegistry(ctx context.Context, electionID id.ElectionID,
	fn func(entries []*models.RegistryEntry) (*models.RegistryChange, error)) (*models.RegistryChange, error) {
	applied := &models.RegistryChange{}
	err := s.runInTx(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			`SELECT next_voter_number FROM elections WHERE id = $1 FOR UPDATE`, uuid.UUID(electionID)).Scan(&next)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock election: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+registryColumns+` FROM voter_registry
			WHERE election_id = $1 ORDER BY voter_number FOR UPDATE`, uuid.UUID(electionID))
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		entries, err := scanEntries(rows)
		if err != nil {
			return err
		}

		change, err := fn(entries)
		if err != nil {
			return err
		}
		if change == nil {
			return nil
		}

		for _, ins := range change.Insert {
			next++
			c := *ins
			c.ElectionID = electionID
			c.VoterNumber = next
			if err := insertEntry(ctx, tx, &c); err != nil {
				return err
			}
			applied.Insert = append(applied.Insert, &c)
		}
		for _, u := range change.Update {
			if err := updateEntry(ctx, tx, electionID, u); err != nil {
				return err
			}
			c := *u
			applied.Update = append(applied.Update, &c)
		}
		if len(change.Insert) > 0 {
			_, err := tx.ExecContext(ctx,
				`UPDATE elections SET next_voter_number = $2 WHERE id = $1`, uuid.UUID(electionID), next)
			if err != nil {
				return fmt.Errorf("advance voter number: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *models.RegistryEntry) error {
	query := `INSERT INTO voter_registry (` + registryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := tx.ExecContext(ctx, query,
		uuid.UUID(e.ID), uuid.UUID(e.ElectionID), uuid.UUID(e.MemberID), e.VoterNumber, e.HasVoted, nullTime(e.VotedAt),
		nullUUID(e.ProxyFor), nullUUID(e.ProxyGranter), nullUUID(e.DelegatedTo), e.Revoked, nullTime(e.RevokedAt), e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registry entry: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert registry entry: %w", err)
	}
	return nil
}

// updateEntry writes the delegation fields only; voting state is owned by ClaimBallot.
func updateEntry(ctx context.Context, tx *sql.Tx, electionID id.ElectionID, e *models.RegistryEntry) error {
	query := `
		UPDATE voter_registry SET delegated_to = $3, revoked = $4, revoked_at = $5
		WHERE id = $1 AND election_id = $2
	`
	res, err := tx.ExecContext(ctx, query,
		uuid.UUID(e.ID), uuid.UUID(electionID), nullUUID(e.DelegatedTo), e.Revoked, nullTime(e.RevokedAt))
	if err != nil {
		return fmt.Errorf("update registry entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("registry entry %s: %w", e.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, error) {
	query := `SELECT ` + registryColumns + ` FROM voter_registry WHERE id = $1`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, uuid.UUID(entryID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get registry entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, electionID id.ElectionID) ([]*models.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registryColumns+` FROM voter_registry
		WHERE election_id = $1 ORDER BY voter_number`, uuid.UUID(electionID))
	if err != nil {
		return nil, fmt.Errorf("list registry: %w", err)
	}
	return scanEntries(rows)
}

// ClaimBallot is the single atomic gate against double voting. The
// conditional update rejects delegated entries and revoked proxies; the
// claims primary key rejects a second claim for the same position.
func (s *PostgresStore) ClaimBallot(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID, at time.Time) error {
	return s.runInTx(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE voter_registry SET has_voted = TRUE, voted_at = COALESCE(voted_at, $2)
			WHERE id = $1 AND delegated_to IS NULL AND NOT revoked
		`, uuid.UUID(entryID), at)
		if err != nil {
			return fmt.Errorf("mark voted: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark voted: %w", err)
		}
		if n == 0 {
			if _, err := s.GetEntry(ctx, entryID); err != nil {
				return err
			}
			return fmt.Errorf("entry cannot cast: %w", sentinel.ErrInvalidState)
		}

		res, err = tx.ExecContext(ctx, `
			INSERT INTO ballot_claims (entry_id, position_id, claimed_at) VALUES ($1, $2, $3)
			ON CONFLICT (entry_id, position_id) DO NOTHING
		`, uuid.UUID(entryID), uuid.UUID(positionID), at)
		if err != nil {
			return fmt.Errorf("insert ballot claim: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert ballot claim: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("ballot already claimed: %w", sentinel.ErrAlreadyUsed)
		}
		return nil
	})
}

func (s *PostgresStore) HasClaimed(ctx context.Context, entryID id.RegistryEntryID, positionID id.PositionID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ballot_claims WHERE entry_id = $1 AND position_id = $2)
	`, uuid.UUID(entryID), uuid.UUID(positionID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ballot claim: %w", err)
	}
	return exists, nil
}
