package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

const nominationColumns = `
	id, election_id, position_id, candidate_member_id, nominator_id, status, rejection_reason,
	proposed_at, seconded_by, seconded_at, decided_by, decided_at`

func scanNomination(row rowScanner) (*models.Nomination, error) {
	var (
		n                                            models.Nomination
		nid, electionID, positionID, cand, nominator uuid.UUID
		status                                       string
		secondedBy, decidedBy                        *uuid.UUID
		secondedAt, decidedAt                        sql.NullTime
	)
	err := row.Scan(&nid, &electionID, &positionID, &cand, &nominator, &status, &n.RejectionReason,
		&n.ProposedAt, &secondedBy, &secondedAt, &decidedBy, &decidedAt)
	if err != nil {
		return nil, err
	}
	n.ID = id.NominationID(nid)
	n.ElectionID = id.ElectionID(electionID)
	n.PositionID = id.PositionID(positionID)
	n.CandidateMemberID = id.MemberID(cand)
	n.NominatorID = id.MemberID(nominator)
	n.Status = models.NominationStatus(status)
	n.SecondedBy = fromNullUUID[id.MemberID](secondedBy)
	n.SecondedAt = fromNullTime(secondedAt)
	n.DecidedBy = fromNullUUID[id.MemberID](decidedBy)
	n.DecidedAt = fromNullTime(decidedAt)
	return &n, nil
}

// CreateNomination relies on the partial unique index over active nominations.
func (s *PostgresStore) CreateNomination(ctx context.Context, n *models.Nomination) error {
	query := `INSERT INTO nominations (` + nominationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(n.ID), uuid.UUID(n.ElectionID), uuid.UUID(n.PositionID), uuid.UUID(n.CandidateMemberID),
		uuid.UUID(n.NominatorID), string(n.Status), n.RejectionReason, n.ProposedAt,
		nullUUID(n.SecondedBy), nullTime(n.SecondedAt), nullUUID(n.DecidedBy), nullTime(n.DecidedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active nomination exists: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert nomination: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNomination(ctx context.Context, nominationID id.NominationID) (*models.Nomination, error) {
	query := `SELECT ` + nominationColumns + ` FROM nominations WHERE id = $1`
	n, err := scanNomination(s.db.QueryRowContext(ctx, query, uuid.UUID(nominationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get nomination: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNominations(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Nomination, error) {
	query := `SELECT ` + nominationColumns + ` FROM nominations
		WHERE election_id = $1 AND position_id = $2 ORDER BY proposed_at, id`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(electionID), uuid.UUID(positionID))
	if err != nil {
		return nil, fmt.Errorf("list nominations: %w", err)
	}
	defer rows.Close()

	var out []*models.Nomination
	for rows.Next() {
		n, err := scanNomination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan nomination: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nominations: %w", err)
	}
	return out, nil
}

func casNomination(ctx context.Context, exec execer, n *models.Nomination, from models.NominationStatus) error {
	query := `
		UPDATE nominations
		SET status = $2, rejection_reason = $3, seconded_by = $4, seconded_at = $5, decided_by = $6, decided_at = $7
		WHERE id = $1 AND status = $8
	`
	res, err := exec.ExecContext(ctx, query,
		uuid.UUID(n.ID), string(n.Status), n.RejectionReason,
		nullUUID(n.SecondedBy), nullTime(n.SecondedAt), nullUUID(n.DecidedBy), nullTime(n.DecidedAt),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update nomination: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update nomination: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("nomination no longer %s: %w", from, sentinel.ErrInvalidState)
	}
	return nil
}

// UpdateNomination writes n if the stored status is still from.
func (s *PostgresStore) UpdateNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus) error {
	return casNomination(ctx, s.db, n, from)
}

// ApproveNomination serializes approvals per position by locking the
// association row, then checks capacity and inserts the candidate.
func (s *PostgresStore) ApproveNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus,
	candidate *models.Candidate, maxCandidates int) error {
	return s.runInTx(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM election_positions WHERE election_id = $1 AND position_id = $2 FOR UPDATE
		`, uuid.UUID(candidate.ElectionID), uuid.UUID(candidate.PositionID)).Scan(&one)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock election position: %w", err)
		}

		var count int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM candidates WHERE election_id = $1 AND position_id = $2
		`, uuid.UUID(candidate.ElectionID), uuid.UUID(candidate.PositionID)).Scan(&count)
		if err != nil {
			return fmt.Errorf("count candidates: %w", err)
		}
		if count >= maxCandidates {
			return fmt.Errorf("position has %d of %d candidates: %w", count, maxCandidates, sentinel.ErrConflict)
		}

		if err := casNomination(ctx, tx, n, from); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO candidates (id, nomination_id, election_id, position_id, member_id, symbol, vote_count, is_winner, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7)
		`, uuid.UUID(candidate.ID), uuid.UUID(candidate.NominationID), uuid.UUID(candidate.ElectionID),
			uuid.UUID(candidate.PositionID), uuid.UUID(candidate.MemberID), candidate.Symbol, candidate.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("candidate exists: %w", sentinel.ErrConflict)
			}
			return fmt.Errorf("insert candidate: %w", err)
		}
		return nil
	})
}

// RejectNomination moves n to rejected and deletes its candidate in one transaction.
func (s *PostgresStore) RejectNomination(ctx context.Context, n *models.Nomination, from models.NominationStatus) error {
	return s.runInTx(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := casNomination(ctx, tx, n, from); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE nomination_id = $1`, uuid.UUID(n.ID)); err != nil {
			return fmt.Errorf("delete candidate: %w", err)
		}
		return nil
	})
}

const candidateColumns = `id, nomination_id, election_id, position_id, member_id, symbol, vote_count, is_winner, created_at`

func scanCandidate(row rowScanner) (*models.Candidate, error) {
	var (
		c                                        models.Candidate
		cid, nid, electionID, positionID, member uuid.UUID
	)
	err := row.Scan(&cid, &nid, &electionID, &positionID, &member, &c.Symbol, &c.VoteCount, &c.IsWinner, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ID = id.CandidateID(cid)
	c.NominationID = id.NominationID(nid)
	c.ElectionID = id.ElectionID(electionID)
	c.PositionID = id.PositionID(positionID)
	c.MemberID = id.MemberID(member)
	return &c, nil
}

func (s *PostgresStore) GetCandidate(ctx context.Context, candidateID id.CandidateID) (*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE id = $1`
	c, err := scanCandidate(s.db.QueryRowContext(ctx, query, uuid.UUID(candidateID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates
		WHERE election_id = $1 AND position_id = $2 ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(electionID), uuid.UUID(positionID))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}
