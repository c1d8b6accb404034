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

const voteColumns = `
	v.id, v.election_id, v.position_id, v.voter_registry_entry_id, v.candidate_id, v.vote_token, v.vote_hash,
	v.cast_at, v.method, v.origin_ip, v.origin_device, v.origin_user_agent, v.is_valid, v.invalid_reason`

const proofColumns = `p.id, p.vote_id, p.proof_kind, p.proof_value, p.nonce, p.verified, p.verified_at, p.created_at`

func scanVote(row rowScanner, withProof bool) (*models.Vote, *models.VoteProof, error) {
	var (
		v                                      models.Vote
		vid, electionID, positionID, entry, cd uuid.UUID
		method, reason                         string
		pid, pvote                             *uuid.UUID
		kind, value, nonce                     sql.NullString
		verified                               sql.NullBool
		verifiedAt, createdAt                  sql.NullTime
	)
	dest := []any{&vid, &electionID, &positionID, &entry, &cd, &v.Token, &v.VoteHash,
		&v.CastAt, &method, &v.Origin.IP, &v.Origin.Device, &v.Origin.UserAgent, &v.IsValid, &reason}
	if withProof {
		dest = append(dest, &pid, &pvote, &kind, &value, &nonce, &verified, &verifiedAt, &createdAt)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}
	v.ID = id.VoteID(vid)
	v.ElectionID = id.ElectionID(electionID)
	v.PositionID = id.PositionID(positionID)
	v.RegistryEntryID = id.RegistryEntryID(entry)
	v.CandidateID = id.CandidateID(cd)
	v.Method = models.Method(method)
	v.InvalidReason = models.InvalidReason(reason)

	if pid == nil {
		return &v, nil, nil
	}
	proof := &models.VoteProof{
		ID:         id.ProofID(*pid),
		VoteID:     v.ID,
		Kind:       models.ProofKind(kind.String),
		Value:      value.String,
		Nonce:      nonce.String,
		Verified:   verified.Bool,
		VerifiedAt: fromNullTime(verifiedAt),
		CreatedAt:  createdAt.Time,
	}
	return &v, proof, nil
}

// SaveVote inserts the vote and its proof in one transaction. A reused
// token fails with ErrAlreadyUsed; a second valid vote for the same ballot
// fails with ErrConflict.
func (s *PostgresStore) SaveVote(ctx context.Context, v *models.Vote, proof *models.VoteProof) error {
	return s.runInTx(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO votes (id, election_id, position_id, voter_registry_entry_id, candidate_id, vote_token, vote_hash,
				cast_at, method, origin_ip, origin_device, origin_user_agent, is_valid, invalid_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (vote_token) DO NOTHING
		`, uuid.UUID(v.ID), uuid.UUID(v.ElectionID), uuid.UUID(v.PositionID), uuid.UUID(v.RegistryEntryID),
			uuid.UUID(v.CandidateID), v.Token, v.VoteHash, v.CastAt, string(v.Method),
			v.Origin.IP, v.Origin.Device, v.Origin.UserAgent, v.IsValid, string(v.InvalidReason))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("valid vote exists for entry: %w", sentinel.ErrConflict)
			}
			return fmt.Errorf("insert vote: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert vote: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("vote token: %w", sentinel.ErrAlreadyUsed)
		}

		if proof == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vote_proofs (id, vote_id, proof_kind, proof_value, nonce, verified, verified_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.UUID(proof.ID), uuid.UUID(v.ID), string(proof.Kind), proof.Value, proof.Nonce,
			proof.Verified, nullTime(proof.VerifiedAt), proof.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert vote proof: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetVote(ctx context.Context, voteID id.VoteID) (*models.Vote, *models.VoteProof, error) {
	query := `SELECT ` + voteColumns + `, ` + proofColumns + `
		FROM votes v LEFT JOIN vote_proofs p ON p.vote_id = v.id WHERE v.id = $1`
	v, p, err := scanVote(s.db.QueryRowContext(ctx, query, uuid.UUID(voteID)), true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, sentinel.ErrNotFound
		}
		return nil, nil, fmt.Errorf("get vote: %w", err)
	}
	return v, p, nil
}

func (s *PostgresStore) FindVoteByToken(ctx context.Context, token string) (*models.Vote, *models.VoteProof, error) {
	query := `SELECT ` + voteColumns + `, ` + proofColumns + `
		FROM votes v LEFT JOIN vote_proofs p ON p.vote_id = v.id WHERE v.vote_token = $1`
	v, p, err := scanVote(s.db.QueryRowContext(ctx, query, token), true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, sentinel.ErrNotFound
		}
		return nil, nil, fmt.Errorf("find vote by token: %w", err)
	}
	return v, p, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Vote, error) {
	query := `SELECT ` + voteColumns + ` FROM votes v WHERE v.election_id = $1 AND v.position_id = $2 ORDER BY v.cast_at`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(electionID), uuid.UUID(positionID))
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []*models.Vote
	for rows.Next() {
		v, _, err := scanVote(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkProofVerified(ctx context.Context, voteID id.VoteID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vote_proofs SET verified = TRUE, verified_at = $2 WHERE vote_id = $1`, uuid.UUID(voteID), at)
	if err != nil {
		return fmt.Errorf("mark proof verified: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// TallySnapshot reads per-candidate counts and the total from the same
// REPEATABLE READ snapshot, so the rows always add up to the total.
func (s *PostgresStore) TallySnapshot(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (map[id.CandidateID]int, int, error) {
	counts := make(map[id.CandidateID]int)
	total := 0
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err := s.runInTx(ctx, opts, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT candidate_id, COUNT(*) FROM votes
			WHERE election_id = $1 AND position_id = $2 AND is_valid
			GROUP BY candidate_id
		`, uuid.UUID(electionID), uuid.UUID(positionID))
		if err != nil {
			return fmt.Errorf("count votes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cid uuid.UUID
				n   int
			)
			if err := rows.Scan(&cid, &n); err != nil {
				return fmt.Errorf("scan vote count: %w", err)
			}
			counts[id.CandidateID(cid)] = n
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate vote counts: %w", err)
		}

		return tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM votes WHERE election_id = $1 AND position_id = $2 AND is_valid
		`, uuid.UUID(electionID), uuid.UUID(positionID)).Scan(&total)
	})
	if err != nil {
		return nil, 0, err
	}
	return counts, total, nil
}

// -----------------------------------------------------------------------------
// Certification
// -----------------------------------------------------------------------------

// SaveCertification replaces a position's results under a transaction-scoped
// advisory lock keyed by election and position. cert.Revision must be one
// more than the stored revision, otherwise ErrAlreadyUsed.
func (s *PostgresStore) SaveCertification(ctx context.Context, cert *models.Certification, results []*models.ElectionResult) error {
	return s.runInTx(ctx, nil, func(ctx context.Context, tx *sql.Tx) error {
		lockKey := cert.ElectionID.String() + "/" + cert.PositionID.String()
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("acquire certification lock: %w", err)
		}

		current := 0
		err := tx.QueryRowContext(ctx, `
			SELECT revision FROM certifications WHERE election_id = $1 AND position_id = $2
		`, uuid.UUID(cert.ElectionID), uuid.UUID(cert.PositionID)).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read certification: %w", err)
		}
		if cert.Revision != current+1 {
			return fmt.Errorf("certification revision %d, stored %d: %w", cert.Revision, current, sentinel.ErrAlreadyUsed)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO certifications (election_id, position_id, revision, certified_at, certified_by, reason, resolved_winner)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (election_id, position_id) DO UPDATE SET
				revision = EXCLUDED.revision,
				certified_at = EXCLUDED.certified_at,
				certified_by = EXCLUDED.certified_by,
				reason = EXCLUDED.reason,
				resolved_winner = EXCLUDED.resolved_winner
		`, uuid.UUID(cert.ElectionID), uuid.UUID(cert.PositionID), cert.Revision, cert.CertifiedAt,
			uuid.UUID(cert.CertifiedBy), cert.Reason, nullUUID(cert.ResolvedWinner))
		if err != nil {
			return fmt.Errorf("upsert certification: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM election_results WHERE election_id = $1 AND position_id = $2`,
			uuid.UUID(cert.ElectionID), uuid.UUID(cert.PositionID)); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE candidates SET vote_count = 0, is_winner = FALSE WHERE election_id = $1 AND position_id = $2
		`, uuid.UUID(cert.ElectionID), uuid.UUID(cert.PositionID)); err != nil {
			return fmt.Errorf("reset candidate counts: %w", err)
		}

		for _, r := range results {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO election_results (id, election_id, position_id, candidate_id, total_votes, percentage,
					rank, is_winner, margin_of_votes, certified_at, certified_by)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, uuid.UUID(r.ID), uuid.UUID(r.ElectionID), uuid.UUID(r.PositionID), uuid.UUID(r.CandidateID),
				r.TotalVotes, r.Percentage, r.Rank, r.IsWinner, r.MarginOfVotes, r.CertifiedAt, uuid.UUID(r.CertifiedBy))
			if err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE candidates SET vote_count = $2, is_winner = $3 WHERE id = $1`,
				uuid.UUID(r.CandidateID), r.TotalVotes, r.IsWinner); err != nil {
				return fmt.Errorf("update candidate counts: %w", err)
			}
		}
		return nil
	})
}

const certificationColumns = `election_id, position_id, revision, certified_at, certified_by, reason, resolved_winner`

func scanCertification(row rowScanner) (*models.Certification, error) {
	var (
		c                          models.Certification
		electionID, positionID, by uuid.UUID
		winner                     *uuid.UUID
	)
	if err := row.Scan(&electionID, &positionID, &c.Revision, &c.CertifiedAt, &by, &c.Reason, &winner); err != nil {
		return nil, err
	}
	c.ElectionID = id.ElectionID(electionID)
	c.PositionID = id.PositionID(positionID)
	c.CertifiedBy = id.MemberID(by)
	c.ResolvedWinner = fromNullUUID[id.CandidateID](winner)
	return &c, nil
}

func (s *PostgresStore) GetCertification(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Certification, error) {
	query := `SELECT ` + certificationColumns + ` FROM certifications WHERE election_id = $1 AND position_id = $2`
	c, err := scanCertification(s.db.QueryRowContext(ctx, query, uuid.UUID(electionID), uuid.UUID(positionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get certification: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCertifications(ctx context.Context, electionID id.ElectionID) ([]*models.Certification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+certificationColumns+` FROM certifications WHERE election_id = $1`,
		uuid.UUID(electionID))
	if err != nil {
		return nil, fmt.Errorf("list certifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Certification
	for rows.Next() {
		c, err := scanCertification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certification: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.ElectionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, election_id, position_id, candidate_id, total_votes, percentage, rank, is_winner,
			margin_of_votes, certified_at, certified_by
		FROM election_results
		WHERE election_id = $1 AND position_id = $2
		ORDER BY rank, candidate_id
	`, uuid.UUID(electionID), uuid.UUID(positionID))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*models.ElectionResult
	for rows.Next() {
		var (
			r                               models.ElectionResult
			rid, eid, pid, cid, certifiedBy uuid.UUID
		)
		err := rows.Scan(&rid, &eid, &pid, &cid, &r.TotalVotes, &r.Percentage, &r.Rank, &r.IsWinner,
			&r.MarginOfVotes, &r.CertifiedAt, &certifiedBy)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.ID = id.ResultID(rid)
		r.ElectionID = id.ElectionID(eid)
		r.PositionID = id.PositionID(pid)
		r.CandidateID = id.CandidateID(cid)
		r.CertifiedBy = id.MemberID(certifiedBy)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}
