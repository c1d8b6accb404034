package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
	txcontext "quorum/pkg/platform/tx"
)

// Schema creates every table the PostgreSQL store and the audit store use.
//
//go:embed schema.sql
var Schema string

const defaultTxTimeout = 5 * time.Second

// PostgresStore persists elections in PostgreSQL. It is pure I/O: rule
// checks live in models and the services, and each multi-row write is one
// transaction.
type PostgresStore struct {
	db        *sql.DB
	txTimeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed election store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, txTimeout: defaultTxTimeout}
}

// runInTx runs fn in a transaction carried on ctx, so collaborating stores
// (the audit store) can join it through txcontext.
func (s *PostgresStore) runInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation recognizes SQLSTATE 23505 from either supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullUUID[T ~[16]byte](v *T) any {
	if v == nil {
		return nil
	}
	return uuid.UUID(*v)
}

func fromNullUUID[T ~[16]byte](v *uuid.UUID) *T {
	if v == nil {
		return nil
	}
	out := T(*v)
	return &out
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Elections
// -----------------------------------------------------------------------------

const electionColumns = `
	id, title, unit_id, kind, start_at, end_at, voting_start_at, voting_end_at,
	secret, proxy_allowed, max_proxies_per_member, allow_self_nomination, require_seconding,
	created_by, phase, phase_changed_at, cancel_reason, created_at, updated_at`

func scanElection(row rowScanner) (*models.Election, error) {
	var (
		e                     models.Election
		electionID, createdBy uuid.UUID
		unitID                *uuid.UUID
		kind                  string
		phase                 string
	)
	err := row.Scan(
		&electionID, &e.Title, &unitID, &kind, &e.StartAt, &e.EndAt, &e.VotingStartAt, &e.VotingEndAt,
		&e.Secret, &e.Proxy.Allowed, &e.Proxy.MaxPerMember, &e.AllowSelfNomination, &e.RequireSeconding,
		&createdBy, &phase, &e.PhaseChangedAt, &e.CancelReason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ID = id.ElectionID(electionID)
	e.UnitID = fromNullUUID[id.UnitID](unitID)
	e.Kind = models.Kind(kind)
	e.CreatedBy = id.MemberID(createdBy)
	e.Phase, err = models.ParsePhase(phase)
	if err != nil {
		return nil, fmt.Errorf("stored phase: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) CreateElection(ctx context.Context, e *models.Election) error {
	query := `INSERT INTO elections (` + electionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(e.ID), e.Title, nullUUID(e.UnitID), string(e.Kind), e.StartAt, e.EndAt, e.VotingStartAt, e.VotingEndAt,
		e.Secret, e.Proxy.Allowed, e.Proxy.MaxPerMember, e.AllowSelfNomination, e.RequireSeconding,
		uuid.UUID(e.CreatedBy), string(e.Phase), e.PhaseChangedAt, e.CancelReason, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("election %s: %w", e.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert election: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetElection(ctx context.Context, electionID id.ElectionID) (*models.Election, error) {
	query := `SELECT ` + electionColumns + ` FROM elections WHERE id = $1`
	e, err := scanElection(s.db.QueryRowContext(ctx, query, uuid.UUID(electionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get election: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListElectionsByPhase(ctx context.Context, phases ...models.Phase) ([]*models.Election, error) {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	query := `SELECT ` + electionColumns + ` FROM elections WHERE phase = ANY($1) ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list elections: %w", err)
	}
	defer rows.Close()

	var out []*models.Election
	for rows.Next() {
		e, err := scanElection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan election: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate elections: %w", err)
	}
	return out, nil
}

// UpdatePhase is a compare-and-swap on the stored phase.
func (s *PostgresStore) UpdatePhase(ctx context.Context, e *models.Election, from models.Phase) error {
	query := `
		UPDATE elections
		SET phase = $2, phase_changed_at = $3, updated_at = $4, cancel_reason = $5
		WHERE id = $1 AND phase = $6
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(e.ID), string(e.Phase), e.PhaseChangedAt, e.UpdatedAt, e.CancelReason, string(from))
	if err != nil {
		return fmt.Errorf("update election phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update election phase: %w", err)
	}
	if n == 0 {
		if _, err := s.GetElection(ctx, e.ID); err != nil {
			return err
		}
		return fmt.Errorf("election phase moved from %s: %w", from, sentinel.ErrInvalidState)
	}
	return nil
}

// DeleteElection relies on ON DELETE CASCADE for every descendant table.
func (s *PostgresStore) DeleteElection(ctx context.Context, electionID id.ElectionID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM elections WHERE id = $1`, uuid.UUID(electionID))
	if err != nil {
		return fmt.Errorf("delete election: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete election: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Positions
// -----------------------------------------------------------------------------

func (s *PostgresStore) CreatePosition(ctx context.Context, p *models.Position) error {
	query := `
		INSERT INTO positions (id, name, max_candidates, min_candidates, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, uuid.UUID(p.ID), p.Name, p.MaxCandidates, p.MinCandidates, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", p.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, positionID id.PositionID) (*models.Position, error) {
	query := `SELECT id, name, max_candidates, min_candidates, created_at FROM positions WHERE id = $1`
	var (
		p   models.Position
		pid uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, query, uuid.UUID(positionID)).
		Scan(&pid, &p.Name, &p.MaxCandidates, &p.MinCandidates, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	p.ID = id.PositionID(pid)
	return &p, nil
}

func (s *PostgresStore) AttachPosition(ctx context.Context, ep *models.ElectionPosition) error {
	query := `
		INSERT INTO election_positions (election_id, position_id, ballot_status, status_reason, attached_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(ep.ElectionID), uuid.UUID(ep.PositionID), string(ep.BallotStatus), ep.StatusReason, ep.AttachedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("position already attached: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("attach position: %w", err)
	}
	return nil
}

const electionPositionColumns = `election_id, position_id, ballot_status, status_reason, attached_at`

func scanElectionPosition(row rowScanner) (*models.ElectionPosition, error) {
	var (
		ep                     models.ElectionPosition
		electionID, positionID uuid.UUID
		status                 string
	)
	if err := row.Scan(&electionID, &positionID, &status, &ep.StatusReason, &ep.AttachedAt); err != nil {
		return nil, err
	}
	ep.ElectionID = id.ElectionID(electionID)
	ep.PositionID = id.PositionID(positionID)
	ep.BallotStatus = models.BallotStatus(status)
	return &ep, nil
}

func (s *PostgresStore) ListElectionPositions(ctx context.Context, electionID id.ElectionID) ([]*models.ElectionPosition, error) {
	query := `SELECT ` + electionPositionColumns + ` FROM election_positions WHERE election_id = $1 ORDER BY attached_at, position_id`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(electionID))
	if err != nil {
		return nil, fmt.Errorf("list election positions: %w", err)
	}
	defer rows.Close()

	var out []*models.ElectionPosition
	for rows.Next() {
		ep, err := scanElectionPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan election position: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate election positions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetElectionPosition(ctx context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.ElectionPosition, error) {
	query := `SELECT ` + electionPositionColumns + ` FROM election_positions WHERE election_id = $1 AND position_id = $2`
	ep, err := scanElectionPosition(s.db.QueryRowContext(ctx, query, uuid.UUID(electionID), uuid.UUID(positionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get election position: %w", err)
	}
	return ep, nil
}

func (s *PostgresStore) UpdateBallotStatus(ctx context.Context, ep *models.ElectionPosition) error {
	query := `
		UPDATE election_positions SET ballot_status = $3, status_reason = $4
		WHERE election_id = $1 AND position_id = $2
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.UUID(ep.ElectionID), uuid.UUID(ep.PositionID), string(ep.BallotStatus), ep.StatusReason)
	if err != nil {
		return fmt.Errorf("update ballot status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
