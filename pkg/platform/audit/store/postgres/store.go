// Package postgres stores audit events in the audit_events table created by
// the election schema.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	id "quorum/pkg/domain"
	audit "quorum/pkg/platform/audit"
	txcontext "quorum/pkg/platform/tx"
)

const eventColumns = `category, timestamp, election_id, subject, action, reason, decision, request_id, actor_id, severity`

// Store implements audit.Store. Appends join the transaction carried on the
// context, so a compliance event commits or rolls back with the election
// change it describes. Reads always go to the pool.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts one event. Category is derived from the action, never taken
// from the caller.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	var election any
	if !event.ElectionID.IsNil() {
		election = uuid.UUID(event.ElectionID)
	}
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx,
		`INSERT INTO audit_events (id, `+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New(),
		string(audit.AuditEvent(event.Action).Category()),
		event.Timestamp,
		election,
		event.Subject,
		event.Action,
		event.Reason,
		event.Decision,
		event.RequestID,
		event.ActorID,
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("insert audit event %s: %w", event.Action, err)
	}
	return nil
}

// ListByElection returns one election's trail in emission order.
func (s *Store) ListByElection(ctx context.Context, electionID id.ElectionID) ([]audit.Event, error) {
	return s.list(ctx, `WHERE election_id = $1 ORDER BY seq`, uuid.UUID(electionID))
}

// ListRecent returns the newest events across all elections.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	return s.list(ctx, `ORDER BY seq DESC LIMIT $1`, limit)
}

func (s *Store) list(ctx context.Context, tail string, args ...any) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			ev                 audit.Event
			category, severity string
			election           uuid.NullUUID
		)
		if err := rows.Scan(&category, &ev.Timestamp, &election, &ev.Subject, &ev.Action,
			&ev.Reason, &ev.Decision, &ev.RequestID, &ev.ActorID, &severity); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Category = audit.EventCategory(category)
		ev.Severity = audit.Severity(severity)
		if election.Valid {
			ev.ElectionID = id.ElectionID(election.UUID)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
