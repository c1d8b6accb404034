package audit

import (
	"context"
	"time"

	id "quorum/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events that form the official record of an
	// election: phase changes, candidacy decisions, registrations, certifications.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to integrity monitoring.
	// Examples: proof mismatches, spoiled ballots, token conflicts.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
//
// Events that mention a ballot (vote_cast, ballot_spoiled, proof_mismatch)
// must never carry the member who cast it: ActorID stays empty and Subject
// names the vote or position.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	ElectionID id.ElectionID
	Subject    string
	Action     string
	Reason     string
	Decision   string
	RequestID  string
	// ActorID is the member who performed an administrative action.
	ActorID  string
	Severity Severity
}

type AuditEvent string

const (
	// Compliance events
	EventElectionCreated    AuditEvent = "election_created"
	EventElectionDeleted    AuditEvent = "election_deleted"
	EventPhaseChanged       AuditEvent = "phase_changed"
	EventNominationApproved AuditEvent = "nomination_approved"
	EventNominationRejected AuditEvent = "nomination_rejected"
	EventVoterRegistered    AuditEvent = "voter_registered"
	EventProxyAssigned      AuditEvent = "proxy_assigned"
	EventProxyRevoked       AuditEvent = "proxy_revoked"
	EventResultsCertified   AuditEvent = "results_certified"
	EventResultsRecertified AuditEvent = "results_recertified"

	// Security events
	EventProofMismatch     AuditEvent = "proof_mismatch"
	EventBallotSpoiled     AuditEvent = "ballot_spoiled"
	EventVoteTokenConflict AuditEvent = "vote_token_conflict"

	// Operations events
	EventVoteCast      AuditEvent = "vote_cast"
	EventTallyComputed AuditEvent = "tally_computed"
	EventVoteVerified  AuditEvent = "vote_verified"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventElectionCreated:    CategoryCompliance,
	EventElectionDeleted:    CategoryCompliance,
	EventPhaseChanged:       CategoryCompliance,
	EventNominationApproved: CategoryCompliance,
	EventNominationRejected: CategoryCompliance,
	EventVoterRegistered:    CategoryCompliance,
	EventProxyAssigned:      CategoryCompliance,
	EventProxyRevoked:       CategoryCompliance,
	EventResultsCertified:   CategoryCompliance,
	EventResultsRecertified: CategoryCompliance,

	EventProofMismatch:     CategorySecurity,
	EventBallotSpoiled:     CategorySecurity,
	EventVoteTokenConflict: CategorySecurity,

	EventVoteCast:      CategoryOperations,
	EventTallyComputed: CategoryOperations,
	EventVoteVerified:  CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByElection(ctx context.Context, electionID id.ElectionID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
