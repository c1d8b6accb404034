package models

import (
	"time"

	id "quorum/pkg/domain"
)

// TallyStatus summarizes the outcome of counting a position.
type TallyStatus string

const (
	TallyDecided       TallyStatus = "decided"
	TallyTieUnresolved TallyStatus = "tie_unresolved"
	TallyNoVotes       TallyStatus = "no_votes"
)

// ElectionResult is one certified row per candidate.
type ElectionResult struct {
	ID            id.ResultID    `json:"id"`
	ElectionID    id.ElectionID  `json:"election_id"`
	PositionID    id.PositionID  `json:"position_id"`
	CandidateID   id.CandidateID `json:"candidate_id"`
	TotalVotes    int            `json:"total_votes"`
	Percentage    float64        `json:"percentage"`
	Rank          int            `json:"rank"`
	IsWinner      bool           `json:"is_winner"`
	MarginOfVotes int            `json:"margin_of_votes"`
	CertifiedAt   time.Time      `json:"certified_at"`
	CertifiedBy   id.MemberID    `json:"certified_by"`
}

// Certification stamps a position's results. Revision starts at 1 and each
// recertification increments it and records a reason.
type Certification struct {
	ElectionID     id.ElectionID   `json:"election_id"`
	PositionID     id.PositionID   `json:"position_id"`
	Revision       int             `json:"revision"`
	CertifiedAt    time.Time       `json:"certified_at"`
	CertifiedBy    id.MemberID     `json:"certified_by"`
	Reason         string          `json:"reason,omitempty"`
	ResolvedWinner *id.CandidateID `json:"resolved_winner,omitempty"`
}

// ReportRow is one candidate line of a tally.
type ReportRow struct {
	CandidateID id.CandidateID `json:"candidate_id"`
	Symbol      string         `json:"symbol,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Votes       int            `json:"votes"`
	Percentage  float64        `json:"percentage"`
	Rank        int            `json:"rank"`
	IsWinner    bool           `json:"is_winner"`
	Margin      int            `json:"margin_of_votes"`
}

// Report is a tally for one position, live or certified.
type Report struct {
	ElectionID    id.ElectionID  `json:"election_id"`
	PositionID    id.PositionID  `json:"position_id"`
	Total         int            `json:"total_votes"`
	Status        TallyStatus    `json:"status"`
	Rows          []ReportRow    `json:"rows"`
	Certified     bool           `json:"certified"`
	Certification *Certification `json:"certification,omitempty"`
}

// Winner returns the winning row, if any.
func (r *Report) Winner() (ReportRow, bool) {
	for _, row := range r.Rows {
		if row.IsWinner {
			return row, true
		}
	}
	return ReportRow{}, false
}

// TiedLeaders returns the candidates sharing rank 1 when the tie is unresolved.
func (r *Report) TiedLeaders() []id.CandidateID {
	if r.Status != TallyTieUnresolved {
		return nil
	}
	var out []id.CandidateID
	for _, row := range r.Rows {
		if row.Rank == 1 {
			out = append(out, row.CandidateID)
		}
	}
	return out
}

// EventType names lifecycle notifications.
type EventType string

const (
	EventNominationOpen   EventType = "nomination_open"
	EventVotingOpen       EventType = "voting_open"
	EventResultsCertified EventType = "results_certified"
)

// LifecycleEvent is published to the notification collaborator.
type LifecycleEvent struct {
	Type       EventType     `json:"type"`
	ElectionID id.ElectionID `json:"election_id"`
	MemberIDs  []id.MemberID `json:"member_ids"`
	OccurredAt time.Time     `json:"occurred_at"`
}
