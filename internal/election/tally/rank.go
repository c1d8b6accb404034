package tally

import (
	"math"
	"sort"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
)

// rank turns per-candidate counts into ordered report rows.
//
// Rows cover every approved candidate plus any candidate a vote references.
// Ties share a competition rank ("1, 1, 3"). A tie at the top leaves the
// position without a winner; no tie-break rule is applied.
func rank(counts map[id.CandidateID]int, approved []id.CandidateID, total int) ([]models.ReportRow, models.TallyStatus) {
	seen := make(map[id.CandidateID]bool, len(approved)+len(counts))
	rows := make([]models.ReportRow, 0, len(approved)+len(counts))
	add := func(c id.CandidateID) {
		if seen[c] {
			return
		}
		seen[c] = true
		rows = append(rows, models.ReportRow{CandidateID: c, Votes: counts[c]})
	}
	for _, c := range approved {
		add(c)
	}
	for c := range counts {
		add(c)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Votes != rows[j].Votes {
			return rows[i].Votes > rows[j].Votes
		}
		return rows[i].CandidateID.String() < rows[j].CandidateID.String()
	})

	for i := range rows {
		rows[i].Percentage = percentage(rows[i].Votes, total)
		switch {
		case i == 0:
			rows[i].Rank = 1
		case rows[i].Votes == rows[i-1].Votes:
			rows[i].Rank = rows[i-1].Rank
		default:
			rows[i].Rank = i + 1
		}
		if i > 0 {
			rows[i].Margin = rows[i-1].Votes - rows[i].Votes
		}
	}
	if len(rows) == 0 {
		return rows, models.TallyNoVotes
	}
	if len(rows) == 1 {
		rows[0].Margin = rows[0].Votes
	} else {
		rows[0].Margin = rows[0].Votes - rows[1].Votes
	}

	switch {
	case total == 0:
		return rows, models.TallyNoVotes
	case len(rows) > 1 && rows[0].Votes == rows[1].Votes:
		return rows, models.TallyTieUnresolved
	default:
		rows[0].IsWinner = true
		return rows, models.TallyDecided
	}
}

// percentage is votes/total as a percent rounded to two decimals.
func percentage(votes, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(votes)*10000/float64(total)) / 100
}
