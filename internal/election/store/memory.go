package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	"quorum/pkg/platform/sentinel"
)

type positionKey struct {
	election id.ElectionID
	position id.PositionID
}

type claimKey struct {
	entry    id.RegistryEntryID
	position id.PositionID
}

// InMemory is an arena store: one lock guards every table so that each
// method is a single atomic step, matching the transactions of the
// PostgreSQL store. Values are copied on the way in and out.
type InMemory struct {
	mu sync.RWMutex

	elections         map[id.ElectionID]*models.Election
	nextVoterNumber   map[id.ElectionID]int64
	positions         map[id.PositionID]*models.Position
	electionPositions map[id.ElectionID][]*models.ElectionPosition
	nominations       map[id.NominationID]*models.Nomination
	candidates        map[id.CandidateID]*models.Candidate
	entries           map[id.RegistryEntryID]*models.RegistryEntry
	claims            map[claimKey]time.Time
	votes             map[id.VoteID]*models.Vote
	votesByToken      map[string]id.VoteID
	proofs            map[id.VoteID]*models.VoteProof
	certifications    map[positionKey]*models.Certification
	results           map[positionKey][]*models.ElectionResult
}

func NewInMemory() *InMemory {
	return &InMemory{
		elections:         make(map[id.ElectionID]*models.Election),
		nextVoterNumber:   make(map[id.ElectionID]int64),
		positions:         make(map[id.PositionID]*models.Position),
		electionPositions: make(map[id.ElectionID][]*models.ElectionPosition),
		nominations:       make(map[id.NominationID]*models.Nomination),
		candidates:        make(map[id.CandidateID]*models.Candidate),
		entries:           make(map[id.RegistryEntryID]*models.RegistryEntry),
		claims:            make(map[claimKey]time.Time),
		votes:             make(map[id.VoteID]*models.Vote),
		votesByToken:      make(map[string]id.VoteID),
		proofs:            make(map[id.VoteID]*models.VoteProof),
		certifications:    make(map[positionKey]*models.Certification),
		results:           make(map[positionKey][]*models.ElectionResult),
	}
}

// -----------------------------------------------------------------------------
// Elections
// -----------------------------------------------------------------------------

func (s *InMemory) CreateElection(_ context.Context, e *models.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[e.ID]; ok {
		return fmt.Errorf("election %s: %w", e.ID, sentinel.ErrConflict)
	}
	c := *e
	s.elections[e.ID] = &c
	return nil
}

func (s *InMemory) GetElection(_ context.Context, electionID id.ElectionID) (*models.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elections[electionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *InMemory) ListElectionsByPhase(_ context.Context, phases ...models.Phase) ([]*models.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Election
	for _, e := range s.elections {
		if slices.Contains(phases, e.Phase) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdatePhase stores the new phase only if the stored phase is still from.
func (s *InMemory) UpdatePhase(_ context.Context, e *models.Election, from models.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.elections[e.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Phase != from {
		return fmt.Errorf("election is %s, expected %s: %w", stored.Phase, from, sentinel.ErrInvalidState)
	}
	stored.Phase = e.Phase
	stored.PhaseChangedAt = e.PhaseChangedAt
	stored.UpdatedAt = e.UpdatedAt
	stored.CancelReason = e.CancelReason
	return nil
}

// DeleteElection removes the election and everything it owns.
func (s *InMemory) DeleteElection(_ context.Context, electionID id.ElectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[electionID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.elections, electionID)
	delete(s.nextVoterNumber, electionID)
	delete(s.electionPositions, electionID)
	for k, n := range s.nominations {
		if n.ElectionID == electionID {
			delete(s.nominations, k)
		}
	}
	for k, c := range s.candidates {
		if c.ElectionID == electionID {
			delete(s.candidates, k)
		}
	}
	for k, e := range s.entries {
		if e.ElectionID == electionID {
			delete(s.entries, k)
			for ck := range s.claims {
				if ck.entry == k {
					delete(s.claims, ck)
				}
			}
		}
	}
	for k, v := range s.votes {
		if v.ElectionID == electionID {
			delete(s.votes, k)
			delete(s.votesByToken, v.Token)
			delete(s.proofs, k)
		}
	}
	for k := range s.certifications {
		if k.election == electionID {
			delete(s.certifications, k)
		}
	}
	for k := range s.results {
		if k.election == electionID {
			delete(s.results, k)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Positions
// -----------------------------------------------------------------------------

func (s *InMemory) CreatePosition(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, sentinel.ErrConflict)
	}
	c := *p
	s.positions[p.ID] = &c
	return nil
}

func (s *InMemory) GetPosition(_ context.Context, positionID id.PositionID) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *InMemory) AttachPosition(_ context.Context, ep *models.ElectionPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[ep.ElectionID]; !ok {
		return sentinel.ErrNotFound
	}
	if _, ok := s.positions[ep.PositionID]; !ok {
		return sentinel.ErrNotFound
	}
	for _, existing := range s.electionPositions[ep.ElectionID] {
		if existing.PositionID == ep.PositionID {
			return fmt.Errorf("position already attached: %w", sentinel.ErrConflict)
		}
	}
	c := *ep
	s.electionPositions[ep.ElectionID] = append(s.electionPositions[ep.ElectionID], &c)
	return nil
}

func (s *InMemory) ListElectionPositions(_ context.Context, electionID id.ElectionID) ([]*models.ElectionPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ElectionPosition, 0, len(s.electionPositions[electionID]))
	for _, ep := range s.electionPositions[electionID] {
		c := *ep
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemory) GetElectionPosition(_ context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.ElectionPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ep := range s.electionPositions[electionID] {
		if ep.PositionID == positionID {
			c := *ep
			return &c, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) UpdateBallotStatus(_ context.Context, ep *models.ElectionPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range s.electionPositions[ep.ElectionID] {
		if stored.PositionID == ep.PositionID {
			stored.BallotStatus = ep.BallotStatus
			stored.StatusReason = ep.StatusReason
			return nil
		}
	}
	return sentinel.ErrNotFound
}

// -----------------------------------------------------------------------------
// Nominations and candidates
// -----------------------------------------------------------------------------

// CreateNomination fails with ErrConflict when the candidate already holds an
// active nomination for the same position.
func (s *InMemory) CreateNomination(_ context.Context, n *models.Nomination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.nominations {
		if existing.ElectionID == n.ElectionID && existing.PositionID == n.PositionID &&
			existing.CandidateMemberID == n.CandidateMemberID && existing.IsActive() {
			return fmt.Errorf("active nomination exists: %w", sentinel.ErrConflict)
		}
	}
	c := *n
	s.nominations[n.ID] = &c
	return nil
}

func (s *InMemory) GetNomination(_ context.Context, nominationID id.NominationID) (*models.Nomination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nominations[nominationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *n
	return &c, nil
}

func (s *InMemory) ListNominations(_ context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Nomination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Nomination
	for _, n := range s.nominations {
		if n.ElectionID == electionID && n.PositionID == positionID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return out[i].ProposedAt.Before(out[j].ProposedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// UpdateNomination writes n if the stored status is still from.
func (s *InMemory) UpdateNomination(_ context.Context, n *models.Nomination, from models.NominationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casNominationLocked(n, from)
}

// ApproveNomination moves n to approved and inserts its candidate, provided
// the position still has room for another candidate.
func (s *InMemory) ApproveNomination(_ context.Context, n *models.Nomination, from models.NominationStatus,
	candidate *models.Candidate, maxCandidates int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.nominations[n.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("nomination is %s: %w", stored.Status, sentinel.ErrInvalidState)
	}
	count := 0
	for _, c := range s.candidates {
		if c.ElectionID == candidate.ElectionID && c.PositionID == candidate.PositionID {
			count++
		}
	}
	if count >= maxCandidates {
		return fmt.Errorf("position has %d of %d candidates: %w", count, maxCandidates, sentinel.ErrConflict)
	}
	if err := s.casNominationLocked(n, from); err != nil {
		return err
	}
	c := *candidate
	s.candidates[candidate.ID] = &c
	return nil
}

// RejectNomination moves n to rejected and removes any candidate created from it.
func (s *InMemory) RejectNomination(_ context.Context, n *models.Nomination, from models.NominationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.casNominationLocked(n, from); err != nil {
		return err
	}
	for k, c := range s.candidates {
		if c.NominationID == n.ID {
			delete(s.candidates, k)
		}
	}
	return nil
}

func (s *InMemory) casNominationLocked(n *models.Nomination, from models.NominationStatus) error {
	stored, ok := s.nominations[n.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("nomination is %s: %w", stored.Status, sentinel.ErrInvalidState)
	}
	c := *n
	s.nominations[n.ID] = &c
	return nil
}

func (s *InMemory) GetCandidate(_ context.Context, candidateID id.CandidateID) (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[candidateID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemory) ListCandidates(_ context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Candidate
	for _, c := range s.candidates {
		if c.ElectionID == electionID && c.PositionID == positionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// Voter registry
// -----------------------------------------------------------------------------

// MutateRegistry runs fn against the election's full registry under the store
// lock and applies the change it returns. Inserted entries receive the next
// voter numbers. The applied change is returned with numbers filled in.
func (s *InMemory) MutateRegistry(_ context.Context, electionID id.ElectionID,
	fn func(entries []*models.RegistryEntry) (*models.RegistryChange, error)) (*models.RegistryChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[electionID]; !ok {
		return nil, sentinel.ErrNotFound
	}

	change, err := fn(s.entriesLocked(electionID))
	if err != nil {
		return nil, err
	}
	if change == nil {
		return &models.RegistryChange{}, nil
	}
	for _, u := range change.Update {
		if _, ok := s.entries[u.ID]; !ok || u.ElectionID != electionID {
			return nil, fmt.Errorf("registry entry %s: %w", u.ID, sentinel.ErrNotFound)
		}
	}

	applied := &models.RegistryChange{}
	for _, ins := range change.Insert {
		s.nextVoterNumber[electionID]++
		c := *ins
		c.ElectionID = electionID
		c.VoterNumber = s.nextVoterNumber[electionID]
		s.entries[c.ID] = &c
		out := c
		applied.Insert = append(applied.Insert, &out)
	}
	for _, u := range change.Update {
		c := *u
		s.entries[c.ID] = &c
		out := c
		applied.Update = append(applied.Update, &out)
	}
	return applied, nil
}

func (s *InMemory) entriesLocked(electionID id.ElectionID) []*models.RegistryEntry {
	var out []*models.RegistryEntry
	for _, e := range s.entries {
		if e.ElectionID == electionID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterNumber < out[j].VoterNumber })
	return out
}

func (s *InMemory) GetEntry(_ context.Context, entryID id.RegistryEntryID) (*models.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *InMemory) ListEntries(_ context.Context, electionID id.ElectionID) ([]*models.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesLocked(electionID), nil
}

// ClaimBallot consumes the entry's ballot for one position. It fails with
// ErrInvalidState when the entry is delegated away or a revoked proxy, and
// with ErrAlreadyUsed when the ballot was already claimed.
func (s *InMemory) ClaimBallot(_ context.Context, entryID id.RegistryEntryID, positionID id.PositionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if e.DelegatedTo != nil || e.Revoked {
		return fmt.Errorf("entry cannot cast: %w", sentinel.ErrInvalidState)
	}
	key := claimKey{entry: entryID, position: positionID}
	if _, claimed := s.claims[key]; claimed {
		return fmt.Errorf("ballot already claimed: %w", sentinel.ErrAlreadyUsed)
	}
	s.claims[key] = at
	e.HasVoted = true
	if e.VotedAt == nil {
		t := at
		e.VotedAt = &t
	}
	return nil
}

// HasClaimed reports whether the entry's ballot for a position is consumed.
func (s *InMemory) HasClaimed(_ context.Context, entryID id.RegistryEntryID, positionID id.PositionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.claims[claimKey{entry: entryID, position: positionID}]
	return ok, nil
}

// -----------------------------------------------------------------------------
// Votes and proofs
// -----------------------------------------------------------------------------

// SaveVote stores a vote and its proof together. A reused token fails with
// ErrAlreadyUsed and nothing is written. proof is nil for spoiled ballots.
func (s *InMemory) SaveVote(_ context.Context, v *models.Vote, proof *models.VoteProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.votesByToken[v.Token]; ok {
		return fmt.Errorf("vote token: %w", sentinel.ErrAlreadyUsed)
	}
	if v.IsValid {
		for _, existing := range s.votes {
			if existing.IsValid && existing.RegistryEntryID == v.RegistryEntryID && existing.PositionID == v.PositionID {
				return fmt.Errorf("valid vote exists for entry: %w", sentinel.ErrConflict)
			}
		}
	}
	vc := *v
	s.votes[v.ID] = &vc
	s.votesByToken[v.Token] = v.ID
	if proof != nil {
		pc := *proof
		s.proofs[v.ID] = &pc
	}
	return nil
}

func (s *InMemory) GetVote(_ context.Context, voteID id.VoteID) (*models.Vote, *models.VoteProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voteLocked(voteID)
}

func (s *InMemory) FindVoteByToken(_ context.Context, token string) (*models.Vote, *models.VoteProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	voteID, ok := s.votesByToken[token]
	if !ok {
		return nil, nil, sentinel.ErrNotFound
	}
	return s.voteLocked(voteID)
}

func (s *InMemory) voteLocked(voteID id.VoteID) (*models.Vote, *models.VoteProof, error) {
	v, ok := s.votes[voteID]
	if !ok {
		return nil, nil, sentinel.ErrNotFound
	}
	vc := *v
	var proof *models.VoteProof
	if p, ok := s.proofs[voteID]; ok {
		pc := *p
		proof = &pc
	}
	return &vc, proof, nil
}

func (s *InMemory) ListVotes(_ context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Vote
	for _, v := range s.votes {
		if v.ElectionID == electionID && v.PositionID == positionID {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CastAt.Before(out[j].CastAt) })
	return out, nil
}

func (s *InMemory) MarkProofVerified(_ context.Context, voteID id.VoteID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proofs[voteID]
	if !ok {
		return sentinel.ErrNotFound
	}
	p.Verified = true
	t := at
	p.VerifiedAt = &t
	return nil
}

// TallySnapshot counts valid votes per candidate in one consistent read.
func (s *InMemory) TallySnapshot(_ context.Context, electionID id.ElectionID, positionID id.PositionID) (map[id.CandidateID]int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[id.CandidateID]int)
	total := 0
	for _, v := range s.votes {
		if v.ElectionID == electionID && v.PositionID == positionID && v.IsValid {
			counts[v.CandidateID]++
			total++
		}
	}
	return counts, total, nil
}

// -----------------------------------------------------------------------------
// Certification
// -----------------------------------------------------------------------------

// SaveCertification replaces a position's results. cert.Revision must be one
// more than the stored revision (1 for a first certification), otherwise
// ErrAlreadyUsed. Candidate vote counts and winner flags are updated too.
func (s *InMemory) SaveCertification(_ context.Context, cert *models.Certification, results []*models.ElectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{election: cert.ElectionID, position: cert.PositionID}
	current := 0
	if existing, ok := s.certifications[key]; ok {
		current = existing.Revision
	}
	if cert.Revision != current+1 {
		return fmt.Errorf("certification revision %d, stored %d: %w", cert.Revision, current, sentinel.ErrAlreadyUsed)
	}

	stored := make([]*models.ElectionResult, 0, len(results))
	byCandidate := make(map[id.CandidateID]*models.ElectionResult, len(results))
	for _, r := range results {
		c := *r
		stored = append(stored, &c)
		byCandidate[r.CandidateID] = &c
	}
	for _, cand := range s.candidates {
		if cand.ElectionID != cert.ElectionID || cand.PositionID != cert.PositionID {
			continue
		}
		if r, ok := byCandidate[cand.ID]; ok {
			cand.VoteCount = r.TotalVotes
			cand.IsWinner = r.IsWinner
		} else {
			cand.VoteCount = 0
			cand.IsWinner = false
		}
	}
	c := *cert
	s.certifications[key] = &c
	s.results[key] = stored
	return nil
}

func (s *InMemory) GetCertification(_ context.Context, electionID id.ElectionID, positionID id.PositionID) (*models.Certification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certifications[positionKey{election: electionID, position: positionID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *cert
	return &c, nil
}

func (s *InMemory) ListCertifications(_ context.Context, electionID id.ElectionID) ([]*models.Certification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Certification
	for k, cert := range s.certifications {
		if k.election == electionID {
			c := *cert
			out = append(out, &c)
		}
	}
	return out, nil
}

// ListResults returns certified result rows ordered by rank.
func (s *InMemory) ListResults(_ context.Context, electionID id.ElectionID, positionID id.PositionID) ([]*models.ElectionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.results[positionKey{election: electionID, position: positionID}]
	out := make([]*models.ElectionResult, 0, len(rows))
	for _, r := range rows {
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].CandidateID.String() < out[j].CandidateID.String()
	})
	return out, nil
}
