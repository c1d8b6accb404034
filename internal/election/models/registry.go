package models

import (
	"time"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

// RegistryEntry grants one ballot per position in one election.
//
// An own entry (ProxyFor nil) belongs to the member voting for themself; a
// member has at most one own entry per election. A proxy entry is created by
// a delegation: MemberID is the proxy holder who casts it, ProxyFor is the
// member it votes for and ProxyGranter is the granter's own entry, whose
// DelegatedTo then points back at the proxy entry.
//
// Votes reference entries, never members; this indirection is the anonymity
// boundary.
type RegistryEntry struct {
	ID           id.RegistryEntryID  `json:"id"`
	ElectionID   id.ElectionID       `json:"election_id"`
	MemberID     id.MemberID         `json:"member_id"`
	VoterNumber  int64               `json:"voter_number"`
	HasVoted     bool                `json:"has_voted"`
	VotedAt      *time.Time          `json:"voted_at,omitempty"`
	ProxyFor     *id.MemberID        `json:"proxy_for,omitempty"`
	ProxyGranter *id.RegistryEntryID `json:"proxy_granter,omitempty"`
	DelegatedTo  *id.RegistryEntryID `json:"delegated_to,omitempty"`
	Revoked      bool                `json:"revoked"`
	RevokedAt    *time.Time          `json:"revoked_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// NewRegistryEntry builds an own entry. The store assigns VoterNumber.
func NewRegistryEntry(entryID id.RegistryEntryID, electionID id.ElectionID, memberID id.MemberID, now time.Time) *RegistryEntry {
	return &RegistryEntry{
		ID:         entryID,
		ElectionID: electionID,
		MemberID:   memberID,
		CreatedAt:  now,
	}
}

func (e *RegistryEntry) IsProxy() bool {
	return e.ProxyFor != nil
}

func (e *RegistryEntry) IsDelegated() bool {
	return e.DelegatedTo != nil
}

// CheckCastable validates that the entry may still be used to cast a ballot.
func (e *RegistryEntry) CheckCastable() error {
	if e.IsProxy() && e.Revoked {
		return dErrors.New(dErrors.CodeIneligibleVoter, "proxy has been revoked")
	}
	if e.IsDelegated() {
		return dErrors.New(dErrors.CodeIneligibleVoter, "ballot has been delegated to a proxy")
	}
	return nil
}

// RegistryChange is the result of a registry plan; the store applies it atomically.
// Inserted entries receive the next voter numbers in order.
type RegistryChange struct {
	Insert []*RegistryEntry
	Update []*RegistryEntry
}

// PlanRegistration validates that member has no own entry yet and returns the insert.
func PlanRegistration(entries []*RegistryEntry, entry *RegistryEntry) (*RegistryChange, error) {
	for _, e := range entries {
		if !e.IsProxy() && e.MemberID == entry.MemberID {
			return nil, dErrors.New(dErrors.CodeConflict, "member is already registered for this election")
		}
	}
	return &RegistryChange{Insert: []*RegistryEntry{entry}}, nil
}

// PlanProxy validates a delegation from granter to holder against the whole
// election registry and returns the change that records it.
//
// Rules: proxies must be allowed; the granter is an own entry that has not
// voted or delegated; the holder is another member's own entry with spare
// quota; proxy entries never delegate further; following delegations from the
// holder must never lead back to the granter.
func PlanProxy(entries []*RegistryEntry, granterID, holderID id.RegistryEntryID, policy ProxyPolicy,
	proxyEntryID id.RegistryEntryID, now time.Time) (*RegistryChange, error) {
	if !policy.Allowed {
		return nil, dErrors.New(dErrors.CodeForbidden, "proxy voting is not allowed in this election")
	}
	if granterID == holderID {
		return nil, dErrors.New(dErrors.CodeValidation, "a voter cannot hold their own proxy")
	}

	byID := make(map[id.RegistryEntryID]*RegistryEntry, len(entries))
	own := make(map[id.MemberID]*RegistryEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		if !e.IsProxy() {
			own[e.MemberID] = e
		}
	}

	granter, ok := byID[granterID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "granter registry entry not found")
	}
	holder, ok := byID[holderID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "holder registry entry not found")
	}
	if granter.IsProxy() {
		return nil, dErrors.New(dErrors.CodeConflict, "a proxy ballot cannot be delegated further")
	}
	if holder.IsProxy() {
		return nil, dErrors.New(dErrors.CodeValidation, "the proxy holder must be referenced by their own registry entry")
	}
	if holder.MemberID == granter.MemberID {
		return nil, dErrors.New(dErrors.CodeValidation, "a voter cannot hold their own proxy")
	}
	if granter.HasVoted {
		return nil, dErrors.New(dErrors.CodeAlreadyVoted, "granter has already voted")
	}
	if granter.IsDelegated() {
		return nil, dErrors.New(dErrors.CodeConflict, "granter has already delegated their ballot")
	}

	held := 0
	for _, e := range entries {
		if e.IsProxy() && !e.Revoked && e.MemberID == holder.MemberID {
			held++
		}
	}
	if held >= policy.MaxPerMember {
		return nil, dErrors.New(dErrors.CodeConflict, "proxy holder has reached the maximum number of proxies")
	}

	if delegationReaches(holder.MemberID, granter.MemberID, own, byID) {
		return nil, dErrors.New(dErrors.CodeConflict, "delegation would create a proxy cycle")
	}

	proxyFor := granter.MemberID
	grantedBy := granter.ID
	proxy := &RegistryEntry{
		ID:           proxyEntryID,
		ElectionID:   granter.ElectionID,
		MemberID:     holder.MemberID,
		ProxyFor:     &proxyFor,
		ProxyGranter: &grantedBy,
		CreatedAt:    now,
	}
	updated := *granter
	delegated := proxy.ID
	updated.DelegatedTo = &delegated

	return &RegistryChange{Insert: []*RegistryEntry{proxy}, Update: []*RegistryEntry{&updated}}, nil
}

// delegationReaches follows active delegations starting at from and reports
// whether target is reached.
func delegationReaches(from, target id.MemberID, own map[id.MemberID]*RegistryEntry,
	byID map[id.RegistryEntryID]*RegistryEntry) bool {
	seen := make(map[id.MemberID]bool)
	current := from
	for !seen[current] {
		if current == target {
			return true
		}
		seen[current] = true
		entry, ok := own[current]
		if !ok || entry.DelegatedTo == nil {
			return false
		}
		proxy, ok := byID[*entry.DelegatedTo]
		if !ok || proxy.Revoked {
			return false
		}
		current = proxy.MemberID
	}
	return false
}

// PlanRevoke withdraws the granter's delegation while the proxy ballot is unused.
func PlanRevoke(entries []*RegistryEntry, granterID id.RegistryEntryID, now time.Time) (*RegistryChange, error) {
	var granter *RegistryEntry
	byID := make(map[id.RegistryEntryID]*RegistryEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		if e.ID == granterID {
			granter = e
		}
	}
	if granter == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "granter registry entry not found")
	}
	if !granter.IsDelegated() {
		return nil, dErrors.New(dErrors.CodeConflict, "ballot is not delegated")
	}
	proxy, ok := byID[*granter.DelegatedTo]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "proxy registry entry not found")
	}
	if proxy.HasVoted {
		return nil, dErrors.New(dErrors.CodeAlreadyVoted, "proxy has already been used")
	}

	updatedProxy := *proxy
	updatedProxy.Revoked = true
	updatedProxy.RevokedAt = &now
	updatedGranter := *granter
	updatedGranter.DelegatedTo = nil

	return &RegistryChange{Update: []*RegistryEntry{&updatedProxy, &updatedGranter}}, nil
}
