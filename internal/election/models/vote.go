package models

import (
	"time"

	id "quorum/pkg/domain"
)

// Method is how a ballot reached the system.
type Method string

const (
	MethodOnline   Method = "online"
	MethodInPerson Method = "in_person"
	MethodProxy    Method = "proxy"
)

func (m Method) IsValid() bool {
	switch m {
	case MethodOnline, MethodInPerson, MethodProxy:
		return true
	default:
		return false
	}
}

// InvalidReason explains why a claimed ballot was spoiled.
type InvalidReason string

const (
	InvalidNone          InvalidReason = ""
	InvalidCastCancelled InvalidReason = "cast_cancelled"
	InvalidProofFailed   InvalidReason = "proof_failed"
	InvalidPersistFailed InvalidReason = "persist_failed"
)

// Origin is request metadata kept for audit.
type Origin struct {
	IP        string `json:"ip,omitempty"`
	Device    string `json:"device,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Vote is an anonymized ballot. It references the casting registry entry,
// never the member.
//
// Invariants:
//   - at most one valid vote per (RegistryEntryID, PositionID)
//   - Token is unique for the lifetime of the system
//   - a spoiled vote has IsValid false and a non-empty InvalidReason
type Vote struct {
	ID              id.VoteID          `json:"id"`
	ElectionID      id.ElectionID      `json:"election_id"`
	PositionID      id.PositionID      `json:"position_id"`
	RegistryEntryID id.RegistryEntryID `json:"voter_registry_entry_id"`
	CandidateID     id.CandidateID     `json:"candidate_id"`
	Token           string             `json:"vote_token"`
	VoteHash        string             `json:"vote_hash"`
	CastAt          time.Time          `json:"cast_at"`
	Method          Method             `json:"method"`
	Origin          Origin             `json:"origin"`
	IsValid         bool               `json:"is_valid"`
	InvalidReason   InvalidReason      `json:"invalid_reason,omitempty"`
}

// Spoil marks the vote invalid. The ballot claim it consumed stays consumed.
func (v *Vote) Spoil(reason InvalidReason) {
	v.IsValid = false
	v.InvalidReason = reason
}

// CleanlySpoiled reports whether v carries the shape the cast path gives a
// spoiled ballot: invalid, with a reason, and with neither hash nor proof.
func (v *Vote) CleanlySpoiled(p *VoteProof) bool {
	return !v.IsValid && v.InvalidReason != InvalidNone && v.VoteHash == "" && p == nil
}

// ProofKind names the integrity scheme of a VoteProof.
type ProofKind string

const ProofKindHMACSHA256 ProofKind = "hmac-sha256"

// VoteProof binds a vote's hash to a server-keyed signature.
type VoteProof struct {
	ID         id.ProofID `json:"id"`
	VoteID     id.VoteID  `json:"vote_id"`
	Kind       ProofKind  `json:"proof_kind"`
	Value      string     `json:"proof_value"`
	Nonce      string     `json:"nonce"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Receipt is returned to the voter. The token is the only handle back to the vote.
type Receipt struct {
	VoteID     id.VoteID `json:"vote_id"`
	Token      string    `json:"vote_token"`
	VoteHash   string    `json:"vote_hash"`
	ProofKind  ProofKind `json:"proof_kind,omitempty"`
	ProofValue string    `json:"proof_value,omitempty"`
	CastAt     time.Time `json:"cast_at"`
	Valid      bool      `json:"valid"`
	Replayed   bool      `json:"replayed"`
}

// NewReceipt builds a receipt from a persisted vote and its proof (which may be nil for spoiled ballots).
func NewReceipt(v *Vote, p *VoteProof, replayed bool) *Receipt {
	r := &Receipt{
		VoteID:   v.ID,
		Token:    v.Token,
		VoteHash: v.VoteHash,
		CastAt:   v.CastAt,
		Valid:    v.IsValid,
		Replayed: replayed,
	}
	if p != nil {
		r.ProofKind = p.Kind
		r.ProofValue = p.Value
	}
	return r
}
