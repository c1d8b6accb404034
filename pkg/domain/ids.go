// Package domain holds typed identifiers shared by every election component.
//
// Each entity gets its own UUID-backed type so a VoteID can never be passed
// where a RegistryEntryID is expected. Parse functions are the trust boundary
// for identifiers arriving from transports.
package domain

import (
	"github.com/google/uuid"

	dErrors "quorum/pkg/domain-errors"
)

type (
	ElectionID      uuid.UUID
	PositionID      uuid.UUID
	NominationID    uuid.UUID
	CandidateID     uuid.UUID
	MemberID        uuid.UUID
	UnitID          uuid.UUID
	RegistryEntryID uuid.UUID
	VoteID          uuid.UUID
	ProofID         uuid.UUID
	ResultID        uuid.UUID
)

func parseID[T ~[16]byte](s, kind string) (T, error) {
	var zero T
	if s == "" {
		return zero, dErrors.New(dErrors.CodeInvalidInput, kind+" ID required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return zero, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind+" ID")
	}
	if u == uuid.Nil {
		return zero, dErrors.New(dErrors.CodeInvalidInput, kind+" ID cannot be nil")
	}
	return T(u), nil
}

func unmarshalID[T ~[16]byte](b []byte, dst *T) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*dst = T(u)
	return nil
}

// ParseElectionID parses a non-nil election identifier.
func ParseElectionID(s string) (ElectionID, error) {
	return parseID[ElectionID](s, "election")
}

func NewElectionID() ElectionID {
	return ElectionID(uuid.New())
}

func (id ElectionID) String() string {
	return uuid.UUID(id).String()
}

func (id ElectionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id ElectionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *ElectionID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParsePositionID parses a non-nil position identifier.
func ParsePositionID(s string) (PositionID, error) {
	return parseID[PositionID](s, "position")
}

func NewPositionID() PositionID {
	return PositionID(uuid.New())
}

func (id PositionID) String() string {
	return uuid.UUID(id).String()
}

func (id PositionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id PositionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *PositionID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseNominationID parses a non-nil nomination identifier.
func ParseNominationID(s string) (NominationID, error) {
	return parseID[NominationID](s, "nomination")
}

func NewNominationID() NominationID {
	return NominationID(uuid.New())
}

func (id NominationID) String() string {
	return uuid.UUID(id).String()
}

func (id NominationID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id NominationID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *NominationID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseCandidateID parses a non-nil candidate identifier.
func ParseCandidateID(s string) (CandidateID, error) {
	return parseID[CandidateID](s, "candidate")
}

func NewCandidateID() CandidateID {
	return CandidateID(uuid.New())
}

func (id CandidateID) String() string {
	return uuid.UUID(id).String()
}

func (id CandidateID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id CandidateID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *CandidateID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseMemberID parses a non-nil member identifier.
func ParseMemberID(s string) (MemberID, error) {
	return parseID[MemberID](s, "member")
}

func NewMemberID() MemberID {
	return MemberID(uuid.New())
}

func (id MemberID) String() string {
	return uuid.UUID(id).String()
}

func (id MemberID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id MemberID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *MemberID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseUnitID parses a non-nil unit identifier.
func ParseUnitID(s string) (UnitID, error) {
	return parseID[UnitID](s, "unit")
}

func NewUnitID() UnitID {
	return UnitID(uuid.New())
}

func (id UnitID) String() string {
	return uuid.UUID(id).String()
}

func (id UnitID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id UnitID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *UnitID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseRegistryEntryID parses a non-nil registry entry identifier.
func ParseRegistryEntryID(s string) (RegistryEntryID, error) {
	return parseID[RegistryEntryID](s, "registry entry")
}

func NewRegistryEntryID() RegistryEntryID {
	return RegistryEntryID(uuid.New())
}

func (id RegistryEntryID) String() string {
	return uuid.UUID(id).String()
}

func (id RegistryEntryID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id RegistryEntryID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *RegistryEntryID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseVoteID parses a non-nil vote identifier.
func ParseVoteID(s string) (VoteID, error) {
	return parseID[VoteID](s, "vote")
}

func NewVoteID() VoteID {
	return VoteID(uuid.New())
}

func (id VoteID) String() string {
	return uuid.UUID(id).String()
}

func (id VoteID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id VoteID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *VoteID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseProofID parses a non-nil proof identifier.
func ParseProofID(s string) (ProofID, error) {
	return parseID[ProofID](s, "proof")
}

func NewProofID() ProofID {
	return ProofID(uuid.New())
}

func (id ProofID) String() string {
	return uuid.UUID(id).String()
}

func (id ProofID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id ProofID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *ProofID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}

// ParseResultID parses a non-nil result identifier.
func ParseResultID(s string) (ResultID, error) {
	return parseID[ResultID](s, "result")
}

func NewResultID() ResultID {
	return ResultID(uuid.New())
}

func (id ResultID) String() string {
	return uuid.UUID(id).String()
}

func (id ResultID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id ResultID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *ResultID) UnmarshalText(b []byte) error {
	return unmarshalID(b, id)
}
