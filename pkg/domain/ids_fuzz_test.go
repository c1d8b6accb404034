package domain

import (
	"testing"

	"github.com/google/uuid"

	dErrors "quorum/pkg/domain-errors"
)

// parsers lists every identifier parser; they share one validation rule, so
// any input must be accepted by all of them or by none.
var parsers = map[string]func(string) (string, error){
	"election":   wrap(ParseElectionID),
	"position":   wrap(ParsePositionID),
	"nomination": wrap(ParseNominationID),
	"candidate":  wrap(ParseCandidateID),
	"member":     wrap(ParseMemberID),
	"unit":       wrap(ParseUnitID),
	"entry":      wrap(ParseRegistryEntryID),
	"vote":       wrap(ParseVoteID),
	"proof":      wrap(ParseProofID),
	"result":     wrap(ParseResultID),
}

func wrap[T interface{ String() string }](parse func(string) (T, error)) func(string) (string, error) {
	return func(s string) (string, error) {
		v, err := parse(s)
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}
}

func FuzzParseIDs(f *testing.F) {
	for _, seed := range []string{
		"",
		"550e8400-e29b-41d4-a716-446655440000",
		"550E8400-E29B-41D4-A716-446655440000",
		"{550e8400-e29b-41d4-a716-446655440000}",
		"urn:uuid:550e8400-e29b-41d4-a716-446655440000",
		"00000000-0000-0000-0000-000000000000",
		"'; DROP TABLE votes;--",
		"550e8400-e29b-41d4-a716-446655440000\x00",
		string([]byte{0xff, 0xfe}),
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, input string) {
		var accepted, rejected []string
		for kind, parse := range parsers {
			out, err := parse(input)
			if err != nil {
				if !dErrors.HasCode(err, dErrors.CodeInvalidInput) {
					t.Fatalf("%s: unexpected error code for %q: %v", kind, input, err)
				}
				rejected = append(rejected, kind)
				continue
			}
			accepted = append(accepted, kind)

			u, perr := uuid.Parse(out)
			if perr != nil || u == uuid.Nil {
				t.Fatalf("%s: accepted %q but canonical form %q is unusable", kind, input, out)
			}
			again, err := parse(out)
			if err != nil || again != out {
				t.Fatalf("%s: canonical form %q does not round-trip", kind, out)
			}
		}
		if len(accepted) > 0 && len(rejected) > 0 {
			t.Fatalf("parsers disagree on %q: accepted %v rejected %v", input, accepted, rejected)
		}
	})
}
