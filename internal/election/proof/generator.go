// Package proof binds every ballot to a tamper-evident hash and a
// server-keyed signature, and verifies them later without voter identity.
//
// The hash covers only the ballot's non-identifying fields (election,
// position, candidate, token) plus a fresh random nonce. The proof is an
// HMAC over that hash with a key derived per election from the master secret,
// so a leaked election key does not expose other elections.
package proof

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
)

const (
	// MinSecretLength is the shortest accepted master secret, in bytes.
	MinSecretLength = 32
	nonceLength     = 32
	keySalt         = "quorum/vote-proof"
)

// VoteInputs are the fields a vote hash is computed from.
type VoteInputs struct {
	ElectionID  id.ElectionID
	PositionID  id.PositionID
	CandidateID id.CandidateID
	Token       string
}

// Generator produces and checks vote hashes and proofs.
type Generator struct {
	master []byte
	keys   sync.Map // id.ElectionID -> []byte
	random io.Reader
}

func NewGenerator(masterSecret []byte) (*Generator, error) {
	if len(masterSecret) < MinSecretLength {
		return nil, fmt.Errorf("proof secret must be at least %d bytes", MinSecretLength)
	}
	master := make([]byte, len(masterSecret))
	copy(master, masterSecret)
	return &Generator{master: master, random: rand.Reader}, nil
}

// Generate draws a nonce and returns the vote hash and an unsaved proof.
// The caller sets VoteID and CreatedAt before persisting.
func (g *Generator) Generate(in VoteInputs) (string, *models.VoteProof, error) {
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(g.random, nonce); err != nil {
		return "", nil, fmt.Errorf("draw nonce: %w", err)
	}
	hash := voteHash(in, nonce)
	value, err := g.sign(in.ElectionID, hash)
	if err != nil {
		return "", nil, err
	}
	return hash, &models.VoteProof{
		ID:    id.NewProofID(),
		Kind:  models.ProofKindHMACSHA256,
		Value: value,
		Nonce: hex.EncodeToString(nonce),
	}, nil
}

// Verify recomputes the hash from the stored vote fields and nonce and checks
// both the hash and the signature in constant time.
func (g *Generator) Verify(v *models.Vote, p *models.VoteProof) bool {
	if v == nil || p == nil || p.Kind != models.ProofKindHMACSHA256 {
		return false
	}
	nonce, err := hex.DecodeString(p.Nonce)
	if err != nil || len(nonce) != nonceLength {
		return false
	}
	hash := voteHash(VoteInputs{
		ElectionID:  v.ElectionID,
		PositionID:  v.PositionID,
		CandidateID: v.CandidateID,
		Token:       v.Token,
	}, nonce)
	if !hmac.Equal([]byte(hash), []byte(v.VoteHash)) {
		return false
	}
	expected, err := g.sign(v.ElectionID, hash)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(p.Value))
}

func (g *Generator) sign(electionID id.ElectionID, hash string) (string, error) {
	key, err := g.electionKey(electionID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (g *Generator) electionKey(electionID id.ElectionID) ([]byte, error) {
	if k, ok := g.keys.Load(electionID); ok {
		return k.([]byte), nil
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, g.master, []byte(keySalt), []byte(electionID.String()))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.New("derive election key")
	}
	actual, _ := g.keys.LoadOrStore(electionID, key)
	return actual.([]byte), nil
}

// voteHash is SHA-256 over length-prefixed fields, so no two distinct inputs
// share an encoding.
func voteHash(in VoteInputs, nonce []byte) string {
	h := sha256.New()
	for _, field := range [][]byte{
		[]byte(in.ElectionID.String()),
		[]byte(in.PositionID.String()),
		[]byte(in.CandidateID.String()),
		[]byte(in.Token),
		nonce,
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}
