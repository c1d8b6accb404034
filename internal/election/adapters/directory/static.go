// Package directory serves member identity, organizational scoping and
// election administration rights.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"quorum/internal/election/ports"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

// Seed is the YAML document a Static directory is loaded from.
//
//	rootAdmins: [<member id>]
//	members:
//	  - {id: <member id>, displayName: Ada, verified: true}
//	units:
//	  - {id: <unit id>, name: North, parent: <unit id>, members: [...], admins: [...]}
type Seed struct {
	RootAdmins []id.MemberID `yaml:"rootAdmins"`
	Members    []SeedMember  `yaml:"members"`
	Units      []SeedUnit    `yaml:"units"`
}

type SeedMember struct {
	ID          id.MemberID `yaml:"id"`
	DisplayName string      `yaml:"displayName"`
	Verified    bool        `yaml:"verified"`
}

type SeedUnit struct {
	ID      id.UnitID     `yaml:"id"`
	Name    string        `yaml:"name"`
	Parent  *id.UnitID    `yaml:"parent"`
	Members []id.MemberID `yaml:"members"`
	Admins  []id.MemberID `yaml:"admins"`
}

type unit struct {
	parent  *id.UnitID
	members map[id.MemberID]struct{}
	admins  map[id.MemberID]struct{}
}

// Static is an in-process directory built from a Seed. It is safe for
// concurrent use and can be replaced wholesale with Reload.
type Static struct {
	mu         sync.RWMutex
	members    map[id.MemberID]ports.Member
	units      map[id.UnitID]*unit
	rootAdmins map[id.MemberID]struct{}
}

// LoadFile reads a YAML seed.
func LoadFile(path string) (*Static, error) {
	seed, err := readSeed(path)
	if err != nil {
		return nil, err
	}
	return New(seed)
}

func readSeed(path string) (Seed, error) {
	var seed Seed
	buf, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read directory seed: %w", err)
	}
	if err := yaml.Unmarshal(buf, &seed); err != nil {
		return seed, fmt.Errorf("parse directory seed: %w", err)
	}
	return seed, nil
}

// New validates seed and builds the directory.
func New(seed Seed) (*Static, error) {
	s := &Static{}
	if err := s.load(seed); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload swaps in a new seed file. On error the previous contents stay.
func (s *Static) Reload(path string) error {
	seed, err := readSeed(path)
	if err != nil {
		return err
	}
	return s.load(seed)
}

func (s *Static) load(seed Seed) error {
	members := make(map[id.MemberID]ports.Member, len(seed.Members))
	for _, m := range seed.Members {
		if m.ID.IsNil() {
			return fmt.Errorf("directory seed: member without id")
		}
		if _, dup := members[m.ID]; dup {
			return fmt.Errorf("directory seed: duplicate member %s", m.ID)
		}
		members[m.ID] = ports.Member{ID: m.ID, DisplayName: m.DisplayName, Verified: m.Verified}
	}

	units := make(map[id.UnitID]*unit, len(seed.Units))
	for _, u := range seed.Units {
		if u.ID.IsNil() {
			return fmt.Errorf("directory seed: unit %q without id", u.Name)
		}
		if _, dup := units[u.ID]; dup {
			return fmt.Errorf("directory seed: duplicate unit %s", u.ID)
		}
		units[u.ID] = &unit{parent: u.Parent, members: set(u.Members), admins: set(u.Admins)}
	}
	for uid, u := range units {
		if u.parent != nil {
			if _, ok := units[*u.parent]; !ok {
				return fmt.Errorf("directory seed: unit %s has unknown parent %s", uid, *u.parent)
			}
		}
		if err := checkAcyclic(units, uid); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = members
	s.units = units
	s.rootAdmins = set(seed.RootAdmins)
	return nil
}

func checkAcyclic(units map[id.UnitID]*unit, start id.UnitID) error {
	seen := map[id.UnitID]struct{}{start: {}}
	for cur := units[start].parent; cur != nil; cur = units[*cur].parent {
		if _, loop := seen[*cur]; loop {
			return fmt.Errorf("directory seed: unit %s is its own ancestor", start)
		}
		seen[*cur] = struct{}{}
	}
	return nil
}

func set(ids []id.MemberID) map[id.MemberID]struct{} {
	out := make(map[id.MemberID]struct{}, len(ids))
	for _, m := range ids {
		out[m] = struct{}{}
	}
	return out
}

func (s *Static) GetMember(ctx context.Context, memberID id.MemberID) (*ports.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "member not found")
	}
	return &m, nil
}

func (s *Static) UnitExists(ctx context.Context, unitID id.UnitID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.units[unitID]
	return ok, nil
}

// MemberInUnit reports membership of unitID or of any unit below it.
func (s *Static) MemberInUnit(ctx context.Context, memberID id.MemberID, unitID id.UnitID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.units[unitID]; !ok {
		return false, nil
	}
	for uid, u := range s.units {
		if _, ok := u.members[memberID]; !ok {
			continue
		}
		if s.within(uid, unitID) {
			return true, nil
		}
	}
	return false, nil
}

// IsElectionAdmin grants root admins everything and unit admins their unit
// and every unit below it.
func (s *Static) IsElectionAdmin(ctx context.Context, memberID id.MemberID, unitID *id.UnitID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rootAdmins[memberID]; ok {
		return true, nil
	}
	if unitID == nil {
		return false, nil
	}
	for cur := unitID; cur != nil; {
		u, ok := s.units[*cur]
		if !ok {
			return false, nil
		}
		if _, ok := u.admins[memberID]; ok {
			return true, nil
		}
		cur = u.parent
	}
	return false, nil
}

// within reports whether unitID is ancestor or lies below it.
func (s *Static) within(unitID, ancestor id.UnitID) bool {
	for cur := &unitID; cur != nil; {
		if *cur == ancestor {
			return true
		}
		u, ok := s.units[*cur]
		if !ok {
			return false
		}
		cur = u.parent
	}
	return false
}
