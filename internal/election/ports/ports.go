package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks MemberDirectory,UnitDirectory,Authorizer,Notifier

import (
	"context"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
)

// Member is the identity view of a member (port model).
// Only verification state and a display name are exposed to elections.
type Member struct {
	ID          id.MemberID
	DisplayName string
	Verified    bool
}

// MemberDirectory resolves member identity.
// GetMember returns a NotFound domain error for unknown members.
type MemberDirectory interface {
	GetMember(ctx context.Context, memberID id.MemberID) (*Member, error)
}

// UnitDirectory answers organizational scoping questions.
type UnitDirectory interface {
	UnitExists(ctx context.Context, unitID id.UnitID) (bool, error)
	// MemberInUnit reports membership of unitID or any unit below it.
	MemberInUnit(ctx context.Context, memberID id.MemberID, unitID id.UnitID) (bool, error)
}

// Authorizer decides administrative rights. A nil unit means the organization root.
type Authorizer interface {
	IsElectionAdmin(ctx context.Context, memberID id.MemberID, unitID *id.UnitID) (bool, error)
}

// Notifier delivers lifecycle notifications. Delivery is best effort: callers
// log failures and carry on.
type Notifier interface {
	Publish(ctx context.Context, event models.LifecycleEvent) error
}

// Directory bundles the identity, scoping and authorization collaborators,
// which are usually served by the same backend.
type Directory interface {
	MemberDirectory
	UnitDirectory
	Authorizer
}
