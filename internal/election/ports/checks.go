package ports

import (
	"context"

	"quorum/internal/election/models"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

// Eligibility is the part of the directory consulted before a member acts in an election.
type Eligibility interface {
	MemberDirectory
	UnitDirectory
}

// CheckEligible verifies that the member exists, is verified and, for an
// election scoped below the root, belongs to the election's unit.
// Failures surface as IneligibleVoter; collaborator outages keep their code.
func CheckEligible(ctx context.Context, dir Eligibility, e *models.Election, memberID id.MemberID) error {
	member, err := dir.GetMember(ctx, memberID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return dErrors.New(dErrors.CodeIneligibleVoter, "member is not known to the directory")
		}
		return DependencyError(err, "failed to load member")
	}
	if !member.Verified {
		return dErrors.New(dErrors.CodeIneligibleVoter, "member is not verified")
	}
	if !e.IsScoped() {
		return nil
	}
	inUnit, err := dir.MemberInUnit(ctx, memberID, *e.UnitID)
	if err != nil {
		return DependencyError(err, "failed to check unit membership")
	}
	if !inUnit {
		return dErrors.New(dErrors.CodeIneligibleVoter, "member does not belong to the election's unit")
	}
	return nil
}

// RequireAdmin fails with Unauthorized for an anonymous actor and Forbidden
// when the authorizer declines.
func RequireAdmin(ctx context.Context, authz Authorizer, actor id.MemberID, unitID *id.UnitID) error {
	if actor.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required")
	}
	ok, err := authz.IsElectionAdmin(ctx, actor, unitID)
	if err != nil {
		return DependencyError(err, "failed to check administrator rights")
	}
	if !ok {
		return dErrors.New(dErrors.CodeForbidden, "actor is not an election administrator")
	}
	return nil
}

// DependencyError keeps timeout and unavailable codes from a collaborator so
// callers can tell a transient failure from a bug.
func DependencyError(err error, msg string) error {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeTimeout, dErrors.CodeUnavailable:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
