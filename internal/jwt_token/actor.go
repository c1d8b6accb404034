package jwttoken

import (
	"quorum/internal/platform/middleware"
	dErrors "quorum/pkg/domain-errors"
)

// ActorValidator exposes JWTService as the middleware's token validator,
// keeping the JWT library out of the middleware package.
type ActorValidator struct {
	service *JWTService
}

// Actors returns the validator used by middleware.RequireActor.
func (s *JWTService) Actors() *ActorValidator {
	return &ActorValidator{service: s}
}

func (v *ActorValidator) ValidateToken(tokenString string) (*middleware.ActorClaims, error) {
	claims, err := v.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	memberID, err := claims.MemberID()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "token subject is not a member id")
	}
	return &middleware.ActorClaims{
		MemberID:    memberID,
		DisplayName: claims.DisplayName,
		TokenID:     claims.ID,
	}, nil
}
