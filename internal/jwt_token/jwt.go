// Package jwttoken issues and verifies the HS256 bearer tokens that identify
// the acting member on every election request.
package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
)

// Claims is the token payload. Subject carries the member id.
type Claims struct {
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) MemberID() (id.MemberID, error) {
	return id.ParseMemberID(c.Subject)
}

type JWTService struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
	parser   *jwt.Parser
}

func NewJWTService(signingKey, issuer, audience string) *JWTService {
	s := &JWTService{
		key:      []byte(signingKey),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s
}

// GenerateActorToken signs a token for memberID valid for ttl. The cobra
// `token` command uses it to mint development credentials.
func (s *JWTService) GenerateActorToken(memberID id.MemberID, displayName string, ttl time.Duration) (string, error) {
	issued := s.now()
	claims := Claims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   memberID.String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// ValidateToken verifies signature, issuer, audience and expiry and requires
// the subject to be a member id. Every failure is CodeUnauthorized.
func (s *JWTService) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return s.key, nil })
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
	case err != nil:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if _, err := claims.MemberID(); err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token subject is not a member id")
	}
	return claims, nil
}
