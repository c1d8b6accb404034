package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/httputil"
	"quorum/pkg/requestcontext"
)

// JWTValidator defines the interface for validating actor tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*ActorClaims, error)
}

// ActorClaims is what a validated bearer token says about the caller.
type ActorClaims struct {
	MemberID    id.MemberID
	DisplayName string
	TokenID     string
}

// RequireActor rejects requests without a valid bearer token and stores the
// acting member in the request context.
func RequireActor(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}
			if claims.MemberID.IsNil() {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "token has no member subject"))
				return
			}

			ctx = requestcontext.WithActor(ctx, claims.MemberID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
