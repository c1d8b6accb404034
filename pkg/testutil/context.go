package testutil

import (
	"net/http"

	id "quorum/pkg/domain"
	"quorum/pkg/requestcontext"
)

// WithActor adds the acting member to the request context, as the actor
// middleware does after validating a bearer token. A nil member leaves the
// request anonymous.
func WithActor(req *http.Request, actor id.MemberID) *http.Request {
	if actor.IsNil() {
		return req
	}
	return req.WithContext(requestcontext.WithActor(req.Context(), actor))
}

// WithClientMetadata sets the client IP and User-Agent the metadata
// middleware would have extracted.
func WithClientMetadata(req *http.Request, clientIP, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), clientIP, userAgent))
}
