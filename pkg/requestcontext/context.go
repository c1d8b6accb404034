// Package requestcontext carries request-scoped values (acting member,
// client origin, request id and the pinned clock) from middleware to
// services without the services importing net/http.
package requestcontext

import (
	"context"
	"time"

	id "quorum/pkg/domain"
)

type key int

const (
	actorKey key = iota
	clientKey
	requestIDKey
	timeKey
)

type client struct {
	ip        string
	userAgent string
}

// Actor returns the authenticated member, or the nil id when the request is
// anonymous.
func Actor(ctx context.Context) id.MemberID {
	actor, _ := ctx.Value(actorKey).(id.MemberID)
	return actor
}

func WithActor(ctx context.Context, actor id.MemberID) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ClientIP is the origin address recorded with ballots and audit events.
func ClientIP(ctx context.Context) string {
	c, _ := ctx.Value(clientKey).(client)
	return c.ip
}

func UserAgent(ctx context.Context) string {
	c, _ := ctx.Value(clientKey).(client)
	return c.userAgent
}

// WithClientMetadata stores the caller's address and User-Agent together.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey, client{ip: clientIP, userAgent: userAgent})
}

func RequestID(ctx context.Context) string {
	reqID, _ := ctx.Value(requestIDKey).(string)
	return reqID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// Now returns the instant pinned on ctx, falling back to the wall clock.
// Window checks (nomination, voting) read time only through here so that a
// scheduler tick or a test sees one consistent instant.
func Now(ctx context.Context) time.Time {
	if t, ok := Pinned(ctx); ok {
		return t
	}
	return time.Now()
}

// Pinned reports the instant set by WithTime, if any.
func Pinned(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(timeKey).(time.Time)
	return t, ok
}

func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey, t)
}
