// Package middleware provides shared request-context helpers.
//
// This package lives in pkg/ (not internal/) so that embedders wrapping
// server.Handler can read and set the caller identity in their own
// middleware.
package middleware

import "context"

type contextKey string

const (
	userKey  contextKey = "user_id"
	adminKey contextKey = "admin"
)

// SetUser stores the caller's user id in the context.
func SetUser(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// GetUser returns the caller's user id, or "" for anonymous requests.
func GetUser(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}

// SetAdmin marks the request as authenticated with an admin key.
func SetAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, adminKey, true)
}

// IsAdmin reports whether an admin key authenticated the request.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(adminKey).(bool)
	return v
}
