// Package tenant carries the client (tenant) id and request id through contexts.
// Inbound messages resolve the tenant from the WhatsApp phone_number_id; scans
// run across tenants and set the client id per lead before touching the store.
package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	clientIDKey  contextKey = "clientID"
	requestIDKey contextKey = "requestID"
)

// ErrClientIDNotFound is returned when no client id is present in the context.
var ErrClientIDNotFound = errors.New("client ID not found in context")

// ErrNoRequestIDInContext is returned when no request id is present in the context.
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithClientID returns a copy of ctx scoped to clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// FromContext returns the client id stored in ctx.
func FromContext(ctx context.Context) (string, error) {
	clientID, ok := ctx.Value(clientIDKey).(string)
	if !ok || clientID == "" {
		return "", ErrClientIDNotFound
	}
	return clientID, nil
}

// MustFromContext is FromContext that panics when the client id is missing.
func MustFromContext(ctx context.Context) string {
	clientID, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return clientID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}
