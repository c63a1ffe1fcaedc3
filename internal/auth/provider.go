// Package auth obtains bearer credentials for the gateway websocket
// handshake.
package auth

import (
	"context"
	"net/http"
)

// Provider obtains a token and applies it to handshake headers.
type Provider interface {
	// Token returns a valid token, using a cached value while it lasts.
	Token(ctx context.Context) (string, error)
	// Apply sets the Authorization header on h.
	Apply(ctx context.Context, h http.Header) error
	Close() error
}

func setBearer(h http.Header, token string) {
	h.Set("Authorization", "Bearer "+token)
}
