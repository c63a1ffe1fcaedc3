package auth

import (
	"context"
	"net/http"
)

// StaticToken returns a token obtained outside the probe, such as a
// pre-issued gateway session credential.
type StaticToken struct {
	token string
}

// NewStaticToken returns a provider for token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

func (p *StaticToken) Token(context.Context) (string, error) {
	return p.token, nil
}

func (p *StaticToken) Apply(_ context.Context, h http.Header) error {
	setBearer(h, p.token)
	return nil
}

func (p *StaticToken) Close() error { return nil }
