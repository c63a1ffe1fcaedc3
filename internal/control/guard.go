package control

import (
	"crypto/subtle"
	"errors"

	"github.com/google/uuid"
)

// ErrUnauthorizedControl is returned when a pause or stop request carries a
// token that does not match the one issued at start.
var ErrUnauthorizedControl = errors.New("control: unauthorized control request")

// NewToken returns a fresh random capability token.
func NewToken() string {
	return uuid.NewString()
}

// Guard holds the capability token of one run.
type Guard struct {
	token []byte
}

// NewGuard guards with token, generating one when token is empty. The
// effective token is returned.
func NewGuard(token string) (*Guard, string) {
	if token == "" {
		token = NewToken()
	}
	return &Guard{token: []byte(token)}, token
}

// Authorize compares token with the issued one in constant time.
func (g *Guard) Authorize(token string) error {
	if subtle.ConstantTimeCompare(g.token, []byte(token)) != 1 {
		return ErrUnauthorizedControl
	}
	return nil
}
