// Package connector defines the narrow boundary between probe sessions and the
// wire-level protocol engine.
//
// A Connector opens one logical link per probe session, sends payloads tagged
// with a correlation id and reports the correlation ids of inbound responses
// through a registered callback. Implementations live in subpackages:
// wsconn speaks a JSON envelope over websocket and loopback simulates a
// gateway in process.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/torosent/gatewayprobe/internal/clientmetrics"
)

var (
	// ErrClosed is returned when sending on a handle that was closed.
	ErrClosed = errors.New("connector: link closed")
	// ErrForeignHandle is returned for handles created by another connector.
	ErrForeignHandle = errors.New("connector: handle not created by this connector")
)

// Handle identifies one open link.
type Handle interface {
	SessionID() string
}

// ReceiveFunc is invoked once per inbound frame that carries a correlation id.
// It may be called from a connector-owned goroutine and must not block for
// long.
type ReceiveFunc func(correlationID string)

// Connector is implemented by wire-level protocol engines.
type Connector interface {
	Connect(ctx context.Context, sessionID string) (Handle, error)
	Send(h Handle, payload []byte, correlationID string) error
	RegisterReceiveHandler(h Handle, fn ReceiveFunc)
	Close(h Handle) error
}

// LinkStatser is implemented by connectors that count per-link traffic.
type LinkStatser interface {
	LinkStats(h Handle) (clientmetrics.Snapshot, bool)
}

// Envelope is the reference JSON frame used by the bundled connectors.
type Envelope struct {
	CorrelationID string `json:"cl_ord_id"`
	SessionID     string `json:"session_id,omitempty"`
	Body          string `json:"body,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Encode wraps payload in an Envelope.
func Encode(sessionID, correlationID string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(Envelope{CorrelationID: correlationID, SessionID: sessionID, Body: string(payload)})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
