package session

import "fmt"

// ConnectionError reports a session that could not reach the gateway.
// Connections are not retried.
type ConnectionError struct {
	SessionID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session %s: connect: %v", e.SessionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports a probe the connector refused synchronously. The probe is
// resolved as failed immediately.
type SendError struct {
	SessionID     string
	CorrelationID string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("session %s: send %s: %v", e.SessionID, e.CorrelationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
