// Package wsconn connects probe sessions to a gateway over websocket. Each
// session gets its own connection; outbound payloads are wrapped in the JSON
// envelope from package connector and inbound frames are matched by the
// configured correlation id extractor.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/clientmetrics"
	"github.com/torosent/gatewayprobe/internal/connector"
	"github.com/torosent/gatewayprobe/internal/extractor"
)

// Config configures the websocket connector.
type Config struct {
	URL              string
	Headers          http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	// Propagate, when set, adds trace context from the connect context to
	// the handshake headers.
	Propagate func(ctx context.Context, h http.Header)
	// Auth, when set, adds credentials to every handshake.
	Auth Authorizer
	// Extractor locates the correlation id in inbound frames. Defaults to
	// the envelope's cl_ord_id field.
	Extractor *extractor.Extractor
	Logger    *zap.Logger
}

// Authorizer adds credentials to handshake headers.
type Authorizer interface {
	Apply(ctx context.Context, h http.Header) error
}

// Connector implements connector.Connector over gorilla/websocket.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger
}

type conn struct {
	id    string
	ws    *websocket.Conn
	stats *clientmetrics.Link

	writeMu sync.Mutex

	mu      sync.Mutex
	handler connector.ReceiveFunc
	closed  bool

	readerDone chan struct{}
}

func (c *conn) SessionID() string { return c.id }

// New returns a websocket connector for cfg.URL.
func New(cfg Config) (*Connector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("wsconn: target url is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	if cfg.Extractor == nil {
		ex, err := extractor.New("", 0, "")
		if err != nil {
			return nil, err
		}
		cfg.Extractor = ex
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Connector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		log: cfg.Logger.With(zap.String("component", "wsconn")),
	}, nil
}

// Connect dials the gateway for one session and starts its reader.
func (c *Connector) Connect(ctx context.Context, sessionID string) (connector.Handle, error) {
	headers := c.cfg.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("X-Probe-Session", sessionID)
	if c.cfg.Propagate != nil {
		c.cfg.Propagate(ctx, headers)
	}
	if c.cfg.Auth != nil {
		if err := c.cfg.Auth.Apply(ctx, headers); err != nil {
			return nil, fmt.Errorf("handshake credentials: %w", err)
		}
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	ws.SetReadLimit(c.cfg.MaxMessageSize)

	cn := &conn{
		id:         sessionID,
		ws:         ws,
		stats:      clientmetrics.New(),
		readerDone: make(chan struct{}),
	}
	cn.stats.MarkConnected(time.Now())
	go c.readLoop(cn)
	return cn, nil
}

func (c *Connector) readLoop(cn *conn) {
	defer close(cn.readerDone)
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			cn.mu.Lock()
			closed := cn.closed
			cn.mu.Unlock()
			if !closed {
				cn.stats.Error()
				c.log.Warn("read failed", zap.String("session", cn.id), zap.Error(err))
			}
			return
		}
		cn.stats.Received(len(data))

		id, err := c.cfg.Extractor.Extract(data)
		if err != nil {
			cn.stats.Unmatched()
			continue
		}
		cn.mu.Lock()
		fn := cn.handler
		cn.mu.Unlock()
		if fn == nil {
			cn.stats.Unmatched()
			continue
		}
		fn(id)
	}
}

// Send writes one envelope. Concurrent sends on the same handle are
// serialized.
func (c *Connector) Send(h connector.Handle, payload []byte, correlationID string) error {
	cn, ok := h.(*conn)
	if !ok {
		return connector.ErrForeignHandle
	}
	cn.mu.Lock()
	closed := cn.closed
	cn.mu.Unlock()
	if closed {
		return connector.ErrClosed
	}

	frame, err := connector.Encode(cn.id, correlationID, payload)
	if err != nil {
		return err
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	if err := cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		cn.stats.Error()
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := cn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		cn.stats.Error()
		return fmt.Errorf("write message: %w", err)
	}
	cn.stats.Sent(len(frame))
	return nil
}

// RegisterReceiveHandler sets the callback for inbound correlation ids.
func (c *Connector) RegisterReceiveHandler(h connector.Handle, fn connector.ReceiveFunc) {
	if cn, ok := h.(*conn); ok {
		cn.mu.Lock()
		cn.handler = fn
		cn.mu.Unlock()
	}
}

// Close sends a close frame, closes the socket and waits for the reader to
// exit. Closing twice is a no-op.
func (c *Connector) Close(h connector.Handle) error {
	cn, ok := h.(*conn)
	if !ok {
		return connector.ErrForeignHandle
	}
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil
	}
	cn.closed = true
	cn.mu.Unlock()

	cn.writeMu.Lock()
	err := cn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	cn.writeMu.Unlock()

	closeErr := cn.ws.Close()
	<-cn.readerDone
	cn.stats.MarkClosed(time.Now())

	if err != nil && err != websocket.ErrCloseSent {
		return fmt.Errorf("close %s: %w", cn.id, err)
	}
	return closeErr
}

// LinkStats reports traffic counters for h.
func (c *Connector) LinkStats(h connector.Handle) (clientmetrics.Snapshot, bool) {
	cn, ok := h.(*conn)
	if !ok {
		return clientmetrics.Snapshot{}, false
	}
	return cn.stats.Snapshot(time.Now()), true
}
