package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	dialTimeout    = 15 * time.Second
	writeTimeout   = 10 * time.Second
	credentialFile = "creds.json"
)

// frame is the JSON envelope exchanged with the wire-protocol gateway.
type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	QR        string          `json:"qr,omitempty"`
	State     string          `json:"state,omitempty"`
	Code      int             `json:"code,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	To        string          `json:"to,omitempty"`
	Body      string          `json:"body,omitempty"`
	From      string          `json:"from,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Creds     json.RawMessage `json:"creds,omitempty"`
}

// Gateway status codes on close frames.
const (
	codeLoggedOut    = 401
	codeTimedOut     = 408
	codeUnauthorized = 515
)

// WSConnector dials the wire-protocol gateway over WebSocket and speaks its
// JSON frame protocol.
type WSConnector struct {
	gatewayURL string
}

func NewWSConnector(gatewayURL string) *WSConnector {
	return &WSConnector{gatewayURL: gatewayURL}
}

func (c *WSConnector) Connect(ctx context.Context, opts ConnectOptions, handler Handler) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	conn := &wsConn{
		ws:        ws,
		sessionID: opts.SessionID,
		handler:   handler,
	}

	// Resume with stored credentials when present; the gateway answers a
	// missing or rejected blob with a QR challenge.
	creds, err := os.ReadFile(filepath.Join(opts.AuthPath, credentialFile))
	if err != nil && !os.IsNotExist(err) {
		ws.Close()
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	hello := frame{Type: "hello", SessionID: opts.SessionID, Creds: creds}
	if err := conn.write(hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go conn.readLoop()
	return conn, nil
}

type wsConn struct {
	ws        *websocket.Conn
	sessionID string
	handler   Handler

	writeMu sync.Mutex

	mu       sync.RWMutex
	identity string
	closed   bool
}

func (c *wsConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

// readLoop is the single event stream for this connection. Each event
// handler runs to completion before the next frame is processed, which
// gives the lifecycle controller its per-session ordering guarantee.
func (c *wsConn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			alreadyClosed := c.closed
			c.closed = true
			c.mu.Unlock()

			if !alreadyClosed {
				log.Debug().Err(err).Str("sessionId", c.sessionID).Msg("gateway read loop ended")
				c.handler(c, Event{Kind: KindConnState, State: StateClose, CloseReason: ReasonUnknown})
			}
			return
		}

		switch f.Type {
		case "qr":
			c.handler(c, Event{Kind: KindQR, QR: f.QR})
		case "state":
			c.handleState(f)
			if f.State == string(StateClose) {
				return
			}
		case "message":
			c.handler(c, Event{Kind: KindMessage, Message: &InboundMessage{From: f.From, Body: f.Body}})
		case "creds":
			c.handler(c, Event{Kind: KindCredentials, Credentials: f.Creds})
		default:
			log.Debug().Str("type", f.Type).Msg("ignoring unknown gateway frame")
		}
	}
}

func (c *wsConn) handleState(f frame) {
	switch f.State {
	case string(StateOpen):
		if f.Phone != "" {
			c.mu.Lock()
			c.identity = f.Phone
			c.mu.Unlock()
		}
		c.handler(c, Event{Kind: KindConnState, State: StateOpen})
	case string(StateClose):
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.ws.Close()
		c.handler(c, Event{Kind: KindConnState, State: StateClose, CloseReason: reasonFromCode(f.Code)})
	}
}

func reasonFromCode(code int) CloseReason {
	switch code {
	case codeLoggedOut:
		return ReasonLoggedOut
	case codeTimedOut:
		return ReasonTimedOut
	case codeUnauthorized:
		return ReasonUnauthorized
	default:
		return ReasonUnknown
	}
}

func (c *wsConn) Identity() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.identity != ""
}

func (c *wsConn) SendText(ctx context.Context, to, body string) (*SendResult, error) {
	messageID := uuid.NewString()
	err := c.write(frame{
		Type:      "send",
		SessionID: c.sessionID,
		MessageID: messageID,
		To:        to,
		Body:      body,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &SendResult{MessageID: messageID, Timestamp: time.Now()}, nil
}

func (c *wsConn) Logout(ctx context.Context) error {
	if err := c.write(frame{Type: "logout", SessionID: c.sessionID}); err != nil {
		c.Close()
		return fmt.Errorf("send logout: %w", err)
	}
	return c.Close()
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}
