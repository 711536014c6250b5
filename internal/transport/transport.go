// Package transport abstracts the WhatsApp wire-protocol client. The
// lifecycle controller only sees this capability: connect with stored
// credentials, receive events, send messages, log out.
package transport

import (
	"context"
	"time"
)

// EventKind discriminates the event union delivered to a session's handler.
type EventKind int

const (
	// KindQR carries a fresh QR challenge payload.
	KindQR EventKind = iota
	// KindConnState signals the connection opened or closed.
	KindConnState
	// KindMessage carries an inbound message.
	KindMessage
	// KindCredentials carries updated credential material to persist.
	KindCredentials
)

// ConnState is the transport-level connection state.
type ConnState string

const (
	StateOpen  ConnState = "open"
	StateClose ConnState = "close"
)

// CloseReason categorizes why a connection closed. The lifecycle policy
// branches on these classes.
type CloseReason string

const (
	// ReasonLoggedOut means the user explicitly unlinked the device.
	// Credentials are invalid and must not be reused.
	ReasonLoggedOut CloseReason = "logged_out"
	// ReasonTimedOut means the connection idled out. Not retried.
	ReasonTimedOut CloseReason = "timed_out"
	// ReasonUnauthorized means the server rejected the stored credentials
	// before authentication completed. Retried after a credential reset.
	ReasonUnauthorized CloseReason = "unauthorized"
	// ReasonUnknown covers every other closure. Retried without reset.
	ReasonUnknown CloseReason = "unknown"
)

// InboundMessage is a message received on a live session.
type InboundMessage struct {
	From string
	Body string
}

// Event is the tagged union delivered to a session's handler. Exactly the
// fields for its Kind are set.
type Event struct {
	Kind        EventKind
	QR          string
	State       ConnState
	CloseReason CloseReason
	Message     *InboundMessage
	Credentials []byte
}

// Handler receives the events of one connection, together with the
// connection itself: events can arrive before Connect has returned the Conn
// to the caller. Events for a single connection are delivered serially in
// wire order.
type Handler func(Conn, Event)

// SendResult reports the outcome of a message send.
type SendResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Conn is a live, possibly not-yet-authenticated connection.
type Conn interface {
	// Identity returns the authenticated phone digits once known.
	Identity() (string, bool)
	// SendText delivers a text message to a recipient phone.
	SendText(ctx context.Context, to, body string) (*SendResult, error)
	// Logout invalidates the device link server-side and closes.
	Logout(ctx context.Context) error
	// Close tears the connection down without logging out, keeping the
	// stored credentials valid for a later resume.
	Close() error
}

// ConnectOptions identifies the session a connection belongs to.
type ConnectOptions struct {
	SessionID string
	// AuthPath is the location of the session's durable credential
	// material, as returned by the auth store.
	AuthPath string
}

// Connector establishes connections. The handler is registered at creation
// time and owns all events for the connection's lifetime.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions, handler Handler) (Conn, error)
}
