package model

import "time"

// SessionStatus is the lifecycle state of a WhatsApp session.
type SessionStatus string

const (
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusQRPending    SessionStatus = "qr_pending"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// LiveStatuses are the states reloaded at process startup for recovery.
var LiveStatuses = []SessionStatus{
	SessionStatusConnecting,
	SessionStatusQRPending,
	SessionStatusConnected,
}

// Session is the durable shadow of an in-memory session record. While the
// process is live the registry is the source of truth; these rows exist for
// crash recovery and cross-process visibility.
type Session struct {
	SessionID      string        `db:"session_id" json:"sessionId"`
	TenantID       int64         `db:"tenant_id" json:"tenantId"`
	Phone          string        `db:"phone" json:"phone"`
	Status         SessionStatus `db:"status" json:"status"`
	QRCode         *string       `db:"qr_code" json:"qrCode,omitempty"`
	ConnectedAt    *time.Time    `db:"connected_at" json:"connectedAt,omitempty"`
	DisconnectedAt *time.Time    `db:"disconnected_at" json:"disconnectedAt,omitempty"`
	LastActivityAt time.Time     `db:"last_activity_at" json:"lastActivityAt"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
}
