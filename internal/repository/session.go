package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/zapboard/session-server/internal/model"
)

// SessionRepository is the persistence mirror for session state. Writes are
// best-effort from the caller's point of view: a failed mirror write must
// never take down a live connection.
type SessionRepository interface {
	FindByID(ctx context.Context, sessionID string) (*model.Session, error)
	FindByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error)
	UpsertStatus(ctx context.Context, params UpsertStatusParams) error
	MarkConnected(ctx context.Context, sessionID string, phone string) error
	MarkDisconnected(ctx context.Context, sessionID string) error
	ReplaceIdentifier(ctx context.Context, oldID, newID, phone string) error
	DeleteByID(ctx context.Context, sessionID string) error
	DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// UpsertStatusParams carries one state transition to mirror.
type UpsertStatusParams struct {
	SessionID string
	TenantID  int64
	Phone     string
	Status    model.SessionStatus
	QRCode    *string
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM wa_sessions WHERE session_id = $1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) FindByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM wa_sessions
		WHERE status = ANY($1)
		ORDER BY created_at
	`, pq.Array(values))
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) UpsertStatus(ctx context.Context, params UpsertStatusParams) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wa_sessions (session_id, tenant_id, phone, status, qr_code, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			qr_code = EXCLUDED.qr_code,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at
	`, params.SessionID, params.TenantID, params.Phone, params.Status, params.QRCode, now)
	return err
}

func (r *sessionRepo) MarkConnected(ctx context.Context, sessionID string, phone string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wa_sessions SET
			status = 'connected',
			phone = $2,
			qr_code = NULL,
			connected_at = $3,
			disconnected_at = NULL,
			last_activity_at = $3,
			updated_at = $3
		WHERE session_id = $1
	`, sessionID, phone, time.Now())
	return err
}

func (r *sessionRepo) MarkDisconnected(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE wa_sessions SET
			status = 'disconnected',
			qr_code = NULL,
			disconnected_at = $2,
			updated_at = $2
		WHERE session_id = $1
	`, sessionID, time.Now())
	return err
}

// ReplaceIdentifier rekeys a row after identity discovery. Any row already at
// the destination identifier is dropped first so the rename cannot collide.
func (r *sessionRepo) ReplaceIdentifier(ctx context.Context, oldID, newID, phone string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM wa_sessions WHERE session_id = $1
	`, newID)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE wa_sessions SET
			session_id = $2,
			phone = $3,
			updated_at = $4
		WHERE session_id = $1
	`, oldID, newID, phone, time.Now())
	return err
}

func (r *sessionRepo) DeleteByID(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM wa_sessions WHERE session_id = $1
	`, sessionID)
	return err
}

// DeleteDisconnectedBefore purges rows disconnected for longer than the
// retention window and returns their identifiers so the caller can remove
// the matching auth storage.
func (r *sessionRepo) DeleteDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		DELETE FROM wa_sessions
		WHERE status = 'disconnected' AND disconnected_at < $1
		RETURNING session_id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
