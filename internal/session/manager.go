// Package session implements the WhatsApp session lifecycle: one persistent,
// authenticated connection per tenant, surviving restarts and reconnecting on
// transient failure under a bounded retry budget.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapboard/session-server/internal/audit"
	"github.com/zapboard/session-server/internal/authstore"
	apperrors "github.com/zapboard/session-server/internal/errors"
	"github.com/zapboard/session-server/internal/events"
	"github.com/zapboard/session-server/internal/identity"
	"github.com/zapboard/session-server/internal/model"
	"github.com/zapboard/session-server/internal/qr"
	"github.com/zapboard/session-server/internal/registry"
	"github.com/zapboard/session-server/internal/repository"
	"github.com/zapboard/session-server/internal/transport"
	"github.com/zapboard/session-server/internal/util"
)

const (
	mirrorTimeout  = 10 * time.Second
	publishTimeout = 3 * time.Second
)

// Options tune the lifecycle and admission policy.
type Options struct {
	MaxRetryAttempts int
	RetryDelay       time.Duration
	RateLimitWindow  time.Duration
	RateLimitMax     int
}

// Manager owns the per-session state machine. Mutation of a live record goes
// through its locked accessors; the transport delivers one session's events
// serially, so state transitions themselves never interleave.
type Manager struct {
	store     registry.Store
	repo      repository.SessionRepository
	auth      authstore.Store
	connector transport.Connector
	publisher events.Publisher
	limiter   *RateLimiter
	metrics   *Metrics
	opts      Options

	// startMu serializes session creation so the registry check and
	// insert act as one step; event callbacks never take it.
	startMu sync.Mutex
}

func NewManager(
	store registry.Store,
	repo repository.SessionRepository,
	auth authstore.Store,
	connector transport.Connector,
	publisher events.Publisher,
	opts Options,
) *Manager {
	return &Manager{
		store:     store,
		repo:      repo,
		auth:      auth,
		connector: connector,
		publisher: publisher,
		limiter:   NewRateLimiter(opts.RateLimitWindow, opts.RateLimitMax),
		metrics:   NewMetrics(),
		opts:      opts,
	}
}

// StartResult is the state view returned to callers of StartSession.
type StartResult struct {
	SessionID string              `json:"sessionId"`
	QRCode    *string             `json:"qrCode"`
	Status    model.SessionStatus `json:"status"`
}

// SessionInfo is the read view of one live session.
type SessionInfo struct {
	SessionID string              `json:"sessionId"`
	TenantID  int64               `json:"tenantId"`
	Phone     string              `json:"phone"`
	Status    model.SessionStatus `json:"status"`
}

// StartSession opens a session for the tenant, or returns the live one
// idempotently. With no phone a temporary identifier is used until the QR
// scan reveals the authenticated identity.
func (m *Manager) StartSession(ctx context.Context, tenantID int64, phone string) (*StartResult, error) {
	if _, err := util.CheckTenantID(tenantID); err != nil {
		return nil, err
	}
	if phone != "" {
		normalized, err := util.ValidatePhoneNumber(phone)
		if err != nil {
			return nil, err
		}
		phone = normalized
	}

	if !m.limiter.Admit(tenantID) {
		audit.Log(audit.Event{Type: audit.EventRateLimitExceed, TenantID: tenantID})
		return nil, apperrors.RateLimitExceeded()
	}

	return m.start(ctx, tenantID, phone, 0)
}

func (m *Manager) start(ctx context.Context, tenantID int64, phone string, attempt int) (*StartResult, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	sessionID := identity.Derive(tenantID, phone)

	// Idempotent short-circuit: a live entry under the same identifier
	// answers without opening a second connection. This also neutralizes
	// stale retry timers that fire after a manual replacement start.
	if rec, ok := m.store.Get(sessionID); ok {
		return resultFor(rec), nil
	}

	// One live session per tenant. A phoneless start is a request for
	// "the tenant's session", so an existing one is returned as-is; a
	// start naming a different phone than the live session is a conflict.
	if live := m.store.ListByTenant(tenantID); len(live) > 0 {
		if phone == "" {
			return resultFor(live[0]), nil
		}
		return nil, apperrors.Conflict("tenant already has a live session")
	}

	authPath, err := m.auth.Init(sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to init auth storage")
		return nil, apperrors.Sanitize(err)
	}

	recPhone := phone
	if recPhone == "" {
		recPhone = identity.TempMarker
	}
	rec := registry.NewRecord(sessionID, tenantID, recPhone, model.SessionStatusConnecting, attempt)
	m.store.Put(rec)

	conn, err := m.connector.Connect(ctx, transport.ConnectOptions{
		SessionID: sessionID,
		AuthPath:  authPath,
	}, func(conn transport.Conn, ev transport.Event) {
		m.handleEvent(rec, conn, ev)
	})
	if err != nil {
		m.store.Remove(sessionID)
		m.metrics.connectionsFailed.Add(1)
		m.mirror("mark_disconnected", func(mctx context.Context) error {
			return m.repo.MarkDisconnected(mctx, sessionID)
		})
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to open transport connection")
		return nil, apperrors.ConnectionFailed()
	}
	rec.SetConn(conn)

	// Events may already have advanced (or migrated) the session before
	// Connect returned, so mirror and report the current view, not the
	// initial one.
	v := rec.View()
	m.metrics.sessionsCreated.Add(1)
	m.mirror("upsert_status", func(mctx context.Context) error {
		return m.repo.UpsertStatus(mctx, repository.UpsertStatusParams{
			SessionID: v.ID,
			TenantID:  v.TenantID,
			Phone:     v.Phone,
			Status:    v.State,
		})
	})
	m.publish(rec)
	audit.Log(audit.Event{
		Type:      audit.EventSessionStart,
		SessionID: v.ID,
		TenantID:  tenantID,
		Details:   map[string]interface{}{"attempt": attempt},
	})

	log.Info().
		Str("sessionId", v.ID).
		Int64("tenantId", tenantID).
		Int("attempt", attempt).
		Msg("session starting")

	return resultFor(rec), nil
}

func resultFor(rec *registry.Record) *StartResult {
	v := rec.View()
	res := &StartResult{SessionID: v.ID, Status: v.State}
	if v.QR != "" {
		qrCopy := v.QR
		res.QRCode = &qrCopy
	}
	return res
}

// handleEvent is the single entry point for one connection's event stream.
// The transport delivers events for a connection serially. The Conn arrives
// with each event because the first events can beat Connect's return.
func (m *Manager) handleEvent(rec *registry.Record, conn transport.Conn, ev transport.Event) {
	rec.SetConn(conn)

	switch ev.Kind {
	case transport.KindQR:
		m.handleQR(rec, ev.QR)
	case transport.KindConnState:
		switch ev.State {
		case transport.StateOpen:
			m.handleOpen(rec, conn)
		case transport.StateClose:
			m.handleClose(rec, ev.CloseReason)
		}
	case transport.KindCredentials:
		if err := m.auth.Persist(rec.ID(), "creds.json", ev.Credentials); err != nil {
			log.Error().Err(err).Str("sessionId", rec.ID()).Msg("failed to persist credentials")
		}
	case transport.KindMessage:
		log.Debug().
			Str("sessionId", rec.ID()).
			Str("from", ev.Message.From).
			Msg("inbound message received")
	}
}

func (m *Manager) handleQR(rec *registry.Record, payload string) {
	rendered, err := qr.DataURL(payload)
	if err != nil {
		log.Error().Err(err).Str("sessionId", rec.ID()).Msg("failed to render qr challenge")
		return
	}

	rec.QRIssued(rendered)

	v := rec.View()
	m.mirror("upsert_status", func(mctx context.Context) error {
		return m.repo.UpsertStatus(mctx, repository.UpsertStatusParams{
			SessionID: v.ID,
			TenantID:  v.TenantID,
			Phone:     v.Phone,
			Status:    v.State,
			QRCode:    &rendered,
		})
	})
	m.publish(rec)

	log.Info().Str("sessionId", v.ID).Msg("qr challenge issued")
}

func (m *Manager) handleOpen(rec *registry.Record, conn transport.Conn) {
	rec.Opened()

	// Identity discovery: a session opened without a known phone carries a
	// temporary identifier until now.
	if identity.IsTemporary(rec.ID()) {
		if phone, ok := conn.Identity(); ok {
			m.migrate(rec, phone)
		}
	}

	v := rec.View()
	m.mirror("mark_connected", func(mctx context.Context) error {
		return m.repo.MarkConnected(mctx, v.ID, v.Phone)
	})
	m.publish(rec)
	audit.Log(audit.Event{Type: audit.EventSessionConnected, SessionID: v.ID, TenantID: v.TenantID})

	log.Info().
		Str("sessionId", v.ID).
		Int64("tenantId", v.TenantID).
		Msg("session connected")
}

// migrate rekeys a session once its authenticated identity is known. The
// auth storage is renamed first (destination cleared inside Rename), then the
// registry entry moves atomically so a concurrent lookup sees the record
// under exactly one of the two identifiers.
func (m *Manager) migrate(rec *registry.Record, phone string) {
	oldID := rec.ID()
	newID := identity.Derive(rec.TenantID(), phone)
	if newID == oldID {
		return
	}

	if err := m.auth.Rename(oldID, newID); err != nil {
		log.Error().
			Err(err).
			Str("from", oldID).
			Str("to", newID).
			Msg("failed to relocate auth storage, keeping temporary identifier")
		return
	}

	m.store.Rekey(oldID, newID, phone)

	m.mirror("replace_identifier", func(mctx context.Context) error {
		return m.repo.ReplaceIdentifier(mctx, oldID, newID, phone)
	})
	audit.Log(audit.Event{
		Type:      audit.EventSessionMigrated,
		SessionID: newID,
		TenantID:  rec.TenantID(),
		Details:   map[string]interface{}{"previousId": oldID},
	})

	log.Info().
		Str("from", oldID).
		Str("to", newID).
		Msg("session identity migrated")
}

func (m *Manager) handleClose(rec *registry.Record, reason transport.CloseReason) {
	sessionID := rec.ID()
	tenantID := rec.TenantID()
	log.Info().
		Str("sessionId", sessionID).
		Str("reason", string(reason)).
		Msg("connection closed")

	switch reason {
	case transport.ReasonLoggedOut:
		// A logout invalidates credentials; they must not be reused.
		m.store.Remove(sessionID)
		rec.SetState(model.SessionStatusDisconnected)
		if err := m.auth.Delete(sessionID); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to delete auth storage")
		}
		m.mirror("mark_disconnected", func(mctx context.Context) error {
			return m.repo.MarkDisconnected(mctx, sessionID)
		})
		m.publish(rec)
		audit.Log(audit.Event{
			Type:      audit.EventSessionDisconnect,
			SessionID: sessionID,
			TenantID:  tenantID,
			Details:   map[string]interface{}{"reason": string(reason)},
		})

	case transport.ReasonTimedOut:
		// Timeouts are not retried automatically.
		m.store.Remove(sessionID)
		rec.SetState(model.SessionStatusDisconnected)
		m.mirror("mark_disconnected", func(mctx context.Context) error {
			return m.repo.MarkDisconnected(mctx, sessionID)
		})
		m.publish(rec)

	case transport.ReasonUnauthorized:
		// Credential reset: stale auth material is the likely cause.
		if err := m.auth.Delete(sessionID); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to reset auth storage")
		}
		m.scheduleRetry(rec)

	default:
		m.scheduleRetry(rec)
	}
}

func (m *Manager) scheduleRetry(rec *registry.Record) {
	sessionID := rec.ID()
	tenantID := rec.TenantID()
	m.store.Remove(sessionID)

	attempt := rec.Attempts() + 1
	if attempt > m.opts.MaxRetryAttempts {
		rec.SetState(model.SessionStatusDisconnected)
		m.metrics.connectionsFailed.Add(1)
		m.mirror("mark_disconnected", func(mctx context.Context) error {
			return m.repo.MarkDisconnected(mctx, sessionID)
		})
		m.publish(rec)
		audit.Log(audit.Event{
			Type:      audit.EventRetryExhausted,
			SessionID: sessionID,
			TenantID:  tenantID,
			Details:   map[string]interface{}{"attempts": attempt - 1},
		})
		log.Warn().
			Str("sessionId", sessionID).
			Int("attempts", attempt-1).
			Msg("retry budget exhausted, giving up")
		return
	}

	phone := ""
	if parsed, ok := identity.Parse(sessionID); ok && parsed.Phone != identity.TempMarker {
		phone = parsed.Phone
	}

	// A phoneless retry reconnects under a freshly derived temporary
	// identifier, so the old identifier's mirror row would otherwise stay
	// in a live status forever. Retire it now.
	if phone == "" {
		m.mirror("mark_disconnected", func(mctx context.Context) error {
			return m.repo.MarkDisconnected(mctx, sessionID)
		})
	}

	audit.Log(audit.Event{
		Type:      audit.EventSessionRetry,
		SessionID: sessionID,
		TenantID:  tenantID,
		Details:   map[string]interface{}{"attempt": attempt},
	})
	log.Info().
		Str("sessionId", sessionID).
		Int("attempt", attempt).
		Dur("delay", m.opts.RetryDelay).
		Msg("scheduling reconnect")

	// There is no cancellation token; a session manually restarted before
	// the timer fires makes this a duplicate Start that short-circuits.
	time.AfterFunc(m.opts.RetryDelay, func() {
		if _, err := m.start(context.Background(), tenantID, phone, attempt); err != nil {
			log.Error().
				Err(err).
				Int64("tenantId", tenantID).
				Int("attempt", attempt).
				Msg("reconnect attempt failed")
		}
	})
}

// GetQR returns the pending QR image for a session, or "" when none.
func (m *Manager) GetQR(sessionID string) string {
	if rec, ok := m.store.Get(sessionID); ok {
		return rec.QR()
	}
	return ""
}

// GetStatus returns the live state of a session, defaulting to disconnected
// for unknown identifiers.
func (m *Manager) GetStatus(sessionID string) model.SessionStatus {
	if rec, ok := m.store.Get(sessionID); ok {
		return rec.State()
	}
	return model.SessionStatusDisconnected
}

// DisconnectSession tears down one session: transport logout, registry
// removal, mirror update, auth storage deletion. Returns false when the
// identifier has no live entry.
func (m *Manager) DisconnectSession(ctx context.Context, sessionID string) (bool, error) {
	if err := util.ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	rec, ok := m.store.Get(sessionID)
	if !ok {
		return false, nil
	}

	if conn := rec.Conn(); conn != nil {
		if err := conn.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("transport logout failed")
		}
	}

	m.store.Remove(sessionID)
	rec.SetState(model.SessionStatusDisconnected)
	m.mirror("mark_disconnected", func(mctx context.Context) error {
		return m.repo.MarkDisconnected(mctx, sessionID)
	})
	if err := m.auth.Delete(sessionID); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to delete auth storage")
	}
	m.publish(rec)
	audit.Log(audit.Event{
		Type:      audit.EventSessionDisconnect,
		SessionID: sessionID,
		TenantID:  rec.TenantID(),
		Details:   map[string]interface{}{"reason": "api_request"},
	})

	log.Info().Str("sessionId", sessionID).Msg("session disconnected")
	return true, nil
}

// DisconnectAllForTenant tears down every live session of a tenant and
// returns the count removed.
func (m *Manager) DisconnectAllForTenant(ctx context.Context, tenantID int64) (int, error) {
	if _, err := util.CheckTenantID(tenantID); err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range m.store.ListByTenant(tenantID) {
		ok, err := m.DisconnectSession(ctx, rec.ID())
		if err != nil {
			log.Error().Err(err).Str("sessionId", rec.ID()).Msg("failed to disconnect session")
			continue
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// SendMessage delivers a text message over a connected session.
func (m *Manager) SendMessage(ctx context.Context, sessionID, to, text string) (*transport.SendResult, error) {
	if err := util.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	recipient, err := util.ValidatePhoneNumber(to)
	if err != nil {
		return nil, err
	}
	body, err := util.ValidateMessage(text)
	if err != nil {
		return nil, err
	}

	rec, ok := m.store.Get(sessionID)
	if !ok {
		return nil, apperrors.NotFound("Session")
	}
	conn := rec.Conn()
	if rec.State() != model.SessionStatusConnected || conn == nil {
		return nil, apperrors.SessionNotConnected()
	}

	result, err := conn.SendText(ctx, recipient, body)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to send message")
		return nil, apperrors.Sanitize(apperrors.Transport(err))
	}

	m.metrics.messagesSent.Add(1)
	audit.Log(audit.Event{
		Type:      audit.EventMessageSent,
		SessionID: sessionID,
		TenantID:  rec.TenantID(),
		Details:   map[string]interface{}{"messageId": result.MessageID},
	})
	return result, nil
}

// ListSessions returns the read view of every live session.
func (m *Manager) ListSessions() []SessionInfo {
	return infos(m.store.List())
}

// ListSessionsForTenant returns the live sessions of one tenant.
func (m *Manager) ListSessionsForTenant(tenantID int64) []SessionInfo {
	return infos(m.store.ListByTenant(tenantID))
}

func infos(recs []*registry.Record) []SessionInfo {
	out := make([]SessionInfo, 0, len(recs))
	for _, rec := range recs {
		v := rec.View()
		out = append(out, SessionInfo{
			SessionID: v.ID,
			TenantID:  v.TenantID,
			Phone:     v.Phone,
			Status:    v.State,
		})
	}
	return out
}

// RestoreSessions reloads rows left in a live status by a previous process
// and attempts to re-open each. Rows that cannot be restored are marked
// disconnected.
func (m *Manager) RestoreSessions(ctx context.Context) (int, error) {
	rows, err := m.repo.FindByStatuses(ctx, model.LiveStatuses)
	if err != nil {
		return 0, apperrors.Database(err)
	}

	restored := 0
	for _, row := range rows {
		parsed, ok := identity.Parse(row.SessionID)
		if !ok {
			log.Warn().Str("sessionId", row.SessionID).Msg("skipping unparseable persisted session")
			m.mirror("mark_disconnected", func(mctx context.Context) error {
				return m.repo.MarkDisconnected(mctx, row.SessionID)
			})
			continue
		}

		phone := ""
		if parsed.Phone != identity.TempMarker {
			phone = parsed.Phone
		}

		if _, err := m.start(ctx, parsed.TenantID, phone, 0); err != nil {
			log.Error().Err(err).Str("sessionId", row.SessionID).Msg("failed to restore session")
			m.mirror("mark_disconnected", func(mctx context.Context) error {
				return m.repo.MarkDisconnected(mctx, row.SessionID)
			})
			continue
		}

		// A temporary-identifier row restores under a freshly derived
		// identifier; retire the old row so it cannot be re-loaded on
		// the next boot.
		if phone == "" {
			m.mirror("mark_disconnected", func(mctx context.Context) error {
				return m.repo.MarkDisconnected(mctx, row.SessionID)
			})
		}
		restored++
	}

	log.Info().Int("restored", restored).Int("total", len(rows)).Msg("session recovery finished")
	return restored, nil
}

// Close shuts every live connection down without logging out, keeping
// credentials valid so the sessions resume on the next start.
func (m *Manager) Close() {
	for _, rec := range m.store.List() {
		if conn := rec.Conn(); conn != nil {
			_ = conn.Close()
		}
		m.store.Remove(rec.ID())
	}
}

// RateLimiter exposes the admission limiter for the cleanup job's sweep.
func (m *Manager) RateLimiter() *RateLimiter {
	return m.limiter
}

// Snapshot returns the current metrics view.
func (m *Manager) Snapshot() MetricsSnapshot {
	connected := 0
	for _, rec := range m.store.List() {
		if rec.State() == model.SessionStatusConnected {
			connected++
		}
	}
	return MetricsSnapshot{
		SessionsCreated:     m.metrics.sessionsCreated.Load(),
		ActiveSessions:      m.store.Len(),
		ConnectedSessions:   connected,
		ConnectionsFailed:   m.metrics.connectionsFailed.Load(),
		MessagesSent:        m.metrics.messagesSent.Load(),
		MirrorWritesDropped: m.metrics.mirrorDropped.Load(),
	}
}

// mirror runs one best-effort persistence write. A mirror failure must never
// disturb a live connection, so errors are logged and counted, not returned.
func (m *Manager) mirror(op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		m.metrics.mirrorDropped.Add(1)
		log.Error().Err(err).Str("op", op).Msg("persistence mirror write dropped")
	}
}

// publish hands a state change to the notification sink. The view is taken
// at call time, then delivery runs off the event path so a slow sink cannot
// stall the session's event stream.
func (m *Manager) publish(rec *registry.Record) {
	v := rec.View()
	phone := v.Phone
	if phone == identity.TempMarker {
		phone = ""
	}
	change := events.StateChange{
		SessionID: v.ID,
		TenantID:  v.TenantID,
		Status:    v.State,
		Phone:     phone,
		At:        time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		m.publisher.SessionStateChanged(ctx, change)
	}()
}
