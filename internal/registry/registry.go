// Package registry holds the authoritative in-memory view of live sessions.
// While the process runs, this map is the source of truth; the database row
// is only an eventually-consistent mirror.
package registry

import (
	"sync"

	"github.com/zapboard/session-server/internal/model"
	"github.com/zapboard/session-server/internal/transport"
)

// Record is one live session. Its mutable fields are written from the
// session's transport callbacks and read concurrently by HTTP handlers, so
// all access goes through the locked accessors.
type Record struct {
	mu       sync.RWMutex
	id       string
	tenantID int64
	// phone holds the digit string, or identity.TempMarker until the
	// authenticated identity is discovered.
	phone    string
	conn     transport.Conn
	qr       string
	state    model.SessionStatus
	attempts int
}

func NewRecord(id string, tenantID int64, phone string, state model.SessionStatus, attempts int) *Record {
	return &Record{id: id, tenantID: tenantID, phone: phone, state: state, attempts: attempts}
}

// View is a consistent copy of a record's fields taken under one lock.
type View struct {
	ID       string
	TenantID int64
	Phone    string
	QR       string
	State    model.SessionStatus
	Attempts int
}

func (r *Record) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return View{
		ID:       r.id,
		TenantID: r.tenantID,
		Phone:    r.phone,
		QR:       r.qr,
		State:    r.state,
		Attempts: r.attempts,
	}
}

func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *Record) TenantID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenantID
}

func (r *Record) Phone() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phone
}

func (r *Record) QR() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.qr
}

func (r *Record) State() model.SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Record) Attempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts
}

func (r *Record) Conn() transport.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

func (r *Record) SetConn(conn transport.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

func (r *Record) SetState(state model.SessionStatus) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// QRIssued records a fresh QR challenge and the matching state in one step.
func (r *Record) QRIssued(qr string) {
	r.mu.Lock()
	r.qr = qr
	r.state = model.SessionStatusQRPending
	r.mu.Unlock()
}

// Opened marks the session connected: the QR challenge is consumed and the
// retry budget resets.
func (r *Record) Opened() {
	r.mu.Lock()
	r.qr = ""
	r.state = model.SessionStatusConnected
	r.attempts = 0
	r.mu.Unlock()
}

// Store is the registry interface the lifecycle controller depends on. The
// in-memory map is the default; a multi-process deployment can swap in a
// shared implementation.
type Store interface {
	Get(sessionID string) (*Record, bool)
	List() []*Record
	ListByTenant(tenantID int64) []*Record
	Put(rec *Record)
	Remove(sessionID string) bool
	// Rekey atomically moves a record to a new identifier, updating its
	// phone, while no reader can observe the record under either key.
	// Returns false if oldID is not present.
	Rekey(oldID, newID, phone string) bool
	Len() int
}

// Memory is the single-process map-backed registry.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string]*Record)}
}

func (m *Memory) Get(sessionID string) (*Record, bool) {
	m.mu.RLock()
	rec, ok := m.recs[sessionID]
	m.mu.RUnlock()
	return rec, ok
}

func (m *Memory) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out
}

func (m *Memory) ListByTenant(tenantID int64) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.recs {
		if rec.TenantID() == tenantID {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Memory) Put(rec *Record) {
	m.mu.Lock()
	m.recs[rec.ID()] = rec
	m.mu.Unlock()
}

func (m *Memory) Remove(sessionID string) bool {
	m.mu.Lock()
	_, ok := m.recs[sessionID]
	delete(m.recs, sessionID)
	m.mu.Unlock()
	return ok
}

func (m *Memory) Rekey(oldID, newID, phone string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[oldID]
	if !ok {
		return false
	}
	delete(m.recs, oldID)
	rec.mu.Lock()
	rec.id = newID
	rec.phone = phone
	rec.mu.Unlock()
	m.recs[newID] = rec
	return true
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}
