package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zapboard/session-server/internal/errors"
	"github.com/zapboard/session-server/internal/events"
	"github.com/zapboard/session-server/internal/model"
	"github.com/zapboard/session-server/internal/registry"
	"github.com/zapboard/session-server/internal/repository"
	"github.com/zapboard/session-server/internal/transport"
)

// --- fakes ---

type fakeConn struct {
	mu        sync.Mutex
	identity  string
	sent      []string
	loggedOut bool
	closed    bool
	sendErr   error
}

func (c *fakeConn) Identity() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.identity != ""
}

func (c *fakeConn) SendText(_ context.Context, to, body string) (*transport.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.sent = append(c.sent, to+":"+body)
	return &transport.SendResult{MessageID: "msg-1", Timestamp: time.Now()}, nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type connection struct {
	conn    *fakeConn
	handler transport.Handler
}

// fire delivers one event the way the transport does: serially, with the
// connection attached.
func (c *connection) fire(ev transport.Event) {
	c.handler(c.conn, ev)
}

type fakeConnector struct {
	mu       sync.Mutex
	connects int
	failWith error
	// identityOnConnect makes Connect deliver an open event carrying this
	// identity before returning, like a gateway whose open frame beats the
	// dial's return.
	identityOnConnect string
	opened            chan *connection
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{opened: make(chan *connection, 16)}
}

func (f *fakeConnector) Connect(_ context.Context, _ transport.ConnectOptions, handler transport.Handler) (transport.Conn, error) {
	f.mu.Lock()
	if f.failWith != nil {
		defer f.mu.Unlock()
		return nil, f.failWith
	}
	f.connects++
	identity := f.identityOnConnect
	c := &connection{conn: &fakeConn{identity: identity}, handler: handler}
	f.opened <- c
	f.mu.Unlock()

	if identity != "" {
		c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateOpen})
	}
	return c.conn, nil
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeConnector) await(t *testing.T) *connection {
	t.Helper()
	select {
	case c := <-f.opened:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (f *fakeConnector) assertNoConnect(t *testing.T) {
	t.Helper()
	select {
	case <-f.opened:
		t.Fatal("unexpected connection attempt")
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]model.Session
	err  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]model.Session)}
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (r *fakeRepo) FindByStatuses(_ context.Context, statuses []model.SessionStatus) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []model.Session
	for _, row := range r.rows {
		for _, s := range statuses {
			if row.Status == s {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertStatus(_ context.Context, params repository.UpsertStatusParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	row := r.rows[params.SessionID]
	row.SessionID = params.SessionID
	row.TenantID = params.TenantID
	row.Phone = params.Phone
	row.Status = params.Status
	row.QRCode = params.QRCode
	r.rows[params.SessionID] = row
	return nil
}

func (r *fakeRepo) MarkConnected(_ context.Context, id, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[id]
	row.SessionID = id
	row.Phone = phone
	row.Status = model.SessionStatusConnected
	row.QRCode = nil
	r.rows[id] = row
	return nil
}

func (r *fakeRepo) MarkDisconnected(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[id]
	row.SessionID = id
	row.Status = model.SessionStatusDisconnected
	r.rows[id] = row
	return nil
}

func (r *fakeRepo) ReplaceIdentifier(_ context.Context, oldID, newID, phone string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[oldID]
	delete(r.rows, oldID)
	delete(r.rows, newID)
	row.SessionID = newID
	row.Phone = phone
	r.rows[newID] = row
	return nil
}

func (r *fakeRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *fakeRepo) DeleteDisconnectedBefore(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func (r *fakeRepo) WithTx(*sqlx.Tx) repository.SessionRepository {
	return r
}

func (r *fakeRepo) status(id string) model.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Status
}

type fakeAuth struct {
	mu      sync.Mutex
	dirs    map[string]bool
	deleted []string
	renamed [][2]string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{dirs: make(map[string]bool)}
}

func (a *fakeAuth) Init(id string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirs[id] = true
	return "/tmp/auth/" + id, nil
}

func (a *fakeAuth) Persist(id, _ string, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirs[id] = true
	return nil
}

func (a *fakeAuth) Rename(oldID, newID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.dirs, oldID)
	a.dirs[newID] = true
	a.renamed = append(a.renamed, [2]string{oldID, newID})
	return nil
}

func (a *fakeAuth) Delete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.dirs, id)
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeAuth) wasDeleted(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.deleted {
		if d == id {
			return true
		}
	}
	return false
}

// --- helpers ---

type env struct {
	manager   *Manager
	store     *registry.Memory
	repo      *fakeRepo
	auth      *fakeAuth
	connector *fakeConnector
}

func newTestEnv(t *testing.T, opts Options) *env {
	t.Helper()
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.RateLimitWindow == 0 {
		opts.RateLimitWindow = 15 * time.Minute
	}
	if opts.RateLimitMax == 0 {
		opts.RateLimitMax = 100
	}

	store := registry.NewMemory()
	repo := newFakeRepo()
	auth := newFakeAuth()
	connector := newFakeConnector()
	manager := NewManager(store, repo, auth, connector, events.NopPublisher{}, opts)
	return &env{manager: manager, store: store, repo: repo, auth: auth, connector: connector}
}

// --- tests ---

func TestStartSessionValidation(t *testing.T) {
	e := newTestEnv(t, Options{})

	t.Run("rejects non-positive tenant id", func(t *testing.T) {
		_, err := e.manager.StartSession(context.Background(), 0, "")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rejects malformed phone", func(t *testing.T) {
		_, err := e.manager.StartSession(context.Background(), 1, "123")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestStartSessionIdempotent(t *testing.T) {
	e := newTestEnv(t, Options{})

	first, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	assert.Equal(t, "tenant_1_5511987654321", first.SessionID)
	assert.Equal(t, model.SessionStatusConnecting, first.Status)

	second, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	assert.Equal(t, 1, e.connector.connectCount())
	assert.Equal(t, 1, e.store.Len())
}

func TestStartSessionTenantInvariant(t *testing.T) {
	e := newTestEnv(t, Options{})

	first, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)

	t.Run("phoneless start returns the live session", func(t *testing.T) {
		res, err := e.manager.StartSession(context.Background(), 1, "")
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, res.SessionID)
	})

	t.Run("start with a different phone conflicts", func(t *testing.T) {
		_, err := e.manager.StartSession(context.Background(), 1, "11911111111")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeConflict, apperrors.GetCode(err))
	})

	t.Run("other tenants are unaffected", func(t *testing.T) {
		_, err := e.manager.StartSession(context.Background(), 2, "11922222222")
		assert.NoError(t, err)
	})
}

func TestStartSessionRateLimited(t *testing.T) {
	e := newTestEnv(t, Options{RateLimitMax: 2})

	for i := 0; i < 2; i++ {
		_, err := e.manager.StartSession(context.Background(), 1, "11987654321")
		require.NoError(t, err)
	}

	_, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, apperrors.GetCode(err))
}

func TestStartSessionConnectFailure(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.connector.failWith = errors.New("gateway unreachable")

	_, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.Error(t, err)

	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeConnectionFailed, appErr.Code)
	assert.NotContains(t, appErr.Message, "gateway unreachable")
	assert.Zero(t, e.store.Len())
}

func TestLifecycleEndToEnd(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^tenant_1_temp_\d+$`), res.SessionID)
	assert.Equal(t, model.SessionStatusConnecting, res.Status)
	assert.Nil(t, res.QRCode)
	tempID := res.SessionID

	c := e.connector.await(t)

	t.Run("qr event moves session to qr_pending", func(t *testing.T) {
		c.fire(transport.Event{Kind: transport.KindQR, QR: "2@challenge"})

		assert.Equal(t, model.SessionStatusQRPending, e.manager.GetStatus(tempID))
		qrImage := e.manager.GetQR(tempID)
		assert.Contains(t, qrImage, "data:image/png;base64,")
		assert.Equal(t, model.SessionStatusQRPending, e.repo.status(tempID))
	})

	t.Run("open event migrates to the discovered identity", func(t *testing.T) {
		c.conn.mu.Lock()
		c.conn.identity = "5511999999999"
		c.conn.mu.Unlock()

		c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateOpen})

		newID := "tenant_1_5511999999999"
		_, oldExists := e.store.Get(tempID)
		assert.False(t, oldExists, "temporary identifier must be gone after migration")

		rec, newExists := e.store.Get(newID)
		require.True(t, newExists)
		v := rec.View()
		assert.Equal(t, model.SessionStatusConnected, v.State)
		assert.Empty(t, v.QR, "qr payload must be cleared on open")
		assert.Equal(t, "5511999999999", v.Phone)
		assert.Equal(t, 1, e.store.Len())

		assert.Equal(t, model.SessionStatusDisconnected, e.manager.GetStatus(tempID))
		assert.Equal(t, model.SessionStatusConnected, e.manager.GetStatus(newID))

		require.Len(t, e.auth.renamed, 1)
		assert.Equal(t, [2]string{tempID, newID}, e.auth.renamed[0])
	})
}

func TestIdentityDiscoveryBeforeConnectReturns(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.connector.identityOnConnect = "5511999999999"

	res, err := e.manager.StartSession(context.Background(), 1, "")
	require.NoError(t, err)

	assert.Equal(t, "tenant_1_5511999999999", res.SessionID,
		"an open frame delivered before Connect returns must still trigger identity discovery")
	assert.Equal(t, model.SessionStatusConnected, res.Status)

	rec, ok := e.store.Get("tenant_1_5511999999999")
	require.True(t, ok)
	assert.Equal(t, "5511999999999", rec.Phone())
	require.Len(t, e.auth.renamed, 1)

	assert.Equal(t, model.SessionStatusConnected, e.repo.status("tenant_1_5511999999999"))
}

func TestStatusPollingDuringLifecycleEvents(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "")
	require.NoError(t, err)
	c := e.connector.await(t)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			e.manager.GetStatus(res.SessionID)
			e.manager.GetQR(res.SessionID)
			e.manager.ListSessions()
		}
	}()

	for i := 0; i < 25; i++ {
		c.fire(transport.Event{Kind: transport.KindQR, QR: "2@challenge"})
	}
	c.conn.mu.Lock()
	c.conn.identity = "5511999999999"
	c.conn.mu.Unlock()
	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateOpen})

	close(done)
	wg.Wait()

	assert.Equal(t, model.SessionStatusConnected, e.manager.GetStatus("tenant_1_5511999999999"))
}

func TestCloseLoggedOut(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := e.connector.await(t)

	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateClose, CloseReason: transport.ReasonLoggedOut})

	assert.Zero(t, e.store.Len())
	assert.True(t, e.auth.wasDeleted(res.SessionID), "logout must delete auth storage")
	assert.Equal(t, model.SessionStatusDisconnected, e.repo.status(res.SessionID))
	e.connector.assertNoConnect(t)
}

func TestCloseTimedOut(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := e.connector.await(t)

	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateClose, CloseReason: transport.ReasonTimedOut})

	assert.Zero(t, e.store.Len())
	assert.False(t, e.auth.wasDeleted(res.SessionID), "timeout must keep auth storage")
	e.connector.assertNoConnect(t)
}

func TestCloseUnauthorizedRetriesWithCredentialReset(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := e.connector.await(t)

	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateClose, CloseReason: transport.ReasonUnauthorized})

	assert.True(t, e.auth.wasDeleted(res.SessionID), "unauthorized close must reset credentials")

	// The scheduled retry reconnects under the same identifier.
	e.connector.await(t)
	rec, ok := e.store.Get(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts())
}

func TestRetryBudgetExhaustion(t *testing.T) {
	e := newTestEnv(t, Options{MaxRetryAttempts: 3})

	res, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)

	// Initial connection plus exactly MaxRetryAttempts reconnects.
	for i := 0; i < 4; i++ {
		c := e.connector.await(t)
		c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateClose, CloseReason: transport.ReasonUnknown})
	}

	e.connector.assertNoConnect(t)
	assert.Equal(t, 4, e.connector.connectCount(), "1 initial + 3 retries")
	assert.Zero(t, e.store.Len())
	assert.Equal(t, model.SessionStatusDisconnected, e.manager.GetStatus(res.SessionID))
	assert.Equal(t, model.SessionStatusDisconnected, e.repo.status(res.SessionID))
}

func TestRetryRetiresOrphanedTemporaryRow(t *testing.T) {
	e := newTestEnv(t, Options{RetryDelay: 5 * time.Millisecond})

	res, err := e.manager.StartSession(context.Background(), 1, "")
	require.NoError(t, err)
	tempID := res.SessionID
	c := e.connector.await(t)

	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateClose, CloseReason: transport.ReasonUnknown})

	// The reconnect runs under a freshly derived temporary identifier.
	e.connector.await(t)
	sessions := e.manager.ListSessionsForTenant(1)
	require.Len(t, sessions, 1)
	assert.NotEqual(t, tempID, sessions[0].SessionID)

	assert.Equal(t, model.SessionStatusDisconnected, e.repo.status(tempID),
		"the replaced temporary identifier's row must not linger in a live status")
}

func TestDisconnectSession(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := e.connector.await(t)

	ok, err := e.manager.DisconnectSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	c.conn.mu.Lock()
	loggedOut := c.conn.loggedOut
	c.conn.mu.Unlock()
	assert.True(t, loggedOut)
	assert.True(t, e.auth.wasDeleted(res.SessionID))
	assert.Zero(t, e.store.Len())

	t.Run("second disconnect is a no-op, not an error", func(t *testing.T) {
		ok, err := e.manager.DisconnectSession(context.Background(), res.SessionID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed identifier is a validation failure", func(t *testing.T) {
		_, err := e.manager.DisconnectSession(context.Background(), "garbage")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestDisconnectAllForTenant(t *testing.T) {
	e := newTestEnv(t, Options{})

	_, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	_, err = e.manager.StartSession(context.Background(), 2, "11911111111")
	require.NoError(t, err)
	e.connector.await(t)
	e.connector.await(t)

	count, err := e.manager.DisconnectAllForTenant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, e.manager.ListSessionsForTenant(2), 1)

	count, err = e.manager.DisconnectAllForTenant(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSendMessage(t *testing.T) {
	e := newTestEnv(t, Options{})

	res, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := e.connector.await(t)

	t.Run("fails while not connected", func(t *testing.T) {
		_, err := e.manager.SendMessage(context.Background(), res.SessionID, "11922223333", "hello")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeSessionNotConnected, apperrors.GetCode(err))
	})

	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateOpen})

	t.Run("sends on a connected session", func(t *testing.T) {
		result, err := e.manager.SendMessage(context.Background(), res.SessionID, "11922223333", "  hello  ")
		require.NoError(t, err)
		assert.NotEmpty(t, result.MessageID)

		c.conn.mu.Lock()
		defer c.conn.mu.Unlock()
		require.Len(t, c.conn.sent, 1)
		assert.Equal(t, "5511922223333:hello", c.conn.sent[0])
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		_, err := e.manager.SendMessage(context.Background(), "tenant_9_5511900000000", "11922223333", "hi")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("validation failures are typed", func(t *testing.T) {
		_, err := e.manager.SendMessage(context.Background(), res.SessionID, "11922223333", " ")
		assert.True(t, apperrors.IsValidation(err))
		_, err = e.manager.SendMessage(context.Background(), res.SessionID, "bad", "hello")
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("transport failures surface sanitized", func(t *testing.T) {
		c.conn.mu.Lock()
		c.conn.sendErr = errors.New("socket write failed: secret token abc")
		c.conn.mu.Unlock()

		_, err := e.manager.SendMessage(context.Background(), res.SessionID, "11922223333", "hello")
		require.Error(t, err)
		appErr, ok := apperrors.AsAppError(err)
		require.True(t, ok)
		assert.NotContains(t, appErr.Message, "secret token")
	})
}

func TestRestoreSessions(t *testing.T) {
	e := newTestEnv(t, Options{})

	require.NoError(t, e.repo.UpsertStatus(context.Background(), repository.UpsertStatusParams{
		SessionID: "tenant_1_5511999999999", TenantID: 1, Phone: "5511999999999",
		Status: model.SessionStatusConnected,
	}))
	require.NoError(t, e.repo.UpsertStatus(context.Background(), repository.UpsertStatusParams{
		SessionID: "tenant_2_temp_1700000000000", TenantID: 2, Phone: "temp",
		Status: model.SessionStatusQRPending,
	}))
	require.NoError(t, e.repo.UpsertStatus(context.Background(), repository.UpsertStatusParams{
		SessionID: "tenant_3_5511888888888", TenantID: 3, Phone: "5511888888888",
		Status: model.SessionStatusDisconnected,
	}))

	restored, err := e.manager.RestoreSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	_, ok := e.store.Get("tenant_1_5511999999999")
	assert.True(t, ok)
	assert.Len(t, e.manager.ListSessionsForTenant(2), 1)
	assert.Empty(t, e.manager.ListSessionsForTenant(3), "disconnected rows are not restored")

	assert.Equal(t, model.SessionStatusDisconnected, e.repo.status("tenant_2_temp_1700000000000"),
		"a temporary row restored under a fresh identifier must be retired")
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t, Options{})

	_, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	_, err = e.manager.StartSession(context.Background(), 2, "11911111111")
	require.NoError(t, err)

	all := e.manager.ListSessions()
	assert.Len(t, all, 2)

	forTenant := e.manager.ListSessionsForTenant(1)
	require.Len(t, forTenant, 1)
	assert.Equal(t, "tenant_1_5511987654321", forTenant[0].SessionID)
	assert.Equal(t, model.SessionStatusConnecting, forTenant[0].Status)
}

func TestSnapshot(t *testing.T) {
	e := newTestEnv(t, Options{})

	_, err := e.manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := e.connector.await(t)
	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateOpen})

	_, err = e.manager.SendMessage(context.Background(), "tenant_1_5511987654321", "11922223333", "hi")
	require.NoError(t, err)

	snap := e.manager.Snapshot()
	assert.Equal(t, int64(1), snap.SessionsCreated)
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.Equal(t, 1, snap.ConnectedSessions)
	assert.Equal(t, int64(1), snap.MessagesSent)
}

type slowPublisher struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (p *slowPublisher) SessionStateChanged(ctx context.Context, _ events.StateChange) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	select {
	case <-p.block:
	case <-ctx.Done():
	}
}

func TestPublishRunsOffTheEventPath(t *testing.T) {
	pub := &slowPublisher{block: make(chan struct{})}
	defer close(pub.block)

	connector := newFakeConnector()
	manager := NewManager(registry.NewMemory(), newFakeRepo(), newFakeAuth(), connector, pub, Options{
		MaxRetryAttempts: 3,
		RetryDelay:       time.Millisecond,
		RateLimitWindow:  15 * time.Minute,
		RateLimitMax:     100,
	})

	res, err := manager.StartSession(context.Background(), 1, "11987654321")
	require.NoError(t, err)
	c := connector.await(t)

	// With the sink never acknowledging, the event stream must keep moving.
	c.fire(transport.Event{Kind: transport.KindQR, QR: "2@challenge"})
	assert.Equal(t, model.SessionStatusQRPending, manager.GetStatus(res.SessionID))

	c.fire(transport.Event{Kind: transport.KindConnState, State: transport.StateOpen})
	assert.Equal(t, model.SessionStatusConnected, manager.GetStatus(res.SessionID))

	assert.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.calls >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestComplianceCheck(t *testing.T) {
	e := newTestEnv(t, Options{RateLimitMax: 1})

	t.Run("clean message is compliant", func(t *testing.T) {
		res, err := e.manager.ComplianceCheck(1, "11987654321", "hello, your order shipped")
		require.NoError(t, err)
		assert.True(t, res.Compliant)
		assert.Empty(t, res.Warnings)
	})

	t.Run("promotional keywords are flagged", func(t *testing.T) {
		res, err := e.manager.ComplianceCheck(1, "", "Compre agora com desconto imperdível!")
		require.NoError(t, err)
		assert.False(t, res.Compliant)
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("rate limit standing is reported", func(t *testing.T) {
		_, err := e.manager.StartSession(context.Background(), 5, "11987654321")
		require.NoError(t, err)

		res, err := e.manager.ComplianceCheck(5, "", "hello")
		require.NoError(t, err)
		assert.False(t, res.Compliant)
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("invalid tenant fails validation", func(t *testing.T) {
		_, err := e.manager.ComplianceCheck(-1, "", "")
		assert.True(t, apperrors.IsValidation(err))
	})
}
