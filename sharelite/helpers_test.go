package sharelite

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

type testServer struct {
	svc    *overshare.Service
	hub    *channel.MemoryHub
	server *httptest.Server

	mu        sync.Mutex
	intercept func(w http.ResponseWriter, r *http.Request) bool
}

// setIntercept installs fn in front of the router; fn returns true when it handled the request
func (ts *testServer) setIntercept(fn func(w http.ResponseWriter, r *http.Request) bool) {
	ts.mu.Lock()
	ts.intercept = fn
	ts.mu.Unlock()
}

func (ts *testServer) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ts.mu.Lock()
	fn := ts.intercept
	ts.mu.Unlock()
	if fn != nil && fn(w, r) {
		return
	}
	next.ServeHTTP(w, r)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	svc, err := overshare.NewService(overshare.NewMemoryStore(), overshare.DefaultServiceConfig("test-secret"), nil)
	require.NoError(t, err)
	hub := channel.NewMemoryHub(nil)
	svc.SetBroadcaster(hub)
	router := overshare.NewHTTPHandlers(svc, nil, nil, overshare.HandlerOptions{JoinRate: rate.Inf, JoinBurst: 100}, nil).Router()
	ts := &testServer{svc: svc, hub: hub}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.serve(w, r, router)
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (ts *testServer) newClient(t *testing.T, config *Config) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), openTestDB(t), ts.server.URL, ts.hub, config)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// pair returns an owner client and a joined member client on the same workspace
func (ts *testServer) pair(t *testing.T) (*Client, *Client, *overshare.CreateWorkspaceResponse) {
	t.Helper()
	ctx := context.Background()
	alice := ts.newClient(t, nil)
	res, err := alice.CreateWorkspace(ctx, "Family", "Alice")
	require.NoError(t, err)
	bob := ts.newClient(t, nil)
	_, err = bob.JoinWorkspace(ctx, res.Session.WorkspaceID, res.InviteCode, "Bob")
	require.NoError(t, err)
	return alice, bob, res
}

// revoke deletes the server session behind token, as a kick or remote logout would
func (ts *testServer) revoke(t *testing.T, token string) {
	t.Helper()
	claims, err := ts.svc.Tokens().Validate(token)
	require.NoError(t, err)
	require.NoError(t, ts.svc.Store().DeleteSession(context.Background(), claims.SessionID))
}

func (ts *testServer) topic(res *overshare.CreateWorkspaceResponse) string {
	return overshare.Topic(res.Session.ChannelKey)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

// fakeClock is a settable clock shared by the components under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
