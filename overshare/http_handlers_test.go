package overshare

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type handlerFixture struct {
	svc     *Service
	metrics *Metrics
	server  *httptest.Server
}

func newHandlerFixture(t *testing.T, opts HandlerOptions) *handlerFixture {
	t.Helper()
	svc, err := NewService(NewMemoryStore(), DefaultServiceConfig("test-secret"), nil)
	require.NoError(t, err)
	metrics := NewMetrics()
	hub := NewHub(svc, metrics, nil)
	svc.SetBroadcaster(hub)
	h := NewHTTPHandlers(svc, hub, metrics, opts, nil)
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)
	return &handlerFixture{svc: svc, metrics: metrics, server: server}
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *handlerFixture) createWorkspace(t *testing.T) CreateWorkspaceResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/workspaces", "", CreateWorkspaceRequest{Name: "Family", DisplayName: "Alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[CreateWorkspaceResponse](t, resp)
}

func (f *handlerFixture) join(t *testing.T, ws CreateWorkspaceResponse, name string) Session {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/workspaces/"+ws.Session.WorkspaceID+"/join", "",
		JoinRequest{InviteCode: ws.InviteCode, DisplayName: name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[Session](t, resp)
}

func TestHTTPHandlers_WorkspaceFlow(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	require.NotEmpty(t, ws.Session.Token)
	require.NotEmpty(t, ws.Session.ChannelKey)
	require.True(t, ws.Session.IsOwner)

	bob := f.join(t, ws, "Bob")
	base := "/v1/workspaces/" + ws.Session.WorkspaceID

	resp := f.do(t, http.MethodPost, base+"/messages", bob.Token, Message{Content: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decodeBody[Message](t, resp)
	require.Equal(t, bob.MemberID, msg.SenderID)

	resp = f.do(t, http.MethodGet, base+"/messages?limit=10", ws.Session.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[MessagesResponse](t, resp).Messages, 1)

	resp = f.do(t, http.MethodGet, base+"/messages?limit=abc", ws.Session.Token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, base+"/tasks", bob.Token, Task{Title: "Dishes"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decodeBody[Task](t, resp)

	resp = f.do(t, http.MethodPost, base+"/tasks/"+task.ServerID+"/toggle", ws.Session.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, TaskDone, decodeBody[Task](t, resp).Status)

	resp = f.do(t, http.MethodGet, base+"/tasks", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[TasksResponse](t, resp).Tasks, 1)

	resp = f.do(t, http.MethodDelete, base+"/tasks/"+task.ServerID, bob.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, base+"/tasks/"+task.ServerID, bob.Token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, CodeNotFound, decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodGet, base+"/members", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[MembersResponse](t, resp).Members, 2)
}

func TestHTTPHandlers_AuthErrors(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	bob := f.join(t, ws, "Bob")
	base := "/v1/workspaces/" + ws.Session.WorkspaceID

	resp := f.do(t, http.MethodGet, base+"/tasks", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, CodeMissingToken, decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodGet, base+"/tasks", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, CodeInvalidSignature, decodeBody[ErrorResponse](t, resp).Error)

	other := f.createWorkspace(t)
	resp = f.do(t, http.MethodGet, "/v1/workspaces/"+other.Session.WorkspaceID+"/tasks", bob.Token, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, CodeSessionMismatch, decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodDelete, "/v1/session", bob.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, base+"/tasks", bob.Token, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, CodeSessionRevoked, decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodPost, "/v1/workspaces/"+ws.Session.WorkspaceID+"/join", "",
		JoinRequest{InviteCode: "wrong", DisplayName: "Eve"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, CodeInvalidInvitation, decodeBody[ErrorResponse](t, resp).Error)
}

func TestHTTPHandlers_KickRevokesMember(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	bob := f.join(t, ws, "Bob")
	base := "/v1/workspaces/" + ws.Session.WorkspaceID

	resp := f.do(t, http.MethodDelete, base+"/members/"+ws.Session.MemberID, bob.Token, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, CodeForbidden, decodeBody[ErrorResponse](t, resp).Error)

	resp = f.do(t, http.MethodDelete, base+"/members/"+bob.MemberID, ws.Session.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, base+"/messages", bob.Token, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, CodeSessionRevoked, decodeBody[ErrorResponse](t, resp).Error)
}

func TestHTTPHandlers_DocumentLocking(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	bob := f.join(t, ws, "Bob")
	base := "/v1/workspaces/" + ws.Session.WorkspaceID

	resp := f.do(t, http.MethodPost, base+"/documents", ws.Session.Token, Document{Title: "Trip", Tags: []string{"travel"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decodeBody[Document](t, resp)
	docPath := base + "/documents/" + doc.ServerID

	resp = f.do(t, http.MethodPost, docPath+"/lock", ws.Session.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decodeBody[LockResult](t, resp).Locked)

	resp = f.do(t, http.MethodPost, docPath+"/lock", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	denied := decodeBody[LockResult](t, resp)
	require.False(t, denied.Locked)
	require.Equal(t, "Alice", denied.EditingByName)
	require.NotNil(t, denied.ExpiresAt)

	resp = f.do(t, http.MethodPut, docPath, bob.Token, Document{Title: "Trip", Content: "overwrite"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errResp := decodeBody[ErrorResponse](t, resp)
	require.Equal(t, CodeLocked, errResp.Error)
	require.NotNil(t, errResp.Lock)
	require.Equal(t, ws.Session.MemberID, errResp.Lock.EditingBy)

	resp = f.do(t, http.MethodPut, docPath, ws.Session.Token, Document{Title: "Trip", Content: "Day 1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, docPath+"/unlock", ws.Session.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, docPath+"/lock", bob.Token, nil)
	require.True(t, decodeBody[LockResult](t, resp).Locked)

	resp = f.do(t, http.MethodGet, base+"/documents", ws.Session.Token, nil)
	docs := decodeBody[DocumentsResponse](t, resp).Documents
	require.Len(t, docs, 1)
	require.Equal(t, "Day 1", docs[0].Content)
	require.Equal(t, []string{"travel"}, docs[0].Tags)
}

func TestHTTPHandlers_JoinRateLimited(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{JoinRate: rate.Every(time.Hour), JoinBurst: 2})
	f.createWorkspace(t)
	f.createWorkspace(t)
	resp := f.do(t, http.MethodPost, "/v1/workspaces", "", CreateWorkspaceRequest{Name: "x", DisplayName: "y"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, CodeRateLimited, decodeBody[ErrorResponse](t, resp).Error)
}

func TestHTTPHandlers_HealthAndMetrics(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/workspaces/x/tasks", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, "overshare_http_requests_total"))
	require.True(t, strings.Contains(text, `overshare_auth_failures_total{code="missing_token"} 1`))

	resp = f.do(t, http.MethodPatch, "/health", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
