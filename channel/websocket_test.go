package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overshare/overshare"
)

func startServer(t *testing.T) (*httptest.Server, *overshare.CreateWorkspaceResponse, *overshare.Session) {
	t.Helper()
	svc, err := overshare.NewService(overshare.NewMemoryStore(), overshare.DefaultServiceConfig("test-secret"), nil)
	require.NoError(t, err)
	hub := overshare.NewHub(svc, nil, nil)
	svc.SetBroadcaster(hub)
	server := httptest.NewServer(overshare.NewHTTPHandlers(svc, hub, nil, overshare.HandlerOptions{}, nil).Router())
	t.Cleanup(server.Close)

	ctx := context.Background()
	owner, err := svc.CreateWorkspace(ctx, overshare.CreateWorkspaceRequest{Name: "Family", DisplayName: "Alice"})
	require.NoError(t, err)
	member, err := svc.Join(ctx, owner.Session.WorkspaceID, overshare.JoinRequest{InviteCode: owner.InviteCode, DisplayName: "Bob"})
	require.NoError(t, err)
	return server, owner, member
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestWebsocketTransport_RoundTrip(t *testing.T) {
	server, owner, member := startServer(t)
	ctx := context.Background()
	topic := overshare.Topic(owner.Session.ChannelKey)

	alice := NewWebsocketTransport(server.URL, func() string { return owner.Session.Token }, nil)
	bob := NewWebsocketTransport(server.URL, func() string { return member.Token }, nil)

	var a, b recorder
	chA, err := alice.Join(ctx, topic, overshare.Presence{MemberID: owner.Session.MemberID, DisplayName: "Alice"}, a.handlers())
	require.NoError(t, err)
	eventually(t, func() bool { return len(chA.Presence()) == 1 })

	chB, err := bob.Join(ctx, topic, overshare.Presence{MemberID: member.MemberID, DisplayName: "Bob"}, b.handlers())
	require.NoError(t, err)
	eventually(t, func() bool { return len(chA.Presence()) == 2 && len(chB.Presence()) == 2 })

	msg := overshare.Message{ServerID: "m1", WorkspaceID: owner.Session.WorkspaceID, Content: "hi", CreatedAt: time.Now().UTC()}
	require.NoError(t, chA.Publish(ctx, MessageEvent{Message: msg}))
	eventually(t, func() bool { return len(b.snapshotEvents()) == 1 })
	require.Equal(t, "hi", b.snapshotEvents()[0].(MessageEvent).Message.Content)
	require.Empty(t, a.snapshotEvents())

	require.NoError(t, chB.Leave())
	eventually(t, func() bool { return len(chA.Presence()) == 1 })
	require.NoError(t, chA.Leave())
	require.Equal(t, StatusClosed, a.lastStatus())
}

func TestWebsocketTransport_KickClosesTarget(t *testing.T) {
	server, owner, member := startServer(t)
	ctx := context.Background()
	topic := overshare.Topic(owner.Session.ChannelKey)

	var b recorder
	_, err := NewWebsocketTransport(server.URL, func() string { return member.Token }, nil).
		Join(ctx, topic, overshare.Presence{MemberID: member.MemberID, DisplayName: "Bob"}, b.handlers())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete,
		server.URL+"/v1/workspaces/"+owner.Session.WorkspaceID+"/members/"+member.MemberID, bytes.NewReader(nil))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+owner.Session.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	eventually(t, func() bool {
		for _, ev := range b.snapshotEvents() {
			if k, ok := ev.(MemberKickedEvent); ok && k.MemberID == member.MemberID {
				return true
			}
		}
		return false
	})
	eventually(t, func() bool { s := b.lastStatus(); return s == StatusClosed || s == StatusError })
}

func TestWebsocketTransport_DialRejected(t *testing.T) {
	server, owner, _ := startServer(t)
	transport := NewWebsocketTransport(server.URL, func() string { return "garbage" }, nil)

	var r recorder
	_, err := transport.Join(context.Background(), overshare.Topic(owner.Session.ChannelKey), overshare.Presence{MemberID: "x"}, r.handlers())
	var dialErr *DialError
	require.True(t, errors.As(err, &dialErr), "expected DialError, got %v", err)
	require.Equal(t, http.StatusUnauthorized, dialErr.StatusCode)
	require.Equal(t, overshare.CodeInvalidSignature, dialErr.Code)
	require.Equal(t, StatusError, r.lastStatus())

	_, err = transport.Join(context.Background(), "not-a-topic", overshare.Presence{}, Handlers{})
	require.Error(t, err)
}

func TestDialError_ParsesBody(t *testing.T) {
	body, _ := json.Marshal(overshare.ErrorResponse{Error: overshare.CodeChannelKeyRejected, Message: "nope"})
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusForbidden)
	_, _ = rec.Write(body)
	err := dialError(rec.Result())
	var de *DialError
	require.ErrorAs(t, err, &de)
	require.Equal(t, overshare.CodeChannelKeyRejected, de.Code)
}
