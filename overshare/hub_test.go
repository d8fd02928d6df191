package overshare

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func (f *handlerFixture) dial(t *testing.T, sess Session, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/channel?key=" + url.QueryEscape(key)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.Token)
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_BroadcastAndPresence(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	bob := f.join(t, ws, "Bob")
	topic := Topic(ws.Session.ChannelKey)

	alice, _, err := f.dial(t, ws.Session, ws.Session.ChannelKey)
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameTrack, Topic: topic}))
	state := readFrame(t, alice)
	require.Equal(t, FramePresenceState, state.Type)
	require.Len(t, state.State, 1)

	bobConn, _, err := f.dial(t, bob, bob.ChannelKey)
	require.NoError(t, err)
	require.NoError(t, bobConn.WriteJSON(Frame{Type: FrameTrack, Topic: topic}))
	state = readFrame(t, bobConn)
	require.Equal(t, FramePresenceState, state.Type)
	require.Len(t, state.State, 2)

	diff := readFrame(t, alice)
	require.Equal(t, FramePresenceDiff, diff.Type)
	require.Len(t, diff.Joins, 1)
	require.Equal(t, "Bob", diff.Joins[0].DisplayName)

	payload, _ := json.Marshal(Message{ServerID: "m1", WorkspaceID: ws.Session.WorkspaceID, Content: "hi"})
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameBroadcast, Topic: topic, Event: EventMessage, Payload: payload}))

	got := readFrame(t, bobConn)
	require.Equal(t, FrameBroadcast, got.Type)
	require.Equal(t, EventMessage, got.Event)
	var m Message
	require.NoError(t, json.Unmarshal(got.Payload, &m))
	require.Equal(t, "m1", m.ServerID)

	// Sender is not echoed; the next frame Alice sees is Bob leaving
	require.NoError(t, bobConn.Close())
	leave := readFrame(t, alice)
	require.Equal(t, FramePresenceDiff, leave.Type)
	require.Len(t, leave.Leaves, 1)
	require.Equal(t, bob.MemberID, leave.Leaves[0].MemberID)
}

func TestHub_RejectsForeignChannelKeyAndBadToken(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	other := f.createWorkspace(t)

	_, resp, err := f.dial(t, ws.Session, other.Session.ChannelKey)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	bad := ws.Session
	bad.Token = "garbage"
	_, resp, err = f.dial(t, bad, ws.Session.ChannelKey)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_RejectsReservedEvents(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)

	conn, _, err := f.dial(t, ws.Session, ws.Session.ChannelKey)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameBroadcast, Event: EventMemberKicked, Payload: json.RawMessage(`{}`)}))
	require.Equal(t, FrameError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameBroadcast, Topic: "workspace:elsewhere", Event: EventMessage}))
	require.Equal(t, FrameError, readFrame(t, conn).Type)
}

func TestHub_KickBroadcastsAndDisconnects(t *testing.T) {
	f := newHandlerFixture(t, HandlerOptions{})
	ws := f.createWorkspace(t)
	bob := f.join(t, ws, "Bob")
	topic := Topic(ws.Session.ChannelKey)

	bobConn, _, err := f.dial(t, bob, bob.ChannelKey)
	require.NoError(t, err)
	require.NoError(t, bobConn.WriteJSON(Frame{Type: FrameTrack, Topic: topic}))
	require.Equal(t, FramePresenceState, readFrame(t, bobConn).Type)

	resp := f.do(t, http.MethodDelete, "/v1/workspaces/"+ws.Session.WorkspaceID+"/members/"+bob.MemberID, ws.Session.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	kicked := readFrame(t, bobConn)
	require.Equal(t, EventMemberKicked, kicked.Event)
	var p MemberKickedPayload
	require.NoError(t, json.Unmarshal(kicked.Payload, &p))
	require.Equal(t, bob.MemberID, p.MemberID)

	require.NoError(t, bobConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = bobConn.ReadMessage()
	require.Error(t, err, "kicked member's connection should be closed")
}
