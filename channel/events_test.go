package channel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overshare/overshare"
)

func TestDecode_AllVariants(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		MessageEvent{Message: overshare.Message{ServerID: "m1", WorkspaceID: "w", Content: "hi", CreatedAt: now}},
		TaskUpsertEvent{Task: overshare.Task{ServerID: "t1", Title: "x", Status: overshare.TaskDone, UpdatedAt: now}},
		TaskDeleteEvent{ID: "t1", WorkspaceID: "w"},
		DocumentUpsertEvent{Document: overshare.Document{ServerID: "d1", Title: "x", UpdatedAt: now, Tags: []string{"a"}}},
		DocumentDeleteEvent{ID: "d1", WorkspaceID: "w"},
		MemberKickedEvent{WorkspaceID: "w", MemberID: "u1"},
		TypingEvent{WorkspaceID: "w", MemberID: "u1", DisplayName: "Bob"},
	}
	for _, ev := range events {
		t.Run(ev.Name(), func(t *testing.T) {
			raw, err := Encode(ev)
			require.NoError(t, err)
			got, err := Decode(ev.Name(), raw)
			require.NoError(t, err)
			require.Equal(t, ev, got)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload string
		want    error
	}{
		{"unknown event", "reaction", `{"id":"x"}`, ErrUnknownEvent},
		{"message without id", overshare.EventMessage, `{"content":"hi","created_at":"2025-03-01T12:00:00Z"}`, ErrMalformedEvent},
		{"message without timestamp", overshare.EventMessage, `{"id":"m1","content":"hi"}`, ErrMalformedEvent},
		{"message not an object", overshare.EventMessage, `"hi"`, ErrMalformedEvent},
		{"task with bad status", overshare.EventTaskUpsert, `{"id":"t1","status":"archived","updated_at":"2025-03-01T12:00:00Z"}`, ErrMalformedEvent},
		{"task delete without id", overshare.EventTaskDelete, `{}`, ErrMalformedEvent},
		{"document without updated_at", overshare.EventDocumentUpsert, `{"id":"d1"}`, ErrMalformedEvent},
		{"kick without member", overshare.EventMemberKicked, `{"workspace_id":"w"}`, ErrMalformedEvent},
		{"typing with wrong types", overshare.EventTyping, `{"member_id":42}`, ErrMalformedEvent},
		{"empty payload", overshare.EventDocumentDelete, ``, ErrMalformedEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode(tc.event, json.RawMessage(tc.payload))
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, ev)
		})
	}
}

func TestEncode_StripsDeviceOnlyFields(t *testing.T) {
	now := time.Now().UTC()
	raw, err := Encode(MessageEvent{Message: overshare.Message{ServerID: "m1", Content: "hi", CreatedAt: now, SyncStatus: overshare.SyncPending}})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "sync_status")

	_, err = Encode(MessageEvent{})
	require.ErrorIs(t, err, ErrMalformedEvent)
	_, err = Encode(nil)
	require.ErrorIs(t, err, ErrMalformedEvent)
}
