// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-overshare/overshare"
)

var (
	// ErrUnknownEvent is returned by Decode for event names outside the protocol
	ErrUnknownEvent = errors.New("unknown channel event")
	// ErrMalformedEvent is returned by Decode when a payload fails validation
	ErrMalformedEvent = errors.New("malformed channel event")
)

// Event is one of the broadcast variants carried on a workspace channel
type Event interface {
	Name() string
	validate() error
}

// MessageEvent carries a newly created chat message
type MessageEvent struct {
	Message overshare.Message
}

// TaskUpsertEvent carries the canonical state of a created or updated task
type TaskUpsertEvent struct {
	Task overshare.Task
}

// TaskDeleteEvent announces a deleted task
type TaskDeleteEvent struct {
	ID          string
	WorkspaceID string
}

// DocumentUpsertEvent carries the canonical state of a created or updated document
type DocumentUpsertEvent struct {
	Document overshare.Document
}

// DocumentDeleteEvent announces a deleted document
type DocumentDeleteEvent struct {
	ID          string
	WorkspaceID string
}

// MemberKickedEvent announces that a member was removed from the workspace
type MemberKickedEvent struct {
	WorkspaceID string
	MemberID    string
}

// TypingEvent signals that a member is composing a message
type TypingEvent struct {
	WorkspaceID string
	MemberID    string
	DisplayName string
}

func (MessageEvent) Name() string        { return overshare.EventMessage }
func (TaskUpsertEvent) Name() string     { return overshare.EventTaskUpsert }
func (TaskDeleteEvent) Name() string     { return overshare.EventTaskDelete }
func (DocumentUpsertEvent) Name() string { return overshare.EventDocumentUpsert }
func (DocumentDeleteEvent) Name() string { return overshare.EventDocumentDelete }
func (MemberKickedEvent) Name() string   { return overshare.EventMemberKicked }
func (TypingEvent) Name() string         { return overshare.EventTyping }

func malformed(name, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformedEvent, name, field)
}

func (e MessageEvent) validate() error {
	switch {
	case e.Message.ServerID == "":
		return malformed(e.Name(), "id")
	case e.Message.CreatedAt.IsZero():
		return malformed(e.Name(), "created_at")
	}
	return nil
}

func (e TaskUpsertEvent) validate() error {
	switch {
	case e.Task.ServerID == "":
		return malformed(e.Name(), "id")
	case e.Task.UpdatedAt.IsZero():
		return malformed(e.Name(), "updated_at")
	case e.Task.Status != overshare.TaskTodo && e.Task.Status != overshare.TaskDone:
		return malformed(e.Name(), "valid status")
	}
	return nil
}

func (e TaskDeleteEvent) validate() error {
	if e.ID == "" {
		return malformed(e.Name(), "id")
	}
	return nil
}

func (e DocumentUpsertEvent) validate() error {
	switch {
	case e.Document.ServerID == "":
		return malformed(e.Name(), "id")
	case e.Document.UpdatedAt.IsZero():
		return malformed(e.Name(), "updated_at")
	}
	return nil
}

func (e DocumentDeleteEvent) validate() error {
	if e.ID == "" {
		return malformed(e.Name(), "id")
	}
	return nil
}

func (e MemberKickedEvent) validate() error {
	if e.MemberID == "" {
		return malformed(e.Name(), "member_id")
	}
	return nil
}

func (e TypingEvent) validate() error {
	if e.MemberID == "" {
		return malformed(e.Name(), "member_id")
	}
	return nil
}

// Decode parses and validates a broadcast payload. It either returns a complete,
// valid variant or an error; callers never see a partially decoded event.
func Decode(name string, payload json.RawMessage) (Event, error) {
	var ev Event
	var err error
	switch name {
	case overshare.EventMessage:
		var m overshare.Message
		err = json.Unmarshal(payload, &m)
		ev = MessageEvent{Message: m}
	case overshare.EventTaskUpsert:
		var t overshare.Task
		err = json.Unmarshal(payload, &t)
		ev = TaskUpsertEvent{Task: t}
	case overshare.EventTaskDelete:
		var p overshare.DeletePayload
		err = json.Unmarshal(payload, &p)
		ev = TaskDeleteEvent{ID: p.ID, WorkspaceID: p.WorkspaceID}
	case overshare.EventDocumentUpsert:
		var d overshare.Document
		err = json.Unmarshal(payload, &d)
		ev = DocumentUpsertEvent{Document: d}
	case overshare.EventDocumentDelete:
		var p overshare.DeletePayload
		err = json.Unmarshal(payload, &p)
		ev = DocumentDeleteEvent{ID: p.ID, WorkspaceID: p.WorkspaceID}
	case overshare.EventMemberKicked:
		var p overshare.MemberKickedPayload
		err = json.Unmarshal(payload, &p)
		ev = MemberKickedEvent{WorkspaceID: p.WorkspaceID, MemberID: p.MemberID}
	case overshare.EventTyping:
		var p overshare.TypingPayload
		err = json.Unmarshal(payload, &p)
		ev = TypingEvent{WorkspaceID: p.WorkspaceID, MemberID: p.MemberID, DisplayName: p.DisplayName}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Encode validates an event and returns its wire payload
func Encode(ev Event) (json.RawMessage, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	var body any
	switch e := ev.(type) {
	case MessageEvent:
		m := e.Message
		m.SyncStatus = ""
		body = m
	case TaskUpsertEvent:
		t := e.Task
		t.SyncStatus = ""
		body = t
	case TaskDeleteEvent:
		body = overshare.DeletePayload{ID: e.ID, WorkspaceID: e.WorkspaceID}
	case DocumentUpsertEvent:
		d := e.Document
		d.SyncStatus = ""
		body = d
	case DocumentDeleteEvent:
		body = overshare.DeletePayload{ID: e.ID, WorkspaceID: e.WorkspaceID}
	case MemberKickedEvent:
		body = overshare.MemberKickedPayload{WorkspaceID: e.WorkspaceID, MemberID: e.MemberID}
	case TypingEvent:
		body = overshare.TypingPayload{WorkspaceID: e.WorkspaceID, MemberID: e.MemberID, DisplayName: e.DisplayName}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Name(), err)
	}
	return raw, nil
}
