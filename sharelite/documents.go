// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

type documentAdapter struct{}

func (documentAdapter) Kind() string                   { return "documents" }
func (documentAdapter) ID(d overshare.Document) string { return d.ServerID }

func (documentAdapter) DedupKey(d overshare.Document) string {
	return d.ServerID + "-" + d.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// Pinned first, then most recently updated
func (documentAdapter) Less(a, b overshare.Document) bool {
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ServerID < b.ServerID
}

func (documentAdapter) Timestamp(d overshare.Document) time.Time { return d.UpdatedAt }
func (documentAdapter) Status(d overshare.Document) string       { return d.SyncStatus }

func (documentAdapter) Stamp(d overshare.Document, workspaceID, status string) overshare.Document {
	d.WorkspaceID = workspaceID
	d.SyncStatus = status
	return d
}

// An unsaved document edit stays pending until a save succeeds or the server copy replaces it
func (documentAdapter) FailedStatus() string                        { return overshare.SyncPending }
func (documentAdapter) Complete() bool                              { return true }
func (documentAdapter) Table(m *Mirror) *Table[overshare.Document] { return m.Documents }

func (documentAdapter) Fetch(ctx context.Context, api *APIClient, sess *overshare.Session) ([]overshare.Document, error) {
	return api.ListDocuments(ctx, sess.WorkspaceID)
}

func (a documentAdapter) Decode(ev channel.Event) (Change[overshare.Document], bool) {
	switch e := ev.(type) {
	case channel.DocumentUpsertEvent:
		d := e.Document
		return Change[overshare.Document]{Upsert: &d, WorkspaceID: d.WorkspaceID, Key: a.DedupKey(d)}, true
	case channel.DocumentDeleteEvent:
		return Change[overshare.Document]{DeleteID: e.ID, WorkspaceID: e.WorkspaceID, Key: deleteKey(e.ID)}, true
	default:
		return Change[overshare.Document]{}, false
	}
}

func (documentAdapter) UpsertEvent(d overshare.Document) channel.Event {
	d.SyncStatus = ""
	return channel.DocumentUpsertEvent{Document: d}
}

func (documentAdapter) DeleteEvent(workspaceID, id string) channel.Event {
	return channel.DocumentDeleteEvent{ID: id, WorkspaceID: workspaceID}
}

// DocumentList is the shared document engine
type DocumentList struct {
	*Engine[overshare.Document]

	editsMu sync.Mutex
	edits   map[*EditSession]struct{}
}

func newDocumentList(mirror *Mirror, api *APIClient, transport channel.Transport, config *Config,
	failures *Bus[*ActionError]) *DocumentList {
	return &DocumentList{
		Engine: newEngine[overshare.Document](documentAdapter{}, mirror, api, transport, config, failures),
		edits:  make(map[*EditSession]struct{}),
	}
}

// Create adds a document optimistically
func (l *DocumentList) Create(ctx context.Context, d overshare.Document) (overshare.Document, error) {
	sess := l.Session()
	if sess == nil {
		return d, ErrNoSession
	}
	if strings.TrimSpace(d.Title) == "" {
		return d, fmt.Errorf("document title is required")
	}
	now := l.now().UTC()
	if d.ServerID == "" {
		d.ServerID = uuid.NewString()
	}
	d.AuthorID, d.AuthorName = sess.MemberID, sess.DisplayName
	d.UpdatedByID, d.UpdatedByName = sess.MemberID, sess.DisplayName
	d.CreatedAt, d.UpdatedAt = now, now
	return l.Mutate(ctx, "create", d, func(ctx context.Context, sess *overshare.Session, d overshare.Document) (overshare.Document, error) {
		return l.api.CreateDocument(ctx, sess.WorkspaceID, d)
	})
}

// Update replaces a document body. The server refuses it with *LockConflictError while
// another member holds the edit lock; use Edit for a locked editing session.
func (l *DocumentList) Update(ctx context.Context, d overshare.Document) (overshare.Document, error) {
	sess := l.Session()
	if sess == nil {
		return d, ErrNoSession
	}
	if d.ServerID == "" {
		return d, fmt.Errorf("document id is required")
	}
	d.UpdatedByID, d.UpdatedByName = sess.MemberID, sess.DisplayName
	d.UpdatedAt = l.now().UTC()
	return l.Mutate(ctx, "update", d, func(ctx context.Context, sess *overshare.Session, d overshare.Document) (overshare.Document, error) {
		return l.api.UpdateDocument(ctx, sess.WorkspaceID, d)
	})
}

// Retry resends an unsaved local document body. It returns ErrStaleEdit, keeping the server copy,
// when someone saved the document in the meantime.
func (l *DocumentList) Retry(ctx context.Context, id string) (overshare.Document, error) {
	return l.Resend(ctx, "retry", id,
		func(ctx context.Context, sess *overshare.Session, d overshare.Document) (overshare.Document, error) {
			return l.api.UpdateDocument(ctx, sess.WorkspaceID, d)
		},
		func(ctx context.Context, sess *overshare.Session, d overshare.Document) (overshare.Document, error) {
			return l.api.CreateDocument(ctx, sess.WorkspaceID, d)
		})
}

// Delete removes a document
func (l *DocumentList) Delete(ctx context.Context, id string) error {
	return l.Remove(ctx, "delete", id, func(ctx context.Context, sess *overshare.Session, id string) error {
		return l.api.DeleteDocument(ctx, sess.WorkspaceID, id)
	})
}

// Edit opens an editing session on a document and tries to acquire its lock.
// The returned session is read-only when someone else holds the lock.
func (l *DocumentList) Edit(ctx context.Context, id string) (*EditSession, error) {
	es := &EditSession{docs: l, id: id}
	if _, err := es.Acquire(ctx); err != nil {
		return nil, err
	}
	l.editsMu.Lock()
	l.edits[es] = struct{}{}
	l.editsMu.Unlock()
	return es, nil
}

func (l *DocumentList) forget(es *EditSession) {
	l.editsMu.Lock()
	delete(l.edits, es)
	l.editsMu.Unlock()
}

// ReleaseAll releases every open editing session, attempting each even when others fail
func (l *DocumentList) ReleaseAll(ctx context.Context) {
	l.editsMu.Lock()
	open := make([]*EditSession, 0, len(l.edits))
	for es := range l.edits {
		open = append(open, es)
	}
	l.editsMu.Unlock()
	for _, es := range open {
		if err := es.Release(ctx); err != nil {
			l.logger.Warn("Failed to release edit lock", "document_id", es.id, "error", err)
		}
	}
}

// OpenEdits returns the number of editing sessions not yet released
func (l *DocumentList) OpenEdits() int {
	l.editsMu.Lock()
	defer l.editsMu.Unlock()
	return len(l.edits)
}
