// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mobiletoly/go-overshare/overshare"
)

// Fixed-width UTC layout so that text ordering matches time ordering
const mirrorTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Mirror is the per-device cache of workspace entities. Rows are keyed by (workspace_id, server_id).
type Mirror struct {
	db     *sql.DB
	logger *slog.Logger

	Messages  *Table[overshare.Message]
	Tasks     *Table[overshare.Task]
	Documents *Table[overshare.Document]
	Members   *Table[overshare.Member]
}

// NewMirror migrates the mirror schema to the latest version and returns the store
func NewMirror(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := migrate(ctx, db, logger); err != nil {
		return nil, err
	}
	return &Mirror{
		db:        db,
		logger:    logger,
		Messages:  &Table[overshare.Message]{db: db, codec: messageCodec},
		Tasks:     &Table[overshare.Task]{db: db, codec: taskCodec},
		Documents: &Table[overshare.Document]{db: db, codec: documentCodec},
		Members:   &Table[overshare.Member]{db: db, codec: memberCodec},
	}, nil
}

// ClearAll wipes every entity table in one transaction
func (m *Mirror) ClearAll(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range mirrorTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	m.logger.Debug("Mirror cleared")
	return nil
}

var mirrorTables = []string{"messages", "tasks", "documents", "members"}

type rowScanner interface {
	Scan(dest ...any) error
}

type tableCodec[T any] struct {
	name    string
	columns []string // first two are always workspace_id, server_id
	key     func(T) (workspaceID, serverID string)
	values  func(T) []any
	scan    func(rowScanner) (T, error)
}

// Table is one entity table of the mirror
type Table[T any] struct {
	db    *sql.DB
	codec tableCodec[T]
}

func (t *Table[T]) upsertSQL() string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(t.codec.columns)), ", ")
	return fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		t.codec.name, strings.Join(t.codec.columns, ", "), marks)
}

func (t *Table[T]) selectSQL() string {
	return fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(t.codec.columns, ", "), t.codec.name)
}

func (t *Table[T]) check(item T) error {
	wid, id := t.codec.key(item)
	if wid == "" || id == "" {
		return fmt.Errorf("%s row requires workspace_id and server_id", t.codec.name)
	}
	return nil
}

// Upsert inserts or replaces item by primary key
func (t *Table[T]) Upsert(ctx context.Context, item T) error {
	if err := t.check(item); err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, t.upsertSQL(), t.codec.values(item)...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", t.codec.name, err)
	}
	return nil
}

// BulkUpsert upserts items in a single transaction
func (t *Table[T]) BulkUpsert(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bulk upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, t.upsertSQL())
	if err != nil {
		return fmt.Errorf("failed to prepare bulk upsert: %w", err)
	}
	defer stmt.Close()
	for _, item := range items {
		if err := t.check(item); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, t.codec.values(item)...); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", t.codec.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk upsert: %w", err)
	}
	return nil
}

// Query returns every row of a workspace. Ordering is left to the caller.
func (t *Table[T]) Query(ctx context.Context, workspaceID string) ([]T, error) {
	rows, err := t.db.QueryContext(ctx, t.selectSQL()+` WHERE workspace_id = ? ORDER BY created_at, server_id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.codec.name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := t.codec.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.codec.name, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Get returns the row with the given key, reporting whether it exists
func (t *Table[T]) Get(ctx context.Context, workspaceID, serverID string) (T, bool, error) {
	var zero T
	row := t.db.QueryRowContext(ctx, t.selectSQL()+` WHERE workspace_id = ? AND server_id = ?`, workspaceID, serverID)
	item, err := t.codec.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to get %s row: %w", t.codec.name, err)
	}
	return item, true, nil
}

// Delete removes one row. Deleting a missing row is not an error.
func (t *Table[T]) Delete(ctx context.Context, workspaceID, serverID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM `+t.codec.name+` WHERE workspace_id = ? AND server_id = ?`,
		workspaceID, serverID); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.codec.name, err)
	}
	return nil
}

// Count returns the number of rows in a workspace
func (t *Table[T]) Count(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.codec.name+` WHERE workspace_id = ?`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.codec.name, err)
	}
	return n, nil
}

// Column encoding helpers

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(mirrorTimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{mirrorTimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s.String); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseTimePtr(s sql.NullString) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatList(v []string) any {
	if len(v) == 0 {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func parseList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var messageCodec = tableCodec[overshare.Message]{
	name: "messages",
	columns: []string{"workspace_id", "server_id", "sender_id", "sender_name", "content", "image_url",
		"created_at", "sync_status"},
	key: func(m overshare.Message) (string, string) { return m.WorkspaceID, m.ServerID },
	values: func(m overshare.Message) []any {
		return []any{m.WorkspaceID, m.ServerID, nullable(m.SenderID), nullable(m.SenderName), m.Content,
			nullable(m.ImageURL), formatTime(m.CreatedAt), nullable(m.SyncStatus)}
	},
	scan: func(r rowScanner) (overshare.Message, error) {
		var m overshare.Message
		var senderID, senderName, content, imageURL, createdAt, status sql.NullString
		if err := r.Scan(&m.WorkspaceID, &m.ServerID, &senderID, &senderName, &content, &imageURL,
			&createdAt, &status); err != nil {
			return m, err
		}
		m.SenderID, m.SenderName, m.Content = senderID.String, senderName.String, content.String
		m.ImageURL, m.SyncStatus = imageURL.String, status.String
		m.CreatedAt = parseTime(createdAt)
		return m, nil
	},
}

var taskCodec = tableCodec[overshare.Task]{
	name: "tasks",
	columns: []string{"workspace_id", "server_id", "creator_id", "creator_name", "assignee_id", "assignee_name",
		"title", "description", "status", "priority", "due_at", "completed_at", "completed_by",
		"created_at", "updated_at", "sync_status"},
	key: func(t overshare.Task) (string, string) { return t.WorkspaceID, t.ServerID },
	values: func(t overshare.Task) []any {
		return []any{t.WorkspaceID, t.ServerID, nullable(t.CreatorID), nullable(t.CreatorName),
			nullable(t.AssigneeID), nullable(t.AssigneeName), t.Title, nullable(t.Description),
			t.Status, t.Priority, formatTimePtr(t.DueAt), formatTimePtr(t.CompletedAt), nullable(t.CompletedBy),
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullable(t.SyncStatus)}
	},
	scan: func(r rowScanner) (overshare.Task, error) {
		var t overshare.Task
		var creatorID, creatorName, assigneeID, assigneeName, title, description, status, priority,
			dueAt, completedAt, completedBy, createdAt, updatedAt, syncStatus sql.NullString
		if err := r.Scan(&t.WorkspaceID, &t.ServerID, &creatorID, &creatorName, &assigneeID, &assigneeName,
			&title, &description, &status, &priority, &dueAt, &completedAt, &completedBy,
			&createdAt, &updatedAt, &syncStatus); err != nil {
			return t, err
		}
		t.CreatorID, t.CreatorName = creatorID.String, creatorName.String
		t.AssigneeID, t.AssigneeName = assigneeID.String, assigneeName.String
		t.Title, t.Description = title.String, description.String
		t.Status, t.Priority = status.String, priority.String
		t.DueAt, t.CompletedAt, t.CompletedBy = parseTimePtr(dueAt), parseTimePtr(completedAt), completedBy.String
		t.CreatedAt, t.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		t.SyncStatus = syncStatus.String
		return t, nil
	},
}

var documentCodec = tableCodec[overshare.Document]{
	name: "documents",
	columns: []string{"workspace_id", "server_id", "author_id", "author_name", "updated_by_id", "updated_by_name",
		"title", "content", "tags", "pinned", "media", "editing_by", "editing_by_name", "editing_expires_at",
		"created_at", "updated_at", "sync_status"},
	key: func(d overshare.Document) (string, string) { return d.WorkspaceID, d.ServerID },
	values: func(d overshare.Document) []any {
		return []any{d.WorkspaceID, d.ServerID, nullable(d.AuthorID), nullable(d.AuthorName),
			nullable(d.UpdatedByID), nullable(d.UpdatedByName), d.Title, d.Content, formatList(d.Tags),
			d.Pinned, formatList(d.Media), nullable(d.EditingBy), nullable(d.EditingByName),
			formatTimePtr(d.EditingExpiresAt), formatTime(d.CreatedAt), formatTime(d.UpdatedAt), nullable(d.SyncStatus)}
	},
	scan: func(r rowScanner) (overshare.Document, error) {
		var d overshare.Document
		var authorID, authorName, updatedByID, updatedByName, title, content, tags, media,
			editingBy, editingByName, editingExpiresAt, createdAt, updatedAt, syncStatus sql.NullString
		var pinned sql.NullBool
		if err := r.Scan(&d.WorkspaceID, &d.ServerID, &authorID, &authorName, &updatedByID, &updatedByName,
			&title, &content, &tags, &pinned, &media, &editingBy, &editingByName, &editingExpiresAt,
			&createdAt, &updatedAt, &syncStatus); err != nil {
			return d, err
		}
		d.AuthorID, d.AuthorName = authorID.String, authorName.String
		d.UpdatedByID, d.UpdatedByName = updatedByID.String, updatedByName.String
		d.Title, d.Content = title.String, content.String
		d.Tags, d.Media, d.Pinned = parseList(tags), parseList(media), pinned.Bool
		d.EditingBy, d.EditingByName, d.EditingExpiresAt = editingBy.String, editingByName.String, parseTimePtr(editingExpiresAt)
		d.CreatedAt, d.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		d.SyncStatus = syncStatus.String
		return d, nil
	},
}

// Members reuse created_at for join time so the shared query ordering applies.
// Ownership is not stored; MessageStream.Members derives it from the session.
var memberCodec = tableCodec[overshare.Member]{
	name:    "members",
	columns: []string{"workspace_id", "server_id", "display_name", "created_at", "last_seen_at"},
	key:     func(m overshare.Member) (string, string) { return m.WorkspaceID, m.ID },
	values: func(m overshare.Member) []any {
		return []any{m.WorkspaceID, m.ID, m.DisplayName, formatTime(m.JoinedAt), formatTime(m.LastSeenAt)}
	},
	scan: func(r rowScanner) (overshare.Member, error) {
		var m overshare.Member
		var displayName, joinedAt, lastSeenAt sql.NullString
		if err := r.Scan(&m.WorkspaceID, &m.ID, &displayName, &joinedAt, &lastSeenAt); err != nil {
			return m, err
		}
		m.DisplayName = displayName.String
		m.JoinedAt, m.LastSeenAt = parseTime(joinedAt), parseTime(lastSeenAt)
		return m, nil
	},
}
