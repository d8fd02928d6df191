// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL-backed Store
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore initializes the share schema and returns a store on top of an existing pool.
// The caller owns the pool lifecycle.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize share schema: %w", err)
	}
	logger.Debug("Share schema initialized")
	return &PGStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool
func (s *PGStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close is a no-op: the pool belongs to the caller
func (s *PGStore) Close() {}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PGStore) CreateWorkspace(ctx context.Context, ws Workspace, owner Member) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO share.workspaces (id, name, owner_id, channel_key, invite_code, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ws.ID, ws.Name, ws.OwnerID, ws.ChannelKey, ws.InviteCode, ws.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert workspace: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO share.members (workspace_id, id, display_name, joined_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $5)`,
			owner.WorkspaceID, owner.ID, owner.DisplayName, owner.JoinedAt, owner.LastSeenAt); err != nil {
			return fmt.Errorf("failed to insert owner member: %w", err)
		}
		return nil
	})
}

const workspaceColumns = `id, name, owner_id, channel_key, invite_code, created_at`

func scanWorkspace(row pgx.Row) (Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.ChannelKey, &ws.InviteCode, &ws.CreatedAt)
	return ws, notFound(err)
}

func (s *PGStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM share.workspaces WHERE id = $1`, workspaceID))
}

func (s *PGStore) WorkspaceByChannelKey(ctx context.Context, channelKey string) (Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM share.workspaces WHERE channel_key = $1`, channelKey))
}

func (s *PGStore) WorkspaceByInviteCode(ctx context.Context, inviteCode string) (Workspace, error) {
	return scanWorkspace(s.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM share.workspaces WHERE invite_code = $1`, inviteCode))
}

func (s *PGStore) AddMember(ctx context.Context, m Member) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO share.members (workspace_id, id, display_name, joined_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workspace_id, id) DO UPDATE SET display_name = EXCLUDED.display_name, last_seen_at = EXCLUDED.last_seen_at`,
		m.WorkspaceID, m.ID, m.DisplayName, m.JoinedAt, m.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return nil
}

func (s *PGStore) GetMember(ctx context.Context, workspaceID, memberID string) (Member, error) {
	var m Member
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, display_name, joined_at, last_seen_at
		FROM share.members WHERE workspace_id = $1 AND id = $2`, workspaceID, memberID).
		Scan(&m.ID, &m.WorkspaceID, &m.DisplayName, &m.JoinedAt, &m.LastSeenAt)
	return m, notFound(err)
}

func (s *PGStore) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, display_name, joined_at, last_seen_at
		FROM share.members WHERE workspace_id = $1 ORDER BY joined_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Member, error) {
		var m Member
		err := row.Scan(&m.ID, &m.WorkspaceID, &m.DisplayName, &m.JoinedAt, &m.LastSeenAt)
		return m, err
	})
}

func (s *PGStore) RemoveMember(ctx context.Context, workspaceID, memberID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM share.members WHERE workspace_id = $1 AND id = $2`, workspaceID, memberID)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) TouchMember(ctx context.Context, workspaceID, memberID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE share.members SET last_seen_at = $3 WHERE workspace_id = $1 AND id = $2`,
		workspaceID, memberID, at)
	return err
}

func (s *PGStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO share.sessions (id, workspace_id, member_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.WorkspaceID, rec.MemberID, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *PGStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, member_id, issued_at, expires_at FROM share.sessions WHERE id = $1`, sessionID).
		Scan(&rec.ID, &rec.WorkspaceID, &rec.MemberID, &rec.IssuedAt, &rec.ExpiresAt)
	return rec, notFound(err)
}

func (s *PGStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM share.sessions WHERE id = $1`, sessionID)
	return err
}

func (s *PGStore) DeleteMemberSessions(ctx context.Context, workspaceID, memberID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM share.sessions WHERE workspace_id = $1 AND member_id = $2`, workspaceID, memberID)
	return err
}

const messageColumns = `id, workspace_id, sender_id, sender_name, content, image_url, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ServerID, &m.WorkspaceID, &m.SenderID, &m.SenderName, &m.Content, &m.ImageURL, &m.CreatedAt)
	return m, notFound(err)
}

func (s *PGStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	// ON CONFLICT DO NOTHING plus re-read keeps retries idempotent
	_, err := s.pool.Exec(ctx, `
		INSERT INTO share.messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, id) DO NOTHING`,
		m.ServerID, m.WorkspaceID, m.SenderID, m.SenderName, m.Content, m.ImageURL, m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM share.messages WHERE workspace_id = $1 AND id = $2`,
		m.WorkspaceID, m.ServerID))
}

func (s *PGStore) ListMessages(ctx context.Context, workspaceID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM share.messages
		WHERE workspace_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		return scanMessage(row)
	})
}

const taskColumns = `id, workspace_id, creator_id, creator_name, assignee_id, assignee_name, title, description,
	status, priority, due_at, completed_at, completed_by, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ServerID, &t.WorkspaceID, &t.CreatorID, &t.CreatorName, &t.AssigneeID, &t.AssigneeName,
		&t.Title, &t.Description, &t.Status, &t.Priority, &t.DueAt, &t.CompletedAt, &t.CompletedBy,
		&t.CreatedAt, &t.UpdatedAt)
	return t, notFound(err)
}

func (s *PGStore) InsertTask(ctx context.Context, t Task) (Task, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO share.tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (workspace_id, id) DO NOTHING`,
		t.ServerID, t.WorkspaceID, t.CreatorID, t.CreatorName, t.AssigneeID, t.AssigneeName, t.Title, t.Description,
		t.Status, t.Priority, t.DueAt, t.CompletedAt, t.CompletedBy, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	return s.GetTask(ctx, t.WorkspaceID, t.ServerID)
}

func (s *PGStore) UpdateTask(ctx context.Context, t Task) (Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `
		UPDATE share.tasks SET assignee_id = $3, assignee_name = $4, title = $5, description = $6,
			status = $7, priority = $8, due_at = $9, completed_at = $10, completed_by = $11, updated_at = $12
		WHERE workspace_id = $1 AND id = $2
		RETURNING `+taskColumns,
		t.WorkspaceID, t.ServerID, t.AssigneeID, t.AssigneeName, t.Title, t.Description,
		t.Status, t.Priority, t.DueAt, t.CompletedAt, t.CompletedBy, t.UpdatedAt))
}

func (s *PGStore) GetTask(ctx context.Context, workspaceID, taskID string) (Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM share.tasks WHERE workspace_id = $1 AND id = $2`,
		workspaceID, taskID))
}

func (s *PGStore) ListTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM share.tasks WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		return scanTask(row)
	})
}

func (s *PGStore) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM share.tasks WHERE workspace_id = $1 AND id = $2`, workspaceID, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const documentColumns = `id, workspace_id, author_id, author_name, updated_by_id, updated_by_name, title, content,
	tags, pinned, media, editing_by, editing_by_name, editing_expires_at, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ServerID, &d.WorkspaceID, &d.AuthorID, &d.AuthorName, &d.UpdatedByID, &d.UpdatedByName,
		&d.Title, &d.Content, &d.Tags, &d.Pinned, &d.Media, &d.EditingBy, &d.EditingByName, &d.EditingExpiresAt,
		&d.CreatedAt, &d.UpdatedAt)
	return d, notFound(err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *PGStore) InsertDocument(ctx context.Context, d Document) (Document, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO share.documents (id, workspace_id, author_id, author_name, updated_by_id, updated_by_name,
			title, content, tags, pinned, media, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (workspace_id, id) DO NOTHING`,
		d.ServerID, d.WorkspaceID, d.AuthorID, d.AuthorName, d.UpdatedByID, d.UpdatedByName,
		d.Title, d.Content, nonNil(d.Tags), d.Pinned, nonNil(d.Media), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("failed to insert document: %w", err)
	}
	return s.GetDocument(ctx, d.WorkspaceID, d.ServerID)
}

// lockedDocument reads a document row and holds its row lock until tx ends
func lockedDocument(ctx context.Context, tx pgx.Tx, workspaceID, docID string) (Document, error) {
	return scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM share.documents
		WHERE workspace_id = $1 AND id = $2 FOR UPDATE`, workspaceID, docID))
}

func (s *PGStore) UpdateDocument(ctx context.Context, d Document, editorID string, now time.Time) (Document, error) {
	var out Document
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockedDocument(ctx, tx, d.WorkspaceID, d.ServerID)
		if err != nil {
			return err
		}
		if err := lockConflict(current, editorID, now); err != nil {
			return err
		}
		out, err = scanDocument(tx.QueryRow(ctx, `
			UPDATE share.documents SET updated_by_id = $3, updated_by_name = $4, title = $5, content = $6,
				tags = $7, pinned = $8, media = $9, updated_at = $10
			WHERE workspace_id = $1 AND id = $2
			RETURNING `+documentColumns,
			d.WorkspaceID, d.ServerID, d.UpdatedByID, d.UpdatedByName, d.Title, d.Content,
			nonNil(d.Tags), d.Pinned, nonNil(d.Media), d.UpdatedAt))
		return err
	})
	return out, err
}

func (s *PGStore) GetDocument(ctx context.Context, workspaceID, docID string) (Document, error) {
	return scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM share.documents WHERE workspace_id = $1 AND id = $2`,
		workspaceID, docID))
}

func (s *PGStore) ListDocuments(ctx context.Context, workspaceID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+documentColumns+` FROM share.documents WHERE workspace_id = $1 ORDER BY updated_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		return scanDocument(row)
	})
}

func (s *PGStore) DeleteDocument(ctx context.Context, workspaceID, docID, editorID string, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockedDocument(ctx, tx, workspaceID, docID)
		if err != nil {
			return err
		}
		if err := lockConflict(current, editorID, now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM share.documents WHERE workspace_id = $1 AND id = $2`, workspaceID, docID); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return nil
	})
}

// AcquireLock reads the holder under the row lock and writes the lease in the same transaction,
// so a refused caller always sees the holder that refused it.
func (s *PGStore) AcquireLock(ctx context.Context, workspaceID, docID, holderID, holderName string, now, expiresAt time.Time) (LockResult, error) {
	var res LockResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockedDocument(ctx, tx, workspaceID, docID)
		if err != nil {
			return err
		}
		var conflict *LockConflictError
		if errors.As(lockConflict(current, holderID, now), &conflict) {
			res = conflict.Lock
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE share.documents SET editing_by = $3, editing_by_name = $4, editing_expires_at = $5
			WHERE workspace_id = $1 AND id = $2`, workspaceID, docID, holderID, holderName, expiresAt); err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		exp := expiresAt
		res = LockResult{Locked: true, EditingBy: holderID, EditingByName: holderName, ExpiresAt: &exp}
		return nil
	})
	if err != nil {
		return LockResult{}, err
	}
	return res, nil
}

func (s *PGStore) ReleaseLock(ctx context.Context, workspaceID, docID, holderID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE share.documents SET editing_by = '', editing_by_name = '', editing_expires_at = NULL
		WHERE workspace_id = $1 AND id = $2 AND editing_by = $3`, workspaceID, docID, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
