// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-overshare/overshare"
)

// Session field keys stored in _share_session
const (
	sessionKeyToken       = "token"
	sessionKeyWorkspaceID = "workspace_id"
	sessionKeyMemberID    = "member_id"
	sessionKeyChannelKey  = "channel_key"
	sessionKeyExpiresAt   = "expires_at"
	sessionKeyDisplayName = "display_name"
	sessionKeyIsOwner     = "is_owner"
	sessionKeyOwnerID     = "owner_id"
)

var requiredSessionKeys = []string{
	sessionKeyToken, sessionKeyWorkspaceID, sessionKeyMemberID, sessionKeyChannelKey, sessionKeyExpiresAt,
}

// SessionStore persists the device session credential in the SQLite file
type SessionStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionStore creates the session table if needed
func NewSessionStore(db *sql.DB, logger *slog.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _share_session (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}
	return &SessionStore{db: db, logger: logger, now: time.Now}, nil
}

// SetClock overrides the clock used by IsValid
func (s *SessionStore) SetClock(now func() time.Time) { s.now = now }

// Session returns the stored session, or nil when any required field is missing or unparsable
func (s *SessionStore) Session(ctx context.Context) (*overshare.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM _share_session`)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan session field: %w", err)
		}
		fields[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	for _, k := range requiredSessionKeys {
		if fields[k] == "" {
			if len(fields) > 0 {
				s.logger.Warn("Ignoring partial session", "missing", k)
			}
			return nil, nil
		}
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields[sessionKeyExpiresAt])
	if err != nil {
		s.logger.Warn("Ignoring session with unparsable expiry", "error", err)
		return nil, nil
	}
	isOwner, _ := strconv.ParseBool(fields[sessionKeyIsOwner])

	return &overshare.Session{
		Token:       fields[sessionKeyToken],
		WorkspaceID: fields[sessionKeyWorkspaceID],
		MemberID:    fields[sessionKeyMemberID],
		ChannelKey:  fields[sessionKeyChannelKey],
		ExpiresAt:   expiresAt,
		DisplayName: fields[sessionKeyDisplayName],
		IsOwner:     isOwner,
		OwnerID:     fields[sessionKeyOwnerID],
	}, nil
}

// SetSession replaces the stored session in one transaction
func (s *SessionStore) SetSession(ctx context.Context, sess *overshare.Session) error {
	if sess == nil {
		return fmt.Errorf("session cannot be nil")
	}
	values := map[string]string{
		sessionKeyToken:       sess.Token,
		sessionKeyWorkspaceID: sess.WorkspaceID,
		sessionKeyMemberID:    sess.MemberID,
		sessionKeyChannelKey:  sess.ChannelKey,
		sessionKeyExpiresAt:   sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
		sessionKeyDisplayName: sess.DisplayName,
		sessionKeyIsOwner:     strconv.FormatBool(sess.IsOwner),
		sessionKeyOwnerID:     sess.OwnerID,
	}
	for _, k := range requiredSessionKeys {
		if values[k] == "" {
			return fmt.Errorf("session field %s is required", k)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _share_session`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO _share_session (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to write session field %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// IsValid is a local expiry check only; the server re-validates on every call
func (s *SessionStore) IsValid(ctx context.Context) bool {
	sess, err := s.Session(ctx)
	if err != nil || sess == nil {
		return false
	}
	return s.now().Before(sess.ExpiresAt)
}

// Clear removes every session field
func (s *SessionStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _share_session`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// AuthHeaders returns the bearer header when a session exists, an empty map otherwise
func (s *SessionStore) AuthHeaders(ctx context.Context) map[string]string {
	headers := map[string]string{}
	if tok := s.Token(ctx); tok != "" {
		headers["Authorization"] = "Bearer " + tok
	}
	return headers
}

// Token returns the stored token or ""
func (s *SessionStore) Token(ctx context.Context) string {
	sess, err := s.Session(ctx)
	if err != nil {
		s.logger.Warn("Failed to read session token", "error", err)
		return ""
	}
	if sess == nil {
		return ""
	}
	return sess.Token
}
