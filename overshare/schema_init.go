// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the workspace tables within an existing transaction
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS share`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS share.workspaces (
			id           TEXT        PRIMARY KEY,
			name         TEXT        NOT NULL,
			owner_id     TEXT        NOT NULL,
			channel_key  TEXT        NOT NULL UNIQUE,
			invite_code  TEXT        NOT NULL UNIQUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS share.members (
			workspace_id  TEXT        NOT NULL REFERENCES share.workspaces(id) ON DELETE CASCADE,
			id            TEXT        NOT NULL,
			display_name  TEXT        NOT NULL,
			joined_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workspace_id, id)
		)`,

		// Revocation is a row delete: tokens whose sid is absent are rejected
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS share.sessions (
			id            TEXT        PRIMARY KEY,
			workspace_id  TEXT        NOT NULL,
			member_id     TEXT        NOT NULL,
			issued_at     TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sessions_member_idx ON share.sessions (workspace_id, member_id)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS share.messages (
			workspace_id  TEXT        NOT NULL REFERENCES share.workspaces(id) ON DELETE CASCADE,
			id            TEXT        NOT NULL,
			sender_id     TEXT        NOT NULL,
			sender_name   TEXT        NOT NULL,
			content       TEXT        NOT NULL,
			image_url     TEXT        NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS messages_time_idx ON share.messages (workspace_id, created_at DESC, id DESC)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS share.tasks (
			workspace_id   TEXT        NOT NULL REFERENCES share.workspaces(id) ON DELETE CASCADE,
			id             TEXT        NOT NULL,
			creator_id     TEXT        NOT NULL,
			creator_name   TEXT        NOT NULL,
			assignee_id    TEXT        NOT NULL DEFAULT '',
			assignee_name  TEXT        NOT NULL DEFAULT '',
			title          TEXT        NOT NULL,
			description    TEXT        NOT NULL DEFAULT '',
			status         TEXT        NOT NULL CHECK (status IN ('todo','done')),
			priority       TEXT        NOT NULL CHECK (priority IN ('normal','urgent')),
			due_at         TIMESTAMPTZ,
			completed_at   TIMESTAMPTZ,
			completed_by   TEXT        NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS share.documents (
			workspace_id        TEXT        NOT NULL REFERENCES share.workspaces(id) ON DELETE CASCADE,
			id                  TEXT        NOT NULL,
			author_id           TEXT        NOT NULL,
			author_name         TEXT        NOT NULL,
			updated_by_id       TEXT        NOT NULL DEFAULT '',
			updated_by_name     TEXT        NOT NULL DEFAULT '',
			title               TEXT        NOT NULL,
			content             TEXT        NOT NULL,
			tags                TEXT[]      NOT NULL DEFAULT '{}',
			pinned              BOOLEAN     NOT NULL DEFAULT FALSE,
			media               TEXT[]      NOT NULL DEFAULT '{}',
			editing_by          TEXT        NOT NULL DEFAULT '',
			editing_by_name     TEXT        NOT NULL DEFAULT '',
			editing_expires_at  TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)`,
	}

	for _, m := range migrations {
		if _, err := tx.Exec(ctx, m); err != nil {
			return fmt.Errorf("failed to apply schema migration: %w", err)
		}
	}
	return nil
}
