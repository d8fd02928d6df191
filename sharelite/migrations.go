// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// MirrorSchemaVersion is the latest mirror schema version recorded in PRAGMA user_version
const MirrorSchemaVersion = 4

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "legacy rowid layout", migrateLegacyLayout},
	{2, "optional media columns", migrateOptionalColumns},
	{3, "rebuild messages keyed by server id", func(ctx context.Context, tx *sql.Tx) error {
		return rebuildTable(ctx, tx, messagesRebuild)
	}},
	{4, "rebuild tasks, documents and members keyed by server id", func(ctx context.Context, tx *sql.Tx) error {
		for _, rb := range []tableRebuild{tasksRebuild, documentsRebuild, membersRebuild} {
			if err := rebuildTable(ctx, tx, rb); err != nil {
				return err
			}
		}
		return nil
	}},
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return migrateTo(ctx, db, logger, MirrorSchemaVersion)
}

// migrateTo applies every migration above the current user_version up to target, each in its own transaction
func migrateTo(ctx context.Context, db *sql.DB, logger *slog.Logger, target int) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > MirrorSchemaVersion {
		return fmt.Errorf("mirror schema version %d is newer than supported %d", current, MirrorSchemaVersion)
	}
	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		logger.Info("Applied mirror migration", "version", m.version, "name", m.name)
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read mirror schema version: %w", err)
	}
	return v, nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Version 1: rowid keyed tables where server_id may be missing
func migrateLegacyLayout(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id    TEXT,
			workspace_id TEXT NOT NULL,
			sender_id    TEXT,
			sender_name  TEXT,
			content      TEXT,
			created_at   TEXT,
			sync_status  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ws_created ON messages(workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id     TEXT,
			workspace_id  TEXT NOT NULL,
			creator_id    TEXT,
			creator_name  TEXT,
			assignee_id   TEXT,
			assignee_name TEXT,
			title         TEXT,
			description   TEXT,
			status        TEXT,
			priority      TEXT,
			due_at        TEXT,
			completed_at  TEXT,
			completed_by  TEXT,
			created_at    TEXT,
			updated_at    TEXT,
			sync_status   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ws_created ON tasks(workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id          TEXT,
			workspace_id       TEXT NOT NULL,
			author_id          TEXT,
			author_name        TEXT,
			updated_by_id      TEXT,
			updated_by_name    TEXT,
			title              TEXT,
			content            TEXT,
			pinned             INTEGER NOT NULL DEFAULT 0,
			editing_by         TEXT,
			editing_by_name    TEXT,
			editing_expires_at TEXT,
			created_at         TEXT,
			updated_at         TEXT,
			sync_status        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_ws_created ON documents(workspace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS members (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id    TEXT,
			workspace_id TEXT NOT NULL,
			display_name TEXT,
			joined_at    TEXT,
			last_seen_at TEXT,
			is_owner     INTEGER NOT NULL DEFAULT 0
		)`,
	})
}

// Version 2: additive, nullable columns only
func migrateOptionalColumns(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`ALTER TABLE messages ADD COLUMN image_url TEXT`,
		`ALTER TABLE documents ADD COLUMN tags TEXT`,
		`ALTER TABLE documents ADD COLUMN media TEXT`,
	})
}

// tableRebuild describes a destructive primary key change for one table.
// copy maps final column names to the legacy column they are read from.
type tableRebuild struct {
	table   string
	create  string // final DDL with %s for the table name
	indexes []string
	copy    [][2]string
	seed    []string // legacy columns hashed into a fallback id
	recency string   // legacy column deciding which duplicate survives
}

var messagesRebuild = tableRebuild{
	table: "messages",
	create: `CREATE TABLE %s (
		workspace_id TEXT NOT NULL,
		server_id    TEXT NOT NULL,
		sender_id    TEXT,
		sender_name  TEXT,
		content      TEXT,
		image_url    TEXT,
		created_at   TEXT,
		sync_status  TEXT,
		PRIMARY KEY (workspace_id, server_id)
	)`,
	indexes: []string{`CREATE INDEX IF NOT EXISTS idx_messages_ws_created ON messages(workspace_id, created_at)`},
	copy: [][2]string{
		{"sender_id", "sender_id"}, {"sender_name", "sender_name"}, {"content", "content"},
		{"image_url", "image_url"}, {"created_at", "created_at"}, {"sync_status", "sync_status"},
	},
	seed:    []string{"sender_id", "created_at", "content"},
	recency: "created_at",
}

var tasksRebuild = tableRebuild{
	table: "tasks",
	create: `CREATE TABLE %s (
		workspace_id  TEXT NOT NULL,
		server_id     TEXT NOT NULL,
		creator_id    TEXT,
		creator_name  TEXT,
		assignee_id   TEXT,
		assignee_name TEXT,
		title         TEXT,
		description   TEXT,
		status        TEXT,
		priority      TEXT,
		due_at        TEXT,
		completed_at  TEXT,
		completed_by  TEXT,
		created_at    TEXT,
		updated_at    TEXT,
		sync_status   TEXT,
		PRIMARY KEY (workspace_id, server_id)
	)`,
	indexes: []string{`CREATE INDEX IF NOT EXISTS idx_tasks_ws_created ON tasks(workspace_id, created_at)`},
	copy: [][2]string{
		{"creator_id", "creator_id"}, {"creator_name", "creator_name"}, {"assignee_id", "assignee_id"},
		{"assignee_name", "assignee_name"}, {"title", "title"}, {"description", "description"},
		{"status", "status"}, {"priority", "priority"}, {"due_at", "due_at"}, {"completed_at", "completed_at"},
		{"completed_by", "completed_by"}, {"created_at", "created_at"}, {"updated_at", "updated_at"},
		{"sync_status", "sync_status"},
	},
	seed:    []string{"creator_id", "created_at", "title"},
	recency: "updated_at",
}

var documentsRebuild = tableRebuild{
	table: "documents",
	create: `CREATE TABLE %s (
		workspace_id       TEXT NOT NULL,
		server_id          TEXT NOT NULL,
		author_id          TEXT,
		author_name        TEXT,
		updated_by_id      TEXT,
		updated_by_name    TEXT,
		title              TEXT,
		content            TEXT,
		tags               TEXT,
		pinned             INTEGER NOT NULL DEFAULT 0,
		media              TEXT,
		editing_by         TEXT,
		editing_by_name    TEXT,
		editing_expires_at TEXT,
		created_at         TEXT,
		updated_at         TEXT,
		sync_status        TEXT,
		PRIMARY KEY (workspace_id, server_id)
	)`,
	indexes: []string{
		`CREATE INDEX IF NOT EXISTS idx_documents_ws_created ON documents(workspace_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_ws_updated ON documents(workspace_id, updated_at)`,
	},
	copy: [][2]string{
		{"author_id", "author_id"}, {"author_name", "author_name"}, {"updated_by_id", "updated_by_id"},
		{"updated_by_name", "updated_by_name"}, {"title", "title"}, {"content", "content"}, {"tags", "tags"},
		{"pinned", "pinned"}, {"media", "media"}, {"editing_by", "editing_by"},
		{"editing_by_name", "editing_by_name"}, {"editing_expires_at", "editing_expires_at"},
		{"created_at", "created_at"}, {"updated_at", "updated_at"}, {"sync_status", "sync_status"},
	},
	seed:    []string{"author_id", "created_at", "title"},
	recency: "updated_at",
}

var membersRebuild = tableRebuild{
	table: "members",
	create: `CREATE TABLE %s (
		workspace_id TEXT NOT NULL,
		server_id    TEXT NOT NULL,
		display_name TEXT,
		created_at   TEXT,
		last_seen_at TEXT,
		PRIMARY KEY (workspace_id, server_id)
	)`,
	indexes: []string{`CREATE INDEX IF NOT EXISTS idx_members_ws_created ON members(workspace_id, created_at)`},
	copy: [][2]string{
		{"display_name", "display_name"}, {"created_at", "joined_at"},
		{"last_seen_at", "last_seen_at"},
	},
	seed:    []string{"display_name", "joined_at"},
	recency: "last_seen_at",
}

var fallbackNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("overshare.mirror"))

// fallbackID derives a deterministic id for a legacy row that never received a server id
func fallbackID(table, workspaceID string, seed []string) string {
	parts := append([]string{table, workspaceID}, seed...)
	return uuid.NewSHA1(fallbackNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

type legacyRow struct {
	rowid  int64
	wid    string
	id     string
	values []sql.NullString // aligned with tableRebuild.copy
	recent sql.NullString
}

// rebuildTable recreates one table with a (workspace_id, server_id) key. Rows without a server id
// get a fallback id; duplicates keep the most recently updated row, later rowids winning ties.
// Only rb.table is dropped.
func rebuildTable(ctx context.Context, tx *sql.Tx, rb tableRebuild) error {
	legacyCols := make([]string, 0, len(rb.copy))
	for _, c := range rb.copy {
		legacyCols = append(legacyCols, c[1])
	}
	seedIdx := make([]int, 0, len(rb.seed))
	for _, s := range rb.seed {
		seedIdx = append(seedIdx, indexOf(legacyCols, s))
	}
	recencyIdx := indexOf(legacyCols, rb.recency)
	selectCols := append([]string{"rowid", "server_id", "workspace_id"}, legacyCols...)
	if recencyIdx < 0 {
		selectCols = append(selectCols, rb.recency)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY rowid`, strings.Join(selectCols, ", "), rb.table))
	if err != nil {
		return fmt.Errorf("failed to read legacy %s: %w", rb.table, err)
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		var serverID, wid sql.NullString
		r.values = make([]sql.NullString, len(legacyCols))
		dest := []any{&r.rowid, &serverID, &wid}
		for i := range r.values {
			dest = append(dest, &r.values[i])
		}
		if recencyIdx < 0 {
			dest = append(dest, &r.recent)
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan legacy %s row: %w", rb.table, err)
		}
		if recencyIdx >= 0 {
			r.recent = r.values[recencyIdx]
		}
		r.wid = wid.String
		if serverID.Valid && serverID.String != "" {
			r.id = serverID.String
		} else {
			seed := make([]string, 0, len(seedIdx))
			for _, i := range seedIdx {
				if i >= 0 {
					seed = append(seed, r.values[i].String)
				}
			}
			r.id = fallbackID(rb.table, r.wid, seed)
		}
		legacy = append(legacy, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read legacy %s: %w", rb.table, err)
	}
	rows.Close()

	type key struct{ wid, id string }
	winners := make(map[key]int, len(legacy))
	var order []key
	for i, r := range legacy {
		k := key{r.wid, r.id}
		prev, ok := winners[k]
		if !ok {
			winners[k] = i
			order = append(order, k)
			continue
		}
		if !parseTime(legacy[prev].recent).After(parseTime(r.recent)) {
			winners[k] = i
		}
	}

	tmp := rb.table + "_rebuild"
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(rb.create, tmp)); err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	finalCols := []string{"workspace_id", "server_id"}
	for _, c := range rb.copy {
		finalCols = append(finalCols, c[0])
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(finalCols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, tmp, strings.Join(finalCols, ", "), marks))
	if err != nil {
		return fmt.Errorf("failed to prepare %s copy: %w", rb.table, err)
	}
	for _, k := range order {
		r := legacy[winners[k]]
		args := []any{r.wid, r.id}
		for _, v := range r.values {
			if v.Valid {
				args = append(args, v.String)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy %s row %d: %w", rb.table, r.rowid, err)
		}
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to finish %s copy: %w", rb.table, err)
	}

	stmts := []string{
		`DROP TABLE ` + rb.table,
		fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, tmp, rb.table),
	}
	return execAll(ctx, tx, append(stmts, rb.indexes...))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
