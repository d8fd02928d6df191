// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"context"
	"time"
)

// SessionRecord is the server-side row backing a session token. Deleting it revokes the token.
type SessionRecord struct {
	ID          string
	WorkspaceID string
	MemberID    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Store is the authoritative persistence used by Service.
// Implementations must make AcquireLock atomic: two concurrent callers on the same
// document never both observe Locked=true. UpdateDocument and DeleteDocument check the
// lock in the same atomic step as the write.
type Store interface {
	CreateWorkspace(ctx context.Context, ws Workspace, owner Member) error
	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	WorkspaceByChannelKey(ctx context.Context, channelKey string) (Workspace, error)
	WorkspaceByInviteCode(ctx context.Context, inviteCode string) (Workspace, error)

	AddMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, workspaceID, memberID string) (Member, error)
	ListMembers(ctx context.Context, workspaceID string) ([]Member, error)
	RemoveMember(ctx context.Context, workspaceID, memberID string) error
	TouchMember(ctx context.Context, workspaceID, memberID string, at time.Time) error

	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteMemberSessions(ctx context.Context, workspaceID, memberID string) error

	// InsertMessage is idempotent on ServerID: re-inserting returns the stored row
	InsertMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, workspaceID string, limit int) ([]Message, error)

	InsertTask(ctx context.Context, t Task) (Task, error)
	UpdateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, workspaceID, taskID string) (Task, error)
	ListTasks(ctx context.Context, workspaceID string) ([]Task, error)
	DeleteTask(ctx context.Context, workspaceID, taskID string) error

	InsertDocument(ctx context.Context, d Document) (Document, error)
	// UpdateDocument writes the mutable fields of d. It returns *LockConflictError while a member
	// other than editorID holds a live lock at now.
	UpdateDocument(ctx context.Context, d Document, editorID string, now time.Time) (Document, error)
	GetDocument(ctx context.Context, workspaceID, docID string) (Document, error)
	ListDocuments(ctx context.Context, workspaceID string) ([]Document, error)
	DeleteDocument(ctx context.Context, workspaceID, docID, editorID string, now time.Time) error

	// AcquireLock grants the lock when the document is unlocked, expired at now, or already held by holderID
	AcquireLock(ctx context.Context, workspaceID, docID, holderID, holderName string, now, expiresAt time.Time) (LockResult, error)
	// ReleaseLock clears the lock only when holderID is the current holder
	ReleaseLock(ctx context.Context, workspaceID, docID, holderID string) error

	Close()
}
