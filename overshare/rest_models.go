// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"encoding/json"
	"time"
)

// REST/JSON models shared by the server, the channel hub and device clients

// Workspace is a small-group shared context
type Workspace struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"owner_id"`
	ChannelKey string    `json:"-"` // Capability gating channel subscription, only handed out inside a Session
	InviteCode string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Member is a workspace participant. IsOwner is derived from workspace ownership on read.
type Member struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	IsOwner     bool      `json:"is_owner"`
}

// Message is an immutable chat message
type Message struct {
	ServerID    string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SyncStatus  string    `json:"sync_status,omitempty"` // Device-side only
}

// Document is a shared chronicle entry edited as whole-document replace under an edit lock
type Document struct {
	ServerID         string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	AuthorID         string     `json:"author_id"`
	AuthorName       string     `json:"author_name"`
	UpdatedByID      string     `json:"updated_by_id,omitempty"`
	UpdatedByName    string     `json:"updated_by_name,omitempty"`
	Title            string     `json:"title"`
	Content          string     `json:"content"`
	Tags             []string   `json:"tags,omitempty"`
	Pinned           bool       `json:"pinned"`
	Media            []string   `json:"media,omitempty"`
	EditingBy        string     `json:"editing_by,omitempty"`
	EditingByName    string     `json:"editing_by_name,omitempty"`
	EditingExpiresAt *time.Time `json:"editing_expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	SyncStatus       string     `json:"sync_status,omitempty"` // Device-side only
}

// LockedBy reports the live lock holder at now, if any
func (d *Document) LockedBy(now time.Time) (string, bool) {
	if d.EditingBy == "" || d.EditingExpiresAt == nil || !now.Before(*d.EditingExpiresAt) {
		return "", false
	}
	return d.EditingBy, true
}

// Task is a shared to-do item
type Task struct {
	ServerID     string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	CreatorID    string     `json:"creator_id"`
	CreatorName  string     `json:"creator_name"`
	AssigneeID   string     `json:"assignee_id,omitempty"`
	AssigneeName string     `json:"assignee_name,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CompletedBy  string     `json:"completed_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	SyncStatus   string     `json:"sync_status,omitempty"` // Device-side only
}

// IsUrgent derives the urgent grouping: explicit urgent priority, or due within 24h and not done
func (t *Task) IsUrgent(now time.Time) bool {
	if t.Status == TaskDone {
		return false
	}
	if t.Priority == PriorityUrgent {
		return true
	}
	return t.DueAt != nil && t.DueAt.Before(now.Add(24*time.Hour))
}

// Session is the device credential returned by create/join
type Session struct {
	Token       string    `json:"token"`
	WorkspaceID string    `json:"workspace_id"`
	MemberID    string    `json:"member_id"`
	ChannelKey  string    `json:"channel_key"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsOwner     bool      `json:"is_owner"`
	OwnerID     string    `json:"owner_id"`
	DisplayName string    `json:"display_name"`
}

// CreateWorkspaceRequest creates a workspace and its owner member
type CreateWorkspaceRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// CreateWorkspaceResponse carries the owner session and the invite code for other members
type CreateWorkspaceResponse struct {
	Session    Session `json:"session"`
	InviteCode string  `json:"invite_code"`
}

// JoinRequest joins an existing workspace
type JoinRequest struct {
	InviteCode  string `json:"invite_code"`
	DisplayName string `json:"display_name"`
}

// MessagesResponse is the message history page
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// TasksResponse is the full task list
type TasksResponse struct {
	Tasks []Task `json:"tasks"`
}

// DocumentsResponse is the full document list
type DocumentsResponse struct {
	Documents []Document `json:"documents"`
}

// MembersResponse is the member roster
type MembersResponse struct {
	Members []Member `json:"members"`
}

// LockResult is the outcome of a lock acquire. Locked=true means the caller holds the lock.
type LockResult struct {
	Locked        bool       `json:"locked"`
	EditingBy     string     `json:"editing_by,omitempty"`
	EditingByName string     `json:"editing_by_name,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Lock    *LockResult `json:"lock,omitempty"` // Holder metadata for CodeLocked
}

// Presence describes one subscriber tracked on a channel
type Presence struct {
	MemberID    string    `json:"member_id"`
	DisplayName string    `json:"display_name"`
	OnlineAt    time.Time `json:"online_at"`
}

// Frame is the wire unit exchanged on a channel connection
type Frame struct {
	Type     string          `json:"type"`
	Topic    string          `json:"topic,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Presence *Presence       `json:"presence,omitempty"`
	State    []Presence      `json:"state,omitempty"`
	Joins    []Presence      `json:"joins,omitempty"`
	Leaves   []Presence      `json:"leaves,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Broadcast payloads for events that do not carry a full entity

// DeletePayload announces removal of a task or document
type DeletePayload struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
}

// MemberKickedPayload announces removal of a member
type MemberKickedPayload struct {
	WorkspaceID string `json:"workspace_id"`
	MemberID    string `json:"member_id"`
}

// TypingPayload announces a member is typing
type TypingPayload struct {
	WorkspaceID string `json:"workspace_id"`
	MemberID    string `json:"member_id"`
	DisplayName string `json:"display_name"`
}
