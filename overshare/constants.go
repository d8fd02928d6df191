// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

// Broadcast event names carried on a workspace channel
const (
	EventMessage        = "message"
	EventTaskUpsert     = "task_upsert"
	EventTaskDelete     = "task_delete"
	EventDocumentUpsert = "document_upsert"
	EventDocumentDelete = "document_delete"
	EventMemberKicked   = "member_kicked"
	EventTyping         = "typing"
)

// Channel frame types
const (
	FrameBroadcast     = "broadcast"
	FrameTrack         = "track"
	FramePresenceState = "presence_state"
	FramePresenceDiff  = "presence_diff"
	FrameError         = "error"
)

// Sync status values stored on mirrored entities
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncFailed  = "failed"
)

// Task status and priority values
const (
	TaskTodo = "todo"
	TaskDone = "done"

	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

// Auth/session error codes. Any of these on an authenticated call invalidates the device session.
const (
	CodeMissingToken     = "missing_token"
	CodeInvalidSignature = "invalid_signature"
	CodeTokenExpired     = "token_expired"
	CodeSessionRevoked   = "session_revoked"
	CodeSessionMismatch  = "session_mismatch"
)

// Other API error codes
const (
	CodeLocked             = "locked"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeInvalidRequest     = "invalid_request"
	CodeMethodNotAllowed   = "method_not_allowed"
	CodeRateLimited        = "rate_limited"
	CodeInternalError      = "internal_error"
	CodeInvalidInvitation  = "invalid_invitation"
	CodeChannelKeyRejected = "channel_key_rejected"
)

// TopicPrefix prefixes the channel key to form a workspace topic name
const TopicPrefix = "workspace:"

// Topic returns the channel topic for a workspace channel key
func Topic(channelKey string) string {
	return TopicPrefix + channelKey
}

// IsAuthCode reports whether code is one of the session-invalidating auth codes
func IsAuthCode(code string) bool {
	switch code {
	case CodeMissingToken, CodeInvalidSignature, CodeTokenExpired, CodeSessionRevoked, CodeSessionMismatch:
		return true
	default:
		return false
	}
}
