// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	memberIDKey contextKey = "member_id"
)

// Identity is the authenticated member behind a request
type Identity struct {
	WorkspaceID string
	MemberID    string
	SessionID   string
	DisplayName string
	IsOwner     bool
}

// SetIdentity stores the authenticated identity in the context
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey, id)
	return SetMemberID(ctx, id.MemberID)
}

// GetIdentity retrieves the authenticated identity from the context
func GetIdentity(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// SetMemberID sets the member ID in the context
func SetMemberID(ctx context.Context, memberID string) context.Context {
	return context.WithValue(ctx, memberIDKey, memberID)
}

// GetMemberID retrieves the member ID from the context, used for log correlation
func GetMemberID(ctx context.Context) (string, bool) {
	memberID, ok := ctx.Value(memberIDKey).(string)
	return memberID, ok
}
