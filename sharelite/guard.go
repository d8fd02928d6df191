// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

// NoticeKind says why the user is being taken out of the workspace
type NoticeKind string

const (
	NoticeSessionExpired NoticeKind = "session_expired"
	NoticeRemoved        NoticeKind = "removed"
	NoticeLoggedOut      NoticeKind = "logged_out"
)

// Notice is raised once per session when it ends
type Notice struct {
	Kind NoticeKind
	Code string // server error code, if any
	Err  error
}

const teardownTimeout = 10 * time.Second

// Guard turns auth failures and kick events into a single local teardown.
// It trips at most once per armed session.
type Guard struct {
	sessions *SessionStore
	mirror   *Mirror
	notices  *Bus[Notice]
	logger   *slog.Logger
	teardown []func(ctx context.Context)

	tripped atomic.Bool

	mu    sync.Mutex
	watch channel.Channel
}

// NewGuard creates a guard. Teardown hooks run in order before the session is cleared.
func NewGuard(sessions *SessionStore, mirror *Mirror, notices *Bus[Notice], logger *slog.Logger,
	teardown ...func(ctx context.Context)) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if notices == nil {
		notices = &Bus[Notice]{}
	}
	g := &Guard{sessions: sessions, mirror: mirror, notices: notices, logger: logger, teardown: teardown}
	// Nothing to protect until a session is adopted
	g.tripped.Store(true)
	return g
}

// Arm re-enables the guard for a newly adopted session
func (g *Guard) Arm() { g.tripped.Store(false) }

// Armed reports whether the guard will react to the next revocation
func (g *Guard) Armed() bool { return !g.tripped.Load() }

// HandleAuthError is wired to APIClient.OnAuthError
func (g *Guard) HandleAuthError(err *AuthError) {
	g.Trip(Notice{Kind: NoticeSessionExpired, Code: err.Code, Err: err})
}

// Check trips the guard when err is a session-invalidating failure from either the API or
// the channel handshake. It reports whether it did.
func (g *Guard) Check(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		g.HandleAuthError(authErr)
		return true
	}
	var dialErr *channel.DialError
	if errors.As(err, &dialErr) && overshare.IsAuthCode(dialErr.Code) {
		g.Trip(Notice{Kind: NoticeSessionExpired, Code: dialErr.Code, Err: err})
		return true
	}
	return false
}

// Watch subscribes to the workspace channel for kick events aimed at this member
func (g *Guard) Watch(ctx context.Context, transport channel.Transport, sess *overshare.Session) error {
	g.Unwatch()
	self := overshare.Presence{MemberID: sess.MemberID, DisplayName: sess.DisplayName, OnlineAt: time.Now().UTC()}
	ch, err := transport.Join(ctx, overshare.Topic(sess.ChannelKey), self, channel.Handlers{
		OnEvent: func(ev channel.Event) {
			k, ok := ev.(channel.MemberKickedEvent)
			if !ok || k.MemberID != sess.MemberID {
				return
			}
			if k.WorkspaceID != "" && k.WorkspaceID != sess.WorkspaceID {
				return
			}
			g.logger.Info("Removed from workspace", "workspace_id", sess.WorkspaceID, "member_id", sess.MemberID)
			g.Trip(Notice{Kind: NoticeRemoved})
		},
	})
	if err != nil {
		g.Check(err)
		return err
	}
	g.mu.Lock()
	g.watch = ch
	g.mu.Unlock()
	return nil
}

// Unwatch leaves the kick watch subscription
func (g *Guard) Unwatch() {
	g.mu.Lock()
	ch := g.watch
	g.watch = nil
	g.mu.Unlock()
	if ch != nil {
		_ = ch.Leave()
	}
}

// Trip tears the session down and publishes n. Only the first call after Arm has any effect.
func (g *Guard) Trip(n Notice) {
	if !g.tripped.CompareAndSwap(false, true) {
		return
	}
	g.logger.Warn("Session ended", "reason", n.Kind, "code", n.Code)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	for _, fn := range g.teardown {
		fn(ctx)
	}
	g.Unwatch()
	if err := g.sessions.Clear(ctx); err != nil {
		g.logger.Error("Failed to clear session", "error", err)
	}
	if err := g.mirror.ClearAll(ctx); err != nil {
		g.logger.Error("Failed to clear mirror", "error", err)
	}
	g.notices.Publish(n)
}
