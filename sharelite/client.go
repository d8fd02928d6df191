// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

// Client wires the device components around one SQLite file and one server
type Client struct {
	config *Config
	logger *slog.Logger

	Sessions  *SessionStore
	Mirror    *Mirror
	API       *APIClient
	Transport *channel.SharedTransport
	Guard     *Guard

	Messages  *MessageStream
	Tasks     *TaskList
	Documents *DocumentList

	// Notices reports the end of a session; Failures reports failed user actions
	Notices  Bus[Notice]
	Failures Bus[*ActionError]

	mu         sync.Mutex
	foreground bool
	wake       chan struct{}
}

// NewClient opens the session store and mirror in db and builds the engines.
// A nil transport connects over websocket to baseURL.
func NewClient(ctx context.Context, db *sql.DB, baseURL string, transport channel.Transport, config *Config) (*Client, error) {
	config = config.withDefaults()
	logger := config.logger()

	sessions, err := NewSessionStore(db, logger)
	if err != nil {
		return nil, err
	}
	mirror, err := NewMirror(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		transport = channel.NewWebsocketTransport(baseURL, func() string {
			return sessions.Token(context.Background())
		}, logger)
	}

	c := &Client{
		config:     config,
		logger:     logger,
		Sessions:   sessions,
		Mirror:     mirror,
		Transport:  channel.NewSharedTransport(transport),
		foreground: true,
		wake:       make(chan struct{}, 1),
	}
	c.API = NewAPIClient(baseURL, sessions.AuthHeaders, config)
	c.Messages = newMessageStream(mirror, c.API, c.Transport, config, &c.Failures)
	c.Tasks = newTaskList(mirror, c.API, c.Transport, config, &c.Failures)
	c.Documents = newDocumentList(mirror, c.API, c.Transport, config, &c.Failures)
	c.Guard = NewGuard(sessions, mirror, &c.Notices, logger,
		c.Documents.ReleaseAll,
		func(context.Context) { c.resetEngines() },
	)
	c.API.OnAuthError = c.Guard.HandleAuthError
	return c, nil
}

// SetClock overrides the clock of every component
func (c *Client) SetClock(now func() time.Time) {
	c.Sessions.SetClock(now)
	c.Messages.SetClock(now)
	c.Tasks.SetClock(now)
	c.Documents.SetClock(now)
}

func (c *Client) resetEngines() {
	c.Messages.Reset()
	c.Tasks.Reset()
	c.Documents.Reset()
}

// CreateWorkspace creates a workspace, adopts the owner session and returns the invite code
func (c *Client) CreateWorkspace(ctx context.Context, name, displayName string) (*overshare.CreateWorkspaceResponse, error) {
	res, err := c.API.CreateWorkspace(ctx, name, displayName)
	if err != nil {
		return nil, err
	}
	if err := c.adopt(ctx, &res.Session); err != nil {
		return res, err
	}
	return res, nil
}

// JoinWorkspace joins with an invite code and adopts the issued session
func (c *Client) JoinWorkspace(ctx context.Context, workspaceID, inviteCode, displayName string) (*overshare.Session, error) {
	sess, err := c.API.Join(ctx, workspaceID, inviteCode, displayName)
	if err != nil {
		return nil, err
	}
	if err := c.adopt(ctx, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// adopt replaces the stored session wholesale and connects with it
func (c *Client) adopt(ctx context.Context, sess *overshare.Session) error {
	if cur := c.Messages.Session(); cur != nil && sessionKey(cur) != sessionKey(sess) {
		c.Documents.ReleaseAll(ctx)
		c.Guard.Unwatch()
		c.resetEngines()
	}
	if err := c.Sessions.SetSession(ctx, sess); err != nil {
		return err
	}
	return c.connect(ctx, sess)
}

// Connect restores the stored session and joins the workspace channel.
// It returns ErrNoSession when nothing valid is stored; an expired session is cleared.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.Sessions.Session(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNoSession
	}
	if !c.Sessions.IsValid(ctx) {
		c.logger.Info("Stored session expired", "workspace_id", sess.WorkspaceID)
		if err := c.Sessions.Clear(ctx); err != nil {
			return err
		}
		return ErrNoSession
	}
	return c.connect(ctx, sess)
}

func (c *Client) connect(ctx context.Context, sess *overshare.Session) error {
	c.Guard.Arm()
	if err := c.Guard.Watch(ctx, c.Transport, sess); err != nil {
		return fmt.Errorf("failed to join workspace channel: %w", err)
	}
	var errs []error
	for _, connect := range []func(context.Context, *overshare.Session) error{
		c.Messages.Connect, c.Tasks.Connect, c.Documents.Connect,
	} {
		if err := connect(ctx, sess); err != nil {
			c.Guard.Check(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resume reconnects after the app returns to the foreground and reconciles right away
func (c *Client) Resume(ctx context.Context) error {
	c.SetForeground(true)
	if c.Messages.Session() != nil && c.Messages.Connected() && c.Tasks.Connected() && c.Documents.Connected() {
		return c.ReconcileAll(ctx)
	}
	c.Disconnect()
	// Connect reconciles each engine as its channel comes up
	return c.Connect(ctx)
}

// Disconnect leaves the channel but keeps the session and local data
func (c *Client) Disconnect() {
	c.Guard.Unwatch()
	c.Messages.Disconnect()
	c.Tasks.Disconnect()
	c.Documents.Disconnect()
}

// SetForeground gates the periodic reconcile. Returning to the foreground triggers one immediately.
func (c *Client) SetForeground(fg bool) {
	c.mu.Lock()
	was := c.foreground
	c.foreground = fg
	c.mu.Unlock()
	if fg && !was {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *Client) isForeground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground
}

// Run reconciles every engine on the reconcile interval while in the foreground, until ctx is done
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.isForeground() {
				continue
			}
		case <-c.wake:
		}
		if c.Messages.Session() == nil {
			continue
		}
		if err := c.ReconcileAll(ctx); err != nil {
			c.logger.Warn("Periodic reconcile failed", "error", err)
		}
	}
}

// ReconcileAll reconciles messages, tasks and documents, attempting each even when one fails
func (c *Client) ReconcileAll(ctx context.Context) error {
	var errs []error
	for _, reconcile := range []func(context.Context) (bool, error){
		c.Messages.Reconcile, c.Tasks.Reconcile, c.Documents.Reconcile,
	} {
		if _, err := reconcile(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logout releases held edit locks, revokes the session on the server and clears local state.
// Local state is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	c.Documents.ReleaseAll(ctx)
	err := c.API.Logout(ctx)
	if err != nil {
		c.logger.Warn("Server logout failed", "error", err)
	}
	c.Guard.Trip(Notice{Kind: NoticeLoggedOut})
	return err
}

// Kick removes another member. The server revokes its sessions and announces the removal.
func (c *Client) Kick(ctx context.Context, memberID string) error {
	sess := c.Messages.Session()
	if sess == nil {
		return ErrNoSession
	}
	if memberID == sess.MemberID {
		return fmt.Errorf("cannot remove yourself, log out instead")
	}
	if err := c.API.KickMember(ctx, sess.WorkspaceID, memberID); err != nil {
		return err
	}
	return c.Messages.RefreshMembers(ctx)
}

// Close disconnects without clearing the session
func (c *Client) Close() {
	c.Disconnect()
}
