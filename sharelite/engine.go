// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

var (
	// ErrNoSession is returned when an operation needs a connected session
	ErrNoSession = errors.New("no active session")
	// ErrStaleEdit is returned by Resend when the server changed the row after the local edit
	ErrStaleEdit = errors.New("changed on the server since the local edit")
)

// Change is an inbound mutation decoded from a channel event. Exactly one of Upsert or DeleteID is set.
type Change[T any] struct {
	Upsert      *T
	DeleteID    string
	WorkspaceID string
	Key         string // dedup key
}

// Adapter binds the engine to one entity kind
type Adapter[T any] interface {
	Kind() string
	ID(item T) string
	DedupKey(item T) string
	// Less is the view ordering; it must be a total order
	Less(a, b T) bool
	// Timestamp is the server-assigned last-writer-wins clock
	Timestamp(item T) time.Time
	Status(item T) string
	// Stamp scopes item to a workspace and sets its sync status
	Stamp(item T, workspaceID, status string) T
	// FailedStatus is stored on a row whose send failed
	FailedStatus() string
	// Complete reports whether Fetch returns every row, so synced rows it omits were deleted remotely
	Complete() bool
	Table(m *Mirror) *Table[T]
	Fetch(ctx context.Context, api *APIClient, sess *overshare.Session) ([]T, error)
	// Decode maps a channel event to a change; ok is false for events of other kinds
	Decode(ev channel.Event) (change Change[T], ok bool)
	UpsertEvent(item T) channel.Event
	DeleteEvent(workspaceID, id string) channel.Event
}

// ActionError reports a failed user-initiated action on one entity
type ActionError struct {
	Kind   string
	Action string
	ID     string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s %s failed: %v", e.Action, e.Kind, e.ID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

type engineHooks struct {
	other      func(channel.Event)
	presence   func(channel.PresenceDiff)
	reconciled func(ctx context.Context, sess *overshare.Session)
}

// Engine reconciles one entity kind between the server, the channel and the mirror.
// It is the only writer of its mirror table.
type Engine[T any] struct {
	adapter   Adapter[T]
	table     *Table[T]
	api       *APIClient
	transport channel.Transport
	config    *Config
	logger    *slog.Logger
	now       func() time.Time
	hooks     engineHooks
	failures  *Bus[*ActionError]
	dedup     *DedupWindow

	reconciling atomic.Bool
	fetches     atomic.Int64
	writeMu     sync.Mutex

	mu         sync.Mutex
	session    *overshare.Session
	sessionKey string
	ch         channel.Channel
	connected  bool
	bgCtx      context.Context
	view       []T

	views Bus[[]T]
}

func newEngine[T any](adapter Adapter[T], mirror *Mirror, api *APIClient, transport channel.Transport,
	config *Config, failures *Bus[*ActionError]) *Engine[T] {
	config = config.withDefaults()
	if failures == nil {
		failures = &Bus[*ActionError]{}
	}
	return &Engine[T]{
		adapter:   adapter,
		table:     adapter.Table(mirror),
		api:       api,
		transport: transport,
		config:    config,
		logger:    config.logger().With("kind", adapter.Kind()),
		now:       time.Now,
		failures:  failures,
		dedup:     NewDedupWindow(config.DedupLimit),
		bgCtx:     context.Background(),
	}
}

func sessionKey(s *overshare.Session) string {
	return s.WorkspaceID + "|" + s.MemberID + "|" + s.Token
}

// SetClock overrides the engine clock
func (e *Engine[T]) SetClock(now func() time.Time) { e.now = now }

// Session returns the session the engine is bound to, or nil
func (e *Engine[T]) Session() *overshare.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	s := *e.session
	return &s
}

func (e *Engine[T]) current() (*overshare.Session, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ""
	}
	s := *e.session
	return &s, e.sessionKey
}

func (e *Engine[T]) stillCurrent(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && e.sessionKey == key
}

// Connected reports whether the channel is currently connected
func (e *Engine[T]) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Connect binds the engine to sess and joins the workspace channel. The mirror contents are
// published right away; a full reconcile runs once the channel reports connected.
// Connecting again with the same session is a no-op.
func (e *Engine[T]) Connect(ctx context.Context, sess *overshare.Session) error {
	if sess == nil {
		return ErrNoSession
	}
	key := sessionKey(sess)

	e.mu.Lock()
	if e.ch != nil && e.sessionKey == key {
		e.mu.Unlock()
		return nil
	}
	old := e.ch
	e.ch = nil
	e.connected = false
	if e.sessionKey != key {
		e.dedup.Clear()
	}
	s := *sess
	e.session = &s
	e.sessionKey = key
	e.bgCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	if old != nil {
		_ = old.Leave()
	}
	e.refreshView(ctx)

	self := overshare.Presence{MemberID: sess.MemberID, DisplayName: sess.DisplayName, OnlineAt: e.now().UTC()}
	ch, err := e.transport.Join(ctx, overshare.Topic(sess.ChannelKey), self, channel.Handlers{
		OnEvent:    e.handleEvent,
		OnPresence: e.handlePresence,
		OnStatus:   e.handleStatus,
	})
	if err != nil {
		return fmt.Errorf("failed to join %s channel: %w", e.adapter.Kind(), err)
	}

	e.mu.Lock()
	if e.sessionKey != key || e.ch != nil {
		// Reset or reconnected while joining
		e.mu.Unlock()
		_ = ch.Leave()
		return nil
	}
	e.ch = ch
	e.mu.Unlock()
	return nil
}

// Disconnect leaves the channel. Local data and the session binding are kept.
func (e *Engine[T]) Disconnect() {
	e.mu.Lock()
	ch := e.ch
	e.ch = nil
	e.connected = false
	e.mu.Unlock()
	if ch != nil {
		if err := ch.Leave(); err != nil {
			e.logger.Debug("Channel leave failed", "error", err)
		}
	}
}

// Reset disconnects and forgets the session, the dedup window and the in-memory view.
// No mirror write from this engine lands after Reset returns.
func (e *Engine[T]) Reset() {
	e.Disconnect()
	e.writeMu.Lock()
	e.mu.Lock()
	e.session = nil
	e.sessionKey = ""
	e.view = nil
	e.mu.Unlock()
	e.writeMu.Unlock()
	e.dedup.Clear()
	e.views.Publish(nil)
}

func (e *Engine[T]) handleStatus(s channel.Status, err error) {
	switch s {
	case channel.StatusConnected:
		e.mu.Lock()
		e.connected = true
		ctx := e.bgCtx
		e.mu.Unlock()
		e.logger.Debug("Channel connected")
		if _, err := e.Reconcile(ctx); err != nil {
			e.logger.Warn("Reconcile after connect failed", "error", err)
		}
	case channel.StatusClosed, channel.StatusError:
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		if err != nil {
			e.logger.Info("Channel disconnected", "status", s, "error", err)
		}
	}
}

func (e *Engine[T]) handlePresence(d channel.PresenceDiff) {
	if e.hooks.presence != nil {
		e.hooks.presence(d)
	}
}

func (e *Engine[T]) handleEvent(ev channel.Event) {
	change, ok := e.adapter.Decode(ev)
	if !ok {
		if e.hooks.other != nil {
			e.hooks.other(ev)
		}
		return
	}
	sess, key := e.current()
	if sess == nil {
		return
	}
	if change.WorkspaceID != "" && change.WorkspaceID != sess.WorkspaceID {
		e.logger.Debug("Discarding event for another workspace", "event", ev.Name())
		return
	}
	e.mu.Lock()
	ctx := e.bgCtx
	e.mu.Unlock()
	if err := e.apply(ctx, sess, key, change); err != nil {
		e.logger.Warn("Failed to apply channel event", "event", ev.Name(), "error", err)
	}
}

// apply merges one inbound change. Redelivered keys are skipped; an upsert older than the
// stored synced row or unsent local edit is ignored.
func (e *Engine[T]) apply(ctx context.Context, sess *overshare.Session, key string, change Change[T]) error {
	if change.Key != "" && e.dedup.Seen(change.Key) {
		return nil
	}

	e.writeMu.Lock()
	if !e.stillCurrent(key) {
		e.writeMu.Unlock()
		return nil
	}
	if change.Upsert != nil {
		item := e.adapter.Stamp(*change.Upsert, sess.WorkspaceID, overshare.SyncSynced)
		existing, found, err := e.table.Get(ctx, sess.WorkspaceID, e.adapter.ID(item))
		if err != nil {
			e.writeMu.Unlock()
			return err
		}
		if !found || !(e.newerSynced(existing, item) || e.unsentEdit(existing, item)) {
			if err := e.table.Upsert(ctx, item); err != nil {
				e.writeMu.Unlock()
				return err
			}
		}
	} else if change.DeleteID != "" {
		if err := e.table.Delete(ctx, sess.WorkspaceID, change.DeleteID); err != nil {
			e.writeMu.Unlock()
			return err
		}
	}
	if change.Key != "" {
		e.dedup.Add(change.Key)
	}
	e.writeMu.Unlock()

	e.refreshView(ctx)
	return nil
}

// newerSynced reports whether the stored row is a synced version newer than incoming
func (e *Engine[T]) newerSynced(stored, incoming T) bool {
	return e.adapter.Status(stored) == overshare.SyncSynced &&
		e.adapter.Timestamp(stored).After(e.adapter.Timestamp(incoming))
}

// unsentEdit reports whether stored is a local edit made after incoming that the server has not accepted yet
func (e *Engine[T]) unsentEdit(stored, incoming T) bool {
	switch e.adapter.Status(stored) {
	case overshare.SyncPending, overshare.SyncFailed:
		return e.adapter.Timestamp(stored).After(e.adapter.Timestamp(incoming))
	}
	return false
}

// Reconcile fetches history from the server and merges it into the mirror. A call made while
// another is in flight returns false immediately without fetching.
func (e *Engine[T]) Reconcile(ctx context.Context) (bool, error) {
	if !e.reconciling.CompareAndSwap(false, true) {
		return false, nil
	}
	defer e.reconciling.Store(false)

	sess, key := e.current()
	if sess == nil {
		return true, ErrNoSession
	}
	e.fetches.Add(1)
	items, err := e.adapter.Fetch(ctx, e.api, sess)
	if err != nil {
		return true, fmt.Errorf("failed to fetch %s: %w", e.adapter.Kind(), err)
	}

	e.writeMu.Lock()
	if !e.stillCurrent(key) {
		e.writeMu.Unlock()
		return true, nil
	}
	merged, deleted, err := e.merge(ctx, sess, items)
	e.writeMu.Unlock()
	if err != nil {
		return true, err
	}
	e.logger.Debug("Reconciled", "fetched", len(items), "deleted", deleted, "merged", merged)

	e.refreshView(ctx)
	if e.hooks.reconciled != nil {
		e.hooks.reconciled(ctx, sess)
	}
	return true, nil
}

// merge must be called with writeMu held
func (e *Engine[T]) merge(ctx context.Context, sess *overshare.Session, items []T) (int, int, error) {
	local, err := e.table.Query(ctx, sess.WorkspaceID)
	if err != nil {
		return 0, 0, err
	}
	stored := make(map[string]T, len(local))
	for _, l := range local {
		stored[e.adapter.ID(l)] = l
	}

	now := e.now()
	seen := make(map[string]struct{}, len(items))
	upserts := make([]T, 0, len(items))
	for _, it := range items {
		it = e.adapter.Stamp(it, sess.WorkspaceID, overshare.SyncSynced)
		id := e.adapter.ID(it)
		seen[id] = struct{}{}
		if l, ok := stored[id]; ok && (e.newerSynced(l, it) || e.unsentEdit(l, it)) {
			continue
		}
		upserts = append(upserts, it)
	}

	var deletes []string
	for id, l := range stored {
		if _, ok := seen[id]; ok {
			continue
		}
		switch e.adapter.Status(l) {
		case overshare.SyncPending:
			failed := e.adapter.FailedStatus()
			if failed != overshare.SyncPending && now.Sub(e.adapter.Timestamp(l)) > e.config.PendingGrace {
				upserts = append(upserts, e.adapter.Stamp(l, sess.WorkspaceID, failed))
			}
		case overshare.SyncFailed:
		default:
			if e.adapter.Complete() {
				deletes = append(deletes, id)
			}
		}
	}

	if err := e.table.BulkUpsert(ctx, upserts); err != nil {
		return 0, 0, err
	}
	for _, id := range deletes {
		if err := e.table.Delete(ctx, sess.WorkspaceID, id); err != nil {
			return 0, 0, err
		}
	}
	return len(upserts), len(deletes), nil
}

// Mutate applies local optimistically as pending, sends it, then stores and broadcasts the
// canonical result. On failure the local row is kept, marked with the adapter's failed status,
// and the failure is published on the action error bus.
func (e *Engine[T]) Mutate(ctx context.Context, action string, local T,
	send func(ctx context.Context, sess *overshare.Session, item T) (T, error)) (T, error) {
	sess, key := e.current()
	if sess == nil {
		return local, ErrNoSession
	}
	local = e.adapter.Stamp(local, sess.WorkspaceID, overshare.SyncPending)
	id := e.adapter.ID(local)

	e.writeMu.Lock()
	err := e.table.Upsert(ctx, local)
	e.writeMu.Unlock()
	if err != nil {
		return local, err
	}
	e.refreshView(ctx)

	result, err := send(ctx, sess, local)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			failed := e.adapter.Stamp(local, sess.WorkspaceID, e.adapter.FailedStatus())
			e.writeMu.Lock()
			if e.stillCurrent(key) && e.adapter.FailedStatus() != overshare.SyncPending {
				if werr := e.table.Upsert(ctx, failed); werr != nil {
					e.logger.Warn("Failed to mark row failed", "id", id, "error", werr)
				}
			}
			e.writeMu.Unlock()
			local = failed
			e.refreshView(ctx)
		}
		e.fail(action, id, err)
		return local, fmt.Errorf("%s %s: %w", action, e.adapter.Kind(), err)
	}

	result = e.adapter.Stamp(result, sess.WorkspaceID, overshare.SyncSynced)
	e.writeMu.Lock()
	if e.stillCurrent(key) {
		if rid := e.adapter.ID(result); rid != id {
			_ = e.table.Delete(ctx, sess.WorkspaceID, id)
		}
		if err := e.table.Upsert(ctx, result); err != nil {
			e.writeMu.Unlock()
			return result, err
		}
		e.dedup.Add(e.adapter.DedupKey(result))
	}
	e.writeMu.Unlock()
	e.refreshView(ctx)
	e.publish(ctx, e.adapter.UpsertEvent(result))
	return result, nil
}

// Resend pushes a stored pending or failed row to the server again. A row the server has is sent
// through update, a row it lacks through create. When the server copy changed after the local edit,
// the server copy replaces the local row and ErrStaleEdit is returned.
func (e *Engine[T]) Resend(ctx context.Context, action, id string,
	update, create func(ctx context.Context, sess *overshare.Session, item T) (T, error)) (T, error) {
	var zero T
	sess, key := e.current()
	if sess == nil {
		return zero, ErrNoSession
	}
	local, found, err := e.table.Get(ctx, sess.WorkspaceID, id)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, fmt.Errorf("%s %s not found", e.adapter.Kind(), id)
	}
	if e.adapter.Status(local) == overshare.SyncSynced {
		return local, nil
	}

	items, err := e.adapter.Fetch(ctx, e.api, sess)
	if err != nil {
		e.fail(action, id, err)
		return local, fmt.Errorf("%s %s: %w", action, e.adapter.Kind(), err)
	}
	for _, it := range items {
		if e.adapter.ID(it) != id {
			continue
		}
		if e.adapter.Timestamp(it).After(e.adapter.Timestamp(local)) {
			server := e.adapter.Stamp(it, sess.WorkspaceID, overshare.SyncSynced)
			e.writeMu.Lock()
			if e.stillCurrent(key) {
				err = e.table.Upsert(ctx, server)
			}
			e.writeMu.Unlock()
			if err != nil {
				return server, err
			}
			e.refreshView(ctx)
			return server, ErrStaleEdit
		}
		return e.Mutate(ctx, action, local, update)
	}
	return e.Mutate(ctx, action, local, create)
}

// Remove deletes id locally, then on the server, then broadcasts the delete.
// A server failure other than not-found restores the row.
func (e *Engine[T]) Remove(ctx context.Context, action, id string,
	send func(ctx context.Context, sess *overshare.Session, id string) error) error {
	sess, key := e.current()
	if sess == nil {
		return ErrNoSession
	}
	e.writeMu.Lock()
	existing, found, err := e.table.Get(ctx, sess.WorkspaceID, id)
	if err == nil {
		err = e.table.Delete(ctx, sess.WorkspaceID, id)
	}
	e.writeMu.Unlock()
	if err != nil {
		return err
	}
	e.refreshView(ctx)

	if err := send(ctx, sess, id); err != nil && !IsNotFound(err) {
		var authErr *AuthError
		if found && !errors.As(err, &authErr) {
			e.writeMu.Lock()
			if e.stillCurrent(key) {
				if werr := e.table.Upsert(ctx, existing); werr != nil {
					e.logger.Warn("Failed to restore row", "id", id, "error", werr)
				}
			}
			e.writeMu.Unlock()
			e.refreshView(ctx)
		}
		e.fail(action, id, err)
		return fmt.Errorf("%s %s: %w", action, e.adapter.Kind(), err)
	}
	e.dedup.Add(deleteKey(id))
	e.publish(ctx, e.adapter.DeleteEvent(sess.WorkspaceID, id))
	return nil
}

func deleteKey(id string) string { return "delete-" + id }

func (e *Engine[T]) fail(action, id string, err error) {
	e.logger.Warn("Action failed", "action", action, "id", id, "error", err)
	e.failures.Publish(&ActionError{Kind: e.adapter.Kind(), Action: action, ID: id, Err: err})
}

// publish broadcasts ev when connected. Failures are logged; peers catch up on their next reconcile.
func (e *Engine[T]) publish(ctx context.Context, ev channel.Event) {
	if ev == nil {
		return
	}
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	if ch == nil {
		e.logger.Debug("Not connected, skipping broadcast", "event", ev.Name())
		return
	}
	if err := ch.Publish(ctx, ev); err != nil {
		e.logger.Warn("Broadcast failed", "event", ev.Name(), "error", err)
	}
}

// Get returns one mirrored row
func (e *Engine[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	sess := e.Session()
	if sess == nil {
		return zero, false, ErrNoSession
	}
	return e.table.Get(ctx, sess.WorkspaceID, id)
}

func (e *Engine[T]) refreshView(ctx context.Context) {
	sess := e.Session()
	if sess == nil {
		return
	}
	rows, err := e.table.Query(ctx, sess.WorkspaceID)
	if err != nil {
		e.logger.Warn("Failed to load view", "error", err)
		return
	}
	sort.SliceStable(rows, func(i, j int) bool { return e.adapter.Less(rows[i], rows[j]) })

	e.mu.Lock()
	e.view = rows
	e.mu.Unlock()
	e.views.Publish(append([]T(nil), rows...))
}

// View returns a copy of the current sorted view
func (e *Engine[T]) View() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]T(nil), e.view...)
}

// Subscribe registers fn for view updates and returns a disposer
func (e *Engine[T]) Subscribe(fn func([]T)) func() {
	return e.views.Subscribe(fn)
}

// DedupLen returns the current dedup window size
func (e *Engine[T]) DedupLen() int { return e.dedup.Len() }

// Fetches returns how many history fetches this engine has issued
func (e *Engine[T]) Fetches() int64 { return e.fetches.Load() }
