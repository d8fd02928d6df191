// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mobiletoly/go-overshare/overshare"
)

// EditState is the local view of a document edit lock
type EditState string

const (
	EditEditing  EditState = "editing"   // this device holds the lock
	EditReadOnly EditState = "read_only" // someone else holds it
	EditLost     EditState = "lost"      // held, then expired and taken over
	EditReleased EditState = "released"
)

var (
	// ErrNotEditing is returned by Save and Refresh when the session does not hold the lock
	ErrNotEditing = errors.New("document is not locked for editing")
	// ErrEditReleased is returned after Release
	ErrEditReleased = errors.New("edit session released")
)

// EditSession coordinates whole-document edits under the server-side lock
type EditSession struct {
	docs *DocumentList
	id   string

	mu     sync.Mutex
	state  EditState
	holder overshare.LockResult
	held   bool // lock was granted at least once

	changes Bus[EditState]
}

// DocumentID returns the edited document id
func (s *EditSession) DocumentID() string { return s.id }

// State returns the current lock state
func (s *EditSession) State() EditState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Holder returns the last lock result: this device's lease, or the other holder's identity
func (s *EditSession) Holder() overshare.LockResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}

// Subscribe registers fn for state changes and returns a disposer
func (s *EditSession) Subscribe(fn func(EditState)) func() { return s.changes.Subscribe(fn) }

func (s *EditSession) setState(state EditState, holder *overshare.LockResult) {
	s.mu.Lock()
	if s.state == EditReleased && state != EditReleased {
		// A refresh that was in flight during Release
		s.mu.Unlock()
		return
	}
	changed := s.state != state
	s.state = state
	if holder != nil {
		s.holder = *holder
	}
	if state == EditEditing {
		s.held = true
	}
	s.mu.Unlock()
	if changed {
		s.docs.logger.Debug("Edit state changed", "document_id", s.id, "state", state)
		s.changes.Publish(state)
	}
}

// Acquire requests the lock. A denial is not an error: the session becomes read-only and
// Holder reports who is editing.
func (s *EditSession) Acquire(ctx context.Context) (overshare.LockResult, error) {
	if s.State() == EditReleased {
		return overshare.LockResult{}, ErrEditReleased
	}
	return s.request(ctx)
}

func (s *EditSession) request(ctx context.Context) (overshare.LockResult, error) {
	sess := s.docs.Session()
	if sess == nil {
		return overshare.LockResult{}, ErrNoSession
	}
	res, err := s.docs.api.AcquireLock(ctx, sess.WorkspaceID, s.id)
	if err != nil {
		return res, fmt.Errorf("failed to acquire lock on %s: %w", s.id, err)
	}
	if s.State() == EditReleased {
		if res.Locked {
			_ = s.docs.api.ReleaseLock(ctx, sess.WorkspaceID, s.id)
		}
		return res, ErrEditReleased
	}
	switch {
	case res.Locked:
		s.setState(EditEditing, &res)
	case s.State() == EditEditing:
		s.setState(EditLost, &res)
	default:
		s.setState(EditReadOnly, &res)
	}
	return res, nil
}

// Refresh renews the lease. When someone else now holds the lock the session becomes lost
// and stops accepting saves.
func (s *EditSession) Refresh(ctx context.Context) (overshare.LockResult, error) {
	if s.State() != EditEditing {
		return s.Holder(), ErrNotEditing
	}
	return s.request(ctx)
}

// KeepAlive refreshes the lease every refresh interval until ctx is done or the session
// stops editing. Transient failures are logged and retried on the next tick.
func (s *EditSession) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.docs.config.LockRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				var authErr *AuthError
				if errors.Is(err, ErrNotEditing) || errors.As(err, &authErr) {
					return
				}
				s.docs.logger.Warn("Lock refresh failed", "document_id", s.id, "error", err)
			}
			if s.State() != EditEditing {
				return
			}
		}
	}
}

// Save writes the whole document. It is refused unless this session holds the lock.
func (s *EditSession) Save(ctx context.Context, d overshare.Document) (overshare.Document, error) {
	if st := s.State(); st != EditEditing {
		return d, fmt.Errorf("%w (%s)", ErrNotEditing, st)
	}
	d.ServerID = s.id
	saved, err := s.docs.Update(ctx, d)
	var conflict *LockConflictError
	if errors.As(err, &conflict) {
		s.setState(EditLost, &conflict.Lock)
	}
	return saved, err
}

// Release gives the lock back. The server call is attempted whenever the lock was ever
// granted, including after it was lost. Calling Release again is a no-op.
func (s *EditSession) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.state == EditReleased {
		s.mu.Unlock()
		return nil
	}
	held := s.held
	s.mu.Unlock()

	s.setState(EditReleased, nil)
	s.docs.forget(s)
	if !held {
		return nil
	}
	sess := s.docs.Session()
	if sess == nil {
		return ErrNoSession
	}
	if err := s.docs.api.ReleaseLock(ctx, sess.WorkspaceID, s.id); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", s.id, err)
	}
	return nil
}
