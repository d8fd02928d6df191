// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development servers
type MemoryStore struct {
	mu         sync.Mutex
	workspaces map[string]Workspace
	members    map[string]map[string]Member // workspace -> member
	sessions   map[string]SessionRecord
	messages   map[string]map[string]Message
	tasks      map[string]map[string]Task
	documents  map[string]map[string]Document
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]Workspace),
		members:    make(map[string]map[string]Member),
		sessions:   make(map[string]SessionRecord),
		messages:   make(map[string]map[string]Message),
		tasks:      make(map[string]map[string]Task),
		documents:  make(map[string]map[string]Document),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws Workspace, owner Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
	s.members[ws.ID] = map[string]Member{owner.ID: owner}
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, workspaceID string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, ErrNotFound
	}
	return ws, nil
}

func (s *MemoryStore) WorkspaceByChannelKey(_ context.Context, channelKey string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.workspaces {
		if ws.ChannelKey == channelKey {
			return ws, nil
		}
	}
	return Workspace{}, ErrNotFound
}

func (s *MemoryStore) WorkspaceByInviteCode(_ context.Context, inviteCode string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.workspaces {
		if ws.InviteCode == inviteCode {
			return ws, nil
		}
	}
	return Workspace{}, ErrNotFound
}

func (s *MemoryStore) AddMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[m.WorkspaceID]; !ok {
		return ErrNotFound
	}
	s.members[m.WorkspaceID][m.ID] = m
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, workspaceID, memberID string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[workspaceID][memberID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, workspaceID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Member, 0, len(s.members[workspaceID]))
	for _, m := range s.members[workspaceID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, workspaceID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[workspaceID][memberID]; !ok {
		return ErrNotFound
	}
	delete(s.members[workspaceID], memberID)
	return nil
}

func (s *MemoryStore) TouchMember(_ context.Context, workspaceID, memberID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[workspaceID][memberID]
	if !ok {
		return ErrNotFound
	}
	m.LastSeenAt = at
	s.members[workspaceID][memberID] = m
	return nil
}

func (s *MemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) DeleteMemberSessions(_ context.Context, workspaceID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.sessions {
		if rec.WorkspaceID == workspaceID && rec.MemberID == memberID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.messages[m.WorkspaceID]
	if byID == nil {
		byID = make(map[string]Message)
		s.messages[m.WorkspaceID] = byID
	}
	if existing, ok := byID[m.ServerID]; ok {
		return existing, nil
	}
	byID[m.ServerID] = m
	return m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, workspaceID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages[workspaceID]))
	for _, m := range s.messages[workspaceID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ServerID > out[j].ServerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertTask(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.tasks[t.WorkspaceID]
	if byID == nil {
		byID = make(map[string]Task)
		s.tasks[t.WorkspaceID] = byID
	}
	if existing, ok := byID[t.ServerID]; ok {
		return existing, nil
	}
	byID[t.ServerID] = t
	return t, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, t Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.WorkspaceID][t.ServerID]; !ok {
		return Task{}, ErrNotFound
	}
	s.tasks[t.WorkspaceID][t.ServerID] = t
	return t, nil
}

func (s *MemoryStore) GetTask(_ context.Context, workspaceID, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[workspaceID][taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, workspaceID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks[workspaceID]))
	for _, t := range s.tasks[workspaceID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, workspaceID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[workspaceID][taskID]; !ok {
		return ErrNotFound
	}
	delete(s.tasks[workspaceID], taskID)
	return nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, d Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.documents[d.WorkspaceID]
	if byID == nil {
		byID = make(map[string]Document)
		s.documents[d.WorkspaceID] = byID
	}
	if existing, ok := byID[d.ServerID]; ok {
		return cloneDocument(existing), nil
	}
	byID[d.ServerID] = cloneDocument(d)
	return d, nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, d Document, editorID string, now time.Time) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[d.WorkspaceID][d.ServerID]
	if !ok {
		return Document{}, ErrNotFound
	}
	if err := lockConflict(existing, editorID, now); err != nil {
		return Document{}, err
	}
	existing.Title = d.Title
	existing.Content = d.Content
	existing.Tags = d.Tags
	existing.Pinned = d.Pinned
	existing.Media = d.Media
	existing.UpdatedByID = d.UpdatedByID
	existing.UpdatedByName = d.UpdatedByName
	existing.UpdatedAt = d.UpdatedAt
	s.documents[d.WorkspaceID][d.ServerID] = cloneDocument(existing)
	return cloneDocument(existing), nil
}

func (s *MemoryStore) GetDocument(_ context.Context, workspaceID, docID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[workspaceID][docID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(d), nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, workspaceID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0, len(s.documents[workspaceID]))
	for _, d := range s.documents[workspaceID] {
		out = append(out, cloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, workspaceID, docID, editorID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[workspaceID][docID]
	if !ok {
		return ErrNotFound
	}
	if err := lockConflict(existing, editorID, now); err != nil {
		return err
	}
	delete(s.documents[workspaceID], docID)
	return nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, workspaceID, docID, holderID, holderName string, now, expiresAt time.Time) (LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[workspaceID][docID]
	if !ok {
		return LockResult{}, ErrNotFound
	}
	var conflict *LockConflictError
	if errors.As(lockConflict(d, holderID, now), &conflict) {
		return conflict.Lock, nil
	}
	d.EditingBy = holderID
	d.EditingByName = holderName
	d.EditingExpiresAt = &expiresAt
	s.documents[workspaceID][docID] = d
	exp := expiresAt
	return LockResult{Locked: true, EditingBy: holderID, EditingByName: holderName, ExpiresAt: &exp}, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, workspaceID, docID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[workspaceID][docID]
	if !ok || d.EditingBy != holderID {
		return nil
	}
	d.EditingBy = ""
	d.EditingByName = ""
	d.EditingExpiresAt = nil
	s.documents[workspaceID][docID] = d
	return nil
}

func cloneDocument(d Document) Document {
	if d.Tags != nil {
		d.Tags = append([]string(nil), d.Tags...)
	}
	if d.Media != nil {
		d.Media = append([]string(nil), d.Media...)
	}
	if d.EditingExpiresAt != nil {
		exp := *d.EditingExpiresAt
		d.EditingExpiresAt = &exp
	}
	return d
}
