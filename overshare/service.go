// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overshare/internal/auth"
)

// Broadcaster publishes server-originated events to a workspace channel
type Broadcaster interface {
	Broadcast(ctx context.Context, channelKey, event string, payload any) error
}

// ServiceConfig holds configuration for the workspace service
type ServiceConfig struct {
	TokenSecret  string        // HMAC secret for session tokens (required)
	TokenTTL     time.Duration // Session lifetime
	LockTTL      time.Duration // Edit lock lease length
	HistoryLimit int           // Default message history page size
	MaxLimit     int           // Upper bound for client supplied limits
}

// DefaultServiceConfig returns defaults for everything except the secret
func DefaultServiceConfig(secret string) *ServiceConfig {
	return &ServiceConfig{
		TokenSecret:  secret,
		TokenTTL:     30 * 24 * time.Hour,
		LockTTL:      5 * time.Minute,
		HistoryLimit: 200,
		MaxLimit:     1000,
	}
}

// Principal is the authenticated caller of a request
type Principal = auth.Identity

// Service is the server of record for shared workspaces
type Service struct {
	store  Store
	tokens *TokenIssuer
	config *ServiceConfig
	logger *slog.Logger

	mu          sync.RWMutex
	broadcaster Broadcaster

	now func() time.Time
}

// NewService creates a new workspace service
func NewService(store Store, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if config == nil || config.TokenSecret == "" {
		return nil, errors.New("config.TokenSecret must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultServiceConfig(config.TokenSecret)
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaults.TokenTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = defaults.MaxLimit
	}
	return &Service{
		store:  store,
		tokens: NewTokenIssuer(config.TokenSecret),
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source, used by tests to step over token and lock expiry
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.tokens.now = now
}

// SetBroadcaster wires the channel hub used for server-originated events
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Store returns the underlying store
func (s *Service) Store() Store {
	return s.store
}

// Tokens returns the token issuer
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

func newID() string { return uuid.New().String() }

// CreateWorkspace creates a workspace, its owner member and the owner's session
func (s *Service) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*CreateWorkspaceResponse, error) {
	name := strings.TrimSpace(req.Name)
	displayName := strings.TrimSpace(req.DisplayName)
	if name == "" || displayName == "" {
		return nil, invalidInput("name and display_name are required")
	}

	now := s.now().UTC()
	ownerID := newID()
	ws := Workspace{
		ID:         newID(),
		Name:       name,
		OwnerID:    ownerID,
		ChannelKey: newID(),
		InviteCode: strings.ReplaceAll(newID(), "-", "")[:12],
		CreatedAt:  now,
	}
	owner := Member{ID: ownerID, WorkspaceID: ws.ID, DisplayName: displayName, JoinedAt: now, LastSeenAt: now}
	if err := s.store.CreateWorkspace(ctx, ws, owner); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	sess, err := s.issueSession(ctx, ws, owner)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Workspace created", "workspace_id", ws.ID, "owner_id", ownerID)
	return &CreateWorkspaceResponse{Session: *sess, InviteCode: ws.InviteCode}, nil
}

// Join adds a member through the workspace invite code and issues its session
func (s *Service) Join(ctx context.Context, workspaceID string, req JoinRequest) (*Session, error) {
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		return nil, invalidInput("display_name is required")
	}
	ws, err := s.store.WorkspaceByInviteCode(ctx, strings.TrimSpace(req.InviteCode))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidInvitation
		}
		return nil, fmt.Errorf("failed to look up invitation: %w", err)
	}
	if ws.ID != workspaceID {
		return nil, ErrInvalidInvitation
	}

	now := s.now().UTC()
	member := Member{ID: newID(), WorkspaceID: ws.ID, DisplayName: displayName, JoinedAt: now, LastSeenAt: now}
	if err := s.store.AddMember(ctx, member); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	s.logger.Info("Member joined", "workspace_id", ws.ID, "member_id", member.ID)
	return s.issueSession(ctx, ws, member)
}

func (s *Service) issueSession(ctx context.Context, ws Workspace, m Member) (*Session, error) {
	now := s.now().UTC()
	rec := SessionRecord{
		ID:          newID(),
		WorkspaceID: ws.ID,
		MemberID:    m.ID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.config.TokenTTL),
	}
	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	token, err := s.tokens.Issue(ws.ID, m.ID, rec.ID, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return &Session{
		Token:       token,
		WorkspaceID: ws.ID,
		MemberID:    m.ID,
		ChannelKey:  ws.ChannelKey,
		ExpiresAt:   rec.ExpiresAt,
		IsOwner:     ws.OwnerID == m.ID,
		OwnerID:     ws.OwnerID,
		DisplayName: m.DisplayName,
	}, nil
}

// Authenticate validates a token and confirms its server session row still exists.
// A valid signature and expiry alone are not enough.
func (s *Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, authError(CodeSessionRevoked, "session %s no longer exists", claims.SessionID)
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if rec.WorkspaceID != claims.WorkspaceID || rec.MemberID != claims.MemberID {
		return nil, authError(CodeSessionMismatch, "token does not match session record")
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, authError(CodeTokenExpired, "session expired at %s", rec.ExpiresAt.Format(time.RFC3339))
	}

	member, err := s.store.GetMember(ctx, rec.WorkspaceID, rec.MemberID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, authError(CodeSessionRevoked, "member %s was removed", rec.MemberID)
		}
		return nil, fmt.Errorf("failed to look up member: %w", err)
	}
	ws, err := s.store.GetWorkspace(ctx, rec.WorkspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, authError(CodeSessionRevoked, "workspace %s no longer exists", rec.WorkspaceID)
		}
		return nil, fmt.Errorf("failed to look up workspace: %w", err)
	}

	return &Principal{
		WorkspaceID: rec.WorkspaceID,
		MemberID:    rec.MemberID,
		SessionID:   rec.ID,
		DisplayName: member.DisplayName,
		IsOwner:     ws.OwnerID == member.ID,
	}, nil
}

// AuthorizeWorkspace rejects a principal addressing a workspace other than its own
func (s *Service) AuthorizeWorkspace(p *Principal, workspaceID string) error {
	if p.WorkspaceID != workspaceID {
		return authError(CodeSessionMismatch, "session belongs to another workspace")
	}
	return nil
}

// Logout revokes the caller's session
func (s *Service) Logout(ctx context.Context, p *Principal) error {
	if err := s.store.DeleteSession(ctx, p.SessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// ListMembers returns the roster with ownership derived from the workspace
func (s *Service) ListMembers(ctx context.Context, p *Principal) ([]Member, error) {
	ws, err := s.store.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		members[i].IsOwner = members[i].ID == ws.OwnerID
	}
	return members, nil
}

// KickMember removes a member, revokes all of its sessions and announces the removal on the channel
func (s *Service) KickMember(ctx context.Context, p *Principal, memberID string) error {
	if !p.IsOwner {
		return ErrForbidden
	}
	if memberID == p.MemberID {
		return invalidInput("owner cannot remove itself")
	}
	ws, err := s.store.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMemberSessions(ctx, p.WorkspaceID, memberID); err != nil {
		return fmt.Errorf("failed to revoke member sessions: %w", err)
	}
	if err := s.store.RemoveMember(ctx, p.WorkspaceID, memberID); err != nil {
		return err
	}
	s.logger.Info("Member removed", "workspace_id", p.WorkspaceID, "member_id", memberID, "by", p.MemberID)

	s.mu.RLock()
	b := s.broadcaster
	s.mu.RUnlock()
	if b != nil {
		payload := MemberKickedPayload{WorkspaceID: p.WorkspaceID, MemberID: memberID}
		if err := b.Broadcast(ctx, ws.ChannelKey, EventMemberKicked, payload); err != nil {
			// Target still loses access on its next authenticated call
			s.logger.Warn("Failed to broadcast member removal", "error", err, "member_id", memberID)
		}
	}
	return nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.config.HistoryLimit
	}
	if limit > s.config.MaxLimit {
		return s.config.MaxLimit
	}
	return limit
}

// proposedID keeps a client-proposed UUID so optimistic local rows and retries share one id
func proposedID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return newID()
}

// ListMessages returns the most recent messages, newest first
func (s *Service) ListMessages(ctx context.Context, p *Principal, limit int) ([]Message, error) {
	return s.store.ListMessages(ctx, p.WorkspaceID, s.clampLimit(limit))
}

// CreateMessage stores a message; creating the same id twice returns the stored row
func (s *Service) CreateMessage(ctx context.Context, p *Principal, m Message) (Message, error) {
	if strings.TrimSpace(m.Content) == "" && m.ImageURL == "" {
		return Message{}, invalidInput("content or image_url is required")
	}
	m.ServerID = proposedID(m.ServerID)
	m.WorkspaceID = p.WorkspaceID
	m.SenderID = p.MemberID
	m.SenderName = p.DisplayName
	m.CreatedAt = s.now().UTC()
	m.SyncStatus = ""
	return s.store.InsertMessage(ctx, m)
}

func normalizeTask(t *Task) error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return invalidInput("title is required")
	}
	if t.Status == "" {
		t.Status = TaskTodo
	}
	if t.Status != TaskTodo && t.Status != TaskDone {
		return invalidInput("status must be todo or done")
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.Priority != PriorityNormal && t.Priority != PriorityUrgent {
		return invalidInput("priority must be normal or urgent")
	}
	return nil
}

// ListTasks returns every task of the workspace
func (s *Service) ListTasks(ctx context.Context, p *Principal) ([]Task, error) {
	return s.store.ListTasks(ctx, p.WorkspaceID)
}

// CreateTask stores a new task
func (s *Service) CreateTask(ctx context.Context, p *Principal, t Task) (Task, error) {
	if err := normalizeTask(&t); err != nil {
		return Task{}, err
	}
	now := s.now().UTC()
	t.ServerID = proposedID(t.ServerID)
	t.WorkspaceID = p.WorkspaceID
	t.CreatorID = p.MemberID
	t.CreatorName = p.DisplayName
	t.CreatedAt = now
	t.UpdatedAt = now
	t.SyncStatus = ""
	if t.Status == TaskDone {
		t.CompletedAt = &now
		t.CompletedBy = p.MemberID
	}
	return s.store.InsertTask(ctx, t)
}

// UpdateTask replaces the mutable fields of a task
func (s *Service) UpdateTask(ctx context.Context, p *Principal, t Task) (Task, error) {
	if err := normalizeTask(&t); err != nil {
		return Task{}, err
	}
	existing, err := s.store.GetTask(ctx, p.WorkspaceID, t.ServerID)
	if err != nil {
		return Task{}, err
	}
	now := s.now().UTC()
	existing.Title = t.Title
	existing.Description = t.Description
	existing.AssigneeID = t.AssigneeID
	existing.AssigneeName = t.AssigneeName
	existing.Priority = t.Priority
	existing.DueAt = t.DueAt
	applyTaskStatus(&existing, t.Status, p.MemberID, now)
	existing.UpdatedAt = now
	return s.store.UpdateTask(ctx, existing)
}

// ToggleTask flips a task between todo and done
func (s *Service) ToggleTask(ctx context.Context, p *Principal, taskID string) (Task, error) {
	existing, err := s.store.GetTask(ctx, p.WorkspaceID, taskID)
	if err != nil {
		return Task{}, err
	}
	next := TaskDone
	if existing.Status == TaskDone {
		next = TaskTodo
	}
	now := s.now().UTC()
	applyTaskStatus(&existing, next, p.MemberID, now)
	existing.UpdatedAt = now
	return s.store.UpdateTask(ctx, existing)
}

func applyTaskStatus(t *Task, status, memberID string, now time.Time) {
	if t.Status == status {
		return
	}
	t.Status = status
	if status == TaskDone {
		t.CompletedAt = &now
		t.CompletedBy = memberID
	} else {
		t.CompletedAt = nil
		t.CompletedBy = ""
	}
}

// DeleteTask removes a task
func (s *Service) DeleteTask(ctx context.Context, p *Principal, taskID string) error {
	return s.store.DeleteTask(ctx, p.WorkspaceID, taskID)
}

// ListDocuments returns every document of the workspace
func (s *Service) ListDocuments(ctx context.Context, p *Principal) ([]Document, error) {
	return s.store.ListDocuments(ctx, p.WorkspaceID)
}

// CreateDocument stores a new document
func (s *Service) CreateDocument(ctx context.Context, p *Principal, d Document) (Document, error) {
	if strings.TrimSpace(d.Title) == "" {
		return Document{}, invalidInput("title is required")
	}
	now := s.now().UTC()
	d.ServerID = proposedID(d.ServerID)
	d.WorkspaceID = p.WorkspaceID
	d.AuthorID = p.MemberID
	d.AuthorName = p.DisplayName
	d.UpdatedByID = p.MemberID
	d.UpdatedByName = p.DisplayName
	d.EditingBy, d.EditingByName, d.EditingExpiresAt = "", "", nil
	d.CreatedAt = now
	d.UpdatedAt = now
	d.SyncStatus = ""
	return s.store.InsertDocument(ctx, d)
}

// UpdateDocument replaces the document body as a whole. The lock check and the write are one store step.
func (s *Service) UpdateDocument(ctx context.Context, p *Principal, d Document) (Document, error) {
	if strings.TrimSpace(d.Title) == "" {
		return Document{}, invalidInput("title is required")
	}
	now := s.now().UTC()
	d.WorkspaceID = p.WorkspaceID
	d.UpdatedByID = p.MemberID
	d.UpdatedByName = p.DisplayName
	d.UpdatedAt = now
	return s.store.UpdateDocument(ctx, d, p.MemberID, now)
}

// DeleteDocument removes a document unless another member is editing it
func (s *Service) DeleteDocument(ctx context.Context, p *Principal, docID string) error {
	return s.store.DeleteDocument(ctx, p.WorkspaceID, docID, p.MemberID, s.now())
}

// AcquireLock grants or refreshes the caller's edit lease. A live lease held by someone
// else yields Locked=false with the holder's identity.
func (s *Service) AcquireLock(ctx context.Context, p *Principal, docID string) (LockResult, error) {
	now := s.now().UTC()
	res, err := s.store.AcquireLock(ctx, p.WorkspaceID, docID, p.MemberID, p.DisplayName, now, now.Add(s.config.LockTTL))
	if err != nil {
		return LockResult{}, err
	}
	if !res.Locked {
		s.logger.Debug("Edit lock denied", "document_id", docID, "member_id", p.MemberID, "holder", res.EditingBy)
	}
	return res, nil
}

// ReleaseLock drops the caller's lease; releasing a lease held by someone else is a no-op
func (s *Service) ReleaseLock(ctx context.Context, p *Principal, docID string) error {
	return s.store.ReleaseLock(ctx, p.WorkspaceID, docID, p.MemberID)
}

// TouchMember records presence activity
func (s *Service) TouchMember(ctx context.Context, p *Principal) {
	if err := s.store.TouchMember(ctx, p.WorkspaceID, p.MemberID, s.now().UTC()); err != nil {
		s.logger.Debug("Failed to touch member", "error", err, "member_id", p.MemberID)
	}
}

// WorkspaceForChannel resolves a channel key and confirms the principal belongs to it
func (s *Service) WorkspaceForChannel(ctx context.Context, p *Principal, channelKey string) (Workspace, error) {
	ws, err := s.store.WorkspaceByChannelKey(ctx, channelKey)
	if err != nil {
		return Workspace{}, err
	}
	if ws.ID != p.WorkspaceID {
		return Workspace{}, ErrForbidden
	}
	return ws, nil
}

// marshalPayload is shared by the hub for server-originated broadcasts
func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
