// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mobiletoly/go-overshare/overshare"
)

// AuthError is a session-invalidating response. It is never retried.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session rejected (%d %s): %s", e.Status, e.Code, e.Message)
}

// LockConflictError reports a write refused because another member holds the edit lock
type LockConflictError struct {
	Lock overshare.LockResult
}

func (e *LockConflictError) Error() string {
	if e.Lock.EditingByName != "" {
		return fmt.Sprintf("document is being edited by %s", e.Lock.EditingByName)
	}
	return "document is being edited by another member"
}

// APIError is any other non-success response
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// APIClient calls the server of record. Every authenticated response carrying an auth code
// is passed to OnAuthError before it is returned, whichever endpoint produced it.
type APIClient struct {
	BaseURL     string
	HTTP        *http.Client
	Headers     func(ctx context.Context) map[string]string // auth headers for authenticated calls
	OnAuthError func(*AuthError)
	logger      *slog.Logger
}

// NewAPIClient creates a client for the server at baseURL
func NewAPIClient(baseURL string, headers func(ctx context.Context) map[string]string, config *Config) *APIClient {
	config = config.withDefaults()
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: config.HTTPTimeout},
		Headers: headers,
		logger:  config.logger(),
	}
}

func (c *APIClient) workspacePath(workspaceID string, parts ...string) string {
	p := "/v1/workspaces/" + url.PathEscape(workspaceID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// do sends a request and decodes a JSON response into out when out is non-nil
func (c *APIClient) do(ctx context.Context, method, path string, authed bool, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed && c.Headers != nil {
		for k, v := range c.Headers(ctx) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.responseError(resp, authed)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *APIClient) responseError(resp *http.Response, authed bool) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er overshare.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		er.Message = strings.TrimSpace(string(data))
	}

	switch {
	case authed && overshare.IsAuthCode(er.Error):
		authErr := &AuthError{Status: resp.StatusCode, Code: er.Error, Message: er.Message}
		c.logger.Warn("Session rejected by server", "status", resp.StatusCode, "code", er.Error)
		if c.OnAuthError != nil {
			c.OnAuthError(authErr)
		}
		return authErr
	case resp.StatusCode == http.StatusConflict && er.Error == overshare.CodeLocked:
		conflict := &LockConflictError{}
		if er.Lock != nil {
			conflict.Lock = *er.Lock
		}
		return conflict
	default:
		return &APIError{Status: resp.StatusCode, Code: er.Error, Message: er.Message}
	}
}

// CreateWorkspace creates a workspace and returns the owner session and invite code
func (c *APIClient) CreateWorkspace(ctx context.Context, name, displayName string) (*overshare.CreateWorkspaceResponse, error) {
	var out overshare.CreateWorkspaceResponse
	req := overshare.CreateWorkspaceRequest{Name: name, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces", false, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join joins a workspace with an invite code
func (c *APIClient) Join(ctx context.Context, workspaceID, inviteCode, displayName string) (*overshare.Session, error) {
	var out overshare.Session
	req := overshare.JoinRequest{InviteCode: inviteCode, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "join"), false, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout revokes the current session server-side
func (c *APIClient) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/session", true, nil, nil)
}

// ListMembers returns the workspace roster
func (c *APIClient) ListMembers(ctx context.Context, workspaceID string) ([]overshare.Member, error) {
	var out overshare.MembersResponse
	if err := c.do(ctx, http.MethodGet, c.workspacePath(workspaceID, "members"), true, nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// KickMember removes a member (owner only)
func (c *APIClient) KickMember(ctx context.Context, workspaceID, memberID string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath(workspaceID, "members", memberID), true, nil, nil)
}

// ListMessages returns up to limit recent messages
func (c *APIClient) ListMessages(ctx context.Context, workspaceID string, limit int) ([]overshare.Message, error) {
	var out overshare.MessagesResponse
	path := c.workspacePath(workspaceID, "messages")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, true, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateMessage stores m. Resending the same id returns the stored row.
func (c *APIClient) CreateMessage(ctx context.Context, workspaceID string, m overshare.Message) (overshare.Message, error) {
	var out overshare.Message
	m.SyncStatus = ""
	err := c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "messages"), true, m, &out)
	return out, err
}

// ListTasks returns every task
func (c *APIClient) ListTasks(ctx context.Context, workspaceID string) ([]overshare.Task, error) {
	var out overshare.TasksResponse
	if err := c.do(ctx, http.MethodGet, c.workspacePath(workspaceID, "tasks"), true, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CreateTask stores a new task
func (c *APIClient) CreateTask(ctx context.Context, workspaceID string, t overshare.Task) (overshare.Task, error) {
	var out overshare.Task
	t.SyncStatus = ""
	err := c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "tasks"), true, t, &out)
	return out, err
}

// UpdateTask replaces a task's mutable fields
func (c *APIClient) UpdateTask(ctx context.Context, workspaceID string, t overshare.Task) (overshare.Task, error) {
	var out overshare.Task
	t.SyncStatus = ""
	err := c.do(ctx, http.MethodPut, c.workspacePath(workspaceID, "tasks", t.ServerID), true, t, &out)
	return out, err
}

// ToggleTask flips a task between todo and done
func (c *APIClient) ToggleTask(ctx context.Context, workspaceID, taskID string) (overshare.Task, error) {
	var out overshare.Task
	err := c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "tasks", taskID, "toggle"), true, nil, &out)
	return out, err
}

// DeleteTask removes a task
func (c *APIClient) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath(workspaceID, "tasks", taskID), true, nil, nil)
}

// ListDocuments returns every document
func (c *APIClient) ListDocuments(ctx context.Context, workspaceID string) ([]overshare.Document, error) {
	var out overshare.DocumentsResponse
	if err := c.do(ctx, http.MethodGet, c.workspacePath(workspaceID, "documents"), true, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// CreateDocument stores a new document
func (c *APIClient) CreateDocument(ctx context.Context, workspaceID string, d overshare.Document) (overshare.Document, error) {
	var out overshare.Document
	d.SyncStatus = ""
	err := c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "documents"), true, d, &out)
	return out, err
}

// UpdateDocument replaces a document body. Returns *LockConflictError while another member holds the lock.
func (c *APIClient) UpdateDocument(ctx context.Context, workspaceID string, d overshare.Document) (overshare.Document, error) {
	var out overshare.Document
	d.SyncStatus = ""
	err := c.do(ctx, http.MethodPut, c.workspacePath(workspaceID, "documents", d.ServerID), true, d, &out)
	return out, err
}

// DeleteDocument removes a document
func (c *APIClient) DeleteDocument(ctx context.Context, workspaceID, docID string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath(workspaceID, "documents", docID), true, nil, nil)
}

// AcquireLock acquires or refreshes the edit lock. Locked=false carries the current holder.
func (c *APIClient) AcquireLock(ctx context.Context, workspaceID, docID string) (overshare.LockResult, error) {
	var out overshare.LockResult
	err := c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "documents", docID, "lock"), true, nil, &out)
	return out, err
}

// ReleaseLock releases the caller's edit lock
func (c *APIClient) ReleaseLock(ctx context.Context, workspaceID, docID string) error {
	return c.do(ctx, http.MethodPost, c.workspacePath(workspaceID, "documents", docID, "unlock"), true, nil, nil)
}
