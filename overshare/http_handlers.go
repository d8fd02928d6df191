// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/mobiletoly/go-overshare/internal/auth"
)

const maxRequestBody = 1 << 20

// HTTPHandlers exposes the workspace service over HTTP
type HTTPHandlers struct {
	service *Service
	hub     *Hub
	metrics *Metrics
	logger  *slog.Logger

	joinLimit rate.Limit
	joinBurst int
	limitMu   sync.Mutex
	limiters  map[string]*rate.Limiter
}

// HandlerOptions tunes the HTTP surface
type HandlerOptions struct {
	JoinRate  rate.Limit // Create/join attempts per second per remote address
	JoinBurst int
}

// NewHTTPHandlers creates handlers; hub and metrics may be nil
func NewHTTPHandlers(service *Service, hub *Hub, metrics *Metrics, opts HandlerOptions, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.JoinRate <= 0 {
		opts.JoinRate = rate.Limit(1)
	}
	if opts.JoinBurst <= 0 {
		opts.JoinBurst = 5
	}
	return &HTTPHandlers{
		service:   service,
		hub:       hub,
		metrics:   metrics,
		logger:    logger,
		joinLimit: opts.JoinRate,
		joinBurst: opts.JoinBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Router builds the full route table
func (h *HTTPHandlers) Router() *mux.Router {
	r := mux.NewRouter()
	if h.metrics != nil {
		r.Use(h.metrics.Middleware(h.logger))
		r.Methods(http.MethodGet).Path("/metrics").Handler(h.metrics.Handler())
	}
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(h.HandleHealth)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Methods(http.MethodPost).Path("/workspaces").HandlerFunc(h.rateLimited(h.HandleCreateWorkspace))
	v1.Methods(http.MethodPost).Path("/workspaces/{wid}/join").HandlerFunc(h.rateLimited(h.HandleJoin))
	v1.Methods(http.MethodDelete).Path("/session").HandlerFunc(h.authenticated(h.HandleLogout))
	if h.hub != nil {
		v1.Methods(http.MethodGet).Path("/channel").HandlerFunc(h.hub.HandleChannel)
	}

	ws := v1.PathPrefix("/workspaces/{wid}").Subrouter()
	ws.Methods(http.MethodGet).Path("/members").HandlerFunc(h.workspaceScoped(h.HandleListMembers))
	ws.Methods(http.MethodDelete).Path("/members/{mid}").HandlerFunc(h.workspaceScoped(h.HandleKickMember))

	ws.Methods(http.MethodGet).Path("/messages").HandlerFunc(h.workspaceScoped(h.HandleListMessages))
	ws.Methods(http.MethodPost).Path("/messages").HandlerFunc(h.workspaceScoped(h.HandleCreateMessage))

	ws.Methods(http.MethodGet).Path("/tasks").HandlerFunc(h.workspaceScoped(h.HandleListTasks))
	ws.Methods(http.MethodPost).Path("/tasks").HandlerFunc(h.workspaceScoped(h.HandleCreateTask))
	ws.Methods(http.MethodPut).Path("/tasks/{id}").HandlerFunc(h.workspaceScoped(h.HandleUpdateTask))
	ws.Methods(http.MethodDelete).Path("/tasks/{id}").HandlerFunc(h.workspaceScoped(h.HandleDeleteTask))
	ws.Methods(http.MethodPost).Path("/tasks/{id}/toggle").HandlerFunc(h.workspaceScoped(h.HandleToggleTask))

	ws.Methods(http.MethodGet).Path("/documents").HandlerFunc(h.workspaceScoped(h.HandleListDocuments))
	ws.Methods(http.MethodPost).Path("/documents").HandlerFunc(h.workspaceScoped(h.HandleCreateDocument))
	ws.Methods(http.MethodPut).Path("/documents/{id}").HandlerFunc(h.workspaceScoped(h.HandleUpdateDocument))
	ws.Methods(http.MethodDelete).Path("/documents/{id}").HandlerFunc(h.workspaceScoped(h.HandleDeleteDocument))
	ws.Methods(http.MethodPost).Path("/documents/{id}/lock").HandlerFunc(h.workspaceScoped(h.HandleAcquireLock))
	ws.Methods(http.MethodPost).Path("/documents/{id}/unlock").HandlerFunc(h.workspaceScoped(h.HandleReleaseLock))

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, h.logger, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, h.logger, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
	return r
}

// authenticated resolves the bearer token to a principal and stores it in the request context
func (h *HTTPHandlers) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.service.Authenticate(r.Context(), BearerToken(r))
		if err != nil {
			h.writeErr(w, err)
			return
		}
		next(w, r.WithContext(auth.SetIdentity(r.Context(), principal)))
	}
}

// workspaceScoped additionally requires the path workspace to match the session's workspace
func (h *HTTPHandlers) workspaceScoped(next http.HandlerFunc) http.HandlerFunc {
	return h.authenticated(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.GetIdentity(r.Context())
		if err := h.service.AuthorizeWorkspace(principal, mux.Vars(r)["wid"]); err != nil {
			h.writeErr(w, err)
			return
		}
		next(w, r)
	})
}

func (h *HTTPHandlers) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiterFor(remoteHost(r)).Allow() {
			writeError(w, h.logger, http.StatusTooManyRequests, CodeRateLimited, "too many attempts, slow down", nil)
			return
		}
		next(w, r)
	}
}

func (h *HTTPHandlers) limiterFor(key string) *rate.Limiter {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.joinLimit, h.joinBurst)
		h.limiters[key] = l
	}
	return l
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func principalFrom(r *http.Request) *Principal {
	p, _ := auth.GetIdentity(r.Context())
	return p
}

func (h *HTTPHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, "failed to parse request body", nil)
		return false
	}
	return true
}

// HandleHealth reports liveness
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCreateWorkspace creates a workspace and returns the owner session
func (h *HTTPHandlers) HandleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.CreateWorkspace(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, resp)
}

// HandleJoin joins a workspace with an invite code
func (h *HTTPHandlers) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.service.Join(r.Context(), mux.Vars(r)["wid"], req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, sess)
}

// HandleLogout revokes the caller's session
func (h *HTTPHandlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), principalFrom(r)); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMembers returns the workspace roster
func (h *HTTPHandlers) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context(), principalFrom(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, MembersResponse{Members: members})
}

// HandleKickMember removes a member (owner only)
func (h *HTTPHandlers) HandleKickMember(w http.ResponseWriter, r *http.Request) {
	if err := h.service.KickMember(r.Context(), principalFrom(r), mux.Vars(r)["mid"]); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListMessages returns recent history, newest first
func (h *HTTPHandlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			writeError(w, h.logger, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	msgs, err := h.service.ListMessages(r.Context(), principalFrom(r), limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, MessagesResponse{Messages: msgs})
}

// HandleCreateMessage stores a message
func (h *HTTPHandlers) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if !h.decode(w, r, &m) {
		return
	}
	stored, err := h.service.CreateMessage(r.Context(), principalFrom(r), m)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, stored)
}

// HandleListTasks returns all tasks
func (h *HTTPHandlers) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.ListTasks(r.Context(), principalFrom(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, TasksResponse{Tasks: tasks})
}

// HandleCreateTask stores a task
func (h *HTTPHandlers) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t Task
	if !h.decode(w, r, &t) {
		return
	}
	stored, err := h.service.CreateTask(r.Context(), principalFrom(r), t)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, stored)
}

// HandleUpdateTask replaces a task's mutable fields
func (h *HTTPHandlers) HandleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var t Task
	if !h.decode(w, r, &t) {
		return
	}
	t.ServerID = mux.Vars(r)["id"]
	stored, err := h.service.UpdateTask(r.Context(), principalFrom(r), t)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, stored)
}

// HandleToggleTask flips todo/done
func (h *HTTPHandlers) HandleToggleTask(w http.ResponseWriter, r *http.Request) {
	stored, err := h.service.ToggleTask(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, stored)
}

// HandleDeleteTask removes a task
func (h *HTTPHandlers) HandleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteTask(r.Context(), principalFrom(r), mux.Vars(r)["id"]); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListDocuments returns all documents
func (h *HTTPHandlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.ListDocuments(r.Context(), principalFrom(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, DocumentsResponse{Documents: docs})
}

// HandleCreateDocument stores a document
func (h *HTTPHandlers) HandleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var d Document
	if !h.decode(w, r, &d) {
		return
	}
	stored, err := h.service.CreateDocument(r.Context(), principalFrom(r), d)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, stored)
}

// HandleUpdateDocument replaces a document body
func (h *HTTPHandlers) HandleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var d Document
	if !h.decode(w, r, &d) {
		return
	}
	d.ServerID = mux.Vars(r)["id"]
	stored, err := h.service.UpdateDocument(r.Context(), principalFrom(r), d)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, stored)
}

// HandleDeleteDocument removes a document
func (h *HTTPHandlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteDocument(r.Context(), principalFrom(r), mux.Vars(r)["id"]); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAcquireLock acquires or refreshes the caller's edit lock.
// A denial is a normal 200 response with locked=false and the holder.
func (h *HTTPHandlers) HandleAcquireLock(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.AcquireLock(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !res.Locked && h.metrics != nil {
		h.metrics.LockDenials.Inc()
	}
	writeJSON(w, h.logger, http.StatusOK, res)
}

// HandleReleaseLock releases the caller's edit lock
func (h *HTTPHandlers) HandleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReleaseLock(r.Context(), principalFrom(r), mux.Vars(r)["id"]); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) writeErr(w http.ResponseWriter, err error) {
	var authErr *AuthError
	if h.metrics != nil && errors.As(err, &authErr) {
		h.metrics.AuthFailures.WithLabelValues(authErr.Code).Inc()
	}
	writeServiceError(w, h.logger, err)
}

// writeServiceError maps service errors to status codes and error bodies
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var authErr *AuthError
	var lockErr *LockConflictError
	switch {
	case errors.As(err, &authErr):
		writeError(w, logger, authErr.HTTPStatus(), authErr.Code, authErr.Error(), nil)
	case errors.As(err, &lockErr):
		lock := lockErr.Lock
		writeError(w, logger, http.StatusConflict, CodeLocked, lockErr.Error(), &lock)
	case errors.Is(err, ErrNotFound):
		writeError(w, logger, http.StatusNotFound, CodeNotFound, "resource not found", nil)
	case errors.Is(err, ErrForbidden):
		writeError(w, logger, http.StatusForbidden, CodeForbidden, "operation not permitted", nil)
	case errors.Is(err, ErrInvalidInvitation):
		writeError(w, logger, http.StatusForbidden, CodeInvalidInvitation, "invite code is not valid for this workspace", nil)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, logger, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
	default:
		logger.Error("Request failed", "error", err)
		writeError(w, logger, http.StatusInternalServerError, CodeInternalError, "internal server error", nil)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode, message string, lock *LockResult) {
	writeJSON(w, logger, statusCode, ErrorResponse{Error: errorCode, Message: message, Lock: lock})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil && logger != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
