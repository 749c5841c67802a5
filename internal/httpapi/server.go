// Package httpapi serves the local control API a UI shell uses to drive the
// pending queue, drafts and submissions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/auth"
	"github.com/oneblink/formsync/internal/connectivity"
	"github.com/oneblink/formsync/internal/drafts"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/pending"
	"github.com/oneblink/formsync/internal/prefill"
	"github.com/oneblink/formsync/internal/submitflow"
)

type ServerConfig struct {
	// ControlSecret signs control tokens. Empty disables authentication.
	ControlSecret   string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Connectivity interface {
	IsOffline() bool
	OnChange(fn func(connectivity.Change)) func()
}

type Services struct {
	Queue        *pending.Queue
	Drafts       *drafts.Store
	Pipeline     *submitflow.Pipeline
	Prefill      *prefill.Cache
	Session      *auth.Session
	Connectivity Connectivity
	Logs         *logging.LogBuffer
	Logger       logging.Logger
}

type Server struct {
	svc         Services
	cfg         ServerConfig
	logger      logging.Logger
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc Services, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		svc:         svc,
		cfg:         cfg,
		logger:      logging.OrDefault(svc.Logger),
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(withCorrelationID)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(s.requireScope(scopeQueueRead)).Get("/status", s.handleStatus)
		r.With(s.requireScope(scopeQueueRead)).Get("/events", s.handleEvents)
		r.With(s.requireScope(scopeQueueRead)).Get("/logs", s.handleLogs)

		r.With(s.requireScope(scopeQueueRead)).Get("/pending", s.handleListPending)
		r.With(s.requireScope(scopeQueueWrite)).Post("/pending/drain", s.handleDrain)
		r.With(s.requireScope(scopeQueueWrite)).Post("/pending/{pendingTimestamp}/edit", s.handleStartEdit)
		r.With(s.requireScope(scopeQueueWrite)).Post("/pending/{pendingTimestamp}/cancel-edit", s.handleCancelEdit)
		r.With(s.requireScope(scopeQueueWrite)).Delete("/pending/{pendingTimestamp}", s.handleDeletePending)

		r.With(s.requireScope(scopeDraftsRead)).Get("/drafts", s.handleListDrafts)
		r.With(s.requireScope(scopeDraftsRead)).Get("/drafts/public", s.handleListPublicDrafts)
		r.With(s.requireScope(scopeDraftsRead)).Get("/drafts/{draftId}", s.handleGetDraft)
		r.With(s.requireScope(scopeDraftsWrite)).Put("/drafts", s.handleUpsertDraft)
		r.With(s.requireScope(scopeDraftsWrite)).Delete("/drafts/{draftId}", s.handleDeleteDraft)
		r.With(s.requireScope(scopeDraftsWrite)).Post("/drafts/sync", s.handleSyncDrafts)

		r.With(s.requireScope(scopeDraftsRead)).Get("/forms/{formId}/prefill/{prefillId}", s.handleGetPrefill)

		r.With(s.requireScope(scopeSubmit)).Post("/submissions", s.handleSubmit)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type correlationKey struct{}

func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, correlationID)))
	})
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			limitKey := clientHost(r)
			if s.cfg.ControlSecret != "" {
				claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.ControlSecret, scope, time.Now().UTC())
				if authErr != nil {
					writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
					return
				}
				if claims.Subject != "" {
					limitKey = claims.Subject
				}
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(limitKey, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusResponse struct {
	Offline    bool   `json:"offline"`
	LoggedIn   bool   `json:"loggedIn"`
	Username   string `json:"username,omitempty"`
	Draining   bool   `json:"draining"`
	Syncing    bool   `json:"syncing"`
	QueueDepth int    `json:"queueDepth"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status statusResponse
	if s.svc.Connectivity != nil {
		status.Offline = s.svc.Connectivity.IsOffline()
	}
	if s.svc.Session != nil {
		status.LoggedIn = s.svc.Session.IsLoggedIn()
		status.Username = s.svc.Session.Username()
	}
	if s.svc.Queue != nil {
		status.Draining = s.svc.Queue.IsDraining()
		items, err := s.svc.Queue.List(r.Context())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		status.QueueDepth = len(items)
	}
	if s.svc.Drafts != nil {
		status.Syncing = s.svc.Drafts.IsSyncing()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.svc.Logs == nil {
		writeError(w, http.StatusNotFound, "not_found", "log buffer is not enabled", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.svc.Logs.Bytes())
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.Queue.List(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if items == nil {
		items = []forms.PendingFormSubmission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	result, started := s.svc.Pipeline.ProcessPendingQueue(r.Context())
	status := http.StatusOK
	if !started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"started": started, "result": result})
}

func (s *Server) handleStartEdit(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Queue.StartEdit(r.Context(), chi.URLParam(r, "pendingTimestamp"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Queue.CancelEdit(r.Context(), chi.URLParam(r, "pendingTimestamp"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeletePending(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Queue.Delete(r.Context(), chi.URLParam(r, "pendingTimestamp")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Drafts.GetDrafts(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": nonNilDrafts(list)})
}

func (s *Server) handleListPublicDrafts(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Drafts.GetPublicDrafts(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": nonNilDrafts(list)})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := s.svc.Drafts.GetDraftAndData(r.Context(), chi.URLParam(r, "draftId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if draft == nil {
		writeError(w, http.StatusNotFound, "not_found", "draft not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleUpsertDraft(w http.ResponseWriter, r *http.Request) {
	var draft forms.DraftSubmission
	if !s.decodeJSONBody(w, r, &draft) {
		return
	}
	saved, err := s.svc.Drafts.UpsertDraft(r.Context(), draft)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Drafts.DeleteDraft(r.Context(), chi.URLParam(r, "draftId")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncDrafts(w http.ResponseWriter, r *http.Request) {
	throwError, err := parseOptionalBool(r.URL.Query().Get("throwError"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid throwError", getCorrelationID(r))
		return
	}
	started, err := s.svc.Drafts.SyncDrafts(r.Context(), drafts.SyncOptions{ThrowError: throwError})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if !started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"started": started})
}

func (s *Server) handleGetPrefill(w http.ResponseWriter, r *http.Request) {
	if s.svc.Prefill == nil {
		writeError(w, http.StatusNotFound, "not_found", "prefill data is not available", getCorrelationID(r))
		return
	}
	formID, err := strconv.ParseInt(chi.URLParam(r, "formId"), 10, 64)
	if err != nil || formID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid formId", getCorrelationID(r))
		return
	}
	data, err := s.svc.Prefill.Get(r.Context(), formID, chi.URLParam(r, "prefillId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "not_found", "prefill data not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var submission forms.FormSubmission
	if !s.decodeJSONBody(w, r, &submission) {
		return
	}
	if submission.Definition.ID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "definition.id is required", getCorrelationID(r))
		return
	}
	result, err := s.svc.Pipeline.Submit(r.Context(), submission)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.IsInPendingQueue || result.IsOffline || result.IsUploadingAttachments {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return false
	}
	return true
}

// writeAppError maps queue errors and the apperr taxonomy onto statuses.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, pending.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	case errors.Is(err, pending.ErrSubmitting):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
		return
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled", correlationID)
		return
	}

	var appErr *apperr.Error
	if !errors.As(apperr.Classify(err), &appErr) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperr.KindOffline:
		status = http.StatusServiceUnavailable
	case apperr.KindUnauthorised:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindBadRequest:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindStorageExhausted:
		status = http.StatusInsufficientStorage
	default:
		s.logger.Printf("httpapi: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]any{
		"code":          string(appErr.Kind),
		"title":         appErr.Title,
		"message":       appErr.Message,
		"correlationId": correlationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func nonNilDrafts(list []forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft {
	if list == nil {
		return []forms.LocalFormSubmissionDraft{}
	}
	return list
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
