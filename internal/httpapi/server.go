package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/broadline/channelsync/internal/channel"
	"github.com/broadline/channelsync/internal/reconcile"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

// SyncTrigger is the manual reconciliation entry point the server
// exposes over HTTP.
type SyncTrigger interface {
	SyncTenant(ctx context.Context, tenantID string) error
}

// TaskReporter surfaces scheduler task statuses for the admin endpoint.
type TaskReporter interface {
	Statuses() []reconcile.TaskStatus
}

type Server struct {
	store              *channel.Store
	syncer             SyncTrigger
	tasks              TaskReporter
	validator          *eventValidator
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
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

func NewServer(store *channel.Store, syncer SyncTrigger, tasks TaskReporter) (*Server, error) {
	return NewServerWithConfig(store, syncer, tasks, ServerConfig{})
}

func NewServerWithConfig(store *channel.Store, syncer SyncTrigger, tasks TaskReporter, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	validator, err := newEventValidator()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              store,
		syncer:             syncer,
		tasks:              tasks,
		validator:          validator,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.URL.Path == "/v1/internal/platform-events" && r.Method == http.MethodPost {
		s.handlePlatformEvent(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/tasks" && r.Method == http.MethodGet {
		s.handleAdminTasks(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	tenantID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "channel" && r.Method == http.MethodGet:
		requiredScope = "channel:read"
		route = "channel"
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync"
	case len(parts) == 4 && parts[3] == "dead-letter" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "dead_letter"
	case len(parts) == 5 && parts[3] == "dead-letter" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "dead_letter_item"
	case len(parts) == 6 && parts[3] == "dead-letter" && parts[5] == "ack" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "dead_letter_ack"
	case len(parts) == 6 && parts[3] == "dead-letter" && parts[5] == "replay" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "dead_letter_replay"
	case len(parts) == 4 && parts[3] == "killswitch-events" && r.Method == http.MethodGet:
		requiredScope = "channel:read"
		route = "killswitch_events"
	case len(parts) == 4 && parts[3] == "credential" && r.Method == http.MethodGet:
		requiredScope = "channel:read"
		route = "credential"
	case len(parts) == 5 && parts[3] == "credential" && parts[4] == "clear-failure" && r.Method == http.MethodPost:
		requiredScope = "channel:write"
		route = "credential_clear_failure"
	case len(parts) == 6 && parts[3] == "campaigns" && parts[5] == "resume" && r.Method == http.MethodPost:
		requiredScope = "channel:write"
		route = "campaign_resume"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "channel":
		s.handleChannel(w, r, tenantID, correlationID)
	case "sync":
		s.handleSyncTrigger(w, r, tenantID, correlationID)
	case "dead_letter":
		s.handleDeadLetterList(w, r, tenantID, correlationID)
	case "dead_letter_item":
		s.handleDeadLetterItem(w, r, tenantID, parts[4], correlationID)
	case "dead_letter_ack":
		s.handleDeadLetterAck(w, r, tenantID, parts[4], correlationID)
	case "dead_letter_replay":
		s.handleDeadLetterReplay(w, r, tenantID, parts[4], correlationID)
	case "killswitch_events":
		s.handleKillSwitchEvents(w, r, tenantID, correlationID)
	case "credential":
		s.handleCredential(w, r, tenantID, correlationID)
	case "credential_clear_failure":
		s.handleCredentialClearFailure(w, r, tenantID, correlationID)
	case "campaign_resume":
		s.handleCampaignResume(w, r, tenantID, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handlePlatformEvent is the webhook intake: internal HMAC with a replay
// window, then schema validation, then the synchronous enqueue. The 202
// goes out as soon as the job is queued.
func (s *Server) handlePlatformEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Platform-Timestamp"),
		r.Header.Get("X-Platform-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Platform-Timestamp"), r.Header.Get("X-Platform-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := s.validator.validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "event failed schema validation: "+err.Error(), correlationID)
		return
	}

	var req channel.PlatformEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = correlationID
	}
	queued, err := s.store.IngestPlatformEvent(req)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, channel.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func (s *Server) handleAdminTasks(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Platform-Timestamp"),
		r.Header.Get("X-Platform-Signature"),
		nil,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	statuses := []reconcile.TaskStatus{}
	if s.tasks != nil {
		statuses = s.tasks.Statuses()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":      statuses,
		"queueDepth": s.store.QueueDepth(),
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	record, err := s.store.GetTenantChannel(tenantID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleSyncTrigger runs a reconciliation attempt inline and returns the
// resulting channel record. The trigger bypasses backoff and cooldown
// suppression.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciler not configured", correlationID)
		return
	}
	if err := s.syncer.SyncTenant(r.Context(), tenantID); err != nil {
		switch {
		case errors.Is(err, channel.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		case errors.Is(err, channel.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		case errors.Is(err, channel.ErrAlreadyBound):
			writeError(w, http.StatusConflict, "identity_conflict", "external id already bound to another tenant", correlationID)
			return
		default:
			writeError(w, http.StatusBadGateway, "sync_failed", "reconciliation attempt failed", correlationID)
			return
		}
	}
	record, err := s.store.GetTenantChannel(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeadLetterList(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	feed := s.store.ListDeadLetters(tenantID, r.URL.Query().Get("cursor"), limit)
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleDeadLetterItem(w http.ResponseWriter, _ *http.Request, tenantID, envelopeID, correlationID string) {
	item, err := s.store.GetDeadLetter(tenantID, envelopeID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, _ *http.Request, tenantID, envelopeID, correlationID string) {
	resp, err := s.store.AcknowledgeDeadLetter(tenantID, envelopeID, correlationID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, _ *http.Request, tenantID, envelopeID, correlationID string) {
	resp, err := s.store.ReplayDeadLetter(tenantID, envelopeID, correlationID)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, channel.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleKillSwitchEvents(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.store.KillSwitchEvents(tenantID),
	})
}

func (s *Server) handleCredential(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	cred, err := s.store.GetCredential(tenantID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleCredentialClearFailure(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	cred, err := s.store.ClearCredentialFailure(tenantID)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, channel.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "credential is not in a failed state", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// handleCampaignResume is the explicit resume path: the store re-checks
// that every kill-switch condition has cleared before the campaign goes
// back to active.
func (s *Server) handleCampaignResume(w http.ResponseWriter, _ *http.Request, tenantID, campaignID, correlationID string) {
	campaign, err := s.store.ResumeCampaign(tenantID, campaignID)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, channel.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", "kill-switch condition has not cleared", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
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

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
