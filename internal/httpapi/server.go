package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/linemirror/internal/linemirror"
)

const WebhookPath = "/webhooks/openphone"

type ServerConfig struct {
	JWTSecret        string
	WebhookSecret    linemirror.SecretSource
	SignatureMaxSkew time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	AllowedOrigins   []string
	Processor        *linemirror.Processor
	Backfill         linemirror.BackfillQueue
	Sync             ConversationSync
	Logger           *slog.Logger
}

// ConversationSync refreshes a user's conversation list once a credential is
// stored.
type ConversationSync interface {
	StartConversationSync(userID string) error
}

type Server struct {
	store       linemirror.MirrorStore
	processor   *linemirror.Processor
	backfill    linemirror.BackfillQueue
	verifier    linemirror.SignatureVerifier
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *slog.Logger
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

func NewServer(store linemirror.MirrorStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store linemirror.MirrorStore, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookSecret == nil {
		cfg.WebhookSecret = linemirror.StaticSecret("")
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
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	processor := cfg.Processor
	if processor == nil {
		processor = linemirror.NewProcessor(store, linemirror.ProcessorOptions{Logger: logger})
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
		store:       store,
		processor:   processor,
		backfill:    cfg.Backfill,
		verifier:    linemirror.SignatureVerifier{MaxSkew: cfg.SignatureMaxSkew},
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == WebhookPath {
		s.handleWebhook(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	var conversationID string
	switch {
	case len(parts) == 2 && parts[1] == "conversations" && r.Method == http.MethodGet:
		requiredScope = scopeConversationsRead
		route = "list_conversations"
	case len(parts) == 3 && parts[1] == "conversations" && parts[2] == "live" && r.Method == http.MethodGet:
		requiredScope = scopeConversationsRead
		route = "conversations_live"
	case len(parts) == 3 && parts[1] == "conversations" && r.Method == http.MethodGet:
		requiredScope = scopeConversationsRead
		route = "get_conversation"
		conversationID = parts[2]
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = scopeConversationsRead
		route = "list_messages"
		conversationID = parts[2]
	case len(parts) == 5 && parts[1] == "conversations" && parts[3] == "messages" && parts[4] == "live" && r.Method == http.MethodGet:
		requiredScope = scopeConversationsRead
		route = "messages_live"
		conversationID = parts[2]
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "backfill" && r.Method == http.MethodPost:
		requiredScope = scopeConversationsSync
		route = "start_backfill"
		conversationID = parts[2]
	case len(parts) == 4 && parts[1] == "conversations" && parts[3] == "backfill" && r.Method == http.MethodDelete:
		requiredScope = scopeConversationsSync
		route = "cancel_backfill"
		conversationID = parts[2]
	case len(parts) == 3 && parts[1] == "settings" && parts[2] == "credential" && r.Method == http.MethodPut:
		requiredScope = scopeSettingsWrite
		route = "put_credential"
	case len(parts) == 3 && parts[1] == "settings" && parts[2] == "credential" && r.Method == http.MethodGet:
		requiredScope = scopeSettingsRead
		route = "get_credential"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if parts[1] == "conversations" && len(parts) > 2 && route != "conversations_live" && strings.TrimSpace(conversationID) == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && strings.HasSuffix(route, "_live") {
		// Browsers cannot set headers on a websocket handshake.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
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
	case "list_conversations":
		s.handleListConversations(w, r, correlationID)
	case "conversations_live":
		s.handleLive(w, r, linemirror.ConversationsTopic(), correlationID)
	case "get_conversation":
		s.handleGetConversation(w, r, conversationID, correlationID)
	case "list_messages":
		s.handleListMessages(w, r, conversationID, correlationID)
	case "messages_live":
		s.handleLive(w, r, linemirror.MessagesTopic(conversationID), correlationID)
	case "start_backfill":
		s.handleStartBackfill(w, r, claims, conversationID, correlationID)
	case "cancel_backfill":
		s.handleCancelBackfill(w, r, conversationID, correlationID)
	case "put_credential":
		s.handlePutCredential(w, r, claims, correlationID)
	case "get_credential":
		s.handleGetCredential(w, r, claims, correlationID)
	}
}

// handleWebhook answers in plain text: the provider only looks at the status.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeText(w, http.StatusRequestEntityTooLarge, "Payload Too Large")
			return
		}
		writeText(w, http.StatusBadRequest, "Rejected")
		return
	}

	logger := s.logger.With("correlation_id", correlationID)
	secret := s.cfg.WebhookSecret.Secret()
	if strings.TrimSpace(secret) == "" {
		err = linemirror.ErrMissingSecret
	} else {
		err = s.verifier.Verify(r.Header.Get(linemirror.SignatureHeader), body, secret)
	}
	switch {
	case errors.Is(err, linemirror.ErrMissingSecret):
		logger.Error("webhook secret not provisioned")
		writeText(w, http.StatusInternalServerError, "Secret not set")
		return
	case linemirror.IsAuthenticationFailure(err):
		logger.Info("webhook signature rejected", "reason", err.Error())
		writeText(w, http.StatusUnauthorized, "Unauthorized")
		return
	case err != nil:
		logger.Error("webhook signature check failed", "error", err)
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	event, err := linemirror.ParseEvent(body)
	if err != nil {
		logger.Warn("webhook payload rejected", "error", err)
		writeText(w, http.StatusBadRequest, "Rejected")
		return
	}
	outcome, err := s.processor.Apply(r.Context(), event)
	if err != nil {
		logger.Error("webhook apply failed", "event_type", event.EventType(), "error", err)
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if outcome == linemirror.OutcomeIgnored {
		writeText(w, http.StatusOK, "Ignored")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 500)
	conversations, err := s.store.ListConversations(r.Context(), linemirror.ListOptions{Limit: limit})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         conversations,
		"correlationId": correlationID,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	conv, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 500)
	messages, err := s.store.ListMessages(r.Context(), conversationID, linemirror.ListOptions{Limit: limit})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         messages,
		"correlationId": correlationID,
	})
}

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request, claims tokenClaims, conversationID, correlationID string) {
	if s.backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill_unavailable", "backfill is not configured", correlationID)
		return
	}
	ctx := r.Context()
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if _, err := s.store.GetCredential(ctx, claims.Subject); err != nil {
		if errors.Is(err, linemirror.ErrNotFound) {
			writeError(w, http.StatusPreconditionFailed, "credential_missing", "provider credential is not configured", correlationID)
			return
		}
		s.writeStoreError(w, err, correlationID)
		return
	}

	status := "queued"
	err := s.backfill.EnqueueBackfill(ctx, linemirror.BackfillRequest{ConversationID: conversationID, UserID: claims.Subject})
	switch {
	case errors.Is(err, linemirror.ErrBackfillInProgress):
		status = "in_progress"
	case errors.Is(err, linemirror.ErrBackfillCooldown):
		status = "cooling_down"
	case err != nil:
		s.logger.Error("enqueue backfill failed", "conversation_id", conversationID, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue backfill", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"conversationId": conversationID,
		"status":         status,
		"correlationId":  correlationID,
	})
}

func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request, conversationID, correlationID string) {
	if s.backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill_unavailable", "backfill is not configured", correlationID)
		return
	}
	cancelled, err := s.backfill.CancelBackfill(r.Context(), conversationID)
	if err != nil {
		s.logger.Error("cancel backfill failed", "conversation_id", conversationID, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel backfill", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"cancelled":      cancelled,
		"correlationId":  correlationID,
	})
}

func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var body struct {
		Credential string `json:"credential"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Credential) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "credential is required", correlationID)
		return
	}
	if err := s.store.SetCredential(r.Context(), claims.Subject, body.Credential); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	syncing := false
	if s.cfg.Sync != nil {
		err := s.cfg.Sync.StartConversationSync(claims.Subject)
		switch {
		case err == nil, errors.Is(err, linemirror.ErrBackfillInProgress):
			syncing = true
		default:
			s.logger.Warn("conversation sync not started", "correlation_id", correlationID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": true, "syncing": syncing, "correlationId": correlationID})
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	_, err := s.store.GetCredential(r.Context(), claims.Subject)
	if err != nil && !errors.Is(err, linemirror.ErrNotFound) {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": err == nil, "correlationId": correlationID})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, linemirror.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found", correlationID)
	case errors.Is(err, linemirror.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, context.Canceled):
		writeError(w, 499, "client_closed", "request cancelled", correlationID)
	default:
		s.logger.Error("store request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
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

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
