package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/channelworks/channelsync/internal/channelsync"
)

type ServerConfig struct {
	AuthSecret   string
	MaxBodyBytes int64
}

// Server exposes the sync engine over HTTP. Push endpoints authenticate
// with per-provider HMAC signatures; everything else requires a scoped
// bearer token.
type Server struct {
	store      *channelsync.Store
	push       *channelsync.PushHandler
	bootstrap  *channelsync.Bootstrap
	reconciler *channelsync.Reconciler
	cfg        ServerConfig
	log        zerolog.Logger
	router     chi.Router
}

func NewServer(store *channelsync.Store, push *channelsync.PushHandler, bootstrap *channelsync.Bootstrap, reconciler *channelsync.Reconciler, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		store:      store,
		push:       push,
		bootstrap:  bootstrap,
		reconciler: reconciler,
		cfg:        cfg,
		log:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/{provider}", s.handleWebhookPost)
		r.Get("/webhooks/{provider}", s.handleWebhookVerify)
		r.Post("/bootstrap/sessions", s.handleBootstrapSession)
		r.Post("/bootstrap/complete", s.handleBootstrapComplete)
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/entities/{entityID}/status", s.handleEntityStatus)
		r.Get("/events/stream", s.handleEventStream)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhookPost ingests a signed push notification. The response is
// 202 on acceptance regardless of per-entry outcomes; providers retry
// whole deliveries, and the merge engine is idempotent either way.
func (s *Server) handleWebhookPost(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}

	result, err := s.push.HandlePush(r.Context(), provider, body, signature)
	switch {
	case errors.Is(err, channelsync.ErrNotAuthentic):
		writeError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed", requestID(r))
		return
	case errors.Is(err, channelsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "malformed push envelope", requestID(r))
		return
	case err != nil:
		s.log.Error().Err(err).Str("provider", provider).Msg("http: push handling failed")
		writeError(w, http.StatusInternalServerError, "internal", "push handling failed", requestID(r))
		return
	}
	// Merge counts go to the log and the status surface, never back to the
	// sender: the response body confirms acceptance and nothing else.
	s.log.Info().
		Str("provider", provider).
		Int("entries", result.EntriesProcessed).
		Int("messages_appended", result.MessagesAppended).
		Int("metadata_changed", result.MetadataChanged).
		Int("duplicates", result.Duplicates).
		Int("skipped", result.Skipped).
		Int("publish_failures", result.PublishFailures).
		Msg("http: push accepted")
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// handleWebhookVerify answers the provider's subscription handshake.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()
	challenge, err := s.push.VerifyChallenge(
		provider,
		query.Get("hub.mode"),
		query.Get("hub.verify_token"),
		query.Get("hub.challenge"),
	)
	if err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed", requestID(r))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (s *Server) handleBootstrapSession(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.authorize(r, "bootstrap:write")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, requestID(r))
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		OwnerRef string `json:"ownerRef"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", requestID(r))
		return
	}
	if req.OwnerRef == "" {
		req.OwnerRef = claims.Subject
	}
	handle, err := s.bootstrap.StartSession(r.Context(), req.OwnerRef)
	if errors.Is(err, channelsync.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", "ownerRef is required", requestID(r))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("http: bootstrap session create failed")
		writeError(w, http.StatusInternalServerError, "internal", "session create failed", requestID(r))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionHandle": handle})
}

func (s *Server) handleBootstrapComplete(w http.ResponseWriter, r *http.Request) {
	if _, authErr := s.authorize(r, "bootstrap:write"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, requestID(r))
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var grant channelsync.BootstrapGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", requestID(r))
		return
	}
	ownerRef, err := s.bootstrap.Complete(r.Context(), grant)
	switch {
	case errors.Is(err, channelsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "sessionHandle, entityId and credential are required", requestID(r))
		return
	case errors.Is(err, channelsync.ErrSessionInvalid):
		writeError(w, http.StatusUnauthorized, "unauthorized", "session is invalid or expired", requestID(r))
		return
	case err != nil:
		s.log.Error().Err(err).Msg("http: bootstrap complete failed")
		writeError(w, http.StatusInternalServerError, "internal", "bootstrap failed", requestID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ownerRef": ownerRef,
		"entityId": grant.EntityID,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if _, authErr := s.authorize(r, "sync:trigger"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, requestID(r))
		return
	}
	report, err := s.reconciler.RunPass(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("http: reconcile pass failed")
		writeError(w, http.StatusInternalServerError, "internal", "reconcile pass failed", requestID(r))
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) handleEntityStatus(w http.ResponseWriter, r *http.Request) {
	if _, authErr := s.authorize(r, "entities:read"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, requestID(r))
		return
	}
	entityID := chi.URLParam(r, "entityID")
	status, err := s.store.GetSyncStatus(entityID)
	if errors.Is(err, channelsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity", requestID(r))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "status lookup failed", requestID(r))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) authorize(r *http.Request, scope string) (tokenClaims, *authError) {
	return authorizeBearer(r.Header.Get("Authorization"), s.cfg.AuthSecret, scope, time.Now().UTC())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", requestID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID(r))
		return nil, false
	}
	return body, true
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}
