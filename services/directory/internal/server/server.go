package server

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
	"time"

	"nhooyr.io/websocket"

	"gamedo/internal/ratelimit"
	"gamedo/internal/util"
	"gamedo/pkg/directory"
	"gamedo/pkg/domain"
)

const (
	maxBodyBytes  = 1 << 20
	writeTimeout  = 5 * time.Second
	snapshotLimit = 4 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Directory      directory.Directory
	VerifyLimiter  ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes the directory over REST and websockets.
type Server struct {
	dir            directory.Directory
	verifyLimiter  ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Directory == nil {
		return nil, errors.New("server: directory is required")
	}
	s := &Server{
		dir:            cfg.Directory,
		verifyLimiter:  cfg.VerifyLimiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithAccessLog,
		util.WithSecurityHeaders,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/v1/credentials", s.handleCreateCredential)
	s.mux.HandleFunc("/v1/credentials/verify", s.handleVerifyCredential)
	s.mux.HandleFunc("/v1/credentials/secret", s.handleUpdateSecret)
	s.mux.HandleFunc("/v1/documents/", s.handleDocument)
	s.mux.HandleFunc("/v1/subscribe/", s.handleSubscribe)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialRequest struct {
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
}

type secretRequest struct {
	Secret string `json:"secret"`
}

type patchRequest struct {
	Ops directory.Patch `json:"ops"`
}

type snapshotFrame struct {
	Documents []directory.Document `json:"documents"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req credentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.dir.CreateCredential(r.Context(), req.Identity, req.Secret); err != nil {
		s.logCredentialEvent(r, "create_credential", req.Identity, err)
		writeDomainError(w, err)
		return
	}
	s.logCredentialEvent(r, "create_credential", req.Identity, nil)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleVerifyCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowVerify(w, r) {
		return
	}
	var req credentialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := s.dir.VerifyCredential(r.Context(), req.Identity, req.Secret)
	s.logCredentialEvent(r, "verify_credential", req.Identity, err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req secretRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.dir.UpdateSecret(r.Context(), directory.Session{Token: token}, req.Secret)
	s.logCredentialEvent(r, "update_secret", "", err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := splitDocumentPath(strings.TrimPrefix(r.URL.Path, "/v1/documents/"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		doc, err := s.dir.GetDocument(ctx, collection, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPut:
		var payload map[string]any
		if !decodeBody(w, r, &payload) {
			return
		}
		if err := s.dir.CreateDocument(ctx, collection, id, payload); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		var req patchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Ops) == 0 {
			writeError(w, http.StatusBadRequest, "ops are required")
			return
		}
		if err := s.dir.UpdateDocument(ctx, collection, id, req.Ops); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.dir.DeleteDocument(ctx, collection, id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// handleSubscribe upgrades to a websocket and streams one JSON snapshot frame
// per change. Query parameters are equality conditions.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	collection := strings.TrimPrefix(r.URL.Path, "/v1/subscribe/")
	if collection == "" || strings.Contains(collection, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var filter directory.Filter
	for field, values := range r.URL.Query() {
		for _, v := range values {
			filter = append(filter, directory.Condition{Field: field, Value: v})
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins})
	if err != nil {
		// Accept has already written the error response.
		util.LoggerFromContext(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(snapshotLimit)
	// Clients never send data; CloseRead ends ctx when they go away.
	ctx := conn.CloseRead(context.Background())
	logger := util.LoggerFromContext(r.Context()).With("collection", collection)

	unsubscribe, err := s.dir.Subscribe(ctx, collection, filter, func(docs []directory.Document) {
		data, err := json.Marshal(snapshotFrame{Documents: docs})
		if err != nil {
			logger.Error("encode snapshot failed", "err", err)
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			logger.Debug("snapshot write failed", "err", err)
		}
	})
	if err != nil {
		logger.Warn("subscribe failed", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	logger.Info("subscription opened", "conditions", len(filter))
	<-ctx.Done()
	unsubscribe()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	logger.Info("subscription closed")
}

func (s *Server) allowVerify(w http.ResponseWriter, r *http.Request) bool {
	if s.verifyLimiter == nil {
		return true
	}
	ok, retryAfter := s.verifyLimiter.Allow(r.Context(), "verify|"+util.ClientIP(r, s.trustedProxies))
	if ok {
		return true
	}
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many login attempts")
	return false
}

func (s *Server) logCredentialEvent(r *http.Request, event, identity string, err error) {
	logger := util.LoggerFromContext(r.Context())
	attrs := []any{
		"event", event,
		"identity", identity,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	if err == nil {
		logger.Info("credential_event", append(attrs, "outcome", "success")...)
		return
	}
	logger.Warn("credential_event", append(attrs, "outcome", "failure", "err", err)...)
}

func splitDocumentPath(rest string) (string, string, bool) {
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

// statusFor maps a domain sentinel to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidCredential), errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotAvailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("directory request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
