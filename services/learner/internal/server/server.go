package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"gamedo/internal/ratelimit"
	"gamedo/internal/util"
	"gamedo/pkg/domain"
	"gamedo/pkg/gateway"
	"gamedo/pkg/jobs"
	"gamedo/services/learner/internal/app"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	LoginLimiter   ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
	// LocalPasswordReset registers the unauthenticated forgot-password route.
	LocalPasswordReset bool
}

// Server exposes the learner API to the UI shell.
type Server struct {
	app                *app.App
	loginLimiter       ratelimit.Limiter
	trustedProxies     *util.TrustedProxies
	allowedOrigins     []string
	localPasswordReset bool
	validate           *validator.Validate
	mux                *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:                cfg.App,
		loginLimiter:       cfg.LoginLimiter,
		trustedProxies:     cfg.TrustedProxies,
		allowedOrigins:     cfg.AllowedOrigins,
		localPasswordReset: cfg.LocalPasswordReset,
		validate:           validator.New(),
		mux:                http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithAccessLog,
		util.WithCORS(s.allowedOrigins),
		util.WithSecurityHeaders,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/api/accounts/signup", s.handleSignup)
	s.mux.HandleFunc("/api/accounts/login", s.handleLogin)
	if s.localPasswordReset {
		s.mux.HandleFunc("/api/accounts/forgot", s.handleForgotPassword)
	}
	s.mux.Handle("/api/accounts/password", s.authenticated(s.handleChangePassword))
	s.mux.Handle("/api/accounts/logout", s.authenticated(s.handleLogout))

	// books & progress
	s.mux.Handle("/api/books", s.authenticated(s.handleBooks))
	s.mux.Handle("/api/books/resolve", s.authenticated(s.handleResolveBook))
	s.mux.Handle("/api/books/download", s.authenticated(s.handleDownloadClass))
	s.mux.Handle("/api/books/download/jobs", s.authenticated(s.handleQueueDownload))
	s.mux.Handle("/api/books/download/jobs/", s.authenticated(s.handleDownloadJob))
	s.mux.Handle("/api/books/", s.authenticated(s.handleBookByID))

	// chat & scores
	s.mux.Handle("/api/chat", s.authenticated(s.handleChat))
	s.mux.Handle("/api/scores", s.authenticated(s.handleScore))
	s.mux.Handle("/api/scores/win", s.authenticated(s.handleRecordWin))

	// rooms
	s.mux.Handle("/api/rooms", s.authenticated(s.handleRooms))
	s.mux.Handle("/api/rooms/join", s.authenticated(s.handleJoinRoom))
	s.mux.Handle("/api/rooms/", s.authenticated(s.handleRoomByCode))

	s.mux.Handle("/api/local", s.authenticated(s.handleClearLocal))

	if s.app.OfflineToggleEnabled() {
		s.mux.Handle("/api/dev/offline", s.authenticated(s.handleDevOffline))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, *app.UserSession)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		us, ok := s.app.Authenticate(token)
		if !ok {
			s.audit(r, "learner.authorize", "fail", "reason", "unknown_session")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("username", us.Username()))
		next(w, r.WithContext(ctx), us)
	})
}

// account handlers

type signupRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
	Role     string `json:"role" validate:"required,oneof=student teacher"`
	Phone    string `json:"phone" validate:"omitempty,max=20"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type passwordRequest struct {
	NewPassword string `json:"newPassword" validate:"required,max=72"`
}

type forgotRequest struct {
	Username    string `json:"username" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,max=72"`
}

// accountView is the public shape of an account; the hash never leaves the process.
type accountView struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Role      domain.Role `json:"role"`
	Phone     string      `json:"phone,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func viewAccount(a domain.Account) accountView {
	return accountView{ID: a.ID, Username: a.Username, Role: a.Role, Phone: a.Phone, CreatedAt: a.CreatedAt}
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req signupRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	account, mode, err := s.app.SignUp(r.Context(), gateway.NewAccount{
		Username: req.Username,
		Password: req.Password,
		Role:     domain.Role(req.Role),
		Phone:    req.Phone,
	})
	if err != nil {
		s.audit(r, "learner.signup", "fail", "username", req.Username, "reason", err.Error())
		writeDomainError(w, err)
		return
	}
	s.audit(r, "learner.signup", "success", "username", account.Username, "mode", mode)
	writeJSON(w, http.StatusCreated, map[string]any{
		"account": viewAccount(account),
		"mode":    mode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowLogin(w, r) {
		s.audit(r, "learner.login", "rate_limited")
		return
	}
	var req loginRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	us, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "learner.login", "fail", "username", req.Username, "reason", err.Error())
		writeDomainError(w, err)
		return
	}
	s.audit(r, "learner.login", "success", "username", us.Username(), "mode", us.Session.Mode)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   us.Token,
		"account": viewAccount(us.Session.Account),
		"mode":    us.Session.Mode,
	})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req passwordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	mode, err := s.app.ChangePassword(r.Context(), us, req.NewPassword)
	if err != nil {
		s.audit(r, "learner.password.change", "fail", "reason", err.Error())
		writeDomainError(w, err)
		return
	}
	s.audit(r, "learner.password.change", "success", "mode", mode)
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowLogin(w, r) {
		s.audit(r, "learner.password.reset", "rate_limited")
		return
	}
	var req forgotRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	mode, err := s.app.ResetPassword(r.Context(), req.Username, req.NewPassword)
	if err != nil {
		s.audit(r, "learner.password.reset", "fail", "username", req.Username, "reason", err.Error())
		writeDomainError(w, err)
		return
	}
	s.audit(r, "learner.password.reset", "success", "username", req.Username)
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

type offlineRequest struct {
	Offline *bool `json:"offline" validate:"required"`
}

func (s *Server) handleDevOffline(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req offlineRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		if err := s.app.SetOffline(*req.Offline); err != nil {
			writeDomainError(w, err)
			return
		}
		s.audit(r, "learner.dev.offline", "success", "offline", *req.Offline)
	default:
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"offline": s.app.Offline()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.app.Logout(us.Token)
	s.audit(r, "learner.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

// book handlers

type resolveRequest struct {
	Class    int    `json:"class" validate:"min=6,max=12"`
	Subject  string `json:"subject" validate:"required"`
	Language string `json:"language" validate:"oneof=English Odia"`
}

type downloadRequest struct {
	Class    int    `json:"class" validate:"min=6,max=12"`
	Language string `json:"language" validate:"oneof=English Odia"`
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	language := domain.Language(r.URL.Query().Get("language"))
	books, err := s.app.Books(r.Context(), language)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeList(w, books)
}

func (s *Server) handleResolveBook(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req resolveRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	book, source, err := s.app.ResolveBook(r.Context(), req.Class, req.Subject, domain.Language(req.Language))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"book": book, "source": source})
}

func (s *Server) handleDownloadClass(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req downloadRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	books, err := s.app.DownloadClass(r.Context(), req.Class, domain.Language(req.Language))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeList(w, books)
}

func (s *Server) handleQueueDownload(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req downloadRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	job, err := s.app.QueueDownload(r.Context(), req.Class, domain.Language(req.Language))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDownloadJob(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/books/download/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	job, err := s.app.DownloadJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// /api/books/{id}, /api/books/{id}/progress or /api/books/{id}/chapters/{index}/complete
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/books/"), "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		book, err := s.app.Book(ctx, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case len(parts) == 2 && parts[1] == "progress":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		records, err := s.app.BookProgress(ctx, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeList(w, records)
	case len(parts) == 4 && parts[1] == "chapters" && parts[3] == "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "chapter index must be a number")
			return
		}
		rec, err := s.app.CompleteChapter(ctx, id, index)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		http.NotFound(w, r)
	}
}

// chat & score handlers

type chatRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

type winRequest struct {
	Kind string `json:"kind" validate:"required,oneof=game quiz"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		messages, err := s.app.Messages(ctx)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeList(w, messages)
	case http.MethodPost:
		var req chatRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		question, answer, err := s.app.Ask(ctx, us, req.Message)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"question": question, "answer": answer})
	case http.MethodDelete:
		if err := s.app.ClearMessages(ctx); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	score, err := s.app.Score(r.Context(), us)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleRecordWin(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req winRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	score, err := s.app.RecordWin(r.Context(), us, req.Kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// room handlers

type createRoomRequest struct {
	ClassLevel int    `json:"classLevel" validate:"min=6,max=12"`
	Subject    string `json:"subject" validate:"required,max=64"`
}

type joinRoomRequest struct {
	Code string `json:"code" validate:"required"`
}

type taskRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.app.Rooms(r.Context(), us)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeList(w, rooms)
	case http.MethodPost:
		var req createRoomRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		room, err := s.app.CreateRoom(r.Context(), us, req.ClassLevel, req.Subject)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.audit(r, "learner.room.create", "success", "code", room.Code)
		writeJSON(w, http.StatusCreated, room)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req joinRoomRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	code, err := s.app.JoinRoom(r.Context(), us, req.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// /api/rooms/{code}, /api/rooms/{code}/leave, /api/rooms/{code}/tasks or
// /api/rooms/{code}/tasks/{index}/complete
func (s *Server) handleRoomByCode(w http.ResponseWriter, r *http.Request, us *app.UserSession) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/rooms/"), "/")
	code := parts[0]
	if code == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.app.CloseRoom(ctx, us, code); err != nil {
			writeDomainError(w, err)
			return
		}
		s.audit(r, "learner.room.close", "success", "code", code)
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "leave":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.app.LeaveRoom(ctx, us, code); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "tasks":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req taskRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		if err := s.app.AddTask(ctx, us, code, req.Title); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "task index must be a number")
			return
		}
		room, err := s.app.CompleteTask(ctx, us, code, index)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleClearLocal(w http.ResponseWriter, r *http.Request, _ *app.UserSession) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.ClearLocal(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.audit(r, "learner.local.clear", "success")
	w.WriteHeader(http.StatusNoContent)
}

// helpers

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func (s *Server) allowLogin(w http.ResponseWriter, r *http.Request) bool {
	if s.loginLimiter == nil {
		return true
	}
	ok, retryAfter := s.loginLimiter.Allow(r.Context(), "login|"+util.ClientIP(r, s.trustedProxies))
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

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	fields := []any{
		"event", event,
		"outcome", outcome,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	fields = append(fields, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", fields...)
		return
	}
	logger.Warn("security_event", fields...)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

// statusFor maps domain and app errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidCredential), errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotAvailable), errors.Is(err, jobs.ErrJobNotFound):
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
		slog.Error("learner request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "invalid input")
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"fields": fields,
	})
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
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
