package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/service"
	"account-security/internal/util"
)

const (
	maxBodyBytes    = 64 << 10
	maxUserIDLength = 128

	// InternalTokenHeader carries the backend credential for login and
	// unlock routes.
	InternalTokenHeader = "X-Internal-Token"
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("forbidden")
)

// RateLimiter admits or refuses one request for key. When refused, the
// int is the number of seconds until a retry can succeed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, int, error)
}

// SecurityHandler exposes the account security operations over HTTP.
type SecurityHandler struct {
	security      *service.AccountSecurityService
	limiter       RateLimiter
	internalToken string
	logger        *zap.Logger
}

// NewSecurityHandler creates the handler. limiter may be nil. An empty
// internalToken disables the internal routes entirely.
func NewSecurityHandler(security *service.AccountSecurityService, limiter RateLimiter, internalToken string, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		security:      security,
		limiter:       limiter,
		internalToken: internalToken,
		logger:        logger.Named("http"),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

// RegisterRoutes registers all account security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/users/{userID}", func(r chi.Router) {
		r.Use(h.requireUserID)

		// Account owner (bearer session) or the internal backend.
		r.Group(func(r chi.Router) {
			r.Use(h.requireOwner)

			r.Route("/2fa", func(r chi.Router) {
				r.Post("/setup", h.Setup2FA)
				r.Post("/enable", h.Enable2FA)
				r.Post("/disable", h.Disable2FA)
				r.With(h.rateLimit("2fa")).Post("/verify", h.Verify2FA)
			})

			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions", h.TerminateAllSessions)
			r.Delete("/sessions/{sessionID}", h.TerminateSession)

			r.Get("/audit-log", h.QueryAuditLog)
			r.Get("/security-score", h.GetSecurityScore)
		})

		// Internal backend only.
		r.Group(func(r chi.Router) {
			r.Use(h.requireInternal)

			r.Route("/login", func(r chi.Router) {
				r.Use(h.rateLimit("login"))
				r.Post("/begin", h.BeginLogin)
				r.Post("/fail", h.FailLogin)
				r.Post("/complete", h.CompleteLogin)
			})

			r.Post("/unlock", h.UnlockAccount)
		})
	})

	router.Route("/sessions", func(r chi.Router) {
		r.Get("/current", h.CurrentSession)
		r.Post("/logout", h.Logout)
	})
}

type setupRequest struct {
	AccountLabel string `json:"account_label"`
}

// Setup2FA returns a fresh secret and backup codes. Nothing is stored
// until Enable2FA succeeds.
func (h *SecurityHandler) Setup2FA(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if util.ContainsSuspicious(req.AccountLabel) {
		h.respondWithError(w, r, fmt.Errorf("%w: account_label", service.ErrInvalidInput))
		return
	}

	setup, err := h.security.Setup2FA(r.Context(), userIDFrom(r), req.AccountLabel)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(setup, "Two-factor setup generated"))
}

type enableRequest struct {
	Secret      string   `json:"secret"`
	Code        string   `json:"code"`
	BackupCodes []string `json:"backup_codes"`
}

func (h *SecurityHandler) Enable2FA(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Secret == "" || req.Code == "" || len(req.BackupCodes) == 0 {
		h.respondWithError(w, r, fmt.Errorf("%w: secret, code and backup_codes are required", service.ErrInvalidInput))
		return
	}

	err := h.security.Enable2FA(r.Context(), userIDFrom(r), req.Secret, req.Code, req.BackupCodes, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor authentication enabled"))
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *SecurityHandler) Disable2FA(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.security.Disable2FA(r.Context(), userIDFrom(r), req.Code, requestMeta(r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Two-factor authentication disabled"))
}

func (h *SecurityHandler) Verify2FA(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.security.Verify2FA(r.Context(), userIDFrom(r), req.Code, requestMeta(r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"verified": true}, "Verification succeeded"))
}

func (h *SecurityHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.security.ListSessions(r.Context(), userIDFrom(r), bearerToken(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessions, ""))
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (h *SecurityHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}

	err := h.security.TerminateSession(r.Context(), userIDFrom(r), chi.URLParam(r, "sessionID"), req.Reason, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session terminated"))
}

// TerminateAllSessions keeps the caller's own session unless
// keep_current=false is passed.
func (h *SecurityHandler) TerminateAllSessions(w http.ResponseWriter, r *http.Request) {
	keep := true
	if v := r.URL.Query().Get("keep_current"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.respondWithError(w, r, fmt.Errorf("%w: keep_current", service.ErrInvalidInput))
			return
		}
		keep = parsed
	}
	except := ""
	if keep {
		except = bearerToken(r)
	}

	count, err := h.security.TerminateAllSessions(r.Context(), userIDFrom(r), except, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"terminated": count}, "Sessions terminated"))
}

func (h *SecurityHandler) QueryAuditLog(w http.ResponseWriter, r *http.Request) {
	filter, page, limit, err := parseAuditQuery(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	result, err := h.security.QueryAuditLog(r.Context(), userIDFrom(r), filter, page, limit)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	resp := successResponse(result.Entries, "")
	resp.Meta = &Meta{Total: result.Total, Page: result.Page, PageSize: result.Limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func parseAuditQuery(r *http.Request) (service.AuditFilter, int, int, error) {
	q := r.URL.Query()
	var filter service.AuditFilter

	if v := q.Get("action"); v != "" {
		action, ok := models.ParseAuditAction(strings.ToUpper(v))
		if !ok {
			return filter, 0, 0, fmt.Errorf("%w: unknown action %q", service.ErrInvalidInput, v)
		}
		filter.Action = action
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, 0, 0, fmt.Errorf("%w: success", service.ErrInvalidInput)
		}
		filter.Success = &b
	}

	ints := map[string]*int{"days": &filter.SinceDays}
	page, limit := 1, 0
	ints["page"] = &page
	ints["limit"] = &limit
	for name, dst := range ints {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, 0, 0, fmt.Errorf("%w: %s", service.ErrInvalidInput, name)
		}
		*dst = n
	}
	return filter, page, limit, nil
}

func (h *SecurityHandler) GetSecurityScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.security.GetSecurityScore(r.Context(), userIDFrom(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(score, ""))
}

func (h *SecurityHandler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	if err := h.security.BeginLogin(r.Context(), userIDFrom(r), requestMeta(r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Login may proceed"))
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (h *SecurityHandler) FailLogin(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.security.FailLogin(r.Context(), userIDFrom(r), req.Reason, requestMeta(r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Failure recorded"))
}

// CompleteLogin mints a session. Accounts with 2FA enabled must send a
// TOTP or backup code.
func (h *SecurityHandler) CompleteLogin(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	result, err := h.security.CompleteLogin(r.Context(), userIDFrom(r), req.Code, requestMeta(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "Session created"))
}

func (h *SecurityHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.security.UnlockAccount(r.Context(), userIDFrom(r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Account unlocked"))
}

func (h *SecurityHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, r, service.ErrSessionNotFound)
		return
	}
	session, err := h.security.Authenticate(r.Context(), token)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	session.Current = true
	h.respondWithJSON(w, http.StatusOK, successResponse(session, ""))
}

func (h *SecurityHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.respondWithError(w, r, service.ErrSessionNotFound)
		return
	}
	if err := h.security.Logout(r.Context(), token, requestMeta(r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// ==============================
// Middleware and helpers
// ==============================

type ctxKey int

const userIDKey ctxKey = iota

func (h *SecurityHandler) requireUserID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(chi.URLParam(r, "userID"))
		if userID == "" || len(userID) > maxUserIDLength || util.ContainsSuspicious(userID) {
			h.respondWithError(w, r, fmt.Errorf("%w: user id", service.ErrInvalidInput))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userIDFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

func (h *SecurityHandler) isInternal(r *http.Request) bool {
	got := r.Header.Get(InternalTokenHeader)
	if h.internalToken == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.internalToken)) == 1
}

// requireInternal admits only requests carrying the internal token.
func (h *SecurityHandler) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isInternal(r) {
			h.respondWithError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOwner admits the internal backend, or a bearer session that
// belongs to the user in the path.
func (h *SecurityHandler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.isInternal(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			h.respondWithError(w, r, errUnauthenticated)
			return
		}
		session, err := h.security.Authenticate(r.Context(), token)
		if errors.Is(err, service.ErrSessionNotFound) {
			h.respondWithError(w, r, errUnauthenticated)
			return
		}
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}
		if session.UserID != userIDFrom(r) {
			h.respondWithError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit counts requests per scope, once by client IP and once by the
// target account. Limiter errors let the request through.
func (h *SecurityHandler) rateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			keys := []string{scope + ":ip:" + clientIP(r)}
			if userID := userIDFrom(r); userID != "" {
				keys = append(keys, scope+":user:"+userID)
			}
			for _, key := range keys {
				allowed, retryAfter, err := h.limiter.Allow(r.Context(), key)
				if err != nil {
					h.logger.Warn("Rate limiter unavailable", util.ErrorField(err))
					break
				}
				if !allowed {
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					h.respondWithJSON(w, http.StatusTooManyRequests, Response{Error: "too many requests"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP strips the port from RemoteAddr, which trustedRealIP may already
// have replaced with a bare forwarded address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

func (h *SecurityHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, r, fmt.Errorf("%w: invalid request body", service.ErrInvalidInput))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *SecurityHandler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, dst)
}

func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data, h.logger)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps service errors onto status codes. Storage and
// other unexpected failures are logged but not echoed to the client.
func (h *SecurityHandler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP request failed",
			util.String("path", r.URL.Path),
			util.ErrorField(err))
	} else {
		h.logger.Debug("HTTP error response",
			util.String("path", r.URL.Path),
			util.Int("status_code", status),
			util.ErrorField(err))
	}
	h.respondWithJSON(w, status, resp)
}

func errorResponse(err error) (int, Response) {
	var locked *service.AccountLockedError
	switch {
	case errors.As(err, &locked):
		return http.StatusLocked, Response{
			Error: service.ErrAccountLocked.Error(),
			Data:  map[string]string{"locked_until": locked.LockedUntil.UTC().Format(time.RFC3339)},
		}
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked, Response{Error: service.ErrAccountLocked.Error()}
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, Response{Error: err.Error()}
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusUnauthorized, Response{Error: service.ErrInvalidCode.Error()}
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, Response{Error: service.ErrSessionNotFound.Error()}
	case errors.Is(err, service.ErrAlreadyEnabled), errors.Is(err, service.ErrNotEnabled):
		return http.StatusConflict, Response{Error: err.Error()}
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, Response{Error: errUnauthenticated.Error()}
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, Response{Error: errForbidden.Error()}
	default:
		return http.StatusInternalServerError, Response{Error: "internal server error"}
	}
}
