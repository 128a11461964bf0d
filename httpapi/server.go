package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authcore "github.com/ticketwell/authcore"
	"github.com/ticketwell/authcore/middleware"
)

// Options configures cookie issuance for the handler.
type Options struct {
	Cookies authcore.CookieConfig

	// RefreshTTL bounds the refresh and session cookie lifetimes. It
	// should match the engine's session RefreshTTL.
	RefreshTTL time.Duration
}

// Handler serves the authentication endpoints.
type Handler struct {
	engine     *authcore.Engine
	logger     *zap.Logger
	cookies    authcore.CookieConfig
	refreshTTL time.Duration
}

// NewHandler wires the engine behind the HTTP surface. A nil logger is
// replaced with a no-op one.
func NewHandler(engine *authcore.Engine, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Cookies.Path == "" {
		opts.Cookies.Path = "/"
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	return &Handler{
		engine:     engine,
		logger:     logger,
		cookies:    opts.Cookies,
		refreshTTL: opts.RefreshTTL,
	}
}

// Routes returns the router with all endpoints mounted under /api/auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.ClientInfo)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", h.handleLogin)
		r.Post("/token/refresh", h.handleRefresh)
		r.Get("/token/csrf", h.handleIssueCSRF)
		r.Post("/logout", h.handleLogout)
		r.Get("/session/validate", h.handleValidate)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(h.engine))
			r.Get("/sessions", h.handleListSessions)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCSRF(h.engine))
				r.Post("/logout-all", h.handleLogoutAll)
				r.Post("/session/sync", h.handleSessionSync)
				r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
			})
		})
	})

	return r
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	DeviceID   string `json:"deviceId"`
}

type loginResponse struct {
	SessionID       string    `json:"sessionId"`
	CSRFToken       string    `json:"csrfToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, ErrorCode: "bad_request", Message: "malformed request body"})
		return
	}

	ts, err := h.engine.Login(r.Context(), req.Identifier, req.Password, authcore.Device{
		DeviceID:  req.DeviceID,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.logger.Info("login rejected",
			zap.String("identifier", req.Identifier),
			zap.String("device_id", req.DeviceID),
			zap.Error(err))
		writeError(w, err)
		return
	}

	h.setAuthCookies(w, ts, h.refreshTTL)
	h.logger.Info("login succeeded",
		zap.String("session_id", ts.SessionID),
		zap.String("device_id", req.DeviceID))
	writeOK(w, loginResponse{
		SessionID:       ts.SessionID,
		CSRFToken:       ts.CSRFToken,
		AccessExpiresAt: ts.AccessExpiresAt,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := cookieValue(r, cookieRefreshToken)
	if token == "" {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			token = req.RefreshToken
		}
	}
	if token == "" {
		writeError(w, authcore.ErrRefreshInvalid)
		return
	}

	ts, err := h.engine.Refresh(r.Context(), token)
	if err != nil {
		h.logger.Info("refresh rejected", zap.Error(err))
		// Terminal refresh errors mean the client's credentials are dead;
		// clear the cookies so it stops retrying with them.
		if errors.Is(err, authcore.ErrRefreshReuse) ||
			errors.Is(err, authcore.ErrTokenRevoked) ||
			errors.Is(err, authcore.ErrSessionExpired) ||
			errors.Is(err, authcore.ErrSessionNotFound) {
			h.clearAuthCookies(w)
		}
		writeError(w, err)
		return
	}

	h.setAuthCookies(w, ts, h.refreshTTL)
	writeOK(w, loginResponse{
		SessionID:       ts.SessionID,
		CSRFToken:       ts.CSRFToken,
		AccessExpiresAt: ts.AccessExpiresAt,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := cookieValue(r, cookieSessionID)
	if sessionID == "" {
		// No session to terminate; clearing cookies is still useful.
		h.clearAuthCookies(w)
		writeOK(w, nil)
		return
	}

	if err := h.engine.ValidateCSRF(r.Context(), sessionID, r.Header.Get(middleware.CSRFHeader)); err != nil {
		if errors.Is(err, authcore.ErrCSRFInvalid) {
			writeError(w, err)
			return
		}
		// Session already gone: logout stays idempotent.
	}

	if err := h.engine.Logout(r.Context(), sessionID); err != nil {
		h.logger.Warn("logout failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, err)
		return
	}

	h.clearAuthCookies(w)
	writeOK(w, nil)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		writeError(w, authcore.ErrTokenInvalid)
		return
	}

	n, err := h.engine.LogoutAll(r.Context(), res.UserID)
	if err != nil {
		h.logger.Warn("logout-all failed", zap.String("user_id", res.UserID), zap.Error(err))
		writeError(w, err)
		return
	}

	h.clearAuthCookies(w)
	writeOK(w, map[string]int{"terminated": n})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := cookieValue(r, cookieAccessToken)
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		token = auth[7:]
	}
	if token == "" {
		writeError(w, authcore.ErrTokenInvalid)
		return
	}

	res, err := h.engine.Validate(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, res)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		writeError(w, authcore.ErrTokenInvalid)
		return
	}

	infos, err := h.engine.SessionsForUser(r.Context(), res.UserID, res.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, infos)
}

// handleSessionSync records authenticated activity: the idle deadline
// slides forward, bounded by the absolute expiry. Clients call this on
// user interaction to keep the session alive.
func (h *Handler) handleSessionSync(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		writeError(w, authcore.ErrTokenInvalid)
		return
	}

	idle, abs, err := h.engine.TouchSession(r.Context(), res.UserID, res.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]time.Time{
		"idleExpiresAt":     idle,
		"absoluteExpiresAt": abs,
	})
}

// handleIssueCSRF rotates the session's CSRF value. The session cookie
// alone authenticates the call so a tab with an expired access token
// can still recover its CSRF pairing.
func (h *Handler) handleIssueCSRF(w http.ResponseWriter, r *http.Request) {
	sessionID := cookieValue(r, cookieSessionID)
	if sessionID == "" {
		writeError(w, authcore.ErrSessionNotFound)
		return
	}

	csrf, err := h.engine.IssueCSRF(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.setCookie(w, cookieCSRFToken, csrf, false, h.refreshTTL)
	writeOK(w, map[string]string{"csrfToken": csrf})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		writeError(w, authcore.ErrTokenInvalid)
		return
	}

	target := chi.URLParam(r, "sessionID")
	if err := h.engine.InvalidateSession(r.Context(), res.UserID, target); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}
