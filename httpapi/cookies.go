package httpapi

import (
	"net/http"
	"time"

	authcore "github.com/ticketwell/authcore"
)

const (
	cookieAccessToken  = "access_token"
	cookieRefreshToken = "refresh_token"
	cookieSessionID    = "session_id"
	cookieCSRFToken    = "csrf_token"
)

// setAuthCookies installs the credential bundle. Everything except the
// CSRF value is HttpOnly; the CSRF cookie must be script-readable so
// clients can mirror it into the X-CSRF-Token header.
func (h *Handler) setAuthCookies(w http.ResponseWriter, ts *authcore.TokenSet, refreshTTL time.Duration) {
	h.setCookie(w, cookieAccessToken, ts.AccessToken, true, time.Until(ts.AccessExpiresAt))
	h.setCookie(w, cookieRefreshToken, ts.RefreshToken, true, refreshTTL)
	h.setCookie(w, cookieSessionID, ts.SessionID, true, refreshTTL)
	h.setCookie(w, cookieCSRFToken, ts.CSRFToken, false, refreshTTL)
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{cookieAccessToken, cookieRefreshToken, cookieSessionID, cookieCSRFToken} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Domain:   h.cookies.Domain,
			Path:     h.cookies.Path,
			MaxAge:   -1,
			Secure:   h.cookies.Secure,
			HttpOnly: name != cookieCSRFToken,
			SameSite: h.cookies.SameSite,
		})
	}
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, httpOnly bool, ttl time.Duration) {
	maxAge := int(ttl.Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   h.cookies.Domain,
		Path:     h.cookies.Path,
		MaxAge:   maxAge,
		Secure:   h.cookies.Secure,
		HttpOnly: httpOnly,
		SameSite: h.cookies.SameSite,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
