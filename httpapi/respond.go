package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	authcore "github.com/ticketwell/authcore"
)

// envelope is the uniform response shape for every endpoint.
type envelope struct {
	Success   bool        `json:"success"`
	ErrorCode string      `json:"errorCode,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	var rl *authcore.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		secs := int64(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	status, code := statusFor(err)
	writeJSON(w, status, envelope{Success: false, ErrorCode: code, Message: publicMessage(code)})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, authcore.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, authcore.ErrLoginRateLimited):
		return http.StatusTooManyRequests, "login_rate_limited"
	case errors.Is(err, authcore.ErrRefreshRateLimited):
		return http.StatusTooManyRequests, "refresh_rate_limited"
	case errors.Is(err, authcore.ErrRefreshReuse):
		return http.StatusUnauthorized, "refresh_reuse_detected"
	case errors.Is(err, authcore.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, authcore.ErrTokenRevoked):
		return http.StatusUnauthorized, "token_revoked"
	case errors.Is(err, authcore.ErrRefreshInvalid), errors.Is(err, authcore.ErrTokenInvalid):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, authcore.ErrSessionExpired):
		return http.StatusUnauthorized, "session_expired"
	case errors.Is(err, authcore.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, authcore.ErrCSRFInvalid):
		return http.StatusForbidden, "csrf_invalid"
	case errors.Is(err, authcore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func publicMessage(code string) string {
	switch code {
	case "invalid_credentials":
		return "identifier or password is incorrect"
	case "login_rate_limited", "refresh_rate_limited":
		return "too many attempts, retry later"
	case "refresh_reuse_detected":
		return "session terminated, sign in again"
	case "token_expired":
		return "access token expired"
	case "token_revoked":
		return "token revoked"
	case "invalid_token":
		return "token is invalid"
	case "session_expired":
		return "session expired, sign in again"
	case "session_not_found":
		return "session not found"
	case "csrf_invalid":
		return "csrf validation failed"
	case "service_unavailable":
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}
