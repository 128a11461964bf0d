package middleware

import (
	"net/http"

	authcore "github.com/ticketwell/authcore"
)

// CSRFHeader carries the client's CSRF value on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// RequireCSRF rejects state-changing requests whose CSRF header does
// not match the session's stored value. It must run after [Guard] so
// the session id is available from the context. Safe methods pass
// through unchecked.
func RequireCSRF(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			res, ok := AuthResultFromContext(r.Context())
			if !ok || engine == nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			if err := engine.ValidateCSRF(r.Context(), res.SessionID, r.Header.Get(CSRFHeader)); err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
