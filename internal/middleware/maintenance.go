package middleware

import (
	"net/http"

	"github.com/unpload/unpload/internal/apperr"
)

var errMaintenance = apperr.New(apperr.KindIO, apperr.CodeMaintenance, "server is in maintenance mode, only read operations are allowed")

// Maintenance blocks write requests while isEnabled reports true. It is
// consulted on every request so a settings change applies immediately.
func Maintenance(isEnabled func() bool, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			if isEnabled() {
				w.Header().Set("Retry-After", "3600")
				onError(w, r, errMaintenance)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
