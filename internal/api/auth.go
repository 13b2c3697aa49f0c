package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/playmill/playmill/internal/config"
)

// authConfig holds operator credentials loaded from environment
// variables. When no credentials are configured, authentication is
// disabled (dev-friendly); the excluded platform layer owns real user
// authentication.
type authConfig struct {
	user    string
	pass    string
	enabled bool
}

var auth *authConfig

// InitAuth loads the operator credential pair from PLAYMILL_OPERATOR_USER
// and PLAYMILL_OPERATOR_PASS, supporting the *_FILE convention.
func InitAuth() error {
	user, err := config.ResolveSecret("PLAYMILL_OPERATOR_USER")
	if err != nil {
		return err
	}
	pass, err := config.ResolveSecret("PLAYMILL_OPERATOR_PASS")
	if err != nil {
		return err
	}

	auth = &authConfig{
		user:    user,
		pass:    pass,
		enabled: user != "" && pass != "",
	}
	return nil
}

// IsAuthEnabled returns true if operator credentials are configured.
func IsAuthEnabled() bool {
	return auth != nil && auth.enabled
}

// authenticate checks basic auth credentials.
func authenticate(r *http.Request) bool {
	if auth == nil || !auth.enabled {
		return true // No auth configured = full access
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return secureCompare(user, auth.user) && secureCompare(pass, auth.pass)
}

// secureCompare performs constant-time string comparison to prevent timing attacks.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RequireAuth wraps a handler behind the operator credential gate.
func RequireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Playmill"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}
}
