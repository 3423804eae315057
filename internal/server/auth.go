// Package server exposes the telemetry control surface over HTTP: chi
// routing, API-key/bearer auth, per-identity rate limiting, and the
// prometheus endpoint.
package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// AuthScheme selects which credential carrier the gate accepts. Exactly
// one scheme is active per deployment.
type AuthScheme string

const (
	SchemeAPIKey AuthScheme = "api-key" // x-api-key header
	SchemeBearer AuthScheme = "bearer"  // Authorization: Bearer <token>
)

const apiKeyHeader = "x-api-key"

// Authenticator validates credentials against SHA-256 hashes of the
// configured keys. Plaintext keys are never retained.
type Authenticator struct {
	scheme    AuthScheme
	keyHashes [][]byte
	allowList map[string]struct{}
}

// NewAuthenticator hashes the configured keys. Paths in allowList bypass
// auth entirely; they are matched after normalization.
func NewAuthenticator(scheme AuthScheme, keys []string, allowList []string) *Authenticator {
	a := &Authenticator{
		scheme:    scheme,
		allowList: make(map[string]struct{}, len(allowList)),
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		hash := sha256.Sum256([]byte(key))
		a.keyHashes = append(a.keyHashes, []byte(hex.EncodeToString(hash[:])))
	}
	for _, p := range allowList {
		a.allowList[path.Clean("/"+strings.TrimPrefix(p, "/"))] = struct{}{}
	}
	return a
}

// HashKey returns the hex SHA-256 of a key, the storage form.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Allowed reports whether the normalized request path bypasses auth.
// Normalization collapses dot segments and duplicate slashes so an
// encoded traversal cannot impersonate the health check.
func (a *Authenticator) Allowed(requestPath string) bool {
	cleaned := path.Clean("/" + strings.TrimPrefix(requestPath, "/"))
	_, ok := a.allowList[cleaned]
	return ok
}

// Validate checks the request credential. Every failure mode returns the
// same AuthError so responses never reveal which part was wrong.
func (a *Authenticator) Validate(r *http.Request) error {
	credential, ok := a.extract(r)
	if !ok {
		return &domain.AuthError{}
	}
	hash := sha256.Sum256([]byte(credential))
	hexHash := []byte(hex.EncodeToString(hash[:]))

	// Compare against every configured hash so timing does not depend on
	// which key (if any) matched.
	matched := 0
	for _, known := range a.keyHashes {
		matched |= subtle.ConstantTimeCompare(hexHash, known)
	}
	if matched != 1 {
		return &domain.AuthError{}
	}
	return nil
}

func (a *Authenticator) extract(r *http.Request) (string, bool) {
	switch a.scheme {
	case SchemeAPIKey:
		// Header name matching is case-insensitive per http.Header.
		key := r.Header.Get(apiKeyHeader)
		if key == "" || hasControlChars(key) {
			return "", false
		}
		return key, true

	case SchemeBearer:
		raw := r.Header.Get("Authorization")
		if raw == "" || hasControlChars(raw) {
			return "", false
		}
		parts := strings.SplitN(raw, " ", 3)
		if len(parts) != 2 {
			// No token, or trailing garbage after it.
			return "", false
		}
		if !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		if parts[1] == "" {
			return "", false
		}
		return parts[1], true

	default:
		return "", false
	}
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// identity returns the rate-limit identity of an authenticated request:
// the credential hash prefix, so limits follow the key, not the client IP.
func (a *Authenticator) identity(r *http.Request) string {
	credential, ok := a.extract(r)
	if !ok {
		return "anonymous"
	}
	hash := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(hash[:8])
}

// writeUnauthorized emits the single fixed 401 body used for every auth
// failure.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}

// AuthMiddleware rejects requests whose credentials fail validation,
// except for allow-listed paths.
func AuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || a.Allowed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Validate(r); err != nil {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
