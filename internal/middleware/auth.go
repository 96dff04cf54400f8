// Package middleware holds the HTTP cross-cutting layers: API-key auth,
// access logging, and CORS.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const clientIDKey contextKey = "client_id"

// ClientID returns the authenticated client's identifier, or "" when the
// request was not authenticated.
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// WithClientID injects a client ID; the WS handler uses it after its own
// token check.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// Auth validates Bearer API keys. Configured keys may be bcrypt hashes
// (anything starting "$2") or plain secrets; plain secrets are compared
// in constant time. The client ID is a stable digest of the presented
// key, so rate limits follow the key, not the source address.
//
// A non-zero ttl expires each key that long after its first successful
// use. Statically configured keys carry no issuance time, so first use
// is the epoch; an expired key stays expired until the process restarts
// with a rotated key.
type Auth struct {
	keys   []string
	ttl    time.Duration
	logger *log.Logger

	mu        sync.Mutex
	firstSeen map[string]time.Time

	now func() time.Time // swappable for tests
}

func NewAuth(keys []string, ttl time.Duration) *Auth {
	return &Auth{
		keys:      keys,
		ttl:       ttl,
		logger:    log.New(log.Writer(), "[Auth] ", log.LstdFlags),
		firstSeen: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Enabled reports whether any keys are configured. With no keys the
// middleware refuses every request rather than allowing every request.
func (a *Auth) Enabled() bool { return len(a.keys) > 0 }

// Validate checks one presented key against the configured set, then
// against the TTL when one is configured.
func (a *Auth) Validate(presented string) bool {
	if presented == "" {
		return false
	}
	for _, k := range a.keys {
		if strings.HasPrefix(k, "$2") {
			if bcrypt.CompareHashAndPassword([]byte(k), []byte(presented)) == nil {
				return !a.expired(presented)
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			return !a.expired(presented)
		}
	}
	return false
}

// expired reports whether the key's TTL has lapsed since it was first
// accepted.
func (a *Auth) expired(presented string) bool {
	if a.ttl <= 0 {
		return false
	}
	fp := KeyFingerprint(presented)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	seen, ok := a.firstSeen[fp]
	if !ok {
		a.firstSeen[fp] = now
		return false
	}
	if now.Sub(seen) > a.ttl {
		a.logger.Printf("key %s expired after %s", fp, a.ttl)
		return true
	}
	return false
}

// Middleware enforces `Authorization: Bearer <api_key>` and stamps the
// client ID into the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing API key", http.StatusUnauthorized)
			return
		}
		key := strings.TrimPrefix(header, "Bearer ")
		if !a.Validate(key) {
			a.logger.Printf("rejected key from %s", r.RemoteAddr)
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}
		ctx := WithClientID(r.Context(), KeyFingerprint(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyFingerprint derives the client identifier from an API key.
func KeyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
