package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"reconciler/pkg/crypto"
)

// BearerAuth - middleware проверки bearer-токена ops API
//
// Токен сравнивается с bcrypt-хешем (OPS_TOKEN_HASH). Пустой хеш
// отключает проверку. Для /ws/stream браузер не может выставить
// заголовок, поэтому принимается также ?access_token=.
//
// bcrypt дорогой, успешно проверенные токены запоминаются по sha256.
type BearerAuth struct {
	hash   string
	logger *zap.Logger

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewBearerAuth создаёт проверку токена
func NewBearerAuth(tokenHash string, logger *zap.Logger) *BearerAuth {
	return &BearerAuth{
		hash:     tokenHash,
		logger:   logger.Named("auth"),
		verified: make(map[[sha256.Size]byte]struct{}),
	}
}

// Enabled проверка включена
func (a *BearerAuth) Enabled() bool {
	return a.hash != ""
}

// Middleware оборачивает handler
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" || !a.verify(token) {
			a.logger.Warn("unauthorized request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *BearerAuth) verify(token string) bool {
	key := sha256.Sum256([]byte(token))

	a.mu.RLock()
	_, ok := a.verified[key]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if err := crypto.VerifyToken(token, a.hash); err != nil {
		return false
	}

	a.mu.Lock()
	a.verified[key] = struct{}{}
	a.mu.Unlock()
	return true
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
