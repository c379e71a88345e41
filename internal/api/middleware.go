package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ctxKey int

const userKey ctxKey = iota

// Authenticator resolves a bearer token to the operator id that owns the
// request's data.
type Authenticator interface {
	Authenticate(token string) (userID string, ok bool)
}

// Keyring is a static Authenticator mapping API keys to operator ids.
type Keyring map[string]string

func (k Keyring) Authenticate(token string) (string, bool) {
	id, ok := k[token]
	return id, ok && id != ""
}

// UserID returns the authenticated operator id of a request.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// WithUserID returns ctx carrying an operator id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey, id)
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("token")
}

// authenticate rejects requests without a known bearer token.
func authenticate(log *zap.Logger, auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				fail(w, r, http.StatusUnauthorized, "authorization token not found")
				return
			}
			userID, ok := auth.Authenticate(token)
			if !ok {
				log.Debug("rejected token",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr))
				fail(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// accessLog writes one line per request.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t1 := time.Now()
			defer func() {
				remote := r.RemoteAddr
				if x := r.Header.Get("X-Forwarded-For"); x != "" {
					remote = x
				}
				log.Info("incoming request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", remote),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("user_id", UserID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("size", ww.BytesWritten()),
					zap.Duration("duration", time.Since(t1)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
