package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mealplan/credit-engine/credits"
	"go.uber.org/zap"
)

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// =============================================================================
// AUTH
// =============================================================================

// Role is the privilege level of an authenticated caller.
type Role int

const (
	RoleNone Role = iota
	RoleService
	RoleAdmin
)

// Tokens are the static bearer tokens accepted by the API.
type Tokens struct {
	Service string
	Admin   string
}

type roleKey struct{}

// RoleFrom returns the caller's role stored by Authenticate.
func RoleFrom(ctx context.Context) Role {
	role, _ := ctx.Value(roleKey{}).(Role)
	return role
}

func (t Tokens) roleOf(token string) Role {
	if token == "" {
		return RoleNone
	}
	if t.Admin != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.Admin)) == 1 {
		return RoleAdmin
	}
	if t.Service != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.Service)) == 1 {
		return RoleService
	}
	return RoleNone
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Authenticate rejects requests without a known bearer token.
func Authenticate(tokens Tokens, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := tokens.roleOf(bearerToken(r))
			if role == RoleNone {
				writeError(w, r, logger, credits.ErrAuthRequired)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
		})
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFrom(r.Context()) != RoleAdmin {
				writeError(w, r, logger, credits.ErrPermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
