package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

// IdentityContextKey is the context key for the caller identity
const IdentityContextKey ContextKey = "identity"

var (
	ErrUnauthenticated = errors.New("missing identity")
	ErrForbidden       = errors.New("insufficient scope")
)

// Middleware authenticates HTTP requests with a static bearer token, a
// signed JWT, or both. With neither configured every request is let through
// as an anonymous identity holding all scopes.
type Middleware struct {
	staticToken string
	jwt         *JWTManager
	logger      *zap.Logger
}

// NewMiddleware creates the middleware. jwtManager may be nil.
func NewMiddleware(staticToken string, jwtManager *JWTManager, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{staticToken: staticToken, jwt: jwtManager, logger: logger}
}

// Enabled reports whether requests need credentials
func (m *Middleware) Enabled() bool {
	return m.staticToken != "" || m.jwt != nil
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			id := &Identity{Subject: "anonymous", Role: RoleApprover, Scopes: allScopes(), TokenType: "anonymous"}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		var token string
		if header := r.Header.Get("Authorization"); header != "" {
			t, err := ExtractBearerToken(header)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = t
		} else if strings.HasPrefix(r.URL.Path, "/stream/") {
			// EventSource and browser WebSocket clients cannot set headers
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		id, err := m.authenticate(token)
		if err != nil {
			m.logger.Debug("Rejected credentials", zap.String("path", r.URL.Path), zap.Error(err))
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (m *Middleware) authenticate(token string) (*Identity, error) {
	if m.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.staticToken)) == 1 {
		return &Identity{Subject: "service", Role: RoleApprover, Scopes: allScopes(), TokenType: "static"}, nil
	}
	if m.jwt == nil {
		return nil, errors.New("token does not match")
	}
	return m.jwt.ValidateToken(token)
}

// RequireScope wraps next so it only runs for identities holding scope
func RequireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := RequireScopes(r.Context(), scope); err != nil {
			code := http.StatusForbidden
			if errors.Is(err, ErrUnauthenticated) {
				code = http.StatusUnauthorized
			}
			writeAuthError(w, code, err.Error())
			return
		}
		next(w, r)
	}
}

// RequireScopes checks if the caller has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	id, err := GetIdentity(ctx)
	if err != nil {
		return err
	}
	for _, required := range requiredScopes {
		if !id.HasScope(required) {
			return fmt.Errorf("%w: missing %s", ErrForbidden, required)
		}
	}
	return nil
}

// WithIdentity attaches id to ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// GetIdentity extracts the caller identity from context
func GetIdentity(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	if !ok || id == nil {
		return nil, ErrUnauthenticated
	}
	return id, nil
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
