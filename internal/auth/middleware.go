package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates requests with HS256 session tokens and applies
// the route policy.
type Middleware struct {
	Secret []byte
	Policy Policy
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap applies auth and RBAC to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.Policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		id, status := m.authenticate(r, required)
		if status != http.StatusOK {
			http.Error(w, strings.ToLower(http.StatusText(status)), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id.Role, id.UserID)))
	})
}

func (m *Middleware) authenticate(r *http.Request, required Role) (Identity, int) {
	claims, err := ParseJWT(extractToken(r), m.Secret)
	if err != nil {
		return Identity{}, http.StatusUnauthorized
	}
	role, _ := NormalizeRole(claims.Role)
	if !RoleAtLeast(role, required) {
		return Identity{}, http.StatusForbidden
	}
	return Identity{Role: role, UserID: claims.Subject}, http.StatusOK
}

// extractToken reads a bearer header, falling back to the access_token
// query parameter browsers use for websocket upgrades.
func extractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("access_token")
}
