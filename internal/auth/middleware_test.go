package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Subject", SubjectFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func serve(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	mw := NewMiddleware(testSecret, NewDefaultPolicy([]string{"/healthz"}, nil))
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	mw.Wrap(okHandler()).ServeHTTP(resp, req)
	return resp
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	resp := serve(t, http.MethodGet, "/api/v1/devices/dev-1/schedule", "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAuthMiddleware_ExemptAndOpenPaths(t *testing.T) {
	require.Equal(t, http.StatusOK, serve(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, serve(t, http.MethodGet, "/api/v1/time", "").Code)
}

func TestAuthMiddleware_ViewerForbiddenSchedule(t *testing.T) {
	token := mustToken(t, "user-1", "viewer")
	resp := serve(t, http.MethodPost, "/api/v1/devices/dev-1/schedule", token)
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestAuthMiddleware_OperatorCannotTriggerReconcile(t *testing.T) {
	token := mustToken(t, "user-1", "operator")
	require.Equal(t, http.StatusForbidden, serve(t, http.MethodPost, "/api/v1/reconcile/runs", token).Code)
	require.Equal(t, http.StatusOK, serve(t, http.MethodGet, "/api/v1/reconcile/runs", token).Code)
	require.Equal(t, http.StatusForbidden, serve(t, http.MethodGet, "/api/v1/reconcile/runs/r1/export.xlsx", token).Code)
}

func TestAuthMiddleware_SubjectInContext(t *testing.T) {
	token := mustToken(t, "user-42", "")
	resp := serve(t, http.MethodGet, "/api/v1/devices/dev-1/schedule", token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "user-42", resp.Header().Get("X-Subject"))
}

func TestAuthMiddleware_QueryTokenForWebsocket(t *testing.T) {
	token := mustToken(t, "user-1", "viewer")
	resp := serve(t, http.MethodGet, "/ws/monitor?access_token="+token, "")
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestPolicyRequiredRole(t *testing.T) {
	policy := NewDefaultPolicy([]string{"/healthz"}, []string{"/public/"})
	cases := []struct {
		method, path string
		role         Role
		ok           bool
	}{
		{http.MethodGet, "/api/v1/time", "", false},
		{http.MethodGet, "/public/logo.png", "", false},
		{http.MethodPost, "/api/v1/ingest", RoleOperator, true},
		{http.MethodGet, "/api/v1/reconcile/runs", RoleViewer, true},
		{http.MethodGet, "/api/v1/reconcile/runs/r1/export.pdf", RoleAdmin, true},
		{http.MethodPost, "/api/v1/reconcile/runs", RoleAdmin, true},
		{http.MethodDelete, "/api/v1/devices/dev-1/schedule", RoleOperator, true},
		{http.MethodGet, "/ws/monitor", RoleViewer, true},
		{http.MethodGet, "/other", "", false},
	}
	for _, tc := range cases {
		role, ok := policy.RequiredRole(httptest.NewRequest(tc.method, tc.path, nil))
		require.Equal(t, tc.ok, ok, tc.path)
		require.Equal(t, tc.role, role, tc.path)
	}
	require.True(t, policy.IsExempt(httptest.NewRequest(http.MethodGet, "/healthz", nil)))
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/monitor?access_token=q", nil)
	require.Equal(t, "q", extractToken(req))
	req.Header.Set("Authorization", "bearer h")
	require.Equal(t, "h", extractToken(req))
	req.Header.Set("Authorization", "Basic abc")
	require.Equal(t, "q", extractToken(req))
}

func TestParseJWTRejects(t *testing.T) {
	_, err := ParseJWT(mustToken(t, "", "viewer"), testSecret)
	require.ErrorIs(t, err, ErrBadClaims)

	_, err = ParseJWT(mustToken(t, "user-1", "root"), testSecret)
	require.ErrorIs(t, err, ErrBadClaims)

	_, err = ParseJWT("", testSecret)
	require.ErrorIs(t, err, ErrEmptyToken)

	_, err = ParseJWT(mustToken(t, "user-1", "viewer"), []byte("other"))
	require.Error(t, err)
}

func TestIssueJWTRoundTrip(t *testing.T) {
	token, err := IssueJWT(testSecret, "user-7", RoleOperator, time.Hour)
	require.NoError(t, err)
	claims, err := ParseJWT(token, testSecret)
	require.NoError(t, err)
	require.Equal(t, "user-7", claims.Subject)
	require.Equal(t, "operator", claims.Role)
}

type stubOwners struct {
	owned map[string]string
	err   error
}

func (s stubOwners) IsOwner(_ context.Context, userID, deviceID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.owned[deviceID] == userID, nil
}

func TestDeviceGuard(t *testing.T) {
	guard, err := NewDeviceGuard(stubOwners{owned: map[string]string{"dev-1": "user-1"}})
	require.NoError(t, err)

	owner := WithIdentity(context.Background(), RoleViewer, "user-1")
	other := WithIdentity(context.Background(), RoleOperator, "user-2")
	admin := WithIdentity(context.Background(), RoleAdmin, "ops")

	require.NoError(t, guard.EnsureDeviceOwner(owner, "dev-1"))
	require.ErrorIs(t, guard.EnsureDeviceOwner(other, "dev-1"), ErrNotOwner)
	require.NoError(t, guard.EnsureDeviceOwner(admin, "dev-1"))
	require.ErrorIs(t, guard.EnsureDeviceOwner(context.Background(), "dev-1"), ErrNotOwner)

	failing, err := NewDeviceGuard(stubOwners{err: errors.New("db down")})
	require.NoError(t, err)
	require.Error(t, failing.EnsureDeviceOwner(owner, "dev-1"))
}

func mustToken(t *testing.T, subject, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestNormalizeRole(t *testing.T) {
	role, ok := NormalizeRole(" Operator ")
	require.True(t, ok)
	require.Equal(t, RoleOperator, role)

	role, ok = NormalizeRole("")
	require.True(t, ok)
	require.Equal(t, RoleViewer, role)

	_, ok = NormalizeRole("root")
	require.False(t, ok)

	require.True(t, RoleAtLeast(RoleAdmin, RoleOperator))
	require.False(t, RoleAtLeast(RoleViewer, RoleOperator))
	require.False(t, RoleAtLeast("", RoleViewer))
}
