package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateToken("alice@example.com", "Alice", RoleApprover)
	require.NoError(t, err)

	id, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id.Subject)
	assert.Equal(t, "Alice", id.Name)
	assert.True(t, id.Verified())
	assert.True(t, id.HasScope(ScopeApprovalsResolve))

	viewer, err := m.GenerateToken("bob", "", RoleViewer)
	require.NoError(t, err)
	id, err = m.ValidateToken(viewer)
	require.NoError(t, err)
	assert.False(t, id.HasScope(ScopeRunsWrite))

	_, err = m.GenerateToken("", "", RoleViewer)
	assert.Error(t, err)
}

func TestJWTRejections(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateToken("alice", "", RoleOperator)
	require.NoError(t, err)

	_, err = NewJWTManager("other", time.Hour).ValidateToken(token)
	assert.Error(t, err, "wrong key")

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.Error(t, err, "expired")

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory", Issuer: "someone-else"},
	})
	signed, err := foreign.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = NewJWTManager("secret", time.Hour).ValidateToken(signed)
	assert.Error(t, err, "wrong issuer")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory", Issuer: issuer},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewJWTManager("secret", time.Hour).ValidateToken(unsigned)
	assert.Error(t, err, "alg none")
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = ExtractBearerToken("Basic abc")
	assert.Error(t, err)
	_, err = ExtractBearerToken("Bearer ")
	assert.Error(t, err)
}

func serve(t *testing.T, mw *Middleware, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	h := mw.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetIdentity(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareDisabled(t *testing.T) {
	mw := NewMiddleware("", nil, zaptest.NewLogger(t))
	rec, id := serve(t, mw, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, "anonymous", id.TokenType)
	assert.False(t, id.Verified())
}

func TestMiddlewareStaticAndJWT(t *testing.T) {
	jm := NewJWTManager("secret", time.Hour)
	mw := NewMiddleware("static-token", jm, zaptest.NewLogger(t))

	rec, _ := serve(t, mw, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer static-token")
	rec, id := serve(t, mw, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "static", id.TokenType)

	token, err := jm.GenerateToken("carol", "", RoleApprover)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, id = serve(t, mw, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "carol", id.Subject)

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec, _ = serve(t, mw, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid token"}`, rec.Body.String())
}

func TestMiddlewareQueryTokenOnlyForStreams(t *testing.T) {
	mw := NewMiddleware("static-token", nil, zaptest.NewLogger(t))

	rec, _ := serve(t, mw, httptest.NewRequest(http.MethodGet, "/stream/sse?run_id=r1&token=static-token", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = serve(t, mw, httptest.NewRequest(http.MethodGet, "/api/runs?token=static-token", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireScope(t *testing.T) {
	h := RequireScope(ScopeApprovalsResolve, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/approvals/decision", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/approvals/decision", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Subject: "dan", Scopes: scopesForRole(RoleOperator)}))
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = req.WithContext(WithIdentity(req.Context(), &Identity{Subject: "erin", Scopes: scopesForRole(RoleApprover)}))
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
