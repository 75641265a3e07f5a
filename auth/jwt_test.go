package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "test-signing-key-of-adequate-length",
	})
	require.NoError(t, err)
	return a
}

func TestTokenRoundTrip(t *testing.T) {
	a := testAuth(t)

	token, err := a.CreateTokenFromClaims(Claims{
		Email: "ops@example.com",
		Role:  RoleRunner,
	})
	require.NoError(t, err)

	claims, err := a.verifyToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims)
	require.Equal(t, "ops@example.com", claims.Email)
	require.Equal(t, RoleRunner, claims.Role)
}

func TestGarbageTokenRejected(t *testing.T) {
	a := testAuth(t)

	claims, err := a.verifyToken("not.a.token")
	require.NoError(t, err)
	require.Nil(t, claims)
}

func TestMiddlewareRequiresBearer(t *testing.T) {
	a := testAuth(t)

	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := a.CreateTokenFromClaims(Claims{Email: "ops", Role: RoleViewer})
	require.NoError(t, err)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRoleCheck(t *testing.T) {
	a := testAuth(t)

	handler := a.Middleware()(a.RoleCheck(RoleRunner)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	viewerToken, err := a.CreateTokenFromClaims(Claims{Email: "ops", Role: RoleViewer})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+viewerToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)

	runnerToken, err := a.CreateTokenFromClaims(Claims{Email: "ops", Role: RoleRunner})
	require.NoError(t, err)

	r = httptest.NewRequest("POST", "/", nil)
	r.Header.Set("Authorization", "Bearer "+runnerToken)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}
