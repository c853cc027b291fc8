package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "test-issuer"}

func TestIssueAndParse(t *testing.T) {
	token, err := Issue(testConfig, "coach", []string{ScopeClassesLead, ScopeClassesRead}, time.Minute)
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "coach", claims.Subject)
	require.True(t, claims.HasScope(ScopeClassesLead))
	require.False(t, claims.HasScope(ScopeClassesJoin))
	require.True(t, claims.HasAnyScope(ScopeClassesJoin, ScopeClassesRead))
}

func TestParseAcceptsScopeArrays(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "alice",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Minute).Unix(),
		"scopes": []string{ScopeClassesJoin},
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.True(t, claims.HasScope(ScopeClassesJoin))
}

func TestParseRejectsBadTokens(t *testing.T) {
	token, err := Issue(Config{Secret: testConfig.Secret, Issuer: "other"}, "coach", nil, time.Minute)
	require.NoError(t, err)
	_, err = Parse(token, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := Issue(testConfig, "coach", nil, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := Issue(testConfig, "", nil, time.Minute)
	require.NoError(t, err)
	_, err = Parse(noSubject, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "coach",
		"iss": testConfig.Issuer,
	}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	_, err = Parse(noExpiry, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddlewareAcceptsQueryTokenOnlyForUpgrades(t *testing.T) {
	token, err := Issue(testConfig, "alice", []string{ScopeClassesJoin}, time.Minute)
	require.NoError(t, err)

	var seen *Claims
	handler := NewMiddleware(testConfig).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/classes/c1/live/ws?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "alice", seen.Subject)

	req = httptest.NewRequest(http.MethodGet, "/v1/classes/c1/live?access_token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"type":"unauthorized","detail":"missing bearer token"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/classes/c1/live", nil)
	req.Header.Set("Authorization", "Token "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestMiddlewareLeavesPublicPathsOpen(t *testing.T) {
	handler := NewMiddleware(testConfig).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}
