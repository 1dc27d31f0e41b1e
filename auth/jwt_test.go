package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuth(t *testing.T) *Auth {
	a, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "0123456789abcdef0123",
	})
	require.NoError(t, err)
	return a
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Logger: zap.NewNop(), JWTSigningKey: "short"})
	assert.Error(t, err)

	_, err = New(Options{JWTSigningKey: "0123456789abcdef0123"})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := newTestAuth(t)

	var seen *Claims
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid, err := a.CreateTokenFromClaims(Claims{ID: "u1", Email: "u1@example.com"}, time.Minute)
	require.NoError(t, err)
	expired, err := a.CreateTokenFromClaims(Claims{ID: "u1"}, -time.Minute)
	require.NoError(t, err)

	other := newTestAuth(t)
	other.jwtKey = []byte("another-signing-key-entirely")
	forged, err := other.CreateTokenFromClaims(Claims{ID: "u1"}, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusNoContent},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, c.status, rec.Code)
		})
	}

	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.ID)
	assert.Equal(t, "u1@example.com", seen.Email)
}
