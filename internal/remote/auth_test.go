package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinfoilsh/chatsync/internal/common"
)

func staticTokens(token string) TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) { return token, nil })
}

func signedKey(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestKeySource_ExchangesAndCaches(t *testing.T) {
	var calls atomic.Int32
	key := signedKey(t, time.Now().Add(time.Hour))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/v1/keys", r.URL.Path)
		require.Equal(t, "Bearer bearer-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"apiKey": key})
	}))
	defer srv.Close()

	ks := NewKeySource(srv.URL, staticTokens("bearer-1"), srv.Client())

	got, err := ks.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// Second call is served from cache.
	_, err = ks.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeySource_ReExchangesAfterExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Not a JWT: the fallback TTL applies.
		_ = json.NewEncoder(w).Encode(map[string]string{"apiKey": "opaque-key"})
	}))
	defer srv.Close()

	ks := NewKeySource(srv.URL, staticTokens("b"), srv.Client())
	now := time.Now()
	ks.now = func() time.Time { return now }

	_, err := ks.APIKey(context.Background())
	require.NoError(t, err)

	// Advance beyond the fallback TTL.
	now = now.Add(defaultKeyTTL + time.Second)
	_, err = ks.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestKeySource_InvalidateForcesExchange(t *testing.T) {
	var calls atomic.Int32
	key := signedKey(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"apiKey": key})
	}))
	defer srv.Close()

	ks := NewKeySource(srv.URL, staticTokens("b"), srv.Client())

	_, err := ks.APIKey(context.Background())
	require.NoError(t, err)

	ks.Invalidate()

	_, err = ks.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestKeySource_UnauthorizedSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ks := NewKeySource(srv.URL, staticTokens("b"), srv.Client())

	_, err := ks.APIKey(context.Background())
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestKeyExpiry_ReadsJWTExp(t *testing.T) {
	now := time.Now()
	exp := now.Add(10 * time.Minute)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	key, err := tok.SignedString([]byte("s"))
	require.NoError(t, err)

	deadline := keyExpiry(key, now)
	assert.WithinDuration(t, exp.Add(-expirySkew), deadline, time.Second)
}

func TestKeyExpiry_FallbackForOpaqueKeys(t *testing.T) {
	now := time.Now()
	deadline := keyExpiry("not-a-jwt", now)
	assert.WithinDuration(t, now.Add(defaultKeyTTL), deadline, time.Second)
}
