package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tinfoilsh/chatsync/internal/common"
)

// TokenSource supplies the bearer token issued by the external identity and
// subscription provider. The engine never mints these itself.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// defaultKeyTTL is used when the session key's expiry cannot be read.
const defaultKeyTTL = 5 * time.Minute

// expirySkew refreshes the cached key slightly before it actually expires.
const expirySkew = 30 * time.Second

// KeySource exchanges the bearer token for a short-lived per-session API key
// at a single endpoint and caches it until shortly before expiry. The TTL is
// taken from the key's JWT exp claim when present.
type KeySource struct {
	tokens   TokenSource
	http     *http.Client
	exchange string

	mu     sync.Mutex
	key    string
	expiry time.Time

	now func() time.Time
}

// NewKeySource builds a KeySource that exchanges tokens at
// {baseURL}/v1/keys. client may be nil, in which case a 15-second-timeout
// client is used.
func NewKeySource(baseURL string, tokens TokenSource, client *http.Client) *KeySource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &KeySource{
		tokens:   tokens,
		http:     client,
		exchange: strings.TrimRight(baseURL, "/") + "/v1/keys",
		now:      time.Now,
	}
}

// APIKey returns a valid session key, exchanging the bearer token when the
// cache is empty or expired.
func (k *KeySource) APIKey(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != "" && k.now().Before(k.expiry) {
		return k.key, nil
	}

	token, err := k.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: bearer token: %w", common.ErrUnauthorized, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.exchange, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(common.AuthorizationHeader, "Bearer "+token)

	resp, err := k.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: key exchange: %w", common.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", common.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: key exchange status %d", common.ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode key exchange response: %w", err)
	}
	if body.APIKey == "" {
		return "", fmt.Errorf("%w: empty api key", common.ErrUnauthorized)
	}

	k.key = body.APIKey
	k.expiry = keyExpiry(body.APIKey, k.now())
	return k.key, nil
}

// Invalidate drops the cached key so the next APIKey call re-exchanges.
// Called once on a 401-class failure before the request is retried.
func (k *KeySource) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = ""
	k.expiry = time.Time{}
}

// keyExpiry derives the cache deadline from the key's JWT exp claim. The key
// is not verified here (the server does that); only its expiry is read.
// Keys that are not JWTs or carry no exp get the fallback TTL.
func keyExpiry(key string, now time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(key, claims); err != nil {
		return now.Add(defaultKeyTTL)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return now.Add(defaultKeyTTL)
	}
	deadline := exp.Time.Add(-expirySkew)
	if !deadline.After(now) {
		return now.Add(defaultKeyTTL)
	}
	return deadline
}
