package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/crypto"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/transport"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/config"
)

func newTestManager(t *testing.T, tokenURL string) *Manager {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := crypto.NewKeyStore(priv, nil, nil, nil)
	require.NoError(t, err)

	cfg := &config.Config{
		ClientID:    "test-client",
		TokenURL:    tokenURL,
		GrantType:   "client_assertion",
		Scope:       "account-info",
		RefreshSkew: 60 * time.Second,
		UserAgent:   "bidv-monitor-test",
	}

	client := transport.NewClient(zap.NewNop(), keys, transport.Options{
		Timeout:   5 * time.Second,
		RetryMax:  0,
		Backoff:   time.Millisecond,
		TLSVerify: true,
	})

	return NewManager(zap.NewNop(), cfg, keys, client)
}

func tokenHandler(hits *atomic.Int64, expiresIn int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		_ = r.ParseForm()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
			"scope":        "account-info",
		})
	}
}

func TestTokenSingleFlight(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(tokenHandler(&hits, 3600))
	defer srv.Close()

	m := newTestManager(t, srv.URL)

	const callers = 25
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			require.NoError(t, err)
			tokens[i] = tok.AccessToken
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load(), "concurrent callers must share one token request")
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
	assert.Equal(t, StateValid, m.State())
}

func TestTokenRefreshesInsideSkewWindow(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(tokenHandler(&hits, 3600))
	defer srv.Close()

	m := newTestManager(t, srv.URL)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-1", tok.AccessToken)
	expiry := tok.ExpiresAt

	// One second outside the skew window: cached token is still used.
	clock = expiry.Add(-m.cfg.RefreshSkew - time.Second)
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, int64(1), hits.Load())

	// One second inside the skew window: a refresh is forced.
	clock = expiry.Add(-m.cfg.RefreshSkew + time.Second)
	tok, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok.AccessToken)
	assert.Equal(t, int64(2), hits.Load())
}

func TestRefreshFailureKeepsUnexpiredToken(t *testing.T) {
	var hits atomic.Int64
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		tokenHandler(&hits, 3600)(w, r)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)

	clock := time.Now()
	m.now = func() time.Time { return clock }

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	expiry := tok.ExpiresAt

	failing.Store(true)

	// Inside the skew window but before literal expiry: the previous token
	// remains authoritative when the refresh fails.
	clock = expiry.Add(-30 * time.Second)
	got, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, got.AccessToken)
	assert.Equal(t, StateValid, m.State())

	// Past literal expiry the failure is surfaced.
	clock = expiry.Add(time.Second)
	_, err = m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
}

func TestTokenEndpointErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_client",
			"error_description": "client authentication failed",
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)

	_, err := m.Token(context.Background())
	require.Error(t, err)

	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "invalid_client", aerr.Code)
}

func TestExchangeCodeInstallsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "one-time-code", r.Form.Get("code"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "exchanged-token",
			"refresh_token": "refresh-1",
			"expires_in":    900,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL)
	m.cfg.GrantType = "authorization_code"

	tok, err := m.ExchangeCode(context.Background(), "one-time-code")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-token", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, StateValid, m.State())

	// Subsequent Token calls reuse the installed token.
	got, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exchanged-token", got.AccessToken)
}

func TestAuthorizationCodeModeRequiresRefreshToken(t *testing.T) {
	m := newTestManager(t, "http://127.0.0.1:0")
	m.cfg.GrantType = "authorization_code"

	_, err := m.Token(context.Background())
	require.Error(t, err)

	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Description, "authorization flow")
}

func TestClientAssertionClaims(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	assertion, err := buildClientAssertion(priv, "test-client", "https://example.com/token", now)
	require.NoError(t, err)
	assert.NotEmpty(t, assertion)
}
