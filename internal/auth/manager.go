package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/crypto"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/metrics"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/transport"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/config"
)

// State tracks the manager's token lifecycle.
type State int

const (
	StateUnset State = iota
	StateAcquiring
	StateValid
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateAcquiring:
		return "acquiring"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// TokenState is the authoritative OAuth2 token snapshot. At most one is
// authoritative at a time; a refresh in flight never invalidates the
// currently-valid token until the replacement is committed.
type TokenState struct {
	AccessToken  string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	RefreshToken string // authorization_code mode only
}

// tokenResponse mirrors the token endpoint's JSON body, success or error.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	RefreshToken     string `json:"refresh_token"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Manager owns OAuth2 access-token state: it obtains, caches and refreshes
// tokens against the partner's token endpoint, with single-flight refresh so
// concurrent callers never fan out into parallel token requests. Tokens are
// never persisted; a restart re-authenticates.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config
	keys   *crypto.KeyStore
	client *transport.Client

	group singleflight.Group

	mu    sync.RWMutex
	state State
	token TokenState

	now func() time.Time // test seam
}

// NewManager constructs the token manager.
func NewManager(logger *zap.Logger, cfg *config.Config, keys *crypto.KeyStore, client *transport.Client) *Manager {
	return &Manager{
		logger: logger,
		cfg:    cfg,
		keys:   keys,
		client: client,
		state:  StateUnset,
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetToken installs a token obtained out of band (the authorization-code
// callback listener). It atomically replaces the authoritative state.
func (m *Manager) SetToken(t TokenState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = t
	m.state = StateValid
	m.logger.Info("auth.token_installed",
		zap.Time("expires_at", t.ExpiresAt),
		zap.String("scope", t.Scope))
}

// Token returns a valid access token, refreshing first when the cached one
// is inside the refresh-skew window. Concurrent callers during a refresh all
// await the same in-flight request.
func (m *Manager) Token(ctx context.Context) (TokenState, error) {
	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()

	if m.usable(tok) {
		return tok, nil
	}

	res, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return TokenState{}, err
	}
	return res.(TokenState), nil
}

// usable reports whether tok is outside the refresh-skew window.
func (m *Manager) usable(tok TokenState) bool {
	return tok.AccessToken != "" && m.now().Before(tok.ExpiresAt.Add(-m.cfg.RefreshSkew))
}

// refresh performs one token request. Runs under singleflight; coalesced
// callers share the result.
func (m *Manager) refresh(ctx context.Context) (TokenState, error) {
	m.mu.Lock()
	// Another coalesced flight may already have refreshed.
	if m.usable(m.token) {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}
	prev := m.token
	if m.state == StateUnset || m.state == StateFailed {
		m.state = StateAcquiring
	} else {
		m.state = StateRefreshing
	}
	m.mu.Unlock()

	tok, err := m.requestToken(ctx, prev)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		// A not-yet-expired previous token stays usable for callers that
		// already passed the skew check; hard failure otherwise.
		if prev.AccessToken != "" && m.now().Before(prev.ExpiresAt) {
			m.state = StateValid
			m.logger.Warn("auth.refresh_failed_keeping_previous",
				zap.Time("expires_at", prev.ExpiresAt),
				zap.Error(err))
			return prev, nil
		}
		m.state = StateFailed
		m.logger.Error("auth.refresh_failed", zap.Error(err))
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		return TokenState{}, err
	}

	m.mu.Lock()
	m.token = tok
	m.state = StateValid
	m.mu.Unlock()

	metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()

	m.logger.Info("auth.token_refreshed",
		zap.Time("expires_at", tok.ExpiresAt),
		zap.String("scope", tok.Scope))
	return tok, nil
}

// ExchangeCode trades an authorization code for a token and installs it as
// the authoritative state. Called by the callback listener.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (TokenState, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)
	form.Set("redirect_uri", m.cfg.RedirectURI)

	tok, err := m.postForm(ctx, form, TokenState{})
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		return TokenState{}, err
	}

	m.SetToken(tok)
	metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
	return tok, nil
}

// requestToken executes the configured grant against the token endpoint.
func (m *Manager) requestToken(ctx context.Context, prev TokenState) (TokenState, error) {
	form := url.Values{}
	switch m.cfg.GrantType {
	case "authorization_code":
		// Steady-state in this mode is the refresh_token grant; the initial
		// code exchange happens in the callback listener.
		if prev.RefreshToken == "" {
			return TokenState{}, &Error{Description: "no refresh token; complete the authorization flow first"}
		}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", prev.RefreshToken)
		form.Set("client_id", m.cfg.ClientID)
		form.Set("client_secret", m.cfg.ClientSecret)
		form.Set("redirect_uri", m.cfg.RedirectURI)
	default:
		assertion, err := buildClientAssertion(m.keys.PrivateKey(), m.cfg.ClientID, m.cfg.TokenURL, m.now())
		if err != nil {
			return TokenState{}, err
		}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", m.cfg.ClientID)
		form.Set("client_assertion_type", assertionType)
		form.Set("client_assertion", assertion)
		form.Set("scope", m.cfg.Scope)
	}

	return m.postForm(ctx, form, prev)
}

// postForm posts one form-encoded grant to the token endpoint and maps the
// response into a TokenState. prev supplies the refresh token carried forward
// when the endpoint omits one.
func (m *Manager) postForm(ctx context.Context, form url.Values, prev TokenState) (TokenState, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")
	header.Set("User-Agent", m.cfg.UserAgent)

	var resp tokenResponse
	err := m.client.DoJSON(ctx, http.MethodPost, m.cfg.TokenURL, header, []byte(form.Encode()), &resp)
	if err != nil {
		if transport.IsAuth(err) {
			return TokenState{}, &Error{Description: "token endpoint rejected the grant", Err: err}
		}
		return TokenState{}, err
	}

	if resp.ErrorCode != "" {
		return TokenState{}, &Error{Code: resp.ErrorCode, Description: resp.ErrorDescription}
	}
	if resp.AccessToken == "" {
		return TokenState{}, &Error{Description: "token endpoint returned empty access_token"}
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = prev.RefreshToken
	}

	return TokenState{
		AccessToken:  resp.AccessToken,
		TokenType:    tokenType,
		Scope:        strings.TrimSpace(resp.Scope),
		ExpiresAt:    m.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		RefreshToken: refreshToken,
	}, nil
}
