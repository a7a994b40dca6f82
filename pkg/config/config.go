package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration for the monitor.
// It is built once at startup and passed by reference to each component;
// no component reads the environment directly.
type Config struct {
	ServiceName string // e.g. "bidv-monitor"
	Env         string // "dev", "sandbox", "prod"
	LogLevel    string
	LogFile     string

	// BIDV OpenAPI endpoints. Base URLs differ between sandbox and production.
	SandboxMode  bool
	APIVersion   string
	BaseURL      string
	TokenURL     string
	AuthorizeURL string
	InquirePath  string
	BalancePath  string
	ChannelID    string

	// Credentials and account under watch.
	ClientID      string
	ClientSecret  string
	AccountNumber string
	Currency      string

	// OAuth2 settings.
	GrantType   string // "client_assertion" or "authorization_code"
	Scope       string
	RedirectURI string
	RefreshSkew time.Duration // refresh this long before literal expiry

	// Key material.
	PrivateKeyPath   string
	ClientCertPath   string
	SymmetricKeyPath string
	PartnerKeyPath   string // optional: partner public key for inbound JWS verification

	// Envelope settings.
	JWSAlg                  string
	JWEAlg                  string
	JWEEnc                  string
	UseJWE                  bool
	IncludeClientCertHeader bool
	TLSVerify               bool

	// Request headers.
	UserAgent  string
	CustomerIP string

	// Transport policy.
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	GatewayRPS     int // outbound request budget against the gateway
	GatewayBurst   int

	// Polling policy.
	PollInterval          time.Duration
	OverlapWindow         time.Duration // trailing re-fetch to cover clock skew / late arrivals
	InitialLookback       time.Duration // window on first run, before any cursor exists
	RetentionWindow       time.Duration // seen-set retention
	FailureAlertThreshold int           // consecutive failed cycles before escalation
	FailureBackoff        time.Duration // extra wait after the threshold is hit
	BalanceInterval       time.Duration // balance snapshot cadence; 0 disables

	// Storage.
	DBPath    string
	RedisAddr string // optional fast tier; empty disables redis
	RedisDB   int
	RedisPass string

	// Notification.
	NATSURL             string
	NotifySubject       string
	ZaloAPIURL          string
	ZaloEnabled         bool
	NotifyConfirmCommit bool // commit only after confirmed delivery

	// Secrets resolution.
	AWSRegion     string
	SecretsPrefix string
	CacheTTL      time.Duration
	CleanupFreq   time.Duration

	// HTTP surface.
	Port             int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	sandbox := GetEnvBool("SANDBOX_MODE", true)

	baseURL := "https://openapi.bidv.com.vn/bidv/open-banking"
	tokenURL := "https://openapi.bidv.com.vn/bidv/ibank-oauth/oauth2/token"
	authorizeURL := "https://openapi.bidv.com.vn/bidv/ibank-oauth/oauth2/authorize"
	if sandbox {
		baseURL = "https://openapi.bidv.com.vn/bidv/sandbox/open-banking"
		tokenURL = "https://openapi.bidv.com.vn/bidv/sandbox/ibank-sandbox-oauth/oauth2/token"
		authorizeURL = "https://openapi.bidv.com.vn/bidv/sandbox/ibank-sandbox-oauth/oauth2/authorize"
	}

	cfg := &Config{
		ServiceName: GetEnv("SERVICE_NAME", "bidv-monitor"),
		Env:         GetEnv("ENV", "dev"),
		LogLevel:    GetEnv("LOG_LEVEL", "info"),
		LogFile:     GetEnv("LOG_FILE", ""),

		SandboxMode:  sandbox,
		APIVersion:   GetEnv("BIDV_API_VERSION", "v1"),
		BaseURL:      GetEnv("BIDV_BASE_URL", baseURL),
		TokenURL:     GetEnv("BIDV_OAUTH_TOKEN_URL", tokenURL),
		AuthorizeURL: GetEnv("BIDV_OAUTH_AUTHORIZE_URL", authorizeURL),
		InquirePath:  GetEnv("BIDV_API_INQUIRE_PATH", "/inquire-account-transaction/v1"),
		BalancePath:  GetEnv("BIDV_API_BALANCE_PATH", "/inquire-account-v2/v1"),
		ChannelID:    GetEnv("CHANNEL_ID", "ProdChannel"),

		ClientID:      GetEnv("BIDV_CLIENT_ID", ""),
		ClientSecret:  GetEnv("BIDV_CLIENT_SECRET", ""),
		AccountNumber: GetEnv("BIDV_ACCOUNT_NUMBER", ""),
		Currency:      GetEnv("BIDV_CURRENCY", "VND"),

		GrantType:   GetEnv("OAUTH_GRANT_TYPE", "client_assertion"),
		Scope:       GetEnv("OAUTH_SCOPE", "read"),
		RedirectURI: GetEnv("OAUTH_REDIRECT_URI", "http://localhost:5000/callback"),
		RefreshSkew: GetEnvDuration("TOKEN_REFRESH_SKEW", 60*time.Second),

		PrivateKeyPath:   GetEnv("PRIVATE_KEY_PATH", "certs/private_key.pem"),
		ClientCertPath:   GetEnv("CLIENT_CERT_PATH", "certs/client_cert.pem"),
		SymmetricKeyPath: GetEnv("SYMMETRIC_KEY_PATH", "certs/symmetric.key"),
		PartnerKeyPath:   GetEnv("PARTNER_KEY_PATH", ""),

		JWSAlg:                  GetEnv("JWS_ALG", "RS256"),
		JWEAlg:                  GetEnv("JWE_ALG", "A256KW"),
		JWEEnc:                  GetEnv("JWE_ENC", "A128GCM"),
		UseJWE:                  GetEnvBool("USE_JWE", true),
		IncludeClientCertHeader: GetEnvBool("INCLUDE_CLIENT_CERT_HEADER", false),
		TLSVerify:               GetEnvBool("TLS_VERIFY", true),

		UserAgent:  GetEnv("USER_AGENT", "BIDVMonitor/1.0"),
		CustomerIP: GetEnv("CUSTOMER_IP", "127.0.0.1"),

		RequestTimeout: GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:     GetEnvInt("MAX_RETRIES", 3),
		RetryBackoff:   GetEnvDuration("RETRY_BACKOFF", 5*time.Second),
		GatewayRPS:     GetEnvInt("GATEWAY_RPS", 10),
		GatewayBurst:   GetEnvInt("GATEWAY_BURST", 20),

		PollInterval:          GetEnvDuration("POLL_INTERVAL", time.Minute),
		OverlapWindow:         GetEnvDuration("OVERLAP_WINDOW", 5*time.Minute),
		InitialLookback:       GetEnvDuration("INITIAL_LOOKBACK", 30*24*time.Hour),
		RetentionWindow:       GetEnvDuration("RETENTION_WINDOW", 90*24*time.Hour),
		FailureAlertThreshold: GetEnvInt("FAILURE_ALERT_THRESHOLD", 5),
		FailureBackoff:        GetEnvDuration("FAILURE_BACKOFF", 5*time.Minute),
		BalanceInterval:       GetEnvDuration("BALANCE_INTERVAL", 15*time.Minute),

		DBPath:    GetEnv("DB_PATH", "data/transactions.db"),
		RedisAddr: GetEnv("REDIS_ADDR", ""),
		RedisDB:   GetEnvInt("REDIS_DB", 0),
		RedisPass: GetEnv("REDIS_PASS", ""),

		NATSURL:             GetEnv("NATS_URL", ""),
		NotifySubject:       GetEnv("NOTIFY_SUBJECT", "evt.transaction.detected.v1.BIDV"),
		ZaloAPIURL:          GetEnv("ZALO_API_URL", "https://openapi.zalo.me/v3.0/oa/message/cs"),
		ZaloEnabled:         GetEnvBool("ENABLE_ZALO_NOTIFY", false),
		NotifyConfirmCommit: GetEnvBool("NOTIFY_CONFIRM_COMMIT", false),

		AWSRegion:     GetEnv("AWS_REGION", "ap-southeast-1"),
		SecretsPrefix: GetEnv("SECRETS_PREFIX", ""),
		CacheTTL:      GetEnvDuration("CACHE_TTL", 24*time.Hour),
		CleanupFreq:   GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),

		Port:             GetEnvInt("PORT", 5000),
		HTTPReadTimeout:  GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	return cfg
}

// Validate reports configuration errors that would prevent the monitor
// from authenticating or polling at all.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("config: BIDV_CLIENT_ID is required")
	}
	if c.AccountNumber == "" {
		return fmt.Errorf("config: BIDV_ACCOUNT_NUMBER is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("config: PRIVATE_KEY_PATH is required")
	}
	if c.UseJWE && c.SymmetricKeyPath == "" {
		return fmt.Errorf("config: SYMMETRIC_KEY_PATH is required when USE_JWE is enabled")
	}
	switch c.GrantType {
	case "client_assertion", "authorization_code":
	default:
		return fmt.Errorf("config: unsupported OAUTH_GRANT_TYPE %q", c.GrantType)
	}
	if c.OverlapWindow >= c.RetentionWindow {
		return fmt.Errorf("config: OVERLAP_WINDOW must be shorter than RETENTION_WINDOW")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive")
	}
	return nil
}
