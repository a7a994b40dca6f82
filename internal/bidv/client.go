package bidv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/auth"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/crypto"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/metrics"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/transport"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/config"
)

// timestampLayout is the header timestamp format the gateway expects
// (UTC, millisecond precision).
const timestampLayout = "2006-01-02T15:04:05.000Z"

// compactDateLayout is the request-body date format.
const compactDateLayout = "20060102"

// Client talks to the BIDV OpenAPI: it signs every outbound payload with a
// detached JWS, optionally wraps it in a JWE, sends it over the mutual-TLS
// transport with a bearer token, and decrypts/verifies the response.
type Client struct {
	logger   *zap.Logger
	cfg      *config.Config
	keys     *crypto.KeyStore
	envelope *crypto.Envelope
	tokens   *auth.Manager
	http     *transport.Client
}

// NewClient constructs the API client.
func NewClient(logger *zap.Logger, cfg *config.Config, keys *crypto.KeyStore,
	envelope *crypto.Envelope, tokens *auth.Manager, httpClient *transport.Client) *Client {
	return &Client{
		logger:   logger,
		cfg:      cfg,
		keys:     keys,
		envelope: envelope,
		tokens:   tokens,
		http:     httpClient,
	}
}

// InquireTransactions fetches one page of account transactions for the
// closed date window [from, to].
func (c *Client) InquireTransactions(ctx context.Context, from, to time.Time, page int) (*InquireBody, error) {
	// Window dates are bank-local calendar days. Formatting in UTC would
	// lag ICT by one day between 17:00 and 24:00 UTC and exclude the
	// bank's current day from the request.
	payload := inquireRequest{
		ActNumber: c.cfg.AccountNumber,
		Curr:      c.cfg.Currency,
		FromDate:  from.In(bankZone).Format(compactDateLayout),
		ToDate:    to.In(bankZone).Format(compactDateLayout),
		Page:      fmt.Sprintf("%d", page),
	}

	var resp InquireResponse
	if err := c.call(ctx, c.cfg.InquirePath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// InquireBalance fetches the current account balance snapshot.
func (c *Client) InquireBalance(ctx context.Context) (*BalanceBody, error) {
	payload := balanceRequest{
		ActNumber: c.cfg.AccountNumber,
		Curr:      c.cfg.Currency,
	}

	var resp BalanceResponse
	if err := c.call(ctx, c.cfg.BalancePath, payload, &resp); err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// call signs, optionally encrypts, sends, and decrypts one API exchange.
func (c *Client) call(ctx context.Context, path string, payload, out any) error {
	start := time.Now()

	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bidv: marshal payload: %w", err)
	}

	// The detached signature always covers the plaintext JSON, even when
	// the body on the wire is the JWE.
	signature, err := c.envelope.SignDetached(plain)
	if err != nil {
		metrics.IncAPIRequest(path, "crypto_error")
		return err
	}

	body := plain
	if c.cfg.UseJWE {
		enc, err := c.envelope.Encrypt(plain)
		if err != nil {
			metrics.IncAPIRequest(path, "crypto_error")
			return err
		}
		body = []byte(enc)
	}

	header, err := c.buildHeaders(ctx, signature)
	if err != nil {
		metrics.IncAPIRequest(path, "auth_error")
		return err
	}

	url := c.cfg.BaseURL + path
	c.logger.Debug("bidv.api_call", zap.String("url", url))

	raw, err := c.http.Do(ctx, http.MethodPost, url, header, body)
	metrics.ObserveAPIDuration(path, start)
	if err != nil {
		metrics.IncAPIRequest(path, "transport_error")
		return err
	}

	decoded := raw
	if c.cfg.UseJWE {
		// An encrypted channel never accepts a plaintext response.
		decoded, err = c.envelope.VerifyAndDecryptEncrypted(string(raw))
		if err != nil {
			metrics.IncAPIRequest(path, "crypto_error")
			return err
		}
	}

	if err := json.Unmarshal(decoded, out); err != nil {
		metrics.IncAPIRequest(path, "decode_error")
		return fmt.Errorf("bidv: decode response: %w", err)
	}

	metrics.IncAPIRequest(path, "ok")
	return nil
}

// buildHeaders assembles the canonical BIDV header set for one request.
func (c *Client) buildHeaders(ctx context.Context, signature string) (http.Header, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok.AccessToken)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", c.cfg.UserAgent)
	h.Set("X-API-Interaction-ID", uuid.NewString())
	h.Set("X-Idempotency-Key", uuid.NewString())
	h.Set("X-Customer-IP-Address", c.cfg.CustomerIP)
	h.Set("Timestamp", time.Now().UTC().Format(timestampLayout))
	h.Set("Channel", c.cfg.ChannelID)
	h.Set("X-JWS-Signature", signature)

	if c.cfg.IncludeClientCertHeader {
		certB64, err := c.keys.ClientCertificateB64()
		if err != nil {
			c.logger.Warn("bidv.client_cert_header_unavailable", zap.Error(err))
		} else {
			h.Set("X-Client-Certificate", certB64)
		}
	}

	return h, nil
}
