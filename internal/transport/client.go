package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/crypto"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/rate"
)

// Options configures the retry and TLS policy of a Client.
type Options struct {
	Timeout   time.Duration // per-request, not per-cycle
	RetryMax  int           // additional attempts after the first
	Backoff   time.Duration // base for exponential backoff
	TLSVerify bool          // sandbox may disable chain/hostname validation
	Limiter   *rate.Limiter // optional outbound request budget
}

// Client is the mutual-TLS HTTP transport shared by the token manager and
// the BIDV API client. Each call is retried on transient failures with
// exponential backoff; auth and permanent failures are surfaced immediately
// as classified *Error values.
type Client struct {
	logger  *zap.Logger
	http    *http.Client
	timeout time.Duration
	retry   int
	backoff time.Duration
	limiter *rate.Limiter
}

// NewClient builds the transport over the KeyStore's client certificate.
// The TLS handshake (chain + hostname) is validated before any payload is
// sent unless verify is disabled for sandbox use.
func NewClient(logger *zap.Logger, keys *crypto.KeyStore, opts Options) *Client {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cert := keys.ClientCertificate(); cert != nil {
		tlsCfg.Certificates = []tls.Certificate{*cert}
	}
	if !opts.TLSVerify {
		tlsCfg.InsecureSkipVerify = true
		logger.Warn("transport.tls_verify_disabled")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}

	return &Client{
		logger: logger,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   tlsCfg,
				ForceAttemptHTTP2: true,
			},
		},
		timeout: opts.Timeout,
		retry:   opts.RetryMax,
		backoff: opts.Backoff,
		limiter: opts.Limiter,
	}
}

// Do executes one HTTP call with the retry policy and returns the raw
// response body. Callers that expect an encrypted body pass it on to the
// crypto envelope before decoding.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, payload []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &Error{Kind: KindTransient, Op: method + " " + url, Err: ctx.Err()}
			case <-time.After(c.backoffFor(attempt - 1)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransient, Op: method + " " + url, Err: err}
		}

		body, err := c.doOnce(ctx, method, url, header, payload)
		if err == nil {
			return body, nil
		}

		var te *Error
		if errors.As(err, &te) && te.Kind == KindTransient {
			lastErr = err
			c.logger.Warn("transport.retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		return nil, err
	}

	return nil, lastErr
}

// DoJSON executes a call and decodes the JSON response into out.
func (c *Client) DoJSON(ctx context.Context, method, url string, header http.Header, payload []byte, out any) error {
	body, err := c.Do(ctx, method, url, header, payload)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: KindPermanent, Op: method + " " + url, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, url string, header http.Header, payload []byte) ([]byte, error) {
	op := method + " " + url

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Op: op, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyDialError(err), Op: op, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	elapsed := time.Since(start)

	switch {
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, Op: op,
			Err: fmt.Errorf("server error: %s", truncate(body))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, Op: op,
			Err: fmt.Errorf("rate limited")}
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuth, Status: resp.StatusCode, Op: op,
			Err: fmt.Errorf("unauthorized: %s", truncate(body))}
	case resp.StatusCode >= 400:
		// An OAuth error body can arrive with 400; invalid_grant is an auth
		// problem, everything else is a malformed request.
		if bytes.Contains(body, []byte("invalid_grant")) || bytes.Contains(body, []byte("invalid_token")) {
			return nil, &Error{Kind: KindAuth, Status: resp.StatusCode, Op: op,
				Err: fmt.Errorf("grant rejected: %s", truncate(body))}
		}
		return nil, &Error{Kind: KindPermanent, Status: resp.StatusCode, Op: op,
			Err: fmt.Errorf("client error: %s", truncate(body))}
	}

	c.logger.Debug("transport.http_success",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	return body, nil
}

func (c *Client) backoffFor(attempt int) time.Duration {
	d := c.backoff << attempt
	if max := 30 * time.Second; d > max {
		d = max
	}
	return d
}

// classifyDialError separates transient network conditions from certificate
// misconfiguration, which no amount of retrying will fix.
func classifyDialError(err error) Kind {
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	if errors.As(err, &unknownAuthority) || errors.As(err, &certInvalid) || errors.As(err, &hostname) {
		return KindPermanent
	}
	var recordHeader tls.RecordHeaderError
	if errors.As(err, &recordHeader) {
		return KindPermanent
	}
	return KindTransient
}

func truncate(body []byte) string {
	const n = 256
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
