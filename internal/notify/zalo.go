package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/metrics"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

// ZaloNotifier sends transaction alerts through a Zalo Official Account.
// The Zalo API is a plain HTTPS endpoint authenticated by an OA access
// token; it does not share the bank's mutual-TLS transport.
type ZaloNotifier struct {
	logger      *zap.Logger
	apiURL      string
	accessToken string
	userID      string
	client      *http.Client
	retryMax    int
	retryDelay  time.Duration
}

// NewZalo constructs a Zalo notifier. accessToken and userID usually come
// from the secrets provider, not static configuration.
func NewZalo(logger *zap.Logger, apiURL, accessToken, userID string, timeout time.Duration) *ZaloNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ZaloNotifier{
		logger:      logger,
		apiURL:      apiURL,
		accessToken: accessToken,
		userID:      userID,
		client:      &http.Client{Timeout: timeout},
		retryMax:    3,
		retryDelay:  5 * time.Second,
	}
}

type zaloMessage struct {
	Recipient struct {
		UserID string `json:"user_id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type zaloResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// Notify formats and sends a transaction message.
func (z *ZaloNotifier) Notify(ctx context.Context, tx model.Transaction) error {
	kind := "Nạp"
	if tx.Direction == model.DirectionDebit {
		kind = "Rút"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔔 Giao dịch mới\n")
	fmt.Fprintf(&b, "%s: %s %s\n", kind, formatAmount(tx.Amount.String()), tx.Currency)
	fmt.Fprintf(&b, "Thời gian: %s\n", tx.Timestamp.In(time.FixedZone("ICT", 7*3600)).Format("02/01/2006 15:04:05"))
	if tx.Description != "" {
		fmt.Fprintf(&b, "Nội dung: %s\n", tx.Description)
	}
	if tx.Reference != "" {
		fmt.Fprintf(&b, "Mã GD: %s", tx.Reference)
	}

	err := z.sendText(ctx, b.String())
	if err != nil {
		metrics.NotifyTotal.WithLabelValues("zalo", "error").Inc()
		return err
	}
	metrics.NotifyTotal.WithLabelValues("zalo", "ok").Inc()
	return nil
}

// Alert sends an operational alert message.
func (z *ZaloNotifier) Alert(ctx context.Context, evt model.AlertEvent) error {
	text := fmt.Sprintf("⚠️ %s\n%s", evt.Kind, evt.Message)
	if evt.Count > 0 {
		text = fmt.Sprintf("%s\n(lần thứ %d)", text, evt.Count)
	}
	return z.sendText(ctx, text)
}

func (z *ZaloNotifier) sendText(ctx context.Context, text string) error {
	var msg zaloMessage
	msg.Recipient.UserID = z.userID
	msg.Message.Text = text

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < z.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(z.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, z.apiURL, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("access_token", z.accessToken)

		resp, err := z.client.Do(req)
		if err != nil {
			lastErr = err
			z.logger.Warn("zalo.request_failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		var zr zaloResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&zr)
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("zalo returned %d", resp.StatusCode)
			continue
		}
		if decodeErr != nil {
			return fmt.Errorf("zalo: decode response: %w", decodeErr)
		}
		if zr.Error != 0 {
			return fmt.Errorf("zalo error %d: %s", zr.Error, zr.Message)
		}

		z.logger.Debug("zalo.message_sent")
		return nil
	}

	return fmt.Errorf("zalo: send failed after %d attempts: %w", z.retryMax, lastErr)
}

// formatAmount inserts thousands separators the way Vietnamese bank alerts
// print amounts (1.234.567).
func formatAmount(s string) string {
	intPart := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart = s[:i]
	}
	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	out := b.String()
	if neg {
		out = "-" + out
	}
	return out
}
