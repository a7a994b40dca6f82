package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/auth"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/bidv"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/monitor"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/store"
)

// TokenExchanger is the slice of the token manager the callback listener
// and status endpoint need.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (auth.TokenState, error)
	State() auth.State
}

// BalanceInquirer fetches the current account balance.
type BalanceInquirer interface {
	InquireBalance(ctx context.Context) (*bidv.BalanceBody, error)
}

// PhaseReporter exposes the poller's current cycle phase.
type PhaseReporter interface {
	Phase() monitor.Phase
}

// MonitorHandler serves the monitor's HTTP surface: the OAuth callback,
// transaction history, statistics, and balance.
type MonitorHandler struct {
	logger  *zap.Logger
	store   store.Store
	tokens  TokenExchanger
	balance BalanceInquirer
	poller  PhaseReporter
}

// NewMonitorHandler creates the handler. balance and poller are optional.
func NewMonitorHandler(logger *zap.Logger, st store.Store, tokens TokenExchanger,
	balance BalanceInquirer, poller PhaseReporter) *MonitorHandler {
	return &MonitorHandler{
		logger:  logger,
		store:   st,
		tokens:  tokens,
		balance: balance,
		poller:  poller,
	}
}

// HandleCallback completes the authorization-code flow: the bank redirects
// the operator's browser here with a one-time code, which is exchanged for
// the initial token.
func (h *MonitorHandler) HandleCallback(c *fiber.Ctx) error {
	if errCode := c.Query("error"); errCode != "" {
		h.logger.Warn("api.callback_denied",
			zap.String("error", errCode),
			zap.String("description", c.Query("error_description")))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":             errCode,
			"error_description": c.Query("error_description"),
		})
	}

	code := c.Query("code")
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing code parameter"})
	}

	tok, err := h.tokens.ExchangeCode(c.Context(), code)
	if err != nil {
		h.logger.Error("api.code_exchange_failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	h.logger.Info("api.authorization_complete", zap.Time("expires_at", tok.ExpiresAt))
	return c.JSON(fiber.Map{
		"status":     "authorized",
		"expires_at": tok.ExpiresAt.UTC(),
		"scope":      tok.Scope,
	})
}

// ListTransactions returns the most recently recorded transactions.
func (h *MonitorHandler) ListTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	txs, err := h.store.LatestTransactions(c.Context(), limit)
	if err != nil {
		h.logger.Error("api.list_transactions_failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"count":        len(txs),
		"transactions": txs,
	})
}

// Statistics reports monitor state: stored totals, the committed cursor, the
// token lifecycle state, and the poller's phase.
func (h *MonitorHandler) Statistics(c *fiber.Ctx) error {
	count, err := h.store.TransactionCount(c.Context())
	if err != nil {
		h.logger.Error("api.statistics_failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	cursor, err := h.store.Cursor(c.Context())
	if err != nil {
		h.logger.Warn("api.cursor_read_failed", zap.Error(err))
	}

	stats := fiber.Map{
		"transactions_recorded": count,
		"token_state":           h.tokens.State().String(),
		"generated_at":          time.Now().UTC(),
	}
	if !cursor.IsZero() {
		stats["last_poll"] = cursor.UTC()
	}
	if h.poller != nil {
		stats["poll_phase"] = h.poller.Phase().String()
	}

	return c.JSON(stats)
}

// Balance proxies a live balance inquiry.
func (h *MonitorHandler) Balance(c *fiber.Ctx) error {
	if h.balance == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "balance inquiry not configured"})
	}

	bal, err := h.balance.InquireBalance(c.Context())
	if err != nil {
		h.logger.Error("api.balance_failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"account":       bal.ActNumber,
		"currency":      bal.Curr,
		"available_bal": bal.AvailableBal,
		"current_bal":   bal.CurrentBal,
	})
}
