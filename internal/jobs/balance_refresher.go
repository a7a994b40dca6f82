package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/bidv"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/metrics"
)

// BalanceFetcher is the slice of the BIDV client this job needs.
type BalanceFetcher interface {
	InquireBalance(ctx context.Context) (*bidv.BalanceBody, error)
}

// BalanceRefresher periodically snapshots the account balance and exposes it
// as a gauge. Failures are logged and retried on the next tick; the job never
// escalates, the transaction poller owns failure alerting.
type BalanceRefresher struct {
	logger   *zap.Logger
	fetcher  BalanceFetcher
	interval time.Duration
	stopCh   chan struct{}
}

// NewBalanceRefresher constructs the background job.
func NewBalanceRefresher(logger *zap.Logger, fetcher BalanceFetcher, interval time.Duration) *BalanceRefresher {
	return &BalanceRefresher{
		logger:   logger,
		fetcher:  fetcher,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the refresh loop until the context is canceled or Stop is called.
func (r *BalanceRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("balance_refresher.started", zap.Duration("interval", r.interval))
	r.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("balance_refresher.stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the refresher after the in-progress snapshot.
func (r *BalanceRefresher) Stop() {
	close(r.stopCh)
}

func (r *BalanceRefresher) runOnce(ctx context.Context) {
	bal, err := r.fetcher.InquireBalance(ctx)
	if err != nil {
		r.logger.Warn("balance_refresher.inquiry_failed", zap.Error(err))
		return
	}

	if v, err := bal.AvailableBal.Float64(); err == nil {
		metrics.AccountBalance.WithLabelValues("available").Set(v)
	}
	if v, err := bal.CurrentBal.Float64(); err == nil {
		metrics.AccountBalance.WithLabelValues("current").Set(v)
	}

	r.logger.Info("balance_refresher.snapshot",
		zap.String("account", bal.ActNumber),
		zap.String("available", bal.AvailableBal.String()),
		zap.String("current", bal.CurrentBal.String()))
}
