package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/auth"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/bidv"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/metrics"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/notify"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/store"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/config"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

// Phase is the poller's position inside one cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetchingToken
	PhaseFetchingTransactions
	PhaseDecrypting
	PhaseFiltering
	PhaseDispatching
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchingToken:
		return "fetching_token"
	case PhaseFetchingTransactions:
		return "fetching_transactions"
	case PhaseDecrypting:
		return "decrypting"
	case PhaseFiltering:
		return "filtering"
	case PhaseDispatching:
		return "dispatching"
	case PhaseCommitting:
		return "committing"
	}
	return "unknown"
}

// maxPages bounds pagination within one cycle; a runaway totalPages from the
// partner cannot wedge the poller.
const maxPages = 50

// TransactionFetcher is the slice of the BIDV client the poller needs.
type TransactionFetcher interface {
	InquireTransactions(ctx context.Context, from, to time.Time, page int) (*bidv.InquireBody, error)
}

// TokenSource is the slice of the token manager the poller needs.
type TokenSource interface {
	Token(ctx context.Context) (auth.TokenState, error)
}

// Poller drives the monitor: on a fixed interval it acquires a valid token,
// fetches the transaction window, filters records through the dedup store,
// dispatches new ones to the notifier in ascending timestamp order, and
// commits the cursor. Cycles never overlap; a cycle that would start while
// one is running is skipped.
type Poller struct {
	logger   *zap.Logger
	cfg      *config.Config
	fetcher  TransactionFetcher
	tokens   TokenSource
	store    store.Store
	notifier notify.Notifier

	phase    atomic.Int32
	cycleMu  sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}

	consecutiveFailures int
	authFailures        int

	now func() time.Time // test seam
}

// NewPoller constructs the polling engine.
func NewPoller(logger *zap.Logger, cfg *config.Config, fetcher TransactionFetcher,
	tokens TokenSource, st store.Store, notifier notify.Notifier) *Poller {
	return &Poller{
		logger:   logger,
		cfg:      cfg,
		fetcher:  fetcher,
		tokens:   tokens,
		store:    st,
		notifier: notifier,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Phase returns the poller's current cycle phase.
func (p *Poller) Phase() Phase { return Phase(p.phase.Load()) }

func (p *Poller) setPhase(ph Phase) { p.phase.Store(int32(ph)) }

// Stop signals the run loop to exit after the in-progress cycle.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Run announces startup through the notifier, then executes cycles at the
// configured interval until the context is canceled or Stop is called. The
// first cycle runs immediately.
func (p *Poller) Run(ctx context.Context) {
	p.announceStartup(ctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller.stopped", zap.String("reason", "context"))
			return
		case <-p.stopCh:
			p.logger.Info("poller.stopped", zap.String("reason", "shutdown"))
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle wraps RunCycle with the non-overlap guard, failure accounting, and
// escalation policy.
func (p *Poller) cycle(ctx context.Context) {
	if !p.cycleMu.TryLock() {
		p.logger.Warn("poller.cycle_skipped", zap.String("reason", "previous cycle still running"))
		metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer p.cycleMu.Unlock()

	newCount, err := p.RunCycle(ctx)
	if err == nil {
		p.consecutiveFailures = 0
		p.authFailures = 0
		metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
		p.logger.Info("poller.cycle_complete", zap.Int("new_transactions", newCount))
		return
	}

	metrics.PollCyclesTotal.WithLabelValues("failed").Inc()
	p.consecutiveFailures++

	var authErr *auth.Error
	if errors.As(err, &authErr) {
		p.authFailures++
	} else {
		p.authFailures = 0
	}

	p.logger.Error("poller.cycle_failed",
		zap.Int("consecutive", p.consecutiveFailures),
		zap.Error(err))

	// Persistent auth failure means revoked or broken credentials, which is
	// a different operator action than "partner unreachable".
	if p.authFailures >= p.cfg.FailureAlertThreshold {
		p.escalate(ctx, "auth_failed",
			fmt.Sprintf("token refresh rejected %d times in a row; credentials may be revoked", p.authFailures),
			p.authFailures)
		p.authFailures = 0
	} else if p.consecutiveFailures >= p.cfg.FailureAlertThreshold {
		p.escalate(ctx, "cycle_failed",
			fmt.Sprintf("%d consecutive poll cycles failed; backing off %s", p.consecutiveFailures, p.cfg.FailureBackoff),
			p.consecutiveFailures)
		select {
		case <-ctx.Done():
		case <-p.stopCh:
		case <-time.After(p.cfg.FailureBackoff):
		}
		p.consecutiveFailures = 0
	}
}

// announceStartup tells the notification channels the monitor is live, so a
// silent channel is distinguishable from a quiet account.
func (p *Poller) announceStartup(ctx context.Context) {
	if p.notifier == nil {
		return
	}
	evt := model.AlertEvent{
		Kind:      "startup",
		Message:   fmt.Sprintf("monitoring account %s every %s", p.cfg.AccountNumber, p.cfg.PollInterval),
		Timestamp: p.now().UTC(),
	}
	if err := p.notifier.Alert(ctx, evt); err != nil {
		p.logger.Warn("poller.startup_alert_failed", zap.Error(err))
	}
}

func (p *Poller) escalate(ctx context.Context, kind, msg string, count int) {
	if p.notifier == nil {
		return
	}
	evt := model.AlertEvent{Kind: kind, Message: msg, Count: count, Timestamp: p.now().UTC()}
	if err := p.notifier.Alert(ctx, evt); err != nil {
		p.logger.Warn("poller.escalation_failed", zap.String("kind", kind), zap.Error(err))
	}
}

// RunCycle executes one full poll cycle and returns the number of newly
// dispatched transactions. Token and transport failures abort the cycle;
// per-record failures are skipped and logged.
func (p *Poller) RunCycle(ctx context.Context) (int, error) {
	defer p.setPhase(PhaseIdle)

	// FetchingToken: fail fast before touching the transaction endpoint so
	// auth failures classify distinctly from fetch failures.
	p.setPhase(PhaseFetchingToken)
	if _, err := p.tokens.Token(ctx); err != nil {
		return 0, err
	}

	cycleNow := p.now().UTC()
	windowStart, err := p.windowStart(ctx, cycleNow)
	if err != nil {
		p.logger.Warn("poller.cursor_read_failed", zap.Error(err))
		windowStart = cycleNow.Add(-p.cfg.InitialLookback)
	}

	p.setPhase(PhaseFetchingTransactions)
	raws, err := p.fetchWindow(ctx, windowStart, cycleNow)
	if err != nil {
		return 0, err
	}

	// Decrypting happened inside the client per page; mapping failures are
	// the per-record remainder of that stage.
	p.setPhase(PhaseDecrypting)
	var txs []model.Transaction
	for _, body := range raws {
		mapped, mapErrs := bidv.MapTransactions(body, p.cfg.AccountNumber, p.cfg.Currency)
		for _, mapErr := range mapErrs {
			p.logger.Warn("poller.record_skipped", zap.Error(mapErr))
		}
		txs = append(txs, mapped...)
	}

	// Deliver in ascending timestamp order within the cycle.
	sort.Slice(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })

	newCount := 0
	for _, tx := range txs {
		p.setPhase(PhaseFiltering)
		isNew, err := p.store.IsNew(ctx, tx)
		if err != nil {
			// Store degraded to "unseen"; duplicate delivery is the
			// accepted cost of never losing an event.
			p.logger.Warn("poller.dedup_degraded", zap.String("key", tx.DedupKey()), zap.Error(err))
		}
		if !isNew {
			metrics.DedupHitsTotal.Inc()
			continue
		}

		p.setPhase(PhaseDispatching)
		notifyErr := error(nil)
		if p.notifier != nil {
			notifyErr = p.notifier.Notify(ctx, tx)
		}
		if notifyErr != nil {
			p.logger.Warn("poller.notify_failed",
				zap.String("key", tx.DedupKey()),
				zap.Error(notifyErr))
			if p.cfg.NotifyConfirmCommit {
				// Confirmed-delivery mode: leave unmarked so the next
				// cycle's overlap redelivers it.
				continue
			}
		}

		// Commit-after-delivery: only a handed-off transaction is marked.
		p.setPhase(PhaseCommitting)
		if err := p.store.RecordTransaction(ctx, tx); err != nil {
			p.logger.Warn("poller.record_failed", zap.String("key", tx.DedupKey()), zap.Error(err))
		}
		if err := p.store.MarkSeen(ctx, tx); err != nil {
			p.logger.Warn("poller.mark_seen_failed", zap.String("key", tx.DedupKey()), zap.Error(err))
		}
		metrics.NewTransactionsTotal.Inc()
		newCount++
	}

	p.setPhase(PhaseCommitting)
	if err := p.store.CommitCursor(ctx, cycleNow); err != nil {
		p.logger.Warn("poller.cursor_commit_failed", zap.Error(err))
	}

	cutoff := cycleNow.Add(-p.cfg.RetentionWindow)
	if pruned, err := p.store.PruneOlderThan(ctx, cutoff, windowStart); err != nil {
		p.logger.Warn("poller.prune_failed", zap.Error(err))
	} else if pruned > 0 {
		p.logger.Debug("poller.pruned", zap.Int64("entries", pruned))
	}

	return newCount, nil
}

// windowStart computes the fetch window's lower bound: the committed cursor
// minus the overlap, or the initial lookback when no cursor exists yet.
func (p *Poller) windowStart(ctx context.Context, now time.Time) (time.Time, error) {
	cursor, err := p.store.Cursor(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if cursor.IsZero() {
		return now.Add(-p.cfg.InitialLookback), nil
	}
	return cursor.Add(-p.cfg.OverlapWindow), nil
}

// fetchWindow pulls every page of the window.
func (p *Poller) fetchWindow(ctx context.Context, from, to time.Time) ([]*bidv.InquireBody, error) {
	var pages []*bidv.InquireBody
	for page := 1; page <= maxPages; page++ {
		body, err := p.fetcher.InquireTransactions(ctx, from, to, page)
		if err != nil {
			return nil, err
		}
		pages = append(pages, body)
		if body.TotalPages <= page {
			break
		}
	}
	return pages, nil
}
