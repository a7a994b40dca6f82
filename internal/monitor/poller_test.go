package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/internal/auth"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/bidv"
	"github.com/tooroo-1911/bidv-transaction-monitor/internal/store"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/config"
	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

type fetchCall struct {
	from, to time.Time
	page     int
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	body  *bidv.InquireBody
	pages map[int]*bidv.InquireBody
	err   error
}

func (f *fakeFetcher) InquireTransactions(_ context.Context, from, to time.Time, page int) (*bidv.InquireBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{from: from, to: to, page: page})
	if f.err != nil {
		return nil, f.err
	}
	if f.pages != nil {
		return f.pages[page], nil
	}
	return f.body, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTokens struct {
	err error
}

func (f *fakeTokens) Token(context.Context) (auth.TokenState, error) {
	if f.err != nil {
		return auth.TokenState{}, f.err
	}
	return auth.TokenState{AccessToken: "tok"}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	notified []model.Transaction
	alerts   []model.AlertEvent
	fail     bool
}

func (r *recordingNotifier) Notify(_ context.Context, tx model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("channel down")
	}
	r.notified = append(r.notified, tx)
	return nil
}

func (r *recordingNotifier) Alert(_ context.Context, evt model.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, evt)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notified)
}

func testConfig() *config.Config {
	return &config.Config{
		AccountNumber:         "1234567890",
		Currency:              "VND",
		PollInterval:          10 * time.Millisecond,
		OverlapWindow:         5 * time.Minute,
		InitialLookback:       30 * 24 * time.Hour,
		RetentionWindow:       90 * 24 * time.Hour,
		FailureAlertThreshold: 3,
		FailureBackoff:        time.Millisecond,
	}
}

func newTestPoller(t *testing.T, fetcher *fakeFetcher, notifier *recordingNotifier, cfg *config.Config) (*Poller, store.Store) {
	t.Helper()
	st, err := store.NewHybrid("", 0, "", filepath.Join(t.TempDir(), "test.db"), cfg.RetentionWindow, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewPoller(zap.NewNop(), cfg, fetcher, &fakeTokens{}, st, notifier), st
}

func twoRecordBody() *bidv.InquireBody {
	return &bidv.InquireBody{
		Result:     "success",
		TotalPages: 1,
		Trans: []bidv.RawTransaction{
			// Deliberately out of order; dispatch must sort ascending.
			{Seq: "2", TranDate: "01/01/2020 07:00:00", CreditAmount: json.Number("200")},
			{Seq: "1", TranDate: "01/01/2020 06:08:00", DebitAmount: json.Number("10000")},
		},
	}
}

func TestRunCycleDispatchesNewTransactionsInOrder(t *testing.T) {
	fetcher := &fakeFetcher{body: twoRecordBody()}
	notifier := &recordingNotifier{}
	p, st := newTestPoller(t, fetcher, notifier, testConfig())

	n, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, notifier.notified, 2)
	assert.Equal(t, "1", notifier.notified[0].ID)
	assert.Equal(t, "2", notifier.notified[1].ID)
	assert.True(t, notifier.notified[0].Timestamp.Before(notifier.notified[1].Timestamp))

	count, err := st.TransactionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRunCycleSecondFetchIsSilent(t *testing.T) {
	fetcher := &fakeFetcher{body: twoRecordBody()}
	notifier := &recordingNotifier{}
	p, _ := newTestPoller(t, fetcher, notifier, testConfig())

	_, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	// The overlap re-fetches the same records; dedup keeps them silent.
	n, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, notifier.count())
}

func TestRunCycleWindowFromCursor(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{body: &bidv.InquireBody{TotalPages: 1}}
	p, st := newTestPoller(t, fetcher, &recordingNotifier{}, cfg)

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	// No cursor yet: the window starts at the initial lookback.
	_, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, now.Add(-cfg.InitialLookback), fetcher.calls[0].from)
	assert.Equal(t, now, fetcher.calls[0].to)

	cursor, err := st.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, cursor)

	// Cursor committed: the next window starts at cursor minus the overlap.
	later := now.Add(time.Minute)
	p.now = func() time.Time { return later }
	_, err = p.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, fetcher.calls, 2)
	assert.Equal(t, now.Add(-cfg.OverlapWindow), fetcher.calls[1].from)
}

func TestRunCyclePaginates(t *testing.T) {
	pageOf := func(seq, tranDate string, total int) *bidv.InquireBody {
		return &bidv.InquireBody{
			TotalPages: total,
			Trans:      []bidv.RawTransaction{{Seq: seq, TranDate: tranDate, CreditAmount: json.Number("100")}},
		}
	}
	fetcher := &fakeFetcher{pages: map[int]*bidv.InquireBody{
		1: pageOf("1", "01/01/2020 06:00:00", 3),
		2: pageOf("2", "01/01/2020 07:00:00", 3),
		3: pageOf("3", "01/01/2020 08:00:00", 3),
	}}
	notifier := &recordingNotifier{}
	p, _ := newTestPoller(t, fetcher, notifier, testConfig())

	n, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, fetcher.calls, 3)
	assert.Equal(t, 1, fetcher.calls[0].page)
	assert.Equal(t, 3, fetcher.calls[2].page)
}

func TestRunCycleTokenFailureAbortsBeforeFetch(t *testing.T) {
	fetcher := &fakeFetcher{body: twoRecordBody()}
	cfg := testConfig()
	st, err := store.NewHybrid("", 0, "", filepath.Join(t.TempDir(), "test.db"), cfg.RetentionWindow, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := NewPoller(zap.NewNop(), cfg, fetcher, &fakeTokens{err: &auth.Error{Code: "invalid_client"}}, st, &recordingNotifier{})

	_, err = p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Zero(t, fetcher.callCount(), "transaction endpoint must not be touched without a token")
}

func TestRunCycleFireAndForgetCommitsDespiteNotifyFailure(t *testing.T) {
	fetcher := &fakeFetcher{body: twoRecordBody()}
	notifier := &recordingNotifier{fail: true}
	p, _ := newTestPoller(t, fetcher, notifier, testConfig())

	n, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Delivery recovers, but the records were already committed.
	notifier.fail = false
	n, err = p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, notifier.count())
}

func TestRunCycleConfirmCommitRedeliversAfterNotifyFailure(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyConfirmCommit = true
	fetcher := &fakeFetcher{body: twoRecordBody()}
	notifier := &recordingNotifier{fail: true}
	p, _ := newTestPoller(t, fetcher, notifier, cfg)

	n, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "unconfirmed deliveries stay uncommitted")

	notifier.fail = false
	n, err = p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, notifier.count())
}

func TestCrashBetweenMarkAndCursorIsSafe(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{body: twoRecordBody()}
	notifier := &recordingNotifier{}
	p, st := newTestPoller(t, fetcher, notifier, cfg)

	_, err := p.RunCycle(context.Background())
	require.NoError(t, err)

	// Simulate a crash after MarkSeen but before the cursor advanced: reset
	// the cursor and re-run. Marked records must stay silent.
	require.NoError(t, st.CommitCursor(context.Background(), time.Time{}))
	n, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, notifier.count())
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	cfg := testConfig()
	fetcher := &fakeFetcher{err: errors.New("gateway unreachable")}
	notifier := &recordingNotifier{}
	p, _ := newTestPoller(t, fetcher, notifier, cfg)

	for i := 0; i < cfg.FailureAlertThreshold; i++ {
		p.cycle(context.Background())
	}

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "cycle_failed", notifier.alerts[0].Kind)
	assert.Equal(t, cfg.FailureAlertThreshold, notifier.alerts[0].Count)
	assert.Zero(t, p.consecutiveFailures, "counter resets after escalation")
}

func TestRunAnnouncesStartup(t *testing.T) {
	fetcher := &fakeFetcher{body: &bidv.InquireBody{TotalPages: 1}}
	notifier := &recordingNotifier{}
	p, _ := newTestPoller(t, fetcher, notifier, testConfig())

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.alerts) > 0
	}, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	assert.Equal(t, "startup", notifier.alerts[0].Kind)
	assert.Contains(t, notifier.alerts[0].Message, "1234567890")
}

func TestRunStopsOnStop(t *testing.T) {
	fetcher := &fakeFetcher{body: &bidv.InquireBody{TotalPages: 1}}
	p, _ := newTestPoller(t, fetcher, &recordingNotifier{}, testConfig())

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return fetcher.callCount() >= 2 },
		2*time.Second, 5*time.Millisecond)

	p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, PhaseIdle, p.Phase())
}
