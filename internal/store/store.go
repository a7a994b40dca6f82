package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

// Store is the persisted record of which transactions have already been
// reported, plus the transaction history and poll cursor. Implementations
// must survive process restarts; a corrupt or missing store loads as
// "nothing seen yet", which may re-deliver recent events but never loses
// them going forward.
type Store interface {
	// IsNew reports whether tx has not been reported yet. On a read
	// failure it degrades to true (treat as unseen) and returns the error
	// so callers can log it.
	IsNew(ctx context.Context, tx model.Transaction) (bool, error)
	// MarkSeen records tx as reported. Idempotent.
	MarkSeen(ctx context.Context, tx model.Transaction) error
	// PruneOlderThan removes seen-set entries older than cutoff, but never
	// an entry whose transaction time falls at or after windowStart (the
	// active poll window), so partner-side backfill cannot re-report.
	PruneOlderThan(ctx context.Context, cutoff, windowStart time.Time) (int64, error)

	// Cursor returns the committed last-fetch time; zero when none exists.
	Cursor(ctx context.Context) (time.Time, error)
	// CommitCursor advances the last-fetch time.
	CommitCursor(ctx context.Context, t time.Time) error

	// RecordTransaction stores tx in the history table. Idempotent.
	RecordTransaction(ctx context.Context, tx model.Transaction) error
	// TransactionCount returns the number of recorded transactions.
	TransactionCount(ctx context.Context) (int64, error)
	// LatestTransactions returns up to limit most recent transactions.
	LatestTransactions(ctx context.Context, limit int) ([]model.Transaction, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// HybridStore is a redis-first, sqlite-backed Store. Redis is the optional
// fast membership tier; sqlite is the durable tier and the only source of
// truth. All writes are serialized by the single poll cycle.
type HybridStore struct {
	redis     *redis.Client
	db        *sql.DB
	logger    *zap.Logger
	retention time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS seen_transactions (
	dedup_key  TEXT PRIMARY KEY,
	tran_time  INTEGER NOT NULL,
	marked_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_seen_tran_time ON seen_transactions(tran_time);

CREATE TABLE IF NOT EXISTS transactions (
	dedup_key     TEXT PRIMARY KEY,
	seq           TEXT,
	account       TEXT NOT NULL,
	amount        TEXT NOT NULL,
	direction     TEXT NOT NULL,
	currency      TEXT NOT NULL DEFAULT 'VND',
	tran_time     INTEGER NOT NULL,
	description   TEXT,
	ref           TEXT,
	balance_after TEXT,
	recorded_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tran_time ON transactions(tran_time);

CREATE TABLE IF NOT EXISTS poll_cursor (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	last_fetch_time INTEGER NOT NULL
);
`

// NewHybrid opens (or creates) the sqlite store at dbPath and, when
// redisAddr is non-empty, attaches the redis fast tier. A corrupt sqlite
// file is moved aside and recreated empty rather than failing startup.
func NewHybrid(redisAddr string, redisDB int, redisPass, dbPath string, retention time.Duration, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openSQLite(dbPath)
	if err != nil {
		logger.Warn("store.sqlite_corrupt_recreating", zap.String("path", dbPath), zap.Error(err))
		moved := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
		if renameErr := os.Rename(dbPath, moved); renameErr != nil && !os.IsNotExist(renameErr) {
			return nil, fmt.Errorf("store: move corrupt db aside: %w", renameErr)
		}
		db, err = openSQLite(dbPath)
		if err != nil {
			return nil, fmt.Errorf("store: recreate db: %w", err)
		}
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			DB:       redisDB,
			Password: redisPass,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Redis is an accelerator only; run without it.
			logger.Warn("store.redis_unavailable", zap.String("addr", redisAddr), zap.Error(err))
			rdb = nil
		}
	}

	return &HybridStore{redis: rdb, db: db, logger: logger, retention: retention}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func seenKey(key string) string { return "bidv:seen:" + key }

func (s *HybridStore) IsNew(ctx context.Context, tx model.Transaction) (bool, error) {
	key := tx.DedupKey()

	if s.redis != nil {
		n, err := s.redis.Exists(ctx, seenKey(key)).Result()
		if err == nil && n > 0 {
			return false, nil
		}
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_transactions WHERE dedup_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		// Degrade to unseen: duplicate delivery beats silent loss.
		s.logger.Error("store.is_new_failed", zap.String("key", key), zap.Error(err))
		return true, err
	}

	if s.redis != nil {
		_ = s.redis.Set(ctx, seenKey(key), 1, s.retention).Err()
	}
	return false, nil
}

func (s *HybridStore) MarkSeen(ctx context.Context, tx model.Transaction) error {
	key := tx.DedupKey()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_transactions (dedup_key, tran_time) VALUES (?, ?)`,
		key, tx.Timestamp.Unix())
	if err != nil {
		s.logger.Error("store.mark_seen_failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, seenKey(key), 1, s.retention).Err(); err != nil {
			s.logger.Debug("store.redis_set_failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func (s *HybridStore) PruneOlderThan(ctx context.Context, cutoff, windowStart time.Time) (int64, error) {
	effective := cutoff
	if windowStart.Before(effective) {
		effective = windowStart
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_transactions WHERE tran_time < ?`, effective.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *HybridStore) Cursor(ctx context.Context) (time.Time, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fetch_time FROM poll_cursor WHERE id = 1`).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *HybridStore) CommitCursor(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_cursor (id, last_fetch_time) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET last_fetch_time = excluded.last_fetch_time`,
		t.Unix())
	return err
}

func (s *HybridStore) RecordTransaction(ctx context.Context, tx model.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions
			(dedup_key, seq, account, amount, direction, currency, tran_time, description, ref, balance_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.DedupKey(), tx.ID, tx.AccountNumber, tx.Amount.String(), string(tx.Direction),
		tx.Currency, tx.Timestamp.Unix(), tx.Description, tx.Reference, tx.BalanceAfter.String())
	if err != nil {
		s.logger.Error("store.record_failed", zap.String("key", tx.DedupKey()), zap.Error(err))
	}
	return err
}

func (s *HybridStore) TransactionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

func (s *HybridStore) LatestTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, account, amount, direction, currency, tran_time, description, ref, balance_after
		FROM transactions
		ORDER BY tran_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			tx                    model.Transaction
			amount, balance, dirn string
			unix                  int64
		)
		if err := rows.Scan(&tx.ID, &tx.AccountNumber, &amount, &dirn, &tx.Currency,
			&unix, &tx.Description, &tx.Reference, &balance); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		tx.BalanceAfter, _ = decimal.NewFromString(balance)
		tx.Direction = model.Direction(dirn)
		tx.Timestamp = time.Unix(unix, 0).UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.db.Close()
}
