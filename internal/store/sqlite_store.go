package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iambrandonn/agentq/internal/protocol"
)

// popPollInterval bounds how long a blocked pop can miss a push made by
// another process sharing the database file.
const popPollInterval = 100 * time.Millisecond

// SQLiteStore implements Store on a SQLite database
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	waiters map[string]chan struct{} // in-process push notifications
	closed  bool

	gcInterval time.Duration
	stopGC     chan struct{}
	gcDone     chan struct{}
}

// NewSQLiteStore opens (or creates) the database at dbPath and starts the
// expired-key sweep
func NewSQLiteStore(dbPath string, gcInterval time.Duration) (*SQLiteStore, error) {
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}

	p := strings.TrimSpace(dbPath)
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:         db,
		waiters:    make(map[string]chan struct{}),
		gcInterval: gcInterval,
		stopGC:     make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	go s.gcLoop()

	return s, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);

	CREATE TABLE IF NOT EXISTS list_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_list_items_key ON list_items(key, id);

	CREATE TABLE IF NOT EXISTS list_expiry (
		key TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Push(ctx context.Context, key string, item []byte) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO list_items (key, value) VALUES (?, ?)`, key, item); err != nil {
		return protocol.StoreUnavailableError("push", err)
	}
	s.notify(key)
	return nil
}

func (s *SQLiteStore) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(popPollInterval)
	defer poll.Stop()

	for {
		item, err := s.popOnce(ctx, key)
		if err != nil || item != nil {
			return item, err
		}

		wake, err := s.waiter(key)
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-poll.C:
		}
	}
}

func (s *SQLiteStore) popOnce(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM list_items
		WHERE id = (SELECT id FROM list_items WHERE key = ? ORDER BY id LIMIT 1)
		RETURNING value`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, protocol.StoreUnavailableError("blockingPop", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, protocol.StoreUnavailableError("get", err)
	}
	if expiresAt > 0 && time.Now().UnixMilli() >= expiresAt {
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := int64(0)
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return protocol.StoreUnavailableError("set", err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSet(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := int64(0)
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv SET value = ?, expires_at = ?
		WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		value, expiresAt, key, old, now.UnixMilli())
	if err != nil {
		return false, protocol.StoreUnavailableError("compareAndSet", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, protocol.StoreUnavailableError("compareAndSet", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.StoreUnavailableError("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return protocol.StoreUnavailableError("delete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_items WHERE key = ?`, key); err != nil {
		return protocol.StoreUnavailableError("delete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_expiry WHERE key = ?`, key); err != nil {
		return protocol.StoreUnavailableError("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return protocol.StoreUnavailableError("delete", err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv WHERE key GLOB ? AND (expires_at = 0 OR expires_at > ?)
		UNION
		SELECT DISTINCT key FROM list_items WHERE key GLOB ?
			AND key NOT IN (SELECT key FROM list_expiry WHERE expires_at <= ?)
		ORDER BY key`, pattern, time.Now().UnixMilli(), pattern, time.Now().UnixMilli())
	if err != nil {
		return nil, protocol.StoreUnavailableError("keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, protocol.StoreUnavailableError("keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, protocol.StoreUnavailableError("keys", err)
	}
	return keys, nil
}

func (s *SQLiteStore) ListPush(ctx context.Context, key string, value []byte, maxLen int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.StoreUnavailableError("listPush", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := dropExpiredList(ctx, tx, key); err != nil {
		return protocol.StoreUnavailableError("listPush", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO list_items (key, value) VALUES (?, ?)`, key, value); err != nil {
		return protocol.StoreUnavailableError("listPush", err)
	}
	if maxLen > 0 {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM list_items
			WHERE key = ? AND id NOT IN (
				SELECT id FROM list_items WHERE key = ? ORDER BY id DESC LIMIT ?
			)`, key, key, maxLen)
		if err != nil {
			return protocol.StoreUnavailableError("listPush", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return protocol.StoreUnavailableError("listPush", err)
	}
	s.notify(key)
	return nil
}

func (s *SQLiteStore) ListRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, protocol.StoreUnavailableError("listRange", err)
	}
	defer func() { _ = tx.Rollback() }()

	if expired, err := listExpired(ctx, tx, key); err != nil {
		return nil, protocol.StoreUnavailableError("listRange", err)
	} else if expired {
		return [][]byte{}, nil
	}

	var length int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM list_items WHERE key = ?`, key).Scan(&length); err != nil {
		return nil, protocol.StoreUnavailableError("listRange", err)
	}
	from, to, ok := normalizeRange(length, start, stop)
	if !ok {
		return [][]byte{}, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT value FROM list_items WHERE key = ?
		ORDER BY id LIMIT ? OFFSET ?`, key, to-from+1, from)
	if err != nil {
		return nil, protocol.StoreUnavailableError("listRange", err)
	}
	defer rows.Close()

	out := make([][]byte, 0, to-from+1)
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, protocol.StoreUnavailableError("listRange", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, protocol.StoreUnavailableError("listRange", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListLen(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM list_items WHERE key = ?
			AND NOT EXISTS (SELECT 1 FROM list_expiry WHERE key = ? AND expires_at <= ?)`,
		key, key, time.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, protocol.StoreUnavailableError("listLen", err)
	}
	return n, nil
}

func (s *SQLiteStore) ExpireList(ctx context.Context, key string, ttl time.Duration) error {
	var err error
	if ttl <= 0 {
		_, err = s.db.ExecContext(ctx, `DELETE FROM list_expiry WHERE key = ?`, key)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO list_expiry (key, expires_at) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
			key, time.Now().Add(ttl).UnixMilli())
	}
	if err != nil {
		return protocol.StoreUnavailableError("expireList", err)
	}
	return nil
}

func listExpired(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var expiresAt int64
	err := tx.QueryRowContext(ctx, `SELECT expires_at FROM list_expiry WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixMilli() >= expiresAt, nil
}

// dropExpiredList clears a list whose deadline passed so a new push starts empty
func dropExpiredList(ctx context.Context, tx *sql.Tx, key string) error {
	expired, err := listExpired(ctx, tx, key)
	if err != nil || !expired {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_items WHERE key = ?`, key); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM list_expiry WHERE key = ?`, key)
	return err
}

// Close stops the GC loop, wakes blocked poppers and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for k, ch := range s.waiters {
		close(ch)
		delete(s.waiters, k)
	}
	s.mu.Unlock()

	close(s.stopGC)
	<-s.gcDone

	return s.db.Close()
}

func (s *SQLiteStore) waiter(key string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.StoreUnavailableError("blockingPop", errClosed)
	}
	ch, ok := s.waiters[key]
	if !ok {
		ch = make(chan struct{})
		s.waiters[key] = ch
	}
	return ch, nil
}

func (s *SQLiteStore) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[key]; ok {
		close(ch)
		delete(s.waiters, key)
	}
}

func (s *SQLiteStore) gcLoop() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *SQLiteStore) collect() {
	now := time.Now().UnixMilli()
	_, _ = s.db.Exec(`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, now)
	_, _ = s.db.Exec(`DELETE FROM list_items WHERE key IN (SELECT key FROM list_expiry WHERE expires_at <= ?)`, now)
	_, _ = s.db.Exec(`DELETE FROM list_expiry WHERE expires_at <= ?`, now)
}
