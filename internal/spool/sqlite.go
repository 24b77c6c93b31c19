package spool

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows a single writer; serialize writes to avoid SQLITE_BUSY.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite spool schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for schema inspection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Append(ctx context.Context, msgs []message.Message) error {
	encoded, err := encodeAll(msgs)
	if err != nil {
		return err
	}
	if len(encoded) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite spool transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO spool_messages (kind, entity_id, payload) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sqlite spool insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range encoded {
			if _, err := stmt.ExecContext(ctx, row.kind, row.entityID, row.payload); err != nil {
				return fmt.Errorf("spool %s %q: %w", row.kind, row.entityID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite spool transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Peek(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload, attempts, CAST(created_at AS TEXT)
FROM spool_messages
ORDER BY id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sqlite spool: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id        int64
			payload   []byte
			attempts  int
			createdAt string
		)
		if err := rows.Scan(&id, &payload, &attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sqlite spool row: %w", err)
		}
		entries = append(entries, decodeEntry(id, payload, attempts, parseSQLiteTime(createdAt)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite spool rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Ack(ctx context.Context, ids []int64) error {
	return s.execForIDs(ctx, `DELETE FROM spool_messages WHERE id IN (%s)`, ids)
}

func (s *SQLiteStore) MarkAttempt(ctx context.Context, ids []int64) error {
	return s.execForIDs(ctx, `UPDATE spool_messages SET attempts = attempts + 1 WHERE id IN (%s)`, ids)
}

func (s *SQLiteStore) execForIDs(ctx context.Context, format string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(format, placeholders), args...); err != nil {
			return fmt.Errorf("update sqlite spool rows: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Driver: "sqlite"}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM spool_messages GROUP BY kind`)
	if err != nil {
		return Stats{}, fmt.Errorf("query sqlite spool stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, fmt.Errorf("scan sqlite spool stats: %w", err)
		}
		if stats.ByKind == nil {
			stats.ByKind = make(map[string]int64)
		}
		stats.ByKind[kind] = count
		stats.Depth += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate sqlite spool stats: %w", err)
	}

	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT CAST(MIN(created_at) AS TEXT) FROM spool_messages`).Scan(&oldest); err != nil {
		return Stats{}, fmt.Errorf("query sqlite spool age: %w", err)
	}
	if oldest.Valid && oldest.String != "" {
		at := parseSQLiteTime(oldest.String)
		stats.OldestAt = &at
	}
	return stats, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var purged int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM spool_messages`)
		if err != nil {
			return fmt.Errorf("purge sqlite spool: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

func parseSQLiteTime(value string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention, which is common when
// several processes share one spool file.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
