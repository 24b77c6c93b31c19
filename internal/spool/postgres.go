package spool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore lets several processes append to one shared spool.
type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres spool schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(4)
	s.db.SetMaxIdleConns(2)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for schema inspection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, msgs []message.Message) error {
	encoded, err := encodeAll(msgs)
	if err != nil {
		return err
	}
	if len(encoded) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres spool transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO spool_messages (kind, entity_id, payload) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("prepare postgres spool insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range encoded {
		if _, err := stmt.ExecContext(ctx, row.kind, row.entityID, row.payload); err != nil {
			return fmt.Errorf("spool %s %q: %w", row.kind, row.entityID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres spool transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Peek(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload, attempts, created_at
FROM spool_messages
ORDER BY id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query postgres spool: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id        int64
			payload   []byte
			attempts  int
			createdAt time.Time
		)
		if err := rows.Scan(&id, &payload, &attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan postgres spool row: %w", err)
		}
		entries = append(entries, decodeEntry(id, payload, attempts, createdAt.UTC()))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postgres spool rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spool_messages WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("ack postgres spool rows: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkAttempt(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE spool_messages SET attempts = attempts + 1 WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark postgres spool attempts: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Driver: "postgres"}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM spool_messages GROUP BY kind`)
	if err != nil {
		return Stats{}, fmt.Errorf("query postgres spool stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return Stats{}, fmt.Errorf("scan postgres spool stats: %w", err)
		}
		if stats.ByKind == nil {
			stats.ByKind = make(map[string]int64)
		}
		stats.ByKind[kind] = count
		stats.Depth += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate postgres spool stats: %w", err)
	}

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM spool_messages`).Scan(&oldest); err != nil {
		return Stats{}, fmt.Errorf("query postgres spool age: %w", err)
	}
	if oldest.Valid {
		at := oldest.Time.UTC()
		stats.OldestAt = &at
	}
	return stats, nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spool_messages`)
	if err != nil {
		return 0, fmt.Errorf("purge postgres spool: %w", err)
	}
	return res.RowsAffected()
}
