package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestApplySQLiteCreatesSchemaAndRecordsMigrations(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "spool.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if !sqliteTableExists(t, db, "spool_messages") {
		t.Fatal("expected spool_messages table to exist after migrations")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations rows: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one applied migration row")
	}
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "spool.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("first Apply() error: %v", err)
	}
	var firstCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&firstCount); err != nil {
		t.Fatalf("count schema_migrations after first Apply(): %v", err)
	}

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	var secondCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&secondCount); err != nil {
		t.Fatalf("count schema_migrations after second Apply(): %v", err)
	}
	if secondCount != firstCount {
		t.Fatalf("schema_migrations count changed after re-apply: first=%d second=%d", firstCount, secondCount)
	}
}

func TestApplyRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "spool.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, "mysql"); err == nil {
		t.Fatal("Apply() error=nil, want unsupported driver error")
	}
}

func sqliteTableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master for table %q: %v", table, err)
	}
	return count > 0
}

func TestAppliedMatchesAvailableAfterApply(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "spool.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	available, err := Available(DriverSQLite)
	if err != nil {
		t.Fatalf("Available() error: %v", err)
	}
	applied, err := Applied(context.Background(), db)
	if err != nil {
		t.Fatalf("Applied() error: %v", err)
	}
	if len(available) == 0 || len(applied) != len(available) {
		t.Fatalf("applied=%v, want %v", applied, available)
	}
	for i := range available {
		if applied[i] != available[i] {
			t.Fatalf("applied=%v, want %v", applied, available)
		}
	}
}

func TestCheckReportsPendingBeforeApply(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "spool.db")
	db, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if _, err := db.Exec(dialects[DriverSQLite].ledgerDDL); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}

	available, err := Available(DriverSQLite)
	if err != nil {
		t.Fatalf("Available() error: %v", err)
	}
	status, err := Check(context.Background(), db, DriverSQLite)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if len(status.Applied) != 0 || len(status.Pending) != len(available) {
		t.Fatalf("status=%+v, want all %d pending", status, len(available))
	}

	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	status, err = Check(context.Background(), db, DriverSQLite)
	if err != nil {
		t.Fatalf("Check() after Apply error: %v", err)
	}
	if len(status.Pending) != 0 || len(status.Applied) != len(available) {
		t.Fatalf("status=%+v, want none pending", status)
	}
}
