package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ongoingai/llmtrace/internal/message"
	"github.com/ongoingai/llmtrace/internal/spool"
)

func seedSpool(t *testing.T, path string, msgs ...message.Message) {
	t.Helper()
	store, err := spool.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	defer store.Close()
	if err := store.Append(context.Background(), msgs); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
}

func sqliteSpoolConfig(backendConfig, path string) string {
	return backendConfig + fmt.Sprintf(`spool:
  driver: sqlite
  path: %s
`, path)
}

func TestRunSpoolStatsReportsPendingMessages(t *testing.T) {
	t.Parallel()

	spoolPath := filepath.Join(t.TempDir(), "spool.db")
	seedSpool(t, spoolPath,
		&message.CreateTrace{ID: "t1", Name: "root"},
		&message.CreateSpan{ID: "s1", TraceID: "t1", Name: "llm"},
	)
	configPath := writeTestConfig(t, sqliteSpoolConfig("backend:\n  driver: memory\n", spoolPath))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runSpoolStats([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runSpoolStats() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var stats spool.Stats
	if err := json.Unmarshal(stdout.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v (body=%q)", err, stdout.String())
	}
	if stats.Driver != "sqlite" || stats.Depth != 2 {
		t.Fatalf("stats=%+v, want sqlite depth 2", stats)
	}
	if stats.OldestAt == nil {
		t.Fatal("oldest_at missing")
	}
}

func TestRunSpoolReplayDeliversToBackend(t *testing.T) {
	t.Parallel()

	spoolPath := filepath.Join(t.TempDir(), "spool.db")
	seedSpool(t, spoolPath,
		&message.CreateTrace{ID: "t1", Name: "root"},
		&message.CreateSpan{ID: "s1", TraceID: "t1", Name: "llm"},
	)
	configPath := writeTestConfig(t, sqliteSpoolConfig("backend:\n  driver: memory\n", spoolPath))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runSpoolReplay([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runSpoolReplay() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}

	var result spoolReplayResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("decode replay result: %v", err)
	}
	if result.Replayed != 2 || result.Remaining != 0 || result.ErrorMessage != "" {
		t.Fatalf("result=%+v, want 2 replayed and empty spool", result)
	}
}

func TestRunSpoolReplayKeepsMessagesWhenBackendFails(t *testing.T) {
	t.Parallel()

	server := newPingServer(t, http.StatusTooManyRequests)
	spoolPath := filepath.Join(t.TempDir(), "spool.db")
	seedSpool(t, spoolPath,
		&message.CreateTrace{ID: "t1", Name: "root"},
		&message.CreateSpan{ID: "s1", TraceID: "t1", Name: "llm"},
	)
	configPath := writeTestConfig(t, sqliteSpoolConfig(httpBackendConfig(server.URL), spoolPath))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runSpoolReplay([]string{"--config", configPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runSpoolReplay() code=%d, want 1", code)
	}
	body := stdout.String()
	if !strings.Contains(body, "Remaining  2") {
		t.Fatalf("stdout=%q, want both messages still spooled", body)
	}
	if !strings.Contains(body, "throttled") {
		t.Fatalf("stdout=%q, want throttled error class", body)
	}
}

func TestRunSpoolPurgeRequiresConfirmation(t *testing.T) {
	t.Parallel()

	spoolPath := filepath.Join(t.TempDir(), "spool.db")
	seedSpool(t, spoolPath, &message.CreateTrace{ID: "t1"}, &message.CreateTrace{ID: "t2"})
	configPath := writeTestConfig(t, sqliteSpoolConfig("", spoolPath))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runSpoolPurge([]string{"--config", configPath}, &stdout, &stderr); code != 2 {
		t.Fatalf("runSpoolPurge() without --yes code=%d, want 2", code)
	}

	stdout.Reset()
	stderr.Reset()
	if code := runSpoolPurge([]string{"--config", configPath, "--yes"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runSpoolPurge() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "purged 2 spooled messages") {
		t.Fatalf("stdout=%q, want purge count", stdout.String())
	}
}

func TestRunSpoolCommandsRequireEnabledSpool(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "")
	commands := map[string]func([]string, *bytes.Buffer, *bytes.Buffer) int{
		"stats": func(args []string, out, errOut *bytes.Buffer) int { return runSpoolStats(args, out, errOut) },
		"replay": func(args []string, out, errOut *bytes.Buffer) int {
			return runSpoolReplay(args, out, errOut)
		},
		"purge": func(args []string, out, errOut *bytes.Buffer) int {
			return runSpoolPurge(append(args, "--yes"), out, errOut)
		},
	}
	for name, command := range commands {
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		if code := command([]string{"--config", configPath}, &stdout, &stderr); code != 1 {
			t.Fatalf("spool %s code=%d, want 1", name, code)
		}
		if !strings.Contains(stderr.String(), "spool is disabled") {
			t.Fatalf("spool %s stderr=%q, want disabled message", name, stderr.String())
		}
	}
}
