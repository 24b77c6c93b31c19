package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "llmtrace.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

// newPingServer answers every request with status.
func newPingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func httpBackendConfig(url string) string {
	return fmt.Sprintf(`backend:
  driver: http
  url: %s/api
delivery:
  retry_max: 0
`, url)
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("run(version) code=%d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "dev") {
		t.Fatalf("stdout=%q, want version string", stdout.String())
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{nil, {"serve"}, {"config"}, {"config", "edit"}, {"spool"}, {"spool", "drain"}} {
		var stdout bytes.Buffer
		var stderr bytes.Buffer
		if code := run(args, &stdout, &stderr); code != 2 {
			t.Fatalf("run(%v) code=%d, want 2", args, code)
		}
		if !strings.Contains(stderr.String(), "Usage:") {
			t.Fatalf("run(%v) stderr=%q, want usage", args, stderr.String())
		}
	}
}

func TestRunConfigValidateValidConfig(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runConfigValidate([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runConfigValidate() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "config is valid: "+configPath) {
		t.Fatalf("stdout=%q, want success message with config path", stdout.String())
	}
}

func TestRunConfigValidateReportsInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, `spool:
  driver: postgres
`)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runConfigValidate([]string{"--config", configPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runConfigValidate() code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "config is invalid: spool.dsn is required") {
		t.Fatalf("stderr=%q, want validation error message", stderr.String())
	}
}

func TestRunConfigValidateRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runConfigValidate([]string{"extra"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("runConfigValidate() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "does not accept positional arguments") {
		t.Fatalf("stderr=%q, want positional argument error", stderr.String())
	}
}

func TestRunConfigShowRedactsSecrets(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, `project_name: checkout
backend:
  api_key: sk-live-secret
`)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runConfigShow([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runConfigShow() code=%d, want 0 (stderr=%q)", code, stderr.String())
	}
	body := stdout.String()
	if strings.Contains(body, "sk-live-secret") {
		t.Fatalf("stdout=%q, leaked api key", body)
	}
	if !strings.Contains(body, "[REDACTED]") {
		t.Fatalf("stdout=%q, want redacted api key", body)
	}
	if !strings.Contains(body, "project_name: checkout") {
		t.Fatalf("stdout=%q, want effective project name", body)
	}
}

func TestRunConfigShowReportsLoadFailure(t *testing.T) {
	t.Parallel()

	configPath := writeTestConfig(t, "unknown_field: true\n")

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runConfigShow([]string{"--config", configPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("runConfigShow() code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "config load failed") {
		t.Fatalf("stderr=%q, want load stage failure", stderr.String())
	}
}

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: "text"},
		{raw: " JSON ", want: "json"},
		{raw: "text", want: "text"},
		{raw: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeTextJSONFormat("doctor", tt.raw, "text")
		if tt.wantErr {
			if err == nil {
				t.Fatalf("normalizeTextJSONFormat(%q) error=nil, want error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("normalizeTextJSONFormat(%q)=%q,%v, want %q", tt.raw, got, err, tt.want)
		}
	}
}
