package backend

import (
	"strings"
	"testing"

	"github.com/ongoingai/llmtrace/internal/config"
)

func TestFromConfigSelectsDriver(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Backend.Driver = config.BackendDriverMemory
	b, err := FromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("FromConfig(memory) error: %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Fatalf("FromConfig(memory)=%T, want *Memory", b)
	}

	cfg.Backend.Driver = config.BackendDriverHTTP
	b, err = FromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("FromConfig(http) error: %v", err)
	}
	if _, ok := b.(*HTTP); !ok {
		t.Fatalf("FromConfig(http)=%T, want *HTTP", b)
	}

	cfg.Backend.Driver = "ftp"
	if _, err := FromConfig(cfg, nil, nil); err == nil || !strings.Contains(err.Error(), "unsupported backend driver") {
		t.Fatalf("FromConfig(ftp) err=%v, want unsupported driver", err)
	}

	cfg.Backend.Driver = config.BackendDriverHTTP
	cfg.Backend.URL = "localhost"
	if _, err := FromConfig(cfg, nil, nil); err == nil {
		t.Fatal("FromConfig() with relative url error=nil, want error")
	}
}
