package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Pool.Size != 4 {
		t.Errorf("Pool.Size = %d, want 4", cfg.Pool.Size)
	}
	if cfg.Web.Port != 8484 {
		t.Errorf("Web.Port = %d, want 8484", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.Engine.Binary != "claude" {
		t.Errorf("Engine.Binary = %q, want claude", cfg.Engine.Binary)
	}
	if cfg.Resilience.MaxRetries != 3 {
		t.Errorf("Resilience.MaxRetries = %d, want 3", cfg.Resilience.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("Pool.Size = %d, want default 4", cfg.Pool.Size)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
log_level = "debug"

[pool]
size = 2
base_port_a = 20000
base_port_b = 21000

[engine]
timeout = "10m"

[resilience]
max_retries = 1

[governor.rate_limits.engine]
max_requests = 10
window = "1m"

[web]
port = 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.General.LogLevel)
	}
	if cfg.Pool.Size != 2 {
		t.Errorf("Pool.Size = %d, want 2", cfg.Pool.Size)
	}
	if cfg.Engine.Timeout != 10*time.Minute {
		t.Errorf("Engine.Timeout = %v, want 10m", cfg.Engine.Timeout)
	}
	if cfg.Resilience.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.Resilience.MaxRetries)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	rl, ok := cfg.Governor.RateLimits["engine"]
	if !ok {
		t.Fatal("engine rate limit not loaded")
	}
	if rl.MaxRequests != 10 || rl.Window != time.Minute {
		t.Errorf("engine rate limit = %+v, want 10/1m", rl)
	}
	// Unset sections keep their defaults.
	if cfg.Engine.Binary != "claude" {
		t.Errorf("Engine.Binary = %q, want default claude", cfg.Engine.Binary)
	}
}

func TestLoad_RejectsOverlappingPortRanges(t *testing.T) {
	path := writeTempConfig(t, `
[pool]
size = 8
base_port_a = 18000
base_port_b = 18004
`)
	if _, err := Load(path); err == nil {
		t.Fatal("overlapping port ranges accepted")
	}
}

func TestLoad_RejectsBadLogLevel(t *testing.T) {
	path := writeTempConfig(t, `
[general]
log_level = "loud"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("invalid log level accepted")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
