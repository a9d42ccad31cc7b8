package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServer_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadServer("")
	if err != nil {
		t.Fatalf("LoadServer error: %v", err)
	}
	if cfg.GRPCAddr() != "0.0.0.0:50051" {
		t.Errorf("GRPCAddr() = %q", cfg.GRPCAddr())
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Errorf("DatabaseDriver = %q, want postgres", cfg.DatabaseDriver)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Errorf("TokenTTL = %v, want 12h", cfg.TokenTTL)
	}
	if cfg.HistoryLimit != 10000 {
		t.Errorf("HistoryLimit = %d", cfg.HistoryLimit)
	}
	if cfg.Timezone != time.UTC {
		t.Errorf("Timezone = %v, want UTC", cfg.Timezone)
	}
}

func TestLoadServer_EnvAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedula.yaml")
	body := "database:\n  driver: sqlite\n  path: /var/lib/schedula.db\nhistory:\n  limit: 50\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	t.Setenv("SCHEDULA_GRPC_ADDR", "127.0.0.1:6000")
	t.Setenv("SCHEDULA_GRPC_REQUEST_TIMEOUT", "3s")

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatalf("LoadServer error: %v", err)
	}
	if cfg.GRPCAddr() != "127.0.0.1:6000" {
		t.Errorf("GRPCAddr() = %q", cfg.GRPCAddr())
	}
	if cfg.GRPCRequestTimeout != 3*time.Second {
		t.Errorf("GRPCRequestTimeout = %v", cfg.GRPCRequestTimeout)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != "/var/lib/schedula.db" {
		t.Errorf("database = %s %s", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.HistoryLimit)
	}
}

func TestLoadServer_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		env  string
		val  string
	}{
		{name: "driver", env: "SCHEDULA_DATABASE_DRIVER", val: "oracle"},
		{name: "duration", env: "SCHEDULA_SHUTDOWN_TIMEOUT", val: "soon"},
		{name: "timezone", env: "SCHEDULA_TIMEZONE", val: "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := LoadServer(""); err == nil {
				t.Fatalf("LoadServer with %s=%s succeeded", tt.env, tt.val)
			}
		})
	}

	if _, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadServer with a missing explicit file succeeded")
	}
}

func TestLoadClient(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCHEDULA_SERVER", "schedula.example.org:443")
	t.Setenv("SCHEDULA_USER", "alice")
	t.Setenv("SCHEDULA_PASSWORD", "secret")
	t.Setenv("SCHEDULA_CACHE_RESERVATIONS", "false")
	t.Setenv("SCHEDULA_FORMAT", "JSON")

	cfg, err := LoadClient("")
	if err != nil {
		t.Fatalf("LoadClient error: %v", err)
	}
	if cfg.Server != "schedula.example.org:443" || cfg.Username != "alice" || cfg.Password != "secret" {
		t.Errorf("connection = %+v", cfg)
	}
	if cfg.CacheReservations {
		t.Errorf("CacheReservations = true, want false")
	}
	if cfg.Format != "json" {
		t.Errorf("Format = %q, want json", cfg.Format)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}
}
