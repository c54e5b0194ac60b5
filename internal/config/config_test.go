package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/testutil"
)

func TestLoad_NonExistentFile(t *testing.T) {
	testutil.SetupTestHome(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SchemaVersion != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, cfg.SchemaVersion)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("expected 0 servers, got %d", len(cfg.Servers))
	}
	if cfg.Settings.DefaultTimeout.Std() != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.Settings.DefaultTimeout)
	}
}

func TestLoad_ValidJSON(t *testing.T) {
	testutil.SetupTestHome(t)

	testutil.WriteTestConfig(t, "mcp.json", `{
		"schemaVersion": 1,
		"settings": {"healthCheckInterval": "5s", "maxConcurrent": 2},
		"servers": {
			"fs": {
				"kind": "stdio",
				"command": "fs-server",
				"args": ["--root", "/tmp"],
				"timeout": "10s",
				"security": {"deniedOperations": ["delete_*"], "maxExecutionTime": "1m"}
			}
		}
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	srv, ok := cfg.Servers["fs"]
	if !ok {
		t.Fatal("expected server 'fs' to exist")
	}
	if srv.Name != "fs" {
		t.Errorf("expected name backfilled to 'fs', got %q", srv.Name)
	}
	if srv.Timeout.Std() != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", srv.Timeout)
	}
	if srv.Security.MaxExecutionTime.Std() != time.Minute {
		t.Errorf("MaxExecutionTime = %v, want 1m", srv.Security.MaxExecutionTime)
	}
	if cfg.Settings.HealthCheckInterval.Std() != 5*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 5s", cfg.Settings.HealthCheckInterval)
	}
	if cfg.Settings.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Settings.MaxConcurrent)
	}
	// untouched settings keep their defaults
	if cfg.Settings.HighLatencyThreshold.Std() != 10*time.Second {
		t.Errorf("HighLatencyThreshold = %v, want default 10s", cfg.Settings.HighLatencyThreshold)
	}
	if !cfg.Settings.Recovery.Enabled {
		t.Error("expected recovery to stay enabled by default")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	testutil.SetupTestHome(t)

	path := testutil.WriteTestConfig(t, "mcp.yaml", `
schemaVersion: 1
settings:
  discovery:
    mode: active
    interval: 2m
  namespace:
    collisionPolicy: alias
servers:
  scanner:
    kind: socket
    url: ws://localhost:9000/mcp
    headers:
      Authorization: Bearer x
`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	srv := cfg.Servers["scanner"]
	if srv.Kind != ServerKindSocket {
		t.Errorf("Kind = %q, want socket", srv.Kind)
	}
	if srv.Headers["Authorization"] != "Bearer x" {
		t.Errorf("Headers = %v", srv.Headers)
	}
	if cfg.Settings.Discovery.Mode != "active" {
		t.Errorf("Discovery.Mode = %q, want active", cfg.Settings.Discovery.Mode)
	}
	if cfg.Settings.Discovery.Interval.Std() != 2*time.Minute {
		t.Errorf("Discovery.Interval = %v, want 2m", cfg.Settings.Discovery.Interval)
	}
	if cfg.Settings.Namespace.CollisionPolicy != "alias" {
		t.Errorf("CollisionPolicy = %q, want alias", cfg.Settings.Namespace.CollisionPolicy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	testutil.SetupTestHome(t)
	testutil.WriteTestConfig(t, "mcp.json", "not valid json")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !errors.Is(err, mcperr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"mcp.json", "mcp.yaml"} {
		t.Run(name, func(t *testing.T) {
			home := testutil.SetupTestHome(t)
			path := filepath.Join(home, ".config", "simacode", name)

			cfg := NewConfig()
			if err := cfg.AddServer(ServerConfig{Name: "fs", Command: "fs-server", Timeout: Duration(3 * time.Second)}); err != nil {
				t.Fatalf("AddServer: %v", err)
			}

			if err := SaveTo(cfg, path); err != nil {
				t.Fatalf("SaveTo failed: %v", err)
			}

			loaded, err := LoadFrom(path)
			if err != nil {
				t.Fatalf("LoadFrom after SaveTo failed: %v", err)
			}
			srv := loaded.Servers["fs"]
			if srv.Command != "fs-server" || srv.Timeout.Std() != 3*time.Second {
				t.Errorf("round trip lost data: %+v", srv)
			}

			if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
				t.Error("expected temp file to be cleaned up")
			}
		})
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	testutil.SetupTestHome(t)

	path, _ := ConfigPath()
	os.RemoveAll(filepath.Dir(path))

	if err := Save(NewConfig()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Error("expected config directory to be created")
	}
}

func TestServerConfig_IsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		enabled  *bool
		expected bool
	}{
		{"nil means enabled", nil, true},
		{"true means enabled", boolPtr(true), true},
		{"false means disabled", boolPtr(false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ServerConfig{Enabled: tt.enabled}
			if srv.IsEnabled() != tt.expected {
				t.Errorf("expected IsEnabled()=%v, got %v", tt.expected, srv.IsEnabled())
			}
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		srv     ServerConfig
		wantErr bool
	}{
		{"stdio ok", ServerConfig{Name: "fs", Kind: ServerKindStdio, Command: "fs"}, false},
		{"socket ok", ServerConfig{Name: "ws", Kind: ServerKindSocket, URL: "ws://x"}, false},
		{"empty command", ServerConfig{Name: "fs", Kind: ServerKindStdio, Command: "  "}, true},
		{"missing url", ServerConfig{Name: "ws", Kind: ServerKindSocket}, true},
		{"unknown kind", ServerConfig{Name: "x", Kind: "carrier-pigeon", Command: "x"}, true},
		{"bad name", ServerConfig{Name: "a:b", Command: "x"}, true},
		{"empty name", ServerConfig{Command: "x"}, true},
		{"negative timeout", ServerConfig{Name: "fs", Command: "x", Timeout: Duration(-time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.srv.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && mcperr.KindOf(err) != mcperr.KindConfiguration {
				t.Errorf("expected configuration kind, got %v", mcperr.KindOf(err))
			}
		})
	}
}

func TestConfig_AddServerDuplicate(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.AddServer(ServerConfig{Name: "fs", Command: "a"}); err != nil {
		t.Fatalf("first AddServer: %v", err)
	}
	if err := cfg.AddServer(ServerConfig{Name: "fs", Command: "b"}); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
	if err := cfg.DeleteServer("fs"); err != nil {
		t.Errorf("DeleteServer: %v", err)
	}
	if err := cfg.DeleteServer("fs"); err == nil {
		t.Error("expected error deleting missing server")
	}
}

func TestConfig_EnabledServersSorted(t *testing.T) {
	cfg := NewConfig()
	cfg.Servers["b"] = ServerConfig{Name: "b", Command: "x"}
	cfg.Servers["a"] = ServerConfig{Name: "a", Command: "x"}
	off := ServerConfig{Name: "c", Command: "x"}
	off.SetEnabled(false)
	cfg.Servers["c"] = off

	got := cfg.EnabledServers()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Errorf("EnabledServers = %+v", got)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestLoad_HealthThresholds(t *testing.T) {
	testutil.SetupTestHome(t)

	testutil.WriteTestConfig(t, "mcp.json", `{"schemaVersion": 1, "settings": {"criticalAfter": 2}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Settings.CriticalAfter != 2 {
		t.Errorf("CriticalAfter = %d, want 2", cfg.Settings.CriticalAfter)
	}
	if cfg.Settings.FailedAfter != 6 {
		t.Errorf("FailedAfter = %d, want default 6", cfg.Settings.FailedAfter)
	}

	cfg.Settings.FailedAfter = 1
	err = cfg.Validate()
	if mcperr.KindOf(err) != mcperr.KindConfiguration {
		t.Errorf("expected configuration error for inverted thresholds, got %v", err)
	}
}
