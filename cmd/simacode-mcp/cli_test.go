package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/mcptest"
	"github.com/QUSEIT/simacode-sub001/internal/testutil"
	"github.com/QUSEIT/simacode-sub001/internal/unified"
)

func TestHelperProcess(t *testing.T) {
	mcptest.RunHelperProcess(t)
}

// setupTestConfig writes a config with one fake stdio server named fs and
// returns its path.
func setupTestConfig(t *testing.T) string {
	t.Helper()
	testutil.SetupTestHome(t)

	cfg := config.NewConfig()
	cfg.Servers["fs"] = mcptest.ServerConfig(t, "fs", mcptest.FakeServerConfig{Tools: []mcptest.Tool{
		{Name: "read_file", Description: "Read a file from disk"},
		{Name: "write_file", Description: "Write a file to disk"},
	}})

	path := filepath.Join(t.TempDir(), "mcp.json")
	if err := config.SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	return path
}

// runCLI runs the command tree in-process and returns stdout and stderr.
func runCLI(t *testing.T, configPath, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", configPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "WARN"} {
		if _, err := newLogger(level, &bytes.Buffer{}); err != nil {
			t.Errorf("newLogger(%q): %v", level, err)
		}
	}
	if _, err := newLogger("loud", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestList_JSON(t *testing.T) {
	path := setupTestConfig(t)

	stdout, stderr, err := runCLI(t, path, "", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, stderr)
	}
	var tools []unified.ToolInfo
	if err := json.Unmarshal([]byte(stdout), &tools); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, stdout)
	}

	names := map[string]bool{}
	for _, ti := range tools {
		names[ti.Name] = true
	}
	for _, want := range []string{"fs:read_file", "fs:write_file", "simacode.servers_list"} {
		if !names[want] {
			t.Errorf("missing %s in %v", want, names)
		}
	}
}

func TestList_Table(t *testing.T) {
	path := setupTestConfig(t)

	stdout, stderr, err := runCLI(t, path, "", "list")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, stderr)
	}
	out := testutil.StripANSI(stdout)
	for _, want := range []string{"NAME", "fs:read_file", "built-in", "tools"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestList_EmptyConfig(t *testing.T) {
	testutil.SetupTestHome(t)
	path := filepath.Join(t.TempDir(), "missing.json")

	stdout, _, err := runCLI(t, path, "", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(stdout, "fs:") {
		t.Errorf("unexpected server tools: %s", stdout)
	}
}

func TestSearch(t *testing.T) {
	path := setupTestConfig(t)

	stdout, stderr, err := runCLI(t, path, "", "search", "write", "--json")
	if err != nil {
		t.Fatalf("search: %v\n%s", err, stderr)
	}
	var hits []unified.SearchResult
	if err := json.Unmarshal([]byte(stdout), &hits); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, stdout)
	}
	if len(hits) == 0 || hits[0].Name != "fs:write_file" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestStatus(t *testing.T) {
	path := setupTestConfig(t)

	stdout, stderr, err := runCLI(t, path, "", "status", "--json")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, stderr)
	}
	var statuses []serverStatus
	if err := json.Unmarshal([]byte(stdout), &statuses); err != nil {
		t.Fatalf("Unmarshal: %v\n%s", err, stdout)
	}
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	st := statuses[0]
	if st.Name != "fs" || st.State != "ready" || st.Tools != 2 || st.Health != "HEALTHY" {
		t.Errorf("status = %+v", st)
	}
	if st.ConnectedAt == nil {
		t.Error("expected connectedAt")
	}
}

func TestCall(t *testing.T) {
	path := setupTestConfig(t)

	stdout, stderr, err := runCLI(t, path, "", "call", "read_file", `{"path":"/tmp/x"}`)
	if err != nil {
		t.Fatalf("call: %v\n%s", err, stderr)
	}
	if strings.TrimSpace(stdout) == "" {
		t.Error("expected tool output")
	}

	if _, _, err := runCLI(t, path, "", "call", "fs:nope"); err == nil {
		t.Error("expected error for unknown tool")
	}
	if _, _, err := runCLI(t, path, "", "call", "fs:read_file", "{not json"); err == nil {
		t.Error("expected error for invalid arguments")
	}
}

func TestServe(t *testing.T) {
	path := setupTestConfig(t)

	stdin := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25","clientInfo":{"name":"test","version":"1.0"}}}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
`
	stdout, stderr, err := runCLI(t, path, stdin, "serve")
	if err != nil {
		t.Fatalf("serve: %v\n%s", err, stderr)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d responses, want 2:\n%s", len(lines), stdout)
	}
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	found := false
	for _, tool := range resp.Result.Tools {
		if tool.Name == "fs:read_file" {
			found = true
		}
	}
	if !found {
		t.Errorf("fs:read_file not listed: %s", lines[1])
	}
}

func TestRejectsUnknownLogLevel(t *testing.T) {
	path := setupTestConfig(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "--log-level", "loud", "list"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error")
	}
}
