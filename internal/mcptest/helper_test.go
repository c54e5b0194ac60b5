package mcptest

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
)

// TestHelperProcess is the entry point for the fake server subprocess.
func TestHelperProcess(t *testing.T) {
	RunHelperProcess(t)
}

func TestPipe_InitializeAndListTools(t *testing.T) {
	r, w := Pipe(t, DefaultConfig())
	br := bufio.NewReader(r)

	send := func(line string) {
		t.Helper()
		if _, err := w.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	recv := func() map[string]any {
		t.Helper()
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		return m
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	initResp := recv()
	result := initResp["result"].(map[string]any)
	if result["protocolVersion"] != "2025-06-18" {
		t.Errorf("protocolVersion = %v, want echoed request version", result["protocolVersion"])
	}

	send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	list := recv()
	tools := list["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 2 {
		t.Errorf("expected 2 tools, got %d", len(tools))
	}
}

func TestPipe_RejectedVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RejectedVersions = []string{"2025-11-25"}
	r, w := Pipe(t, cfg)

	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}` + "\n"))
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(line, "Unsupported protocol version") {
		t.Errorf("expected version rejection, got %s", line)
	}
}

func TestPipe_AsyncStreamsProgressThenResult(t *testing.T) {
	cfg := AsyncConfig(2)
	r, w := Pipe(t, cfg)
	br := bufio.NewReader(r)

	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"a1","method":"tools/call_async","params":{"name":"slow_task"}}` + "\n"))

	var methods []string
	for i := 0; i < 4; i++ {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal([]byte(line), &m)
		methods = append(methods, m.Method)
	}
	want := []string{"", "notifications/tools/progress", "notifications/tools/progress", "notifications/tools/result"}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("message %d method = %q, want %q", i, methods[i], want[i])
		}
	}
}
