// Package mcptest provides test infrastructure for MCP client testing.
package mcptest

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/mcptest/fakeserver"
)

// FakeServerConfig is an alias for fakeserver.Config for convenience.
type FakeServerConfig = fakeserver.Config

// Tool is an alias for fakeserver.Tool for convenience.
type Tool = fakeserver.Tool

// JSONRPCError is an alias for fakeserver.JSONRPCError for convenience.
type JSONRPCError = fakeserver.JSONRPCError

// ServerConfig returns a stdio server config that re-executes the test
// binary as a fake MCP server. The calling package must define
//
//	func TestHelperProcess(t *testing.T) {
//	    mcptest.RunHelperProcess(t)
//	}
//
// This allows integration tests to run real subprocess communication
// without external dependencies.
func ServerConfig(t *testing.T, name string, cfg FakeServerConfig) config.ServerConfig {
	t.Helper()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal fake server config: %v", err)
	}

	return config.ServerConfig{
		Name:    name,
		Kind:    config.ServerKindStdio,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"FAKE_MCP_CFG":           string(cfgJSON),
		},
	}
}

// Pipe runs a fake server in a goroutine and returns the client's ends of
// the connection: read server output from r, write requests to w. Closing w
// stops the server. ToolHandler is honored since nothing is serialized.
func Pipe(t *testing.T, cfg FakeServerConfig) (r io.Reader, w io.WriteCloser) {
	t.Helper()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fakeserver.Serve(ctx, serverRead, serverWrite, cfg)
		_ = serverWrite.Close()
		_ = serverRead.Close()
	}()

	t.Cleanup(func() {
		cancel()
		_ = clientWrite.Close()
		_ = clientRead.Close()
		<-done
	})
	return clientRead, clientWrite
}

// RunHelperProcess implements the fake MCP server when invoked as a subprocess.
// Other packages call this from their own TestHelperProcess.
func RunHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	cfgJSON := os.Getenv("FAKE_MCP_CFG")
	if cfgJSON == "" {
		os.Exit(2)
	}

	var cfg fakeserver.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		os.Exit(2)
	}

	if err := fakeserver.Serve(context.Background(), os.Stdin, os.Stdout, cfg); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
