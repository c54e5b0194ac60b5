package process

import (
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/testutil"
)

func TestPIDTracker_AddAndRemove(t *testing.T) {
	testutil.SetupTestHome(t)

	pt, err := NewPIDTracker("", nil)
	if err != nil {
		t.Fatalf("NewPIDTracker failed: %v", err)
	}

	if err := pt.Add("test-server", 12345, "/usr/bin/node", []string{"server.js"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Verify it was saved
	pt2, err := NewPIDTracker("", nil)
	if err != nil {
		t.Fatalf("NewPIDTracker (reload) failed: %v", err)
	}

	entry, ok := pt2.pids["test-server"]
	if !ok {
		t.Fatal("expected test-server to be tracked")
	}
	if entry.PID != 12345 {
		t.Errorf("expected PID 12345, got %d", entry.PID)
	}
	if entry.Command != "/usr/bin/node" {
		t.Errorf("expected command '/usr/bin/node', got %q", entry.Command)
	}
	if len(entry.Args) != 1 || entry.Args[0] != "server.js" {
		t.Errorf("expected args ['server.js'], got %v", entry.Args)
	}

	if err := pt.Remove("test-server"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	pt3, err := NewPIDTracker("", nil)
	if err != nil {
		t.Fatalf("NewPIDTracker (reload after remove) failed: %v", err)
	}
	if _, ok := pt3.Tracked("test-server"); ok {
		t.Error("expected test-server to be removed")
	}
}

func TestPIDTracker_CleanupOrphans_ProcessGone(t *testing.T) {
	testutil.SetupTestHome(t)

	pt, err := NewPIDTracker("", nil)
	if err != nil {
		t.Fatalf("NewPIDTracker failed: %v", err)
	}

	// A PID that is very unlikely to exist
	pt.pids["gone-server"] = pidEntry{
		PID:       999999,
		Command:   "/usr/bin/fake",
		StartedAt: time.Now().Add(-time.Hour),
	}

	if killed := pt.CleanupOrphans(); killed != 0 {
		t.Errorf("expected 0 killed, got %d", killed)
	}
	if _, ok := pt.pids["gone-server"]; ok {
		t.Error("expected gone-server to be removed from tracking")
	}
}

func TestPIDTracker_CleanupOrphans_ReusedPID(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("PID reuse detection reads /proc")
	}
	testutil.SetupTestHome(t)

	pt, err := NewPIDTracker("", nil)
	if err != nil {
		t.Fatalf("NewPIDTracker failed: %v", err)
	}

	// Our own PID with a command we never launched: must not be signalled.
	pt.pids["reused-server"] = pidEntry{
		PID:       os.Getpid(),
		Command:   "/some/old/command",
		StartedAt: time.Now().Add(-time.Hour),
	}

	if killed := pt.CleanupOrphans(); killed != 0 {
		t.Errorf("expected 0 killed (PID reuse detected), got %d", killed)
	}
	if _, ok := pt.pids["reused-server"]; ok {
		t.Error("expected reused-server to be dropped from tracking")
	}
}
