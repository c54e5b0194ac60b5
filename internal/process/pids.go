package process

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"
)

const pidsFile = "pids.json"

// pidEntry records one spawned server process.
type pidEntry struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// PIDTracker persists the PIDs of spawned servers so processes orphaned by a
// crash of this runtime can be terminated on the next start.
type PIDTracker struct {
	mu     sync.Mutex
	path   string
	pids   map[string]pidEntry // server name -> entry
	logger *slog.Logger
}

// DefaultPIDPath returns ~/.config/simacode/pids.json.
func DefaultPIDPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "simacode", pidsFile), nil
}

// NewPIDTracker loads the tracker stored at path ("" for DefaultPIDPath).
func NewPIDTracker(path string, logger *slog.Logger) (*PIDTracker, error) {
	if path == "" {
		var err error
		if path, err = DefaultPIDPath(); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	pt := &PIDTracker{
		path:   path,
		pids:   make(map[string]pidEntry),
		logger: logger.With("component", "pids"),
	}
	pt.load()
	return pt, nil
}

func (pt *PIDTracker) load() {
	data, err := os.ReadFile(pt.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &pt.pids); err != nil {
		pt.logger.Warn("failed to parse PID file", "path", pt.path, "error", err)
		pt.pids = make(map[string]pidEntry)
	}
}

// save writes the tracking file. Caller holds pt.mu.
func (pt *PIDTracker) save() error {
	if err := os.MkdirAll(filepath.Dir(pt.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pt.pids, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(pt.path, data, 0600)
}

// Add tracks a new PID for a server.
func (pt *PIDTracker) Add(server string, pid int, command string, args []string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pids[server] = pidEntry{PID: pid, Command: command, Args: args, StartedAt: time.Now()}
	return pt.save()
}

// Remove stops tracking a server's PID.
func (pt *PIDTracker) Remove(server string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.pids[server]; !ok {
		return nil
	}
	delete(pt.pids, server)
	return pt.save()
}

// Tracked returns the PID recorded for server.
func (pt *PIDTracker) Tracked(server string) (int, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.pids[server]
	return e.PID, ok
}

// CleanupOrphans terminates tracked processes that are still running and
// still look like the command that was launched. Entries are dropped either
// way. Returns the number of processes signalled.
func (pt *PIDTracker) CleanupOrphans() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	killed := 0
	for server, entry := range pt.pids {
		if isProcessRunning(entry.PID) && ownsProcess(entry) {
			pt.logger.Info("terminating orphan process", "server", server, "pid", entry.PID)
			if err := terminate(entry.PID); err != nil {
				pt.logger.Warn("failed to terminate orphan", "pid", entry.PID, "error", err)
			} else {
				killed++
			}
		}
		delete(pt.pids, server)
	}

	if err := pt.save(); err != nil {
		pt.logger.Warn("failed to save PID file after cleanup", "error", err)
	}
	return killed
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 doesn't send a signal but checks if the process exists
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// ownsProcess guards against PID reuse. On Linux the live command line must
// mention the launched command; elsewhere the entry is trusted.
func ownsProcess(entry pidEntry) bool {
	if runtime.GOOS != "linux" {
		return true
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", entry.PID))
	if err != nil || len(data) == 0 {
		return false
	}
	want := filepath.Base(entry.Command)
	for _, arg := range bytes.Split(data, []byte{0}) {
		if len(arg) > 0 && filepath.Base(string(arg)) == want {
			return true
		}
	}
	return false
}

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
