// Package process manages the subprocesses behind stdio MCP servers.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/QUSEIT/simacode-sub001/internal/events"
)

const (
	// GracefulShutdownTimeout is how long each shutdown stage waits
	// (stdin close, then SIGTERM) before escalating.
	GracefulShutdownTimeout = 5 * time.Second

	// DefaultStderrLines is how many stderr lines are retained per process.
	DefaultStderrLines = 1000
)

// Options describes a subprocess to start.
type Options struct {
	Name        string // server name, used for logs, events and PID tracking
	Command     string
	Args        []string
	Dir         string
	Env         map[string]string
	Logger      *slog.Logger
	Bus         *events.Bus
	Tracker     *PIDTracker
	StderrLines int
}

// Process is a running server subprocess with piped stdio.
type Process struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	logger  *slog.Logger
	bus     *events.Bus
	tracker *PIDTracker

	logs     []string
	maxLogs  int
	logsMu   sync.RWMutex
	stopOnce sync.Once
	stopErr  error
	exitErr  error
	done     chan struct{} // closed when process exits
}

// Start launches the subprocess. The process is not bound to ctx; it lives
// until Stop is called or it exits on its own.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "process", "server", opts.Name)

	cmdline := shellescape.QuoteCommand(append([]string{opts.Command}, opts.Args...))
	logger.Info("starting server process", "cmd", cmdline)

	cmd := exec.Command(opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = buildEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process %s: %w", cmdline, err)
	}

	maxLogs := opts.StderrLines
	if maxLogs <= 0 {
		maxLogs = DefaultStderrLines
	}

	p := &Process{
		name:    opts.Name,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		logger:  logger.With("pid", cmd.Process.Pid),
		bus:     opts.Bus,
		tracker: opts.Tracker,
		logs:    make([]string, 0, 64),
		maxLogs: maxLogs,
		done:    make(chan struct{}),
	}

	if p.tracker != nil {
		if err := p.tracker.Add(opts.Name, cmd.Process.Pid, opts.Command, opts.Args); err != nil {
			p.logger.Warn("failed to track PID", "error", err)
		}
	}

	go p.readStderr(stderr)
	go p.wait()

	return p, nil
}

// Stdin returns the write side of the process's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read side of the process's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error from Wait once Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// PID returns the process ID.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Logs returns the retained stderr lines.
func (p *Process) Logs() []string {
	p.logsMu.RLock()
	defer p.logsMu.RUnlock()
	logs := make([]string, len(p.logs))
	copy(logs, p.logs)
	return logs
}

// Stop shuts the process down: close stdin and wait up to grace, then
// SIGTERM and wait up to grace again, then SIGKILL. A non-positive grace
// uses GracefulShutdownTimeout. Stop is idempotent.
func (p *Process) Stop(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = GracefulShutdownTimeout
	}
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx, grace)
		if p.tracker != nil {
			if err := p.tracker.Remove(p.name); err != nil {
				p.logger.Warn("failed to remove PID tracking", "error", err)
			}
		}
	})
	return p.stopErr
}

func (p *Process) stop(ctx context.Context, grace time.Duration) error {
	_ = p.stdin.Close()
	if p.waitFor(ctx, grace) {
		return nil
	}

	p.logger.Info("process did not exit after stdin close, sending SIGTERM")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !p.Exited() {
		p.logger.Warn("SIGTERM failed", "error", err)
	}
	if p.waitFor(ctx, grace) {
		return nil
	}

	p.logger.Warn("process ignored SIGTERM, killing")
	if err := p.cmd.Process.Kill(); err != nil && !p.Exited() {
		return fmt.Errorf("kill process: %w", err)
	}
	<-p.done
	return nil
}

// waitFor reports whether the process exited within d.
func (p *Process) waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Process) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		p.logsMu.Lock()
		p.logs = append(p.logs, line)
		if len(p.logs) > p.maxLogs {
			p.logs = p.logs[len(p.logs)-p.maxLogs:]
		}
		p.logsMu.Unlock()

		p.logger.Debug("server stderr", "line", line)
		p.bus.Publish(events.NewLogReceivedEvent(p.name, line))
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	exitCode := -1
	signal := ""
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
		if ws, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}
	p.logger.Info("server process exited", "code", exitCode, "signal", signal)
}

// buildEnv creates the environment for a subprocess with PATH augmentation.
func buildEnv(customEnv map[string]string) []string {
	env := os.Environ()

	pathDirs := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
	}

	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			currentPath := strings.TrimPrefix(e, "PATH=")
			env[i] = "PATH=" + strings.Join(pathDirs, ":") + ":" + currentPath
			break
		}
	}

	for k, v := range customEnv {
		found := false
		prefix := k + "="
		for i, e := range env {
			if strings.HasPrefix(e, prefix) {
				env[i] = k + "=" + v
				found = true
				break
			}
		}
		if !found {
			env = append(env, k+"="+v)
		}
	}

	return env
}
