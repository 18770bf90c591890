// Package supervisor runs one transcoder subprocess per invocation and
// exposes its stdout as a byte source plus a typed event stream. It makes
// no policy decisions: retries, URL renewal, and restarts belong to the
// caller.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Event is a typed notification from a running subprocess.
type Event interface {
	isEvent()
}

// Started is emitted once, immediately after a successful spawn.
type Started struct {
	PID int
}

// StderrLine carries one raw stderr line. Delivery is best-effort; lines
// are dropped rather than blocking the subprocess reader.
type StderrLine struct {
	Line string
}

// ClassifiedError is emitted when a stderr line matches the pattern table.
type ClassifiedError struct {
	Kind ErrorKind
	Line string
}

// Exited is the final event. The event channel is closed after it.
type Exited struct {
	Code   int
	Signal string
	Err    error
}

func (Started) isEvent()         {}
func (StderrLine) isEvent()      {}
func (ClassifiedError) isEvent() {}
func (Exited) isEvent()          {}

const (
	eventBuffer    = 256
	stderrTailSize = 100
	maxLineBytes   = 64 * 1024
)

// Supervisor spawns subprocesses for a configured binary.
type Supervisor struct {
	binary string
	logger *slog.Logger
}

// New creates a Supervisor. An empty binary falls back to "ffmpeg" from PATH.
func New(binary string, logger *slog.Logger) *Supervisor {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{binary: binary, logger: logger}
}

// Binary returns the configured executable path.
func (s *Supervisor) Binary() string {
	return s.binary
}

// Start spawns the subprocess with the given arguments and optional extra
// environment entries. A spawn failure is returned synchronously; after a
// successful return the caller owns Stdout and must drain Events until the
// channel closes.
func (s *Supervisor) Start(ctx context.Context, args []string, env []string) (*Process, error) {
	cmd := exec.CommandContext(ctx, s.binary, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	// Plain os.Pipes instead of StdoutPipe/StderrPipe: Wait must not close
	// the read ends while the session is still draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("spawning %s: %w", s.binary, err)
	}
	// The child holds its own descriptors now.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: stdoutR,
		events: make(chan Event, eventBuffer),
		exited: make(chan struct{}),
		logger: s.logger,
	}

	p.events <- Started{PID: p.pid}

	p.stderrDone.Add(1)
	go p.readStderr(stderrR)
	go p.reap()

	return p, nil
}

// Process is one running (or finished) subprocess.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stdout io.ReadCloser
	events chan Event
	exited chan struct{}
	logger *slog.Logger

	stderrDone sync.WaitGroup

	mu      sync.Mutex
	tail    []string
	exitErr error

	stopOnce sync.Once
}

// PID returns the subprocess pid.
func (p *Process) PID() int {
	return p.pid
}

// Stdout is the subprocess output byte stream. It is owned by exactly one
// reader and yields EOF once the subprocess exits and the pipe drains.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Events returns the event channel. It is closed after Exited.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Done is closed once the subprocess has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitErr returns the error from Wait, once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// StderrTail returns a copy of the most recent stderr lines.
func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

// Stop sends a soft-terminate and escalates to a hard kill when the
// subprocess outlives the grace period. It returns only after the pid has
// been reaped.
func (p *Process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Already gone.
			return
		}
		select {
		case <-p.exited:
		case <-time.After(grace):
			p.logger.Warn("subprocess ignored soft-terminate, killing",
				slog.Int("pid", p.pid),
				slog.Duration("grace", grace),
			)
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.exited
}

// Stats samples CPU and memory usage of the running subprocess.
func (p *Process) Stats() (Stats, error) {
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return Stats{}, fmt.Errorf("inspecting pid %d: %w", p.pid, err)
	}
	var stats Stats
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return stats, fmt.Errorf("reading memory info for pid %d: %w", p.pid, err)
	}
	stats.RSSBytes = mem.RSS
	return stats, nil
}

// Stats is a point-in-time resource sample.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

func (p *Process) readStderr(r io.ReadCloser) {
	defer p.stderrDone.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailSize {
			p.tail = p.tail[len(p.tail)-stderrTailSize:]
		}
		p.mu.Unlock()

		select {
		case p.events <- StderrLine{Line: line}:
		default:
		}

		if kind, ok := Classify(line); ok {
			p.events <- ClassifiedError{Kind: kind, Line: line}
		}
	}
}

// reap collects the exit status, waits for stderr to drain, and emits the
// terminal Exited event.
func (p *Process) reap() {
	waitErr := p.cmd.Wait()
	p.stderrDone.Wait()

	p.mu.Lock()
	p.exitErr = waitErr
	p.mu.Unlock()

	code := 0
	signal := ""
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			code = -1
		}
	}

	p.events <- Exited{Code: code, Signal: signal, Err: waitErr}
	close(p.events)
	close(p.exited)
}
