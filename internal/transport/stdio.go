package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a subprocess transport that speaks
// newline-delimited records over stdin/stdout.
type StdioConfig struct {
	// Provider is the provider name, used for logging and errors.
	Provider string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env entries override or extend the parent process environment.
	Env map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// Stdio communicates with a provider running as a subprocess. Outbound
// records are newline-terminated writes on stdin; stdout chunks are
// reassembled into records by a lineBuffer. Stderr is captured for
// diagnostics only, never parsed as protocol data.
type Stdio struct {
	stream
	config StdioConfig
	logger *slog.Logger

	procMu  sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	reaped  chan struct{}
}

// NewStdio creates a subprocess transport. The process is not spawned
// until Start.
func NewStdio(cfg StdioConfig) *Stdio {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		stream: newStream(),
		config: cfg,
		logger: logger.With("provider", cfg.Provider, "transport", "subprocess"),
		reaped: make(chan struct{}),
	}
}

// Start launches the subprocess and begins reading stdout. The process
// lifecycle is independent of the Start context — it survives
// individual request timeouts and only terminates on Close or exit.
func (t *Stdio) Start(_ context.Context) error {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	if t.started {
		return nil
	}

	t.logger.Info("starting provider subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Error{Provider: t.config.Provider, Op: "spawn", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &Error{Provider: t.config.Provider, Op: "spawn", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &Error{Provider: t.config.Provider, Op: "spawn", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return &Error{Provider: t.config.Provider, Op: "spawn", Err: fmt.Errorf("start %s: %w", t.config.Command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readLoop(stdout)
	go t.drainStderr(stderrPipe)

	t.logger.Info("provider subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop reads stdout chunks, reassembles records, and delivers them.
// When stdout closes it reaps the process and fails the transport so
// the owning connection rejects every pending request.
func (t *Stdio) readLoop(stdout io.Reader) {
	var lb lineBuffer
	chunk := make([]byte, 32*1024)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			for _, rec := range lb.Append(chunk[:n]) {
				t.deliver(rec)
			}
		}
		if err != nil {
			waitErr := t.cmd.Wait()
			close(t.reaped)
			if t.failed() {
				// Close already tore the transport down.
				return
			}
			if waitErr != nil {
				t.fail(&Error{Provider: t.config.Provider, Op: "process",
					Err: fmt.Errorf("process terminated: %w", waitErr)})
			} else {
				t.fail(&Error{Provider: t.config.Provider, Op: "process",
					Err: fmt.Errorf("process exited")})
			}
			t.logger.Warn("provider subprocess exited", "error", waitErr)
			return
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *Stdio) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("provider stderr", "line", scanner.Text())
	}
}

// Send writes one record followed by the newline delimiter.
func (t *Stdio) Send(_ context.Context, msg []byte) error {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	if !t.started {
		return &Error{Provider: t.config.Provider, Op: "send", Err: fmt.Errorf("transport not started")}
	}
	if t.failed() {
		if err := t.Err(); err != nil {
			return err
		}
		return ErrClosed
	}

	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		werr := &Error{Provider: t.config.Provider, Op: "send", Err: err}
		t.fail(werr)
		return werr
	}
	return nil
}

// Close terminates the subprocess: stdin is closed to request a
// graceful exit, then the process is killed after a short grace period.
func (t *Stdio) Close() error {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	t.fail(ErrClosed)

	if !t.started || t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping provider subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}

	// The readLoop reaps the process once stdout closes. Give it a
	// moment, then force kill.
	select {
	case <-t.reaped:
	case <-time.After(5 * time.Second):
		t.logger.Warn("provider subprocess did not exit gracefully, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		<-t.reaped
	}
	return nil
}
