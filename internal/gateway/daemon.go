package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DaemonStatus is the state of a managed gateway daemon.
type DaemonStatus string

// Daemon states.
const (
	DaemonStopped DaemonStatus = "stopped"
	DaemonRunning DaemonStatus = "running"
	DaemonFailed  DaemonStatus = "failed"
	DaemonGaveUp  DaemonStatus = "gave_up"
)

const (
	defaultRestartDelay    = 5 * time.Second
	defaultGracefulTimeout = 10 * time.Second
)

// DaemonConfig describes the gateway daemon binary the bridge supervises.
type DaemonConfig struct {
	Binary string
	Args   []string

	// RestartDelay is the pause before restarting after an exit.
	RestartDelay time.Duration

	// MaxRestarts bounds consecutive restarts; 0 means unlimited.
	MaxRestarts int

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// DaemonStats is a point-in-time view of the managed daemon.
type DaemonStats struct {
	Status    DaemonStatus `json:"status"`
	PID       int          `json:"pid,omitempty"`
	Restarts  int          `json:"restarts"`
	LastError string       `json:"last_error,omitempty"`
}

// Daemon runs the local gateway daemon as a child process and restarts it
// when it exits. The daemon and its children share a process group so Stop
// reaches all of them.
type Daemon struct {
	cfg    DaemonConfig
	logger Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   DaemonStatus
	restarts int
	lastErr  error
	stopping bool
	done     chan struct{}
}

// NewDaemon validates cfg and applies defaults.
func NewDaemon(cfg DaemonConfig, logger Logger) (*Daemon, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("gateway daemon: binary is required")
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	return &Daemon{cfg: cfg, logger: logger, status: DaemonStopped}, nil
}

// Start launches the daemon. An error is returned only when the first
// launch fails; later exits are handled by restarting.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("gateway daemon already started")
	}
	d.done = make(chan struct{})
	d.mu.Unlock()

	cmd, err := d.launch()
	if err != nil {
		d.mu.Lock()
		d.status = DaemonFailed
		d.lastErr = err
		close(d.done)
		d.mu.Unlock()
		return err
	}

	go d.supervise(ctx, cmd)
	return nil
}

func (d *Daemon) launch() (*exec.Cmd, error) {
	cmd := exec.Command(d.cfg.Binary, d.cfg.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting gateway daemon %s: %w", d.cfg.Binary, err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.status = DaemonRunning
	if d.stopping {
		// Stop ran between the restart check and the launch.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) //nolint:errcheck // best effort
	}
	d.mu.Unlock()

	go d.logOutput("stdout", stdout)
	go d.logOutput("stderr", stderr)

	d.logInfo("gateway daemon started", "binary", d.cfg.Binary, "pid", cmd.Process.Pid)
	return cmd, nil
}

func (d *Daemon) logOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		d.logDebug("gateway daemon output", "stream", stream, "line", scanner.Text())
	}
}

// supervise waits for each exit and restarts until Stop, ctx cancellation
// or the restart budget runs out.
func (d *Daemon) supervise(ctx context.Context, cmd *exec.Cmd) {
	defer close(d.done)

	for {
		err := cmd.Wait()

		d.mu.Lock()
		stopping := d.stopping
		if stopping {
			d.status = DaemonStopped
		} else {
			d.status = DaemonFailed
			d.lastErr = err
			d.restarts++
		}
		attempt := d.restarts
		d.mu.Unlock()

		if stopping {
			d.logInfo("gateway daemon stopped")
			return
		}
		d.logWarn("gateway daemon exited", "error", err, "attempt", attempt)

		if d.cfg.MaxRestarts > 0 && attempt > d.cfg.MaxRestarts {
			d.mu.Lock()
			d.status = DaemonGaveUp
			d.mu.Unlock()
			d.logWarn("gateway daemon restart limit reached", "restarts", d.cfg.MaxRestarts)
			return
		}

		next, ok := d.relaunch(ctx)
		if !ok {
			d.mu.Lock()
			d.status = DaemonStopped
			d.mu.Unlock()
			return
		}
		cmd = next
	}
}

// relaunch waits the restart delay and starts the daemon again, retrying
// until it starts. It reports false when stopped or cancelled first.
func (d *Daemon) relaunch(ctx context.Context) (*exec.Cmd, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(d.cfg.RestartDelay):
		}

		d.mu.Lock()
		stopping := d.stopping
		d.mu.Unlock()
		if stopping {
			return nil, false
		}

		cmd, err := d.launch()
		if err == nil {
			return cmd, true
		}
		d.logWarn("gateway daemon restart failed", "error", err)
	}
}

// Stop sends SIGTERM to the daemon's process group, escalating to SIGKILL
// after the graceful timeout. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.done == nil || d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	cmd := d.cmd
	done := d.done
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		d.logWarn("failed to signal gateway daemon", "pid", pid, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(d.cfg.GracefulTimeout):
		d.logWarn("gateway daemon ignored SIGTERM, killing", "pid", pid)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing gateway daemon: %w", err)
	}
	<-done
	return nil
}

// Stats returns the daemon's current state.
func (d *Daemon) Stats() DaemonStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := DaemonStats{Status: d.status, Restarts: d.restarts}
	if d.status == DaemonRunning && d.cmd != nil && d.cmd.Process != nil {
		s.PID = d.cmd.Process.Pid
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

func (d *Daemon) logDebug(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, kv...)
	}
}

func (d *Daemon) logInfo(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Info(msg, kv...)
	}
}

func (d *Daemon) logWarn(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, kv...)
	}
}
