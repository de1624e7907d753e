package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// Status represents the current state of the managed daemon.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
)

// Defaults applied by New to zero Config fields.
const (
	defaultRestartDelay      = 5 * time.Second
	defaultMaxRestartDelay   = 5 * time.Minute
	defaultStableThreshold   = 2 * time.Minute
	defaultGracefulTimeout   = 10 * time.Second
	defaultHealthInterval    = 30 * time.Second
	defaultMaxHealthFailures = 3
	defaultReadyTimeout      = 10 * time.Second
	defaultReadyPollInterval = 100 * time.Millisecond

	probeTimeout = 5 * time.Second
)

// errStopped reports that Stop or context cancellation ended a wait.
var errStopped = errors.New("daemon stop requested")

// Config holds configuration for the managed daemon.
type Config struct {
	// Name is used in log entries and errors.
	Name string

	// Binary is the path to the executable.
	Binary string
	Args   []string

	// Env is appended to the parent environment.
	Env []string

	// RestartOnFailure restarts the daemon when it exits or fails its
	// health checks.
	RestartOnFailure bool

	// RestartDelay is the first backoff step; each further attempt doubles
	// it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestarts caps consecutive restart attempts. 0 means unlimited.
	MaxRestarts int

	// StableThreshold is how long a run must last for the attempt counter
	// to reset.
	StableThreshold time.Duration

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// Ready is polled after every launch until it returns nil. A nil Ready
	// treats the daemon as ready as soon as it is started.
	Ready             func(ctx context.Context) error
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration

	// HealthCheck runs every HealthInterval while the daemon is up.
	// MaxHealthFailures consecutive failures kill the daemon.
	HealthCheck       func(ctx context.Context) error
	HealthInterval    time.Duration
	MaxHealthFailures int
}

// Stats is a snapshot of the daemon for status reporting.
type Stats struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	PID       int     `json:"pid,omitempty"`
	Restarts  int     `json:"restarts"`
	Uptime    float64 `json:"uptime_seconds"`
	LastError string  `json:"last_error,omitempty"`
}

// child is one launch of the binary.
type child struct {
	cmd       *exec.Cmd
	startedAt time.Time
	exited    chan struct{}
	err       error // valid after exited is closed
}

// exitErr describes why the child ended. A daemon exiting cleanly is still
// unexpected.
func (c *child) exitErr() error {
	if c.err != nil {
		return c.err
	}
	return errors.New("exited with status 0")
}

// Daemon supervises one long-running child process.
//
// Thread Safety: all methods are safe for concurrent use. Start and Stop
// pair up; a stopped Daemon can be started again.
type Daemon struct {
	cfg    Config
	logger knx.Logger

	mu            sync.RWMutex
	status        Status
	cur           *child
	restarts      int
	lastErr       error
	stop          chan struct{}
	done          chan struct{}
	stopRequested bool
}

// New creates a Daemon, filling zero durations with defaults.
func New(cfg Config) *Daemon {
	if cfg.Name == "" {
		cfg.Name = "knxd"
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.MaxHealthFailures <= 0 {
		cfg.MaxHealthFailures = defaultMaxHealthFailures
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = defaultReadyPollInterval
	}
	return &Daemon{
		cfg:    cfg,
		logger: nopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger. Call before Start.
func (d *Daemon) SetLogger(logger knx.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Start launches the binary and blocks until Ready succeeds. On error the
// child has already been terminated and the status is StatusFailed.
// Afterwards the daemon is supervised until Stop or ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.status == StatusStarting || d.status == StatusRunning || d.status == StatusRestarting {
		d.mu.Unlock()
		return fmt.Errorf("%s is already running", d.cfg.Name)
	}
	d.status = StatusStarting
	d.restarts = 0
	d.lastErr = nil
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.stopRequested = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	c, err := d.launchReady(ctx, stop)
	if err != nil {
		if errors.Is(err, errStopped) {
			d.setStopped()
		} else {
			d.fail(err)
		}
		close(done)
		return err
	}

	d.mu.Lock()
	d.cur = c
	d.status = StatusRunning
	d.mu.Unlock()
	d.logger.Info("daemon ready", "name", d.cfg.Name, "pid", c.cmd.Process.Pid)

	go d.supervise(ctx, stop, done, c)
	return nil
}

// Stop terminates the daemon and waits for supervision to end. Stopping a
// daemon that is not running is a no-op.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.done == nil {
		d.mu.Unlock()
		return nil
	}
	if !d.stopRequested {
		d.stopRequested = true
		close(d.stop)
	}
	done := d.done
	d.mu.Unlock()

	<-done
	return nil
}

// launchReady starts a child and waits for it to become ready.
func (d *Daemon) launchReady(ctx context.Context, stop <-chan struct{}) (*child, error) {
	c, err := d.launch()
	if err != nil {
		return nil, err
	}
	if err := d.waitReady(ctx, stop, c); err != nil {
		d.terminate(c)
		return nil, err
	}
	return c, nil
}

// launch starts the binary in its own process group so terminate reaches
// anything it forks.
func (d *Daemon) launch() (*child, error) {
	d.logger.Info("starting daemon", "name", d.cfg.Name, "binary", d.cfg.Binary, "args", d.cfg.Args)

	cmd := exec.Command(d.cfg.Binary, d.cfg.Args...) //nolint:gosec // binary comes from the service configuration
	if d.cfg.Env != nil {
		cmd.Env = append(os.Environ(), d.cfg.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout pipe: %w", d.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stderr pipe: %w", d.cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", d.cfg.Name, err)
	}

	c := &child{
		cmd:       cmd,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}

	// Wait must follow the pipe readers.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.captureOutput("stdout", stdout)
	}()
	go func() {
		defer wg.Done()
		d.captureOutput("stderr", stderr)
	}()
	go func() {
		wg.Wait()
		c.err = cmd.Wait()
		close(c.exited)
	}()

	return c, nil
}

// captureOutput logs the child's output line by line.
func (d *Daemon) captureOutput(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		d.logger.Info("daemon output", "name", d.cfg.Name, "stream", stream, "line", sc.Text())
	}
}

// waitReady polls Ready until it succeeds, the child exits, or
// ReadyTimeout passes.
func (d *Daemon) waitReady(ctx context.Context, stop <-chan struct{}, c *child) error {
	if d.cfg.Ready == nil {
		return nil
	}

	deadline := time.NewTimer(d.cfg.ReadyTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(d.cfg.ReadyPollInterval)
	defer poll.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := d.cfg.Ready(probeCtx)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-c.exited:
			return fmt.Errorf("%s exited before becoming ready: %w", d.cfg.Name, c.exitErr())
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", d.cfg.Name, ctx.Err())
		case <-stop:
			return errStopped
		case <-deadline.C:
			return fmt.Errorf("%s not ready after %s: %w", d.cfg.Name, d.cfg.ReadyTimeout, err)
		case <-poll.C:
		}
	}
}

// supervise watches the current child and restarts it on failure.
func (d *Daemon) supervise(ctx context.Context, stop <-chan struct{}, done chan struct{}, c *child) {
	defer close(done)

	attempt := 0
	for {
		err := d.watch(ctx, stop, c)
		if errors.Is(err, errStopped) {
			d.setStopped()
			return
		}

		d.logger.Warn("daemon exited", "name", d.cfg.Name, "error", err, "uptime", time.Since(c.startedAt).String())
		d.mu.Lock()
		d.cur = nil
		d.lastErr = err
		d.mu.Unlock()

		if !d.cfg.RestartOnFailure {
			d.fail(fmt.Errorf("%s: %w", d.cfg.Name, err))
			return
		}
		if time.Since(c.startedAt) >= d.cfg.StableThreshold {
			attempt = 0
		}

		next, ok := d.restart(ctx, stop, &attempt)
		if !ok {
			return
		}
		c = next
	}
}

// restart relaunches the binary with backoff until a child becomes ready.
// It returns false once supervision is over.
func (d *Daemon) restart(ctx context.Context, stop <-chan struct{}, attempt *int) (*child, bool) {
	for {
		*attempt++
		if d.cfg.MaxRestarts > 0 && *attempt > d.cfg.MaxRestarts {
			d.mu.RLock()
			last := d.lastErr
			d.mu.RUnlock()
			d.logger.Error("daemon restart limit reached", "name", d.cfg.Name, "attempts", d.cfg.MaxRestarts)
			d.fail(fmt.Errorf("%s: gave up after %d restarts: %w", d.cfg.Name, d.cfg.MaxRestarts, last))
			return nil, false
		}

		delay := d.backoff(*attempt)
		d.setStatus(StatusRestarting)
		d.logger.Info("restarting daemon", "name", d.cfg.Name, "attempt", *attempt, "delay", delay.String())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			d.setStopped()
			return nil, false
		case <-stop:
			t.Stop()
			d.setStopped()
			return nil, false
		case <-t.C:
		}

		c, err := d.launchReady(ctx, stop)
		if err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				d.setStopped()
				return nil, false
			}
			d.logger.Warn("daemon restart failed", "name", d.cfg.Name, "attempt", *attempt, "error", err)
			d.mu.Lock()
			d.lastErr = err
			d.mu.Unlock()
			continue
		}

		d.mu.Lock()
		d.cur = c
		d.restarts++
		d.status = StatusRunning
		d.mu.Unlock()
		d.logger.Info("daemon ready", "name", d.cfg.Name, "pid", c.cmd.Process.Pid, "restarts", *attempt)
		return c, true
	}
}

// watch blocks until the child exits, fails its health checks, or a stop
// is requested (errStopped, child already terminated).
func (d *Daemon) watch(ctx context.Context, stop <-chan struct{}, c *child) error {
	var tick <-chan time.Time
	if d.cfg.HealthCheck != nil {
		t := time.NewTicker(d.cfg.HealthInterval)
		defer t.Stop()
		tick = t.C
	}

	failures := 0
	for {
		select {
		case <-c.exited:
			return c.exitErr()
		case <-ctx.Done():
			d.terminate(c)
			return errStopped
		case <-stop:
			d.terminate(c)
			return errStopped
		case <-tick:
			checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := d.cfg.HealthCheck(checkCtx)
			cancel()
			if err == nil {
				if failures > 0 {
					d.logger.Info("daemon health recovered", "name", d.cfg.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			d.logger.Warn("daemon health check failed", "name", d.cfg.Name, "error", err, "consecutive_failures", failures)
			if failures >= d.cfg.MaxHealthFailures {
				d.logger.Error("daemon unhealthy, killing", "name", d.cfg.Name, "failures", failures)
				d.terminate(c)
				return fmt.Errorf("unhealthy after %d checks: %w", failures, err)
			}
		}
	}
}

// terminate sends SIGTERM to the child's process group, then SIGKILL after
// GracefulTimeout, and waits for the exit.
func (d *Daemon) terminate(c *child) {
	pgid := -c.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM) //nolint:errcheck // group may already be gone

	t := time.NewTimer(d.cfg.GracefulTimeout)
	defer t.Stop()
	select {
	case <-c.exited:
		return
	case <-t.C:
	}

	d.logger.Warn("daemon ignored SIGTERM, killing", "name", d.cfg.Name, "pid", c.cmd.Process.Pid)
	_ = syscall.Kill(pgid, syscall.SIGKILL) //nolint:errcheck // group may already be gone
	<-c.exited
}

// backoff returns the delay before restart attempt n (1-based).
func (d *Daemon) backoff(n int) time.Duration {
	delay := d.cfg.RestartDelay
	for i := 1; i < n && delay < d.cfg.MaxRestartDelay; i++ {
		delay *= 2
	}
	if delay > d.cfg.MaxRestartDelay {
		delay = d.cfg.MaxRestartDelay
	}
	return delay
}

func (d *Daemon) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.status = StatusStopped
	d.cur = nil
	d.mu.Unlock()
	d.logger.Info("daemon stopped", "name", d.cfg.Name)
}

func (d *Daemon) fail(err error) {
	d.mu.Lock()
	d.status = StatusFailed
	d.cur = nil
	d.lastErr = err
	d.mu.Unlock()
	d.logger.Error("daemon failed", "name", d.cfg.Name, "error", err)
}

// Status returns the current status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// PID returns the running child's process ID, or 0.
func (d *Daemon) PID() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cur == nil {
		return 0
	}
	return d.cur.cmd.Process.Pid
}

// LastError returns the most recent failure, if any.
func (d *Daemon) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Stats returns a snapshot for status reporting.
func (d *Daemon) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := Stats{
		Name:     d.cfg.Name,
		Status:   d.status,
		Restarts: d.restarts,
	}
	if d.cur != nil {
		s.PID = d.cur.cmd.Process.Pid
		s.Uptime = time.Since(d.cur.startedAt).Seconds()
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// HealthCheck reports an error unless the daemon is running. The API
// health endpoint includes it when knxd is managed.
func (d *Daemon) HealthCheck(context.Context) error {
	st := d.Stats()
	if st.Status == StatusRunning {
		return nil
	}
	if st.LastError != "" {
		return fmt.Errorf("%s %s: %s", st.Name, st.Status, st.LastError)
	}
	return fmt.Errorf("%s %s", st.Name, st.Status)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
