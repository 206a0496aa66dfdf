// Package supervisor is the Slot Supervisor: it owns the idempotent
// start/stop state machine for the per-slot proxy child process,
// including the device settle check, the port-listening probe, and the
// graceful-then-forceful stop escalation.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sensorsiot/rfc2217portal/slot"
)

// proxyExecutableSearchPath is the fixed ordered list of candidate proxy
// executables probed at startup, matching the reference portal's
// hard-coded search order.
var proxyExecutableSearchPath = []string{
	"/usr/local/bin/serial_proxy.py",
	"/usr/local/bin/serial-proxy",
	"/usr/local/bin/esp_rfc2217_server.py",
}

// ResolveProxyExecutable probes proxyExecutableSearchPath in order and
// returns the first candidate that exists on disk. ErrNoProxyExecutable
// is returned if none do.
func ResolveProxyExecutable() (string, error) {
	for _, candidate := range proxyExecutableSearchPath {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrNoProxyExecutable
}

// Config controls the timing of every bounded-wait step the supervisor
// performs. Defaults mirror the reference portal's hard-coded values.
type Config struct {
	ProxyPath string
	LogDir    string
	LockDir   string

	SettleTimeout      time.Duration
	PortListenTimeout  time.Duration
	StopTimeout        time.Duration
	PollInterval       time.Duration
	StartupGracePeriod time.Duration
}

// DefaultConfig returns the reference timing values: 5s device settle, 2s
// port-listen wait, 5s graceful-stop window, 100ms polling, and a 500ms
// startup grace period before the port-listen probe begins.
func DefaultConfig(proxyPath, logDir, lockDir string) Config {
	return Config{
		ProxyPath:          proxyPath,
		LogDir:             logDir,
		LockDir:            lockDir,
		SettleTimeout:      5 * time.Second,
		PortListenTimeout:  2 * time.Second,
		StopTimeout:        5 * time.Second,
		PollInterval:       100 * time.Millisecond,
		StartupGracePeriod: 500 * time.Millisecond,
	}
}

// Supervisor manages proxy child processes for a set of slots. The
// process-facing operations are swappable function fields rather than
// direct syscalls so tests can drive the start/stop state machine
// without spawning real children; New wires them to the real OS/gopsutil
// implementations.
type Supervisor struct {
	cfg  Config
	zlog *zap.SugaredLogger

	launch        func(path string, args []string) (pid int, exited <-chan error, err error)
	kill          func(pid int, sig syscall.Signal) error
	alive         func(pid int) bool
	portListening func(port int) bool
	deviceReady   func(ctx context.Context, devnode string) bool
}

// New builds a Supervisor. A nil logger is replaced with a no-op one.
func New(cfg Config, zlog *zap.SugaredLogger) *Supervisor {
	if zlog == nil {
		zlog = zap.NewNop().Sugar()
	}
	sv := &Supervisor{cfg: cfg, zlog: zlog}
	sv.launch = sv.realLaunch
	sv.kill = syscall.Kill
	sv.alive = sv.realAlive
	sv.portListening = sv.realPortListening
	sv.deviceReady = sv.realDeviceReady
	return sv
}

// OverrideForTest replaces the process-facing seams with deterministic
// fakes. Exported (rather than test-internal) so packages that compose a
// Supervisor, like httpapi, can drive it in their own tests without
// spawning real child processes.
func (sv *Supervisor) OverrideForTest(
	launch func(path string, args []string) (pid int, exited <-chan error, err error),
	kill func(pid int, sig syscall.Signal) error,
	alive func(pid int) bool,
	portListening func(port int) bool,
	deviceReady func(ctx context.Context, devnode string) bool,
) {
	sv.launch = launch
	sv.kill = kill
	sv.alive = alive
	sv.portListening = portListening
	sv.deviceReady = deviceReady
}

// StartResult reports the outcome of a Start call.
type StartResult struct {
	Running   bool
	Restarted bool
	Port      int
	PID       int
}

// Start makes s supervise a proxy for devnode, on s's configured port.
// It is idempotent: calling it again with the same devnode while a
// healthy proxy is already running is a no-op that reports
// Restarted=false. Calling it with a different devnode (or while the
// previous proxy is unhealthy) stops whatever was running first.
func (sv *Supervisor) Start(ctx context.Context, s *slot.Slot, devnode string) (StartResult, error) {
	if unlock, err := sv.lockSlotFile(s.Key); err != nil {
		sv.zlog.Warnw("failed to acquire slot lock file", "slot", s.Label, "error", err)
	} else {
		defer unlock()
	}
	s.Lock()
	defer s.Unlock()
	gen := s.NextGeneration()
	sv.zlog.Debugw("start requested", "slot", s.Label, "generation", gen, "devnode", devnode)

	if s.Running() && s.PID() != 0 && s.Devnode() == devnode {
		if sv.alive(s.PID()) && sv.portListening(s.TCPPort) {
			sv.zlog.Infow("already running", "slot", s.Label, "devnode", devnode)
			return StartResult{Running: true, Restarted: false, Port: s.TCPPort, PID: s.PID()}, nil
		}
	}

	if s.Running() && s.PID() != 0 {
		sv.zlog.Infow("stopping existing proxy", "slot", s.Label, "pid", s.PID())
		sv.stopProcessGraceful(s.PID())
		s.MarkStopped("")
	}

	sv.zlog.Infow("starting proxy", "slot", s.Label, "devnode", devnode, "port", s.TCPPort)
	pid, err := sv.startProxy(ctx, s, devnode)
	if err != nil {
		s.MarkStopped(err.Error())
		sv.zlog.Errorw("failed to start proxy", "slot", s.Label, "error", err)
		return StartResult{}, err
	}

	s.MarkRunning(pid, devnode)
	sv.zlog.Infow("proxy started", "slot", s.Label, "pid", pid)
	return StartResult{Running: true, Restarted: true, Port: s.TCPPort, PID: pid}, nil
}

// StopResult reports the outcome of a Stop call.
type StopResult struct {
	Running bool
}

// Stop tears down whatever proxy is supervising s. Calling it when
// nothing is running is a no-op.
func (sv *Supervisor) Stop(s *slot.Slot) StopResult {
	if unlock, err := sv.lockSlotFile(s.Key); err != nil {
		sv.zlog.Warnw("failed to acquire slot lock file", "slot", s.Label, "error", err)
	} else {
		defer unlock()
	}
	s.Lock()
	defer s.Unlock()
	gen := s.NextGeneration()
	sv.zlog.Debugw("stop requested", "slot", s.Label, "generation", gen)

	if !s.Running() || s.PID() == 0 {
		sv.zlog.Infow("already stopped", "slot", s.Label)
		return StopResult{Running: false}
	}

	sv.zlog.Infow("stopping proxy", "slot", s.Label, "pid", s.PID())
	sv.stopProcessGraceful(s.PID())
	s.MarkStopped("")
	return StopResult{Running: false}
}

// ReapDead checks s's supervised process liveness and marks the slot
// dead (clearing pid/devnode) if the process is gone. Intended to run
// before every status read so /api/devices never reports a pid that no
// longer exists.
func (sv *Supervisor) ReapDead(s *slot.Slot) {
	s.Lock()
	defer s.Unlock()
	if s.Running() && s.PID() != 0 && !sv.alive(s.PID()) {
		sv.zlog.Warnw("proxy process died", "slot", s.Label, "pid", s.PID())
		s.MarkDead("process died")
	}
}

// lockSlotFile acquires an exclusive flock on s's lock file under
// cfg.LockDir for the duration of a start/stop decision, guarding against
// two portal processes racing the same slot, on top of the in-process
// slot mutex. A no-op (and nil error) when
// LockDir is unset, since tests construct Supervisors without one.
func (sv *Supervisor) lockSlotFile(slotKey string) (unlock func(), err error) {
	if sv.cfg.LockDir == "" {
		return func() {}, nil
	}
	path := slot.LockFilePath(sv.cfg.LockDir, slotKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (sv *Supervisor) startProxy(ctx context.Context, s *slot.Slot, devnode string) (int, error) {
	if sv.cfg.ProxyPath == "" {
		return 0, ErrNoProxyExecutable
	}
	if _, err := os.Stat(sv.cfg.ProxyPath); err != nil {
		return 0, ErrNoProxyExecutable
	}
	if !sv.deviceReady(ctx, devnode) {
		return 0, fmt.Errorf("%w: %s", ErrDeviceNotReady, devnode)
	}

	args := []string{"-p", strconv.Itoa(s.TCPPort)}
	if strings.Contains(filepath.Base(sv.cfg.ProxyPath), "serial_proxy") {
		args = append(args, "-l", sv.cfg.LogDir)
	}
	args = append(args, devnode)
	pid, exited, err := sv.launch(sv.cfg.ProxyPath, args)
	if err != nil {
		return 0, fmt.Errorf("supervisor: start proxy: %w", err)
	}

	select {
	case err := <-exited:
		return 0, &ErrChildExitedEarly{ExitCode: exitCodeOf(err)}
	case <-time.After(sv.cfg.StartupGracePeriod):
	}

	deadline := time.Now().Add(sv.cfg.PortListenTimeout)
	for time.Now().Before(deadline) {
		if sv.portListening(s.TCPPort) {
			return pid, nil
		}
		time.Sleep(sv.cfg.PollInterval)
	}

	sv.stopProcessGraceful(pid)
	return 0, &ErrPortNotListening{Port: s.TCPPort}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// realLaunch starts the proxy binary detached in its own session, the
// way a forking daemon-spawning supervisor needs to so the child outlives
// the request that started it.
func (sv *Supervisor) realLaunch(path string, args []string) (int, <-chan error, error) {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	return cmd.Process.Pid, exited, nil
}

func (sv *Supervisor) realDeviceReady(ctx context.Context, devnode string) bool {
	deadline := time.Now().Add(sv.cfg.SettleTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if fd, err := syscall.Open(devnode, syscall.O_RDWR|syscall.O_NONBLOCK, 0); err == nil {
			syscall.Close(fd)
			return true
		}
		time.Sleep(sv.cfg.PollInterval)
	}
	return false
}

func (sv *Supervisor) realPortListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (sv *Supervisor) realAlive(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// stopProcessGraceful sends SIGTERM and waits up to StopTimeout for the
// process to exit, escalating to SIGKILL if it doesn't.
func (sv *Supervisor) stopProcessGraceful(pid int) error {
	var errs error
	if err := sv.kill(pid, syscall.SIGTERM); err != nil {
		errs = multierr.Append(errs, err)
	}

	deadline := time.Now().Add(sv.cfg.StopTimeout)
	for time.Now().Before(deadline) {
		if !sv.alive(pid) {
			return errs
		}
		time.Sleep(sv.cfg.PollInterval)
	}

	if err := sv.kill(pid, syscall.SIGKILL); err != nil {
		errs = multierr.Append(errs, err)
	}
	time.Sleep(500 * time.Millisecond)
	return errs
}
