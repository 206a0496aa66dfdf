package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorsiot/rfc2217portal/slot"
)

func fastConfig(t *testing.T) Config {
	t.Helper()
	proxyPath := filepath.Join(t.TempDir(), "proxy")
	require.NoError(t, os.WriteFile(proxyPath, []byte("#!/bin/true\n"), 0o755))
	return Config{
		ProxyPath:          proxyPath,
		LogDir:             t.TempDir(),
		LockDir:            t.TempDir(),
		SettleTimeout:      200 * time.Millisecond,
		PortListenTimeout:  200 * time.Millisecond,
		StopTimeout:        200 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		StartupGracePeriod: 10 * time.Millisecond,
	}
}

// fakeProcess controls how a Supervisor's launch/alive/portListening/kill
// seams behave for one test, without spawning a real OS process.
type fakeProcess struct {
	pid           int
	exited        chan error
	alive         bool
	killSignals   []syscall.Signal
	listeningPort int
}

func newFakeSupervisor(t *testing.T) (*Supervisor, *fakeProcess) {
	sv := New(fastConfig(t), nil)
	fp := &fakeProcess{pid: 4242, exited: make(chan error), alive: true}
	sv.launch = func(path string, args []string) (int, <-chan error, error) {
		return fp.pid, fp.exited, nil
	}
	sv.alive = func(pid int) bool { return fp.alive }
	sv.portListening = func(port int) bool { return port == fp.listeningPort }
	sv.kill = func(pid int, sig syscall.Signal) error {
		fp.killSignals = append(fp.killSignals, sig)
		return nil
	}
	sv.deviceReady = func(ctx context.Context, devnode string) bool { return true }
	return sv, fp
}

func TestStart_CreatesSlotLockFile(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)

	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)

	_, statErr := os.Stat(slot.LockFilePath(sv.cfg.LockDir, s.Key))
	assert.NoError(t, statErr)
}

func TestStart_SucceedsWhenPortComesUp(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)

	res, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)
	assert.True(t, res.Running)
	assert.True(t, res.Restarted)
	assert.Equal(t, 4242, res.PID)
	assert.True(t, s.Snapshot().Running)
}

func TestStart_IsIdempotentForSameHealthySession(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)

	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)
	gen1 := s.Snapshot().Generation

	res2, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)
	assert.False(t, res2.Restarted)
	assert.Less(t, gen1, s.Snapshot().Generation) // generation still advances
}

func TestStart_DifferentDevnodeRestartsProxy(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)

	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)

	fp.pid = 9999
	res, err := sv.Start(context.Background(), s, "/dev/ttyUSB1")
	require.NoError(t, err)
	assert.True(t, res.Restarted)
	assert.Equal(t, "/dev/ttyUSB1", s.Snapshot().Devnode)
}

func TestStart_PortNeverListeningReturnsTypedError(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = -1 // never matches any configured port
	s := slot.New("a", "key-a", 4001)

	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.Error(t, err)
	var portErr *ErrPortNotListening
	require.ErrorAs(t, err, &portErr)
	assert.Equal(t, 4001, portErr.Port)
	assert.False(t, s.Snapshot().Running)
}

func TestStart_ChildExitedEarlyReturnsTypedError(t *testing.T) {
	sv, _ := newFakeSupervisor(t)
	sv.launch = func(path string, args []string) (int, <-chan error, error) {
		exited := make(chan error, 1)
		exited <- nil
		return 555, exited, nil
	}
	s := slot.New("a", "key-a", 4001)

	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.Error(t, err)
	var exitErr *ErrChildExitedEarly
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 0, exitErr.ExitCode)
}

func TestStart_UnreadyDeviceReturnsTypedError(t *testing.T) {
	sv, _ := newFakeSupervisor(t)
	sv.deviceReady = func(ctx context.Context, devnode string) bool { return false }
	s := slot.New("a", "key-a", 4001)

	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotReady)
}

func TestStop_NoOpWhenNotRunning(t *testing.T) {
	sv, _ := newFakeSupervisor(t)
	s := slot.New("a", "key-a", 4001)

	res := sv.Stop(s)
	assert.False(t, res.Running)
}

func TestStop_StopsRunningProxy(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)
	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)

	fp.alive = false // simulate the kill taking effect
	res := sv.Stop(s)
	assert.False(t, res.Running)
	assert.False(t, s.Snapshot().Running)
	assert.Empty(t, s.Snapshot().Devnode)
	assert.Contains(t, fp.killSignals, syscall.SIGTERM)
}

func TestStop_EscalatesToSIGKILLWhenProcessWontDie(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)
	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)

	// fp.alive stays true through the whole StopTimeout window, forcing
	// stopProcessGraceful to escalate.
	res := sv.Stop(s)
	assert.False(t, res.Running)
	require.Len(t, fp.killSignals, 2)
	assert.Equal(t, syscall.SIGTERM, fp.killSignals[0])
	assert.Equal(t, syscall.SIGKILL, fp.killSignals[1])
}

func TestReapDead_MarksDeadAndClearsDevnode(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)
	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)

	fp.alive = false
	sv.ReapDead(s)

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	assert.Empty(t, snap.Devnode)
	assert.Equal(t, "process died", snap.LastError)
}

func TestReapDead_NoOpWhenAlive(t *testing.T) {
	sv, fp := newFakeSupervisor(t)
	fp.listeningPort = 4001
	s := slot.New("a", "key-a", 4001)
	_, err := sv.Start(context.Background(), s, "/dev/ttyUSB0")
	require.NoError(t, err)

	sv.ReapDead(s)
	assert.True(t, s.Snapshot().Running)
}
