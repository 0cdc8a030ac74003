package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// fakeProcess is a spawnedProcess whose exit is controlled by the test.
// onSignal, if set, lets a test simulate a process that actually reacts
// to a given signal by exiting.
type fakeProcess struct {
	pid      int
	exitCh   chan int
	mu       sync.Mutex
	signals  []syscall.Signal
	onSignal func(sig syscall.Signal, exitCh chan int)
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	cb := p.onSignal
	p.mu.Unlock()
	if cb != nil {
		cb(sig, p.exitCh)
	}
	return nil
}

func (p *fakeProcess) sentSignals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *fakeProcess) setOnSignal(cb func(sig syscall.Signal, exitCh chan int)) {
	p.mu.Lock()
	p.onSignal = cb
	p.mu.Unlock()
}

// fakeSpawner hands out fakeProcess instances and records every spawn.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	spawns   []bool // restarted flag per spawn
	procs    []*fakeProcess
	spawnErr error
}

func (s *fakeSpawner) Spawn(def ServiceDefinition, restarted bool) (spawnedProcess, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, exitCh: make(chan int, 1)}
	s.spawns = append(s.spawns, restarted)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawns)
}

func (s *fakeSpawner) lastProc() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeRebooter struct {
	mu     sync.Mutex
	called int
}

func (r *fakeRebooter) Reboot(ctx context.Context) error {
	r.mu.Lock()
	r.called++
	r.mu.Unlock()
	return nil
}

func (r *fakeRebooter) rebootCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.called
}

func waitForSpawnCount(t *testing.T, s *fakeSpawner, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.spawnCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNowf(t, "spawn count deadline exceeded", "never reached %d, got %d", n, s.spawnCount())
}

func newTestEngine(spawner Spawner, rebooter Rebooter) *Engine {
	fs := afero.NewMemMapFs()
	guard, _ := NewMisbehavingGuard(fs, "/var/run/misbehaving.json")
	return NewEngine(spawner, rebooter, guard, fs, "/var/run/misbehaving.json", log.NoopLogger{})
}

func TestStartRecordsPIDAndRestartedIsFalseOnFirstSpawn(t *testing.T) {
	spawner := &fakeSpawner{}
	e := newTestEngine(spawner, &fakeRebooter{})
	e.Register(ServiceDefinition{Name: "zigbeeCore", RestartOnCrash: true, MaxRestartsPerMinute: 5})

	require.NoError(t, e.Start("zigbeeCore"))
	require.True(t, e.IsRunning("zigbeeCore"))
	require.False(t, spawner.spawns[0], "first spawn must report restarted=false")
}

func TestDeathWithRestartOnCrashFalseDoesNotRespawn(t *testing.T) {
	spawner := &fakeSpawner{}
	e := newTestEngine(spawner, &fakeRebooter{})
	e.Register(ServiceDefinition{Name: "oneShot", RestartOnCrash: false})

	require.NoError(t, e.Start("oneShot"))
	spawner.lastProc().exitCh <- 0

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, spawner.spawnCount(), "no restart expected")
}

func TestIgnoreNextDeathSuppressesOneRestart(t *testing.T) {
	spawner := &fakeSpawner{}
	e := newTestEngine(spawner, &fakeRebooter{})
	e.Register(ServiceDefinition{Name: "svc", RestartOnCrash: true, MaxRestartsPerMinute: 5})

	require.NoError(t, e.Start("svc"))
	e.MarkIgnoreNextDeath("svc")
	spawner.lastProc().exitCh <- 0

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, spawner.spawnCount(), "death ignored, no restart expected")

	// A subsequent death restarts normally since the flag is one-shot.
	require.NoError(t, e.Start("svc"))
	spawner.lastProc().exitCh <- 1
	waitForSpawnCount(t, spawner, 3)
}

func TestRestartCapExceededTriggersReboot(t *testing.T) {
	spawner := &fakeSpawner{}
	rebooter := &fakeRebooter{}
	e := newTestEngine(spawner, rebooter)
	e.Register(ServiceDefinition{
		Name:                   "flaky",
		RestartOnCrash:         true,
		MaxRestartsPerMinute:   2,
		SecondsBetweenRestarts: 0,
		ActionOnMaxRestarts:    ActionReboot,
	})

	require.NoError(t, e.Start("flaky"))
	// Three deaths in quick succession: restartsInWindow counts 1, 2, 3 —
	// the third exceeds MaxRestartsPerMinute=2.
	spawner.lastProc().exitCh <- 1
	waitForSpawnCount(t, spawner, 2)
	spawner.lastProc().exitCh <- 1
	waitForSpawnCount(t, spawner, 3)
	spawner.lastProc().exitCh <- 1

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rebooter.rebootCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, rebooter.rebootCount())
	require.Equal(t, 3, spawner.spawnCount(), "no respawn expected after cap exceeded")
}

func TestRestartCapExceededWithStopRestartingDoesNotReboot(t *testing.T) {
	spawner := &fakeSpawner{}
	rebooter := &fakeRebooter{}
	e := newTestEngine(spawner, rebooter)
	e.Register(ServiceDefinition{
		Name:                   "flaky",
		RestartOnCrash:         true,
		MaxRestartsPerMinute:   1,
		SecondsBetweenRestarts: 0,
		ActionOnMaxRestarts:    ActionStopRestarting,
	})

	require.NoError(t, e.Start("flaky"))
	spawner.lastProc().exitCh <- 1
	waitForSpawnCount(t, spawner, 2)
	spawner.lastProc().exitCh <- 1

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, rebooter.rebootCount(), "ActionStopRestarting must not reboot")
	require.Equal(t, 2, spawner.spawnCount())
}
