package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// spawnedProcess is what the lifecycle engine needs from a running
// service, whatever launch mode produced it (spec §9: "where the
// runtime does not allow fork/exec, the supervisor becomes a
// collection of in-process tasks" that must satisfy the same
// start/signal/wait contract as a real child process).
type spawnedProcess interface {
	PID() int
	Wait() (exitCode int, err error)
	Signal(sig syscall.Signal) error
}

// Spawner launches one service instance. restarted reports whether this
// is a restart following a crash, surfaced to the child as
// CHILD_WAS_RESTARTED (spec §4.B.2).
type Spawner interface {
	Spawn(def ServiceDefinition, restarted bool) (spawnedProcess, error)
}

// execSpawner launches services as real child processes, each in its
// own process group so a single signal reaches every descendant
// (spec §4.B.3, §4.B.4).
type execSpawner struct{}

// NewExecSpawner returns the fork/exec-mode Spawner.
func NewExecSpawner() Spawner { return execSpawner{} }

func (execSpawner) Spawn(def ServiceDefinition, restarted bool) (spawnedProcess, error) {
	cmd := exec.Command(def.Path, def.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	env := os.Environ()
	if restarted {
		env = append(env, "CHILD_WAS_RESTARTED=true")
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", def.Name, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Signal delivers sig to the whole process group (negative pid), so a
// service's own children are reached the same way the service itself is
// (spec §4.B.4 shutdown escalation).
func (p *execProcess) Signal(sig syscall.Signal) error {
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// Task is one in-process service body: it runs until ctx is canceled
// (a stop/shutdown request) or it returns on its own (a crash).
type Task func(ctx context.Context) error

// taskSpawner launches services as goroutines instead of child
// processes, for runtimes where fork/exec is unavailable or
// undesirable (spec §9). Every registered Task is addressed by the
// ServiceDefinition.Name the engine spawns it under.
type taskSpawner struct {
	mu      sync.Mutex
	tasks   map[string]Task
	nextPID int
}

// NewTaskSpawner returns the in-process-mode Spawner, dispatching to
// one Task per registered service name.
func NewTaskSpawner(tasks map[string]Task) Spawner {
	return &taskSpawner{tasks: tasks}
}

func (s *taskSpawner) Spawn(def ServiceDefinition, restarted bool) (spawnedProcess, error) {
	task, ok := s.tasks[def.Name]
	if !ok {
		return nil, fmt.Errorf("supervisor: no in-process task registered for %s", def.Name)
	}

	s.mu.Lock()
	s.nextPID++
	pid := s.nextPID
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if restarted {
		ctx = context.WithValue(ctx, restartedContextKey{}, true)
	}
	done := make(chan error, 1)
	go func() { done <- task(ctx) }()

	return &taskProcess{pid: pid, cancel: cancel, done: done}, nil
}

type restartedContextKey struct{}

// WasRestarted reports whether ctx belongs to a Task invocation started
// after a previous crash, the in-process equivalent of CHILD_WAS_RESTARTED.
func WasRestarted(ctx context.Context) bool {
	v, _ := ctx.Value(restartedContextKey{}).(bool)
	return v
}

type taskProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan error
}

func (p *taskProcess) PID() int { return p.pid }

func (p *taskProcess) Wait() (int, error) {
	if err := <-p.done; err != nil {
		return 1, nil
	}
	return 0, nil
}

// Signal treats any signal as a stop request: an in-process task has
// no real signal disposition to escalate through, so SIGTERM, SIGQUIT,
// and SIGKILL all just cancel ctx (spec §9).
func (p *taskProcess) Signal(sig syscall.Signal) error {
	p.cancel()
	return nil
}
