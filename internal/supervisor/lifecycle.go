package supervisor

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/jinzhu/copier"
	"github.com/spf13/afero"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// Rebooter performs the platform reboot a misbehaving service triggers
// once its restart cap is exceeded and its action is ActionReboot
// (spec §3.B invariant iii, §4.B.2 step 4).
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// platformRebooter issues a real Linux reboot syscall.
type platformRebooter struct{}

// NewPlatformRebooter returns the production Rebooter.
func NewPlatformRebooter() Rebooter { return platformRebooter{} }

func (platformRebooter) Reboot(ctx context.Context) error {
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}

// managedService pairs a service's static definition with its runtime
// state and the handle to its currently running instance, if any.
type managedService struct {
	def     ServiceDefinition
	runtime *ServiceRuntime

	mu   sync.Mutex
	proc spawnedProcess
}

func (m *managedService) setProc(p spawnedProcess) {
	m.mu.Lock()
	m.proc = p
	m.mu.Unlock()
}

func (m *managedService) currentProc() spawnedProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc
}

// Engine is the lifecycle core of the supervisor: it spawns services,
// reaps their deaths, and applies the restart policy (spec §3.B, §4.B).
// Startup staging and shutdown escalation build on top of it in
// startup.go and shutdown.go.
type Engine struct {
	mu       sync.RWMutex
	services map[string]*managedService
	groups   map[string][]string

	spawner       Spawner
	rebooter      Rebooter
	misbehaving   *MisbehavingGuard
	fs            afero.Fs
	misbehavePath string
	logger        log.Logger

	// sigtermGrace/sigkillGrace are the spec §4.B.4 "wait up to 10
	// seconds" windows after SIGTERM/SIGQUIT and after SIGKILL. Fields
	// rather than constants so tests can shrink them.
	sigtermGrace time.Duration
	sigkillGrace time.Duration
}

const defaultShutdownGrace = 10 * time.Second

// NewEngine constructs an Engine with no services registered yet.
// logger may be log.NoopLogger{}.
func NewEngine(spawner Spawner, rebooter Rebooter, misbehaving *MisbehavingGuard, fs afero.Fs, misbehavePath string, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Engine{
		services:      make(map[string]*managedService),
		groups:        make(map[string][]string),
		spawner:       spawner,
		rebooter:      rebooter,
		misbehaving:   misbehaving,
		fs:            fs,
		misbehavePath: misbehavePath,
		sigtermGrace:  defaultShutdownGrace,
		sigkillGrace:  defaultShutdownGrace,
		logger:        logger,
	}
}

// Register adds a service definition to the engine. It must be called
// before Start is used on that service's name. def is deep-copied into
// the engine's own snapshot so the caller's copy (e.g. the config
// loader's slice, whose Args backing array the caller still holds a
// reference to) can't retroactively mutate a "registered, now
// immutable" definition (spec §3.B).
func (e *Engine) Register(def ServiceDefinition) {
	var stored ServiceDefinition
	if err := copier.Copy(&stored, &def); err != nil {
		stored = def
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.services[stored.Name] = &managedService{def: stored, runtime: newServiceRuntime()}
	if stored.Group != "" {
		e.groups[stored.Group] = append(e.groups[stored.Group], stored.Name)
	}
}

func (e *Engine) lookup(name string) (*managedService, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ms, ok := e.services[name]
	return ms, ok
}

// Names returns every registered service name, for startup staging.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.services))
	for name := range e.services {
		out = append(out, name)
	}
	return out
}

// ServiceNamesInGroup returns the services registered under group.
func (e *Engine) ServiceNamesInGroup(group string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.groups[group]...)
}

// Definition returns a deep copy of the registered ServiceDefinition for
// name, so a caller holding onto the returned value (startup staging,
// the audit log) can't alias — let alone mutate — the engine's own copy.
func (e *Engine) Definition(name string) (ServiceDefinition, bool) {
	ms, ok := e.lookup(name)
	if !ok {
		return ServiceDefinition{}, false
	}
	var out ServiceDefinition
	if err := copier.Copy(&out, &ms.def); err != nil {
		return ms.def, true
	}
	return out, true
}

// Runtime returns the ServiceRuntime for name, for ack-gating and
// shutdown-token lookups.
func (e *Engine) Runtime(name string) (*ServiceRuntime, bool) {
	ms, ok := e.lookup(name)
	if !ok {
		return nil, false
	}
	return ms.runtime, true
}

// Start spawns name for the first time or as a restart. It is the
// single entry point both startup staging and restart-on-death use.
func (e *Engine) Start(name string) error {
	ms, ok := e.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown service %q", name)
	}
	return e.startService(ms)
}

func (e *Engine) startService(ms *managedService) error {
	restarted := ms.runtime.snapshot().deathCount > 0

	proc, err := e.spawner.Spawn(ms.def, restarted)
	if err != nil {
		return err
	}

	ms.setProc(proc)
	ms.runtime.recordStart(proc.PID())
	if ms.def.IsJavaService {
		// Java services configure their ipc port up front rather than
		// reporting it at ack time; seed it so shutdown/phase-2 RPCs
		// have somewhere to dial even before any ack arrives.
		ms.runtime.seedConfiguredPort(ms.def.ConfiguredPort)
	}

	e.logger.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerSupervisor,
		Category:    log.CategoryLifecycle,
		ServiceName: ms.def.Name,
		Lifecycle:   &log.LifecycleEvent{Kind: log.LifecycleStart, PID: proc.PID()},
	})

	go e.waitForDeath(ms)
	return nil
}

func (e *Engine) waitForDeath(ms *managedService) {
	proc := ms.currentProc()
	if proc == nil {
		return
	}
	exitCode, _ := proc.Wait()
	e.handleDeath(ms, exitCode)
}

// handleDeath implements the restart-policy algorithm of spec §4.B.2:
// locate the service, clear its pid, check the ignore-next-death
// discipline, then (if restart-on-crash applies) enforce the minimum
// restart gap and the rolling restart-rate cap before respawning.
func (e *Engine) handleDeath(ms *managedService, exitCode int) {
	ms.setProc(nil)
	ignored := ms.runtime.takeDeath()

	e.logger.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerSupervisor,
		Category:    log.CategoryLifecycle,
		ServiceName: ms.def.Name,
		Lifecycle:   &log.LifecycleEvent{Kind: log.LifecycleDeath, ExitCode: exitCode},
	})

	if !ms.def.RestartOnCrash {
		return
	}
	if ignored {
		return
	}

	downgraded := e.misbehaving.Downgraded(ms.def.Name)
	decision := ms.runtime.evaluateRestart(ms.def, downgraded)

	if decision.kind == restartCapExceeded {
		action := "stop-restarting"
		if decision.action == ActionReboot {
			action = "reboot"
		}
		e.logger.Log(log.Event{
			Timestamp:   time.Now(),
			Layer:       log.LayerSupervisor,
			Category:    log.CategoryRestartCap,
			ServiceName: ms.def.Name,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntitySupervisor, NewState: action},
		})
		switch decision.action {
		case ActionReboot:
			if err := Persist(e.fs, e.misbehavePath, ms.def.Name); err != nil {
				e.logger.Log(log.Event{
					Timestamp: time.Now(),
					Layer:     log.LayerSupervisor,
					Category:  log.CategoryError,
					Error:     &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "persist misbehaving record"},
				})
			}
			e.logger.Log(log.Event{
				Timestamp:   time.Now(),
				Layer:       log.LayerSupervisor,
				Category:    log.CategoryLifecycle,
				ServiceName: ms.def.Name,
				Lifecycle:   &log.LifecycleEvent{Kind: log.LifecycleReboot},
			})
			if err := e.rebooter.Reboot(context.Background()); err != nil {
				e.logger.Log(log.Event{
					Timestamp: time.Now(),
					Layer:     log.LayerSupervisor,
					Category:  log.CategoryError,
					Error:     &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "reboot"},
				})
			}
		case ActionStopRestarting:
			// no further action; the service stays down until an
			// operator restarts it explicitly.
		}
		return
	}

	if err := e.startService(ms); err != nil {
		e.logger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerSupervisor,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "restart"},
		})
		return
	}

	e.logger.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerSupervisor,
		Category:    log.CategoryLifecycle,
		ServiceName: ms.def.Name,
		Lifecycle:   &log.LifecycleEvent{Kind: log.LifecycleRestart},
	})
}

// Signal delivers sig to name's current process, a no-op if it is not
// running.
func (e *Engine) Signal(name string, sig syscall.Signal) error {
	ms, ok := e.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown service %q", name)
	}
	proc := ms.currentProc()
	if proc == nil {
		return nil
	}
	return proc.Signal(sig)
}

// MarkIgnoreNextDeath sets the discipline flag on name before an
// intentional stop, so the next death does not trigger a restart
// (spec §4.B.2 "Ignore-death discipline").
func (e *Engine) MarkIgnoreNextDeath(name string) {
	ms, ok := e.lookup(name)
	if !ok {
		return
	}
	ms.runtime.markIgnoreNextDeath()
}

// IsRunning reports whether name currently has a live process.
func (e *Engine) IsRunning(name string) bool {
	ms, ok := e.lookup(name)
	if !ok {
		return false
	}
	return ms.runtime.isRunning()
}
