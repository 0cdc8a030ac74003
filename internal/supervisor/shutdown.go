package supervisor

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// waitExited polls until name's runtime no longer reports pid as the
// running process, or timeout elapses. Polling rather than a condition
// variable keeps this independent of whichever goroutine happens to
// observe the exit first (waitForDeath's handleDeath clears pid
// asynchronously relative to the caller here).
func (e *Engine) waitExited(ms *managedService, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ms.runtime.currentPID() != pid {
			return true
		}
		if time.Now().After(deadline) {
			return ms.runtime.currentPID() != pid
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Stop performs the per-service escalation of spec §4.B.4: mark
// ignore-next-death, try the shutdown RPC, then SIGTERM (or SIGQUIT
// when withCore requests a recovery dump), then SIGKILL, each step
// bounded and falling through to the next if the process is still
// alive.
func (e *Engine) Stop(name string, withCore bool) error {
	ms, ok := e.lookup(name)
	if !ok {
		return fmt.Errorf("supervisor: unknown service %q", name)
	}
	ms.runtime.markIgnoreNextDeath()
	return e.escalate(ms, withCore)
}

// StopGroup stops every service in group, pre-marking ignore-next-death
// on all of them before escalating any, to eliminate the race across
// members (spec §4.B.4).
func (e *Engine) StopGroup(group string, withCore bool) []error {
	return e.stopMany(e.ServiceNamesInGroup(group), withCore)
}

// StopAll stops every registered service, with the same pre-marking
// discipline as StopGroup.
func (e *Engine) StopAll(withCore bool) []error {
	return e.stopMany(e.Names(), withCore)
}

func (e *Engine) stopMany(names []string, withCore bool) []error {
	targets := make([]*managedService, 0, len(names))
	for _, name := range names {
		if ms, ok := e.lookup(name); ok {
			ms.runtime.markIgnoreNextDeath()
			targets = append(targets, ms)
		}
	}

	var combined error
	for _, ms := range targets {
		combined = multierr.Append(combined, e.escalate(ms, withCore))
	}
	return multierr.Errors(combined)
}

// escalate captures the pid once and waits on that pid throughout,
// since automatic restart could otherwise reassign currentPID between
// steps (spec §4.B.4 step 5) — though ignore-next-death, already set
// by the caller, should prevent a restart from happening at all here.
// A failed shutdown RPC or a process still alive after SIGKILL never
// stop the escalation early (every later step still runs), but both are
// reported back via the returned error rather than only logged, so a
// caller aggregating many services' results (stopMany) can tell which
// ones needed the harder stages.
func (e *Engine) escalate(ms *managedService, withCore bool) error {
	pid := ms.runtime.currentPID()
	if pid == 0 {
		return nil
	}

	snap := ms.runtime.snapshot()
	waitSecs := ms.def.WaitOnShutdownSecs
	if waitSecs == 0 {
		waitSecs = defaultWaitOnShutdownSecs
	}

	var errs error

	if snap.shutdownToken != "" && snap.ipcPort != 0 {
		err := SendShutdown(context.Background(), snap.ipcPort, snap.shutdownToken, time.Duration(waitSecs)*time.Second)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("supervisor: shutdown rpc to %s: %w", ms.def.Name, err))
			e.logger.Log(log.Event{
				Timestamp:   time.Now(),
				Layer:       log.LayerSupervisor,
				Category:    log.CategoryError,
				ServiceName: ms.def.Name,
				Error:       &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "shutdown rpc"},
			})
		} else {
			e.logger.Log(log.Event{
				Timestamp:   time.Now(),
				Layer:       log.LayerSupervisor,
				Category:    log.CategoryControl,
				ServiceName: ms.def.Name,
				ControlMsg:  &log.ControlMsgEvent{Type: log.ControlMsgShutdown},
			})
			if e.waitExited(ms, pid, e.sigtermGrace) {
				return errs
			}
		}
	}

	sig := syscall.SIGTERM
	if withCore {
		sig = syscall.SIGQUIT
	}
	if proc := ms.currentProc(); proc != nil {
		proc.Signal(sig)
	}
	if e.waitExited(ms, pid, e.sigtermGrace) {
		return errs
	}

	if proc := ms.currentProc(); proc != nil {
		proc.Signal(syscall.SIGKILL)
	}
	if !e.waitExited(ms, pid, e.sigkillGrace) {
		errs = multierr.Append(errs, fmt.Errorf("supervisor: %s still alive after SIGKILL", ms.def.Name))
	}
	return errs
}
