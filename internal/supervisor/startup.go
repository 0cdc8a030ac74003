package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

const (
	defaultAckTimeout         = 5 * time.Minute
	defaultSinglePhaseTimeout = 60 * time.Second
	defaultPhase2Timeout      = 30 * time.Second
)

// serviceAdvertiser is the subset of *Advertiser the Coordinator needs,
// narrowed to an interface so tests can substitute a fake instead of
// registering real mDNS services.
type serviceAdvertiser interface {
	Advertise(serviceName string, port int) error
}

// Coordinator runs the staged startup sequence of spec §4.B.3 exactly
// once per process lifetime: single-phase services first, ack-gated,
// then the rest, another ack gate, then phase-2-init RPCs, then an
// INIT_COMPLETE broadcast.
type Coordinator struct {
	engine     *Engine
	logger     log.Logger
	advertiser serviceAdvertiser

	ackTimeout         time.Duration
	singlePhaseTimeout time.Duration
	phase2Timeout      time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	ran    bool
	gaveUp bool
}

// NewCoordinator builds a Coordinator with the spec's default timers.
// advertiser may be nil, in which case acked services' ipc ports are
// never published over mDNS (the ack-listener RPC path still works
// without it; advertisement only helps external tooling find a port).
func NewCoordinator(engine *Engine, logger log.Logger, advertiser serviceAdvertiser) *Coordinator {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	c := &Coordinator{
		engine:             engine,
		logger:             logger,
		advertiser:         advertiser,
		ackTimeout:         defaultAckTimeout,
		singlePhaseTimeout: defaultSinglePhaseTimeout,
		phase2Timeout:      defaultPhase2Timeout,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// OnAck is the AckHandler to pass to NewAckListener: it records the ack
// on the named service's runtime, advertises its ipc port over mDNS,
// and wakes any Run goroutine waiting on that service's ack pool (spec
// §4.B.3 "Ack reception... signals the coordinator accordingly").
func (c *Coordinator) OnAck(msg AckMessage) {
	if rt, ok := c.engine.Runtime(msg.ServiceName); ok {
		rt.recordAck(msg.IPCPort, msg.ShutdownToken)
	}
	if c.advertiser != nil && msg.IPCPort != 0 {
		if err := c.advertiser.Advertise(msg.ServiceName, msg.IPCPort); err != nil {
			c.logger.Log(log.Event{
				Timestamp:   time.Now(),
				Layer:       log.LayerSupervisor,
				Category:    log.CategoryError,
				ServiceName: msg.ServiceName,
				Error:       &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "mdns advertise"},
			})
		}
	}
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Run executes the startup sequence. It returns an error only if called
// more than once; every other failure (spawn error, missed ack, failed
// phase-2-init) is logged and treated as non-fatal, per spec §4.B.3/§7.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return fmt.Errorf("supervisor: startup sequence already ran")
	}
	c.ran = true
	c.mu.Unlock()

	ackDeadline := time.Now().Add(c.ackTimeout)

	var singlePhase, rest []string
	for _, name := range c.engine.Names() {
		def, ok := c.engine.Definition(name)
		if !ok {
			continue
		}
		switch {
		case def.SinglePhaseStartup:
			singlePhase = append(singlePhase, name)
		case def.AutoStart:
			rest = append(rest, name)
		}
	}

	for _, name := range singlePhase {
		c.startOrLog(name)
	}

	singlePhaseDeadline := time.Now().Add(c.singlePhaseTimeout)
	if singlePhaseDeadline.After(ackDeadline) {
		singlePhaseDeadline = ackDeadline
	}
	c.waitForAcks(singlePhase, singlePhaseDeadline)

	for _, name := range rest {
		c.startOrLog(name)
	}

	all := make([]string, 0, len(singlePhase)+len(rest))
	all = append(all, singlePhase...)
	all = append(all, rest...)
	c.waitForAcks(all, ackDeadline)

	if time.Now().After(ackDeadline) {
		c.mu.Lock()
		c.gaveUp = true
		c.mu.Unlock()
	}

	for _, name := range all {
		rt, ok := c.engine.Runtime(name)
		if !ok {
			continue
		}
		snap := rt.snapshot()
		if snap.ipcPort == 0 {
			continue
		}
		if err := SendPhase2Init(ctx, snap.ipcPort, c.phase2Timeout); err != nil {
			c.logger.Log(log.Event{
				Timestamp:   time.Now(),
				Layer:       log.LayerSupervisor,
				Category:    log.CategoryError,
				ServiceName: name,
				Error:       &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "phase-2-init"},
			})
			continue
		}
		c.logger.Log(log.Event{
			Timestamp:   time.Now(),
			Layer:       log.LayerSupervisor,
			Category:    log.CategoryControl,
			ServiceName: name,
			ControlMsg:  &log.ControlMsgEvent{Type: log.ControlMsgBeginPhase2},
		})
	}

	qualifier := "all services"
	if c.GaveUp() {
		qualifier = "some services"
	}
	c.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerSupervisor,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySupervisor,
			NewState: "INIT_COMPLETE",
			Reason:   qualifier,
		},
	})
	return nil
}

func (c *Coordinator) startOrLog(name string) {
	if err := c.engine.Start(name); err != nil {
		c.logger.Log(log.Event{
			Timestamp:   time.Now(),
			Layer:       log.LayerSupervisor,
			Category:    log.CategoryError,
			ServiceName: name,
			Error:       &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "startup spawn"},
		})
	}
}

// waitForAcks blocks until every name that expects an ack has one, or
// deadline passes. Services not configured with ExpectAck are skipped.
func (c *Coordinator) waitForAcks(names []string, deadline time.Time) {
	pending := make([]string, 0, len(names))
	for _, name := range names {
		def, ok := c.engine.Definition(name)
		if ok && def.ExpectAck {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return
	}

	c.mu.Lock()
	for !c.allAcked(pending) && !time.Now().After(deadline) {
		waitUntil(c.cond, deadline)
	}
	c.mu.Unlock()
}

func (c *Coordinator) allAcked(names []string) bool {
	for _, name := range names {
		rt, ok := c.engine.Runtime(name)
		if !ok || !rt.hasAcked() {
			return false
		}
	}
	return true
}

// waitUntil blocks on cond until either it is signaled or deadline
// passes, without holding cond's lock across the timer.
func waitUntil(cond *sync.Cond, deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}

// GaveUp reports whether the ack timer expired before every expected
// ack arrived (spec §4.B.3 step 1 "gave up" flag).
func (c *Coordinator) GaveUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaveUp
}
