package zhal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

const (
	busyMaxRetries = 5
	busyRetryDelay = 250 * time.Millisecond
)

// Transmitter is the seam the dispatcher calls to perform the TCP
// round-trip for a single call. A real *transmitter implements this;
// tests substitute a fake.
type Transmitter interface {
	Transmit(ctx context.Context, req *Request) (Response, bool, error)
}

// Dispatcher serializes calls per target device, correlates async
// replies, and owns the worker loop that drains ready device queues
// (spec §4.A.1).
type Dispatcher struct {
	mu      sync.Mutex
	queues  map[uint64]*deviceQueue
	corr    *correlationTable
	tx      Transmitter
	logger  log.Logger
	nextID  atomic.Uint64
	wake    chan struct{}
	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. tx performs the wire round-trip;
// logger may be log.NoopLogger{}.
func NewDispatcher(tx Transmitter, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	d := &Dispatcher{
		queues:  make(map[uint64]*deviceQueue),
		corr:    newCorrelationTable(),
		tx:      tx,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	return d
}

// Start launches the single worker goroutine that drains device queues.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.workerLoop()
}

// Close stops the worker loop and waits for transmits already under way.
// Every Call still waiting, whether queued or awaiting an async reply,
// returns ErrClosed at once, as does any Call made after Close.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	close(d.closeCh)
	d.wg.Wait()
}

// Call enqueues a request against target (0 for "no specific device") and
// blocks until a correlated response arrives or timeout elapses.
func (d *Dispatcher) Call(ctx context.Context, target uint64, fields map[string]any, timeout time.Duration) (Response, error) {
	if d.closed.Load() {
		return Response{}, ErrClosed
	}

	q := d.queueFor(target)
	req := &Request{Fields: fields, Address: target, RequestID: d.nextID.Add(1)}
	call := newPendingCall(req, target, q)
	q.push(call)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.done:
		return call.result()
	case <-timer.C:
		d.timeoutCall(call)
		return Response{}, ErrTimeout
	case <-ctx.Done():
		d.timeoutCall(call)
		return Response{}, ctx.Err()
	case <-d.closeCh:
		return Response{}, ErrClosed
	}
}

// timeoutCall implements spec §4.A.1 step 5 / §4.A.4's coordination rule:
// decrement busy iff the call was actually removed from the correlation
// table. If it was still sitting in the device queue (never sent), no
// busy decrement is needed. If neither location holds it, the worker is
// mid-transmit; mark it timed out so the worker disposes of it instead.
func (d *Dispatcher) timeoutCall(call *pendingCall) {
	call.markTimedOut()

	if call.queue.removeIfPresent(call) {
		return
	}
	if _, removed := d.corr.remove(call.currentRequestID()); removed {
		call.queue.clearBusy()
	}
	// Neither location held it: the worker popped it and is mid-transmit.
	// It will see isTimedOut() true and dispose of the result itself.
}

func (d *Dispatcher) queueFor(addr uint64) *deviceQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[addr]
	if !ok {
		q = newDeviceQueue(addr, d.wake)
		d.queues[addr] = q
	}
	return q
}

func (d *Dispatcher) snapshotQueues() []*deviceQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*deviceQueue, 0, len(d.queues))
	for _, q := range d.queues {
		out = append(out, q)
	}
	return out
}

// workerLoop iterates device queues, picking up at most one ready item
// per queue per pass, and transmits each without holding any per-queue
// lock across the I/O (spec §4.A.1, §5).
func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.closeCh:
			return
		case <-d.wake:
		case <-ticker.C:
		}

		for _, q := range d.snapshotQueues() {
			call, ok := q.popIfIdle()
			if !ok {
				continue
			}
			d.wg.Add(1)
			go d.handleCall(call)
		}
	}
}

func (d *Dispatcher) handleCall(call *pendingCall) {
	defer d.wg.Done()

	if call.isTimedOut() {
		call.queue.clearBusy()
		return
	}

	connID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		id := call.currentRequestID()
		d.corr.insert(id, call)

		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		_, _, err := d.tx.Transmit(ctx, call.request)
		cancel()

		var daemonErr *DaemonError
		busy := err != nil && asDaemonError(err, &daemonErr) && daemonErr.Code == ResultNetworkBusy

		if busy && attempt < busyMaxRetries {
			// The daemon never accepted this id (resultCode was BUSY, not
			// 0), so strip it and retry with a fresh one: a correlation
			// entry for the old id may still be outstanding daemon-side
			// (spec §7, §9), and reusing it would let a stale reply
			// resolve the wrong attempt.
			d.corr.remove(id)
			if call.isTimedOut() {
				call.queue.clearBusy()
				return
			}
			select {
			case <-time.After(busyRetryDelay):
			case <-d.closeCh:
				call.queue.clearBusy()
				call.fail(ErrClosed)
				return
			}
			call.setRequestID(d.nextID.Add(1))
			continue
		}

		if err != nil {
			if busy {
				err = ErrBusyRetriesExhausted
			}
			d.corr.remove(id)
			call.queue.clearBusy()
			d.logger.Log(log.Event{
				Timestamp:  time.Now(),
				Layer:      log.LayerTransport,
				Category:   log.CategoryError,
				DeviceAddr: formatAddress(call.address),
				RequestID:  id,
				Error:      &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: "transmit"},
			})
			if call.isTimedOut() {
				return
			}
			call.fail(err)
			return
		}

		// Transmit only returns a nil error when the daemon accepted the
		// call (resultCode 0); any other resultCode comes back as a
		// *DaemonError above. So reaching here always means "accepted,
		// awaiting async reply", leave the correlation entry and busy
		// flag in place for the async receiver (or the caller's timeout)
		// to clear.
		d.logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: connID,
			Layer:        log.LayerDispatch,
			Category:     log.CategoryCorrelation,
			DeviceAddr:   formatAddress(call.address),
			RequestID:    id,
		})
		return
	}
}

// resolveAsync is invoked by the async receiver's ipc-response handler
// (spec §4.A.4). It looks up id, removes it, clears busy, and resolves
// the waiting caller. A miss (already timed out, or unknown id) is
// silently dropped.
func (d *Dispatcher) resolveAsync(id uint64, resp Response) {
	call, ok := d.corr.remove(id)
	if !ok {
		return
	}
	call.queue.clearBusy()
	if call.isTimedOut() {
		return
	}
	call.resolve(resp)
}
