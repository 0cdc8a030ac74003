package zhal

import (
	"encoding/json"
	"net"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

const (
	recvBufferSize  = 64 * 1024
	eventIPCResponse = "ipcResponse"
	handlerPoolSize = 16
)

// asyncReceiver listens on the fixed multicast group/port for async
// replies and events (spec §4.A.3, §6). Each datagram is dispatched to a
// bounded worker pool so one slow handler can never stall the receive
// loop.
type asyncReceiver struct {
	conn       *net.UDPConn
	dispatcher *Dispatcher
	handler    EventHandler
	logger     log.Logger

	pool   *pool.Pool
	stopCh chan struct{}
	doneCh chan struct{}
}

func newAsyncReceiver(conn *net.UDPConn, d *Dispatcher, handler EventHandler, logger log.Logger) *asyncReceiver {
	if handler == nil {
		handler = EventHandlerFunc(func(Event) {})
	}
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &asyncReceiver{
		conn:       conn,
		dispatcher: d,
		handler:    handler,
		logger:     logger,
		pool:       pool.New().WithMaxGoroutines(handlerPoolSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the receive loop until Stop is called. It is meant to be
// invoked in its own goroutine.
func (r *asyncReceiver) Start() {
	defer close(r.doneCh)
	buf := make([]byte, recvBufferSize)

	for {
		select {
		case <-r.stopCh:
			r.pool.Wait()
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.stopCh:
				r.pool.Wait()
				return
			default:
				continue
			}
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		r.pool.Go(func() { r.handleFrame(frame) })
	}
}

// Stop signals the receive loop to exit and waits for in-flight handlers
// to drain.
func (r *asyncReceiver) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *asyncReceiver) handleFrame(data []byte) {
	var envelope struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.logger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerTransport,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerTransport, Message: "malformed async frame", Context: err.Error()},
		})
		return
	}

	if envelope.EventType == eventIPCResponse {
		r.handleIPCResponse(data)
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return
	}
	r.handler.HandleEvent(Event{Type: envelope.EventType, Fields: fields})
}

// handleIPCResponse implements the ipc response handler of spec §4.A.4:
// read requestId, look it up, remove it, clear busy, resolve the caller.
func (r *asyncReceiver) handleIPCResponse(data []byte) {
	var body struct {
		RequestID  uint64 `json:"requestId"`
		ResultCode *int   `json:"resultCode"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return
	}

	var fields map[string]any
	_ = json.Unmarshal(data, &fields)

	resp := Response{Fields: fields}
	if body.ResultCode != nil {
		resp.ResultCode = ResultCode(*body.ResultCode)
	}
	r.dispatcher.resolveAsync(body.RequestID, resp)
}
