package supervisor

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/fxamacker/cbor/v2"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// Service-IPC control messages exchanged over a service's reported ipc
// port (spec §4.B.3, §4.B.4). The daemon wire protocol stays JSON
// per spec §6; this channel is internal to the supervisor and its
// services, so it is free to use a more compact codec.

// AckMessage is what a service sends once its own startup has reached
// the point of being ready to accept supervision (spec §4.B.3 "Ack
// reception").
type AckMessage struct {
	ServiceName   string `cbor:"1,keyasint"`
	IPCPort       int    `cbor:"2,keyasint"`
	ShutdownToken string `cbor:"3,keyasint"`
}

// Phase2InitRequest has no fields; it is the "begin phase-2
// initialization" RPC of spec §4.B.3 step 6.
type Phase2InitRequest struct{}

type Phase2InitResponse struct {
	OK bool `cbor:"1,keyasint"`
}

// ShutdownRequest carries the shutdown token the service gave at ack
// time, so the service can refuse a forged stop request.
type ShutdownRequest struct {
	Token string `cbor:"1,keyasint"`
}

type ShutdownResponse struct {
	OK bool `cbor:"1,keyasint"`
}

var ipcCodec cbor.EncMode

func init() {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("supervisor: build ipc cbor mode: %v", err))
	}
	ipcCodec = m
}

// writeFrame cbor-encodes v and writes it length-prefixed (4-byte
// network-order length, distinct from the ZHAL daemon's own 2-byte
// framing since this channel carries larger phase-2-init payloads in
// future revisions).
func writeFrame(w io.Writer, v any) error {
	body, err := ipcCodec.Marshal(v)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader, v any) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(length[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return cbor.Unmarshal(body, v)
}

// AckHandler is invoked once per received AckMessage.
type AckHandler func(AckMessage)

// AckListener is the supervisor-side endpoint services connect to and
// send their AckMessage over, one connection per ack.
type AckListener struct {
	ln      net.Listener
	handler AckHandler
	logger  log.Logger

	wg sync.WaitGroup
}

// NewAckListener binds addr (host:port, port 0 picks an ephemeral one)
// and returns a listener not yet accepting connections; call Serve.
func NewAckListener(addr string, handler AckHandler, logger log.Logger) (*AckListener, error) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: listen for acks: %w", err)
	}
	return &AckListener{ln: ln, handler: handler, logger: logger}, nil
}

// Addr returns the bound address, useful when addr was "127.0.0.1:0".
func (l *AckListener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close is called. Each connection
// yields exactly one AckMessage; malformed or truncated acks are
// logged and dropped (spec §7 "the receiver never propagates errors
// back").
func (l *AckListener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer conn.Close()
			l.handleConn(conn)
		}()
	}
}

func (l *AckListener) handleConn(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg AckMessage
	if err := readFrame(conn, &msg); err != nil {
		l.logger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerSupervisor,
			Category:  log.CategoryError,
			Error:     &log.ErrorEventData{Layer: log.LayerSupervisor, Message: err.Error(), Context: "read ack"},
		})
		return
	}
	l.logger.Log(log.Event{
		Timestamp:   time.Now(),
		Layer:       log.LayerSupervisor,
		Category:    log.CategoryControl,
		ServiceName: msg.ServiceName,
		ControlMsg:  &log.ControlMsgEvent{Type: log.ControlMsgAck},
	})
	l.handler(msg)
}

// Close stops accepting new connections and waits for in-flight ones
// to finish.
func (l *AckListener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

// serviceIPCType is the mDNS service type a service's ipc port is
// advertised under, so off-box tooling (and zhal-shell-like utilities)
// can find a service without knowing its ephemeral port in advance.
const serviceIPCType = "_zhal-ipc._tcp"

// Advertiser publishes services' ipc ports over mDNS as they ack, and
// withdraws them on shutdown. One Advertiser instance is shared across
// the supervisor's whole lifetime; Close tears down every outstanding
// registration at once.
type Advertiser struct {
	mu     sync.Mutex
	domain string
	active map[string]*zeroconf.Server
}

// NewAdvertiser builds an Advertiser that publishes under domain
// ("local." if empty).
func NewAdvertiser(domain string) *Advertiser {
	if domain == "" {
		domain = "local."
	}
	return &Advertiser{domain: domain, active: make(map[string]*zeroconf.Server)}
}

// Advertise registers serviceName's ipc port. A prior registration for
// the same name is withdrawn first, since a service only ever has one
// ipc port live at a time.
func (a *Advertiser) Advertise(serviceName string, port int) error {
	server, err := zeroconf.Register(serviceName, serviceIPCType, a.domain, port, nil, nil)
	if err != nil {
		return fmt.Errorf("supervisor: advertise %s ipc port: %w", serviceName, err)
	}

	a.mu.Lock()
	prior := a.active[serviceName]
	a.active[serviceName] = server
	a.mu.Unlock()

	if prior != nil {
		prior.Shutdown()
	}
	return nil
}

// Withdraw un-advertises serviceName, if it was advertised at all.
func (a *Advertiser) Withdraw(serviceName string) {
	a.mu.Lock()
	server := a.active[serviceName]
	delete(a.active, serviceName)
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
}

// Close withdraws every still-active advertisement.
func (a *Advertiser) Close() {
	a.mu.Lock()
	servers := a.active
	a.active = make(map[string]*zeroconf.Server)
	a.mu.Unlock()

	for _, server := range servers {
		server.Shutdown()
	}
}

// dialService connects to a service's advertised ipc port on loopback.
func dialService(ctx context.Context, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// SendPhase2Init issues the "begin phase-2 initialization" RPC of
// spec §4.B.3 step 6. A failure here is logged by the caller, never
// fatal to the startup sequence.
func SendPhase2Init(ctx context.Context, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialService(ctx, port)
	if err != nil {
		return fmt.Errorf("supervisor: dial phase-2-init: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if err := writeFrame(conn, Phase2InitRequest{}); err != nil {
		return fmt.Errorf("supervisor: send phase-2-init: %w", err)
	}
	var resp Phase2InitResponse
	if err := readFrame(conn, &resp); err != nil {
		return fmt.Errorf("supervisor: read phase-2-init response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("supervisor: phase-2-init rejected")
	}
	return nil
}

// SendShutdown issues the shutdown RPC of spec §4.B.4 step 2, with
// timeout equal to the service's configured wait-on-shutdown seconds.
func SendShutdown(ctx context.Context, port int, token string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialService(ctx, port)
	if err != nil {
		return fmt.Errorf("supervisor: dial shutdown: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))
	if err := writeFrame(conn, ShutdownRequest{Token: token}); err != nil {
		return fmt.Errorf("supervisor: send shutdown: %w", err)
	}
	var resp ShutdownResponse
	if err := readFrame(conn, &resp); err != nil {
		return fmt.Errorf("supervisor: read shutdown response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("supervisor: shutdown rejected")
	}
	return nil
}
