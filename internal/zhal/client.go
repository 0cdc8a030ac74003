package zhal

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// DefaultCallTimeout is used by Call when the caller doesn't specify one.
const DefaultCallTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// StaticAddr, if set, is a fixed "host:port" for the daemon and
	// bypasses mDNS discovery.
	StaticAddr string
	// MDNSDomain is the mDNS lookup domain; defaults to "local." when empty.
	MDNSDomain string
	// MulticastInterface optionally pins the async receiver to one
	// network interface by name; empty leaves the choice to the system's
	// default multicast interface. The daemon's address is not consulted,
	// so a local daemon does not select the loopback interface by itself.
	MulticastInterface string
	// EventHandler receives out-of-band async events. May be nil.
	EventHandler EventHandler
	// Logger receives structured events for every layer. May be nil.
	Logger log.Logger
}

// Client is the top-level ZHAL RPC client: it wires the dispatcher,
// transmitter, and async receiver together (spec §2).
type Client struct {
	dispatcher *Dispatcher
	receiver   *asyncReceiver
	locator    *Locator
	logger     log.Logger
	mcastIface string
	handler    EventHandler
}

// NewClient constructs a Client without starting any goroutines or
// sockets; call Start to bring it up.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}

	locator := NewLocator(cfg.StaticAddr, cfg.MDNSDomain)
	tx := newTransmitter(func() (string, error) {
		return locator.Resolve(context.Background())
	})

	d := NewDispatcher(tx, logger)

	return &Client{
		dispatcher: d,
		locator:    locator,
		logger:     logger,
		mcastIface: cfg.MulticastInterface,
		handler:    cfg.EventHandler,
	}
}

// Start joins the multicast group and launches the dispatcher worker and
// async receive loop. Call exactly once.
func (c *Client) Start(ctx context.Context) error {
	conn, err := joinMulticast(c.mcastIface)
	if err != nil {
		return fmt.Errorf("zhal: join multicast: %w", err)
	}

	c.receiver = newAsyncReceiver(conn, c.dispatcher, c.handler, c.logger)
	c.dispatcher.Start()
	go c.receiver.Start()
	return nil
}

// joinMulticast opens a UDP socket bound to MulticastPort and joins
// MulticastGroup, per spec §4.A.3 / §6.
func joinMulticast(iface string) (*net.UDPConn, error) {
	group := net.ParseIP(MulticastGroup)

	var ifi *net.Interface
	if iface != "" {
		var err error
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, &net.UDPAddr{IP: group, Port: MulticastPort})
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(recvBufferSize)
	return conn, nil
}

// Call issues a single RPC to target (0 for no specific device) and
// blocks until a correlated response arrives or timeout elapses.
func (c *Client) Call(ctx context.Context, target uint64, fields map[string]any, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return c.dispatcher.Call(ctx, target, fields, timeout)
}

// Close stops the async receiver and dispatcher worker.
func (c *Client) Close() error {
	if c.receiver != nil {
		c.receiver.Stop()
	}
	c.dispatcher.Close()
	return nil
}
