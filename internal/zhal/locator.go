package zhal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/connection"
)

// daemonServiceType is the mDNS service type ZigbeeCore advertises itself
// under, mirroring the service-discovery pattern used elsewhere in this
// codebase for sibling daemons.
const daemonServiceType = "_zigbeecore._tcp"

// Locator resolves the ZigbeeCore daemon's host:port. A static address
// configured by the operator always takes priority; mDNS is the fallback
// for deployments that don't pin one.
type Locator struct {
	mu      sync.RWMutex
	static  string
	domain  string
	cached  string
	cacheAt time.Time
	ttl     time.Duration
	backoff *connection.Backoff
	nextTry time.Time
}

// NewLocator creates a Locator. static, if non-empty, is a fixed
// "host:port" that bypasses discovery entirely. domain is the mDNS
// lookup domain (conventionally "local.").
func NewLocator(static, domain string) *Locator {
	if domain == "" {
		domain = "local."
	}
	return &Locator{static: static, domain: domain, ttl: 30 * time.Second, backoff: connection.NewBackoff()}
}

// Resolve returns the daemon's current "host:port", using a cached mDNS
// result when still fresh. Failed mDNS attempts are spaced out by an
// exponential back-off so a caller retrying Call in a loop doesn't fire a
// browse round on every single call while the daemon is unreachable.
func (l *Locator) Resolve(ctx context.Context) (string, error) {
	if l.static != "" {
		return l.static, nil
	}

	l.mu.RLock()
	if l.cached != "" && time.Since(l.cacheAt) < l.ttl {
		addr := l.cached
		l.mu.RUnlock()
		return addr, nil
	}
	waitUntil := l.nextTry
	l.mu.RUnlock()

	if now := time.Now(); now.Before(waitUntil) {
		return "", fmt.Errorf("zhal: mdns discovery backing off, retry after %s", waitUntil.Sub(now))
	}

	addr, err := l.resolveViaMDNS(ctx)
	if err != nil {
		l.mu.Lock()
		l.nextTry = time.Now().Add(l.backoff.Next())
		l.mu.Unlock()
		return "", err
	}

	l.mu.Lock()
	l.cached = addr
	l.cacheAt = time.Now()
	l.backoff.Reset()
	l.nextTry = time.Time{}
	l.mu.Unlock()
	return addr, nil
}

func (l *Locator) resolveViaMDNS(ctx context.Context) (string, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := zeroconf.Browse(ctx, daemonServiceType, l.domain, entries, removed); err != nil {
		return "", fmt.Errorf("zhal: mdns browse: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("zhal: no ZigbeeCore daemon found via mdns")
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			return fmt.Sprintf("%s:%d", entry.AddrIPv4[0].String(), entry.Port), nil
		case <-removed:
			// Not relevant to a one-shot resolve.
		case <-ctx.Done():
			return "", fmt.Errorf("zhal: mdns browse timed out: %w", ctx.Err())
		}
	}
}
