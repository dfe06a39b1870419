package fclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// A DNSCache caches hostname lookups for outbound federation connections
// so that a chatty destination doesn't hit the resolver for every request.
type DNSCache struct {
	resolver netResolver
	mutex    sync.Mutex
	size     int
	duration time.Duration
	entries  map[string]*dnsCacheEntry
}

type netResolver interface {
	LookupIPAddr(context.Context, string) ([]net.IPAddr, error)
}

type dnsCacheEntry struct {
	addrs   []net.IPAddr
	expires time.Time
}

// NewDNSCache creates a cache holding at most size entries, each valid
// for the given duration.
func NewDNSCache(size int, duration time.Duration) *DNSCache {
	return &DNSCache{
		resolver: net.DefaultResolver,
		size:     size,
		duration: duration,
		entries:  make(map[string]*dnsCacheEntry),
	}
}

// lookup returns the addresses for a name and whether they came from the
// cache. An expired entry is dropped and refreshed from the resolver.
func (c *DNSCache) lookup(ctx context.Context, name string) (*dnsCacheEntry, bool) {
	c.mutex.Lock()
	if entry, ok := c.entries[name]; ok {
		if time.Now().Before(entry.expires) {
			c.mutex.Unlock()
			return entry, true
		}
		delete(c.entries, name)
	}
	c.mutex.Unlock()

	addrs, err := c.resolver.LookupIPAddr(ctx, name)
	if err != nil {
		return nil, false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Evict the entries closest to expiry until there is room.
	for len(c.entries) >= c.size {
		victim, soonest := "", time.Now().Add(c.duration)
		for n, e := range c.entries {
			if e.expires.Before(soonest) {
				soonest, victim = e.expires, n
			}
		}
		delete(c.entries, victim)
	}

	entry := &dnsCacheEntry{
		addrs:   addrs,
		expires: time.Now().Add(c.duration),
	}
	c.entries[name] = entry
	return entry, false
}

// DialContext dials the first reachable cached address for the host in
// the given host:port address. If every cached address fails, the entry
// is discarded and the lookup retried once against the resolver.
func (c *DNSCache) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("net.SplitHostPort: %w", err)
	}

	dialer := net.Dialer{}
	for attempt := 0; attempt < 2; attempt++ {
		entry, cached := c.lookup(ctx, host)
		if entry == nil {
			return nil, fmt.Errorf("fclient: lookup failed for %q", host)
		}
		for _, addr := range entry.addrs {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), port))
			if err != nil {
				continue
			}
			return conn, nil
		}
		if !cached {
			return nil, fmt.Errorf("fclient: connection failed to %q via %d addresses", host, len(entry.addrs))
		}
		// Stale cache entry, most likely. Drop it and ask DNS again.
		c.mutex.Lock()
		delete(c.entries, host)
		c.mutex.Unlock()
	}
	return nil, fmt.Errorf("fclient: connection failed to %q", host)
}
