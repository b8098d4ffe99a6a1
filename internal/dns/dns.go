// Package dns implements a caching hostname resolver. Positive
// answers are cached for 20 minutes, negative answers (no such
// domain, no address) for an hour, so that a burst of URLs on one
// dead host does not hammer the resolver.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/temoto/heroshi/internal/pool"
)

const (
	defaultTTL  = 1200 * time.Second
	negativeTTL = 3600 * time.Second
)

// Error is a DNS resolution failure.
type Error struct {
	Hostname string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("DNS Error: %s: %s", e.Reason, e.Hostname)
}

// LookupFunc resolves a hostname to addresses. Tests substitute it.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// cached is either a list of addresses or a sticky negative answer.
type cached struct {
	addrs []string
	err   *Error
}

// CachingResolver resolves hostnames through a time-expiring cache.
type CachingResolver struct {
	cache  *pool.Cache[string, cached]
	lookup LookupFunc
}

// NewCachingResolver creates a resolver backed by the system
// resolver. Pass a non-nil lookup to override (tests).
func NewCachingResolver(lookup LookupFunc) *CachingResolver {
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		}
	}
	return &CachingResolver{
		cache:  pool.NewCache[string, cached](),
		lookup: lookup,
	}
}

// GetHostByName resolves hostname to one address, picked at random
// from the cached answer. A hostname that is already an address is
// returned as-is without touching the cache.
func (r *CachingResolver) GetHostByName(ctx context.Context, hostname string) (string, error) {
	if net.ParseIP(hostname) != nil {
		return hostname, nil
	}

	entry, ok := r.cache.Get(hostname)
	if !ok {
		entry = r.resolve(ctx, hostname)
	}
	if entry.err != nil {
		return "", entry.err
	}
	if len(entry.addrs) == 0 {
		return "", &Error{Hostname: hostname, Reason: "domain has no address"}
	}
	return entry.addrs[rand.Intn(len(entry.addrs))], nil
}

func (r *CachingResolver) resolve(ctx context.Context, hostname string) cached {
	addrs, err := r.lookup(ctx, hostname)
	if err != nil {
		entry := cached{err: &Error{Hostname: hostname, Reason: err.Error()}}
		// Only NXDOMAIN-style answers are sticky; transient resolver
		// failures must not poison the cache.
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || !dnsErr.IsTemporary) {
			r.cache.SetTTL(hostname, entry, negativeTTL)
		}
		return entry
	}
	entry := cached{addrs: addrs}
	ttl := defaultTTL
	if len(addrs) == 0 {
		// "No address" is a negative answer too.
		ttl = negativeTTL
	}
	r.cache.SetTTL(hostname, entry, ttl)
	return entry
}
