package dns

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
)

func TestResolverCachesPositive(t *testing.T) {
	var calls atomic.Int32
	r := NewCachingResolver(func(_ context.Context, host string) ([]string, error) {
		calls.Add(1)
		return []string{"192.0.2.1"}, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		addr, err := r.GetHostByName(ctx, "example.com")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if addr != "192.0.2.1" {
			t.Errorf("expected 192.0.2.1, got %q", addr)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 lookup, got %d", calls.Load())
	}
}

func TestResolverAddressPassthrough(t *testing.T) {
	r := NewCachingResolver(func(_ context.Context, _ string) ([]string, error) {
		t.Fatal("lookup should not run for a literal address")
		return nil, nil
	})
	addr, err := r.GetHostByName(context.Background(), "10.0.0.7")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if addr != "10.0.0.7" {
		t.Errorf("expected passthrough, got %q", addr)
	}
}

func TestResolverNegativeSticky(t *testing.T) {
	var calls atomic.Int32
	r := NewCachingResolver(func(_ context.Context, host string) ([]string, error) {
		calls.Add(1)
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.GetHostByName(ctx, "nxdomain.invalid"); err == nil {
			t.Fatal("expected resolution failure")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("nxdomain should be cached, got %d lookups", calls.Load())
	}
}

func TestResolverTransientNotCached(t *testing.T) {
	var calls atomic.Int32
	r := NewCachingResolver(func(_ context.Context, host string) ([]string, error) {
		calls.Add(1)
		return nil, &net.DNSError{Err: "server misbehaving", Name: host, IsTemporary: true}
	})

	ctx := context.Background()
	r.GetHostByName(ctx, "flaky.example")
	r.GetHostByName(ctx, "flaky.example")
	if calls.Load() != 2 {
		t.Errorf("transient failures must retry, got %d lookups", calls.Load())
	}
}

func TestResolverErrorMessage(t *testing.T) {
	r := NewCachingResolver(func(_ context.Context, host string) ([]string, error) {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	})
	_, err := r.GetHostByName(context.Background(), "gone.example")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); len(got) < len("DNS Error: ") || got[:11] != "DNS Error: " {
		t.Errorf("result string must start with DNS Error, got %q", got)
	}
}
