package ratelimiter

import (
	"net/netip"
	"testing"
	"time"
)

func TestBurstThenThrottle(t *testing.T) {
	rl := New(10, 5) // 100ms per packet, 5 burstable
	ip := netip.MustParseAddr("192.0.2.1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow(ip, now) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("burst allowed %d packets, want 5", allowed)
	}

	// Refill at 10 pps: after 100ms exactly one more packet fits.
	now = now.Add(100 * time.Millisecond)
	if !rl.Allow(ip, now) {
		t.Fatalf("packet after refill interval denied")
	}
	if rl.Allow(ip, now) {
		t.Fatalf("second packet in the same interval allowed")
	}
}

func TestPerAddressIsolation(t *testing.T) {
	rl := New(10, 1)
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if !rl.Allow(a, now) {
		t.Fatalf("first packet from a denied")
	}
	if rl.Allow(a, now) {
		t.Fatalf("second packet from a allowed")
	}
	if !rl.Allow(b, now) {
		t.Fatalf("first packet from b denied")
	}
}

func TestStaleEntriesRecycle(t *testing.T) {
	rl := New(10, 1)
	ip := netip.MustParseAddr("192.0.2.1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rl.Allow(ip, now)
	if rl.Allow(ip, now) {
		t.Fatalf("bucket not drained")
	}
	// Long idle: the entry goes stale and the address starts fresh.
	now = now.Add(time.Minute)
	if !rl.Allow(ip, now) {
		t.Fatalf("idle address denied after reset")
	}
}

func TestDefaults(t *testing.T) {
	rl := New(0, 0)
	ip := netip.MustParseAddr("2001:db8::1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.Allow(ip, now) {
			allowed++
		}
	}
	if allowed != defaultPacketsBurstable {
		t.Fatalf("default burst allowed %d, want %d", allowed, defaultPacketsBurstable)
	}
}
