package kcp

import "testing"

// TestConvAllocatorWraps exercises spec.md §8's conv wrap-around
// boundary: seeded at 2^32-2, the next allocations are 2^32-1, then 0,
// then 1. Zero is an ordinary conv id here, not a reserved one,
// matching the original's Increment::next() which advances the
// counter before returning it.
func TestConvAllocatorWraps(t *testing.T) {
	var a convAllocator
	a.next = ^uint32(0) - 1 // 2^32 - 2

	inUse := func(uint32) bool { return false }

	want := []uint32{^uint32(0), 0, 1}
	for i, w := range want {
		got, err := a.alloc(inUse)
		if err != nil {
			t.Fatalf("alloc #%d: %v", i, err)
		}
		if got != w {
			t.Fatalf("alloc #%d = %d, want %d", i, got, w)
		}
	}
}

// TestConnectorMultiplexing covers spec.md §8 scenario 5: two sessions
// dialed by two distinct Connectors against the same Listener address
// are delivered to distinct accepted streams, and a write on one never
// reaches the other.
func TestConnectorMultiplexing(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	c1, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial #1: %v", err)
	}
	defer c1.Close()
	c2, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial #2: %v", err)
	}
	defer c2.Close()

	// Each Dial opens its own Connector with its own ephemeral UDP
	// socket, so the two sessions are distinguished by peer key even
	// when (as here, since each Connector's conv allocator starts
	// fresh) they happen to share the same conv id.
	if _, err := c1.Write([]byte("from-one")); err != nil {
		t.Fatalf("c1.Write: %v", err)
	}
	if _, err := c2.Write([]byte("from-two")); err != nil {
		t.Fatalf("c2.Write: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		s, err := l.AcceptKCP()
		if err != nil {
			t.Fatalf("Accept #%d: %v", i, err)
		}
		defer s.Close()
		buf := make([]byte, 8)
		n, err := readFull(s, buf)
		if err != nil {
			t.Fatalf("Read #%d: %v", i, err)
		}
		seen[string(buf[:n])] = true
	}

	if !seen["from-one"] || !seen["from-two"] {
		t.Fatalf("expected both messages delivered to distinct sessions, got %v", seen)
	}
}
