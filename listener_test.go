package kcp

import "testing"

// TestListenerCloseDrainsRegistry covers spec.md §8 scenario 6: closing
// an accepted (server-side) session enqueues a close, and draining the
// Listener's close queue removes that (peer_key, conv) pair from the
// registry. drainCloseQueue is invoked directly here rather than waiting
// on the periodic ticker, matching the "within one accepter poll"
// framing of the property.
func TestListenerCloseDrainsRegistry(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	client, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("client.Write: %v", err)
	}

	server, err := l.AcceptKCP()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	key := peerKey(server.remote)
	conv := server.GetConv()

	l.mu.Lock()
	_, present := l.sessions[key][conv]
	l.mu.Unlock()
	if !present {
		t.Fatalf("expected session present in registry right after accept")
	}

	if err := server.Close(); err != nil {
		t.Fatalf("server.Close: %v", err)
	}
	l.drainCloseQueue()

	l.mu.Lock()
	_, stillPresent := l.sessions[key][conv]
	l.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected session removed from registry after close-queue drain")
	}
}
