package kcp

import "testing"

// loopbackPair wires two KCP engines' outputs directly into each
// other's input, bypassing any socket.
func loopbackPair() (a, b *KCP) {
	a = NewKCP(1, func(buf []byte, size int) { b.Input(buf[:size], true, false) })
	b = NewKCP(1, func(buf []byte, size int) { a.Input(buf[:size], true, false) })
	a.NoDelay(1, 10, 2, 1)
	b.NoDelay(1, 10, 2, 1)
	return a, b
}

func pump(t *testing.T, a, b *KCP, ticks int) {
	t.Helper()
	now := uint32(0)
	for i := 0; i < ticks; i++ {
		now += 10
		a.Update(now)
		b.Update(now)
	}
}

func TestKCPEchoRoundTrip(t *testing.T) {
	a, b := loopbackPair()

	msg := []byte("hello world")
	if ret := a.Send(msg); ret != 0 {
		t.Fatalf("Send returned %d", ret)
	}
	pump(t, a, b, 20)

	size := b.PeekSize()
	if size != len(msg) {
		t.Fatalf("PeekSize = %d, want %d", size, len(msg))
	}

	buf := make([]byte, size)
	n := b.Recv(buf)
	if n != len(msg) || string(buf[:n]) != string(msg) {
		t.Fatalf("Recv = %q, want %q", buf[:n], msg)
	}
}

func TestKCPFragmentedMessage(t *testing.T) {
	a, b := loopbackPair()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if ret := a.Send(payload); ret != 0 {
		t.Fatalf("Send returned %d", ret)
	}
	pump(t, a, b, 50)

	size := b.PeekSize()
	if size != len(payload) {
		t.Fatalf("PeekSize = %d, want %d", size, len(payload))
	}
	got := make([]byte, size)
	n := b.Recv(got)
	if n != len(payload) {
		t.Fatalf("Recv = %d, want %d", n, len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], payload[i])
		}
	}
}

func TestKCPOverheadBoundary(t *testing.T) {
	k := NewKCP(7, func(buf []byte, size int) {})

	short := make([]byte, Overhead-1)
	if ret := k.Input(short, true, false); ret >= 0 {
		t.Fatalf("Input of length Overhead-1 should be rejected, got %d", ret)
	}

	exact := make([]byte, Overhead)
	seg := segment{conv: 7, cmd: cmdAck}
	seg.encode(exact)
	if ret := k.Input(exact, true, false); ret != 0 {
		t.Fatalf("Input of exactly Overhead bytes should be accepted, got %d", ret)
	}
}

func TestKCPWaitSndDrainsOnAck(t *testing.T) {
	a, b := loopbackPair()
	a.Send([]byte("drain me"))
	if a.WaitSnd() == 0 {
		t.Fatalf("WaitSnd should be nonzero immediately after Send")
	}
	pump(t, a, b, 20)
	if a.WaitSnd() != 0 {
		t.Fatalf("WaitSnd = %d, want 0 after round trip", a.WaitSnd())
	}
}

func TestKCPDeadLinkAfterMaxResends(t *testing.T) {
	a := NewKCP(1, func(buf []byte, size int) {}) // output discarded: simulates a broken path
	a.NoDelay(1, 10, 2, 1)
	a.SetMaximumResendTimes(3)

	a.Send([]byte("never arrives"))
	now := uint32(0)
	for i := 0; i < 200 && !a.IsDeadLink(); i++ {
		now += 10
		a.Update(now)
	}
	if !a.IsDeadLink() {
		t.Fatalf("expected IsDeadLink to become true after repeated unacked retransmits")
	}
}
