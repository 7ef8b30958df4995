package kcp

import (
	"bytes"
	"testing"
	"time"
)

// newLoopbackPair dials a client against a freshly listening server and
// returns the client session plus a function that blocks until the
// listener has demultiplexed the client's first datagram and accepted
// it. Accept only fires once a packet has actually been sent (KCP has
// no handshake), so callers must Write from the client before calling
// acceptServer.
func newLoopbackPair(t *testing.T) (client *Session, acceptServer func() *Session) {
	t.Helper()
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	client, err = Dial(l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	acceptServer = func() *Session {
		server, err := l.AcceptKCP()
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		t.Cleanup(func() { server.Close() })
		return server
	}
	return client, acceptServer
}

func TestSessionEcho(t *testing.T) {
	client, acceptServer := newLoopbackPair(t)

	msg := []byte("hello world")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client.Write: %v", err)
	}
	server := acceptServer()

	buf := make([]byte, len(msg))
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := readFull(server, buf)
	if err != nil {
		t.Fatalf("server.Read: %v", err)
	}
	if n != len(msg) || !bytes.Equal(buf[:n], msg) {
		t.Fatalf("server got %q, want %q", buf[:n], msg)
	}

	if _, err := server.Write(buf[:n]); err != nil {
		t.Fatalf("server.Write: %v", err)
	}

	echoBuf := make([]byte, len(msg))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err = readFull(client, echoBuf)
	if err != nil {
		t.Fatalf("client.Read: %v", err)
	}
	if !bytes.Equal(echoBuf[:n], msg) {
		t.Fatalf("client echo got %q, want %q", echoBuf[:n], msg)
	}
}

func TestSessionFragmentedMessage(t *testing.T) {
	client, acceptServer := newLoopbackPair(t)
	client.SetStreamMode(true)

	if _, err := client.Write([]byte{0}); err != nil { // primes the listener's demultiplexer
		t.Fatalf("priming Write: %v", err)
	}
	server := acceptServer()
	server.SetStreamMode(true)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	prime := make([]byte, 1)
	if _, err := readFull(server, prime); err != nil {
		t.Fatalf("server priming Read: %v", err)
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	go func() {
		client.Write(payload)
	}()

	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 0, len(payload))
	chunk := make([]byte, 512)
	for len(got) < len(payload) {
		n, err := server.Read(chunk)
		if err != nil {
			t.Fatalf("server.Read: %v", err)
		}
		got = append(got, chunk[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("assembled payload mismatch")
	}
}

func TestSessionSmallBufferDelivery(t *testing.T) {
	client, acceptServer := newLoopbackPair(t)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	server := acceptServer()

	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	var counts []int
	var assembled []byte
	for len(assembled) < len(payload) {
		buf := make([]byte, 40)
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		counts = append(counts, n)
		assembled = append(assembled, buf[:n]...)
	}

	if len(counts) != 3 || counts[0] != 40 || counts[1] != 40 || counts[2] != 20 {
		t.Fatalf("read size sequence = %v, want [40 40 20]", counts)
	}
	if !bytes.Equal(assembled, payload) {
		t.Fatalf("assembled payload mismatch")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	client, _ := newLoopbackPair(t)

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); !isClosedErr(err) {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestSessionFlushIsNoop(t *testing.T) {
	client, _ := newLoopbackPair(t)
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
}

func readFull(s *Session, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := s.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func isClosedErr(err error) bool {
	return err != nil && err.Error() == ErrClosed.Error()
}
