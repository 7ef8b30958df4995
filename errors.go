package kcp

import "github.com/pkg/errors"

// Sentinel errors surfaced by Session and the KCP engine, per the error
// table in spec.md §7. They are plain sentinel values (in the style the
// teacher uses for errBrokenPipe/errInvalidOperation) so callers can
// compare with errors.Is after unwrapping any errors.Wrap context added
// at I/O boundaries.
var (
	// ErrMalformedPacket is returned when a datagram is shorter than
	// Overhead or carries a conv that does not match the session.
	ErrMalformedPacket = errors.New("kcp: malformed packet")

	// ErrRecvQueueEmpty names the case where no message is available
	// yet. KCP.Recv reports it as -1 and Session.Read waits instead;
	// no function in this package returns this value.
	ErrRecvQueueEmpty = errors.New("kcp: recv queue empty")

	// ErrExpectingFragment names the case where only part of a
	// fragmented message has arrived. KCP.Recv reports it as -2 and
	// Session.Read waits instead; no function in this package returns
	// this value.
	ErrExpectingFragment = errors.New("kcp: expecting fragment")

	// ErrUserBufTooSmall names the case where the caller's buffer is
	// smaller than the next available message. KCP.Recv reports it as
	// -3; Session.Read never hits it because it delivers a prefix and
	// buffers the remainder. No function in this package returns this
	// value.
	ErrUserBufTooSmall = errors.New("kcp: user buffer too small")

	// ErrSendQueueFull is returned by Session.Write when KCP.Send
	// refuses the data it is given (as it does for an empty buffer). A
	// full send window does not produce it: Write then waits for room
	// until the write deadline passes.
	ErrSendQueueFull = errors.New("kcp: send queue full")

	// ErrNoMoreConv is returned by Connector.Connect when a full sweep
	// of the 32-bit conversation-id space finds no free id.
	ErrNoMoreConv = errors.New("kcp: no more conversation ids available")

	// ErrClosed is returned by operations on a session or listener that
	// has already been closed.
	ErrClosed = errors.New("kcp: use of closed connection")

	// errTimeout is returned for deadline expiry and for the
	// timeout-class error surfaced when a session's link is declared
	// dead (spec.md §7 DeadLink).
	errTimeout = &timeoutError{}
)

// timeoutError satisfies net.Error so callers doing the usual
// `if ne, ok := err.(net.Error); ok && ne.Timeout()` check keep working,
// exactly as the teacher's errTimeout does.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "kcp: i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
