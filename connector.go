package kcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// convAllocator hands out conversation ids for one Connector,
// monotonically, wrapping at 32 bits and refusing to allocate once a
// full sweep finds every id in use (spec.md §3's NoMoreConv case). It
// corresponds to the original's "Increment" counter: next() advances
// the counter first and returns the new value, so the zero conv is a
// perfectly ordinary id reached on wraparound rather than a reserved
// one.
type convAllocator struct {
	mu   sync.Mutex
	next uint32
}

// alloc returns a conv id not currently present in inUse, or
// ErrNoMoreConv if every one of the 2^32 ids is taken.
func (a *convAllocator) alloc(inUse func(uint32) bool) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	for {
		a.next++
		c := a.next
		if !inUse(c) {
			return c, nil
		}
		if c == start {
			return 0, errors.WithStack(ErrNoMoreConv)
		}
	}
}

// Connector is the client-side counterpart of Listener (spec.md §4.5):
// many sessions to possibly-many peers, multiplexed over one Datagram
// Port, keyed only by conv since every session a single Connector owns
// shares the one outbound path.
type Connector struct {
	conn     net.PacketConn
	ownsConn bool
	convs    convAllocator

	fecDataShards, fecParityShards int

	mu       sync.Mutex
	sessions map[uint32]*Session

	closeQ closeQueue

	die     chan struct{}
	dieOnce sync.Once

	logger Logger
}

// DialOption configures a Connector or a single Connect call.
type DialOption func(*Connector)

// WithDialFEC enables forward error correction on every session this
// Connector dials. Those sessions send parity shards, but the
// Connector drops inbound parity shards (they carry no conv to route
// them by), so its sessions do not reconstruct lost data shards.
func WithDialFEC(dataShards, parityShards int) DialOption {
	return func(c *Connector) {
		c.fecDataShards = dataShards
		c.fecParityShards = parityShards
	}
}

// WithDialLogger overrides the default stderr Logger.
func WithDialLogger(log Logger) DialOption {
	return func(c *Connector) { c.logger = log }
}

// NewConnector wraps an already-bound net.PacketConn as a connector
// able to multiplex many sessions toward many peers over it.
func NewConnector(conn net.PacketConn, opts ...DialOption) *Connector {
	c := &Connector{
		conn:     conn,
		sessions: make(map[uint32]*Session),
		die:      make(chan struct{}),
		logger:   defaultLogger,
	}
	for _, o := range opts {
		o(c)
	}
	go c.dispatch()
	return c
}

// Dial resolves raddr, opens a private UDP socket connected to it, and
// returns one session over it: the common single-session convenience
// entry point of spec.md §6, built on top of Connect.
func Dial(raddr string, opts ...DialOption) (*Session, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.DialUDP("udp", nil, udpaddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c := NewConnector(conn, opts...)
	c.ownsConn = true
	s, err := c.Connect()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Connect allocates a fresh conversation id and returns a new session
// multiplexed over this Connector's Datagram Port. Every session a
// Connector owns shares the same underlying socket and remote address
// (if the socket is connected) or must supply its own via ConnectTo.
func (c *Connector) Connect() (*Session, error) {
	return c.ConnectTo(nil)
}

// ConnectTo is Connect, but targets a specific peer address; used when
// the Connector's socket is unconnected (e.g. shared across distinct
// remote peers).
func (c *Connector) ConnectTo(remote net.Addr) (*Session, error) {
	conv, err := c.convs.alloc(func(conv uint32) bool {
		c.mu.Lock()
		_, taken := c.sessions[conv]
		c.mu.Unlock()
		return taken
	})
	if err != nil {
		return nil, err
	}

	var fec *fecCodec
	if c.fecDataShards > 0 && c.fecParityShards > 0 {
		fec = newFECCodec(c.fecDataShards, c.fecParityShards)
	}

	s := newSession(conv, nil, c, c.conn, remote, fec)

	c.mu.Lock()
	c.sessions[conv] = s
	c.mu.Unlock()

	return s, nil
}

// closeSession removes a session from the registry; called by
// Session.Close. As with Listener, the map mutation itself happens on
// the dispatch goroutine via the close queue.
func (c *Connector) closeSession(conv uint32) {
	c.closeQ.push(conv)
}

func (c *Connector) drainCloseQueue() {
	for _, item := range c.closeQ.drain() {
		conv := item.(uint32)
		c.mu.Lock()
		delete(c.sessions, conv)
		c.mu.Unlock()
	}
}

// Close shuts the Connector down. Like Listener, this does not close
// any session it owns; it stops accepting new inbound dispatch and, if
// it created its own socket (via Dial), closes that socket.
func (c *Connector) Close() error {
	var err error
	c.dieOnce.Do(func() {
		close(c.die)
		if c.ownsConn {
			err = c.conn.Close()
		}
	})
	return err
}

// dispatch is the Connector's single inbound-dispatch loop (spec.md
// §4.5): it reads datagrams off the shared Datagram Port, demultiplexes
// by conv, and feeds each one to its session. The socket read itself
// happens on a second goroutine (receiver) so that registry
// bookkeeping and session dispatch are never blocked behind a pending
// ReadFrom, the same split Listener.monitor/receiver uses. There is no
// "racing against the Update Driver" in this translation: the KCP
// engine's own lock (taken inside Session.input and Session.update)
// serializes a session's state between its reader and its timer, so
// both simply run concurrently instead of competing for a single task
// slot.
func (c *Connector) dispatch() {
	ch := make(chan inPacket, rxQueueLimit)
	go c.receiver(ch)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case p := <-ch:
			c.handlePacket(p.data)
			xmitBuf.Put(p.data[:cap(p.data)]) //nolint:staticcheck
		case <-ticker.C:
			c.drainCloseQueue()
		case <-c.die:
			return
		}
	}
}

func (c *Connector) receiver(ch chan<- inPacket) {
	for {
		buf := xmitBuf.Get().([]byte)[:mtuLimit]
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < Overhead {
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
			xmitBuf.Put(buf) //nolint:staticcheck
			continue
		}
		select {
		case ch <- inPacket{from, buf[:n]}:
		case <-c.die:
			return
		}
	}
}

func (c *Connector) handlePacket(data []byte) {
	convOffset := 0
	if c.fecDataShards > 0 && c.fecParityShards > 0 {
		if len(data) < 6 || leUint16(data[4:]) != typeData {
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
			return
		}
		convOffset = fecHeaderSizePlus2
	}
	if len(data) < convOffset+4 {
		atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		return
	}
	conv := leUint32(data[convOffset:])

	c.mu.Lock()
	s, ok := c.sessions[conv]
	c.mu.Unlock()
	if !ok {
		atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		return
	}

	if err := s.input(data); err != nil {
		c.logger.Printf("session input: %v", err)
	}
}
