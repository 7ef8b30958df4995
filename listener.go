package kcp

import (
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// inPacket is one datagram read off the wire, still addressed to
// whichever peer sent it; the receiver goroutine hands these to the
// monitor loop so that socket reads and registry bookkeeping never
// contend on the same goroutine.
type inPacket struct {
	from net.Addr
	data []byte
}

// peerKey is the 64-bit digest of a peer address spec.md §3 uses to
// index the outer level of the listener-side registry. FNV-1a is the
// only hash the retrieval pack ever reaches for outside of checksums,
// so it is what this core uses too (see DESIGN.md).
func peerKey(addr net.Addr) uint64 {
	h := fnv.New64a()
	h.Write([]byte(addr.String()))
	return h.Sum64()
}

// Listener demultiplexes inbound datagrams from many peers, each peer
// potentially multiplexing many conversations, over a single Datagram
// Port: spec.md §4.4. The registry is the nested map[peerKey]map[conv]
// structure called for in spec.md §3, with a one-entry fast-path cache
// (last peer address seen) carried over directly from the teacher's
// monitor loop to avoid a map lookup on every packet of a back-to-back
// burst from the same peer.
type Listener struct {
	conn       net.PacketConn
	ownsConn   bool
	fecDataShards, fecParityShards int
	headerSize int

	mu       sync.Mutex
	sessions map[uint64]map[uint32]*Session
	addrs    map[uint64]net.Addr

	chAccepts chan *Session
	closeQ    closeQueue

	die     chan struct{}
	dieOnce sync.Once

	rd, wd atomic.Value

	logger Logger
}

// ListenOption configures a Listener at construction time.
type ListenOption func(*Listener)

// WithFEC enables forward error correction on every session this
// Listener accepts.
func WithFEC(dataShards, parityShards int) ListenOption {
	return func(l *Listener) {
		l.fecDataShards = dataShards
		l.fecParityShards = parityShards
	}
}

// WithLogger overrides the default stderr Logger.
func WithLogger(log Logger) ListenOption {
	return func(l *Listener) { l.logger = log }
}

// Listen creates a Listener bound to laddr, implementing spec.md §6's
// server-side entry point.
func Listen(laddr string, opts ...ListenOption) (*Listener, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	l, err := ServeConn(conn, opts...)
	if err != nil {
		return nil, err
	}
	l.ownsConn = true
	return l, nil
}

// ServeConn wraps an already-bound net.PacketConn, letting a caller
// supply its own Datagram Port (spec.md §6 calls this out explicitly as
// an external-interface concern separate from address resolution).
func ServeConn(conn net.PacketConn, opts ...ListenOption) (*Listener, error) {
	l := &Listener{
		conn:      conn,
		sessions:  make(map[uint64]map[uint32]*Session),
		addrs:     make(map[uint64]net.Addr),
		chAccepts: make(chan *Session, acceptBacklog),
		die:       make(chan struct{}),
		logger:    defaultLogger,
	}
	for _, o := range opts {
		o(l)
	}
	if l.fecDataShards > 0 && l.fecParityShards > 0 {
		l.headerSize += fecHeaderSizePlus2
	}
	go l.monitor()
	return l, nil
}

// Accept blocks until a new session has been demultiplexed (its first
// inbound datagram observed) or the listener closes.
func (l *Listener) Accept() (*Session, error) {
	return l.AcceptKCP()
}

// AcceptKCP is Accept spelled out, matching the teacher's naming for
// protocol-specific accept methods.
func (l *Listener) AcceptKCP() (*Session, error) {
	var timeout <-chan time.Time
	if tdl, ok := l.rd.Load().(time.Time); ok && !tdl.IsZero() {
		timer := time.NewTimer(time.Until(tdl))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s := <-l.chAccepts:
		return s, nil
	case <-timeout:
		return nil, errTimeout
	case <-l.die:
		return nil, errors.WithStack(ErrClosed)
	}
}

// SetDeadline, SetReadDeadline control Accept's timeout; spec.md §6
// only requires read-side deadlines on the accepting side.
func (l *Listener) SetDeadline(t time.Time) error {
	l.rd.Store(t)
	l.wd.Store(t)
	return nil
}

func (l *Listener) SetReadDeadline(t time.Time) error {
	l.rd.Store(t)
	return nil
}

func (l *Listener) SetWriteDeadline(t time.Time) error {
	l.wd.Store(t)
	return nil
}

// Addr returns the listener's local network address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close shuts the listener down: every accepted session keeps running
// independently (closing a Listener does not close its sessions),
// matching spec.md's component boundary between demultiplexing and
// session lifetime.
func (l *Listener) Close() error {
	var err error
	l.dieOnce.Do(func() {
		close(l.die)
		if l.ownsConn {
			err = l.conn.Close()
		}
	})
	return err
}

// closeSession removes a session from the registry; called by
// Session.Close. The actual map mutation happens on the monitor
// goroutine via the close queue, so that Close() never blocks on the
// listener's registry lock.
func (l *Listener) closeSession(s *Session) {
	l.closeQ.push(s)
}

func (l *Listener) drainCloseQueue() {
	for _, item := range l.closeQ.drain() {
		s := item.(*Session)
		key := peerKey(s.remote)
		l.mu.Lock()
		if inner, ok := l.sessions[key]; ok {
			delete(inner, s.conv)
			if len(inner) == 0 {
				delete(l.sessions, key)
				delete(l.addrs, key)
			}
		}
		l.mu.Unlock()
	}
}

// monitor is the Listener's single demultiplexing loop, adapted from
// the teacher's monitor/receiver pair: packet reads happen on a
// separate goroutine so that registry bookkeeping and session dispatch
// never block on socket I/O, and the hot path caches the previous
// packet's resolved session so a burst from one peer costs one map
// lookup instead of one per packet.
func (l *Listener) monitor() {
	chPacket := make(chan inPacket, rxQueueLimit)
	go l.receiver(chPacket)

	var lastKey uint64
	var lastSession *Session
	haveLast := false

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case p := <-chPacket:
			l.dispatch(p, &lastKey, &lastSession, &haveLast)
			xmitBuf.Put(p.data[:cap(p.data)]) //nolint:staticcheck
		case <-ticker.C:
			l.drainCloseQueue()
		case <-l.die:
			return
		}
	}
}

func (l *Listener) dispatch(p inPacket, lastKey *uint64, lastSession **Session, haveLast *bool) {
	data := p.data
	if len(data) < l.headerSize+Overhead {
		atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		return
	}

	key := peerKey(p.from)

	var s *Session
	if *haveLast && key == *lastKey {
		s = *lastSession
		// the cache is keyed by peer only: a data packet for another
		// conv from the same peer is looked up in the registry instead.
		isData := l.fecDataShards == 0 || l.fecParityShards == 0 || leUint16(data[4:]) == typeData
		if isData && leUint32(data[l.headerSize:]) != s.conv {
			s = nil
		}
	} else {
		l.mu.Lock()
		if inner, ok := l.sessions[key]; ok {
			convField := data[l.headerSize:]
			if len(convField) >= 4 {
				conv := leUint32(convField)
				s = inner[conv]
			}
		}
		l.mu.Unlock()
	}

	if s != nil {
		*lastKey, *lastSession, *haveLast = key, s, true
		if err := s.input(data); err != nil {
			l.logger.Printf("session input: %v", err)
			*haveLast = false
			l.tearDown(s)
		}
		return
	}

	if l.fecDataShards > 0 && l.fecParityShards > 0 {
		// a conv id is only recoverable from a data shard; a parity
		// shard arriving before any session is cached for this peer
		// cannot be demultiplexed and is dropped.
		if len(data) < 6 || leUint16(data[4:]) != typeData {
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
			return
		}
	}

	convField := data[l.headerSize:]
	if len(convField) < 4 {
		atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		return
	}
	conv := leUint32(convField)

	l.mu.Lock()
	inner, ok := l.sessions[key]
	if !ok {
		inner = make(map[uint32]*Session)
		l.sessions[key] = inner
		l.addrs[key] = p.from
	}
	existing, exists := inner[conv]
	l.mu.Unlock()
	if exists {
		*lastKey, *lastSession, *haveLast = key, existing, true
		if err := existing.input(data); err != nil {
			l.logger.Printf("session input: %v", err)
			*haveLast = false
			l.tearDown(existing)
		}
		return
	}

	if len(l.chAccepts) >= cap(l.chAccepts) {
		atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		return
	}

	var fec *fecCodec
	if l.fecDataShards > 0 && l.fecParityShards > 0 {
		fec = newFECCodec(l.fecDataShards, l.fecParityShards)
	}
	s = newSession(conv, l, nil, l.conn, p.from, fec)

	l.mu.Lock()
	inner2 := l.sessions[key]
	inner2[conv] = s
	l.mu.Unlock()

	if err := s.input(data); err != nil {
		l.logger.Printf("session input: %v", err)
		l.tearDown(s)
		return
	}
	*lastKey, *lastSession, *haveLast = key, s, true

	select {
	case l.chAccepts <- s:
	case <-l.die:
	}
}

// tearDown removes a session whose input failed (on its first packet or
// any later one) directly, bypassing the close queue: per spec.md §4.4's
// run_core pseudocode, a session whose input fails is removed from the
// registry immediately rather than left for the next close-queue drain.
func (l *Listener) tearDown(s *Session) {
	key := peerKey(s.remote)
	l.mu.Lock()
	if inner, ok := l.sessions[key]; ok {
		delete(inner, s.conv)
		if len(inner) == 0 {
			delete(l.sessions, key)
			delete(l.addrs, key)
		}
	}
	l.mu.Unlock()
	updater.removeSession(s)
}

func (l *Listener) receiver(ch chan<- inPacket) {
	for {
		buf := xmitBuf.Get().([]byte)[:mtuLimit]
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < l.headerSize+Overhead {
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
			xmitBuf.Put(buf) //nolint:staticcheck
			continue
		}
		select {
		case ch <- inPacket{from, buf[:n]}:
		case <-l.die:
			return
		}
	}
}

// leUint32 reads a little-endian uint32, matching the wire's conv
// field encoding.
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// leUint16 reads a little-endian uint16.
func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// SetReadBuffer sets the socket read buffer for the Listener.
func (l *Listener) SetReadBuffer(bytes int) error {
	if nc, ok := l.conn.(setReadBuffer); ok {
		return nc.SetReadBuffer(bytes)
	}
	return errors.New("kcp: invalid operation")
}

// SetWriteBuffer sets the socket write buffer for the Listener.
func (l *Listener) SetWriteBuffer(bytes int) error {
	if nc, ok := l.conn.(setWriteBuffer); ok {
		return nc.SetWriteBuffer(bytes)
	}
	return errors.New("kcp: invalid operation")
}

// SetDSCP sets the 6-bit DSCP field on every datagram this listener
// sends.
func (l *Listener) SetDSCP(dscp int) error {
	if nc, ok := l.conn.(net.Conn); ok {
		return ipv4.NewConn(nc).SetTOS(dscp << 2)
	}
	return errors.New("kcp: invalid operation")
}
