// Package kcp implements a reliable-datagram transport on top of an
// unreliable, UDP-style packet socket, multiplexing many ordered byte
// streams over one endpoint with the KCP ARQ protocol family.
package kcp

import (
	"encoding/binary"
)

const (
	rtoNdl     = 30    // no-delay min rto
	rtoMin     = 100   // normal min rto
	rtoDef     = 200   // default rto
	rtoMax     = 60000 // max rto
	wndSnd     = 512   // default send window (segments), per spec.md default
	wndRcv     = 521   // default receive window (segments), per spec.md default
	mtuDef     = 1400  // default MTU
	ackFast    = 3
	interval   = 100
	overhead   = 24 // IKCP_OVERHEAD: fixed header size of every segment
	deadlink   = 10 // default max-resend-times before a segment is considered a dead link
	threshInit = 2
	threshMin  = 2
	probeInit  = 7000   // 7 secs to probe window size
	probeLimit = 120000 // up to 120 secs to probe window
)

// Overhead is the fixed size, in bytes, of a KCP segment header. Every
// wire datagram must be at least this long to be acceptable input.
const Overhead = overhead

// ackItem is a pending (sn, ts) pair waiting to be folded into the next
// outgoing ack segment.
type ackItem struct {
	sn uint32
	ts uint32
}

// outputFunc is invoked by flush() with one datagram's worth of
// fully-encoded segments (header + payload each), packed up to the MTU
// and ready to hand to the Datagram Port.
type outputFunc func(buf []byte, size int)

// KCP is a single ARQ engine: one conversation's send/receive windows,
// retransmission queue, ack list and timers. It implements the classical
// KCP algorithm (skywind3000, translated to Go by xtaci and others) and
// corresponds one-to-one to the "KCP Engine" of spec.md §4.1.
//
// KCP is not safe for concurrent use; callers (Session) must serialize
// access with their own lock.
type KCP struct {
	conv, mtu, mss, state uint32

	snd_una, snd_nxt, rcv_nxt uint32
	ts_recent, ts_lastack     uint32
	ssthresh                  uint32
	rx_rttval, rx_srtt        int32
	rx_rto, rx_minrto         uint32
	snd_wnd, rcv_wnd, rmt_wnd uint32
	cwnd, probe               uint32
	current, interval         uint32
	ts_flush                  uint32
	xmit                      uint32
	nodelay, updated          uint32
	ts_probe, probe_wait      uint32
	dead_link, incr           uint32

	fastresend     int32
	fastlimit      int32
	nocwnd, stream int32

	snd_queue []segment
	rcv_queue []segment
	snd_buf   []segment
	rcv_buf   []segment

	acklist []ackItem

	buffer []byte
	output outputFunc
}

// NewKCP creates a new ARQ engine for conversation conv. output is
// invoked, possibly several times, during flush() with each MTU-sized
// batch of outgoing segments; output must not itself call back into the KCP engine (the
// caller is expected to hand the bytes to the Datagram Port directly, as
// spec.md §4.1 requires of the output sink).
func NewKCP(conv uint32, output func(buf []byte, size int)) *KCP {
	kcp := new(KCP)
	kcp.conv = conv
	kcp.snd_wnd = wndSnd
	kcp.rcv_wnd = wndRcv
	kcp.rmt_wnd = wndRcv
	kcp.mtu = mtuDef
	kcp.mss = kcp.mtu - overhead
	kcp.rx_rto = rtoDef
	kcp.rx_minrto = rtoMin
	kcp.interval = interval
	kcp.ts_flush = interval
	kcp.ssthresh = threshInit
	kcp.dead_link = deadlink
	kcp.buffer = make([]byte, kcp.mtu)
	kcp.output = output
	return kcp
}

// newSegment allocates a segment with a payload capacity of size bytes.
func (kcp *KCP) newSegment(size int) segment {
	return segment{data: make([]byte, size)}
}

// PeekSize returns the size of the next complete message available to
// Recv, or -1 if none is ready yet.
func (kcp *KCP) PeekSize() (size int) {
	if len(kcp.rcv_queue) == 0 {
		return -1
	}

	seg := &kcp.rcv_queue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}

	if len(kcp.rcv_queue) < int(seg.frg)+1 {
		return -1
	}

	for k := range kcp.rcv_queue {
		seg := &kcp.rcv_queue[k]
		size += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}
	return
}

// Recv copies the next complete message into buffer. It returns the
// number of bytes written, or a negative count if the receive queue is
// empty, a fragment is still outstanding, or buffer is too small for
// the next message (in which case nothing is consumed).
func (kcp *KCP) Recv(buffer []byte) (n int) {
	if len(kcp.rcv_queue) == 0 {
		return -1
	}

	peeksize := kcp.PeekSize()
	if peeksize < 0 {
		return -2
	}

	if peeksize > len(buffer) {
		return -3
	}

	var fast_recover bool
	if len(kcp.rcv_queue) >= int(kcp.rcv_wnd) {
		fast_recover = true
	}

	// merge fragments into buffer
	count := 0
	for k := range kcp.rcv_queue {
		seg := &kcp.rcv_queue[k]
		copy(buffer, seg.data)
		buffer = buffer[len(seg.data):]
		n += len(seg.data)
		count++
		if seg.frg == 0 {
			break
		}
	}

	if count > 0 {
		kcp.rcv_queue = removeFront(kcp.rcv_queue, count)
	}

	// move available data from rcv_buf -> rcv_queue
	count = 0
	for k := range kcp.rcv_buf {
		seg := &kcp.rcv_buf[k]
		if seg.sn == kcp.rcv_nxt && len(kcp.rcv_queue) < int(kcp.rcv_wnd) {
			kcp.rcv_nxt++
			count++
		} else {
			break
		}
	}

	if count > 0 {
		kcp.rcv_queue = append(kcp.rcv_queue, kcp.rcv_buf[:count]...)
		kcp.rcv_buf = removeFront(kcp.rcv_buf, count)
	}

	// fast recover: tell the remote peer our receive window has room again
	if len(kcp.rcv_queue) < int(kcp.rcv_wnd) && fast_recover {
		kcp.probe |= askTell
	}

	return
}

// Send splits buffer into MSS-sized fragments and queues them for
// sending. It returns 0 once the whole buffer is queued, -1 for an
// empty buffer, and -2 (queueing nothing) when the buffer would need
// more than 255 fragments. No window backpressure is surfaced from
// this layer; callers that need backpressure should consult WaitSnd.
func (kcp *KCP) Send(buffer []byte) int {
	var count int
	if len(buffer) == 0 {
		return -1
	}

	if kcp.stream != 0 {
		n := len(kcp.snd_queue)
		if n > 0 {
			seg := &kcp.snd_queue[n-1]
			if len(seg.data) < int(kcp.mss) {
				capacity := int(kcp.mss) - len(seg.data)
				extend := capacity
				if len(buffer) < capacity {
					extend = len(buffer)
				}
				oldlen := len(seg.data)
				seg.data = seg.data[:oldlen+extend]
				copy(seg.data[oldlen:], buffer)
				buffer = buffer[extend:]
			}
		}
		if len(buffer) == 0 {
			return 0
		}
	}

	if len(buffer) <= int(kcp.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(kcp.mss) - 1) / int(kcp.mss)
	}

	if count > 255 {
		return -2
	}

	if count == 0 {
		count = 1
	}

	for i := 0; i < count; i++ {
		var size int
		if len(buffer) > int(kcp.mss) {
			size = int(kcp.mss)
		} else {
			size = len(buffer)
		}
		seg := kcp.newSegment(size)
		copy(seg.data, buffer[:size])
		if kcp.stream == 0 {
			seg.frg = byte(count - i - 1)
		}
		kcp.snd_queue = append(kcp.snd_queue, seg)
		buffer = buffer[size:]
	}
	return 0
}

func (kcp *KCP) update_ack(rtt int32) {
	if kcp.rx_srtt == 0 {
		kcp.rx_srtt = rtt
		kcp.rx_rttval = rtt / 2
	} else {
		delta := rtt - kcp.rx_srtt
		if delta < 0 {
			delta = -delta
		}
		kcp.rx_rttval = (3*kcp.rx_rttval + delta) / 4
		kcp.rx_srtt = (7*kcp.rx_srtt + rtt) / 8
		if kcp.rx_srtt < 1 {
			kcp.rx_srtt = 1
		}
	}
	rto := kcp.rx_srtt + _imax(1, 4*kcp.rx_rttval)
	kcp.rx_rto = _iuint32bound(kcp.rx_minrto, uint32(rto), rtoMax)
}

func (kcp *KCP) shrink_buf() {
	if len(kcp.snd_buf) > 0 {
		kcp.snd_una = kcp.snd_buf[0].sn
	} else {
		kcp.snd_una = kcp.snd_nxt
	}
}

func (kcp *KCP) parse_ack(sn uint32) {
	if timediff(sn, kcp.snd_una) < 0 || timediff(sn, kcp.snd_nxt) >= 0 {
		return
	}

	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		if sn == seg.sn {
			kcp.snd_buf = append(kcp.snd_buf[:k], kcp.snd_buf[k+1:]...)
			break
		}
		if timediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (kcp *KCP) parse_fastack(sn, ts uint32) {
	if timediff(sn, kcp.snd_una) < 0 || timediff(sn, kcp.snd_nxt) >= 0 {
		return
	}

	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn && timediff(seg.ts, ts) <= 0 {
			seg.fastack++
		}
	}
}

func (kcp *KCP) parse_una(una uint32) {
	count := 0
	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		if timediff(una, seg.sn) > 0 {
			count++
		} else {
			break
		}
	}
	if count > 0 {
		kcp.snd_buf = removeFront(kcp.snd_buf, count)
	}
}

// ack_push appends an (sn, ts) pair to be flushed as an ack segment.
func (kcp *KCP) ack_push(sn, ts uint32) {
	kcp.acklist = append(kcp.acklist, ackItem{sn, ts})
}

func (kcp *KCP) parse_data(newseg segment) {
	sn := newseg.sn
	if timediff(sn, kcp.rcv_nxt+kcp.rcv_wnd) >= 0 || timediff(sn, kcp.rcv_nxt) < 0 {
		return
	}

	n := len(kcp.rcv_buf) - 1
	insert_idx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &kcp.rcv_buf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timediff(sn, seg.sn) > 0 {
			insert_idx = i + 1
			break
		}
	}

	if !repeat {
		dataCopy := make([]byte, len(newseg.data))
		copy(dataCopy, newseg.data)
		newseg.data = dataCopy

		if insert_idx == n+1 {
			kcp.rcv_buf = append(kcp.rcv_buf, newseg)
		} else {
			kcp.rcv_buf = append(kcp.rcv_buf, segment{})
			copy(kcp.rcv_buf[insert_idx+1:], kcp.rcv_buf[insert_idx:])
			kcp.rcv_buf[insert_idx] = newseg
		}
	}

	// move available data from rcv_buf -> rcv_queue
	count := 0
	for k := range kcp.rcv_buf {
		seg := &kcp.rcv_buf[k]
		if seg.sn == kcp.rcv_nxt && len(kcp.rcv_queue) < int(kcp.rcv_wnd) {
			kcp.rcv_nxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		kcp.rcv_queue = append(kcp.rcv_queue, kcp.rcv_buf[:count]...)
		kcp.rcv_buf = removeFront(kcp.rcv_buf, count)
	}
}

// Input feeds one or more concatenated segments read from the Datagram
// Port into the engine. regular marks the packet as arriving from the
// normal network path (as opposed to FEC recovery); only regular
// packets feed fast-ack accounting (parse_fastack), while RTT samples
// are taken from acks either way. ackNoDelay is not consulted here: the
// immediate ack flush it stands for is done by the caller (Session.input
// calls flush(true)). Input returns 0 on success and a negative value
// if the packet is malformed.
func (kcp *KCP) Input(data []byte, regular, ackNoDelay bool) int {
	snd_una := kcp.snd_una
	if len(data) < overhead {
		return -1
	}

	var maxack uint32
	var latest uint32
	var flag int

	for {
		var ts, sn, length, una, conv uint32
		var wnd uint16
		var cmd, frg byte

		if len(data) < int(overhead) {
			break
		}

		conv = binary.LittleEndian.Uint32(data)
		if conv != kcp.conv {
			return -1
		}
		data = data[4:]

		cmd = data[0]
		frg = data[1]
		wnd = binary.LittleEndian.Uint16(data[2:])
		ts = binary.LittleEndian.Uint32(data[4:])
		sn = binary.LittleEndian.Uint32(data[8:])
		una = binary.LittleEndian.Uint32(data[12:])
		length = binary.LittleEndian.Uint32(data[16:])
		data = data[20:]

		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWAsk && cmd != cmdWins {
			return -2
		}

		if uint32(len(data)) < length {
			return -3
		}

		kcp.rmt_wnd = uint32(wnd)
		kcp.parse_una(una)
		kcp.shrink_buf()

		switch cmd {
		case cmdAck:
			if timediff(kcp.current, ts) >= 0 {
				kcp.update_ack(timediff(kcp.current, ts))
			}
			kcp.parse_ack(sn)
			kcp.shrink_buf()
			if flag == 0 {
				flag = 1
				maxack = sn
				latest = ts
			} else if timediff(sn, maxack) > 0 {
				if regular {
					maxack = sn
					latest = ts
				}
			}
		case cmdPush:
			if timediff(sn, kcp.rcv_nxt+kcp.rcv_wnd) < 0 {
				kcp.ack_push(sn, ts)
				if timediff(sn, kcp.rcv_nxt) >= 0 {
					seg := kcp.newSegment(int(length))
					seg.conv = conv
					seg.cmd = cmd
					seg.frg = frg
					seg.wnd = wnd
					seg.ts = ts
					seg.sn = sn
					seg.una = una
					copy(seg.data, data[:length])
					kcp.parse_data(seg)
				}
			}
		case cmdWAsk:
			kcp.probe |= askTell
		case cmdWins:
			// nothing extra to do: rmt_wnd already updated above
		default:
			return -3
		}

		data = data[length:]
	}

	if flag != 0 && regular {
		kcp.parse_fastack(maxack, latest)
	}

	if timediff(kcp.snd_una, snd_una) > 0 {
		if kcp.cwnd < kcp.rmt_wnd {
			mss := kcp.mss
			if kcp.cwnd < kcp.ssthresh {
				kcp.cwnd++
				kcp.incr += mss
			} else {
				if kcp.incr < mss {
					kcp.incr = mss
				}
				kcp.incr += (mss*mss)/kcp.incr + (mss / 16)
				if (kcp.cwnd+1)*mss <= kcp.incr {
					if mss > 0 {
						kcp.cwnd = (kcp.incr + mss - 1) / mss
					} else {
						kcp.cwnd = kcp.cwnd + 1
					}
				}
			}
			if kcp.cwnd > kcp.rmt_wnd {
				kcp.cwnd = kcp.rmt_wnd
				kcp.incr = kcp.rmt_wnd * mss
			}
		}
	}

	return 0
}

func (kcp *KCP) wnd_unused() int32 {
	if len(kcp.rcv_queue) < int(kcp.rcv_wnd) {
		return int32(int(kcp.rcv_wnd) - len(kcp.rcv_queue))
	}
	return 0
}

// flush encodes and emits every segment that needs to go out in this
// tick: the ack list, a window probe/tell if requested, and any data
// segments within the congestion/receive window, including
// retransmissions whose RTO has expired or which have been fast-acked
// past the configured threshold.
func (kcp *KCP) flush(ackOnly bool) uint32 {
	buffer := kcp.buffer
	var seg segment
	seg.conv = kcp.conv
	seg.cmd = cmdAck
	seg.wnd = uint16(kcp.wnd_unused())
	seg.una = kcp.rcv_nxt

	ptr := buffer
	makeSpace := func(space int) {
		size := len(buffer) - len(ptr)
		if size+space > int(kcp.mtu) {
			kcp.output(buffer, size)
			ptr = buffer
		}
	}
	flushBuffer := func() {
		size := len(buffer) - len(ptr)
		if size > 0 {
			kcp.output(buffer, size)
		}
	}

	// flush acknowledges
	for i, ack := range kcp.acklist {
		makeSpace(overhead)
		seg.sn, seg.ts = ack.sn, ack.ts
		ptr = seg.encode(ptr)
		_ = i
	}
	kcp.acklist = kcp.acklist[:0]

	if !ackOnly {
		// probe window size (if remote window size equals zero)
		if kcp.rmt_wnd == 0 {
			if kcp.probe_wait == 0 {
				kcp.probe_wait = probeInit
				kcp.ts_probe = kcp.current + kcp.probe_wait
			} else {
				if timediff(kcp.current, kcp.ts_probe) >= 0 {
					if kcp.probe_wait < probeInit {
						kcp.probe_wait = probeInit
					}
					kcp.probe_wait += kcp.probe_wait / 2
					if kcp.probe_wait > probeLimit {
						kcp.probe_wait = probeLimit
					}
					kcp.ts_probe = kcp.current + kcp.probe_wait
					kcp.probe |= askSend
				}
			}
		} else {
			kcp.ts_probe = 0
			kcp.probe_wait = 0
		}

		if kcp.probe&askSend != 0 {
			seg.cmd = cmdWAsk
			makeSpace(overhead)
			ptr = seg.encode(ptr)
		}
		if kcp.probe&askTell != 0 {
			seg.cmd = cmdWins
			makeSpace(overhead)
			ptr = seg.encode(ptr)
		}
		kcp.probe = 0

		// calculate window size
		cwnd := _imin(kcp.snd_wnd, kcp.rmt_wnd)
		if kcp.nocwnd == 0 {
			cwnd = _imin(kcp.cwnd, cwnd)
		}

		newSegsCount := 0
		for k := range kcp.snd_queue {
			if timediff(kcp.snd_nxt, kcp.snd_una+cwnd) >= 0 {
				break
			}
			newseg := kcp.snd_queue[k]
			newseg.conv = kcp.conv
			newseg.cmd = cmdPush
			newseg.sn = kcp.snd_nxt
			kcp.snd_buf = append(kcp.snd_buf, newseg)
			kcp.snd_nxt++
			newSegsCount++
		}
		if newSegsCount > 0 {
			kcp.snd_queue = removeFront(kcp.snd_queue, newSegsCount)
		}

		// calculate resent
		resent := uint32(kcp.fastresend)
		if kcp.fastresend <= 0 {
			resent = 0xffffffff
		}
		rtomin := (kcp.rx_rto >> 3)
		if kcp.nodelay != 0 {
			rtomin = 0
		}

		var lost, change bool
		for k := range kcp.snd_buf {
			segment := &kcp.snd_buf[k]
			needsend := false
			if segment.xmit == 0 {
				needsend = true
				segment.rto = kcp.rx_rto
				segment.resendts = kcp.current + segment.rto + rtomin
			} else if timediff(kcp.current, segment.resendts) >= 0 {
				needsend = true
				if kcp.nodelay == 0 {
					segment.rto += kcp.rx_rto
				} else {
					segment.rto += kcp.rx_rto / 2
				}
				segment.resendts = kcp.current + segment.rto
				lost = true
			} else if segment.fastack >= resent {
				if segment.xmit <= uint32(kcp.fastlimit) || kcp.fastlimit <= 0 {
					needsend = true
					segment.fastack = 0
					segment.resendts = kcp.current + segment.rto
					change = true
				}
			}

			if needsend {
				segment.xmit++
				segment.ts = kcp.current
				segment.wnd = seg.wnd
				segment.una = seg.una

				need := overhead + len(segment.data)
				makeSpace(need)
				ptr = segment.encode(ptr)
				copy(ptr, segment.data)
				ptr = ptr[len(segment.data):]

				if segment.xmit >= kcp.dead_link {
					kcp.state = 0xFFFFFFFF
				}
			}
		}

		flushBuffer()

		// update ssthresh
		if change {
			inflight := kcp.snd_nxt - kcp.snd_una
			kcp.ssthresh = inflight / 2
			if kcp.ssthresh < threshMin {
				kcp.ssthresh = threshMin
			}
			kcp.cwnd = kcp.ssthresh + resent
			kcp.incr = kcp.cwnd * kcp.mss
		}

		if lost {
			kcp.ssthresh = cwnd / 2
			if kcp.ssthresh < threshMin {
				kcp.ssthresh = threshMin
			}
			kcp.cwnd = 1
			kcp.incr = kcp.mss
		}

		if kcp.cwnd < 1 {
			kcp.cwnd = 1
			kcp.incr = kcp.mss
		}
	} else {
		flushBuffer()
	}

	return uint32(interval)
}

// Update drives the engine's timers and must be called repeatedly;
// Check reports the time, on the same clock, at which the next call is
// useful. current is a monotonic millisecond counter shared across all
// calls for the lifetime of the engine.
func (kcp *KCP) Update(current uint32) {
	kcp.current = current

	if kcp.updated == 0 {
		kcp.updated = 1
		kcp.ts_flush = kcp.current
	}

	slap := timediff(kcp.current, kcp.ts_flush)
	if slap >= 10000 || slap < -10000 {
		kcp.ts_flush = kcp.current
		slap = 0
	}

	if slap >= 0 {
		kcp.ts_flush += kcp.interval
		if timediff(kcp.current, kcp.ts_flush) >= 0 {
			kcp.ts_flush = kcp.current + kcp.interval
		}
		kcp.flush(false)
	}
}

// Check returns the timestamp (on the millisecond clock passed as
// current) at which Update should next be called, based on the flush
// interval and outstanding resend timers; it returns current itself
// when an update is already due. The result is an absolute time, not a
// delay. Check does not mutate any state or do I/O.
func (kcp *KCP) Check(current uint32) uint32 {
	ts_flush := kcp.ts_flush
	tm_flush := int32(0x7fffffff)
	tm_packet := int32(0x7fffffff)
	minimal := uint32(0)

	if kcp.updated == 0 {
		return current
	}

	if timediff(current, ts_flush) >= 10000 || timediff(current, ts_flush) < -10000 {
		ts_flush = current
	}

	if timediff(current, ts_flush) >= 0 {
		return current
	}

	tm_flush = timediff(ts_flush, current)

	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		diff := timediff(seg.resendts, current)
		if diff <= 0 {
			return current
		}
		if diff < tm_packet {
			tm_packet = diff
		}
	}

	minimal = uint32(tm_packet)
	if tm_packet >= tm_flush {
		minimal = uint32(tm_flush)
	}
	if minimal >= interval {
		minimal = interval
	}

	return current + minimal
}

// SetMtu changes the maximum transmission unit used on the wire. It
// rejects anything smaller than 50 bytes (returning -1).
func (kcp *KCP) SetMtu(mtu int) int {
	if mtu < 50 || mtu < overhead {
		return -1
	}
	buffer := make([]byte, mtu)
	kcp.mtu = uint32(mtu)
	kcp.mss = kcp.mtu - overhead
	kcp.buffer = buffer
	return 0
}

// NoDelay configures the no-delay family of parameters: nodelay (0/1),
// the update interval in ms, the fast-resend duplicate-ack threshold
// (0 disables fast resend), and whether to disable congestion control
// (nc != 0).
func (kcp *KCP) NoDelay(nodelay, interval, resend, nc int) int {
	if nodelay >= 0 {
		kcp.nodelay = uint32(nodelay)
		if nodelay != 0 {
			kcp.rx_minrto = rtoNdl
		} else {
			kcp.rx_minrto = rtoMin
		}
	}
	if interval >= 0 {
		if interval > 5000 {
			interval = 5000
		} else if interval < 10 {
			interval = 10
		}
		kcp.interval = uint32(interval)
	}
	if resend >= 0 {
		kcp.fastresend = int32(resend)
	}
	if nc >= 0 {
		kcp.nocwnd = int32(nc)
	}
	return 0
}

// WndSize sets the send and receive window sizes, in segments.
func (kcp *KCP) WndSize(sndwnd, rcvwnd int) int {
	if sndwnd > 0 {
		kcp.snd_wnd = uint32(sndwnd)
	}
	if rcvwnd > 0 {
		kcp.rcv_wnd = uint32(rcvwnd)
	}
	return 0
}

// WaitSnd returns the number of segments still in the send queue or
// send buffer (queued but not yet acknowledged).
func (kcp *KCP) WaitSnd() int {
	return len(kcp.snd_buf) + len(kcp.snd_queue)
}

// SetMaximumResendTimes sets the dead-link threshold: once any segment
// has been transmitted this many times (its first transmission
// included), IsDeadLink reports true.
func (kcp *KCP) SetMaximumResendTimes(resends int) {
	kcp.dead_link = uint32(resends)
}

// IsDeadLink reports whether any segment has reached the configured
// maximum transmission count.
func (kcp *KCP) IsDeadLink() bool {
	return kcp.state != 0
}

// SetMinRTO overrides the minimum retransmission timeout, in milliseconds.
func (kcp *KCP) SetMinRTO(rto int) {
	kcp.rx_minrto = uint32(rto)
}

// removeFront removes the first n elements of q, reusing the backing
// array.
func removeFront(q []segment, n int) []segment {
	if n == 0 {
		return q
	}
	newn := copy(q, q[n:])
	return q[:newn]
}

func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func _imin(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func _imax(a, b int32) int32 {
	if a >= b {
		return a
	}
	return b
}

func _iuint32bound(lower, middle, upper uint32) uint32 {
	if middle < lower {
		return lower
	}
	if middle > upper {
		return upper
	}
	return middle
}
