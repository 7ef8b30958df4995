package kcp

import "encoding/binary"

// Segment command types, as defined by the canonical KCP wire format.
const (
	cmdPush byte = 81 // data push
	cmdAck  byte = 82 // ack
	cmdWAsk byte = 83 // window probe (ask)
	cmdWins byte = 84 // window size (tell)
)

const (
	askSend uint32 = 1 // need to send IKCP_CMD_WASK
	askTell uint32 = 2 // need to send IKCP_CMD_WINS
)

// segment is a single KCP protocol segment, carrying either user data
// (cmdPush) or a bare control command (ack/probe).
type segment struct {
	conv     uint32
	cmd      byte
	frg      byte
	wnd      uint16
	ts       uint32
	sn       uint32
	una      uint32
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
	data     []byte
}

// encode writes the segment header (not the payload) into buf and
// returns the slice advanced past the header.
func (seg *segment) encode(ptr []byte) []byte {
	binary.LittleEndian.PutUint32(ptr, seg.conv)
	ptr[4] = seg.cmd
	ptr[5] = seg.frg
	binary.LittleEndian.PutUint16(ptr[6:], seg.wnd)
	binary.LittleEndian.PutUint32(ptr[8:], seg.ts)
	binary.LittleEndian.PutUint32(ptr[12:], seg.sn)
	binary.LittleEndian.PutUint32(ptr[16:], seg.una)
	binary.LittleEndian.PutUint32(ptr[20:], uint32(len(seg.data)))
	return ptr[overhead:]
}
