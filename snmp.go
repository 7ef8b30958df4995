package kcp

import "sync/atomic"

// Snmp is a set of running counters describing transport activity,
// mirroring the teacher's DefaultSnmp idiom (atomic.AddUint64 on named
// fields, read with atomic.LoadUint64). It is not part of spec.md's
// testable properties; it exists purely as the ambient observability
// surface the rest of the corpus always carries alongside a KCP core.
type Snmp struct {
	BytesSent       uint64
	BytesReceived   uint64
	InPkts          uint64
	OutPkts         uint64
	InBytes         uint64
	OutBytes        uint64
	InErrs          uint64
	KCPInErrors     uint64
	FECErrs         uint64
	FECRecovered    uint64
	FECParityShards uint64
	ActiveOpens     uint64
	PassiveOpens    uint64
	CurrEstab       uint64
	MaxConn         uint64
}

// Copy returns a point-in-time snapshot safe to read without races.
func (s *Snmp) Copy() *Snmp {
	d := new(Snmp)
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.InPkts = atomic.LoadUint64(&s.InPkts)
	d.OutPkts = atomic.LoadUint64(&s.OutPkts)
	d.InBytes = atomic.LoadUint64(&s.InBytes)
	d.OutBytes = atomic.LoadUint64(&s.OutBytes)
	d.InErrs = atomic.LoadUint64(&s.InErrs)
	d.KCPInErrors = atomic.LoadUint64(&s.KCPInErrors)
	d.FECErrs = atomic.LoadUint64(&s.FECErrs)
	d.FECRecovered = atomic.LoadUint64(&s.FECRecovered)
	d.FECParityShards = atomic.LoadUint64(&s.FECParityShards)
	d.ActiveOpens = atomic.LoadUint64(&s.ActiveOpens)
	d.PassiveOpens = atomic.LoadUint64(&s.PassiveOpens)
	d.CurrEstab = atomic.LoadUint64(&s.CurrEstab)
	d.MaxConn = atomic.LoadUint64(&s.MaxConn)
	return d
}

// DefaultSnmp is the process-wide counter set, updated by every Session,
// Listener and Connector created in this process.
var DefaultSnmp = new(Snmp)
