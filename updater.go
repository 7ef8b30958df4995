package kcp

import (
	"container/heap"
	"sync"
	"time"
)

// updateHeapEntry is one Session's position in the Update Driver's
// timer heap (spec.md §4.3): the session fires no earlier than ts.
type updateHeapEntry struct {
	ts int64 // next-wake time, milliseconds since refTime
	s  *Session
	idx int
}

type updateHeap []*updateHeapEntry

func (h updateHeap) Len() int            { return len(h) }
func (h updateHeap) Less(i, j int) bool  { return h[i].ts < h[j].ts }
func (h updateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *updateHeap) Push(x interface{}) {
	e := x.(*updateHeapEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *updateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// updateDriver is the single shared "Update Driver" (spec.md §4.3)
// servicing every live Session in the process: one timer-heap and one
// goroutine instead of one goroutine per session, chosen as the
// efficient translation of the original's per-connection sleep/wake
// loop (see the Update Driver section of DESIGN.md).
type updateDriver struct {
	mu      sync.Mutex
	entries map[*Session]*updateHeapEntry
	heap    updateHeap
	wake    chan struct{}
	once    sync.Once
}

// updater is the process-wide Update Driver. It is started lazily, on
// first use, by a sync.Once inside run's caller.
var updater = &updateDriver{
	entries: make(map[*Session]*updateHeapEntry),
	wake:    make(chan struct{}, 1),
}

func (d *updateDriver) start() {
	d.once.Do(func() { go d.run() })
}

// addSession registers s for servicing, scheduling its first tick
// immediately.
func (d *updateDriver) addSession(s *Session) {
	d.start()
	d.mu.Lock()
	e := &updateHeapEntry{ts: 0, s: s}
	d.entries[s] = e
	heap.Push(&d.heap, e)
	d.mu.Unlock()
	d.poke()
}

// removeSession deregisters s; safe to call more than once or for a
// session never added.
func (d *updateDriver) removeSession(s *Session) {
	d.mu.Lock()
	if e, ok := d.entries[s]; ok {
		delete(d.entries, s)
		if e.idx >= 0 {
			heap.Remove(&d.heap, e.idx)
		}
	}
	d.mu.Unlock()
}

func (d *updateDriver) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run is the Update Driver's single goroutine: pop the earliest-due
// session, tick it, reschedule it, and sleep until the new earliest
// deadline or a poke wakes it early (a session was just added).
func (d *updateDriver) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		now := int64(currentMs())
		var nextWake int64 = -1
		for d.heap.Len() > 0 && d.heap[0].ts <= now {
			e := heap.Pop(&d.heap).(*updateHeapEntry)
			s := e.s
			if _, live := d.entries[s]; !live {
				continue
			}
			d.mu.Unlock()

			nextTick, dead := s.update(uint32(now))
			if dead {
				d.removeSession(s)
				go s.markDead()
			} else {
				d.mu.Lock()
				e.ts = int64(nextTick)
				e.idx = -1
				heap.Push(&d.heap, e)
				d.mu.Unlock()
			}
			d.mu.Lock()
		}
		if d.heap.Len() > 0 {
			nextWake = d.heap[0].ts
		}
		d.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var delay time.Duration
		if nextWake < 0 {
			delay = time.Hour
		} else {
			delay = time.Duration(nextWake-now) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
		}
		timer.Reset(delay)

		select {
		case <-timer.C:
		case <-d.wake:
		}
	}
}
