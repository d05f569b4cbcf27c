package feed

import "sync"

// ringBuffer holds the most recent raw events while the consumer is behind
// or the connection is being re-established. Overflow drops the oldest
// event, never the newest.
type ringBuffer struct {
	mu    sync.Mutex
	buf   []RawEvent
	max   int
	drops int64
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) push(ev RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.max {
		r.buf = r.buf[1:]
		r.drops++
	}
	r.buf = append(r.buf, ev)
}

// drain hands buffered events to deliver in arrival order, stopping at the
// first event deliver refuses.
func (r *ringBuffer) drain(deliver func(RawEvent) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) > 0 {
		if !deliver(r.buf[0]) {
			return
		}
		r.buf = r.buf[1:]
	}
}

func (r *ringBuffer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func (r *ringBuffer) dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drops
}
