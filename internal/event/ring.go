package event

import "github.com/HerbHall/switchyard/pkg/plugin"

// ring is a fixed-capacity FIFO of events. Not safe for concurrent use;
// the Bus guards it.
type ring struct {
	buf   []plugin.Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]plugin.Event, capacity)}
}

func (r *ring) push(e plugin.Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// last returns the newest n events in insertion order.
func (r *ring) last(n int) []plugin.Event {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]plugin.Event, n)
	skip := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int { return r.size }
func (r *ring) cap() int { return len(r.buf) }
