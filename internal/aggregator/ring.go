package aggregator

import "github.com/e7canasta/orion-fleet/internal/messages"

// ring is a fixed-capacity FIFO of results. Pushing onto a full ring
// overwrites the oldest entry.
type ring struct {
	buf   []messages.ResultRecord
	head  int // index of the oldest entry
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]messages.ResultRecord, capacity)}
}

func (r *ring) push(rec messages.ResultRecord) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) len() int { return r.count }

// each calls fn for every entry, oldest first.
func (r *ring) each(fn func(messages.ResultRecord)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
