// Package backpressure implements the non-blocking channel policies used on
// every bounded queue between workers and the orchestrator.
//
// "Drop frames, never queue": a producer must never stall on a full channel.
package backpressure

// Outcome reports what Push did with a value.
type Outcome int

const (
	// Sent means the value was enqueued on the first attempt.
	Sent Outcome = iota
	// SentAfterEvict means one oldest entry was discarded to make room.
	SentAfterEvict
	// Dropped means the value was not enqueued.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case SentAfterEvict:
		return "sent_after_evict"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Delivered reports whether the value ended up in the channel.
func (o Outcome) Delivered() bool { return o != Dropped }

// Push enqueues v with the drop-oldest policy:
//  1. non-blocking send
//  2. on full, discard exactly one oldest entry (non-blocking receive)
//  3. retry the send once
//  4. still full (another producer won the slot) → Dropped
//
// Push never blocks. The channel must be bidirectional because step 2 reads
// from it.
func Push[T any](ch chan T, v T) Outcome {
	select {
	case ch <- v:
		return Sent
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- v:
		return SentAfterEvict
	default:
		return Dropped
	}
}

// TrySend is a plain non-blocking send with drop-new semantics.
func TrySend[T any](ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
