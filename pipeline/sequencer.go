package pipeline

import "github.com/sarchlab/microgrid/ids"

// LatchFlusher is satisfied by *Latch[T], letting a Sequencer hold latches
// of different record types in one slice.
type LatchFlusher interface {
	FlushIfTID(tid ids.TID)
}

// Sequencer squashes every later-stage latch still holding a faulting
// thread's in-flight instruction and requests Fetch pop a different
// thread next cycle; a flush clears only same-TID latches and records a
// switch. A nil *Sequencer is a valid target for Flush, so a
// stage built without one — as this package's own unit tests do — behaves
// exactly as it did before the Sequencer existed.
type Sequencer struct {
	flushers []LatchFlusher
	onSwitch func()
}

// NewSequencer builds a Sequencer over every inter-stage latch downstream
// of the stage that might fault, plus the callback requesting a thread
// switch.
func NewSequencer(onSwitch func(), flushers ...LatchFlusher) *Sequencer {
	return &Sequencer{flushers: flushers, onSwitch: onSwitch}
}

// Flush clears every registered latch still holding tid and requests the
// next cycle fetch a different thread: the response to a fault that
// abandons the in-flight instruction for good.
func (s *Sequencer) Flush(tid ids.TID) {
	if s == nil {
		return
	}
	for _, f := range s.flushers {
		f.FlushIfTID(tid)
	}
	if s.onSwitch != nil {
		s.onSwitch()
	}
}
