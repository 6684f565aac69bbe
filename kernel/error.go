package kernel

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// SimError is a fatal, component-attributed fault: an illegal
// instruction, an invalid FID capability, or any other programmer error
// that retrying cannot resolve. A stage or process that detects one
// panics with a SimError; Tick recovers it once at the top of the
// kernel's per-cycle driver instead of letting it unwind into the engine.
//
// Resource-contention outcomes (a lost arbitration, a full queue) never
// raise a SimError: they are Result.FAILED, which a process simply
// retries next cycle.
type SimError struct {
	Component string
	PC        ids.MemAddr
	TID       ids.TID
	FID       ids.LFID
	Message   string
}

func (e *SimError) Error() string {
	return fmt.Sprintf("%s: %s (pc=%d tid=%d fid=%d)", e.Component, e.Message, e.PC, e.TID, e.FID)
}

// Raise panics with a SimError built from the given component and
// location, the way stages.go reports an illegal decode or a faulting
// register address: programmer errors rather than contention.
func Raise(component string, pc ids.MemAddr, tid ids.TID, fid ids.LFID, format string, args ...any) {
	panic(&SimError{
		Component: component,
		PC:        pc,
		TID:       tid,
		FID:       fid,
		Message:   fmt.Sprintf(format, args...),
	})
}
