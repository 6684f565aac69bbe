// Package kernel implements the discrete-event core of the simulator: a
// two-phase (acquire/commit) process scheduler built on top of
// github.com/sarchlab/akita/v4/sim, arbitrated shared resources, and the
// generic storage primitives every other package builds on.
package kernel

// Result is what a process step returns for one phase of one cycle.
type Result int

const (
	// SUCCESS means the process made progress and, if more input remains,
	// should stay READY for the next cycle.
	SUCCESS Result = iota
	// DELAYED means no progress was made this cycle, but the process is not
	// stuck — e.g. waiting on a line fill.
	DELAYED
	// FAILED means the process lost a resource contention this cycle and
	// should retry next cycle.
	FAILED
)

func (r Result) String() string {
	switch r {
	case SUCCESS:
		return "SUCCESS"
	case DELAYED:
		return "DELAYED"
	case FAILED:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// State is a process's scheduling state.
type State int

const (
	IDLE State = iota
	READY
	RUNNING
	STALLED
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case STALLED:
		return "STALLED"
	default:
		return "UNKNOWN"
	}
}

// Process is a named callback owned by a component. The kernel calls Step
// twice per cycle it is READY: once with committing=false (acquire phase,
// speculative — side effects must be staged, not applied) and, if it is
// still READY or was the winner of some arbitration, once more with
// committing=true (commit phase, side effects actually take effect).
type Process interface {
	// Name identifies the process for tracing and deadlock dumps.
	Name() string
	// Step runs one phase of one cycle.
	Step(committing bool) Result
}

// ProcessFunc adapts a plain function to the Process interface, the way a
// component with a single internal process often wants to register it
// without declaring a named type.
type ProcessFunc struct {
	ProcName string
	Fn       func(committing bool) Result
}

func (p *ProcessFunc) Name() string { return p.ProcName }

func (p *ProcessFunc) Step(committing bool) Result { return p.Fn(committing) }
