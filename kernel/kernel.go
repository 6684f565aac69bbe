package kernel

import (
	"fmt"

	"github.com/sarchlab/akita/v4/monitoring"
	"github.com/sarchlab/akita/v4/sim"
)

// Idler is implemented by a Process that can report it currently has
// nothing to do, letting the kernel detect "every process is IDLE"
// termination instead of running forever.
type Idler interface {
	IsIdle() bool
}

type procEntry struct {
	proc              Process
	state             State
	consecutiveFailed int
}

// Kernel drives every registered Process through the acquire/commit cycle
// once per tick of an underlying akita TickingComponent: a single tick
// fans out to many registered processes, and the two-phase discipline is
// applied across all of them before the cycle counter advances.
type Kernel struct {
	*sim.TickingComponent

	monitor   *monitoring.Monitor
	processes []*procEntry
	cycle     uint64

	arbiters []arbiterHandle

	stallDump func(string)

	faulted      *SimError
	errorHandler func(SimError)
}

type arbiterHandle interface {
	Arbitrate()
	Reset()
}

// NewKernel creates a Kernel ticking at freq on engine.
func NewKernel(name string, engine sim.Engine, freq sim.Freq) *Kernel {
	k := &Kernel{}
	k.TickingComponent = sim.NewTickingComponent(name, engine, freq, k)
	return k
}

// WithMonitor records m on the kernel and returns k. AddProcess does not
// register anything with it.
func (k *Kernel) WithMonitor(m *monitoring.Monitor) *Kernel {
	k.monitor = m
	return k
}

// AddProcess registers a process to be driven every cycle.
func (k *Kernel) AddProcess(p Process) {
	k.processes = append(k.processes, &procEntry{proc: p, state: READY})
}

// AddArbiter registers an arbitrated resource whose Arbitrate/Reset must run
// once per cycle, between the acquire and commit phases.
func (k *Kernel) AddArbiter(a arbiterHandle) {
	k.arbiters = append(k.arbiters, a)
}

// Cycle returns the current global cycle counter.
func (k *Kernel) Cycle() uint64 { return k.cycle }

// Tick runs one full acquire+commit cycle across every registered process.
// It implements akita's sim.Ticker so the kernel itself is a
// TickingComponent the engine schedules like any other.
func (k *Kernel) Tick() (madeProgress bool) {
	if k.faulted != nil {
		return false
	}
	if len(k.processes) == 0 {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*SimError)
			if !ok {
				panic(r)
			}
			madeProgress = false
			k.onFault(se)
		}
	}()

	// An IDLE process wakes as soon as its component reports work again
	// (storage sensitivity: new input arrived since it went idle).
	for _, e := range k.processes {
		if e.state != IDLE {
			continue
		}
		if idler, ok := e.proc.(Idler); ok && !idler.IsIdle() {
			e.state = READY
		}
	}

	// Acquire phase: every process runs speculatively.
	anyReady := false
	for _, e := range k.processes {
		if e.state == IDLE {
			continue
		}
		anyReady = true
		res := e.proc.Step(false)
		k.recordResult(e, res)
	}

	// Arbitration: resolve all contested resources between phases.
	for _, a := range k.arbiters {
		a.Arbitrate()
	}

	// Commit phase: winners' and uncontested processes' side effects land.
	for _, e := range k.processes {
		if e.state == IDLE {
			continue
		}
		res := e.proc.Step(true)
		k.recordResult(e, res)
		madeProgress = madeProgress || res == SUCCESS
	}

	for _, a := range k.arbiters {
		a.Reset()
	}

	k.cycle++

	if k.allIdle() {
		return false
	}
	if anyReady && k.allStalledOrIdle() && !k.allIdle() {
		k.onStall()
	}

	return madeProgress || anyReady
}

func (k *Kernel) recordResult(e *procEntry, res Result) {
	switch res {
	case SUCCESS:
		e.consecutiveFailed = 0
		e.state = READY
	case DELAYED:
		e.consecutiveFailed = 0
		e.state = READY
	case FAILED:
		e.consecutiveFailed++
		if e.consecutiveFailed > DeadlockThreshold {
			e.state = STALLED
		}
	}
	if idler, ok := e.proc.(Idler); ok && idler.IsIdle() {
		e.state = IDLE
	}
}

func (k *Kernel) allIdle() bool {
	for _, e := range k.processes {
		if e.state != IDLE {
			return false
		}
	}
	return true
}

func (k *Kernel) allStalledOrIdle() bool {
	for _, e := range k.processes {
		if e.state != STALLED && e.state != IDLE {
			return false
		}
	}
	return true
}

// SetStallHandler installs a callback invoked with a diagnostic dump when a
// deadlock is detected.
func (k *Kernel) SetStallHandler(fn func(string)) {
	k.stallDump = fn
}

// SetErrorHandler installs a callback invoked once with the SimError a
// process raised, instead of Tick's default of re-panicking it.
func (k *Kernel) SetErrorHandler(fn func(SimError)) {
	k.errorHandler = fn
}

// Faulted reports the SimError that halted this kernel, if any. Once set,
// Tick is permanently a no-op.
func (k *Kernel) Faulted() *SimError { return k.faulted }

func (k *Kernel) onFault(se *SimError) {
	k.faulted = se
	if k.errorHandler != nil {
		k.errorHandler(*se)
		return
	}
	panic(se)
}

func (k *Kernel) onStall() {
	entries := make([]ProcessDumpEntry, len(k.processes))
	for i, e := range k.processes {
		entries[i] = ProcessDumpEntry{Name: e.proc.Name(), State: e.state, ConsecutiveFailed: e.consecutiveFailed}
	}
	dump := DumpProcessStates(entries)
	if k.stallDump != nil {
		k.stallDump(dump)
		return
	}
	panic(fmt.Sprintf("deadlock detected at cycle %d:\n%s", k.cycle, dump))
}
