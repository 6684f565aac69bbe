// Package fpu implements the external floating-point unit collaborator
// a shared, pipelined FPU that a core's Execute stage queues
// operations into, with results delivered later by writing the
// destination register through the standard async write port.
package fpu

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
)

// Op enumerates the floating-point operation classes. Each class is
// pipelined independently, accepting at most one new operation per cycle
// and producing at most one result per cycle.
type Op int

const (
	Add Op = iota
	Sub
	Mul
	Div
	Sqrt
	numOps
)

func (o Op) String() string {
	switch o {
	case Add:
		return "ADD"
	case Sub:
		return "SUB"
	case Mul:
		return "MUL"
	case Div:
		return "DIV"
	case Sqrt:
		return "SQRT"
	default:
		return "UNKNOWN"
	}
}

// Size distinguishes single- and double-precision operands.
type Size int

const (
	Single Size = iota
	Double
)

// RegisterWriter is the standard async write port every FPU result lands
// through, the same contract the pipeline's Writeback stage uses.
type RegisterWriter interface {
	WriteResult(addr ids.RegAddr, value uint64) ([]ids.TID, error)
}

// inflight is one operation in a class's pipeline, indexed by the cycle it
// completes on.
type inflight struct {
	a, b   uint64
	size   Size
	dst    ids.RegAddr
	doneAt uint64
}

// FPU is a shared external floating-point unit: one pipeline per Op class,
// each configurable with its own latency, so a long DIV does not block a
// short ADD queued the same cycle.
type FPU struct {
	regs              RegisterWriter
	latency           [numOps]uint64
	pipeline          [numOps][]inflight
	acceptedThisCycle [numOps]bool
	clock             uint64
}

// New creates an FPU writing results back through regs. latencies maps each
// Op to its configured cycle count; an Op left unset defaults to 1.
func New(regs RegisterWriter, latencies map[Op]uint64) *FPU {
	f := &FPU{regs: regs}
	for op := Op(0); op < numOps; op++ {
		if l, ok := latencies[op]; ok {
			f.latency[op] = l
		} else {
			f.latency[op] = 1
		}
	}
	return f
}

// QueueOperation attempts to queue op into its class pipeline. It returns
// false if the class already accepted an operation this cycle (one
// acceptance per op class per cycle).
func (f *FPU) QueueOperation(op Op, size Size, a, b uint64, dst ids.RegAddr) bool {
	if op < 0 || op >= numOps {
		return false
	}
	if f.acceptedThisCycle[op] {
		return false
	}
	f.acceptedThisCycle[op] = true
	f.pipeline[op] = append(f.pipeline[op], inflight{
		a: a, b: b, size: size, dst: dst, doneAt: f.clock + f.latency[op],
	})
	return true
}

// Name identifies this FPU as a kernel.Process for tracing and deadlock
// dumps.
func (f *FPU) Name() string { return "FPU" }

// Step advances the FPU by one phase of one cycle (kernel.Process). On the
// acquire phase it only resets per-cycle acceptance bookkeeping; results
// complete and are written back on the commit phase, and the clock only
// advances then, matching the kernel's acquire/commit discipline.
func (f *FPU) Step(committing bool) kernel.Result {
	if !committing {
		for op := range f.acceptedThisCycle {
			f.acceptedThisCycle[op] = false
		}
		return kernel.SUCCESS
	}

	f.clock++

	for op := Op(0); op < numOps; op++ {
		q := f.pipeline[op]
		kept := q[:0]
		for _, in := range q {
			if in.doneAt > f.clock {
				kept = append(kept, in)
				continue
			}
			result := compute(op, in.size, in.a, in.b)
			if _, err := f.regs.WriteResult(in.dst, result); err != nil {
				panic(fmt.Sprintf("fpu: writeback for %s failed: %v", op, err))
			}
		}
		f.pipeline[op] = kept
	}

	return kernel.SUCCESS
}

// IsIdle reports whether every pipeline is drained, letting the kernel
// detect the FPU has nothing left to do (kernel.Idler).
func (f *FPU) IsIdle() bool {
	for op := range f.pipeline {
		if len(f.pipeline[op]) > 0 {
			return false
		}
	}
	return true
}
