// Package pipeline implements the six fixed per-core pipeline stages plus
// the forwarding latches between Memory and Writeback. Each stage
// implements Stage, which the core adapts to a kernel.Process; each inter-stage latch is a single-entry register whose
// commit ordering is governed by the kernel's acquire/commit cycle.
package pipeline

import (
	"github.com/sarchlab/microgrid/ids"
)

// Result is a stage's per-cycle outcome.
type Result int

const (
	SUCCESS Result = iota
	STALL
	FLUSH
	DELAY
)

// Stage is one pipeline stage. A stage reads its input latch, and on
// SUCCESS writes its output latch; on STALL it must not consume its input.
type Stage interface {
	Name() string
	Run(committing bool) Result
}

// Latch is a single-entry inter-stage register, generic over the record it
// carries.
type Latch[T any] struct {
	name    string
	value   T
	staged  T
	has     bool
	hasNext bool
	tid     ids.TID
}

// NewLatch creates a named, empty latch.
func NewLatch[T any](name string) *Latch[T] {
	return &Latch[T]{name: name}
}

// Empty reports whether the latch currently holds no record.
func (l *Latch[T]) Empty() bool { return !l.has }

// Peek returns the currently committed record without consuming it.
func (l *Latch[T]) Peek() (T, bool) { return l.value, l.has }

// Stage writes a record for the next commit, tagged with the owning thread
// so a same-TID flush can find it.
func (l *Latch[T]) Stage(v T, tid ids.TID) {
	l.staged = v
	l.tid = tid
	l.hasNext = true
}

// Clear discards the currently committed record (used by the downstream
// stage and by flush).
func (l *Latch[T]) Clear() {
	var zero T
	l.value = zero
	l.has = false
}

// FlushIfTID clears the latch if it currently holds a record for tid,
// implementing "flushes kill only same-TID latches".
func (l *Latch[T]) FlushIfTID(tid ids.TID) {
	if l.has && l.tid == tid {
		l.Clear()
	}
}

// Commit applies any staged write. A stage that did not call Stage this
// cycle leaves the latch as the downstream stage left it (typically
// cleared by the downstream stage's Clear).
func (l *Latch[T]) Commit() {
	if l.hasNext {
		l.value = l.staged
		l.has = true
		l.hasNext = false
	}
}

// RegSpecifier classifies a windowed register specifier.
type RegSpecifier int

const (
	GLOBAL RegSpecifier = iota
	SHARED
	LOCAL
	DEPENDENT
	RAZ
)

// FamilyOp classifies the family-management operation an instruction
// raises, if any. The external decoder sets it; Execute dispatches it
// into the allocator instead of the ALU.
type FamilyOp int

const (
	FamNone FamilyOp = iota
	FamAllocate
	FamCreate
	FamSync
	FamDetach
	FamBreak
	FamSetProperty
)

func (o FamilyOp) String() string {
	switch o {
	case FamNone:
		return "NONE"
	case FamAllocate:
		return "ALLOCATE"
	case FamCreate:
		return "CREATE"
	case FamSync:
		return "SYNC"
	case FamDetach:
		return "DETACH"
	case FamBreak:
		return "BREAK"
	case FamSetProperty:
		return "SETPROPERTY"
	default:
		return "UNKNOWN"
	}
}

// DecodedInstr is the latch record Decode produces for Read, carrying
// opcode fields plus resolved absolute register addresses. The opcode
// payload itself is opaque: the ISA is an external collaborator, which
// also classifies the family-management operations the instruction
// stream raises.
type DecodedInstr struct {
	PC       ids.MemAddr
	Opcode   uint32
	RawWord  uint32
	Ra, Rb   ids.RegAddr
	RaKind   RegSpecifier
	RbKind   RegSpecifier
	Dest     ids.RegAddr
	DestKind RegSpecifier
	Thread   ids.TID
	Family   ids.LFID

	FamilyOp   FamilyOp
	FamilyProp uint8 // property selector when FamilyOp is FamSetProperty
}

// FetchedLine is what Fetch hands to Decode: the raw instruction word at PC
// plus control-word annotation bits.
type FetchedLine struct {
	PC          ids.MemAddr
	Word        uint32
	Breakpoint  bool
	Annotation  bool
	EndOfLine   bool
	EndOfFamily bool
	Thread      ids.TID
	Family      ids.LFID
}

// ReadInstr is what Read hands to Execute: the decoded instruction plus the
// two operand values actually fetched from the register file or a bypass.
type ReadInstr struct {
	DecodedInstr
	ValA, ValB uint64
}

// ExecResult is what Execute hands to Memory: an ALU result awaiting
// writeback, a memory operation to issue, or a dispatched family
// operation whose completion arrives asynchronously.
type ExecResult struct {
	ReadInstr
	Result     uint64
	IsMemory   bool
	IsFamilyOp bool
	MemAddr    ids.MemAddr
	MemSize    int
	IsStore    bool
	StoreData  []byte
}

// MemResult is what Memory hands to Writeback.
type MemResult struct {
	ExecResult
	Value   uint64
	Pending bool // awaiting a D-cache fill; no writeback value yet
}
