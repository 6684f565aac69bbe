// Package threadtable implements the per-core thread table:
// the same three-pool allocation scheme as famtable, plus a FIFO of empty
// slots and the dependency bookkeeping that decides when a thread may be
// recycled.
package threadtable

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// Pool mirrors famtable.Pool — thread-table slots are drawn from the same
// three-pool scheme.
type Pool int

const (
	NORMAL Pool = iota
	RESERVED
	EXCLUSIVE
	numPools
)

func (p Pool) String() string {
	switch p {
	case NORMAL:
		return "NORMAL"
	case RESERVED:
		return "RESERVED"
	case EXCLUSIVE:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// State is a thread's lifecycle state.
type State int

const (
	EMPTY State = iota
	WAITING
	READY
	ACTIVE
	RUNNING
	SUSPENDED
	UNUSED
	KILLED
)

func (s State) String() string {
	switch s {
	case EMPTY:
		return "EMPTY"
	case WAITING:
		return "WAITING"
	case READY:
		return "READY"
	case ACTIVE:
		return "ACTIVE"
	case RUNNING:
		return "RUNNING"
	case SUSPENDED:
		return "SUSPENDED"
	case UNUSED:
		return "UNUSED"
	case KILLED:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// RegBases holds, per register type, the base index of this thread's
// locals/shareds/dependents within the family's allocated register block.
type RegBases struct {
	Locals     ids.RegIndex
	Shareds    ids.RegIndex
	Dependents ids.RegIndex
}

// Dependencies are the conditions that must resolve before a thread may be
// pushed to the cleanup queue.
type Dependencies struct {
	NumPendingWrites uint32
	PrevCleanedUp    bool
	Killed           bool
}

// Resolved reports whether the thread is ready for cleanup.
func (d Dependencies) Resolved() bool {
	return d.NumPendingWrites == 0 && d.PrevCleanedUp && d.Killed
}

// Entry is one thread-table slot.
type Entry struct {
	PC     ids.MemAddr
	Family ids.LFID
	Index  uint64
	CID    ids.CID // I-cache slot holding this thread's line, or NONE

	NextInBlock ids.TID // sibling link within the family's allocation block
	Next        ids.TID // queue link (e.g. into a ready/active queue)

	Regs [2]RegBases // indexed by ids.RegType

	Deps             Dependencies
	WaitingForWrites uint32

	State State

	pool Pool
}

// ReadyForCleanup reports whether this thread may be pushed to the
// cleanup queue: killed, no pending writes, predecessor cleaned up.
func (e *Entry) ReadyForCleanup() bool {
	return e.Deps.Resolved()
}

// Table is the fixed-size thread table of one core.
type Table struct {
	entries   []Entry
	free      [numPools][]ids.TID
	emptyFIFO []ids.TID
	tableSize int
}

// NewTable creates a thread table with the given per-pool slot counts.
func NewTable(poolSizes [3]int) *Table {
	total := poolSizes[NORMAL] + poolSizes[RESERVED] + poolSizes[EXCLUSIVE]
	t := &Table{
		entries:   make([]Entry, total),
		tableSize: total,
	}
	idx := ids.TID(0)
	for pool := Pool(0); pool < numPools; pool++ {
		for i := 0; i < poolSizes[pool]; i++ {
			t.entries[idx].pool = pool
			t.entries[idx].State = EMPTY
			t.free[pool] = append(t.free[pool], idx)
			t.emptyFIFO = append(t.emptyFIFO, idx)
			idx++
		}
	}
	return t
}

func (t *Table) Size() int { return t.tableSize }

func (t *Table) FreeCount(pool Pool) int { return len(t.free[pool]) }

func (t *Table) UsedCount() int {
	used := 0
	for i := range t.entries {
		if t.entries[i].State != EMPTY {
			used++
		}
	}
	return used
}

// CheckInvariant verifies that the per-pool free counts plus the used
// count always equal the table size.
func (t *Table) CheckInvariant() error {
	sum := t.FreeCount(NORMAL) + t.FreeCount(RESERVED) + t.FreeCount(EXCLUSIVE) + t.UsedCount()
	if sum != t.tableSize {
		return fmt.Errorf("thread table invariant violated: sum = %d, want %d", sum, t.tableSize)
	}
	return nil
}

// PopEmpty pulls a TID from the requested pool's empty FIFO.
func (t *Table) PopEmpty(pool Pool) (ids.TID, bool) {
	free := t.free[pool]
	if len(free) == 0 {
		return ids.NoneTID, false
	}
	tid := free[0]
	t.free[pool] = free[1:]
	t.removeFromGlobalFIFO(tid)

	t.entries[tid] = Entry{pool: pool, State: EMPTY}
	return tid, true
}

// PushEmpty returns a contiguous range of TIDs [start, start+length) to
// their pool's empty FIFO.
func (t *Table) PushEmpty(start ids.TID, length int, pool Pool) {
	for i := 0; i < length; i++ {
		tid := start + ids.TID(i)
		t.entries[tid] = Entry{pool: pool, State: EMPTY}
		t.free[pool] = append(t.free[pool], tid)
		t.emptyFIFO = append(t.emptyFIFO, tid)
	}
}

func (t *Table) removeFromGlobalFIFO(tid ids.TID) {
	for i, v := range t.emptyFIFO {
		if v == tid {
			t.emptyFIFO = append(t.emptyFIFO[:i], t.emptyFIFO[i+1:]...)
			return
		}
	}
}

// Get returns a pointer to the entry for in-place mutation.
func (t *Table) Get(tid ids.TID) *Entry {
	return &t.entries[tid]
}

// PoolOf reports which pool a slot belongs to, so a recycled thread
// returns to the pool it was drawn from.
func (t *Table) PoolOf(tid ids.TID) Pool {
	return t.entries[tid].pool
}
