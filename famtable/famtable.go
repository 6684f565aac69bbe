// Package famtable implements the per-core family table: a
// fixed-size array of family entries drawn from three allocation pools, and
// the bookkeeping that decides when a family is cleanable.
package famtable

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// Pool is one of the three family-table allocation pools.
type Pool int

const (
	// NORMAL serves ordinary local creates.
	NORMAL Pool = iota
	// RESERVED is held for place-wide remote allocations already in flight.
	RESERVED
	// EXCLUSIVE has exactly one entry, reserved for exclusive creates.
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

// State is a family entry's lifecycle state.
type State int

const (
	EMPTY State = iota
	ALLOCATED
	CREATE_QUEUED
	CREATING
	ACTIVE
	KILLED
)

func (s State) String() string {
	switch s {
	case EMPTY:
		return "EMPTY"
	case ALLOCATED:
		return "ALLOCATED"
	case CREATE_QUEUED:
		return "CREATE_QUEUED"
	case CREATING:
		return "CREATING"
	case ACTIVE:
		return "ACTIVE"
	case KILLED:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// RegCount holds the per-register-type allocation plan for one family.
type RegCount struct {
	Globals     uint32
	Shareds     uint32
	Locals      uint32
	Base        ids.RegIndex
	Size        uint32
	LastShareds ids.RegIndex
}

// Dependencies are the five conditions that must all resolve before a
// family may be cleaned up.
type Dependencies struct {
	NumThreadsAllocated uint32
	AllocationDone      bool
	NumPendingReads     uint32
	PrevSynchronized    bool
	Detached            bool
}

// Resolved reports whether every dependency has resolved to its terminal
// value.
func (d Dependencies) Resolved() bool {
	return d.NumThreadsAllocated == 0 &&
		d.AllocationDone &&
		d.NumPendingReads == 0 &&
		d.PrevSynchronized &&
		d.Detached
}

// Sync is the rendezvous a family's termination fulfills: where to deliver
// the synchronization completion.
type Sync struct {
	Done bool
	PID  ids.PID
	Reg  ids.RegAddr
}

// Property names one settable family property, delivered by a
// SET_PROPERTY operation before the family is created.
type Property int

const (
	PropStart Property = iota
	PropLimit
	PropStep
	PropBlockSize
)

func (p Property) String() string {
	switch p {
	case PropStart:
		return "START"
	case PropLimit:
		return "LIMIT"
	case PropStep:
		return "STEP"
	case PropBlockSize:
		return "BLOCKSIZE"
	default:
		return "UNKNOWN"
	}
}

// Entry is one family-table slot.
type Entry struct {
	Capability ids.FCapability
	ParentPID  ids.PID
	ParentLFID ids.LFID
	LinkPrev   ids.LFID // NONE when terminal on the place ring
	LinkNext   ids.LFID
	// The neighbor entries' capabilities, recorded while the place chain
	// is walked so link traffic to them can be validated on arrival.
	LinkPrevCap ids.FCapability
	LinkNextCap ids.FCapability
	// PlaceIndex is this core's 0-based position in the place chain.
	PlaceIndex uint32

	Start, Limit, Step int64
	NThreads            uint64 // derived
	Index               uint64 // next thread index to allocate
	PhysBlockSize       uint32
	VirtBlockSize       uint32
	PlaceSize           uint32
	NumCores            uint32

	PC     ids.MemAddr
	Legacy bool

	Regs [2]RegCount // indexed by ids.RegType

	Deps Dependencies
	Sync Sync
	// Notify is where the packed FID is delivered once the create state
	// machine completes, distinct from the Sync rendezvous termination
	// fulfills.
	Notify Sync

	State         State
	LastAllocated ids.TID
	PrevCleanedUp bool
	HasShareds    bool

	pool Pool
}

// Cleanable reports whether this family may be reclaimed: it is KILLED
// and every dependency has resolved.
func (e *Entry) Cleanable() bool {
	return e.State == KILLED && e.Deps.Resolved()
}

// DeriveNThreads computes nThreads from the iteration space:
// ceil((limit-start)/step), clamped to zero for an empty or reversed
// range.
func (e *Entry) DeriveNThreads() {
	if e.Step == 0 {
		e.NThreads = 0
		return
	}
	span := e.Limit - e.Start
	if (span > 0) != (e.Step > 0) {
		e.NThreads = 0
		return
	}
	n := span / e.Step
	if span%e.Step != 0 {
		n++
	}
	if n < 0 {
		n = 0
	}
	e.NThreads = uint64(n)
}

// Table is the fixed-size family table of one core, with three allocation
// pools whose free counts plus the number in use must always sum to the
// table size.
type Table struct {
	entries   []Entry
	free      [numPools][]ids.LFID
	tableSize int
}

// NewTable creates a family table with poolSizes[NORMAL]+poolSizes[RESERVED]+
// poolSizes[EXCLUSIVE] entries, each slot starting EMPTY and assigned to its
// pool.
func NewTable(poolSizes [3]int) *Table {
	total := poolSizes[NORMAL] + poolSizes[RESERVED] + poolSizes[EXCLUSIVE]
	t := &Table{
		entries:   make([]Entry, total),
		tableSize: total,
	}
	idx := ids.LFID(0)
	for pool := Pool(0); pool < numPools; pool++ {
		for i := 0; i < poolSizes[pool]; i++ {
			t.entries[idx].pool = pool
			t.entries[idx].State = EMPTY
			t.free[pool] = append(t.free[pool], idx)
			idx++
		}
	}
	return t
}

// Size returns the total number of table slots.
func (t *Table) Size() int { return t.tableSize }

// FreeCount returns the number of free entries in the given pool.
func (t *Table) FreeCount(pool Pool) int { return len(t.free[pool]) }

// UsedCount returns the number of non-EMPTY entries across all pools.
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
		return fmt.Errorf("family table invariant violated: free(%d)+free(%d)+free(%d)+used(%d) = %d, want %d",
			t.FreeCount(NORMAL), t.FreeCount(RESERVED), t.FreeCount(EXCLUSIVE), t.UsedCount(), sum, t.tableSize)
	}
	return nil
}

// Allocate draws a free LFID from the given pool and marks it ALLOCATED.
func (t *Table) Allocate(pool Pool) (ids.LFID, bool) {
	free := t.free[pool]
	if len(free) == 0 {
		return ids.NoneLFID, false
	}
	lfid := free[len(free)-1]
	t.free[pool] = free[:len(free)-1]

	t.entries[lfid] = Entry{
		pool:          pool,
		State:         ALLOCATED,
		LastAllocated: ids.NoneTID,
		LinkPrev:      ids.NoneLFID,
		LinkNext:      ids.NoneLFID,
		ParentLFID:    ids.NoneLFID,
		Sync:          Sync{PID: ids.NonePID},
		Notify:        Sync{PID: ids.NonePID},
	}
	return lfid, true
}

// Free returns lfid to its pool, resetting the entry to EMPTY. The caller
// must have already verified Cleanable().
func (t *Table) Free(lfid ids.LFID) {
	pool := t.entries[lfid].pool
	t.entries[lfid] = Entry{pool: pool, State: EMPTY}
	t.free[pool] = append(t.free[pool], lfid)
}

// Get returns a pointer to the entry for in-place mutation.
func (t *Table) Get(lfid ids.LFID) *Entry {
	return &t.entries[lfid]
}

// UsedLFIDs lists every non-EMPTY slot, for diagnostics and tests.
func (t *Table) UsedLFIDs() []ids.LFID {
	var used []ids.LFID
	for i := range t.entries {
		if t.entries[i].State != EMPTY {
			used = append(used, ids.LFID(i))
		}
	}
	return used
}

// Lookup resolves an FID against the table, failing with an error (not a
// panic — this is routinely attacker/bug-triggerable from the network) if
// the capability does not match.
func (t *Table) Lookup(fid ids.FID) (*Entry, error) {
	if int(fid.LFID) >= len(t.entries) {
		return nil, fmt.Errorf("invalid FID: lfid %d out of range", fid.LFID)
	}
	e := &t.entries[fid.LFID]
	if e.State == EMPTY || e.Capability != fid.Capability {
		return nil, fmt.Errorf("invalid FID: capability mismatch for lfid %d", fid.LFID)
	}
	return e, nil
}
