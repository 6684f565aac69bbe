// Package dcache implements the per-core data cache: the
// pipeline-facing Read/Write contract, plus the four callbacks a COMA L2
// cache (or any alternative memory system) invokes to deliver fills,
// snoops, invalidations, and write completions.
package dcache

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// State is a line's occupancy state.
type State int

const (
	EMPTY State = iota
	LOADING
	FULL
)

func (s State) String() string {
	switch s {
	case EMPTY:
		return "EMPTY"
	case LOADING:
		return "LOADING"
	case FULL:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// PendingRead registers who is waiting for a load at a byte offset of a
// loading line: either a register to fill, or nothing (a prefetch).
type PendingRead struct {
	Reg    ids.RegAddr
	Family ids.LFID
}

// PendingWrite registers the thread whose numPendingWrites to decrement
// once the write this slot represents completes.
type PendingWrite struct {
	Thread ids.TID
}

// Line is one D-cache line slot.
type Line struct {
	State   State
	Tag     ids.MemAddr
	Data    []byte
	Valid   []bool // per-byte valid bitmap
	LRU     uint64
	Dirty   bool
	Tokens  int
	Updating int // prevents eviction while an UPDATE is in flight

	Reads  []PendingRead
	Writes []PendingWrite
}

// Result mirrors the pipeline's memory-stage outcomes.
type Result int

const (
	SUCCESS Result = iota
	DELAYED
	FAILED
)

// MemoryClient is a callback surface for a D-cache's COMA backing cache.
// *Cache does not implement it: its own OnMemoryReadCompleted and
// OnMemoryWriteCompleted take other arguments and return the completed
// requests.
type MemoryClient interface {
	OnMemoryReadCompleted(addr ids.MemAddr, data []byte)
	OnMemoryWriteCompleted(tid ids.TID)
	OnMemorySnooped(addr ids.MemAddr, data []byte)
	OnMemoryInvalidated(addr ids.MemAddr)
}

// Backend issues requests to the COMA L2 cache on a miss.
type Backend interface {
	IssueRead(addr ids.MemAddr, size int) bool
	IssueWrite(addr ids.MemAddr, data []byte) bool
}

// Cache is the per-core data cache.
type Cache struct {
	lineSize int
	lines    []Line
	tagIndex map[ids.MemAddr]int
	clock    uint64
	backend  Backend
}

// NewCache creates a data cache with numLines slots of lineSize bytes each,
// issuing misses through backend.
func NewCache(numLines, lineSize int, backend Backend) *Cache {
	return &Cache{
		lineSize: lineSize,
		lines:    make([]Line, numLines),
		tagIndex: make(map[ids.MemAddr]int),
		backend:  backend,
	}
}

func (c *Cache) lineTag(addr ids.MemAddr) ids.MemAddr {
	return addr / ids.MemAddr(c.lineSize) * ids.MemAddr(c.lineSize)
}

func (c *Cache) offset(tag, addr ids.MemAddr) int { return int(addr - tag) }

// Read implements the pipeline's load contract: SUCCESS with data if every
// requested byte is valid in a FULL line; DELAYED (parked on the line's
// waiter list) if the line is loading; FAILED if no line slot is available
// to start a miss.
func (c *Cache) Read(addr ids.MemAddr, size int, family ids.LFID, reg ids.RegAddr, dst []byte) (Result, error) {
	tag := c.lineTag(addr)
	c.clock++

	if idx, ok := c.tagIndex[tag]; ok {
		line := &c.lines[idx]
		off := c.offset(tag, addr)
		if line.State == FULL && allValid(line.Valid[off:off+size]) {
			copy(dst, line.Data[off:off+size])
			line.LRU = c.clock
			return SUCCESS, nil
		}
		if line.State == LOADING {
			line.Reads = append(line.Reads, PendingRead{Reg: reg, Family: family})
			return DELAYED, nil
		}
	}

	idx, ok := c.allocateLine(tag)
	if !ok {
		return FAILED, nil
	}
	line := &c.lines[idx]
	line.Reads = append(line.Reads, PendingRead{Reg: reg, Family: family})
	if !c.backend.IssueRead(tag, c.lineSize) {
		return FAILED, nil
	}
	return DELAYED, nil
}

func allValid(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}

// Write implements the pipeline's store contract.
func (c *Cache) Write(addr ids.MemAddr, data []byte, size int, tid ids.TID) (Result, error) {
	tag := c.lineTag(addr)
	c.clock++

	if idx, ok := c.tagIndex[tag]; ok {
		line := &c.lines[idx]
		off := c.offset(tag, addr)
		if line.State == FULL {
			copy(line.Data[off:off+size], data[:size])
			for i := off; i < off+size; i++ {
				line.Valid[i] = true
			}
			line.Dirty = true
			line.LRU = c.clock
			if !c.backend.IssueWrite(addr, data[:size]) {
				return FAILED, nil
			}
			line.Writes = append(line.Writes, PendingWrite{Thread: tid})
			return DELAYED, nil
		}
		if line.State == LOADING {
			line.Writes = append(line.Writes, PendingWrite{Thread: tid})
			return DELAYED, nil
		}
	}

	idx, ok := c.allocateLine(tag)
	if !ok {
		return FAILED, nil
	}
	line := &c.lines[idx]
	line.Writes = append(line.Writes, PendingWrite{Thread: tid})
	if !c.backend.IssueRead(tag, c.lineSize) {
		return FAILED, nil
	}
	return DELAYED, nil
}

func (c *Cache) allocateLine(tag ids.MemAddr) (int, bool) {
	for i := range c.lines {
		if c.lines[i].State == EMPTY {
			return c.startLoad(i, tag)
		}
	}
	victim := -1
	var oldest uint64 = ^uint64(0)
	for i := range c.lines {
		l := &c.lines[i]
		if l.State == FULL && l.Updating == 0 && len(l.Reads) == 0 && len(l.Writes) == 0 && l.LRU < oldest {
			oldest = l.LRU
			victim = i
		}
	}
	if victim == -1 {
		return 0, false
	}
	delete(c.tagIndex, c.lines[victim].Tag)
	return c.startLoad(victim, tag)
}

func (c *Cache) startLoad(idx int, tag ids.MemAddr) (int, bool) {
	c.lines[idx] = Line{
		State: LOADING,
		Tag:   tag,
		Data:  make([]byte, c.lineSize),
		Valid: make([]bool, c.lineSize),
	}
	c.tagIndex[tag] = idx
	return idx, true
}

// OnMemoryReadCompleted delivers a COMA fill: the line becomes FULL, its
// bytes are marked valid, and every parked read is reported back to the
// caller (which fills the destination register and decrements the owning
// family's numPendingReads).
func (c *Cache) OnMemoryReadCompleted(addr ids.MemAddr, data []byte) []PendingRead {
	tag := c.lineTag(addr)
	idx, ok := c.tagIndex[tag]
	if !ok {
		return nil
	}
	line := &c.lines[idx]
	copy(line.Data, data)
	for i := range line.Valid {
		line.Valid[i] = true
	}
	line.State = FULL
	line.LRU = c.clock
	reads := line.Reads
	line.Reads = nil
	return reads
}

// OnMemoryWriteCompleted reports the thread whose pending-write count
// should decrement.
func (c *Cache) OnMemoryWriteCompleted(addr ids.MemAddr) []PendingWrite {
	tag := c.lineTag(addr)
	idx, ok := c.tagIndex[tag]
	if !ok {
		return nil
	}
	line := &c.lines[idx]
	writes := line.Writes
	line.Writes = nil
	return writes
}

// OnMemorySnooped updates a line's bytes in place from a peer's write
// without changing its own read/write queues.
func (c *Cache) OnMemorySnooped(addr ids.MemAddr, data []byte) error {
	tag := c.lineTag(addr)
	idx, ok := c.tagIndex[tag]
	if !ok {
		return nil
	}
	line := &c.lines[idx]
	if line.State != FULL {
		return fmt.Errorf("snoop on non-FULL line at %d", addr)
	}
	off := c.offset(tag, addr)
	copy(line.Data[off:], data)
	for i := off; i < off+len(data) && i < len(line.Valid); i++ {
		line.Valid[i] = true
	}
	return nil
}

// OnMemoryInvalidated evicts a line entirely in response to a coherence
// invalidation.
func (c *Cache) OnMemoryInvalidated(addr ids.MemAddr) {
	tag := c.lineTag(addr)
	idx, ok := c.tagIndex[tag]
	if !ok {
		return
	}
	delete(c.tagIndex, tag)
	c.lines[idx] = Line{State: EMPTY}
}
