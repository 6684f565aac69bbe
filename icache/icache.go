// Package icache implements the per-core instruction cache: a
// line state machine with two distinct fetch contracts (creation fetch,
// which holds a line against eviction, and activation fetch, which queues
// a thread to be woken on fill) plus release/read operations.
package icache

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// State is a line's occupancy state. INVALID is an interstitial
// state that lets a line with a pending load be evicted: on fill, the data
// is discarded and waiters are woken to re-fetch from the original PC.
type State int

const (
	EMPTY State = iota
	LOADING
	INVALID
	FULL
)

func (s State) String() string {
	switch s {
	case EMPTY:
		return "EMPTY"
	case LOADING:
		return "LOADING"
	case INVALID:
		return "INVALID"
	case FULL:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// Line is one cache-line slot.
type Line struct {
	State           State
	Tag             ids.MemAddr
	Data            []byte
	LRU             uint64
	WaitingThreads  []ids.TID
	References      int
	CreationWaiting bool // set when a creation-fetch is holding this line
}

// Result mirrors the kernel's per-process outcomes as used by Fetch.
type Result int

const (
	SUCCESS Result = iota
	DELAYED
	FAILED
)

// Cache is the instruction cache of one core.
type Cache struct {
	lineSize int
	lines    []Line
	tagIndex map[ids.MemAddr]ids.CID
	clock    uint64

	// pendingLoads maps a loading line's slot to the tag it is loading, so
	// a fill callback can find the line again.
	pendingLoads map[ids.CID]ids.MemAddr

	backend Backend
}

// Backend issues a line load to the backing memory system on a miss. A
// cache without one relies on a loader pre-filling its lines.
type Backend interface {
	IssueRead(addr ids.MemAddr, size int) bool
}

// NewCache creates an instruction cache with numLines slots of lineSize
// bytes each.
func NewCache(numLines, lineSize int) *Cache {
	return &Cache{
		lineSize:     lineSize,
		lines:        make([]Line, numLines),
		tagIndex:     make(map[ids.MemAddr]ids.CID),
		pendingLoads: make(map[ids.CID]ids.MemAddr),
	}
}

func (c *Cache) lineTag(addr ids.MemAddr) ids.MemAddr {
	return addr / ids.MemAddr(c.lineSize) * ids.MemAddr(c.lineSize)
}

// LineSize returns the configured cache-line size in bytes, so a program
// loader can chunk an instruction image the same way the cache tags
// addresses.
func (c *Cache) LineSize() int { return c.lineSize }

// Fetch implements the family-creation fetch contract: it holds the line
// against eviction (bumping References) until ReleaseCacheLine is called.
func (c *Cache) Fetch(pc ids.MemAddr, size int) (ids.CID, Result) {
	tag := c.lineTag(pc)
	c.clock++

	if cid, ok := c.tagIndex[tag]; ok {
		line := &c.lines[cid]
		switch line.State {
		case FULL:
			line.References++
			line.LRU = c.clock
			return cid, SUCCESS
		case LOADING, INVALID:
			line.CreationWaiting = true
			return cid, DELAYED
		}
	}

	cid, ok := c.allocateLine(tag, true)
	if !ok {
		return ids.CID(0), FAILED
	}
	line := &c.lines[cid]
	line.CreationWaiting = true
	return cid, DELAYED
}

// ThreadFetch implements the thread-activation fetch contract: if the line
// is FULL it returns immediately; otherwise tid is enqueued on the line's
// waiting queue and reactivated when the fill completes.
func (c *Cache) ThreadFetch(pc ids.MemAddr, size int, tid ids.TID) (ids.CID, Result) {
	tag := c.lineTag(pc)
	c.clock++

	if cid, ok := c.tagIndex[tag]; ok {
		line := &c.lines[cid]
		switch line.State {
		case FULL:
			line.LRU = c.clock
			return cid, SUCCESS
		case LOADING, INVALID:
			for _, w := range line.WaitingThreads {
				if w == tid {
					return cid, DELAYED
				}
			}
			line.WaitingThreads = append(line.WaitingThreads, tid)
			return cid, DELAYED
		}
	}

	cid, ok := c.allocateLine(tag, true)
	if !ok {
		return ids.CID(0), FAILED
	}
	line := &c.lines[cid]
	line.WaitingThreads = append(line.WaitingThreads, tid)
	return cid, DELAYED
}

// allocateLine finds an EMPTY line, or evicts the LRU FULL line with no
// references, and transitions it to LOADING, issuing the outgoing memory
// read through the backend (a loader may instead drive OnFill directly).
func (c *Cache) allocateLine(tag ids.MemAddr, issue bool) (ids.CID, bool) {
	for i := range c.lines {
		if c.lines[i].State == EMPTY {
			return c.startLoad(ids.CID(i), tag, issue)
		}
	}

	victim := -1
	var oldestLRU uint64 = ^uint64(0)
	for i := range c.lines {
		l := &c.lines[i]
		if l.State == FULL && l.References == 0 && l.LRU < oldestLRU {
			oldestLRU = l.LRU
			victim = i
		}
	}
	if victim == -1 {
		return 0, false
	}
	delete(c.tagIndex, c.lines[victim].Tag)
	return c.startLoad(ids.CID(victim), tag, issue)
}

func (c *Cache) startLoad(cid ids.CID, tag ids.MemAddr, issue bool) (ids.CID, bool) {
	line := &c.lines[cid]
	*line = Line{State: LOADING, Tag: tag, Data: make([]byte, c.lineSize)}
	c.tagIndex[tag] = cid
	c.pendingLoads[cid] = tag
	if issue && c.backend != nil && !c.backend.IssueRead(tag, c.lineSize) {
		delete(c.tagIndex, tag)
		delete(c.pendingLoads, cid)
		*line = Line{State: EMPTY}
		return 0, false
	}
	return cid, true
}

// ForceFill injects a whole line's bytes directly, without an outgoing
// memory read: the program loader's path.
func (c *Cache) ForceFill(tag ids.MemAddr, data []byte) bool {
	cid, ok := c.tagIndex[tag]
	if !ok {
		cid, ok = c.allocateLine(tag, false)
		if !ok {
			return false
		}
	}
	c.OnFill(cid, data)
	return true
}

// SetBackend wires the memory system misses are issued through.
func (c *Cache) SetBackend(b Backend) { c.backend = b }

// OnMemoryReadCompleted fills the line holding addr, if one is still
// LOADING or INVALID, and returns the threads to reactivate. Fills for
// lines a loader already force-filled are ignored.
func (c *Cache) OnMemoryReadCompleted(addr ids.MemAddr, data []byte) []ids.TID {
	tag := c.lineTag(addr)
	cid, ok := c.tagIndex[tag]
	if !ok {
		return nil
	}
	line := &c.lines[cid]
	if line.State != LOADING && line.State != INVALID {
		return nil
	}
	woken, _ := c.OnFill(cid, data)
	return woken
}

// Evict marks a loading line INVALID so it can be reused before its fill
// arrives; the fill's data will be discarded and waiters rewoken to
// re-fetch.
func (c *Cache) Evict(cid ids.CID) error {
	line := &c.lines[cid]
	if line.State != LOADING {
		return fmt.Errorf("cannot evict line %d in state %s", cid, line.State)
	}
	line.State = INVALID
	return nil
}

// OnFill delivers the memory system's reply for a LOADING or INVALID line.
// It returns the TIDs to reactivate; for an INVALID line the data is
// discarded and waiters are returned so the caller re-fetches from the
// original PC.
func (c *Cache) OnFill(cid ids.CID, data []byte) (woken []ids.TID, discarded bool) {
	line := &c.lines[cid]
	delete(c.pendingLoads, cid)

	if line.State == INVALID {
		woken = line.WaitingThreads
		line.WaitingThreads = nil
		tag := line.Tag
		delete(c.tagIndex, tag)
		*line = Line{State: EMPTY}
		return woken, true
	}

	copy(line.Data, data)
	line.State = FULL
	line.LRU = c.clock
	if line.CreationWaiting {
		line.References++
		line.CreationWaiting = false
	}
	woken = line.WaitingThreads
	line.WaitingThreads = nil
	return woken, false
}

// Read copies size bytes at addr from a held (FULL) line into dst.
func (c *Cache) Read(cid ids.CID, addr ids.MemAddr, dst []byte, size int) error {
	line := &c.lines[cid]
	if line.State != FULL {
		return fmt.Errorf("cannot read line %d in state %s", cid, line.State)
	}
	tag := line.Tag
	offset := int(addr - tag)
	if offset < 0 || offset+size > len(line.Data) {
		return fmt.Errorf("read [%d,%d) out of line bounds", offset, offset+size)
	}
	copy(dst, line.Data[offset:offset+size])
	return nil
}

// ReleaseCacheLine decrements the reference count a creation-fetch placed
// on a line, allowing it to become evictable again.
func (c *Cache) ReleaseCacheLine(cid ids.CID) error {
	line := &c.lines[cid]
	if line.References == 0 {
		return fmt.Errorf("line %d has no outstanding references", cid)
	}
	line.References--
	return nil
}
