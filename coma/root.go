package coma

import "github.com/sarchlab/microgrid/ids"

// RootState is the root directory's presence state per line.
type RootState int

const (
	RootEmpty RootState = iota
	RootLoading
	RootFull
)

func (s RootState) String() string {
	switch s {
	case RootEmpty:
		return "EMPTY"
	case RootLoading:
		return "LOADING"
	case RootFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// RootLine is what the root directory tracks per line: its presence
// state, whether a copy is known to be cached below (so a DDR miss is only
// issued when no cached copy is known), and the requester to route the
// eventual reply to.
type RootLine struct {
	State     RootState
	Requester int
	Dirty     bool
}

// DDR is the narrow interface the root directory uses to reach DRAM,
// implemented by an adapter around an akita idealmemcontroller at the
// config-wiring layer.
type DDR interface {
	IssueRead(addr ids.MemAddr, size int) bool
	IssueWrite(addr ids.MemAddr, data []byte) bool
}

// RootDirectory serves misses from DDR — issuing the miss only when no
// cached copy is known below — and absorbs final evictions.
type RootDirectory struct {
	lineSize int
	lines    map[ids.MemAddr]*RootLine
	ddr      DDR
	numCaches int
}

// NewRootDirectory creates a root directory backed by ddr.
func NewRootDirectory(lineSize, numCaches int, ddr DDR) *RootDirectory {
	return &RootDirectory{lineSize: lineSize, lines: make(map[ids.MemAddr]*RootLine), ddr: ddr, numCaches: numCaches}
}

// OnRequest handles an inbound REQUEST that reached the root without being
// satisfied below: if the line is already LOADING or FULL (a cached copy
// is known), the root only records the new requester; otherwise it issues
// the DDR read.
func (r *RootDirectory) OnRequest(addr ids.MemAddr, requester int) bool {
	line, ok := r.lines[addr]
	if !ok {
		line = &RootLine{}
		r.lines[addr] = line
	}
	line.Requester = requester

	switch line.State {
	case RootFull, RootLoading:
		return true
	default:
		if !r.ddr.IssueRead(addr, r.lineSize) {
			return false
		}
		line.State = RootLoading
		return true
	}
}

// OnDDRReadCompleted marks a line FULL with its requester recorded for
// reply routing, and hands back who should receive the
// REQUEST_DATA_TOKEN, carrying the full token count (the root always
// starts a line's life holding every token).
func (r *RootDirectory) OnDDRReadCompleted(addr ids.MemAddr, data []byte) (requester int, tokens int, ok bool) {
	line, present := r.lines[addr]
	if !present {
		return 0, 0, false
	}
	line.State = RootFull
	return line.Requester, r.numCaches, true
}

// OnEviction absorbs a final eviction that returns every token: the line
// goes back to EMPTY, and if dirty, the data is written back to DDR.
func (r *RootDirectory) OnEviction(addr ids.MemAddr, tokens int, dirty bool, data []byte) {
	_, ok := r.lines[addr]
	if !ok {
		return
	}
	if tokens < r.numCaches {
		return // not yet the final eviction; some other cache still holds tokens
	}
	if dirty {
		r.ddr.IssueWrite(addr, data)
	}
	delete(r.lines, addr)
}
