package coma

import "github.com/sarchlab/microgrid/ids"

// DirState tracks whether a directory has seen a line pass through and,
// if so, which group of L2 caches beneath it is the presumed owner — the
// minimum bookkeeping needed to route an EVICTION or forwarded REQUEST
// without remembering full sharer sets.
type DirState int

const (
	DirAbsent DirState = iota
	DirPresent
)

// DirEntry is what a directory tracks per line.
type DirEntry struct {
	State DirState
	Group int // which child L2 group last held the line
}

// Directory is one directory node: the "bottom half" takes messages from
// the L2 group below and forwards them upward toward the root when a line
// is not known locally; the "top half" routes replies from above down to
// the owning group.
type Directory struct {
	entries   map[ids.MemAddr]DirEntry
	numCaches int
}

// NewDirectory creates a directory serving the given number of L2 caches
// beneath it (needed to evaluate the token invariant). id identifies this
// directory node among its siblings in the upper ring.
func NewDirectory(id, numCaches int) *Directory {
	return &Directory{entries: make(map[ids.MemAddr]DirEntry), numCaches: numCaches}
}

// Bottom half: route a message arriving from an L2 group below. Returns
// true if the directory can resolve it locally (it has seen this line
// before and should forward within the group), false if it must forward
// the message up toward the root.
func (d *Directory) RouteFromGroup(addr ids.MemAddr, group int) (knowsLocally bool) {
	e, ok := d.entries[addr]
	if !ok {
		d.entries[addr] = DirEntry{State: DirPresent, Group: group}
		return false
	}
	return e.State == DirPresent && e.Group == group
}

// Top half: a reply arrives from above (the root or a parent directory)
// and must be routed down to the recorded owning group.
func (d *Directory) RouteFromRoot(addr ids.MemAddr) (group int, ok bool) {
	e, present := d.entries[addr]
	if !present {
		return 0, false
	}
	return e.Group, true
}

// Forget clears a directory's record of a line, e.g. once its last
// eviction has propagated past this directory.
func (d *Directory) Forget(addr ids.MemAddr) {
	delete(d.entries, addr)
}

// TokenBound reports the maximum number of tokens a line beneath this
// directory could ever hold, for the system-wide token-conservation
// check (tokens in caches plus in-flight messages must never exceed
// this).
func (d *Directory) TokenBound() int {
	return d.numCaches
}
