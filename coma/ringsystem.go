package coma

import (
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
)

// RingSystem drives one coherence group: the L2 caches of every core in
// the group share a single ring hop up to one directory, which forwards a
// line it has not seen before up to the root directory (the topology
// reduced to its minimal instance, one group under one directory, since the
// Directory/RootDirectory abstractions already generalize to deeper
// nesting and a grid with more than one group wires a RingSystem per
// group plus directory-to-directory forwarding on top).
//
// RingSystem owns no storage of its own beyond in-flight requester
// bookkeeping: REQUEST/EVICTION/UPDATE state lives entirely in the L2,
// Directory, and RootDirectory it drives.
type RingSystem struct {
	name string
	l2s  []*L2
	ring *RingBuffer
	dir  *Directory
	root *RootDirectory
	ddr  *DDRChannel

	waiters map[ids.MemAddr][]int
}

// NewRingSystem wires l2s (indexed by the same id each was constructed
// with) around ring, under dir, above root and ddr.
func NewRingSystem(name string, l2s []*L2, ring *RingBuffer, dir *Directory, root *RootDirectory, ddr *DDRChannel) *RingSystem {
	s := &RingSystem{
		name: name, l2s: l2s, ring: ring, dir: dir, root: root, ddr: ddr,
		waiters: make(map[ids.MemAddr][]int),
	}
	ddr.AttachRoot(root)
	ddr.SetOnReady(s.deliverReply)
	return s
}

func (s *RingSystem) Name() string { return s.name }

// Step implements kernel.Process: one ring message is serviced per commit
// cycle, the way a real ring hop forwards at most once per tick.
func (s *RingSystem) Step(committing bool) kernel.Result {
	if !committing {
		if s.ring.Len() == 0 && !s.pendingCompletions() {
			return kernel.SUCCESS
		}
		return kernel.DELAYED
	}

	msg, ok := s.ring.Pop()
	if ok {
		switch msg.Type {
		case REQUEST:
			knowsLocally := s.dir.RouteFromGroup(msg.Addr, 0)
			if knowsLocally && s.serveFromPeer(msg) {
				break
			}
			s.waiters[msg.Addr] = append(s.waiters[msg.Addr], msg.RequesterID)
			if !knowsLocally {
				s.root.OnRequest(msg.Addr, msg.RequesterID)
			}
		case EVICTION:
			s.absorbEviction(msg)
		case UPDATE:
			// Sharers observe the new bytes first; the loop back to the
			// sender confirms the write last.
			for id, l2 := range s.l2s {
				if id != msg.Sender {
					l2.ApplyUpdate(msg, false)
				}
			}
			if msg.Sender >= 0 && msg.Sender < len(s.l2s) {
				s.l2s[msg.Sender].ApplyUpdate(msg, true)
			}
		}
	}

	for _, l2 := range s.l2s {
		l2.DrainCompletions()
	}

	return kernel.SUCCESS
}

// IsIdle reports no in-flight ring traffic and no outstanding requesters.
func (s *RingSystem) IsIdle() bool {
	return s.ring.Len() == 0 && len(s.waiters) == 0 && !s.pendingCompletions()
}

func (s *RingSystem) pendingCompletions() bool {
	for _, l2 := range s.l2s {
		if len(l2.completions) > 0 {
			return true
		}
	}
	return false
}

// deliverReply hands a completed DDR read's data and tokens to every L2
// that requested the line, splitting tokens across concurrent requesters
// (one cache served from DDR, the others folded into the same reply).
func (s *RingSystem) deliverReply(addr ids.MemAddr, requester, tokens int, data []byte) {
	waiters := s.waiters[addr]
	delete(s.waiters, addr)
	if len(waiters) == 0 {
		waiters = []int{requester}
	}

	remaining := tokens
	for i, id := range waiters {
		share := 1
		if i == 0 {
			share = remaining - (len(waiters) - 1)
			if share < 1 {
				share = 1
			}
		}
		if share > remaining {
			share = remaining
		}
		remaining -= share

		if id < 0 || id >= len(s.l2s) {
			continue
		}
		s.l2s[id].OnRequestDataToken(Message{Addr: addr, Data: data, Tokens: share})
	}
}

// serveFromPeer satisfies a read request for a line the directory already
// knows by moving a surplus token (plus data) from a peer cache to the
// requester. Returns false when no peer can spare one, in which case the
// requester joins the waiter list and shares whatever reply is in flight.
func (s *RingSystem) serveFromPeer(msg Message) bool {
	if msg.RequesterID < 0 || msg.RequesterID >= len(s.l2s) {
		return false
	}
	for id, l2 := range s.l2s {
		if id == msg.RequesterID {
			continue
		}
		if data, ok := l2.YieldToken(msg.Addr); ok {
			s.l2s[msg.RequesterID].OnRequestDataToken(Message{
				Addr: msg.Addr, Data: data, Tokens: 1,
			})
			return true
		}
	}
	return false
}

// absorbEviction offers an evicted line to every L2 in the group in turn,
// the way a ring forwards an EVICTION until some cache merges or injects
// it; if none of them can absorb it, it is
// handed to the root (a final eviction of every token returning to DRAM).
func (s *RingSystem) absorbEviction(msg Message) {
	for _, l2 := range s.l2s {
		if !l2.OnEviction(msg) {
			return
		}
	}
	s.root.OnEviction(msg.Addr, msg.Tokens, msg.Dirty, msg.Data)
}
