// Package network implements the inter-core network: the link
// ring (point-to-point to neighbor cores, carrying place-structured
// traffic) and the delegation channel (fully-connected any-to-any),
// plus allocation unwinding and BALLOCATE load balancing.
package network

import (
	"sort"

	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/ids"
)

// LinkMsgType enumerates the message types carried on the link ring.
type LinkMsgType int

const (
	LinkAllocate LinkMsgType = iota
	LinkAllocResponse
	LinkBAllocate
	LinkSetProperty
	LinkCreate
	LinkDone
	LinkSync
	LinkDetach
	LinkBreak
	LinkGlobal
)

// DelegMsgType enumerates the message types carried on the delegation
// channel.
type DelegMsgType int

const (
	DelegAllocate DelegMsgType = iota
	DelegBundle
	DelegSetProperty
	DelegCreate
	DelegSync
	DelegDetach
	DelegBreak
	DelegRawRegister
	DelegFamRegister
)

// RegisterTrafficKind distinguishes the three register-traffic message
// kinds.
type RegisterTrafficKind int

const (
	LastShared RegisterTrafficKind = iota
	FirstDependent
	Global
)

// LinkMessage is one message travelling the link ring.
type LinkMessage struct {
	Type LinkMsgType

	// ALLOCATE / BALLOCATE: the walk's accumulated state. FirstPID is the
	// core that started the walk, so a message that has wrapped the whole
	// ring is recognized and refused rather than circulating forever.
	OriginPID    ids.PID
	OriginReg    ids.RegAddr
	Exclusive    bool
	Suspend      bool
	Exact        bool
	PlaceSize    int
	Collected    int
	FirstPID     ids.PID
	MinContext   int
	MinContextID ids.PID

	// ALLOC_RESPONSE: the committed place size walking back down the
	// chain, plus the downstream neighbor's family handle so each hop can
	// record its link_next.
	Commit         int
	NextLFID       ids.LFID
	NextCapability ids.FCapability

	// CREATE: entry PC, register counts, and the iteration space.
	PC    ids.MemAddr
	Regs  [2]famtable.RegCount
	Start int64
	Limit int64
	Step  int64
	Block uint32

	// SYNC / DONE / DETACH / BREAK: the destination family on the
	// receiving core. Backward distinguishes the direction a propagated
	// BREAK keeps travelling.
	LFID       ids.LFID
	GFID       ids.GFID
	Capability ids.FCapability
	Backward   bool

	// SET_PROPERTY / GLOBAL
	Property famtable.Property
	RegValue uint64
}

// DelegationMessage is one message sent point-to-point over the
// delegation channel.
type DelegationMessage struct {
	Type DelegMsgType

	SourcePID ids.PID
	DestPID   ids.PID

	// ALLOCATE / CREATE / SYNC / DETACH / BREAK. OriginPID names the
	// requester on whose behalf a redirected allocation is served; it
	// survives hops the way SourcePID (overwritten per send) does not.
	LFID       ids.LFID
	GFID       ids.GFID
	Capability ids.FCapability
	PC         ids.MemAddr
	OriginPID  ids.PID
	PlaceSize  int

	// SET_PROPERTY
	Property famtable.Property

	// RAW_REGISTER / FAM_REGISTER
	Kind     RegisterTrafficKind
	RegAddr  ids.RegAddr
	RegValue uint64
	ReplyTo  ids.RegAddr
}

// Core is one core's attachment point to both networks: its link
// neighbors and its delegation mailbox. A nil Prev/Next means this core
// is terminal on the ring.
type Core struct {
	PID ids.PID

	Prev *Core
	Next *Core

	linkIn  []LinkMessage
	delegIn map[ids.PID][]DelegationMessage
}

// NewCore creates an unconnected core endpoint; callers wire Prev/Next
// after constructing every core in a place's ring.
func NewCore(pid ids.PID) *Core {
	return &Core{PID: pid, delegIn: make(map[ids.PID][]DelegationMessage)}
}

// HasPending reports whether this core has any inbound link or delegation
// message waiting, without dequeuing anything — the acquire-phase check a
// network-dispatching process uses to decide whether it has work this
// cycle before the commit phase actually pops and acts on one.
func (c *Core) HasPending() bool {
	if len(c.linkIn) > 0 {
		return true
	}
	for _, q := range c.delegIn {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// SendNext enqueues msg on the link to the next core in the ring, FIFO per
// pair. Returns false if there is no next core
// (this core is terminal).
func (c *Core) SendNext(msg LinkMessage) bool {
	if c.Next == nil {
		return false
	}
	c.Next.linkIn = append(c.Next.linkIn, msg)
	return true
}

// SendPrev enqueues msg on the link to the previous core, used by
// MSG_ALLOC_RESPONSE unwinding.
func (c *Core) SendPrev(msg LinkMessage) bool {
	if c.Prev == nil {
		return false
	}
	c.Prev.linkIn = append(c.Prev.linkIn, msg)
	return true
}

// PopLinkMessage dequeues the next inbound link message, FIFO.
func (c *Core) PopLinkMessage() (LinkMessage, bool) {
	if len(c.linkIn) == 0 {
		return LinkMessage{}, false
	}
	msg := c.linkIn[0]
	c.linkIn = c.linkIn[1:]
	return msg, true
}

// SendDelegation sends msg to dest over the any-to-any channel. A message
// to self lands directly in the local inbox, as if short-circuited without
// leaving the core: dest and c are the same Core, so the append below
// writes straight into c's own delegIn.
func (c *Core) SendDelegation(dest *Core, msg DelegationMessage) {
	msg.SourcePID = c.PID
	msg.DestPID = dest.PID
	dest.delegIn[c.PID] = append(dest.delegIn[c.PID], msg)
}

// PopDelegation dequeues the next delegation message from a specific
// sender, preserving per-pair FIFO order while leaving cross-pair ordering
// unspecified.
func (c *Core) PopDelegation(from ids.PID) (DelegationMessage, bool) {
	q := c.delegIn[from]
	if len(q) == 0 {
		return DelegationMessage{}, false
	}
	msg := q[0]
	c.delegIn[from] = q[1:]
	return msg, true
}

// AnyDelegation dequeues one pending delegation message, scanning senders
// in PID order so the choice is deterministic across runs.
func (c *Core) AnyDelegation() (DelegationMessage, bool) {
	pids := make([]ids.PID, 0, len(c.delegIn))
	for pid := range c.delegIn {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		if q := c.delegIn[pid]; len(q) > 0 {
			msg := q[0]
			c.delegIn[pid] = q[1:]
			return msg, true
		}
	}
	return DelegationMessage{}, false
}
