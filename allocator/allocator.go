// Package allocator implements the per-core thread/family allocation
// engine: the thread-allocation cycle, the family-allocation
// cycle, the family create state machine, and dependency accounting that
// drives family/thread termination.
package allocator

import (
	"fmt"

	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/icache"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
	"github.com/sarchlab/microgrid/raunit"
	"github.com/sarchlab/microgrid/threadtable"
)

// CreateState is the family create state machine.
type CreateState int

const (
	INITIAL CreateState = iota
	LOADING_LINE
	LINE_LOADED
	RESTRICTING
	ALLOCATING_REGISTERS
	BROADCASTING_CREATE
	ACTIVATING_FAMILY
	NOTIFY
)

func (s CreateState) String() string {
	switch s {
	case INITIAL:
		return "INITIAL"
	case LOADING_LINE:
		return "LOADING_LINE"
	case LINE_LOADED:
		return "LINE_LOADED"
	case RESTRICTING:
		return "RESTRICTING"
	case ALLOCATING_REGISTERS:
		return "ALLOCATING_REGISTERS"
	case BROADCASTING_CREATE:
		return "BROADCASTING_CREATE"
	case ACTIVATING_FAMILY:
		return "ACTIVATING_FAMILY"
	case NOTIFY:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// AllocRequest is one incoming request to allocate a family, queued on one
// of the three suspend/no-suspend/exclusive request buffers.
type AllocRequest struct {
	RequesterPID ids.PID
	RequesterReg ids.RegAddr
	PlaceSize    int
	Exclusive    bool
	Suspend      bool
	Exact        bool
}

// LinkSender issues the link-network messages the create/allocate state
// machines raise, kept as a narrow interface so allocator does not
// import network directly. SendAllocate starts the place-wide context
// walk from the origin entry; the remaining sends address a specific
// neighbor family on the chain.
type LinkSender interface {
	SendAllocate(req AllocRequest, lfid ids.LFID, capability ids.FCapability) bool
	SendCreate(lfid ids.LFID, capability ids.FCapability, pc ids.MemAddr,
		regs [2]famtable.RegCount, start, limit, step int64, block uint32) bool
	SendDone(lfid ids.LFID, capability ids.FCapability, syncPID ids.PID, syncReg ids.RegAddr) bool
	SendBreak(lfid ids.LFID, capability ids.FCapability, backward bool) bool
	SendSetProperty(lfid ids.LFID, capability ids.FCapability, prop famtable.Property, value uint64) bool
}

// RemoteWriter delivers a completion (packed FID, or thread-allocation
// writebacks) to a requester's register, locally or over the network.
type RemoteWriter interface {
	WriteRemote(pid ids.PID, reg ids.RegAddr, value uint64)
}

// LineLoader is the subset of icache.Cache the create state machine uses
// to fetch the instruction preceding the entry PC (carrying packed
// register counts) and the entry line itself.
type LineLoader interface {
	Fetch(pc ids.MemAddr, size int) (ids.CID, icache.Result)
	Read(cid ids.CID, addr ids.MemAddr, dst []byte, size int) error
	ReleaseCacheLine(cid ids.CID) error
}

// QueuePort is satisfied by kernel.ArbitratedService and
// kernel.CyclicArbitratedPort: m_alloc is a single-stage Buffer, so
// ThreadAllocationCycle and CreateCycle — the only two processes that ever
// push onto it — must arbitrate which one of them gets to push in a cycle
// both want to.
type QueuePort interface {
	Request(processName string) bool
	Won(processName string) bool
}

// Allocator owns the allocation queues and state machines for one core.
type Allocator struct {
	pid      ids.PID
	families *famtable.Table
	threads  *threadtable.Table
	regs     *raunit.Unit
	icache   LineLoader
	link     LinkSender
	remote   RemoteWriter
	wire     ids.WireFormat

	allocQueue   *kernel.Buffer[ids.LFID] // m_alloc: families ready to allocate more threads
	createsQueue *kernel.Buffer[ids.LFID] // m_creates: families pending create
	cleanupQueue *kernel.Buffer[ids.TID]  // m_cleanup: threads ready to recycle

	reqSuspend   *kernel.Buffer[AllocRequest]
	reqNoSuspend *kernel.Buffer[AllocRequest]
	reqExclusive *kernel.Buffer[AllocRequest]

	createState map[ids.LFID]CreateState
	createLine  map[ids.LFID]ids.CID

	onActivate func(ids.TID)

	allocPort       QueuePort
	allocThreadProc string
	allocCreateProc string
}

// SetActivationHook installs a callback fired whenever a thread is drawn
// from the thread-allocation cycle and transitioned to ACTIVE, letting a
// composing core package feed it into the pipeline's ready-thread queue
// without this package depending on the pipeline.
func (a *Allocator) SetActivationHook(fn func(ids.TID)) {
	a.onActivate = fn
}

// New builds an Allocator wired to the given per-core tables and queues.
// wire is the PID/LFID bit layout used to mint a fresh capability for every
// family this allocator hands out, the same layout the core's
// program loader uses for a locally seeded family.
func New(pid ids.PID, families *famtable.Table, threads *threadtable.Table, regs *raunit.Unit, icache LineLoader, link LinkSender, remote RemoteWriter, queueSize int, wire ids.WireFormat) *Allocator {
	return &Allocator{
		pid:          pid,
		families:     families,
		threads:      threads,
		regs:         regs,
		icache:       icache,
		link:         link,
		remote:       remote,
		wire:         wire,
		allocQueue:   kernel.NewBuffer[ids.LFID]("m_alloc", queueSize),
		createsQueue: kernel.NewBuffer[ids.LFID]("m_creates", queueSize),
		cleanupQueue: kernel.NewBuffer[ids.TID]("m_cleanup", queueSize),
		reqSuspend:   kernel.NewBuffer[AllocRequest]("m_allocRequestsSuspend", queueSize),
		reqNoSuspend: kernel.NewBuffer[AllocRequest]("m_allocRequestsNoSuspend", queueSize),
		reqExclusive: kernel.NewBuffer[AllocRequest]("m_allocRequestsExclusive", queueSize),
		createState:  make(map[ids.LFID]CreateState),
		createLine:   make(map[ids.LFID]ids.CID),
	}
}

// SetAllocationPort installs the arbitrated port guarding m_alloc, and the
// exact process names ThreadAllocationCycle and CreateCycle are registered
// under, so this package's own Request/Won calls match the kernel's.
func (a *Allocator) SetAllocationPort(port QueuePort, threadProc, createProc string) {
	a.allocPort = port
	a.allocThreadProc = threadProc
	a.allocCreateProc = createProc
}

// QueueCreate enqueues a family for the create state machine once its
// table entry is populated and in CREATE_QUEUED state. Like EnqueueAlloc,
// it applies immediately: its callers (the program loader, the network
// dispatcher) run outside this package's own acquire/commit pairs.
func (a *Allocator) QueueCreate(lfid ids.LFID) bool {
	if !a.createsQueue.Push(lfid) {
		return false
	}
	a.createsQueue.Commit()
	return true
}

// QueueCleanup enqueues a killed thread ready for recycling. Applies
// immediately, for the same reason as QueueCreate.
func (a *Allocator) QueueCleanup(tid ids.TID) bool {
	if !a.cleanupQueue.Push(tid) {
		return false
	}
	a.cleanupQueue.Commit()
	return true
}

// EnqueueAlloc places a family on m_alloc immediately, ready for the thread
// allocation cycle to draw more threads from it. Unlike the allocator's own
// staged processes, this applies directly (push and commit together) since
// it is used by the initial program loader to seed the root family before
// any cycle has run.
func (a *Allocator) EnqueueAlloc(lfid ids.LFID) bool {
	if !a.allocQueue.Push(lfid) {
		return false
	}
	a.allocQueue.Commit()
	return true
}

// RequestAllocation enqueues an incoming allocation request on the
// appropriate priority class. Like
// EnqueueAlloc, it commits immediately: callers (the program loader, the
// network dispatcher) raise requests outside the stage's own acquire/commit
// pair, so there is no later commit phase that would apply a staged push.
func (a *Allocator) RequestAllocation(req AllocRequest) bool {
	var q *kernel.Buffer[AllocRequest]
	switch {
	case req.Exclusive:
		q = a.reqExclusive
	case req.Suspend:
		q = a.reqSuspend
	default:
		q = a.reqNoSuspend
	}
	if !q.Push(req) {
		return false
	}
	q.Commit()
	return true
}

// ThreadAllocationCycle runs one step of the thread allocation cycle:
// cleanup has priority over fresh allocation.
func (a *Allocator) ThreadAllocationCycle(committing bool) kernel.Result {
	if !a.cleanupQueue.Empty() {
		return a.cleanupStep(committing)
	}
	if !a.allocQueue.Empty() {
		return a.allocateThreadStep(committing)
	}
	return kernel.DELAYED
}

func (a *Allocator) cleanupStep(committing bool) kernel.Result {
	tid, ok := a.cleanupQueue.Peek()
	if !ok {
		return kernel.FAILED
	}
	entry := a.threads.Get(tid)
	if entry == nil {
		return kernel.FAILED
	}

	if a.allocPort != nil {
		a.allocPort.Request(a.allocThreadProc)
	}
	if !committing {
		return kernel.SUCCESS
	}
	if a.allocPort != nil && !a.allocPort.Won(a.allocThreadProc) {
		return kernel.FAILED
	}

	a.cleanupQueue.Pop()
	lfid := entry.Family
	nextInBlock := entry.NextInBlock
	family := a.families.Get(lfid)
	if family != nil && family.State == famtable.EMPTY {
		family = nil
	}
	if family != nil {
		if nextInBlock != ids.NoneTID {
			if next := a.threads.Get(nextInBlock); next != nil {
				next.Deps.PrevCleanedUp = true
			}
		} else {
			family.PrevCleanedUp = true
		}
		family.Deps.NumThreadsAllocated--
	}

	// PushEmpty resets the slot, so nothing may read entry past this point.
	a.threads.PushEmpty(tid, 1, a.threads.PoolOf(tid))
	if family != nil && !family.Deps.AllocationDone {
		a.allocQueue.Push(lfid)
	}

	a.cleanupQueue.Commit()
	a.allocQueue.Commit()

	if family != nil {
		a.checkFamilyTermination(lfid)
	}
	return kernel.SUCCESS
}

func (a *Allocator) allocateThreadStep(committing bool) kernel.Result {
	lfid, ok := a.allocQueue.Peek()
	if !ok {
		return kernel.FAILED
	}
	family := a.families.Get(lfid)
	if family == nil || family.State != famtable.ACTIVE ||
		a.familyExhausted(family) || family.Deps.AllocationDone {
		// The family finished (or was torn down) after this slot was
		// queued. A core whose stride starts past the limit has a zero
		// share of the iteration space and is done the moment it is asked
		// for its first thread.
		if !committing {
			return kernel.SUCCESS
		}
		a.allocQueue.Pop()
		a.allocQueue.Commit()
		if family != nil && family.State == famtable.ACTIVE &&
			!family.Deps.AllocationDone && a.familyExhausted(family) {
			family.Deps.AllocationDone = true
			a.checkFamilyTermination(lfid)
		}
		return kernel.SUCCESS
	}
	if family.PhysBlockSize > 0 && family.Deps.NumThreadsAllocated >= family.PhysBlockSize {
		return kernel.DELAYED // block full; cleanup will free a slot
	}

	pool := threadtable.NORMAL
	if family.LastAllocated == ids.NoneTID {
		pool = threadtable.RESERVED
		if family.Legacy {
			pool = threadtable.EXCLUSIVE
		}
	}

	if a.allocPort != nil {
		a.allocPort.Request(a.allocThreadProc)
	}
	if !committing {
		if a.threads.FreeCount(pool) == 0 {
			return kernel.FAILED
		}
		return kernel.SUCCESS
	}
	if a.allocPort != nil && !a.allocPort.Won(a.allocThreadProc) {
		return kernel.FAILED
	}

	tid, ok := a.threads.PopEmpty(pool)
	if !ok {
		return kernel.FAILED
	}
	a.allocQueue.Pop()

	entry := a.threads.Get(tid)
	entry.Family = lfid
	entry.PC = family.PC
	entry.Index = family.Index
	entry.NextInBlock = ids.NoneTID
	entry.Next = ids.NoneTID
	entry.State = threadtable.ACTIVE

	// Chain this thread behind its predecessor in the block; the first
	// thread of a block (or one whose predecessor is already recycled)
	// starts with its predecessor-cleanup dependency resolved.
	prev := family.LastAllocated
	if prev == ids.NoneTID {
		entry.Deps.PrevCleanedUp = true
	} else if pt := a.threads.Get(prev); pt == nil || pt.State == threadtable.EMPTY || pt.Family != lfid {
		entry.Deps.PrevCleanedUp = true
	} else {
		pt.NextInBlock = tid
	}

	for t := range entry.Regs {
		plan := family.Regs[t]
		entry.Regs[t] = threadtable.RegBases{
			Shareds:    plan.Base + ids.RegIndex(plan.Globals),
			Locals:     plan.Base + ids.RegIndex(plan.Globals+plan.Shareds),
			Dependents: plan.LastShareds,
		}
	}
	if family.Regs[0].Locals > 0 {
		a.remote.WriteRemote(a.pid,
			ids.RegAddr{Type: ids.Integer, Index: entry.Regs[0].Locals}, entry.Index)
	}

	// Stride over the committed chain length, not the restricted core
	// count: every chained core advances past the whole place's share per
	// step, and a core whose offset starts beyond the limit simply has a
	// zero share.
	stride := family.Step
	if family.PlaceSize > 1 {
		stride = family.Step * int64(family.PlaceSize)
	}
	family.Index = uint64(int64(family.Index) + stride)
	family.Deps.NumThreadsAllocated++
	family.LastAllocated = tid

	if a.onActivate != nil {
		a.onActivate(tid)
	}

	if !a.familyExhausted(family) {
		a.allocQueue.Push(lfid)
	} else {
		family.Deps.AllocationDone = true
		a.checkFamilyTermination(lfid)
	}

	a.allocQueue.Commit()
	return kernel.SUCCESS
}

func (a *Allocator) familyExhausted(f *famtable.Entry) bool {
	if f.Step > 0 {
		return int64(f.Index) >= f.Limit
	}
	return int64(f.Index) <= f.Limit
}

// FamilyAllocationCycle runs one step of the family allocation cycle:
// exclusive requests first, then non-suspending, then suspending.
func (a *Allocator) FamilyAllocationCycle(committing bool) kernel.Result {
	if !a.reqExclusive.Empty() {
		return a.serveAllocRequest(a.reqExclusive, committing, true)
	}
	if !a.reqNoSuspend.Empty() {
		return a.serveAllocRequest(a.reqNoSuspend, committing, false)
	}
	if !a.reqSuspend.Empty() {
		return a.serveAllocRequest(a.reqSuspend, committing, false)
	}
	return kernel.DELAYED
}

func (a *Allocator) serveAllocRequest(q *kernel.Buffer[AllocRequest], committing bool, exclusive bool) kernel.Result {
	req, ok := q.Peek()
	if !ok {
		return kernel.FAILED
	}

	pool := famtable.NORMAL
	if exclusive {
		pool = famtable.EXCLUSIVE
	}
	if a.families.FreeCount(pool) == 0 {
		if req.Suspend {
			return kernel.FAILED
		}
		if !committing {
			return kernel.SUCCESS
		}
		q.Pop()
		a.remote.WriteRemote(req.RequesterPID, req.RequesterReg, 0)
		q.Commit()
		return kernel.SUCCESS
	}

	if !committing {
		return kernel.SUCCESS
	}
	lfid, ok := a.families.Allocate(pool)
	if !ok {
		return kernel.FAILED
	}
	q.Pop()
	entry := a.families.Get(lfid)
	entry.State = famtable.ALLOCATED
	entry.PlaceSize = uint32(req.PlaceSize)
	entry.ParentPID = req.RequesterPID
	entry.Capability = ids.NewCapability(a.wire)
	entry.Deps.PrevSynchronized = true // origin is first on any chain

	if req.PlaceSize > 1 && a.link.SendAllocate(req, lfid, entry.Capability) {
		// The walk's response commits the place and delivers the FID.
		q.Commit()
		return kernel.SUCCESS
	}

	entry.NumCores = 1
	fid := ids.FID{PID: a.pid, LFID: lfid, Capability: entry.Capability}
	a.remote.WriteRemote(req.RequesterPID, req.RequesterReg, uint64(a.wire.PackFID(fid)))
	q.Commit()
	return kernel.SUCCESS
}

// CreateCycle advances the family create state machine for the head of
// m_creates.
func (a *Allocator) CreateCycle(committing bool) kernel.Result {
	lfid, ok := a.createsQueue.Peek()
	if !ok {
		return kernel.DELAYED
	}
	entry := a.families.Get(lfid)
	if entry == nil {
		return kernel.FAILED
	}

	state := a.createState[lfid]
	switch state {
	case INITIAL:
		if !committing {
			return kernel.SUCCESS
		}
		a.createState[lfid] = LOADING_LINE
		return kernel.SUCCESS

	case LOADING_LINE:
		if !committing {
			return kernel.SUCCESS
		}
		cid, res := a.icache.Fetch(entry.PC-4, 4)
		switch res {
		case icache.DELAYED:
			return kernel.DELAYED
		case icache.FAILED:
			return kernel.FAILED
		}
		a.createLine[lfid] = cid
		a.createState[lfid] = LINE_LOADED
		return kernel.SUCCESS

	case LINE_LOADED:
		var word [4]byte
		if err := a.icache.Read(a.createLine[lfid], entry.PC-4, word[:], 4); err != nil {
			return kernel.FAILED
		}
		if !committing {
			return kernel.SUCCESS
		}
		entry.Regs[0], entry.Regs[1] = unpackRegCounts(word)
		a.createState[lfid] = RESTRICTING
		return kernel.SUCCESS

	case RESTRICTING:
		if !committing {
			return kernel.SUCCESS
		}
		entry.DeriveNThreads()
		numCores := entry.NThreads
		if numCores > uint64(entry.PlaceSize) {
			numCores = uint64(entry.PlaceSize)
		}
		if numCores < 1 {
			numCores = 1
		}
		if entry.HasShareds || entry.Legacy {
			numCores = 1
		}
		entry.NumCores = uint32(numCores)
		a.createState[lfid] = ALLOCATING_REGISTERS
		return kernel.SUCCESS

	case ALLOCATING_REGISTERS:
		total := entry.Regs[0].Globals + entry.Regs[0].Shareds + entry.Regs[0].Locals
		if total == 0 {
			if !committing {
				return kernel.SUCCESS
			}
			a.createState[lfid] = BROADCASTING_CREATE
			return kernel.SUCCESS
		}
		if !committing {
			return kernel.SUCCESS
		}
		base, ok := a.regs.Allocate(total, entry.Legacy)
		if !ok {
			return kernel.FAILED
		}
		entry.Regs[0].Base = ids.RegIndex(base)
		entry.Regs[0].Size = total
		a.createState[lfid] = BROADCASTING_CREATE
		return kernel.SUCCESS

	case BROADCASTING_CREATE:
		if !committing {
			return kernel.SUCCESS
		}
		if entry.LinkNext != ids.NoneLFID {
			if !a.link.SendCreate(entry.LinkNext, entry.LinkNextCap, entry.PC, entry.Regs,
				entry.Start, entry.Limit, entry.Step, entry.PhysBlockSize) {
				return kernel.FAILED
			}
		}
		a.createState[lfid] = ACTIVATING_FAMILY
		return kernel.SUCCESS

	case ACTIVATING_FAMILY:
		if a.allocPort != nil {
			a.allocPort.Request(a.allocCreateProc)
		}
		if !committing {
			return kernel.SUCCESS
		}
		if a.allocPort != nil && !a.allocPort.Won(a.allocCreateProc) {
			return kernel.FAILED
		}
		entry.State = famtable.ACTIVE
		// Each core of a place draws a strided share of the iteration
		// space, offset by its position in the chain.
		entry.Index = uint64(entry.Start + int64(entry.PlaceIndex)*entry.Step)
		a.allocQueue.Push(lfid)
		a.createState[lfid] = NOTIFY
		a.allocQueue.Commit()
		return kernel.SUCCESS

	case NOTIFY:
		if !committing {
			return kernel.SUCCESS
		}
		if entry.Notify.PID != ids.NonePID {
			fid := ids.FID{PID: a.pid, LFID: lfid, Capability: entry.Capability}
			a.remote.WriteRemote(entry.Notify.PID, entry.Notify.Reg, uint64(a.wire.PackFID(fid)))
		}
		a.createsQueue.Pop()
		if cid, ok := a.createLine[lfid]; ok {
			_ = a.icache.ReleaseCacheLine(cid)
		}
		delete(a.createState, lfid)
		delete(a.createLine, lfid)
		a.createsQueue.Commit()
		return kernel.SUCCESS
	}
	return kernel.FAILED
}

func unpackRegCounts(word [4]byte) (famtable.RegCount, famtable.RegCount) {
	w := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
	ints := famtable.RegCount{Globals: (w >> 0) & 0x3F, Shareds: (w >> 6) & 0x3F, Locals: (w >> 12) & 0x3F}
	floats := famtable.RegCount{Globals: (w >> 18) & 0x3F, Shareds: (w >> 24) & 0x3F}
	return ints, floats
}

// checkFamilyTermination is the family dependency accounting: every
// decrement re-checks the cleanable invariant and, on transition to
// terminated, fulfills the sync rendezvous.
func (a *Allocator) checkFamilyTermination(lfid ids.LFID) {
	f := a.families.Get(lfid)
	if f == nil {
		return
	}
	if f.State == famtable.EMPTY {
		return
	}
	if f.Deps.Resolved() && f.State != famtable.KILLED {
		f.State = famtable.KILLED
	}
	if !f.Cleanable() {
		return
	}
	if f.LinkNext != ids.NoneLFID {
		// This core's share is done: tell the next core on the chain its
		// predecessor has synchronized, handing the rendezvous along so
		// the last core can fire it.
		a.link.SendDone(f.LinkNext, f.LinkNextCap, f.Sync.PID, f.Sync.Reg)
	} else if f.Sync.PID != ids.NonePID && !f.Sync.Done {
		f.Sync.Done = true
		a.remote.WriteRemote(f.Sync.PID, f.Sync.Reg, 1)
	}
	if f.Regs[0].Size > 0 {
		a.regs.Free(f.Regs[0].Base, f.Regs[0].Size, f.Legacy)
	}
	a.families.Free(lfid)
}

// Break stops a family's allocation at its origin core and fans the
// BREAK out in both directions along the place chain: running threads
// finish naturally, no new threads are drawn anywhere. It validates the
// capability first since a break can arrive over the network from a
// remote core.
func (a *Allocator) Break(fid ids.FID) error {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return err
	}
	next, nextCap := f.LinkNext, f.LinkNextCap
	prev, prevCap := f.LinkPrev, f.LinkPrevCap
	a.applyBreak(fid.LFID, f)
	if next != ids.NoneLFID {
		a.link.SendBreak(next, nextCap, false)
	}
	if prev != ids.NoneLFID {
		a.link.SendBreak(prev, prevCap, true)
	}
	return nil
}

// BreakOwn stops the family a thread of it is executing in: membership is
// the thread's authority, so no capability is presented. A break that
// races its own family's completion is a no-op.
func (a *Allocator) BreakOwn(lfid ids.LFID) error {
	f := a.families.Get(lfid)
	if f == nil || f.State == famtable.EMPTY {
		return nil
	}
	return a.Break(ids.FID{PID: a.pid, LFID: lfid, Capability: f.Capability})
}

// PropagateBreak applies a BREAK that arrived over the link and keeps it
// travelling in the direction it came, so a break raised mid-chain
// reaches both ends without reflecting.
func (a *Allocator) PropagateBreak(fid ids.FID, backward bool) error {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return err
	}
	next, nextCap := f.LinkNext, f.LinkNextCap
	prev, prevCap := f.LinkPrev, f.LinkPrevCap
	a.applyBreak(fid.LFID, f)
	if backward {
		if prev != ids.NoneLFID {
			a.link.SendBreak(prev, prevCap, true)
		}
	} else if next != ids.NoneLFID {
		a.link.SendBreak(next, nextCap, false)
	}
	return nil
}

func (a *Allocator) applyBreak(lfid ids.LFID, f *famtable.Entry) {
	f.Deps.AllocationDone = true
	a.checkFamilyTermination(lfid)
}

// Sync registers pid/reg as the rendezvous a family's termination
// fulfills, validating fid's capability first since the request can
// arrive over the network from whichever core holds the family's remote
// handle.
func (a *Allocator) Sync(fid ids.FID, pid ids.PID, reg ids.RegAddr) error {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return err
	}
	f.Sync.PID = pid
	f.Sync.Reg = reg
	a.checkFamilyTermination(fid.LFID)
	return nil
}

// Detach marks a family's parent as no longer waiting on it, validating
// fid's capability first.
func (a *Allocator) Detach(fid ids.FID) error {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return err
	}
	f.Deps.Detached = true
	a.checkFamilyTermination(fid.LFID)
	return nil
}

// Done records that the previous core on a place's family ring has
// synchronized, adopts the sync rendezvous the DONE carries (so the last
// core of the chain knows where to deliver the completion), and re-checks
// whether that was this family's last unresolved dependency.
func (a *Allocator) Done(fid ids.FID, syncPID ids.PID, syncReg ids.RegAddr) error {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return err
	}
	f.Deps.PrevSynchronized = true
	if syncPID != ids.NonePID && f.Sync.PID == ids.NonePID {
		f.Sync = famtable.Sync{PID: syncPID, Reg: syncReg}
	}
	a.checkFamilyTermination(fid.LFID)
	return nil
}

// Create sets an allocated family's program entry and queues it for the
// create state machine, recording where to deliver the packed FID once
// the machine reaches NOTIFY. A false first return means the create queue
// is full this cycle and the caller should retry.
func (a *Allocator) Create(fid ids.FID, pc ids.MemAddr, notifyPID ids.PID, notifyReg ids.RegAddr) (bool, error) {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return false, err
	}
	if f.State != famtable.ALLOCATED {
		return false, fmt.Errorf("create on family %d in state %s", fid.LFID, f.State)
	}
	f.PC = pc
	f.Notify = famtable.Sync{PID: notifyPID, Reg: notifyReg}
	f.State = famtable.CREATE_QUEUED
	if !a.QueueCreate(fid.LFID) {
		f.State = famtable.ALLOCATED
		return false, nil
	}
	return true, nil
}

// CreateRemote queues a chained family seeded by a create broadcast: the
// register counts and iteration space arrived with the message, so the
// state machine enters at RESTRICTING instead of fetching the preamble.
func (a *Allocator) CreateRemote(fid ids.FID, pc ids.MemAddr, regs [2]famtable.RegCount,
	start, limit, step int64, block uint32) (bool, error) {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return false, err
	}
	f.PC = pc
	f.Regs = regs
	f.Start, f.Limit, f.Step = start, limit, step
	f.PhysBlockSize = block
	// A chain share holds no detachable parent handle of its own; its
	// predecessor-synchronized dependency resolves when DONE arrives.
	f.Deps.Detached = true
	f.State = famtable.CREATE_QUEUED
	if !a.QueueCreate(fid.LFID) {
		f.State = famtable.ALLOCATED
		return false, nil
	}
	a.createState[fid.LFID] = RESTRICTING
	return true, nil
}

// SetProperty applies one family property and forwards it along the place
// chain so every core's share sees the same iteration space before the
// create broadcast arrives.
func (a *Allocator) SetProperty(fid ids.FID, prop famtable.Property, value uint64) error {
	f, err := a.families.Lookup(fid)
	if err != nil {
		return err
	}
	switch prop {
	case famtable.PropStart:
		f.Start = int64(value)
	case famtable.PropLimit:
		f.Limit = int64(value)
	case famtable.PropStep:
		f.Step = int64(value)
	case famtable.PropBlockSize:
		f.PhysBlockSize = uint32(value)
	default:
		return fmt.Errorf("unknown family property %d", prop)
	}
	if f.LinkNext != ids.NoneLFID {
		a.link.SendSetProperty(f.LinkNext, f.LinkNextCap, prop, value)
	}
	return nil
}

// CompletePendingRead decrements a family's outstanding-memory-read count
// and re-checks its termination conditions; synchronization cannot complete
// while any read is in flight.
func (a *Allocator) CompletePendingRead(lfid ids.LFID) {
	f := a.families.Get(lfid)
	if f == nil || f.State == famtable.EMPTY {
		return
	}
	if f.Deps.NumPendingReads > 0 {
		f.Deps.NumPendingReads--
	}
	a.checkFamilyTermination(lfid)
}

// CompletePendingWrite decrements a thread's outstanding-store count and
// queues the thread for cleanup once every cleanup dependency holds.
func (a *Allocator) CompletePendingWrite(tid ids.TID) {
	t := a.threads.Get(tid)
	if t == nil || t.State == threadtable.EMPTY {
		return
	}
	if t.Deps.NumPendingWrites > 0 {
		t.Deps.NumPendingWrites--
	}
	if t.ReadyForCleanup() {
		a.QueueCleanup(tid)
	}
}

// Kill marks a thread killed; cleanup happens once its other dependencies
// resolve.
func (a *Allocator) Kill(tid ids.TID) {
	t := a.threads.Get(tid)
	if t == nil {
		return
	}
	t.Deps.Killed = true
	if t.ReadyForCleanup() {
		a.QueueCleanup(tid)
	}
}
