package core

import (
	"github.com/sarchlab/microgrid/allocator"
	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
	"github.com/sarchlab/microgrid/network"
	"github.com/sarchlab/microgrid/regfile"
)

// networkDispatch is the per-core process that drains this core's inbound
// link and delegation queues and routes each message to the component that
// owns its effect. It is the only process that ever pops from c.Net, so
// every message a peer core enqueues is guaranteed a reader.
//
// The link cases implement the three place-chain walks:
//
//   - LinkAllocate/LinkAllocResponse: the context-collection walk. Each
//     hop reserves a family entry, chains it behind the sender's
//     (link_prev), and forwards; the response walks back down the chain
//     committing the final place size (unwound to the largest power of
//     two on a refusal, or to zero for an exact request) and recording
//     each hop's link_next.
//   - LinkCreate: the create broadcast, addressed hop-by-hop to the
//     family entries the allocation walk chained together.
//   - LinkDone/LinkBreak: synchronization and cancellation riding the
//     same chain; DONE travels forward carrying the sync rendezvous so
//     the last core can fire it, BREAK fans out from wherever it was
//     raised and keeps travelling in the direction it came.
//
// Every message that names a family is validated through
// famtable.Table.Lookup, the capability-checked accessor: a message's
// LFID is routinely attacker/bug-triggerable from the network and must
// prove it still holds the capability handed out at allocation time.
type networkDispatch struct {
	c *Core
}

func newNetworkDispatch(c *Core) *networkDispatch {
	return &networkDispatch{c: c}
}

func (d *networkDispatch) Name() string { return "NetworkDispatch" }

// Step pops and dispatches at most one inbound message per cycle: a link
// message first (link ring traffic is place-structured and ordered), then
// a delegation message. Acquire-phase calls only check for pending work,
// mirroring stageProcess's own acquire/commit split; the pop and dispatch
// itself only ever happens in the commit phase.
func (d *networkDispatch) Step(committing bool) kernel.Result {
	if !committing {
		if d.c.Net.HasPending() {
			return kernel.SUCCESS
		}
		return kernel.DELAYED
	}

	if msg, ok := d.c.Net.PopLinkMessage(); ok {
		d.dispatchLink(msg)
		return kernel.SUCCESS
	}
	if msg, ok := d.c.Net.AnyDelegation(); ok {
		d.dispatchDelegation(msg)
		return kernel.SUCCESS
	}
	return kernel.DELAYED
}

func (d *networkDispatch) fid(lfid ids.LFID, capability ids.FCapability) ids.FID {
	return ids.FID{PID: d.c.PID, LFID: lfid, Capability: capability}
}

func (d *networkDispatch) raiseInvalidFID(lfid ids.LFID, err error) {
	kernel.Raise("NetworkDispatch", 0, ids.NoneTID, lfid, "%v", err)
}

func (d *networkDispatch) dispatchLink(msg network.LinkMessage) {
	switch msg.Type {
	case network.LinkAllocate:
		d.handleLinkAllocate(msg)

	case network.LinkAllocResponse:
		d.applyAllocResponse(msg)

	case network.LinkBAllocate:
		d.handleBAllocate(msg)

	case network.LinkCreate:
		d.handleLinkCreate(msg)

	case network.LinkDone:
		if err := d.c.Alloc.Done(d.fid(msg.LFID, msg.Capability), msg.OriginPID, msg.OriginReg); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.LinkSync:
		if err := d.c.Alloc.Sync(d.fid(msg.LFID, msg.Capability), msg.OriginPID, msg.OriginReg); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.LinkDetach:
		if err := d.c.Alloc.Detach(d.fid(msg.LFID, msg.Capability)); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.LinkBreak:
		if err := d.c.Alloc.PropagateBreak(d.fid(msg.LFID, msg.Capability), msg.Backward); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.LinkSetProperty:
		if err := d.c.Alloc.SetProperty(d.fid(msg.LFID, msg.Capability), msg.Property, msg.RegValue); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.LinkGlobal:
		// Globals broadcast a register value to every core of the place.
		d.writeRegister(msg.OriginReg, msg.RegValue)
	}
}

// handleLinkAllocate advances the context-collection walk by one hop:
// reserve a family entry chained behind the sender's, and either forward
// the walk or turn it around into a response. A walk that has wrapped the
// whole ring back to its first core, or that finds no free context, is
// refused; the refusal unwinds per the exact/non-exact rule.
func (d *networkDispatch) handleLinkAllocate(msg network.LinkMessage) {
	refuse := func() {
		dec := network.Unwind(msg.Collected, msg.PlaceSize, msg.Exact)
		resp := msg
		resp.Type = network.LinkAllocResponse
		resp.Commit = dec.Commit
		resp.NextLFID = ids.NoneLFID
		resp.NextCapability = 0
		d.c.Net.SendPrev(resp)
	}

	if msg.FirstPID == d.c.PID {
		refuse()
		return
	}
	lfid, ok := d.c.Families.Allocate(famtable.RESERVED)
	if !ok {
		refuse()
		return
	}
	entry := d.c.Families.Get(lfid)
	entry.Capability = ids.NewCapability(d.c.Wire)
	entry.LinkPrev = msg.LFID
	entry.LinkPrevCap = msg.Capability
	entry.PlaceIndex = uint32(msg.Collected)
	entry.PlaceSize = uint32(msg.PlaceSize)

	collected := msg.Collected + 1
	if collected < msg.PlaceSize && d.c.Net.Next != nil {
		fwd := msg
		fwd.Collected = collected
		fwd.LFID = lfid
		fwd.Capability = entry.Capability
		if d.c.Net.SendNext(fwd) {
			return
		}
	}

	// Chain complete here (or it cannot grow further): this core turns the
	// walk around. A short chain still commits its power-of-two prefix.
	commit := collected
	if collected < msg.PlaceSize {
		commit = network.Unwind(collected, msg.PlaceSize, msg.Exact).Commit
	}
	resp := msg
	resp.Type = network.LinkAllocResponse
	resp.Commit = commit
	resp.LFID = lfid
	resp.Capability = entry.Capability
	resp.NextLFID = ids.NoneLFID
	resp.NextCapability = 0
	d.applyAllocResponse(resp)
}

// applyAllocResponse applies one backward step of the allocation
// response: a core outside the committed prefix releases its reserved
// entry; a committed core records its link_next and the final place size.
// The origin (place index 0) finishes the walk by delivering the packed
// FID — or zero, when an exact request unwound the whole chain.
func (d *networkDispatch) applyAllocResponse(msg network.LinkMessage) {
	f, err := d.c.Families.Lookup(d.fid(msg.LFID, msg.Capability))
	if err != nil {
		d.raiseInvalidFID(msg.LFID, err)
		return
	}
	pos := int(f.PlaceIndex)

	if pos >= msg.Commit {
		prevLFID, prevCap := f.LinkPrev, f.LinkPrevCap
		d.c.Families.Free(msg.LFID)
		if pos == 0 {
			if msg.OriginPID != ids.NonePID {
				(&remoteAdapter{core: d.c}).WriteRemote(msg.OriginPID, msg.OriginReg, 0)
			}
			return
		}
		resp := msg
		resp.LFID = prevLFID
		resp.Capability = prevCap
		resp.NextLFID = ids.NoneLFID
		resp.NextCapability = 0
		d.c.Net.SendPrev(resp)
		return
	}

	f.LinkNext = msg.NextLFID
	f.LinkNextCap = msg.NextCapability
	f.NumCores = uint32(msg.Commit)
	f.PlaceSize = uint32(msg.Commit)

	if pos == 0 {
		f.Deps.PrevSynchronized = true
		if msg.OriginPID != ids.NonePID {
			fid := ids.FID{PID: d.c.PID, LFID: msg.LFID, Capability: f.Capability}
			(&remoteAdapter{core: d.c}).WriteRemote(msg.OriginPID, msg.OriginReg,
				uint64(d.c.Wire.PackFID(fid)))
		}
		// A family seeded with its entry PC before the walk creates as
		// soon as the place commits.
		if f.PC != 0 && f.State == famtable.ALLOCATED {
			f.State = famtable.CREATE_QUEUED
			d.c.Alloc.QueueCreate(msg.LFID)
		}
		return
	}

	resp := msg
	resp.LFID = f.LinkPrev
	resp.Capability = f.LinkPrevCap
	resp.NextLFID = msg.LFID
	resp.NextCapability = f.Capability
	d.c.Net.SendPrev(resp)
}

// requestBalancedAllocation starts a BALLOCATE walk: the request rides
// the link ring once, each hop folding in its own context count and the
// running least-loaded core, and is served wherever the walk decides.
func (c *Core) requestBalancedAllocation(ret ids.RegAddr) bool {
	if c.Net.Next == nil {
		return c.Alloc.RequestAllocation(allocator.AllocRequest{
			RequesterPID: c.PID, RequesterReg: ret, PlaceSize: 1, Suspend: true,
		})
	}
	contexts := c.Families.UsedCount()
	return c.Net.SendNext(network.LinkMessage{
		Type:         network.LinkBAllocate,
		OriginPID:    c.PID,
		OriginReg:    ret,
		FirstPID:     c.PID,
		Suspend:      true,
		Collected:    contexts,
		MinContext:   contexts,
		MinContextID: c.PID,
	})
}

// handleBAllocate folds this core's context count into the walk and
// forwards it; once the walk has been around the whole ring, the chain's
// end applies the balance rule: serve here unless this core still exceeds
// the threshold, in which case the request is redirected to the recorded
// minimum-context core as a place of one.
func (d *networkDispatch) handleBAllocate(msg network.LinkMessage) {
	contexts := d.c.Families.UsedCount()

	if msg.FirstPID == d.c.PID {
		dec := network.EvaluateBalance(contexts, d.c.cfgLoadBalanceThreshold, int(msg.MinContextID))
		if dec.Redirect && ids.PID(dec.TargetPID) != d.c.PID {
			if peer, ok := d.c.otherCores[ids.PID(dec.TargetPID)]; ok {
				d.c.Net.SendDelegation(peer.Net, network.DelegationMessage{
					Type:      network.DelegAllocate,
					OriginPID: msg.OriginPID,
					ReplyTo:   msg.OriginReg,
					PlaceSize: 1,
				})
				return
			}
		}
		d.c.Alloc.RequestAllocation(allocator.AllocRequest{
			RequesterPID: msg.OriginPID,
			RequesterReg: msg.OriginReg,
			PlaceSize:    1,
			Exclusive:    msg.Exclusive,
			Suspend:      msg.Suspend,
		})
		return
	}

	if contexts < msg.MinContext {
		msg.MinContext = contexts
		msg.MinContextID = d.c.PID
	}
	msg.Collected += contexts
	if d.c.Net.SendNext(msg) {
		return
	}

	// No onward link: serve at the end of the line.
	d.c.Alloc.RequestAllocation(allocator.AllocRequest{
		RequesterPID: msg.OriginPID,
		RequesterReg: msg.OriginReg,
		PlaceSize:    1,
		Exclusive:    msg.Exclusive,
		Suspend:      msg.Suspend,
	})
}

// handleLinkCreate receives the create broadcast for this core's share of
// a place-wide family, chained during the allocation walk.
func (d *networkDispatch) handleLinkCreate(msg network.LinkMessage) {
	if msg.LFID == ids.NoneLFID {
		// A chainless create seeds a fresh single-core family here.
		d.seedRemoteFamily(msg.PC)
		return
	}
	if _, err := d.c.Alloc.CreateRemote(d.fid(msg.LFID, msg.Capability),
		msg.PC, msg.Regs, msg.Start, msg.Limit, msg.Step, msg.Block); err != nil {
		d.raiseInvalidFID(msg.LFID, err)
	}
}

// seedRemoteFamily populates a fresh RESERVED family-table entry for a
// chainless remote create, the way Core.SeedFamily populates a root
// family for a program loader, then hands it to the ordinary CreateCycle
// state machine.
func (d *networkDispatch) seedRemoteFamily(pc ids.MemAddr) {
	lfid, ok := d.c.Families.Allocate(famtable.RESERVED)
	if !ok {
		return
	}
	entry := d.c.Families.Get(lfid)
	entry.Capability = ids.NewCapability(d.c.Wire)
	entry.PC = pc
	entry.PlaceSize = 1
	entry.NumCores = 1
	entry.State = famtable.CREATE_QUEUED
	// A chainless share synchronizes independently and holds no
	// detachable parent handle.
	entry.Deps.PrevSynchronized = true
	entry.Deps.Detached = true

	if !d.c.Alloc.QueueCreate(lfid) {
		d.c.Families.Free(lfid)
	}
}

func (d *networkDispatch) dispatchDelegation(msg network.DelegationMessage) {
	switch msg.Type {
	case network.DelegAllocate:
		requester := msg.OriginPID
		if requester == ids.NonePID {
			requester = msg.SourcePID
		}
		place := msg.PlaceSize
		if place < 1 {
			place = 1
		}
		d.c.Alloc.RequestAllocation(allocator.AllocRequest{
			RequesterPID: requester,
			RequesterReg: msg.ReplyTo,
			PlaceSize:    place,
		})

	case network.DelegCreate:
		if msg.LFID == ids.NoneLFID {
			d.seedRemoteFamily(msg.PC)
			return
		}
		if _, err := d.c.Alloc.Create(d.fid(msg.LFID, msg.Capability),
			msg.PC, msg.SourcePID, msg.ReplyTo); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.DelegSync:
		if err := d.c.Alloc.Sync(d.fid(msg.LFID, msg.Capability), msg.SourcePID, msg.ReplyTo); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.DelegDetach:
		if err := d.c.Alloc.Detach(d.fid(msg.LFID, msg.Capability)); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.DelegBreak:
		if err := d.c.Alloc.Break(d.fid(msg.LFID, msg.Capability)); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.DelegBundle:
		// A bundled DETACH+BREAK, sent together when a parent both stops
		// referencing a family and forbids it any further allocation in
		// one round trip.
		fid := d.fid(msg.LFID, msg.Capability)
		if err := d.c.Alloc.Detach(fid); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
			return
		}
		if err := d.c.Alloc.Break(fid); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.DelegSetProperty:
		if err := d.c.Alloc.SetProperty(d.fid(msg.LFID, msg.Capability),
			msg.Property, msg.RegValue); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
		}

	case network.DelegRawRegister:
		d.writeRegister(msg.RegAddr, msg.RegValue)

	case network.DelegFamRegister:
		if _, err := d.c.Families.Lookup(d.fid(msg.LFID, msg.Capability)); err != nil {
			d.raiseInvalidFID(msg.LFID, err)
			return
		}
		if msg.Kind == network.LastShared {
			d.serveRegisterRead(msg)
			return
		}
		d.writeRegister(msg.RegAddr, msg.RegValue)
	}
}

// serveRegisterRead answers a last-shared read request: a FULL register
// replies immediately over the delegation channel; anything else records
// the requester as the register's remote waiter, so the eventual local
// write forwards the value instead of storing it.
func (d *networkDispatch) serveRegisterRead(msg network.DelegationMessage) {
	reg, err := d.c.Regs.Read(msg.RegAddr)
	if err != nil {
		kernel.Raise("NetworkDispatch", 0, ids.NoneTID, msg.LFID,
			"last-shared read of %s: %v", msg.RegAddr, err)
		return
	}
	if reg.State == regfile.FULL {
		(&remoteAdapter{core: d.c}).WriteRemote(msg.SourcePID, msg.ReplyTo, reg.Value.Int)
		return
	}
	_ = d.c.Regs.SetRemoteWaiter(msg.RegAddr, regfile.RemoteWaiter{
		PID: msg.SourcePID, Reg: msg.ReplyTo, Set: true,
	})
}

// writeRegister commits value to addr and readies every thread the write
// woke up, the same outcome Writeback applies to a locally-retired
// instruction's destination register.
func (d *networkDispatch) writeRegister(addr ids.RegAddr, value uint64) {
	woken, err := d.c.applyRegisterWrite(addr, value)
	if err != nil {
		return
	}
	for _, tid := range woken {
		if d.c.ready.Push(tid) {
			d.c.ready.Commit()
		}
	}
}
