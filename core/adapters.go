package core

import (
	"fmt"
	"math"

	"github.com/sarchlab/microgrid/allocator"
	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/network"
	"github.com/sarchlab/microgrid/pipeline"
	"github.com/sarchlab/microgrid/regfile"
	"github.com/sarchlab/microgrid/threadtable"
)

// registerAdapter narrows regfile.File to the uint64-only RegisterWriter
// contract the pipeline's Writeback stage and the FPU share:
// the ALU and FPU never produce a tagged regfile.Value, only a raw word.
type registerAdapter struct {
	core *Core
	regs *regfile.File
}

func (r *registerAdapter) WriteResult(addr ids.RegAddr, v uint64) ([]ids.TID, error) {
	if r.core != nil {
		return r.core.applyRegisterWrite(addr, v)
	}
	res, err := r.regs.Write(addr, regfile.Value{Int: v, IsInt: true})
	if err != nil {
		return nil, err
	}
	if res.WasForwarded {
		return nil, nil
	}
	return res.Reactivated, nil
}

// applyRegisterWrite commits a raw word to a local register; a register an
// absent remote core already claimed forwards the value over the
// delegation channel instead of storing it.
func (c *Core) applyRegisterWrite(addr ids.RegAddr, v uint64) ([]ids.TID, error) {
	res, err := c.Regs.Write(addr, regfile.Value{Int: v, IsInt: true})
	if err != nil {
		return nil, err
	}
	if res.WasForwarded {
		(&remoteAdapter{core: c}).WriteRemote(res.ForwardedTo.PID, res.ForwardedTo.Reg, v)
		return nil, nil
	}
	return res.Reactivated, nil
}

func (r *registerAdapter) TryRead(addr ids.RegAddr) (uint64, pipeline.RegSourceState, error) {
	reg, err := r.regs.Read(addr)
	if err != nil {
		return 0, pipeline.RegEmpty, err
	}
	switch reg.State {
	case regfile.EMPTY:
		return 0, pipeline.RegEmpty, nil
	case regfile.PENDING:
		return 0, pipeline.RegPending, nil
	case regfile.WAITING:
		return 0, pipeline.RegWaiting, nil
	default: // FULL
		if reg.Value.IsInt {
			return reg.Value.Int, pipeline.RegFull, nil
		}
		return math.Float64bits(reg.Value.Float), pipeline.RegFull, nil
	}
}

func (r *registerAdapter) Suspend(addr ids.RegAddr, tid ids.TID) error {
	return r.regs.Suspend(addr, tid)
}

// threadSourceAdapter implements pipeline.ThreadSource over the core's own
// ready-thread queue and thread table, the bridge the allocator's
// activation hook feeds.
type threadSourceAdapter struct {
	core *Core
}

func (t *threadSourceAdapter) NextReadyThread() (ids.TID, bool) {
	for {
		tid, ok := t.core.ready.Peek()
		if !ok {
			return 0, false
		}
		if t.core.ready.Pop() {
			t.core.ready.Commit()
		}
		// A queued TID can go stale: a register wake and an end-of-line
		// requeue may both enqueue it, and the first pop may have carried
		// the thread all the way to recycling.
		if entry := t.core.Threads.Get(tid); entry != nil &&
			entry.State != threadtable.EMPTY && entry.State != threadtable.KILLED {
			return tid, true
		}
	}
}

func (t *threadSourceAdapter) ThreadPC(tid ids.TID) ids.MemAddr {
	entry := t.core.Threads.Get(tid)
	if entry == nil {
		return 0
	}
	return entry.PC
}

func (t *threadSourceAdapter) ThreadFamily(tid ids.TID) ids.LFID {
	entry := t.core.Threads.Get(tid)
	if entry == nil {
		return ids.NoneLFID
	}
	return entry.Family
}

func (t *threadSourceAdapter) AdvancePC(tid ids.TID, pc ids.MemAddr) {
	if entry := t.core.Threads.Get(tid); entry != nil {
		entry.PC = pc
	}
}

func (t *threadSourceAdapter) Requeue(tid ids.TID) {
	if t.core.ready.Push(tid) {
		t.core.ready.Commit()
	}
}

// linkAdapter implements allocator.LinkSender over this core's link-ring
// attachment.
type linkAdapter struct {
	core *Core
}

func (l *linkAdapter) SendAllocate(req allocator.AllocRequest, lfid ids.LFID, cap ids.FCapability) bool {
	return l.core.Net.SendNext(network.LinkMessage{
		Type:       network.LinkAllocate,
		OriginPID:  req.RequesterPID,
		OriginReg:  req.RequesterReg,
		Exclusive:  req.Exclusive,
		Suspend:    req.Suspend,
		Exact:      req.Exact,
		PlaceSize:  req.PlaceSize,
		Collected:  1,
		FirstPID:   l.core.PID,
		LFID:       lfid,
		Capability: cap,
	})
}

func (l *linkAdapter) SendCreate(lfid ids.LFID, cap ids.FCapability, pc ids.MemAddr,
	regs [2]famtable.RegCount, start, limit, step int64, block uint32) bool {
	return l.core.Net.SendNext(network.LinkMessage{
		Type:       network.LinkCreate,
		LFID:       lfid,
		Capability: cap,
		PC:         pc,
		Regs:       regs,
		Start:      start,
		Limit:      limit,
		Step:       step,
		Block:      block,
	})
}

func (l *linkAdapter) SendDone(lfid ids.LFID, cap ids.FCapability, syncPID ids.PID, syncReg ids.RegAddr) bool {
	return l.core.Net.SendNext(network.LinkMessage{
		Type:       network.LinkDone,
		LFID:       lfid,
		Capability: cap,
		OriginPID:  syncPID,
		OriginReg:  syncReg,
	})
}

func (l *linkAdapter) SendBreak(lfid ids.LFID, cap ids.FCapability, backward bool) bool {
	msg := network.LinkMessage{
		Type:       network.LinkBreak,
		LFID:       lfid,
		Capability: cap,
		Backward:   backward,
	}
	if backward {
		return l.core.Net.SendPrev(msg)
	}
	return l.core.Net.SendNext(msg)
}

func (l *linkAdapter) SendSetProperty(lfid ids.LFID, cap ids.FCapability, prop famtable.Property, value uint64) bool {
	return l.core.Net.SendNext(network.LinkMessage{
		Type:       network.LinkSetProperty,
		LFID:       lfid,
		Capability: cap,
		Property:   prop,
		RegValue:   value,
	})
}

// familyOpsAdapter implements pipeline.FamilyOps: the dispatch surface a
// thread's own CREATE/SYNC/DETACH/BREAK/ALLOCATE/SET_PROPERTY
// instructions execute against. A locally-owned FID goes straight to the
// allocator; a remote one travels the delegation channel.
type familyOpsAdapter struct {
	core *Core
}

func (f *familyOpsAdapter) resolve(word uint64) (ids.FID, *Core, error) {
	fid := f.core.Wire.UnpackFID(ids.Word(word))
	if fid.PID == f.core.PID {
		return fid, nil, nil
	}
	peer, ok := f.core.otherCores[fid.PID]
	if !ok {
		return fid, nil, fmt.Errorf("family op names unknown core %d", fid.PID)
	}
	return fid, peer, nil
}

func (f *familyOpsAdapter) Allocate(place uint64, ret ids.RegAddr, tid ids.TID) (bool, error) {
	if place == 0 {
		// The all-zero word is the reserved "default place": pick the
		// least-loaded core via the balanced-allocation walk.
		return f.core.requestBalancedAllocation(ret), nil
	}
	p := f.core.Wire.UnpackPlaceID(ids.Word(place))
	return f.core.Alloc.RequestAllocation(allocator.AllocRequest{
		RequesterPID: f.core.PID,
		RequesterReg: ret,
		PlaceSize:    int(p.Size),
		Suspend:      true,
	}), nil
}

func (f *familyOpsAdapter) Create(fid uint64, pc ids.MemAddr, ret ids.RegAddr) (bool, error) {
	id, peer, err := f.resolve(fid)
	if err != nil {
		return false, err
	}
	if peer == nil {
		return f.core.Alloc.Create(id, pc, f.core.PID, ret)
	}
	f.core.Net.SendDelegation(peer.Net, network.DelegationMessage{
		Type:       network.DelegCreate,
		LFID:       id.LFID,
		Capability: id.Capability,
		PC:         pc,
		ReplyTo:    ret,
	})
	return true, nil
}

func (f *familyOpsAdapter) Sync(fid uint64, ret ids.RegAddr) (bool, error) {
	id, peer, err := f.resolve(fid)
	if err != nil {
		return false, err
	}
	if peer == nil {
		return true, f.core.Alloc.Sync(id, f.core.PID, ret)
	}
	f.core.Net.SendDelegation(peer.Net, network.DelegationMessage{
		Type:       network.DelegSync,
		LFID:       id.LFID,
		Capability: id.Capability,
		ReplyTo:    ret,
	})
	return true, nil
}

func (f *familyOpsAdapter) Detach(fid uint64) (bool, error) {
	id, peer, err := f.resolve(fid)
	if err != nil {
		return false, err
	}
	if peer == nil {
		return true, f.core.Alloc.Detach(id)
	}
	f.core.Net.SendDelegation(peer.Net, network.DelegationMessage{
		Type:       network.DelegDetach,
		LFID:       id.LFID,
		Capability: id.Capability,
	})
	return true, nil
}

func (f *familyOpsAdapter) Break(own ids.LFID) (bool, error) {
	return true, f.core.Alloc.BreakOwn(own)
}

func (f *familyOpsAdapter) SetProperty(fid uint64, prop uint8, value uint64) (bool, error) {
	id, peer, err := f.resolve(fid)
	if err != nil {
		return false, err
	}
	if peer == nil {
		return true, f.core.Alloc.SetProperty(id, famtable.Property(prop), value)
	}
	f.core.Net.SendDelegation(peer.Net, network.DelegationMessage{
		Type:       network.DelegSetProperty,
		LFID:       id.LFID,
		Capability: id.Capability,
		Property:   famtable.Property(prop),
		RegValue:   value,
	})
	return true, nil
}

// remoteAdapter implements allocator.RemoteWriter: a local destination
// writes straight into this core's register file; a remote one goes out
// over the delegation channel as a RAW_REGISTER message.
type remoteAdapter struct {
	core *Core
}

func (r *remoteAdapter) WriteRemote(pid ids.PID, reg ids.RegAddr, value uint64) {
	if pid == r.core.PID || pid == ids.NonePID {
		woken, err := r.core.applyRegisterWrite(reg, value)
		if err == nil {
			for _, tid := range woken {
				if r.core.ready.Push(tid) {
					r.core.ready.Commit()
				}
			}
		}
		return
	}
	peer, ok := r.core.otherCores[pid]
	if !ok {
		return
	}
	r.core.Net.SendDelegation(peer.Net, network.DelegationMessage{
		Type:     network.DelegRawRegister,
		Kind:     network.FirstDependent,
		RegAddr:  reg,
		RegValue: value,
	})
}

// forwardAdapter implements pipeline.Forwarder for Writeback destinations
// resolved to a remote core.
type forwardAdapter struct {
	core *Core
}

func (f *forwardAdapter) ForwardRegister(pid ids.PID, addr ids.RegAddr, v uint64) {
	(&remoteAdapter{core: f.core}).WriteRemote(pid, addr, v)
}
