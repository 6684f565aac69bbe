package pipeline

import (
	"github.com/sarchlab/microgrid/dcache"
	"github.com/sarchlab/microgrid/icache"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
)

// ThreadSource supplies the next READY thread to Fetch on a pipeline
// switch, and the PC/family/register bases needed to decode and read it.
// AdvancePC records where the thread resumes after the staged instruction;
// Requeue returns a thread to the back of the ready queue when Fetch
// switches away from it with work left.
type ThreadSource interface {
	NextReadyThread() (ids.TID, bool)
	ThreadPC(tid ids.TID) ids.MemAddr
	ThreadFamily(tid ids.TID) ids.LFID
	AdvancePC(tid ids.TID, pc ids.MemAddr)
	Requeue(tid ids.TID)
}

// LineFetcher is the subset of icache.Cache the Fetch stage drives.
type LineFetcher interface {
	ThreadFetch(pc ids.MemAddr, size int, tid ids.TID) (ids.CID, icache.Result)
	Read(cid ids.CID, addr ids.MemAddr, dst []byte, size int) error
	LineSize() int
}

// Decoder is the external instruction decoder contract: it does not fix
// the ISA, only the shape of the latch record.
type Decoder interface {
	Decode(word uint32, pc ids.MemAddr) (DecodedInstr, error)
}

// RegSourceState mirrors regfile.State without creating an import cycle
// risk on the call site's concrete type; callers pass regfile.EMPTY etc.
type RegSourceState int

const (
	RegEmpty RegSourceState = iota
	RegPending
	RegWaiting
	RegFull
)

// RegisterReader is the subset of regfile.File the Read stage needs, plus
// the suspend-on-miss contract.
type RegisterReader interface {
	TryRead(addr ids.RegAddr) (uint64, RegSourceState, error)
	Suspend(addr ids.RegAddr, tid ids.TID) error
}

// Fetch is the first pipeline stage. It maintains a "switched"
// flag: on switch it pops the next ready thread and loads its I-cache line.
type Fetch struct {
	source   ThreadSource
	icache   LineFetcher
	out      *Latch[FetchedLine]
	switched bool
	current  ids.TID
	pending  ids.CID
	waiting  bool

	endOfThread func(word uint32) bool
	onEnd       func(tid ids.TID)
}

// NewFetch builds the Fetch stage writing into out.
func NewFetch(source ThreadSource, icache LineFetcher, out *Latch[FetchedLine]) *Fetch {
	return &Fetch{source: source, icache: icache, out: out, switched: true}
}

func (f *Fetch) Name() string { return "Fetch" }

// SetEndOfThread installs the control-word predicate marking a thread's
// final instruction and the callback fired when one is reached. Both come
// from the external ISA collaborator; a Fetch without them never ends a
// thread on its own.
func (f *Fetch) SetEndOfThread(pred func(word uint32) bool, onEnd func(tid ids.TID)) {
	f.endOfThread = pred
	f.onEnd = onEnd
}

func (f *Fetch) Run(committing bool) Result {
	// Popping the ready queue and touching the I-cache are unstaged, so
	// all of Fetch's work happens in the commit pass.
	if !committing {
		return SUCCESS
	}

	if f.switched {
		tid, ok := f.source.NextReadyThread()
		if !ok {
			return DELAY
		}
		f.current = tid
		f.switched = false
		f.waiting = false
	}

	pc := f.source.ThreadPC(f.current)
	cid, res := f.icache.ThreadFetch(pc, 4, f.current)
	switch res {
	case icache.DELAYED:
		f.pending = cid
		f.waiting = true
		return DELAY
	case icache.FAILED:
		return DELAY
	}
	f.pending = cid
	f.waiting = false

	var word [4]byte
	if err := f.icache.Read(f.pending, pc, word[:], 4); err != nil {
		return DELAY
	}
	w := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24

	if f.endOfThread != nil && f.endOfThread(w) {
		if f.onEnd != nil {
			f.onEnd(f.current)
		}
		f.switched = true
		return SUCCESS
	}

	if !f.out.Empty() {
		return STALL
	}
	endOfLine := false
	if ls := f.icache.LineSize(); ls > 0 && int(pc+4)%ls == 0 {
		endOfLine = true
	}
	f.out.Stage(FetchedLine{
		PC:        pc,
		Word:      w,
		Thread:    f.current,
		Family:    f.source.ThreadFamily(f.current),
		EndOfLine: endOfLine,
	}, f.current)
	f.source.AdvancePC(f.current, pc+4)
	if endOfLine {
		f.source.Requeue(f.current)
		f.switched = true
	}
	return SUCCESS
}

// Switch requests that the next cycle pop a new thread (end-of-line,
// end-of-family, annotation, or empty active queue).
func (f *Fetch) Switch() { f.switched = true }

// Decode is purely functional: it translates windowed register specifiers
// into absolute addresses via the external Decoder.
type Decode struct {
	in      *Latch[FetchedLine]
	out     *Latch[DecodedInstr]
	decoder Decoder
	seq     *Sequencer
}

func NewDecode(in *Latch[FetchedLine], out *Latch[DecodedInstr], d Decoder) *Decode {
	return &Decode{in: in, out: out, decoder: d}
}

// SetSequencer wires the pipeline-wide Sequencer a decode fault squashes
// through and requests a thread switch on.
func (d *Decode) SetSequencer(seq *Sequencer) { d.seq = seq }

func (d *Decode) Name() string { return "Decode" }

func (d *Decode) Run(committing bool) Result {
	fl, ok := d.in.Peek()
	if !ok {
		return DELAY
	}
	instr, err := d.decoder.Decode(fl.Word, fl.PC)
	if err != nil {
		if !committing {
			return FLUSH
		}
		d.in.Clear()
		d.seq.Flush(fl.Thread)
		kernel.Raise("Decode", fl.PC, fl.Thread, fl.Family, "%v", err)
		return FLUSH
	}
	instr.Thread = fl.Thread
	instr.Family = fl.Family
	if !committing {
		return SUCCESS
	}
	if !d.out.Empty() {
		return STALL
	}
	d.in.Clear()
	d.out.Stage(instr, fl.Thread)
	return SUCCESS
}

// Read reads Ra/Rb, trying each bypass lookup passed to NewRead, in order,
// before the register file. It has no built-in bypass from Execute, Memory
// or Writeback: with no lookups given, every operand comes from the
// register file.
type Read struct {
	in       *Latch[DecodedInstr]
	out      *Latch[ReadInstr]
	regs     RegisterReader
	bypass   []func(ids.RegAddr) (uint64, bool)
	onSwitch func()
	seq      *Sequencer
}

func NewRead(in *Latch[DecodedInstr], out *Latch[ReadInstr], regs RegisterReader, onSwitch func(), bypass ...func(ids.RegAddr) (uint64, bool)) *Read {
	return &Read{in: in, out: out, regs: regs, bypass: bypass, onSwitch: onSwitch}
}

// SetSequencer wires the pipeline-wide Sequencer a faulting register
// address squashes through and requests a thread switch on.
func (r *Read) SetSequencer(seq *Sequencer) { r.seq = seq }

func (r *Read) Name() string { return "Read" }

func (r *Read) lookup(addr ids.RegAddr) (uint64, bool) {
	for _, b := range r.bypass {
		if v, ok := b(addr); ok {
			return v, true
		}
	}
	return 0, false
}

func (r *Read) Run(committing bool) Result {
	di, ok := r.in.Peek()
	if !ok {
		return DELAY
	}

	va, ready, err := r.readOperand(di.Ra, di.RaKind, di.Thread)
	if err != nil {
		if !committing {
			return FLUSH
		}
		r.in.Clear()
		r.seq.Flush(di.Thread)
		kernel.Raise("Read", di.PC, di.Thread, di.Family, "%v", err)
		return FLUSH
	}
	if !ready {
		if r.onSwitch != nil {
			r.onSwitch()
		}
		return DELAY
	}
	vb, ready, err := r.readOperand(di.Rb, di.RbKind, di.Thread)
	if err != nil {
		if !committing {
			return FLUSH
		}
		r.in.Clear()
		r.seq.Flush(di.Thread)
		kernel.Raise("Read", di.PC, di.Thread, di.Family, "%v", err)
		return FLUSH
	}
	if !ready {
		if r.onSwitch != nil {
			r.onSwitch()
		}
		return DELAY
	}

	if !committing {
		return SUCCESS
	}
	if !r.out.Empty() {
		return STALL
	}
	r.in.Clear()
	r.out.Stage(ReadInstr{DecodedInstr: di, ValA: va, ValB: vb}, di.Thread)
	return SUCCESS
}

// readOperand resolves one operand: a RAZ specifier reads as zero with no
// register access; otherwise the bypass network is consulted first, then
// the register file, suspending the thread on EMPTY/PENDING sources and
// joining the waiter list on WAITING.
func (r *Read) readOperand(addr ids.RegAddr, kind RegSpecifier, tid ids.TID) (uint64, bool, error) {
	if kind == RAZ {
		return 0, true, nil
	}
	if v, ok := r.lookup(addr); ok {
		return v, true, nil
	}

	v, st, err := r.regs.TryRead(addr)
	if err != nil {
		return 0, false, err
	}
	switch st {
	case RegFull:
		return v, true, nil
	case RegEmpty, RegPending, RegWaiting:
		if err := r.regs.Suspend(addr, tid); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	default:
		return 0, false, nil
	}
}

// FamilyOps is the allocator-facing dispatch surface for the family
// management operations a thread's instruction stream raises. FID-bearing
// operands arrive as packed machine words, the way they travel through
// registers. A false ok means the allocator could not accept the request
// this cycle (queue full); a non-nil error is a programmer fault (invalid
// FID, bad state) and aborts the simulated program.
type FamilyOps interface {
	Allocate(place uint64, ret ids.RegAddr, tid ids.TID) (bool, error)
	Create(fid uint64, pc ids.MemAddr, ret ids.RegAddr) (bool, error)
	Sync(fid uint64, ret ids.RegAddr) (bool, error)
	Detach(fid uint64) (bool, error)
	// Break stops the family the executing thread belongs to; membership
	// is the authority, so it takes the local id rather than a packed FID.
	Break(own ids.LFID) (bool, error)
	SetProperty(fid uint64, prop uint8, value uint64) (bool, error)
}

// Execute consumes operands, dispatches ALU/FPU or a family operation,
// computes addresses, and may raise control operations.
type Execute struct {
	in      *Latch[ReadInstr]
	out     *Latch[ExecResult]
	alu     func(opcode uint32, a, b uint64) (uint64, bool)
	pending func(tid ids.TID) bool // true if the thread has pending writes
	famops  FamilyOps
}

func NewExecute(in *Latch[ReadInstr], out *Latch[ExecResult], alu func(uint32, uint64, uint64) (uint64, bool), pendingWrites func(ids.TID) bool) *Execute {
	return &Execute{in: in, out: out, alu: alu, pending: pendingWrites}
}

// SetFamilyOps wires the allocator dispatch surface CREATE/SYNC/DETACH/
// BREAK/ALLOCATE/SET_PROPERTY instructions execute against.
func (e *Execute) SetFamilyOps(f FamilyOps) { e.famops = f }

func (e *Execute) Name() string { return "Execute" }

func (e *Execute) Run(committing bool) Result {
	ri, ok := e.in.Peek()
	if !ok {
		return DELAY
	}

	if e.pending != nil && e.pending(ri.Thread) {
		return FLUSH
	}

	if ri.FamilyOp != FamNone {
		if !committing {
			return SUCCESS
		}
		if !e.out.Empty() {
			return STALL
		}
		if e.famops == nil {
			kernel.Raise("Execute", ri.PC, ri.Thread, ri.Family,
				"family operation %s with no dispatch surface", ri.FamilyOp)
		}
		ok, err := e.dispatchFamilyOp(ri)
		if err != nil {
			kernel.Raise("Execute", ri.PC, ri.Thread, ri.Family, "%v", err)
		}
		if !ok {
			return DELAY // allocator queue full; retry with the input held
		}
		e.in.Clear()
		e.out.Stage(ExecResult{ReadInstr: ri, IsFamilyOp: true}, ri.Thread)
		return SUCCESS
	}

	result, isMem := e.alu(ri.Opcode, ri.ValA, ri.ValB)
	if !committing {
		return SUCCESS
	}
	if !e.out.Empty() {
		return STALL
	}
	e.in.Clear()
	e.out.Stage(ExecResult{ReadInstr: ri, Result: result, IsMemory: isMem}, ri.Thread)
	return SUCCESS
}

// dispatchFamilyOp routes one classified family operation into the
// allocator. Operand convention: ValA carries the packed FID (or place
// ID for ALLOCATE), ValB the secondary operand (entry PC, property
// value), Dest the register a completion writes back to.
func (e *Execute) dispatchFamilyOp(ri ReadInstr) (bool, error) {
	switch ri.FamilyOp {
	case FamAllocate:
		return e.famops.Allocate(ri.ValA, ri.Dest, ri.Thread)
	case FamCreate:
		return e.famops.Create(ri.ValA, ids.MemAddr(ri.ValB), ri.Dest)
	case FamSync:
		return e.famops.Sync(ri.ValA, ri.Dest)
	case FamDetach:
		return e.famops.Detach(ri.ValA)
	case FamBreak:
		return e.famops.Break(ri.Family)
	case FamSetProperty:
		return e.famops.SetProperty(ri.ValA, ri.FamilyProp, ri.ValB)
	default:
		return true, nil
	}
}

// DCacheClient is the subset of dcache.Cache the Memory stage drives.
type DCacheClient interface {
	Read(addr ids.MemAddr, size int, family ids.LFID, reg ids.RegAddr, dst []byte) (dcache.Result, error)
	Write(addr ids.MemAddr, data []byte, size int, tid ids.TID) (dcache.Result, error)
}

// Memory issues loads/stores to the D-cache.
type Memory struct {
	in          *Latch[ExecResult]
	out         *Latch[MemResult]
	dcache      DCacheClient
	markPending func(reg ids.RegAddr, family ids.LFID, addr ids.MemAddr, size int)
	incWrites   func(tid ids.TID)
}

func NewMemory(in *Latch[ExecResult], out *Latch[MemResult], dcache DCacheClient, markPending func(ids.RegAddr, ids.LFID, ids.MemAddr, int), incWrites func(ids.TID)) *Memory {
	return &Memory{in: in, out: out, dcache: dcache, markPending: markPending, incWrites: incWrites}
}

func (m *Memory) Name() string { return "Memory" }

func (m *Memory) Run(committing bool) Result {
	er, ok := m.in.Peek()
	if !ok {
		return DELAY
	}

	if !er.IsMemory {
		if !committing {
			return SUCCESS
		}
		if !m.out.Empty() {
			return STALL
		}
		m.in.Clear()
		// A family operation's completion is delivered asynchronously to
		// its destination register; nothing retires through Writeback.
		m.out.Stage(MemResult{ExecResult: er, Value: er.Result, Pending: er.IsFamilyOp}, er.Thread)
		return SUCCESS
	}

	// The D-cache interface is unstaged, so it is only touched once, during
	// the commit pass; the acquire pass just reports readiness.
	if !committing {
		return SUCCESS
	}
	if !m.out.Empty() {
		return STALL
	}

	if er.IsStore {
		res, err := m.dcache.Write(er.MemAddr, er.StoreData, er.MemSize, er.Thread)
		if err != nil {
			return FLUSH
		}
		if res == dcache.FAILED {
			return DELAY // no line available this cycle; retry with the input held
		}
		if res == dcache.DELAYED && m.incWrites != nil {
			m.incWrites(er.Thread)
		}
	} else {
		dst := make([]byte, er.MemSize)
		res, err := m.dcache.Read(er.MemAddr, er.MemSize, er.Family, er.Dest, dst)
		if err != nil {
			return FLUSH
		}
		if res == dcache.FAILED {
			return DELAY
		}
		if res == dcache.DELAYED {
			if m.markPending != nil {
				m.markPending(er.Dest, er.Family, er.MemAddr, er.MemSize)
			}
			m.in.Clear()
			m.out.Stage(MemResult{ExecResult: er, Pending: true}, er.Thread)
			return SUCCESS
		}
		er.Result = uint64(0)
		for i := len(dst) - 1; i >= 0; i-- {
			er.Result = er.Result<<8 | uint64(dst[i])
		}
	}

	m.in.Clear()
	m.out.Stage(MemResult{ExecResult: er, Value: er.Result}, er.Thread)
	return SUCCESS
}

// Forward is a pass-through stage between Memory and Writeback; chaining
// zero or more of them models the forwarding distance of a longer
// pipeline without changing either neighbor.
type Forward struct {
	name string
	in   *Latch[MemResult]
	out  *Latch[MemResult]
}

func NewForward(name string, in, out *Latch[MemResult]) *Forward {
	return &Forward{name: name, in: in, out: out}
}

func (f *Forward) Name() string { return f.name }

func (f *Forward) Run(committing bool) Result {
	mr, ok := f.in.Peek()
	if !ok {
		return DELAY
	}
	if !committing {
		return SUCCESS
	}
	if !f.out.Empty() {
		return STALL
	}
	f.in.Clear()
	f.out.Stage(mr, mr.Thread)
	return SUCCESS
}

// RegisterWriter is the subset of regfile.File the Writeback stage needs.
type RegisterWriter interface {
	WriteResult(addr ids.RegAddr, v uint64) ([]ids.TID, error)
}

// Forwarder delivers a writeback to a remote register over the network
// when the destination is not local.
type Forwarder interface {
	ForwardRegister(pid ids.PID, addr ids.RegAddr, v uint64)
}

// RegisterPort is satisfied by kernel.ArbitratedService and
// kernel.CyclicArbitratedPort: the register file's write port, which
// Writeback requests before a local write. The core's network dispatcher
// writes registers without requesting it.
type RegisterPort interface {
	Request(processName string) bool
	Won(processName string) bool
}

// Writeback writes the latched result, reactivates waiters, and forwards
// remote destinations.
type Writeback struct {
	in         *Latch[MemResult]
	regs       RegisterWriter
	forwarder  Forwarder
	isRemote   func(ids.RegAddr) (ids.PID, bool)
	reactivate func([]ids.TID)
	seq        *Sequencer
	port       RegisterPort
	procName   string
}

func NewWriteback(in *Latch[MemResult], regs RegisterWriter, fwd Forwarder, isRemote func(ids.RegAddr) (ids.PID, bool), reactivate func([]ids.TID)) *Writeback {
	return &Writeback{in: in, regs: regs, forwarder: fwd, isRemote: isRemote, reactivate: reactivate}
}

// SetSequencer wires the pipeline-wide Sequencer a faulting register write
// squashes through and requests a thread switch on.
func (w *Writeback) SetSequencer(seq *Sequencer) { w.seq = seq }

// SetArbiter makes the local register-file write arbitrated: Writeback
// requests port under procName every cycle it has a write staged, and only
// commits once it has won. A Writeback with no arbiter wired (the default)
// writes unconditionally, as it always has.
func (w *Writeback) SetArbiter(port RegisterPort, procName string) {
	w.port = port
	w.procName = procName
}

func (w *Writeback) Name() string { return "Writeback" }

func (w *Writeback) Run(committing bool) Result {
	mr, ok := w.in.Peek()
	if !ok {
		return DELAY
	}
	if mr.Pending {
		if !committing {
			return SUCCESS
		}
		w.in.Clear()
		return SUCCESS
	}

	if w.isRemote != nil {
		if pid, remote := w.isRemote(mr.Dest); remote {
			if !committing {
				return SUCCESS
			}
			w.in.Clear()
			w.forwarder.ForwardRegister(pid, mr.Dest, mr.Value)
			return SUCCESS
		}
	}

	if !committing {
		if w.port != nil {
			w.port.Request(w.procName)
		}
		return SUCCESS
	}
	if w.port != nil && !w.port.Won(w.procName) {
		return STALL
	}
	woken, err := w.regs.WriteResult(mr.Dest, mr.Value)
	if err != nil {
		w.in.Clear()
		w.seq.Flush(mr.Thread)
		kernel.Raise("Writeback", mr.PC, mr.Thread, mr.Family, "%v", err)
		return FLUSH
	}
	w.in.Clear()
	if w.reactivate != nil {
		w.reactivate(woken)
	}
	return SUCCESS
}
