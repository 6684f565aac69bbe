// Package core composes one core's storage and control components
// (family table, thread table, register file, register allocation unit,
// I-cache, D-cache, pipeline, allocator and network attachment) into a
// single akita/v4 TickingComponent.
package core

import (
	"fmt"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/microgrid/allocator"
	"github.com/sarchlab/microgrid/dcache"
	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/fpu"
	"github.com/sarchlab/microgrid/icache"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
	"github.com/sarchlab/microgrid/network"
	"github.com/sarchlab/microgrid/pipeline"
	"github.com/sarchlab/microgrid/raunit"
	"github.com/sarchlab/microgrid/regfile"
	"github.com/sarchlab/microgrid/threadtable"
)

// Config is the per-core sizing the Builder needs; the grid-wide
// config.RunConfig maps onto one of these per core.
type Config struct {
	FamilyTablePools [3]int
	ThreadTablePools [3]int
	IntRegisters     int
	FloatRegisters   int
	RegBlockSize     int
	ReservedBlocks   int
	ICacheLines      int
	DCacheLines      int
	CacheLineSize        int
	QueueSize            int
	ForwardingStages     int
	LoadBalanceThreshold int
	FPULatencies     map[fpu.Op]uint64
	Wire             ids.WireFormat
}

// DefaultConfig returns a small but workable per-core sizing, suitable
// for unit tests and small research runs.
func DefaultConfig() Config {
	return Config{
		FamilyTablePools: [3]int{4, 2, 1},
		ThreadTablePools: [3]int{56, 6, 2},
		IntRegisters:     256,
		FloatRegisters:   256,
		RegBlockSize:     4,
		ReservedBlocks:   2,
		ICacheLines:      16,
		DCacheLines:      16,
		CacheLineSize:        64,
		QueueSize:            8,
		LoadBalanceThreshold: 4,
		Wire:                 ids.NewWireFormat(1, 16),
	}
}

// Core is one processor core: every per-core component wired together
// and driven once per cycle by an embedded kernel.Kernel.
type Core struct {
	*kernel.Kernel

	PID ids.PID

	Families *famtable.Table
	Threads  *threadtable.Table
	Regs     *regfile.File
	IntRA    *raunit.Unit
	FloatRA  *raunit.Unit
	ICache   *icache.Cache
	DCache   *dcache.Cache
	Alloc    *allocator.Allocator
	FPU      *fpu.FPU
	Net      *network.Core
	Wire     ids.WireFormat

	ready *kernel.Buffer[ids.TID]

	latchFetched *pipeline.Latch[pipeline.FetchedLine]
	latchDecoded *pipeline.Latch[pipeline.DecodedInstr]
	latchRead    *pipeline.Latch[pipeline.ReadInstr]
	latchExec    *pipeline.Latch[pipeline.ExecResult]
	latchMem     *pipeline.Latch[pipeline.MemResult]

	fetch     *pipeline.Fetch
	decode    *pipeline.Decode
	read      *pipeline.Read
	execute   *pipeline.Execute
	memory    *pipeline.Memory
	forwards  []*pipeline.Forward
	fwdLatches []*pipeline.Latch[pipeline.MemResult]
	writeback *pipeline.Writeback

	decoder Decoder
	alu     ALU

	regWritePort   *kernel.CyclicArbitratedPort
	allocQueuePort *kernel.CyclicArbitratedPort

	dispatch *networkDispatch

	cfgForwardingStages     int
	cfgLoadBalanceThreshold int

	otherCores map[ids.PID]*Core
}

// Builder constructs a Core: an engine/frequency plus chained With*
// configuration.
type Builder struct {
	engine  sim.Engine
	freq    sim.Freq
	cfg     Config
	decoder Decoder
	alu     ALU
	l2      dcache.Backend
}

// NewBuilder starts a Builder with DefaultConfig and a default
// decoder/ALU stand-in for the external instruction-set collaborator.
func NewBuilder() Builder {
	return Builder{cfg: DefaultConfig(), decoder: DefaultDecoder{}, alu: DefaultALU{}}
}

func (b Builder) WithEngine(engine sim.Engine) Builder { b.engine = engine; return b }
func (b Builder) WithFreq(freq sim.Freq) Builder        { b.freq = freq; return b }
func (b Builder) WithConfig(cfg Config) Builder         { b.cfg = cfg; return b }
func (b Builder) WithDecoder(d Decoder) Builder         { b.decoder = d; return b }
func (b Builder) WithALU(a ALU) Builder                 { b.alu = a; return b }

// WithMemory attaches the COMA L2 (or any dcache.Backend) this core's
// D-cache issues misses through.
func (b Builder) WithMemory(l2 dcache.Backend) Builder { b.l2 = l2; return b }

// Build wires every component for one core and registers its processes
// with a fresh kernel.Kernel.
func (b Builder) Build(name string, pid ids.PID) *Core {
	cfg := b.cfg

	c := &Core{
		PID:        pid,
		Families:   famtable.NewTable(cfg.FamilyTablePools),
		Threads:    threadtable.NewTable(cfg.ThreadTablePools),
		Regs:       regfile.NewFile(cfg.IntRegisters, cfg.FloatRegisters),
		ICache:     icache.NewCache(cfg.ICacheLines, cfg.CacheLineSize),
		Wire:       cfg.Wire,
		// Sized to the whole thread table so an end-of-line requeue can
		// never drop a live thread.
		ready: kernel.NewBuffer[ids.TID]("readyThreads1",
			cfg.ThreadTablePools[0]+cfg.ThreadTablePools[1]+cfg.ThreadTablePools[2]),
		decoder:             b.decoder,
		alu:                 b.alu,
		cfgForwardingStages:     cfg.ForwardingStages,
		cfgLoadBalanceThreshold: cfg.LoadBalanceThreshold,
		otherCores:              make(map[ids.PID]*Core),
	}

	intRA, err := raunit.NewUnit(cfg.IntRegisters, cfg.RegBlockSize, cfg.ReservedBlocks)
	if err != nil {
		panic(fmt.Sprintf("core: integer RA unit: %v", err))
	}
	floatRA, err := raunit.NewUnit(cfg.FloatRegisters, cfg.RegBlockSize, cfg.ReservedBlocks)
	if err != nil {
		panic(fmt.Sprintf("core: float RA unit: %v", err))
	}
	c.IntRA, c.FloatRA = intRA, floatRA

	backend := b.l2
	if backend == nil {
		backend = noopBackend{}
	}
	c.DCache = dcache.NewCache(cfg.DCacheLines, cfg.CacheLineSize, backend)
	c.ICache.SetBackend(backend)

	c.Net = network.NewCore(pid)

	rw := &registerAdapter{core: c, regs: c.Regs}
	c.FPU = fpu.New(rw, cfg.FPULatencies)

	c.Alloc = allocator.New(pid, c.Families, c.Threads, c.IntRA, c.ICache,
		&linkAdapter{core: c}, &remoteAdapter{core: c}, cfg.QueueSize, cfg.Wire)
	c.Alloc.SetActivationHook(func(tid ids.TID) {
		if c.ready.Push(tid) {
			c.ready.Commit()
		}
	})

	c.buildPipeline(rw)

	c.dispatch = newNetworkDispatch(c)

	c.regWritePort = kernel.NewCyclicArbitratedPort("RegisterWritePort",
		[]string{"Writeback", "NetworkDispatch"})
	c.allocQueuePort = kernel.NewCyclicArbitratedPort("AllocationQueuePort",
		[]string{"ThreadAllocationCycle", "CreateCycle"})
	c.writeback.SetArbiter(c.regWritePort, "Writeback")
	c.Alloc.SetAllocationPort(c.allocQueuePort, "ThreadAllocationCycle", "CreateCycle")

	flushers := []pipeline.LatchFlusher{
		c.latchFetched, c.latchDecoded, c.latchRead, c.latchExec, c.latchMem,
	}
	for _, fl := range c.fwdLatches {
		flushers = append(flushers, fl)
	}
	seq := pipeline.NewSequencer(c.fetch.Switch, flushers...)
	c.decode.SetSequencer(seq)
	c.read.SetSequencer(seq)
	c.writeback.SetSequencer(seq)

	c.Kernel = kernel.NewKernel(name, b.engine, b.freq)
	c.Kernel.AddArbiter(c.regWritePort)
	c.Kernel.AddArbiter(c.allocQueuePort)
	c.Kernel.AddProcess(&kernel.ProcessFunc{ProcName: "ThreadAllocationCycle", Fn: c.Alloc.ThreadAllocationCycle})
	c.Kernel.AddProcess(&kernel.ProcessFunc{ProcName: "FamilyAllocationCycle", Fn: c.Alloc.FamilyAllocationCycle})
	c.Kernel.AddProcess(&kernel.ProcessFunc{ProcName: "CreateCycle", Fn: c.Alloc.CreateCycle})
	c.Kernel.AddProcess(c.FPU)
	c.Kernel.AddProcess(c.dispatch)
	c.Kernel.AddProcess(stageProcess{c.fetch})
	c.Kernel.AddProcess(stageProcess{c.decode})
	c.Kernel.AddProcess(stageProcess{c.read})
	c.Kernel.AddProcess(stageProcess{c.execute})
	c.Kernel.AddProcess(stageProcess{c.memory})
	for _, fw := range c.forwards {
		c.Kernel.AddProcess(stageProcess{fw})
	}
	c.Kernel.AddProcess(stageProcess{c.writeback})
	c.Kernel.AddProcess(&latchCommitter{c})

	return c
}

func (c *Core) buildPipeline(rw *registerAdapter) {
	c.latchFetched = pipeline.NewLatch[pipeline.FetchedLine]("Fetch->Decode")
	c.latchDecoded = pipeline.NewLatch[pipeline.DecodedInstr]("Decode->Read")
	c.latchRead = pipeline.NewLatch[pipeline.ReadInstr]("Read->Execute")
	c.latchExec = pipeline.NewLatch[pipeline.ExecResult]("Execute->Memory")
	c.latchMem = pipeline.NewLatch[pipeline.MemResult]("Memory->Writeback")

	ts := &threadSourceAdapter{core: c}
	c.fetch = pipeline.NewFetch(ts, c.ICache, c.latchFetched)
	if term, ok := c.decoder.(ThreadTerminator); ok {
		c.fetch.SetEndOfThread(term.EndOfThread, func(tid ids.TID) {
			c.Alloc.Kill(tid)
		})
	}
	c.decode = pipeline.NewDecode(c.latchFetched, c.latchDecoded, c.decoder)

	rr := &registerAdapter{core: c, regs: c.Regs}
	c.read = pipeline.NewRead(c.latchDecoded, c.latchRead, rr, c.fetch.Switch)

	c.execute = pipeline.NewExecute(c.latchRead, c.latchExec, c.alu.Eval, func(tid ids.TID) bool {
		t := c.Threads.Get(tid)
		return t != nil && t.Deps.NumPendingWrites > 0
	})
	c.execute.SetFamilyOps(&familyOpsAdapter{core: c})

	c.memory = pipeline.NewMemory(c.latchExec, c.latchMem, c.DCache,
		func(reg ids.RegAddr, fam ids.LFID, addr ids.MemAddr, size int) {
			if f := c.Families.Get(fam); f != nil {
				f.Deps.NumPendingReads++
			}
			_ = c.Regs.MarkPending(reg, regfile.FillInfo{Family: fam, Addr: addr, Size: size})
		},
		func(tid ids.TID) {
			t := c.Threads.Get(tid)
			if t != nil {
				t.Deps.NumPendingWrites++
			}
		})

	// Optional forwarding stages push the Memory->Writeback distance out;
	// Writeback always reads the chain's final latch.
	wbIn := c.latchMem
	for i := 0; i < c.cfgForwardingStages; i++ {
		out := pipeline.NewLatch[pipeline.MemResult](fmt.Sprintf("Forward[%d]->", i))
		fw := pipeline.NewForward(fmt.Sprintf("Forward[%d]", i), wbIn, out)
		c.forwards = append(c.forwards, fw)
		c.fwdLatches = append(c.fwdLatches, out)
		wbIn = out
	}

	c.writeback = pipeline.NewWriteback(wbIn, rw, &forwardAdapter{core: c},
		func(ids.RegAddr) (ids.PID, bool) { return ids.NonePID, false },
		func(tids []ids.TID) {
			for _, tid := range tids {
				if c.ready.Push(tid) {
					c.ready.Commit()
				}
			}
		})
}

// ConnectRing wires prev/next into this core's network.Core, forming one
// link in a place's ring.
func (c *Core) ConnectRing(prev, next *Core) {
	if prev != nil {
		c.Net.Prev = prev.Net
	}
	if next != nil {
		c.Net.Next = next.Net
	}
}

// RegisterPeer lets this core address another by PID over the delegation
// channel (register traffic, create broadcast replies).
func (c *Core) RegisterPeer(peer *Core) {
	c.otherCores[peer.PID] = peer
}

// stageProcess adapts a pipeline.Stage to kernel.Process. It does not
// commit any latch itself: every stage runs its full Run(true) logic
// (staging, never committing, its output) during the shared commit phase,
// and a single latchCommitter process registered after every stage
// applies all five staged writes at once, so an instruction can advance at
// most one stage per cycle instead of cascading Fetch through Writeback
// within the same tick.
type stageProcess struct {
	s pipeline.Stage
}

func (p stageProcess) Name() string { return p.s.Name() }

func (p stageProcess) Step(committing bool) kernel.Result {
	res := p.s.Run(committing)
	switch res {
	case pipeline.SUCCESS, pipeline.FLUSH:
		return kernel.SUCCESS
	case pipeline.DELAY:
		return kernel.DELAYED
	default: // STALL
		return kernel.FAILED
	}
}

// latchCommitter applies every inter-stage latch's staged write once, after
// every stageProcess in the same commit phase has already run. It is
// registered last so its Step always observes this cycle's final staged
// values, never a value a later stage already consumed and restaged.
type latchCommitter struct {
	c *Core
}

func (l *latchCommitter) Name() string { return "LatchCommit" }

func (l *latchCommitter) Step(committing bool) kernel.Result {
	if committing {
		l.c.latchFetched.Commit()
		l.c.latchDecoded.Commit()
		l.c.latchRead.Commit()
		l.c.latchExec.Commit()
		l.c.latchMem.Commit()
		for _, fl := range l.c.fwdLatches {
			fl.Commit()
		}
	}
	return kernel.SUCCESS
}

type noopBackend struct{}

func (noopBackend) IssueRead(ids.MemAddr, int) bool         { return false }
func (noopBackend) IssueWrite(ids.MemAddr, []byte) bool     { return false }
