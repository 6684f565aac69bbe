package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/microgrid/icache"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/pipeline"
)

var _ = Describe("Execute", func() {
	It("computes a result and flushes when the thread has pending writes", func() {
		in := pipeline.NewLatch[pipeline.ReadInstr]("read")
		out := pipeline.NewLatch[pipeline.ExecResult]("exec")
		in.Stage(pipeline.ReadInstr{
			DecodedInstr: pipeline.DecodedInstr{Thread: ids.TID(1)},
			ValA:         2, ValB: 3,
		}, ids.TID(1))
		in.Commit()

		pendingWrites := false
		alu := func(op uint32, a, b uint64) (uint64, bool) { return a + b, false }
		stage := pipeline.NewExecute(in, out, alu, func(ids.TID) bool { return pendingWrites })

		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		out.Commit()
		r, ok := out.Peek()
		Expect(ok).To(BeTrue())
		Expect(r.Result).To(Equal(uint64(5)))

		in.Stage(pipeline.ReadInstr{DecodedInstr: pipeline.DecodedInstr{Thread: ids.TID(2)}}, ids.TID(2))
		in.Commit()
		pendingWrites = true
		Expect(stage.Run(true)).To(Equal(pipeline.FLUSH))
	})
})

type fakeRegWriter struct {
	written map[ids.RegAddr]uint64
	woken   []ids.TID
}

func (f *fakeRegWriter) WriteResult(addr ids.RegAddr, v uint64) ([]ids.TID, error) {
	if f.written == nil {
		f.written = map[ids.RegAddr]uint64{}
	}
	f.written[addr] = v
	return f.woken, nil
}

type fakeForwarder struct {
	forwarded bool
}

func (f *fakeForwarder) ForwardRegister(pid ids.PID, addr ids.RegAddr, v uint64) {
	f.forwarded = true
}

var _ = Describe("Writeback", func() {
	It("writes a local destination and reactivates waiters", func() {
		in := pipeline.NewLatch[pipeline.MemResult]("mem")
		regs := &fakeRegWriter{woken: []ids.TID{ids.TID(4)}}
		fwd := &fakeForwarder{}
		var reactivated []ids.TID

		dest := ids.RegAddr{Type: ids.Integer, Index: 3}
		in.Stage(pipeline.MemResult{
			ExecResult: pipeline.ExecResult{ReadInstr: pipeline.ReadInstr{
				DecodedInstr: pipeline.DecodedInstr{Dest: dest},
			}},
			Value: 99,
		}, ids.TID(1))
		in.Commit()

		stage := pipeline.NewWriteback(in, regs, fwd, func(ids.RegAddr) (ids.PID, bool) { return 0, false },
			func(w []ids.TID) { reactivated = w })

		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		Expect(regs.written[dest]).To(Equal(uint64(99)))
		Expect(reactivated).To(ConsistOf(ids.TID(4)))
		Expect(fwd.forwarded).To(BeFalse())
	})

	It("forwards a remote destination instead of writing locally", func() {
		in := pipeline.NewLatch[pipeline.MemResult]("mem")
		regs := &fakeRegWriter{}
		fwd := &fakeForwarder{}

		in.Stage(pipeline.MemResult{}, ids.TID(1))
		in.Commit()

		stage := pipeline.NewWriteback(in, regs, fwd, func(ids.RegAddr) (ids.PID, bool) { return ids.PID(2), true }, nil)

		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		Expect(fwd.forwarded).To(BeTrue())
		Expect(regs.written).To(BeEmpty())
	})
})

type fakeFamilyOps struct {
	breaks  []ids.LFID
	creates []uint64
	allocOK bool
	allocs  int
}

func (f *fakeFamilyOps) Allocate(place uint64, ret ids.RegAddr, tid ids.TID) (bool, error) {
	f.allocs++
	return f.allocOK, nil
}
func (f *fakeFamilyOps) Create(fid uint64, pc ids.MemAddr, ret ids.RegAddr) (bool, error) {
	f.creates = append(f.creates, fid)
	return true, nil
}
func (f *fakeFamilyOps) Sync(fid uint64, ret ids.RegAddr) (bool, error)   { return true, nil }
func (f *fakeFamilyOps) Detach(fid uint64) (bool, error)                  { return true, nil }
func (f *fakeFamilyOps) Break(own ids.LFID) (bool, error) {
	f.breaks = append(f.breaks, own)
	return true, nil
}
func (f *fakeFamilyOps) SetProperty(fid uint64, prop uint8, v uint64) (bool, error) {
	return true, nil
}

var _ = Describe("Execute family operations", func() {
	build := func(ops pipeline.FamilyOps) (*pipeline.Latch[pipeline.ReadInstr], *pipeline.Latch[pipeline.ExecResult], *pipeline.Execute) {
		in := pipeline.NewLatch[pipeline.ReadInstr]("read")
		out := pipeline.NewLatch[pipeline.ExecResult]("exec")
		stage := pipeline.NewExecute(in, out, func(op uint32, a, b uint64) (uint64, bool) { return a, false }, nil)
		stage.SetFamilyOps(ops)
		return in, out, stage
	}

	It("dispatches a break into the allocator instead of the ALU", func() {
		ops := &fakeFamilyOps{}
		in, out, stage := build(ops)
		in.Stage(pipeline.ReadInstr{
			DecodedInstr: pipeline.DecodedInstr{
				Thread: ids.TID(1), Family: ids.LFID(7), FamilyOp: pipeline.FamBreak,
			},
		}, ids.TID(1))
		in.Commit()

		stage.Run(false)
		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		out.Commit()

		Expect(ops.breaks).To(ConsistOf(ids.LFID(7)))
		er, ok := out.Peek()
		Expect(ok).To(BeTrue())
		Expect(er.IsFamilyOp).To(BeTrue())
	})

	It("holds the instruction while the allocator cannot accept it", func() {
		ops := &fakeFamilyOps{allocOK: false}
		in, _, stage := build(ops)
		in.Stage(pipeline.ReadInstr{
			DecodedInstr: pipeline.DecodedInstr{Thread: ids.TID(1), FamilyOp: pipeline.FamAllocate},
		}, ids.TID(1))
		in.Commit()

		stage.Run(false)
		Expect(stage.Run(true)).To(Equal(pipeline.DELAY))
		Expect(in.Empty()).To(BeFalse())

		ops.allocOK = true
		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		Expect(ops.allocs).To(Equal(2))
		Expect(in.Empty()).To(BeTrue())
	})
})

type fakeThreadSource struct {
	queue    []ids.TID
	pcs      map[ids.TID]ids.MemAddr
	requeued []ids.TID
}

func (s *fakeThreadSource) NextReadyThread() (ids.TID, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	tid := s.queue[0]
	s.queue = s.queue[1:]
	return tid, true
}

func (s *fakeThreadSource) ThreadPC(tid ids.TID) ids.MemAddr     { return s.pcs[tid] }
func (s *fakeThreadSource) ThreadFamily(tid ids.TID) ids.LFID    { return ids.LFID(1) }
func (s *fakeThreadSource) AdvancePC(tid ids.TID, pc ids.MemAddr) { s.pcs[tid] = pc }
func (s *fakeThreadSource) Requeue(tid ids.TID)                  { s.requeued = append(s.requeued, tid) }

type fakeLineFetcher struct {
	words map[ids.MemAddr]uint32
}

func (f *fakeLineFetcher) ThreadFetch(pc ids.MemAddr, size int, tid ids.TID) (ids.CID, icache.Result) {
	return 0, icache.SUCCESS
}

func (f *fakeLineFetcher) Read(cid ids.CID, addr ids.MemAddr, dst []byte, size int) error {
	w := f.words[addr]
	dst[0], dst[1], dst[2], dst[3] = byte(w), byte(w>>8), byte(w>>16), byte(w>>24)
	return nil
}

func (f *fakeLineFetcher) LineSize() int { return 64 }

var _ = Describe("Fetch", func() {
	It("stages the fetched word and advances the thread's PC", func() {
		src := &fakeThreadSource{queue: []ids.TID{ids.TID(3)}, pcs: map[ids.TID]ids.MemAddr{3: 8}}
		lines := &fakeLineFetcher{words: map[ids.MemAddr]uint32{8: 0x11223344}}
		out := pipeline.NewLatch[pipeline.FetchedLine]("fetch")
		stage := pipeline.NewFetch(src, lines, out)

		stage.Run(false)
		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		out.Commit()

		fl, ok := out.Peek()
		Expect(ok).To(BeTrue())
		Expect(fl.Word).To(Equal(uint32(0x11223344)))
		Expect(fl.Thread).To(Equal(ids.TID(3)))
		Expect(src.pcs[ids.TID(3)]).To(Equal(ids.MemAddr(12)))
	})

	It("ends the thread on the control word instead of staging it", func() {
		src := &fakeThreadSource{queue: []ids.TID{ids.TID(3)}, pcs: map[ids.TID]ids.MemAddr{3: 8}}
		lines := &fakeLineFetcher{words: map[ids.MemAddr]uint32{8: 0}}
		out := pipeline.NewLatch[pipeline.FetchedLine]("fetch")
		stage := pipeline.NewFetch(src, lines, out)

		var ended []ids.TID
		stage.SetEndOfThread(func(w uint32) bool { return w == 0 },
			func(tid ids.TID) { ended = append(ended, tid) })

		stage.Run(false)
		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		out.Commit()

		_, ok := out.Peek()
		Expect(ok).To(BeFalse())
		Expect(ended).To(ConsistOf(ids.TID(3)))
		Expect(src.pcs[ids.TID(3)]).To(Equal(ids.MemAddr(8)))
	})

	It("requeues and switches at the end of a cache line", func() {
		src := &fakeThreadSource{queue: []ids.TID{ids.TID(3)}, pcs: map[ids.TID]ids.MemAddr{3: 60}}
		lines := &fakeLineFetcher{words: map[ids.MemAddr]uint32{60: 0x1}}
		out := pipeline.NewLatch[pipeline.FetchedLine]("fetch")
		stage := pipeline.NewFetch(src, lines, out)

		stage.Run(false)
		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))

		Expect(src.requeued).To(ConsistOf(ids.TID(3)))
		Expect(src.pcs[ids.TID(3)]).To(Equal(ids.MemAddr(64)))
	})
})

var _ = Describe("Forward", func() {
	It("moves a record one latch downstream per commit", func() {
		in := pipeline.NewLatch[pipeline.MemResult]("mem")
		out := pipeline.NewLatch[pipeline.MemResult]("fw")
		stage := pipeline.NewForward("Forward[0]", in, out)

		in.Stage(pipeline.MemResult{Value: 7}, ids.TID(1))
		in.Commit()

		stage.Run(false)
		Expect(stage.Run(true)).To(Equal(pipeline.SUCCESS))
		out.Commit()

		mr, ok := out.Peek()
		Expect(ok).To(BeTrue())
		Expect(mr.Value).To(Equal(uint64(7)))
		Expect(in.Empty()).To(BeTrue())
	})

	It("stalls while its output latch is occupied", func() {
		in := pipeline.NewLatch[pipeline.MemResult]("mem")
		out := pipeline.NewLatch[pipeline.MemResult]("fw")
		stage := pipeline.NewForward("Forward[0]", in, out)

		out.Stage(pipeline.MemResult{}, ids.TID(9))
		out.Commit()
		in.Stage(pipeline.MemResult{}, ids.TID(1))
		in.Commit()

		Expect(stage.Run(true)).To(Equal(pipeline.STALL))
		Expect(in.Empty()).To(BeFalse())
	})
})
