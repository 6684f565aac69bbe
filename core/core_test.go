package core_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/microgrid/core"
	"github.com/sarchlab/microgrid/dcache"
	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/icache"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/pipeline"
	"github.com/sarchlab/microgrid/regfile"
)

// acceptBackend accepts every issued request and completes none of them on
// its own; tests drive the completion callbacks by hand.
type acceptBackend struct{}

func (acceptBackend) IssueRead(ids.MemAddr, int) bool     { return true }
func (acceptBackend) IssueWrite(ids.MemAddr, []byte) bool { return true }

var _ = Describe("Core", func() {
	var (
		engine sim.Engine
		c      *core.Core
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		c = core.NewBuilder().
			WithEngine(engine).
			WithFreq(1 * sim.GHz).
			Build("Core0", ids.PID(0))
	})

	It("starts with every family-table pool accounted for", func() {
		total := c.Families.FreeCount(famtable.NORMAL) +
			c.Families.FreeCount(famtable.RESERVED) +
			c.Families.FreeCount(famtable.EXCLUSIVE) +
			c.Families.UsedCount()
		Expect(total).To(Equal(c.Families.Size()))
	})

	It("seeds a local family and queues it for the create state machine", func() {
		lfid, ok := c.SeedFamily(core.FamilySpec{
			PC: 64, Start: 0, Limit: 10, Step: 1, Block: 4,
		})
		Expect(ok).To(BeTrue())

		entry := c.Families.Get(lfid)
		Expect(entry).NotTo(BeNil())
		Expect(entry.State).To(Equal(famtable.CREATE_QUEUED))
		Expect(entry.NThreads).To(Equal(uint64(10)))
	})

	It("preloads a program image into the I-cache without blocking", func() {
		prog := core.Program{Base: 0, Words: []uint32{0x01020304, 0x05060708}}
		c.Preload(prog)

		dst := make([]byte, 4)
		cid, res := c.ICache.Fetch(0, 4)
		Expect(res).To(Equal(icache.SUCCESS))
		Expect(c.ICache.Read(cid, 0, dst, 4)).To(Succeed())
		Expect(c.ICache.ReleaseCacheLine(cid)).To(Succeed())
	})

	It("classifies family-management opcodes for the execute stage", func() {
		d := core.DefaultDecoder{}

		sync, err := d.Decode(0x12|(3<<8)|(0<<20), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(sync.FamilyOp).To(Equal(pipeline.FamSync))

		prop, err := d.Decode(0x19|(3<<8)|(4<<20), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(prop.FamilyOp).To(Equal(pipeline.FamSetProperty))
		Expect(prop.FamilyProp).To(Equal(uint8(1)))

		add, err := d.Decode(0x00|(3<<8)|(4<<20), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(add.FamilyOp).To(Equal(pipeline.FamNone))
	})

	It("completes a pending load through the memory callback surface", func() {
		cm := core.NewBuilder().
			WithEngine(engine).
			WithFreq(1 * sim.GHz).
			WithMemory(acceptBackend{}).
			Build("CoreM", ids.PID(0))

		lfid, ok := cm.SeedFamily(core.FamilySpec{PC: 64, Start: 0, Limit: 1, Step: 1, Block: 1})
		Expect(ok).To(BeTrue())
		fam := cm.Families.Get(lfid)
		fam.Deps.NumPendingReads = 1

		reg := ids.RegAddr{Type: ids.Integer, Index: 7}
		Expect(cm.Regs.MarkPending(reg, regfile.FillInfo{Family: lfid, Addr: 8, Size: 4})).To(Succeed())

		dst := make([]byte, 4)
		res, err := cm.DCache.Read(8, 4, lfid, reg, dst)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(dcache.DELAYED))

		line := make([]byte, 64)
		line[8], line[9] = 0x34, 0x12
		cm.OnMemoryReadCompleted(0, line)

		r, err := cm.Regs.Read(reg)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.State).To(Equal(regfile.FULL))
		Expect(r.Value.Int).To(Equal(uint64(0x1234)))
		Expect(fam.Deps.NumPendingReads).To(BeZero())
	})

	It("advances the create state machine across cycles without deadlocking", func() {
		// Preload the register-count preamble word preceding the entry PC
		// plus the entry line itself.
		c.Preload(core.Program{Base: 60, Words: []uint32{0, 0, 0}})

		_, ok := c.SeedFamily(core.FamilySpec{
			PC: 68, Start: 0, Limit: 4, Step: 1, Block: 4,
		})
		Expect(ok).To(BeTrue())

		Expect(func() {
			for i := 0; i < 16; i++ {
				c.Kernel.Tick()
			}
		}).NotTo(Panic())
	})
})
