package config_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/akita/v4/sim"
	"github.com/sarchlab/microgrid/allocator"
	"github.com/sarchlab/microgrid/config"
	"github.com/sarchlab/microgrid/core"
	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/regfile"
)

func buildGrid(name string, cores int) (*config.Grid, func(cycles int)) {
	engine := sim.NewSerialEngine()
	grid := config.NewGridBuilder().
		WithEngine(engine).
		WithFreq(1 * sim.GHz).
		WithNumCores(cores).
		Build(name)
	run := func(cycles int) {
		for i := 0; i < cycles; i++ {
			for _, c := range grid.Cores {
				c.Kernel.Tick()
			}
			grid.Memory.Tick()
		}
	}
	return grid, run
}

var _ = Describe("GridBuilder", func() {
	It("wires a place-ring grid with a shared COMA group", func() {
		engine := sim.NewSerialEngine()
		grid := config.NewGridBuilder().
			WithEngine(engine).
			WithFreq(1 * sim.GHz).
			WithNumCores(4).
			Build("Grid0")

		Expect(grid.Cores).To(HaveLen(4))
		Expect(grid.Ring).NotTo(BeNil())
		Expect(grid.DDR).NotTo(BeNil())
		Expect(grid.Memory).NotTo(BeNil())
	})

	It("seeds and advances a root family across the whole grid without panicking", func() {
		engine := sim.NewSerialEngine()
		grid := config.NewGridBuilder().
			WithEngine(engine).
			WithFreq(1 * sim.GHz).
			WithNumCores(2).
			Build("Grid1")

		grid.Cores[0].Preload(core.Program{Base: 60, Words: []uint32{0, 0, 0}})
		_, ok := grid.Cores[0].SeedFamily(core.FamilySpec{
			PC: 68, Start: 0, Limit: 4, Step: 1, Block: 4,
		})
		Expect(ok).To(BeTrue())

		Expect(func() {
			for i := 0; i < 32; i++ {
				for _, c := range grid.Cores {
					c.Kernel.Tick()
				}
				grid.Memory.Tick()
			}
		}).NotTo(Panic())
	})

	It("runs a finite family to completion and reclaims every slot", func() {
		grid, run := buildGrid("Grid2", 1)
		c := grid.Cores[0]

		// The preamble word precedes the entry PC; the entry word itself is
		// the end-of-thread control word, so each thread retires on its
		// first fetch.
		c.Preload(core.Program{Base: 60, Words: []uint32{0, 0, 0}})
		_, ok := c.SeedFamily(core.FamilySpec{
			PC: 68, Start: 0, Limit: 4, Step: 1, Block: 4,
		})
		Expect(ok).To(BeTrue())

		run(128)

		Expect(c.Families.UsedCount()).To(BeZero())
		Expect(c.Threads.UsedCount()).To(BeZero())
		Expect(c.Families.CheckInvariant()).To(Succeed())
		Expect(c.Threads.CheckInvariant()).To(Succeed())
	})

	It("creates a place-wide family across two cores and synchronizes back", func() {
		grid, run := buildGrid("Grid3", 2)
		c0 := grid.Cores[0]
		syncReg := ids.RegAddr{Type: ids.Integer, Index: 12}

		for _, c := range grid.Cores {
			c.Preload(core.Program{Base: 60, Words: []uint32{0, 0, 0}})
		}
		_, ok := c0.SeedFamily(core.FamilySpec{
			PC: 68, Start: 0, Limit: 8, Step: 1, Block: 4,
			PlaceSize: 2, SyncPID: 0, SyncReg: syncReg,
		})
		Expect(ok).To(BeTrue())

		run(256)

		for _, c := range grid.Cores {
			Expect(c.Families.UsedCount()).To(BeZero())
			Expect(c.Threads.UsedCount()).To(BeZero())
			Expect(c.Families.CheckInvariant()).To(Succeed())
		}
		r, err := c0.Regs.Read(syncReg)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.State).To(Equal(regfile.FULL))
		Expect(r.Value.Int).To(Equal(uint64(1)))
	})

	It("unwinds a partial place-wide allocation to the largest power of two", func() {
		grid, run := buildGrid("Grid4", 3)
		c0 := grid.Cores[0]
		retReg := ids.RegAddr{Type: ids.Integer, Index: 40}

		Expect(c0.Alloc.RequestAllocation(allocator.AllocRequest{
			RequesterPID: 0, RequesterReg: retReg,
			PlaceSize: 4, Suspend: true,
		})).To(BeTrue())

		run(32)

		r, err := c0.Regs.Read(retReg)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.State).To(Equal(regfile.FULL))

		fid := c0.Wire.UnpackFID(ids.Word(r.Value.Int))
		origin := c0.Families.Get(fid.LFID)
		Expect(origin.NumCores).To(Equal(uint32(2)))
		Expect(origin.LinkNext).NotTo(Equal(ids.NoneLFID))

		Expect(grid.Cores[1].Families.UsedCount()).To(Equal(1))
		Expect(grid.Cores[2].Families.UsedCount()).To(BeZero())
	})

	It("releases the whole chain when an exact allocation cannot be satisfied", func() {
		grid, run := buildGrid("Grid5", 3)
		c0 := grid.Cores[0]
		retReg := ids.RegAddr{Type: ids.Integer, Index: 41}

		Expect(c0.Alloc.RequestAllocation(allocator.AllocRequest{
			RequesterPID: 0, RequesterReg: retReg,
			PlaceSize: 4, Exact: true,
		})).To(BeTrue())

		run(32)

		for _, c := range grid.Cores {
			Expect(c.Families.UsedCount()).To(BeZero())
			Expect(c.Families.CheckInvariant()).To(Succeed())
		}
		r, err := c0.Regs.Read(retReg)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.State).To(Equal(regfile.FULL))
		Expect(r.Value.Int).To(BeZero())
	})

	It("stops a family from its own thread's break instruction", func() {
		grid, run := buildGrid("Grid7", 1)
		c := grid.Cores[0]
		syncReg := ids.RegAddr{Type: ids.Integer, Index: 12}

		// Preamble at 64, a BREAK at the entry PC, then the end-of-thread
		// control word: without the break the family would run forever.
		c.Preload(core.Program{Base: 60, Words: []uint32{0, 0, 0x14, 0}})
		_, ok := c.SeedFamily(core.FamilySpec{
			PC: 68, Start: 0, Limit: int64(1) << 40, Step: 1, Block: 1,
			SyncPID: 0, SyncReg: syncReg,
		})
		Expect(ok).To(BeTrue())

		run(128)

		Expect(c.Families.UsedCount()).To(BeZero())
		Expect(c.Threads.UsedCount()).To(BeZero())
		r, err := c.Regs.Read(syncReg)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.State).To(Equal(regfile.FULL))
		Expect(r.Value.Int).To(Equal(uint64(1)))
	})

	It("propagates a break across a three-core place", func() {
		grid, run := buildGrid("Grid6", 3)
		c0, c1 := grid.Cores[0], grid.Cores[1]
		syncReg := ids.RegAddr{Type: ids.Integer, Index: 12}

		for _, c := range grid.Cores {
			c.Preload(core.Program{Base: 60, Words: []uint32{0, 0, 0}})
		}
		// An effectively unbounded iteration space: only a break ends it.
		_, ok := c0.SeedFamily(core.FamilySpec{
			PC: 68, Start: 0, Limit: int64(1) << 40, Step: 1, Block: 2,
			PlaceSize: 3, SyncPID: 0, SyncReg: syncReg,
		})
		Expect(ok).To(BeTrue())

		run(64) // the place is running on all three cores by now

		lfids := c1.Families.UsedLFIDs()
		Expect(lfids).To(HaveLen(1))
		mid := c1.Families.Get(lfids[0])
		Expect(mid.State).To(Equal(famtable.ACTIVE))
		Expect(c1.Alloc.Break(ids.FID{PID: 1, LFID: lfids[0], Capability: mid.Capability})).To(Succeed())

		run(256)

		for _, c := range grid.Cores {
			Expect(c.Families.UsedCount()).To(BeZero())
			Expect(c.Threads.UsedCount()).To(BeZero())
		}
		r, err := c0.Regs.Read(syncReg)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.State).To(Equal(regfile.FULL))
		Expect(r.Value.Int).To(Equal(uint64(1)))
	})
})
