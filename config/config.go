// Package config builds a complete Microgrid place out of the per-core
// Builder and the COMA memory hierarchy: a fixed-size ring
// of cores sharing one coherence group and DDR channel.
package config

import (
	"fmt"

	"github.com/sarchlab/akita/v4/mem/idealmemcontroller"
	"github.com/sarchlab/akita/v4/mem/mem"
	"github.com/sarchlab/akita/v4/monitoring"
	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/microgrid/coma"
	"github.com/sarchlab/microgrid/core"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/kernel"
)

// Grid is a booted place: its cores, the shared COMA coherence group they
// issue memory traffic through, and the memory subsystem's own kernel.
type Grid struct {
	Name   string
	Cores  []*core.Core
	Ring   *coma.RingSystem
	DDR    *coma.DDRChannel
	Memory *kernel.Kernel
}

// GridBuilder assembles a Grid: a place-ring of cores backed by one COMA
// hierarchy and DDR channel per grid.
type GridBuilder struct {
	engine     sim.Engine
	freq       sim.Freq
	monitor    *monitoring.Monitor
	numCores   int
	coreConfig core.Config
	ddrSize    uint64
	ddrLatency int
}

// NewGridBuilder starts a GridBuilder with a small default grid, suitable
// for unit tests.
func NewGridBuilder() GridBuilder {
	return GridBuilder{
		freq:       1 * sim.GHz,
		numCores:   4,
		coreConfig: core.DefaultConfig(),
		ddrSize:    4 * mem.GB,
		ddrLatency: 50,
	}
}

func (b GridBuilder) WithEngine(e sim.Engine) GridBuilder               { b.engine = e; return b }
func (b GridBuilder) WithFreq(f sim.Freq) GridBuilder                   { b.freq = f; return b }
func (b GridBuilder) WithMonitor(m *monitoring.Monitor) GridBuilder     { b.monitor = m; return b }
func (b GridBuilder) WithNumCores(n int) GridBuilder                    { b.numCores = n; return b }
func (b GridBuilder) WithCoreConfig(cfg core.Config) GridBuilder        { b.coreConfig = cfg; return b }
func (b GridBuilder) WithDDRSize(bytes uint64) GridBuilder              { b.ddrSize = bytes; return b }
func (b GridBuilder) WithDDRLatency(cycles int) GridBuilder             { b.ddrLatency = cycles; return b }

// Build constructs numCores cores, one COMA coherence group sized to
// match, and wires the place ring and delegation peers between every
// core.
func (b GridBuilder) Build(name string) *Grid {
	if b.numCores <= 0 {
		panic("config: grid requires at least one core")
	}

	// The FID wire format is a grid-level derivation: P bits for the grid
	// size, F bits for the family-table slots per core.
	famSlots := b.coreConfig.FamilyTablePools[0] +
		b.coreConfig.FamilyTablePools[1] + b.coreConfig.FamilyTablePools[2]
	b.coreConfig.Wire = ids.NewWireFormat(b.numCores, famSlots)

	ring := coma.NewRingBuffer(b.numCores * 4)
	ddrCtrl := idealmemcontroller.MakeBuilder().
		WithEngine(b.engine).
		WithNewStorage(b.ddrSize).
		WithLatency(b.ddrLatency).
		Build(name + ".DDR")
	ddr := coma.NewDDRChannel(name+".DDR", ddrCtrl, uint64(b.ddrLatency))
	dir := coma.NewDirectory(0, b.numCores)
	root := coma.NewRootDirectory(b.coreConfig.CacheLineSize, b.numCores, ddr)

	l2s := make([]*coma.L2, b.numCores)
	cores := make([]*core.Core, b.numCores)

	ringSys := coma.NewRingSystem(name+".Ring", l2s, ring, dir, root, ddr)

	for i := 0; i < b.numCores; i++ {
		l2 := coma.NewL2(i, b.coreConfig.DCacheLines, b.coreConfig.CacheLineSize, b.numCores, ring)
		l2s[i] = l2

		coreName := fmt.Sprintf("%s.Core[%d]", name, i)
		c := core.NewBuilder().
			WithEngine(b.engine).
			WithFreq(b.freq).
			WithConfig(b.coreConfig).
			WithMemory(l2).
			Build(coreName, ids.PID(i))

		l2.RegisterClient(c)

		if b.monitor != nil {
			b.monitor.RegisterComponent(c)
		}
		cores[i] = c
	}

	for i := 0; i < b.numCores; i++ {
		prev := cores[(i-1+b.numCores)%b.numCores]
		next := cores[(i+1)%b.numCores]
		cores[i].ConnectRing(prev, next)
		for j := 0; j < b.numCores; j++ {
			if i != j {
				cores[i].RegisterPeer(cores[j])
			}
		}
	}

	memKernel := kernel.NewKernel(name+".Memory", b.engine, b.freq)
	memKernel.AddProcess(ringSys)
	memKernel.AddProcess(ddr)

	if b.monitor != nil {
		b.monitor.RegisterComponent(memKernel)
		if comp := ddr.Component(); comp != nil {
			b.monitor.RegisterComponent(comp)
		}
	}

	return &Grid{Name: name, Cores: cores, Ring: ringSys, DDR: ddr, Memory: memKernel}
}
