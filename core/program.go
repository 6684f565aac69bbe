package core

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sarchlab/microgrid/famtable"
	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/network"
)

// Program is a flat instruction image plus the register-count preamble
// word every family entry PC is preceded by (the create state machine
// unpacks the register counts from the instruction preceding the entry
// PC). The image is flat word-addressed instruction memory.
type Program struct {
	Base  ids.MemAddr `yaml:"base"`
	Words []uint32    `yaml:"words"`
}

// yamlProgram is the on-disk shape for Program.
type yamlProgram struct {
	Base  uint64   `yaml:"base"`
	Words []uint32 `yaml:"words"`
}

// LoadProgramFromYAML parses a program image from YAML bytes.
func LoadProgramFromYAML(data []byte) (Program, error) {
	var y yamlProgram
	if err := yaml.Unmarshal(data, &y); err != nil {
		return Program{}, fmt.Errorf("core: parsing program yaml: %w", err)
	}
	return Program{Base: ids.MemAddr(y.Base), Words: y.Words}, nil
}

// Preload force-fills this core's I-cache with p's words, bypassing the
// outgoing-memory-read path: a program loader is the one legitimate
// caller that injects instruction bytes directly rather than through a
// miss/fill round trip.
func (c *Core) Preload(p Program) {
	lineSize := ids.MemAddr(c.ICache.LineSize())
	if lineSize == 0 || len(p.Words) == 0 {
		return
	}

	end := p.Base + ids.MemAddr(len(p.Words)*4)
	firstTag := (p.Base / lineSize) * lineSize

	for tag := firstTag; tag < end; tag += lineSize {
		data := make([]byte, lineSize)
		for i, w := range p.Words {
			waddr := p.Base + ids.MemAddr(i*4)
			if waddr < tag || waddr >= tag+lineSize {
				continue
			}
			off := int(waddr - tag)
			binary.LittleEndian.PutUint32(data[off:], w)
		}

		c.ICache.ForceFill(tag, data)
	}
}

// SeedFamily populates a fresh family-table entry directly (bypassing the
// family-allocation-request path a remote core would use) and queues it
// for the thread-allocation and create cycles, the way a program loader
// bootstraps the root family before the kernel has run any cycles. It
// returns the allocated LFID, or false if the family table has
// no free NORMAL entry.
func (c *Core) SeedFamily(spec FamilySpec) (ids.LFID, bool) {
	lfid, ok := c.Families.Allocate(famtable.NORMAL)
	if !ok {
		return 0, false
	}

	entry := c.Families.Get(lfid)
	entry.Capability = ids.NewCapability(c.Wire)
	entry.ParentPID = c.PID
	entry.LinkPrev = ids.NoneLFID
	entry.LinkNext = ids.NoneLFID
	entry.Start, entry.Limit, entry.Step = spec.Start, spec.Limit, spec.Step
	entry.Index = uint64(spec.Start)
	entry.PhysBlockSize = spec.Block
	entry.PlaceSize = spec.PlaceSize
	if entry.PlaceSize < 1 {
		entry.PlaceSize = 1
	}
	entry.NumCores = 1
	entry.PC = spec.PC
	entry.Legacy = spec.Legacy
	entry.DeriveNThreads()

	// A root family has no predecessor on a place chain and no parent
	// holding a detachable handle.
	entry.Deps.PrevSynchronized = true
	entry.Deps.Detached = true

	// A zero-valued rendezvous means "nobody is waiting": a spec literal
	// that never filled in SyncPID/SyncReg must not aim the completion
	// write at core 0's register 0.
	if spec.SyncPID == 0 && spec.SyncReg == (ids.RegAddr{}) {
		entry.Sync = famtable.Sync{PID: ids.NonePID}
	} else {
		entry.Sync = famtable.Sync{PID: spec.SyncPID, Reg: spec.SyncReg}
	}

	if entry.PlaceSize > 1 && c.Net.Next != nil {
		// Walk the ring collecting a context per core; the response
		// commits the place and queues the create (the entry PC is
		// already recorded, so the walk knows to).
		entry.State = famtable.ALLOCATED
		c.Net.SendNext(network.LinkMessage{
			Type:       network.LinkAllocate,
			PlaceSize:  int(entry.PlaceSize),
			Collected:  1,
			FirstPID:   c.PID,
			OriginPID:  ids.NonePID,
			LFID:       lfid,
			Capability: entry.Capability,
		})
		return lfid, true
	}

	entry.State = famtable.CREATE_QUEUED
	c.Alloc.QueueCreate(lfid)
	return lfid, true
}

// FamilySpec is the minimal iteration-space description SeedFamily
// needs: the family-entry fields a CREATE instruction would supply.
type FamilySpec struct {
	PC              ids.MemAddr
	Start, Limit, Step int64
	Block           uint32
	PlaceSize       uint32
	Legacy          bool
	SyncPID         ids.PID
	SyncReg         ids.RegAddr
}

// yamlFamilySpec is the on-disk shape for FamilySpec, loaded the same way a
// program image is: a flat YAML document next to the instruction words.
type yamlFamilySpec struct {
	PC        uint64 `yaml:"pc"`
	Start     int64  `yaml:"start"`
	Limit     int64  `yaml:"limit"`
	Step      int64  `yaml:"step"`
	Block     uint32 `yaml:"block"`
	PlaceSize uint32 `yaml:"place_size"`
	Legacy    bool   `yaml:"legacy"`
}

// LoadFamilySpecFromYAML parses the root family a program's entry point
// should be seeded with from YAML bytes.
func LoadFamilySpecFromYAML(data []byte) (FamilySpec, error) {
	var y yamlFamilySpec
	if err := yaml.Unmarshal(data, &y); err != nil {
		return FamilySpec{}, fmt.Errorf("core: parsing family spec yaml: %w", err)
	}
	return FamilySpec{
		PC:        ids.MemAddr(y.PC),
		Start:     y.Start,
		Limit:     y.Limit,
		Step:      y.Step,
		Block:     y.Block,
		PlaceSize: y.PlaceSize,
		Legacy:    y.Legacy,
	}, nil
}
