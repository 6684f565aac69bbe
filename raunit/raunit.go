// Package raunit implements the register allocation unit: per
// register type, the register file is divided into fixed-size
// power-of-two blocks, and allocation finds a contiguous free run.
package raunit

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
)

// run is a contiguous span of free blocks, [startBlock, startBlock+length).
type run struct {
	startBlock int
	length     int
}

// Unit allocates and frees register-index ranges for one register type.
// Reserved-context allocations draw from a separate accounting pool so
// exclusive/reserved creates always succeed independent of normal-pool
// fragmentation.
type Unit struct {
	blockSize     int
	numBlocks     int
	free          []run // sorted by startBlock, merged
	reservedFree  int   // blocks set aside for reserved/exclusive contexts
	reservedTotal int
}

// NewUnit creates a register allocation unit over totalRegs registers,
// split into blocks of blockSize (must be a power of two), with
// reservedBlocks of them set aside for reserved/exclusive contexts.
func NewUnit(totalRegs, blockSize, reservedBlocks int) (*Unit, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("block size %d is not a power of two", blockSize)
	}
	numBlocks := totalRegs / blockSize
	if numBlocks*blockSize != totalRegs {
		return nil, fmt.Errorf("totalRegs %d is not a multiple of block size %d", totalRegs, blockSize)
	}
	if reservedBlocks > numBlocks {
		return nil, fmt.Errorf("reservedBlocks %d exceeds numBlocks %d", reservedBlocks, numBlocks)
	}
	u := &Unit{
		blockSize:     blockSize,
		numBlocks:     numBlocks,
		reservedFree:  reservedBlocks,
		reservedTotal: reservedBlocks,
	}
	normalBlocks := numBlocks - reservedBlocks
	if normalBlocks > 0 {
		u.free = []run{{startBlock: 0, length: normalBlocks}}
	}
	return u, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Allocate finds a contiguous free run sized ceil(needed/blockSize) blocks
// and returns the starting register index. If reserved is true, the
// request is served from the reserved pool (a counter of free reserved
// blocks, reduced by the same ceil(needed/blockSize) blocks) instead
// of the normal free-run list, guaranteeing forward progress for exclusive
// creates regardless of normal-pool fragmentation.
func (u *Unit) Allocate(needed uint32, reserved bool) (ids.RegIndex, bool) {
	blocksNeeded := ceilDiv(int(needed), u.blockSize)
	if blocksNeeded == 0 {
		blocksNeeded = 1
	}

	if reserved {
		if u.reservedFree < blocksNeeded {
			return 0, false
		}
		// Reserved contexts are carved from the top of the address space,
		// above the normal pool's blocks.
		startBlock := u.numBlocks - u.reservedFree
		u.reservedFree -= blocksNeeded
		return ids.RegIndex(startBlock * u.blockSize), true
	}

	for i, r := range u.free {
		if r.length >= blocksNeeded {
			base := r.startBlock * u.blockSize
			if r.length == blocksNeeded {
				u.free = append(u.free[:i], u.free[i+1:]...)
			} else {
				u.free[i] = run{startBlock: r.startBlock + blocksNeeded, length: r.length - blocksNeeded}
			}
			return ids.RegIndex(base), true
		}
	}
	return 0, false
}

// Free returns a previously allocated range back to its pool. size is the
// number of registers (not blocks) originally requested; reserved must
// match what was passed to Allocate.
func (u *Unit) Free(base ids.RegIndex, size uint32, reserved bool) {
	blocks := ceilDiv(int(size), u.blockSize)
	if blocks == 0 {
		blocks = 1
	}
	startBlock := int(base) / u.blockSize

	if reserved {
		u.reservedFree += blocks
		if u.reservedFree > u.reservedTotal {
			u.reservedFree = u.reservedTotal
		}
		return
	}

	u.insertFree(startBlock, blocks)
}

func (u *Unit) insertFree(startBlock, length int) {
	newRun := run{startBlock: startBlock, length: length}

	merged := make([]run, 0, len(u.free)+1)
	inserted := false
	for _, r := range u.free {
		if !inserted && newRun.startBlock <= r.startBlock {
			merged = append(merged, newRun)
			inserted = true
		}
		merged = append(merged, r)
	}
	if !inserted {
		merged = append(merged, newRun)
	}

	u.free = coalesce(merged)
}

func coalesce(runs []run) []run {
	if len(runs) == 0 {
		return runs
	}
	out := []run{runs[0]}
	for _, r := range runs[1:] {
		last := &out[len(out)-1]
		if last.startBlock+last.length == r.startBlock {
			last.length += r.length
		} else {
			out = append(out, r)
		}
	}
	return out
}

// FreeRegisters returns the total number of currently free registers in the
// normal pool (diagnostic use).
func (u *Unit) FreeRegisters() int {
	total := 0
	for _, r := range u.free {
		total += r.length
	}
	return total * u.blockSize
}
