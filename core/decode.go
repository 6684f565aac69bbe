package core

import (
	"fmt"

	"github.com/sarchlab/microgrid/ids"
	"github.com/sarchlab/microgrid/pipeline"
)

// Decoder is the external instruction-set collaborator's contract: the
// pipeline passes a raw instruction word to an external decoder. The ISA
// itself is not fixed here; core.Decoder is the seam a real decode/ALU
// implementation plugs into.
type Decoder = pipeline.Decoder

// ALU is the external arithmetic collaborator Execute dispatches into:
// it consumes two operand words and an opcode, and reports
// whether the result is a register value or a memory address (IsMemory).
type ALU interface {
	Eval(opcode uint32, a, b uint64) (result uint64, isMemory bool)
}

// DefaultDecoder and DefaultALU are minimal stand-ins used by this
// package's own tests and by cmd/mgsim when no real ISA collaborator is
// wired in. They are deliberately not a real instruction set: a word is
// read as [opcode:8][ra:12][rb:12] windowed register specifiers, each
// resolved into the family's local register window, the ALU only knows
// how to add, and a small opcode range classifies the family-management
// operations (0x10 ALLOCATE, 0x11 CREATE, 0x12 SYNC, 0x13 DETACH,
// 0x14 BREAK, 0x18+prop SET_PROPERTY).
type DefaultDecoder struct{}

func (DefaultDecoder) Decode(word uint32, pc ids.MemAddr) (pipeline.DecodedInstr, error) {
	opcode := word & 0xFF
	ra := (word >> 8) & 0xFFF
	rb := (word >> 20) & 0xFFF

	if ra >= 0x800 || rb >= 0x800 {
		return pipeline.DecodedInstr{}, fmt.Errorf("illegal register specifier in word %#x at %d", word, pc)
	}

	instr := pipeline.DecodedInstr{
		PC:      pc,
		Opcode:  opcode,
		RawWord: word,
		Ra:      ids.RegAddr{Type: ids.Integer, Index: ids.RegIndex(ra)},
		RaKind:  pipeline.LOCAL,
		Rb:      ids.RegAddr{Type: ids.Integer, Index: ids.RegIndex(rb)},
		RbKind:  pipeline.LOCAL,
		Dest:    ids.RegAddr{Type: ids.Integer, Index: ids.RegIndex(ra)},
		DestKind: pipeline.LOCAL,
	}

	switch {
	case opcode == 0x10:
		instr.FamilyOp = pipeline.FamAllocate
	case opcode == 0x11:
		instr.FamilyOp = pipeline.FamCreate
	case opcode == 0x12:
		instr.FamilyOp = pipeline.FamSync
	case opcode == 0x13:
		instr.FamilyOp = pipeline.FamDetach
	case opcode == 0x14:
		// BREAK targets the executing thread's own family; its register
		// specifiers read as zero.
		instr.FamilyOp = pipeline.FamBreak
		instr.RaKind = pipeline.RAZ
		instr.RbKind = pipeline.RAZ
	case opcode >= 0x18 && opcode <= 0x1B:
		instr.FamilyOp = pipeline.FamSetProperty
		instr.FamilyProp = uint8(opcode - 0x18)
	}
	return instr, nil
}

// ThreadTerminator is implemented by decoders that can identify the
// control word marking a thread's final instruction; Fetch uses it to end
// the thread instead of handing the word down the pipeline.
type ThreadTerminator interface {
	EndOfThread(word uint32) bool
}

// EndOfThread treats the all-zero word as the end-of-thread control word.
func (DefaultDecoder) EndOfThread(word uint32) bool { return word == 0 }

// DefaultALU implements ALU with a single real operation, ADD, so a
// create-run-writeback loop is exercisable without a full ISA: the
// simulator's own tests need forward progress and dependency accounting,
// not particular arithmetic.
type DefaultALU struct{}

func (DefaultALU) Eval(opcode uint32, a, b uint64) (uint64, bool) {
	switch opcode {
	case 0:
		return a + b, false
	case 1:
		return a, true // treated as a memory address by the Memory stage
	default:
		return a, false
	}
}
