package wasm

import "github.com/wazerocore/wazcore/api"

// MemArg is the alignment hint (advisory only) and static offset immediate
// carried by every load/store instruction.
type MemArg struct {
	Align  uint32
	Offset uint32
}

// Instruction is one pre-decoded opcode of a function body, with its
// immediates resolved to native Go values and, for structured control-flow
// opcodes, the jump target pre-computed so the interpreter never re-scans
// bytes at branch time.
type Instruction struct {
	Opcode Opcode

	// Const holds the raw bit pattern for i32.const/i64.const/f32.const/
	// f64.const (f32 stored in the low 32 bits).
	Const uint64

	// Index is the single index immediate for local.*, global.*, call,
	// br, br_if, call_indirect's type index, and data/elem-less memargs
	// (unused there).
	Index uint32

	MemArg MemArg

	// BlockType is the arity (0 or 1) of a block/loop/if, and its sole
	// result type when arity is 1.
	BlockType BlockType

	// Else/End are instruction-slice indices (not byte offsets) of the
	// matching `else` (only set for `if`, 0 if absent) and `end`
	// instructions for block/loop/if; End is also set on `else` itself
	// (pointing to its own block's `end`).
	Else, End int

	// BrTable holds br_table's label list (last element is the default).
	BrTable []uint32
}

// BlockType is core 1.0's restricted block type: 0 or 1 results, no
// parameters, no type-index blocks (a post-1.0 multi-value feature).
type BlockType struct {
	Arity  int // 0 or 1
	Result api.ValueType
}
