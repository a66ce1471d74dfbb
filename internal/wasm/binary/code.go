package binary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/leb128"
	"github.com/wazerocore/wazcore/internal/wasm"
)

func decodeCodeSection(r io.ByteReader) ([]wasm.Code, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	br, ok := r.(*bytes.Reader)
	if !ok {
		return nil, fmt.Errorf("internal error: code section reader is not seekable")
	}
	out := make([]wasm.Code, count)
	for i := range out {
		size, _, err := leb128.DecodeUint32(br)
		if err != nil {
			return nil, fmt.Errorf("code[%d]: read body size: %w", i, err)
		}
		body, err := readBytes(br, int(size))
		if err != nil {
			return nil, fmt.Errorf("code[%d]: read body: %w", i, err)
		}
		out[i], err = decodeFunctionBody(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("code[%d]: %w", i, err)
		}
	}
	return out, nil
}

func decodeFunctionBody(r *bytes.Reader) (wasm.Code, error) {
	localDeclCount, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return wasm.Code{}, fmt.Errorf("read local decl count: %w", err)
	}
	var locals []api.ValueType
	for i := uint32(0); i < localDeclCount; i++ {
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return wasm.Code{}, fmt.Errorf("read local decl count: %w", err)
		}
		vt, err := decodeValueType(r)
		if err != nil {
			return wasm.Code{}, fmt.Errorf("read local decl type: %w", err)
		}
		for j := uint32(0); j < n; j++ {
			locals = append(locals, vt)
		}
	}

	body, err := decodeExpression(r)
	if err != nil {
		return wasm.Code{}, err
	}
	return wasm.Code{LocalTypes: locals, Body: body}, nil
}

// ctrlEntry tracks one open block/loop/if while decoding, so `end` (and, for
// `if`, `else`) can patch the instruction-slice jump indices the interpreter
// relies on (see Instruction.Else/End).
type ctrlEntry struct {
	instrIdx int
	isIf     bool
	elseIdx  int // -1 until an else is seen
}

// decodeExpression decodes a sequence of instructions up to and including
// the `end` that closes the function body itself, pre-resolving every
// block/loop/if/else's jump target to an instruction-slice index.
func decodeExpression(r *bytes.Reader) ([]wasm.Instruction, error) {
	var instrs []wasm.Instruction
	var stack []ctrlEntry

	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read opcode: %w", err)
		}

		in := wasm.Instruction{Opcode: op}

		switch op {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			bt, err := decodeBlockType(r)
			if err != nil {
				return nil, err
			}
			in.BlockType = bt
			idx := len(instrs)
			instrs = append(instrs, in)
			stack = append(stack, ctrlEntry{instrIdx: idx, isIf: op == wasm.OpcodeIf, elseIdx: -1})
			continue

		case wasm.OpcodeElse:
			if len(stack) == 0 || !stack[len(stack)-1].isIf || stack[len(stack)-1].elseIdx >= 0 {
				return nil, fmt.Errorf("else without matching if")
			}
			idx := len(instrs)
			instrs = append(instrs, in)
			top := &stack[len(stack)-1]
			top.elseIdx = idx
			instrs[top.instrIdx].Else = idx
			continue

		case wasm.OpcodeEnd:
			idx := len(instrs)
			instrs = append(instrs, in)
			if len(stack) == 0 {
				// This is the function body's own terminating end.
				return instrs, nil
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			instrs[top.instrIdx].End = idx
			if top.elseIdx >= 0 {
				instrs[top.elseIdx].End = idx
			}
			continue

		case wasm.OpcodeBr, wasm.OpcodeBrIf:
			in.Index, _, err = leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}

		case wasm.OpcodeBrTable:
			n, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}
			labels := make([]uint32, n+1)
			for i := range labels {
				if labels[i], _, err = leb128.DecodeUint32(r); err != nil {
					return nil, err
				}
			}
			in.BrTable = labels

		case wasm.OpcodeCall:
			in.Index, _, err = leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}

		case wasm.OpcodeCallIndirect:
			in.Index, _, err = leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}
			reserved, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if reserved != 0 {
				return nil, fmt.Errorf("call_indirect reserved byte must be 0, got %#x", reserved)
			}

		case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
			wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
			in.Index, _, err = leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}

		case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
			reserved, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if reserved != 0 {
				return nil, fmt.Errorf("%#x reserved byte must be 0, got %#x", op, reserved)
			}

		case wasm.OpcodeI32Load, wasm.OpcodeI64Load, wasm.OpcodeF32Load, wasm.OpcodeF64Load,
			wasm.OpcodeI32Load8S, wasm.OpcodeI32Load8U, wasm.OpcodeI32Load16S, wasm.OpcodeI32Load16U,
			wasm.OpcodeI64Load8S, wasm.OpcodeI64Load8U, wasm.OpcodeI64Load16S, wasm.OpcodeI64Load16U,
			wasm.OpcodeI64Load32S, wasm.OpcodeI64Load32U,
			wasm.OpcodeI32Store, wasm.OpcodeI64Store, wasm.OpcodeF32Store, wasm.OpcodeF64Store,
			wasm.OpcodeI32Store8, wasm.OpcodeI32Store16,
			wasm.OpcodeI64Store8, wasm.OpcodeI64Store16, wasm.OpcodeI64Store32:
			align, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}
			offset, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return nil, err
			}
			in.MemArg = wasm.MemArg{Align: align, Offset: offset}

		case wasm.OpcodeI32Const:
			v, _, err := leb128.DecodeInt32(r)
			if err != nil {
				return nil, err
			}
			in.Const = uint64(uint32(v))

		case wasm.OpcodeI64Const:
			v, _, err := leb128.DecodeInt64(r)
			if err != nil {
				return nil, err
			}
			in.Const = uint64(v)

		case wasm.OpcodeF32Const:
			b, err := readBytes(r, 4)
			if err != nil {
				return nil, err
			}
			in.Const = uint64(binary.LittleEndian.Uint32(b))

		case wasm.OpcodeF64Const:
			b, err := readBytes(r, 8)
			if err != nil {
				return nil, err
			}
			in.Const = binary.LittleEndian.Uint64(b)

		default:
			// Unreachable/Nop/Return/Drop/Select/local-less/comparison/
			// numeric/conversion opcodes carry no immediate.
		}

		instrs = append(instrs, in)
	}
}

func decodeBlockType(r io.ByteReader) (wasm.BlockType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return wasm.BlockType{}, fmt.Errorf("read blocktype: %w", err)
	}
	if b == wasm.BlockTypeEmpty {
		return wasm.BlockType{}, nil
	}
	switch b {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return wasm.BlockType{Arity: 1, Result: b}, nil
	}
	return wasm.BlockType{}, fmt.Errorf("invalid blocktype: %#x", b)
}
