package wasm

import (
	"encoding/binary"
	"fmt"
)

// evalConstExpr evaluates a constant expression given the instance's
// already-resolved imported globals. Only
// <type>.const and global.get of an *imported* global are legal; the
// validator rejects anything else before this ever runs.
func evalConstExpr(ce ConstantExpression, importedGlobals []*GlobalInstance) (uint64, error) {
	switch ce.Opcode {
	case OpcodeI32Const:
		v, _, err := decodeLEBI32(ce.Data)
		return uint64(uint32(v)), err
	case OpcodeI64Const:
		v, _, err := decodeLEBI64(ce.Data)
		return uint64(v), err
	case OpcodeF32Const:
		return uint64(binary.LittleEndian.Uint32(ce.Data)), nil
	case OpcodeF64Const:
		return binary.LittleEndian.Uint64(ce.Data), nil
	case OpcodeGlobalGet:
		idx, _, err := decodeLEBU32(ce.Data)
		if err != nil {
			return 0, err
		}
		if int(idx) >= len(importedGlobals) {
			return 0, fmt.Errorf("const expr: global.get %d out of imported range", idx)
		}
		return importedGlobals[idx].Get(), nil
	default:
		return 0, fmt.Errorf("const expr: unsupported opcode %#x", ce.Opcode)
	}
}
