package binary

import (
	"fmt"
	"io"

	"github.com/wazerocore/wazcore/internal/leb128"
	"github.com/wazerocore/wazcore/internal/wasm"
)

// decodeConstantExpression reads one of the permitted constant-expression
// forms, followed by its terminating `end`. The
// immediate is re-encoded into ConstantExpression.Data so internal/wasm can
// evaluate it later without holding a reference to the decoder.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#constant-expressions%E2%91%A0
func decodeConstantExpression(r io.ByteReader) (wasm.ConstantExpression, error) {
	op, err := r.ReadByte()
	if err != nil {
		return wasm.ConstantExpression{}, fmt.Errorf("read const expr opcode: %w", err)
	}

	var data []byte
	switch op {
	case wasm.OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(r)
		if err != nil {
			return wasm.ConstantExpression{}, fmt.Errorf("read i32.const: %w", err)
		}
		data = leb128.EncodeInt32(v)
	case wasm.OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(r)
		if err != nil {
			return wasm.ConstantExpression{}, fmt.Errorf("read i64.const: %w", err)
		}
		data = leb128.EncodeInt64(v)
	case wasm.OpcodeF32Const:
		data, err = readBytes(r, 4)
		if err != nil {
			return wasm.ConstantExpression{}, fmt.Errorf("read f32.const: %w", err)
		}
	case wasm.OpcodeF64Const:
		data, err = readBytes(r, 8)
		if err != nil {
			return wasm.ConstantExpression{}, fmt.Errorf("read f64.const: %w", err)
		}
	case wasm.OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return wasm.ConstantExpression{}, fmt.Errorf("read global.get index: %w", err)
		}
		data = leb128.EncodeUint32(idx)
	default:
		return wasm.ConstantExpression{}, fmt.Errorf("invalid constant expression opcode: %#x", op)
	}

	end, err := r.ReadByte()
	if err != nil {
		return wasm.ConstantExpression{}, fmt.Errorf("read const expr end: %w", err)
	}
	if end != wasm.OpcodeEnd {
		return wasm.ConstantExpression{}, fmt.Errorf("const expr must terminate with end, got %#x", end)
	}

	return wasm.ConstantExpression{Opcode: op, Data: data}, nil
}

func readBytes(r io.ByteReader, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}
