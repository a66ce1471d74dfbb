package binary

import (
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/leb128"
	"github.com/wazerocore/wazcore/internal/wasm"
)

func decodeValueType(r io.ByteReader) (api.ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read value type: %w", err)
	}
	switch b {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return b, nil
	default:
		return 0, fmt.Errorf("invalid value type: %#x", b)
	}
}

func decodeLimits(r io.ByteReader) (wasm.Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return wasm.Limits{}, fmt.Errorf("read limits flag: %w", err)
	}
	if flag != 0 && flag != 1 {
		return wasm.Limits{}, fmt.Errorf("invalid limits flag: %#x", flag)
	}
	min, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return wasm.Limits{}, fmt.Errorf("read limits min: %w", err)
	}
	l := wasm.Limits{Min: min}
	if flag == 1 {
		max, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return wasm.Limits{}, fmt.Errorf("read limits max: %w", err)
		}
		l.Max = &max
	}
	return l, nil
}

func decodeTableType(r io.ByteReader) (wasm.TableType, error) {
	elemType, err := r.ReadByte()
	if err != nil {
		return wasm.TableType{}, fmt.Errorf("read table element type: %w", err)
	}
	if elemType != elemTypeFuncref {
		return wasm.TableType{}, fmt.Errorf("invalid table element type: %#x", elemType)
	}
	l, err := decodeLimits(r)
	if err != nil {
		return wasm.TableType{}, err
	}
	return wasm.TableType{Limits: l}, nil
}

func decodeMemoryType(r io.ByteReader) (wasm.MemoryType, error) {
	l, err := decodeLimits(r)
	if err != nil {
		return wasm.MemoryType{}, err
	}
	return wasm.MemoryType{Limits: l}, nil
}

func decodeGlobalType(r io.ByteReader) (wasm.GlobalType, error) {
	vt, err := decodeValueType(r)
	if err != nil {
		return wasm.GlobalType{}, err
	}
	m, err := r.ReadByte()
	if err != nil {
		return wasm.GlobalType{}, fmt.Errorf("read global mutability: %w", err)
	}
	if m != 0 && m != 1 {
		return wasm.GlobalType{}, fmt.Errorf("invalid global mutability: %#x", m)
	}
	return wasm.GlobalType{ValType: vt, Mutable: m == 1}, nil
}

// decodeName reads a length-prefixed UTF-8 string. The binary format does
// not require validity, but names containing arbitrary bytes have nothing
// meaningful to report in a trap so this rejects the non-UTF-8 case.
func decodeName(r io.ByteReader) (string, error) {
	size, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", fmt.Errorf("read name size: %w", err)
	}
	buf := make([]byte, size)
	for i := range buf {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("read name: %w", err)
		}
		buf[i] = b
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("name is not valid UTF-8")
	}
	return string(buf), nil
}
