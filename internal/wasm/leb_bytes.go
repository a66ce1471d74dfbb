package wasm

import (
	"bufio"
	"bytes"

	"github.com/wazerocore/wazcore/internal/leb128"
)

// decodeLEBI32/I64/U32 decode a LEB128 value already isolated into its own
// byte slice (as captured by ConstantExpression.Data during binary decode).
func decodeLEBI32(b []byte) (int32, uint64, error) {
	return leb128.DecodeInt32(bufio.NewReader(bytes.NewReader(b)))
}

func decodeLEBI64(b []byte) (int64, uint64, error) {
	return leb128.DecodeInt64(bufio.NewReader(bytes.NewReader(b)))
}

func decodeLEBU32(b []byte) (uint32, uint64, error) {
	return leb128.DecodeUint32(bufio.NewReader(bytes.NewReader(b)))
}
