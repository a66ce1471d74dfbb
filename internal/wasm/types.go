package wasm

import (
	"bytes"
	"fmt"

	"github.com/wazerocore/wazcore/api"
)

// FunctionType is an ordered sequence of parameter and result value types.
// Core 1.0 allows at most one result.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-types%E2%91%A0
type FunctionType struct {
	Params, Results []api.ValueType
}

// String renders a FunctionType like "(i32, i32) -> (i32)".
func (t *FunctionType) String() string {
	return fmt.Sprintf("%s -> %s", valueTypeNames(t.Params), valueTypeNames(t.Results))
}

func valueTypeNames(vs []api.ValueType) string {
	var buf bytes.Buffer
	buf.WriteByte('(')
	for i, v := range vs {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(api.ValueTypeName(v))
	}
	buf.WriteByte(')')
	return buf.String()
}

// EqualsSignature reports whether two function types are identical,
// required for call_indirect's exact-type check and import matching.
func (t *FunctionType) EqualsSignature(params, results []api.ValueType) bool {
	return bytes.Equal(t.Params, params) && bytes.Equal(t.Results, results)
}

func (t *FunctionType) equals(o *FunctionType) bool {
	return bytes.Equal(t.Params, o.Params) && bytes.Equal(t.Results, o.Results)
}

// Limits bound the min/max size of a Table or Memory.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A0
type Limits struct {
	Min uint32
	Max *uint32 // nil means unbounded (up to the kind's hard ceiling)
}

// TableType describes a table's element type (always funcref in core 1.0)
// and size limits.
type TableType struct {
	Limits Limits
}

// MemoryType describes a memory's size limits, in 64KiB pages.
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

// ConstantExpression is a restricted instruction sequence usable to
// initialize a global or compute a segment's offset: exactly one of
// <type>.const or global.get of an imported immutable global.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#constant-expressions%E2%91%A0
type ConstantExpression struct {
	Opcode Opcode
	// Data holds the opcode's single immediate: signed LEB128 bytes for
	// i32.const/i64.const, 4/8 raw LE bytes for f32.const/f64.const, or a
	// LEB128-encoded global index for global.get.
	Data []byte
}
