// Package api includes constants and interfaces used by both end-users and
// internal implementations of the WebAssembly core 1.0 execution engine.
package api

import (
	"context"
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

const (
	ExternTypeFuncName   = "func"
	ExternTypeTableName  = "table"
	ExternTypeMemoryName = "memory"
	ExternTypeGlobalName = "global"
)

// ExternTypeName returns the name of the Wasm 1.0 text-format field for et.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly core 1.0. Function
// parameters and results are only definable as a value type.
//
// Values are carried as uint64 bit patterns regardless of ValueType:
//
//   - ValueTypeI32 - low 32 bits of the uint64, as uint32(int32)
//   - ValueTypeI64 - the uint64, as int64
//   - ValueTypeF32 - EncodeF32/DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64/DecodeF64 from float64
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// ValueTypeName returns the Wasm text format name of t, or "unknown".
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	}
	return "unknown"
}

// Module is a WebAssembly module after instantiation.
//
// Note: This is an interface for decoupling, not third-party implementation.
// All implementations are in this repository.
type Module interface {
	fmt.Stringer

	// Name is the name this module was instantiated with.
	Name() string

	// Memory returns the single memory defined or imported by this module,
	// or nil if it has none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module, or nil.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module, or nil.
	ExportedMemory(name string) Memory

	// ExportedGlobal returns a global exported from this module, or nil.
	ExportedGlobal(name string) Global

	// Closer releases any resources owned by this module.
	Closer
}

// Closer closes a resource.
type Closer interface {
	// Close closes the resource. A nil ctx defaults to context.Background.
	Close(ctx context.Context) error
}

// Function is an invocable WebAssembly or host function.
type Function interface {
	// ParamTypes of the function, possibly empty.
	ParamTypes() []ValueType

	// ResultTypes of the function. Core 1.0 allows at most one.
	ResultTypes() []ValueType

	// Call invokes the function with params encoded per ParamTypes and
	// returns results encoded per ResultTypes. A nil ctx defaults to
	// context.Background. The returned error is non-nil only for a Trap,
	// a LinkError, or a parameter-count mismatch.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Global is a WebAssembly 1.0 global exported from an instantiated module.
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the current value. A nil ctx defaults to context.Background.
	Get(ctx context.Context) uint64
}

// MutableGlobal is a Global whose value can be updated at runtime.
type MutableGlobal interface {
	Global

	// Set updates the value of this global. A nil ctx defaults to
	// context.Background. Panics if the global is immutable.
	Set(ctx context.Context, v uint64)
}

// Memory allows restricted, little-endian access to a module's single
// linear memory.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#storage%E2%91%A0
type Memory interface {
	// Size returns the size in bytes available, always a multiple of 65536.
	Size(ctx context.Context) uint32

	// Grow increases memory by deltaPages (65536 bytes each). Returns the
	// previous size in pages and true on success, or false if refused
	// (would exceed the declared maximum).
	Grow(ctx context.Context, deltaPages uint32) (previousPages uint32, ok bool)

	ReadByte(ctx context.Context, offset uint32) (byte, bool)
	ReadUint16Le(ctx context.Context, offset uint32) (uint16, bool)
	ReadUint32Le(ctx context.Context, offset uint32) (uint32, bool)
	ReadFloat32Le(ctx context.Context, offset uint32) (float32, bool)
	ReadUint64Le(ctx context.Context, offset uint32) (uint64, bool)
	ReadFloat64Le(ctx context.Context, offset uint32) (float64, bool)

	// Read returns a byteCount-length view of the underlying buffer
	// starting at offset, or false if out of range. Writes through this
	// slice are visible to Wasm and vice versa until the buffer is
	// reallocated by Grow.
	Read(ctx context.Context, offset, byteCount uint32) ([]byte, bool)

	WriteByte(ctx context.Context, offset uint32, v byte) bool
	WriteUint16Le(ctx context.Context, offset uint32, v uint16) bool
	WriteUint32Le(ctx context.Context, offset, v uint32) bool
	WriteFloat32Le(ctx context.Context, offset uint32, v float32) bool
	WriteUint64Le(ctx context.Context, offset uint32, v uint64) bool
	WriteFloat64Le(ctx context.Context, offset uint32, v float64) bool
	Write(ctx context.Context, offset uint32, v []byte) bool
}

// GoFunction is a first-class host function, accessed by raw uint64 stack
// rather than reflection, for callers who need to avoid reflection
// overhead. stack holds parameters on entry and results on return, both
// encoded per the declared ParamTypes/ResultTypes.
type GoFunction func(ctx context.Context, stack []uint64)

// GoModuleFunction is a GoFunction that also receives the calling Module,
// most often to access its Memory.
type GoModuleFunction func(ctx context.Context, mod Module, stack []uint64)

// EncodeI32 encodes input as a ValueTypeI32.
func EncodeI32(input int32) uint64 { return uint64(uint32(input)) }

// EncodeU32 encodes input as a ValueTypeI32.
func EncodeU32(input uint32) uint64 { return uint64(input) }

// EncodeI64 encodes input as a ValueTypeI64.
func EncodeI64(input int64) uint64 { return uint64(input) }

// EncodeF32 encodes input as a ValueTypeF32.
func EncodeF32(input float32) uint64 { return uint64(math.Float32bits(input)) }

// DecodeF32 decodes input encoded via EncodeF32.
func DecodeF32(input uint64) float32 { return math.Float32frombits(uint32(input)) }

// EncodeF64 encodes input as a ValueTypeF64.
func EncodeF64(input float64) uint64 { return math.Float64bits(input) }

// DecodeF64 decodes input encoded via EncodeF64.
func DecodeF64(input uint64) float64 { return math.Float64frombits(input) }
