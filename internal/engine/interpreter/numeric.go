package interpreter

import (
	"math"
	"math/bits"

	"github.com/wazerocore/wazcore/internal/moremath"
	"github.com/wazerocore/wazcore/internal/wasm"
	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

// execNumericOrMemory handles every opcode not already dispatched in the
// main control-flow switch: constants, loads/stores, comparisons,
// arithmetic, and conversions. Split out of callWasm purely to keep that
// function's control-flow logic readable.
func (ce *callEngine) execNumericOrMemory(f *frame, instr *wasm.Instruction) {
	switch instr.Opcode {

	// Constants: the raw bit pattern decoded at parse time already matches
	// the uint64 stack representation for all four value types.
	case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const:
		ce.pushValue(instr.Const)

	// Loads.
	case wasm.OpcodeI32Load:
		ce.pushI32(leUint32(ce.load(f, instr, 4)))
	case wasm.OpcodeI64Load:
		ce.pushI64(leUint64(ce.load(f, instr, 8)))
	case wasm.OpcodeF32Load:
		ce.pushI32(leUint32(ce.load(f, instr, 4)))
	case wasm.OpcodeF64Load:
		ce.pushI64(leUint64(ce.load(f, instr, 8)))
	case wasm.OpcodeI32Load8S:
		ce.pushI32(signExtend8to32(ce.load(f, instr, 1)[0]))
	case wasm.OpcodeI32Load8U:
		ce.pushI32(uint32(ce.load(f, instr, 1)[0]))
	case wasm.OpcodeI32Load16S:
		ce.pushI32(signExtend16to32(leUint16(ce.load(f, instr, 2))))
	case wasm.OpcodeI32Load16U:
		ce.pushI32(uint32(leUint16(ce.load(f, instr, 2))))
	case wasm.OpcodeI64Load8S:
		ce.pushI64(signExtend8to64(ce.load(f, instr, 1)[0]))
	case wasm.OpcodeI64Load8U:
		ce.pushI64(uint64(ce.load(f, instr, 1)[0]))
	case wasm.OpcodeI64Load16S:
		ce.pushI64(signExtend16to64(leUint16(ce.load(f, instr, 2))))
	case wasm.OpcodeI64Load16U:
		ce.pushI64(uint64(leUint16(ce.load(f, instr, 2))))
	case wasm.OpcodeI64Load32S:
		ce.pushI64(signExtend32to64(leUint32(ce.load(f, instr, 4))))
	case wasm.OpcodeI64Load32U:
		ce.pushI64(uint64(leUint32(ce.load(f, instr, 4))))

	// Stores: the value is popped before calling store, which then pops the
	// address sitting beneath it.
	case wasm.OpcodeI32Store:
		v := ce.popI32()
		ce.store(f, instr, le32(v))
	case wasm.OpcodeI64Store:
		v := ce.popI64()
		ce.store(f, instr, le64(v))
	case wasm.OpcodeF32Store:
		v := ce.popI32()
		ce.store(f, instr, le32(v))
	case wasm.OpcodeF64Store:
		v := ce.popI64()
		ce.store(f, instr, le64(v))
	case wasm.OpcodeI32Store8:
		v := ce.popI32()
		ce.store(f, instr, []byte{byte(v)})
	case wasm.OpcodeI32Store16:
		v := ce.popI32()
		ce.store(f, instr, le16(uint16(v)))
	case wasm.OpcodeI64Store8:
		v := ce.popI64()
		ce.store(f, instr, []byte{byte(v)})
	case wasm.OpcodeI64Store16:
		v := ce.popI64()
		ce.store(f, instr, le16(uint16(v)))
	case wasm.OpcodeI64Store32:
		v := ce.popI64()
		ce.store(f, instr, le32(uint32(v)))

	// i32 comparisons.
	case wasm.OpcodeI32Eqz:
		ce.pushBool(ce.popI32() == 0)
	case wasm.OpcodeI32Eq:
		b, a := ce.popI32(), ce.popI32()
		ce.pushBool(a == b)
	case wasm.OpcodeI32Ne:
		b, a := ce.popI32(), ce.popI32()
		ce.pushBool(a != b)
	case wasm.OpcodeI32LtS:
		b, a := int32(ce.popI32()), int32(ce.popI32())
		ce.pushBool(a < b)
	case wasm.OpcodeI32LtU:
		b, a := ce.popI32(), ce.popI32()
		ce.pushBool(a < b)
	case wasm.OpcodeI32GtS:
		b, a := int32(ce.popI32()), int32(ce.popI32())
		ce.pushBool(a > b)
	case wasm.OpcodeI32GtU:
		b, a := ce.popI32(), ce.popI32()
		ce.pushBool(a > b)
	case wasm.OpcodeI32LeS:
		b, a := int32(ce.popI32()), int32(ce.popI32())
		ce.pushBool(a <= b)
	case wasm.OpcodeI32LeU:
		b, a := ce.popI32(), ce.popI32()
		ce.pushBool(a <= b)
	case wasm.OpcodeI32GeS:
		b, a := int32(ce.popI32()), int32(ce.popI32())
		ce.pushBool(a >= b)
	case wasm.OpcodeI32GeU:
		b, a := ce.popI32(), ce.popI32()
		ce.pushBool(a >= b)

	// i64 comparisons.
	case wasm.OpcodeI64Eqz:
		ce.pushBool(ce.popI64() == 0)
	case wasm.OpcodeI64Eq:
		b, a := ce.popI64(), ce.popI64()
		ce.pushBool(a == b)
	case wasm.OpcodeI64Ne:
		b, a := ce.popI64(), ce.popI64()
		ce.pushBool(a != b)
	case wasm.OpcodeI64LtS:
		b, a := int64(ce.popI64()), int64(ce.popI64())
		ce.pushBool(a < b)
	case wasm.OpcodeI64LtU:
		b, a := ce.popI64(), ce.popI64()
		ce.pushBool(a < b)
	case wasm.OpcodeI64GtS:
		b, a := int64(ce.popI64()), int64(ce.popI64())
		ce.pushBool(a > b)
	case wasm.OpcodeI64GtU:
		b, a := ce.popI64(), ce.popI64()
		ce.pushBool(a > b)
	case wasm.OpcodeI64LeS:
		b, a := int64(ce.popI64()), int64(ce.popI64())
		ce.pushBool(a <= b)
	case wasm.OpcodeI64LeU:
		b, a := ce.popI64(), ce.popI64()
		ce.pushBool(a <= b)
	case wasm.OpcodeI64GeS:
		b, a := int64(ce.popI64()), int64(ce.popI64())
		ce.pushBool(a >= b)
	case wasm.OpcodeI64GeU:
		b, a := ce.popI64(), ce.popI64()
		ce.pushBool(a >= b)

	// f32/f64 comparisons: Go's native operators already give false for any
	// NaN operand in every relation except !=, which gives true, matching the
	// Wasm rule.
	case wasm.OpcodeF32Eq:
		b, a := ce.popF32(), ce.popF32()
		ce.pushBool(a == b)
	case wasm.OpcodeF32Ne:
		b, a := ce.popF32(), ce.popF32()
		ce.pushBool(a != b)
	case wasm.OpcodeF32Lt:
		b, a := ce.popF32(), ce.popF32()
		ce.pushBool(a < b)
	case wasm.OpcodeF32Gt:
		b, a := ce.popF32(), ce.popF32()
		ce.pushBool(a > b)
	case wasm.OpcodeF32Le:
		b, a := ce.popF32(), ce.popF32()
		ce.pushBool(a <= b)
	case wasm.OpcodeF32Ge:
		b, a := ce.popF32(), ce.popF32()
		ce.pushBool(a >= b)
	case wasm.OpcodeF64Eq:
		b, a := ce.popF64(), ce.popF64()
		ce.pushBool(a == b)
	case wasm.OpcodeF64Ne:
		b, a := ce.popF64(), ce.popF64()
		ce.pushBool(a != b)
	case wasm.OpcodeF64Lt:
		b, a := ce.popF64(), ce.popF64()
		ce.pushBool(a < b)
	case wasm.OpcodeF64Gt:
		b, a := ce.popF64(), ce.popF64()
		ce.pushBool(a > b)
	case wasm.OpcodeF64Le:
		b, a := ce.popF64(), ce.popF64()
		ce.pushBool(a <= b)
	case wasm.OpcodeF64Ge:
		b, a := ce.popF64(), ce.popF64()
		ce.pushBool(a >= b)

	// i32 arithmetic.
	case wasm.OpcodeI32Clz:
		ce.pushI32(uint32(bits.LeadingZeros32(ce.popI32())))
	case wasm.OpcodeI32Ctz:
		ce.pushI32(uint32(bits.TrailingZeros32(ce.popI32())))
	case wasm.OpcodeI32Popcnt:
		ce.pushI32(uint32(bits.OnesCount32(ce.popI32())))
	case wasm.OpcodeI32Add:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a + b)
	case wasm.OpcodeI32Sub:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a - b)
	case wasm.OpcodeI32Mul:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a * b)
	case wasm.OpcodeI32DivS:
		b, a := int32(ce.popI32()), int32(ce.popI32())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if a == math.MinInt32 && b == -1 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		ce.pushI32(uint32(a / b))
	case wasm.OpcodeI32DivU:
		b, a := ce.popI32(), ce.popI32()
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		ce.pushI32(a / b)
	case wasm.OpcodeI32RemS:
		b, a := int32(ce.popI32()), int32(ce.popI32())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if b == -1 {
			ce.pushI32(0)
		} else {
			ce.pushI32(uint32(a % b))
		}
	case wasm.OpcodeI32RemU:
		b, a := ce.popI32(), ce.popI32()
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		ce.pushI32(a % b)
	case wasm.OpcodeI32And:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a & b)
	case wasm.OpcodeI32Or:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a | b)
	case wasm.OpcodeI32Xor:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a ^ b)
	case wasm.OpcodeI32Shl:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a << (b % 32))
	case wasm.OpcodeI32ShrS:
		b, a := ce.popI32(), int32(ce.popI32())
		ce.pushI32(uint32(a >> (b % 32)))
	case wasm.OpcodeI32ShrU:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(a >> (b % 32))
	case wasm.OpcodeI32Rotl:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(bits.RotateLeft32(a, int(b)))
	case wasm.OpcodeI32Rotr:
		b, a := ce.popI32(), ce.popI32()
		ce.pushI32(bits.RotateLeft32(a, -int(b)))

	// i64 arithmetic.
	case wasm.OpcodeI64Clz:
		ce.pushI64(uint64(bits.LeadingZeros64(ce.popI64())))
	case wasm.OpcodeI64Ctz:
		ce.pushI64(uint64(bits.TrailingZeros64(ce.popI64())))
	case wasm.OpcodeI64Popcnt:
		ce.pushI64(uint64(bits.OnesCount64(ce.popI64())))
	case wasm.OpcodeI64Add:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a + b)
	case wasm.OpcodeI64Sub:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a - b)
	case wasm.OpcodeI64Mul:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a * b)
	case wasm.OpcodeI64DivS:
		b, a := int64(ce.popI64()), int64(ce.popI64())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if a == math.MinInt64 && b == -1 {
			panic(wasmruntime.ErrRuntimeIntegerOverflow)
		}
		ce.pushI64(uint64(a / b))
	case wasm.OpcodeI64DivU:
		b, a := ce.popI64(), ce.popI64()
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		ce.pushI64(a / b)
	case wasm.OpcodeI64RemS:
		b, a := int64(ce.popI64()), int64(ce.popI64())
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		if b == -1 {
			ce.pushI64(0)
		} else {
			ce.pushI64(uint64(a % b))
		}
	case wasm.OpcodeI64RemU:
		b, a := ce.popI64(), ce.popI64()
		if b == 0 {
			panic(wasmruntime.ErrRuntimeIntegerDivideByZero)
		}
		ce.pushI64(a % b)
	case wasm.OpcodeI64And:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a & b)
	case wasm.OpcodeI64Or:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a | b)
	case wasm.OpcodeI64Xor:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a ^ b)
	case wasm.OpcodeI64Shl:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a << (b % 64))
	case wasm.OpcodeI64ShrS:
		b, a := ce.popI64(), int64(ce.popI64())
		ce.pushI64(uint64(a >> (b % 64)))
	case wasm.OpcodeI64ShrU:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(a >> (b % 64))
	case wasm.OpcodeI64Rotl:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(bits.RotateLeft64(a, int(b)))
	case wasm.OpcodeI64Rotr:
		b, a := ce.popI64(), ce.popI64()
		ce.pushI64(bits.RotateLeft64(a, -int(b)))

	// f32 arithmetic. abs, neg and copysign are sign-bit operations in Wasm:
	// they must preserve NaN payloads exactly, so they work on the raw bits
	// rather than round-tripping through float64.
	case wasm.OpcodeF32Abs:
		ce.pushI32(uint32(ce.popValue()) &^ (1 << 31))
	case wasm.OpcodeF32Neg:
		ce.pushI32(uint32(ce.popValue()) ^ (1 << 31))
	case wasm.OpcodeF32Ceil:
		ce.pushF32(float32(math.Ceil(float64(ce.popF32()))))
	case wasm.OpcodeF32Floor:
		ce.pushF32(float32(math.Floor(float64(ce.popF32()))))
	case wasm.OpcodeF32Trunc:
		ce.pushF32(float32(math.Trunc(float64(ce.popF32()))))
	case wasm.OpcodeF32Nearest:
		ce.pushF32(moremath.WasmCompatNearestF32(ce.popF32()))
	case wasm.OpcodeF32Sqrt:
		ce.pushF32(float32(math.Sqrt(float64(ce.popF32()))))
	case wasm.OpcodeF32Add:
		b, a := ce.popF32(), ce.popF32()
		ce.pushF32(a + b)
	case wasm.OpcodeF32Sub:
		b, a := ce.popF32(), ce.popF32()
		ce.pushF32(a - b)
	case wasm.OpcodeF32Mul:
		b, a := ce.popF32(), ce.popF32()
		ce.pushF32(a * b)
	case wasm.OpcodeF32Div:
		b, a := ce.popF32(), ce.popF32()
		ce.pushF32(a / b)
	case wasm.OpcodeF32Min:
		b, a := ce.popF32(), ce.popF32()
		ce.pushF32(float32(moremath.WasmCompatMin(float64(a), float64(b))))
	case wasm.OpcodeF32Max:
		b, a := ce.popF32(), ce.popF32()
		ce.pushF32(float32(moremath.WasmCompatMax(float64(a), float64(b))))
	case wasm.OpcodeF32Copysign:
		b, a := uint32(ce.popValue()), uint32(ce.popValue())
		ce.pushI32(a&^(1<<31) | b&(1<<31))

	// f64 arithmetic.
	case wasm.OpcodeF64Abs:
		ce.pushF64(math.Abs(ce.popF64()))
	case wasm.OpcodeF64Neg:
		ce.pushF64(-ce.popF64())
	case wasm.OpcodeF64Ceil:
		ce.pushF64(math.Ceil(ce.popF64()))
	case wasm.OpcodeF64Floor:
		ce.pushF64(math.Floor(ce.popF64()))
	case wasm.OpcodeF64Trunc:
		ce.pushF64(math.Trunc(ce.popF64()))
	case wasm.OpcodeF64Nearest:
		ce.pushF64(moremath.WasmCompatNearestF64(ce.popF64()))
	case wasm.OpcodeF64Sqrt:
		ce.pushF64(math.Sqrt(ce.popF64()))
	case wasm.OpcodeF64Add:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(a + b)
	case wasm.OpcodeF64Sub:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(a - b)
	case wasm.OpcodeF64Mul:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(a * b)
	case wasm.OpcodeF64Div:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(a / b)
	case wasm.OpcodeF64Min:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(moremath.WasmCompatMin(a, b))
	case wasm.OpcodeF64Max:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(moremath.WasmCompatMax(a, b))
	case wasm.OpcodeF64Copysign:
		b, a := ce.popF64(), ce.popF64()
		ce.pushF64(math.Copysign(a, b))

	// Conversions.
	case wasm.OpcodeI32WrapI64:
		ce.pushI32(uint32(ce.popI64()))
	case wasm.OpcodeI32TruncF32S:
		ce.pushI32(uint32(truncI64S(float64(ce.popF32()), math.MinInt32, math.MaxInt32)))
	case wasm.OpcodeI32TruncF32U:
		ce.pushI32(uint32(truncU64(float64(ce.popF32()), math.MaxUint32)))
	case wasm.OpcodeI32TruncF64S:
		ce.pushI32(uint32(truncI64S(ce.popF64(), math.MinInt32, math.MaxInt32)))
	case wasm.OpcodeI32TruncF64U:
		ce.pushI32(uint32(truncU64(ce.popF64(), math.MaxUint32)))
	case wasm.OpcodeI64ExtendI32S:
		ce.pushI64(uint64(int64(int32(ce.popI32()))))
	case wasm.OpcodeI64ExtendI32U:
		ce.pushI64(uint64(ce.popI32()))
	case wasm.OpcodeI64TruncF32S:
		ce.pushI64(uint64(truncI64S(float64(ce.popF32()), math.MinInt64, math.MaxInt64)))
	case wasm.OpcodeI64TruncF32U:
		ce.pushI64(truncU64(float64(ce.popF32()), math.MaxUint64))
	case wasm.OpcodeI64TruncF64S:
		ce.pushI64(uint64(truncI64S(ce.popF64(), math.MinInt64, math.MaxInt64)))
	case wasm.OpcodeI64TruncF64U:
		ce.pushI64(truncU64(ce.popF64(), math.MaxUint64))
	case wasm.OpcodeF32ConvertI32S:
		ce.pushF32(float32(int32(ce.popI32())))
	case wasm.OpcodeF32ConvertI32U:
		ce.pushF32(float32(ce.popI32()))
	case wasm.OpcodeF32ConvertI64S:
		ce.pushF32(float32(int64(ce.popI64())))
	case wasm.OpcodeF32ConvertI64U:
		ce.pushF32(float32(ce.popI64()))
	case wasm.OpcodeF32DemoteF64:
		ce.pushF32(float32(ce.popF64()))
	case wasm.OpcodeF64ConvertI32S:
		ce.pushF64(float64(int32(ce.popI32())))
	case wasm.OpcodeF64ConvertI32U:
		ce.pushF64(float64(ce.popI32()))
	case wasm.OpcodeF64ConvertI64S:
		ce.pushF64(float64(int64(ce.popI64())))
	case wasm.OpcodeF64ConvertI64U:
		ce.pushF64(float64(ce.popI64()))
	case wasm.OpcodeF64PromoteF32:
		ce.pushF64(float64(ce.popF32()))
	case wasm.OpcodeI32ReinterpretF32:
		ce.pushI32(uint32(ce.popValue()))
	case wasm.OpcodeI64ReinterpretF64:
		ce.pushI64(ce.popValue())
	case wasm.OpcodeF32ReinterpretI32:
		ce.pushValue(uint64(ce.popI32()))
	case wasm.OpcodeF64ReinterpretI64:
		ce.pushValue(ce.popI64())

	default:
		panic(wasmruntime.New(wasmruntime.KindHostTrap, "unimplemented opcode %#x", instr.Opcode))
	}
}

// truncI64S converts f to a signed integer, trapping with
// wasmruntime.KindInvalidConversionToInteger if f is NaN or out of [min, max].
func truncI64S(f float64, min, max int64) int64 {
	t := math.Trunc(f)
	if math.IsNaN(t) || t < float64(min) || t >= float64(max)+1 {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	return int64(t)
}

// truncU64 converts f to an unsigned integer with the same trapping rule.
func truncU64(f float64, max uint64) uint64 {
	t := math.Trunc(f)
	if math.IsNaN(t) || t < 0 {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	if max == math.MaxUint64 {
		if t >= 18446744073709551616.0 {
			panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
		}
	} else if t > float64(max) {
		panic(wasmruntime.ErrRuntimeInvalidConversionToInteger)
	}
	return uint64(t)
}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
