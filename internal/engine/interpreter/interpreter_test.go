package interpreter

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/wasm"
	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

var ctx = context.Background()

// Instruction shorthands. Jump indices (Else/End) are set explicitly per
// body, mirroring what internal/wasm/binary pre-computes during decode.

func op(o wasm.Opcode) wasm.Instruction { return wasm.Instruction{Opcode: o} }

func i32Const(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpcodeI32Const, Const: uint64(uint32(v))}
}

func i64Const(v int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpcodeI64Const, Const: uint64(v)}
}

func f32Const(v float32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpcodeF32Const, Const: uint64(math.Float32bits(v))}
}

func f64Const(v float64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpcodeF64Const, Const: math.Float64bits(v)}
}

func localGet(i uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpcodeLocalGet, Index: i}
}

func br(l uint32) wasm.Instruction { return wasm.Instruction{Opcode: wasm.OpcodeBr, Index: l} }

func call(f uint32) wasm.Instruction { return wasm.Instruction{Opcode: wasm.OpcodeCall, Index: f} }

func load(o wasm.Opcode, offset uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: o, MemArg: wasm.MemArg{Offset: offset}}
}

var i32x1 = wasm.BlockType{Arity: 1, Result: api.ValueTypeI32}

// instantiate builds a store around a fresh interpreter engine and
// instantiates m under the name "test".
func instantiate(t *testing.T, m *wasm.Module) *wasm.ModuleInstance {
	t.Helper()
	store := wasm.NewStore(NewEngine())
	mi, err := wasm.Instantiate(ctx, store, "test", m, nil)
	require.NoError(t, err)
	return mi
}

// singleFuncModule exports one defined function named "fn".
func singleFuncModule(ft wasm.FunctionType, locals []api.ValueType, body ...wasm.Instruction) *wasm.Module {
	return &wasm.Module{
		TypeSection:     []wasm.FunctionType{ft},
		FunctionSection: []uint32{0},
		CodeSection:     []wasm.Code{{LocalTypes: locals, Body: body}},
		ExportSection: map[string]wasm.Export{
			"fn": {Type: api.ExternTypeFunc, Name: "fn", Index: 0},
		},
	}
}

func invoke(t *testing.T, mi *wasm.ModuleInstance, name string, params ...uint64) []uint64 {
	t.Helper()
	exp := mi.Exports[name]
	results, err := mi.Engine.Call(ctx, mi, exp.Index, params)
	require.NoError(t, err)
	return results
}

func invokeErr(t *testing.T, mi *wasm.ModuleInstance, name string, params ...uint64) error {
	t.Helper()
	exp := mi.Exports[name]
	_, err := mi.Engine.Call(ctx, mi, exp.Index, params)
	require.Error(t, err)
	return err
}

func requireTrap(t *testing.T, err error, kind wasmruntime.Kind) {
	t.Helper()
	var te *wasmruntime.Error
	require.True(t, errors.As(err, &te), "expected a trap, got %v", err)
	require.Equal(t, kind, te.Kind, "trap: %v", te)
}

func TestCall_fib(t *testing.T) {
	// fib(n) = n if n < 2 else fib(n-1) + fib(n-2)
	body := []wasm.Instruction{
		localGet(0),                   // 0
		i32Const(2),                   // 1
		op(wasm.OpcodeI32LtS),         // 2
		{Opcode: wasm.OpcodeIf, BlockType: i32x1, Else: 5, End: 15}, // 3
		localGet(0),                   // 4
		{Opcode: wasm.OpcodeElse, End: 15}, // 5
		localGet(0),                   // 6
		i32Const(1),                   // 7
		op(wasm.OpcodeI32Sub),         // 8
		call(0),                       // 9
		localGet(0),                   // 10
		i32Const(2),                   // 11
		op(wasm.OpcodeI32Sub),         // 12
		call(0),                       // 13
		op(wasm.OpcodeI32Add),         // 14
		op(wasm.OpcodeEnd),            // 15
		op(wasm.OpcodeEnd),            // 16
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil, body...))

	for _, tc := range []struct{ in, expected uint64 }{
		{0, 0}, {1, 1}, {2, 1}, {5, 5}, {10, 55}, {20, 6765},
	} {
		require.Equal(t, []uint64{tc.expected}, invoke(t, mi, "fn", tc.in))
	}
}

func TestI32Add_wraps(t *testing.T) {
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil,
		localGet(0), localGet(1), op(wasm.OpcodeI32Add), op(wasm.OpcodeEnd)))

	require.Equal(t, []uint64{3}, invoke(t, mi, "fn", 1, 2))

	results := invoke(t, mi, "fn", uint64(uint32(math.MaxInt32)), 1)
	require.Equal(t, int32(math.MinInt32), int32(uint32(results[0])))
}

func TestI32DivS_traps(t *testing.T) {
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil,
		localGet(0), localGet(1), op(wasm.OpcodeI32DivS), op(wasm.OpcodeEnd)))

	require.Equal(t, []uint64{3}, invoke(t, mi, "fn", 7, 2))

	minInt32 := int32(math.MinInt32)
	negOne := int32(-1)
	err := invokeErr(t, mi, "fn", uint64(uint32(minInt32)), uint64(uint32(negOne)))
	requireTrap(t, err, wasmruntime.KindIntegerOverflow)

	err = invokeErr(t, mi, "fn", 7, 0)
	requireTrap(t, err, wasmruntime.KindIntegerDivideByZero)
}

func TestI32RemS_minIntNegOne(t *testing.T) {
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil,
		localGet(0), localGet(1), op(wasm.OpcodeI32RemS), op(wasm.OpcodeEnd)))

	minInt32 := int32(math.MinInt32)
	negOne := int32(-1)
	require.Equal(t, []uint64{0}, invoke(t, mi, "fn", uint64(uint32(minInt32)), uint64(uint32(negOne))))
	require.Equal(t, []uint64{1}, invoke(t, mi, "fn", 7, 2))
}

func TestBr_loopValue(t *testing.T) {
	// block i32 { loop i32 { i32.const 3; br 1; i32.const 2 } } == 3
	body := []wasm.Instruction{
		{Opcode: wasm.OpcodeBlock, BlockType: i32x1, End: 6}, // 0
		{Opcode: wasm.OpcodeLoop, BlockType: i32x1, End: 5},  // 1
		i32Const(3),        // 2
		br(1),              // 3
		i32Const(2),        // 4
		op(wasm.OpcodeEnd), // 5
		op(wasm.OpcodeEnd), // 6
		op(wasm.OpcodeEnd), // 7
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Results: []api.ValueType{api.ValueTypeI32}}, nil, body...))
	require.Equal(t, []uint64{3}, invoke(t, mi, "fn"))
}

func TestBr_multiLevelUnwind(t *testing.T) {
	// br 2 from three labels deep must discard every intervening label's
	// stack accumulation, not just the innermost (the formal 1.0 rule).
	body := []wasm.Instruction{
		{Opcode: wasm.OpcodeBlock, BlockType: i32x1, End: 10}, // 0
		i32Const(100), // 1: would be left behind by a one-label unwind
		{Opcode: wasm.OpcodeBlock, BlockType: wasm.BlockType{}, End: 9}, // 2
		i32Const(200),                                                   // 3
		{Opcode: wasm.OpcodeBlock, BlockType: wasm.BlockType{}, End: 8}, // 4
		i32Const(300),         // 5
		i32Const(42),          // 6
		br(2),                 // 7
		op(wasm.OpcodeEnd),    // 8
		op(wasm.OpcodeEnd),    // 9
		op(wasm.OpcodeEnd),    // 10
		op(wasm.OpcodeEnd),    // 11
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Results: []api.ValueType{api.ValueTypeI32}}, nil, body...))
	require.Equal(t, []uint64{42}, invoke(t, mi, "fn"))
}

func TestBrIf(t *testing.T) {
	// if the param is non-zero, exit the block early with 1; else fall
	// through to 2.
	body := []wasm.Instruction{
		{Opcode: wasm.OpcodeBlock, BlockType: i32x1, End: 6}, // 0
		i32Const(1),  // 1
		localGet(0),  // 2
		{Opcode: wasm.OpcodeBrIf, Index: 0}, // 3
		op(wasm.OpcodeDrop),                 // 4
		i32Const(2),                         // 5
		op(wasm.OpcodeEnd),                  // 6
		op(wasm.OpcodeEnd),                  // 7
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil, body...))

	require.Equal(t, []uint64{1}, invoke(t, mi, "fn", 1))
	require.Equal(t, []uint64{2}, invoke(t, mi, "fn", 0))
}

func TestBrTable(t *testing.T) {
	// A two-case switch: case 0 returns 10, case 1 and the default return 20.
	body := []wasm.Instruction{
		{Opcode: wasm.OpcodeBlock, BlockType: wasm.BlockType{}, End: 7}, // 0
		{Opcode: wasm.OpcodeBlock, BlockType: wasm.BlockType{}, End: 4}, // 1
		localGet(0), // 2
		{Opcode: wasm.OpcodeBrTable, BrTable: []uint32{0, 1}}, // 3
		op(wasm.OpcodeEnd), // 4: case 0
		i32Const(10),       // 5
		op(wasm.OpcodeReturn), // 6
		op(wasm.OpcodeEnd),    // 7: case 1 and default
		i32Const(20),          // 8
		op(wasm.OpcodeEnd),    // 9
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil, body...))

	require.Equal(t, []uint64{10}, invoke(t, mi, "fn", 0))
	require.Equal(t, []uint64{20}, invoke(t, mi, "fn", 1))
	require.Equal(t, []uint64{20}, invoke(t, mi, "fn", 7)) // default
}

func TestUnreachable(t *testing.T) {
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{}, nil, op(wasm.OpcodeUnreachable), op(wasm.OpcodeEnd)))
	requireTrap(t, invokeErr(t, mi, "fn"), wasmruntime.KindUnreachable)
}

func TestCallStackExhaustion(t *testing.T) {
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{}, nil, call(0), op(wasm.OpcodeEnd)))
	requireTrap(t, invokeErr(t, mi, "fn"), wasmruntime.KindCallStackExhaustion)
}

func TestMemory_dataSegmentReadBack(t *testing.T) {
	data := []byte("Hello, World!\n")
	m := &wasm.Module{
		MemorySection: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		DataSection: []wasm.DataSegment{{
			Offset: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
			Init:   data,
		}},
		ExportSection: map[string]wasm.Export{
			"memory": {Type: api.ExternTypeMemory, Name: "memory", Index: 0},
		},
	}
	mi := instantiate(t, m)

	read, ok := mi.Memory().Read(0, uint32(len(data)))
	require.True(t, ok)
	require.Equal(t, data, read)
}

func TestMemory_loadOutOfBoundsTraps(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []uint32{0},
		MemorySection:   []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		CodeSection: []wasm.Code{{Body: []wasm.Instruction{
			localGet(0),
			load(wasm.OpcodeI32Load16U, 0),
			op(wasm.OpcodeEnd),
		}}},
		ExportSection: map[string]wasm.Export{
			"fn": {Type: api.ExternTypeFunc, Name: "fn", Index: 0},
		},
	}
	mi := instantiate(t, m)

	// 65534 is the last in-bounds 16-bit load of a one-page memory.
	invoke(t, mi, "fn", 65534)
	requireTrap(t, invokeErr(t, mi, "fn", 65535), wasmruntime.KindOutOfBoundsMemory)
}

func TestMemory_growAndSize(t *testing.T) {
	max := uint32(2)
	m := &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []uint32{0, 0},
		MemorySection:   []wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: &max}}},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{
				localGet(0),
				{Opcode: wasm.OpcodeMemoryGrow},
				op(wasm.OpcodeEnd),
			}},
			{Body: []wasm.Instruction{
				// unused param (keeps one shared type); params live in
				// locals, not on the value stack, so nothing to drop.
				{Opcode: wasm.OpcodeMemorySize},
				op(wasm.OpcodeEnd),
			}},
		},
		ExportSection: map[string]wasm.Export{
			"grow": {Type: api.ExternTypeFunc, Name: "grow", Index: 0},
			"size": {Type: api.ExternTypeFunc, Name: "size", Index: 1},
		},
	}
	// The second function ignores its parameter, so pass a dummy argument.
	mi := instantiate(t, m)

	require.Equal(t, []uint64{1}, invoke(t, mi, "size", 0))
	require.Equal(t, []uint64{1}, invoke(t, mi, "grow", 1)) // previous page count
	require.Equal(t, []uint64{2}, invoke(t, mi, "size", 0))

	// Over max: -1, and size unchanged.
	results := invoke(t, mi, "grow", 1)
	require.Equal(t, int32(-1), int32(uint32(results[0])))
	require.Equal(t, []uint64{2}, invoke(t, mi, "size", 0))
}

func TestCallIndirect(t *testing.T) {
	m := &wasm.Module{
		TypeSection: []wasm.FunctionType{
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}, // 0
			{Params: []api.ValueType{api.ValueTypeI64}, Results: []api.ValueType{api.ValueTypeI32}}, // 1
		},
		// 0: the callee (i32) -> i32, doubling its argument.
		// 1: caller with the matching declared type.
		// 2: caller declaring (i64) -> i32, a type mismatch.
		FunctionSection: []uint32{0, 0, 1},
		TableSection:    []wasm.TableType{{Limits: wasm.Limits{Min: 2}}},
		ElementSection: []wasm.ElementSegment{{
			Offset: wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0}},
			Init:   []uint32{0},
		}},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{
				localGet(0), localGet(0), op(wasm.OpcodeI32Add), op(wasm.OpcodeEnd),
			}},
			{Body: []wasm.Instruction{
				localGet(0),
				i32Const(0), // table slot
				{Opcode: wasm.OpcodeCallIndirect, Index: 0},
				op(wasm.OpcodeEnd),
			}},
			{Body: []wasm.Instruction{
				localGet(0),
				i32Const(0),
				{Opcode: wasm.OpcodeCallIndirect, Index: 1},
				op(wasm.OpcodeEnd),
			}},
		},
		ExportSection: map[string]wasm.Export{
			"ok":       {Type: api.ExternTypeFunc, Name: "ok", Index: 1},
			"mismatch": {Type: api.ExternTypeFunc, Name: "mismatch", Index: 2},
		},
	}
	mi := instantiate(t, m)

	require.Equal(t, []uint64{42}, invoke(t, mi, "ok", 21))
	requireTrap(t, invokeErr(t, mi, "mismatch", 21), wasmruntime.KindIndirectCallTypeMismatch)
}

func TestCallIndirect_nullAndOutOfRange(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []uint32{0},
		TableSection:    []wasm.TableType{{Limits: wasm.Limits{Min: 2}}},
		CodeSection: []wasm.Code{{Body: []wasm.Instruction{
			localGet(0),
			{Opcode: wasm.OpcodeCallIndirect, Index: 0},
			op(wasm.OpcodeEnd),
		}}},
		ExportSection: map[string]wasm.Export{
			"fn": {Type: api.ExternTypeFunc, Name: "fn", Index: 0},
		},
	}
	mi := instantiate(t, m)

	// Slot 0 exists but was never initialized: undefined element.
	requireTrap(t, invokeErr(t, mi, "fn", 0), wasmruntime.KindUndefinedElement)
	// Slot 99 is outside the table: out of bounds.
	requireTrap(t, invokeErr(t, mi, "fn", 99), wasmruntime.KindOutOfBoundsTable)
}

func TestFloat_nanSemantics(t *testing.T) {
	ftF32Cmp := wasm.FunctionType{Params: []api.ValueType{api.ValueTypeF32, api.ValueTypeF32}, Results: []api.ValueType{api.ValueTypeI32}}
	nan := uint64(math.Float32bits(float32(math.NaN())))

	t.Run("eq", func(t *testing.T) {
		mi := instantiate(t, singleFuncModule(ftF32Cmp, nil,
			localGet(0), localGet(1), op(wasm.OpcodeF32Eq), op(wasm.OpcodeEnd)))
		require.Equal(t, []uint64{0}, invoke(t, mi, "fn", nan, nan))
	})

	t.Run("ne", func(t *testing.T) {
		mi := instantiate(t, singleFuncModule(ftF32Cmp, nil,
			localGet(0), localGet(1), op(wasm.OpcodeF32Ne), op(wasm.OpcodeEnd)))
		require.Equal(t, []uint64{1}, invoke(t, mi, "fn", nan, nan))
	})

	t.Run("min returns NaN", func(t *testing.T) {
		ft := wasm.FunctionType{Params: []api.ValueType{api.ValueTypeF32, api.ValueTypeF32}, Results: []api.ValueType{api.ValueTypeF32}}
		mi := instantiate(t, singleFuncModule(ft, nil,
			localGet(0), localGet(1), op(wasm.OpcodeF32Min), op(wasm.OpcodeEnd)))
		results := invoke(t, mi, "fn", nan, uint64(math.Float32bits(1.0)))
		require.True(t, math.IsNaN(float64(math.Float32frombits(uint32(results[0])))))
	})
}

func TestFloat_signedZeroMinMax(t *testing.T) {
	negZero := uint64(math.Float64bits(math.Copysign(0, -1)))
	posZero := uint64(math.Float64bits(0))
	ft := wasm.FunctionType{Params: []api.ValueType{api.ValueTypeF64, api.ValueTypeF64}, Results: []api.ValueType{api.ValueTypeF64}}

	mi := instantiate(t, singleFuncModule(ft, nil,
		localGet(0), localGet(1), op(wasm.OpcodeF64Min), op(wasm.OpcodeEnd)))
	require.Equal(t, []uint64{negZero}, invoke(t, mi, "fn", negZero, posZero))

	mi = instantiate(t, singleFuncModule(ft, nil,
		localGet(0), localGet(1), op(wasm.OpcodeF64Max), op(wasm.OpcodeEnd)))
	require.Equal(t, []uint64{posZero}, invoke(t, mi, "fn", negZero, posZero))
}

func TestReinterpret_roundTrip(t *testing.T) {
	ft := wasm.FunctionType{Params: []api.ValueType{api.ValueTypeF64}, Results: []api.ValueType{api.ValueTypeF64}}
	mi := instantiate(t, singleFuncModule(ft, nil,
		localGet(0),
		op(wasm.OpcodeI64ReinterpretF64),
		op(wasm.OpcodeF64ReinterpretI64),
		op(wasm.OpcodeEnd)))

	for _, bitPattern := range []uint64{
		0,
		math.Float64bits(1.5),
		math.Float64bits(math.Inf(-1)),
		0x7ff8000000000001, // NaN with a payload: must survive bit-exactly
		0xfff0000000000123,
	} {
		require.Equal(t, []uint64{bitPattern}, invoke(t, mi, "fn", bitPattern))
	}
}

func TestTrunc_traps(t *testing.T) {
	ft := wasm.FunctionType{Params: []api.ValueType{api.ValueTypeF64}, Results: []api.ValueType{api.ValueTypeI32}}

	t.Run("signed", func(t *testing.T) {
		mi := instantiate(t, singleFuncModule(ft, nil,
			localGet(0), op(wasm.OpcodeI32TruncF64S), op(wasm.OpcodeEnd)))

		negThree := int32(-3)
		require.Equal(t, []uint64{uint64(uint32(negThree))}, invoke(t, mi, "fn", uint64(math.Float64bits(-3.7))))

		requireTrap(t, invokeErr(t, mi, "fn", uint64(math.Float64bits(math.NaN()))), wasmruntime.KindInvalidConversionToInteger)
		requireTrap(t, invokeErr(t, mi, "fn", uint64(math.Float64bits(math.MaxInt32+1))), wasmruntime.KindInvalidConversionToInteger)
	})

	t.Run("unsigned rejects -1", func(t *testing.T) {
		mi := instantiate(t, singleFuncModule(ft, nil,
			localGet(0), op(wasm.OpcodeI32TruncF64U), op(wasm.OpcodeEnd)))
		requireTrap(t, invokeErr(t, mi, "fn", uint64(math.Float64bits(-1))), wasmruntime.KindInvalidConversionToInteger)
	})
}

func TestIntegerOps_edgeCases(t *testing.T) {
	unary := func(o wasm.Opcode) *wasm.ModuleInstance {
		return instantiate(t, singleFuncModule(
			wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
			nil, localGet(0), op(o), op(wasm.OpcodeEnd)))
	}

	require.Equal(t, []uint64{32}, invoke(t, unary(wasm.OpcodeI32Clz), "fn", 0))
	require.Equal(t, []uint64{32}, invoke(t, unary(wasm.OpcodeI32Ctz), "fn", 0))
	require.Equal(t, []uint64{0}, invoke(t, unary(wasm.OpcodeI32Popcnt), "fn", 0))
	require.Equal(t, []uint64{32}, invoke(t, unary(wasm.OpcodeI32Popcnt), "fn", math.MaxUint32))

	binary := func(o wasm.Opcode) *wasm.ModuleInstance {
		return instantiate(t, singleFuncModule(
			wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
			nil, localGet(0), localGet(1), op(o), op(wasm.OpcodeEnd)))
	}

	// Shift amounts are taken modulo 32.
	require.Equal(t, []uint64{2}, invoke(t, binary(wasm.OpcodeI32Shl), "fn", 1, 33))
	require.Equal(t, []uint64{1}, invoke(t, binary(wasm.OpcodeI32ShrU), "fn", 2, 33))
}

func TestLocalsAndGlobals(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []api.ValueType{api.ValueTypeI64}, Results: []api.ValueType{api.ValueTypeI64}}},
		FunctionSection: []uint32{0},
		GlobalSection: []wasm.GlobalDef{{
			Type: wasm.GlobalType{ValType: api.ValueTypeI64, Mutable: true},
			Init: wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: []byte{5}},
		}},
		// Adds the param to the global, stores the sum back, returns it via
		// a declared local and local.tee.
		CodeSection: []wasm.Code{{
			LocalTypes: []api.ValueType{api.ValueTypeI64},
			Body: []wasm.Instruction{
				localGet(0),
				{Opcode: wasm.OpcodeGlobalGet, Index: 0},
				op(wasm.OpcodeI64Add),
				{Opcode: wasm.OpcodeLocalTee, Index: 1},
				{Opcode: wasm.OpcodeGlobalSet, Index: 0},
				{Opcode: wasm.OpcodeLocalGet, Index: 1},
				op(wasm.OpcodeEnd),
			},
		}},
		ExportSection: map[string]wasm.Export{
			"fn": {Type: api.ExternTypeFunc, Name: "fn", Index: 0},
		},
	}
	mi := instantiate(t, m)

	require.Equal(t, []uint64{7}, invoke(t, mi, "fn", 2))
	require.Equal(t, []uint64{10}, invoke(t, mi, "fn", 3)) // global kept 7
}

func TestSelect(t *testing.T) {
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil,
		i32Const(10), i32Const(20), localGet(0), op(wasm.OpcodeSelect), op(wasm.OpcodeEnd)))

	require.Equal(t, []uint64{10}, invoke(t, mi, "fn", 1))
	require.Equal(t, []uint64{20}, invoke(t, mi, "fn", 0))
}

func TestHostFunction_callAndTrap(t *testing.T) {
	store := wasm.NewStore(NewEngine())

	var hostCalls int
	_, err := wasm.NewHostModule(store, "env", []*wasm.HostFunc{
		{
			ExportName: "mul2",
			Type:       &wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
			GoFunc: func(_ context.Context, stack []uint64) {
				hostCalls++
				stack[0] = uint64(uint32(stack[0]) * 2)
			},
		},
		{
			ExportName: "boom",
			Type:       &wasm.FunctionType{},
			GoFunc: func(_ context.Context, _ []uint64) {
				panic("host exploded")
			},
		},
	}, nil, nil, nil)
	require.NoError(t, err)

	m := &wasm.Module{
		TypeSection: []wasm.FunctionType{
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
			{},
		},
		ImportSection: []wasm.Import{
			{Type: api.ExternTypeFunc, Module: "env", Name: "mul2", DescFunc: 0},
			{Type: api.ExternTypeFunc, Module: "env", Name: "boom", DescFunc: 1},
		},
		FunctionSection: []uint32{0, 1},
		CodeSection: []wasm.Code{
			{Body: []wasm.Instruction{localGet(0), call(0), op(wasm.OpcodeEnd)}},
			{Body: []wasm.Instruction{call(1), op(wasm.OpcodeEnd)}},
		},
		ExportSection: map[string]wasm.Export{
			"double": {Type: api.ExternTypeFunc, Name: "double", Index: 2},
			"crash":  {Type: api.ExternTypeFunc, Name: "crash", Index: 3},
		},
	}
	mi, err := wasm.Instantiate(ctx, store, "test", m, store.Modules())
	require.NoError(t, err)

	require.Equal(t, []uint64{84}, invoke(t, mi, "double", 42))
	require.Equal(t, 1, hostCalls)

	requireTrap(t, invokeErr(t, mi, "crash"), wasmruntime.KindHostTrap)
}

func TestIf_noElse(t *testing.T) {
	// if without else and empty block type: the skipped branch jumps to end.
	body := []wasm.Instruction{
		i32Const(0),      // 0: result placeholder
		localGet(0),      // 1
		{Opcode: wasm.OpcodeIf, BlockType: wasm.BlockType{}, End: 5}, // 2
		op(wasm.OpcodeNop), // 3
		op(wasm.OpcodeNop), // 4
		op(wasm.OpcodeEnd), // 5
		op(wasm.OpcodeEnd), // 6
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		nil, body...))

	require.Equal(t, []uint64{0}, invoke(t, mi, "fn", 0))
	require.Equal(t, []uint64{0}, invoke(t, mi, "fn", 1))
}

func TestReturn_insideNestedLabels(t *testing.T) {
	body := []wasm.Instruction{
		{Opcode: wasm.OpcodeBlock, BlockType: wasm.BlockType{}, End: 5}, // 0
		{Opcode: wasm.OpcodeLoop, BlockType: wasm.BlockType{}, End: 4},  // 1
		i32Const(99),          // 2
		op(wasm.OpcodeReturn), // 3
		op(wasm.OpcodeEnd),    // 4
		op(wasm.OpcodeEnd),    // 5
		i32Const(1),           // 6: never reached
		op(wasm.OpcodeEnd),    // 7
	}
	mi := instantiate(t, singleFuncModule(
		wasm.FunctionType{Results: []api.ValueType{api.ValueTypeI32}}, nil, body...))
	require.Equal(t, []uint64{99}, invoke(t, mi, "fn"))
}
