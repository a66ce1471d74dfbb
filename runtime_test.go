package wazcore

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/leb128"
	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

var testCtx = context.Background()

// Binary-encoding helpers for the tests: just enough of the Wasm 1.0
// binary format to assemble small fixture modules by hand.

func wasmHeader() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func wasmSection(id byte, payload ...byte) []byte {
	out := []byte{id}
	out = append(out, leb128.EncodeUint32(uint32(len(payload)))...)
	return append(out, payload...)
}

func wasmName(s string) []byte {
	return append(leb128.EncodeUint32(uint32(len(s))), s...)
}

func wasmBody(b ...byte) []byte {
	out := leb128.EncodeUint32(uint32(len(b) + 1))
	out = append(out, 0x00) // no locals
	return append(out, b...)
}

// addWasm exports add: (i32, i32) -> i32.
func addWasm() []byte {
	bin := wasmHeader()
	bin = append(bin, wasmSection(1, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f)...)
	bin = append(bin, wasmSection(3, 0x01, 0x00)...)
	bin = append(bin, wasmSection(7, append(append([]byte{0x01}, wasmName("add")...), 0x00, 0x00)...)...)
	bin = append(bin, wasmSection(10, append([]byte{0x01},
		wasmBody(
			0x20, 0x00, // local.get 0
			0x20, 0x01, // local.get 1
			0x6a, // i32.add
			0x0b, // end
		)...)...)...)
	return bin
}

// fibWasm exports fib: (i32) -> i32, the recursive definition.
func fibWasm() []byte {
	bin := wasmHeader()
	bin = append(bin, wasmSection(1, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f)...)
	bin = append(bin, wasmSection(3, 0x01, 0x00)...)
	bin = append(bin, wasmSection(7, append(append([]byte{0x01}, wasmName("fib")...), 0x00, 0x00)...)...)
	bin = append(bin, wasmSection(10, append([]byte{0x01},
		wasmBody(
			0x20, 0x00, // local.get 0
			0x41, 0x02, // i32.const 2
			0x48,       // i32.lt_s
			0x04, 0x7f, // if (result i32)
			0x20, 0x00, // local.get 0
			0x05,       // else
			0x20, 0x00, // local.get 0
			0x41, 0x01, // i32.const 1
			0x6b,       // i32.sub
			0x10, 0x00, // call 0
			0x20, 0x00, // local.get 0
			0x41, 0x02, // i32.const 2
			0x6b,       // i32.sub
			0x10, 0x00, // call 0
			0x6a, // i32.add
			0x0b, // end (if)
			0x0b, // end (function)
		)...)...)...)
	return bin
}

// divWasm exports div: (i32, i32) -> i32 using i32.div_s.
func divWasm() []byte {
	bin := wasmHeader()
	bin = append(bin, wasmSection(1, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f)...)
	bin = append(bin, wasmSection(3, 0x01, 0x00)...)
	bin = append(bin, wasmSection(7, append(append([]byte{0x01}, wasmName("div")...), 0x00, 0x00)...)...)
	bin = append(bin, wasmSection(10, append([]byte{0x01},
		wasmBody(
			0x20, 0x00,
			0x20, 0x01,
			0x6d, // i32.div_s
			0x0b,
		)...)...)...)
	return bin
}

// helloWasm exports a one-page memory initialized with "Hello, World!\n"
// at offset 0, plus a mutable i32 global "counter" initialized to 10.
func helloWasm() []byte {
	data := "Hello, World!\n"
	dataSec := []byte{0x01, 0x00, 0x41, 0x00, 0x0b}
	dataSec = append(dataSec, byte(len(data)))
	dataSec = append(dataSec, data...)

	exports := []byte{0x02}
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, 0x02, 0x00) // memory 0
	exports = append(exports, wasmName("counter")...)
	exports = append(exports, 0x03, 0x00) // global 0

	bin := wasmHeader()
	bin = append(bin, wasmSection(5, 0x01, 0x00, 0x01)...)                   // memory min 1
	bin = append(bin, wasmSection(6, 0x01, 0x7f, 0x01, 0x41, 0x0a, 0x0b)...) // global (mut i32) = 10
	bin = append(bin, wasmSection(7, exports...)...)
	bin = append(bin, wasmSection(11, dataSec...)...)
	return bin
}

func TestRuntime_add(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	mod, err := r.Instantiate(testCtx, addWasm())
	require.NoError(t, err)

	add := mod.ExportedFunction("add")
	require.NotNil(t, add)
	require.Equal(t, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, add.ParamTypes())
	require.Equal(t, []api.ValueType{api.ValueTypeI32}, add.ResultTypes())

	results, err := add.Call(testCtx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, results)

	// Addition wraps modulo 2^32.
	results, err = add.Call(testCtx, uint64(uint32(math.MaxInt32)), 1)
	require.NoError(t, err)
	require.Equal(t, int32(math.MinInt32), int32(uint32(results[0])))
}

func TestRuntime_fib(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	mod, err := r.Instantiate(testCtx, fibWasm())
	require.NoError(t, err)

	fib := mod.ExportedFunction("fib")
	for _, tc := range []struct{ in, expected uint64 }{{10, 55}, {20, 6765}} {
		results, err := fib.Call(testCtx, tc.in)
		require.NoError(t, err)
		require.Equal(t, []uint64{tc.expected}, results)
	}
}

func TestRuntime_trap(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	mod, err := r.Instantiate(testCtx, divWasm())
	require.NoError(t, err)

	div := mod.ExportedFunction("div")

	_, err = div.Call(testCtx, 7, 0)
	var trap *wasmruntime.Error
	require.True(t, errors.As(err, &trap))
	require.Equal(t, wasmruntime.KindIntegerDivideByZero, trap.Kind)

	minInt32 := int32(math.MinInt32)
	negOne := int32(-1)
	_, err = div.Call(testCtx, uint64(uint32(minInt32)), uint64(uint32(negOne)))
	require.True(t, errors.As(err, &trap))
	require.Equal(t, wasmruntime.KindIntegerOverflow, trap.Kind)
}

func TestRuntime_memoryAndGlobal(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	mod, err := r.Instantiate(testCtx, helloWasm())
	require.NoError(t, err)

	mem := mod.Memory()
	require.NotNil(t, mem)
	require.Equal(t, uint32(65536), mem.Size(testCtx))

	read, ok := mem.Read(testCtx, 0, 14)
	require.True(t, ok)
	require.Equal(t, []byte("Hello, World!\n"), read)

	_, ok = mem.Read(testCtx, 65535, 2)
	require.False(t, ok)

	require.True(t, mem.Write(testCtx, 100, []byte("x")))
	b, ok := mem.ReadByte(testCtx, 100)
	require.True(t, ok)
	require.Equal(t, byte('x'), b)

	g := mod.ExportedGlobal("counter")
	require.NotNil(t, g)
	require.Equal(t, uint64(10), g.Get(testCtx))

	mut, ok2 := g.(api.MutableGlobal)
	require.True(t, ok2)
	mut.Set(testCtx, 99)
	require.Equal(t, uint64(99), g.Get(testCtx))
}

func TestRuntime_errorKinds(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	t.Run("decode", func(t *testing.T) {
		_, err := r.Instantiate(testCtx, []byte("not wasm"))
		require.ErrorIs(t, err, ErrDecode)
	})

	t.Run("validation", func(t *testing.T) {
		// add's body with an i64 type declaration: operands mismatch.
		bin := wasmHeader()
		bin = append(bin, wasmSection(1, 0x01, 0x60, 0x02, 0x7e, 0x7e, 0x01, 0x7f)...)
		bin = append(bin, wasmSection(3, 0x01, 0x00)...)
		bin = append(bin, wasmSection(10, append([]byte{0x01},
			wasmBody(0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b)...)...)...)
		_, err := r.Instantiate(testCtx, bin)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("link", func(t *testing.T) {
		bin := wasmHeader()
		bin = append(bin, wasmSection(1, 0x01, 0x60, 0x00, 0x00)...)
		imp := []byte{0x01}
		imp = append(imp, wasmName("nowhere")...)
		imp = append(imp, wasmName("f")...)
		imp = append(imp, 0x00, 0x00)
		bin = append(bin, wasmSection(2, imp...)...)
		_, err := r.Instantiate(testCtx, bin)
		require.ErrorIs(t, err, ErrLink)
	})
}

func TestRuntime_moduleNames(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	compiled, err := r.CompileModule(testCtx, addWasm())
	require.NoError(t, err)

	mod, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithName("calc"))
	require.NoError(t, err)
	require.Equal(t, "calc", mod.Name())

	require.NotNil(t, r.Module("calc"))

	// Same name again fails until the first is closed.
	_, err = r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithName("calc"))
	require.ErrorIs(t, err, ErrLink)

	require.NoError(t, mod.Close(testCtx))
	require.Nil(t, r.Module("calc"))

	_, err = r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithName("calc"))
	require.NoError(t, err)
}

func TestRuntime_multipleInstancesOfOneModule(t *testing.T) {
	r := NewRuntime(testCtx)
	defer r.Close(testCtx)

	compiled, err := r.CompileModule(testCtx, helloWasm())
	require.NoError(t, err)

	a, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithName("a"))
	require.NoError(t, err)
	b, err := r.InstantiateModule(testCtx, compiled, NewModuleConfig().WithName("b"))
	require.NoError(t, err)

	// Instances do not share memory.
	require.True(t, a.Memory().WriteByte(testCtx, 0, 'X'))
	got, _ := a.Memory().ReadByte(testCtx, 0)
	require.Equal(t, byte('X'), got)
	got, _ = b.Memory().ReadByte(testCtx, 0)
	require.Equal(t, byte('H'), got)
}
