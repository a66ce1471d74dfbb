package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wazerocore/wazcore/api"
)

// AsAPIModule returns the embedder-facing view of this instance. The
// wrapper resolves export names to store entities lazily on each lookup, so
// it stays correct across table/memory growth.
func (m *ModuleInstance) AsAPIModule() api.Module {
	return &module{mi: m}
}

// module adapts *ModuleInstance to api.Module. A separate type rather than
// methods on ModuleInstance itself because Name is already a field there.
type module struct {
	mi *ModuleInstance
}

func (m *module) String() string { return fmt.Sprintf("Module[%s]", m.mi.Name) }

func (m *module) Name() string { return m.mi.Name }

func (m *module) Close(ctx context.Context) error {
	m.mi.Close()
	return nil
}

func (m *module) Memory() api.Memory {
	mem := m.mi.Memory()
	if mem == nil {
		return nil
	}
	return &memory{m: mem}
}

func (m *module) ExportedFunction(name string) api.Function {
	exp, ok := m.mi.Exports[name]
	if !ok || exp.Type != api.ExternTypeFunc {
		return nil
	}
	fn := m.mi.Functions[exp.Index]
	return &function{mi: m.mi, idx: exp.Index, typ: fn.Type}
}

func (m *module) ExportedMemory(name string) api.Memory {
	exp, ok := m.mi.Exports[name]
	if !ok || exp.Type != api.ExternTypeMemory {
		return nil
	}
	return &memory{m: m.mi.Memories[exp.Index]}
}

func (m *module) ExportedGlobal(name string) api.Global {
	exp, ok := m.mi.Exports[name]
	if !ok || exp.Type != api.ExternTypeGlobal {
		return nil
	}
	g := m.mi.Globals[exp.Index]
	if g.Type.Mutable {
		return &mutableGlobal{g: g}
	}
	return &constGlobal{g: g}
}

// function adapts one exported function to api.Function. Each Call runs on
// a fresh callEngine inside the module's Engine, so concurrent Calls of the
// same function do not share a value stack.
type function struct {
	mi  *ModuleInstance
	idx uint32
	typ *FunctionType
}

func (f *function) ParamTypes() []api.ValueType { return f.typ.Params }

func (f *function) ResultTypes() []api.ValueType { return f.typ.Results }

func (f *function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(params) != len(f.typ.Params) {
		return nil, fmt.Errorf("expected %d params, but passed %d", len(f.typ.Params), len(params))
	}
	return f.mi.Engine.Call(ctx, f.mi, f.idx, params)
}

type constGlobal struct {
	g *GlobalInstance
}

func (g *constGlobal) String() string {
	return fmt.Sprintf("global(%s)=%d", api.ValueTypeName(g.g.Type.ValType), g.g.Get())
}

func (g *constGlobal) Type() api.ValueType { return g.g.Type.ValType }

func (g *constGlobal) Get(context.Context) uint64 { return g.g.Get() }

type mutableGlobal struct {
	g *GlobalInstance
}

func (g *mutableGlobal) String() string {
	return fmt.Sprintf("global(mut %s)=%d", api.ValueTypeName(g.g.Type.ValType), g.g.Get())
}

func (g *mutableGlobal) Type() api.ValueType { return g.g.Type.ValType }

func (g *mutableGlobal) Get(context.Context) uint64 { return g.g.Get() }

func (g *mutableGlobal) Set(_ context.Context, v uint64) { g.g.Set(v) }

// memory adapts *MemoryInstance to api.Memory.
type memory struct {
	m *MemoryInstance
}

func (m *memory) Size(context.Context) uint32 {
	return m.m.PageCount() * MemoryPageSize
}

func (m *memory) Grow(_ context.Context, deltaPages uint32) (uint32, bool) {
	return m.m.Grow(deltaPages)
}

func (m *memory) ReadByte(_ context.Context, offset uint32) (byte, bool) {
	b, ok := m.m.Read(offset, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (m *memory) ReadUint16Le(_ context.Context, offset uint32) (uint16, bool) {
	b, ok := m.m.Read(offset, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (m *memory) ReadUint32Le(_ context.Context, offset uint32) (uint32, bool) {
	b, ok := m.m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (m *memory) ReadFloat32Le(ctx context.Context, offset uint32) (float32, bool) {
	v, ok := m.ReadUint32Le(ctx, offset)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(v), true
}

func (m *memory) ReadUint64Le(_ context.Context, offset uint32) (uint64, bool) {
	b, ok := m.m.Read(offset, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (m *memory) ReadFloat64Le(ctx context.Context, offset uint32) (float64, bool) {
	v, ok := m.ReadUint64Le(ctx, offset)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(v), true
}

func (m *memory) Read(_ context.Context, offset, byteCount uint32) ([]byte, bool) {
	return m.m.Read(offset, byteCount)
}

func (m *memory) WriteByte(_ context.Context, offset uint32, v byte) bool {
	return m.m.Write(offset, []byte{v})
}

func (m *memory) WriteUint16Le(_ context.Context, offset uint32, v uint16) bool {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return m.m.Write(offset, b)
}

func (m *memory) WriteUint32Le(_ context.Context, offset, v uint32) bool {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return m.m.Write(offset, b)
}

func (m *memory) WriteFloat32Le(ctx context.Context, offset uint32, v float32) bool {
	return m.WriteUint32Le(ctx, offset, math.Float32bits(v))
}

func (m *memory) WriteUint64Le(_ context.Context, offset uint32, v uint64) bool {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return m.m.Write(offset, b)
}

func (m *memory) WriteFloat64Le(ctx context.Context, offset uint32, v float64) bool {
	return m.WriteUint64Le(ctx, offset, math.Float64bits(v))
}

func (m *memory) Write(_ context.Context, offset uint32, v []byte) bool {
	return m.m.Write(offset, v)
}
