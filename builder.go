package wazcore

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"go.uber.org/zap"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/wasm"
)

// HostModuleBuilder defines a host module (in Go), so that a WebAssembly
// binary can import and use its exports.
//
// Here's an example of an addition function:
//
//	_, err := r.NewHostModuleBuilder("env").
//		NewFunctionBuilder().
//		WithFunc(func(x, y uint32) uint32 { return x + y }).
//		Export("add").
//		Instantiate(ctx)
//
// All exports accumulate until Instantiate, which registers the module in
// the runtime so later InstantiateModule calls can link against it.
type HostModuleBuilder struct {
	r    *Runtime
	name string

	funcs    []*wasm.HostFunc
	globals  []*wasm.HostGlobal
	memories []*wasm.HostMemory
	tables   []*wasm.HostTable

	// err defers the first definition mistake to Instantiate, keeping the
	// fluent chain free of per-step error returns.
	err error
}

// NewFunctionBuilder begins defining one host function.
func (b *HostModuleBuilder) NewFunctionBuilder() *HostFunctionBuilder {
	return &HostFunctionBuilder{b: b}
}

// ExportGlobalI32 exports an immutable i32 global.
func (b *HostModuleBuilder) ExportGlobalI32(name string, v int32) *HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeI32, api.EncodeI32(v))
}

// ExportGlobalI64 exports an immutable i64 global.
func (b *HostModuleBuilder) ExportGlobalI64(name string, v int64) *HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeI64, api.EncodeI64(v))
}

// ExportGlobalF32 exports an immutable f32 global.
func (b *HostModuleBuilder) ExportGlobalF32(name string, v float32) *HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeF32, api.EncodeF32(v))
}

// ExportGlobalF64 exports an immutable f64 global.
func (b *HostModuleBuilder) ExportGlobalF64(name string, v float64) *HostModuleBuilder {
	return b.exportGlobal(name, api.ValueTypeF64, api.EncodeF64(v))
}

func (b *HostModuleBuilder) exportGlobal(name string, vt api.ValueType, v uint64) *HostModuleBuilder {
	b.globals = append(b.globals, &wasm.HostGlobal{
		ExportName: name,
		Type:       wasm.GlobalType{ValType: vt},
		Value:      v,
	})
	return b
}

// ExportMemory exports a linear memory of minPages with no maximum, which
// Wasm modules can import and the host can read or write through the
// instantiated module's api.Memory.
func (b *HostModuleBuilder) ExportMemory(name string, minPages uint32) *HostModuleBuilder {
	b.memories = append(b.memories, &wasm.HostMemory{ExportName: name, MinPages: minPages})
	return b
}

// ExportMemoryWithMax is ExportMemory with a maximum page bound.
func (b *HostModuleBuilder) ExportMemoryWithMax(name string, minPages, maxPages uint32) *HostModuleBuilder {
	b.memories = append(b.memories, &wasm.HostMemory{ExportName: name, MinPages: minPages, MaxPages: &maxPages})
	return b
}

// ExportTable exports a funcref table of minSize null slots, which an
// importing Wasm module can fill via its element segments.
func (b *HostModuleBuilder) ExportTable(name string, minSize uint32) *HostModuleBuilder {
	b.tables = append(b.tables, &wasm.HostTable{ExportName: name, MinSize: minSize})
	return b
}

// Instantiate registers the accumulated exports as a module under the
// builder's name and returns its embedder-facing view.
func (b *HostModuleBuilder) Instantiate(ctx context.Context) (api.Module, error) {
	if b.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLink, b.err)
	}
	mi, err := wasm.NewHostModule(b.r.store, b.name, b.funcs, b.globals, b.memories, b.tables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLink, err)
	}
	b.r.logger.Debug("instantiated host module", zap.String("name", b.name), zap.Int("functions", len(b.funcs)))
	return mi.AsAPIModule(), nil
}

// HostFunctionBuilder defines a single host function via one of three
// binding forms, then attaches it to the module with Export.
type HostFunctionBuilder struct {
	b  *HostModuleBuilder
	fn *wasm.HostFunc
}

// WithGoFunction binds fn with an explicit signature, bypassing reflection:
// the function reads its parameters from and writes its results to the raw
// uint64 stack.
func (f *HostFunctionBuilder) WithGoFunction(fn api.GoFunction, params, results []api.ValueType) *HostFunctionBuilder {
	f.fn = &wasm.HostFunc{
		Type:   &wasm.FunctionType{Params: params, Results: results},
		GoFunc: fn,
	}
	return f
}

// WithGoModuleFunction is WithGoFunction for handlers that also need the
// calling module, most often to access its memory.
func (f *HostFunctionBuilder) WithGoModuleFunction(fn api.GoModuleFunction, params, results []api.ValueType) *HostFunctionBuilder {
	f.fn = &wasm.HostFunc{
		Type:       &wasm.FunctionType{Params: params, Results: results},
		ModuleFunc: fn,
	}
	return f
}

// WithFunc binds an arbitrary Go func via reflection. Parameters may begin
// with a context.Context and/or an api.Module, followed by any mix of
// uint32/int32/uint64/int64/float32/float64; the result may be one such
// numeric type or absent. Any other shape fails at Instantiate.
func (f *HostFunctionBuilder) WithFunc(fn interface{}) *HostFunctionBuilder {
	hf, err := reflectGoFunc(fn)
	if err != nil {
		if f.b.err == nil {
			f.b.err = err
		}
		return f
	}
	f.fn = hf
	return f
}

// Export attaches the defined function under name and returns to the
// module builder for chaining.
func (f *HostFunctionBuilder) Export(name string) *HostModuleBuilder {
	if f.fn == nil {
		if f.b.err == nil {
			f.b.err = fmt.Errorf("export %q has no function bound", name)
		}
		return f.b
	}
	f.fn.ExportName = name
	f.b.funcs = append(f.b.funcs, f.fn)
	return f.b
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	moduleType = reflect.TypeOf((*api.Module)(nil)).Elem()
)

// reflectGoFunc adapts fn into a stack-based host function, deriving the
// Wasm signature from its Go one.
func reflectGoFunc(fn interface{}) (*wasm.HostFunc, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("WithFunc requires a func, got %T", fn)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("WithFunc does not support variadic funcs")
	}

	i := 0
	takesCtx := i < t.NumIn() && t.In(i).Implements(ctxType) && t.In(i) == ctxType
	if takesCtx {
		i++
	}
	takesModule := i < t.NumIn() && t.In(i) == moduleType
	if takesModule {
		i++
	}

	var params []api.ValueType
	for ; i < t.NumIn(); i++ {
		vt, err := goTypeToValueType(t.In(i))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		params = append(params, vt)
	}

	var results []api.ValueType
	switch t.NumOut() {
	case 0:
	case 1:
		vt, err := goTypeToValueType(t.Out(0))
		if err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		results = append(results, vt)
	default:
		return nil, fmt.Errorf("at most one result is allowed, got %d", t.NumOut())
	}

	ft := &wasm.FunctionType{Params: params, Results: results}
	call := func(ctx context.Context, mod api.Module, stack []uint64) {
		in := make([]reflect.Value, 0, t.NumIn())
		if takesCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		if takesModule {
			in = append(in, reflect.ValueOf(mod))
		}
		for pi, pt := range params {
			in = append(in, decodeReflectValue(t.In(len(in)), pt, stack[pi]))
		}
		out := v.Call(in)
		if len(results) == 1 {
			stack[0] = encodeReflectValue(out[0], results[0])
		}
	}

	if takesModule {
		return &wasm.HostFunc{Type: ft, ModuleFunc: func(ctx context.Context, mod api.Module, stack []uint64) {
			call(ctx, mod, stack)
		}}, nil
	}
	return &wasm.HostFunc{Type: ft, GoFunc: func(ctx context.Context, stack []uint64) {
		call(ctx, nil, stack)
	}}, nil
}

func goTypeToValueType(t reflect.Type) (api.ValueType, error) {
	switch t.Kind() {
	case reflect.Uint32, reflect.Int32:
		return api.ValueTypeI32, nil
	case reflect.Uint64, reflect.Int64:
		return api.ValueTypeI64, nil
	case reflect.Float32:
		return api.ValueTypeF32, nil
	case reflect.Float64:
		return api.ValueTypeF64, nil
	default:
		return 0, fmt.Errorf("unsupported type %s", t)
	}
}

func decodeReflectValue(t reflect.Type, vt api.ValueType, raw uint64) reflect.Value {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Uint32, reflect.Uint64:
		out.SetUint(raw)
	case reflect.Int32:
		out.SetInt(int64(int32(uint32(raw))))
	case reflect.Int64:
		out.SetInt(int64(raw))
	case reflect.Float32:
		out.SetFloat(float64(math.Float32frombits(uint32(raw))))
	case reflect.Float64:
		out.SetFloat(math.Float64frombits(raw))
	}
	return out
}

func encodeReflectValue(v reflect.Value, vt api.ValueType) uint64 {
	switch v.Kind() {
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return math.Float64bits(v.Float())
	}
	return 0
}
