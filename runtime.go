// Package wazcore is a WebAssembly core 1.0 runtime: it decodes, validates,
// instantiates, and interprets binary (%.wasm) modules.
//
//	ctx := context.Background()
//	r := wazcore.NewRuntime(ctx)
//	defer r.Close(ctx)
//
//	mod, err := r.Instantiate(ctx, wasmBytes)
//	...
//	results, err := mod.ExportedFunction("fac").Call(ctx, 7)
package wazcore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/engine/interpreter"
	"github.com/wazerocore/wazcore/internal/wasm"
	"github.com/wazerocore/wazcore/internal/wasm/binary"
	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

// Sentinel error categories, matchable with errors.Is. Every error returned
// by CompileModule wraps exactly one of ErrDecode or ErrValidation; an
// InstantiateModule failure that is not a trap wraps ErrLink.
var (
	ErrDecode     = errors.New("invalid binary")
	ErrValidation = errors.New("invalid module")
	ErrLink       = errors.New("link failed")
)

// Runtime allows embedding of WebAssembly modules: compile binaries,
// register host modules, and instantiate against one shared Store. A
// Runtime is safe for concurrent use, though a single api.Module's
// exported resources race like any shared Wasm memory would.
type Runtime struct {
	store  *wasm.Store
	config *RuntimeConfig
	logger *zap.Logger
}

// NewRuntime returns a runtime with default configuration.
func NewRuntime(ctx context.Context) *Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(_ context.Context, config *RuntimeConfig) *Runtime {
	config = config.clone()
	return &Runtime{
		store:  wasm.NewStore(interpreter.NewEngine()),
		config: config,
		logger: config.logger,
	}
}

// CompiledModule is a decoded and validated module, ready to instantiate
// any number of times.
type CompiledModule struct {
	module *wasm.Module
}

// CompileModule decodes and validates binary, returning a module ready for
// InstantiateModule. Errors wrap ErrDecode or ErrValidation.
func (r *Runtime) CompileModule(ctx context.Context, binaryBytes []byte) (*CompiledModule, error) {
	m, err := binary.DecodeModule(binaryBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err = r.applyMemoryLimit(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err = wasm.Validate(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err = r.store.Engine.CompileModule(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	r.logger.Debug("compiled module",
		zap.String("id", fmt.Sprintf("%x", m.ID)),
		zap.Int("functions", len(m.CodeSection)),
		zap.Int("imports", len(m.ImportSection)))
	return &CompiledModule{module: m}, nil
}

// applyMemoryLimit enforces RuntimeConfig.WithMemoryLimitPages on the
// declared memories before validation sees them.
func (r *Runtime) applyMemoryLimit(m *wasm.Module) error {
	limit := r.config.memoryLimitPages
	for i := range m.MemorySection {
		mem := &m.MemorySection[i]
		if mem.Limits.Min > limit {
			return fmt.Errorf("memory[%d]: min %d pages over runtime limit %d", i, mem.Limits.Min, limit)
		}
		if mem.Limits.Max == nil || *mem.Limits.Max > limit {
			capped := limit
			mem.Limits.Max = &capped
		}
	}
	return nil
}

// InstantiateModule links compiled's imports against previously
// instantiated modules (host or Wasm), allocates its store entries, runs
// its start function, and returns the live instance. A start-function trap
// is returned as-is; every other failure wraps ErrLink.
func (r *Runtime) InstantiateModule(ctx context.Context, compiled *CompiledModule, config *ModuleConfig) (api.Module, error) {
	if config == nil {
		config = NewModuleConfig()
	}
	name := config.name
	if !config.nameSet && compiled.module.NameSection != nil {
		name = compiled.module.NameSection.ModuleName
	}
	mi, err := wasm.Instantiate(ctx, r.store, name, compiled.module, r.store.Modules())
	if err != nil {
		if isTrap(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLink, err)
	}
	r.logger.Debug("instantiated module", zap.String("name", name))
	return mi.AsAPIModule(), nil
}

// Instantiate compiles binary and instantiates it with defaults, the
// one-call path most embedders use.
func (r *Runtime) Instantiate(ctx context.Context, binaryBytes []byte) (api.Module, error) {
	compiled, err := r.CompileModule(ctx, binaryBytes)
	if err != nil {
		return nil, err
	}
	return r.InstantiateModule(ctx, compiled, nil)
}

// NewHostModuleBuilder starts assembling a host module other modules can
// import from under moduleName.
func (r *Runtime) NewHostModuleBuilder(moduleName string) *HostModuleBuilder {
	return &HostModuleBuilder{r: r, name: moduleName}
}

// Module returns a previously instantiated, still-open module by name, or
// nil.
func (r *Runtime) Module(name string) api.Module {
	mi, ok := r.store.Module(name)
	if !ok {
		return nil
	}
	return mi.AsAPIModule()
}

// Close closes every module instantiated under this runtime.
func (r *Runtime) Close(ctx context.Context) error {
	for _, mi := range r.store.Modules() {
		mi.Close()
	}
	return nil
}

func isTrap(err error) bool {
	var te *wasmruntime.Error
	return errors.As(err, &te)
}
