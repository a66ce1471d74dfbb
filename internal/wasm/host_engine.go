package wasm

import (
	"context"

	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

// hostModuleEngine is the ModuleEngine of a host module: there is no
// bytecode to interpret, so Call dispatches straight to the Go handler.
// Wasm-to-host calls never come through here; the interpreter invokes an
// imported host FunctionInstance's handler directly from `call` and
// `call_indirect`. This path exists only for an embedder calling an
// exported host function by name.
type hostModuleEngine struct{}

func (hostModuleEngine) Call(ctx context.Context, mi *ModuleInstance, funcIdx uint32, params []uint64) (results []uint64, err error) {
	fn := mi.Functions[funcIdx]
	resultCount := len(fn.Type.Results)
	stackLen := len(params)
	if resultCount > stackLen {
		stackLen = resultCount
	}
	stack := make([]uint64, stackLen)
	copy(stack, params)

	defer func() {
		if r := recover(); r != nil {
			if te, ok := r.(*wasmruntime.Error); ok {
				err = te
				return
			}
			err = wasmruntime.New(wasmruntime.KindHostTrap, "%v", r)
		}
	}()
	if fn.ModuleFunc != nil {
		fn.ModuleFunc(ctx, mi.AsAPIModule(), stack)
	} else {
		fn.GoFunc(ctx, stack)
	}
	return stack[:resultCount], nil
}
