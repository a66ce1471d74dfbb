package wasm

import (
	"context"
	"fmt"

	"github.com/wazerocore/wazcore/api"
)

// Instantiate runs the instantiation algorithm: resolve imports, allocate
// functions/tables/memories/globals, bind exports, apply element and data
// segments, and finally invoke the start function. name must be unique
// within store for the lifetime of the returned ModuleInstance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#instantiation%E2%91%A1
func Instantiate(ctx context.Context, store *Store, name string, m *Module, imports map[string]*ModuleInstance) (*ModuleInstance, error) {
	if err := store.Engine.CompileModule(ctx, m); err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	mi := &ModuleInstance{Name: name, Module: m, store: store, Exports: map[string]Export{}}

	// Step 1: resolve imports against already-instantiated modules.
	if err := linkImports(m, imports, mi); err != nil {
		return nil, err
	}

	// Step 2: allocate defined functions (imports already populated above).
	importedFuncCount := len(mi.Functions)
	for i := range m.CodeSection {
		ft := &m.TypeSection[m.FunctionSection[i]]
		fi := &FunctionInstance{Type: ft, Code: &m.CodeSection[i], Module: mi}
		if m.NameSection != nil {
			fi.DebugName = m.NameSection.FunctionNames[uint32(importedFuncCount+i)]
		}
		store.addFunction(fi)
		mi.Functions = append(mi.Functions, fi)
	}

	// Step 3: allocate defined tables and memories.
	for _, tt := range m.TableSection {
		t := newTableInstance(tt.Limits.Min, tt.Limits.Max)
		store.addTable(t)
		mi.Tables = append(mi.Tables, t)
	}
	for _, mt := range m.MemorySection {
		mem := newMemoryInstance(mt.Limits.Min, mt.Limits.Max)
		store.addMemory(mem)
		mi.Memories = append(mi.Memories, mem)
	}

	// Step 4: allocate defined globals, evaluating each init expression
	// against the globals visible so far (imports only).
	importedGlobals := append([]*GlobalInstance(nil), mi.Globals...)
	for _, g := range m.GlobalSection {
		v, err := evalConstExpr(g.Init, importedGlobals)
		if err != nil {
			return nil, fmt.Errorf("evaluate global initializer: %w", err)
		}
		gi := &GlobalInstance{Type: g.Type, value: v}
		store.addGlobal(gi)
		mi.Globals = append(mi.Globals, gi)
	}

	// Step 5: build the per-instance execution machinery. Functions are
	// already self-referential (fi.Module = mi) as allocated above.
	engine, err := store.Engine.NewModuleEngine(m, mi)
	if err != nil {
		return nil, fmt.Errorf("build module engine: %w", err)
	}
	mi.Engine = engine

	// Step 6: bind exports.
	for name, exp := range m.ExportSection {
		mi.Exports[name] = exp
	}

	// Step 7: apply element and data segments, bounds-checked against the
	// now-fully-allocated tables and memories.
	if err := applyElementSegments(m, mi); err != nil {
		return nil, err
	}
	if err := applyDataSegments(m, mi); err != nil {
		return nil, err
	}

	if err := store.registerModule(mi); err != nil {
		return nil, err
	}

	// Step 8: invoke the start function, if any.
	if m.StartSection != nil {
		if _, err := mi.Engine.Call(ctx, mi, *m.StartSection, nil); err != nil {
			store.deregisterModule(name)
			return nil, fmt.Errorf("start function trapped: %w", err)
		}
	}

	return mi, nil
}

func linkImports(m *Module, imports map[string]*ModuleInstance, mi *ModuleInstance) error {
	for _, imp := range m.ImportSection {
		src, ok := imports[imp.Module]
		if !ok {
			return fmt.Errorf("module %q imports unresolved module %q", mi.Name, imp.Module)
		}
		exp, ok := src.Exports[imp.Name]
		if !ok {
			return fmt.Errorf("module %q: %q.%q is not exported", mi.Name, imp.Module, imp.Name)
		}
		if exp.Type != imp.Type {
			return fmt.Errorf("module %q: %q.%q is a %s, expected a %s", mi.Name, imp.Module, imp.Name, api.ExternTypeName(exp.Type), api.ExternTypeName(imp.Type))
		}
		switch imp.Type {
		case api.ExternTypeFunc:
			fn := src.Functions[exp.Index]
			want := &m.TypeSection[imp.DescFunc]
			if !fn.Type.equals(want) {
				return fmt.Errorf("module %q: function %q.%q has signature %s, expected %s", mi.Name, imp.Module, imp.Name, fn.Type, want)
			}
			mi.Functions = append(mi.Functions, fn)
		case api.ExternTypeTable:
			t := src.Tables[exp.Index]
			if t.Size() < imp.DescTable.Limits.Min {
				return fmt.Errorf("module %q: table %q.%q is smaller than required", mi.Name, imp.Module, imp.Name)
			}
			// A declared max also binds the provider: an unbounded or larger
			// provided table could later grow past what this module declared.
			if max := imp.DescTable.Limits.Max; max != nil {
				if t.Max == nil {
					return fmt.Errorf("module %q: table %q.%q maximum size mismatch: %d, but actual has no max", mi.Name, imp.Module, imp.Name, *max)
				}
				if *t.Max > *max {
					return fmt.Errorf("module %q: table %q.%q maximum size mismatch: %d, but actual has %d", mi.Name, imp.Module, imp.Name, *max, *t.Max)
				}
			}
			mi.Tables = append(mi.Tables, t)
		case api.ExternTypeMemory:
			mem := src.Memories[exp.Index]
			if mem.PageCount() < imp.DescMem.Limits.Min {
				return fmt.Errorf("module %q: memory %q.%q is smaller than required", mi.Name, imp.Module, imp.Name)
			}
			if max := imp.DescMem.Limits.Max; max != nil {
				if mem.Max == nil {
					return fmt.Errorf("module %q: memory %q.%q maximum size mismatch: %d pages, but actual has no max", mi.Name, imp.Module, imp.Name, *max)
				}
				if *mem.Max > *max {
					return fmt.Errorf("module %q: memory %q.%q maximum size mismatch: %d pages, but actual has %d", mi.Name, imp.Module, imp.Name, *max, *mem.Max)
				}
			}
			mi.Memories = append(mi.Memories, mem)
		case api.ExternTypeGlobal:
			g := src.Globals[exp.Index]
			if g.Type != imp.DescGlobal {
				return fmt.Errorf("module %q: global %q.%q has type (%s,%t), expected (%s,%t)", mi.Name, imp.Module, imp.Name, api.ValueTypeName(g.Type.ValType), g.Type.Mutable, api.ValueTypeName(imp.DescGlobal.ValType), imp.DescGlobal.Mutable)
			}
			mi.Globals = append(mi.Globals, g)
		}
	}
	return nil
}

func applyElementSegments(m *Module, mi *ModuleInstance) error {
	for i, e := range m.ElementSection {
		off, err := evalConstExpr(e.Offset, mi.Globals)
		if err != nil {
			return fmt.Errorf("element[%d]: %w", i, err)
		}
		offset := uint32(off)
		t := mi.Tables[e.TableIndex]
		if uint64(offset)+uint64(len(e.Init)) > uint64(t.Size()) {
			return fmt.Errorf("element[%d]: out of bounds table access", i)
		}
		for j, fnIdx := range e.Init {
			t.Set(offset+uint32(j), int64(storeIndexOfFunction(mi, fnIdx)))
		}
	}
	return nil
}

func applyDataSegments(m *Module, mi *ModuleInstance) error {
	for i, d := range m.DataSection {
		off, err := evalConstExpr(d.Offset, mi.Globals)
		if err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
		offset := uint32(off)
		mem := mi.Memories[d.MemoryIndex]
		if !mem.Write(offset, d.Init) {
			return fmt.Errorf("data[%d]: out of bounds memory access", i)
		}
	}
	return nil
}

// storeIndexOfFunction resolves a function's position within the owning
// Store's Functions vector, the representation TableInstance elements use.
func storeIndexOfFunction(mi *ModuleInstance, idx uint32) int {
	fi := mi.Functions[idx]
	for i, f := range mi.store.Functions {
		if f == fi {
			return i
		}
	}
	return -1
}
