package wasm

import (
	"fmt"

	"github.com/wazerocore/wazcore/api"
)

// HostFunc declares one Go function to be exported by a host module.
// Exactly one of GoFunc or ModuleFunc must be set.
type HostFunc struct {
	ExportName string
	Type       *FunctionType
	GoFunc     api.GoFunction
	ModuleFunc api.GoModuleFunction
}

// HostGlobal declares a global exported by a host module, Wasm-importable
// via global.get (and global.set when Mutable).
type HostGlobal struct {
	ExportName string
	Type       GlobalType
	Value      uint64
}

// HostMemory declares a linear memory owned by the host module, importable
// by Wasm modules that declare compatible limits.
type HostMemory struct {
	ExportName string
	MinPages   uint32
	MaxPages   *uint32
}

// HostTable declares a funcref table owned by the host module. Slots start
// null; Wasm modules that import it can fill them via element segments.
type HostTable struct {
	ExportName string
	MinSize    uint32
	MaxSize    *uint32
}

// NewHostModule allocates store entries for every declared host export and
// registers the resulting instance under name, making its exports available
// to later Instantiate calls. Host modules have no code, no start function,
// and no segments, so instantiation cannot trap.
func NewHostModule(store *Store, name string, funcs []*HostFunc, globals []*HostGlobal, memories []*HostMemory, tables []*HostTable) (*ModuleInstance, error) {
	mi := &ModuleInstance{Name: name, Module: &Module{}, store: store, Exports: map[string]Export{}}

	for _, hf := range funcs {
		if hf.GoFunc == nil && hf.ModuleFunc == nil {
			return nil, fmt.Errorf("host module %q: function %q has no Go implementation", name, hf.ExportName)
		}
		if _, dup := mi.Exports[hf.ExportName]; dup {
			return nil, fmt.Errorf("host module %q: duplicate export %q", name, hf.ExportName)
		}
		fi := &FunctionInstance{
			Type:       hf.Type,
			Module:     mi,
			GoFunc:     hf.GoFunc,
			ModuleFunc: hf.ModuleFunc,
			DebugName:  hf.ExportName,
		}
		store.addFunction(fi)
		mi.Exports[hf.ExportName] = Export{Type: api.ExternTypeFunc, Name: hf.ExportName, Index: uint32(len(mi.Functions))}
		mi.Functions = append(mi.Functions, fi)
	}

	for _, hg := range globals {
		if _, dup := mi.Exports[hg.ExportName]; dup {
			return nil, fmt.Errorf("host module %q: duplicate export %q", name, hg.ExportName)
		}
		gi := &GlobalInstance{Type: hg.Type, value: hg.Value}
		store.addGlobal(gi)
		mi.Exports[hg.ExportName] = Export{Type: api.ExternTypeGlobal, Name: hg.ExportName, Index: uint32(len(mi.Globals))}
		mi.Globals = append(mi.Globals, gi)
	}

	for _, hm := range memories {
		if _, dup := mi.Exports[hm.ExportName]; dup {
			return nil, fmt.Errorf("host module %q: duplicate export %q", name, hm.ExportName)
		}
		if err := validateLimits(Limits{Min: hm.MinPages, Max: hm.MaxPages}, MemoryMaxPages, "host memory "+hm.ExportName); err != nil {
			return nil, fmt.Errorf("host module %q: %w", name, err)
		}
		mem := newMemoryInstance(hm.MinPages, hm.MaxPages)
		store.addMemory(mem)
		mi.Exports[hm.ExportName] = Export{Type: api.ExternTypeMemory, Name: hm.ExportName, Index: uint32(len(mi.Memories))}
		mi.Memories = append(mi.Memories, mem)
	}

	for _, ht := range tables {
		if _, dup := mi.Exports[ht.ExportName]; dup {
			return nil, fmt.Errorf("host module %q: duplicate export %q", name, ht.ExportName)
		}
		if err := validateLimits(Limits{Min: ht.MinSize, Max: ht.MaxSize}, TableMaxSize, "host table "+ht.ExportName); err != nil {
			return nil, fmt.Errorf("host module %q: %w", name, err)
		}
		tab := newTableInstance(ht.MinSize, ht.MaxSize)
		store.addTable(tab)
		mi.Exports[ht.ExportName] = Export{Type: api.ExternTypeTable, Name: ht.ExportName, Index: uint32(len(mi.Tables))}
		mi.Tables = append(mi.Tables, tab)
	}

	mi.Engine = hostModuleEngine{}

	if err := store.registerModule(mi); err != nil {
		return nil, err
	}
	return mi, nil
}
