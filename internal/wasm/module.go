package wasm

import "github.com/wazerocore/wazcore/api"

// ModuleID identifies a decoded Module for compiled-code caching, computed
// as a content hash of the original binary (see CalculateModuleID in module_id.go).
type ModuleID [8]byte

// Code is a defined (non-imported) function: its locals declaration and
// its pre-decoded instruction stream.
type Code struct {
	// LocalTypes are the additional locals declared by the function body,
	// in declaration order; parameters are not included here.
	LocalTypes []api.ValueType
	Body       []Instruction
}

// Import describes a single import entry: (module, name) plus one of the
// four descriptor kinds, selected by Type.
type Import struct {
	Type api.ExternType
	Module, Name string

	// Exactly one of the following is meaningful, selected by Type.
	DescFunc   uint32 // index into Module.TypeSection
	DescTable  TableType
	DescMem    MemoryType
	DescGlobal GlobalType
}

// Export maps a name to an index-space entry.
type Export struct {
	Type  api.ExternType
	Name  string
	Index uint32
}

// ElementSegment initializes a range of a table with function indices.
type ElementSegment struct {
	TableIndex uint32
	Offset     ConstantExpression
	Init       []uint32 // function indices
}

// DataSegment initializes a range of linear memory with raw bytes.
type DataSegment struct {
	MemoryIndex uint32
	Offset      ConstantExpression
	Init        []byte
}

// Module is the immutable, validated-or-not-yet-validated representation
// of a decoded Wasm binary.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#modules%E2%91%A8
type Module struct {
	ID ModuleID

	TypeSection []FunctionType

	ImportSection []Import

	// FunctionSection has one entry per defined (non-imported) function,
	// indexing TypeSection. CodeSection is index-aligned with it.
	FunctionSection []uint32
	CodeSection     []Code

	TableSection  []TableType
	MemorySection []MemoryType

	GlobalSection []GlobalDef

	ExportSection map[string]Export

	StartSection *uint32

	ElementSection []ElementSegment
	DataSection    []DataSegment

	// NameSection carries best-effort debug names decoded from the custom
	// "name" section, or nil if absent. Diagnostic only (internal/wasmdebug).
	NameSection *NameSection
}

// GlobalDef is a defined (non-imported) global.
type GlobalDef struct {
	Type GlobalType
	Init ConstantExpression
}

// NameSection holds the subset of the custom "name" section this engine
// uses for trap stack traces: the module name and per-function names.
type NameSection struct {
	ModuleName    string
	FunctionNames map[uint32]string
}

// ImportFuncCount returns how many of ImportSection describe functions;
// those occupy the low end of the function index space.
func (m *Module) ImportFuncCount() uint32 {
	var n uint32
	for _, i := range m.ImportSection {
		if i.Type == api.ExternTypeFunc {
			n++
		}
	}
	return n
}

// ImportTableCount returns how many imports describe a table.
func (m *Module) ImportTableCount() uint32 {
	var n uint32
	for _, i := range m.ImportSection {
		if i.Type == api.ExternTypeTable {
			n++
		}
	}
	return n
}

// ImportMemoryCount returns how many imports describe a memory.
func (m *Module) ImportMemoryCount() uint32 {
	var n uint32
	for _, i := range m.ImportSection {
		if i.Type == api.ExternTypeMemory {
			n++
		}
	}
	return n
}

// ImportGlobalCount returns how many imports describe a global.
func (m *Module) ImportGlobalCount() uint32 {
	var n uint32
	for _, i := range m.ImportSection {
		if i.Type == api.ExternTypeGlobal {
			n++
		}
	}
	return n
}

// TypeOfFunction resolves the FunctionType for the function at idx in the
// combined (imports-first) function index space.
func (m *Module) TypeOfFunction(idx uint32) *FunctionType {
	importFuncs := m.ImportFuncCount()
	if idx < importFuncs {
		var i uint32
		for _, imp := range m.ImportSection {
			if imp.Type != api.ExternTypeFunc {
				continue
			}
			if i == idx {
				return &m.TypeSection[imp.DescFunc]
			}
			i++
		}
		return nil
	}
	defIdx := idx - importFuncs
	if int(defIdx) >= len(m.FunctionSection) {
		return nil
	}
	return &m.TypeSection[m.FunctionSection[defIdx]]
}
