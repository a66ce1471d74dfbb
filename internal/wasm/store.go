package wasm

import (
	"context"
	"fmt"
	"sync"

	"github.com/wazerocore/wazcore/api"
)

// FunctionInstance is a callable store entry: either a Wasm-defined
// function backed by decoded Code, or a host function backed by an opaque
// Go handler.
type FunctionInstance struct {
	Type *FunctionType

	// Module is the back-reference to the owning instance, assigned when
	// the function is allocated during instantiation.
	Module *ModuleInstance

	// The following are set only for Wasm-defined functions (Code != nil).
	Code *Code

	// The following are set only for host functions (Code == nil).
	GoFunc     api.GoFunction
	ModuleFunc api.GoModuleFunction

	// DebugName identifies this function in trap stack traces.
	DebugName string
}

// IsHostFunction reports whether this instance is backed by a Go function
// rather than Wasm bytecode.
func (f *FunctionInstance) IsHostFunction() bool { return f.Code == nil }

// TableInstance is a growable vector of optional function references.
// An empty slot is represented by -1.
type TableInstance struct {
	mu        sync.RWMutex
	Elements  []int64 // store index into Store.Functions, or -1
	Max       *uint32
}

const tableElementNull = -1

func newTableInstance(min uint32, max *uint32) *TableInstance {
	els := make([]int64, min)
	for i := range els {
		els[i] = tableElementNull
	}
	return &TableInstance{Elements: els, Max: max}
}

// Size returns the current number of table slots.
func (t *TableInstance) Size() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.Elements))
}

// Get returns the function store-index at i, or (-1, true) for a null
// slot, or (_, false) if i is out of bounds.
func (t *TableInstance) Get(i uint32) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i >= uint32(len(t.Elements)) {
		return 0, false
	}
	return t.Elements[i], true
}

// Set writes a function store-index (or tableElementNull) at i.
func (t *TableInstance) Set(i uint32, funcIdx int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= uint32(len(t.Elements)) {
		return false
	}
	t.Elements[i] = funcIdx
	return true
}

// Grow increases the table by delta slots, filled with null references.
// Returns the previous size and false if the growth would exceed Max.
func (t *TableInstance) Grow(delta uint32) (previous uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous = uint32(len(t.Elements))
	next := previous + delta
	if next < previous || next > TableMaxSize || (t.Max != nil && next > *t.Max) {
		return previous, false
	}
	grown := make([]int64, next)
	copy(grown, t.Elements)
	for i := previous; i < next; i++ {
		grown[i] = tableElementNull
	}
	t.Elements = grown
	return previous, true
}

// MemoryInstance is linear memory: a byte buffer whose length is always a
// multiple of MemoryPageSize.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
type MemoryInstance struct {
	mu     sync.RWMutex
	Buffer []byte
	Max    *uint32 // in pages
}

func newMemoryInstance(minPages uint32, max *uint32) *MemoryInstance {
	return &MemoryInstance{Buffer: make([]byte, uint64(minPages)*MemoryPageSize), Max: max}
}

// PageCount returns the current size in 64KiB pages.
func (m *MemoryInstance) PageCount() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.Buffer) / MemoryPageSize)
}

// Grow attempts to add delta pages; returns the previous page count and
// false if refused. Refusal is how memory.grow reports -1, never a trap.
func (m *MemoryInstance) Grow(delta uint32) (previous uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous = uint32(len(m.Buffer) / MemoryPageSize)
	next := uint64(previous) + uint64(delta)
	if next > MemoryMaxPages || (m.Max != nil && next > uint64(*m.Max)) {
		return previous, false
	}
	grown := make([]byte, next*MemoryPageSize)
	copy(grown, m.Buffer)
	m.Buffer = grown
	return previous, true
}

// Read returns a byteCount-length view into the buffer starting at offset,
// or false if the range is out of bounds. The returned slice aliases the
// buffer directly: do not retain it across an opcode that may call Grow.
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.Buffer)) {
		return nil, false
	}
	return m.Buffer[offset:end], true
}

// Write copies v into the buffer starting at offset, or returns false if the
// range is out of bounds.
func (m *MemoryInstance) Write(offset uint32, v []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.Buffer)) {
		return false
	}
	copy(m.Buffer[offset:end], v)
	return true
}

// GlobalInstance is a mutable-or-constant store slot holding one Value.
type GlobalInstance struct {
	Type  GlobalType
	mu    sync.RWMutex
	value uint64
}

func (g *GlobalInstance) Get() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set stores v. Callers must have already checked Type.Mutable.
func (g *GlobalInstance) Set(v uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
}

// ModuleInstance binds a Module's import/export names to runtime entities.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#module-instances%E2%91%A0
type ModuleInstance struct {
	Name   string
	Module *Module

	store *Store

	// Engine is this instance's compiled call machinery, built once during
	// Instantiate and reused by every subsequent Call.
	Engine ModuleEngine

	// Functions/Tables/Memories/Globals hold, for each respective index
	// space (imports first, then defined entries), a direct reference to
	// the backing Store entity.
	Functions []*FunctionInstance
	Tables    []*TableInstance
	Memories  []*MemoryInstance
	Globals   []*GlobalInstance

	Exports map[string]Export

	closed bool
}

// Close releases m's name so it can be instantiated again. Store entities
// already allocated for m are not reclaimed: the store is append-only.
func (m *ModuleInstance) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.store != nil {
		m.store.deregisterModule(m.Name)
	}
}

// Memory returns the single memory instance, or nil if this module defines
// and imports none (core 1.0 allows at most one).
func (m *ModuleInstance) Memory() *MemoryInstance {
	if len(m.Memories) == 0 {
		return nil
	}
	return m.Memories[0]
}

// Table returns the single table instance, or nil.
func (m *ModuleInstance) Table() *TableInstance {
	if len(m.Tables) == 0 {
		return nil
	}
	return m.Tables[0]
}

// FunctionAt resolves a table slot's store-wide function index (as written
// by an element segment, see storeIndexOfFunction) back to a FunctionInstance.
// Returns nil if idx is the null reference (-1).
func (m *ModuleInstance) FunctionAt(storeIdx int64) *FunctionInstance {
	if storeIdx < 0 {
		return nil
	}
	return m.store.Functions[storeIdx]
}

// Store is the runtime-wide collection of every allocated entity, indexed
// by the append-only position each was allocated at. Store entries, once
// allocated, are never removed; a closed module's indices simply become
// unreachable from any live ModuleInstance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#store%E2%91%A0
type Store struct {
	mu sync.Mutex

	Engine Engine

	Functions []*FunctionInstance
	Tables    []*TableInstance
	Memories  []*MemoryInstance
	Globals   []*GlobalInstance

	// modules indexes every instantiated module by the name it was given,
	// so a second Instantiate under the same name can be rejected.
	modules map[string]*ModuleInstance
}

// NewStore creates an empty Store backed by the given compilation/execution
// Engine.
func NewStore(engine Engine) *Store {
	return &Store{Engine: engine, modules: map[string]*ModuleInstance{}}
}

// Modules returns a snapshot of every instantiated, still-open module by
// name, the shape Instantiate resolves imports against.
func (s *Store) Modules() map[string]*ModuleInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ModuleInstance, len(s.modules))
	for name, mi := range s.modules {
		out[name] = mi
	}
	return out
}

// Module looks up a previously instantiated, still-open module by name.
func (s *Store) Module(name string) (*ModuleInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, ok := s.modules[name]
	return mi, ok
}

func (s *Store) registerModule(mi *ModuleInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.modules[mi.Name]; dup {
		return fmt.Errorf("module %q has already been instantiated", mi.Name)
	}
	s.modules[mi.Name] = mi
	return nil
}

// deregisterModule removes name so it may be instantiated again; called by
// ModuleInstance.Close.
func (s *Store) deregisterModule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, name)
}

func (s *Store) addFunction(f *FunctionInstance) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Functions = append(s.Functions, f)
	return uint32(len(s.Functions) - 1)
}

func (s *Store) addTable(t *TableInstance) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tables = append(s.Tables, t)
	return uint32(len(s.Tables) - 1)
}

func (s *Store) addMemory(m *MemoryInstance) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Memories = append(s.Memories, m)
	return uint32(len(s.Memories) - 1)
}

func (s *Store) addGlobal(g *GlobalInstance) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Globals = append(s.Globals, g)
	return uint32(len(s.Globals) - 1)
}

// Engine compiles and executes functions of an Instance. Only one
// implementation is provided: internal/engine/interpreter.
type Engine interface {
	// CompileModule pre-processes m's code (e.g. validation-derived
	// caching); called by Runtime.CompileModule and again by each
	// Instantiate, so it can run more than once for the same ModuleID.
	CompileModule(ctx context.Context, m *Module) error

	// NewModuleEngine builds the per-instance call machinery for mi.
	NewModuleEngine(m *Module, mi *ModuleInstance) (ModuleEngine, error)
}

// ModuleEngine invokes a function of one instantiated module.
type ModuleEngine interface {
	// Call invokes the function at the given index in mi's function index
	// space with the given argument values, returning result values or a
	// *wasmruntime.Error (trap).
	Call(ctx context.Context, mi *ModuleInstance, funcIdx uint32, params []uint64) ([]uint64, error)
}
