// Package interpreter implements wasm.Engine and wasm.ModuleEngine as a
// stack machine over pre-decoded Instruction streams. There is no
// ahead-of-time code generation: CompileModule only registers a Module's
// ID so NewModuleEngine can be called.
package interpreter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/wasm"
	"github.com/wazerocore/wazcore/internal/wasmdebug"
	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

// callStackCeiling bounds the depth of nested Wasm function activations, to
// turn runaway recursion into a trap rather than a Go stack overflow.
const callStackCeiling = 2048

// engine is the process-wide record of compiled modules, keyed by
// wasm.ModuleID.
type engine struct {
	mu       sync.Mutex
	compiled map[wasm.ModuleID]bool
}

// NewEngine returns a fresh interpreter-backed wasm.Engine.
func NewEngine() wasm.Engine {
	return &engine{compiled: map[wasm.ModuleID]bool{}}
}

func (e *engine) CompileModule(ctx context.Context, m *wasm.Module) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled[m.ID] = true
	return nil
}

func (e *engine) NewModuleEngine(m *wasm.Module, mi *wasm.ModuleInstance) (wasm.ModuleEngine, error) {
	e.mu.Lock()
	ok := e.compiled[m.ID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("interpreter: module %x was never compiled", m.ID)
	}
	return moduleEngine{}, nil
}

// moduleEngine is stateless: every Call is handed the ModuleInstance to run
// against, and all per-invocation state lives in a freshly allocated
// callEngine, so concurrent calls into the same exported function never
// share a value or frame stack.
type moduleEngine struct{}

func (moduleEngine) Call(ctx context.Context, mi *wasm.ModuleInstance, funcIdx uint32, params []uint64) (results []uint64, err error) {
	fn := mi.Functions[funcIdx]
	ce := &callEngine{}
	defer func() {
		if r := recover(); r != nil {
			te, ok := r.(*wasmruntime.Error)
			if !ok {
				panic(r)
			}
			err = annotate(te, ce.trace)
		}
	}()
	results = ce.call(ctx, fn, params)
	return results, nil
}

func annotate(te *wasmruntime.Error, trace []wasmdebug.Frame) error {
	if len(trace) == 0 {
		return te
	}
	return fmt.Errorf("%w\n%s", te, wasmdebug.FormatTrace(trace))
}

// frame is one Wasm-defined function activation: its locals and the control
// label stack tracking currently open block/loop/if constructs.
type frame struct {
	fn     *wasm.FunctionInstance
	pc     int
	locals []uint64
	labels []label
}

// label is one open structured control-flow construct. continuation is the
// Instruction-slice index a branch targeting this label jumps to; arity is
// how many operand-stack values that branch carries across; height is the
// operand-stack length recorded when the label was pushed, so a branch can
// discard everything the construct accumulated above it.
//
// For a block or if, continuation is its `end` and arity is its declared
// result arity: branching there exits to after the construct with its
// result values. For a loop, continuation is the instruction right after
// the `loop` opcode and arity is always 0: branching there re-enters the
// loop from the top, per the Wasm rule that a loop's label type is its
// (always-empty, in core 1.0) parameter types, not its results.
type label struct {
	continuation int
	arity        int
	height       int
}

// callEngine holds the value stack and frame stack for one top-level Call.
// The value stack is shared across nested calls within the same invocation:
// a callee's locals are copied out of it into its own frame, so it always
// starts execution against an empty region of the shared stack.
type callEngine struct {
	stack  []uint64
	frames []*frame
	trace  []wasmdebug.Frame
}

func (ce *callEngine) pushValue(v uint64) { ce.stack = append(ce.stack, v) }

func (ce *callEngine) popValue() uint64 {
	v := ce.stack[len(ce.stack)-1]
	ce.stack = ce.stack[:len(ce.stack)-1]
	return v
}

func (ce *callEngine) peekValue() uint64 { return ce.stack[len(ce.stack)-1] }

func (ce *callEngine) pushValues(vs []uint64) { ce.stack = append(ce.stack, vs...) }

func (ce *callEngine) popValues(n int) []uint64 {
	if n == 0 {
		return nil
	}
	vs := append([]uint64(nil), ce.stack[len(ce.stack)-n:]...)
	ce.stack = ce.stack[:len(ce.stack)-n]
	return vs
}

func (ce *callEngine) popI32() uint32    { return uint32(ce.popValue()) }
func (ce *callEngine) popI64() uint64    { return ce.popValue() }
func (ce *callEngine) popF32() float32   { return api.DecodeF32(ce.popValue()) }
func (ce *callEngine) popF64() float64   { return api.DecodeF64(ce.popValue()) }
func (ce *callEngine) pushI32(v uint32)  { ce.pushValue(uint64(v)) }
func (ce *callEngine) pushI64(v uint64)  { ce.pushValue(v) }
func (ce *callEngine) pushF32(v float32) { ce.pushValue(api.EncodeF32(v)) }
func (ce *callEngine) pushF64(v float64) { ce.pushValue(api.EncodeF64(v)) }

func (ce *callEngine) pushBool(b bool) {
	if b {
		ce.pushI32(1)
	} else {
		ce.pushI32(0)
	}
}

// call invokes fn, dispatching to the host or the bytecode interpreter.
func (ce *callEngine) call(ctx context.Context, fn *wasm.FunctionInstance, params []uint64) []uint64 {
	if fn.IsHostFunction() {
		return ce.callHost(ctx, fn, params)
	}
	return ce.callWasm(ctx, fn, params)
}

func (ce *callEngine) callHost(ctx context.Context, fn *wasm.FunctionInstance, params []uint64) []uint64 {
	resultCount := len(fn.Type.Results)
	stackLen := len(params)
	if resultCount > stackLen {
		stackLen = resultCount
	}
	stack := make([]uint64, stackLen)
	copy(stack, params)

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(*wasmruntime.Error); ok {
					panic(r)
				}
				panic(wasmruntime.New(wasmruntime.KindHostTrap, "%v", r))
			}
		}()
		if fn.ModuleFunc != nil {
			fn.ModuleFunc(ctx, fn.Module.AsAPIModule(), stack)
		} else {
			fn.GoFunc(ctx, stack)
		}
	}()
	return stack[:resultCount]
}

func (ce *callEngine) callWasm(ctx context.Context, fn *wasm.FunctionInstance, params []uint64) (results []uint64) {
	if len(ce.frames) >= callStackCeiling {
		panic(wasmruntime.ErrRuntimeCallStackOverflow)
	}

	locals := make([]uint64, len(fn.Type.Params)+len(fn.Code.LocalTypes))
	copy(locals, params)
	f := &frame{fn: fn, locals: locals}
	f.labels = []label{{continuation: len(fn.Code.Body) - 1, arity: len(fn.Type.Results), height: len(ce.stack)}}

	ce.frames = append(ce.frames, f)
	defer func() {
		if r := recover(); r != nil {
			ce.trace = append(ce.trace, wasmdebug.Frame{
				ModuleName: fn.Module.Name,
				FuncName:   fn.DebugName,
			})
			panic(r)
		}
		ce.frames = ce.frames[:len(ce.frames)-1]
	}()

	body := fn.Code.Body
	for {
		instr := &body[f.pc]
		switch instr.Opcode {

		case wasm.OpcodeUnreachable:
			panic(wasmruntime.ErrRuntimeUnreachable)
		case wasm.OpcodeNop:
			f.pc++

		case wasm.OpcodeBlock:
			f.labels = append(f.labels, label{continuation: instr.End, arity: instr.BlockType.Arity, height: len(ce.stack)})
			f.pc++
		case wasm.OpcodeLoop:
			f.labels = append(f.labels, label{continuation: f.pc + 1, arity: 0, height: len(ce.stack)})
			f.pc++
		case wasm.OpcodeIf:
			cond := ce.popValue()
			f.labels = append(f.labels, label{continuation: instr.End, arity: instr.BlockType.Arity, height: len(ce.stack)})
			switch {
			case cond != 0:
				f.pc++
			case instr.Else == 0:
				f.pc = instr.End
			default:
				f.pc = instr.Else + 1
			}
		case wasm.OpcodeElse:
			f.labels = f.labels[:len(f.labels)-1]
			f.pc = instr.End + 1
		case wasm.OpcodeEnd:
			f.labels = f.labels[:len(f.labels)-1]
			if len(f.labels) == 0 {
				return ce.popValues(len(fn.Type.Results))
			}
			f.pc++

		case wasm.OpcodeBr:
			ce.branch(f, instr.Index)
		case wasm.OpcodeBrIf:
			cond := ce.popValue()
			if cond != 0 {
				ce.branch(f, instr.Index)
			} else {
				f.pc++
			}
		case wasm.OpcodeBrTable:
			i := uint32(ce.popValue())
			targets := instr.BrTable
			if i >= uint32(len(targets)-1) {
				i = uint32(len(targets) - 1)
			}
			ce.branch(f, targets[i])
		case wasm.OpcodeReturn:
			ce.branch(f, uint32(len(f.labels)-1))

		case wasm.OpcodeCall:
			target := fn.Module.Functions[instr.Index]
			args := ce.popValues(len(target.Type.Params))
			ce.pushValues(ce.call(ctx, target, args))
			f.pc++
		case wasm.OpcodeCallIndirect:
			ce.callIndirect(ctx, f, instr)
			f.pc++

		case wasm.OpcodeDrop:
			ce.popValue()
			f.pc++
		case wasm.OpcodeSelect:
			cond := ce.popValue()
			v2 := ce.popValue()
			v1 := ce.popValue()
			if cond != 0 {
				ce.pushValue(v1)
			} else {
				ce.pushValue(v2)
			}
			f.pc++

		case wasm.OpcodeLocalGet:
			ce.pushValue(f.locals[instr.Index])
			f.pc++
		case wasm.OpcodeLocalSet:
			f.locals[instr.Index] = ce.popValue()
			f.pc++
		case wasm.OpcodeLocalTee:
			f.locals[instr.Index] = ce.peekValue()
			f.pc++
		case wasm.OpcodeGlobalGet:
			ce.pushValue(fn.Module.Globals[instr.Index].Get())
			f.pc++
		case wasm.OpcodeGlobalSet:
			fn.Module.Globals[instr.Index].Set(ce.popValue())
			f.pc++

		case wasm.OpcodeMemorySize:
			ce.pushI32(ce.memory(f).PageCount())
			f.pc++
		case wasm.OpcodeMemoryGrow:
			delta := ce.popI32()
			prev, ok := ce.memory(f).Grow(delta)
			if !ok {
				ce.pushI32(math.MaxUint32)
			} else {
				ce.pushI32(prev)
			}
			f.pc++

		default:
			ce.execNumericOrMemory(f, instr)
			f.pc++
		}
	}
}

func (ce *callEngine) callIndirect(ctx context.Context, f *frame, instr *wasm.Instruction) {
	tableIdx := ce.popI32()
	table := f.fn.Module.Table()
	if table == nil {
		panic(wasmruntime.ErrRuntimeInvalidTableAccess)
	}
	storeIdx, ok := table.Get(tableIdx)
	if !ok {
		panic(wasmruntime.ErrRuntimeInvalidTableAccess)
	}
	target := f.fn.Module.FunctionAt(storeIdx)
	if target == nil {
		panic(wasmruntime.ErrRuntimeInvalidElement)
	}
	want := &f.fn.Module.Module.TypeSection[instr.Index]
	if !target.Type.EqualsSignature(want.Params, want.Results) {
		panic(wasmruntime.ErrRuntimeIndirectCallTypeMismatch)
	}
	args := ce.popValues(len(target.Type.Params))
	ce.pushValues(ce.call(ctx, target, args))
}

// branch unwinds the operand stack to the target label's recorded height,
// carries its arity worth of values across, and repositions pc at its
// continuation. Labels above (but not including) the target are discarded;
// the target itself is kept so a loop remains branchable on re-entry and a
// block/if is closed normally when its `end` is subsequently reached.
func (ce *callEngine) branch(f *frame, labelIdx uint32) {
	idx := len(f.labels) - 1 - int(labelIdx)
	lbl := f.labels[idx]
	vals := ce.popValues(lbl.arity)
	ce.stack = ce.stack[:lbl.height]
	ce.pushValues(vals)
	f.labels = f.labels[:idx+1]
	f.pc = lbl.continuation
}

func (ce *callEngine) memory(f *frame) *wasm.MemoryInstance {
	m := f.fn.Module.Memory()
	if m == nil {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	return m
}

// load reads size bytes at the memarg-relative effective address computed
// from the i32 popped off the stack, trapping on any out-of-bounds access.
func (ce *callEngine) load(f *frame, instr *wasm.Instruction, size uint32) []byte {
	base := ce.popI32()
	addr := uint64(base) + uint64(instr.MemArg.Offset)
	if addr+uint64(size) > uint64(math.MaxUint32)+1 {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	b, ok := ce.memory(f).Read(uint32(addr), size)
	if !ok {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	return b
}

// store writes v at the memarg-relative effective address computed from
// the i32 popped off the stack (which sits below v, already popped by the
// caller).
func (ce *callEngine) store(f *frame, instr *wasm.Instruction, v []byte) {
	base := ce.popI32()
	addr := uint64(base) + uint64(instr.MemArg.Offset)
	if addr+uint64(len(v)) > uint64(math.MaxUint32)+1 {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	if !ce.memory(f).Write(uint32(addr), v) {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func signExtend8to32(b byte) uint32    { return uint32(int32(int8(b))) }
func signExtend16to32(v uint16) uint32 { return uint32(int32(int16(v))) }
func signExtend8to64(b byte) uint64    { return uint64(int64(int8(b))) }
func signExtend16to64(v uint16) uint64 { return uint64(int64(int16(v))) }
func signExtend32to64(v uint32) uint64 { return uint64(int64(int32(v))) }
