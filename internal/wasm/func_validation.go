package wasm

import (
	"fmt"

	"github.com/wazerocore/wazcore/api"
)

// Validate checks type-correctness of every function body in m using the
// Wasm stack-typing rules, plus the module-level invariants:
// constant-expression legality, limits, export-name uniqueness, at most one
// memory/table, and a start function of type [] -> [].
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#validation%E2%91%A1
func Validate(m *Module) error {
	if err := validateLimitsSection(m); err != nil {
		return err
	}
	if err := validateSingletons(m); err != nil {
		return err
	}
	if err := validateExportNames(m); err != nil {
		return err
	}
	if err := validateStart(m); err != nil {
		return err
	}
	if err := validateConstExprs(m); err != nil {
		return err
	}
	importFuncs := m.ImportFuncCount()
	for i, c := range m.CodeSection {
		ft := &m.TypeSection[m.FunctionSection[i]]
		if err := validateFunctionBody(m, ft, c); err != nil {
			return fmt.Errorf("function[%d]: %w", importFuncs+uint32(i), err)
		}
	}
	return nil
}

func validateLimitsSection(m *Module) error {
	for i, t := range m.TableSection {
		if err := validateLimits(t.Limits, TableMaxSize, fmt.Sprintf("table[%d]", i)); err != nil {
			return err
		}
	}
	for i, mt := range m.MemorySection {
		if err := validateLimits(mt.Limits, MemoryMaxPages, fmt.Sprintf("memory[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateSingletons(m *Module) error {
	if len(m.TableSection)+int(m.ImportTableCount()) > 1 {
		return fmt.Errorf("at most one table is allowed")
	}
	if len(m.MemorySection)+int(m.ImportMemoryCount()) > 1 {
		return fmt.Errorf("at most one memory is allowed")
	}
	return nil
}

func validateExportNames(m *Module) error {
	seen := make(map[string]struct{}, len(m.ExportSection))
	for name := range m.ExportSection {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate export name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func validateStart(m *Module) error {
	if m.StartSection == nil {
		return nil
	}
	ft := m.TypeOfFunction(*m.StartSection)
	if ft == nil {
		return fmt.Errorf("start function index %d out of range", *m.StartSection)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function must have type [] -> []")
	}
	return nil
}

func validateConstExprs(m *Module) error {
	importedGlobalTypes := make([]GlobalType, 0, m.ImportGlobalCount())
	for _, imp := range m.ImportSection {
		if imp.Type == api.ExternTypeGlobal {
			importedGlobalTypes = append(importedGlobalTypes, imp.DescGlobal)
		}
	}
	checkExpr := func(ce ConstantExpression, want api.ValueType) error {
		switch ce.Opcode {
		case OpcodeI32Const:
			if want != api.ValueTypeI32 {
				return fmt.Errorf("const expr type mismatch: want %s got i32", api.ValueTypeName(want))
			}
		case OpcodeI64Const:
			if want != api.ValueTypeI64 {
				return fmt.Errorf("const expr type mismatch: want %s got i64", api.ValueTypeName(want))
			}
		case OpcodeF32Const:
			if want != api.ValueTypeF32 {
				return fmt.Errorf("const expr type mismatch: want %s got f32", api.ValueTypeName(want))
			}
		case OpcodeF64Const:
			if want != api.ValueTypeF64 {
				return fmt.Errorf("const expr type mismatch: want %s got f64", api.ValueTypeName(want))
			}
		case OpcodeGlobalGet:
			idx, _, err := decodeLEBU32(ce.Data)
			if err != nil {
				return err
			}
			if int(idx) >= len(importedGlobalTypes) {
				return fmt.Errorf("const expr: global.get %d must reference an imported global", idx)
			}
			g := importedGlobalTypes[idx]
			if g.Mutable {
				return fmt.Errorf("const expr: global.get %d references a mutable global", idx)
			}
			if g.ValType != want {
				return fmt.Errorf("const expr type mismatch: want %s got %s", api.ValueTypeName(want), api.ValueTypeName(g.ValType))
			}
		default:
			return fmt.Errorf("const expr: opcode %#x is not constant", ce.Opcode)
		}
		return nil
	}

	for i, g := range m.GlobalSection {
		if err := checkExpr(g.Init, g.Type.ValType); err != nil {
			return fmt.Errorf("global[%d]: %w", i, err)
		}
	}
	tableCount := m.ImportTableCount() + uint32(len(m.TableSection))
	for i, e := range m.ElementSection {
		if e.TableIndex >= tableCount {
			return fmt.Errorf("element[%d]: table index %d out of range", i, e.TableIndex)
		}
		if err := checkExpr(e.Offset, api.ValueTypeI32); err != nil {
			return fmt.Errorf("element[%d]: %w", i, err)
		}
	}
	memCount := m.ImportMemoryCount() + uint32(len(m.MemorySection))
	for i, d := range m.DataSection {
		if d.MemoryIndex >= memCount {
			return fmt.Errorf("data[%d]: memory index %d out of range", i, d.MemoryIndex)
		}
		if err := checkExpr(d.Offset, api.ValueTypeI32); err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
	}
	return nil
}

// ctrlFrame is one entry of the validator's control-label stack.
type ctrlFrame struct {
	blockType     BlockType
	isLoop        bool
	startHeight   int
	unreachable   bool
}

type opStack struct {
	types []api.ValueType
}

func (s *opStack) push(t api.ValueType) { s.types = append(s.types, t) }

func (s *opStack) height() int { return len(s.types) }

type validator struct {
	ft      *FunctionType
	m       *Module
	locals  []api.ValueType
	stack   opStack
	ctrl    []ctrlFrame
}

func validateFunctionBody(m *Module, ft *FunctionType, c Code) error {
	v := &validator{ft: ft, m: m}
	v.locals = append(v.locals, ft.Params...)
	v.locals = append(v.locals, c.LocalTypes...)
	v.pushCtrl(BlockType{Arity: len(ft.Results), Result: firstOrZero(ft.Results)}, false)

	for _, in := range c.Body {
		if err := v.step(in); err != nil {
			return err
		}
	}
	if len(v.ctrl) != 0 {
		return fmt.Errorf("function body missing end")
	}
	return nil
}

func firstOrZero(vs []api.ValueType) api.ValueType {
	if len(vs) == 0 {
		return 0
	}
	return vs[0]
}

func (v *validator) pushCtrl(bt BlockType, isLoop bool) {
	v.ctrl = append(v.ctrl, ctrlFrame{blockType: bt, isLoop: isLoop, startHeight: v.stack.height()})
}

func (v *validator) curCtrl() *ctrlFrame { return &v.ctrl[len(v.ctrl)-1] }

func (v *validator) setUnreachable() {
	f := v.curCtrl()
	v.stack.types = v.stack.types[:f.startHeight]
	f.unreachable = true
}

func (v *validator) pop(want api.ValueType) error {
	f := v.curCtrl()
	if v.stack.height() == f.startHeight {
		if f.unreachable {
			return nil // polymorphic stack: anything goes
		}
		return fmt.Errorf("stack underflow: expected %s", api.ValueTypeName(want))
	}
	got := v.stack.types[len(v.stack.types)-1]
	v.stack.types = v.stack.types[:len(v.stack.types)-1]
	if got != want {
		return fmt.Errorf("type mismatch: expected %s got %s", api.ValueTypeName(want), api.ValueTypeName(got))
	}
	return nil
}

func (v *validator) popAny() (api.ValueType, error) {
	f := v.curCtrl()
	if v.stack.height() == f.startHeight {
		if f.unreachable {
			return 0, nil
		}
		return 0, fmt.Errorf("stack underflow")
	}
	got := v.stack.types[len(v.stack.types)-1]
	v.stack.types = v.stack.types[:len(v.stack.types)-1]
	return got, nil
}

// labelArity returns the block type a branch to the label `depth` frames
// up from the top must carry: a loop's label carries its *parameter*
// arity (here always 0, core 1.0 has no block params) so re-entry expects
// nothing; all other labels carry their result arity.
func (v *validator) labelArity(depth uint32) (BlockType, error) {
	if int(depth) >= len(v.ctrl) {
		return BlockType{}, fmt.Errorf("branch depth %d exceeds label nesting", depth)
	}
	f := &v.ctrl[len(v.ctrl)-1-int(depth)]
	if f.isLoop {
		return BlockType{Arity: 0}, nil
	}
	return f.blockType, nil
}

func (v *validator) checkBranch(depth uint32) error {
	bt, err := v.labelArity(depth)
	if err != nil {
		return err
	}
	if bt.Arity == 1 {
		if err := v.pop(bt.Result); err != nil {
			return err
		}
		v.stack.push(bt.Result)
	}
	return nil
}

func (v *validator) step(in Instruction) error {
	switch in.Opcode {
	case OpcodeUnreachable:
		v.setUnreachable()
	case OpcodeNop:
	case OpcodeBlock:
		v.pushCtrl(in.BlockType, false)
	case OpcodeLoop:
		v.pushCtrl(in.BlockType, true)
	case OpcodeIf:
		if err := v.pop(api.ValueTypeI32); err != nil {
			return err
		}
		v.pushCtrl(in.BlockType, false)
	case OpcodeElse:
		f := *v.curCtrl()
		if f.blockType.Arity == 1 {
			if err := v.pop(f.blockType.Result); err != nil {
				return err
			}
		}
		if v.stack.height() != f.startHeight {
			return fmt.Errorf("then-branch leaves extra values on the stack")
		}
		v.ctrl = v.ctrl[:len(v.ctrl)-1]
		v.pushCtrl(f.blockType, false)
	case OpcodeEnd:
		f := *v.curCtrl()
		if f.blockType.Arity == 1 {
			if err := v.pop(f.blockType.Result); err != nil {
				return err
			}
		}
		if v.stack.height() != f.startHeight {
			return fmt.Errorf("block leaves extra values on the stack")
		}
		v.ctrl = v.ctrl[:len(v.ctrl)-1]
		if f.blockType.Arity == 1 {
			v.stack.push(f.blockType.Result)
		}
	case OpcodeBr:
		if err := v.checkBranch(in.Index); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeBrIf:
		if err := v.pop(api.ValueTypeI32); err != nil {
			return err
		}
		if err := v.checkBranch(in.Index); err != nil {
			return err
		}
	case OpcodeBrTable:
		if err := v.pop(api.ValueTypeI32); err != nil {
			return err
		}
		for _, l := range in.BrTable {
			if err := v.checkBranch(l); err != nil {
				return err
			}
		}
		v.setUnreachable()
	case OpcodeReturn:
		for i := len(v.ft.Results) - 1; i >= 0; i-- {
			if err := v.pop(v.ft.Results[i]); err != nil {
				return err
			}
		}
		v.setUnreachable()
	case OpcodeCall:
		ft := v.m.TypeOfFunction(in.Index)
		if ft == nil {
			return fmt.Errorf("call: function index %d out of range", in.Index)
		}
		return v.applySignature(ft.Params, ft.Results)
	case OpcodeCallIndirect:
		if int(in.Index) >= len(v.m.TypeSection) {
			return fmt.Errorf("call_indirect: type index %d out of range", in.Index)
		}
		if err := v.pop(api.ValueTypeI32); err != nil {
			return err
		}
		ft := &v.m.TypeSection[in.Index]
		return v.applySignature(ft.Params, ft.Results)
	case OpcodeDrop:
		if _, err := v.popAny(); err != nil {
			return err
		}
	case OpcodeSelect:
		if err := v.pop(api.ValueTypeI32); err != nil {
			return err
		}
		t2, err := v.popAny()
		if err != nil {
			return err
		}
		t1, err := v.popAny()
		if err != nil {
			return err
		}
		if t1 != t2 && t1 != 0 && t2 != 0 {
			return fmt.Errorf("select: operand types differ (%s vs %s)", api.ValueTypeName(t1), api.ValueTypeName(t2))
		}
		if t1 != 0 {
			v.stack.push(t1)
		} else {
			v.stack.push(t2)
		}
	case OpcodeLocalGet:
		t, err := v.localType(in.Index)
		if err != nil {
			return err
		}
		v.stack.push(t)
	case OpcodeLocalSet:
		t, err := v.localType(in.Index)
		if err != nil {
			return err
		}
		return v.pop(t)
	case OpcodeLocalTee:
		t, err := v.localType(in.Index)
		if err != nil {
			return err
		}
		if err := v.pop(t); err != nil {
			return err
		}
		v.stack.push(t)
	case OpcodeGlobalGet:
		t, err := v.globalType(in.Index)
		if err != nil {
			return err
		}
		v.stack.push(t.ValType)
	case OpcodeGlobalSet:
		t, err := v.globalType(in.Index)
		if err != nil {
			return err
		}
		if !t.Mutable {
			return fmt.Errorf("global.set %d: global is immutable", in.Index)
		}
		return v.pop(t.ValType)
	case OpcodeMemorySize:
		if err := v.requireMemory(); err != nil {
			return err
		}
		v.stack.push(api.ValueTypeI32)
	case OpcodeMemoryGrow:
		if err := v.requireMemory(); err != nil {
			return err
		}
		if err := v.pop(api.ValueTypeI32); err != nil {
			return err
		}
		v.stack.push(api.ValueTypeI32)
	case OpcodeI32Const:
		v.stack.push(api.ValueTypeI32)
	case OpcodeI64Const:
		v.stack.push(api.ValueTypeI64)
	case OpcodeF32Const:
		v.stack.push(api.ValueTypeF32)
	case OpcodeF64Const:
		v.stack.push(api.ValueTypeF64)
	default:
		return v.stepMemoryOrNumeric(in)
	}
	return nil
}

func (v *validator) applySignature(params, results []api.ValueType) error {
	for i := len(params) - 1; i >= 0; i-- {
		if err := v.pop(params[i]); err != nil {
			return err
		}
	}
	for _, r := range results {
		v.stack.push(r)
	}
	return nil
}

func (v *validator) localType(idx uint32) (api.ValueType, error) {
	if int(idx) >= len(v.locals) {
		return 0, fmt.Errorf("local index %d out of range", idx)
	}
	return v.locals[idx], nil
}

func (v *validator) globalType(idx uint32) (GlobalType, error) {
	importCount := v.m.ImportGlobalCount()
	if idx < importCount {
		var i uint32
		for _, imp := range v.m.ImportSection {
			if imp.Type != api.ExternTypeGlobal {
				continue
			}
			if i == idx {
				return imp.DescGlobal, nil
			}
			i++
		}
	}
	defIdx := idx - importCount
	if int(defIdx) >= len(v.m.GlobalSection) {
		return GlobalType{}, fmt.Errorf("global index %d out of range", idx)
	}
	return v.m.GlobalSection[defIdx].Type, nil
}

func (v *validator) requireMemory() error {
	if len(v.m.MemorySection)+int(v.m.ImportMemoryCount()) == 0 {
		return fmt.Errorf("memory instruction without a memory")
	}
	return nil
}

// naturalAlignment is the log2 maximum alignment hint for each memory
// instruction. The hint is advisory: validation rejects a hint over the
// access width, but a mis-aligned address at runtime is not a trap.
func naturalAlignment(op Opcode) uint32 {
	switch op {
	case OpcodeI32Load, OpcodeI32Store, OpcodeF32Load, OpcodeF32Store:
		return 2
	case OpcodeI64Load, OpcodeI64Store, OpcodeF64Load, OpcodeF64Store:
		return 3
	case OpcodeI32Load8S, OpcodeI32Load8U, OpcodeI32Store8,
		OpcodeI64Load8S, OpcodeI64Load8U, OpcodeI64Store8:
		return 0
	case OpcodeI32Load16S, OpcodeI32Load16U, OpcodeI32Store16,
		OpcodeI64Load16S, OpcodeI64Load16U, OpcodeI64Store16:
		return 1
	case OpcodeI64Load32S, OpcodeI64Load32U, OpcodeI64Store32:
		return 2
	}
	return 0
}

func (v *validator) stepMemoryOrNumeric(in Instruction) error {
	switch in.Opcode {
	case OpcodeI32Load, OpcodeI32Load8S, OpcodeI32Load8U, OpcodeI32Load16S, OpcodeI32Load16U:
		return v.load(in, api.ValueTypeI32)
	case OpcodeI64Load, OpcodeI64Load8S, OpcodeI64Load8U, OpcodeI64Load16S, OpcodeI64Load16U, OpcodeI64Load32S, OpcodeI64Load32U:
		return v.load(in, api.ValueTypeI64)
	case OpcodeF32Load:
		return v.load(in, api.ValueTypeF32)
	case OpcodeF64Load:
		return v.load(in, api.ValueTypeF64)
	case OpcodeI32Store, OpcodeI32Store8, OpcodeI32Store16:
		return v.store(in, api.ValueTypeI32)
	case OpcodeI64Store, OpcodeI64Store8, OpcodeI64Store16, OpcodeI64Store32:
		return v.store(in, api.ValueTypeI64)
	case OpcodeF32Store:
		return v.store(in, api.ValueTypeF32)
	case OpcodeF64Store:
		return v.store(in, api.ValueTypeF64)
	}

	pop, push, ok := numericSignature(in.Opcode)
	if !ok {
		return fmt.Errorf("unknown or unsupported opcode %#x", in.Opcode)
	}
	for i := len(pop) - 1; i >= 0; i-- {
		if err := v.pop(pop[i]); err != nil {
			return err
		}
	}
	for _, t := range push {
		v.stack.push(t)
	}
	return nil
}

func (v *validator) load(in Instruction, t api.ValueType) error {
	if err := v.requireMemory(); err != nil {
		return err
	}
	if in.MemArg.Align > naturalAlignment(in.Opcode) {
		return fmt.Errorf("alignment %d exceeds natural alignment", in.MemArg.Align)
	}
	if err := v.pop(api.ValueTypeI32); err != nil {
		return err
	}
	v.stack.push(t)
	return nil
}

func (v *validator) store(in Instruction, t api.ValueType) error {
	if err := v.requireMemory(); err != nil {
		return err
	}
	if in.MemArg.Align > naturalAlignment(in.Opcode) {
		return fmt.Errorf("alignment %d exceeds natural alignment", in.MemArg.Align)
	}
	if err := v.pop(t); err != nil {
		return err
	}
	return v.pop(api.ValueTypeI32)
}

var i32, i64, f32, f64 = api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64

// numericSignature returns the (pop, push) type lists for every numeric
// opcode not handled as a special case above.
func numericSignature(op Opcode) (pop, push []api.ValueType, ok bool) {
	u1 := func(t api.ValueType) ([]api.ValueType, []api.ValueType) { return []api.ValueType{t}, []api.ValueType{t} }
	b2 := func(t api.ValueType) ([]api.ValueType, []api.ValueType) { return []api.ValueType{t, t}, []api.ValueType{t} }
	cmp := func(t api.ValueType) ([]api.ValueType, []api.ValueType) { return []api.ValueType{t, t}, []api.ValueType{i32} }
	eqz := func(t api.ValueType) ([]api.ValueType, []api.ValueType) { return []api.ValueType{t}, []api.ValueType{i32} }
	conv := func(from, to api.ValueType) ([]api.ValueType, []api.ValueType) {
		return []api.ValueType{from}, []api.ValueType{to}
	}

	switch op {
	case OpcodeI32Eqz:
		pop, push = eqz(i32)
	case OpcodeI64Eqz:
		pop, push = eqz(i64)
	case OpcodeI32Eq, OpcodeI32Ne, OpcodeI32LtS, OpcodeI32LtU, OpcodeI32GtS, OpcodeI32GtU, OpcodeI32LeS, OpcodeI32LeU, OpcodeI32GeS, OpcodeI32GeU:
		pop, push = cmp(i32)
	case OpcodeI64Eq, OpcodeI64Ne, OpcodeI64LtS, OpcodeI64LtU, OpcodeI64GtS, OpcodeI64GtU, OpcodeI64LeS, OpcodeI64LeU, OpcodeI64GeS, OpcodeI64GeU:
		pop, push = cmp(i64)
	case OpcodeF32Eq, OpcodeF32Ne, OpcodeF32Lt, OpcodeF32Gt, OpcodeF32Le, OpcodeF32Ge:
		pop, push = cmp(f32)
	case OpcodeF64Eq, OpcodeF64Ne, OpcodeF64Lt, OpcodeF64Gt, OpcodeF64Le, OpcodeF64Ge:
		pop, push = cmp(f64)

	case OpcodeI32Clz, OpcodeI32Ctz, OpcodeI32Popcnt:
		pop, push = u1(i32)
	case OpcodeI32Add, OpcodeI32Sub, OpcodeI32Mul, OpcodeI32DivS, OpcodeI32DivU, OpcodeI32RemS, OpcodeI32RemU,
		OpcodeI32And, OpcodeI32Or, OpcodeI32Xor, OpcodeI32Shl, OpcodeI32ShrS, OpcodeI32ShrU, OpcodeI32Rotl, OpcodeI32Rotr:
		pop, push = b2(i32)

	case OpcodeI64Clz, OpcodeI64Ctz, OpcodeI64Popcnt:
		pop, push = u1(i64)
	case OpcodeI64Add, OpcodeI64Sub, OpcodeI64Mul, OpcodeI64DivS, OpcodeI64DivU, OpcodeI64RemS, OpcodeI64RemU,
		OpcodeI64And, OpcodeI64Or, OpcodeI64Xor, OpcodeI64Shl, OpcodeI64ShrS, OpcodeI64ShrU, OpcodeI64Rotl, OpcodeI64Rotr:
		pop, push = b2(i64)

	case OpcodeF32Abs, OpcodeF32Neg, OpcodeF32Ceil, OpcodeF32Floor, OpcodeF32Trunc, OpcodeF32Nearest, OpcodeF32Sqrt:
		pop, push = u1(f32)
	case OpcodeF32Add, OpcodeF32Sub, OpcodeF32Mul, OpcodeF32Div, OpcodeF32Min, OpcodeF32Max, OpcodeF32Copysign:
		pop, push = b2(f32)

	case OpcodeF64Abs, OpcodeF64Neg, OpcodeF64Ceil, OpcodeF64Floor, OpcodeF64Trunc, OpcodeF64Nearest, OpcodeF64Sqrt:
		pop, push = u1(f64)
	case OpcodeF64Add, OpcodeF64Sub, OpcodeF64Mul, OpcodeF64Div, OpcodeF64Min, OpcodeF64Max, OpcodeF64Copysign:
		pop, push = b2(f64)

	case OpcodeI32WrapI64:
		pop, push = conv(i64, i32)
	case OpcodeI32TruncF32S, OpcodeI32TruncF32U:
		pop, push = conv(f32, i32)
	case OpcodeI32TruncF64S, OpcodeI32TruncF64U:
		pop, push = conv(f64, i32)
	case OpcodeI64ExtendI32S, OpcodeI64ExtendI32U:
		pop, push = conv(i32, i64)
	case OpcodeI64TruncF32S, OpcodeI64TruncF32U:
		pop, push = conv(f32, i64)
	case OpcodeI64TruncF64S, OpcodeI64TruncF64U:
		pop, push = conv(f64, i64)
	case OpcodeF32ConvertI32S, OpcodeF32ConvertI32U:
		pop, push = conv(i32, f32)
	case OpcodeF32ConvertI64S, OpcodeF32ConvertI64U:
		pop, push = conv(i64, f32)
	case OpcodeF32DemoteF64:
		pop, push = conv(f64, f32)
	case OpcodeF64ConvertI32S, OpcodeF64ConvertI32U:
		pop, push = conv(i32, f64)
	case OpcodeF64ConvertI64S, OpcodeF64ConvertI64U:
		pop, push = conv(i64, f64)
	case OpcodeF64PromoteF32:
		pop, push = conv(f32, f64)
	case OpcodeI32ReinterpretF32:
		pop, push = conv(f32, i32)
	case OpcodeI64ReinterpretF64:
		pop, push = conv(f64, i64)
	case OpcodeF32ReinterpretI32:
		pop, push = conv(i32, f32)
	case OpcodeF64ReinterpretI64:
		pop, push = conv(i64, f64)
	default:
		return nil, nil, false
	}
	return pop, push, true
}
