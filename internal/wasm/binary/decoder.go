package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/leb128"
	"github.com/wazerocore/wazcore/internal/wasm"
)

// DecodeModule parses a binary-encoded Wasm module. It does not validate
// type-correctness; callers must run wasm.Validate on the result before
// instantiating it.
func DecodeModule(binary []byte) (*wasm.Module, error) {
	r := bytes.NewReader(binary)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}
	var version [4]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported binary version: %x", version)
	}

	m := &wasm.Module{ExportSection: map[string]wasm.Export{}}

	var lastNonCustomID SectionID = 0
	seenNonCustom := false
	for {
		id, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}

		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read section size: %w", err)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read section %d payload: %w", id, err)
		}
		sr := bytes.NewReader(payload)

		if id != SectionIDCustom {
			if seenNonCustom && id <= lastNonCustomID {
				return nil, fmt.Errorf("section %d out of order (after section %d)", id, lastNonCustomID)
			}
			lastNonCustomID = id
			seenNonCustom = true
		}

		switch id {
		case SectionIDCustom:
			name, err := decodeName(sr)
			if err != nil {
				return nil, fmt.Errorf("custom section: %w", err)
			}
			if name == "name" {
				ns, err := decodeNameSection(sr)
				if err != nil {
					// The name section is diagnostic only; malformed data
					// here must not fail the whole module.
					break
				}
				m.NameSection = ns
			}
		case SectionIDType:
			m.TypeSection, err = decodeTypeSection(sr)
		case SectionIDImport:
			m.ImportSection, err = decodeImportSection(sr)
		case SectionIDFunction:
			m.FunctionSection, err = decodeFunctionSection(sr)
		case SectionIDTable:
			m.TableSection, err = decodeTableSection(sr)
		case SectionIDMemory:
			m.MemorySection, err = decodeMemorySection(sr)
		case SectionIDGlobal:
			m.GlobalSection, err = decodeGlobalSection(sr)
		case SectionIDExport:
			m.ExportSection, err = decodeExportSection(sr)
		case SectionIDStart:
			var idx uint32
			idx, _, err = leb128.DecodeUint32(sr)
			m.StartSection = &idx
		case SectionIDElement:
			m.ElementSection, err = decodeElementSection(sr)
		case SectionIDCode:
			m.CodeSection, err = decodeCodeSection(sr)
		case SectionIDData:
			m.DataSection, err = decodeDataSection(sr)
		default:
			return nil, fmt.Errorf("unknown section id: %d", id)
		}
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
	}

	if len(m.FunctionSection) != len(m.CodeSection) {
		return nil, fmt.Errorf("function and code section counts disagree: %d vs %d", len(m.FunctionSection), len(m.CodeSection))
	}

	m.ID = wasm.CalculateModuleID(binary)
	return m, nil
}

func decodeTypeSection(r io.ByteReader) ([]wasm.FunctionType, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]wasm.FunctionType, count)
	for i := range out {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read functype form: %w", err)
		}
		if b != 0x60 {
			return nil, fmt.Errorf("invalid functype form: %#x", b)
		}
		pCount, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		params := make([]api.ValueType, pCount)
		for j := range params {
			if params[j], err = decodeValueType(r); err != nil {
				return nil, err
			}
		}
		rCount, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		if rCount > 1 {
			return nil, fmt.Errorf("functype has %d results, core 1.0 allows at most 1", rCount)
		}
		results := make([]api.ValueType, rCount)
		for j := range results {
			if results[j], err = decodeValueType(r); err != nil {
				return nil, err
			}
		}
		out[i] = wasm.FunctionType{Params: params, Results: results}
	}
	return out, nil
}

func decodeImportSection(r io.ByteReader) ([]wasm.Import, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]wasm.Import, count)
	for i := range out {
		mod, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		name, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read import kind: %w", err)
		}
		imp := wasm.Import{Module: mod, Name: name, Type: kind}
		switch kind {
		case api.ExternTypeFunc:
			imp.DescFunc, _, err = leb128.DecodeUint32(r)
		case api.ExternTypeTable:
			imp.DescTable, err = decodeTableType(r)
		case api.ExternTypeMemory:
			imp.DescMem, err = decodeMemoryType(r)
		case api.ExternTypeGlobal:
			imp.DescGlobal, err = decodeGlobalType(r)
		default:
			err = fmt.Errorf("invalid import kind: %#x", kind)
		}
		if err != nil {
			return nil, err
		}
		out[i] = imp
	}
	return out, nil
}

func decodeFunctionSection(r io.ByteReader) ([]uint32, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := range out {
		if out[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeTableSection(r io.ByteReader) ([]wasm.TableType, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if count > 1 {
		return nil, fmt.Errorf("at most one table allowed, got %d", count)
	}
	out := make([]wasm.TableType, count)
	for i := range out {
		if out[i], err = decodeTableType(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeMemorySection(r io.ByteReader) ([]wasm.MemoryType, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if count > 1 {
		return nil, fmt.Errorf("at most one memory allowed, got %d", count)
	}
	out := make([]wasm.MemoryType, count)
	for i := range out {
		if out[i], err = decodeMemoryType(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeGlobalSection(r io.ByteReader) ([]wasm.GlobalDef, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]wasm.GlobalDef, count)
	for i := range out {
		gt, err := decodeGlobalType(r)
		if err != nil {
			return nil, err
		}
		init, err := decodeConstantExpression(r)
		if err != nil {
			return nil, err
		}
		out[i] = wasm.GlobalDef{Type: gt, Init: init}
	}
	return out, nil
}

func decodeExportSection(r io.ByteReader) (map[string]wasm.Export, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]wasm.Export, count)
	for i := uint32(0); i < count; i++ {
		name, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read export kind: %w", err)
		}
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate export name %q", name)
		}
		out[name] = wasm.Export{Type: kind, Name: name, Index: idx}
	}
	return out, nil
}

func decodeElementSection(r io.ByteReader) ([]wasm.ElementSegment, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]wasm.ElementSegment, count)
	for i := range out {
		tableIdx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		offset, err := decodeConstantExpression(r)
		if err != nil {
			return nil, err
		}
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		init := make([]uint32, n)
		for j := range init {
			if init[j], _, err = leb128.DecodeUint32(r); err != nil {
				return nil, err
			}
		}
		out[i] = wasm.ElementSegment{TableIndex: tableIdx, Offset: offset, Init: init}
	}
	return out, nil
}

func decodeDataSection(r io.ByteReader) ([]wasm.DataSegment, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]wasm.DataSegment, count)
	for i := range out {
		memIdx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		offset, err := decodeConstantExpression(r)
		if err != nil {
			return nil, err
		}
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		init, err := readBytes(r, int(n))
		if err != nil {
			return nil, err
		}
		out[i] = wasm.DataSegment{MemoryIndex: memIdx, Offset: offset, Init: init}
	}
	return out, nil
}

func decodeNameSection(r io.ByteReader) (*wasm.NameSection, error) {
	ns := &wasm.NameSection{FunctionNames: map[uint32]string{}}
	for {
		subID, err := r.ReadByte()
		if err != nil {
			return ns, nil // best-effort: stop at first malformed/absent subsection
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return ns, nil
		}
		payload, err := readBytes(r, int(size))
		if err != nil {
			return ns, nil
		}
		sr := bytes.NewReader(payload)
		switch subID {
		case 0: // module name
			if name, err := decodeName(sr); err == nil {
				ns.ModuleName = name
			}
		case 1: // function names
			if n, _, err := leb128.DecodeUint32(sr); err == nil {
				for i := uint32(0); i < n; i++ {
					idx, _, err := leb128.DecodeUint32(sr)
					if err != nil {
						break
					}
					name, err := decodeName(sr)
					if err != nil {
						break
					}
					ns.FunctionNames[idx] = name
				}
			}
		}
	}
}
