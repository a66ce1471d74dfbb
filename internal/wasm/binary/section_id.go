// Package binary decodes the WebAssembly core 1.0 binary module format into
// an internal/wasm.Module, and pre-computes the jump indices the
// interpreter needs so it never re-scans a function body at branch time.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
package binary

// SectionID identifies one of the eleven known module sections, or the
// custom section (0) which this decoder skips except for "name".
type SectionID = byte

const (
	SectionIDCustom   SectionID = 0
	SectionIDType     SectionID = 1
	SectionIDImport   SectionID = 2
	SectionIDFunction SectionID = 3
	SectionIDTable    SectionID = 4
	SectionIDMemory   SectionID = 5
	SectionIDGlobal   SectionID = 6
	SectionIDExport   SectionID = 7
	SectionIDStart    SectionID = 8
	SectionIDElement  SectionID = 9
	SectionIDCode     SectionID = 10
	SectionIDData     SectionID = 11
)

// Magic is the 4-byte header preceding the version.
var Magic = [4]byte{0x00, 0x61, 0x73, 0x6d}

// Version is the only binary format version this engine understands.
var Version = [4]byte{0x01, 0x00, 0x00, 0x00}

const (
	elemTypeFuncref = 0x70
)
