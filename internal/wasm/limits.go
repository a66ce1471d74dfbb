package wasm

import "fmt"

// MemoryPageSize is the fixed unit of linear memory allocation: 64KiB.
const MemoryPageSize = 65536

// MemoryMaxPages is the hard ceiling on memory size: 4GiB worth of pages.
const MemoryMaxPages = 65536

// TableMaxSize is this engine's ceiling on table size; core 1.0 places no
// explicit bound beyond what limits validation enforces per module.
const TableMaxSize = 1 << 27

// validateLimits checks min <= max <= ceiling.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#limits%E2%91%A2
func validateLimits(l Limits, ceiling uint32, what string) error {
	if l.Min > ceiling {
		return fmt.Errorf("%s: min %d exceeds ceiling %d", what, l.Min, ceiling)
	}
	if l.Max != nil {
		if *l.Max > ceiling {
			return fmt.Errorf("%s: max %d exceeds ceiling %d", what, *l.Max, ceiling)
		}
		if l.Min > *l.Max {
			return fmt.Errorf("%s: min %d exceeds max %d", what, l.Min, *l.Max)
		}
	}
	return nil
}
