package wasm

import "github.com/cespare/xxhash/v2"

// CalculateModuleID hashes the original binary so the engine can key its
// compiled-code cache (and de-duplicate instantiations of the same bytes)
// without retaining the raw input. Called by internal/wasm/binary once
// decoding succeeds.
func CalculateModuleID(binary []byte) (id ModuleID) {
	sum := xxhash.Sum64(binary)
	for i := 0; i < 8; i++ {
		id[i] = byte(sum >> (8 * i))
	}
	return id
}
