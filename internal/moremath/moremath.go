// Package moremath provides floating-point helpers whose semantics diverge
// from the Go standard library in exactly the ways Wasm core 1.0 requires
// (notably min/max's NaN and signed-zero rules).
package moremath

import "math"

// WasmCompatMin differs from math.Min in that a NaN operand wins even
// against -Inf, as f32.min/f64.min require. Derived from the stdlib:
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L74-L91
func WasmCompatMin(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, -1) || math.IsInf(y, -1):
		return math.Inf(-1)
	case x == 0 && x == y:
		if math.Signbit(x) {
			return x
		}
		return y
	}
	if x < y {
		return x
	}
	return y
}

// WasmCompatMax differs from math.Max in that a NaN operand wins even
// against +Inf, as f32.max/f64.max require. Derived from the stdlib:
// https://github.com/golang/go/blob/1d20a362d0ca4898d77865e314ef6f73582daef0/src/math/dim.go#L42-L59
func WasmCompatMax(x, y float64) float64 {
	switch {
	case math.IsNaN(x) || math.IsNaN(y):
		return math.NaN()
	case math.IsInf(x, 1) || math.IsInf(y, 1):
		return math.Inf(1)

	case x == 0 && x == y:
		if math.Signbit(x) {
			return y
		}
		return x
	}
	if x > y {
		return x
	}
	return y
}

// WasmCompatNearestF32 rounds to the nearest integer, ties to even, as
// Wasm's f32.nearest requires. This differs from math.Round, which rounds
// ties away from zero.
func WasmCompatNearestF32(f float32) float32 {
	return float32(math.RoundToEven(float64(f)))
}

// WasmCompatNearestF64 is WasmCompatNearestF32 for f64.nearest.
func WasmCompatNearestF64(f float64) float64 {
	return math.RoundToEven(f)
}
