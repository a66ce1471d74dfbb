// Package wasmdebug renders a Wasm-style stack trace for a trapped
// invocation. It is diagnostic only: it never changes a trap's Kind, only
// the text attached to the surfaced error.
package wasmdebug

import (
	"fmt"
	"strings"
)

// FuncName formats a function's name for a stack trace entry: "module.name",
// falling back to "module.$index" when the function has no recorded name.
func FuncName(moduleName, funcName string, funcIdx uint32) string {
	if funcName == "" {
		funcName = fmt.Sprintf("$%d", funcIdx)
	}
	return moduleName + "." + funcName
}

// Frame is one activation in a trapped call's stack trace, outermost first.
type Frame struct {
	ModuleName, FuncName string
	FuncIdx               uint32
}

// FormatTrace renders frames as a Wasm-style trace:
//
//	wasm backtrace:
//		0: m.f
//		1: m.g
//
// innermost (panicking) frame first.
func FormatTrace(frames []Frame) string {
	if len(frames) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("wasm backtrace:\n")
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		fmt.Fprintf(&b, "\t%d: %s\n", len(frames)-1-i, FuncName(f.ModuleName, f.FuncName, f.FuncIdx))
	}
	return strings.TrimRight(b.String(), "\n")
}
