package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/wazerocore/wazcore/internal/leb128"
)

func section(id byte, payload ...byte) []byte {
	out := []byte{id}
	out = append(out, leb128.EncodeUint32(uint32(len(payload)))...)
	return append(out, payload...)
}

func name(s string) []byte {
	return append(leb128.EncodeUint32(uint32(len(s))), s...)
}

// divWasm exports div: (i32, i32) -> i32 via i32.div_s, enough surface to
// exercise success, argument parsing, and trap exits.
func divWasm() []byte {
	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, section(1, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f)...)
	bin = append(bin, section(3, 0x01, 0x00)...)
	bin = append(bin, section(7, append(append([]byte{0x01}, name("div")...), 0x00, 0x00)...)...)
	bin = append(bin, section(10, 0x01,
		0x07, // body size
		0x00, // no locals
		0x20, 0x00,
		0x20, 0x01,
		0x6d, // i32.div_s
		0x0b,
	)...)
	return bin
}

func writeModule(t *testing.T, fs afero.Fs, path string, bin []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, bin, 0o644))
}

func TestRun_success(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModule(t, fs, "div.wasm", divWasm())

	var stdout, stderr bytes.Buffer
	code := run(fs, []string{"div.wasm", "div", "-84", "2"}, &stdout, &stderr)

	require.Equal(t, exitOK, code, stderr.String())
	require.Equal(t, "-42\n", stdout.String())
}

func TestRun_trap(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModule(t, fs, "div.wasm", divWasm())

	var stdout, stderr bytes.Buffer
	code := run(fs, []string{"div.wasm", "div", "1", "0"}, &stdout, &stderr)

	require.Equal(t, exitTrap, code)
	require.Contains(t, stderr.String(), "integer divide by zero")
}

func TestRun_decodeError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModule(t, fs, "bad.wasm", []byte("junk"))

	var stdout, stderr bytes.Buffer
	code := run(fs, []string{"bad.wasm", "f"}, &stdout, &stderr)

	require.Equal(t, exitDecode, code)
}

func TestRun_missingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(afero.NewMemMapFs(), []string{"absent.wasm", "f"}, &stdout, &stderr)

	require.Equal(t, exitDecode, code)
	require.NotEmpty(t, stderr.String())
}

func TestRun_unknownExport(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModule(t, fs, "div.wasm", divWasm())

	var stdout, stderr bytes.Buffer
	code := run(fs, []string{"div.wasm", "nope"}, &stdout, &stderr)

	require.Equal(t, exitLink, code)
	require.Contains(t, stderr.String(), "not an exported function")
}

func TestRun_badArgCount(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModule(t, fs, "div.wasm", divWasm())

	var stdout, stderr bytes.Buffer
	code := run(fs, []string{"div.wasm", "div", "1"}, &stdout, &stderr)

	require.Equal(t, exitLink, code)
	require.Contains(t, stderr.String(), "expected 2 args")
}

func TestRun_usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(afero.NewMemMapFs(), []string{"only-one-arg"}, &stdout, &stderr)
	require.NotEqual(t, exitOK, code)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name     string
		vt       byte
		input    string
		expected uint64
	}{
		{"i32 positive", 0x7f, "42", 42},
		{"i32 negative", 0x7f, "-1", 0xffffffff},
		{"i32 hex", 0x7f, "0x10", 16},
		{"i32 high unsigned", 0x7f, "4294967295", 0xffffffff},
		{"i64 negative", 0x7e, "-1", 0xffffffffffffffff},
		{"f64", 0x7c, "1.5", 0x3ff8000000000000},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			v, err := parseValue(tc.vt, tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, v)
		})
	}

	_, err := parseValue(0x7f, "not-a-number")
	require.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	require.Equal(t, "-1", formatValue(0x7f, 0xffffffff))
	require.Equal(t, "-1", formatValue(0x7e, 0xffffffffffffffff))
	require.Equal(t, "1.5", formatValue(0x7c, 0x3ff8000000000000))
}
