// Command wazeroexec runs one exported function of a binary WebAssembly
// module:
//
//	wazeroexec <module.wasm> <export_name> [arg]...
//
// Arguments are parsed per the export's declared parameter types and
// results are printed one per line. Exit status: 0 success, 1 decode
// error, 2 link or validation error (including unknown exports and bad
// arguments), 3 trap.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	wazcore "github.com/wazerocore/wazcore"
	"github.com/wazerocore/wazcore/api"
	"github.com/wazerocore/wazcore/internal/wasmruntime"
)

const (
	exitOK = iota
	exitDecode
	exitLink
	exitTrap
)

func main() {
	os.Exit(run(afero.NewOsFs(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(fs afero.Fs, args []string, stdout, stderr io.Writer) int {
	code := exitOK

	var debug bool
	cmd := &cobra.Command{
		Use:           "wazeroexec <module.wasm> <export_name> [arg]...",
		Short:         "Run an exported function of a WebAssembly module",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			code, err = invoke(cmd.Context(), fs, args, debug, stdout)
			return err
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log compile and link diagnostics to stderr")
	// Stop flag parsing at the module path so negative numeric arguments
	// ("wazeroexec m.wasm f -84") are not mistaken for flags; --debug goes
	// before the positional arguments.
	cmd.Flags().SetInterspersed(false)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(stderr, "wazeroexec:", err)
		if code == exitOK {
			code = exitLink
		}
	}
	return code
}

func invoke(ctx context.Context, fs afero.Fs, args []string, debug bool, stdout io.Writer) (int, error) {
	bin, err := afero.ReadFile(fs, args[0])
	if err != nil {
		return exitDecode, err
	}

	config := wazcore.NewRuntimeConfig()
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return exitLink, err
		}
		defer logger.Sync() //nolint:errcheck // best-effort flush on exit
		config = config.WithDebugLogger(logger)
	}

	r := wazcore.NewRuntimeWithConfig(ctx, config)
	defer r.Close(ctx)

	mod, err := r.Instantiate(ctx, bin)
	if err != nil {
		return classify(err), err
	}

	exportName := args[1]
	fn := mod.ExportedFunction(exportName)
	if fn == nil {
		return exitLink, fmt.Errorf("%q is not an exported function of %s", exportName, args[0])
	}

	params, err := parseParams(fn.ParamTypes(), args[2:])
	if err != nil {
		return exitLink, err
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return classify(err), err
	}
	for i, vt := range fn.ResultTypes() {
		fmt.Fprintln(stdout, formatValue(vt, results[i]))
	}
	return exitOK, nil
}

func classify(err error) int {
	var trap *wasmruntime.Error
	switch {
	case errors.As(err, &trap):
		return exitTrap
	case errors.Is(err, wazcore.ErrDecode):
		return exitDecode
	default:
		return exitLink
	}
}

func parseParams(types []api.ValueType, args []string) ([]uint64, error) {
	if len(args) != len(types) {
		return nil, fmt.Errorf("expected %d args, got %d", len(types), len(args))
	}
	params := make([]uint64, len(args))
	for i, arg := range args {
		v, err := parseValue(types[i], arg)
		if err != nil {
			return nil, fmt.Errorf("arg %d (%s): %w", i, api.ValueTypeName(types[i]), err)
		}
		params[i] = v
	}
	return params, nil
}

func parseValue(vt api.ValueType, s string) (uint64, error) {
	switch vt {
	case api.ValueTypeI32:
		if v, err := strconv.ParseInt(s, 0, 32); err == nil {
			return api.EncodeI32(int32(v)), nil
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeU32(uint32(v)), nil
	case api.ValueTypeI64:
		if v, err := strconv.ParseInt(s, 0, 64); err == nil {
			return api.EncodeI64(v), nil
		}
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return 0, err
		}
		return v, nil
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(v), nil
	}
	return 0, fmt.Errorf("unsupported value type %#x", vt)
}

func formatValue(vt api.ValueType, raw uint64) string {
	switch vt {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(int32(uint32(raw))), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(raw), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(raw))), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(math.Float64frombits(raw), 'g', -1, 64)
	}
	return strconv.FormatUint(raw, 10)
}
