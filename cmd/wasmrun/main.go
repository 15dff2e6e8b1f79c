// Command wasmrun is the CLI embedder named in spec.md §6: `run` decodes,
// instantiates, and invokes an exported function from a `.wasm` or `.wat`
// file; `validate` decodes only and reports errors. Built with cobra,
// matching the pack's single-binary-multi-subcommand CLIs (opa, k6) rather
// than the teacher's hand-rolled flag.FlagSet switch (cmd/wazero/wazero.go).
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	wasm "github.com/rnxpyke/wasm"
	"github.com/rnxpyke/wasm/api"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "wasmrun",
		Short:         "Decode, instantiate, and run WebAssembly 1.0 modules",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newRunCmd(), newValidateCmd(), newScriptCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Decode a .wasm or .wat module and report errors without instantiating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				log.WithError(err).WithField("path", args[0]).Error("reading module")
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			rt := wasm.NewRuntime()
			defer rt.Close(rt.Context())
			if _, err := rt.CompileModule(src); err != nil {
				log.WithError(err).WithField("path", args[0]).Debug("module failed to validate")
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", args[0], err)
				return err
			}
			log.WithField("path", args[0]).Debug("module validated")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var invoke string
	var rawArgs []string
	var maxCallDepth uint32

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Instantiate a module and invoke an exported function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				log.WithError(err).WithField("path", args[0]).Error("reading module")
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			cfg := wasm.NewRuntimeConfig()
			if maxCallDepth > 0 {
				cfg = cfg.WithMaxCallDepth(int(maxCallDepth))
			}
			rt := wasm.NewRuntimeWithConfig(cfg)
			defer rt.Close(rt.Context())

			compiled, err := rt.CompileModule(src)
			if err != nil {
				log.WithError(err).WithField("path", args[0]).Error("compiling module")
				return fmt.Errorf("compiling %s: %w", args[0], err)
			}
			mod, err := rt.InstantiateModule(compiled, args[0])
			if err != nil {
				log.WithError(err).WithField("path", args[0]).Error("instantiating module")
				return fmt.Errorf("instantiating %s: %w", args[0], err)
			}

			if invoke == "" {
				log.WithField("path", args[0]).Debug("instantiated, nothing to invoke")
				fmt.Fprintf(cmd.OutOrStdout(), "%s: instantiated (start function, if any, already ran)\n", args[0])
				return nil
			}

			encoded, err := encodeArgs(rawArgs)
			if err != nil {
				log.WithError(err).WithField("args", rawArgs).Error("parsing arguments")
				return err
			}
			results, err := mod.ExportedFunction(invoke, encoded...)
			if err != nil {
				log.WithError(err).WithField("func", invoke).Debug("invocation trapped")
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", invoke, err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatResults(results))
			return nil
		},
	}
	cmd.Flags().StringVarP(&invoke, "invoke", "i", "", "name of the exported function to call")
	cmd.Flags().StringSliceVarP(&rawArgs, "arg", "a", nil, "i32/i64/f32/f64 argument, e.g. i32:42 (repeatable)")
	cmd.Flags().Uint32Var(&maxCallDepth, "max-call-depth", 0, "override the interpreter's call-stack depth ceiling (0 keeps the default)")
	return cmd
}

func newScriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "script <path>",
		Short: "Run a .wast-shaped assertion script (module/register/invoke/assert_*)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, args[0])
		},
	}
}

// encodeArgs parses "type:value" flag values (e.g. "i32:42", "f64:-1.5")
// into the uint64 encoding api.EncodeI32/etc. use.
func encodeArgs(raw []string) ([]uint64, error) {
	out := make([]uint64, 0, len(raw))
	for _, a := range raw {
		kind, val, ok := strings.Cut(a, ":")
		if !ok {
			err := fmt.Errorf("malformed --arg %q, want type:value (e.g. i32:42)", a)
			log.WithField("arg", a).Debug(err)
			return nil, err
		}
		switch kind {
		case "i32":
			n, err := strconv.ParseInt(val, 0, 32)
			if err != nil {
				log.WithError(err).WithField("arg", a).Debug("parsing i32 argument")
				return nil, fmt.Errorf("--arg %q: %w", a, err)
			}
			out = append(out, api.EncodeI32(int32(n)))
		case "i64":
			n, err := strconv.ParseInt(val, 0, 64)
			if err != nil {
				log.WithError(err).WithField("arg", a).Debug("parsing i64 argument")
				return nil, fmt.Errorf("--arg %q: %w", a, err)
			}
			out = append(out, api.EncodeI64(n))
		case "f32":
			f, err := strconv.ParseFloat(val, 32)
			if err != nil {
				log.WithError(err).WithField("arg", a).Debug("parsing f32 argument")
				return nil, fmt.Errorf("--arg %q: %w", a, err)
			}
			out = append(out, api.EncodeF32(float32(f)))
		case "f64":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				log.WithError(err).WithField("arg", a).Debug("parsing f64 argument")
				return nil, fmt.Errorf("--arg %q: %w", a, err)
			}
			out = append(out, api.EncodeF64(f))
		default:
			err := fmt.Errorf("--arg %q: unknown type %q (want i32, i64, f32, or f64)", a, kind)
			log.WithField("arg", a).Debug(err)
			return nil, err
		}
	}
	return out, nil
}

func formatResults(results []uint64) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = strconv.FormatUint(r, 10)
	}
	return strings.Join(parts, " ")
}
