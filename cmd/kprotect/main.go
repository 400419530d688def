// Command kprotect compiles scripts into packed bytecode programs and runs
// them.
package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	kprotect "github.com/yxzlwz/KProtect"
	"github.com/yxzlwz/KProtect/internal/bytecode"
)

var (
	outputPath string
	traceExec  bool
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "kprotect",
		Short:         "Compile scripts to opaque bytecode and execute them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	buildCmd := &cobra.Command{
		Use:   "build <script>",
		Short: "Compile a script into a packed program file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBuild,
	}
	buildCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: <script>.kpc)")

	runCmd := &cobra.Command{
		Use:   "run <script|program>",
		Short: "Execute a script or a packed program file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&traceExec, "trace", false, "log every dispatched instruction")

	disasmCmd := &cobra.Command{
		Use:   "disasm <script>",
		Short: "Compile a script and print its instruction blocks",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisasm,
	}

	root.AddCommand(buildCmd, runCmd, disasmCmd)

	if err := root.Execute(); err != nil {
		log := logger()
		log.Error().Err(err).Msg("failed")
		os.Exit(1)
	}
}

func logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func runBuild(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	prog, err := kprotect.CompileSource(args[0], string(src))
	if err != nil {
		return err
	}
	raw, err := prog.Marshal()
	if err != nil {
		return err
	}
	out := outputPath
	if out == "" {
		out = strings.TrimSuffix(args[0], ".js") + ".kpc"
	}
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		return err
	}
	log := logger()
	log.Info().
		Str("output", out).
		Int("bytes", len(raw)).
		Int("blocks", len(prog.Lookup)).
		Msg("compiled")
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var prog *kprotect.Program
	if strings.HasSuffix(args[0], ".kpc") {
		prog, err = bytecode.UnmarshalProgram(raw)
	} else {
		prog, err = kprotect.CompileSource(args[0], string(raw))
	}
	if err != nil {
		return err
	}

	opts := []kprotect.RunOption{kprotect.WithConsoleWriter(os.Stdout)}
	if traceExec {
		opts = append(opts, kprotect.WithTraceLogger(logger().Level(zerolog.DebugLevel)))
	}
	return kprotect.Run(prog, opts...)
}

func runDisasm(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	tree, err := kprotect.Parse(args[0], string(src))
	if err != nil {
		return err
	}
	il, err := kprotect.Compile(tree)
	if err != nil {
		return err
	}
	return kprotect.Disassemble(os.Stdout, il)
}
