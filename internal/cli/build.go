package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/kyleseneker/pybpfc/internal/compile"
	"github.com/kyleseneker/pybpfc/internal/llvm"
)

func runBuild(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := compile.BuildOptions{
		Options: compile.Options{
			Stdout: stdout,
			Stderr: stderr,
		},
	}
	var configPath string

	fs := flag.NewFlagSet("pybpfc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Output, "emit", "", "Output .ll path. Defaults to the source path with a .ll extension.")
	fs.StringVar(&opts.Object, "o", "", "Output BPF object path. Defaults to the source path with a .o extension.")
	fs.BoolVar(&opts.EmitLLVMOnly, "emit-llvm", false, "Stop after writing the .ll module.")
	fs.IntVar(&opts.OptLevel, "O", 2, "Optimization level passed to llc.")
	fs.StringVar(&opts.CPU, "mcpu", "", "BPF CPU version passed to llc as -mcpu.")
	fs.StringVar(&opts.LLC, "llc", "", "Path to llc binary.")
	fs.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Static-compiler timeout.")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose pass logging.")
	fs.BoolVar(&opts.Verbose, "v", false, "Enable verbose pass logging (shorthand).")
	fs.StringVar(&configPath, "config", "", "Path to a pybpfc.yaml toolchain config.")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: pybpfc [flags] <source.py>")
		fs.Usage()
		return 2
	}
	opts.Source = fs.Arg(0)

	if configPath != "" {
		cfg, err := llvm.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		applyConfig(&opts, cfg)
	}

	art, err := compile.Build(ctx, opts)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", art.LLPath)
	if !opts.EmitLLVMOnly {
		obj := opts.Object
		if obj == "" {
			obj = strings.TrimSuffix(opts.Source, filepath.Ext(opts.Source)) + ".o"
		}
		fmt.Fprintf(stdout, "wrote %s\n", obj)
	}
	return 0
}

// applyConfig fills build options from the config file. Explicit path and
// cpu flags win; opt_level from the file always applies.
func applyConfig(opts *compile.BuildOptions, cfg *llvm.Config) {
	if opts.LLC == "" && cfg.LLC != "" {
		opts.LLC = cfg.LLC
	}
	if opts.CPU == "" && cfg.CPU != "" {
		opts.CPU = cfg.CPU
	}
	if cfg.OptLevel != nil {
		opts.OptLevel = *cfg.OptLevel
	}
}
