package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/kyleseneker/pybpfc/internal/compile"
	"github.com/kyleseneker/pybpfc/internal/trace"
)

// runLoad compiles a source file in-memory, loads the object into the
// kernel, attaches its programs, and streams trace pipe output until the
// context is cancelled.
func runLoad(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := compile.BuildOptions{
		Options: compile.Options{Stdout: stdout, Stderr: stderr},
		OptLevel: 2,
	}
	var pipePath string

	fs := flag.NewFlagSet("pybpfc run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.LLC, "llc", "", "Path to llc binary.")
	fs.StringVar(&opts.CPU, "mcpu", "", "BPF CPU version passed to llc as -mcpu.")
	fs.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Static-compiler timeout.")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose pass logging.")
	fs.StringVar(&pipePath, "trace-pipe", trace.DefaultPipePath, "Trace pipe to stream after attach.")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: pybpfc run [flags] <source.py>")
		return 2
	}
	opts.Source = fs.Arg(0)

	loaded, err := compile.BuildAndLoad(ctx, opts)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	defer loaded.Close()
	fmt.Fprintf(stdout, "loaded %d program(s), %d map(s)\n",
		len(loaded.Objects.Programs), len(loaded.Objects.Maps))

	reader, err := trace.OpenPath(pipePath)
	if err != nil {
		fmt.Fprintf(stderr, "trace pipe unavailable: %v\n", err)
		return 0
	}
	defer reader.Close()

	go func() {
		<-ctx.Done()
		reader.Close()
	}()
	for {
		ev, err := reader.Next()
		if err != nil {
			return 0
		}
		fmt.Fprintf(stdout, "%-16s pid=%-6d cpu=%d %.6f: %s\n",
			ev.Comm, ev.PID, ev.CPU, ev.Timestamp, ev.Message)
	}
}
