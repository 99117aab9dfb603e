// Package cli implements the pybpfc command-line interface: the default
// build command plus the doctor, run, and version subcommands.
package cli

import (
	"context"
	"fmt"
	"io"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/kyleseneker/pybpfc/internal/cli.Version=v0.1.0"
var Version = "(dev)"

// Run is the top-level entrypoint. It dispatches to the appropriate
// subcommand based on the first argument.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		switch args[0] {
		case "doctor":
			return runDoctor(ctx, args[1:], stdout, stderr)
		case "run":
			return runLoad(ctx, args[1:], stdout, stderr)
		case "version", "--version", "-version":
			return runVersion(stdout)
		}
	}
	return runBuild(ctx, args, stdout, stderr)
}

func runVersion(stdout io.Writer) int {
	fmt.Fprintf(stdout, "pybpfc %s\n", Version)
	return 0
}
