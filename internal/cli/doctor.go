package cli

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/kyleseneker/pybpfc/internal/llvm"
)

// runDoctor verifies that the external toolchain is present and reports
// its version.
func runDoctor(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var llcPath string
	var timeout time.Duration

	fs := flag.NewFlagSet("pybpfc doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&llcPath, "llc", "", "Path to llc binary.")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for the version check.")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	tools, err := llvm.DiscoverTools(llcPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "llc: %s\n", tools.LLC)

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var out bytes.Buffer
	cmd := exec.CommandContext(vctx, tools.LLC, "--version")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(stderr, "llc --version failed: %v\n", err)
		return 1
	}
	if line := versionLine(out.String()); line != "" {
		fmt.Fprintf(stdout, "version: %s\n", line)
	}
	if !strings.Contains(out.String(), "bpf") {
		fmt.Fprintln(stderr, "warning: this llc build does not list the bpf target")
	}
	return 0
}

// versionLine extracts the "LLVM version ..." fragment from llc --version
// output, tolerating distro prefixes like "Ubuntu LLVM version 18.1.3".
func versionLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if idx := strings.Index(line, "LLVM version"); idx >= 0 {
			return strings.TrimSpace(line[idx:])
		}
	}
	return ""
}
