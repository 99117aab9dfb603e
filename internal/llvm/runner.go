// Package llvm discovers and executes the external LLVM static compiler
// (llc) that turns the emitted .ll module into a loadable BPF object.
package llvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kyleseneker/pybpfc/internal/diag"
)

// allowedToolBases is the canonical set of tool basenames this driver is
// permitted to execute.
var allowedToolBases = map[string]bool{
	"llc": true,
}

// ValidateBinary checks that a resolved binary path refers to an allowed
// tool and does not contain characters indicative of shell injection.
func ValidateBinary(binPath string) error {
	if strings.ContainsAny(binPath, ";|&$`\n") {
		return fmt.Errorf("binary path %q contains prohibited characters", binPath)
	}
	if !isAllowedTool(binPath) {
		return fmt.Errorf("binary %q (basename %q) is not in the allowed tool set",
			binPath, filepath.Base(binPath))
	}
	return nil
}

// isAllowedTool reports whether binPath's basename matches an allowed tool,
// including version-suffixed names like "llc-18" or "llc-17.0.6".
func isAllowedTool(binPath string) bool {
	base := filepath.Base(binPath)
	if allowedToolBases[base] {
		return true
	}
	for name := range allowedToolBases {
		if strings.HasPrefix(base, name+"-") && isVersionSuffix(base[len(name)+1:]) {
			return true
		}
	}
	return false
}

// isVersionSuffix reports whether s looks like a version (e.g. "18", "17.0.6").
func isVersionSuffix(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// sanitizedEnv returns a minimal, deterministic environment for subprocess
// execution.
func sanitizedEnv() []string {
	env := []string{
		"LC_ALL=C",
		"TZ=UTC",
	}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Tools holds the resolved static-compiler path.
type Tools struct {
	LLC string
}

// DiscoverTools resolves the llc binary from an override or PATH.
func DiscoverTools(override string) (Tools, error) {
	path := override
	if path == "" {
		found, err := exec.LookPath("llc")
		if err != nil {
			return Tools{}, &diag.Error{
				Stage: diag.StageCodegen,
				Err:   errors.New("llc not found in PATH"),
				Hint:  "install LLVM (e.g. apt install llvm) or pass --llc with an explicit path",
			}
		}
		path = found
	}
	if err := ValidateBinary(path); err != nil {
		return Tools{}, &diag.Error{Stage: diag.StageCodegen, Err: err}
	}
	return Tools{LLC: path}, nil
}

// Options configures one llc invocation.
type Options struct {
	// OptLevel is the -O level, 0 through 3.
	OptLevel int
	// CPU is passed as -mcpu when non-empty (e.g. "v3").
	CPU string
	// Timeout bounds the llc run; zero means no deadline beyond ctx.
	Timeout time.Duration
}

// Compile runs llc with the BPF target over inputLL, producing outputObj.
func Compile(ctx context.Context, tools Tools, inputLL, outputObj string, opts Options) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	args := []string{
		"-march=bpf",
		"-filetype=obj",
		fmt.Sprintf("-O%d", opts.OptLevel),
	}
	if opts.CPU != "" {
		args = append(args, "-mcpu="+opts.CPU)
	}
	args = append(args, inputLL, "-o", outputObj)

	cmd := exec.CommandContext(ctx, tools.LLC, args...)
	cmd.Env = sanitizedEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &diag.Error{
			Stage:   diag.StageCodegen,
			Command: tools.LLC + " " + strings.Join(args, " "),
			Stderr:  stderr.String(),
			Err:     err,
			Hint:    "the emitted IR did not assemble; rerun with --emit-llvm and inspect the .ll file",
		}
	}
	return nil
}
