package compile

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/kyleseneker/pybpfc/internal/llvm"
	"github.com/kyleseneker/pybpfc/internal/loader"
)

// BuildOptions extends Options with static-compiler settings.
type BuildOptions struct {
	Options

	// Object is the .o output path. Empty replaces the source path's
	// extension with ".o".
	Object string
	// EmitLLVMOnly stops after writing the .ll file.
	EmitLLVMOnly bool

	OptLevel int
	CPU      string
	LLC      string
	Timeout  time.Duration
}

// Build compiles a source file to a BPF object: .ll emission followed by
// the external static compiler.
func Build(ctx context.Context, opts BuildOptions) (*Artifacts, error) {
	art, err := CompileFile(opts.Options)
	if err != nil {
		return nil, err
	}
	if opts.EmitLLVMOnly {
		return art, nil
	}
	tools, err := llvm.DiscoverTools(opts.LLC)
	if err != nil {
		return nil, err
	}
	obj := opts.Object
	if obj == "" {
		obj = replaceExt(opts.Source, ".o")
	}
	err = llvm.Compile(ctx, tools, art.LLPath, obj, llvm.Options{
		OptLevel: opts.OptLevel,
		CPU:      opts.CPU,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// BuildAndLoad compiles in-memory via temporary files and hands the object
// to the kernel, returning a live program handle. The intermediates are
// removed before returning.
func BuildAndLoad(ctx context.Context, opts BuildOptions) (*loader.Loaded, error) {
	tmpDir, err := os.MkdirTemp("", "pybpfc-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	base := filepath.Base(replaceExt(opts.Source, ""))
	opts.Output = filepath.Join(tmpDir, base+".ll")
	opts.Object = filepath.Join(tmpDir, base+".o")
	opts.EmitLLVMOnly = false
	if _, err := Build(ctx, opts); err != nil {
		return nil, err
	}
	return loader.LoadAndAttach(opts.Object)
}
