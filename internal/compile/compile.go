package compile

import (
	"fmt"
	"io"
	"os"

	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
)

// DataLayout is the data layout string required by the BPF backend.
const DataLayout = "e-m:e-p:64:64-i64:64-i128:128-n32:64-S128"

// TargetTriple selects the BPF backend.
const TargetTriple = "bpf"

// Options configures one compilation.
type Options struct {
	// Source is the input file path.
	Source string
	// Output is the .ll output path. Empty replaces the source path's
	// extension with ".ll".
	Output string

	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
}

// Artifacts reports what a compilation produced.
type Artifacts struct {
	LLPath   string
	Module   *ir.Module
	Programs []string
	Maps     []string
}

// state is the shared mutable compilation state: the IR module, the symbol
// tables, and the debug-info generator. One state serves one source unit.
type state struct {
	mod *ir.Module
	di  *debugInfo

	structs map[string]*StructInfo
	maps    map[string]*mapInfo
	globals map[string]bool

	// used collects every value that must survive dead-stripping via
	// llvm.compiler.used: maps, program functions, the license.
	used []usedValue

	programs []string
	verbose  bool
	stdout   io.Writer
	stderr   io.Writer
}

func newState(filename string, opts Options) *state {
	mod := ir.NewModule()
	mod.SourceFilename = filename
	mod.DataLayout = DataLayout
	mod.TargetTriple = TargetTriple

	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	st := &state{
		mod:     mod,
		structs: make(map[string]*StructInfo),
		maps:    make(map[string]*mapInfo),
		globals: make(map[string]bool),
		verbose: opts.Verbose,
		stdout:  stdout,
		stderr:  stderr,
	}
	st.di = newDebugInfo(st, filename)
	return st
}

// lookupName reports whether an identifier is already bound in any symbol
// table. Lookup order elsewhere is local, map, struct, global; tables never
// share a name.
func (st *state) lookupName(name string) bool {
	if _, ok := st.maps[name]; ok {
		return true
	}
	if _, ok := st.structs[name]; ok {
		return true
	}
	return st.globals[name]
}

func (st *state) logf(format string, args ...any) {
	if st.verbose {
		fmt.Fprintf(st.stdout, format+"\n", args...)
	}
}

func (st *state) warnf(format string, args ...any) {
	fmt.Fprintf(st.stderr, "warning: "+format+"\n", args...)
}

// CompileFile compiles one source file to a textual .ll module on disk.
func CompileFile(opts Options) (*Artifacts, error) {
	src, err := os.ReadFile(opts.Source)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageParse, Err: err}
	}
	art, err := CompileSource(opts.Source, string(src), opts)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == "" {
		out = replaceExt(opts.Source, ".ll")
	}
	if err := os.WriteFile(out, []byte(art.Module.String()), 0o644); err != nil {
		return nil, &diag.Error{Stage: diag.StageEmit, Err: err}
	}
	art.LLPath = out
	return art, nil
}

// CompileSource runs the full pass pipeline over one source unit and
// returns the populated module. Nothing is written unless every pass
// succeeds.
func CompileSource(filename, src string, opts Options) (*Artifacts, error) {
	tree, err := pysrc.Parse(filename, src)
	if err != nil {
		return nil, &diag.Error{
			Stage: diag.StageParse,
			Err:   err,
			Hint:  "only the decorated BPF subset is recognized",
		}
	}

	st := newState(filename, opts)
	decls, err := classify(tree)
	if err != nil {
		return nil, err
	}
	for _, d := range decls {
		st.logf("classified %s as %s", d.Name(), d.Kind)
	}

	// Pass order is fixed: the struct table must be complete before the
	// function pass allocates struct instances, and maps must exist before
	// their helpers are lowered.
	if err := st.structsPass(decls); err != nil {
		return nil, err
	}
	if err := st.mapsPass(decls); err != nil {
		return nil, err
	}
	if err := st.funcsPass(decls); err != nil {
		return nil, err
	}
	if err := st.globalsPass(decls); err != nil {
		return nil, err
	}
	if err := st.licensePass(decls); err != nil {
		return nil, err
	}
	if err := st.metadataPass(); err != nil {
		return nil, err
	}

	art := &Artifacts{Module: st.mod, Programs: st.programs}
	for name := range st.maps {
		art.Maps = append(art.Maps, name)
	}
	return art, nil
}

func replaceExt(path, ext string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[:i] + ext
		case '/':
			return path + ext
		}
	}
	return path + ext
}
