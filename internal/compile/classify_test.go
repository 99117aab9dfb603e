package compile

import (
	"testing"
)

func TestClassifyKinds(t *testing.T) {
	src := `
@bpf
@map
def m() -> HashMap:
    return HashMap(key=c_uint64, value=c_uint64, max_entries=1)

@bpf
@struct
class s_t:
    a: c_uint64

@bpf
@bpfglobal
def g() -> c_int64:
    return 42

@bpf
@section("xdp")
def prog(ctx: c_void_p) -> c_int64:
    return c_int64(0)

@bpf
def sub(ctx: c_void_p) -> c_int64:
    return c_int64(0)

@bpf
@bpfglobal
def LICENSE() -> str:
    return "GPL"

def not_bpf():
    return 1
`
	decls := parseModule(t, src)
	want := map[string]Kind{
		"m":       KindMap,
		"s_t":     KindStruct,
		"g":       KindGlobal,
		"prog":    KindProgram,
		"sub":     KindSubroutine,
		"LICENSE": KindLicense,
	}
	if len(decls) != len(want) {
		t.Fatalf("decl count = %d, want %d", len(decls), len(want))
	}
	for _, d := range decls {
		if want[d.Name()] != d.Kind {
			t.Errorf("%s classified as %s, want %s", d.Name(), d.Kind, want[d.Name()])
		}
	}
	for _, d := range decls {
		if d.Kind == KindProgram && d.Section != "xdp" {
			t.Errorf("program section = %q", d.Section)
		}
	}
}

func TestClassifyConflicts(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"map and section", "@bpf\n@map\n@section(\"x\")\ndef f() -> HashMap:\n    return HashMap(key=c_uint64, value=c_uint64, max_entries=1)\n"},
		{"map and global", "@bpf\n@map\n@bpfglobal\ndef f() -> HashMap:\n    return HashMap(key=c_uint64, value=c_uint64, max_entries=1)\n"},
		{"class without struct", "@bpf\nclass c_t:\n    a: c_uint64\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := parseOnly(tt.src)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := classify(tree); err == nil {
				t.Fatal("expected classification error")
			}
		})
	}
}
