package compile

import (
	"strings"
	"testing"

	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/types"
)

func parseFunc(t *testing.T, src string) *pysrc.FuncDef {
	t.Helper()
	tree, err := pysrc.Parse("test.py", src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, stmt := range tree.Body {
		if fn, ok := stmt.(*pysrc.FuncDef); ok {
			return fn
		}
	}
	t.Fatal("no function in source")
	return nil
}

func TestInferReturnType(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want types.Type
	}{
		{"annotated", "def f(ctx) -> c_int32:\n    return c_int32(0)\n", types.I32},
		{"unified from returns", "def f(ctx):\n    if a:\n        return c_int64(1)\n    return c_int64(0)\n", types.I64},
		{"bare returns default", "def f(ctx):\n    return\n", types.I64},
		{"no returns default", "def f(ctx):\n    pass\n", types.I64},
		{"xdp names", "def f(ctx):\n    return XDP_PASS\n", types.I64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inferReturnType(parseFunc(t, tt.src))
			if err != nil {
				t.Fatalf("inferReturnType: %v", err)
			}
			if !types.Equal(got, tt.want) {
				t.Errorf("type = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("conflict", func(t *testing.T) {
		fn := parseFunc(t, "def f(ctx):\n    if a:\n        return c_int32(1)\n    return c_int64(0)\n")
		if _, err := inferReturnType(fn); err == nil {
			t.Fatal("expected conflict error")
		}
	})
}

func TestReturnTypeMismatchIsFatal(t *testing.T) {
	src := `
@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    return c_int32(1)
` + licenseTail
	if _, err := CompileSource("test.py", src, Options{}); err == nil {
		t.Fatal("expected return type mismatch error")
	}
}

func TestReturnOfLocal(t *testing.T) {
	src := `
@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    a = 1 - 1
    return c_int64(a)
` + licenseTail
	art, _ := compileSrc(t, src)
	fn := findFunc(t, art.Module, "f")
	if len(fn.Blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(fn.Blocks))
	}
}

func TestDerefLoadsOnce(t *testing.T) {
	src := `
@bpf
@map
def m() -> HashMap:
    return HashMap(key=c_uint64, value=c_uint64, max_entries=1)

@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    p = m.lookup(0)
    v = deref(p)
    return c_int64(0)
` + licenseTail
	art, _ := compileSrc(t, src)
	fn := findFunc(t, art.Module, "f")
	// deref lowers to: load the local (pointer), then one more load.
	loads := 0
	for _, block := range fn.Blocks {
		for _, inst := range block.Insts {
			if _, ok := inst.(*ir.InstLoad); ok {
				loads++
			}
		}
	}
	if loads != 2 {
		t.Errorf("loads = %d, want 2 (pointer fetch + single deref)", loads)
	}
}

func TestStringLocalAssignment(t *testing.T) {
	src := `
@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    s = "hello"
    print(f"{s}")
    return c_int64(0)
` + licenseTail
	art, text := compileSrc(t, src)
	if findGlobal(art.Module, "s_str") == nil {
		t.Error("string constant global s_str not emitted")
	}
	if !strings.Contains(text, "%s") {
		t.Errorf("%s", "string substitution did not format as %s")
	}
	if !strings.Contains(text, "ptrtoint") {
		t.Error("string pointer not converted for printk")
	}
}

func TestStructFieldStoreAndLoad(t *testing.T) {
	src := `
@bpf
@struct
class pair_t:
    a: c_uint64
    b: c_uint32

@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    obj = pair_t()
    obj.a = ktime()
    print(f"{obj.b}")
    return c_int64(0)
` + licenseTail
	_, text := compileSrc(t, src)
	if !strings.Contains(text, "getelementptr") {
		t.Error("field access did not lower to getelementptr")
	}
	// 32-bit field formats as %d and is sign-extended for the call.
	if !strings.Contains(text, "%d") {
		t.Errorf("%s", "32-bit field did not format as %d")
	}
	if !strings.Contains(text, "sext") {
		t.Error("32-bit value not sign-extended to 64 bits")
	}
}

func TestStringToCharArrayFieldRejected(t *testing.T) {
	src := `
@bpf
@struct
class data_t:
    comm: str(16)

@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    obj = data_t()
    s = "hello"
    obj.comm = s
    return c_int64(0)
` + licenseTail
	if _, err := CompileSource("test.py", src, Options{}); err == nil {
		t.Fatal("expected string-to-char-array rejection")
	}
}

func TestIfElseBlocks(t *testing.T) {
	src := `
@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    a = 1
    if a > 0:
        b = 2
    else:
        b = 3
    if a < 5:
        c = 4
    return c_int64(0)
` + licenseTail
	art, _ := compileSrc(t, src)
	fn := findFunc(t, art.Module, "f")
	var names []string
	for _, block := range fn.Blocks {
		names = append(names, block.Name())
	}
	want := []string{"entry", "if.then", "if.else", "if.end", "if.then.1", "if.end.1"}
	if len(names) != len(want) {
		t.Fatalf("blocks = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("blocks = %v, want %v", names, want)
		}
	}
}

func TestConflictingLocalTypes(t *testing.T) {
	src := `
@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    if 1 == 1:
        x = 1
    else:
        x = "oops"
    return c_int64(0)
` + licenseTail
	if _, err := CompileSource("test.py", src, Options{}); err == nil {
		t.Fatal("expected conflicting-type error")
	}
}

func TestRingbufHelpers(t *testing.T) {
	src := `
@bpf
@map
def rb() -> RingBuf:
    return RingBuf(max_entries=1024)

@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    e = rb().reserve(8)
    if e:
        rb().submit(e)
    return c_int64(0)
` + licenseTail
	_, text := compileSrc(t, src)
	for _, id := range []string{"131", "132"} {
		if !helperInvoked(text, id) {
			t.Errorf("ringbuf helper %s not invoked", id)
		}
	}
}

func TestMapDebugMetadata(t *testing.T) {
	src := `
@bpf
@map
def last() -> HashMap:
    return HashMap(key=c_uint64, value=c_uint64, max_entries=3)

@bpf
@section("sometag")
def f(ctx: c_void_p) -> c_int64:
    return c_int64(0)
` + licenseTail
	_, text := compileSrc(t, src)
	for _, want := range []string{
		"DICompileUnit",
		"DW_LANG_C11",
		"DIGlobalVariableExpression",
		"DICompositeType",
		"DW_TAG_structure_type",
		"DISubrange(count: 3)",
		"DW_TAG_pointer_type",
		`name: "max_entries"`,
		"llvm.dbg.cu",
		"!dbg",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("debug metadata missing %q", want)
		}
	}
}
