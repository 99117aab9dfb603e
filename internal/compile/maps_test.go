package compile

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir/types"
)

func parseOnly(src string) (*pysrc.Module, error) {
	return pysrc.Parse("test.py", src)
}

func TestHashMapLowering(t *testing.T) {
	src := `
@bpf
@map
def last() -> HashMap:
    return HashMap(key=c_uint64, value=c_uint64, max_entries=3)
`
	st := newState("test.py", Options{})
	if err := st.mapsPass(parseModule(t, src)); err != nil {
		t.Fatalf("maps pass: %v", err)
	}
	info := st.maps["last"]
	if info == nil {
		t.Fatal("map not registered")
	}
	if info.Kind != MapTypeHash {
		t.Errorf("kind = %d, want %d", info.Kind, MapTypeHash)
	}
	if info.MaxEntries != 3 {
		t.Errorf("max_entries = %d", info.MaxEntries)
	}
	if !types.Equal(info.KeyType, types.I64) || !types.Equal(info.ValueType, types.I64) {
		t.Errorf("key/value = %v/%v", info.KeyType, info.ValueType)
	}

	g := info.Global
	if g.Section != ".maps" || g.Align != 8 {
		t.Errorf("section=%q align=%d", g.Section, g.Align)
	}
	if len(g.Metadata) == 0 || g.Metadata[0].Name != "dbg" {
		t.Error("map debug metadata not attached")
	}
	// Four pointer-sized slots: type, key, value, max_entries.
	structTy, ok := g.ContentType.(*types.StructType)
	if !ok {
		t.Fatalf("content type = %T", g.ContentType)
	}
	if len(structTy.Fields) != 4 {
		t.Errorf("slots = %d, want 4", len(structTy.Fields))
	}
}

func TestHashMapPositionalArgs(t *testing.T) {
	src := `
@bpf
@map
def m() -> HashMap:
    return HashMap(c_int32, c_int64, 16)
`
	st := newState("test.py", Options{})
	if err := st.mapsPass(parseModule(t, src)); err != nil {
		t.Fatalf("maps pass: %v", err)
	}
	info := st.maps["m"]
	if !types.Equal(info.KeyType, types.I32) || info.MaxEntries != 16 {
		t.Errorf("key=%v max=%d", info.KeyType, info.MaxEntries)
	}
}

func TestPerfEventArrayLowering(t *testing.T) {
	src := `
@bpf
@map
def events() -> PerfEventArray:
    return PerfEventArray(key_size=c_int32, value_size=c_int32)
`
	st := newState("test.py", Options{})
	if err := st.mapsPass(parseModule(t, src)); err != nil {
		t.Fatalf("maps pass: %v", err)
	}
	info := st.maps["events"]
	if info.Kind != MapTypePerfEventArray {
		t.Errorf("kind = %d, want %d", info.Kind, MapTypePerfEventArray)
	}
	structTy := info.Global.ContentType.(*types.StructType)
	if len(structTy.Fields) != 3 {
		t.Errorf("slots = %d, want 3 (type, key_size, value_size)", len(structTy.Fields))
	}
}

func TestRingBufLowering(t *testing.T) {
	src := `
@bpf
@map
def rb() -> RingBuf:
    return RingBuf(max_entries=1024)
`
	st := newState("test.py", Options{})
	if err := st.mapsPass(parseModule(t, src)); err != nil {
		t.Fatalf("maps pass: %v", err)
	}
	info := st.maps["rb"]
	if info.Kind != MapTypeRingBuf {
		t.Errorf("kind = %d, want %d (ringbuf)", info.Kind, MapTypeRingBuf)
	}
	if int64(info.Kind) != 27 {
		t.Errorf("ringbuf enum = %d, want 27", info.Kind)
	}
	structTy := info.Global.ContentType.(*types.StructType)
	if len(structTy.Fields) != 2 {
		t.Errorf("slots = %d, want 2 (type, max_entries)", len(structTy.Fields))
	}
}

func TestUnknownMapKindFallsBack(t *testing.T) {
	src := `
@bpf
@map
def weird() -> LRUHash:
    return LRUHash(key=c_uint64, value=c_uint64, max_entries=8)
`
	var warnings bytes.Buffer
	st := newState("test.py", Options{Stderr: &warnings})
	if err := st.mapsPass(parseModule(t, src)); err != nil {
		t.Fatalf("maps pass: %v", err)
	}
	if !strings.Contains(warnings.String(), "unknown map kind") {
		t.Error("fallback warning not surfaced")
	}
	if st.maps["weird"].Kind != MapTypeHash {
		t.Errorf("fallback kind = %d, want hash", st.maps["weird"].Kind)
	}
}

func TestMapErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no return", "@bpf\n@map\ndef m() -> HashMap:\n    pass\n"},
		{"non-call return", "@bpf\n@map\ndef m() -> HashMap:\n    return 5\n"},
		{"hash missing args", "@bpf\n@map\ndef m() -> HashMap:\n    return HashMap(key=c_uint64)\n"},
		{"ringbuf missing entries", "@bpf\n@map\ndef m() -> RingBuf:\n    return RingBuf()\n"},
		{"bad key type", "@bpf\n@map\ndef m() -> HashMap:\n    return HashMap(key=c_wchar, value=c_uint64, max_entries=1)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newState("test.py", Options{})
			if err := st.mapsPass(parseModule(t, tt.src)); err == nil {
				t.Fatal("expected maps error")
			}
		})
	}
}

func TestMapTypeEnumValues(t *testing.T) {
	// The numeric values are the kernel ABI; they ride into BTF.
	checks := map[BPFMapType]int64{
		MapTypeHash:           1,
		MapTypeArray:          2,
		MapTypePerfEventArray: 4,
		MapTypeRingBuf:        27,
		MapTypeCgrpStorage:    32,
	}
	for typ, want := range checks {
		if int64(typ) != want {
			t.Errorf("enum %d, want %d", typ, want)
		}
	}
}
