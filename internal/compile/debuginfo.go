package compile

import (
	"path/filepath"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
)

// debugInfo synthesizes the DWARF metadata subgraph that the downstream BTF
// pass reads: one compile unit, and per-map composite types whose member
// array lengths encode BPF map parameters. Basic types are cached so the
// graph stays small.
type debugInfo struct {
	st     *state
	nextID int64

	file  *metadata.DIFile
	cu    *metadata.DICompileUnit
	exprs []*metadata.DIGlobalVariableExpression // collected for the compile unit

	basicCache map[basicKey]*metadata.DIBasicType
}

type basicKey struct {
	name     string
	size     uint64
	encoding enum.DwarfAttEncoding
}

func newDebugInfo(st *state, filename string) *debugInfo {
	di := &debugInfo{st: st, basicCache: make(map[basicKey]*metadata.DIBasicType)}
	dir := filepath.Dir(filename)
	if dir == "." {
		dir = ""
	}
	di.file = &metadata.DIFile{
		Filename:  filepath.Base(filename),
		Directory: dir,
	}
	di.define(di.file)
	di.cu = &metadata.DICompileUnit{
		Distinct:     true,
		Language:     enum.DwarfLangC11,
		File:         di.file,
		Producer:     "pybpfc",
		EmissionKind: enum.EmissionKindFullDebug,
	}
	di.define(di.cu)
	return di
}

// define assigns the next metadata ID and registers the node on the module.
func (di *debugInfo) define(def metadata.Definition) metadata.Definition {
	def.SetID(di.nextID)
	di.nextID++
	di.st.mod.MetadataDefs = append(di.st.mod.MetadataDefs, def)
	return def
}

func (di *debugInfo) basicType(name string, size uint64, encoding enum.DwarfAttEncoding) *metadata.DIBasicType {
	key := basicKey{name, size, encoding}
	if t, ok := di.basicCache[key]; ok {
		return t
	}
	t := &metadata.DIBasicType{Name: name, Size: size, Encoding: encoding}
	di.define(t)
	di.basicCache[key] = t
	return t
}

func (di *debugInfo) intType() *metadata.DIBasicType {
	return di.basicType("int", 32, enum.DwarfAttEncodingSigned)
}

func (di *debugInfo) uintType() *metadata.DIBasicType {
	return di.basicType("unsigned int", 32, enum.DwarfAttEncodingUnsigned)
}

func (di *debugInfo) uint64Type() *metadata.DIBasicType {
	return di.basicType("unsigned long long", 64, enum.DwarfAttEncodingUnsigned)
}

// arrayType builds an array-of-base with the given element count. The count
// is the BTF-significant payload: map type enums and max_entries ride in it.
func (di *debugInfo) arrayType(base metadata.Field, elemSize uint64, count int64) *metadata.DICompositeType {
	sub := &metadata.DISubrange{Count: metadata.IntLit(count)}
	di.define(sub)
	elems := &metadata.Tuple{Fields: []metadata.Field{sub}}
	di.define(elems)
	arr := &metadata.DICompositeType{
		Tag:      enum.DwarfTagArrayType,
		BaseType: base,
		Size:     elemSize * uint64(count),
		Elements: elems,
	}
	di.define(arr)
	return arr
}

func (di *debugInfo) pointerTo(base metadata.Field) *metadata.DIDerivedType {
	ptr := &metadata.DIDerivedType{
		Tag:      enum.DwarfTagPointerType,
		BaseType: base,
		Size:     64,
	}
	di.define(ptr)
	return ptr
}

func (di *debugInfo) member(name string, base metadata.Field, offset uint64) *metadata.DIDerivedType {
	m := &metadata.DIDerivedType{
		Tag:      enum.DwarfTagMember,
		Name:     name,
		File:     di.file,
		BaseType: base,
		Size:     64,
		Offset:   offset,
	}
	di.define(m)
	return m
}

func (di *debugInfo) structType(members []metadata.Field, size uint64) *metadata.DICompositeType {
	elems := &metadata.Tuple{Fields: members}
	di.define(elems)
	s := &metadata.DICompositeType{
		Tag:      enum.DwarfTagStructureType,
		Distinct: true,
		File:     di.file,
		Size:     size,
		Elements: elems,
	}
	di.define(s)
	return s
}

// attachGlobal wraps a composite type in DIGlobalVariable(Expression)
// metadata, attaches it to the global, and records it for the compile unit.
func (di *debugInfo) attachGlobal(g *ir.Global, name string, typ metadata.Field) {
	gv := &metadata.DIGlobalVariable{
		Distinct:     true,
		Name:         name,
		Scope:        di.cu,
		File:         di.file,
		Type:         typ,
		IsDefinition: true,
	}
	di.define(gv)
	expr := &metadata.DIExpression{}
	di.define(expr)
	gve := &metadata.DIGlobalVariableExpression{Var: gv, Expr: expr}
	di.define(gve)
	g.Metadata = append(g.Metadata, &metadata.Attachment{Name: "dbg", Node: gve})
	di.exprs = append(di.exprs, gve)
}
