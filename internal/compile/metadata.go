package compile

import (
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
)

// usedValue is anything that can appear in llvm.compiler.used.
type usedValue = constant.Constant

// ident is the llvm.ident string stamped into every module.
const ident = "pybpfc"

// metadataPass attaches the module flags, the identification string, the
// debug compile unit, and the llvm.compiler.used array that keeps maps,
// programs, and the license alive through dead-stripping.
func (st *state) metadataPass() error {
	st.addNamedMetadata("llvm.module.flags",
		st.moduleFlag(1, "wchar_size", 4),
		st.moduleFlag(7, "frame-pointer", 2),
		st.moduleFlag(2, "Debug Info Version", 3),
		st.moduleFlag(7, "Dwarf Version", 5),
	)

	identTuple := &metadata.Tuple{Fields: []metadata.Field{
		&metadata.String{Value: ident},
	}}
	st.di.define(identTuple)
	st.addNamedMetadata("llvm.ident", identTuple)

	if len(st.di.exprs) > 0 {
		globalsTuple := &metadata.Tuple{Fields: make([]metadata.Field, len(st.di.exprs))}
		for i, e := range st.di.exprs {
			globalsTuple.Fields[i] = e
		}
		st.di.define(globalsTuple)
		st.di.cu.Globals = globalsTuple
	}
	st.addNamedMetadata("llvm.dbg.cu", st.di.cu)

	return st.emitCompilerUsed()
}

// moduleFlag builds one !{i32 behavior, !"name", i32 value} tuple.
func (st *state) moduleFlag(behavior int64, name string, value int64) *metadata.Tuple {
	t := &metadata.Tuple{Fields: []metadata.Field{
		&metadata.Value{Value: constant.NewInt(types.I32, behavior)},
		&metadata.String{Value: name},
		&metadata.Value{Value: constant.NewInt(types.I32, value)},
	}}
	st.di.define(t)
	return t
}

func (st *state) addNamedMetadata(name string, nodes ...metadata.Node) {
	if st.mod.NamedMetadataDefs == nil {
		st.mod.NamedMetadataDefs = make(map[string]*metadata.NamedDef)
	}
	def, ok := st.mod.NamedMetadataDefs[name]
	if !ok {
		def = &metadata.NamedDef{Name: name}
		st.mod.NamedMetadataDefs[name] = def
	}
	def.Nodes = append(def.Nodes, nodes...)
}

// emitCompilerUsed declares @llvm.compiler.used over every collected value
// so the maps, program functions, and license survive section GC.
func (st *state) emitCompilerUsed() error {
	if len(st.used) == 0 {
		return nil
	}
	elems := make([]constant.Constant, len(st.used))
	for i, v := range st.used {
		elems[i] = constant.NewBitCast(v, bytePtr())
	}
	arrTy := types.NewArray(uint64(len(elems)), bytePtr())
	g := st.mod.NewGlobalDef("llvm.compiler.used", constant.NewArray(arrTy, elems...))
	g.Linkage = enum.LinkageAppending
	g.Section = "llvm.metadata"
	return nil
}
