package compile

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// enumDSOLocal is the preemption specifier every emitted symbol carries.
const enumDSOLocal = enum.PreemptionDSOLocal

// bytePtr is the i8* type used wherever the original design used an opaque
// pointer: map slots, helper arguments, string values.
func bytePtr() *types.PointerType {
	return types.NewPointer(types.I8)
}

// i64Const builds a 64-bit integer constant.
func i64Const(v int64) *constant.Int {
	return constant.NewInt(types.I64, v)
}

// i32Const builds a 32-bit integer constant.
func i32Const(v int64) *constant.Int {
	return constant.NewInt(types.I32, v)
}

// asBytePtr bitcasts a pointer value to i8* unless it already is one.
func asBytePtr(block *ir.Block, v value.Value) value.Value {
	if types.Equal(v.Type(), bytePtr()) {
		return v
	}
	return block.NewBitCast(v, bytePtr())
}

// helperCallee materializes a BPF helper as a callable value: the helper ID
// constant cast to a pointer to the helper's signature.
func helperCallee(block *ir.Block, id int64, sig *types.FuncType) value.Value {
	return block.NewIntToPtr(i64Const(id), types.NewPointer(sig))
}

// byteArrayGlobal emits an internal constant byte-array global holding s
// verbatim (callers append any terminator themselves).
func byteArrayGlobal(mod *ir.Module, name, s string) *ir.Global {
	g := mod.NewGlobalDef(name, constant.NewCharArrayFromString(s))
	g.Linkage = enum.LinkageInternal
	g.Immutable = true
	g.Align = ir.Align(1)
	return g
}
