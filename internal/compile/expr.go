package compile

import (
	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// evalExpr lowers an expression to an IR value and its semantic type.
// Unknown forms are compile errors.
func (fs *funcState) evalExpr(e pysrc.Expr) (value.Value, types.Type, error) {
	switch e := e.(type) {
	case *pysrc.Name:
		local, ok := fs.locals[e.ID]
		if !ok {
			return nil, nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), e.ID)
		}
		val := fs.cur.NewLoad(local.typ, local.ptr)
		return val, local.typ, nil

	case *pysrc.IntLit:
		return i64Const(e.Value), types.I64, nil

	case *pysrc.BoolLit:
		v := int64(0)
		if e.Value {
			v = 1
		}
		return boolConst(v), types.I1, nil

	case *pysrc.Call:
		if fn, ok := e.Func.(*pysrc.Name); ok && fn.ID == "deref" {
			return fs.evalDeref(e)
		}
		return fs.lowerHelperCall(e)

	case *pysrc.Attr:
		return fs.evalAttr(e)

	case *pysrc.BinOp:
		val, typ, err := fs.evalBinOp(e)
		if err != nil {
			return nil, nil, err
		}
		return val, typ, nil
	}
	return nil, nil, diag.Errorf(diag.StageFuncs, "%s: unsupported expression", fs.fn.Name())
}

// evalDeref lowers deref(x): x must evaluate to a pointer, which is loaded
// exactly once. Nested deref is rejected.
func (fs *funcState) evalDeref(call *pysrc.Call) (value.Value, types.Type, error) {
	if len(call.Args) != 1 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: deref takes exactly one argument", fs.fn.Name())
	}
	arg := call.Args[0]
	if inner, ok := arg.(*pysrc.Call); ok {
		if fn, ok := inner.Func.(*pysrc.Name); ok && fn.ID == "deref" {
			return nil, nil, diag.Errorf(diag.StageFuncs, "%s: nested deref is not supported", fs.fn.Name())
		}
	}
	val, typ, err := fs.evalExpr(arg)
	if err != nil {
		return nil, nil, err
	}
	ptrTy, ok := typ.(*types.PointerType)
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: deref of non-pointer value", fs.fn.Name())
	}
	loaded := fs.cur.NewLoad(ptrTy.ElemType, val)
	return loaded, ptrTy.ElemType, nil
}

// evalAttr lowers x.field for a local struct instance: GEP at the field's
// declaration index, then load.
func (fs *funcState) evalAttr(e *pysrc.Attr) (value.Value, types.Type, error) {
	base, ok := e.X.(*pysrc.Name)
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: unsupported attribute access", fs.fn.Name())
	}
	local, ok := fs.locals[base.ID]
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), base.ID)
	}
	if local.structName == "" {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %q is not a struct instance", fs.fn.Name(), base.ID)
	}
	info := fs.st.structs[local.structName]
	ft := info.FieldType(e.Name)
	if ft == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs,
			"%s: field %q not in struct %s", fs.fn.Name(), e.Name, local.structName)
	}
	fieldPtr := info.GEP(fs.cur, local.ptr, e.Name)
	val := fs.cur.NewLoad(ft, fieldPtr)
	return val, ft, nil
}
