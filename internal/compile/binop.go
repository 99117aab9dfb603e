package compile

import (
	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

func boolConst(v int64) *constant.Int {
	return constant.NewInt(types.I1, v)
}

// evalBinOp lowers an arithmetic or bitwise expression. Operands are
// dereferenced to primitive integers first; nested binary expressions
// recurse. Widths are equalized by sign-extending the narrower side.
func (fs *funcState) evalBinOp(e *pysrc.BinOp) (value.Value, types.Type, error) {
	left, err := fs.operandValue(e.L)
	if err != nil {
		return nil, nil, err
	}
	right, err := fs.operandValue(e.R)
	if err != nil {
		return nil, nil, err
	}
	left, right, err = fs.equalizeInts(left, right)
	if err != nil {
		return nil, nil, err
	}

	var result value.Value
	switch e.Op {
	case pysrc.OpAdd:
		result = fs.cur.NewAdd(left, right)
	case pysrc.OpSub:
		result = fs.cur.NewSub(left, right)
	case pysrc.OpMul:
		result = fs.cur.NewMul(left, right)
	case pysrc.OpDiv:
		result = fs.cur.NewSDiv(left, right)
	case pysrc.OpMod:
		result = fs.cur.NewSRem(left, right)
	case pysrc.OpLShift:
		result = fs.cur.NewShl(left, right)
	case pysrc.OpRShift:
		result = fs.cur.NewLShr(left, right)
	case pysrc.OpBitOr:
		result = fs.cur.NewOr(left, right)
	case pysrc.OpBitXor:
		result = fs.cur.NewXor(left, right)
	case pysrc.OpBitAnd:
		result = fs.cur.NewAnd(left, right)
	case pysrc.OpFloorDiv:
		result = fs.cur.NewUDiv(left, right)
	default:
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: unsupported binary operator %s", fs.fn.Name(), e.Op)
	}
	return result, result.Type(), nil
}

// operandValue extracts a primitive integer from a binary operand: names
// are dereferenced through every pointer level, constants widen to i64,
// nested binops recurse.
func (fs *funcState) operandValue(e pysrc.Expr) (value.Value, error) {
	switch e := e.(type) {
	case *pysrc.Name:
		local, ok := fs.locals[e.ID]
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), e.ID)
		}
		return fs.derefToInt(local.ptr)
	case *pysrc.IntLit:
		return i64Const(e.Value), nil
	case *pysrc.BinOp:
		val, _, err := fs.evalBinOp(e)
		return val, err
	}
	return nil, diag.Errorf(diag.StageFuncs, "%s: unsupported binary operand", fs.fn.Name())
}

// derefToInt peels pointer layers with one load each until a primitive
// integer value is reached. Map-lookup results stored in locals add one
// extra level over plain integer locals.
func (fs *funcState) derefToInt(v value.Value) (value.Value, error) {
	for {
		ptrTy, ok := v.Type().(*types.PointerType)
		if !ok {
			break
		}
		v = fs.cur.NewLoad(ptrTy.ElemType, v)
	}
	if !types.IsInt(v.Type()) {
		return nil, diag.Errorf(diag.StageFuncs,
			"%s: cannot use value of type %v in arithmetic", fs.fn.Name(), v.Type())
	}
	return v, nil
}

// equalizeInts sign-extends the narrower of two integer operands to the
// wider operand's width. Mixing integers and pointers is an error.
func (fs *funcState) equalizeInts(left, right value.Value) (value.Value, value.Value, error) {
	lt, lok := left.Type().(*types.IntType)
	rt, rok := right.Type().(*types.IntType)
	if !lok || !rok {
		return nil, nil, diag.Errorf(diag.StageFuncs,
			"%s: type mismatch between %v and %v", fs.fn.Name(), left.Type(), right.Type())
	}
	switch {
	case lt.BitSize < rt.BitSize:
		left = fs.cur.NewSExt(left, rt)
	case lt.BitSize > rt.BitSize:
		right = fs.cur.NewSExt(right, lt)
	}
	return left, right, nil
}
