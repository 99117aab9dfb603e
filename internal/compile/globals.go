package compile

import (
	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
)

// globalsPass emits a mutable scalar global for every @bpfglobal function
// other than the license. The single return statement supplies the
// initializer; the annotation supplies the type.
func (st *state) globalsPass(decls []*Decl) error {
	for _, d := range byKind(decls, KindGlobal) {
		if err := st.processGlobal(d.Func); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) processGlobal(fn *pysrc.FuncDef) error {
	if st.lookupName(fn.Name) {
		return diag.Errorf(diag.StageGlobals, "duplicate global %q", fn.Name)
	}
	ret, ok := singleReturn(fn)
	if !ok {
		return diag.Errorf(diag.StageGlobals,
			"global %s must consist of exactly one return statement", fn.Name)
	}
	ann, ok := fn.Returns.(*pysrc.Name)
	if !ok {
		return diag.Errorf(diag.StageGlobals, "global %s requires a return annotation", fn.Name)
	}
	typ, err := ctypeToIR(ann.ID)
	if err != nil {
		return diag.Errorf(diag.StageGlobals, "global %s: %v", fn.Name, err)
	}
	intTy, ok := typ.(*types.IntType)
	if !ok {
		return diag.Errorf(diag.StageGlobals, "global %s: unsupported global type %v", fn.Name, typ)
	}

	var init constant.Constant
	switch v := ret.Value.(type) {
	case *pysrc.IntLit:
		init = constant.NewInt(intTy, v.Value)
	case *pysrc.Name:
		return diag.Errorf(diag.StageGlobals,
			"global %s: initialization from name %q is not supported", fn.Name, v.ID)
	case *pysrc.Call:
		if len(v.Args) >= 1 {
			if lit, ok := v.Args[0].(*pysrc.IntLit); ok {
				init = constant.NewInt(intTy, lit.Value)
				break
			}
		}
		st.warnf("global %s: no constant constructor argument, defaulting to zero", fn.Name)
		init = constant.NewInt(intTy, 0)
	default:
		return diag.Errorf(diag.StageGlobals, "global %s: unsupported initializer", fn.Name)
	}

	g := st.mod.NewGlobalDef(fn.Name, init)
	g.Preemption = enumDSOLocal
	g.Align = ir.Align(8)
	st.globals[fn.Name] = true
	st.logf("global %s emitted", fn.Name)
	return nil
}

// singleReturn returns the sole statement of fn when it is a return with a
// value.
func singleReturn(fn *pysrc.FuncDef) (*pysrc.Return, bool) {
	if len(fn.Body) != 1 {
		return nil, false
	}
	ret, ok := fn.Body[0].(*pysrc.Return)
	if !ok || ret.Value == nil {
		return nil, false
	}
	return ret, true
}
