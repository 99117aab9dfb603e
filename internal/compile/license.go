package compile

import (
	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
)

// licensePass emits the LICENSE global: a NUL-terminated byte array in
// section "license". The loader rejects objects without one, so a missing
// declaration is surfaced as a warning here and the object fails downstream.
func (st *state) licensePass(decls []*Decl) error {
	licenses := byKind(decls, KindLicense)
	switch len(licenses) {
	case 0:
		st.warnf("no LICENSE declaration; the kernel will refuse to load GPL-only helpers")
		return nil
	case 1:
	default:
		return diag.Errorf(diag.StageLicense, "LICENSE declared more than once")
	}
	fn := licenses[0].Func
	ret, ok := singleReturn(fn)
	if !ok {
		return diag.Errorf(diag.StageLicense, "LICENSE must consist of exactly one return statement")
	}
	lit, ok := ret.Value.(*pysrc.StrLit)
	if !ok {
		return diag.Errorf(diag.StageLicense, "LICENSE must return a string literal")
	}

	g := st.mod.NewGlobalDef("LICENSE", constant.NewCharArrayFromString(lit.Value+"\x00"))
	g.Preemption = enumDSOLocal
	g.Section = "license"
	g.Align = ir.Align(1)
	st.globals["LICENSE"] = true
	// The license leads the compiler.used list.
	st.used = append([]usedValue{g}, st.used...)
	return nil
}
