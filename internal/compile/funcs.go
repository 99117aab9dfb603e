package compile

import (
	"fmt"

	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// localSymbol binds a variable name to its stack slot, the semantic type of
// the stored value, and the struct name when the variable holds a struct
// instance.
type localSymbol struct {
	ptr        *ir.InstAlloca
	typ        types.Type
	structName string
}

// funcState is the per-function lowering state: the IR function, the block
// the next instruction lands in, and the local symbol table. It lives for
// exactly one function pass.
type funcState struct {
	st      *state
	fn      *ir.Func
	entry   *ir.Block
	cur     *ir.Block
	retType types.Type
	locals  map[string]*localSymbol

	fmtCount   int
	blockNames map[string]int
}

// newBlock appends a basic block with a unique name derived from base.
func (fs *funcState) newBlock(base string) *ir.Block {
	n := fs.blockNames[base]
	fs.blockNames[base] = n + 1
	name := base
	if n > 0 {
		name = fmt.Sprintf("%s.%d", base, n)
	}
	return fs.fn.NewBlock(name)
}

// funcsPass lowers every program and subroutine declaration.
func (st *state) funcsPass(decls []*Decl) error {
	for _, d := range decls {
		if d.Kind != KindProgram && d.Kind != KindSubroutine {
			continue
		}
		fn, err := st.processFunc(d)
		if err != nil {
			return err
		}
		if d.Kind == KindProgram {
			st.programs = append(st.programs, d.Name())
			st.used = append(st.used, fn)
		}
	}
	return nil
}

// processFunc emits one BPF function: signature and attributes, then the
// two-phase body lowering (stack allocation, statement lowering).
func (st *state) processFunc(d *Decl) (*ir.Func, error) {
	node := d.Func
	retType, err := inferReturnType(node)
	if err != nil {
		return nil, err
	}
	if !types.IsInt(retType) {
		return nil, diag.Errorf(diag.StageFuncs,
			"%s: BPF programs must return an integer type, not %v", node.Name, retType)
	}

	var params []*ir.Param
	if len(node.Params) > 0 {
		params = append(params, ir.NewParam(node.Params[0].Name, bytePtr()))
	}
	fn := st.mod.NewFunc(node.Name, retType, params...)
	fn.Preemption = enumDSOLocal
	fn.FuncAttrs = append(fn.FuncAttrs,
		enum.FuncAttrNoUnwind, enum.FuncAttrNoInline, enum.FuncAttrOptNone)
	if len(fn.Params) > 0 {
		fn.Params[0].Attrs = append(fn.Params[0].Attrs, enum.ParamAttrNoCapture)
	}
	if d.Kind == KindProgram {
		fn.Section = d.Section
	}

	fs := &funcState{
		st:         st,
		fn:         fn,
		retType:    retType,
		locals:     make(map[string]*localSymbol),
		blockNames: make(map[string]int),
	}
	fs.entry = fs.newBlock("entry")
	fs.cur = fs.entry

	// Phase one: every assigned local gets its slot in the entry block,
	// before any control flow diverges. The verifier rejects allocas that
	// appear behind a branch.
	if err := fs.allocateLocals(node.Body); err != nil {
		return nil, err
	}
	// Phase two: statement lowering.
	if err := fs.lowerBody(node.Body); err != nil {
		return nil, err
	}
	if fs.cur.Term == nil {
		fs.cur.NewRet(constant.NewInt(retType.(*types.IntType), 0))
	}
	st.logf("function %s lowered (%d locals)", node.Name, len(fs.locals))
	return fn, nil
}

// inferReturnType reads the return annotation, or unifies the types of all
// return expressions when the annotation is absent. Conflicts are fatal;
// a fully ambiguous function defaults to i64, which is BPF-safe.
func inferReturnType(fn *pysrc.FuncDef) (types.Type, error) {
	if fn.Returns != nil {
		name, ok := fn.Returns.(*pysrc.Name)
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: unsupported return annotation", fn.Name)
		}
		t, err := ctypeToIR(name.ID)
		if err != nil {
			return nil, diag.Errorf(diag.StageFuncs, "%s: %v", fn.Name, err)
		}
		return t, nil
	}

	found := ""
	var walk func(body []pysrc.Stmt) error
	walk = func(body []pysrc.Stmt) error {
		for _, stmt := range body {
			switch s := stmt.(type) {
			case *pysrc.Return:
				t := returnExprTypeName(s.Value)
				if found == "" {
					found = t
				} else if found != t {
					return diag.Errorf(diag.StageFuncs,
						"%s: conflicting return types %s and %s", fn.Name, found, t)
				}
			case *pysrc.If:
				if err := walk(s.Body); err != nil {
					return err
				}
				if err := walk(s.Else); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(fn.Body); err != nil {
		return nil, err
	}
	if found == "" {
		found = "c_int64"
	}
	t, err := ctypeToIR(found)
	if err != nil {
		return nil, diag.Errorf(diag.StageFuncs, "%s: %v", fn.Name, err)
	}
	return t, nil
}

// returnExprTypeName names the deduced type of a return expression for
// unification purposes.
func returnExprTypeName(e pysrc.Expr) string {
	switch e := e.(type) {
	case nil:
		return "c_int64"
	case *pysrc.Call:
		if n, ok := e.Func.(*pysrc.Name); ok {
			return n.ID
		}
	case *pysrc.Name:
		return "c_int64"
	case *pysrc.IntLit:
		return "c_int64"
	}
	return "unknown"
}

// allocateLocals walks the body (including both arms of every conditional)
// and stack-allocates storage for each assigned variable, sized and typed
// by the right-hand side's kind.
func (fs *funcState) allocateLocals(body []pysrc.Stmt) error {
	for _, stmt := range body {
		switch s := stmt.(type) {
		case *pysrc.If:
			if err := fs.allocateLocals(s.Body); err != nil {
				return err
			}
			if err := fs.allocateLocals(s.Else); err != nil {
				return err
			}
		case *pysrc.Assign:
			if len(s.Targets) != 1 {
				return diag.Errorf(diag.StageFuncs,
					"%s: multi-target assignment is not supported", fs.fn.Name())
			}
			target, ok := s.Targets[0].(*pysrc.Name)
			if !ok {
				// Struct-field stores write through the instance's slot.
				continue
			}
			if err := fs.allocateLocal(target.ID, s.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (fs *funcState) allocateLocal(name string, rval pysrc.Expr) error {
	typ, structName, align, err := fs.allocType(rval)
	if err != nil {
		return err
	}
	if typ == nil {
		return nil
	}
	if existing, ok := fs.locals[name]; ok {
		if !types.Equal(existing.typ, typ) {
			return diag.Errorf(diag.StageFuncs,
				"%s: conflicting types for %q: %v and %v", fs.fn.Name(), name, existing.typ, typ)
		}
		return nil
	}
	slot := fs.entry.NewAlloca(typ)
	slot.SetName(name)
	if align > 0 {
		slot.Align = ir.Align(align)
	}
	fs.locals[name] = &localSymbol{ptr: slot, typ: typ, structName: structName}
	return nil
}

// allocType deduces the slot type for an assignment right-hand side.
// Ambiguous shapes default to 64-bit integers.
func (fs *funcState) allocType(rval pysrc.Expr) (typ types.Type, structName string, align int, err error) {
	switch rv := rval.(type) {
	case *pysrc.Call:
		switch fn := rv.Func.(type) {
		case *pysrc.Name:
			switch {
			case isCType(fn.ID):
				t, _ := ctypeToIR(fn.ID)
				size, _ := typeSize(t)
				return t, "", size, nil
			case fn.ID == "deref":
				return types.I64, "", 8, nil
			case isHelperName(fn.ID):
				return types.I64, "", 8, nil
			default:
				if info, ok := fs.st.structs[fn.ID]; ok {
					return info.Type, fn.ID, 0, nil
				}
				return nil, "", 0, diag.Errorf(diag.StageFuncs,
					"%s: unsupported assignment call %q", fs.fn.Name(), fn.ID)
			}
		case *pysrc.Attr:
			// Map methods: lookup and reserve yield pointers to values,
			// the rest yield status codes.
			if fn.Name == "lookup" || fn.Name == "reserve" {
				return types.NewPointer(types.I64), "", 8, nil
			}
			return types.I64, "", 8, nil
		}
		return nil, "", 0, diag.Errorf(diag.StageFuncs,
			"%s: unsupported assignment call form", fs.fn.Name())
	case *pysrc.BoolLit:
		return types.I1, "", 1, nil
	case *pysrc.IntLit:
		return types.I64, "", 8, nil
	case *pysrc.StrLit:
		return bytePtr(), "", 8, nil
	case *pysrc.BinOp:
		return types.I64, "", 8, nil
	}
	return nil, "", 0, diag.Errorf(diag.StageFuncs,
		"%s: unsupported assignment value", fs.fn.Name())
}

// lowerBody lowers a statement list into the current block, following
// control flow as it goes. Statements after a terminator are unreachable
// and rejected.
func (fs *funcState) lowerBody(body []pysrc.Stmt) error {
	for _, stmt := range body {
		if fs.cur.Term != nil {
			return diag.Errorf(diag.StageFuncs,
				"%s: unreachable statement after return", fs.fn.Name())
		}
		if err := fs.lowerStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (fs *funcState) lowerStmt(stmt pysrc.Stmt) error {
	switch s := stmt.(type) {
	case *pysrc.ExprStmt:
		switch x := s.X.(type) {
		case *pysrc.Call:
			_, _, err := fs.evalExpr(x)
			return err
		case *pysrc.StrLit:
			return nil // docstring
		}
		return diag.Errorf(diag.StageFuncs, "%s: unsupported expression statement", fs.fn.Name())
	case *pysrc.Assign:
		return fs.lowerAssign(s)
	case *pysrc.AugAssign:
		return diag.Errorf(diag.StageFuncs,
			"%s: augmented assignment is not supported", fs.fn.Name())
	case *pysrc.If:
		return fs.lowerIf(s)
	case *pysrc.Return:
		return fs.lowerReturn(s)
	case *pysrc.Pass:
		return nil
	}
	return diag.Errorf(diag.StageFuncs, "%s: unsupported statement kind", fs.fn.Name())
}

// lowerAssign stores the evaluated right-hand side into the target's slot,
// or through a struct-field pointer for attribute targets.
func (fs *funcState) lowerAssign(s *pysrc.Assign) error {
	if len(s.Targets) != 1 {
		return diag.Errorf(diag.StageFuncs, "%s: multi-target assignment is not supported", fs.fn.Name())
	}
	switch target := s.Targets[0].(type) {
	case *pysrc.Attr:
		return fs.lowerFieldAssign(target, s.Value)
	case *pysrc.Name:
		local, ok := fs.locals[target.ID]
		if !ok {
			return diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), target.ID)
		}
		return fs.storeRval(local, target.ID, s.Value)
	}
	return diag.Errorf(diag.StageFuncs, "%s: unsupported assignment target", fs.fn.Name())
}

func (fs *funcState) storeRval(local *localSymbol, name string, rval pysrc.Expr) error {
	switch rv := rval.(type) {
	case *pysrc.BoolLit:
		v := int64(0)
		if rv.Value {
			v = 1
		}
		fs.cur.NewStore(boolConst(v), local.ptr)
		return nil
	case *pysrc.IntLit:
		fs.cur.NewStore(i64Const(rv.Value), local.ptr)
		return nil
	case *pysrc.StrLit:
		g := byteArrayGlobal(fs.st.mod, name+"_str", rv.Value+"\x00")
		ptr := fs.cur.NewBitCast(g, bytePtr())
		fs.cur.NewStore(ptr, local.ptr)
		return nil
	case *pysrc.Call:
		if fn, ok := rv.Func.(*pysrc.Name); ok {
			switch {
			case isCType(fn.ID):
				return fs.storeCTypeCtor(local, fn.ID, rv)
			default:
				if _, ok := fs.st.structs[fn.ID]; ok {
					if len(rv.Args) != 0 {
						return diag.Errorf(diag.StageFuncs,
							"%s: struct constructor %s takes no arguments", fs.fn.Name(), fn.ID)
					}
					zero := constant.NewZeroInitializer(local.typ)
					fs.cur.NewStore(zero, local.ptr)
					return nil
				}
			}
		}
		// deref, helper calls, and map methods all evaluate to a value.
		val, _, err := fs.evalExpr(rv)
		if err != nil {
			return err
		}
		fs.cur.NewStore(val, local.ptr)
		return nil
	case *pysrc.BinOp:
		val, _, err := fs.evalBinOp(rv)
		if err != nil {
			return err
		}
		fs.cur.NewStore(val, local.ptr)
		return nil
	}
	return diag.Errorf(diag.StageFuncs, "%s: unsupported assignment value", fs.fn.Name())
}

func (fs *funcState) storeCTypeCtor(local *localSymbol, ctor string, call *pysrc.Call) error {
	if len(call.Args) != 1 {
		return diag.Errorf(diag.StageFuncs, "%s: %s expects one argument", fs.fn.Name(), ctor)
	}
	lit, ok := call.Args[0].(*pysrc.IntLit)
	if !ok {
		return diag.Errorf(diag.StageFuncs,
			"%s: %s expects an integer literal argument", fs.fn.Name(), ctor)
	}
	t, _ := ctypeToIR(ctor)
	intTy, ok := t.(*types.IntType)
	if !ok {
		return diag.Errorf(diag.StageFuncs,
			"%s: %s is not an integer constructor", fs.fn.Name(), ctor)
	}
	fs.cur.NewStore(constant.NewInt(intTy, lit.Value), local.ptr)
	return nil
}

// lowerFieldAssign stores through a struct field pointer computed from the
// descriptor's declaration-order field index.
func (fs *funcState) lowerFieldAssign(target *pysrc.Attr, rval pysrc.Expr) error {
	base, ok := target.X.(*pysrc.Name)
	if !ok {
		return diag.Errorf(diag.StageFuncs, "%s: unsupported assignment target", fs.fn.Name())
	}
	local, ok := fs.locals[base.ID]
	if !ok {
		return diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), base.ID)
	}
	if local.structName == "" {
		return diag.Errorf(diag.StageFuncs, "%s: %q is not a struct instance", fs.fn.Name(), base.ID)
	}
	info := fs.st.structs[local.structName]
	ft := info.FieldType(target.Name)
	if ft == nil {
		return diag.Errorf(diag.StageFuncs,
			"%s: field %q not in struct %s", fs.fn.Name(), target.Name, local.structName)
	}
	val, typ, err := fs.evalExpr(rval)
	if err != nil {
		return err
	}
	if types.IsArray(ft) && types.Equal(typ, bytePtr()) {
		return diag.Errorf(diag.StageFuncs,
			"%s: string assignment to char-array field %s.%s is not supported",
			fs.fn.Name(), local.structName, target.Name)
	}
	if !types.Equal(ft, typ) {
		return diag.Errorf(diag.StageFuncs,
			"%s: cannot store %v into field %s.%s of type %v",
			fs.fn.Name(), typ, local.structName, target.Name, ft)
	}
	fieldPtr := info.GEP(fs.cur, local.ptr, target.Name)
	fs.cur.NewStore(val, fieldPtr)
	return nil
}

// lowerIf creates the if.then/if.else/if.end diamond, lowers the condition
// to an i1, and recurses into the arms. Arms that do not terminate branch
// to the merge block; lowering resumes there.
func (fs *funcState) lowerIf(s *pysrc.If) error {
	thenBlock := fs.newBlock("if.then")
	var elseBlock *ir.Block
	if len(s.Else) > 0 {
		elseBlock = fs.newBlock("if.else")
	}
	endBlock := fs.newBlock("if.end")

	cond, err := fs.lowerCond(s.Cond)
	if err != nil {
		return err
	}
	if elseBlock != nil {
		fs.cur.NewCondBr(cond, thenBlock, elseBlock)
	} else {
		fs.cur.NewCondBr(cond, thenBlock, endBlock)
	}

	fs.cur = thenBlock
	if err := fs.lowerBody(s.Body); err != nil {
		return err
	}
	if fs.cur.Term == nil {
		fs.cur.NewBr(endBlock)
	}

	if elseBlock != nil {
		fs.cur = elseBlock
		if err := fs.lowerBody(s.Else); err != nil {
			return err
		}
		if fs.cur.Term == nil {
			fs.cur.NewBr(endBlock)
		}
	}

	fs.cur = endBlock
	return nil
}

// lowerCond lowers a condition expression to an i1: comparisons become
// signed compares with width equalization, everything else becomes a
// truthiness test (pointer vs null, integer vs zero).
func (fs *funcState) lowerCond(cond pysrc.Expr) (value.Value, error) {
	switch c := cond.(type) {
	case *pysrc.BoolLit:
		v := int64(0)
		if c.Value {
			v = 1
		}
		return boolConst(v), nil
	case *pysrc.IntLit:
		v := int64(0)
		if c.Value != 0 {
			v = 1
		}
		return boolConst(v), nil
	case *pysrc.Compare:
		return fs.lowerCompare(c)
	}
	val, typ, err := fs.evalExpr(cond)
	if err != nil {
		return nil, err
	}
	return fs.truthy(val, typ)
}

func (fs *funcState) truthy(val value.Value, typ types.Type) (value.Value, error) {
	switch t := typ.(type) {
	case *types.IntType:
		if t.BitSize == 1 {
			return val, nil
		}
		return fs.cur.NewICmp(enum.IPredNE, val, constant.NewInt(t, 0)), nil
	case *types.PointerType:
		return fs.cur.NewICmp(enum.IPredNE, val, constant.NewNull(t)), nil
	}
	return nil, diag.Errorf(diag.StageFuncs, "%s: unsupported condition type %v", fs.fn.Name(), typ)
}

func (fs *funcState) lowerCompare(c *pysrc.Compare) (value.Value, error) {
	left, _, err := fs.evalExpr(c.L)
	if err != nil {
		return nil, err
	}
	right, _, err := fs.evalExpr(c.R)
	if err != nil {
		return nil, err
	}
	left, right, err = fs.equalizeInts(left, right)
	if err != nil {
		return nil, err
	}
	preds := map[pysrc.CmpKind]enum.IPred{
		pysrc.CmpEq: enum.IPredEQ,
		pysrc.CmpNe: enum.IPredNE,
		pysrc.CmpLt: enum.IPredSLT,
		pysrc.CmpLe: enum.IPredSLE,
		pysrc.CmpGt: enum.IPredSGT,
		pysrc.CmpGe: enum.IPredSGE,
	}
	return fs.cur.NewICmp(preds[c.Op], left, right), nil
}

// lowerReturn lowers the recognized return shapes; every typed return is
// checked against the function's return type and mismatches are fatal.
func (fs *funcState) lowerReturn(s *pysrc.Return) error {
	retInt := fs.retType.(*types.IntType)
	switch v := s.Value.(type) {
	case nil:
		fs.cur.NewRet(constant.NewInt(retInt, 0))
		return nil
	case *pysrc.Call:
		fn, ok := v.Func.(*pysrc.Name)
		if !ok || !isCType(fn.ID) || len(v.Args) != 1 {
			return diag.Errorf(diag.StageFuncs, "%s: unsupported return value", fs.fn.Name())
		}
		declared, _ := ctypeToIR(fn.ID)
		if !types.Equal(declared, fs.retType) {
			return diag.Errorf(diag.StageFuncs,
				"%s: return type mismatch: expected %v, got %v", fs.fn.Name(), fs.retType, declared)
		}
		switch arg := v.Args[0].(type) {
		case *pysrc.IntLit:
			fs.cur.NewRet(constant.NewInt(retInt, arg.Value))
			return nil
		case *pysrc.BinOp:
			val, typ, err := fs.evalBinOp(arg)
			if err != nil {
				return err
			}
			if !types.Equal(typ, fs.retType) {
				return diag.Errorf(diag.StageFuncs,
					"%s: return type mismatch: expected %v, got %v", fs.fn.Name(), fs.retType, typ)
			}
			fs.cur.NewRet(val)
			return nil
		case *pysrc.Name:
			local, ok := fs.locals[arg.ID]
			if !ok {
				return diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), arg.ID)
			}
			val := fs.cur.NewLoad(local.typ, local.ptr)
			if !types.Equal(local.typ, fs.retType) {
				return diag.Errorf(diag.StageFuncs,
					"%s: return type mismatch: expected %v, got %v", fs.fn.Name(), fs.retType, local.typ)
			}
			fs.cur.NewRet(val)
			return nil
		}
		return diag.Errorf(diag.StageFuncs, "%s: unsupported return value", fs.fn.Name())
	case *pysrc.Name:
		switch v.ID {
		case "XDP_PASS":
			fs.cur.NewRet(constant.NewInt(retInt, 2))
			return nil
		case "XDP_DROP":
			fs.cur.NewRet(constant.NewInt(retInt, 1))
			return nil
		}
		local, ok := fs.locals[v.ID]
		if !ok {
			return diag.Errorf(diag.StageFuncs, "%s: undefined name %q in return", fs.fn.Name(), v.ID)
		}
		if !types.Equal(local.typ, fs.retType) {
			return diag.Errorf(diag.StageFuncs,
				"%s: return type mismatch: expected %v, got %v", fs.fn.Name(), fs.retType, local.typ)
		}
		val := fs.cur.NewLoad(local.typ, local.ptr)
		fs.cur.NewRet(val)
		return nil
	}
	return diag.Errorf(diag.StageFuncs, "%s: unsupported return value", fs.fn.Name())
}
