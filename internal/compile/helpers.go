package compile

import (
	"fmt"
	"strings"

	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// BPF helper IDs. Helpers are invoked by indirect call of the ID constant
// cast to the helper's function-pointer type.
const (
	helperMapLookupElem  = 1
	helperMapUpdateElem  = 2
	helperMapDeleteElem  = 3
	helperKtimeGetNS     = 5
	helperTracePrintk    = 6
	helperGetCurrentPID  = 14
	helperPerfEventOut   = 25
	helperRingbufReserve = 131
	helperRingbufSubmit  = 132
	helperRingbufDiscard = 133
)

// maxPrintkArgs is the substitution limit bpf_trace_printk imposes.
const maxPrintkArgs = 3

// helperFunc lowers one helper invocation. m is the receiver map for
// map-method helpers and nil otherwise.
type helperFunc func(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error)

// helperRegistry is the process-wide registry of helper lowerers, keyed by
// source-level identifier. Populated once at program start; entries are
// stateless pure functions.
var helperRegistry = map[string]helperFunc{}

func init() {
	helperRegistry["ktime"] = emitKtime
	helperRegistry["pid"] = emitPid
	helperRegistry["print"] = emitPrint
	helperRegistry["lookup"] = emitMapLookup
	helperRegistry["update"] = emitMapUpdate
	helperRegistry["delete"] = emitMapDelete
	helperRegistry["output"] = emitPerfOutput
	helperRegistry["reserve"] = emitRingbufReserve
	helperRegistry["submit"] = emitRingbufSubmit
	helperRegistry["discard"] = emitRingbufDiscard
}

// isHelperName reports whether name dispatches through the helper registry.
func isHelperName(name string) bool {
	_, ok := helperRegistry[name]
	return ok
}

// helperCallTarget resolves the registry entry and receiver map for a call
// expression, accepting helper(...), map.method(...), and map().method(...).
// ok is false when the call is not a helper invocation at all.
func (fs *funcState) helperCallTarget(call *pysrc.Call) (helperFunc, *mapInfo, bool, error) {
	switch fn := call.Func.(type) {
	case *pysrc.Name:
		h, ok := helperRegistry[fn.ID]
		return h, nil, ok, nil
	case *pysrc.Attr:
		var mapName string
		switch recv := fn.X.(type) {
		case *pysrc.Name:
			mapName = recv.ID
		case *pysrc.Call:
			if n, ok := recv.Func.(*pysrc.Name); ok {
				mapName = n.ID
			}
		}
		if mapName == "" {
			return nil, nil, false, nil
		}
		m, ok := fs.st.maps[mapName]
		if !ok {
			return nil, nil, false, diag.Errorf(diag.StageFuncs,
				"%s: undefined map %q", fs.fn.Name(), mapName)
		}
		h, ok := helperRegistry[fn.Name]
		if !ok {
			return nil, nil, false, diag.Errorf(diag.StageFuncs,
				"%s: unknown map method %q on %q", fs.fn.Name(), fn.Name, mapName)
		}
		return h, m, true, nil
	}
	return nil, nil, false, nil
}

// lowerHelperCall dispatches a helper call through the registry.
func (fs *funcState) lowerHelperCall(call *pysrc.Call) (value.Value, types.Type, error) {
	h, m, ok, err := fs.helperCallTarget(call)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: unsupported call expression", fs.fn.Name())
	}
	return h(fs, call, m)
}

func emitKtime(fs *funcState, _ *pysrc.Call, _ *mapInfo) (value.Value, types.Type, error) {
	sig := types.NewFunc(types.I64)
	callee := helperCallee(fs.cur, helperKtimeGetNS, sig)
	result := fs.cur.NewCall(callee)
	return result, types.I64, nil
}

// emitPid lowers pid() to bpf_get_current_pid_tgid with the result masked
// to its low 32 bits (the PID half of the pid/tgid pair).
func emitPid(fs *funcState, _ *pysrc.Call, _ *mapInfo) (value.Value, types.Type, error) {
	sig := types.NewFunc(types.I64)
	callee := helperCallee(fs.cur, helperGetCurrentPID, sig)
	raw := fs.cur.NewCall(callee)
	pid := fs.cur.NewAnd(raw, i64Const(0xFFFFFFFF))
	return pid, types.I64, nil
}

func emitMapLookup(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	if m == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: lookup is a map method", fs.fn.Name())
	}
	if len(call.Args) != 1 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s.lookup expects one key argument", fs.fn.Name(), m.Name)
	}
	keyPtr, err := fs.ptrArg(call.Args[0])
	if err != nil {
		return nil, nil, err
	}
	sig := types.NewFunc(bytePtr(), bytePtr(), bytePtr())
	callee := helperCallee(fs.cur, helperMapLookupElem, sig)
	raw := fs.cur.NewCall(callee, asBytePtr(fs.cur, m.Global), asBytePtr(fs.cur, keyPtr))
	// Map values are read through pointer-to-i64 downstream.
	ptr := fs.cur.NewBitCast(raw, types.NewPointer(types.I64))
	return ptr, types.NewPointer(types.I64), nil
}

func emitMapUpdate(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	if m == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: update is a map method", fs.fn.Name())
	}
	if len(call.Args) < 2 || len(call.Args) > 3 {
		return nil, nil, diag.Errorf(diag.StageFuncs,
			"%s: %s.update expects (key, value, flags?), got %d arguments", fs.fn.Name(), m.Name, len(call.Args))
	}
	keyPtr, err := fs.ptrArg(call.Args[0])
	if err != nil {
		return nil, nil, err
	}
	valPtr, err := fs.ptrArg(call.Args[1])
	if err != nil {
		return nil, nil, err
	}
	var flagsArg pysrc.Expr
	if len(call.Args) == 3 {
		flagsArg = call.Args[2]
	}
	flags, err := fs.flagsVal(flagsArg)
	if err != nil {
		return nil, nil, err
	}
	sig := types.NewFunc(types.I64, bytePtr(), bytePtr(), bytePtr(), types.I64)
	callee := helperCallee(fs.cur, helperMapUpdateElem, sig)
	result := fs.cur.NewCall(callee,
		asBytePtr(fs.cur, m.Global),
		asBytePtr(fs.cur, keyPtr),
		asBytePtr(fs.cur, valPtr),
		flags)
	return result, types.I64, nil
}

func emitMapDelete(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	if m == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: delete is a map method", fs.fn.Name())
	}
	if len(call.Args) != 1 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s.delete expects one key argument", fs.fn.Name(), m.Name)
	}
	keyPtr, err := fs.ptrArg(call.Args[0])
	if err != nil {
		return nil, nil, err
	}
	sig := types.NewFunc(types.I64, bytePtr(), bytePtr())
	callee := helperCallee(fs.cur, helperMapDeleteElem, sig)
	result := fs.cur.NewCall(callee, asBytePtr(fs.cur, m.Global), asBytePtr(fs.cur, keyPtr))
	return result, types.I64, nil
}

// emitPerfOutput lowers events.output(instance): helper 25 receives the
// probe context, the map, BPF_F_CURRENT_CPU, a pointer to the struct
// instance, and the struct's padded size.
func emitPerfOutput(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	if m == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: output is a map method", fs.fn.Name())
	}
	if len(call.Args) != 1 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s.output expects one struct argument", fs.fn.Name(), m.Name)
	}
	name, ok := call.Args[0].(*pysrc.Name)
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: output data must be a struct variable", fs.fn.Name())
	}
	local, ok := fs.locals[name.ID]
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), name.ID)
	}
	if local.structName == "" {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %q is not a struct instance", fs.fn.Name(), name.ID)
	}
	info := fs.st.structs[local.structName]
	if len(fs.fn.Params) == 0 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: output requires the probe context parameter", fs.fn.Name())
	}

	// BPF_F_CURRENT_CPU (-1 as a 32-bit value).
	flags := i64Const(0xFFFFFFFF)
	sig := types.NewFunc(types.I64, bytePtr(), bytePtr(), types.I64, bytePtr(), types.I64)
	callee := helperCallee(fs.cur, helperPerfEventOut, sig)
	result := fs.cur.NewCall(callee,
		asBytePtr(fs.cur, fs.fn.Params[0]),
		asBytePtr(fs.cur, m.Global),
		flags,
		asBytePtr(fs.cur, local.ptr),
		i64Const(int64(info.Size)))
	return result, types.I64, nil
}

func emitRingbufReserve(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	if m == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: reserve is a map method", fs.fn.Name())
	}
	if len(call.Args) < 1 || len(call.Args) > 2 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s.reserve expects (size, flags?)", fs.fn.Name(), m.Name)
	}
	size, err := fs.intArg(call.Args[0])
	if err != nil {
		return nil, nil, err
	}
	var flagsArg pysrc.Expr
	if len(call.Args) == 2 {
		flagsArg = call.Args[1]
	}
	flags, err := fs.flagsVal(flagsArg)
	if err != nil {
		return nil, nil, err
	}
	sig := types.NewFunc(bytePtr(), bytePtr(), types.I64, types.I64)
	callee := helperCallee(fs.cur, helperRingbufReserve, sig)
	raw := fs.cur.NewCall(callee, asBytePtr(fs.cur, m.Global), size, flags)
	ptr := fs.cur.NewBitCast(raw, types.NewPointer(types.I64))
	return ptr, types.NewPointer(types.I64), nil
}

func emitRingbufSubmit(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	return fs.ringbufFinish(call, m, "submit", helperRingbufSubmit)
}

func emitRingbufDiscard(fs *funcState, call *pysrc.Call, m *mapInfo) (value.Value, types.Type, error) {
	return fs.ringbufFinish(call, m, "discard", helperRingbufDiscard)
}

func (fs *funcState) ringbufFinish(call *pysrc.Call, m *mapInfo, op string, id int64) (value.Value, types.Type, error) {
	if m == nil {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s is a map method", fs.fn.Name(), op)
	}
	if len(call.Args) < 1 || len(call.Args) > 2 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s.%s expects (data, flags?)", fs.fn.Name(), m.Name, op)
	}
	name, ok := call.Args[0].(*pysrc.Name)
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s data must be a reserved buffer variable", fs.fn.Name(), op)
	}
	local, ok := fs.locals[name.ID]
	if !ok {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), name.ID)
	}
	if !types.IsPointer(local.typ) {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: %s.%s data %q is not a pointer", fs.fn.Name(), m.Name, op, name.ID)
	}
	data := fs.cur.NewLoad(local.typ, local.ptr)
	var flagsArg pysrc.Expr
	if len(call.Args) == 2 {
		flagsArg = call.Args[1]
	}
	flags, err := fs.flagsVal(flagsArg)
	if err != nil {
		return nil, nil, err
	}
	sig := types.NewFunc(types.I64, bytePtr(), types.I64)
	callee := helperCallee(fs.cur, id, sig)
	result := fs.cur.NewCall(callee, asBytePtr(fs.cur, data), flags)
	return result, types.I64, nil
}

// emitPrint lowers print("literal") and print(f"..{x}..") to
// bpf_trace_printk. The format string gains "\n\0", lives in an internal
// constant global, and is passed as (pointer, byte length). At most three
// substitution arguments are forwarded.
func emitPrint(fs *funcState, call *pysrc.Call, _ *mapInfo) (value.Value, types.Type, error) {
	if len(call.Args) == 0 {
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: print expects at least one argument", fs.fn.Name())
	}
	var fmtStr string
	var exprs []pysrc.Expr
	switch arg := call.Args[0].(type) {
	case *pysrc.StrLit:
		fmtStr = arg.Value
	case *pysrc.FString:
		var parts []string
		for _, part := range arg.Parts {
			if part.Expr == nil {
				parts = append(parts, part.Lit)
				continue
			}
			spec, err := fs.formatSpec(part.Expr)
			if err != nil {
				return nil, nil, err
			}
			parts = append(parts, spec)
			exprs = append(exprs, part.Expr)
		}
		fmtStr = strings.Join(parts, "")
	default:
		return nil, nil, diag.Errorf(diag.StageFuncs, "%s: print expects a string or f-string", fs.fn.Name())
	}
	fmtStr += "\n\x00"

	fmtName := fmt.Sprintf("%s____fmt%d", fs.fn.Name(), fs.fmtCount)
	fs.fmtCount++
	gvar := byteArrayGlobal(fs.st.mod, fmtName, fmtStr)
	fmtPtr := fs.cur.NewBitCast(gvar, bytePtr())

	args := []value.Value{fmtPtr, i32Const(int64(len(fmtStr)))}
	if len(exprs) > maxPrintkArgs {
		fs.st.warnf("%s: print supports up to %d substitutions, extra arguments are ignored",
			fs.fn.Name(), maxPrintkArgs)
		exprs = exprs[:maxPrintkArgs]
	}
	for _, e := range exprs {
		val, typ, err := fs.evalExpr(e)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case types.IsPointer(typ):
			val = fs.cur.NewPtrToInt(val, types.I64)
		case types.IsInt(typ):
			if it := typ.(*types.IntType); it.BitSize < 64 {
				val = fs.cur.NewSExt(val, types.I64)
			}
		default:
			return nil, nil, diag.Errorf(diag.StageFuncs,
				"%s: unsupported print argument type %v", fs.fn.Name(), typ)
		}
		args = append(args, val)
	}

	sig := types.NewFunc(types.I64, bytePtr(), types.I32)
	sig.Variadic = true
	callee := helperCallee(fs.cur, helperTracePrintk, sig)
	result := fs.cur.NewCall(callee, args...)
	result.Tail = enum.TailTail
	return result, types.I64, nil
}

// formatSpec picks the printk conversion for a substitution by its static
// type: %lld for 64-bit ints, %d for 32-bit, %s for byte pointers.
func (fs *funcState) formatSpec(e pysrc.Expr) (string, error) {
	typ, err := fs.staticType(e)
	if err != nil {
		return "", err
	}
	switch {
	case types.Equal(typ, bytePtr()):
		return "%s", nil
	case types.IsPointer(typ):
		return "%lld", nil
	case types.IsInt(typ):
		switch typ.(*types.IntType).BitSize {
		case 64:
			return "%lld", nil
		case 32:
			return "%d", nil
		}
	}
	return "", diag.Errorf(diag.StageFuncs, "%s: unsupported substitution type %v", fs.fn.Name(), typ)
}

// staticType resolves the recorded type of a name or struct-field reference
// without emitting code.
func (fs *funcState) staticType(e pysrc.Expr) (types.Type, error) {
	switch e := e.(type) {
	case *pysrc.Name:
		local, ok := fs.locals[e.ID]
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), e.ID)
		}
		return local.typ, nil
	case *pysrc.Attr:
		base, ok := e.X.(*pysrc.Name)
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: unsupported substitution", fs.fn.Name())
		}
		local, ok := fs.locals[base.ID]
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), base.ID)
		}
		if local.structName == "" {
			return nil, diag.Errorf(diag.StageFuncs, "%s: %q is not a struct instance", fs.fn.Name(), base.ID)
		}
		info := fs.st.structs[local.structName]
		ft := info.FieldType(e.Name)
		if ft == nil {
			return nil, diag.Errorf(diag.StageFuncs,
				"%s: field %q not in struct %s", fs.fn.Name(), e.Name, local.structName)
		}
		return ft, nil
	}
	return nil, diag.Errorf(diag.StageFuncs, "%s: unsupported substitution expression", fs.fn.Name())
}

// ptrArg resolves a key/value argument to a pointer: locals pass their
// stack slot, integer constants get a fresh slot stored before the call.
func (fs *funcState) ptrArg(arg pysrc.Expr) (value.Value, error) {
	switch a := arg.(type) {
	case *pysrc.Name:
		local, ok := fs.locals[a.ID]
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), a.ID)
		}
		return local.ptr, nil
	case *pysrc.IntLit:
		slot := fs.cur.NewAlloca(types.I64)
		slot.Align = 8
		fs.cur.NewStore(i64Const(a.Value), slot)
		return slot, nil
	}
	return nil, diag.Errorf(diag.StageFuncs,
		"%s: only names and integer constants are supported as map helper arguments", fs.fn.Name())
}

// intArg resolves an integer-valued argument: constant or loaded local.
func (fs *funcState) intArg(arg pysrc.Expr) (value.Value, error) {
	switch a := arg.(type) {
	case *pysrc.IntLit:
		return i64Const(a.Value), nil
	case *pysrc.Name:
		local, ok := fs.locals[a.ID]
		if !ok {
			return nil, diag.Errorf(diag.StageFuncs, "%s: undefined name %q", fs.fn.Name(), a.ID)
		}
		v := fs.cur.NewLoad(local.typ, local.ptr)
		return v, nil
	}
	return nil, diag.Errorf(diag.StageFuncs, "%s: unsupported integer argument", fs.fn.Name())
}

// flagsVal resolves an optional flags argument, defaulting to 0.
func (fs *funcState) flagsVal(arg pysrc.Expr) (value.Value, error) {
	if arg == nil {
		return i64Const(0), nil
	}
	return fs.intArg(arg)
}
