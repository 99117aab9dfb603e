package compile

import (
	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/types"
)

// BPFMapType is the kernel's map-type enum. The numeric values ride into
// the DWARF array counts that BTF synthesis reads.
type BPFMapType int64

const (
	MapTypeUnspec BPFMapType = iota
	MapTypeHash
	MapTypeArray
	MapTypeProgArray
	MapTypePerfEventArray
	MapTypePerCPUHash
	MapTypePerCPUArray
	MapTypeStackTrace
	MapTypeCGroupArray
	MapTypeLRUHash
	MapTypeLRUPerCPUHash
	MapTypeLPMTrie
	MapTypeArrayOfMaps
	MapTypeHashOfMaps
	MapTypeDevMap
	MapTypeSockMap
	MapTypeCPUMap
	MapTypeXSKMap
	MapTypeSockHash
	MapTypeCGroupStorage
	MapTypeReusePortSockArray
	MapTypePerCPUCGroupStorage
	MapTypeQueue
	MapTypeStack
	MapTypeSKStorage
	MapTypeDevMapHash
	MapTypeStructOps
	MapTypeRingBuf
	MapTypeInodeStorage
	MapTypeTaskStorage
	MapTypeBloomFilter
	MapTypeUserRingBuf
	MapTypeCgrpStorage
)

// mapInfo is the descriptor behind one emitted .maps global.
type mapInfo struct {
	Name       string
	Kind       BPFMapType
	Global     *ir.Global
	KeyType    types.Type // hash-like maps only
	ValueType  types.Type
	MaxEntries int64
}

// mapParam is one logical attribute of a map declaration, in emission
// order. count encodes the DWARF array length for size-style attributes;
// wide marks key/value members that point at a plain 64-bit basic type.
type mapParam struct {
	name  string
	count int64
	wide  bool
}

// mapProcessor lowers one recognized map constructor.
type mapProcessor func(st *state, name string, call *pysrc.Call) (*mapInfo, error)

// mapProcessors is the process-wide registry of map-kind processors, keyed
// by constructor name. Entries are stateless; the table is populated once
// at program start.
var mapProcessors = map[string]mapProcessor{}

func init() {
	mapProcessors["HashMap"] = processHashMap
	mapProcessors["PerfEventArray"] = processPerfEventArray
	mapProcessors["RingBuf"] = processRingBuf
}

// mapsPass emits one .maps global per @map function and registers it in
// the map table.
func (st *state) mapsPass(decls []*Decl) error {
	for _, d := range byKind(decls, KindMap) {
		info, err := st.processMap(d.Func)
		if err != nil {
			return err
		}
		if st.lookupName(info.Name) {
			return diag.Errorf(diag.StageMaps, "duplicate name %q", info.Name)
		}
		st.maps[info.Name] = info
		st.used = append(st.used, info.Global)
	}
	return nil
}

// processMap locates the map function's single return expression, which
// must be a constructor call, and dispatches on the constructor name.
// Unknown constructors warn and fall back to hash-map processing.
func (st *state) processMap(fn *pysrc.FuncDef) (*mapInfo, error) {
	var ret *pysrc.Return
	for _, stmt := range fn.Body {
		if r, ok := stmt.(*pysrc.Return); ok {
			ret = r
			break
		}
	}
	if ret == nil || ret.Value == nil {
		return nil, diag.Errorf(diag.StageMaps, "map %s must return a map constructor", fn.Name)
	}
	call, ok := ret.Value.(*pysrc.Call)
	if !ok {
		return nil, diag.Errorf(diag.StageMaps, "map %s must return a map constructor", fn.Name)
	}
	ctor, ok := call.Func.(*pysrc.Name)
	if !ok {
		return nil, diag.Errorf(diag.StageMaps, "map %s: unsupported constructor expression", fn.Name)
	}
	proc, ok := mapProcessors[ctor.ID]
	if !ok {
		st.warnf("unknown map kind %q for %s, defaulting to HashMap", ctor.ID, fn.Name)
		proc = processHashMap
	}
	st.logf("map %s: %s", fn.Name, ctor.ID)
	return proc(st, fn.Name, call)
}

func processHashMap(st *state, name string, call *pysrc.Call) (*mapInfo, error) {
	info := &mapInfo{Name: name, Kind: MapTypeHash}

	var keyName, valueName string
	if len(call.Args) >= 1 {
		keyName = nameOf(call.Args[0])
	}
	if len(call.Args) >= 2 {
		valueName = nameOf(call.Args[1])
	}
	if len(call.Args) >= 3 {
		if n, ok := call.Args[2].(*pysrc.IntLit); ok {
			info.MaxEntries = n.Value
		}
	}
	for _, kw := range call.Kwargs {
		switch kw.Name {
		case "key":
			keyName = nameOf(kw.Value)
		case "value":
			valueName = nameOf(kw.Value)
		case "max_entries":
			if n, ok := kw.Value.(*pysrc.IntLit); ok {
				info.MaxEntries = n.Value
			}
		}
	}
	if keyName == "" || valueName == "" || info.MaxEntries == 0 {
		return nil, diag.Errorf(diag.StageMaps, "map %s: HashMap requires key, value, and max_entries", name)
	}
	var err error
	if info.KeyType, err = ctypeToIR(keyName); err != nil {
		return nil, diag.Errorf(diag.StageMaps, "map %s key: %v", name, err)
	}
	if info.ValueType, err = ctypeToIR(valueName); err != nil {
		return nil, diag.Errorf(diag.StageMaps, "map %s value: %v", name, err)
	}

	params := []mapParam{
		{name: "type", count: int64(info.Kind)},
		{name: "key", wide: true},
		{name: "value", wide: true},
		{name: "max_entries", count: info.MaxEntries},
	}
	st.emitMapGlobal(info, params, false)
	return info, nil
}

func processPerfEventArray(st *state, name string, call *pysrc.Call) (*mapInfo, error) {
	info := &mapInfo{Name: name, Kind: MapTypePerfEventArray}

	var keySize, valueSize string
	if len(call.Args) >= 1 {
		keySize = nameOf(call.Args[0])
	}
	if len(call.Args) >= 2 {
		valueSize = nameOf(call.Args[1])
	}
	for _, kw := range call.Kwargs {
		switch kw.Name {
		case "key_size":
			keySize = nameOf(kw.Value)
		case "value_size":
			valueSize = nameOf(kw.Value)
		}
	}
	if keySize == "" || valueSize == "" {
		return nil, diag.Errorf(diag.StageMaps, "map %s: PerfEventArray requires key_size and value_size", name)
	}
	if _, err := ctypeToIR(keySize); err != nil {
		return nil, diag.Errorf(diag.StageMaps, "map %s key_size: %v", name, err)
	}
	if _, err := ctypeToIR(valueSize); err != nil {
		return nil, diag.Errorf(diag.StageMaps, "map %s value_size: %v", name, err)
	}

	params := []mapParam{
		{name: "type", count: int64(info.Kind)},
		{name: "key_size", count: int64(info.Kind)},
		{name: "value_size", count: int64(info.Kind)},
	}
	st.emitMapGlobal(info, params, false)
	return info, nil
}

func processRingBuf(st *state, name string, call *pysrc.Call) (*mapInfo, error) {
	info := &mapInfo{Name: name, Kind: MapTypeRingBuf}

	if len(call.Args) >= 1 {
		if n, ok := call.Args[0].(*pysrc.IntLit); ok {
			info.MaxEntries = n.Value
		}
	}
	for _, kw := range call.Kwargs {
		if kw.Name == "max_entries" {
			if n, ok := kw.Value.(*pysrc.IntLit); ok {
				info.MaxEntries = n.Value
			}
		}
	}
	if info.MaxEntries == 0 {
		return nil, diag.Errorf(diag.StageMaps, "map %s: RingBuf requires max_entries", name)
	}

	params := []mapParam{
		{name: "type", count: int64(info.Kind)},
		{name: "max_entries", count: info.MaxEntries},
	}
	st.emitMapGlobal(info, params, true)
	return info, nil
}

// emitMapGlobal creates the .maps global — an aggregate with one
// pointer-sized slot per logical attribute, zero-initialized — and attaches
// the DWARF composite describing the attributes.
func (st *state) emitMapGlobal(info *mapInfo, params []mapParam, signedInts bool) {
	fields := make([]types.Type, len(params))
	for i := range params {
		fields[i] = types.NewPointer(types.I8)
	}
	structTy := types.NewStruct(fields...)

	g := st.mod.NewGlobalDef(info.Name, constant.NewZeroInitializer(structTy))
	g.Preemption = enumDSOLocal
	g.Section = ".maps"
	g.Align = ir.Align(8)
	info.Global = g

	st.attachMapDebugInfo(g, info.Name, params, signedInts)
}

// attachMapDebugInfo builds the composite struct type whose members are
// pointers to arrays; the array element counts encode the map type enum and
// max_entries, which is how BTF recovers the declaration downstream.
func (st *state) attachMapDebugInfo(g *ir.Global, name string, params []mapParam, signedInts bool) {
	di := st.di
	elem := di.uintType()
	if signedInts {
		elem = di.intType()
	}

	var members []metadata.Field
	for i, p := range params {
		var base metadata.Field
		if p.wide {
			base = di.uint64Type()
		} else {
			base = di.arrayType(elem, 32, p.count)
		}
		members = append(members, di.member(p.name, di.pointerTo(base), uint64(i)*64))
	}
	composite := di.structType(members, uint64(len(members))*64)
	di.attachGlobal(g, name, composite)
}

func nameOf(e pysrc.Expr) string {
	if n, ok := e.(*pysrc.Name); ok {
		return n.ID
	}
	return ""
}
