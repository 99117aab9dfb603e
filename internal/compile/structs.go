package compile

import (
	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// StructInfo is the descriptor for one @struct class: its IR type, the
// fields in declaration order, and the padded byte size. Field order is
// load-bearing — GEP indices come from declaration position.
type StructInfo struct {
	Name   string
	Fields []string
	Types  []types.Type
	Type   *types.StructType
	Size   int
}

// FieldIndex returns the zero-based declaration index of a field, or -1.
func (s *StructInfo) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// FieldType returns the IR type of a named field, or nil.
func (s *StructInfo) FieldType(name string) types.Type {
	if i := s.FieldIndex(name); i >= 0 {
		return s.Types[i]
	}
	return nil
}

// GEP emits an inbounds pointer to the named field of a struct instance.
func (s *StructInfo) GEP(block *ir.Block, ptr value.Value, field string) value.Value {
	idx := s.FieldIndex(field)
	gep := block.NewGetElementPtr(s.Type, ptr,
		constant.NewInt(types.I32, 0),
		constant.NewInt(types.I32, int64(idx)))
	gep.InBounds = true
	return gep
}

// structsPass builds a descriptor for every @struct class and registers it
// in the struct table. It runs before the function pass so programs can
// allocate struct instances.
func (st *state) structsPass(decls []*Decl) error {
	for _, d := range byKind(decls, KindStruct) {
		info, err := st.processStruct(d.Class)
		if err != nil {
			return err
		}
		if st.lookupName(info.Name) {
			return diag.Errorf(diag.StageStructs, "duplicate name %q", info.Name)
		}
		st.structs[info.Name] = info
	}
	return nil
}

func (st *state) processStruct(cls *pysrc.ClassDef) (*StructInfo, error) {
	info := &StructInfo{Name: cls.Name}
	for _, field := range cls.Fields {
		ft, err := fieldTypeFromAnn(field.Ann)
		if err != nil {
			return nil, diag.Errorf(diag.StageStructs, "struct %s field %s: %v", cls.Name, field.Name, err)
		}
		info.Fields = append(info.Fields, field.Name)
		info.Types = append(info.Types, ft)
	}
	size, err := structSize(info.Types)
	if err != nil {
		return nil, diag.Errorf(diag.StageStructs, "struct %s: %v", cls.Name, err)
	}
	info.Size = size
	info.Type = types.NewStruct(info.Types...)
	return info, nil
}

// fieldTypeFromAnn resolves a field annotation: str(N) becomes an N-byte
// char array, a plain name goes through the type deducer.
func fieldTypeFromAnn(ann pysrc.Expr) (types.Type, error) {
	switch ann := ann.(type) {
	case *pysrc.Call:
		fn, ok := ann.Func.(*pysrc.Name)
		if !ok || fn.ID != "str" || len(ann.Args) != 1 {
			return nil, diag.Errorf(diag.StageStructs, "unsupported annotation form")
		}
		n, ok := ann.Args[0].(*pysrc.IntLit)
		if !ok || n.Value <= 0 {
			return nil, diag.Errorf(diag.StageStructs, "str() length must be a positive integer literal")
		}
		return types.NewArray(uint64(n.Value), types.I8), nil
	case *pysrc.Name:
		return ctypeToIR(ann.ID)
	}
	return nil, diag.Errorf(diag.StageStructs, "unsupported annotation form")
}

// structSize lays the fields out with natural alignment and pads the total
// to a multiple of 8.
func structSize(fields []types.Type) (int, error) {
	offset := 0
	for _, ft := range fields {
		size, err := typeSize(ft)
		if err != nil {
			return 0, err
		}
		align, err := typeAlign(ft)
		if err != nil {
			return 0, err
		}
		offset += (align - offset%align) % align
		offset += size
	}
	return offset + (8-offset%8)%8, nil
}
