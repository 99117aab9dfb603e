// Package compile lowers the parsed source AST to an LLVM IR module for the
// BPF backend. The passes run in a fixed order over one mutable module:
// structs, maps, functions, globals, license, module metadata. Each pass
// owns the module while it runs; symbol tables populate monotonically and
// are read by later passes.
package compile

import (
	"fmt"

	"github.com/llir/llvm/ir/types"
)

// ctypeToIR maps a source-level type name to its IR type. It is a pure
// function: the vocabulary is fixed and unknown names are an error.
func ctypeToIR(name string) (types.Type, error) {
	switch name {
	case "c_int8", "c_uint8":
		return types.I8, nil
	case "c_int16", "c_uint16":
		return types.I16, nil
	case "c_int32", "c_uint32":
		return types.I32, nil
	case "c_int64", "c_uint64":
		return types.I64, nil
	case "c_float":
		return types.Float, nil
	case "c_double":
		return types.Double, nil
	case "c_void_p":
		// BPF pointers are 64 bits wide; an opaque pointer annotation is
		// carried as a plain i64.
		return types.I64, nil
	case "str":
		return types.NewPointer(types.I8), nil
	}
	return nil, fmt.Errorf("unsupported type %q", name)
}

// isCType reports whether name is a ctype constructor name: any name
// ctypeToIR accepts other than str, the float types included.
func isCType(name string) bool {
	_, err := ctypeToIR(name)
	return err == nil && name != "str"
}

// typeSize returns the size in bytes of an IR type as laid out by the BPF
// data layout.
func typeSize(t types.Type) (int, error) {
	switch t := t.(type) {
	case *types.IntType:
		return int(t.BitSize) / 8, nil
	case *types.FloatType:
		switch t.Kind {
		case types.FloatKindFloat:
			return 4, nil
		case types.FloatKindDouble:
			return 8, nil
		}
	case *types.PointerType:
		return 8, nil
	case *types.ArrayType:
		elem, err := typeSize(t.ElemType)
		if err != nil {
			return 0, err
		}
		return int(t.Len) * elem, nil
	}
	return 0, fmt.Errorf("unsupported field type %v", t)
}

// typeAlign returns the natural alignment of an IR type: the element size
// for arrays, the scalar size otherwise.
func typeAlign(t types.Type) (int, error) {
	if arr, ok := t.(*types.ArrayType); ok {
		return typeAlign(arr.ElemType)
	}
	return typeSize(t)
}
