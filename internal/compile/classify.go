package compile

import (
	"fmt"

	"github.com/kyleseneker/pybpfc/internal/diag"
	"github.com/kyleseneker/pybpfc/internal/pysrc"
)

// Kind classifies a top-level BPF declaration.
type Kind int

const (
	KindMap Kind = iota
	KindStruct
	KindGlobal
	KindProgram
	KindLicense
	KindSubroutine
)

var kindNames = map[Kind]string{
	KindMap:        "map",
	KindStruct:     "struct",
	KindGlobal:     "global",
	KindProgram:    "program",
	KindLicense:    "license",
	KindSubroutine: "subroutine",
}

func (k Kind) String() string { return kindNames[k] }

// Decl is a classified top-level declaration. Exactly one of Func and Class
// is set; Section carries the program section string for KindProgram.
type Decl struct {
	Kind    Kind
	Func    *pysrc.FuncDef
	Class   *pysrc.ClassDef
	Section string
}

// Name returns the declared identifier.
func (d *Decl) Name() string {
	if d.Class != nil {
		return d.Class.Name
	}
	return d.Func.Name
}

// classify walks the top-level declaration list and records a kind for every
// @bpf-tagged declaration. Untagged declarations (imports, trailing driver
// calls) are skipped. A declaration with conflicting tags is fatal.
func classify(mod *pysrc.Module) ([]*Decl, error) {
	var decls []*Decl
	for _, stmt := range mod.Body {
		switch node := stmt.(type) {
		case *pysrc.FuncDef:
			if !pysrc.HasDecorator(node.Decorators, "bpf") {
				continue
			}
			d, err := classifyFunc(node)
			if err != nil {
				return nil, err
			}
			decls = append(decls, d)
		case *pysrc.ClassDef:
			if !pysrc.HasDecorator(node.Decorators, "bpf") {
				continue
			}
			if !pysrc.HasDecorator(node.Decorators, "struct") {
				return nil, diag.Errorf(diag.StageClassify,
					"class %s: @bpf classes must also carry @struct", node.Name)
			}
			decls = append(decls, &Decl{Kind: KindStruct, Class: node})
		}
	}
	return decls, nil
}

func classifyFunc(fn *pysrc.FuncDef) (*Decl, error) {
	isMap := pysrc.HasDecorator(fn.Decorators, "map")
	isGlobal := pysrc.HasDecorator(fn.Decorators, "bpfglobal")
	section, hasSection := pysrc.DecoratorArg(fn.Decorators, "section")

	tags := 0
	for _, set := range []bool{isMap, isGlobal, hasSection} {
		if set {
			tags++
		}
	}
	if tags > 1 {
		return nil, diag.Errorf(diag.StageClassify,
			"%s: conflicting declaration tags %s", fn.Name, tagList(isMap, isGlobal, hasSection))
	}

	d := &Decl{Func: fn}
	switch {
	case isMap:
		d.Kind = KindMap
	case isGlobal && fn.Name == "LICENSE":
		d.Kind = KindLicense
	case isGlobal:
		d.Kind = KindGlobal
	case hasSection:
		d.Kind = KindProgram
		d.Section = section
	default:
		d.Kind = KindSubroutine
	}
	return d, nil
}

func tagList(isMap, isGlobal, hasSection bool) string {
	var tags []string
	if isMap {
		tags = append(tags, "@map")
	}
	if isGlobal {
		tags = append(tags, "@bpfglobal")
	}
	if hasSection {
		tags = append(tags, "@section")
	}
	return fmt.Sprintf("%v", tags)
}

// byKind filters a classified declaration list.
func byKind(decls []*Decl, kind Kind) []*Decl {
	var out []*Decl
	for _, d := range decls {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}
