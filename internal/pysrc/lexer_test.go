package pysrc

import "testing"

func lex(t *testing.T, src string) []token {
	t.Helper()
	toks, err := newLexer(src).tokens()
	if err != nil {
		t.Fatalf("lex failed: %v", err)
	}
	return toks
}

func kinds(toks []token) []tokKind {
	out := make([]tokKind, len(toks))
	for i, tok := range toks {
		out[i] = tok.kind
	}
	return out
}

func TestLexIndentation(t *testing.T) {
	src := "def f():\n    return 0\n"
	toks := lex(t, src)
	want := []tokKind{
		tokName, tokName, tokOp, tokOp, tokOp, tokNewline,
		tokIndent, tokName, tokInt, tokNewline, tokDedent, tokEOF,
	}
	got := kinds(toks)
	if len(got) != len(want) {
		t.Fatalf("token count = %d, want %d: %v", len(got), len(want), toks)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d = %v, want %v (stream %v)", i, got[i], want[i], toks)
		}
	}
}

func TestLexNestedDedent(t *testing.T) {
	src := "if a:\n    if b:\n        x = 1\ny = 2\n"
	toks := lex(t, src)
	dedents := 0
	for _, tok := range toks {
		if tok.kind == tokDedent {
			dedents++
		}
	}
	if dedents != 2 {
		t.Fatalf("dedents = %d, want 2", dedents)
	}
}

func TestLexBlankAndCommentLines(t *testing.T) {
	src := "a = 1\n\n# comment\n   # indented comment\nb = 2\n"
	toks := lex(t, src)
	for _, tok := range toks {
		if tok.kind == tokIndent || tok.kind == tokDedent {
			t.Fatalf("blank/comment lines must not affect indentation, got %v", toks)
		}
	}
}

func TestLexParenSuppressesNewline(t *testing.T) {
	src := "f(a,\n  b)\n"
	toks := lex(t, src)
	for i, tok := range toks {
		if tok.kind == tokNewline && i != len(toks)-2 {
			t.Fatalf("newline inside parens at token %d: %v", i, toks)
		}
	}
}

func TestLexStrings(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind tokKind
		lit  string
	}{
		{"double", `x = "GPL"`, tokStr, "GPL"},
		{"single", `x = 'GPL'`, tokStr, "GPL"},
		{"escape", `x = "a\nb"`, tokStr, "a\nb"},
		{"fstring", `x = f"pid {p}"`, tokFStr, "pid {p}"},
		{"triple", `x = """doc"""`, tokStr, "doc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toks := lex(t, tt.src)
			found := false
			for _, tok := range toks {
				if tok.kind == tt.kind {
					if tok.lit != tt.lit {
						t.Fatalf("lit = %q, want %q", tok.lit, tt.lit)
					}
					found = true
				}
			}
			if !found {
				t.Fatalf("no token of kind %v in %v", tt.kind, toks)
			}
		})
	}
}

func TestLexIntLiterals(t *testing.T) {
	toks := lex(t, "a = 1000000000\nb = 0xFFFFFFFF\nc = 1_000\n")
	var ints []string
	for _, tok := range toks {
		if tok.kind == tokInt {
			ints = append(ints, tok.lit)
		}
	}
	want := []string{"1000000000", "0xFFFFFFFF", "1000"}
	if len(ints) != len(want) {
		t.Fatalf("ints = %v, want %v", ints, want)
	}
	for i := range want {
		if ints[i] != want[i] {
			t.Fatalf("ints[%d] = %q, want %q", i, ints[i], want[i])
		}
	}
}

func TestLexMultiCharOps(t *testing.T) {
	toks := lex(t, "a // b << c >= d -> e\n")
	var ops []string
	for _, tok := range toks {
		if tok.kind == tokOp {
			ops = append(ops, tok.lit)
		}
	}
	want := []string{"//", "<<", ">=", "->"}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestLexErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unterminated string", `x = "abc`},
		{"bad indent", "if a:\n    x = 1\n  y = 2\n"},
		{"unexpected char", "a = 1 ? 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newLexer(tt.src).tokens(); err == nil {
				t.Fatal("expected lex error")
			}
		})
	}
}
