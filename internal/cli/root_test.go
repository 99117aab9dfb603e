package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"version"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "pybpfc") {
		t.Fatalf("version output = %q", stdout.String())
	}
}

func TestRunNoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run(context.Background(), nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := Run(context.Background(), []string{"--nope"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
}

const buildSource = `
@bpf
@section("tracepoint/syscalls/sys_enter_execve")
def hello(ctx: c_void_p) -> c_int64:
    print("Hello, World!")
    return c_int64(0)

@bpf
@bpfglobal
def LICENSE() -> str:
    return "GPL"
`

func TestRunBuildEmitLLVM(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.py")
	if err := os.WriteFile(src, []byte(buildSource), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"--emit-llvm", src}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit = %d, stderr: %s", code, stderr.String())
	}

	ll := filepath.Join(dir, "hello.ll")
	data, err := os.ReadFile(ll)
	if err != nil {
		t.Fatalf("no .ll produced: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`source_filename = `,
		`target triple = "bpf"`,
		"e-m:e-p:64:64-i64:64-i128:128-n32:64-S128",
		`section "license"`,
		"@hello",
	} {
		if !strings.Contains(text, want) {
			t.Errorf(".ll missing %q", want)
		}
	}
}

func TestRunBuildCompileError(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.py")
	if err := os.WriteFile(src, []byte("@bpf\n@section(\"x\")\ndef f(ctx):\n    a += 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"--emit-llvm", src}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if stderr.Len() == 0 {
		t.Error("no diagnostic on stderr")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.ll")); !os.IsNotExist(err) {
		t.Error(".ll written despite compile failure")
	}
}

func TestVersionLine(t *testing.T) {
	out := "Ubuntu LLVM version 18.1.3\n  Optimized build.\n  Registered Targets:\n    bpf - BPF\n"
	if got := versionLine(out); got != "LLVM version 18.1.3" {
		t.Fatalf("versionLine = %q", got)
	}
}
