package diag

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := &Error{
		Stage:   Stage("llc"),
		Command: "llc -march=bpf in.ll",
		Stderr:  "error: expected instruction opcode",
		Hint:    "inspect the .ll file",
		Err:     errors.New("exit status 1"),
	}
	msg := err.Error()
	for _, want := range []string{
		`stage "llc" failed`,
		"llc -march=bpf in.ll",
		"exit status 1",
		"--- stderr ---",
		"expected instruction opcode",
		"--- hint ---",
		"inspect the .ll file",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestErrorMinimal(t *testing.T) {
	err := &Error{Stage: StageParse, Err: errors.New("bad token")}
	msg := err.Error()
	if strings.Contains(msg, "--- stderr ---") || strings.Contains(msg, "--- hint ---") {
		t.Errorf("empty sections rendered: %s", msg)
	}
}

func TestUnwrapAndIsStage(t *testing.T) {
	inner := errors.New("boom")
	err := Errorf(StageFuncs, "wrapping: %w", inner)
	if !errors.Is(err, inner) {
		t.Error("Unwrap chain broken")
	}
	if !IsStage(err, StageFuncs) {
		t.Error("IsStage failed for matching stage")
	}
	if IsStage(err, StageMaps) {
		t.Error("IsStage matched wrong stage")
	}
	if IsStage(errors.New("plain"), StageFuncs) {
		t.Error("IsStage matched non-diag error")
	}
}

func TestStderrTruncation(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "line")
	}
	err := &Error{Stage: StageCodegen, Stderr: strings.Join(lines, "\n")}
	msg := err.Error()
	if !strings.Contains(msg, "...(truncated)") {
		t.Error("long stderr not truncated")
	}
	if strings.Count(msg, "line") > 21 {
		t.Errorf("too many stderr lines kept:\n%s", msg)
	}
}
