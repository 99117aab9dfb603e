// Package diag provides structured, stage-attributed error types for the
// pybpfc compiler pipeline. Every failure includes the stage that produced
// it and, where useful, an actionable hint.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Stage identifies which compiler pass or pipeline step produced an error.
type Stage string

const (
	StageParse    Stage = "parse"
	StageClassify Stage = "classify"
	StageStructs  Stage = "structs"
	StageMaps     Stage = "maps"
	StageFuncs    Stage = "functions"
	StageGlobals  Stage = "globals"
	StageLicense  Stage = "license"
	StageMetadata Stage = "metadata"
	StageEmit     Stage = "emit"
	StageCodegen  Stage = "llc"
	StageLoad     Stage = "load"
)

// Error is a structured pipeline error carrying stage context, diagnostic
// output from external tools, and a user-facing hint for remediation.
type Error struct {
	Stage   Stage
	Command string
	Stderr  string
	Hint    string
	Err     error
}

// Error formats the diagnostic into a multi-section string.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q failed", e.Stage)
	if e.Command != "" {
		fmt.Fprintf(&b, ": %s", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(trimLong(e.Stderr, 20))
	}
	if e.Hint != "" {
		b.WriteString("\n--- hint ---\n")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a diag.Error for the given stage from a format string.
func Errorf(stage Stage, format string, args ...any) error {
	return &Error{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// IsStage reports whether err is a diag.Error from the given pipeline stage.
func IsStage(err error, stage Stage) bool {
	var derr *Error
	if !errors.As(err, &derr) {
		return false
	}
	return derr.Stage == stage
}

func trimLong(s string, maxLines int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + "\n...(truncated)"
}
