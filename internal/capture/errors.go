package capture

import (
	"fmt"
	"strings"
)

// StageError is a stage-aware failure. It matches its Kind sentinel and its
// underlying cause with errors.Is.
type StageError struct {
	Kind     error  // one of the domain sentinels
	Stage    string // StageSource or StageTranscode
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

// Error formats the failure for job records and logs.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Command != "" {
		fmt.Fprintf(&b, " (stage=%s cmd=%s exit=%d)", e.Stage, e.Command, e.ExitCode)
	} else if e.Stage != "" {
		fmt.Fprintf(&b, " (stage=%s)", e.Stage)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, ": %s", stderr)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *StageError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
