package compiler

import (
	"fmt"
	"strings"
)

// Diagnostic is a single compile error or warning tagged with its
// source line. Warning messages carry the WARN: prefix in Format output
// so downstream consumers can split them without extra bookkeeping.
type Diagnostic struct {
	Line    int
	Message string
	Warning bool
}

func (d Diagnostic) String() string {
	msg := strings.ReplaceAll(d.Message, "\n", "\\n")
	if d.Warning {
		return fmt.Sprintf("WARN: (%d): %s", d.Line, msg)
	}
	return fmt.Sprintf("(%d): ERROR: %s", d.Line, msg)
}

// diagSink accumulates diagnostics across passes.
type diagSink struct {
	errors   []Diagnostic
	warnings []Diagnostic
}

func (s *diagSink) errorf(line int, format string, args ...any) {
	s.errors = append(s.errors, Diagnostic{Line: line, Message: fmt.Sprintf(format, args...)})
}

func (s *diagSink) warnf(line int, format string, args ...any) {
	s.warnings = append(s.warnings, Diagnostic{Line: line, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (s *diagSink) hasErrors() bool { return len(s.errors) > 0 }
