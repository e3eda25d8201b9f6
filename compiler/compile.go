package compiler

import (
	"strings"

	"github.com/chazu/loom/vm"
)

// Version tags the bytecode generation. Serialized blobs carry it so a
// host can refuse output from a different compiler revision.
const Version uint32 = 1

// Results is the outcome of one compilation: either a full set of
// protos plus their serialized form, or diagnostics.
type Results struct {
	// Main is the synthetic entry routine; running it on a fresh
	// thread initializes globals and installs every user function.
	Main *vm.Proto

	// Protos lists every compiled routine, entry routine last.
	Protos []*vm.Proto

	// Blob is the deterministic serialized form of Protos.
	Blob []byte

	// States lists the script's states in declaration order. A state's
	// position here matches the index in its handlers' mangled names.
	States []string

	Errors   []Diagnostic
	Warnings []Diagnostic
}

// OK reports whether compilation succeeded.
func (r *Results) OK() bool { return len(r.Errors) == 0 }

// Format renders diagnostics one per line, errors first, warnings
// appended after them.
func (r *Results) Format() string {
	var sb strings.Builder
	for _, d := range r.Errors {
		sb.WriteString(d.String())
		sb.WriteByte('\n')
	}
	for _, d := range r.Warnings {
		sb.WriteString(d.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Compile translates a script into bytecode. name labels the
// compilation unit in debug info and error output.
func Compile(source, name string) *Results {
	diags := &diagSink{}

	prog := NewParser(source, diags).ParseProgram()
	if diags.hasErrors() {
		return results(diags)
	}

	resolve(prog, diags)
	if diags.hasErrors() {
		return results(diags)
	}

	desugar(prog)
	fold(prog)

	main, protos := generate(prog, name, diags)
	if diags.hasErrors() {
		return results(diags)
	}

	res := results(diags)
	res.Main = main
	res.Protos = protos
	res.Blob = Serialize(protos)
	for _, st := range prog.States {
		res.States = append(res.States, st.Name)
	}
	return res
}

func results(diags *diagSink) *Results {
	return &Results{Errors: diags.errors, Warnings: diags.warnings}
}
