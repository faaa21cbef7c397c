package codegen

import "fmt"

// Kind enumerates the §7 error kinds the core can surface. Implementation
// limits and unsupported-feature errors are the only ones a well-formed,
// pre-validated input can still trigger; KindInternalInvariant is this
// repo's own defensive-assertion category (the core trusts its invariants
// and panics rather than recovers when one is violated, per spec.md §7's
// "the core assumes a validated input and uses assertions to defend its
// internal invariants").
type Kind string

const (
	KindReachedMaxStackFrameSize Kind = "ReachedMaximumStackFrameSize"
	KindBranchRange              Kind = "BranchesCanOnlyTarget±128MB"
	KindTooManyLocals            Kind = "TooManyLocals"
	KindTooManyParams            Kind = "TooManyParams"

	KindCannotExportBuiltin       Kind = "CannotExportBuiltinFunction"
	KindCannotIndirectCallBuiltin Kind = "CannotIndirectlyCallBuiltinFunction"
	KindNotImplemented            Kind = "NotImplemented"

	KindInternalInvariant Kind = "InternalInvariantViolation"
)

// CodeGenError is the typed panic value internal/codegen raises at
// implementation-limit and unsupported-feature boundaries (spec.md §7).
// Backend.CompileFunction recovers it at the package's single public entry
// point and converts it to a normal Go error return, matching the teacher's
// wasmruntime panic/recover convention at the compiler's dispatch loop
// (see DESIGN.md's "Error handling" entry).
type CodeGenError struct {
	Kind Kind
	Msg  string
}

func (e *CodeGenError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func raise(kind Kind, format string, args ...interface{}) {
	panic(&CodeGenError{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}
