package arm64asm

import "fmt"

// LimitError reports that an implementation limit described in spec.md §7
// was exceeded while assembling. Assembler methods panic with this type;
// codegen.Backend recovers it at the compile-function boundary and returns
// it to the caller unchanged, as an ordinary error value.
type LimitError struct {
	Kind string
}

func (e *LimitError) Error() string { return e.Kind }

func limitf(kind string, format string, args ...interface{}) {
	panic(&LimitError{Kind: fmt.Sprintf("%s: %s", kind, fmt.Sprintf(format, args...))})
}

const (
	KindMaxStackFrameSize  = "ReachedMaximumStackFrameSize"
	KindBranchRange        = "BranchesCanOnlyTarget±128MB"
	KindInstrSelectFailure = "InstructionSelectionFailure"
	KindMultipleImmediates = "MultipleImmediatesImpossible"
)
