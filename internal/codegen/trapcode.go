package codegen

import "github.com/arm64wasmjit/core/internal/arm64asm"

// Trap codes (spec.md §6.3): a fixed enumeration written into w0 before
// branching to the module's generic trap handler. The concrete numbering is
// this core's own ABI with the host trap-handler function, not a Wasm
// standard value.
const (
	TrapCodeNone arm64asm.TrapCode = iota
	TrapCodeDivZero
	TrapCodeDivOverflow
	TrapCodeStackOverflow // StackFenceBreached
	TrapCodeTruncOverflow
	TrapCodeIndirectCallOutOfBounds
	TrapCodeIndirectCallWrongSig
	TrapCodeCalledFunctionNotLinked
	TrapCodeLinMemOutOfBoundsAccess
	TrapCodeLinMemCouldNotExtend
	TrapCodeBuiltinTrap
	TrapCodeLinkedMemoryMux
	TrapCodeTableAccessOutOfBounds
)
