package codegen

// Job-memory layout (spec.md §6.4): a fixed set of byte offsets relative to
// the job-memory top, agreed between the compiler and the host runtime.
// Offsets are negative (FromEnd), matching the teacher's pattern of
// addressing per-instance bookkeeping below the linear-memory base via
// LDUR/STUR with compile-time-constant displacements.
const (
	JobLastFrameRefPtr     int64 = -8
	JobLinkedMemoryPtr     int64 = -16
	JobLinkedMemoryLen     int64 = -24
	JobLinMemWasmPages     int64 = -32
	JobLinMemByteSize      int64 = -40
	JobStackFenceAddr      int64 = -48
	JobTrapReentrySP       int64 = -56
	JobTrapHandlerCodeAddr int64 = -64
	JobMemoryHelperPtr     int64 = -72
	JobTableBaseAddr       int64 = -80
	JobBinaryModuleBase    int64 = -88
	JobLandingPadTarget    int64 = -96
	JobLandingPadRet       int64 = -104
	JobTrapCodeSlot        int64 = -112 // where the generic trap handler deposits the code for the host to read
	JobInterruptionFlag    int64 = -120 // host-settable; checked after every call returns when Config.InterruptionRequest is on

	// JobIndirectCallTargetScratch holds an indirect call's resolved
	// absolute target address across argument condensing (call.go's
	// execIndirectWasmCall): condensing an argument can require arbitrary
	// scratch-register churn, so the target is stashed here — addressable
	// via JobMemReg regardless of any SP shuffling for overflow
	// arguments — rather than kept pinned in a register the whole time.
	JobIndirectCallTargetScratch int64 = -128

	// JobTableHelperPtr holds the host function pointer table.go's builtins
	// (table.grow/fill/copy) dispatch to through the landing pad of
	// §4.6.13, mirroring JobMemoryHelperPtr's role for memory.grow: a
	// single shared host entry point, selected by an opcode in R0, rather
	// than one job-memory slot per table per builtin.
	JobTableHelperPtr int64 = -136

	// LinkDataBase is where the globals/imported-function-pointer region
	// (spec.md's "link data") begins, below the fixed bookkeeping offsets
	// above.
	LinkDataBase int64 = -144
)
