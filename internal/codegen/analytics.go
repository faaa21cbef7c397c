package codegen

// Analytics is the external collaborator of spec.md §4.7: if installed, it
// is notified of register-pressure and spill decisions as the backend makes
// them. This is the "builder diagnostics hook" of SPEC_FULL.md §4.6.17: a
// small interface with a no-op default, matching how the teacher's
// experimental/logging listeners attach to the compiler without the
// compiler depending on a concrete implementation.
type Analytics interface {
	MaxStackFrameSize(funcIdx int32, bytes uint64)
	RegisterPressure(funcIdx int32, spillCandidate bool)
	Spill(funcIdx int32, toRegister bool)
	MaxTempStackSlots(funcIdx int32, count int)
}

// NoopAnalytics discards every event; it is ModuleInfo's default.
type NoopAnalytics struct{}

func (NoopAnalytics) MaxStackFrameSize(int32, uint64) {}
func (NoopAnalytics) RegisterPressure(int32, bool)    {}
func (NoopAnalytics) Spill(int32, bool)               {}
func (NoopAnalytics) MaxTempStackSlots(int32, int)    {}

// OpcodeDWARFSink extends arm64asm.DWARFSink (which records a raw output
// offset per instruction) with the start/end of each Wasm source opcode,
// the other half of spec.md §4.7's DWARF contract.
type OpcodeDWARFSink interface {
	RecordOffset(offset int)
	OpcodeStart(wasmOpcode uint16, offset int)
	OpcodeEnd(offset int)
}
