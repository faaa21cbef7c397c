package codegen

// Config bundles the compile-time switches of spec.md §6.6 into an
// immutable value object consumed at construction time, mirroring the
// teacher's wazero.RuntimeConfig convention rather than package-level
// mutable state (see DESIGN.md's "Configuration" entry).
type Config struct {
	// LinearMemoryBoundsChecks enables the explicit bounds-check sequence
	// before every linear-memory access (spec.md §4.6.8, §4.6.14), which is
	// also what gates whether trapsupport.go's extension-request trampoline
	// is emitted at all: with no bounds checks, nothing ever branches into
	// it. When false, every cross-page access is pre-probed instead
	// (§4.6.8) and out-of-bounds faults are handled by a signal handler the
	// core does not itself implement. The landing pad (§4.6.13) is always
	// emitted regardless of this flag: memory.grow needs a host-call
	// landing point unconditionally.
	LinearMemoryBoundsChecks bool

	// ActiveStackOverflowCheck emits a stack-fence comparison whenever the
	// temp-stack area grows (spec.md §4.5.8).
	ActiveStackOverflowCheck bool

	// InterruptionRequest checks a host interruption flag after every
	// function call returns (spec.md §4.6.9 step 7).
	InterruptionRequest bool

	// BuiltinFunctions enables table.grow/fill/copy/size and friends
	// (spec.md §4.6.16 [EXPANSION]).
	BuiltinFunctions bool

	// EagerAllocation is carried in Config but not read by the code
	// generator: temp-stack slots are always added to the frame as they are
	// needed (Services.FindFreeTempStackSlot).
	EagerAllocation bool

	// MaxWasmStackSizeBeforeNativeCall and StackSizeLeftBeforeNativeCall are
	// carried in Config but not read by the code generator: no call wrapper
	// measures its stack use or hands off to a stack-growing native
	// trampoline.
	MaxWasmStackSizeBeforeNativeCall uint64
	StackSizeLeftBeforeNativeCall    uint64

	// DebugMode stack-resident-izes every local and zero-initialises them
	// at function entry (spec.md §3.9, §4.6.1), and selects the TRAP fast
	// path (spec.md §4.3).
	DebugMode bool

	// ApplePlatform is carried in Config but not read by the code generator:
	// import arguments always travel in 8-byte slots (no sub-8-byte packing),
	// and X18 is left out of the register order (registers.go) on every
	// platform.
	ApplePlatform bool
}

// DefaultConfig matches the teacher's own RuntimeConfig default posture:
// safety on, optional features off.
func DefaultConfig() Config {
	return Config{
		LinearMemoryBoundsChecks: true,
		ActiveStackOverflowCheck: true,
	}
}
