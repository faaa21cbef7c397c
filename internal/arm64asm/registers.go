package arm64asm

// Reg names an AArch64 register. The numeric value has no meaning beyond
// table indices into the instruction templates; it is not the hardware
// encoding (that translation happens in builder.go's regEncoding).
//
// Naming intentionally matches the Go assembler's AArch64 mnemonics, as does
// the teacher this package is modeled on.
type Reg uint8

const (
	NONE Reg = iota // the distinguished "no register" sentinel
	ZR              // zero register, XZR/WZR depending on width
	SP              // stack pointer
	LR              // link register, X30

	R0
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26 // dedicated: linear-memory base pointer, never in gpr[]
	R27 // dedicated: job-memory base pointer, never in gpr[]
	R28 // dedicated (optional): cached (linear-memory byte size - 8)
	R29 // frame pointer, reserved by the prologue/epilogue, never in gpr[]

	V0
	V1
	V2
	V3
	V4
	V5
	V6
	V7
	V8
	V9
	V10
	V11
	V12
	V13
	V14
	V15
	V16
	V17
	V18
	V19
	V20
	V21
	V22
	V23
	V24
	V25
	V26
	V27
	V28
	V29
	V30
	V31 // dedicated "move helper" scratch FPR, see MoveHelperFPR below
)

// LinMemReg and JobMemReg are the two GPRs dedicated per spec.md §3.2: they
// are addressed directly by memory-access and call-wrapper emission and are
// never handed out by the register allocator.
const (
	LinMemReg  = R26
	JobMemReg  = R27
	MemSizeReg = R28 // valid only when the memory-size cache is enabled

	// MoveHelperFPR is the single dedicated FPR used for memory-to-memory
	// moves of values the GPR scratch pool can't reach directly (e.g.
	// spilling a StackMemory operand straight to another StackMemory slot).
	// It is not in fprOrder, so the scratch allocator never hands it out.
	MoveHelperFPR = V31
)

// gprOrder and fprOrder are the allocation-order arrays spec.md §3.2 calls
// gpr[] and fpr[]. Order encodes, left to right: the region handed to
// globals/locals in declaration order, the region for Wasm-ABI parameter
// registers, general scratch, and finally (the last 5 GPRs / 5 FPRs) the
// permanently reserved scratch pool. X19-X25 lead the GPR order because
// they are callee-saved under AAPCS, so a function that spills to memory
// across a native call boundary (the V1 import path, §4.6.9) doesn't need
// to separately preserve locals living in them.
var gprOrder = []Reg{
	R19, R20, R21, R22, R23, R24, R25, // locals/globals region
	R9, R10, R11, R12, R13, R14, R15, R16, R17, // params region
	R1, R2, R3, R4, // general scratch
	R5, R6, R7, R8, R0, // last 5: permanently reserved scratch; R0 = native return reg
}

var fprOrder = []Reg{
	V8, V9, V10, V11, V12, V13, V14, V15, // locals/globals region
	V16, V17, V18, V19, V20, V21, V22, V23, // params region
	V24, V25, // general scratch
	V26, V27, V28, V29, V30, // last 5: permanently reserved scratch
}

// GPR returns the allocation-order slice of general-purpose registers
// available to the register allocator.
func GPR() []Reg { return gprOrder }

// FPR returns the allocation-order slice of floating-point registers
// available to the register allocator.
func FPR() []Reg { return fprOrder }

// NativeReturnReg is the GPR AAPCS uses to return an integer/pointer result;
// it must be among the last 5 entries of gprOrder (spec.md §3.2(a)).
const NativeReturnReg = R0

// WasmReturnFPR is this core's fixed Wasm-internal return register for a
// float result (call.go): V0 is deliberately outside fprOrder entirely, so
// the scratch allocator never hands it out and a call wrapper can always
// rely on it holding the callee's result across the RET boundary.
const WasmReturnFPR = V0

// WasmParamGPRs and WasmParamFPRs return the params-region sub-slices of
// gpr[]/fpr[] (spec.md §3.2(c)), immediately following the locals/globals
// region. Boundaries are positional, not sized to any one function's actual
// locals/globals usage. Nothing in this module calls them: register-resident
// Wasm parameters are assigned from the locals/globals region instead
// (codegen's paramStorages and allocateOneLocal).
func WasmParamGPRs() []Reg { return gprOrder[7:16] }
func WasmParamFPRs() []Reg { return fprOrder[8:16] }

// IsGPR reports whether r is a member of the allocatable GPR pool.
func IsGPR(r Reg) bool {
	for _, g := range gprOrder {
		if g == r {
			return true
		}
	}
	return false
}

// IsFPR reports whether r is a member of the allocatable FPR pool.
func IsFPR(r Reg) bool {
	for _, f := range fprOrder {
		if f == r {
			return true
		}
	}
	return false
}

func (r Reg) String() string {
	names := map[Reg]string{
		NONE: "NONE", ZR: "ZR", SP: "SP", LR: "LR",
	}
	if n, ok := names[r]; ok {
		return n
	}
	if r >= R0 && r <= R29 {
		return "R" + itoa(int(r-R0))
	}
	if r >= V0 && r <= V31 {
		return "V" + itoa(int(r-V0))
	}
	return "REG?"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
