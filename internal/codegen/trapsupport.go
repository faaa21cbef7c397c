package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
)

// maxStackTraceFrames bounds the generic trap handler's frame-walk loop
// (spec.md §4.6.13): the collector stops after this many entries even if
// the lastFrameRef chain is still ongoing, so a runaway or cyclic chain
// can never hang trap delivery.
const maxStackTraceFrames = 64

// EmitTrapAdapterAndHandler emits, once per module, the fixed block of
// out-of-line trap machinery spec.md §4.6.13 describes: the native trap
// adapter, the generic trap handler, the extension-request trampoline (only
// when Config.LinearMemoryBoundsChecks is on — it is the only thing that
// ever branches into it), and the landing pad. Callers emit this before any
// function body, then use SetGenericTrapHandler/PendingCallTo-style wiring
// so in-function TRAP/CTRAP and memory-access sequences can reach it.
//
// The landing pad is always emitted regardless of
// Config.LinearMemoryBoundsChecks: memory.grow always needs a host-call
// landing point, unlike the bounds-check fast path which only exists when
// bounds checks are on. See DESIGN.md's "trapsupport.go" entry for this
// deviation from a literal on/off reading of the spec text.
func (m *ModuleInfo) EmitTrapAdapterAndHandler() {
	m.emitNativeTrapAdapter()
	m.emitGenericTrapHandler()
	if m.Config.LinearMemoryBoundsChecks {
		m.emitExtensionTrampoline()
	}
	m.emitLandingPad()
}

// emitNativeTrapAdapter is the entry point a host-installed signal handler
// branches to under native AAPCS64 (not Wasm) calling convention: R0 carries
// the trap code, R1 the linear-memory base address. It moves both into this
// core's own trap ABI (R0 stays the code; LinMemReg takes the memory
// pointer) and falls through into the generic handler without a branch.
func (m *ModuleInfo) emitNativeTrapAdapter() {
	asm := m.Asm
	asm.Instr(arm64asm.TmplORR64).SetD(arm64asm.LinMemReg).SetN(arm64asm.ZR).SetM(arm64asm.R1).Emit()
}

// emitGenericTrapHandler is TRAP/CTRAP's fall-through target (R0 already
// holds the trap code; R1 the bytecode position in debug builds). It walks
// the last-frame-ref chain to build a stack trace when DebugMode wants one,
// restores SP to the saved re-entry point, deposits the trap code where the
// host can read it, and branches to the host's trap handler function.
func (m *ModuleInfo) emitGenericTrapHandler() {
	asm := m.Asm
	m.GenericTrapHandlerPos = m.Buf.Len()
	m.TrapHandlerSet = true
	asm.SetGenericTrapHandler(m.GenericTrapHandlerPos)

	if m.Config.DebugMode {
		m.emitStackTraceCollector()
	}

	reentrySP := arm64asm.R2
	asm.Instr(arm64asm.TmplLDURimm64).SetT(reentrySP).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTrapReentrySP).Emit()
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(arm64asm.SP).SetN(reentrySP).SetImm12zx(0).Emit()

	asm.Instr(arm64asm.TmplSTURimm32).SetT(arm64asm.R0).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTrapCodeSlot).Emit()

	handlerAddr := arm64asm.R3
	asm.Instr(arm64asm.TmplLDURimm64).SetT(handlerAddr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTrapHandlerCodeAddr).Emit()
	asm.Instr(arm64asm.TmplBR).SetN(handlerAddr).Emit()
}

// emitStackTraceCollector walks the lastFrameRefPtr chain (each frame a
// two-word {funcIndex, callerFrameRefPtr} record laid down by the call
// wrapper of spec.md §4.6.9/§4.6.15), writing up to maxStackTraceFrames
// function indices downward from SP before the handler reclaims SP from
// the cached re-entry value. A zero frame pointer terminates the chain
// early. The host reads the collected trace, if any, from the stack region
// between the eventual (restored) SP and the original faulting SP, since
// this core does not reserve a separate fixed trace buffer in job memory.
func (m *ModuleInfo) emitStackTraceCollector() {
	asm := m.Asm
	frameReg := arm64asm.R4
	countReg := arm64asm.R5
	funcIdxReg := arm64asm.R6
	limitReg := arm64asm.R7

	asm.Instr(arm64asm.TmplLDURimm64).SetT(frameReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLastFrameRefPtr).Emit()
	asm.Instr(arm64asm.TmplORR64).SetD(countReg).SetN(arm64asm.ZR).SetM(arm64asm.ZR).Emit()
	asm.MOVimm64(limitReg, maxStackTraceFrames)

	loopStart := m.Buf.Len()
	done := asm.PrepareJMPIfRegIsZero(frameReg, true)

	asm.Instr(arm64asm.TmplLDRimm32).SetT(funcIdxReg).SetN(frameReg).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplSTPpre64).SetT1(funcIdxReg).SetT2(arm64asm.ZR).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()
	asm.Instr(arm64asm.TmplLDURimm64).SetT(frameReg).SetN(frameReg).SetUnscSImm9(8).Emit()

	asm.Instr(arm64asm.TmplADDimm12_64).SetD(countReg).SetN(countReg).SetImm12zx(1).Emit()
	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(countReg).SetM(limitReg).Emit()
	atLimit := asm.PrepareJMP(arm64asm.GE)
	asm.PrepareJMP(arm64asm.AL).LinkToBinaryPos(loopStart)
	atLimit.LinkToHere()
	done.LinkToHere()
}

// emitExtensionTrampoline implements spec.md §4.6.14/§4.6.13's
// bounds-check-failure recovery path. On entry R0 holds the candidate
// address-plus-size that the caller's cached-register fast check flagged as
// possibly out of range. It re-checks against the authoritative byte size
// (job memory's copy might be fresher than MemSizeReg's cached value), and:
//   - if the candidate is actually in range, returns immediately (the
//     cached register was merely stale);
//   - otherwise asks the host memory helper to extend the mapping far
//     enough to cover it, trapping TrapCodeLinMemCouldNotExtend on a zero
//     result or TrapCodeLinMemOutOfBoundsAccess on a -1 result, and
//     otherwise rebuilding LinMemReg/MemSizeReg from the grown memory's new
//     base/size before returning.
func (m *ModuleInfo) emitExtensionTrampoline() {
	asm := m.Asm
	m.ExtensionTrampolinePos = m.Buf.Len()
	m.ExtensionTrampolineSet = true

	candidate := arm64asm.R0
	actual := arm64asm.R1
	asm.Instr(arm64asm.TmplLDURimm64).SetT(actual).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(candidate).SetM(actual).Emit()
	inRange := asm.PrepareJMP(arm64asm.LS)

	asm.Instr(arm64asm.TmplSTPpre64).SetT1(arm64asm.LR).SetT2(candidate).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()

	helper := arm64asm.R2
	asm.Instr(arm64asm.TmplLDURimm64).SetT(helper).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobMemoryHelperPtr).Emit()
	asm.Instr(arm64asm.TmplBLR).SetN(helper).Emit()

	couldNotExtend := asm.PrepareJMPIfRegIsZero(arm64asm.R0, true)
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(arm64asm.R3).SetN(arm64asm.R0).SetImm12zx(1).Emit()
	outOfBounds := asm.PrepareJMPIfRegIsZero(arm64asm.R3, true)

	asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.LinMemReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinkedMemoryPtr).Emit()
	asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.MemSizeReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
	asm.Instr(arm64asm.TmplSUBimm12_64).SetD(arm64asm.MemSizeReg).SetN(arm64asm.MemSizeReg).SetImm12zx(8).Emit()

	asm.Instr(arm64asm.TmplLDPpost64).SetT1(arm64asm.LR).SetT2(candidate).SetN(arm64asm.SP).SetSImm7ls3(16).Emit()
	inRange.LinkToHere()
	asm.Instr(arm64asm.TmplRET).SetN(arm64asm.LR).Emit()

	couldNotExtend.LinkToHere()
	asm.TRAP(TrapCodeLinMemCouldNotExtend, 0)
	outOfBounds.LinkToHere()
	asm.TRAP(TrapCodeLinMemOutOfBoundsAccess, 0)
}

// emitLandingPad implements spec.md §4.6.13's generic out-of-line host-call
// choke point, used by memory.grow: it spills the registers a host call may
// clobber, invokes the address the caller stashed in job memory's
// landingPadTarget, then branches back to the caller's chosen resume point
// in landingPadRet (the pad is entered via BR, not BL, so there is no
// ordinary return address to fall back on).
func (m *ModuleInfo) emitLandingPad() {
	asm := m.Asm
	m.LandingPadPos = m.Buf.Len()
	m.LandingPadSet = true

	asm.Instr(arm64asm.TmplSTPpre64).SetT1(arm64asm.LR).SetT2(arm64asm.R1).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()

	target := arm64asm.R1
	asm.Instr(arm64asm.TmplLDURimm64).SetT(target).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLandingPadTarget).Emit()
	asm.Instr(arm64asm.TmplBLR).SetN(target).Emit()

	asm.Instr(arm64asm.TmplLDPpost64).SetT1(arm64asm.LR).SetT2(arm64asm.R1).SetN(arm64asm.SP).SetSImm7ls3(16).Emit()

	resume := arm64asm.R1
	asm.Instr(arm64asm.TmplLDURimm64).SetT(resume).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLandingPadRet).Emit()
	asm.Instr(arm64asm.TmplBR).SetN(resume).Emit()
}
