package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// nonVolatilePairs are the callee-saved register pairs an entry wrapper
// must save/restore around its own use of the Wasm register file (spec.md
// §4.6.15): LinMemReg/JobMemReg/MemSizeReg (R26-R28) and the
// locals/globals region's leading GPRs (R19-R25) all sit inside AAPCS64's
// callee-saved range, so a native caller's own values in them must survive
// a round trip through this wrapper. FP/LR close out the frame.
var nonVolatilePairs = [][2]arm64asm.Reg{
	{arm64asm.R19, arm64asm.R20},
	{arm64asm.R21, arm64asm.R22},
	{arm64asm.R23, arm64asm.R24},
	{arm64asm.R25, arm64asm.R26},
	{arm64asm.R27, arm64asm.R28},
	{arm64asm.R29, arm64asm.LR},
}

// reentryFlagFrameSize is the extra 16-byte slot the entry wrapper reserves
// below the saved registers to remember, across the Wasm call it's about
// to make, whether it was the one that established the trap re-entry
// context (see emitTrapReentryEnter's doc comment) — needed so the
// matching exit step only tears it down when this frame actually owns it.
const reentryFlagFrameSize = int64(16)

func (m *ModuleInfo) saveNonVolatileRegs() {
	asm := m.Asm
	for _, p := range nonVolatilePairs {
		asm.Instr(arm64asm.TmplSTPpre64).SetT1(p[0]).SetT2(p[1]).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()
	}
}

func (m *ModuleInfo) restoreNonVolatileRegs() {
	asm := m.Asm
	for i := len(nonVolatilePairs) - 1; i >= 0; i-- {
		p := nonVolatilePairs[i]
		asm.Instr(arm64asm.TmplLDPpost64).SetT1(p[0]).SetT2(p[1]).SetN(arm64asm.SP).SetSImm7ls3(16).Emit()
	}
}

// emitTrapReentryEnter implements the "only if this is the first entry"
// half of spec.md §4.6.15's trap re-entry setup: JobTrapReentrySP doubles
// as its own presence flag (a real SP is never the zero value), so a
// reentrant call — Wasm calling an import that calls back into Wasm before
// the outer call has returned — finds it already set and leaves it alone.
// Only the outermost entry actually captures its SP here, and only that
// same frame clears it again on the way out (flagReg, preserved across the
// Wasm call in the reserved reentryFlagFrameSize slot, records which case
// this frame is in). A trap's generic handler (trapsupport.go) restores SP
// from this exact value and branches straight to the host's own trap
// handler address (JobTrapHandlerCodeAddr) — it never resumes JIT code, so
// there is no landing address to capture here, only the SP to unwind to.
func (m *ModuleInfo) emitTrapReentryEnter(flagSlotOffset int64) {
	asm := m.Asm
	probe := arm64asm.R4
	asm.Instr(arm64asm.TmplLDURimm64).SetT(probe).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTrapReentrySP).Emit()
	skip := asm.PrepareJMPIfRegIsNotZero(probe, true)

	asm.Instr(arm64asm.TmplADDimm12_64).SetD(probe).SetN(arm64asm.SP).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplSTURimm64).SetT(probe).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTrapReentrySP).Emit()
	owner := arm64asm.R6
	asm.MOVimm64(owner, 1)
	asm.Instr(arm64asm.TmplSTURimm64).SetT(owner).SetN(arm64asm.SP).SetUnscSImm9(flagSlotOffset).Emit()
	owned := asm.PrepareJMP(arm64asm.AL)

	skip.LinkToHere()
	asm.Instr(arm64asm.TmplSTURimm64).SetT(arm64asm.ZR).SetN(arm64asm.SP).SetUnscSImm9(flagSlotOffset).Emit()

	owned.LinkToHere()
}

// emitTrapReentryExit tears down what emitTrapReentryEnter set up, only if
// this frame was the owner.
func (m *ModuleInfo) emitTrapReentryExit(flagSlotOffset int64) {
	asm := m.Asm
	owner := arm64asm.R4
	asm.Instr(arm64asm.TmplLDURimm64).SetT(owner).SetN(arm64asm.SP).SetUnscSImm9(flagSlotOffset).Emit()
	skip := asm.PrepareJMPIfRegIsZero(owner, true)
	asm.Instr(arm64asm.TmplSTURimm64).SetT(arm64asm.ZR).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTrapReentrySP).Emit()
	skip.LinkToHere()
}

// EmitFunctionEntryPoint implements spec.md §4.6.15's native-ABI→Wasm-ABI
// wrapper for an exported Wasm function, emitted once per exported
// function ahead of any function body. Native parameter convention (plain
// AAPCS64, this core's own choice of argument order): X0 = pointer to the
// caller-serialised argument buffer (one 8-byte slot per Wasm parameter,
// declaration order), X1 = linear-memory base address, X2 = job-memory
// base address, X3 = pointer to the caller's return-value buffer.
func (m *ModuleInfo) EmitFunctionEntryPoint(funcIdx int32) int {
	asm := m.Asm
	entryPos := m.Buf.Len()

	paramsBuf, linMemBase, jobMemBase, returnsBuf := arm64asm.R0, arm64asm.R1, arm64asm.R2, arm64asm.R3
	asm.Instr(arm64asm.TmplORR64).SetD(arm64asm.R9).SetN(arm64asm.ZR).SetM(paramsBuf).Emit()
	asm.Instr(arm64asm.TmplORR64).SetD(arm64asm.R10).SetN(arm64asm.ZR).SetM(returnsBuf).Emit()
	paramsBuf, returnsBuf = arm64asm.R9, arm64asm.R10

	m.saveNonVolatileRegs()
	asm.AddImm24ToReg(arm64asm.SP, -reentryFlagFrameSize, true, arm64asm.NONE)
	flagSlot := int64(0)

	asm.Instr(arm64asm.TmplORR64).SetD(arm64asm.LinMemReg).SetN(arm64asm.ZR).SetM(linMemBase).Emit()
	asm.Instr(arm64asm.TmplORR64).SetD(arm64asm.JobMemReg).SetN(arm64asm.ZR).SetM(jobMemBase).Emit()
	if m.Config.LinearMemoryBoundsChecks {
		asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.MemSizeReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
		asm.Instr(arm64asm.TmplSUBimm12_64).SetD(arm64asm.MemSizeReg).SetN(arm64asm.MemSizeReg).SetImm12zx(8).Emit()
	}
	m.loadGlobalsFromLinkData()

	m.emitTrapReentryEnter(flagSlot)

	link := &m.Funcs[funcIdx]
	dests := paramStorages(m, link.Sig)
	overflow := overflowParamWidth(dests)
	if overflow > 0 {
		aligned := arm64asm.AlignStackFrameSize(uint64(overflow), 0)
		overflow = int64(aligned)
		asm.AddImm24ToReg(arm64asm.SP, -overflow, true, arm64asm.NONE)
	}
	for i, d := range dests {
		m.loadEntryArgInto(d, paramsBuf, int64(i*8))
	}
	// EmitFunctionEntryPoint runs with no FunctionInfo/register-allocator
	// context (it is emitted once per export, ahead of any function body),
	// so it cannot use Services.pushStackTraceFrame's ReqScratchReg-based
	// scratch pick; R12-R14 are free here regardless (paramsBuf/returnsBuf
	// live in R9/R10, and dests are already fully copied out by this point).
	emitPushStackTraceFrame(asm, funcIdx, arm64asm.R12, arm64asm.R13, arm64asm.R14)
	m.callTarget(funcIdx)
	emitPopStackTraceFrame(asm, arm64asm.R12)
	if overflow > 0 {
		asm.AddImm24ToReg(arm64asm.SP, overflow, true, arm64asm.NONE)
	}

	if dest, ok := returnStorage(link.Sig); ok {
		asm.Instr(storeTemplate(dest.Type.Is64(), dest.Type.IsFloat())).SetT(dest.Reg).SetN(returnsBuf).SetUnscSImm9(0).Emit()
	}

	// Reached only on an ordinary return: a trap instead branches straight
	// from the generic trap handler to JobTrapHandlerCodeAddr after
	// restoring SP from JobTrapReentrySP (trapsupport.go), bypassing this
	// wrapper's own epilogue entirely — the host's handler, not this
	// function, is what eventually unwinds the native call stack.
	m.emitTrapReentryExit(flagSlot)
	m.spillGlobalsToLinkData()

	asm.AddImm24ToReg(arm64asm.SP, reentryFlagFrameSize, true, arm64asm.NONE)
	m.restoreNonVolatileRegs()
	asm.Instr(arm64asm.TmplRET).SetN(arm64asm.LR).Emit()

	return entryPos
}

// loadEntryArgInto materialises one argument out of the native params
// buffer at paramsBuf+byteOffset into d, whichever kind of storage d names
// (a direct register, or the stack-memory slot the about-to-be-called
// function expects at this exact SP).
func (m *ModuleInfo) loadEntryArgInto(d VariableStorage, paramsBuf arm64asm.Reg, byteOffset int64) {
	asm := m.Asm
	if d.Kind == StorageRegister {
		asm.Instr(loadTemplate(d.Type.Is64(), d.Type.IsFloat())).SetT(d.Reg).SetN(paramsBuf).SetUnscSImm9(byteOffset).Emit()
		return
	}
	tmp := arm64asm.R11
	if d.Type.IsFloat() {
		tmp = arm64asm.V29
	}
	asm.Instr(loadTemplate(d.Type.Is64(), d.Type.IsFloat())).SetT(tmp).SetN(paramsBuf).SetUnscSImm9(byteOffset).Emit()
	asm.Instr(storeTemplate(d.Type.Is64(), d.Type.IsFloat())).SetT(tmp).SetN(arm64asm.SP).SetUnscSImm9(d.Offset).Emit()
}

// EmitWasmToNativeAdapter implements spec.md §4.6.15's inverse wrapper,
// emitted once per imported function: converts a Wasm-ABI call (this
// core's own internal calling convention) into a native-ABI call to the
// import target. funcIdx's FuncLink.Import selects the shape: ImportV1
// rebuilds plain AAPCS64 registers in place via RegisterCopyResolver;
// ImportV2 serialises params/returns through stack buffers and passes
// (params_ptr, returns_ptr, ctx_ptr) to the import. This is a standalone
// out-of-line trampoline call.go's execDirectFncCall/execIndirectWasmCall
// branch into by address (ImportAddr) rather than code they inline
// themselves, so an import's native register conventions never have to be
// reproduced at every call site.
func (m *ModuleInfo) EmitWasmToNativeAdapter(funcIdx int32) int {
	link := &m.Funcs[funcIdx]
	pos := m.Buf.Len()
	asm := m.Asm

	wasmDests := paramStorages(m, link.Sig)

	if link.Import == ImportV2 {
		m.emitV2AdapterBody(link, wasmDests)
		return pos
	}

	// ImportV1 targets beyond the 8 native parameter registers per class are
	// not supported: the Wasm-side stack slot and the native ABI's own
	// stack-argument area use unrelated offsets, and no import in this
	// core's own test surface needs more than 8 int/float params (see
	// DESIGN.md). Only the register-to-register moves are resolved here.
	nativeDests := nativeParamStorages(link.Sig)
	var resolver RegisterCopyResolver
	for i := range link.Sig.Params {
		src := wasmDests[i]
		dst := nativeDests[i]
		if src.Kind != StorageRegister || dst.Kind != StorageRegister {
			continue
		}
		resolver.Add(dst.Reg, src.Reg, dst.Type.IsFloat())
	}
	resolver.Resolve(
		func(dest, src arm64asm.Reg, isFloat bool) {
			t := mtype.I64
			if isFloat {
				t = mtype.F64
				// FMOV (register) takes its source in Rn.
				asm.Instr(pickMoveTemplate(t.Is64(), isFloat)).SetD(dest).SetN(src).Emit()
				return
			}
			asm.Instr(pickMoveTemplate(t.Is64(), isFloat)).SetD(dest).SetN(arm64asm.ZR).SetM(src).Emit()
		},
		func(a, b arm64asm.Reg, isFloat bool) { m.emitRegisterSwap(a, b, isFloat) },
	)

	target := arm64asm.R9
	asm.MOVimm64(target, uint64(link.ImportAddr))
	asm.Instr(arm64asm.TmplBLR).SetN(target).Emit()

	if dest, ok := returnStorage(link.Sig); ok && dest.Reg != arm64asm.NativeReturnReg && dest.Reg != arm64asm.WasmReturnFPR {
		asm.Instr(pickMoveTemplate(dest.Type.Is64(), dest.Type.IsFloat())).SetD(dest.Reg).SetN(arm64asm.ZR).SetM(arm64asm.NativeReturnReg).Emit()
	}
	asm.Instr(arm64asm.TmplRET).SetN(arm64asm.LR).Emit()
	return pos
}

func pickMoveTemplate(is64, isFloat bool) arm64asm.Template {
	if isFloat {
		if is64 {
			return arm64asm.TmplFMOVreg64
		}
		return arm64asm.TmplFMOVreg32
	}
	if is64 {
		return arm64asm.TmplORR64
	}
	return arm64asm.TmplORR32
}

// emitV2AdapterBody serialises every Wasm-ABI-resident argument into a
// stack buffer, passes (paramsPtr, returnsPtr, ctxPtr) to the import in
// X0-X2, then scatters the (single) result back into its Wasm-ABI
// position.
func (m *ModuleInfo) emitV2AdapterBody(link *FuncLink, wasmDests []VariableStorage) {
	asm := m.Asm
	paramBufWidth := int64(8 * len(link.Sig.Params))
	resultBufWidth := int64(8 * len(link.Sig.Results))
	total := arm64asm.AlignStackFrameSize(uint64(paramBufWidth+resultBufWidth), 0)
	asm.AddImm24ToReg(arm64asm.SP, -int64(total), true, arm64asm.NONE)

	for i, src := range wasmDests {
		tmp := arm64asm.R9
		if src.Type.IsFloat() {
			tmp = arm64asm.V29
		}
		if src.Kind == StorageRegister {
			asm.Instr(storeTemplate(src.Type.Is64(), src.Type.IsFloat())).SetT(src.Reg).SetN(arm64asm.SP).SetUnscSImm9(int64(i * 8)).Emit()
			continue
		}
		asm.Instr(loadTemplate(src.Type.Is64(), src.Type.IsFloat())).SetT(tmp).SetN(arm64asm.SP).SetUnscSImm9(int64(total) + src.Offset).Emit()
		asm.Instr(storeTemplate(src.Type.Is64(), src.Type.IsFloat())).SetT(tmp).SetN(arm64asm.SP).SetUnscSImm9(int64(i * 8)).Emit()
	}

	paramsPtr, returnsPtr, ctxPtr := arm64asm.R0, arm64asm.R1, arm64asm.R2
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(paramsPtr).SetN(arm64asm.SP).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(returnsPtr).SetN(arm64asm.SP).SetImm12zx(uint64(paramBufWidth)).Emit()
	asm.Instr(arm64asm.TmplLDURimm64).SetT(ctxPtr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobBinaryModuleBase).Emit()

	target := arm64asm.R9
	asm.Instr(arm64asm.TmplLDURimm64).SetT(target).SetN(arm64asm.JobMemReg).SetUnscSImm9(link.ImportAddr).Emit()
	asm.Instr(arm64asm.TmplBLR).SetN(target).Emit()

	if dest, ok := returnStorage(link.Sig); ok {
		if dest.Kind == StorageRegister {
			asm.Instr(loadTemplate(dest.Type.Is64(), dest.Type.IsFloat())).SetT(dest.Reg).SetN(arm64asm.SP).SetUnscSImm9(paramBufWidth).Emit()
		}
	}
	asm.AddImm24ToReg(arm64asm.SP, int64(total), true, arm64asm.NONE)
	asm.Instr(arm64asm.TmplRET).SetN(arm64asm.LR).Emit()
}

// EnterFunction implements spec.md §4.6.1's enteredFunction: patches this
// function's pending forward-call chain to its now-known start offset,
// establishes the real stack frame (probe, then move SP), caches the
// linear-memory byte size if bounds checks are on, patches the most
// recent stack-trace record's function index (the placeholder an indirect
// call site writes when it can't know its target statically — see
// call.go's unknownStackTraceFuncIdx), and in debug mode zero-initialises
// every stack-resident local.
func (s *Services) EnterFunction() {
	f := s.Fn
	m := s.Mod
	asm := m.Asm

	f.startOffset = m.Buf.Len()
	m.FinalizeBranch(f.Index, f.startOffset)

	full := arm64asm.AlignStackFrameSize(f.ParamWidth+f.DirectLocalsWidth+128, f.ParamWidth)
	// windowsStyle=true here regardless of Config.ApplePlatform/host OS: it's
	// the ProbeStack variant documented to leave SP untouched (scratch1 is
	// the probing cursor instead), so the touch-every-guard-page walk and
	// the actual single SP move below (SetStackFrameSize) stay cleanly
	// separate, matching spec.md's "probes the stack for that delta, moves
	// SP" as two distinct steps.
	asm.ProbeStack(full, arm64asm.R9, arm64asm.R10, true)
	asm.SetStackFrameSize(0, full, false, f.ParamWidth, true)
	f.StackFrameSize = full

	if m.Config.LinearMemoryBoundsChecks {
		asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.MemSizeReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
		asm.Instr(arm64asm.TmplSUBimm12_64).SetD(arm64asm.MemSizeReg).SetN(arm64asm.MemSizeReg).SetImm12zx(8).Emit()
	}

	frameReg := arm64asm.R9
	asm.Instr(arm64asm.TmplLDURimm64).SetT(frameReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLastFrameRefPtr).Emit()
	idxReg := arm64asm.R10
	asm.MOVimm32(idxReg, uint32(f.Index))
	asm.Instr(arm64asm.TmplSTURimm32).SetT(idxReg).SetN(frameReg).SetUnscSImm9(0).Emit()

	if m.Config.DebugMode {
		for _, l := range f.Locals {
			// Params are already populated by the caller's own argument
			// copy immediately before this call; only genuine (non-param)
			// locals start undefined and need zeroing.
			if l.IsParam || l.Storage.Kind != StorageStackMemory {
				continue
			}
			asm.Instr(storeTemplate(l.Type.Is64(), l.Type.IsFloat())).SetT(arm64asm.ZR).SetN(arm64asm.SP).SetUnscSImm9(l.Storage.Offset).Emit()
		}
	}
}
