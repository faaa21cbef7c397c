package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// computeEffectiveAddress lifts addrOperand (Wasm's i32 linear-memory index
// operand) into a fresh 64-bit GPR holding LinMemReg + zero-extended(addr) +
// offset (spec.md §4.6.8). The i32 index is used directly via its 64-bit
// register view: every write to a 32-bit scratch register already clears
// the upper 32 bits of its 64-bit view, so no explicit zero-extend
// instruction is needed before the ADD.
func (s *Services) computeEffectiveAddress(addrOperand StackIter, offset uint32, protRegs *arm64asm.RegMask) arm64asm.Reg {
	asm := s.Mod.Asm
	idxReg, _ := s.LiftToRegInPlace(addrOperand, false, arm64asm.NONE, protRegs)
	eff := s.ReqScratchReg(mtype.I64, arm64asm.NONE, protRegs)
	asm.Instr(arm64asm.TmplADD64).SetD(eff).SetN(arm64asm.LinMemReg).SetM(idxReg).Emit()
	if offset == 0 {
		return eff
	}
	if offset <= 1<<24-1 {
		asm.AddImm24ToReg(eff, int64(offset), true, arm64asm.NONE)
		return eff
	}
	asm.AddImmToReg(eff, int64(offset), true, *protRegs, arm64asm.NONE, func(pr arm64asm.RegMask) arm64asm.Reg {
		return s.ReqScratchReg(mtype.I64, arm64asm.NONE, &pr)
	})
	return eff
}

// emitBoundsCheckCall spills LR (and limitReg, sharing its stack slot)
// around a BL into the extension-request trampoline, passing limitReg's
// value (the address-plus-size that might run past linear memory) in R0,
// its param register (spec.md §4.6.14). The trampoline either returns
// (limitReg was in range, or memory was just grown enough to cover it) or
// traps and never returns.
func (s *Services) emitBoundsCheckCall(limitReg arm64asm.Reg) {
	asm := s.Mod.Asm
	asm.Instr(arm64asm.TmplSTPpre64).SetT1(arm64asm.LR).SetT2(limitReg).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()
	if limitReg != arm64asm.R0 {
		asm.Instr(arm64asm.TmplORR64).SetD(arm64asm.R0).SetN(arm64asm.ZR).SetM(limitReg).Emit()
	}
	pos := s.Mod.Buf.Len()
	asm.Instr(arm64asm.TmplBL).Emit()
	arm64asm.NewRelPatchObj(s.Mod.Buf, pos, arm64asm.BranchImm26).LinkToBinaryPos(s.Mod.ExtensionTrampolinePos)
	asm.Instr(arm64asm.TmplLDPpost64).SetT1(arm64asm.LR).SetT2(limitReg).SetN(arm64asm.SP).SetSImm7ls3(16).Emit()
}

// emitLinMemBoundsCheck implements spec.md §4.6.14 for a fixed-width
// access: when an access of objSize bytes (<= 8) starting at addrReg would
// run past the linear memory's cached size, it calls the extension-request
// trampoline (not a direct trap: the trampoline may resolve a stale cache
// or a recoverable short-grow and return normally). MemSizeReg caches (byte
// size - 8) precisely so the fast check never needs a wrapping add: addrReg
// - (8 - objSize), compared unsigned against MemSizeReg, is equivalent to
// addrReg+objSize > byteSize without ever materialising a sum that could
// wrap.
// bytecodePos is accepted for interface symmetry with the rest of the
// Execute* family but unused here: the shared extension-request trampoline
// is called from many sites and has no per-site bytecode position to
// report, so any trap it raises carries position 0.
func (s *Services) emitLinMemBoundsCheck(addrReg arm64asm.Reg, objSize int64, bytecodePos uint32, protRegs *arm64asm.RegMask) {
	if !s.Mod.Config.LinearMemoryBoundsChecks {
		return
	}
	asm := s.Mod.Asm
	limitReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, protRegs)
	asm.Instr(arm64asm.TmplSUBimm12_64).SetD(limitReg).SetN(addrReg).SetImm12zx(uint64(8 - objSize)).Emit()
	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(limitReg).SetM(arm64asm.MemSizeReg).Emit()
	skip := asm.PrepareJMP(arm64asm.LS)
	// limitReg currently holds addrReg-(8-objSize); the trampoline wants the
	// true addrReg+objSize limit, so undo the bias before the call.
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(limitReg).SetN(limitReg).SetImm12zx(8).Emit()
	s.emitBoundsCheckCall(limitReg)
	skip.LinkToHere()
}

// emitLinMemRangeCheck is emitLinMemBoundsCheck's counterpart for a
// runtime-valued length (memory.copy/memory.fill's length operand):
// lenReg can't be folded into MemSizeReg's size-minus-8 encoding, so the
// actual addrReg+lenReg limit is computed directly and handed to the same
// extension-request trampoline.
func (s *Services) emitLinMemRangeCheck(addrReg, lenReg arm64asm.Reg, bytecodePos uint32, protRegs *arm64asm.RegMask) {
	if !s.Mod.Config.LinearMemoryBoundsChecks {
		return
	}
	asm := s.Mod.Asm
	limitReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, protRegs)
	asm.Instr(arm64asm.TmplADD64).SetD(limitReg).SetN(addrReg).SetM(lenReg).Emit()
	actualReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, protRegs)
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(actualReg).SetN(arm64asm.MemSizeReg).SetImm12zx(8).Emit()
	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(limitReg).SetM(actualReg).Emit()
	skip := asm.PrepareJMP(arm64asm.LS)
	s.emitBoundsCheckCall(limitReg)
	skip.LinkToHere()
}

// memLoadTemplate picks the integer load encoding for width bytes (1, 2, or
// 4; width == 8 is handled by the caller without consulting this table).
// signed only matters for an extending load (width < the destination's own
// size); is64 selects the X-register-writing form so the sign extension
// reaches the full 64-bit value for i64 results.
func memLoadTemplate(width int, signed, is64 bool) arm64asm.Template {
	switch width {
	case 1:
		switch {
		case !signed:
			return arm64asm.TmplLDRB
		case is64:
			return arm64asm.TmplLDRSB64
		default:
			return arm64asm.TmplLDRSB32
		}
	case 2:
		switch {
		case !signed:
			return arm64asm.TmplLDRH
		case is64:
			return arm64asm.TmplLDRSH64
		default:
			return arm64asm.TmplLDRSH32
		}
	default: // 4
		if is64 && signed {
			return arm64asm.TmplLDRSW
		}
		// i32.load, and i64.load32_u (writing the W form already zero-extends
		// the X view of the same physical register).
		return arm64asm.TmplLDRimm32
	}
}

func memStoreTemplate(width int) arm64asm.Template {
	switch width {
	case 1:
		return arm64asm.TmplSTRB
	case 2:
		return arm64asm.TmplSTRH
	default:
		return arm64asm.TmplSTRimm32
	}
}

// ExecuteLinearMemoryLoad implements the {i32,i64,f32,f64}.load{,8,16,32}{_s,_u}
// family (spec.md §4.6.8). width is the number of bytes actually read from
// memory (1, 2, 4, or 8); resultType is the Wasm value type the load
// produces; signed only matters for an extending integer load (width less
// than resultType's own size).
func (s *Services) ExecuteLinearMemoryLoad(addrOperand StackIter, offset uint32, width int, signed bool, resultType mtype.Type, bytecodePos uint32) StackIter {
	protRegs := arm64asm.NoRegs
	eff := s.computeEffectiveAddress(addrOperand, offset, &protRegs)
	s.emitLinMemBoundsCheck(eff, int64(width), bytecodePos, &protRegs)

	asm := s.Mod.Asm
	dst := s.ReqScratchReg(resultType, arm64asm.NONE, &protRegs)
	if resultType.IsFloat() {
		tmpl := arm64asm.TmplLDURFimm32
		if resultType.Is64() {
			tmpl = arm64asm.TmplLDURFimm64
		}
		asm.Instr(tmpl).SetT(dst).SetN(eff).SetUnscSImm9(0).Emit()
	} else if width == 8 {
		asm.Instr(arm64asm.TmplLDRimm64).SetT(dst).SetN(eff).SetImm12zx(0).Emit()
	} else {
		asm.Instr(memLoadTemplate(width, signed, resultType.Is64())).SetT(dst).SetN(eff).SetImm12zx(0).Emit()
	}

	return s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: resultType, Storage: RegStorage(resultType, dst)})
}

// ExecuteLinearMemoryStore implements the {i32,i64,f32,f64}.store{8,16,32}
// family (spec.md §4.6.8). width is the number of bytes actually written;
// the value operand's own type (read off the stack) decides integer vs
// float addressing, and a narrowing integer store (width less than the
// value's own size) needs no explicit truncation — the narrower store
// encoding only transfers its low bytes.
func (s *Services) ExecuteLinearMemoryStore(addrOperand, valueOperand StackIter, offset uint32, width int, bytecodePos uint32) {
	protRegs := arm64asm.NoRegs
	eff := s.computeEffectiveAddress(addrOperand, offset, &protRegs)
	s.emitLinMemBoundsCheck(eff, int64(width), bytecodePos, &protRegs)

	valType := s.Stack.Get(valueOperand).Type
	src, _ := s.LiftToRegInPlace(valueOperand, false, arm64asm.NONE, &protRegs)

	asm := s.Mod.Asm
	switch {
	case valType.IsFloat():
		tmpl := arm64asm.TmplSTURFimm32
		if valType.Is64() {
			tmpl = arm64asm.TmplSTURFimm64
		}
		asm.Instr(tmpl).SetT(src).SetN(eff).SetUnscSImm9(0).Emit()
	case width == 8:
		asm.Instr(arm64asm.TmplSTRimm64).SetT(src).SetN(eff).SetImm12zx(0).Emit()
	default:
		asm.Instr(memStoreTemplate(width)).SetT(src).SetN(eff).SetImm12zx(0).Emit()
	}
}

// emitCopyLoop is the byte-at-a-time workhorse behind ExecuteLinearMemoryCopy:
// it walks n bytes from srcAddr to dstAddr, forward if !reverse, or
// backward (starting from the one-past-the-end address) if reverse. A
// wider LDP/STP-doubled loop is possible here but deliberately not
// attempted: see DESIGN.md's note on this simplification.
func (s *Services) emitCopyLoop(dstAddr, srcAddr, n arm64asm.Reg, reverse bool, protRegs *arm64asm.RegMask) {
	asm := s.Mod.Asm
	if reverse {
		asm.Instr(arm64asm.TmplADD64).SetD(dstAddr).SetN(dstAddr).SetM(n).Emit()
		asm.Instr(arm64asm.TmplADD64).SetD(srcAddr).SetN(srcAddr).SetM(n).Emit()
	}
	tmp := s.ReqScratchReg(mtype.I32, arm64asm.NONE, protRegs)

	loopStart := s.Mod.Buf.Len()
	exit := asm.PrepareJMPIfRegIsZero(n, true)

	if reverse {
		asm.Instr(arm64asm.TmplSUBimm12_64).SetD(dstAddr).SetN(dstAddr).SetImm12zx(1).Emit()
		asm.Instr(arm64asm.TmplSUBimm12_64).SetD(srcAddr).SetN(srcAddr).SetImm12zx(1).Emit()
		asm.Instr(arm64asm.TmplLDRB).SetT(tmp).SetN(srcAddr).SetImm12zx(0).Emit()
		asm.Instr(arm64asm.TmplSTRB).SetT(tmp).SetN(dstAddr).SetImm12zx(0).Emit()
	} else {
		asm.Instr(arm64asm.TmplLDRB).SetT(tmp).SetN(srcAddr).SetImm12zx(0).Emit()
		asm.Instr(arm64asm.TmplSTRB).SetT(tmp).SetN(dstAddr).SetImm12zx(0).Emit()
		asm.Instr(arm64asm.TmplADDimm12_64).SetD(dstAddr).SetN(dstAddr).SetImm12zx(1).Emit()
		asm.Instr(arm64asm.TmplADDimm12_64).SetD(srcAddr).SetN(srcAddr).SetImm12zx(1).Emit()
	}
	asm.Instr(arm64asm.TmplSUBimm12_64).SetD(n).SetN(n).SetImm12zx(1).Emit()
	asm.PrepareJMP(arm64asm.AL).LinkToBinaryPos(loopStart)
	exit.LinkToHere()
}

// ExecuteLinearMemoryCopy implements memory.copy (spec.md §4.6.8): dst, src,
// and n are all i32 operands, in Wasm's (dst, src, n) operand order. Since
// the two ranges may overlap, the direction mirrors a standard memmove: if
// dst lies strictly after src, the copy runs back-to-front so the
// not-yet-read tail of src is never clobbered by an earlier store to dst.
func (s *Services) ExecuteLinearMemoryCopy(dstOperand, srcOperand, lenOperand StackIter, bytecodePos uint32) {
	protRegs := arm64asm.NoRegs
	asm := s.Mod.Asm

	dstIdx, _ := s.LiftToRegInPlace(dstOperand, false, arm64asm.NONE, &protRegs)
	srcIdx, _ := s.LiftToRegInPlace(srcOperand, false, arm64asm.NONE, &protRegs)
	lenReg, _ := s.LiftToRegInPlace(lenOperand, false, arm64asm.NONE, &protRegs)

	dstAddr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	srcAddr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplADD64).SetD(dstAddr).SetN(arm64asm.LinMemReg).SetM(dstIdx).Emit()
	asm.Instr(arm64asm.TmplADD64).SetD(srcAddr).SetN(arm64asm.LinMemReg).SetM(srcIdx).Emit()

	n := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplORR32).SetD(n).SetN(arm64asm.ZR).SetM(lenReg).Emit()

	s.emitLinMemRangeCheck(dstAddr, n, bytecodePos, &protRegs)
	s.emitLinMemRangeCheck(srcAddr, n, bytecodePos, &protRegs)

	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(dstAddr).SetM(srcAddr).Emit()
	goBackward := asm.PrepareJMP(arm64asm.HI)
	s.emitCopyLoop(dstAddr, srcAddr, n, false, &protRegs)
	done := asm.PrepareJMP(arm64asm.AL)
	goBackward.LinkToHere()
	s.emitCopyLoop(dstAddr, srcAddr, n, true, &protRegs)
	done.LinkToHere()
}

// ExecuteLinearMemoryFill implements memory.fill (spec.md §4.6.8): dst and n
// are i32 operands, val is the i32 byte value to repeat (only its low byte
// is ever stored, same narrowing-store reasoning as ExecuteLinearMemoryStore).
func (s *Services) ExecuteLinearMemoryFill(dstOperand, valOperand, lenOperand StackIter, bytecodePos uint32) {
	protRegs := arm64asm.NoRegs
	asm := s.Mod.Asm

	dstIdx, _ := s.LiftToRegInPlace(dstOperand, false, arm64asm.NONE, &protRegs)
	val, _ := s.LiftToRegInPlace(valOperand, false, arm64asm.NONE, &protRegs)
	lenReg, _ := s.LiftToRegInPlace(lenOperand, false, arm64asm.NONE, &protRegs)

	dstAddr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplADD64).SetD(dstAddr).SetN(arm64asm.LinMemReg).SetM(dstIdx).Emit()

	n := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplORR32).SetD(n).SetN(arm64asm.ZR).SetM(lenReg).Emit()

	s.emitLinMemRangeCheck(dstAddr, n, bytecodePos, &protRegs)

	loopStart := s.Mod.Buf.Len()
	exit := asm.PrepareJMPIfRegIsZero(n, true)
	asm.Instr(arm64asm.TmplSTRB).SetT(val).SetN(dstAddr).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(dstAddr).SetN(dstAddr).SetImm12zx(1).Emit()
	asm.Instr(arm64asm.TmplSUBimm12_64).SetD(n).SetN(n).SetImm12zx(1).Emit()
	asm.PrepareJMP(arm64asm.AL).LinkToBinaryPos(loopStart)
	exit.LinkToHere()
}

// ExecuteGetMemSize implements memory.size (spec.md §4.6.8): pushes the
// module's current linear-memory size in Wasm pages, read straight from the
// job-memory cache the host runtime keeps current across memory.grow calls.
func (s *Services) ExecuteGetMemSize() StackIter {
	protRegs := arm64asm.NoRegs
	dst := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	s.Mod.Asm.Instr(arm64asm.TmplLDURimm32).SetT(dst).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemWasmPages).Emit()
	return s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, dst)})
}

// wasmPageShift is log2(65536), the byte-size of one Wasm linear-memory
// page.
const wasmPageShift = 16

// ExecuteMemGrow implements memory.grow (spec.md §4.6.8): delta is the
// requested page-count increase. Growing memory may reallocate the linear
// memory's backing store, so every scratch and register-resident local is
// spilled first (the same call-boundary discipline §4.6.9 uses for native
// calls) before the call reaches the host's memory-growth helper via the
// landing-pad trampoline (§4.6.13), not a direct BLR: the landing pad is
// this core's single out-of-line host-call choke point, shared with the
// extension-request trampoline's own growth path in bounds-check recovery.
//
// The shared helper's convention (this core's own ABI, not a Wasm one):
// R0 in is the requested absolute minimum linear-memory byte size; R0 out
// is the new total byte size on success, 0 if the request could not be
// granted at all, or all-ones (-1) on a hard failure. memory.grow's
// Wasm-visible result is the *old* page count on success or -1 on failure,
// so the old page count is saved across the call (on the stack, since nothing
// survives a host call uncorrupted without an explicit spill) and
// reconstructed afterward.
func (s *Services) ExecuteMemGrow(delta StackIter) StackIter {
	s.SpillAllVariables()
	asm := s.Mod.Asm

	protRegs := arm64asm.NoRegs
	deltaReg, _ := s.LiftToRegInPlace(delta, false, arm64asm.NONE, &protRegs)

	oldPages := arm64asm.R0
	asm.Instr(arm64asm.TmplLDURimm32).SetT(oldPages).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemWasmPages).Emit()
	asm.Instr(arm64asm.TmplSTPpre64).SetT1(oldPages).SetT2(arm64asm.ZR).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()

	target := arm64asm.R0
	asm.Instr(arm64asm.TmplLDURimm64).SetT(target).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
	deltaBytes := arm64asm.R1
	asm.Instr(arm64asm.TmplLSLimm64).SetD(deltaBytes).SetN(deltaReg).SetImm6x(wasmPageShift).Emit()
	asm.Instr(arm64asm.TmplADD64).SetD(target).SetN(target).SetM(deltaBytes).Emit()

	helper := arm64asm.R1
	asm.Instr(arm64asm.TmplLDURimm64).SetT(helper).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobMemoryHelperPtr).Emit()
	asm.Instr(arm64asm.TmplSTURimm64).SetT(helper).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLandingPadTarget).Emit()

	resumeAddr := arm64asm.R2
	adr := asm.PrepareADR(resumeAddr)
	asm.Instr(arm64asm.TmplSTURimm64).SetT(resumeAddr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLandingPadRet).Emit()

	pos := s.Mod.Buf.Len()
	asm.Instr(arm64asm.TmplB).Emit()
	arm64asm.NewRelPatchObj(s.Mod.Buf, pos, arm64asm.BranchImm26).LinkToBinaryPos(s.Mod.LandingPadPos)
	adr.LinkToBinaryPos(s.Mod.Buf.Len()) // resume point: the landing pad BRs back here

	// R0 still holds the helper's raw result here; stash it before the LDP
	// below overwrites R0 with the restored old page count.
	grew := arm64asm.R3
	asm.Instr(arm64asm.TmplORR64).SetD(grew).SetN(arm64asm.ZR).SetM(arm64asm.R0).Emit()

	asm.Instr(arm64asm.TmplLDPpost64).SetT1(oldPages).SetT2(arm64asm.ZR).SetN(arm64asm.SP).SetSImm7ls3(16).Emit()

	asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.LinMemReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinkedMemoryPtr).Emit()
	if s.Mod.Config.LinearMemoryBoundsChecks {
		asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.MemSizeReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
		asm.Instr(arm64asm.TmplSUBimm12_64).SetD(arm64asm.MemSizeReg).SetN(arm64asm.MemSizeReg).SetImm12zx(8).Emit()
	}

	freshProt := arm64asm.NoRegs
	result := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &freshProt)
	asm.Instr(arm64asm.TmplORR32).SetD(result).SetN(arm64asm.ZR).SetM(oldPages).Emit()

	// A legitimate new byte size is always a large positive value; 0 (could
	// not extend) and -1 (hard failure) both signed-compare <= 0, so a
	// single signed comparison distinguishes "denied" from "granted"
	// without needing to special-case the two failure codes separately.
	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(grew).SetM(arm64asm.ZR).Emit()
	succeeded := asm.PrepareJMP(arm64asm.GT)
	asm.MOVimm32(result, 0xFFFFFFFF)
	succeeded.LinkToHere()

	return s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, result)})
}
