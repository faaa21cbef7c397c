package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// Table memory layout (this core's own design, shared with call.go's
// execIndirectWasmCall): a tableHeaderSize-byte header the host
// initialises at link time and table.grow updates, followed by one
// tableEntrySize-byte entry per slot up to the table's fixed allocation
// capacity. table.JobMemBaseAddr (moduleinfo.go) is a job-memory offset
// holding a *pointer* to this whole host-allocated region, mirroring
// JobLinkedMemoryPtr's indirection for linear memory.
const (
	tableSizeFieldOffset     = int64(0) // u32: live element count
	tableCapacityFieldOffset = int64(4) // u32: allocated slot capacity, fixed at link time
	tableHeaderSize          = int64(16)
	tableEntrySize           = int64(16)
	tableEntriesOffset       = tableHeaderSize
)

// tableBuiltinOpcode selects which operation the shared host helper at
// JobTableHelperPtr performs — this core's own ABI with that helper, not a
// Wasm-standard value. table.size needs no host help (emitTableSize reads
// the live-count header field directly), so it has no opcode here.
type tableBuiltinOpcode uint32

const (
	tableOpGrow tableBuiltinOpcode = iota
	tableOpFill
	tableOpCopy
)

// tableBuiltinArgRegs are the fixed native integer argument registers
// table.go's host dispatch uses, R0 reserved for the opcode. R1-R5 can
// still hold live ReqScratchReg-allocated values at the point
// emitTableBuiltinDispatch runs; safety comes from ordering, not from the
// registers being off-limits to the allocator — see emitTableBuiltinDispatch.
var tableBuiltinArgRegs = []arm64asm.Reg{arm64asm.R1, arm64asm.R2, arm64asm.R3, arm64asm.R4, arm64asm.R5}

// loadTableHeaderPtr loads tableIndex's table-region pointer into dst.
func (s *Services) loadTableHeaderPtr(tableIndex int32, dst arm64asm.Reg) {
	table := s.Mod.Tables[tableIndex]
	s.Mod.Asm.Instr(arm64asm.TmplLDURimm64).SetT(dst).SetN(arm64asm.JobMemReg).SetUnscSImm9(table.JobMemBaseAddr).Emit()
}

// ExecuteTableSize implements table.size ([EXPANSION] spec.md §4.6.16): a
// direct, host-call-free read of the table's live element count, the same
// shape as ExecuteGetMemSize for memory.size.
func (s *Services) ExecuteTableSize(tableIndex int32) StackIter {
	protRegs := arm64asm.NoRegs
	header := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	s.loadTableHeaderPtr(tableIndex, header)

	asm := s.Mod.Asm
	dst := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLDURimm32).SetT(dst).SetN(header).SetUnscSImm9(tableSizeFieldOffset).Emit()
	return s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, dst)})
}

// emitTableBuiltinDispatch resolves srcs into the fixed native argument
// registers tableBuiltinArgRegs via RegisterCopyResolver — the same
// parallel-move resolver call.go's condenseArgsInto and
// EmitWasmToNativeAdapter use for the identical "move a set of live
// registers into a fixed target set that may alias" problem — sets R0 to
// opcode, then dispatches through the landing pad (spec.md §4.6.13), the
// same out-of-line host-call choke point memory.grow uses. The caller is
// responsible for SpillAllVariables() beforehand: every table builtin here
// can invalidate cached table state the same way memory.grow invalidates
// cached linear-memory state.
func (s *Services) emitTableBuiltinDispatch(opcode tableBuiltinOpcode, srcs []arm64asm.Reg) {
	asm := s.Mod.Asm

	var resolver RegisterCopyResolver
	for i, src := range srcs {
		resolver.Add(tableBuiltinArgRegs[i], src, false)
	}
	resolver.Resolve(
		func(dest, src arm64asm.Reg, isFloat bool) {
			asm.Instr(arm64asm.TmplORR64).SetD(dest).SetN(arm64asm.ZR).SetM(src).Emit()
		},
		func(a, b arm64asm.Reg, isFloat bool) { s.emitRegisterSwap(a, b, isFloat) },
	)
	asm.MOVimm32(arm64asm.R0, uint32(opcode))

	// R9/R10 below are live scratch candidates as far as ReqScratchReg is
	// concerned, so this is only safe because resolver.Resolve() has, by
	// this point, already read every src wherever it lived and copied it
	// into its R1-R5 target: whatever ReqScratchReg handed the caller for
	// srcs has no remaining use once Resolve() returns, so clobbering R9/R10
	// here can't step on a value anything downstream still needs.
	helper := arm64asm.R9
	asm.Instr(arm64asm.TmplLDURimm64).SetT(helper).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobTableHelperPtr).Emit()
	asm.Instr(arm64asm.TmplSTURimm64).SetT(helper).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLandingPadTarget).Emit()

	resumeAddr := arm64asm.R10
	adr := asm.PrepareADR(resumeAddr)
	asm.Instr(arm64asm.TmplSTURimm64).SetT(resumeAddr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLandingPadRet).Emit()

	pos := s.Mod.Buf.Len()
	asm.Instr(arm64asm.TmplB).Emit()
	arm64asm.NewRelPatchObj(s.Mod.Buf, pos, arm64asm.BranchImm26).LinkToBinaryPos(s.Mod.LandingPadPos)
	adr.LinkToBinaryPos(s.Mod.Buf.Len()) // resume point: the landing pad BRs back here

	s.restoreMemoryRegisters()
}

// ExecuteTableGrow implements table.grow ([EXPANSION] spec.md §4.6.16):
// grows tableIndex's table by delta elements, each newly added slot
// initialised to initValue (this core's opaque i32 funcref-id model, see
// TableInfo.ElemType's doc comment), returning the table's prior size, or
// -1 if growing by that much would exceed the table's fixed allocation
// capacity. Unlike table.fill/copy, an out-of-capacity grow does not trap
// (real Wasm table.grow semantics): the host helper's raw result is pushed
// as-is, since a failure sentinel (-1) and a genuine old-size value share
// no encoding ambiguity with a real table's bounded size range.
func (s *Services) ExecuteTableGrow(tableIndex int32, initValueOperand, deltaOperand StackIter) StackIter {
	s.SpillAllVariables()
	protRegs := arm64asm.NoRegs

	header := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	s.loadTableHeaderPtr(tableIndex, header)
	initValue, _ := s.LiftToRegInPlace(initValueOperand, false, arm64asm.NONE, &protRegs)
	delta, _ := s.LiftToRegInPlace(deltaOperand, false, arm64asm.NONE, &protRegs)

	s.emitTableBuiltinDispatch(tableOpGrow, []arm64asm.Reg{header, delta, initValue})

	freshProt := arm64asm.NoRegs
	result := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &freshProt)
	s.Mod.Asm.Instr(arm64asm.TmplORR32).SetD(result).SetN(arm64asm.ZR).SetM(arm64asm.R0).Emit()
	return s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, result)})
}

// ExecuteTableFill implements table.fill ([EXPANSION] spec.md §4.6.16):
// writes valOperand into lenOperand consecutive slots starting at
// dstOperand, trapping TrapCodeTableAccessOutOfBounds if the range runs
// past the table's live size (real Wasm table.fill semantics: unlike
// table.grow, an out-of-range fill/copy traps rather than failing
// silently).
func (s *Services) ExecuteTableFill(tableIndex int32, dstOperand, valOperand, lenOperand StackIter, bytecodePos uint32) {
	s.SpillAllVariables()
	protRegs := arm64asm.NoRegs

	header := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	s.loadTableHeaderPtr(tableIndex, header)
	dst, _ := s.LiftToRegInPlace(dstOperand, false, arm64asm.NONE, &protRegs)
	val, _ := s.LiftToRegInPlace(valOperand, false, arm64asm.NONE, &protRegs)
	n, _ := s.LiftToRegInPlace(lenOperand, false, arm64asm.NONE, &protRegs)

	s.emitTableBuiltinDispatch(tableOpFill, []arm64asm.Reg{header, dst, n, val})

	asm := s.Mod.Asm
	sentinel := arm64asm.R9
	asm.MOVimm32(sentinel, 0xFFFFFFFF)
	asm.Instr(arm64asm.TmplSUBS32).SetD(arm64asm.ZR).SetN(arm64asm.R0).SetM(sentinel).Emit()
	asm.CTRAP(TrapCodeTableAccessOutOfBounds, arm64asm.EQ, bytecodePos)
}

// ExecuteTableCopy implements table.copy ([EXPANSION] spec.md §4.6.16):
// copies lenOperand elements from srcTableIndex starting at srcOperand
// into dstTableIndex starting at dstOperand. Both tables' header pointers
// are loaded independently (they may be the same table, in which case the
// host helper is responsible for the same overlap-safe direction choice
// ExecuteLinearMemoryCopy makes locally for memory.copy); bounds failure
// traps the same way table.fill's does.
func (s *Services) ExecuteTableCopy(dstTableIndex, srcTableIndex int32, dstOperand, srcOperand, lenOperand StackIter, bytecodePos uint32) {
	s.SpillAllVariables()
	protRegs := arm64asm.NoRegs

	dstHeader := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	s.loadTableHeaderPtr(dstTableIndex, dstHeader)
	srcHeader := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	s.loadTableHeaderPtr(srcTableIndex, srcHeader)
	dst, _ := s.LiftToRegInPlace(dstOperand, false, arm64asm.NONE, &protRegs)
	src, _ := s.LiftToRegInPlace(srcOperand, false, arm64asm.NONE, &protRegs)
	n, _ := s.LiftToRegInPlace(lenOperand, false, arm64asm.NONE, &protRegs)

	s.emitTableBuiltinDispatch(tableOpCopy, []arm64asm.Reg{dstHeader, srcHeader, dst, src, n})

	asm := s.Mod.Asm
	sentinel := arm64asm.R9
	asm.MOVimm32(sentinel, 0xFFFFFFFF)
	asm.Instr(arm64asm.TmplSUBS32).SetD(arm64asm.ZR).SetN(arm64asm.R0).SetM(sentinel).Emit()
	asm.CTRAP(TrapCodeTableAccessOutOfBounds, arm64asm.EQ, bytecodePos)
}
