package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// nativeIntParamRegs/nativeFloatParamRegs are the plain AAPCS64 parameter
// registers (spec.md §4.6.9's "legacy native ABI" / ImportV1 wrapper) —
// distinct from WasmParamGPRs/WasmParamFPRs, which name the params region of
// this core's own register order and are not used by any call path (see
// paramStorages for where Wasm parameters actually live). X0-X7/V0-V7 are
// standard AAPCS64, not this repo's own design, so there is no pack example
// grounding them beyond the platform ABI itself.
var nativeIntParamRegs = []arm64asm.Reg{arm64asm.R0, arm64asm.R1, arm64asm.R2, arm64asm.R3, arm64asm.R4, arm64asm.R5, arm64asm.R6, arm64asm.R7}
var nativeFloatParamRegs = []arm64asm.Reg{arm64asm.V0, arm64asm.V1, arm64asm.V2, arm64asm.V3, arm64asm.V4, arm64asm.V5, arm64asm.V6, arm64asm.V7}

// returnStorage reports the fixed register a function's single declared
// result (if any) is returned in (spec.md §3.1: at most one result, no
// multi-value). Integers return in NativeReturnReg (R0, already the native
// AAPCS64 return register, so a V1 import's native result lands exactly
// where a Wasm-internal callee's would); floats return in WasmReturnFPR
// (V0, outside fprOrder so the allocator never contends for it).
func returnStorage(sig FuncSignature) (VariableStorage, bool) {
	if len(sig.Results) == 0 {
		return InvalidStorage, false
	}
	t := sig.Results[0]
	if t.IsFloat() {
		return RegStorage(t, arm64asm.WasmReturnFPR), true
	}
	return RegStorage(t, arm64asm.NativeReturnReg), true
}

// paramStorages computes, for sig's parameters in order, exactly the
// storage funcinfo.go's allocateOneLocal/assignRegister/assignStackSlot
// would assign each one as a callee-side local, without needing the
// callee's own (possibly not-yet-constructed, for a forward call)
// FunctionInfo: register assignment only depends on the module's global
// register counts and Config.DebugMode, both already known to the caller,
// and stack-slot offsets only depend on the cumulative width of the
// params before it in declaration order — params are always the first
// locals allocated, so this reproduces the exact prefix of decisions a
// full function compile would make for them (grounded on funcinfo.go;
// see DESIGN.md's call.go entry for why this duplicates that logic rather
// than sharing it directly).
func paramStorages(m *ModuleInfo, sig FuncSignature) []VariableStorage {
	out := make([]VariableStorage, len(sig.Params))
	gprAssigned, fprAssigned := m.globalGPRCount, m.globalFPRCount
	gpr, fpr := arm64asm.GPR(), arm64asm.FPR()
	var paramWidth int64
	for i, t := range sig.Params {
		if !m.Config.DebugMode {
			if t.IsFloat() {
				if fprAssigned-m.globalFPRCount < maxLocalsInRegPerClass {
					out[i] = RegStorage(t, fpr[fprAssigned])
					fprAssigned++
					continue
				}
			} else if gprAssigned-m.globalGPRCount < maxLocalsInRegPerClass {
				out[i] = RegStorage(t, gpr[gprAssigned])
				gprAssigned++
				continue
			}
		}
		width := int64(t.Size())
		if width < 8 {
			width = 8
		}
		out[i] = StackMemStorage(t, paramWidth)
		paramWidth += width
	}
	return out
}

// overflowParamWidth sums the stack-slot width of dests' non-register
// entries, the total extra frame space a call needs to reserve below its
// own frame for arguments that don't fit the register region (spec.md
// §4.6.9 step 2's "adjusts SP for outgoing parameters").
func overflowParamWidth(dests []VariableStorage) int64 {
	var width int64
	for _, d := range dests {
		if d.Kind != StorageStackMemory {
			continue
		}
		w := int64(d.Type.Size())
		if w < 8 {
			w = 8
		}
		if d.Offset+w > width {
			width = d.Offset + w
		}
	}
	return width
}

// spillGlobalsToLinkData implements spec.md §4.6.9 step 1: every global
// currently cached in a register is written out to its LinkDataOffset
// mirror address, so an import — which has no notion of this core's
// register assignments — can still observe and (for a mutable global)
// update it through job memory. Register-resident globals don't need a
// matching reload after the call: their dedicated registers (gprOrder's
// locals/globals region) are callee-saved under AAPCS64, so a
// Wasm-internal callee mutating the same global writes straight into the
// same physical register the caller already holds, and nothing else here
// clobbers it. See DESIGN.md's call.go entry for the import-mutation edge
// case this still leaves open.
func (s *Services) spillGlobalsToLinkData() { s.Mod.spillGlobalsToLinkData() }

func (m *ModuleInfo) spillGlobalsToLinkData() {
	asm := m.Asm
	for i := range m.Globals {
		g := &m.Globals[i]
		if g.Storage.Kind != StorageRegister {
			continue
		}
		asm.Instr(storeTemplate(g.Type.Is64(), g.Type.IsFloat())).SetT(g.Storage.Reg).SetN(arm64asm.JobMemReg).SetUnscSImm9(g.LinkDataOffset).Emit()
	}
}

// loadGlobalsFromLinkData is spillGlobalsToLinkData's mirror, used once at
// the entry wrapper (wrappers.go) to populate every register-resident
// global's initial value the first time Wasm code runs for this instance.
func (m *ModuleInfo) loadGlobalsFromLinkData() {
	asm := m.Asm
	for i := range m.Globals {
		g := &m.Globals[i]
		if g.Storage.Kind != StorageRegister {
			continue
		}
		asm.Instr(loadTemplate(g.Type.Is64(), g.Type.IsFloat())).SetT(g.Storage.Reg).SetN(arm64asm.JobMemReg).SetUnscSImm9(g.LinkDataOffset).Emit()
	}
}

// copyMove is one pending register-to-register argument move.
type copyMove struct {
	dest, src arm64asm.Reg
	isFloat   bool
}

// RegisterCopyResolver sequences a batch of register-to-register argument
// moves (spec.md §4.6.9 step 3) so that no move clobbers a source another
// pending move still needs. A move whose destination is not (yet) needed
// as anyone else's source is always safe to emit immediately; once every
// remaining move's destination is itself another move's still-needed
// source, the remaining moves form one or more pure cycles. This is the
// standard parallel-move-resolution algorithm (no direct teacher/pack
// analog — grounded on the general compiler technique spec.md itself
// names: "XOR-swap on GPRs... scratch-register swap on FPRs"), broken here
// by swapping the first remaining move's dest/src registers and then
// retargeting every move that still expects to read the old dest from its
// new home.
type RegisterCopyResolver struct {
	moves []copyMove
}

// Add records a pending move, skipping the no-op case of a value already
// sitting in its destination register.
func (r *RegisterCopyResolver) Add(dest, src arm64asm.Reg, isFloat bool) {
	if dest == src {
		return
	}
	r.moves = append(r.moves, copyMove{dest, src, isFloat})
}

// Resolve drains the pending moves in dependency order, calling emit for
// every plain move and swap whenever a cycle must be broken instead.
func (r *RegisterCopyResolver) Resolve(emit func(dest, src arm64asm.Reg, isFloat bool), swap func(a, b arm64asm.Reg, isFloat bool)) {
	pending := append([]copyMove(nil), r.moves...)
	for len(pending) > 0 {
		idx := -1
		for i, m := range pending {
			if !isSourceElsewhere(pending, i, m.dest) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			m := pending[idx]
			emit(m.dest, m.src, m.isFloat)
			pending = append(pending[:idx:idx], pending[idx+1:]...)
			continue
		}
		m := pending[0]
		swap(m.dest, m.src, m.isFloat)
		pending = pending[1:]
		for i := range pending {
			if pending[i].src == m.dest {
				pending[i].src = m.src
			}
		}
	}
}

func isSourceElsewhere(moves []copyMove, skip int, reg arm64asm.Reg) bool {
	for i, m := range moves {
		if i == skip {
			continue
		}
		if m.src == reg {
			return true
		}
	}
	return false
}

// emitRegisterSwap exchanges a and b in place: three EORs for GPRs (spec.md
// §4.6.9's "XOR-swap on GPRs"), or a detour through the dedicated
// MoveHelperFPR scratch register for FPRs (this template set has no
// vector-register EOR, so the float case can't reuse the same trick;
// see DESIGN.md).
func (s *Services) emitRegisterSwap(a, b arm64asm.Reg, isFloat bool) { s.Mod.emitRegisterSwap(a, b, isFloat) }

func (m *ModuleInfo) emitRegisterSwap(a, b arm64asm.Reg, isFloat bool) {
	asm := m.Asm
	if !isFloat {
		asm.Instr(arm64asm.TmplEOR64).SetD(a).SetN(a).SetM(b).Emit()
		asm.Instr(arm64asm.TmplEOR64).SetD(b).SetN(b).SetM(a).Emit()
		asm.Instr(arm64asm.TmplEOR64).SetD(a).SetN(a).SetM(b).Emit()
		return
	}
	tmp := arm64asm.MoveHelperFPR
	asm.Instr(arm64asm.TmplFMOVreg64).SetD(tmp).SetN(a).Emit()
	asm.Instr(arm64asm.TmplFMOVreg64).SetD(a).SetN(b).Emit()
	asm.Instr(arm64asm.TmplFMOVreg64).SetD(b).SetN(tmp).Emit()
}

// unknownStackTraceFuncIdx is the placeholder pushStackTraceFrame writes
// for an indirect call (execIndirectWasmCall): the caller only knows
// sigIndex/tableIndex, not which concrete function the runtime dispatch
// will land on, so the real index can't be known until the callee itself
// runs. enteredFunction patches this placeholder with its own true index
// (spec.md §4.6.1's "patches the last-stack-trace-entry function index"),
// which is how an indirect call's stack-trace frame ends up correct by the
// time anything reads it.
const unknownStackTraceFuncIdx = -1

// pushStackTraceFrame implements spec.md §4.6.9 steps 4-5: push a two-word
// {funcIndex, callerFrameRefPtr} record (the exact layout
// trapsupport.go's emitStackTraceCollector walks) onto the raw machine
// stack via a pre-indexed STP, the same SP-relative push idiom
// ExecuteMemGrow uses for its own save/restore pair, then point job
// memory's lastFrameRefPtr at the new record. protRegs must list every
// register still live across this call (e.g. an indirect call's resolved
// target address) so its own scratch requests don't clobber them — by this
// point in the wrapper every stack-resident variable has already been
// spilled, but a register a caller is deliberately holding onto (not
// something ReqScratchReg tracks) still needs explicit protection.
// calleeIdx is unknownStackTraceFuncIdx for an indirect call, whose real
// target enteredFunction itself will patch in.
func (s *Services) pushStackTraceFrame(calleeIdx int32, protRegs arm64asm.RegMask) {
	scratch := protRegs
	oldPtr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &scratch)
	funcIdxReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &scratch)
	newPtr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &scratch)
	emitPushStackTraceFrame(s.Mod.Asm, calleeIdx, oldPtr, funcIdxReg, newPtr)
}

// popStackTraceFrame reverses pushStackTraceFrame: the caller's prior
// lastFrameRefPtr is still sitting in the record's own second word, so it
// is simply read back and restored, then the 16 bytes are reclaimed.
// protRegs has the same purpose as in pushStackTraceFrame: anything the
// caller still needs live across this (e.g. a just-received return value
// register) is protected from the scratch pick.
func (s *Services) popStackTraceFrame(protRegs arm64asm.RegMask) {
	scratch := protRegs
	oldPtr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &scratch)
	emitPopStackTraceFrame(s.Mod.Asm, oldPtr)
}

// emitPushStackTraceFrame is the part of spec.md §4.6.9 steps 4-5 that has
// no allocator dependency: emit the two-word push/pointer-update given
// three already-chosen scratch registers. Services.pushStackTraceFrame
// obtains those through ReqScratchReg for in-function call sites;
// EmitFunctionEntryPoint (wrappers.go), which runs before any
// FunctionInfo/register-allocator context exists, picks fixed registers
// directly instead.
func emitPushStackTraceFrame(asm *arm64asm.Assembler, calleeIdx int32, oldPtr, funcIdxReg, newPtr arm64asm.Reg) {
	asm.Instr(arm64asm.TmplLDURimm64).SetT(oldPtr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLastFrameRefPtr).Emit()
	asm.MOVimm32(funcIdxReg, uint32(calleeIdx))
	asm.Instr(arm64asm.TmplSTPpre64).SetT1(funcIdxReg).SetT2(oldPtr).SetN(arm64asm.SP).SetSImm7ls3(-16).Emit()

	asm.Instr(arm64asm.TmplADDimm12_64).SetD(newPtr).SetN(arm64asm.SP).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplSTURimm64).SetT(newPtr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLastFrameRefPtr).Emit()
}

func emitPopStackTraceFrame(asm *arm64asm.Assembler, oldPtr arm64asm.Reg) {
	asm.Instr(arm64asm.TmplLDPpost64).SetT1(arm64asm.ZR).SetT2(oldPtr).SetN(arm64asm.SP).SetSImm7ls3(16).Emit()
	asm.Instr(arm64asm.TmplSTURimm64).SetT(oldPtr).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLastFrameRefPtr).Emit()
}

// restoreMemoryRegisters reloads LinMemReg (and MemSizeReg, if the cache is
// active) from job memory: an import may have reallocated linear memory
// internally (memory.grow called from host code, not routed through this
// module's own landing pad), so the cached base pointer and byte-size
// cache can't be trusted to have survived any call that could reach
// arbitrary host code (spec.md §4.6.9 step 7's "restores the job-memory
// and linear-memory registers").
func (s *Services) restoreMemoryRegisters() {
	asm := s.Mod.Asm
	asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.LinMemReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinkedMemoryPtr).Emit()
	if s.Mod.Config.LinearMemoryBoundsChecks {
		asm.Instr(arm64asm.TmplLDURimm64).SetT(arm64asm.MemSizeReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobLinMemByteSize).Emit()
		asm.Instr(arm64asm.TmplSUBimm12_64).SetD(arm64asm.MemSizeReg).SetN(arm64asm.MemSizeReg).SetImm12zx(8).Emit()
	}
}

// checkInterruption implements the optional tail of spec.md §4.6.9 step 7:
// if Config.InterruptionRequest is on, a flag the host can set from
// another thread is read out of job memory after every call returns and,
// if set, traps immediately rather than letting the function run further.
func (s *Services) checkInterruption() {
	if !s.Mod.Config.InterruptionRequest {
		return
	}
	asm := s.Mod.Asm
	flagReg := arm64asm.R0
	asm.Instr(arm64asm.TmplLDURimm32).SetT(flagReg).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobInterruptionFlag).Emit()
	asm.CTRAP(TrapCodeBuiltinTrap, arm64asm.NE, 0)
}

// condenseArgsInto condenses each argument's valent block (argOperands[i]
// is that argument's own deferred-action root, the same "valueOperand"
// convention EmitBranch/ExecuteTableBranch use) directly into dests[i],
// in declaration order. Earlier arguments must condense before later ones:
// CondenseValentBlockBelow links each result into the reference index as
// soon as it lands in dests[i], which is what stops a later argument's own
// register allocation from reusing a register an earlier argument just
// claimed.
func (s *Services) condenseArgsInto(argOperands []StackIter, dests []VariableStorage) {
	for i, operand := range argOperands {
		dest := dests[i]
		s.CondenseValentBlockBelow(s.Stack.Next(operand), &dest)
	}
}

// copyRegisterArgs drains a RegisterCopyResolver built from every
// register-resident argument whose current storage doesn't already match
// its destination (spec.md §4.6.9 step 3). condenseArgsInto already moved
// stack-memory-destined arguments into place directly (their own
// destination can never collide with a register), so only the
// register-to-register case needs the dependency-ordered resolver.
func (s *Services) copyRegisterArgs(argOperands []StackIter, dests []VariableStorage) {
	var resolver RegisterCopyResolver
	for i, operand := range argOperands {
		dest := dests[i]
		if dest.Kind != StorageRegister {
			continue
		}
		src := s.StorageOf(operand)
		if !src.IsRegisterLike() {
			continue
		}
		resolver.Add(dest.Reg, src.Reg, dest.Type.IsFloat())
	}
	resolver.Resolve(
		func(dest, src arm64asm.Reg, isFloat bool) {
			t := mtype.I64
			if isFloat {
				t = mtype.F64
			}
			s.emitMoveToReg(dest, RegStorage(t, src), arm64asm.NoRegs)
		},
		s.emitRegisterSwap,
	)
}

// callTarget emits the BL/BLR to funcIdx's body (spec.md §4.6.9 step 6): a
// direct PC-relative branch if the function has already been emitted, a
// pending-call-list entry otherwise (for a Wasm-internal forward
// reference), or an indirect call through job memory / a materialised
// absolute address for an import.
func (s *Services) callTarget(funcIdx int32) { s.Mod.callTarget(funcIdx) }

func (m *ModuleInfo) callTarget(funcIdx int32) {
	asm := m.Asm
	link := &m.Funcs[funcIdx]
	switch link.Import {
	case ImportNone:
		pos := m.Buf.Len()
		asm.Instr(arm64asm.TmplBL).Emit()
		if link.HasBody {
			arm64asm.NewRelPatchObj(m.Buf, pos, arm64asm.BranchImm26).LinkToBinaryPos(link.BodyOffset)
		} else {
			m.PendingCallTo(funcIdx, arm64asm.NewRelPatchObj(m.Buf, pos, arm64asm.BranchImm26))
		}
	case ImportV1:
		target := arm64asm.R9
		asm.MOVimm64(target, uint64(link.ImportAddr))
		asm.Instr(arm64asm.TmplBLR).SetN(target).Emit()
	case ImportV2:
		target := arm64asm.R9
		asm.Instr(arm64asm.TmplLDURimm64).SetT(target).SetN(arm64asm.JobMemReg).SetUnscSImm9(link.ImportAddr).Emit()
		asm.Instr(arm64asm.TmplBLR).SetN(target).Emit()
	}
}

// emitV2ImportCall implements the ImportV2 wrapper shape (spec.md §4.6.9's
// "new ABI, params/returns serialised through buffers"): rather than
// shuffling an arbitrary signature's arguments into register slots the
// host side would need to decode one-by-one, every argument is written
// into a small stack-resident buffer the host reads positionally, and a
// pointer to it (plus a second pointer to a same-shaped results buffer) is
// all that crosses the native ABI boundary, in X0/X1.
func (s *Services) emitV2ImportCall(funcIdx int32, sig FuncSignature, argOperands []StackIter) StackIter {
	asm := s.Mod.Asm
	paramBufWidth := int64(8 * len(sig.Params))
	resultBufWidth := int64(8 * len(sig.Results))
	total := arm64asm.AlignStackFrameSize(uint64(paramBufWidth+resultBufWidth), 0)

	dests := make([]VariableStorage, len(sig.Params))
	for i, t := range sig.Params {
		dests[i] = StackMemStorage(t, int64(i*8))
	}
	asm.AddImm24ToReg(arm64asm.SP, -int64(total), true, arm64asm.NONE)
	s.condenseArgsInto(argOperands, dests)

	paramBuf, resultBuf := arm64asm.R0, arm64asm.R1
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(paramBuf).SetN(arm64asm.SP).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(resultBuf).SetN(arm64asm.SP).SetImm12zx(uint64(paramBufWidth)).Emit()

	s.callTarget(funcIdx)

	var result StackIter = NilIter
	if len(sig.Results) > 0 {
		t := sig.Results[0]
		reg := s.ReqScratchReg(t, arm64asm.NONE, new(arm64asm.RegMask))
		asm.Instr(loadTemplate(t.Is64(), t.IsFloat())).SetT(reg).SetN(arm64asm.SP).SetUnscSImm9(paramBufWidth).Emit()
		result = s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, reg)})
	}
	asm.AddImm24ToReg(arm64asm.SP, int64(total), true, arm64asm.NONE)
	return result
}

// execDirectFncCall implements spec.md §4.6.9's three call-wrapper shapes.
// argOperands names each argument's valent-block root, in declaration
// order (the same convention EmitBranch's valueOperand uses); it returns
// the result's StackIter (already pushed and reference-tracked), or
// NilIter for a void callee.
func (s *Services) execDirectFncCall(funcIdx int32, argOperands []StackIter) StackIter {
	link := s.Mod.Funcs[funcIdx]
	sig := link.Sig

	s.spillGlobalsToLinkData()
	s.SpillAllVariables()

	if link.Import == ImportV2 {
		return s.emitV2ImportCall(funcIdx, sig, argOperands)
	}

	var dests []VariableStorage
	var overflow int64
	if link.Import == ImportV1 {
		dests = nativeParamStorages(sig)
	} else {
		dests = paramStorages(s.Mod, sig)
		overflow = overflowParamWidth(dests)
	}

	asm := s.Mod.Asm
	if overflow > 0 {
		aligned := arm64asm.AlignStackFrameSize(uint64(overflow), 0)
		overflow = int64(aligned)
		asm.AddImm24ToReg(arm64asm.SP, -overflow, true, arm64asm.NONE)
	}

	s.condenseArgsInto(argOperands, dests)
	s.copyRegisterArgs(argOperands, dests)

	if link.Import == ImportNone {
		s.pushStackTraceFrame(funcIdx, arm64asm.NoRegs)
	}

	s.callTarget(funcIdx)

	if link.Import == ImportNone {
		s.popStackTraceFrame(arm64asm.NoRegs)
	}
	if overflow > 0 {
		asm.AddImm24ToReg(arm64asm.SP, overflow, true, arm64asm.NONE)
	}
	s.restoreMemoryRegisters()
	s.checkInterruption()

	return s.pushCallResult(sig)
}

// execIndirectWasmCall implements spec.md §4.6.9's call_indirect variant:
// the callee is resolved at runtime through tableIndex's table rather than
// named at compile time, so it additionally validates the runtime index,
// the target's recorded signature, and that a function is actually linked
// there, before computing an absolute address and emitting BLR.
//
// Table memory layout (this core's own design — tables aren't Wasm-standard
// layout, so nothing in the pack fixes one; see table.go's tableSizeFieldOffset/
// tableCapacityFieldOffset/tableEntriesOffset): a tableHeaderSize-byte header
// (live element count, then capacity) followed by one 16-byte entry per
// slot — a signed 8-byte function offset (relative to JobBinaryModuleBase's
// pointer; zero means unlinked) at offset 0, a 4-byte type id at offset 8.
// table.JobMemBaseAddr is a job-memory offset holding a *pointer* to this
// whole host-allocated region, mirroring JobLinkedMemoryPtr's indirection
// for linear memory.
func (s *Services) execIndirectWasmCall(sigIndex, tableIndex int32, sig FuncSignature, indexOperand StackIter, argOperands []StackIter) StackIter {
	table := s.Mod.Tables[tableIndex]
	asm := s.Mod.Asm

	s.spillGlobalsToLinkData()
	s.SpillAllVariables()

	protRegs := arm64asm.NoRegs
	idxReg, _ := s.LiftToRegInPlace(indexOperand, true, arm64asm.NONE, &protRegs)

	tableBase := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLDURimm64).SetT(tableBase).SetN(arm64asm.JobMemReg).SetUnscSImm9(table.JobMemBaseAddr).Emit()

	// tableBase+0 holds the table's *live* element count (tableHeaderSize's
	// layout, table.go), not table.InitialSize: table.grow can raise it past
	// what this table started with, so the compile-time constant alone would
	// let a grown table's upper indices wrongly trap.
	limitReg := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLDURimm32).SetT(limitReg).SetN(tableBase).SetUnscSImm9(tableSizeFieldOffset).Emit()
	asm.Instr(arm64asm.TmplSUBS32).SetD(arm64asm.ZR).SetN(idxReg).SetM(limitReg).Emit()
	asm.CTRAP(TrapCodeIndirectCallOutOfBounds, arm64asm.HS, 0)

	entryAddr := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	shiftReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLSLimm64).SetD(shiftReg).SetN(idxReg).SetImm6x(4).Emit()
	asm.Instr(arm64asm.TmplADD64).SetD(entryAddr).SetN(tableBase).SetM(shiftReg).Emit()
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(entryAddr).SetN(entryAddr).SetImm12zx(uint64(tableEntriesOffset)).Emit()

	funcOffset := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLDURimm64).SetT(funcOffset).SetN(entryAddr).SetUnscSImm9(0).Emit()
	typeID := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLDURimm32).SetT(typeID).SetN(entryAddr).SetUnscSImm9(8).Emit()

	expected := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	asm.MOVimm32(expected, uint32(sigIndex))
	asm.Instr(arm64asm.TmplSUBS32).SetD(arm64asm.ZR).SetN(typeID).SetM(expected).Emit()
	asm.CTRAP(TrapCodeIndirectCallWrongSig, arm64asm.NE, 0)

	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(funcOffset).SetM(arm64asm.ZR).Emit()
	asm.CTRAP(TrapCodeCalledFunctionNotLinked, arm64asm.EQ, 0)

	base := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplLDURimm64).SetT(base).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobBinaryModuleBase).Emit()
	target := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	asm.Instr(arm64asm.TmplADD64).SetD(target).SetN(base).SetM(funcOffset).Emit()
	// Argument condensing below may need arbitrary scratch registers, so
	// the resolved target doesn't stay pinned in a register across it —
	// stashed in job memory instead, reloaded right before the BLR.
	asm.Instr(arm64asm.TmplSTURimm64).SetT(target).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobIndirectCallTargetScratch).Emit()

	dests := paramStorages(s.Mod, sig)
	overflow := overflowParamWidth(dests)
	if overflow > 0 {
		aligned := arm64asm.AlignStackFrameSize(uint64(overflow), 0)
		overflow = int64(aligned)
		asm.AddImm24ToReg(arm64asm.SP, -overflow, true, arm64asm.NONE)
	}
	s.condenseArgsInto(argOperands, dests)
	s.copyRegisterArgs(argOperands, dests)

	freshProt := arm64asm.NoRegs
	target = s.ReqScratchReg(mtype.I64, arm64asm.NONE, &freshProt)
	asm.Instr(arm64asm.TmplLDURimm64).SetT(target).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobIndirectCallTargetScratch).Emit()

	s.pushStackTraceFrame(unknownStackTraceFuncIdx, freshProt)
	asm.Instr(arm64asm.TmplBLR).SetN(target).Emit()
	s.popStackTraceFrame(arm64asm.NoRegs)

	if overflow > 0 {
		asm.AddImm24ToReg(arm64asm.SP, overflow, true, arm64asm.NONE)
	}
	s.restoreMemoryRegisters()
	s.checkInterruption()

	return s.pushCallResult(sig)
}

// pushCallResult materialises the callee's fixed-register result (if any)
// as a fresh stack element, completing spec.md §4.6.9 step 7's "moves
// return values from ABI-dictated locations into new temp-result stack
// elements".
func (s *Services) pushCallResult(sig FuncSignature) StackIter {
	dest, ok := returnStorage(sig)
	if !ok {
		return NilIter
	}
	return s.PushAndUpdateReference(StackElement{Kind: EScratchReg, Type: dest.Type, Storage: dest})
}

// nativeParamStorages assigns sig's parameters to plain AAPCS64 parameter
// registers (ImportV1's "legacy native ABI" wrapper), falling back to a
// stack-overflow area laid out the same way the generic path uses for
// params past the register count. Apple's sub-8-byte stack-argument
// packing (Config.ApplePlatform, spec.md §6.6 / §9) is not implemented
// here: every overflow argument is rounded up to a full 8-byte slot
// regardless of platform, a deliberate simplification (see DESIGN.md).
func nativeParamStorages(sig FuncSignature) []VariableStorage {
	out := make([]VariableStorage, len(sig.Params))
	var gprUsed, fprUsed int
	var stackOffset int64
	for i, t := range sig.Params {
		if t.IsFloat() && fprUsed < len(nativeFloatParamRegs) {
			out[i] = RegStorage(t, nativeFloatParamRegs[fprUsed])
			fprUsed++
			continue
		}
		if !t.IsFloat() && gprUsed < len(nativeIntParamRegs) {
			out[i] = RegStorage(t, nativeIntParamRegs[gprUsed])
			gprUsed++
			continue
		}
		out[i] = StackMemStorage(t, stackOffset)
		stackOffset += 8
	}
	return out
}
