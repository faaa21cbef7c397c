package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// blockElemKind maps a BlockKind to the StackElement tag it is pushed under.
func blockElemKind(kind BlockKind) ElemKind {
	switch kind {
	case BlockIf:
		return EIfBlock
	case BlockLoop:
		return ELoop
	default:
		return EBlock
	}
}

// OpenBlock pushes a Block/Loop/IfBlock marker (spec.md §4.6.11). resultType
// is mtype.Invalid for a block producing no value. Every scratch and global
// register currently live is spilled first, so the block body can freely use
// any register without regard to what the surrounding code left resident
// (spec.md's spillAllVariables(below=block_iter); SpillAllVariables spills
// unconditionally rather than scoped to a below-iterator — at block entry
// that's the same set of live values, since nothing has been pushed above
// the about-to-be-created marker yet, so the scoping parameter in the spec
// text is a no-op here; see DESIGN.md).
func (s *Services) OpenBlock(kind BlockKind, sigIndex int32, resultType mtype.Type) StackIter {
	s.SpillAllVariables()

	marker := BlockMarker{
		Kind:           kind,
		SigIndex:       sigIndex,
		EntryFrameSize: s.Fn.StackFrameSize,
		ResultOffset:   -1,
		Saved:          ControlState{StackFrameSize: s.Fn.StackFrameSize, Unreachable: s.Fn.Unreachable},
	}
	if resultType != mtype.Invalid {
		marker.ResultOffset = s.FindFreeTempStackSlot(resultType)
	}
	if kind == BlockLoop {
		marker.LoopStartOffset = s.Mod.Buf.Len()
	}

	it := s.Stack.Push(StackElement{Kind: blockElemKind(kind), Type: resultType, Block: marker})
	s.Fn.PushBlock(it)
	return it
}

// OpenIf is OpenBlock specialised for `if`: cc is the condition already
// computed by CondenseComparisonBelow. A conditional branch over the
// then-arm is emitted immediately, targeting (for now) the self-loop
// sentinel; OpenElse or FinalizeBlock resolves it to the else arm or to the
// block's end, whichever comes first.
func (s *Services) OpenIf(sigIndex int32, resultType mtype.Type, cc arm64asm.ConditionCode) StackIter {
	it := s.OpenBlock(BlockIf, sigIndex, resultType)
	marker := &s.Stack.Get(it).Block
	marker.ElseJump = s.Mod.Asm.PrepareJMP(cc.Negate())
	return it
}

// OpenElse closes the then-arm of an if-block: the current value of the
// stack-frame size and unreachability are rolled back to the if-block's
// entry state (the else arm starts from the same place the then arm did),
// a forward branch skipping the else arm is threaded into the block's
// pending-branch chain for FinalizeBlock, and the if's false-condition jump
// is resolved to land here.
func (s *Services) OpenElse(it StackIter) {
	marker := &s.Stack.Get(it).Block
	if marker.Kind != BlockIf {
		raise(KindInternalInvariant, "OpenElse on a non-if block")
	}
	skipElse := s.Mod.Asm.PrepareJMP(arm64asm.AL)
	marker.PendingBranches = append(marker.PendingBranches, BranchFixup{Link: skipElse.LinkToBinaryPos})
	marker.ElseJump.LinkToHere()
	marker.ElseResolved = true
	s.Fn.StackFrameSize = marker.Saved.StackFrameSize
	s.Fn.Unreachable = marker.Saved.Unreachable
}

// FinalizeBlock closes the innermost open block on `end` (spec.md §4.6.11):
// every pending forward branch is patched to the current output offset, an
// if-block with no else has its false-condition jump resolved the same way,
// the stack-frame-size/unreachable bookkeeping is restored to the block's
// entry state, and — if the block produces a value — a TempResult element
// referring to the block's reserved result slot replaces the marker so code
// after `end` finds the value in a fixed place regardless of which edge
// (fallthrough or any branch) produced it.
func (s *Services) FinalizeBlock(it StackIter) {
	if s.Fn.CurrentBlock() != it {
		raise(KindInternalInvariant, "FinalizeBlock called out of nesting order")
	}
	elem := s.Stack.Get(it)
	marker := elem.Block
	resultType := elem.Type
	endOffset := s.Mod.Buf.Len()

	for _, fixup := range marker.PendingBranches {
		fixup.Link(endOffset)
	}
	if marker.Kind == BlockIf && marker.ElseJump != nil && !marker.ElseResolved {
		marker.ElseJump.LinkToHere()
	}

	s.Fn.PopBlock()
	cur := s.Fn.StackFrameSize
	if cur != marker.Saved.StackFrameSize {
		s.Mod.Asm.SetStackFrameSize(cur, marker.Saved.StackFrameSize, false, s.Fn.ParamWidth+s.Fn.DirectLocalsWidth, true)
	}
	s.Fn.StackFrameSize = marker.Saved.StackFrameSize
	s.Fn.Unreachable = marker.Saved.Unreachable

	s.Stack.Erase(it)
	if resultType != mtype.Invalid {
		s.PushAndUpdateReference(StackElement{
			Kind:    ETempResult,
			Type:    resultType,
			Storage: StackMemStorage(resultType, marker.ResultOffset),
		})
	}
}

// branchTarget resolves a Wasm branch-depth to the block marker it names
// (innermost open block is depth 0); NilIter means the function exit, which
// Wasm represents as depth == the number of currently open blocks.
func (s *Services) branchTarget(depth int) StackIter {
	n := len(s.Fn.OpenBlocks)
	if depth >= n {
		return NilIter
	}
	return s.Fn.OpenBlocks[n-1-depth]
}

// EmitBranch implements spec.md §4.6.6. cc is the already-computed branch
// condition (arm64asm.AL for an unconditional `br`); valueOperand is the
// stack element holding the branch's carried value, or NilIter if the
// target expects none. depth follows Wasm's label-index convention (0 =
// innermost open block; depth == the open-block count targets the function
// exit).
//
// The CMP+B.eq/ne -> CBZ/CBNZ peephole the spec mentions is not implemented:
// CondenseComparisonBelow's contract (emit flags, return a ConditionCode)
// doesn't expose the compared register to a caller of EmitBranch, and nothing
// here depends on the narrower encoding for correctness — a deliberate
// simplification, recorded in DESIGN.md.
func (s *Services) EmitBranch(depth int, cc arm64asm.ConditionCode, valueOperand StackIter) {
	target := s.branchTarget(depth)
	if target == NilIter {
		if valueOperand != NilIter {
			s.condenseReturnValue(valueOperand)
		}
		s.emitBranchToFunctionExit(cc)
		return
	}

	marker := &s.Stack.Get(target).Block
	if valueOperand != NilIter && s.Stack.Get(target).Type != mtype.Invalid {
		dest := StackMemStorage(s.Stack.Get(target).Type, marker.ResultOffset)
		s.CondenseValentBlockBelow(s.Stack.Next(valueOperand), &dest)
	}
	s.emitBranchToTarget(marker, cc)
}

// condenseReturnValue forces the function's single return value (this core
// targets at most one result per function, spec.md §3.1's four machine
// types with no multi-value extension) into the fixed register call.go's
// wrappers read a result out of on the other side of RET: NativeReturnReg
// for an integer result, WasmReturnFPR for a float one. A function with no
// declared result still condenses (with no enforced target) purely to
// materialise the value out of the condense tree, matching what a bare
// drop would do.
func (s *Services) condenseReturnValue(valueOperand StackIter) {
	dest, ok := returnStorage(s.Fn.Sig)
	if !ok {
		s.CondenseValentBlockBelow(s.Stack.Next(valueOperand), nil)
		return
	}
	s.CondenseValentBlockBelow(s.Stack.Next(valueOperand), &dest)
}

// emitBranchToTarget is the frame-size half of §4.6.6: if this is an
// unconditional branch, or the target's entry frame size already matches the
// current one, the frame is adjusted (if needed) and the branch linked
// directly. Otherwise the frame adjustment itself is conditional: a
// conditional branch skips over an unconditional adjust-and-jump sequence.
func (s *Services) emitBranchToTarget(marker *BlockMarker, cc arm64asm.ConditionCode) {
	asm := s.Mod.Asm
	curSize := s.Fn.StackFrameSize
	targetSize := marker.EntryFrameSize
	unconditional := cc == arm64asm.AL

	if unconditional || curSize == targetSize {
		if curSize != targetSize {
			asm.SetStackFrameSize(curSize, targetSize, !unconditional, s.Fn.ParamWidth+s.Fn.DirectLocalsWidth, true)
		}
		s.Fn.StackFrameSize = targetSize
		s.linkBranch(marker, cc)
		if !unconditional {
			s.Fn.StackFrameSize = curSize
		}
		return
	}

	skip := asm.PrepareJMP(cc.Negate())
	asm.SetStackFrameSize(curSize, targetSize, false, s.Fn.ParamWidth+s.Fn.DirectLocalsWidth, true)
	s.Fn.StackFrameSize = targetSize
	s.linkBranch(marker, arm64asm.AL)
	s.Fn.StackFrameSize = curSize
	skip.LinkToHere()
}

// linkBranch emits the actual branch instruction and resolves its target:
// directly, for a backward branch to a loop's known start; threaded into the
// block's pending-branch chain, for a forward branch awaiting FinalizeBlock.
func (s *Services) linkBranch(marker *BlockMarker, cc arm64asm.ConditionCode) {
	if marker.Kind == BlockLoop {
		s.Mod.Asm.PrepareJMP(cc).LinkToBinaryPos(marker.LoopStartOffset)
		return
	}
	p := s.Mod.Asm.PrepareJMP(cc)
	marker.PendingBranches = append(marker.PendingBranches, BranchFixup{Link: p.LinkToBinaryPos})
}

// emitBranchToFunctionExit dispatches an out-of-block branch to the
// function's own epilogue (spec.md §4.6.6's last bullet): unconditional
// branches just run the epilogue in place; conditional ones skip over a
// temporary epilogue (the frame-size bookkeeping must not be permanently
// updated, since fallthrough code still runs at the pre-branch frame size).
func (s *Services) emitBranchToFunctionExit(cc arm64asm.ConditionCode) {
	if cc == arm64asm.AL {
		s.EmitReturn(false)
		return
	}
	skip := s.Mod.Asm.PrepareJMP(cc.Negate())
	s.EmitReturn(true)
	skip.LinkToHere()
}

// EmitReturn implements emitReturnAndUnwindStack (spec.md §4.6.12): reduce
// the frame to just the parameter area plus LR and emit RET. temporary=true
// means the caller (a conditional branch-to-exit skip sequence) expects more
// code to follow at the pre-call frame size, so FunctionInfo's bookkeeping
// is left untouched.
func (s *Services) EmitReturn(temporary bool) {
	asm := s.Mod.Asm
	base := s.Fn.ParamWidth
	cur := s.Fn.StackFrameSize
	if cur != base {
		asm.SetStackFrameSize(cur, base, temporary, 0, true)
	}
	if !temporary {
		s.Fn.StackFrameSize = base
	}
	asm.Instr(arm64asm.TmplRET).SetN(arm64asm.LR).Emit()
}

// ExecuteTableBranch implements executeTableBranch (spec.md §4.6.7 — Wasm
// br_table). indexOperand selects among targets (branch depths); any index
// at or past len(targets) uses defaultDepth. valueOperand is the carried
// block-result value, shared by every target, or NilIter.
//
// indexReg is saturated to len(targets) via CSEL, then the table address is
// computed as tableStart + indexReg*4 and a signed byte-offset is loaded
// from it; that offset, added back to tableStart, is the address of the
// target's own trampoline (one per entry, each just a call into EmitBranch
// for that entry's depth) — not the target's own code, since different
// entries may need different frame-size adjustments or result moves. The
// table's data words sit immediately after the indirect BR, so normal
// instruction fetch never runs into them: the BR always diverts control
// before they would be reached in program order.
func (s *Services) ExecuteTableBranch(indexOperand StackIter, targets []int, defaultDepth int, valueOperand StackIter) {
	asm := s.Mod.Asm
	n := len(targets)

	protRegs := arm64asm.NoRegs
	idxReg, _ := s.LiftToRegInPlace(indexOperand, true, arm64asm.NONE, &protRegs)

	numReg := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	asm.MOVimm32(numReg, uint32(n))
	asm.Instr(arm64asm.TmplSUBS32).SetD(arm64asm.ZR).SetN(idxReg).SetM(numReg).Emit()
	asm.Instr(arm64asm.TmplCSEL32).SetD(idxReg).SetN(idxReg).SetM(numReg).SetCond(true, arm64asm.LO).Emit()

	tableReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	shiftReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	addrReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	offsetReg := s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)

	adr := asm.PrepareADR(tableReg)
	asm.Instr(arm64asm.TmplLSLimm64).SetD(shiftReg).SetN(idxReg).SetImm6x(2).Emit()
	asm.Instr(arm64asm.TmplADD64).SetD(addrReg).SetN(tableReg).SetM(shiftReg).Emit()
	asm.Instr(arm64asm.TmplLDRSW).SetT(offsetReg).SetN(addrReg).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplADD64).SetD(addrReg).SetN(tableReg).SetM(offsetReg).Emit()
	asm.Instr(arm64asm.TmplBR).SetN(addrReg).Emit()

	adr.LinkToHere()
	tableStart := s.Mod.Buf.Len()
	for i := 0; i <= n; i++ {
		s.Mod.Buf.AppendWord(0)
	}

	depths := make([]int, 0, n+1)
	depths = append(depths, targets...)
	depths = append(depths, defaultDepth)
	for i, depth := range depths {
		entryPos := s.Mod.Buf.Len()
		s.Mod.Buf.PatchWord(tableStart+i*4, uint32(entryPos-tableStart))
		s.EmitBranch(depth, arm64asm.AL, valueOperand)
	}
}
