package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// Services bundles the per-function collaborators the symbolic-stack
// algorithms of spec.md §4.5 (C6-C8) operate over: the stack itself, its
// reference index, and enough of FunctionInfo/ModuleInfo to allocate frame
// space and emit code. One Services is constructed per function compiled,
// mirroring how the teacher scopes its own compiler context per function.
type Services struct {
	Mod   *ModuleInfo
	Fn    *FunctionInfo
	Stack *Stack
	Ref   *RefIndex
}

func NewServices(mod *ModuleInfo, fn *FunctionInfo, stack *Stack, ref *RefIndex) *Services {
	return &Services{Mod: mod, Fn: fn, Stack: stack, Ref: ref}
}

// --- 4.5.1 Pushing and popping ---

// PushAndUpdateReference pushes e and, if it is reference-bearing, links it
// into its storage's reference chain.
func (s *Services) PushAndUpdateReference(e StackElement) StackIter {
	it := s.Stack.Push(e)
	if s.Stack.Get(it).IsReferenceBearing() {
		s.Ref.AddReference(it)
	}
	return it
}

// PopAndUpdateReference removes the topmost element, unlinking it from its
// reference chain first if it is reference-bearing.
func (s *Services) PopAndUpdateReference() StackIter {
	top := s.Stack.Last()
	if s.Stack.Get(top).IsReferenceBearing() {
		s.Ref.RemoveReference(top)
	}
	return s.Stack.Pop()
}

// ReplaceAndUpdateReference substitutes newE for the element at it,
// preserving it's position (and therefore Parent/Sibling) in the physical
// list, while unlinking the old value and linking the new one in the
// reference index (spec.md §4.5.1).
func (s *Services) ReplaceAndUpdateReference(it StackIter, newE StackElement) {
	if s.Stack.Get(it).IsReferenceBearing() {
		s.Ref.RemoveReference(it)
	}
	s.Stack.ReplaceInPlace(it, newE)
	if s.Stack.Get(it).IsReferenceBearing() {
		s.Ref.AddReference(it)
	}
}

// StorageOf resolves any StackElement to its current concrete
// VariableStorage, uniformly across the leaf kinds: a Local or Global
// resolves through its table entry (itself possibly register- or
// link-data-resident), a ScratchReg or TempResult already carries its own
// storage, and a Constant is wrapped as a constant storage.
func (s *Services) StorageOf(it StackIter) VariableStorage {
	e := s.Stack.Get(it)
	switch e.Kind {
	case EConstant:
		return e.Storage
	case EScratchReg, ETempResult:
		return e.Storage
	case ELocal:
		return s.Fn.Locals[e.Index].Storage
	case EGlobal:
		return s.Mod.Globals[e.Index].Storage
	default:
		return InvalidStorage
	}
}

// --- 4.5.4 isWritableScratchReg ---

// IsWritableScratchReg reports whether it is a writable scratch register
// (spec.md §4.5.4): kind ScratchReg and the sole occurrence of its register
// across the current function's stack. This is the invariant that lets
// SelectInstr safely reuse an operand's register as its destination.
func (s *Services) IsWritableScratchReg(it StackIter) bool {
	e := s.Stack.Get(it)
	if e.Kind != EScratchReg {
		return false
	}
	return s.Ref.IsSoleOccurrence(it)
}

// --- 4.5.5 reqScratchReg / reqFreeScratchReg ---

// getRegAllocCandidate iterates the allocatable region of gpr[]/fpr[],
// skipping globals/locals and protRegs, and returns the first register whose
// reference-chain head is empty, or NONE.
func (s *Services) getRegAllocCandidate(isFloat bool, protRegs arm64asm.RegMask) arm64asm.Reg {
	pool := arm64asm.GPR()
	if isFloat {
		pool = arm64asm.FPR()
	}
	blocked := protRegs.Union(s.Fn.ProtectedRegs())
	for _, r := range pool {
		if blocked.Has(r) {
			continue
		}
		if s.Ref.RegHead(r) == NilIter {
			return r
		}
	}
	return arm64asm.NONE
}

// ReqFreeScratchReg returns a free register of t's class (excluding
// protRegs and the function's protected locals/globals registers), or NONE
// if none is currently free. Unlike ReqScratchReg, it never spills.
func (s *Services) ReqFreeScratchReg(t mtype.Type, protRegs arm64asm.RegMask) arm64asm.Reg {
	return s.getRegAllocCandidate(t.IsFloat(), protRegs)
}

// ReqScratchReg picks a register for a new scratch value (spec.md §4.5.5):
// hint if it fits and is unprotected; else the first free candidate; else
// any non-protected candidate, forcibly spilled to make room. protRegs is
// updated in place so later requests in the same instruction don't collide
// with registers this call just handed out.
func (s *Services) ReqScratchReg(t mtype.Type, hint arm64asm.Reg, protRegs *arm64asm.RegMask) arm64asm.Reg {
	blocked := protRegs.Union(s.Fn.ProtectedRegs())
	if hint != arm64asm.NONE && regClassMatches(hint, t.IsFloat()) && !blocked.Has(hint) {
		*protRegs = protRegs.With(hint)
		return hint
	}
	if r := s.getRegAllocCandidate(t.IsFloat(), *protRegs); r != arm64asm.NONE {
		*protRegs = protRegs.With(r)
		return r
	}
	pool := arm64asm.GPR()
	if t.IsFloat() {
		pool = arm64asm.FPR()
	}
	victim := arm64asm.NONE
	for _, r := range pool {
		if !blocked.Has(r) {
			victim = r
			break
		}
	}
	if victim == arm64asm.NONE {
		raise(KindInternalInvariant, "no non-protected register available for scratch request")
	}
	s.SpillFromStack(s.Ref.RegHead(victim), false, NilIter, NilIter)
	*protRegs = protRegs.With(victim)
	return victim
}

// --- 4.5.6 liftToRegInPlace ---

// LiftToRegInPlace ensures it is in a register (spec.md §4.5.6). If already
// in an unprotected register satisfying needsWritable (writable scratch, or
// equal to hint), it is reused as-is. Otherwise a fresh scratch register is
// allocated, a move is emitted, and every occurrence of it's storage across
// the stack is replaced by a fresh ScratchReg element for the new register
// (so every reader now observes the lifted value).
func (s *Services) LiftToRegInPlace(it StackIter, needsWritable bool, hint arm64asm.Reg, protRegs *arm64asm.RegMask) (arm64asm.Reg, bool) {
	storage := s.StorageOf(it)
	if storage.IsRegisterLike() && !protRegs.Has(storage.Reg) {
		if !needsWritable || storage.Reg == hint || s.IsWritableScratchReg(it) {
			*protRegs = protRegs.With(storage.Reg)
			return storage.Reg, s.IsWritableScratchReg(it)
		}
	}
	t := s.Stack.Get(it).Type
	reg := s.ReqScratchReg(t, hint, protRegs)
	s.emitMoveToReg(reg, storage, *protRegs)
	s.replaceOccurrencesWithScratch(storage, t, reg)
	return reg, true
}

// replaceOccurrencesWithScratch rewrites every stack occurrence currently
// reading storage into a ScratchReg element for reg, preserving each
// occurrence's relative chain order. Used once a value has just been lifted
// into reg: every reader must now observe the same fresh register.
func (s *Services) replaceOccurrencesWithScratch(storage VariableStorage, t mtype.Type, reg arm64asm.Reg) {
	head := s.headFor(storage)
	if head == NilIter {
		return
	}
	var occurrences []StackIter
	s.Ref.WalkChain(head, func(it StackIter) bool {
		occurrences = append(occurrences, it)
		return true
	})
	// occurrences is head-to-bottom (topmost first); re-adding head-first
	// via ReplaceAndUpdateReference in the same order reproduces the same
	// relative order in the new register's chain, since each call inserts
	// at the new chain's current head and we proceed top-down.
	for _, it := range occurrences {
		s.ReplaceAndUpdateReference(it, StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, reg)})
	}
}

// headFor returns the reference-index head for storage's kind, regardless
// of which leaf kind originally produced it (Local/Global resolve to their
// own chain; ScratchReg/TempResult to the register/temp-stack chain).
func (s *Services) headFor(storage VariableStorage) StackIter {
	switch storage.Kind {
	case StorageRegister, StorageStackReg:
		return s.Ref.RegHead(storage.Reg)
	case StorageStackMemory:
		return s.Ref.TempStackHead(storage.Offset)
	default:
		return NilIter
	}
}

// --- 4.5.7 spillFromStack ---

// ReqSpillTarget allocates a destination for a value being evicted from its
// current storage (spec.md §4.5.7): a free scratch register unless
// forceToStack, else a freshly allocated temp-stack slot.
func (s *Services) ReqSpillTarget(t mtype.Type, forceToStack bool) VariableStorage {
	if !forceToStack {
		if r := s.ReqFreeScratchReg(t, arm64asm.NoRegs); r != arm64asm.NONE {
			return RegStorage(t, r)
		}
	}
	offset := s.FindFreeTempStackSlot(t)
	return StackMemStorage(t, offset)
}

// SpillFromStack evicts the value currently at reference-index head `head`
// (spec.md §4.5.7): allocates a spill destination, emits one move, and
// replaces every occurrence in the chain with an element referring to the
// new destination. excludeBelow/excludeAbove (both may be NilIter) restrict
// which occurrences are touched, letting a caller preserve on-stack liveness
// of an argument region while still freeing the register/slot for reuse
// elsewhere in the chain.
func (s *Services) SpillFromStack(head StackIter, forceToStack bool, excludeBelow, excludeAbove StackIter) {
	if head == NilIter {
		return
	}
	top := s.Stack.Get(head)
	oldStorage := top.Storage
	t := top.Type

	dest := s.ReqSpillTarget(t, forceToStack)
	s.emitMoveToReg2(dest, oldStorage)

	var occurrences []StackIter
	s.Ref.WalkChain(head, func(it StackIter) bool {
		if inExcludedZone(it, excludeBelow, excludeAbove) {
			return true
		}
		occurrences = append(occurrences, it)
		return true
	})
	for _, it := range occurrences {
		s.ReplaceAndUpdateReference(it, StackElement{Kind: ETempResult, Type: t, Storage: dest})
	}
}

// emitMoveToReg2 is emitMoveToReg's generalisation to a register-or-memory
// destination, used by spillFromStack (whose destination may be a temp
// stack slot rather than always a register).
func (s *Services) emitMoveToReg2(dest, src VariableStorage) {
	if dest.Kind == StorageRegister {
		s.emitMoveToReg(dest.Reg, src, arm64asm.NoRegs)
		return
	}
	if src.IsRegisterLike() {
		s.emitStoreFromReg(src.Reg, dest)
		return
	}
	// memory-to-memory: bridge through a scratch register of the right
	// class. The float move-helper (V31, spec.md §3.2) covers the float
	// case; integers bridge through whatever GPR is currently free.
	if dest.Type.IsFloat() {
		s.emitMoveToReg(arm64asm.MoveHelperFPR, src, arm64asm.NoRegs)
		s.emitStoreFromReg(arm64asm.MoveHelperFPR, dest)
		return
	}
	bridge := s.getRegAllocCandidate(false, arm64asm.NoRegs)
	if bridge == arm64asm.NONE {
		raise(KindInternalInvariant, "no GPR bridge free for memory-to-memory spill")
	}
	s.emitMoveToReg(bridge, src, arm64asm.NoRegs)
	s.emitStoreFromReg(bridge, dest)
}

func inExcludedZone(it, below, above StackIter) bool {
	if below == NilIter && above == NilIter {
		return false
	}
	if below != NilIter && it <= below {
		return true
	}
	if above != NilIter && it >= above {
		return true
	}
	return false
}

// SpillAllVariables evicts every register- and scratch-resident value
// currently referenced anywhere on the stack, used at control-flow join
// points (branch/block exit) where no assumption can be made about which
// register holds what on the incoming edge (spec.md §4.6.11).
func (s *Services) SpillAllVariables() {
	for _, r := range arm64asm.GPR() {
		s.SpillFromStack(s.Ref.RegHead(r), true, NilIter, NilIter)
	}
	for _, r := range arm64asm.FPR() {
		s.SpillFromStack(s.Ref.RegHead(r), true, NilIter, NilIter)
	}
}

// --- 4.5.8 findFreeTempStackSlot ---

// FindFreeTempStackSlot walks the sorted temp-stack chain from the highest
// used offset downward, returning the first gap of at least one t-sized
// slot (spec.md §4.5.8). If no gap exists, it grows the stack frame (via
// FunctionInfo/Assembler.SetStackFrameSize) to make room, followed by a
// stack-fence check if active stack-overflow checking is configured.
func (s *Services) FindFreeTempStackSlot(t mtype.Type) int64 {
	slotSize := int64(8) // uniform 8-byte slots, matching the locals' own alignment
	floor := int64(s.Fn.ParamWidth + s.Fn.DirectLocalsWidth)

	if top, ok := s.Ref.HighestUsedTempStackOffset(); ok {
		cur := top
		for {
			lower, hasLower := s.Ref.NextLowerTempStack(cur)
			gapFloor := floor
			if hasLower {
				gapFloor = lower + slotSize
			}
			if cur-gapFloor >= slotSize {
				return gapFloor
			}
			if !hasLower {
				break
			}
			cur = lower
		}
		newOffset := top + slotSize
		s.growFrameFor(newOffset + slotSize)
		return newOffset
	}

	newOffset := floor
	s.growFrameFor(newOffset + slotSize)
	return newOffset
}

func (s *Services) growFrameFor(neededSize int64) {
	need := uint64(neededSize)
	if need <= s.Fn.StackFrameSize {
		return
	}
	aligned := arm64asm.AlignStackFrameSize(need+32, s.Fn.ParamWidth)
	old := s.Fn.StackFrameSize
	s.Mod.Asm.SetStackFrameSize(old, aligned, false, s.Fn.ParamWidth+s.Fn.DirectLocalsWidth, false)
	s.Fn.StackFrameSize = aligned
	s.Mod.Analytics.MaxStackFrameSize(s.Fn.Index, aligned)

	if s.Mod.Config.ActiveStackOverflowCheck {
		s.emitStackFenceCheck()
	}
}

// emitStackFenceCheck compares SP against the job-memory stack-fence
// address and traps if it has been crossed (spec.md §4.6.13's
// StackOverflow, guarded by Config.ActiveStackOverflowCheck).
func (s *Services) emitStackFenceCheck() {
	asm := s.Mod.Asm
	scratch := s.getRegAllocCandidate(false, arm64asm.NoRegs)
	if scratch == arm64asm.NONE {
		raise(KindInternalInvariant, "no scratch register free for stack-fence check")
	}
	asm.Instr(arm64asm.TmplLDURimm64).SetT(scratch).SetN(arm64asm.JobMemReg).SetUnscSImm9(JobStackFenceAddr).Emit()
	spCopy := s.getRegAllocCandidate(false, arm64asm.NoRegs.With(scratch))
	if spCopy == arm64asm.NONE {
		raise(KindInternalInvariant, "no scratch register free for stack-fence check")
	}
	// SUBS (shifted register) reads register 31 as XZR, so SP is copied first.
	asm.Instr(arm64asm.TmplADDimm12_64).SetD(spCopy).SetN(arm64asm.SP).SetImm12zx(0).Emit()
	asm.Instr(arm64asm.TmplSUBS64).SetD(arm64asm.ZR).SetN(spCopy).SetM(scratch).Emit()
	asm.CTRAP(TrapCodeStackOverflow, arm64asm.LO, 0)
}
