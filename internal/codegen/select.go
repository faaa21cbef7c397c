package codegen

import "github.com/arm64wasmjit/core/internal/arm64asm"

// EmitSelect implements spec.md §4.6.3: truthy, falsy, and cond are
// stack-elements in Wasm operand order (the result equals truthy iff cond
// is nonzero). cond is lifted to a GPR, CMP cond, #0 is emitted, then a
// one-candidate CSEL/FCSEL list is driven through SelectInstr with operand
// order (falsy, truthy) — because the condition used is EQ, which selects
// the first operand when cond == 0, i.e. when the result should be falsy.
// presFlags is set so lifting truthy/falsy cannot clobber NZCV between the
// CMP and the CSEL.
func (s *Services) EmitSelect(truthy, falsy, cond StackIter) StackIter {
	t := s.Stack.Get(truthy).Type
	is64 := t.Is64()

	protRegs := arm64asm.NoRegs
	condReg, _ := s.LiftToRegInPlace(cond, false, arm64asm.NONE, &protRegs)
	condType := s.Stack.Get(cond).Type
	asm := s.Mod.Asm
	asm.Instr(pickWidth(condType.Is64(), arm64asm.TmplSUBS64, arm64asm.TmplSUBS32)).SetD(arm64asm.ZR).SetN(condReg).SetM(arm64asm.ZR).Emit()

	var candidates []arm64asm.AbstrInstr
	if t.IsFloat() {
		candidates = []arm64asm.AbstrInstr{{
			Template: pickWidth(is64, arm64asm.TmplFCSEL64, arm64asm.TmplFCSEL32),
			Dst:      pickArgType(is64, arm64asm.ArgR64F, arm64asm.ArgR32F),
			Src0:     pickArgType(is64, arm64asm.ArgR64F, arm64asm.ArgR32F),
			Src1:     pickArgType(is64, arm64asm.ArgR64F, arm64asm.ArgR32F),
		}}
	} else {
		candidates = []arm64asm.AbstrInstr{{
			Template: pickWidth(is64, arm64asm.TmplCSEL64, arm64asm.TmplCSEL32),
			Dst:      pickArgType(is64, arm64asm.ArgR64, arm64asm.ArgR32),
			Src0:     pickArgType(is64, arm64asm.ArgR64, arm64asm.ArgR32),
			Src1:     pickArgType(is64, arm64asm.ArgR64, arm64asm.ArgR32),
		}}
	}

	policy := s.selectionPolicy(&protRegs)
	result, _ := asm.SelectInstr(
		candidates,
		[2]arm64asm.Operand{s.operandOf(falsy), s.operandOf(truthy)},
		[2]bool{s.isWritableOperand(falsy), s.isWritableOperand(truthy)},
		arm64asm.NONE,
		protRegs,
		true,
		policy,
	)

	dIt := s.Stack.Push(resultElement(t, result))
	return dIt
}

func pickArgType(is64 bool, a64, a32 arm64asm.ArgType) arm64asm.ArgType {
	if is64 {
		return a64
	}
	return a32
}
