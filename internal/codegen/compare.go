package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// conditionTable maps each comparison opcode to the positive ARM64
// condition code that holds when the comparison is true, assuming flags
// were set by CMP lhs, rhs (or FCMP lhs, rhs) in that operand order
// (spec.md §4.6.4). The float codes rely on the standard unordered-flag
// behaviour of FCMP: MI/GT/LS/GE are false whenever either operand is NaN,
// matching Wasm's "false on NaN" rule for lt/gt/le/ge, while NE is true on
// NaN, matching Wasm's "true on NaN" rule for ne.
var conditionTable = map[DeferredOpcode]arm64asm.ConditionCode{
	OpI32Eq: arm64asm.EQ, OpI64Eq: arm64asm.EQ,
	OpI32Ne: arm64asm.NE, OpI64Ne: arm64asm.NE,
	OpI32LtS: arm64asm.LT, OpI64LtS: arm64asm.LT,
	OpI32LtU: arm64asm.LO, OpI64LtU: arm64asm.LO,
	OpI32GtS: arm64asm.GT, OpI64GtS: arm64asm.GT,
	OpI32GtU: arm64asm.HI, OpI64GtU: arm64asm.HI,
	OpI32LeS: arm64asm.LE, OpI64LeS: arm64asm.LE,
	OpI32LeU: arm64asm.LS, OpI64LeU: arm64asm.LS,
	OpI32GeS: arm64asm.GE, OpI64GeS: arm64asm.GE,
	OpI32GeU: arm64asm.HS, OpI64GeU: arm64asm.HS,

	OpF32Eq: arm64asm.EQ, OpF64Eq: arm64asm.EQ,
	OpF32Ne: arm64asm.NE, OpF64Ne: arm64asm.NE,
	OpF32Lt: arm64asm.MI, OpF64Lt: arm64asm.MI,
	OpF32Gt: arm64asm.GT, OpF64Gt: arm64asm.GT,
	OpF32Le: arm64asm.LS, OpF64Le: arm64asm.LS,
	OpF32Ge: arm64asm.GE, OpF64Ge: arm64asm.GE,

	OpI32Eqz: arm64asm.EQ, OpI64Eqz: arm64asm.EQ,
}

// swappedCondition gives the condition to use in place of cc when the
// operands were emitted in reverse (CMP rhs, lhs instead of CMP lhs, rhs):
// equality-style codes are unaffected, ordering codes flip direction.
func swappedCondition(cc arm64asm.ConditionCode) arm64asm.ConditionCode {
	switch cc {
	case arm64asm.LT:
		return arm64asm.GT
	case arm64asm.GT:
		return arm64asm.LT
	case arm64asm.LE:
		return arm64asm.GE
	case arm64asm.GE:
		return arm64asm.LE
	case arm64asm.LO:
		return arm64asm.HI
	case arm64asm.HI:
		return arm64asm.LO
	case arm64asm.LS:
		return arm64asm.HS
	case arm64asm.HS:
		return arm64asm.LS
	default:
		return cc
	}
}

func init() {
	for _, op := range []DeferredOpcode{
		OpI32Eq, OpI32Ne, OpI32LtS, OpI32LtU, OpI32GtS, OpI32GtU, OpI32LeS, OpI32LeU, OpI32GeS, OpI32GeU,
		OpI64Eq, OpI64Ne, OpI64LtS, OpI64LtU, OpI64GtS, OpI64GtU, OpI64LeS, OpI64LeU, OpI64GeS, OpI64GeU,
		OpF32Eq, OpF32Ne, OpF32Lt, OpF32Gt, OpF32Le, OpF32Ge,
		OpF64Eq, OpF64Ne, OpF64Lt, OpF64Gt, OpF64Le, OpF64Ge,
		OpI32Eqz, OpI64Eqz,
	} {
		RegisterComparisonOpcode(op)
		RegisterOpcode(op, OpcodeInfo{Handler: comparisonValueHandler})
	}
}

// emitComparisonFlags emits the CMP/FCMP for a comparison opcode and
// returns the ARM64 condition code that holds exactly when the comparison
// is true (spec.md §4.6.4). Eqz opcodes compare their single operand
// against zero directly.
func (s *Services) emitComparisonFlags(op DeferredOpcode, operands []StackIter) arm64asm.ConditionCode {
	cc := conditionTable[op]
	asm := s.Mod.Asm

	if op == OpI32Eqz || op == OpI64Eqz {
		t := s.Stack.Get(operands[0]).Type
		protRegs := arm64asm.NoRegs
		reg, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		asm.Instr(pickWidth(t.Is64(), arm64asm.TmplSUBS64, arm64asm.TmplSUBS32)).SetD(arm64asm.ZR).SetN(reg).SetM(arm64asm.ZR).Emit()
		return cc
	}

	t := s.Stack.Get(operands[0]).Type
	if t.IsFloat() {
		protRegs := arm64asm.NoRegs
		lhs, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		rhs, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
		asm.Instr(pickWidth(t.Is64(), arm64asm.TmplFCMP64, arm64asm.TmplFCMP32)).SetN(lhs).SetM(rhs).Emit()
		return cc
	}

	is64 := t.Is64()
	lhsStorage := s.StorageOf(operands[0])
	rhsStorage := s.StorageOf(operands[1])
	immArg := arm64asm.ArgImm12zxOLS12_32
	subsImmTmpl := arm64asm.TmplSUBSimm12_32
	subsTmpl := arm64asm.TmplSUBS32
	if is64 {
		immArg = arm64asm.ArgImm12zxOLS12_64
		subsImmTmpl = arm64asm.TmplSUBSimm12_64
		subsTmpl = arm64asm.TmplSUBS64
	}

	emitImmCmp := func(reg arm64asm.Reg, v uint64) {
		b := asm.Instr(subsImmTmpl).SetD(arm64asm.ZR).SetN(reg)
		if v > 0xfff {
			b.SetImm12zxls12(v)
		} else {
			b.SetImm12zx(v)
		}
		b.Emit()
	}

	protRegs := arm64asm.NoRegs
	if rhsStorage.Kind == StorageConstant && immArg.FitsImmediate(rhsStorage.Const, is64) {
		lhs, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		emitImmCmp(lhs, rhsStorage.Const)
		return cc
	}
	if lhsStorage.Kind == StorageConstant && immArg.FitsImmediate(lhsStorage.Const, is64) {
		rhs, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
		emitImmCmp(rhs, lhsStorage.Const)
		return swappedCondition(cc)
	}

	lhs, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
	rhs, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
	asm.Instr(subsTmpl).SetD(arm64asm.ZR).SetN(lhs).SetM(rhs).Emit()
	return cc
}

// EmitComparison is the entry point CondenseComparisonBelow (condense.go)
// uses when the whole valent block's root is itself a comparison: it emits
// directly into CPU flags and leaves no value on the stack.
func (s *Services) EmitComparison(d StackIter, operands []StackIter) arm64asm.ConditionCode {
	return s.emitComparisonFlags(s.Stack.Get(d).Op, operands)
}

// comparisonValueHandler is the DeferredActionHandler used when a
// comparison appears anywhere other than a branch/select condition root:
// it must materialise the I32 Boolean via CSET (spec.md §4.6.5), which
// AArch64 encodes with the negated condition.
func comparisonValueHandler(s *Services, d StackIter, operands []StackIter) StackElement {
	cc := s.emitComparisonFlags(s.Stack.Get(d).Op, operands)
	protRegs := arm64asm.NoRegs
	dst := s.ReqScratchReg(mtype.I32, arm64asm.NONE, &protRegs)
	s.Mod.Asm.Instr(arm64asm.TmplCSINC32).SetD(dst).SetN(arm64asm.ZR).SetM(arm64asm.ZR).SetCond(true, cc.Negate()).Emit()
	return StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, dst)}
}
