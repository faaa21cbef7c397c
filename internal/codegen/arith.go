package codegen

import (
	"math"

	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// init registers every arithmetic, bitwise, conversion, and reinterpret
// opcode's handler (spec.md §4.6.2) with condense.go's dispatch table.
func init() {
	RegisterOpcode(OpI32Add, OpcodeInfo{Handler: binaryHandler(addCandidates32)})
	RegisterOpcode(OpI64Add, OpcodeInfo{Handler: binaryHandler(addCandidates64)})
	RegisterOpcode(OpI32Sub, OpcodeInfo{Handler: binaryHandler(subCandidates32)})
	RegisterOpcode(OpI64Sub, OpcodeInfo{Handler: binaryHandler(subCandidates64)})
	RegisterOpcode(OpI32And, OpcodeInfo{Handler: binaryHandler(andCandidates32)})
	RegisterOpcode(OpI64And, OpcodeInfo{Handler: binaryHandler(andCandidates64)})
	RegisterOpcode(OpI32Or, OpcodeInfo{Handler: binaryHandler(orCandidates32)})
	RegisterOpcode(OpI64Or, OpcodeInfo{Handler: binaryHandler(orCandidates64)})
	RegisterOpcode(OpI32Xor, OpcodeInfo{Handler: binaryHandler(xorCandidates32)})
	RegisterOpcode(OpI64Xor, OpcodeInfo{Handler: binaryHandler(xorCandidates64)})
	RegisterOpcode(OpI32Mul, OpcodeInfo{Handler: binaryHandler(mulCandidates32)})
	RegisterOpcode(OpI64Mul, OpcodeInfo{Handler: binaryHandler(mulCandidates64)})

	RegisterOpcode(OpI32Shl, OpcodeInfo{Handler: shiftHandler(arm64asm.TmplLSLimm32, arm64asm.TmplLSLimm64, arm64asm.TmplLSLV32, arm64asm.TmplLSLV64)})
	RegisterOpcode(OpI64Shl, OpcodeInfo{Handler: shiftHandler(arm64asm.TmplLSLimm32, arm64asm.TmplLSLimm64, arm64asm.TmplLSLV32, arm64asm.TmplLSLV64)})
	RegisterOpcode(OpI32ShrS, OpcodeInfo{Handler: shiftHandler(arm64asm.TmplASRimm32, arm64asm.TmplASRimm64, arm64asm.TmplASRV32, arm64asm.TmplASRV64)})
	RegisterOpcode(OpI64ShrS, OpcodeInfo{Handler: shiftHandler(arm64asm.TmplASRimm32, arm64asm.TmplASRimm64, arm64asm.TmplASRV32, arm64asm.TmplASRV64)})
	RegisterOpcode(OpI32ShrU, OpcodeInfo{Handler: shiftHandler(arm64asm.TmplLSRimm32, arm64asm.TmplLSRimm64, arm64asm.TmplLSRV32, arm64asm.TmplLSRV64)})
	RegisterOpcode(OpI64ShrU, OpcodeInfo{Handler: shiftHandler(arm64asm.TmplLSRimm32, arm64asm.TmplLSRimm64, arm64asm.TmplLSRV32, arm64asm.TmplLSRV64)})

	RegisterOpcode(OpI32Rotl, OpcodeInfo{Handler: rotateHandler(true)})
	RegisterOpcode(OpI64Rotl, OpcodeInfo{Handler: rotateHandler(true)})
	RegisterOpcode(OpI32Rotr, OpcodeInfo{Handler: rotateHandler(false)})
	RegisterOpcode(OpI64Rotr, OpcodeInfo{Handler: rotateHandler(false)})

	RegisterOpcode(OpI32DivS, OpcodeInfo{Handler: divRemHandler(true, false), SideEffect: true})
	RegisterOpcode(OpI64DivS, OpcodeInfo{Handler: divRemHandler(true, false), SideEffect: true})
	RegisterOpcode(OpI32DivU, OpcodeInfo{Handler: divRemHandler(false, false), SideEffect: true})
	RegisterOpcode(OpI64DivU, OpcodeInfo{Handler: divRemHandler(false, false), SideEffect: true})
	RegisterOpcode(OpI32RemS, OpcodeInfo{Handler: divRemHandler(true, true), SideEffect: true})
	RegisterOpcode(OpI64RemS, OpcodeInfo{Handler: divRemHandler(true, true), SideEffect: true})
	RegisterOpcode(OpI32RemU, OpcodeInfo{Handler: divRemHandler(false, true), SideEffect: true})
	RegisterOpcode(OpI64RemU, OpcodeInfo{Handler: divRemHandler(false, true), SideEffect: true})

	RegisterOpcode(OpI32Clz, OpcodeInfo{Handler: clzHandler})
	RegisterOpcode(OpI64Clz, OpcodeInfo{Handler: clzHandler})
	RegisterOpcode(OpI32Ctz, OpcodeInfo{Handler: ctzHandler})
	RegisterOpcode(OpI64Ctz, OpcodeInfo{Handler: ctzHandler})
	RegisterOpcode(OpI32Popcnt, OpcodeInfo{Handler: popcntHandler})
	RegisterOpcode(OpI64Popcnt, OpcodeInfo{Handler: popcntHandler})

	RegisterOpcode(OpF32Add, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFADD32, arm64asm.TmplFADD64)})
	RegisterOpcode(OpF64Add, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFADD32, arm64asm.TmplFADD64)})
	RegisterOpcode(OpF32Sub, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFSUB32, arm64asm.TmplFSUB64)})
	RegisterOpcode(OpF64Sub, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFSUB32, arm64asm.TmplFSUB64)})
	RegisterOpcode(OpF32Mul, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFMUL32, arm64asm.TmplFMUL64)})
	RegisterOpcode(OpF64Mul, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFMUL32, arm64asm.TmplFMUL64)})
	RegisterOpcode(OpF32Div, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFDIV32, arm64asm.TmplFDIV64)})
	RegisterOpcode(OpF64Div, OpcodeInfo{Handler: floatBinHandler(arm64asm.TmplFDIV32, arm64asm.TmplFDIV64)})
	RegisterOpcode(OpF32Neg, OpcodeInfo{Handler: floatUnHandler(arm64asm.TmplFNEG32, arm64asm.TmplFNEG64)})
	RegisterOpcode(OpF64Neg, OpcodeInfo{Handler: floatUnHandler(arm64asm.TmplFNEG32, arm64asm.TmplFNEG64)})
	RegisterOpcode(OpF32Copysign, OpcodeInfo{Handler: copysignHandler})
	RegisterOpcode(OpF64Copysign, OpcodeInfo{Handler: copysignHandler})

	RegisterOpcode(OpI32WrapI64, OpcodeInfo{Handler: wrapHandler})
	RegisterOpcode(OpI64ExtendI32S, OpcodeInfo{Handler: extendSHandler(32)})
	RegisterOpcode(OpI64ExtendI32U, OpcodeInfo{Handler: extendU32Handler})
	RegisterOpcode(OpI32Extend8S, OpcodeInfo{Handler: extendSHandler(8)})
	RegisterOpcode(OpI32Extend16S, OpcodeInfo{Handler: extendSHandler(16)})
	RegisterOpcode(OpI64Extend8S, OpcodeInfo{Handler: extendSHandler(8)})
	RegisterOpcode(OpI64Extend16S, OpcodeInfo{Handler: extendSHandler(16)})
	RegisterOpcode(OpI64Extend32S, OpcodeInfo{Handler: extendSHandler(32)})

	RegisterOpcode(OpI32TruncF32S, OpcodeInfo{Handler: truncHandler(true), SideEffect: true})
	RegisterOpcode(OpI32TruncF32U, OpcodeInfo{Handler: truncHandler(false), SideEffect: true})
	RegisterOpcode(OpI32TruncF64S, OpcodeInfo{Handler: truncHandler(true), SideEffect: true})
	RegisterOpcode(OpI32TruncF64U, OpcodeInfo{Handler: truncHandler(false), SideEffect: true})
	RegisterOpcode(OpI64TruncF32S, OpcodeInfo{Handler: truncHandler(true), SideEffect: true})
	RegisterOpcode(OpI64TruncF32U, OpcodeInfo{Handler: truncHandler(false), SideEffect: true})
	RegisterOpcode(OpI64TruncF64S, OpcodeInfo{Handler: truncHandler(true), SideEffect: true})
	RegisterOpcode(OpI64TruncF64U, OpcodeInfo{Handler: truncHandler(false), SideEffect: true})

	RegisterOpcode(OpF32ConvertI32S, OpcodeInfo{Handler: convertHandler(true)})
	RegisterOpcode(OpF32ConvertI32U, OpcodeInfo{Handler: convertHandler(false)})
	RegisterOpcode(OpF32ConvertI64S, OpcodeInfo{Handler: convertHandler(true)})
	RegisterOpcode(OpF32ConvertI64U, OpcodeInfo{Handler: convertHandler(false)})
	RegisterOpcode(OpF64ConvertI32S, OpcodeInfo{Handler: convertHandler(true)})
	RegisterOpcode(OpF64ConvertI32U, OpcodeInfo{Handler: convertHandler(false)})
	RegisterOpcode(OpF64ConvertI64S, OpcodeInfo{Handler: convertHandler(true)})
	RegisterOpcode(OpF64ConvertI64U, OpcodeInfo{Handler: convertHandler(false)})
	RegisterOpcode(OpF32DemoteF64, OpcodeInfo{Handler: fcvtHandler(arm64asm.TmplFCVT_d_to_s, mtype.F32)})
	RegisterOpcode(OpF64PromoteF32, OpcodeInfo{Handler: fcvtHandler(arm64asm.TmplFCVT_s_to_d, mtype.F64)})

	RegisterOpcode(OpI32ReinterpretF32, OpcodeInfo{Handler: reinterpretHandler(mtype.I32)})
	RegisterOpcode(OpI64ReinterpretF64, OpcodeInfo{Handler: reinterpretHandler(mtype.I64)})
	RegisterOpcode(OpF32ReinterpretI32, OpcodeInfo{Handler: reinterpretHandler(mtype.F32)})
	RegisterOpcode(OpF64ReinterpretI64, OpcodeInfo{Handler: reinterpretHandler(mtype.F64)})
}

// --- generic register-allocation plumbing between Services and SelectInstr ---

func typeFromClass(c arm64asm.OperandClass) mtype.Type {
	switch {
	case c.IsFloat && c.Is64:
		return mtype.F64
	case c.IsFloat:
		return mtype.F32
	case c.Is64:
		return mtype.I64
	default:
		return mtype.I32
	}
}

func operandStorage(op arm64asm.Operand) VariableStorage {
	t := typeFromClass(op.Class)
	switch op.Kind {
	case arm64asm.OperandConstant:
		return ConstStorage(t, op.Imm)
	case arm64asm.OperandRegister:
		return RegStorage(t, op.Reg)
	case arm64asm.OperandMemory:
		if op.MemBase == arm64asm.JobMemReg {
			return LinkDataStorage(t, int64(op.Imm))
		}
		return StackMemStorage(t, int64(op.Imm))
	default:
		return InvalidStorage
	}
}

// selectionPolicy adapts Services' allocator/lift/move primitives to the
// arm64asm.SelectionPolicy shape SelectInstr needs (spec.md §4.4), tracking
// every register handed out in protRegs so later requests within the same
// instruction don't reuse it.
func (s *Services) selectionPolicy(protRegs *arm64asm.RegMask) arm64asm.SelectionPolicy {
	return arm64asm.SelectionPolicy{
		Lift: func(op *arm64asm.Operand, needsWritable bool, pr arm64asm.RegMask) (arm64asm.Reg, bool) {
			storage := operandStorage(*op)
			local := pr
			reg := s.ReqScratchReg(storage.Type, arm64asm.NONE, &local)
			s.emitMoveToReg(reg, storage, local)
			*protRegs = protRegs.Union(local).With(reg)
			return reg, true
		},
		Scratch: func(class arm64asm.OperandClass, pr arm64asm.RegMask) arm64asm.Reg {
			t := typeFromClass(class)
			local := pr
			reg := s.ReqScratchReg(t, arm64asm.NONE, &local)
			*protRegs = protRegs.Union(local).With(reg)
			return reg
		},
		Move: func(dst, src arm64asm.Reg, class arm64asm.OperandClass) {
			s.emitMoveToReg(dst, RegStorage(typeFromClass(class), src), *protRegs)
		},
	}
}

func (s *Services) operandOf(it StackIter) arm64asm.Operand {
	storage := s.StorageOf(it)
	return storage.operand()
}

func (s *Services) isWritableOperand(it StackIter) bool {
	e := s.Stack.Get(it)
	switch e.Kind {
	case EScratchReg:
		return s.IsWritableScratchReg(it)
	case ETempResult:
		return e.Storage.Kind == StorageRegister
	default:
		return false
	}
}

func resultElement(t mtype.Type, result arm64asm.Operand) StackElement {
	return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, result.Reg)}
}

// binaryHandler wraps a candidate table lookup (32-bit vs 64-bit chosen by
// the DeferredAction's result type) into a DeferredActionHandler that
// drives arm64asm.SelectInstr (spec.md §4.4).
func binaryHandler(candidates []arm64asm.AbstrInstr) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		lhs, rhs := operands[0], operands[1]
		protRegs := arm64asm.NoRegs
		policy := s.selectionPolicy(&protRegs)
		result, _ := s.Mod.Asm.SelectInstr(
			candidates,
			[2]arm64asm.Operand{s.operandOf(lhs), s.operandOf(rhs)},
			[2]bool{s.isWritableOperand(lhs), s.isWritableOperand(rhs)},
			arm64asm.NONE,
			protRegs,
			false,
			policy,
		)
		return resultElement(t, result)
	}
}

var addCandidates32 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplADDimm12_32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgImm12zxOLS12_32, Commutative: true},
	{Template: arm64asm.TmplADD32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgR32, Commutative: true},
}
var addCandidates64 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplADDimm12_64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgImm12zxOLS12_64, Commutative: true},
	{Template: arm64asm.TmplADD64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgR64, Commutative: true},
}
var subCandidates32 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplSUBimm12_32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgImm12zxOLS12_32},
	{Template: arm64asm.TmplSUB32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgR32},
}
var subCandidates64 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplSUBimm12_64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgImm12zxOLS12_64},
	{Template: arm64asm.TmplSUB64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgR64},
}
var andCandidates32 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplANDimm13_32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgImm12Bitmask32, Commutative: true},
	{Template: arm64asm.TmplAND32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgR32, Commutative: true},
}
var andCandidates64 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplANDimm13_64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgImm13Bitmask64, Commutative: true},
	{Template: arm64asm.TmplAND64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgR64, Commutative: true},
}
var orCandidates32 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplORRimm13_32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgImm12Bitmask32, Commutative: true},
	{Template: arm64asm.TmplORR32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgR32, Commutative: true},
}
var orCandidates64 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplORRimm13_64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgImm13Bitmask64, Commutative: true},
	{Template: arm64asm.TmplORR64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgR64, Commutative: true},
}
var xorCandidates32 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplEORimm13_32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgImm12Bitmask32, Commutative: true},
	{Template: arm64asm.TmplEOR32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgR32, Commutative: true},
}
var xorCandidates64 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplEORimm13_64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgImm13Bitmask64, Commutative: true},
	{Template: arm64asm.TmplEOR64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgR64, Commutative: true},
}
var mulCandidates32 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplMUL32, Dst: arm64asm.ArgR32, Src0: arm64asm.ArgR32, Src1: arm64asm.ArgR32, Commutative: true},
}
var mulCandidates64 = []arm64asm.AbstrInstr{
	{Template: arm64asm.TmplMUL64, Dst: arm64asm.ArgR64, Src0: arm64asm.ArgR64, Src1: arm64asm.ArgR64, Commutative: true},
}

// --- shifts and rotates ---

func shiftHandler(immT32, immT64, regT32, regT64 arm64asm.Template) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		is64 := t.Is64()
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		asm := s.Mod.Asm
		if amt := s.StorageOf(operands[1]); amt.Kind == StorageConstant {
			width := uint64(32)
			if is64 {
				width = 64
			}
			asm.Instr(pickWidth(is64, immT64, immT32)).SetD(dst).SetN(src).SetImm6x(amt.Const % width).Emit()
		} else {
			amtReg, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
			asm.Instr(pickWidth(is64, regT64, regT32)).SetD(dst).SetN(src).SetM(amtReg).Emit()
		}
		return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
	}
}

func rotateHandler(isLeft bool) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		is64 := t.Is64()
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		asm := s.Mod.Asm

		if amt := s.StorageOf(operands[1]); amt.Kind == StorageConstant {
			width := uint64(32)
			if is64 {
				width = 64
			}
			rot := amt.Const % width
			if isLeft {
				rot = (width - rot) % width
			}
			dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
			asm.Instr(pickWidth(is64, arm64asm.TmplEXTR64, arm64asm.TmplEXTR32)).SetD(dst).SetN(src).SetM(src).SetImm6x(rot).Emit()
			return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
		}

		amtReg, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
		if isLeft {
			neg := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
			asm.Instr(pickWidth(is64, arm64asm.TmplNEG64, arm64asm.TmplNEG32)).SetD(neg).SetM(amtReg).Emit()
			amtReg = neg
		}
		dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		asm.Instr(pickWidth(is64, arm64asm.TmplRORV64, arm64asm.TmplRORV32)).SetD(dst).SetN(src).SetM(amtReg).Emit()
		return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
	}
}

// --- division and remainder, with the trap guards spec.md §4.6.2 mandates ---

func divRemHandler(signed, isRem bool) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		is64 := t.Is64()
		protRegs := arm64asm.NoRegs
		lhs, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		rhs, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
		asm := s.Mod.Asm

		asm.Instr(pickWidth(is64, arm64asm.TmplSUBS64, arm64asm.TmplSUBS32)).SetD(arm64asm.ZR).SetN(rhs).SetM(arm64asm.ZR).Emit()
		asm.CTRAP(TrapCodeDivZero, arm64asm.EQ, 0)

		if signed && !isRem {
			negOne := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
			asm.MOVimm(is64, negOne, ^uint64(0))
			asm.Instr(pickWidth(is64, arm64asm.TmplSUBS64, arm64asm.TmplSUBS32)).SetD(arm64asm.ZR).SetN(rhs).SetM(negOne).Emit()
			skipOverflow := asm.PrepareJMP(arm64asm.NE)

			minVal := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
			if is64 {
				asm.MOVimm(true, minVal, 1<<63)
			} else {
				asm.MOVimm(false, minVal, 1<<31)
			}
			asm.Instr(pickWidth(is64, arm64asm.TmplSUBS64, arm64asm.TmplSUBS32)).SetD(arm64asm.ZR).SetN(lhs).SetM(minVal).Emit()
			asm.CTRAP(TrapCodeDivOverflow, arm64asm.EQ, 0)
			skipOverflow.LinkToHere()
		}

		divTmpl := pickWidth(is64, arm64asm.TmplUDIV64, arm64asm.TmplUDIV32)
		if signed {
			divTmpl = pickWidth(is64, arm64asm.TmplSDIV64, arm64asm.TmplSDIV32)
		}
		quot := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		asm.Instr(divTmpl).SetD(quot).SetN(lhs).SetM(rhs).Emit()
		if !isRem {
			return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, quot)}
		}

		rem := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		asm.Instr(pickWidth(is64, arm64asm.TmplMSUB64, arm64asm.TmplMSUB32)).SetD(rem).SetN(rhs).SetM(quot).SetA(lhs).Emit()
		return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, rem)}
	}
}

// --- CLZ / CTZ / POPCNT ---

func clzHandler(s *Services, d StackIter, operands []StackIter) StackElement {
	t := s.Stack.Get(d).Type
	is64 := t.Is64()
	protRegs := arm64asm.NoRegs
	src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
	dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
	s.Mod.Asm.Instr(pickWidth(is64, arm64asm.TmplCLZ64, arm64asm.TmplCLZ32)).SetD(dst).SetN(src).Emit()
	return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
}

func ctzHandler(s *Services, d StackIter, operands []StackIter) StackElement {
	t := s.Stack.Get(d).Type
	is64 := t.Is64()
	protRegs := arm64asm.NoRegs
	src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
	dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
	asm := s.Mod.Asm
	asm.Instr(pickWidth(is64, arm64asm.TmplRBIT64, arm64asm.TmplRBIT32)).SetD(dst).SetN(src).Emit()
	asm.Instr(pickWidth(is64, arm64asm.TmplCLZ64, arm64asm.TmplCLZ32)).SetD(dst).SetN(dst).Emit()
	return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
}

func popcntHandler(s *Services, d StackIter, operands []StackIter) StackElement {
	t := s.Stack.Get(d).Type
	is64 := t.Is64()
	protRegs := arm64asm.NoRegs
	src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
	fpr := s.ReqScratchReg(mtype.F64, arm64asm.NONE, &protRegs)
	dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
	asm := s.Mod.Asm
	asm.Instr(pickWidth(is64, arm64asm.TmplFMOVgpr64, arm64asm.TmplFMOVgpr32)).SetD(fpr).SetN(src).Emit()
	asm.Instr(arm64asm.TmplCNT8b).SetD(fpr).SetN(fpr).Emit()
	asm.Instr(arm64asm.TmplUADDLVb).SetD(fpr).SetN(fpr).Emit()
	asm.Instr(pickWidth(is64, arm64asm.TmplFMOVtogpr64, arm64asm.TmplFMOVtogpr32)).SetD(dst).SetN(fpr).Emit()
	return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
}

// --- float binary/unary ops and COPYSIGN ---

func floatBinHandler(t32, t64 arm64asm.Template) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		protRegs := arm64asm.NoRegs
		lhs, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		rhs, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		s.Mod.Asm.Instr(pickWidth(t.Is64(), t64, t32)).SetD(dst).SetN(lhs).SetM(rhs).Emit()
		return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
	}
}

func floatUnHandler(t32, t64 arm64asm.Template) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		s.Mod.Asm.Instr(pickWidth(t.Is64(), t64, t32)).SetD(dst).SetN(src).Emit()
		return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
	}
}

// copysignHandler implements spec.md §4.6.2's COPYSIGN sequence: materialise
// the sign-bit mask (for F64, zero a vector register then FNEG it so only
// bit 63 is set; for F32, MOVI already produces the bit pattern directly),
// then BIT-insert rhs's sign bit into a copy of lhs.
func copysignHandler(s *Services, d StackIter, operands []StackIter) StackElement {
	t := s.Stack.Get(d).Type
	is64 := t.Is64()
	protRegs := arm64asm.NoRegs
	lhs, writable := s.LiftToRegInPlace(operands[0], true, arm64asm.NONE, &protRegs)
	rhs, _ := s.LiftToRegInPlace(operands[1], false, arm64asm.NONE, &protRegs)
	asm := s.Mod.Asm

	mask := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
	if is64 {
		asm.Instr(arm64asm.TmplMOVI64_0).SetD(mask).Emit()
		asm.Instr(arm64asm.TmplFNEG64).SetD(mask).SetN(mask).Emit()
	} else {
		asm.Instr(arm64asm.TmplMOVI32_sign).SetD(mask).Emit()
	}

	dst := lhs
	if !writable {
		dst = s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		s.emitMoveToReg(dst, RegStorage(t, lhs), protRegs)
	}
	asm.Instr(arm64asm.TmplBIT).SetD(dst).SetN(rhs).SetM(mask).Emit()
	return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
}

// --- wrap / extend / reinterpret ---

func wrapHandler(s *Services, d StackIter, operands []StackIter) StackElement {
	storage := s.StorageOf(operands[0])
	if storage.Kind == StorageConstant {
		return StackElement{Kind: EConstant, Type: mtype.I32, Storage: ConstStorage(mtype.I32, storage.Const&0xffffffff)}
	}
	if storage.IsRegisterLike() {
		return StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, storage.Reg)}
	}
	protRegs := arm64asm.NoRegs
	reg, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
	return StackElement{Kind: EScratchReg, Type: mtype.I32, Storage: RegStorage(mtype.I32, reg)}
}

func extendSHandler(srcBits int) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		t := s.Stack.Get(d).Type
		is64 := t.Is64()
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(t, arm64asm.NONE, &protRegs)
		var tmpl arm64asm.Template
		switch srcBits {
		case 8:
			tmpl = pickWidth(is64, arm64asm.TmplSXTB64, arm64asm.TmplSXTB32)
		case 16:
			tmpl = pickWidth(is64, arm64asm.TmplSXTH64, arm64asm.TmplSXTH32)
		default:
			tmpl = arm64asm.TmplSXTW64
		}
		s.Mod.Asm.Instr(tmpl).SetD(dst).SetN(src).Emit()
		return StackElement{Kind: EScratchReg, Type: t, Storage: RegStorage(t, dst)}
	}
}

// extendU32Handler is I64.extend_i32_u: a plain 32-bit register write
// already zero-extends the upper half on AArch64, so no dedicated
// instruction is needed beyond materialising the value in W-view.
func extendU32Handler(s *Services, d StackIter, operands []StackIter) StackElement {
	protRegs := arm64asm.NoRegs
	src, writable := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
	dst := src
	if !writable {
		dst = s.ReqScratchReg(mtype.I64, arm64asm.NONE, &protRegs)
	}
	s.Mod.Asm.Instr(arm64asm.TmplORR32).SetD(dst).SetN(arm64asm.ZR).SetM(src).Emit()
	return StackElement{Kind: EScratchReg, Type: mtype.I64, Storage: RegStorage(mtype.I64, dst)}
}

func reinterpretHandler(dstT mtype.Type) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		storage := s.StorageOf(operands[0])
		if storage.Kind == StorageConstant {
			return StackElement{Kind: EConstant, Type: dstT, Storage: ConstStorage(dstT, storage.Const)}
		}
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(dstT, arm64asm.NONE, &protRegs)
		asm := s.Mod.Asm
		is64 := dstT.Is64()
		switch {
		case dstT.IsFloat():
			asm.Instr(pickWidth(is64, arm64asm.TmplFMOVgpr64, arm64asm.TmplFMOVgpr32)).SetD(dst).SetN(src).Emit()
		default:
			asm.Instr(pickWidth(is64, arm64asm.TmplFMOVtogpr64, arm64asm.TmplFMOVtogpr32)).SetD(dst).SetN(src).Emit()
		}
		return StackElement{Kind: EScratchReg, Type: dstT, Storage: RegStorage(dstT, dst)}
	}
}

// --- int<->float conversions ---

func scvtfTemplate(srcIs64, dstIs64 bool) arm64asm.Template {
	switch {
	case !srcIs64 && !dstIs64:
		return arm64asm.TmplSCVTF32to32
	case srcIs64 && !dstIs64:
		return arm64asm.TmplSCVTF64to32
	case !srcIs64 && dstIs64:
		return arm64asm.TmplSCVTF32to64
	default:
		return arm64asm.TmplSCVTF64to64
	}
}

func ucvtfTemplate(srcIs64, dstIs64 bool) arm64asm.Template {
	switch {
	case !srcIs64 && !dstIs64:
		return arm64asm.TmplUCVTF32to32
	case srcIs64 && !dstIs64:
		return arm64asm.TmplUCVTF64to32
	case !srcIs64 && dstIs64:
		return arm64asm.TmplUCVTF32to64
	default:
		return arm64asm.TmplUCVTF64to64
	}
}

func convertHandler(signed bool) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		dstT := s.Stack.Get(d).Type
		srcT := s.Stack.Get(operands[0]).Type
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(dstT, arm64asm.NONE, &protRegs)
		tmpl := ucvtfTemplate(srcT.Is64(), dstT.Is64())
		if signed {
			tmpl = scvtfTemplate(srcT.Is64(), dstT.Is64())
		}
		s.Mod.Asm.Instr(tmpl).SetD(dst).SetN(src).Emit()
		return StackElement{Kind: EScratchReg, Type: dstT, Storage: RegStorage(dstT, dst)}
	}
}

func fcvtHandler(tmpl arm64asm.Template, dstT mtype.Type) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		dst := s.ReqScratchReg(dstT, arm64asm.NONE, &protRegs)
		s.Mod.Asm.Instr(tmpl).SetD(dst).SetN(src).Emit()
		return StackElement{Kind: EScratchReg, Type: dstT, Storage: RegStorage(dstT, dst)}
	}
}

// --- float -> int truncation, with the exclusive-bound trap guards
// spec.md §4.6.2 describes ---

func fcvtzTemplate(signed, srcIs64, dstIs64 bool) arm64asm.Template {
	switch {
	case signed && !srcIs64 && !dstIs64:
		return arm64asm.TmplFCVTZS32to32
	case signed && !srcIs64 && dstIs64:
		return arm64asm.TmplFCVTZS32to64
	case signed && srcIs64 && !dstIs64:
		return arm64asm.TmplFCVTZS64to32
	case signed && srcIs64 && dstIs64:
		return arm64asm.TmplFCVTZS64to64
	case !signed && !srcIs64 && !dstIs64:
		return arm64asm.TmplFCVTZU32to32
	case !signed && !srcIs64 && dstIs64:
		return arm64asm.TmplFCVTZU32to64
	case !signed && srcIs64 && !dstIs64:
		return arm64asm.TmplFCVTZU64to32
	default:
		return arm64asm.TmplFCVTZU64to64
	}
}

// truncBounds returns the raw bit patterns (in the source float's width) of
// the exclusive max/min a truncation source must fall strictly between.
// The upper bound is the first float at or above the destination integer
// range's one-past-max value; the signed lower bound is nudged one ULP
// below the destination's exact minimum (itself valid and must not trap),
// and the unsigned lower bound is exactly -1 (any negative value traps).
func truncBounds(srcIs64, dstIs64, signed bool) (maxExclBits, minExclBits uint64) {
	var maxVal, minVal float64
	switch {
	case signed && dstIs64:
		maxVal, minVal = 9223372036854775808.0, -9223372036854775808.0
	case signed && !dstIs64:
		maxVal, minVal = 2147483648.0, -2147483648.0
	case !signed && dstIs64:
		maxVal, minVal = 18446744073709551616.0, -1.0
	default:
		maxVal, minVal = 4294967296.0, -1.0
	}
	if signed {
		minVal = math.Nextafter(minVal, math.Inf(-1))
	}
	if srcIs64 {
		return math.Float64bits(maxVal), math.Float64bits(minVal)
	}
	max32 := float32(maxVal)
	min32 := float32(minVal)
	if signed {
		min32 = math.Nextafter32(float32(func() float64 {
			switch {
			case dstIs64:
				return -9223372036854775808.0
			default:
				return -2147483648.0
			}
		}()), float32(math.Inf(-1)))
	}
	return uint64(math.Float32bits(max32)), uint64(math.Float32bits(min32))
}

func truncHandler(signed bool) DeferredActionHandler {
	return func(s *Services, d StackIter, operands []StackIter) StackElement {
		dstT := s.Stack.Get(d).Type
		srcT := s.Stack.Get(operands[0]).Type
		srcIs64, dstIs64 := srcT.Is64(), dstT.Is64()
		protRegs := arm64asm.NoRegs
		src, _ := s.LiftToRegInPlace(operands[0], false, arm64asm.NONE, &protRegs)
		asm := s.Mod.Asm

		maxBits, minBits := truncBounds(srcIs64, dstIs64, signed)
		limit := s.ReqScratchReg(srcT, arm64asm.NONE, &protRegs)
		gpr := s.ReqFreeScratchReg(mtype.I64, protRegs)
		if gpr == arm64asm.NONE {
			local := protRegs
			gpr = s.ReqScratchReg(mtype.I64, arm64asm.NONE, &local)
			protRegs = protRegs.Union(local)
		}

		asm.MOVimm(srcIs64, gpr, maxBits)
		asm.Instr(pickWidth(srcIs64, arm64asm.TmplFMOVgpr64, arm64asm.TmplFMOVgpr32)).SetD(limit).SetN(gpr).Emit()
		asm.Instr(pickWidth(srcIs64, arm64asm.TmplFCMP64, arm64asm.TmplFCMP32)).SetN(src).SetM(limit).Emit()
		asm.CTRAP(TrapCodeTruncOverflow, arm64asm.GE, 0)

		asm.MOVimm(srcIs64, gpr, minBits)
		asm.Instr(pickWidth(srcIs64, arm64asm.TmplFMOVgpr64, arm64asm.TmplFMOVgpr32)).SetD(limit).SetN(gpr).Emit()
		asm.Instr(pickWidth(srcIs64, arm64asm.TmplFCMP64, arm64asm.TmplFCMP32)).SetN(src).SetM(limit).Emit()
		asm.CTRAP(TrapCodeTruncOverflow, arm64asm.LE, 0)

		dst := s.ReqScratchReg(dstT, arm64asm.NONE, &protRegs)
		asm.Instr(fcvtzTemplate(signed, srcIs64, dstIs64)).SetD(dst).SetN(src).Emit()
		return StackElement{Kind: EScratchReg, Type: dstT, Storage: RegStorage(dstT, dst)}
	}
}
