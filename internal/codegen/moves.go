package codegen

import "github.com/arm64wasmjit/core/internal/arm64asm"

// pickWidth chooses between a 64-bit and 32-bit template by is64.
func pickWidth(is64 bool, t64, t32 arm64asm.Template) arm64asm.Template {
	if is64 {
		return t64
	}
	return t32
}

// emitMoveToReg emits whatever instruction materialises storage's current
// value into dst, regardless of storage's kind: a register-register move, a
// MOVimm/FMOVimm for a constant, or a load for a memory-resident value. This
// is the "emit one move from source to new destination" step common to
// liftToRegInPlace (spec.md §4.5.6) and spillFromStack's counterpart.
//
// Memory operands are addressed with LDUR/STUR (±256-byte unscaled
// displacement) uniformly, rather than the scaled imm12 LDR/STR forms for
// larger offsets.
func (s *Services) emitMoveToReg(dst arm64asm.Reg, storage VariableStorage, protRegs arm64asm.RegMask) {
	asm := s.Mod.Asm
	is64 := storage.Type.Is64()
	isFloat := storage.Type.IsFloat()

	switch storage.Kind {
	case StorageConstant:
		if !isFloat {
			asm.MOVimm(is64, dst, storage.Const)
			return
		}
		if asm.FMOVimm(is64, dst, storage.Const) {
			return
		}
		bridge := s.getRegAllocCandidate(false, protRegs.With(dst))
		if bridge == arm64asm.NONE {
			raise(KindInternalInvariant, "no GPR bridge free to materialise float constant")
		}
		asm.MOVimm(is64, bridge, storage.Const)
		asm.Instr(pickWidth(is64, arm64asm.TmplFMOVgpr64, arm64asm.TmplFMOVgpr32)).SetD(dst).SetN(bridge).Emit()

	case StorageRegister, StorageStackReg:
		if storage.Reg == dst {
			return
		}
		if isFloat {
			asm.Instr(pickWidth(is64, arm64asm.TmplFMOVreg64, arm64asm.TmplFMOVreg32)).SetD(dst).SetN(storage.Reg).Emit()
		} else {
			asm.Instr(pickWidth(is64, arm64asm.TmplORR64, arm64asm.TmplORR32)).SetD(dst).SetN(arm64asm.ZR).SetM(storage.Reg).Emit()
		}

	case StorageStackMemory, StorageLinkData:
		base := arm64asm.JobMemReg
		if storage.Kind == StorageStackMemory {
			base = arm64asm.SP
		}
		asm.Instr(loadTemplate(is64, isFloat)).SetT(dst).SetN(base).SetUnscSImm9(storage.Offset).Emit()

	default:
		raise(KindInternalInvariant, "emitMoveToReg: invalid source storage")
	}
}

// emitStoreFromReg is emitMoveToReg's mirror: src (already a register) is
// written into storage, whatever storage's kind (used by spillFromStack to
// evict a register's value, or by a local's home-slot write-back).
func (s *Services) emitStoreFromReg(src arm64asm.Reg, storage VariableStorage) {
	asm := s.Mod.Asm
	is64 := storage.Type.Is64()
	isFloat := storage.Type.IsFloat()

	switch storage.Kind {
	case StorageRegister, StorageStackReg:
		if storage.Reg == src {
			return
		}
		if isFloat {
			asm.Instr(pickWidth(is64, arm64asm.TmplFMOVreg64, arm64asm.TmplFMOVreg32)).SetD(storage.Reg).SetN(src).Emit()
		} else {
			asm.Instr(pickWidth(is64, arm64asm.TmplORR64, arm64asm.TmplORR32)).SetD(storage.Reg).SetN(arm64asm.ZR).SetM(src).Emit()
		}

	case StorageStackMemory, StorageLinkData:
		base := arm64asm.JobMemReg
		if storage.Kind == StorageStackMemory {
			base = arm64asm.SP
		}
		asm.Instr(storeTemplate(is64, isFloat)).SetT(src).SetN(base).SetUnscSImm9(storage.Offset).Emit()

	default:
		raise(KindInternalInvariant, "emitStoreFromReg: invalid destination storage")
	}
}

func loadTemplate(is64, isFloat bool) arm64asm.Template {
	switch {
	case isFloat && is64:
		return arm64asm.TmplLDURFimm64
	case isFloat:
		return arm64asm.TmplLDURFimm32
	case is64:
		return arm64asm.TmplLDURimm64
	default:
		return arm64asm.TmplLDURimm32
	}
}

func storeTemplate(is64, isFloat bool) arm64asm.Template {
	switch {
	case isFloat && is64:
		return arm64asm.TmplSTURFimm64
	case isFloat:
		return arm64asm.TmplSTURFimm32
	case is64:
		return arm64asm.TmplSTURimm64
	default:
		return arm64asm.TmplSTURimm32
	}
}

func regClassMatches(r arm64asm.Reg, isFloat bool) bool {
	if isFloat {
		return arm64asm.IsFPR(r)
	}
	return arm64asm.IsGPR(r)
}
