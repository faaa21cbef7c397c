package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// StorageKind is the tag of a VariableStorage (spec.md §3.3).
type StorageKind uint8

const (
	StorageInvalid StorageKind = iota
	StorageConstant
	StorageRegister
	StorageStackMemory
	StorageLinkData
	StorageStackReg
)

func (k StorageKind) String() string {
	switch k {
	case StorageConstant:
		return "constant"
	case StorageRegister:
		return "register"
	case StorageStackMemory:
		return "stack-memory"
	case StorageLinkData:
		return "link-data"
	case StorageStackReg:
		return "stack-reg"
	default:
		return "invalid"
	}
}

// VariableStorage names where a value currently lives: a machine type plus a
// storage kind plus the kind-specific location payload.
//
// StackReg is the transitional marker for a local that is conceptually both
// in its home stack slot and its dedicated register across a branch-join
// point (spec.md §3.3); Reg names the register, Offset names the slot, and
// a read uses Reg while a write must eventually flush to Offset too.
type VariableStorage struct {
	Type   mtype.Type
	Kind   StorageKind
	Reg    arm64asm.Reg
	Offset int64 // StackMemory: frame offset. LinkData: job-memory offset. StackReg: home slot.
	Const  uint64
}

var InvalidStorage = VariableStorage{Kind: StorageInvalid}

func RegStorage(t mtype.Type, r arm64asm.Reg) VariableStorage {
	return VariableStorage{Type: t, Kind: StorageRegister, Reg: r}
}

func ConstStorage(t mtype.Type, v uint64) VariableStorage {
	return VariableStorage{Type: t, Kind: StorageConstant, Const: v}
}

func StackMemStorage(t mtype.Type, offset int64) VariableStorage {
	return VariableStorage{Type: t, Kind: StorageStackMemory, Offset: offset}
}

func LinkDataStorage(t mtype.Type, offset int64) VariableStorage {
	return VariableStorage{Type: t, Kind: StorageLinkData, Offset: offset}
}

// Equal tests storage equality: same kind and same payload (registers by
// identity, memory/link-data by offset, constants by bit pattern and type).
func (s VariableStorage) Equal(o VariableStorage) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case StorageConstant:
		return s.Const == o.Const && s.Type == o.Type
	case StorageRegister:
		return s.Reg == o.Reg
	case StorageStackMemory, StorageLinkData:
		return s.Offset == o.Offset
	case StorageStackReg:
		return s.Reg == o.Reg && s.Offset == o.Offset
	default:
		return true
	}
}

func (s VariableStorage) IsRegisterLike() bool {
	return s.Kind == StorageRegister || s.Kind == StorageStackReg
}

func (s VariableStorage) class() arm64asm.OperandClass {
	return arm64asm.OperandClass{Is64: s.Type.Is64(), IsFloat: s.Type.IsFloat()}
}

// operand converts a VariableStorage to the minimal arm64asm.Operand view
// SelectInstr needs. StackReg storages present as registers (a read uses the
// register half of the marker); StackMemory/LinkData present as the
// OperandMemory shape SelectInstr pre-lifts before matching any candidate.
func (s VariableStorage) operand() arm64asm.Operand {
	switch s.Kind {
	case StorageConstant:
		return arm64asm.Operand{Kind: arm64asm.OperandConstant, Imm: s.Const, Class: s.class()}
	case StorageRegister, StorageStackReg:
		return arm64asm.Operand{Kind: arm64asm.OperandRegister, Reg: s.Reg, Class: s.class()}
	case StorageStackMemory, StorageLinkData:
		base := arm64asm.JobMemReg
		if s.Kind == StorageStackMemory {
			base = arm64asm.NONE // resolved against SP/frame base by the caller, not here
		}
		return arm64asm.Operand{Kind: arm64asm.OperandMemory, Imm: uint64(s.Offset), MemBase: base, Class: s.class()}
	default:
		return arm64asm.Operand{}
	}
}
