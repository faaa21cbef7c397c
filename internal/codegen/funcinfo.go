package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// LocalInfo is one local's (or parameter's) assigned storage, fixed for the
// whole function once allocateLocal has run for it (spec.md §4.6.1).
type LocalInfo struct {
	Type    mtype.Type
	IsParam bool
	Storage VariableStorage // Register (register-allocated) or StackMemory (stack-resident)
}

// maxLocalsInRegPerClass bounds how many locals of one register class may
// live in a dedicated register before the rest fall back to stack slots.
// allocateOneLocal applies this one bound to parameters and non-parameter
// locals alike (they share the count); chosen so the locals/globals region of gpr[]/fpr[]
// (registers.go) is never over-subscribed by globals plus locals together.
const maxLocalsInRegPerClass = 4

// FunctionInfo is the per-currently-compiled-function state of spec.md
// §3.8: signature, counters, widths, the open-block pointer, and the
// reachability/termination flags, plus the bookkeeping §4.6 operations
// layer on top (trap re-entry context, last comparison condition, pending
// block stack).
type FunctionInfo struct {
	Module *ModuleInfo
	Index  int32
	Sig    FuncSignature

	Locals []LocalInfo

	NumParams        int
	NumLocalsInGPR   int
	NumLocalsInFPR   int
	ParamWidth       uint64
	DirectLocalsWidth uint64
	StackFrameSize   uint64

	numGPRLocalsAssigned int
	numFPRLocalsAssigned int

	OpenBlocks []StackIter // stack of Block/IfBlock/Loop marker iterators, innermost last

	Unreachable        bool
	ProperlyTerminated bool

	LastBC            arm64asm.ConditionCode
	HasLastBC         bool

	trapReentryCreatedHere bool
	startOffset            int

	// protectedRegs tracks registers the allocator must not currently hand
	// out: locals/globals live in dedicated registers for the whole
	// function, so they are always protected once assigned.
	protectedRegs arm64asm.RegMask
}

func NewFunctionInfo(m *ModuleInfo, idx int32, sig FuncSignature) *FunctionInfo {
	f := &FunctionInfo{
		Module:             m,
		Index:              idx,
		Sig:                sig,
		ProperlyTerminated: false,
	}
	// Locals' register allocation starts after the globals region
	// (spec.md §3.2's shared locals/globals pool), and every global
	// register is protected for the function's whole lifetime.
	f.numGPRLocalsAssigned = m.globalGPRCount
	f.numFPRLocalsAssigned = m.globalFPRCount
	for i := range m.Globals {
		if g := m.Globals[i].Storage; g.Kind == StorageRegister {
			f.protectedRegs = f.protectedRegs.With(g.Reg)
		}
	}
	return f
}

// AllocateLocal appends mult local definitions of type t (spec.md §4.6.1).
// Params must all be allocated before any non-param local (enforced by the
// caller's lifecycle discipline, spec.md §3.9).
func (f *FunctionInfo) AllocateLocal(t mtype.Type, isParam bool, mult int) {
	if isParam {
		f.NumParams += mult
	}
	for i := 0; i < mult; i++ {
		f.allocateOneLocal(t, isParam)
	}
}

func (f *FunctionInfo) allocateOneLocal(t mtype.Type, isParam bool) {
	if f.Module.Config.DebugMode {
		f.assignStackSlot(t, isParam)
		return
	}
	if t.IsFloat() {
		if f.numFPRLocalsAssigned-f.Module.globalFPRCount < maxLocalsInRegPerClass {
			f.assignRegister(t, isParam, arm64asm.FPR(), &f.numFPRLocalsAssigned, &f.NumLocalsInFPR)
			return
		}
	} else {
		if f.numGPRLocalsAssigned-f.Module.globalGPRCount < maxLocalsInRegPerClass {
			f.assignRegister(t, isParam, arm64asm.GPR(), &f.numGPRLocalsAssigned, &f.NumLocalsInGPR)
			return
		}
	}
	f.assignStackSlot(t, isParam)
}

func (f *FunctionInfo) assignRegister(t mtype.Type, isParam bool, pool []arm64asm.Reg, assigned, counted *int) {
	if *assigned >= len(pool) {
		raise(KindTooManyLocals, "register pool exhausted for locals/globals region")
	}
	r := pool[*assigned]
	*assigned++
	*counted++
	f.protectedRegs = f.protectedRegs.With(r)
	f.Locals = append(f.Locals, LocalInfo{Type: t, IsParam: isParam, Storage: RegStorage(t, r)})
}

func (f *FunctionInfo) assignStackSlot(t mtype.Type, isParam bool) {
	width := uint64(t.Size())
	if width < 8 {
		width = 8
	}
	var offset int64
	if isParam {
		offset = int64(f.ParamWidth)
		f.ParamWidth += width
	} else {
		offset = int64(f.ParamWidth + f.DirectLocalsWidth)
		f.DirectLocalsWidth += width
		f.StackFrameSize += width
	}
	f.Locals = append(f.Locals, LocalInfo{Type: t, IsParam: isParam, Storage: StackMemStorage(t, offset)})
}

// CurrentBlock returns the innermost open block marker iterator, or
// NilIter if none is open (i.e. we are at the top level of the function).
func (f *FunctionInfo) CurrentBlock() StackIter {
	if len(f.OpenBlocks) == 0 {
		return NilIter
	}
	return f.OpenBlocks[len(f.OpenBlocks)-1]
}

func (f *FunctionInfo) PushBlock(it StackIter) { f.OpenBlocks = append(f.OpenBlocks, it) }

func (f *FunctionInfo) PopBlock() StackIter {
	n := len(f.OpenBlocks)
	if n == 0 {
		raise(KindInternalInvariant, "PopBlock with no open block")
	}
	it := f.OpenBlocks[n-1]
	f.OpenBlocks = f.OpenBlocks[:n-1]
	return it
}

// ProtectedRegs returns the mask of registers the allocator must never hand
// out: every register a local or global was assigned to, for the lifetime
// of the function.
func (f *FunctionInfo) ProtectedRegs() arm64asm.RegMask { return f.protectedRegs }
