package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// FuncSignature is a Wasm function type: parameter and result machine
// types, in declaration order.
type FuncSignature struct {
	Params  []mtype.Type
	Results []mtype.Type
}

// ImportKind distinguishes the three call-wrapper shapes spec.md §4.6.9
// names.
type ImportKind uint8

const (
	ImportNone ImportKind = iota
	ImportV1              // legacy native ABI
	ImportV2              // new ABI, params/returns serialised through buffers
)

// FuncLink is the per-internal-function-index bookkeeping spec.md §4.6.10
// describes: a single "last call to this function" slot threading a linked
// list of not-yet-resolved call sites through their own displacement
// fields, resolved in one pass by finalizeBranch once the function's body
// is finally emitted.
type FuncLink struct {
	Sig        FuncSignature
	Import     ImportKind
	ImportAddr int64 // ImportV1: static native address; ImportV2: job-memory offset of the slot holding the target address
	BodyOffset int   // -1 until the function body has been emitted
	HasBody    bool

	lastCallPos    int
	hasPendingCall bool
}

// maxGlobalsInRegPerClass mirrors maxLocalsInRegPerClass on the global side
// of the shared locals/globals region of gpr[]/fpr[] (registers.go §3.2):
// the first few globals of each class get a dedicated register, in
// declaration order, ahead of any function's locals.
const maxGlobalsInRegPerClass = 2

// GlobalInfo is a module global's type, mutability, and assigned storage.
// Storage is resolved once at module construction time (assignGlobalStorages):
// a leading few globals of each class land in a dedicated register, the rest
// in the link-data region below LinkDataBase.
//
// LinkDataOffset is allocated for every global regardless of Storage.Kind,
// register-resident ones included: it is the host-visible mirror address a
// call wrapper's "move globals from cached registers into link-data memory"
// step (spec.md §4.6.9 step 1, call.go) writes to before any call, so an
// import (which has no notion of this core's register assignments) can
// still observe a global's current value through job memory.
type GlobalInfo struct {
	Type           mtype.Type
	Mutable        bool
	Storage        VariableStorage
	LinkDataOffset int64
}

// TableInfo describes one Wasm table (spec.md §4.6.9's indirect-call
// validation, §4.6.16's table builtins).
type TableInfo struct {
	ElemType       mtype.Type // I32 models funcref/externref as an opaque 32-bit id for this core's purposes
	InitialSize    uint32
	Maximum        uint32
	HasMaximum     bool
	JobMemBaseAddr int64
}

// ModuleInfo holds everything shared across the functions of one compiled
// module (spec.md §3.8's "module-level" half, C5): the signature table,
// global definitions, table definitions, the shared output buffer, the
// assembler, and the per-function pending-call bookkeeping of §4.6.10.
type ModuleInfo struct {
	Config Config

	Buf *arm64asm.Buffer
	Asm *arm64asm.Assembler

	Funcs   []FuncLink
	Globals []GlobalInfo
	Tables  []TableInfo

	GenericTrapHandlerPos int
	TrapHandlerSet        bool
	ExtensionTrampolinePos int
	ExtensionTrampolineSet bool
	LandingPadPos          int
	LandingPadSet          bool

	Analytics Analytics

	// globalGPRCount/globalFPRCount record how many of the front of
	// arm64asm.GPR()/FPR() the globals region consumed, so FunctionInfo's
	// own local allocation continues from where the globals left off
	// instead of re-using the same physical registers.
	globalGPRCount int
	globalFPRCount int
}

func NewModuleInfo(cfg Config, funcs []FuncLink, globals []GlobalInfo, tables []TableInfo) *ModuleInfo {
	buf := arm64asm.NewBuffer()
	m := &ModuleInfo{
		Config:    cfg,
		Buf:       buf,
		Asm:       arm64asm.NewAssembler(buf, cfg.DebugMode),
		Funcs:     funcs,
		Globals:   globals,
		Tables:    tables,
		Analytics: NoopAnalytics{},
	}
	m.assignGlobalStorages()
	return m
}

// assignGlobalStorages resolves each global's Storage in declaration order:
// register-resident for the first maxGlobalsInRegPerClass of each class
// (spec.md §3.2's shared locals/globals region), link-data below
// LinkDataBase for the rest (spec.md §6.4).
func (m *ModuleInfo) assignGlobalStorages() {
	gpr, fpr := arm64asm.GPR(), arm64asm.FPR()
	offset := LinkDataBase
	for i := range m.Globals {
		g := &m.Globals[i]
		offset -= 8
		g.LinkDataOffset = offset
		if g.Type.IsFloat() {
			if m.globalFPRCount < maxGlobalsInRegPerClass && m.globalFPRCount < len(fpr) {
				g.Storage = RegStorage(g.Type, fpr[m.globalFPRCount])
				m.globalFPRCount++
				continue
			}
		} else if m.globalGPRCount < maxGlobalsInRegPerClass && m.globalGPRCount < len(gpr) {
			g.Storage = RegStorage(g.Type, gpr[m.globalGPRCount])
			m.globalGPRCount++
			continue
		}
		g.Storage = LinkDataStorage(g.Type, offset)
	}
}

// PendingCallTo threads a new unresolved call site into funcIdx's
// last-call linked list (spec.md §4.6.10): the new site's displacement is
// pointed at the previous slot value, then the slot is updated.
func (m *ModuleInfo) PendingCallTo(funcIdx int32, site *arm64asm.RelPatchObj) {
	f := &m.Funcs[funcIdx]
	if f.hasPendingCall {
		site.LinkToBinaryPos(f.lastCallPos)
	}
	f.lastCallPos = site.PosOffsetBeforeInstr()
	f.hasPendingCall = true
}

// FinalizeBranch walks funcIdx's pending-call chain, patching each site to
// the function's now-known body offset (spec.md §4.6.10). Safe to call
// exactly once, when the function body is emitted.
func (m *ModuleInfo) FinalizeBranch(funcIdx int32, bodyOffset int) {
	f := &m.Funcs[funcIdx]
	f.BodyOffset = bodyOffset
	f.HasBody = true
	if !f.hasPendingCall {
		return
	}
	pos := f.lastCallPos
	for {
		site := arm64asm.NewRelPatchObj(m.Buf, pos, arm64asm.BranchImm26)
		prev := site.LinkedBinaryPos()
		site.LinkToBinaryPos(bodyOffset)
		if prev == pos {
			break // self-loop sentinel: chain exhausted
		}
		pos = prev
	}
	f.hasPendingCall = false
}
