package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// ElemKind is the tag of a StackElement (spec.md §3.4).
type ElemKind uint8

const (
	EInvalid ElemKind = iota
	EConstant
	EScratchReg
	ELocal
	EGlobal
	ETempResult
	EDeferredAction
	EBlock
	EIfBlock
	ELoop
)

// StackIter is an index into the Stack arena. The Design Notes of spec.md
// §9 call for an arena allocating stack nodes plus indices into it rather
// than owning pointers, since the stack container, the condense tree, and
// the reference index all need non-owning references into the same set of
// nodes; NilIter is the distinguished "empty iterator" value (spec.md §3.5).
type StackIter int32

const NilIter StackIter = -1

// DeferredOpcode identifies the pending Wasm-level operation a
// DeferredAction node represents.
type DeferredOpcode uint16

// BlockKind.
type BlockKind uint8

const (
	BlockPlain BlockKind = iota
	BlockIf
	BlockLoop
)

// BlockMarker carries the control-flow bookkeeping a Block/IfBlock/Loop
// StackElement needs (spec.md §3.4, §4.6.11).
type BlockMarker struct {
	Kind            BlockKind
	SigIndex        int32
	EntryFrameSize  uint64
	ResultOffset    int64
	PendingBranches []BranchFixup // Block/IfBlock only: forward branches awaiting finalizeBlock
	LoopStartOffset int           // Loop only: binary offset backward branches target directly
	Saved           ControlState

	// IfBlock only: the conditional branch taken when the `if` condition is
	// false, initially targeting the (not yet known) else-or-end offset.
	ElseJump     *arm64asm.RelPatchObj
	ElseResolved bool
}

// BranchFixup is one forward branch awaiting patching when its target block
// reaches `end` (spec.md §4.6.11). It is intentionally a small value type,
// not arm64asm.RelPatchObj itself, because a block may accumulate branches
// whose RelPatchObj chains are threaded through different instruction kinds
// (B vs B.cond/CBZ/CBNZ); finalizeBlock resolves each independently.
type BranchFixup struct {
	Link func(targetOffset int)
}

// ControlState is the subset of FunctionInfo a block marker must restore on
// `end` (current stack-frame size plus reachability).
type ControlState struct {
	StackFrameSize uint64
	Unreachable    bool
}

// StackElement is the tagged variant of spec.md §3.4. Only the fields
// relevant to Kind are meaningful; unused fields are zero.
type StackElement struct {
	Kind ElemKind

	// Leaf payload.
	Type    mtype.Type
	Storage VariableStorage // ScratchReg/TempResult: concrete location. Local/Global: only .Type is meaningful here; the index below names the slot.
	Index   int32           // Local/Global: index into the function/module table.

	// DeferredAction payload.
	Op    DeferredOpcode
	Arity uint8

	// Block/IfBlock/Loop payload.
	Block BlockMarker

	// Intrusive tree pointers over the flat stack (spec.md §3.6).
	Parent  StackIter
	Sibling StackIter

	// Doubly linked stack-list pointers (spec.md §3.5).
	prev, next StackIter

	// Reference-index chain pointers (spec.md §3.7). Only meaningful for
	// reference-bearing kinds (ScratchReg, Local, Global, TempResult).
	prevOcc, nextOcc StackIter

	live bool // arena slot in use; guards against stale StackIter reuse
}

// IsReferenceBearing reports whether e participates in the reference index
// (spec.md §3.7): every push of such an element must be paired with exactly
// one addReference call.
func (e *StackElement) IsReferenceBearing() bool {
	switch e.Kind {
	case EScratchReg, ELocal, EGlobal:
		return true
	case ETempResult:
		return e.Storage.Kind == StorageStackMemory
	default:
		return false
	}
}

// Stack is the doubly linked list container of spec.md §3.5, backed by an
// arena so StackIter values stay valid across arbitrary pushes and pops of
// other elements (spec.md's iterator-stability requirement).
type Stack struct {
	arena []StackElement
	free  []StackIter
	head  StackIter // bottom of stack
	tail  StackIter // top of stack
}

func NewStack() *Stack {
	return &Stack{head: NilIter, tail: NilIter}
}

func (s *Stack) alloc(e StackElement) StackIter {
	// Parent/Sibling default to NilIter regardless of what the caller passed
	// in e: the StackElement zero value has both fields == 0, which is a
	// live arena index, not NilIter(-1). Callers that need tree structure
	// set it explicitly after Push via Get(it).Parent/.Sibling (see
	// condense.go), never through the literal passed to Push.
	e.Parent, e.Sibling = NilIter, NilIter
	e.prev, e.next = NilIter, NilIter
	e.prevOcc, e.nextOcc = NilIter, NilIter
	e.live = true
	if n := len(s.free); n > 0 {
		it := s.free[n-1]
		s.free = s.free[:n-1]
		s.arena[it] = e
		return it
	}
	s.arena = append(s.arena, e)
	return StackIter(len(s.arena) - 1)
}

// Get returns the element at it. Panics on a stale or empty iterator, which
// indicates an internal bookkeeping bug rather than a recoverable condition
// (spec.md §7: the core asserts its own invariants rather than recovering).
func (s *Stack) Get(it StackIter) *StackElement {
	if it == NilIter || int(it) >= len(s.arena) || !s.arena[it].live {
		panic(&CodeGenError{Kind: KindInternalInvariant, Msg: "stack: stale or empty iterator dereferenced"})
	}
	return &s.arena[it]
}

func (s *Stack) Begin() StackIter { return s.head }
func (s *Stack) End() StackIter   { return NilIter }
func (s *Stack) Last() StackIter  { return s.tail }
func (s *Stack) Empty() bool      { return s.tail == NilIter }

func (s *Stack) Prev(it StackIter) StackIter {
	if it == NilIter {
		return s.tail
	}
	return s.Get(it).prev
}

func (s *Stack) Next(it StackIter) StackIter {
	if it == NilIter {
		return s.head
	}
	return s.Get(it).next
}

// Push appends e atop the stack and returns its iterator. Parent/Sibling
// always start NilIter regardless of what e carries (see alloc); the
// condense-tree helpers in condense.go set them afterwards via Get(it).
func (s *Stack) Push(e StackElement) StackIter {
	it := s.alloc(e)
	node := &s.arena[it]
	node.prev = s.tail
	node.next = NilIter
	if s.tail != NilIter {
		s.Get(s.tail).next = it
	} else {
		s.head = it
	}
	s.tail = it
	return it
}

// Pop removes and returns the topmost element's iterator. The caller is
// responsible for any reference-index bookkeeping (removeReference) before
// the node is erased from the arena.
func (s *Stack) Pop() StackIter {
	if s.tail == NilIter {
		panic(&CodeGenError{Kind: KindInternalInvariant, Msg: "pop of empty stack"})
	}
	it := s.tail
	s.eraseNode(it)
	return it
}

// Erase removes it from the list (used by condense to drop operand nodes
// once they have been folded into their parent's evaluation, and to replace
// a deferred-action node with its computed result in place).
func (s *Stack) Erase(it StackIter) {
	s.eraseNode(it)
}

func (s *Stack) eraseNode(it StackIter) {
	n := s.Get(it)
	if n.prev != NilIter {
		s.Get(n.prev).next = n.next
	} else {
		s.head = n.next
	}
	if n.next != NilIter {
		s.Get(n.next).prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.live = false
	s.free = append(s.free, it)
}

// ReplaceInPlace substitutes newE for the element at it, preserving it's
// position in the physical list and its Parent/Sibling (spec.md §4.5.1's
// replaceAndUpdateReference): the caller must have already updated the
// reference index for the swap (removeReference(old) / addReference(new)).
func (s *Stack) ReplaceInPlace(it StackIter, newE StackElement) {
	old := s.Get(it)
	newE.prev, newE.next = old.prev, old.next
	newE.Parent, newE.Sibling = old.Parent, old.Sibling
	// prevOcc/nextOcc always start NilIter here too, for the same reason
	// alloc() resets Parent/Sibling: newE's zero value is a live arena
	// index (0), not NilIter. The caller (Services.ReplaceAndUpdateReference)
	// is responsible for the reference-index bookkeeping around this call.
	newE.prevOcc, newE.nextOcc = NilIter, NilIter
	newE.live = true
	s.arena[it] = newE
}
