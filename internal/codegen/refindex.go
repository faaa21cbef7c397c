package codegen

import "github.com/arm64wasmjit/core/internal/arm64asm"

// tempStackChain is one node of the sorted-by-offset chain of temp-stack
// heads (spec.md §3.7): nextLower names the next-smaller used offset, or
// NilIter-equivalent via hasNextLower==false when this is the lowest used
// slot.
type tempStackChain struct {
	head         StackIter
	nextLower    int64
	hasNextLower bool
}

// RefIndex is the reference index of spec.md §3.7: for each local, global,
// register, and temp-stack base, a pointer to the current head (topmost)
// StackElement referring to that storage, plus the doubly linked
// prevOccurrence/nextOccurrence chain threaded through the stack elements
// themselves.
type RefIndex struct {
	stack *Stack

	localHead  []StackIter
	globalHead []StackIter
	regHead    map[arm64asm.Reg]StackIter

	tempStack    map[int64]*tempStackChain
	topTempStack int64
	hasTempStack bool
}

func NewRefIndex(stack *Stack, numLocals, numGlobals int) *RefIndex {
	ri := &RefIndex{
		stack:      stack,
		localHead:  make([]StackIter, numLocals),
		globalHead: make([]StackIter, numGlobals),
		regHead:    make(map[arm64asm.Reg]StackIter),
		tempStack:  make(map[int64]*tempStackChain),
	}
	for i := range ri.localHead {
		ri.localHead[i] = NilIter
	}
	for i := range ri.globalHead {
		ri.globalHead[i] = NilIter
	}
	return ri
}

// LocalHead / GlobalHead / RegHead / TempStackHead expose the current head
// for a storage, or NilIter if nothing refers to it (spec.md §8.1 property
// 1's "head is empty iff no stack element currently refers to that
// storage").
func (ri *RefIndex) LocalHead(idx int32) StackIter  { return ri.localHead[idx] }
func (ri *RefIndex) GlobalHead(idx int32) StackIter { return ri.globalHead[idx] }
func (ri *RefIndex) RegHead(r arm64asm.Reg) StackIter {
	if it, ok := ri.regHead[r]; ok {
		return it
	}
	return NilIter
}
func (ri *RefIndex) TempStackHead(offset int64) StackIter {
	if c, ok := ri.tempStack[offset]; ok {
		return c.head
	}
	return NilIter
}

func (ri *RefIndex) tempStackChainFor(offset int64) *tempStackChain {
	c, ok := ri.tempStack[offset]
	if !ok {
		c = &tempStackChain{head: NilIter}
		ri.tempStack[offset] = c
		ri.spliceTempStackOffset(offset)
	}
	return c
}

// spliceTempStackOffset inserts offset into the strictly-decreasing
// nextLowerTempStack chain (spec.md §3.7).
func (ri *RefIndex) spliceTempStackOffset(offset int64) {
	if !ri.hasTempStack {
		ri.topTempStack = offset
		ri.hasTempStack = true
		return
	}
	if offset > ri.topTempStack {
		ri.tempStack[offset].nextLower = ri.topTempStack
		ri.tempStack[offset].hasNextLower = true
		ri.topTempStack = offset
		return
	}
	// Walk down from the top to find the splice point.
	cur := ri.topTempStack
	for {
		c := ri.tempStack[cur]
		if !c.hasNextLower || c.nextLower < offset {
			ri.tempStack[offset].nextLower = c.nextLower
			ri.tempStack[offset].hasNextLower = c.hasNextLower
			c.nextLower = offset
			c.hasNextLower = true
			return
		}
		cur = c.nextLower
	}
}

func (ri *RefIndex) unspliceTempStackOffset(offset int64) {
	if ri.topTempStack == offset && ri.hasTempStack {
		c := ri.tempStack[offset]
		if c.hasNextLower {
			ri.topTempStack = c.nextLower
		} else {
			ri.hasTempStack = false
		}
		delete(ri.tempStack, offset)
		return
	}
	cur := ri.topTempStack
	for ri.hasTempStack {
		c := ri.tempStack[cur]
		if c.hasNextLower && c.nextLower == offset {
			victim := ri.tempStack[offset]
			c.nextLower = victim.nextLower
			c.hasNextLower = victim.hasNextLower
			delete(ri.tempStack, offset)
			return
		}
		if !c.hasNextLower {
			return
		}
		cur = c.nextLower
	}
}

// AddReference links the reference-bearing element at it to the head of its
// storage's chain (spec.md §4.5.2). Every push of a reference-bearing
// element must be paired with exactly one call to this.
func (ri *RefIndex) AddReference(it StackIter) {
	e := ri.stack.Get(it)
	switch e.Kind {
	case ELocal:
		ri.linkHead(&ri.localHead[e.Index], it, e)
	case EGlobal:
		ri.linkHead(&ri.globalHead[e.Index], it, e)
	case EScratchReg:
		head := ri.RegHead(e.Storage.Reg)
		e.prevOcc, e.nextOcc = head, NilIter
		if head != NilIter {
			ri.stack.Get(head).nextOcc = it
		}
		ri.regHead[e.Storage.Reg] = it
	case ETempResult:
		c := ri.tempStackChainFor(e.Storage.Offset)
		e.prevOcc, e.nextOcc = c.head, NilIter
		if c.head != NilIter {
			ri.stack.Get(c.head).nextOcc = it
		}
		c.head = it
	default:
		panic(&CodeGenError{Kind: KindInternalInvariant, Msg: "addReference: non-reference-bearing element"})
	}
}

func (ri *RefIndex) linkHead(head *StackIter, it StackIter, e *StackElement) {
	e.prevOcc, e.nextOcc = *head, NilIter
	if *head != NilIter {
		ri.stack.Get(*head).nextOcc = it
	}
	*head = it
}

// RemoveReference unlinks the element at it from its storage's chain
// (spec.md §4.5.2). For temp-stack targets, if this empties the chain for
// that offset, the offset is also removed from the sorted nextLowerTempStack
// list.
func (ri *RefIndex) RemoveReference(it StackIter) {
	e := ri.stack.Get(it)
	switch e.Kind {
	case ELocal:
		ri.unlink(&ri.localHead[e.Index], it, e)
	case EGlobal:
		ri.unlink(&ri.globalHead[e.Index], it, e)
	case EScratchReg:
		head := ri.regHead[e.Storage.Reg]
		if head == it {
			ri.regHead[e.Storage.Reg] = e.prevOcc
		}
		ri.unlinkChain(it, e)
	case ETempResult:
		c := ri.tempStack[e.Storage.Offset]
		if c == nil {
			return
		}
		if c.head == it {
			c.head = e.prevOcc
		}
		ri.unlinkChain(it, e)
		if c.head == NilIter {
			ri.unspliceTempStackOffset(e.Storage.Offset)
		}
	default:
		panic(&CodeGenError{Kind: KindInternalInvariant, Msg: "removeReference: non-reference-bearing element"})
	}
}

func (ri *RefIndex) unlink(head *StackIter, it StackIter, e *StackElement) {
	if *head == it {
		*head = e.prevOcc
	}
	ri.unlinkChain(it, e)
}

func (ri *RefIndex) unlinkChain(it StackIter, e *StackElement) {
	if e.prevOcc != NilIter {
		ri.stack.Get(e.prevOcc).nextOcc = e.nextOcc
	}
	if e.nextOcc != NilIter {
		ri.stack.Get(e.nextOcc).prevOcc = e.prevOcc
	}
	e.prevOcc, e.nextOcc = NilIter, NilIter
}

// IsSoleOccurrence reports whether it is the only occurrence in its
// storage's chain: the head, with nothing below it. A writable scratch
// register (spec.md §4.5.4) must satisfy this, since writing through it
// would otherwise silently change the value any earlier occurrence reads.
func (ri *RefIndex) IsSoleOccurrence(it StackIter) bool {
	e := ri.stack.Get(it)
	if e.prevOcc != NilIter {
		return false
	}
	switch e.Kind {
	case ELocal:
		return ri.localHead[e.Index] == it
	case EGlobal:
		return ri.globalHead[e.Index] == it
	case EScratchReg:
		return ri.RegHead(e.Storage.Reg) == it
	case ETempResult:
		return ri.TempStackHead(e.Storage.Offset) == it
	default:
		return false
	}
}

// WalkChain calls fn for every occurrence in the chain headed at head, from
// head down to the bottom-most occurrence (prevOccurrence order), stopping
// early if fn returns false.
func (ri *RefIndex) WalkChain(head StackIter, fn func(it StackIter) bool) {
	for it := head; it != NilIter; {
		e := ri.stack.Get(it)
		next := e.prevOcc
		if !fn(it) {
			return
		}
		it = next
	}
}

// HighestUsedTempStackOffset returns the current top of the sorted
// temp-stack chain and whether any temp-stack slot is in use at all.
func (ri *RefIndex) HighestUsedTempStackOffset() (int64, bool) {
	return ri.topTempStack, ri.hasTempStack
}

// NextLowerTempStack returns the offset below `offset` in the sorted chain,
// if one is in use.
func (ri *RefIndex) NextLowerTempStack(offset int64) (int64, bool) {
	c, ok := ri.tempStack[offset]
	if !ok || !c.hasNextLower {
		return 0, false
	}
	return c.nextLower, true
}
