package codegen

import (
	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// DeferredActionHandler evaluates one deferred-action node once every
// direct operand is itself a non-deferred leaf: it emits code and returns
// the StackElement the node is replaced by (spec.md §4.5.3). Handlers are
// registered from arith.go (arithmetic and conversions) and compare.go
// (comparisons).
type DeferredActionHandler func(s *Services, d StackIter, operands []StackIter) StackElement

// OpcodeInfo is what CondenseValentBlockBelow needs to know about an
// opcode besides how to evaluate it: whether it carries a side effect
// (integer division/remainder, any trapping op, linear-memory loads) that
// must be observable before a later selection step can lose the operand
// that would have proven it (spec.md §4.5.3 pre-pass 1).
type OpcodeInfo struct {
	Handler    DeferredActionHandler
	SideEffect bool
}

// opcodeTable and comparisonOpcodes are populated by arith.go/compare.go's
// init functions; condense.go only consumes them.
var opcodeTable = map[DeferredOpcode]OpcodeInfo{}
var comparisonOpcodes = map[DeferredOpcode]bool{}

// RegisterOpcode installs the handler for op, used by the instruction
// family files' init functions so condense.go stays independent of the
// concrete opcode set.
func RegisterOpcode(op DeferredOpcode, info OpcodeInfo) { opcodeTable[op] = info }

// RegisterComparisonOpcode marks op as a condition-producing opcode for
// CondenseComparisonBelow's root check.
func RegisterComparisonOpcode(op DeferredOpcode) { comparisonOpcodes[op] = true }

func isComparisonOpcode(op DeferredOpcode) bool { return comparisonOpcodes[op] }

// FormDeferredAction forms a new DeferredAction node over the top `arity`
// stack elements (spec.md §3.6): their Parent becomes the new node; the new
// node's Sibling is set to the pre-arg top's Sibling; intra-operand Sibling
// links chain the operands so the leftmost is reachable by walking Sibling
// from the new node's prev(), and the deepest (leftmost) operand's Sibling
// is cleared.
func (s *Services) FormDeferredAction(op DeferredOpcode, arity uint8, resultType mtype.Type) StackIter {
	var opRoots [3]StackIter
	it := s.Stack.Last()
	for i := int(arity) - 1; i >= 0; i-- {
		if it == NilIter {
			raise(KindInternalInvariant, "FormDeferredAction: stack underflow")
		}
		opRoots[i] = it
		it = s.Stack.Prev(it)
	}
	preArgTop := it

	dIt := s.Stack.Push(StackElement{Kind: EDeferredAction, Type: resultType, Op: op, Arity: arity})
	d := s.Stack.Get(dIt)
	if preArgTop != NilIter {
		d.Sibling = s.Stack.Get(preArgTop).Sibling
	} else {
		d.Sibling = NilIter
	}

	for i := int(arity) - 1; i >= 1; i-- {
		op := s.Stack.Get(opRoots[i])
		op.Parent = dIt
		op.Sibling = opRoots[i-1]
	}
	if arity >= 1 {
		base := s.Stack.Get(opRoots[0])
		base.Parent = dIt
		base.Sibling = NilIter
	}
	return dIt
}

// LeftmostOperand returns d's leftmost direct operand: walk Sibling from
// d.prev() until Sibling is empty (spec.md §3.6). NilIter for arity 0.
func (s *Services) LeftmostOperand(d StackIter) StackIter {
	cur := s.Stack.Prev(d)
	if cur == NilIter {
		return NilIter
	}
	for {
		sib := s.Stack.Get(cur).Sibling
		if sib == NilIter {
			return cur
		}
		cur = sib
	}
}

// Operands returns d's direct operands in left-to-right (source) order.
func (s *Services) Operands(d StackIter) []StackIter {
	e := s.Stack.Get(d)
	ops := make([]StackIter, e.Arity)
	cur := s.Stack.Prev(d)
	for i := int(e.Arity) - 1; i >= 0; i-- {
		ops[i] = cur
		cur = s.Stack.Get(cur).Sibling
	}
	return ops
}

// ValentBlockBase returns the leftmost leaf of the valent block rooted at
// r: descend through direct operands while the encountered node is itself
// a DeferredAction (spec.md §3.6).
func (s *Services) ValentBlockBase(r StackIter) StackIter {
	for {
		if s.Stack.Get(r).Kind != EDeferredAction {
			return r
		}
		op := s.LeftmostOperand(r)
		if op == NilIter {
			return r
		}
		r = op
	}
}

// readyDeferredNodes lists, in left-to-right depth-first order, every
// DeferredAction node in the subtree rooted at root whose direct operands
// are all themselves non-deferred (i.e. ready to evaluate right now).
func (s *Services) readyDeferredNodes(root StackIter) []StackIter {
	var out []StackIter
	var walk func(it StackIter)
	walk = func(it StackIter) {
		e := s.Stack.Get(it)
		if e.Kind != EDeferredAction {
			return
		}
		ready := true
		for _, op := range s.Operands(it) {
			if s.Stack.Get(op).Kind == EDeferredAction {
				ready = false
			}
			walk(op)
		}
		if ready {
			out = append(out, it)
		}
	}
	walk(root)
	return out
}

func (s *Services) opcodeInfo(n StackIter) OpcodeInfo {
	return opcodeTable[s.Stack.Get(n).Op]
}

// isScratchOnly reports whether every direct operand of n is already a
// scratch register or a constant (spec.md §4.5.3 pre-pass 2): evaluating
// these early encourages prompt release of scratch registers.
func (s *Services) isScratchOnly(n StackIter) bool {
	for _, op := range s.Operands(n) {
		k := s.Stack.Get(op).Kind
		if k != EScratchReg && k != EConstant {
			return false
		}
	}
	return true
}

// evaluateOneReady dispatches to n's registered handler, replaces n in
// place with the result, and erases its (now-consumed) operand nodes,
// unlinking any that were reference-bearing first.
func (s *Services) evaluateOneReady(n StackIter) StackIter {
	e := s.Stack.Get(n)
	info, ok := opcodeTable[e.Op]
	if !ok {
		raise(KindNotImplemented, "no handler registered for opcode %d", e.Op)
	}
	operands := s.Operands(n)
	result := info.Handler(s, n, operands)

	for _, op := range operands {
		if s.Stack.Get(op).IsReferenceBearing() {
			s.Ref.RemoveReference(op)
		}
		s.Stack.Erase(op)
	}
	s.ReplaceAndUpdateReference(n, result)
	return n
}

// runPasses repeatedly scans root's remaining ready nodes against each
// predicate in turn (side-effect pass, scratch-only pass, catch-all pass),
// evaluating the first match found each time, until no ready node matches
// any remaining predicate. onEvaluated lets the caller track whether root
// itself got replaced.
func (s *Services) runPasses(root StackIter, skip func(StackIter) bool, onEvaluated func(old, replacement StackIter)) {
	passes := []func(StackIter) bool{
		func(n StackIter) bool { return !skip(n) && s.opcodeInfo(n).SideEffect },
		func(n StackIter) bool { return !skip(n) && s.isScratchOnly(n) },
		func(n StackIter) bool { return !skip(n) },
	}
	for _, pass := range passes {
		for {
			ready := s.readyDeferredNodes(root)
			chosen := NilIter
			for _, n := range ready {
				if pass(n) {
					chosen = n
					break
				}
			}
			if chosen == NilIter {
				break
			}
			result := s.evaluateOneReady(chosen)
			onEvaluated(chosen, result)
		}
	}
}

// CondenseValentBlockBelow walks the valent block rooted at stack.Prev(below)
// and evaluates every deferred-action node in the three-pass order spec.md
// §4.5.3 requires (side-effecting first, then scratch-only subtrees, then
// left-to-right), returning the iterator of the resulting value element. If
// enforcedTarget is given, that storage is spilled from the stack first,
// the tree condenses normally, then a final move (if not already in place)
// lands the result in enforcedTarget.
func (s *Services) CondenseValentBlockBelow(below StackIter, enforcedTarget *VariableStorage) StackIter {
	root := s.Stack.Prev(below)
	if root == NilIter {
		raise(KindInternalInvariant, "condense: empty valent block")
	}
	if enforcedTarget != nil {
		s.spillStorageOut(*enforcedTarget)
	}

	s.runPasses(root, func(StackIter) bool { return false }, func(old, new StackIter) {
		if old == root {
			root = new
		}
	})

	if enforcedTarget != nil {
		root = s.moveResultToTarget(root, *enforcedTarget)
	}
	return root
}

// CondenseComparisonBelow condenses the valent block rooted at
// stack.Prev(below) like CondenseValentBlockBelow, but if the root is a
// comparison opcode, emits it directly into CPU flags and returns the
// matching branch condition instead of leaving a value on the stack. If the
// root is a plain value (no comparison at the root), an implicit "!= 0"
// comparison is synthesised and NE is returned (spec.md §4.5.3).
func (s *Services) CondenseComparisonBelow(below StackIter) arm64asm.ConditionCode {
	root := s.Stack.Prev(below)
	if root == NilIter {
		raise(KindInternalInvariant, "condense: empty valent block")
	}

	if s.Stack.Get(root).Kind == EDeferredAction && isComparisonOpcode(s.Stack.Get(root).Op) {
		s.runPasses(root, func(n StackIter) bool { return n == root }, func(StackIter, StackIter) {})

		operands := s.Operands(root)
		cc := s.EmitComparison(root, operands)
		for _, op := range operands {
			if s.Stack.Get(op).IsReferenceBearing() {
				s.Ref.RemoveReference(op)
			}
			s.Stack.Erase(op)
		}
		s.Stack.Erase(root)
		return cc
	}

	result := s.CondenseValentBlockBelow(below, nil)
	t := s.Stack.Get(result).Type
	protRegs := arm64asm.NoRegs
	reg, _ := s.LiftToRegInPlace(result, false, arm64asm.NONE, &protRegs)
	asm := s.Mod.Asm
	asm.Instr(pickWidth(t.Is64(), arm64asm.TmplSUBS64, arm64asm.TmplSUBS32)).SetD(arm64asm.ZR).SetN(reg).SetM(arm64asm.ZR).Emit()
	if s.Stack.Get(result).IsReferenceBearing() {
		s.Ref.RemoveReference(result)
	}
	s.Stack.Erase(result)
	return arm64asm.NE
}

func (s *Services) spillStorageOut(target VariableStorage) {
	if head := s.headFor(target); head != NilIter {
		s.SpillFromStack(head, true, NilIter, NilIter)
	}
}

func (s *Services) moveResultToTarget(result StackIter, target VariableStorage) StackIter {
	cur := s.Stack.Get(result)
	if !cur.Storage.Equal(target) {
		s.emitMoveToReg2(target, cur.Storage)
	}
	kind := ETempResult
	if target.Kind == StorageRegister {
		kind = EScratchReg
	}
	newE := StackElement{Kind: kind, Type: cur.Type, Storage: target}
	s.ReplaceAndUpdateReference(result, newE)
	return result
}
