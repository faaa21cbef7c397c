package arm64asm

// OperandKind classifies how an Operand passed to SelectInstr is currently
// stored, mirroring the storage kinds of spec.md §3.3 that matter to
// instruction selection (codegen.VariableStorage carries the richer set;
// this package only needs to know whether a value is already register-
// resident, has to be lifted from memory first, or is an immediate).
type OperandKind uint8

const (
	OperandInvalid OperandKind = iota
	OperandRegister
	OperandMemory // StackMemory or LinkData: must be pre-lifted (step 1 of §4.4)
	OperandConstant
)

// OperandClass is an operand's register-allocation class: 32- vs 64-bit,
// integer vs float. It intentionally does not import codegen's richer
// mtype.Type so this package stays free of a codegen dependency; codegen
// converts mtype.Type to OperandClass at the call site.
type OperandClass struct {
	Is64    bool
	IsFloat bool
}

// Operand is the minimal view of a VariableStorage that SelectInstr needs.
type Operand struct {
	Kind    OperandKind
	Reg     Reg
	Imm     uint64 // constant bit pattern (OperandConstant) or offset (OperandMemory)
	MemBase Reg    // base register for an OperandMemory operand
	Class   OperandClass
}

func argTypeFor(class OperandClass, asImmediate bool) ArgType {
	switch {
	case class.IsFloat && class.Is64:
		return ArgR64F
	case class.IsFloat && !class.Is64:
		return ArgR32F
	case class.Is64 && asImmediate:
		return ArgImm12zxOLS12_64
	case !class.Is64 && asImmediate:
		return ArgImm12zxOLS12_32
	case class.Is64:
		return ArgR64
	default:
		return ArgR32
	}
}

// LiftFunc ensures operand op is in a register, emitting a move if needed,
// and returns the chosen register plus whether it is now a writable
// scratch (codegen.liftToRegInPlace implements this; it also updates the
// stack/reference-index bookkeeping SelectInstr has no visibility into).
type LiftFunc func(op *Operand, needsWritable bool, protRegs RegMask) (reg Reg, writable bool)

// ScratchFunc allocates a fresh scratch register of the given class,
// excluding protRegs (codegen.reqScratchReg).
type ScratchFunc func(class OperandClass, protRegs RegMask) Reg

// MoveFunc emits dst <- src for same-class register-to-register moves
// (used when the chosen destination differs from where selection landed,
// e.g. an enforced target).
type MoveFunc func(dst, src Reg, class OperandClass)

// SelectionPolicy bundles the callbacks SelectInstr needs into the owning
// codegen.Services so this package stays independent of the symbolic-stack
// representation.
type SelectionPolicy struct {
	Lift    LiftFunc
	Scratch ScratchFunc
	Move    MoveFunc
}

// SelectInstr implements spec.md §4.4: given arity-matched candidates (most
// to least preferred), current operand storages, and allocation policy
// callbacks, it picks the cheapest legal instruction form, lifting operands
// into registers when no candidate matches, and emits the winning form.
// targetHintReg, when it is a real register not in protRegs, is preferred
// as the destination (spec.md §4.4 step 2(b)); pass NONE to disable the
// hint entirely, and note it is the caller's responsibility to have
// already verified the hint is live in a register of the right type.
func (a *Assembler) SelectInstr(
	candidates []AbstrInstr,
	operands [2]Operand,
	startedAsWritable [2]bool,
	targetHintReg Reg,
	protRegs RegMask,
	presFlags bool,
	policy SelectionPolicy,
) (result Operand, reversed bool) {
	arity := candidates[0].Arity()

	// Step 1: pre-lift memory operands (arithmetic can't encode them).
	for i := 0; i < arity; i++ {
		if operands[i].Kind == OperandMemory {
			other := protRegs
			if arity == 2 {
				other = other.With(operands[1-i].Reg)
			}
			reg, writable := policy.Lift(&operands[i], true, other)
			operands[i] = Operand{Kind: OperandRegister, Reg: reg, Class: operands[i].Class}
			startedAsWritable[i] = writable
		}
	}

	for pass := 0; pass < 2; pass++ {
		for _, cand := range candidates {
			if ok, order := tryCandidate(cand, arity, operands); ok {
				return a.emitSelected(cand, operands, order, startedAsWritable, targetHintReg, protRegs, policy)
			}
		}
		if pass == 1 {
			break
		}
		liftOneOrBoth(candidates, arity, &operands, &startedAsWritable, protRegs, policy)
	}
	panic(&LimitError{Kind: KindInstrSelectFailure})
}

// tryCandidate checks whether operands fit cand, trying the swapped order
// too when cand is commutative. order[i] gives which logical operand (0 or
// 1) plays role i.
func tryCandidate(cand AbstrInstr, arity int, operands [2]Operand) (ok bool, order [2]int) {
	order = [2]int{0, 1}
	if fitsOrder(cand, arity, operands, order) {
		return true, order
	}
	if arity == 2 && cand.Commutative {
		swapped := [2]int{1, 0}
		if fitsOrder(cand, arity, operands, swapped) {
			return true, swapped
		}
	}
	return false, order
}

func fitsOrder(cand AbstrInstr, arity int, operands [2]Operand, order [2]int) bool {
	argTypes := [2]ArgType{cand.Src0, cand.Src1}
	for i := 0; i < arity; i++ {
		op := operands[order[i]]
		at := argTypes[i]
		if !fitsOperand(at, op) {
			return false
		}
	}
	return true
}

func fitsOperand(at ArgType, op Operand) bool {
	switch op.Kind {
	case OperandRegister:
		if !at.IsRegister() {
			return false
		}
		return at.IsFloat() == op.Class.IsFloat && at.Is64() == op.Class.Is64
	case OperandConstant:
		if !at.IsImmediate() {
			return false
		}
		return at.FitsImmediate(op.Imm, op.Class.Is64)
	default:
		return false
	}
}

// liftOneOrBoth implements §4.4 step 3's lifting priority: an operand that
// didn't fit any candidate even as an immediate must be lifted; otherwise
// prefer lifting the non-constant operand so the constant can still play
// an immediate role against a later candidate; otherwise lift whichever
// side isn't already a writable scratch.
func liftOneOrBoth(candidates []AbstrInstr, arity int, operands *[2]Operand, writable *[2]bool, protRegs RegMask, policy SelectionPolicy) {
	neverFit := [2]bool{true, true}
	for _, cand := range candidates {
		argTypes := [2]ArgType{cand.Src0, cand.Src1}
		for i := 0; i < arity; i++ {
			if fitsOperand(argTypes[i], operands[i]) {
				neverFit[i] = false
			}
			if arity == 2 && cand.Commutative && fitsOperand(argTypes[i], operands[1-i]) {
				neverFit[1-i] = false
			}
		}
	}

	lift := func(i int) {
		other := protRegs
		if arity == 2 {
			other = other.With(operands[1-i].Reg)
		}
		reg, w := policy.Lift(&operands[i], false, other)
		operands[i] = Operand{Kind: OperandRegister, Reg: reg, Class: operands[i].Class}
		writable[i] = w
	}

	liftedAny := false
	for i := 0; i < arity; i++ {
		if neverFit[i] && operands[i].Kind != OperandRegister {
			lift(i)
			liftedAny = true
		}
	}
	if liftedAny {
		return
	}
	if arity == 2 {
		if operands[0].Kind == OperandConstant && operands[1].Kind != OperandConstant {
			lift(1)
			return
		}
		if operands[1].Kind == OperandConstant && operands[0].Kind != OperandConstant {
			lift(0)
			return
		}
	}
	for i := 0; i < arity; i++ {
		if !writable[i] {
			lift(i)
			return
		}
	}
	// Both already writable scratch registers (or arity < 2): nothing left
	// to lift; the next pass must now find a register-register candidate.
}

func (a *Assembler) emitSelected(
	cand AbstrInstr,
	operands [2]Operand,
	order [2]int,
	startedAsWritable [2]bool,
	targetHintReg Reg,
	protRegs RegMask,
	policy SelectionPolicy,
) (result Operand, reversed bool) {
	arity := cand.Arity()
	reversed = order[0] == 1

	dstClass := classFromArgType(cand.Dst)
	var dstReg Reg
	allocated := false

	switch {
	case cand.Dst == ArgNone:
		// compare-style: no destination register.
	case targetHintReg != NONE && !protRegs.Has(targetHintReg):
		dstReg = targetHintReg
	case arity >= 1 && operands[order[0]].Kind == OperandRegister &&
		(startedAsWritable[order[0]] || isWritableHeuristic(startedAsWritable, order[0])) &&
		sameIntOrFloatClass(operands[order[0]].Class, dstClass):
		dstReg = operands[order[0]].Reg
	case arity == 2 && operands[order[1]].Kind == OperandRegister && startedAsWritable[order[1]] &&
		sameIntOrFloatClass(operands[order[1]].Class, dstClass):
		dstReg = operands[order[1]].Reg
	default:
		dstReg = policy.Scratch(dstClass, protRegs.With(regsOf(operands)...))
		allocated = true
	}
	_ = allocated

	b := a.Instr(cand.Template)
	if cand.Dst != ArgNone {
		b.SetD(dstReg)
	}
	argTypes := [2]ArgType{cand.Src0, cand.Src1}
	roleFromOperand := [2]func(*Builder, Reg){func(bb *Builder, r Reg) { bb.SetN(r) }, func(bb *Builder, r Reg) { bb.SetM(r) }}
	for i := 0; i < arity; i++ {
		op := operands[order[i]]
		at := argTypes[i]
		switch {
		case at.IsRegister():
			roleFromOperand[i](b, op.Reg)
		case at.IsImmediate():
			setImmediateField(b, at, op.Imm)
		}
	}
	b.Emit()

	if cand.Dst == ArgNone {
		return Operand{}, reversed
	}
	return Operand{Kind: OperandRegister, Reg: dstReg, Class: dstClass}, reversed
}

func isWritableHeuristic(writable [2]bool, idx int) bool { return writable[idx] }

func sameIntOrFloatClass(a, b OperandClass) bool { return a.IsFloat == b.IsFloat }

func classFromArgType(at ArgType) OperandClass {
	return OperandClass{Is64: at.Is64(), IsFloat: at.IsFloat()}
}

func regsOf(operands [2]Operand) []Reg {
	var regs []Reg
	for _, op := range operands {
		if op.Kind == OperandRegister {
			regs = append(regs, op.Reg)
		}
	}
	return regs
}

// setImmediateField decodes constant imm into the single encoded field at
// matches cand's Dst == the selector guarantees a single-immediate form; a
// second immediate on the same instruction would be an internal
// contradiction.
func setImmediateField(b *Builder, at ArgType, imm uint64) {
	switch at {
	case ArgImm12zxOLS12_32, ArgImm12zxOLS12_64:
		if imm <= 0xfff {
			b.SetImm12zx(imm)
		} else {
			b.SetImm12zxls12(imm)
		}
	case ArgImm6L32, ArgImm6R32, ArgImm6L64, ArgImm6R64:
		b.SetImm6x(imm)
	case ArgImm12Bitmask32:
		packed, ok := EncodeLogicalImmediate(uint32(imm), false)
		if !ok {
			panic(&LimitError{Kind: KindMultipleImmediates})
		}
		b.SetImmBitmask(packed)
	case ArgImm13Bitmask64:
		packed, ok := EncodeLogicalImmediate64(imm)
		if !ok {
			panic(&LimitError{Kind: KindMultipleImmediates})
		}
		b.SetImmBitmask(packed)
	}
}

// EmitActionArg emits the instruction form cand selects for the given
// already-finalised operands, without going through the search in
// SelectInstr. Used when the caller (e.g. emitComparison) has already
// picked the single correct candidate itself.
func (a *Assembler) EmitActionArg(cand AbstrInstr, dst Reg, src0, src1 Operand) {
	b := a.Instr(cand.Template)
	if cand.Dst != ArgNone {
		b.SetD(dst)
	}
	if cand.Src0 != ArgNone {
		if cand.Src0.IsRegister() {
			b.SetN(src0.Reg)
		} else {
			setImmediateField(b, cand.Src0, src0.Imm)
		}
	}
	if cand.Src1 != ArgNone {
		if cand.Src1.IsRegister() {
			b.SetM(src1.Reg)
		} else {
			setImmediateField(b, cand.Src1, src1.Imm)
		}
	}
	b.Emit()
}
