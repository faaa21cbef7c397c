package arm64asm

// TrapCode identifies which trap a TRAP/cTRAP sequence raises. The concrete
// values and names live in codegen (they are Wasm-level concepts); this
// package only needs an opaque, comparable key to cache "a trap for code X
// was already emitted in this function".
type TrapCode uint32

// DWARFSink is notified of the output offset at every instruction emission,
// per spec.md §4.7. nil is a valid, no-op sink.
type DWARFSink interface {
	RecordOffset(offset int)
}

// Assembler is the thin facade over templates/builder/patch-object spec.md
// §4.3 describes. One Assembler is created per compiled function (its trap
// cache and debug flag are function-scoped); ModuleInfo owns the shared
// output Buffer across functions.
type Assembler struct {
	Buf   *Buffer
	DWARF DWARFSink

	// debugMode selects the TRAP fast path (always materialise bytecode
	// position) vs. the optimised path (cache and branch-share trap sites).
	debugMode bool

	// trapSites remembers, per trap code, the buffer offset of the last
	// emitted "MOV w0, code; B generic-handler" sequence in the current
	// function, so a later TRAP/cTRAP for the same code can branch to it
	// instead of re-materialising the code (spec.md §4.3 TRAP).
	trapSites map[TrapCode]int
	// lastUncondTrapPos is the most recent unconditional TRAP site
	// regardless of code, used as a last-resort branch target for cTRAP
	// when the generic handler itself is out of range.
	lastUncondTrapPos int
	lastUncondTrapHas bool

	genericTrapHandlerPos int
	genericTrapHandlerSet bool
}

func NewAssembler(buf *Buffer, debugMode bool) *Assembler {
	return &Assembler{Buf: buf, debugMode: debugMode, trapSites: map[TrapCode]int{}}
}

// ResetFunctionState clears the per-function trap cache; call this from
// enteredFunction.
func (a *Assembler) ResetFunctionState() {
	a.trapSites = map[TrapCode]int{}
	a.lastUncondTrapHas = false
}

// SetGenericTrapHandler records where the module-wide generic trap handler
// (§4.6.13) lives, so TRAP/cTRAP can branch directly to it when in range.
func (a *Assembler) SetGenericTrapHandler(pos int) {
	a.genericTrapHandlerPos = pos
	a.genericTrapHandlerSet = true
}

// Instr returns a new instruction builder bound to the output buffer,
// recording the current offset with the DWARF sink first.
func (a *Assembler) Instr(tmpl Template) *Builder {
	if a.DWARF != nil {
		a.DWARF.RecordOffset(a.Buf.Len())
	}
	return INSTR(a.Buf, tmpl)
}

// MOVimm materialises imm into reg using the cheapest available form:
// a single MOVZ/MOVN when at most one halfword is nonzero (or all-FFFF),
// one MOV-via-ORR-immediate when the value is a logical-immediate bitmask,
// otherwise MOVZ/MOVN for the first significant halfword followed by MOVK
// for each subsequent nonzero halfword.
func (a *Assembler) MOVimm(is64 bool, reg Reg, imm uint64) {
	width := 64
	if !is64 {
		width = 32
		imm &= 0xffffffff
	}
	halfwords := width / 16

	hw := make([]uint16, halfwords)
	zeroCount, ffffCount := 0, 0
	for i := 0; i < halfwords; i++ {
		hw[i] = uint16(imm >> uint(i*16))
		switch hw[i] {
		case 0x0000:
			zeroCount++
		case 0xffff:
			ffffCount++
		}
	}

	if zeroCount == halfwords {
		a.movWide(is64, reg, 0, 0, false)
		return
	}
	if ffffCount == halfwords {
		a.movWide(is64, reg, 0, 0, true)
		return
	}

	if packed, ok := bitmaskFor(is64, imm); ok {
		tmpl := TmplORRimm13_64
		if !is64 {
			tmpl = TmplORRimm13_32
		}
		a.Instr(tmpl).SetD(reg).SetN(ZR).SetImmBitmask(packed).Emit()
		return
	}

	useMovn := ffffCount > zeroCount
	first := true
	skipVal := uint16(0x0000)
	if useMovn {
		skipVal = 0xffff
	}
	for i := 0; i < halfwords; i++ {
		if hw[i] == skipVal {
			continue
		}
		val := hw[i]
		if useMovn && first {
			val = ^val
		}
		if first {
			a.movWide(is64, reg, val, uint32(i), useMovn)
			first = false
		} else {
			a.movK(is64, reg, hw[i], uint32(i))
		}
	}
	if first {
		// imm was exactly the skip value in every halfword we didn't hit
		// above (shouldn't happen given the all-equal checks, but keeps
		// MOVimm total).
		a.movWide(is64, reg, 0, 0, useMovn)
	}
}

func bitmaskFor(is64 bool, imm uint64) (uint32, bool) {
	if is64 {
		return EncodeLogicalImmediate64(imm)
	}
	return EncodeLogicalImmediate(uint32(imm), false)
}

func (a *Assembler) movWide(is64 bool, reg Reg, imm16 uint16, hw uint32, isN bool) {
	var tmpl Template
	switch {
	case isN && is64:
		tmpl = TmplMOVN64
	case isN && !is64:
		tmpl = TmplMOVN32
	case !isN && is64:
		tmpl = TmplMOVZ64
	default:
		tmpl = TmplMOVZ32
	}
	a.Instr(tmpl).SetD(reg).SetImm16Ols(uint64(imm16), hw).Emit()
}

func (a *Assembler) movK(is64 bool, reg Reg, imm16 uint16, hw uint32) {
	tmpl := TmplMOVK32
	if is64 {
		tmpl = TmplMOVK64
	}
	a.Instr(tmpl).SetD(reg).SetImm16Ols(uint64(imm16), hw).Emit()
}

// MOVimm32 / MOVimm64 are convenience wrappers over MOVimm.
func (a *Assembler) MOVimm32(reg Reg, imm uint32) { a.MOVimm(false, reg, uint64(imm)) }
func (a *Assembler) MOVimm64(reg Reg, imm uint64) { a.MOVimm(true, reg, imm) }

// FMOVimm emits a one-instruction FMOV-immediate into reg if rawBits fits
// the 8-bit modified-immediate format, returning whether it did. With
// reg == NONE it is a pure predicate and emits nothing.
func (a *Assembler) FMOVimm(is64 bool, reg Reg, rawBits uint64) bool {
	if rawBits == 0 {
		if reg != NONE {
			a.Instr(pick(is64, TmplFMOVgpr64, TmplFMOVgpr32)).SetD(reg).SetN(ZR).Emit()
		}
		return true
	}
	imm8, ok := FMOVImmEncodable(rawBits, is64)
	if !ok {
		return false
	}
	if reg != NONE {
		a.Instr(pick(is64, TmplFMOVimm64, TmplFMOVimm32)).SetD(reg).SetRawFMOVImm8(imm8).Emit()
	}
	return true
}

func pick(is64 bool, a64, a32 Template) Template {
	if is64 {
		return a64
	}
	return a32
}

// AddImm24ToReg adds a signed delta whose absolute value fits in 24 bits to
// dst, in at most two instructions (one per nonzero 12-bit chunk). src ==
// NONE means in-place (src defaults to dst).
func (a *Assembler) AddImm24ToReg(dst Reg, delta int64, is64 bool, src Reg) {
	if src == NONE {
		src = dst
	}
	neg := delta < 0
	mag := uint64(delta)
	if neg {
		mag = uint64(-delta)
	}
	if mag>>24 != 0 {
		limitf(KindMaxStackFrameSize, "delta %d exceeds 24-bit range", delta)
	}

	low := mag & 0xfff
	high := (mag >> 12) & 0xfff

	cur := src
	emitted := false
	if low != 0 {
		a.emitAddSubImm12(dst, cur, low, is64, neg, false)
		cur = dst
		emitted = true
	}
	if high != 0 {
		a.emitAddSubImm12(dst, cur, high, is64, neg, true)
		emitted = true
	}
	if !emitted {
		// delta == 0: still materialise dst = src for uniformity when src != dst.
		if dst != src {
			a.Instr(pick(is64, TmplORR64, TmplORR32)).SetD(dst).SetN(ZR).SetM(src).Emit()
		}
	}
}

func (a *Assembler) emitAddSubImm12(dst, src Reg, val uint64, is64, neg, shifted bool) {
	var tmpl Template
	switch {
	case neg && is64:
		tmpl = TmplSUBimm12_64
	case neg && !is64:
		tmpl = TmplSUBimm12_32
	case !neg && is64:
		tmpl = TmplADDimm12_64
	default:
		tmpl = TmplADDimm12_32
	}
	b := a.Instr(tmpl).SetD(dst).SetN(src)
	if shifted {
		b.SetImm12zxls12(val << 12)
	} else {
		b.SetImm12zx(val)
	}
	b.Emit()
}

// AddImmToReg adds delta (which may exceed the 24-bit range AddImm24ToReg
// handles) to reg, materialising |delta| into intermReg (or a scratch
// chosen by reqScratch, respecting protRegs, if intermReg == NONE) and
// emitting a register-register ADD/SUB.
func (a *Assembler) AddImmToReg(reg Reg, delta int64, is64 bool, protRegs RegMask, intermReg Reg, reqScratch func(RegMask) Reg) {
	if intermReg == NONE {
		intermReg = reqScratch(protRegs.With(reg))
	}
	neg := delta < 0
	mag := uint64(delta)
	if neg {
		mag = uint64(-delta)
	}
	a.MOVimm(is64, intermReg, mag)
	tmpl := TmplADD64
	if neg && is64 {
		tmpl = TmplSUB64
	} else if neg && !is64 {
		tmpl = TmplSUB32
	} else if !is64 {
		tmpl = TmplADD32
	}
	a.Instr(tmpl).SetD(reg).SetN(reg).SetM(intermReg).Emit()
}

// AlignStackFrameSize rounds everything above the parameter area up to 16
// bytes, per spec.md §4.3; idempotent by construction (§8.1 property 9).
func AlignStackFrameSize(size, paramWidth uint64) uint64 {
	above := size - paramWidth
	aligned := (above + 15) &^ 15
	return aligned + paramWidth
}

// SetStackFrameSize adjusts SP by (old-new) via AddImm24ToReg, after
// validating the new size against the fixed frame / locals region. Callers
// (codegen.FunctionInfo) supply the bookkeeping predicates since this
// package has no notion of "fixed frame" or "locals region".
func (a *Assembler) SetStackFrameSize(oldSize, newSize uint64, temporary bool, minAllowed uint64, mayRemoveLocals bool) {
	if !mayRemoveLocals && newSize < minAllowed {
		panic(&LimitError{Kind: "attempted to shrink stack frame below locals region"})
	}
	if newSize > 1<<24 {
		limitf(KindMaxStackFrameSize, "frame size %d exceeds 24-bit SP-adjustment range", newSize)
	}
	delta := int64(oldSize) - int64(newSize)
	if delta != 0 {
		a.AddImm24ToReg(SP, delta, true, NONE)
	}
	_ = temporary // caller updates its own recorded size based on this flag
}

// ProbeStack walks SP downward by OS-page-sized steps for deltas >= one
// page, touching each page to trigger guard-page extension, per spec.md
// §4.3. On the non-Windows path it moves SP itself and restores it on
// exit; scratch1/scratch2 are caller-provided scratch registers.
func (a *Assembler) ProbeStack(delta uint64, scratch1, scratch2 Reg, windowsStyle bool) {
	const pageSize = 4096
	if delta < pageSize {
		return
	}
	pages := delta / pageSize
	base := SP
	if windowsStyle {
		base = scratch1
		a.emitAddSubImm12(scratch1, SP, 0, true, false, false)
	}
	a.MOVimm64(scratch2, pages)
	loopStart := a.Buf.Len()
	a.AddImm24ToReg(base, -pageSize, true, NONE)
	// Dummy load at each step to force guard-page extension; never skip a
	// page in one decrement (the loop always steps exactly pageSize).
	a.Instr(TmplLDRimm64).SetT(ZR).SetN(base).SetImm12zx(0).Emit()
	a.emitAddSubImm12(scratch2, scratch2, 1, true, true, false)
	cbnz := a.PrepareJMPIfRegIsNotZero(scratch2, true)
	cbnz.LinkToBinaryPos(loopStart)
	if windowsStyle {
		// scratch1 held the probing cursor; SP itself never moved.
		return
	}
	a.AddImm24ToReg(SP, int64(pages*pageSize), true, NONE)
}

// TRAP raises Wasm trap code. See spec.md §4.3 for the fast/optimised path
// selection; only the fast (debug) path materialises the bytecode position,
// in R1, ahead of the trap code in R0.
func (a *Assembler) TRAP(code TrapCode, bytecodePos uint32) {
	if a.debugMode {
		a.MOVimm32(R1, bytecodePos)
		a.MOVimm32(R0, uint32(code))
		a.branchToHandlerOrSelf()
		return
	}
	if pos, ok := a.trapSites[code]; ok && a.branchReachable(pos) {
		a.emitUncondBranchTo(pos)
		return
	}
	movPos := a.Buf.Len()
	a.MOVimm32(R0, uint32(code))
	a.trapSites[code] = movPos
	site := a.Buf.Len()
	a.branchToHandlerOrSelf()
	a.lastUncondTrapPos = site
	a.lastUncondTrapHas = true
}

func (a *Assembler) branchToHandlerOrSelf() {
	if a.genericTrapHandlerSet && a.branchReachable(a.genericTrapHandlerPos) {
		a.emitUncondBranchTo(a.genericTrapHandlerPos)
		return
	}
	if a.lastUncondTrapHas && a.branchReachable(a.lastUncondTrapPos) {
		a.emitUncondBranchTo(a.lastUncondTrapPos)
		return
	}
	limitf(KindBranchRange, "trap handler unreachable from offset %d", a.Buf.Len())
}

func (a *Assembler) branchReachable(target int) bool {
	delta := int64(target - a.Buf.Len())
	const maxBranch = 1 << 27 // 26-bit word-granular field => +/-128MiB byte range
	return delta > -maxBranch && delta < maxBranch
}

func (a *Assembler) emitUncondBranchTo(target int) {
	pos := a.Buf.Len()
	a.Instr(TmplB).Emit()
	NewRelPatchObj(a.Buf, pos, BranchImm26).LinkToBinaryPos(target)
}

// CTRAP is TRAP under condition cc: a conditional branch either directly
// into a reachable cached trap site, or over an inline trap sequence.
func (a *Assembler) CTRAP(code TrapCode, cc ConditionCode, bytecodePos uint32) {
	if pos, ok := a.trapSites[code]; ok && !a.debugMode && a.branchReachable(pos) {
		p := a.PrepareJMP(cc)
		p.LinkToBinaryPos(pos)
		return
	}
	skip := a.PrepareJMP(cc.Negate())
	a.TRAP(code, bytecodePos)
	skip.LinkToHere()
}

// PrepareJMP emits a conditional (or, with cc == AL, unconditional) branch
// with a self-loop placeholder displacement and returns the patch object.
func (a *Assembler) PrepareJMP(cc ConditionCode) *RelPatchObj {
	pos := a.Buf.Len()
	if cc == AL {
		a.Instr(TmplB).Emit()
		return NewRelPatchObj(a.Buf, pos, BranchImm26)
	}
	a.Instr(TmplBcond).SetCondBranch(cc).Emit()
	return NewRelPatchObj(a.Buf, pos, BranchImm19)
}

func (a *Assembler) PrepareJMPIfRegIsZero(reg Reg, is64 bool) *RelPatchObj {
	pos := a.Buf.Len()
	a.Instr(pick(is64, TmplCBZ64, TmplCBZ32)).SetT(reg).Emit()
	return NewRelPatchObj(a.Buf, pos, BranchImm19)
}

func (a *Assembler) PrepareJMPIfRegIsNotZero(reg Reg, is64 bool) *RelPatchObj {
	pos := a.Buf.Len()
	a.Instr(pick(is64, TmplCBNZ64, TmplCBNZ32)).SetT(reg).Emit()
	return NewRelPatchObj(a.Buf, pos, BranchImm19)
}

func (a *Assembler) PrepareADR(reg Reg) *RelPatchObj {
	pos := a.Buf.Len()
	a.Instr(TmplADR).SetD(reg).Emit()
	return NewRelPatchObj(a.Buf, pos, BranchADR21)
}
