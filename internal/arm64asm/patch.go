package arm64asm

// BranchKind selects which immediate-field layout a RelPatchObj patches.
type BranchKind uint8

const (
	BranchImm26 BranchKind = iota // B, BL
	BranchImm19                   // B.cond, CBZ, CBNZ
	BranchADR21                   // ADR
)

// RelPatchObj records the offset of an emitted branch/ADR whose displacement
// was not yet known at emission time (spec.md §4.2). Before resolution, the
// displacement field holds a "self-loop" sentinel: it decodes back to the
// instruction's own offset, which both marks it unresolved and lets chains
// of unresolved branches to the same target thread through the
// displacement bits themselves (see codegen.ModuleInfo's pending-call
// lists, §4.6.10).
type RelPatchObj struct {
	buf         *Buffer
	pos         int // pos_offset_before_instr(): this instruction's own offset
	kind        BranchKind
}

// NewRelPatchObj wraps a just-emitted branch/ADR instruction at byte offset
// pos for later patching. The instruction must already have been written
// with its displacement field at the self-loop sentinel (the zero value),
// which is what makes pos itself decode back out of an unpatched field.
func NewRelPatchObj(buf *Buffer, pos int, kind BranchKind) *RelPatchObj {
	return &RelPatchObj{buf: buf, pos: pos, kind: kind}
}

// PosOffsetBeforeInstr returns the instruction's own offset, used as the
// self-loop sentinel and as the anchor other pending branches chain through.
func (p *RelPatchObj) PosOffsetBeforeInstr() int { return p.pos }

func (p *RelPatchObj) wordDelta(target int) int64 {
	return int64(target-p.pos) / 4
}

// LinkToBinaryPos patches the instruction's displacement to target offset k.
func (p *RelPatchObj) LinkToBinaryPos(k int) {
	delta := p.wordDelta(k)
	switch p.kind {
	case BranchImm26:
		p.buf.MutatePatch(p.pos, func(w uint32) uint32 {
			return (w &^ maskImm26) | (uint32(delta) & maskImm26)
		})
	case BranchImm19:
		p.buf.MutatePatch(p.pos, func(w uint32) uint32 {
			return (w &^ (maskImm19 << shiftImm19)) | ((uint32(delta) & maskImm19) << shiftImm19)
		})
	case BranchADR21:
		b := &Builder{word: p.buf.ReadWord(p.pos), buf: p.buf}
		b.SetSigned21AddressOffset(int64(k - p.pos))
		p.buf.PatchWord(p.pos, b.word)
	}
}

// LinkToHere patches the instruction so its displacement targets the
// current end of the buffer.
func (p *RelPatchObj) LinkToHere() {
	p.LinkToBinaryPos(p.buf.Len())
}

// LinkedBinaryPos decodes the instruction's current displacement field back
// to an absolute target offset. Used both to confirm a resolved branch and
// to walk a chain of still-unresolved branches (each points, via this
// decode, at the previous pending branch to the same target; the chain
// terminates when decode yields p.pos itself).
func (p *RelPatchObj) LinkedBinaryPos() int {
	w := p.buf.ReadWord(p.pos)
	switch p.kind {
	case BranchImm26:
		delta := signExtend(w&maskImm26, 26)
		return p.pos + int(delta)*4
	case BranchImm19:
		delta := signExtend((w>>shiftImm19)&maskImm19, 19)
		return p.pos + int(delta)*4
	case BranchADR21:
		immlo := (w >> 29) & 0x3
		immhi := (w >> 5) & 0x7ffff
		u := (immhi << 2) | immlo
		delta := signExtend(u, 21)
		return p.pos + int(delta)
	}
	return p.pos
}

// IsUnresolved reports whether the displacement field still decodes to the
// self-loop sentinel (this instruction's own offset).
func (p *RelPatchObj) IsUnresolved() bool {
	return p.LinkedBinaryPos() == p.pos
}

func signExtend(v uint32, bitsN uint) int32 {
	shift := 32 - bitsN
	return int32(v<<shift) >> shift
}
