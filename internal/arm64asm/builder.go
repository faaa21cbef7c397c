package arm64asm

// Buffer is the append-only output byte buffer instructions are written
// into. Back-patching (branch resolution) writes to already-emitted
// positions via PatchWord; everything else only appends.
type Buffer struct {
	bytes []byte
}

func NewBuffer() *Buffer { return &Buffer{} }

// Len returns the current output offset in bytes.
func (b *Buffer) Len() int { return len(b.bytes) }

// Bytes returns the accumulated machine code.
func (b *Buffer) Bytes() []byte { return b.bytes }

// AppendWord appends one 4-byte little-endian instruction word.
func (b *Buffer) AppendWord(w uint32) {
	b.bytes = append(b.bytes, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
}

// ReadWord reads the instruction word at byte offset pos.
func (b *Buffer) ReadWord(pos int) uint32 {
	return uint32(b.bytes[pos]) | uint32(b.bytes[pos+1])<<8 |
		uint32(b.bytes[pos+2])<<16 | uint32(b.bytes[pos+3])<<24
}

// PatchWord overwrites the instruction word at byte offset pos.
func (b *Buffer) PatchWord(pos int, w uint32) {
	b.bytes[pos] = byte(w)
	b.bytes[pos+1] = byte(w >> 8)
	b.bytes[pos+2] = byte(w >> 16)
	b.bytes[pos+3] = byte(w >> 24)
}

// MutatePatch reads the word at pos, lets fn transform it, and writes the
// result back. This is the generic "read opcode, mutate fields via a
// closure, write back" utility spec.md §4.2 calls for when an emitted
// instruction must be rewritten in place (e.g. CMP+B.cond -> CBZ/CBNZ).
func (b *Buffer) MutatePatch(pos int, fn func(uint32) uint32) {
	b.PatchWord(pos, fn(b.ReadWord(pos)))
}

// Builder is the fluent one-instruction construction object of spec.md
// §4.1. It is consumed by calling Emit (the "()" operator of the spec),
// after which it must not be reused.
type Builder struct {
	word uint32
	buf  *Buffer
}

// INSTR returns a new Builder bound to tmpl and buf. It only starts the
// instruction word from tmpl; recording the output offset for a DWARF sink
// is left to Assembler.Instr.
func INSTR(buf *Buffer, tmpl Template) *Builder {
	return &Builder{word: tmpl.Base, buf: buf}
}

func regEncoding(r Reg) uint32 {
	switch {
	case r == ZR:
		return 31
	case r == SP:
		return 31
	case r >= R0 && r <= R29:
		return uint32(r - R0)
	case r == LR:
		return 30
	case r >= V0 && r <= V31:
		return uint32(r - V0)
	}
	return 31
}

func (b *Builder) setField(shift int, mask, value uint32) *Builder {
	b.word = (b.word &^ (mask << uint(shift))) | ((value & mask) << uint(shift))
	return b
}

func (b *Builder) SetD(r Reg) *Builder { return b.setField(shiftRd, maskRd5, regEncoding(r)) }
func (b *Builder) SetN(r Reg) *Builder { return b.setField(shiftRn, maskRd5, regEncoding(r)) }
func (b *Builder) SetM(r Reg) *Builder { return b.setField(shiftRm, maskRd5, regEncoding(r)) }
func (b *Builder) SetT(r Reg) *Builder { return b.SetD(r) }  // load/store transfer register
func (b *Builder) SetT1(r Reg) *Builder { return b.SetD(r) } // LDP/STP first transfer register
func (b *Builder) SetT2(r Reg) *Builder { return b.SetM(r) } // LDP/STP second transfer register
func (b *Builder) SetA(r Reg) *Builder { return b.setField(shiftRa, maskRd5, regEncoding(r)) }

// SetImm12zx sets a plain (non-shifted) 12-bit unsigned immediate field.
func (b *Builder) SetImm12zx(v uint64) *Builder {
	return b.setField(shiftImm12, maskImm12, uint32(v)).setField(shiftSH, 1, 0)
}

// SetImm12zxls12 sets the ADD/SUB-immediate field for a value whose low 12
// bits are zero, using the "shift by 12" form (sh=1, imm12 = v>>12).
func (b *Builder) SetImm12zxls12(v uint64) *Builder {
	return b.setField(shiftImm12, maskImm12, uint32(v>>12)).setField(shiftSH, 1, 1)
}

// SetImm6x sets the 6-bit immediate field at bits 10-15 (the imms of a
// bitfield move, the lsb of EXTR, or the imm6 of a shifted-register
// ADD/SUB not used here).
func (b *Builder) SetImm6x(v uint64) *Builder {
	return b.setField(shiftImm6, maskImm6, uint32(v))
}

// SetImm16Ols sets a 16-bit immediate plus its "hw" (half-word select, 0-3,
// i.e. shift/16) field for MOVZ/MOVN/MOVK.
func (b *Builder) SetImm16Ols(imm16 uint64, hw uint32) *Builder {
	return b.setField(5, 0xffff, uint32(imm16)).setField(21, 0x3, hw)
}

// SetSImm7ls3 sets the signed, ×8-scaled 7-bit immediate used by LDP/STP
// 64-bit forms.
func (b *Builder) SetSImm7ls3(v int64) *Builder {
	scaled := v / 8
	return b.setField(15, 0x7f, uint32(scaled)&0x7f)
}

// SetUnscSImm9 sets the unscaled signed 9-bit immediate of LDUR/STUR.
func (b *Builder) SetUnscSImm9(v int64) *Builder {
	return b.setField(shiftImm9, maskImm9, uint32(v)&maskImm9)
}

// SetImmBitmask sets the N:immr:imms fields of a logical-immediate
// instruction from an already-packed value (see EncodeLogicalImmediate).
func (b *Builder) SetImmBitmask(packed uint32) *Builder {
	return b.setField(10, 0x1fff, packed)
}

// SetRawFMOVImm8 sets the 8-bit modified-immediate field of FMOV(imm).
func (b *Builder) SetRawFMOVImm8(imm8 uint8) *Builder {
	return b.setField(13, 0xff, uint32(imm8))
}

// SetSigned21AddressOffset sets the split immlo/immhi fields of ADR.
func (b *Builder) SetSigned21AddressOffset(v int64) *Builder {
	u := uint32(v) & 0x1fffff
	immlo := u & 0x3
	immhi := (u >> 2) & 0x7ffff
	return b.setField(29, 0x3, immlo).setField(5, 0x7ffff, immhi)
}

// placeholderDisp is the self-loop sentinel written into an unresolved
// branch's displacement field: it encodes "this instruction's own offset",
// which link_to_here/link_to_binary_pos later overwrite.
const placeholderDisp = 0

// SetImm19o26ls2BranchPlaceHolder writes the sentinel displacement for an
// as-yet-unresolved 19- or 26-bit branch.
func (b *Builder) SetImm19o26ls2BranchPlaceHolder() *Builder {
	return b // displacement fields default to zero, which is the sentinel
}

func (b *Builder) SetCond(isConditional bool, cc ConditionCode) *Builder {
	if !isConditional {
		return b
	}
	return b.setField(shiftCond, maskCond4, uint32(cc))
}

// SetCondBranch sets the 4-bit condition field of a B.cond instruction.
func (b *Builder) SetCondBranch(cc ConditionCode) *Builder {
	return b.setField(shiftCondB, maskCond4, uint32(cc))
}

// SetImm19 sets a raw 19-bit signed word-granularity branch displacement
// (CBZ/CBNZ/B.cond), counted in instructions, not bytes.
func (b *Builder) SetImm19(wordDelta int64) *Builder {
	return b.setField(shiftImm19, maskImm19, uint32(wordDelta)&maskImm19)
}

// SetImm26 sets a raw 26-bit signed word-granularity branch displacement
// (B/BL).
func (b *Builder) SetImm26(wordDelta int64) *Builder {
	return b.setField(shiftImm26, maskImm26, uint32(wordDelta)&maskImm26)
}

// Emit assembles the final word and appends it to the bound buffer. The
// builder must not be used again afterward.
func (b *Builder) Emit() {
	b.buf.AppendWord(b.word)
}

// Word returns the assembled instruction without appending it, for callers
// (like RelPatchObj) that need to inspect or store it before emission.
func (b *Builder) Word() uint32 { return b.word }
