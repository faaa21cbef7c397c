package arm64asm

// An instruction template is a 32-bit word with holes where operands go,
// per spec.md §4.1. Base carries every fixed bit already set; callers OR in
// the variable fields (register numbers, immediates, condition codes)
// before appending the word to the output buffer.
type Template struct {
	Base uint32
	Name string
}

// Bit-field positions shared by the AArch64 instruction forms this package
// emits. Kept as named shifts/masks rather than magic numbers so template
// construction and the instruction builder agree on layout.
const (
	shiftRd    = 0
	shiftRn    = 5
	shiftRm    = 16
	shiftRa    = 10 // MADD/MSUB/FMADD accumulator
	shiftImm6  = 10 // shift-amount field of shifted-register forms
	shiftImm12 = 10 // ADD/SUB(imm), LDR/STR (scaled, unsigned immediate)
	shiftImm9  = 12 // LDUR/STUR (unscaled signed immediate)
	shiftImmR  = 16 // logical-immediate immr
	shiftImmS  = 10 // logical-immediate imms
	shiftImm19 = 5  // CBZ/CBNZ, B.cond, LDR literal
	shiftImm26 = 0  // B/BL
	shiftCond  = 12 // CSEL/CSET family condition field
	shiftCondB = 0  // B.cond condition field
	shiftSF    = 31 // 1 => 64-bit operation
	shiftSH    = 22 // ADD/SUB immediate "shift by 12" bit
	shiftN     = 22 // logical-immediate N bit

	maskRd5  = 0x1f
	maskImm6 = 0x3f
	maskImm9 = 0x1ff
	maskImm12 = 0xfff
	maskImm19 = 0x7ffff
	maskImm26 = 0x3ffffff
	maskImmR  = 0x3f
	maskImmS  = 0x3f
	maskCond4 = 0xf
)

// Templates for the instruction forms selectInstr and emitActionArg need.
// Each Base has sf/opc/operand-size bits baked in where the template is
// width-specific; 32-bit and 64-bit variants are therefore distinct
// templates rather than one template plus a width flag, matching how the
// architecture itself encodes them (the sf bit lives at a fixed position
// but several opcodes also change the top bits for 32 vs 64).
var (
	// Data-processing (register), three-operand forms: Rd, Rn, Rm holes.
	TmplADD32  = Template{0x0b000000, "ADD(w)"}
	TmplADD64  = Template{0x8b000000, "ADD(x)"}
	TmplSUB32  = Template{0x4b000000, "SUB(w)"}
	TmplSUB64  = Template{0xcb000000, "SUB(x)"}
	TmplSUBS32 = Template{0x6b000000, "SUBS(w)"} // also CMP(w) with Rd=ZR
	TmplSUBS64 = Template{0xeb000000, "SUBS(x)"}
	TmplADDS32 = Template{0x2b000000, "ADDS(w)"}
	TmplADDS64 = Template{0xab000000, "ADDS(x)"}
	TmplAND32  = Template{0x0a000000, "AND(w)"}
	TmplAND64  = Template{0x8a000000, "AND(x)"}
	TmplORR32  = Template{0x2a000000, "ORR(w)"}
	TmplORR64  = Template{0xaa000000, "ORR(x)"}
	TmplEOR32  = Template{0x4a000000, "EOR(w)"}
	TmplEOR64  = Template{0xca000000, "EOR(x)"}
	TmplMUL32  = Template{0x1b007c00, "MUL(w)"} // MADD with Ra=ZR baked in
	TmplMUL64  = Template{0x9b007c00, "MUL(x)"}
	TmplMSUB32 = Template{0x1b008000, "MSUB(w)"}
	TmplMSUB64 = Template{0x9b008000, "MSUB(x)"}
	TmplSDIV32 = Template{0x1ac00c00, "SDIV(w)"}
	TmplSDIV64 = Template{0x9ac00c00, "SDIV(x)"}
	TmplUDIV32 = Template{0x1ac00800, "UDIV(w)"}
	TmplUDIV64 = Template{0x9ac00800, "UDIV(x)"}
	TmplLSLV32 = Template{0x1ac02000, "LSLV(w)"}
	TmplLSLV64 = Template{0x9ac02000, "LSLV(x)"}
	TmplLSRV32 = Template{0x1ac02400, "LSRV(w)"}
	TmplLSRV64 = Template{0x9ac02400, "LSRV(x)"}
	TmplASRV32 = Template{0x1ac02800, "ASRV(w)"}
	TmplASRV64 = Template{0x9ac02800, "ASRV(x)"}
	TmplRORV32 = Template{0x1ac02c00, "RORV(w)"}
	TmplRORV64 = Template{0x9ac02c00, "RORV(x)"}
	TmplEXTR32 = Template{0x13800000, "EXTR(w)"}
	TmplEXTR64 = Template{0x93c00000, "EXTR(x)"}
	TmplCLZ32  = Template{0x5ac01000, "CLZ(w)"} // unary: Rd, Rn
	TmplCLZ64  = Template{0xdac01000, "CLZ(x)"}
	TmplRBIT32 = Template{0x5ac00000, "RBIT(w)"}
	TmplRBIT64 = Template{0xdac00000, "RBIT(x)"}
	TmplNEG32  = Template{0x4b0003e0, "NEG(w)"} // SUB with Rn=ZR baked in: Rd, Rm
	TmplNEG64  = Template{0xcb0003e0, "NEG(x)"}

	// Immediate forms. Rd, Rn, imm holes.
	TmplADDimm12_32 = Template{0x11000000, "ADD(w,#imm12)"}
	TmplADDimm12_64 = Template{0x91000000, "ADD(x,#imm12)"}
	TmplSUBimm12_32 = Template{0x51000000, "SUB(w,#imm12)"}
	TmplSUBimm12_64 = Template{0xd1000000, "SUB(x,#imm12)"}
	TmplSUBSimm12_32 = Template{0x71000000, "SUBS(w,#imm12)"} // CMP(w,#imm12) with Rd=ZR
	TmplSUBSimm12_64 = Template{0xf1000000, "SUBS(x,#imm12)"}
	TmplANDimm13_32  = Template{0x12000000, "AND(w,#bitmask)"}
	TmplANDimm13_64  = Template{0x92400000, "AND(x,#bitmask)"}
	TmplORRimm13_32  = Template{0x32000000, "ORR(w,#bitmask)"}
	TmplORRimm13_64  = Template{0xb2400000, "ORR(x,#bitmask)"}
	TmplEORimm13_32  = Template{0x52000000, "EOR(w,#bitmask)"}
	TmplEORimm13_64  = Template{0xd2400000, "EOR(x,#bitmask)"}

	TmplLSLimm32 = Template{0x53000000, "LSL(w,#imm)"} // UBFM variant; shift baked via imm6 setter
	TmplLSLimm64 = Template{0xd3400000, "LSL(x,#imm)"}
	TmplLSRimm32 = Template{0x53007c00, "LSR(w,#imm)"}
	TmplLSRimm64 = Template{0xd340fc00, "LSR(x,#imm)"}
	TmplASRimm32 = Template{0x13007c00, "ASR(w,#imm)"}
	TmplASRimm64 = Template{0x9340fc00, "ASR(x,#imm)"}

	// Move-wide immediate forms. Rd, imm16, hw (shift/16) holes.
	TmplMOVZ32 = Template{0x52800000, "MOVZ(w)"}
	TmplMOVZ64 = Template{0xd2800000, "MOVZ(x)"}
	TmplMOVN32 = Template{0x12800000, "MOVN(w)"}
	TmplMOVN64 = Template{0x92800000, "MOVN(x)"}
	TmplMOVK32 = Template{0x72800000, "MOVK(w)"}
	TmplMOVK64 = Template{0xf2800000, "MOVK(x)"}

	// Conditional select family. Rd, Rn, Rm, cond holes.
	TmplCSEL32  = Template{0x1a800000, "CSEL(w)"}
	TmplCSEL64  = Template{0x9a800000, "CSEL(x)"}
	TmplCSINC32 = Template{0x1a800400, "CSINC(w)"}
	TmplCSINC64 = Template{0x9a800400, "CSINC(x)"}
	TmplFCSEL32 = Template{0x1e200c00, "FCSEL(s)"}
	TmplFCSEL64 = Template{0x1e600c00, "FCSEL(d)"}

	// Loads/stores. Rt, Rn holes, plus imm12 (scaled) or imm9 (unscaled).
	TmplLDRimm32  = Template{0xb9400000, "LDR(w,[Rn,#imm12])"}
	TmplLDRimm64  = Template{0xf9400000, "LDR(x,[Rn,#imm12])"}
	TmplSTRimm32  = Template{0xb9000000, "STR(w,[Rn,#imm12])"}
	TmplSTRimm64  = Template{0xf9000000, "STR(x,[Rn,#imm12])"}
	TmplLDURimm32 = Template{0xb8400000, "LDUR(w,[Rn,#imm9])"}
	TmplLDURimm64 = Template{0xf8400000, "LDUR(x,[Rn,#imm9])"}
	TmplSTURimm32 = Template{0xb8000000, "STUR(w,[Rn,#imm9])"}
	TmplSTURimm64 = Template{0xf8000000, "STUR(x,[Rn,#imm9])"}
	TmplLDURFimm32 = Template{0xbc400000, "LDUR(s,[Rn,#imm9])"}
	TmplLDURFimm64 = Template{0xfc400000, "LDUR(d,[Rn,#imm9])"}
	TmplSTURFimm32 = Template{0xbc000000, "STUR(s,[Rn,#imm9])"}
	TmplSTURFimm64 = Template{0xfc000000, "STUR(d,[Rn,#imm9])"}
	TmplLDRB      = Template{0x39400000, "LDRB([Rn,#imm12])"}
	TmplLDRH      = Template{0x79400000, "LDRH([Rn,#imm12])"}
	TmplLDRSB32   = Template{0x39c00000, "LDRSB(w,[Rn,#imm12])"}
	TmplLDRSB64   = Template{0x39800000, "LDRSB(x,[Rn,#imm12])"}
	TmplLDRSH32   = Template{0x79c00000, "LDRSH(w,[Rn,#imm12])"}
	TmplLDRSH64   = Template{0x79800000, "LDRSH(x,[Rn,#imm12])"}
	TmplLDRSW     = Template{0xb9800000, "LDRSW(x,[Rn,#imm12])"}
	TmplSTRB      = Template{0x39000000, "STRB([Rn,#imm12])"}
	TmplSTRH      = Template{0x79000000, "STRH([Rn,#imm12])"}
	TmplLDRreg32  = Template{0xb8606800, "LDR(w,[Rn,Rm])"}
	TmplLDRreg64  = Template{0xf8606800, "LDR(x,[Rn,Rm])"}
	TmplSTRreg32  = Template{0xb8206800, "STR(w,[Rn,Rm])"}
	TmplSTRreg64  = Template{0xf8206800, "STR(x,[Rn,Rm])"}
	TmplLDPpre64  = Template{0xa9c00000, "LDP(x,[Rn,#imm7]!)"}
	TmplSTPpre64  = Template{0xa9800000, "STP(x,[Rn,#imm7]!)"}
	TmplLDPpost64 = Template{0xa8c00000, "LDP(x,[Rn],#imm7)"}
	TmplSTPpost64 = Template{0xa8800000, "STP(x,[Rn],#imm7)"}
	TmplLDPoff64  = Template{0xa9400000, "LDP(x,[Rn,#imm7])"}
	TmplSTPoff64  = Template{0xa9000000, "STP(x,[Rn,#imm7])"}

	// Branches.
	TmplB     = Template{0x14000000, "B"}
	TmplBL    = Template{0x94000000, "BL"}
	TmplBR    = Template{0xd61f0000, "BR"}
	TmplBLR   = Template{0xd63f0000, "BLR"}
	TmplRET   = Template{0xd65f0000, "RET"}
	TmplBcond = Template{0x54000000, "B.cond"}
	TmplCBZ32 = Template{0x34000000, "CBZ(w)"}
	TmplCBZ64 = Template{0xb4000000, "CBZ(x)"}
	TmplCBNZ32 = Template{0x35000000, "CBNZ(w)"}
	TmplCBNZ64 = Template{0xb5000000, "CBNZ(x)"}
	TmplADR    = Template{0x10000000, "ADR"}

	// Floating point.
	TmplFADD32   = Template{0x1e202800, "FADD(s)"}
	TmplFADD64   = Template{0x1e602800, "FADD(d)"}
	TmplFSUB32   = Template{0x1e203800, "FSUB(s)"}
	TmplFSUB64   = Template{0x1e603800, "FSUB(d)"}
	TmplFMUL32   = Template{0x1e200800, "FMUL(s)"}
	TmplFMUL64   = Template{0x1e600800, "FMUL(d)"}
	TmplFDIV32   = Template{0x1e201800, "FDIV(s)"}
	TmplFDIV64   = Template{0x1e601800, "FDIV(d)"}
	TmplFNEG32   = Template{0x1e214000, "FNEG(s)"}
	TmplFNEG64   = Template{0x1e614000, "FNEG(d)"}
	TmplFCMP32   = Template{0x1e202000, "FCMP(s)"}
	TmplFCMP64   = Template{0x1e602000, "FCMP(d)"}
	TmplFMOVgpr32 = Template{0x1e270000, "FMOV(w->s)"}
	TmplFMOVgpr64 = Template{0x9e670000, "FMOV(x->d)"}
	TmplFMOVtogpr32 = Template{0x1e260000, "FMOV(s->w)"}
	TmplFMOVtogpr64 = Template{0x9e660000, "FMOV(d->x)"}
	TmplFMOVreg32 = Template{0x1e204000, "FMOV(s,s)"}
	TmplFMOVreg64 = Template{0x1e604000, "FMOV(d,d)"}
	TmplFMOVimm32 = Template{0x1e201000, "FMOV(s,#imm8)"}
	TmplFMOVimm64 = Template{0x1e601000, "FMOV(d,#imm8)"}
	TmplFCVTZS32to32 = Template{0x1e380000, "FCVTZS(w,s)"}
	TmplFCVTZS32to64 = Template{0x9e380000, "FCVTZS(x,s)"}
	TmplFCVTZS64to32 = Template{0x1e780000, "FCVTZS(w,d)"}
	TmplFCVTZS64to64 = Template{0x9e780000, "FCVTZS(x,d)"}
	TmplFCVTZU32to32 = Template{0x1e390000, "FCVTZU(w,s)"}
	TmplFCVTZU32to64 = Template{0x9e390000, "FCVTZU(x,s)"}
	TmplFCVTZU64to32 = Template{0x1e790000, "FCVTZU(w,d)"}
	TmplFCVTZU64to64 = Template{0x9e790000, "FCVTZU(x,d)"}
	TmplSCVTF32to32  = Template{0x1e220000, "SCVTF(s,w)"}
	TmplSCVTF64to32  = Template{0x9e220000, "SCVTF(s,x)"}
	TmplSCVTF32to64  = Template{0x1e620000, "SCVTF(d,w)"}
	TmplSCVTF64to64  = Template{0x9e620000, "SCVTF(d,x)"}
	TmplUCVTF32to32  = Template{0x1e230000, "UCVTF(s,w)"}
	TmplUCVTF64to32  = Template{0x9e230000, "UCVTF(s,x)"}
	TmplUCVTF32to64  = Template{0x1e630000, "UCVTF(d,w)"}
	TmplUCVTF64to64  = Template{0x9e630000, "UCVTF(d,x)"}
	TmplFCVT_s_to_d  = Template{0x1e22c000, "FCVT(d,s)"}
	TmplFCVT_d_to_s  = Template{0x1e624000, "FCVT(s,d)"}

	// Sign-extension aliases (SBFM).
	TmplSXTB32 = Template{0x13001c00, "SXTB(w)"}
	TmplSXTB64 = Template{0x93401c00, "SXTB(x)"}
	TmplSXTH32 = Template{0x13003c00, "SXTH(w)"}
	TmplSXTH64 = Template{0x93403c00, "SXTH(x)"}
	TmplSXTW64 = Template{0x93407c00, "SXTW(x)"}
	TmplUXTB32 = Template{0x53001c00, "UXTB(w)"} // alias UBFM
	TmplUXTH32 = Template{0x53003c00, "UXTH(w)"}

	// NEON helpers used by POPCNT/COPYSIGN (§4.6.2).
	TmplMOVI64_0       = Template{0x6f00e400, "MOVI(d,#0)"}
	TmplMOVI32_sign    = Template{0x0f046400, "MOVI(v2s,#0x80000000)"}
	TmplCNT8b          = Template{0x0e205800, "CNT(v8b)"}
	TmplUADDLVb        = Template{0x2e303800, "UADDLV(h,v8b)"}
	TmplBIT            = Template{0x2ea01c00, "BIT(v8b)"}
)
