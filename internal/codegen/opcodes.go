package codegen

// DeferredOpcode values name the Wasm-level operation a DeferredAction node
// defers (spec.md §3.6). Only the operations the instruction-family files
// (arith.go, compare.go) register a handler for are actually reachable;
// this enumeration exists so condense.go and the frontend can share a
// single vocabulary rather than each inventing opcode numbers.
const (
	OpInvalid DeferredOpcode = iota

	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32And
	OpI32Or
	OpI32Xor
	OpI32Shl
	OpI32ShrS
	OpI32ShrU
	OpI32Rotl
	OpI32Rotr
	OpI32DivS
	OpI32DivU
	OpI32RemS
	OpI32RemU
	OpI32Clz
	OpI32Ctz
	OpI32Popcnt

	OpI64Add
	OpI64Sub
	OpI64Mul
	OpI64And
	OpI64Or
	OpI64Xor
	OpI64Shl
	OpI64ShrS
	OpI64ShrU
	OpI64Rotl
	OpI64Rotr
	OpI64DivS
	OpI64DivU
	OpI64RemS
	OpI64RemU
	OpI64Clz
	OpI64Ctz
	OpI64Popcnt

	OpF32Add
	OpF32Sub
	OpF32Mul
	OpF32Div
	OpF32Neg
	OpF32Copysign

	OpF64Add
	OpF64Sub
	OpF64Mul
	OpF64Div
	OpF64Neg
	OpF64Copysign

	OpI32WrapI64
	OpI64ExtendI32S
	OpI64ExtendI32U
	OpI32Extend8S
	OpI32Extend16S
	OpI64Extend8S
	OpI64Extend16S
	OpI64Extend32S

	OpI32TruncF32S
	OpI32TruncF32U
	OpI32TruncF64S
	OpI32TruncF64U
	OpI64TruncF32S
	OpI64TruncF32U
	OpI64TruncF64S
	OpI64TruncF64U

	OpF32ConvertI32S
	OpF32ConvertI32U
	OpF32ConvertI64S
	OpF32ConvertI64U
	OpF64ConvertI32S
	OpF64ConvertI32U
	OpF64ConvertI64S
	OpF64ConvertI64U
	OpF32DemoteF64
	OpF64PromoteF32

	OpI32ReinterpretF32
	OpI64ReinterpretF64
	OpF32ReinterpretI32
	OpF64ReinterpretI64

	OpI32Eq
	OpI32Ne
	OpI32LtS
	OpI32LtU
	OpI32GtS
	OpI32GtU
	OpI32LeS
	OpI32LeU
	OpI32GeS
	OpI32GeU

	OpI64Eq
	OpI64Ne
	OpI64LtS
	OpI64LtU
	OpI64GtS
	OpI64GtU
	OpI64LeS
	OpI64LeU
	OpI64GeS
	OpI64GeU

	OpF32Eq
	OpF32Ne
	OpF32Lt
	OpF32Gt
	OpF32Le
	OpF32Ge

	OpF64Eq
	OpF64Ne
	OpF64Lt
	OpF64Gt
	OpF64Le
	OpF64Ge

	OpI32Eqz
	OpI64Eqz
)
