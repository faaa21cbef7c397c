// Command dumpasm is a small developer tool (SPEC_FULL.md's "Logging"
// entry): it drives internal/codegen.Backend over a trivial function body
// and hex-dumps the emitted AArch64 machine code to stdout, the same
// "print diagnostic output to stderr with the standard log package, no
// structured-logging dependency" posture the teacher's examples/*
// commands use (e.g. examples/namespace/counter.go's log.Panicln), since
// a one-shot CLI has no use for levels or structured fields.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/codegen"
	"github.com/arm64wasmjit/core/internal/mtype"
)

func main() {
	boundsChecks := flag.Bool("bounds-checks", true, "emit linear-memory bounds checks")
	debugMode := flag.Bool("debug", false, "compile in debug mode (stack-resident locals)")
	flag.Parse()

	cfg := codegen.DefaultConfig()
	cfg.LinearMemoryBoundsChecks = *boundsChecks
	cfg.DebugMode = *debugMode

	// A single exported (i32, i32) -> i32 function, "add" (a.local0 +
	// a.local1), big enough to exercise the preamble, entry wrapper, and
	// function body in one pass without needing a real Wasm decoder —
	// this tool targets internal/codegen's own machine code output, not
	// arbitrary Wasm input (spec.md §3.5's decoder is external and out of
	// this repo's scope, see DESIGN.md's "backend.go" entry).
	sig := codegen.FuncSignature{
		Params:  []mtype.Type{mtype.I32, mtype.I32},
		Results: []mtype.Type{mtype.I32},
	}
	funcs := []codegen.FuncLink{{Sig: sig, Import: codegen.ImportNone, BodyOffset: -1}}

	backend := codegen.NewBackend(cfg, funcs, nil, nil)
	backend.EmitPreamble()

	err := backend.CompileFunction(0, sig, nil, func(s *codegen.Services) error {
		s.PushAndUpdateReference(codegen.StackElement{Kind: codegen.ELocal, Type: mtype.I32, Index: 0})
		s.PushAndUpdateReference(codegen.StackElement{Kind: codegen.ELocal, Type: mtype.I32, Index: 1})
		sum := s.FormDeferredAction(codegen.OpI32Add, 2, mtype.I32)

		// depth == the open-block count (0, at function top level) routes
		// EmitBranch straight to the function exit (branch.go's
		// branchTarget), condensing sum into the ABI return register and
		// emitting the return there; with ProperlyTerminated set,
		// CompileFunction adds no RET of its own.
		s.EmitBranch(len(s.Fn.OpenBlocks), arm64asm.AL, sum)
		s.Fn.ProperlyTerminated = true
		return nil
	})
	if err != nil {
		log.Fatalf("dumpasm: compile failed: %v", err)
	}
	backend.CompileExportWrapper(0)

	code := backend.Code()
	for i := 0; i < len(code); i += 4 {
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		fmt.Printf("%06x: % x\n", i, code[i:end])
	}
}
