package codegen

import (
	"fmt"

	"github.com/arm64wasmjit/core/internal/arm64asm"
	"github.com/arm64wasmjit/core/internal/mtype"
)

// Backend is internal/codegen's single public entry point (SPEC_FULL.md's
// "Error handling" entry): it owns the module-wide ModuleInfo and recovers
// the typed panics raise()/arm64asm's limitf() produce at CompileFunction's
// boundary, converting them to a normal Go error — the same shape as the
// teacher's compileWasmFunction recovering around its per-opcode dispatch
// loop, except the dispatch loop itself is the caller's: spec.md §3.5 is
// explicit that "the Wasm decoder (external) invokes backend entry points
// for each Wasm opcode," so Backend never walks Wasm bytecode itself — it
// only brackets one function's compilation with the fixed prologue/epilogue
// machinery (EnterFunction/EmitReturn) around a caller-supplied build step.
type Backend struct {
	Mod *ModuleInfo
}

// NewBackend constructs the module-wide state (signature table, globals,
// tables) once, before any function is compiled — globals' storage is
// assigned up front (NewModuleInfo/assignGlobalStorages) since every
// function's local register allocation continues from where the globals
// region left off.
func NewBackend(cfg Config, funcs []FuncLink, globals []GlobalInfo, tables []TableInfo) *Backend {
	return &Backend{Mod: NewModuleInfo(cfg, funcs, globals, tables)}
}

// EmitPreamble emits the fixed, once-per-module out-of-line trap/landing-pad
// machinery (spec.md §4.6.13) that every function body's TRAP/CTRAP sites
// and host-call dispatches branch into. Must run before the first
// CompileFunction/CompileExportWrapper/CompileImportAdapter call.
func (b *Backend) EmitPreamble() {
	b.Mod.EmitTrapAdapterAndHandler()
}

// CompileFunction compiles one Wasm function body (spec.md §6.1's "decoded
// Wasm function body": a type signature, a locals list, and — driven by the
// caller, opcode by opcode — a stream of backend entry-point calls). build
// receives the per-function Services handle; the external decoder is
// expected to walk its instruction stream and invoke Services methods
// (ExecuteXxx, emitDeferredAction's callers, branch/block helpers) through
// it, returning a non-nil error only for conditions the decoder itself
// wants to abort on (CompileFunction does not interpret build's error, it
// just propagates it after unwinding).
//
// If the function falls off the end without having branched to its own
// exit (f.ProperlyTerminated left false — spec.md §3.9's reachability
// tracking), CompileFunction emits the implicit trailing return itself,
// mirroring every Wasm function body's implicit "return the top of stack"
// at its final end.
func (b *Backend) CompileFunction(idx int32, sig FuncSignature, locals []mtype.Type, build func(*Services) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverCompileError(r)
		}
	}()

	fn := NewFunctionInfo(b.Mod, idx, sig)
	for _, t := range sig.Params {
		fn.AllocateLocal(t, true, 1)
	}
	for _, t := range locals {
		fn.AllocateLocal(t, false, 1)
	}

	stack := NewStack()
	ref := NewRefIndex(stack, len(fn.Locals), len(b.Mod.Globals))
	svc := NewServices(b.Mod, fn, stack, ref)

	svc.EnterFunction()

	if buildErr := build(svc); buildErr != nil {
		return buildErr
	}

	if !fn.ProperlyTerminated {
		svc.EmitReturn(false)
	}
	b.Mod.Analytics.MaxStackFrameSize(idx, fn.StackFrameSize)
	return nil
}

// CompileExportWrapper emits funcIdx's host-entry wrapper (spec.md §4.6.15)
// and returns its start offset. funcIdx's body (or import dispatch) need not
// exist yet: the wrapper reaches it through callTarget's pending-call chain
// like any other caller.
func (b *Backend) CompileExportWrapper(funcIdx int32) int {
	return b.Mod.EmitFunctionEntryPoint(funcIdx)
}

// CompileImportAdapter emits funcIdx's ImportV1 native-call adapter (spec.md
// §4.6.9) and returns its start offset, for a function the host links in as
// a native function pointer rather than a Wasm body.
func (b *Backend) CompileImportAdapter(funcIdx int32) int {
	return b.Mod.EmitWasmToNativeAdapter(funcIdx)
}

// Code returns the module's complete emitted machine code. Every branch
// target in this codebase is resolved eagerly, at the site that discovers
// it (RelPatchObj.LinkToBinaryPos/LinkToHere, FinalizeBranch's pending-call
// walk) rather than in a deferred linking pass, so the buffer is already
// final once the last function/wrapper has been compiled.
func (b *Backend) Code() []byte {
	return b.Mod.Buf.Bytes()
}

// recoverCompileError converts a recovered panic into a normal error,
// keeping *CodeGenError and *arm64asm.LimitError's structured Kind
// information intact and falling back to a generic wrap for anything else
// (a genuine bug tripping an unrelated Go runtime panic) — the same
// catch-all posture as the teacher's wasmdebug.ErrorBuilder.FromRecovered,
// which also accepts arbitrary recovered values rather than only its own
// typed ones.
func recoverCompileError(r interface{}) error {
	switch e := r.(type) {
	case *CodeGenError:
		return e
	case *arm64asm.LimitError:
		return e
	case error:
		return fmt.Errorf("internal/codegen: %w", e)
	default:
		return fmt.Errorf("internal/codegen: %v", e)
	}
}
