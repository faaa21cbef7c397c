// Package paritybench cross-checks a Wasm scenario (spec.md §8.2's
// end-to-end scenarios) against two independent reference engines —
// wasmtime-go and wasmer-go — the same differential-testing shape the
// teacher's internal/integration_test/vs package uses (a runtimeTester
// interface per engine, driven by a shared Init/Call/Close shape), scoped
// down to the i32 single-export calls this package's scenarios exercise.
//
// Two references must agree with each other before either is trusted as
// an oracle for this core's own emitted AArch64 code: a disagreement
// between wasmtime and wasmer means the scenario itself is unreliable,
// independent of anything this repo emits. Running this core's own
// compiled output against the two is a follow-on step that needs an
// AArch64 execution environment (an emulator or physical runner) this
// package does not itself provide; this package runs only the two
// reference engines.
package paritybench

// ReferenceRuntime is the minimal surface a Scenario needs from a
// reference Wasm engine: instantiate a module's exports, call an
// i32-returning, i32-taking export, and release resources.
type ReferenceRuntime interface {
	Name() string
	Instantiate(wasmBinary []byte, funcNames []string) error
	CallI32(funcName string, args ...uint32) (uint32, error)
	Close() error
}

// Scenario is one end-to-end case: a complete Wasm binary and the
// exported function call the reference engines are asked to agree on.
type Scenario struct {
	Name       string
	WasmBinary []byte
	FuncName   string
	Args       []uint32
}

// Result is one reference engine's outcome for a Scenario.
type Result struct {
	Engine string
	Value  uint32
	Err    error
}

// References returns a constructor per available reference engine. Empty
// on a build without cgo (wasmtime-go/wasmer-go both require it), so
// callers degrade to a no-op rather than a build break on a cgo-less
// toolchain — see paritybench_cgo.go/paritybench_nocgo.go.
func References() []func() ReferenceRuntime {
	return referenceConstructors
}

// RunAll instantiates scenario.WasmBinary once per reference engine and
// calls scenario.FuncName with scenario.Args, returning one Result per
// engine in References() order.
func RunAll(scenario Scenario) []Result {
	ctors := References()
	results := make([]Result, 0, len(ctors))
	for _, newRuntime := range ctors {
		rt := newRuntime()
		result := Result{Engine: rt.Name()}
		if err := rt.Instantiate(scenario.WasmBinary, []string{scenario.FuncName}); err != nil {
			result.Err = err
		} else if v, err := rt.CallI32(scenario.FuncName, scenario.Args...); err != nil {
			result.Err = err
		} else {
			result.Value = v
		}
		rt.Close()
		results = append(results, result)
	}
	return results
}

// Agree reports whether every successful result in results returned the
// same value. Results are otherwise ignored here (not folded into a
// hard failure): a single engine's own instantiation error is a fact
// about that engine, not necessarily a disagreement about the scenario.
func Agree(results []Result) bool {
	var want uint32
	var have bool
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if !have {
			want, have = r.Value, true
			continue
		}
		if r.Value != want {
			return false
		}
	}
	return true
}
