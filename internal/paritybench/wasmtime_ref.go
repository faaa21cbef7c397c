//go:build cgo

package paritybench

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-go"
)

// wasmtimeRuntime is grounded on the teacher's
// internal/integration_test/vs/wasmtime.wasmtimeRuntime: one Store per
// instantiation (wasmtime instances don't expose an explicit destroy, so
// reusing a Store across many instantiations exhausts its instance-count
// limit — see that file's own comment on this), exported funcs cached by
// name.
type wasmtimeRuntime struct {
	store *wasmtime.Store
	funcs map[string]*wasmtime.Func
}

func newWasmtimeRuntime() ReferenceRuntime {
	return &wasmtimeRuntime{funcs: map[string]*wasmtime.Func{}}
}

func (r *wasmtimeRuntime) Name() string { return "wasmtime" }

func (r *wasmtimeRuntime) Instantiate(wasmBinary []byte, funcNames []string) error {
	r.store = wasmtime.NewStore(wasmtime.NewEngine())
	module, err := wasmtime.NewModule(r.store.Engine, wasmBinary)
	if err != nil {
		return err
	}
	instance, err := wasmtime.NewInstance(r.store, module, nil)
	if err != nil {
		return err
	}
	for _, name := range funcNames {
		fn := instance.GetFunc(r.store, name)
		if fn == nil {
			return fmt.Errorf("wasmtime: %s is not an exported function", name)
		}
		r.funcs[name] = fn
	}
	return nil
}

func (r *wasmtimeRuntime) CallI32(funcName string, args ...uint32) (uint32, error) {
	fn, ok := r.funcs[funcName]
	if !ok {
		return 0, fmt.Errorf("wasmtime: %s was not instantiated", funcName)
	}
	iargs := make([]interface{}, len(args))
	for i, a := range args {
		iargs[i] = int32(a)
	}
	result, err := fn.Call(r.store, iargs...)
	if err != nil {
		return 0, err
	}
	if v, ok := result.(int32); ok {
		return uint32(v), nil
	}
	return 0, nil
}

func (r *wasmtimeRuntime) Close() error {
	// wasmtime only releases via finalizer, matching the teacher's own
	// Close (internal/integration_test/vs/wasmtime.wasmtimeModule.Close).
	r.store = nil
	r.funcs = nil
	return nil
}
