//go:build cgo

package paritybench

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// wasmerRuntime is grounded on the teacher's
// internal/integration_test/vs/wasmer.wasmerRuntime: store/module/instance
// are explicitly Close()d (unlike wasmtime, wasmer exposes real destroy
// calls), exported funcs cached by name.
type wasmerRuntime struct {
	store    *wasmer.Store
	module   *wasmer.Module
	instance *wasmer.Instance
	funcs    map[string]*wasmer.Function
}

func newWasmerRuntime() ReferenceRuntime {
	return &wasmerRuntime{funcs: map[string]*wasmer.Function{}}
}

func (r *wasmerRuntime) Name() string { return "wasmer" }

func (r *wasmerRuntime) Instantiate(wasmBinary []byte, funcNames []string) (err error) {
	r.store = wasmer.NewStore(wasmer.NewEngine())
	if r.module, err = wasmer.NewModule(r.store, wasmBinary); err != nil {
		return err
	}
	if r.instance, err = wasmer.NewInstance(r.module, wasmer.NewImportObject()); err != nil {
		return err
	}
	for _, name := range funcNames {
		fn, err := r.instance.Exports.GetRawFunction(name)
		if err != nil {
			return err
		}
		if fn == nil {
			return fmt.Errorf("wasmer: %s is not an exported function", name)
		}
		r.funcs[name] = fn
	}
	return nil
}

func (r *wasmerRuntime) CallI32(funcName string, args ...uint32) (uint32, error) {
	fn, ok := r.funcs[funcName]
	if !ok {
		return 0, fmt.Errorf("wasmer: %s was not instantiated", funcName)
	}
	iargs := make([]interface{}, len(args))
	for i, a := range args {
		iargs[i] = int32(a)
	}
	result, err := fn.Call(iargs...)
	if err != nil {
		return 0, err
	}
	if v, ok := result.(int32); ok {
		return uint32(v), nil
	}
	return 0, nil
}

func (r *wasmerRuntime) Close() error {
	if r.instance != nil {
		r.instance.Close()
	}
	if r.module != nil {
		r.module.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	r.instance, r.module, r.store, r.funcs = nil, nil, nil, nil
	return nil
}
