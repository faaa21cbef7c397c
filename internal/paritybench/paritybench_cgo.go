//go:build cgo

package paritybench

// Both reference engines bind to their native libraries through cgo.
var referenceConstructors = []func() ReferenceRuntime{newWasmtimeRuntime, newWasmerRuntime}
