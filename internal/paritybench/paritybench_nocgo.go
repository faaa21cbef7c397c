//go:build !cgo

package paritybench

// Neither reference engine is available without cgo; RunAll degrades to a
// no-op rather than the package failing to build on a cgo-less toolchain.
var referenceConstructors []func() ReferenceRuntime
