package paritybench

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// addWasm is a hand-assembled minimal module exporting a single
// (i32, i32) -> i32 "add" function (local.get 0; local.get 1; i32.add),
// used as a scenario fixture rather than round-tripped through any
// Wasm text/binary encoder this repo doesn't otherwise have a use for.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6D, // magic
	0x01, 0x00, 0x00, 0x00, // version

	0x01, 0x07, 0x01, // type section
	0x60, 0x02, 0x7F, 0x7F, 0x01, 0x7F, // (i32, i32) -> i32

	0x03, 0x02, 0x01, 0x00, // function section: one func, type 0

	0x07, 0x07, 0x01, // export section
	0x03, 0x61, 0x64, 0x64, 0x00, 0x00, // "add", func, index 0

	0x0A, 0x09, 0x01, // code section
	0x07, 0x00, // body size, 0 locals
	0x20, 0x00, // local.get 0
	0x20, 0x01, // local.get 1
	0x6A,       // i32.add
	0x0B,       // end
}

func TestRunAll_referenceEnginesAgree(t *testing.T) {
	results := RunAll(Scenario{
		Name:       "add",
		WasmBinary: addWasm,
		FuncName:   "add",
		Args:       []uint32{2, 3},
	})
	if len(results) == 0 {
		t.Skip("no cgo-backed reference engines available in this build")
	}
	for _, r := range results {
		require.NoError(t, r.Err, "engine %s", r.Engine)
		require.Equal(t, uint32(5), r.Value, "engine %s", r.Engine)
	}
	require.True(t, Agree(results))
}

func TestAgree(t *testing.T) {
	require.True(t, Agree(nil))
	require.True(t, Agree([]Result{{Engine: "a", Value: 1}, {Engine: "b", Value: 1}}))
	require.False(t, Agree([]Result{{Engine: "a", Value: 1}, {Engine: "b", Value: 2}}))
	require.True(t, Agree([]Result{{Engine: "a", Err: errors.New("unavailable")}, {Engine: "b", Value: 1}}))
}
