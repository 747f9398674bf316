package bootpatch

import (
	"debug/pe"
	"testing"

	"bootpatch/internal/petest"
	"bootpatch/internal/winnt"

	"github.com/stretchr/testify/require"
)

// functionImage lays out .text at 0x1000 with
//
//	A    0x1000-0x1040
//	B    0x1040-0x1080
//	gap  0x1080-0x1100
//	C    0x1100-0x1180, chained part at 0x1180-0x11c0
func functionImage(t *testing.T) *Image {
	t.Helper()
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x200, 0xCC), petest.CodeCharacteristics)
	pdataRVA := b.NextRVA()
	entries := []winnt.RUNTIME_FUNCTION{
		{BeginAddress: 0x1000, EndAddress: 0x1040, UnwindData: 0x3000},
		{BeginAddress: 0x1040, EndAddress: 0x1080, UnwindData: 0x3010},
		{BeginAddress: 0x1100, EndAddress: 0x1180, UnwindData: 0x3020},
	}
	// the chained entry refers back to C's entry
	entries = append(entries, winnt.RUNTIME_FUNCTION{
		BeginAddress: 0x1180,
		EndAddress:   0x11c0,
		UnwindData:   (pdataRVA + 2*winnt.SIZEOF_RUNTIME_FUNCTION) | winnt.RUNTIME_FUNCTION_INDIRECT,
	})
	pdata := petest.FunctionTable(entries...)
	b.AddSection(".pdata", pdata, petest.DataCharacteristics)
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION, pdataRVA, uint32(len(pdata)))
	return testImage(t, b)
}

func Test_LookupFunctionEntry(t *testing.T) {
	img := functionImage(t)

	rf, ok := img.LookupFunctionEntry(img.RVA(0x1010))
	require.True(t, ok)
	require.Equal(t, uint32(0x1000), rf.BeginAddress)

	// adjacent functions: the end address belongs to the next function
	rf, ok = img.LookupFunctionEntry(img.RVA(0x1040))
	require.True(t, ok)
	require.Equal(t, uint32(0x1040), rf.BeginAddress)

	rf, ok = img.LookupFunctionEntry(img.RVA(0x107f))
	require.True(t, ok)
	require.Equal(t, uint32(0x1040), rf.BeginAddress)

	// B's end address is followed by a gap
	_, ok = img.LookupFunctionEntry(img.RVA(0x1080))
	require.False(t, ok)
	_, ok = img.LookupFunctionEntry(img.RVA(0x10c0))
	require.False(t, ok)
	_, ok = img.LookupFunctionEntry(img.RVA(0x11c0))
	require.False(t, ok)
	_, ok = img.LookupFunctionEntry(img.RVA(0x0fff))
	require.False(t, ok)
	_, ok = img.LookupFunctionEntry(testBase - 1)
	require.False(t, ok)
}

func Test_FindFunctionStart(t *testing.T) {
	img := functionImage(t)

	for _, rva := range []uint32{0x1000, 0x1001, 0x103f} {
		start, ok := img.FindFunctionStart(img.RVA(rva))
		require.True(t, ok)
		require.Equal(t, img.RVA(0x1000), start)
	}

	start, ok := img.FindFunctionStart(img.RVA(0x1150))
	require.True(t, ok)
	require.Equal(t, img.RVA(0x1100), start)

	// chained fragment resolves to the primary entry
	start, ok = img.FindFunctionStart(img.RVA(0x11a0))
	require.True(t, ok)
	require.Equal(t, img.RVA(0x1100), start)

	_, ok = img.FindFunctionStart(img.RVA(0x1090))
	require.False(t, ok)
}

func Test_ResolveFunctionAlias(t *testing.T) {
	img := functionImage(t)

	rf := winnt.RUNTIME_FUNCTION{BeginAddress: 0x1000, EndAddress: 0x1040, UnwindData: 0x3000}
	out, ok := img.ResolveFunctionAlias(rf)
	require.True(t, ok)
	require.Equal(t, rf, out)

	_, ok = img.ResolveFunctionAlias(winnt.RUNTIME_FUNCTION{UnwindData: 0x7ffff001})
	require.False(t, ok)
}

func Test_FunctionTableMissing(t *testing.T) {
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x200, 0xCC), petest.CodeCharacteristics)
	img := testImage(t, b)

	_, ok := img.FindFunctionStart(img.RVA(0x1010))
	require.False(t, ok)
}
