package bootpatch

import (
	"encoding/binary"
	"testing"

	"bootpatch/internal/petest"
	"bootpatch/internal/winnt"

	"github.com/stretchr/testify/require"
)

const testBase = 0x140000000

func testImage(t *testing.T, b *petest.Image) *Image {
	t.Helper()
	img, ok := NewImage(testBase, b.Mapped())
	require.True(t, ok)
	return img
}

func Test_GetHeaders(t *testing.T) {
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x40, 0x90), petest.CodeCharacteristics)
	data := b.Mapped()

	h, ok := GetHeaders(data)
	require.True(t, ok)
	require.Equal(t, uint32(0x80), h.NtOffset)
	require.Equal(t, uint64(testBase), h.Optional().ImageBase)
	require.Equal(t, uint32(0x80+winnt.SIZEOF_IMAGE_NT_HEADERS), h.SectionTableOffset())

	bad := append([]byte(nil), data...)
	bad[0] = 'X'
	_, ok = GetHeaders(bad)
	require.False(t, ok)

	bad = append([]byte(nil), data...)
	bad[0x80] = 'X'
	_, ok = GetHeaders(bad)
	require.False(t, ok)

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint16(bad[0x80+4+winnt.SIZEOF_IMAGE_FILE_HEADER:], 0x10b)
	_, ok = GetHeaders(bad)
	require.False(t, ok)

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad[0x3c:], 0xfffff000)
	_, ok = GetHeaders(bad)
	require.False(t, ok)

	_, ok = GetHeaders(data[:0x20])
	require.False(t, ok)
	_, ok = GetHeaders(data[:0x100])
	require.False(t, ok)
	_, ok = GetHeaders(nil)
	require.False(t, ok)
}

func Test_FindSection(t *testing.T) {
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x40, 0x90), petest.CodeCharacteristics)
	b.AddSection("PAGE", petest.Filled(0x20, 0x90), petest.CodeCharacteristics)
	b.AddSection(".pdata", petest.Filled(0x10, 0), petest.DataCharacteristics)
	b.AddSection("PAGE", petest.Filled(0x20, 0x90), petest.CodeCharacteristics)
	img := testImage(t, b)

	require.Len(t, img.Sections(), 4)

	sec, ok := img.FindSection("PAGE")
	require.True(t, ok)
	require.Equal(t, 1, sec.Index)
	require.Equal(t, uint32(0x2000), sec.VirtualAddress)
	require.Equal(t, uint32(0x20), sec.VirtualSize)

	_, ok = img.FindSection("page")
	require.False(t, ok)
	_, ok = img.FindSection(".tex")
	require.False(t, ok)
	_, ok = img.FindSection(".text\x00\x00\x00\x00")
	require.False(t, ok)
	_, ok = img.FindSection("")
	require.False(t, ok)

	sec, ok = img.FindSection(".text")
	require.True(t, ok)
	require.Equal(t, petest.Filled(0x40, 0x90), img.SectionBytes(sec))
}

func Test_SectionBytesOutOfRange(t *testing.T) {
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x40, 0x90), petest.CodeCharacteristics)
	img := testImage(t, b)

	require.Nil(t, img.SectionBytes(&Section{VirtualAddress: 0x1000, VirtualSize: 0x2000}))
}

func Test_RVA(t *testing.T) {
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x40, 0x90), petest.CodeCharacteristics)
	img := testImage(t, b)

	require.Equal(t, uint64(testBase+0x1010), img.RVA(0x1010))
	// the fast path does not consult SizeOfImage
	require.Equal(t, uint64(testBase+0x100000), img.RVA(0x100000))

	addr, ok := img.CheckedRVA(0x1000, 0x40)
	require.True(t, ok)
	require.Equal(t, uint64(testBase+0x1000), addr)

	_, ok = img.CheckedRVA(0x1ff0, 0x20)
	require.False(t, ok)
	_, ok = img.CheckedRVA(0x100000, 1)
	require.False(t, ok)
}

func Test_CommitHeaders(t *testing.T) {
	b := petest.New(testBase)
	b.AddSection(".text", petest.Filled(0x40, 0x90), petest.CodeCharacteristics)
	img := testImage(t, b)

	img.Headers().Optional().AddressOfEntryPoint = 0x1020
	img.CommitHeaders()

	h, ok := GetHeaders(img.Data())
	require.True(t, ok)
	require.Equal(t, uint32(0x1020), h.Optional().AddressOfEntryPoint)
	require.Equal(t, ".text", h.Sections(img.Data())[0].Name)
}
