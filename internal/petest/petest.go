// Package petest builds small PE32+ images in memory for tests.
package petest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"bootpatch/internal/winnt"
)

const (
	CodeCharacteristics = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	DataCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
)

type Section struct {
	Name            string
	Data            []byte
	VirtualSize     uint32
	Characteristics uint32
	RVA             uint32
}

func (s *Section) virtualSize() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return uint32(len(s.Data))
}

type Image struct {
	ImageBase        uint64
	EntryPoint       uint32
	SectionAlignment uint32
	FileAlignment    uint32
	Lfanew           uint32
	Sections         []*Section
	Directories      [winnt.IMAGE_NUMBEROF_DIRECTORY]pe.DataDirectory
}

func New(imageBase uint64) *Image {
	return &Image{
		ImageBase:        imageBase,
		SectionAlignment: 0x1000,
		FileAlignment:    0x1000,
		Lfanew:           0x80,
	}
}

// NextRVA returns the RVA the next added section will be placed at.
func (b *Image) NextRVA() uint32 {
	if len(b.Sections) == 0 {
		return uint32(winnt.AlignValueUp(uint64(b.sizeOfHeaders(1)), uint64(b.SectionAlignment)))
	}
	last := b.Sections[len(b.Sections)-1]
	return last.RVA + uint32(winnt.AlignValueUp(uint64(last.virtualSize()), uint64(b.SectionAlignment)))
}

func (b *Image) AddSection(name string, data []byte, characteristics uint32) *Section {
	s := &Section{
		Name:            name,
		Data:            data,
		Characteristics: characteristics,
		RVA:             b.NextRVA(),
	}
	b.Sections = append(b.Sections, s)
	return s
}

func (b *Image) SetDirectory(idx int, rva, size uint32) {
	b.Directories[idx] = pe.DataDirectory{VirtualAddress: rva, Size: size}
}

func (b *Image) sizeOfHeaders(extra int) uint32 {
	end := b.Lfanew + winnt.SIZEOF_IMAGE_NT_HEADERS + uint32(len(b.Sections)+extra)*winnt.IMAGE_SIZEOF_SECTION_HEADER
	return uint32(winnt.AlignValueUp(uint64(end), uint64(b.FileAlignment)))
}

func (b *Image) SizeOfImage() uint32 {
	return b.NextRVA()
}

// Bytes returns the image in file layout.
func (b *Image) Bytes() []byte {
	headerSize := b.sizeOfHeaders(0)
	if len(b.Sections) > 0 && headerSize > b.Sections[0].RVA {
		panic("petest: section table does not fit in front of the first section")
	}

	var headers []winnt.IMAGE_SECTION_HEADER
	fileSize := headerSize
	for _, s := range b.Sections {
		name, ok := winnt.ShortName(s.Name)
		if !ok {
			panic("petest: section name too long: " + s.Name)
		}
		raw := uint32(winnt.AlignValueUp(uint64(len(s.Data)), uint64(b.FileAlignment)))
		sh := winnt.IMAGE_SECTION_HEADER{
			Name:            name,
			VirtualSize:     s.virtualSize(),
			VirtualAddress:  s.RVA,
			SizeOfRawData:   raw,
			Characteristics: s.Characteristics,
		}
		if raw != 0 {
			sh.PointerToRawData = fileSize
		}
		fileSize += raw
		headers = append(headers, sh)
	}

	out := make([]byte, fileSize)

	dos := winnt.IMAGE_DOS_HEADER{
		E_magic:  winnt.IMAGE_DOS_SIGNATURE,
		E_lfanew: int32(b.Lfanew),
	}
	put(out[0:], &dos)

	nt := winnt.IMAGE_NT_HEADERS{
		Signature: winnt.IMAGE_NT_SIGNATURE,
		FileHeader: pe.FileHeader{
			Machine:              winnt.HOST_MACHINE,
			NumberOfSections:     uint16(len(b.Sections)),
			SizeOfOptionalHeader: winnt.SIZEOF_IMAGE_OPTIONAL_HEADER,
			Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
		},
		OptionalHeader: pe.OptionalHeader64{
			Magic:               winnt.IMAGE_NT_OPTIONAL_HDR64_MAGIC,
			AddressOfEntryPoint: b.EntryPoint,
			ImageBase:           b.ImageBase,
			SectionAlignment:    b.SectionAlignment,
			FileAlignment:       b.FileAlignment,
			SizeOfImage:         b.SizeOfImage(),
			SizeOfHeaders:       headerSize,
			Subsystem:           pe.IMAGE_SUBSYSTEM_EFI_APPLICATION,
			NumberOfRvaAndSizes: winnt.IMAGE_NUMBEROF_DIRECTORY,
			DataDirectory:       b.Directories,
		},
	}
	put(out[b.Lfanew:], &nt)

	table := winnt.IMAGE_FIRST_SECTION(b.Lfanew, &nt)
	for i := range headers {
		put(out[table+uint32(i)*winnt.IMAGE_SIZEOF_SECTION_HEADER:], &headers[i])
		if headers[i].SizeOfRawData != 0 {
			copy(out[headers[i].PointerToRawData:], b.Sections[i].Data)
		}
	}
	return out
}

// Mapped returns the image in memory layout, the way a loader hands it over.
func (b *Image) Mapped() []byte {
	file := b.Bytes()
	out := make([]byte, b.SizeOfImage())
	copy(out, file[:b.sizeOfHeaders(0)])
	for _, s := range b.Sections {
		copy(out[s.RVA:], s.Data)
	}
	return out
}

func put(dst []byte, v any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(dst, buf.Bytes())
}

// Filled returns n bytes of b.
func Filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// Exports builds an export directory with its tables and strings, to be placed
// at rva. funcs are RVAs, parallel to names.
func Exports(rva uint32, module string, names []string, funcs []uint32) []byte {
	n := uint32(len(names))
	dirSize := uint32(winnt.SIZEOF_IMAGE_EXPORT_DIRECTORY)
	funcsOff := dirSize
	namesOff := funcsOff + 4*n
	ordsOff := namesOff + 4*n
	strOff := ordsOff + 2*n

	var strs bytes.Buffer
	moduleRVA := rva + strOff + uint32(strs.Len())
	strs.WriteString(module)
	strs.WriteByte(0)
	nameRVAs := make([]uint32, n)
	for i, name := range names {
		nameRVAs[i] = rva + strOff + uint32(strs.Len())
		strs.WriteString(name)
		strs.WriteByte(0)
	}

	out := make([]byte, strOff+uint32(strs.Len()))
	dir := winnt.IMAGE_EXPORT_DIRECTORY{
		Name:                  moduleRVA,
		Base:                  1,
		NumberOfFunctions:     n,
		NumberOfNames:         n,
		AddressOfFunctions:    rva + funcsOff,
		AddressOfNames:        rva + namesOff,
		AddressOfNameOrdinals: rva + ordsOff,
	}
	put(out, &dir)
	for i := uint32(0); i < n; i++ {
		// ordinal table is reversed so name index and function index differ
		ord := n - 1 - i
		binary.LittleEndian.PutUint32(out[funcsOff+4*ord:], funcs[i])
		binary.LittleEndian.PutUint32(out[namesOff+4*i:], nameRVAs[i])
		binary.LittleEndian.PutUint16(out[ordsOff+2*i:], uint16(ord))
	}
	copy(out[strOff:], strs.Bytes())
	return out
}

type RelocBlock struct {
	Page    uint32
	Entries []uint16
}

// Reloc packs a relocation entry.
func Reloc(typ uint16, offset uint16) uint16 {
	return typ<<12 | offset&0xfff
}

// Relocations builds a base relocation directory. Blocks with an odd number of
// entries are padded with an ABSOLUTE entry.
func Relocations(blocks ...RelocBlock) []byte {
	var out []byte
	for _, b := range blocks {
		entries := b.Entries
		if len(entries)%2 == 1 {
			entries = append(entries[:len(entries):len(entries)], 0)
		}
		block := make([]byte, winnt.IMAGE_SIZEOF_BASE_RELOCATION+2*len(entries))
		binary.LittleEndian.PutUint32(block[0:], b.Page)
		binary.LittleEndian.PutUint32(block[4:], uint32(len(block)))
		for i, e := range entries {
			binary.LittleEndian.PutUint16(block[8+2*i:], e)
		}
		out = append(out, block...)
	}
	return out
}

// FunctionTable encodes an exception directory.
func FunctionTable(entries ...winnt.RUNTIME_FUNCTION) []byte {
	out := make([]byte, 0, len(entries)*winnt.SIZEOF_RUNTIME_FUNCTION)
	for _, e := range entries {
		var b [winnt.SIZEOF_RUNTIME_FUNCTION]byte
		binary.LittleEndian.PutUint32(b[0:], e.BeginAddress)
		binary.LittleEndian.PutUint32(b[4:], e.EndAddress)
		binary.LittleEndian.PutUint32(b[8:], e.UnwindData)
		out = append(out, b[:]...)
	}
	return out
}
