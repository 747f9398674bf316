package bootpatch

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"bootpatch/internal/winnt"
)

// Headers is the parsed DOS and NT header pair of an image.
type Headers struct {
	Dos      winnt.IMAGE_DOS_HEADER
	Nt       winnt.IMAGE_NT_HEADERS
	NtOffset uint32
}

// GetHeaders validates the DOS signature, the NT signature and the PE32+
// optional header magic. A short buffer fails like any other mismatch.
func GetHeaders(data []byte) (*Headers, bool) {
	var h Headers
	if len(data) < winnt.SIZEOF_IMAGE_DOS_HEADER {
		return nil, false
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h.Dos); err != nil {
		return nil, false
	}
	if h.Dos.E_magic != winnt.IMAGE_DOS_SIGNATURE || h.Dos.E_lfanew < 0 {
		return nil, false
	}

	h.NtOffset = uint32(h.Dos.E_lfanew)
	if uint64(h.NtOffset)+winnt.SIZEOF_IMAGE_NT_HEADERS > uint64(len(data)) {
		return nil, false
	}
	if err := binary.Read(bytes.NewReader(data[h.NtOffset:]), binary.LittleEndian, &h.Nt); err != nil {
		return nil, false
	}
	if h.Nt.Signature != winnt.IMAGE_NT_SIGNATURE {
		return nil, false
	}
	if h.Nt.OptionalHeader.Magic != winnt.IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		return nil, false
	}
	return &h, true
}

func (h *Headers) Optional() *pe.OptionalHeader64 {
	return &h.Nt.OptionalHeader
}

func (h *Headers) SectionTableOffset() uint32 {
	return winnt.IMAGE_FIRST_SECTION(h.NtOffset, &h.Nt)
}

func (h *Headers) Directory(idx int) winnt.IMAGE_DATA_DIRECTORY {
	return winnt.GET_HEADER_DICTIONARY(&h.Nt, idx)
}

// Sections decodes the section table. Entries that fall outside data are dropped.
func (h *Headers) Sections(data []byte) []Section {
	var (
		table = uint64(h.SectionTableOffset())
		n     = int(h.Nt.FileHeader.NumberOfSections)
		out   = make([]Section, 0, n)
	)
	for i := 0; i < n; i++ {
		off := table + uint64(i)*winnt.IMAGE_SIZEOF_SECTION_HEADER
		if off+winnt.IMAGE_SIZEOF_SECTION_HEADER > uint64(len(data)) {
			break
		}
		var sh winnt.IMAGE_SECTION_HEADER
		if err := binary.Read(bytes.NewReader(data[off:]), binary.LittleEndian, &sh); err != nil {
			break
		}
		out = append(out, Section{
			Name:             winnt.SectionName(&sh),
			VirtualAddress:   sh.VirtualAddress,
			VirtualSize:      sh.VirtualSize,
			SizeOfRawData:    sh.SizeOfRawData,
			PointerToRawData: sh.PointerToRawData,
			Characteristics:  sh.Characteristics,
			Index:            i,
			raw:              sh.Name,
		})
	}
	return out
}

// Encode writes the file and optional headers back into data. Only the part of
// the optional header declared by SizeOfOptionalHeader is written.
func (h *Headers) Encode(data []byte) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h.Nt); err != nil {
		panic(err)
	}
	n := 4 + winnt.SIZEOF_IMAGE_FILE_HEADER + int(h.Nt.FileHeader.SizeOfOptionalHeader)
	if n > buf.Len() {
		n = buf.Len()
	}
	copy(data[h.NtOffset:], buf.Bytes()[:n])
}

type Section struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
	Index            int

	raw [winnt.IMAGE_SIZEOF_SHORT_NAME]byte
}

// Size is the number of bytes the section occupies in memory.
func (s *Section) Size() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

// Image is a non-owning view of a module loaded at base. data[0] is the byte
// at base.
type Image struct {
	base    uint64
	data    []byte
	headers *Headers

	hooks []*Hook
}

func NewImage(base uint64, data []byte) (*Image, bool) {
	h, ok := GetHeaders(data)
	if !ok {
		return nil, false
	}
	return &Image{base: base, data: data, headers: h}, true
}

func (img *Image) Base() uint64 {
	return img.base
}

// Size is SizeOfImage as declared by the optional header.
func (img *Image) Size() uint32 {
	return img.headers.Nt.OptionalHeader.SizeOfImage
}

func (img *Image) Headers() *Headers {
	return img.headers
}

// Data returns the backing bytes.
func (img *Image) Data() []byte {
	return img.data
}

func (img *Image) Sections() []Section {
	return img.headers.Sections(img.data)
}

// FindSection matches name against the 8-byte name field exactly. The first
// match in table order wins.
func (img *Image) FindSection(name string) (*Section, bool) {
	field, ok := winnt.ShortName(name)
	if !ok {
		return nil, false
	}
	for _, s := range img.Sections() {
		if s.raw == field {
			s := s
			return &s, true
		}
	}
	return nil, false
}

// SectionBytes returns the in-memory bytes of sec, or nil when the section does
// not fit inside the image.
func (img *Image) SectionBytes(sec *Section) []byte {
	start := uint64(sec.VirtualAddress)
	end := start + uint64(sec.Size())
	if end > uint64(img.Size()) || end > uint64(len(img.data)) {
		return nil
	}
	return img.data[start:end]
}

// RVA is base+off. It is not checked against SizeOfImage.
func (img *Image) RVA(off uint32) uint64 {
	return img.base + uint64(off)
}

// CheckedRVA is RVA for a range of n bytes that must lie inside the image.
func (img *Image) CheckedRVA(off uint32, n int) (uint64, bool) {
	if n < 0 {
		return 0, false
	}
	end := uint64(off) + uint64(n)
	if end > uint64(img.Size()) || end > uint64(len(img.data)) {
		return 0, false
	}
	return img.RVA(off), true
}

// Contains reports whether [addr, addr+n) lies inside the backing bytes.
func (img *Image) Contains(addr uint64, n int) bool {
	if addr < img.base || n < 0 {
		return false
	}
	off := addr - img.base
	return off <= uint64(len(img.data)) && uint64(n) <= uint64(len(img.data))-off
}

// CommitHeaders writes the in-memory header copy back to the image bytes.
func (img *Image) CommitHeaders() {
	img.headers.Encode(img.data)
}
