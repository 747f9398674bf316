// winnt.h
package winnt

import (
	"bytes"
	"debug/pe"
)

const (
	IMAGE_DOS_SIGNATURE           = 0x5A4D
	IMAGE_NT_SIGNATURE            = 0x00004550 // PE00
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b
	HOST_MACHINE                  = pe.IMAGE_FILE_MACHINE_AMD64
	IMAGE_SIZEOF_SHORT_NAME       = 8
	IMAGE_NUMBEROF_DIRECTORY      = 16

	EFI_PAGE_SIZE = 0x1000
)

const (
	IMAGE_REL_BASED_ABSOLUTE = 0
	IMAGE_REL_BASED_HIGH     = 1
	IMAGE_REL_BASED_LOW      = 2
	IMAGE_REL_BASED_HIGHLOW  = 3
	IMAGE_REL_BASED_DIR64    = 10
)

// RUNTIME_FUNCTION_INDIRECT marks an UnwindData field that holds the RVA of
// another RUNTIME_FUNCTION instead of an UNWIND_INFO.
const RUNTIME_FUNCTION_INDIRECT = 0x1

const (
	SIZEOF_IMAGE_DOS_HEADER       = 64
	SIZEOF_IMAGE_FILE_HEADER      = 20
	SIZEOF_IMAGE_OPTIONAL_HEADER  = 240
	SIZEOF_IMAGE_NT_HEADERS       = 4 + SIZEOF_IMAGE_FILE_HEADER + SIZEOF_IMAGE_OPTIONAL_HEADER
	IMAGE_SIZEOF_SECTION_HEADER   = 40
	IMAGE_SIZEOF_BASE_RELOCATION  = 8
	SIZEOF_RUNTIME_FUNCTION       = 12
	SIZEOF_IMAGE_EXPORT_DIRECTORY = 40
)

// Offsets of optional header fields, relative to the start of the optional header.
const (
	OFFSET_AddressOfEntryPoint = 16
	OFFSET_ImageBase           = 24
	OFFSET_SizeOfImage         = 56
	OFFSET_CheckSum            = 64
)

type (
	BYTE      = byte
	WORD      = uint16
	DWORD     = uint32
	LONG      = int32
	ULONGLONG = uint64
)

// DOS .EXE header
type IMAGE_DOS_HEADER struct {
	E_magic    WORD     // Magic number
	E_cblp     WORD     // Bytes on last page of file
	E_cp       WORD     // Pages in file
	E_crlc     WORD     // Relocations
	E_cparhdr  WORD     // Size of header in paragraphs
	E_minalloc WORD     // Minimum extra paragraphs needed
	E_maxalloc WORD     // Maximum extra paragraphs needed
	E_ss       WORD     // Initial (relative) SS value
	E_sp       WORD     // Initial SP value
	E_csum     WORD     // Checksum
	E_ip       WORD     // Initial IP value
	E_cs       WORD     // Initial (relative) CS value
	E_lfarlc   WORD     // File address of relocation table
	E_ovno     WORD     // Overlay number
	E_res      [4]WORD  // Reserved words
	E_oemid    WORD     // OEM identifier (for e_oeminfo)
	E_oeminfo  WORD     // OEM information; e_oemid specific
	E_res2     [10]WORD // Reserved words
	E_lfanew   LONG     // File address of new exe header
}

type IMAGE_NT_HEADERS struct {
	Signature      DWORD
	FileHeader     pe.FileHeader
	OptionalHeader pe.OptionalHeader64
}

type IMAGE_SECTION_HEADER = pe.SectionHeader32

type IMAGE_DATA_DIRECTORY = pe.DataDirectory

type IMAGE_EXPORT_DIRECTORY struct {
	Characteristics       DWORD
	TimeDateStamp         DWORD
	MajorVersion          WORD
	MinorVersion          WORD
	Name                  DWORD
	Base                  DWORD
	NumberOfFunctions     DWORD
	NumberOfNames         DWORD
	AddressOfFunctions    DWORD // RVA from base of image
	AddressOfNames        DWORD // RVA from base of image
	AddressOfNameOrdinals DWORD // RVA from base of image
}

type IMAGE_BASE_RELOCATION struct {
	VirtualAddress DWORD
	SizeOfBlock    DWORD
}

// RUNTIME_FUNCTION is one entry of the x64 exception directory (.pdata).
type RUNTIME_FUNCTION struct {
	BeginAddress DWORD
	EndAddress   DWORD
	UnwindData   DWORD
}

// #define IMAGE_FIRST_SECTION( ntheader ) ((PIMAGE_SECTION_HEADER)
//
//	((ULONG_PTR)(ntheader) +
//	 FIELD_OFFSET( IMAGE_NT_HEADERS, OptionalHeader ) +
//	 ((ntheader))->FileHeader.SizeOfOptionalHeader
//	))
//
// Offsets are relative to the start of the image instead of pointers.
func IMAGE_FIRST_SECTION(ntOffset uint32, ntheader *IMAGE_NT_HEADERS) uint32 {
	return ntOffset + 4 + SIZEOF_IMAGE_FILE_HEADER + uint32(ntheader.FileHeader.SizeOfOptionalHeader)
}

// GET_HEADER_DICTIONARY returns the data directory idx, or an empty one when the
// optional header does not declare that many directories.
func GET_HEADER_DICTIONARY(ntheader *IMAGE_NT_HEADERS, idx int) IMAGE_DATA_DIRECTORY {
	if idx < 0 || idx >= IMAGE_NUMBEROF_DIRECTORY || uint32(idx) >= ntheader.OptionalHeader.NumberOfRvaAndSizes {
		return IMAGE_DATA_DIRECTORY{}
	}
	return ntheader.OptionalHeader.DataDirectory[idx]
}

func AlignValueDown(value, alignment uint64) uint64 {
	return value / alignment * alignment
}

func AlignValueUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) / alignment * alignment
}

// SectionName returns the NUL-trimmed name field of a section header.
func SectionName(sh *IMAGE_SECTION_HEADER) string {
	name := sh.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// ShortName packs name into the fixed 8-byte header field. ok is false when the
// name does not fit.
func ShortName(name string) (field [IMAGE_SIZEOF_SHORT_NAME]BYTE, ok bool) {
	if len(name) > IMAGE_SIZEOF_SHORT_NAME {
		return field, false
	}
	copy(field[:], name)
	return field, true
}
