package bootpatch

import (
	"bootpatch/internal/winnt"

	"github.com/sirupsen/logrus"
)

// Volume reads files from the volume the boot application was loaded from.
type Volume interface {
	ReadFile(name string) ([]byte, error)
}

// AddressSpace hands out views of memory by absolute address.
type AddressSpace interface {
	Bytes(addr uint64, n int) ([]byte, bool)
}

// Region is an AddressSpace backed by a single byte slice at Base.
type Region struct {
	Base uint64
	Data []byte
}

func (r Region) Bytes(addr uint64, n int) ([]byte, bool) {
	if addr < r.Base || n < 0 {
		return nil, false
	}
	off := addr - r.Base
	if off > uint64(len(r.Data)) || uint64(n) > uint64(len(r.Data))-off {
		return nil, false
	}
	return r.Data[off : off+uint64(n)], true
}

// Env carries the collaborators of the engine.
type Env struct {
	Log    logrus.FieldLogger
	Halt   func(reason string)
	Volume Volume
}

func NewEnv(log logrus.FieldLogger) *Env {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Env{Log: log, Halt: DefaultHalt}
}

// FindImageBase walks back from addr one page at a time, at most maxPages
// pages, until it finds valid image headers. It resolves the module that owns
// a code address.
func FindImageBase(as AddressSpace, addr uint64, maxPages int) (uint64, bool) {
	page := winnt.AlignValueDown(addr, winnt.EFI_PAGE_SIZE)
	for i := 0; i < maxPages; i++ {
		if buf, ok := as.Bytes(page, winnt.EFI_PAGE_SIZE); ok {
			if _, ok := GetHeaders(buf); ok {
				return page, true
			}
		}
		if page < winnt.EFI_PAGE_SIZE {
			break
		}
		page -= winnt.EFI_PAGE_SIZE
	}
	return 0, false
}

// ImageAt finds the module that owns addr and opens it as an Image covering
// SizeOfImage bytes.
func ImageAt(as AddressSpace, addr uint64, maxPages int) (*Image, bool) {
	base, ok := FindImageBase(as, addr, maxPages)
	if !ok {
		return nil, false
	}
	head, _ := as.Bytes(base, winnt.EFI_PAGE_SIZE)
	h, _ := GetHeaders(head)
	data, ok := as.Bytes(base, int(h.Nt.OptionalHeader.SizeOfImage))
	if !ok {
		return nil, false
	}
	return NewImage(base, data)
}
