package bootpatch

import (
	"debug/pe"

	"bootpatch/internal/winnt"

	"github.com/pkg/errors"
)

var (
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
	ErrMalformedRelocation   = errors.New("malformed relocation block")
)

// ApplyRelocations adds delta to every location listed in the base relocation
// directory. A zero delta does nothing. The whole directory is checked before
// the first write, so an error leaves the image untouched.
func (img *Image) ApplyRelocations(delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := img.walkRelocations(nil); err != nil {
		return err
	}
	return img.walkRelocations(func(typ uint16, addr uint64) {
		switch typ {
		case winnt.IMAGE_REL_BASED_HIGH:
			img.Write16(addr, img.Read16(addr)+uint16(uint64(delta)>>16))
		case winnt.IMAGE_REL_BASED_LOW:
			img.Write16(addr, img.Read16(addr)+uint16(delta))
		case winnt.IMAGE_REL_BASED_HIGHLOW:
			img.Write32(addr, img.Read32(addr)+uint32(delta))
		case winnt.IMAGE_REL_BASED_DIR64:
			img.Write64(addr, img.Read64(addr)+uint64(delta))
		}
	})
}

// walkRelocations validates every block and entry, calling fix for each
// non-absolute entry when fix is not nil.
func (img *Image) walkRelocations(fix func(typ uint16, addr uint64)) error {
	dir := img.headers.Directory(pe.IMAGE_DIRECTORY_ENTRY_BASERELOC)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}
	if _, ok := img.CheckedRVA(dir.VirtualAddress, int(dir.Size)); !ok {
		return errors.Wrapf(ErrMalformedRelocation, "directory %#x+%#x outside image", dir.VirtualAddress, dir.Size)
	}

	var (
		off       = dir.VirtualAddress
		remaining = dir.Size
	)
	for remaining >= winnt.IMAGE_SIZEOF_BASE_RELOCATION {
		page := img.Read32(img.RVA(off))
		size := img.Read32(img.RVA(off + 4))
		if size == 0 {
			break
		}
		if size < winnt.IMAGE_SIZEOF_BASE_RELOCATION || size > remaining {
			return errors.Wrapf(ErrMalformedRelocation, "block at %#x has size %#x", off, size)
		}

		count := (size - winnt.IMAGE_SIZEOF_BASE_RELOCATION) / 2
		for i := uint32(0); i < count; i++ {
			entry := img.Read16(img.RVA(off + winnt.IMAGE_SIZEOF_BASE_RELOCATION + 2*i))
			typ := entry >> 12
			if entry == 0 || typ == winnt.IMAGE_REL_BASED_ABSOLUTE {
				continue
			}
			target := page + uint32(entry&0xfff)
			width := relocWidth(typ)
			if width == 0 {
				return errors.Wrapf(ErrUnsupportedRelocation, "type %d at %#x", typ, target)
			}
			addr := img.RVA(target)
			if !img.Contains(addr, width) {
				return errors.Wrapf(ErrMalformedRelocation, "target %#x outside image", target)
			}
			if fix != nil {
				fix(typ, addr)
			}
		}

		off += size
		remaining -= size
	}
	return nil
}

// Rebase fixes the image up for newBase and records newBase as its preferred
// base, so rebasing twice to the same address applies the delta once.
func (img *Image) Rebase(newBase uint64) error {
	opt := img.headers.Optional()
	delta := int64(newBase - opt.ImageBase)
	if err := img.ApplyRelocations(delta); err != nil {
		return err
	}
	opt.ImageBase = newBase
	img.CommitHeaders()
	return nil
}

// Relocate rebases the image to the address it is loaded at.
func (img *Image) Relocate() error {
	return img.Rebase(img.base)
}

func relocWidth(typ uint16) int {
	switch typ {
	case winnt.IMAGE_REL_BASED_HIGH, winnt.IMAGE_REL_BASED_LOW:
		return 2
	case winnt.IMAGE_REL_BASED_HIGHLOW:
		return 4
	case winnt.IMAGE_REL_BASED_DIR64:
		return 8
	}
	return 0
}
