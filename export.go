package bootpatch

import (
	"debug/pe"
	"hash/fnv"

	"bootpatch/internal/winnt"
)

// Fnv1a is the 64-bit FNV-1a hash of s with ASCII letters folded to lowercase.
func Fnv1a(s string) uint64 {
	h := fnv.New64a()
	buf := []byte(s)
	for i, c := range buf {
		if c >= 'A' && c <= 'Z' {
			buf[i] = c + ('a' - 'A')
		}
	}
	h.Write(buf)
	return h.Sum64()
}

type Export struct {
	Name    string
	Ordinal uint16
	Address uint64
}

type exportDirectory struct {
	winnt.IMAGE_EXPORT_DIRECTORY
	module string
}

func (img *Image) exportDirectory() (*exportDirectory, bool) {
	dir := img.headers.Directory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, false
	}
	if _, ok := img.CheckedRVA(dir.VirtualAddress, winnt.SIZEOF_IMAGE_EXPORT_DIRECTORY); !ok {
		return nil, false
	}

	var (
		e = &exportDirectory{}
		p = img.RVA(dir.VirtualAddress)
	)
	e.Name = img.Read32(p + 12)
	e.Base = img.Read32(p + 16)
	e.NumberOfFunctions = img.Read32(p + 20)
	e.NumberOfNames = img.Read32(p + 24)
	e.AddressOfFunctions = img.Read32(p + 28)
	e.AddressOfNames = img.Read32(p + 32)
	e.AddressOfNameOrdinals = img.Read32(p + 36)
	if e.NumberOfFunctions == 0 || e.NumberOfNames == 0 {
		return nil, false
	}

	if _, ok := img.CheckedRVA(e.AddressOfFunctions, 4*int(e.NumberOfFunctions)); !ok {
		return nil, false
	}
	if _, ok := img.CheckedRVA(e.AddressOfNames, 4*int(e.NumberOfNames)); !ok {
		return nil, false
	}
	if _, ok := img.CheckedRVA(e.AddressOfNameOrdinals, 2*int(e.NumberOfNames)); !ok {
		return nil, false
	}
	if e.Name != 0 {
		e.module, _ = img.CString(img.RVA(e.Name))
	}
	return e, true
}

// entry resolves the i-th name to its ordinal and address.
func (img *Image) exportEntry(e *exportDirectory, i uint32) (uint16, uint64, bool) {
	ord := img.Read16(img.RVA(e.AddressOfNameOrdinals + 2*i))
	if uint32(ord) >= e.NumberOfFunctions {
		return 0, 0, false
	}
	return ord, img.RVA(img.Read32(img.RVA(e.AddressOfFunctions + 4*uint32(ord)))), true
}

// GetExport resolves function by name. When module is not empty it must match
// the module name recorded in the export directory. Both comparisons ignore
// ASCII case.
func (img *Image) GetExport(function, module string) (uint64, bool) {
	e, ok := img.exportDirectory()
	if !ok {
		return 0, false
	}
	if module != "" && Fnv1a(e.module) != Fnv1a(module) {
		return 0, false
	}

	want := Fnv1a(function)
	for i := uint32(0); i < e.NumberOfNames; i++ {
		name, ok := img.CString(img.RVA(img.Read32(img.RVA(e.AddressOfNames + 4*i))))
		if !ok || Fnv1a(name) != want {
			continue
		}
		_, addr, ok := img.exportEntry(e, i)
		return addr, ok
	}
	return 0, false
}

// Exports lists the named exports in name-table order.
func (img *Image) Exports() []Export {
	e, ok := img.exportDirectory()
	if !ok {
		return nil
	}
	out := make([]Export, 0, e.NumberOfNames)
	for i := uint32(0); i < e.NumberOfNames; i++ {
		name, ok := img.CString(img.RVA(img.Read32(img.RVA(e.AddressOfNames + 4*i))))
		if !ok {
			continue
		}
		ord, addr, ok := img.exportEntry(e, i)
		if !ok {
			continue
		}
		out = append(out, Export{Name: name, Ordinal: uint16(e.Base) + ord, Address: addr})
	}
	return out
}

// ModuleName is the name recorded in the export directory.
func (img *Image) ModuleName() (string, bool) {
	e, ok := img.exportDirectory()
	if !ok {
		return "", false
	}
	return e.module, e.module != ""
}
