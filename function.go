package bootpatch

import (
	"debug/pe"
	"sort"

	"bootpatch/internal/winnt"
)

func (img *Image) functionTable() (uint32, int, bool) {
	dir := img.headers.Directory(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION)
	if dir.VirtualAddress == 0 || dir.Size < winnt.SIZEOF_RUNTIME_FUNCTION {
		return 0, 0, false
	}
	if _, ok := img.CheckedRVA(dir.VirtualAddress, int(dir.Size)); !ok {
		return 0, 0, false
	}
	return dir.VirtualAddress, int(dir.Size / winnt.SIZEOF_RUNTIME_FUNCTION), true
}

func (img *Image) runtimeFunction(rva uint32) winnt.RUNTIME_FUNCTION {
	p := img.RVA(rva)
	return winnt.RUNTIME_FUNCTION{
		BeginAddress: img.Read32(p),
		EndAddress:   img.Read32(p + 4),
		UnwindData:   img.Read32(p + 8),
	}
}

// LookupFunctionEntry finds the exception directory entry covering addr. The
// table is sorted by address; EndAddress is exclusive.
//
// An addr equal to an entry's EndAddress belongs to the next entry, or to no
// entry when a gap follows.
func (img *Image) LookupFunctionEntry(addr uint64) (winnt.RUNTIME_FUNCTION, bool) {
	table, n, ok := img.functionTable()
	if !ok || addr < img.base {
		return winnt.RUNTIME_FUNCTION{}, false
	}
	rva := addr - img.base
	if rva > 0xffffffff {
		return winnt.RUNTIME_FUNCTION{}, false
	}

	i := sort.Search(n, func(i int) bool {
		return uint64(img.runtimeFunction(table+uint32(i)*winnt.SIZEOF_RUNTIME_FUNCTION).EndAddress) > rva
	})
	if i == n {
		return winnt.RUNTIME_FUNCTION{}, false
	}
	rf := img.runtimeFunction(table + uint32(i)*winnt.SIZEOF_RUNTIME_FUNCTION)
	if rva < uint64(rf.BeginAddress) {
		return winnt.RUNTIME_FUNCTION{}, false
	}
	return rf, true
}

// ResolveFunctionAlias follows an indirect entry to the entry it refers to.
// Only one level is followed.
func (img *Image) ResolveFunctionAlias(rf winnt.RUNTIME_FUNCTION) (winnt.RUNTIME_FUNCTION, bool) {
	if rf.UnwindData&winnt.RUNTIME_FUNCTION_INDIRECT == 0 {
		return rf, true
	}
	target := rf.UnwindData &^ winnt.RUNTIME_FUNCTION_INDIRECT
	if _, ok := img.CheckedRVA(target, winnt.SIZEOF_RUNTIME_FUNCTION); !ok {
		return winnt.RUNTIME_FUNCTION{}, false
	}
	return img.runtimeFunction(target), true
}

// FindFunctionStart returns the address of the primary entry point of the
// function containing addr.
func (img *Image) FindFunctionStart(addr uint64) (uint64, bool) {
	rf, ok := img.LookupFunctionEntry(addr)
	if !ok {
		return 0, false
	}
	rf, ok = img.ResolveFunctionAlias(rf)
	if !ok {
		return 0, false
	}
	return img.RVA(rf.BeginAddress), true
}
