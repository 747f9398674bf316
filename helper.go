package bootpatch

import (
	"bytes"
	"encoding/binary"
)

type Number interface {
	uint16 | uint32 | uint64
}

func load[T Number](b []byte) T {
	var v T
	switch any(v).(type) {
	case uint16:
		return T(binary.LittleEndian.Uint16(b))
	case uint32:
		return T(binary.LittleEndian.Uint32(b))
	default:
		return T(binary.LittleEndian.Uint64(b))
	}
}

func store[T Number](b []byte, v T) {
	switch x := any(v).(type) {
	case uint16:
		binary.LittleEndian.PutUint16(b, x)
	case uint32:
		binary.LittleEndian.PutUint32(b, x)
	case uint64:
		binary.LittleEndian.PutUint64(b, x)
	}
}

// Bytes returns the n bytes at addr. It panics when the range falls outside
// the backing slice.
func (img *Image) Bytes(addr uint64, n int) []byte {
	off := addr - img.base
	return img.data[off : off+uint64(n) : off+uint64(n)]
}

func (img *Image) Read16(addr uint64) uint16 { return load[uint16](img.Bytes(addr, 2)) }
func (img *Image) Read32(addr uint64) uint32 { return load[uint32](img.Bytes(addr, 4)) }
func (img *Image) Read64(addr uint64) uint64 { return load[uint64](img.Bytes(addr, 8)) }

func (img *Image) Write16(addr uint64, v uint16) { store(img.Bytes(addr, 2), v) }
func (img *Image) Write32(addr uint64, v uint32) { store(img.Bytes(addr, 4), v) }
func (img *Image) Write64(addr uint64, v uint64) { store(img.Bytes(addr, 8), v) }

// Copy writes src at addr.
func (img *Image) Copy(addr uint64, src []byte) {
	copy(img.Bytes(addr, len(src)), src)
}

// Fill sets n bytes at addr to b.
func (img *Image) Fill(addr uint64, n int, b byte) {
	dst := img.Bytes(addr, n)
	for i := range dst {
		dst[i] = b
	}
}

// CString reads a NUL terminated string at addr. ok is false when the string
// runs off the end of the image.
func (img *Image) CString(addr uint64) (string, bool) {
	if !img.Contains(addr, 0) {
		return "", false
	}
	rest := img.data[addr-img.base:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", false
	}
	return string(rest[:i]), true
}
