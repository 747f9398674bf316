// Package imageio reads and writes image files on the host and lays PE files
// out in memory the way a firmware loader does.
package imageio

import (
	"os"
	"path/filepath"
	"strings"

	"bootpatch"
	"bootpatch/internal/winnt"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// ReadFile maps path read-only and returns a private copy of its contents.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return []byte{}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	defer m.Unmap()

	return append([]byte(nil), m...), nil
}

// WriteFile writes data next to path and renames it into place with the
// permissions perm.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "chmod %s", tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "rename to %s", path)
}

// Volume serves files below Root. Names use either slash, as in
// \EFI\Microsoft\Boot\bootmgfw.efi.
type Volume struct {
	Root string
}

var _ bootpatch.Volume = Volume{}

func (v Volume) ReadFile(name string) ([]byte, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	clean := filepath.Clean("/" + filepath.FromSlash(name))
	return ReadFile(filepath.Join(v.Root, clean))
}

// MapImage lays file out in memory order: the headers, then every section at
// its virtual address, zero filled up to SizeOfImage.
func MapImage(file []byte) ([]byte, error) {
	h, ok := bootpatch.GetHeaders(file)
	if !ok {
		return nil, errors.New("not a PE32+ image")
	}
	opt := h.Optional()
	if opt.SizeOfHeaders > opt.SizeOfImage || int(opt.SizeOfHeaders) > len(file) {
		return nil, errors.Errorf("SizeOfHeaders %#x out of range", opt.SizeOfHeaders)
	}
	end := uint64(h.SectionTableOffset()) + uint64(h.Nt.FileHeader.NumberOfSections)*winnt.IMAGE_SIZEOF_SECTION_HEADER
	if uint64(opt.SizeOfHeaders) < end {
		return nil, errors.Errorf("SizeOfHeaders %#x does not cover the headers ending at %#x", opt.SizeOfHeaders, end)
	}

	out := make([]byte, opt.SizeOfImage)
	copy(out, file[:opt.SizeOfHeaders])
	for _, s := range h.Sections(file) {
		raw := s.SizeOfRawData
		if s.VirtualSize != 0 && s.VirtualSize < raw {
			raw = s.VirtualSize
		}
		if raw == 0 {
			continue
		}
		if uint64(s.PointerToRawData)+uint64(raw) > uint64(len(file)) {
			return nil, errors.Errorf("section %s raw data out of file", s.Name)
		}
		if uint64(s.VirtualAddress)+uint64(raw) > uint64(len(out)) {
			return nil, errors.Errorf("section %s beyond SizeOfImage", s.Name)
		}
		copy(out[s.VirtualAddress:], file[s.PointerToRawData:s.PointerToRawData+raw])
	}
	return out, nil
}
