package bootpatch

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// Wildcard matches any byte. A literal 0xCC cannot be matched exactly.
const Wildcard = 0xCC

type Pattern []byte

func ComparePattern(buf []byte, p Pattern) bool {
	if len(buf) < len(p) {
		return false
	}
	for i, b := range p {
		if b != Wildcard && buf[i] != b {
			return false
		}
	}
	return true
}

// FindPattern returns the offset of the leftmost match of p in buf, or -1. An
// empty pattern never matches.
func FindPattern(buf []byte, p Pattern) int {
	if len(p) == 0 || len(p) > len(buf) {
		return -1
	}
	for i := 0; i+len(p) <= len(buf); i++ {
		if ComparePattern(buf[i:], p) {
			return i
		}
	}
	return -1
}

// ParsePattern reads space separated hex bytes. "?" and "??" are wildcards.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, errors.New("empty pattern")
	}
	p := make(Pattern, 0, len(fields))
	for _, f := range fields {
		if f == "?" || f == "??" {
			p = append(p, Wildcard)
			continue
		}
		if len(f) != 2 {
			return nil, errors.Errorf("bad pattern byte %q", f)
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, errors.Wrapf(err, "bad pattern byte %q", f)
		}
		p = append(p, b[0])
	}
	return p, nil
}

func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if b == Wildcard {
			sb.WriteString("??")
			continue
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{b})))
	}
	return sb.String()
}

// FindPattern scans the in-memory range of sec and returns the absolute address
// of the leftmost match.
func (img *Image) FindPattern(sec *Section, p Pattern) (uint64, bool) {
	buf := img.SectionBytes(sec)
	if buf == nil {
		return 0, false
	}
	i := FindPattern(buf, p)
	if i < 0 {
		return 0, false
	}
	return img.RVA(sec.VirtualAddress) + uint64(i), true
}
