package bootpatch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const DetourSize = 12

var (
	// xor eax, eax; ret
	Return0Stub = []byte{0x33, 0xC0, 0xC3}
	// mov al, 1; ret
	ReturnTrueStub = []byte{0xB0, 0x01, 0xC3}
)

var (
	ErrHookState   = errors.New("hook in wrong state")
	ErrHookOverlap = errors.New("hook overlaps an installed hook")
	ErrHookTarget  = errors.New("hook target outside image")
)

// DetourCreate saves the first DetourSize bytes of code and overwrites them
// with mov rax, hook; jmp rax.
func DetourCreate(code []byte, hook uint64, saved *[DetourSize]byte) {
	copy(saved[:], code[:DetourSize])
	code[0] = 0x48
	code[1] = 0xB8
	binary.LittleEndian.PutUint64(code[2:10], hook)
	code[10] = 0xFF
	code[11] = 0xE0
}

func DetourRestore(code []byte, saved *[DetourSize]byte) {
	copy(code[:DetourSize], saved[:])
}

// PatchReturn0 makes the function at addr return 0.
func PatchReturn0(img *Image, addr uint64) {
	img.Copy(addr, Return0Stub)
}

// PatchReturnTrue makes the function at addr return TRUE in al.
func PatchReturnTrue(img *Image, addr uint64) {
	img.Copy(addr, ReturnTrueStub)
}

type HookState int

const (
	HookRemoved HookState = iota
	HookInstalled
	HookTemporarilyRestored
	HookReinstalling
)

func (s HookState) String() string {
	switch s {
	case HookRemoved:
		return "removed"
	case HookInstalled:
		return "installed"
	case HookTemporarilyRestored:
		return "temporarily-restored"
	case HookReinstalling:
		return "reinstalling"
	}
	return "unknown"
}

// Hook redirects Target to Handler through a detour stub. The saved bytes are
// valid only between Install and Restore.
type Hook struct {
	Target  uint64
	Handler uint64

	img   *Image
	saved [DetourSize]byte
	state HookState
}

func NewHook(img *Image, target, handler uint64) (*Hook, error) {
	if !img.Contains(target, DetourSize) {
		return nil, errors.Wrapf(ErrHookTarget, "%#x", target)
	}
	return &Hook{Target: target, Handler: handler, img: img}, nil
}

func (h *Hook) State() HookState {
	return h.state
}

// Saved returns the original bytes captured by the last Install.
func (h *Hook) Saved() [DetourSize]byte {
	return h.saved
}

func (h *Hook) Install() error {
	if h.state != HookRemoved && h.state != HookReinstalling {
		return errors.Wrapf(ErrHookState, "install from %s", h.state)
	}
	if h.state == HookRemoved {
		for _, o := range h.img.hooks {
			if o != h && h.Target < o.Target+DetourSize && o.Target < h.Target+DetourSize {
				return errors.Wrapf(ErrHookOverlap, "%#x and %#x", h.Target, o.Target)
			}
		}
		h.img.hooks = append(h.img.hooks, h)
	}
	DetourCreate(h.img.Bytes(h.Target, DetourSize), h.Handler, &h.saved)
	h.state = HookInstalled
	return nil
}

func (h *Hook) Restore() error {
	if h.state != HookInstalled {
		return errors.Wrapf(ErrHookState, "restore from %s", h.state)
	}
	DetourRestore(h.img.Bytes(h.Target, DetourSize), &h.saved)
	h.state = HookRemoved
	for i, o := range h.img.hooks {
		if o == h {
			h.img.hooks = append(h.img.hooks[:i], h.img.hooks[i+1:]...)
			break
		}
	}
	return nil
}

// CallOriginal restores the original bytes, runs fn and reinstalls the hook.
// Nothing else may execute the target while fn runs; the caller guarantees a
// single thread of control.
func (h *Hook) CallOriginal(fn func()) error {
	if h.state != HookInstalled {
		return errors.Wrapf(ErrHookState, "call original from %s", h.state)
	}
	DetourRestore(h.img.Bytes(h.Target, DetourSize), &h.saved)
	h.state = HookTemporarilyRestored

	fn()

	h.state = HookReinstalling
	return h.Install()
}
