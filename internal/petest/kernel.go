package petest

import (
	"debug/pe"
	"encoding/binary"

	"bootpatch/internal/winnt"
)

const KernelBase = 0xfffff80000000000

// Section RVAs of the image built by Kernel.Build.
const (
	KernelText = 0x1000
	KernelPage = 0x2000
	KernelInit = 0x3000
)

// Kernel is a minimal kernel image carrying every location the kernel patch
// plan looks for. Bytes are taken from a Windows 10 ntoskrnl; everything else
// is int3 filler.
//
//	.text  0x010 KiSwInterrupt dispatch call
//	       0x100 KiMcaDeferredRecoveryService
//	       0x200 caller (call at 0x208), 0x280 caller (call at 0x290)
//	PAGE   0x020 CiInitialize call, 0x080 SeValidateImageData tail,
//	       0x100 SeCodeIntegrityQueryInformation
//	INIT   0x000 KeInitAmd64SpecificState
//	       0x040 KiVerifyScopesExecute (signature at 0x062)
//	       0x100 CcInitializeBcbProfiler (signature at 0x119)
//	       0x180 ExpLicenseWatchInitWorker, chained part at 0x1a0 (signature at 0x1b0)
type Kernel struct {
	Text, Page, Init []byte
	InitName         string
}

func NewKernel() *Kernel {
	k := &Kernel{
		Text:     Filled(0x300, 0xCC),
		Page:     Filled(0x300, 0xCC),
		Init:     Filled(0x300, 0xCC),
		InitName: "INIT",
	}

	copy(k.Text[0x10:], []byte{0xFB, 0x48, 0x8D, 0x4D, 0x80, 0xE8, 0xE8, 0xC2, 0xFD, 0xFF, 0xFA})
	copy(k.Text[0x100:], []byte{0x33, 0xC0, 0x8B, 0xD8, 0x8B, 0xF8, 0x8B, 0xE8, 0x4C, 0x8B, 0xD0})
	k.Call(0x208, 0x100)
	k.Call(0x290, 0x100)

	copy(k.Init[0x00:], []byte{0x8B, 0xC2, 0x99, 0x41, 0xF7, 0xF8, 0x89, 0x44, 0x24, 0x30})
	copy(k.Init[0x62:], []byte{0x48, 0x83, 0x65, 0xF4, 0x00, 0x48, 0xB8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE})
	copy(k.Init[0x119:], []byte{0x48, 0xB8, 0xD4, 0x02, 0x00, 0x00, 0x80, 0xF7, 0xFF, 0xFF})
	copy(k.Init[0x1B0:], []byte{0xA0, 0xD4, 0x02, 0x00, 0x00, 0x80, 0xF7, 0xFF, 0xFF})

	copy(k.Page[0x20:], []byte{0x4C, 0x8D, 0x05, 0xDE, 0x39, 0x48, 0x00, 0x8B, 0xCF})
	copy(k.Page[0x80:], []byte{0x48, 0x83, 0xC4, 0x48, 0xC3, 0xCC, 0xB8, 0x28, 0x04, 0x00, 0xC0})
	copy(k.Page[0x100:], []byte{0x48, 0x83, 0xEC, 0x38, 0x48, 0x83, 0x3D, 0xBC, 0xDD, 0x51, 0x00, 0x00, 0x4D, 0x8B, 0xC8, 0x4C, 0x8B, 0xD1, 0x74, 0x2F})
	return k
}

// Call places a call rel32 at .text offset from targeting .text offset to.
func (k *Kernel) Call(from, to int) {
	k.Text[from] = 0xE8
	binary.LittleEndian.PutUint32(k.Text[from+1:], uint32(int32(to-(from+5))))
}

func (k *Kernel) Build() *Image {
	b := New(KernelBase)
	b.AddSection(".text", k.Text, CodeCharacteristics)
	b.AddSection("PAGE", k.Page, CodeCharacteristics)
	b.AddSection(k.InitName, k.Init, CodeCharacteristics)

	pdataRVA := b.NextRVA()
	pdata := FunctionTable(
		winnt.RUNTIME_FUNCTION{BeginAddress: KernelText + 0x200, EndAddress: KernelText + 0x240},
		winnt.RUNTIME_FUNCTION{BeginAddress: KernelText + 0x280, EndAddress: KernelText + 0x2C0},
		winnt.RUNTIME_FUNCTION{BeginAddress: KernelInit + 0x40, EndAddress: KernelInit + 0xA0},
		winnt.RUNTIME_FUNCTION{BeginAddress: KernelInit + 0x100, EndAddress: KernelInit + 0x140},
		winnt.RUNTIME_FUNCTION{BeginAddress: KernelInit + 0x180, EndAddress: KernelInit + 0x1A0},
		winnt.RUNTIME_FUNCTION{
			BeginAddress: KernelInit + 0x1A0,
			EndAddress:   KernelInit + 0x1D0,
			UnwindData:   (pdataRVA + 4*winnt.SIZEOF_RUNTIME_FUNCTION) | winnt.RUNTIME_FUNCTION_INDIRECT,
		},
	)
	b.AddSection(".pdata", pdata, DataCharacteristics)
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION, pdataRVA, uint32(len(pdata)))
	return b
}
