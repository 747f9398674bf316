package ntoskrnl

import (
	"testing"

	"bootpatch"
	"bootpatch/internal/petest"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

const (
	textRVA = petest.KernelText
	pageRVA = petest.KernelPage
	initRVA = petest.KernelInit
)

func image(t *testing.T, k *petest.Kernel) *bootpatch.Image {
	t.Helper()
	img, ok := bootpatch.NewImage(petest.KernelBase, k.Build().Mapped())
	require.True(t, ok)
	return img
}

type halted string

func testEnv() (*bootpatch.Env, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	env := bootpatch.NewEnv(log)
	env.Halt = func(reason string) { panic(halted(reason)) }
	return env, hook
}

func at(img *bootpatch.Image, rva uint32, n int) []byte {
	return img.Bytes(img.RVA(rva), n)
}

func Test_Patch(t *testing.T) {
	img := image(t, petest.NewKernel())
	env, _ := testEnv()

	rep := Patch(env, img)
	require.True(t, rep.Complete())
	require.Len(t, rep.Steps, 9)
	for _, s := range rep.Steps {
		require.Equal(t, bootpatch.StepApplied, s.State, s.Name)
	}

	nop4 := []byte{0x90, 0x90, 0x90, 0x90}
	require.Equal(t, nop4, at(img, initRVA+6, 4))
	require.Equal(t, petest.Filled(11, 0x90), at(img, textRVA+0x10, 11))
	require.Equal(t, bootpatch.Return0Stub, at(img, initRVA+0x40, 3))
	require.Equal(t, bootpatch.Return0Stub, at(img, textRVA+0x200, 3))
	require.Equal(t, bootpatch.Return0Stub, at(img, textRVA+0x280, 3))
	require.Equal(t, bootpatch.ReturnTrueStub, at(img, initRVA+0x100, 3))
	require.Equal(t, bootpatch.Return0Stub, at(img, initRVA+0x180, 3))

	require.Equal(t, []byte{0x31, 0xC9}, at(img, pageRVA+0x27, 2))
	require.Equal(t, []byte{0, 0, 0, 0}, at(img, pageRVA+0x87, 4))
	require.Equal(t, CodeIntegrityQueryStub, at(img, pageRVA+0x100, len(CodeIntegrityQueryStub)))

	mca := rep.Steps[3]
	require.Equal(t, "KiMcaDeferredRecoveryService", mca.Name)
	require.Equal(t, []uint64{img.RVA(textRVA + 0x200), img.RVA(textRVA + 0x280)}, mca.Sites)
}

func Test_PatchHaltsOnMissingSignature(t *testing.T) {
	k := petest.NewKernel()
	k.Init[0x62] = 0x00
	img := image(t, k)
	env, hook := testEnv()

	require.PanicsWithValue(t, halted("patchguard: KiVerifyScopesExecute not located (0 sites, want at least 1)"), func() {
		Patch(env, img)
	})
	require.Equal(t, "KiVerifyScopesExecute", hook.LastEntry().Data["step"])

	// earlier steps ran, later ones did not
	require.Equal(t, []byte{0x90, 0x90, 0x90, 0x90}, at(img, initRVA+6, 4))
	require.Equal(t, byte(0x90), at(img, textRVA+0x10, 1)[0])
	require.Equal(t, byte(0xCC), at(img, textRVA+0x200, 1)[0])
	require.Equal(t, []byte{0x8B, 0xCF}, at(img, pageRVA+0x27, 2))
}

func Test_PatchHaltsOnCallerCount(t *testing.T) {
	k := petest.NewKernel()
	k.Call(0x2A0, 0x100)
	img := image(t, k)
	env, _ := testEnv()

	require.PanicsWithValue(t, halted("patchguard: KiMcaDeferredRecoveryService not located (3 sites, want 2)"), func() {
		Patch(env, img)
	})
	require.Equal(t, byte(0xE8), at(img, textRVA+0x208, 1)[0])
}

func Test_PatchHaltsOnMissingSection(t *testing.T) {
	k := petest.NewKernel()
	k.InitName = "INITKDBG"
	img := image(t, k)
	env, _ := testEnv()

	require.PanicsWithValue(t, halted("patchguard: KeInitAmd64SpecificState not located (0 sites, want at least 1)"), func() {
		Patch(env, img)
	})
}

func Test_Locate(t *testing.T) {
	img := image(t, petest.NewKernel())
	env, _ := testEnv()
	before := append([]byte(nil), img.Data()...)

	rep := Plan().Locate(env, img)
	require.True(t, rep.Complete())
	require.Equal(t, before, img.Data())
	require.Equal(t, []uint64{img.RVA(initRVA + 0x180)}, rep.Steps[5].Sites)

	k := petest.NewKernel()
	k.Page[0x100] = 0x00
	rep = Plan().Locate(env, image(t, k))
	require.Equal(t, []string{"SeCodeIntegrityQueryInformation"}, rep.Unresolved())
}

func Test_CodeIntegrityQueryStub(t *testing.T) {
	var ops []x86asm.Op
	for code := CodeIntegrityQueryStub; len(code) > 0; {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		ops = append(ops, inst.Op)
		code = code[inst.Len:]
	}
	require.Equal(t, []x86asm.Op{x86asm.MOV, x86asm.XOR, x86asm.MOV, x86asm.RET}, ops)
}
