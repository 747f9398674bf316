package main

import (
	"bytes"
	"debug/pe"
	"os"
	"path/filepath"
	"testing"

	"bootpatch"
	"bootpatch/internal/petest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeKernel(t *testing.T, k *petest.Kernel) string {
	t.Helper()
	b := k.Build()
	rva := b.NextRVA()
	edata := petest.Exports(rva, "ntoskrnl.exe", []string{"KeBugCheckEx"}, []uint32{petest.KernelText + 0x100})
	b.AddSection(".edata", edata, petest.DataCharacteristics)
	b.SetDirectory(pe.IMAGE_DIRECTORY_ENTRY_EXPORT, rva, uint32(len(edata)))

	path := filepath.Join(t.TempDir(), "ntoskrnl.exe")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func execute(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func Test_Scan(t *testing.T) {
	path := writeKernel(t, petest.NewKernel())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	out, _, err := execute(path, "--resolve", "KeBugCheckEx,KeBugCheck2")
	require.NoError(t, err)
	require.Contains(t, out, "STEP")
	require.Regexp(t, `KeBugCheckEx\s+export\s+0x1100`, out)
	require.Regexp(t, `KeBugCheck2\s+missing`, out)
	require.Contains(t, out, "KiMcaDeferredRecoveryService")
	require.Contains(t, out, "0x1200,0x1280")
	require.Contains(t, out, "0x3180")
	require.NotContains(t, out, "not-located")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func Test_ScanUnsupported(t *testing.T) {
	k := petest.NewKernel()
	k.Page[0x20] = 0x00
	path := writeKernel(t, k)

	out, stderr, err := execute(path)
	require.Error(t, err)
	require.True(t, errors.Is(err, errIncomplete))
	require.Contains(t, err.Error(), "unresolved: CiInitialize")
	require.Regexp(t, `CiInitialize\s+not-located\s+-`, out)
	require.Contains(t, stderr, "scan failed")
}

func Test_ScanBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntoskrnl.exe")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, _, err := execute(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "map image")

	_, _, err = execute(filepath.Join(t.TempDir(), "missing.exe"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read image")
}

func Test_ScanShortHeaders(t *testing.T) {
	path := writeKernel(t, petest.NewKernel())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	h, ok := bootpatch.GetHeaders(data)
	require.True(t, ok)
	h.Optional().SizeOfHeaders = 0x40
	h.Encode(data)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, stderr, err := execute(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "map image")
	require.Contains(t, stderr, "scan failed")
}

func Test_UsageErrors(t *testing.T) {
	path := writeKernel(t, petest.NewKernel())
	out, stderr, err := execute(path, path)
	require.Error(t, err)
	require.Contains(t, stderr, "accepts 1 arg(s), received 2")
	require.Contains(t, out, "Usage:")

	_, stderr, err = execute(path, "--bogus")
	require.Error(t, err)
	require.Contains(t, stderr, "unknown flag: --bogus")

	_, stderr, err = execute(path, "--log-level", "loud")
	require.Error(t, err)
	require.Contains(t, stderr, "not a valid logrus Level")
}
