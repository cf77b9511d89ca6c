//go:build linux

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSysfsProbe(t *testing.T) {
	root := t.TempDir()
	probe := NewSysfsProbe(root)
	assert.False(t, probe.IsEFIMode())

	// a plain file is not the efi directory
	require.NoError(t, os.MkdirAll(filepath.Join(root, "firmware"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "firmware", "efi"), nil, 0o644))
	assert.False(t, probe.IsEFIMode())

	require.NoError(t, os.Remove(filepath.Join(root, "firmware", "efi")))
	require.NoError(t, os.Mkdir(filepath.Join(root, "firmware", "efi"), 0o755))
	assert.True(t, probe.IsEFIMode())
}

func TestKernelVersion(t *testing.T) {
	assert.NotEmpty(t, kernelVersion())
}
