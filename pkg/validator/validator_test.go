package validator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckProcMount(t *testing.T) {
	procRoot := t.TempDir()
	assert.Error(t, checkProcMount(procRoot))

	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "self"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "self", "status"), []byte("Name:\ttest\n"), 0o644))
	assert.NoError(t, checkProcMount(procRoot))
}

func TestCheckCgroupMount(t *testing.T) {
	assert.NoError(t, checkCgroupMount(t.TempDir()))
	assert.Error(t, checkCgroupMount(filepath.Join(t.TempDir(), "missing")))

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, checkCgroupMount(file))
}
