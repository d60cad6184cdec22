package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	bin := filepath.Join(root, "a", "worker")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	// directories with the same name are not matches
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "worker"), 0o755))

	assert.Equal(t, bin, FindUp("worker", deep))
	assert.Equal(t, "", FindUp("no-such-worker-binary", deep))
}
