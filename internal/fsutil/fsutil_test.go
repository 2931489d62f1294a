package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritable(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, Writable(dir))
	assert.False(t, Writable(filepath.Join(dir, "missing")))

	if os.Geteuid() == 0 {
		t.Skip("root can write to read-only directories")
	}
	ro := filepath.Join(dir, "ro")
	require.NoError(t, os.Mkdir(ro, 0555))
	assert.False(t, Writable(ro))
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	_, err = FreeBytes(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestDir(t *testing.T) {
	assert.Equal(t, "/var/cache/pkgcache", Dir("/var/cache/pkgcache/pkgcache.bin"))
}
