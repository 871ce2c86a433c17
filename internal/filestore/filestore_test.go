package filestore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/and161185/cipherline/internal/errs"
	"github.com/stretchr/testify/require"
)

var _ Store = (*Disk)(nil)

func TestDisk_SaveOpenRemove(t *testing.T) {
	t.Parallel()
	d, err := NewDisk(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	key, n, err := d.Save(strings.NewReader("encrypted bytes"))
	require.NoError(t, err)
	require.Equal(t, int64(15), n)

	rc, err := d.Open(key)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "encrypted bytes", string(b))

	require.NoError(t, d.Remove(key))
	_, err = d.Open(key)
	require.ErrorIs(t, err, errs.ErrFileMissing)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, d.Remove(key))
}

func TestDisk_NoTempLeftovers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := NewDisk(dir)
	require.NoError(t, err)
	_, _, err = d.Save(strings.NewReader("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, strings.HasPrefix(entries[0].Name(), ".upload-"))
}

func TestDisk_RejectsForeignKeys(t *testing.T) {
	t.Parallel()
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	_, err = d.Open("../../etc/passwd")
	require.ErrorIs(t, err, errs.ErrFileMissing)
	require.NoError(t, d.Remove("../x"))
}
