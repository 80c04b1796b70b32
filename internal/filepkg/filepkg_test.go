package filepkg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrepareCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pkg")
	p := Open(root, "A")
	require.NoError(t, p.Prepare())

	info, err := os.Stat(filepath.Join(root, DevicesDir, "A"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPrepareIsIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pkg")
	p := Open(root, "A")
	require.NoError(t, p.Prepare())
	require.NoError(t, p.Prepare())
}

func TestPrepareRejectsPlainFileRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, os.WriteFile(root, []byte("not a dir"), 0o644))

	p := Open(root, "A")
	p.CoordinationTimeout = time.Millisecond
	err := p.Prepare()
	require.ErrorIs(t, err, ErrCorruptPackage)
}

func TestPrepareRejectsPlainFileDevices(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DevicesDir), []byte("x"), 0o644))

	p := Open(root, "A")
	p.CoordinationTimeout = time.Millisecond
	err := p.Prepare()
	require.ErrorIs(t, err, ErrCorruptPackage)
}

func TestPrepareRetriesWhileDirectoryIsMomentarilyAFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, os.WriteFile(root, []byte("still syncing"), 0o644))

	p := Open(root, "A")
	p.CoordinationTimeout = time.Second

	done := make(chan error, 1)
	go func() { done <- p.Prepare() }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.Remove(root))
	require.NoError(t, os.MkdirAll(root, 0o755))

	require.NoError(t, <-done)
}

func TestEnumerateForeignDevicesExcludesLocalAndHidden(t *testing.T) {
	root := t.TempDir()
	p := Open(root, "A")
	require.NoError(t, p.Prepare())

	require.NoError(t, os.MkdirAll(filepath.Join(root, DevicesDir, "B"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, DevicesDir, "C"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, DevicesDir, ".DS_Store_dir"), 0o755))

	foreign, err := p.EnumerateForeignDevices()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"B", "C"}, foreign)
}

func TestEnumerateForeignDevicesNoDevicesDir(t *testing.T) {
	root := t.TempDir()
	p := Open(root, "A")
	foreign, err := p.EnumerateForeignDevices()
	require.NoError(t, err)
	require.Empty(t, foreign)
}

func TestResolvePaths(t *testing.T) {
	root := t.TempDir()
	p := Open(root, "A")
	require.Equal(t, filepath.Join(root, DevicesDir, "A", "logs.db"), p.ResolveReadWrite())
	require.Equal(t, filepath.Join(root, DevicesDir, "B", "logs.db"), p.ResolveReadonly("B"))
	require.Equal(t, filepath.Join(root, BlobsDir), p.BlobsPath())
}

func TestExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pkg")
	p := Open(root, "A")
	require.False(t, p.Exists())
	require.NoError(t, p.Prepare())
	require.True(t, p.Exists())
}

func TestAdoptForeignDirectory(t *testing.T) {
	srcRoot := t.TempDir()
	src := Open(srcRoot, "A")
	require.NoError(t, src.Prepare())
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, DevicesDir, "C"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, DevicesDir, "C", "logs.db"), []byte("data"), 0o644))

	dstRoot := t.TempDir()
	dst := Open(dstRoot, "B")
	require.NoError(t, dst.Prepare())

	require.NoError(t, dst.AdoptForeignDirectory(srcRoot, "C"))

	data, err := os.ReadFile(filepath.Join(dstRoot, DevicesDir, "C", "logs.db"))
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}
