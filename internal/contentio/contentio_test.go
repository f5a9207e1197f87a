package contentio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jodafons/maestro/internal/model"
)

func TestEnsureDatasetSeparatesImagesFromFiles(t *testing.T) {
	vol := New(t.TempDir())

	filesPath, err := vol.EnsureDataset("ds-1", model.DatasetFiles)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(vol.Root, "datasets", "ds-1"), filesPath)

	imagePath, err := vol.EnsureDataset("img-1", model.DatasetImage)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(vol.Root, "images", "img-1"), imagePath)
}

func TestDatasetFileExists(t *testing.T) {
	vol := New(t.TempDir())
	path, err := vol.EnsureDataset("ds-1", model.DatasetFiles)
	require.NoError(t, err)

	require.False(t, vol.DatasetFileExists("ds-1", model.DatasetFiles, "a.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(path, "a.txt"), []byte("x"), 0o644))
	require.True(t, vol.DatasetFileExists("ds-1", model.DatasetFiles, "a.txt"))
}

func TestSaveIntoDatasetMovesFile(t *testing.T) {
	vol := New(t.TempDir())
	_, err := vol.EnsureDataset("ds-1", model.DatasetFiles)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	require.NoError(t, vol.SaveIntoDataset("ds-1", model.DatasetFiles, src, "out.txt"))

	dst := filepath.Join(vol.DatasetPath("ds-1", model.DatasetFiles), "out.txt")
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))
}

func TestJobWorkareaAndSymlinks(t *testing.T) {
	vol := New(t.TempDir())
	_, err := vol.EnsureDataset("img-1", model.DatasetImage)
	require.NoError(t, err)
	imgDir := vol.DatasetPath("img-1", model.DatasetImage)
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "image.sif"), []byte("x"), 0o644))

	workarea, err := vol.JobWorkarea("job-1")
	require.NoError(t, err)

	link, err := vol.SymlinkImage("img-1", "image.sif", workarea)
	require.NoError(t, err)

	resolved, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(imgDir, "image.sif"), resolved)
}

func TestOutputFilepath(t *testing.T) {
	got := OutputFilepath("/vol/jobs/job-1", "job-1", "result.txt")
	require.Equal(t, "/vol/jobs/job-1/job-1.result.txt", got)
}
