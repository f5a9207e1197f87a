// Package contentio is the Content I/O component (C2): it maps dataset
// and job identifiers to paths under a single configured volume,
// creates job workareas, and symlinks images/inputs/outputs between
// dataset directories and job workareas, per §4.2.
package contentio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jodafons/maestro/internal/model"
)

// Volume is the root of the engine's on-disk state (§6 "Persisted
// state layout"): {volume}/datasets/{id}, {volume}/images/{id},
// {volume}/jobs/{id}.
type Volume struct {
	Root string
}

func New(root string) *Volume { return &Volume{Root: root} }

// DatasetPath returns the basepath of a dataset directory, §4.2's
// dataset(id).basepath, branching into the images/ tree for image
// datasets.
func (v *Volume) DatasetPath(id string, kind model.DatasetKind) string {
	if kind == model.DatasetImage {
		return filepath.Join(v.Root, "images", id)
	}
	return filepath.Join(v.Root, "datasets", id)
}

// EnsureDataset creates a dataset's directory idempotently (used both
// by materialization, which creates empty output datasets, and by
// dataset upload flows outside this engine's scope).
func (v *Volume) EnsureDataset(id string, kind model.DatasetKind) (string, error) {
	path := v.DatasetPath(id, kind)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("contentio: mkdir dataset %s: %w", id, err)
	}
	return path, nil
}

// DatasetFileExists is §4.2's dataset(id).check_existence(name).
func (v *Volume) DatasetFileExists(id string, kind model.DatasetKind, name string) bool {
	_, err := os.Stat(filepath.Join(v.DatasetPath(id, kind), name))
	return err == nil
}

// SaveIntoDataset moves src into the dataset directory under name,
// §4.2's dataset(id).save(src) — implemented as a rename falling back
// to copy+remove across filesystem boundaries, since the job's
// workarea and the dataset tree may live on different mounts.
func (v *Volume) SaveIntoDataset(id string, kind model.DatasetKind, src, name string) error {
	dst := filepath.Join(v.DatasetPath(id, kind), name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("contentio: mkdir: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("contentio: save %s -> %s: %w", src, dst, err)
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// JobWorkarea returns, and idempotently creates, a job's scratch
// directory, §4.2's job(id).mkdir().
func (v *Volume) JobWorkarea(jobID string) (string, error) {
	path := filepath.Join(v.Root, "jobs", jobID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("contentio: mkdir job workarea %s: %w", jobID, err)
	}
	return path, nil
}

// SymlinkDatasetDir creates the directory-level link for a secondary
// input dataset: {workarea}/{dataset-name} -> dataset basepath, §4.5
// step 2.
func (v *Volume) SymlinkDatasetDir(datasetID string, kind model.DatasetKind, workarea, linkName string) (string, error) {
	target := v.DatasetPath(datasetID, kind)
	link := filepath.Join(workarea, linkName)
	if err := symlink(target, link); err != nil {
		return "", err
	}
	return link, nil
}

// SymlinkInputFile creates the file-level link for the task's single
// input file: {workarea}/{dataset-name}.{filename}, §4.5 step 2.
func (v *Volume) SymlinkInputFile(datasetID string, kind model.DatasetKind, filename, workarea, linkName string) (string, error) {
	target := filepath.Join(v.DatasetPath(datasetID, kind), filename)
	link := filepath.Join(workarea, linkName)
	if err := symlink(target, link); err != nil {
		return "", err
	}
	return link, nil
}

// SymlinkImage creates the image symlink: {workarea}/{image-filename},
// §4.5 step 2.
func (v *Volume) SymlinkImage(imageDatasetID, imageFilename, workarea string) (string, error) {
	target := filepath.Join(v.DatasetPath(imageDatasetID, model.DatasetImage), imageFilename)
	link := filepath.Join(workarea, imageFilename)
	if err := symlink(target, link); err != nil {
		return "", err
	}
	return link, nil
}

// OutputFilepath is the per-job output filepath of §4.5 step 2:
// {workarea}/{job-id}.{output-filename}, substituted for %<output-key>.
func OutputFilepath(workarea, jobID, filename string) string {
	return filepath.Join(workarea, fmt.Sprintf("%s.%s", jobID, filename))
}

func symlink(target, link string) error {
	_ = os.Remove(link) // staging is re-run on retry; replace any stale link
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("contentio: symlink %s -> %s: %w", link, target, err)
	}
	return nil
}
