package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stacksift/stacksift/internal/artifacts"
)

var _ artifacts.Store = (*ReportDirectory)(nil)

const pendingPrefix = ".pending-"

// StalePendingAge is how old an unfinished write must be before List treats
// it as abandoned by a dead process and removes it.
const StalePendingAge = time.Hour

// ReportDirectory stores report artifacts as files in a single flat
// directory, named <identifier>.<extension>.
type ReportDirectory struct {
	BaseDir string
}

// List returns the artifacts in the directory sorted by filename.
// Subdirectories and dotfiles are skipped. Pending writes older than
// StalePendingAge are removed.
func (store *ReportDirectory) List() ([]artifacts.Artifact, error) {
	if store.BaseDir == "" {
		return nil, errors.New("base directory is not configured")
	}

	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("read report directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), pendingPrefix) {
			store.removeIfStale(entry, now)
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	found := make([]artifacts.Artifact, 0, len(names))
	for _, name := range names {
		found = append(found, artifacts.FromPath(filepath.Join(store.BaseDir, name)))
	}
	return found, nil
}

func (store *ReportDirectory) removeIfStale(entry fs.DirEntry, now time.Time) {
	info, err := entry.Info()
	if err != nil || now.Sub(info.ModTime()) < StalePendingAge {
		return
	}
	os.Remove(filepath.Join(store.BaseDir, entry.Name()))
}

// Create stores data under a fresh identifier.
func (store *ReportDirectory) Create(kind artifacts.Kind, data []byte) (artifacts.Artifact, error) {
	return store.Write(artifacts.NewIdentifier(), kind, data)
}

// Write stores data as <id>.<ext>. The data goes to a temporary dotfile
// that is renamed into place, so List never returns a partially written
// artifact. An existing artifact with the same name is replaced.
func (store *ReportDirectory) Write(id string, kind artifacts.Kind, data []byte) (artifacts.Artifact, error) {
	if store.BaseDir == "" {
		return artifacts.Artifact{}, errors.New("base directory is not configured")
	}

	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return artifacts.Artifact{}, err
	}

	destPath := store.PathFor(id, kind)

	tmp, err := os.CreateTemp(store.BaseDir, pendingPrefix+"*")
	if err != nil {
		return artifacts.Artifact{}, fmt.Errorf("create pending artifact: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return artifacts.Artifact{}, fmt.Errorf("write pending artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return artifacts.Artifact{}, fmt.Errorf("close pending artifact: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return artifacts.Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}

	return artifacts.Artifact{ID: id, Kind: kind, Path: destPath}, nil
}

// Read returns the artifact contents.
func (store *ReportDirectory) Read(artifact artifacts.Artifact) ([]byte, error) {
	return os.ReadFile(artifact.Path)
}

// Remove deletes the artifact file.
func (store *ReportDirectory) Remove(artifact artifacts.Artifact) error {
	if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// PathFor returns the file path for an identifier and kind.
func (store *ReportDirectory) PathFor(id string, kind artifacts.Kind) string {
	return filepath.Join(store.BaseDir, artifacts.Filename(id, kind))
}

// Clear removes every entry under the directory.
func (store *ReportDirectory) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
