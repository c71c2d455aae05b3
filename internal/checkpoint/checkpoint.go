// Package checkpoint snapshots and restores bounded project state under
// <project>/.checkpoints/cp-<timestamp>/ (SPEC_FULL.md §3). It is grounded
// on the file-walk and path-sandboxing idioms in
// internal/tools/files/resolver.go — checkpoint directories are resolved
// and walked the same defensive way the file tools resolve paths.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MaxFileSize is the per-file cap; larger files are skipped from the snapshot.
const MaxFileSize = 1 << 20 // 1 MiB

// MaxFiles is the per-snapshot file-count cap.
const MaxFiles = 500

var excludedDirs = map[string]bool{
	"node_modules":  true,
	".git":          true,
	".checkpoints":  true,
}

// FileEntry is one file recorded in a checkpoint's manifest.
type FileEntry struct {
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
}

// Manifest describes one checkpoint snapshot.
type Manifest struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedAt string      `json:"createdAt"`
	FileCount int         `json:"fileCount"`
	Files     []FileEntry `json:"files"`
}

const manifestName = ".manifest.json"
const dirPrefix = "cp-"

// Store manages checkpoints for one project directory.
type Store struct {
	projectDir string
}

// NewStore returns a Store rooted at projectDir.
func NewStore(projectDir string) *Store {
	return &Store{projectDir: projectDir}
}

func (s *Store) checkpointsRoot() string {
	return filepath.Join(s.projectDir, ".checkpoints")
}

// Create walks the project directory (skipping excluded paths, dotfiles,
// and oversized files) and copies up to MaxFiles into a new checkpoint
// directory named cp-<id>, writing its manifest. id should already be a
// timestamp-derived or purpose-derived slug (e.g. "pre-build-1700000000").
func (s *Store) Create(id, name string, createdAt string) (*Manifest, error) {
	dir := filepath.Join(s.checkpointsRoot(), dirPrefix+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	manifest := &Manifest{ID: id, Name: name, CreatedAt: createdAt}

	err := filepath.Walk(s.projectDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.projectDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if excludedDirs[info.Name()] || strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		if info.Size() > MaxFileSize {
			return nil
		}
		if len(manifest.Files) >= MaxFiles {
			return nil
		}

		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyFile(path, dst); err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, FileEntry{RelativePath: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot project: %w", err)
	}

	manifest.FileCount = len(manifest.Files)
	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), payload, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

// List returns every checkpoint's manifest, most recent id last
// (lexicographic by directory name, which sorts chronologically for
// timestamp-derived ids).
func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.checkpointsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), dirPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.checkpointsRoot(), name, manifestName))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Rollback copies every file recorded in checkpoint id back into the
// project directory, overwriting current content. It never deletes files
// that did not exist at checkpoint time — the project may contain extra
// files after rollback. This is intentional (see DESIGN.md).
func (s *Store) Rollback(id string) (*Manifest, error) {
	dir := filepath.Join(s.checkpointsRoot(), dirPrefix+id)
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	for _, f := range manifest.Files {
		src := filepath.Join(dir, filepath.FromSlash(f.RelativePath))
		dst := filepath.Join(s.projectDir, filepath.FromSlash(f.RelativePath))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("recreate directory for %s: %w", f.RelativePath, err)
		}
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("restore %s: %w", f.RelativePath, err)
		}
	}
	return &manifest, nil
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
	_, err = io.Copy(out, in)
	return err
}
