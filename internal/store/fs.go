package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FS is a filesystem-backed store rooted at a data directory. Cache entries
// live under <root>/cache/<key>/ and artifact bags under
// <root>/runs/<runID>/artifacts/<job>/. Each entry carries a manifest of
// the relative paths it holds so round-trips return exactly what was
// written.
type FS struct {
	root string
}

type manifest struct {
	Paths []string `json:"paths"`
}

// NewFS creates the store layout under root.
func NewFS(root string) (*FS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, "cache"), filepath.Join(abs, "runs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute data directory of the store.
func (s *FS) Root() string { return s.root }

// RunDir returns the per-run directory used for artifacts, logs, and
// workspaces.
func (s *FS) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", sanitizeElem(runID))
}

func (s *FS) cacheDir(key string) string {
	return filepath.Join(s.root, "cache", sanitizeElem(key))
}

func (s *FS) artifactDir(runID, jobName string) string {
	return filepath.Join(s.RunDir(runID), "artifacts", sanitizeElem(jobName))
}

// Restore copies a cache entry's paths into the workspace. A missing key is
// a miss, not an error.
func (s *FS) Restore(ctx context.Context, key, workspace string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entry := s.cacheDir(key)
	m, err := readManifest(filepath.Join(entry, "manifest.json"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache manifest: %w", err)
	}
	if err := copyOut(filepath.Join(entry, "data"), workspace, m.Paths); err != nil {
		return false, fmt.Errorf("restore cache %q: %w", key, err)
	}
	return true, nil
}

// Save persists the given workspace paths under key, replacing any prior
// entry for the key. Paths that do not exist in the workspace are dropped;
// the returned slice names what was actually persisted.
func (s *FS) Save(ctx context.Context, key, workspace string, paths []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry := s.cacheDir(key)
	if err := os.RemoveAll(entry); err != nil {
		return nil, fmt.Errorf("replace cache entry %q: %w", key, err)
	}

	saved := make([]string, 0, len(paths))
	for _, rel := range paths {
		src := filepath.Join(workspace, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("stat cache path %q: %w", rel, err)
		}
		if err := CopyPath(src, filepath.Join(entry, "data", rel)); err != nil {
			return nil, fmt.Errorf("save cache path %q: %w", rel, err)
		}
		saved = append(saved, rel)
	}
	if len(saved) == 0 {
		return nil, nil
	}
	if err := writeManifest(filepath.Join(entry, "manifest.json"), manifest{Paths: saved}); err != nil {
		return nil, fmt.Errorf("write cache manifest: %w", err)
	}
	return saved, nil
}

// Publish copies a job's declared artifact paths out of its workspace into
// the run's artifact bag. Every declared path must exist.
func (s *FS) Publish(ctx context.Context, runID, jobName, workspace string, paths []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, rel := range paths {
		if _, err := os.Stat(filepath.Join(workspace, rel)); os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrArtifactPathMissing, rel)
		} else if err != nil {
			return fmt.Errorf("stat artifact path %q: %w", rel, err)
		}
	}

	bag := s.artifactDir(runID, jobName)
	if err := os.RemoveAll(bag); err != nil {
		return fmt.Errorf("replace artifact bag: %w", err)
	}
	for _, rel := range paths {
		if err := CopyPath(filepath.Join(workspace, rel), filepath.Join(bag, "data", rel)); err != nil {
			return fmt.Errorf("publish artifact %q: %w", rel, err)
		}
	}
	if err := writeManifest(filepath.Join(bag, "manifest.json"), manifest{Paths: paths}); err != nil {
		return fmt.Errorf("write artifact manifest: %w", err)
	}
	return nil
}

// Fetch copies a published artifact set into the workspace and returns the
// published paths. A job that published nothing yields an empty set.
func (s *FS) Fetch(ctx context.Context, runID, jobName, workspace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bag := s.artifactDir(runID, jobName)
	m, err := readManifest(filepath.Join(bag, "manifest.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact manifest: %w", err)
	}
	if err := copyOut(filepath.Join(bag, "data"), workspace, m.Paths); err != nil {
		return nil, fmt.Errorf("fetch artifacts of %q: %w", jobName, err)
	}
	return m.Paths, nil
}

func readManifest(path string) (manifest, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(input, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func writeManifest(path string, m manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func copyOut(dataDir, workspace string, paths []string) error {
	for _, rel := range paths {
		if err := CopyPath(filepath.Join(dataDir, rel), filepath.Join(workspace, rel)); err != nil {
			return err
		}
	}
	return nil
}

// CopyPath copies a file or directory tree, preserving file modes. Symlinks
// are not followed; they are skipped.
func CopyPath(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return nil
	case info.IsDir():
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := CopyPath(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Sanitize makes a user-supplied name safe as a single path element. Job
// names and cache keys pass through here before touching the filesystem.
func Sanitize(name string) string { return sanitizeElem(name) }

func sanitizeElem(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
