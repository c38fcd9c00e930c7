package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/checksum"
)

var _ Provider = (*FS)(nil)

// FS implements Provider backed by the local file system.
type FS struct {
	root    string // absolute path to the sync directory
	exclude []string
}

// Option configures an FS.
type Option func(*FS)

// WithExclude hides the given directories (relative to the root) from
// listings. The conflict directory is excluded this way.
func WithExclude(dirs ...string) Option {
	return func(f *FS) {
		for _, d := range dirs {
			d = filepath.ToSlash(filepath.Clean(d))
			if d != "." && d != "" {
				f.exclude = append(f.exclude, d)
			}
		}
	}
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string, opts ...Option) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	f := &FS{root: abs}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s", rel)
	}
	return abs, nil
}

// Rel converts an absolute path under the root into a slash separated
// relative path.
func (f *FS) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", fmt.Errorf("storage: rel: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path outside root: %s", abs)
	}
	return filepath.ToSlash(rel), nil
}

// Ignored reports whether a relative path is hidden from listings:
// dot files and directories, temp files and excluded directories.
func (f *FS) Ignored(rel string) bool {
	rel = filepath.ToSlash(filepath.Clean(rel))
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	for _, d := range f.exclude {
		if rel == d || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

// Tracked reports whether a relative path is a Markdown file that
// listings include.
func (f *FS) Tracked(rel string) bool {
	return strings.HasSuffix(rel, ".md") && !f.Ignored(rel)
}

// List walks the root and returns metadata for every tracked .md file,
// sorted by path.
func (f *FS) List() ([]File, error) {
	var out []File
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == f.root {
			return nil
		}
		rel, err := f.Rel(p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if f.Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !f.Tracked(rel) {
			return nil
		}
		file, err := f.stat(p, rel)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		out = append(out, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func (f *FS) stat(abs, rel string) (File, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return File{}, err
	}
	return File{Path: rel, Checksum: checksum.Sum(data), ModTime: info.ModTime().UTC()}, nil
}

// Stat returns metadata for a single file.
func (f *FS) Stat(path string) (File, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return File{}, err
	}
	file, err := f.stat(abs, filepath.ToSlash(filepath.Clean(path)))
	if err != nil {
		return File{}, notFound("stat", path, err)
	}
	return file, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, notFound("read", path, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename. Content
// identical to what is on disk is not rewritten.
func (f *FS) Write(path string, content []byte) (bool, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return false, err
	}
	if current, err := os.ReadFile(abs); err == nil && bytes.Equal(current, content) {
		return false, nil
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return false, fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return false, fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return false, fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return false, fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return true, nil
}

// Delete removes a file. A missing file is not an error.
func (f *FS) Delete(path string) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a file exists at path.
func (f *FS) Exists(path string) bool {
	abs, err := f.safePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func notFound(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: %s %s: %w", op, path, apperr.ErrNotFound)
	}
	return fmt.Errorf("storage: %s %s: %w", op, path, err)
}
