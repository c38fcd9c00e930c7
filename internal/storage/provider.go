// Package storage provides sandboxed file primitives under the sync directory.
package storage

import "time"

// TempPrefix names in-flight atomic writes. Listings and watchers skip them.
const TempPrefix = ".laguz-tmp-"

// File describes one Markdown file in the sync directory.
type File struct {
	Path     string // relative to the root, slash separated
	Checksum string
	ModTime  time.Time
}

// Provider is the interface for sync directory file operations.
// All paths are relative to the root.
type Provider interface {
	// List returns every .md file under the root that is not ignored.
	List() ([]File, error)
	// Stat returns metadata for path. A missing file is apperr.ErrNotFound.
	Stat(path string) (File, error)
	// Read returns the raw bytes of the file. A missing file is apperr.ErrNotFound.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file and reports whether the bytes changed.
	Write(path string, content []byte) (bool, error)
	// Delete removes the file. Deleting a missing file succeeds.
	Delete(path string) error
}
