package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Storage is the durable sink the writer executes operations against.
//
// Calls on distinct names must not interfere with each other. The writer is
// the only caller, so implementations need no internal locking.
type Storage interface {
	// AppendBytes appends data to name, creating it if needed
	AppendBytes(name string, data []byte) error
	// WriteBytes creates or overwrites name with data
	WriteBytes(name string, data []byte) error
}

// FileStorage stores flat files under a base directory
type FileStorage struct {
	fs   afero.Fs
	base string
}

// NewFileStorage creates the base directory (if missing) on fs
func NewFileStorage(fs afero.Fs, basePath string) (*FileStorage, error) {
	if basePath == "" {
		return nil, fmt.Errorf("writer: base path is required")
	}
	if err := fs.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("writer: failed to create output directory: %w", err)
	}
	return &FileStorage{fs: fs, base: basePath}, nil
}

// AppendBytes opens name in append mode, writes data and closes it.
// Each call is a complete I/O unit.
func (s *FileStorage) AppendBytes(name string, data []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	f, err := s.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append: %w", err)
	}
	return f.Close()
}

// WriteBytes writes data to a temporary file and renames it onto name,
// so a reader never sees a partially written file under the final name.
func (s *FileStorage) WriteBytes(name string, data []byte) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}

	if exists, _ := afero.Exists(s.fs, path); exists {
		slog.Warn("writer: overwriting existing file", "path", path)
	}

	tmp := path + ".partial"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// resolve maps a storage name to a path under base, rejecting names that
// would escape it
func (s *FileStorage) resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid storage name %q", name)
	}
	return filepath.Join(s.base, name), nil
}
