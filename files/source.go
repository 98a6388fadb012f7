package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Source is a regular file opened for one sequential read.
type Source struct {
	file *os.File
	path string
	name string
	size int64
}

// OpenSource resolves path and opens it for reading. Directories and other
// non-regular files are rejected.
func OpenSource(path string) (*Source, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.New("source path must be a regular file")
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	return &Source{
		file: file,
		path: absPath,
		name: filepath.Base(absPath),
		size: info.Size(),
	}, nil
}

func (s *Source) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

// Close closes the underlying file.
func (s *Source) Close() error {
	return s.file.Close()
}

// Name is the base filename sent in the handshake.
func (s *Source) Name() string { return s.name }

// Path is the absolute source path.
func (s *Source) Path() string { return s.path }

// Size is the file size at open time.
func (s *Source) Size() int64 { return s.size }
