package files

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	maxFilenameLength = 180
	fallbackFilename  = "upload"
)

// DirSinks opens destination files inside one receive directory.
type DirSinks struct {
	dir string
}

// NewDirSinks creates the receive directory if needed.
func NewDirSinks(dir string) (*DirSinks, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("receive directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create receive directory %q: %w", dir, err)
	}
	return &DirSinks{dir: dir}, nil
}

// Dir returns the receive directory.
func (d *DirSinks) Dir() string {
	return d.dir
}

// OpenSink creates a fresh destination for a peer's file. The client-supplied
// filename is only an identifier: it is reduced to a safe base name and
// namespaced by the peer address. An existing file is never overwritten.
func (d *DirSinks) OpenSink(peer, filename string) (io.WriteCloser, string, error) {
	name := DestinationName(peer, filename)
	target := filepath.Join(d.dir, name)

	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		target = filepath.Join(d.dir, withSuffix(name, uuid.NewString()[:8]))
		file, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	}
	if err != nil {
		return nil, "", fmt.Errorf("create destination file: %w", err)
	}

	return &FileSink{
		file:   file,
		path:   target,
		digest: NewDigest(),
	}, target, nil
}

// FileSink is an append-only destination file that digests what it writes.
type FileSink struct {
	file    *os.File
	path    string
	digest  hash.Hash
	written int64

	closeOnce sync.Once
	closeErr  error
	sum       string
}

func (s *FileSink) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if n > 0 {
		_, _ = s.digest.Write(p[:n])
		s.written += int64(n)
	}
	return n, err
}

// Close syncs and closes the file once; later calls return the first result.
func (s *FileSink) Close() error {
	s.closeOnce.Do(func() {
		syncErr := s.file.Sync()
		closeErr := s.file.Close()
		s.sum = hex.EncodeToString(s.digest.Sum(nil))
		s.closeErr = errors.Join(syncErr, closeErr)
	})
	return s.closeErr
}

// Path is the destination path.
func (s *FileSink) Path() string { return s.path }

// Written is the number of bytes appended so far.
func (s *FileSink) Written() int64 { return s.written }

// Digest is the hex BLAKE2b-256 of everything written. It is empty until Close.
func (s *FileSink) Digest() string { return s.sum }

// DestinationName derives "<peer>_<safe base name>" for a received file.
func DestinationName(peer, filename string) string {
	prefix := sanitizeComponent(peer)
	if prefix == "" {
		prefix = "peer"
	}
	return prefix + "_" + SanitizeFilename(filename)
}

// SanitizeFilename reduces an untrusted name to a single safe path component.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	name = sanitizeComponent(name)
	if name == "" {
		return fallbackFilename
	}
	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}
	return name
}

func sanitizeComponent(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func withSuffix(name, suffix string) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + suffix + ext
}
