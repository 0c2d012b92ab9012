package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrUnreadableArchive is returned when an archive cannot be opened for reading.
	ErrUnreadableArchive = errors.New("unreadable archive")
	// ErrOutOfRange is returned when an offset/length pair does not fit inside the archive.
	ErrOutOfRange = errors.New("byte range outside archive")
)

// Archive is a random-access view over an mbox file. All reads are
// positional, so a single Archive can be shared by concurrent readers.
type Archive struct {
	r      io.ReaderAt
	size   int64
	name   string
	closer io.Closer
}

// OpenArchive opens the mbox file at path. Failures wrap ErrUnreadableArchive.
func OpenArchive(path string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: mbox path is empty", ErrUnreadableArchive)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnreadableArchive, path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrUnreadableArchive, path, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnreadableArchive, path)
	}

	return &Archive{r: file, size: info.Size(), name: path, closer: file}, nil
}

// NewArchive wraps an existing reader. The caller keeps ownership of r.
func NewArchive(r io.ReaderAt, size int64) *Archive {
	return &Archive{r: r, size: size}
}

// NewArchiveBytes wraps an in-memory archive.
func NewArchiveBytes(data []byte) *Archive {
	return &Archive{r: bytes.NewReader(data), size: int64(len(data)), name: "memory"}
}

// Size returns the total archive length in bytes.
func (a *Archive) Size() int64 {
	return a.size
}

// Name returns the path the archive was opened from, if any.
func (a *Archive) Name() string {
	return a.name
}

// ReadAt implements io.ReaderAt.
func (a *Archive) ReadAt(p []byte, off int64) (int, error) {
	return a.r.ReadAt(p, off)
}

// Section returns a reader over [offset, offset+length) after validating the range.
func (a *Archive) Section(offset, length int64) (*io.SectionReader, error) {
	if offset < 0 || length < 0 || offset > a.size || length > a.size-offset {
		return nil, fmt.Errorf("%w: offset %d length %d size %d", ErrOutOfRange, offset, length, a.size)
	}
	return io.NewSectionReader(a.r, offset, length), nil
}

// Close releases the underlying file when the archive was opened by OpenArchive.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}
