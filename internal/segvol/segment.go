package segvol

import (
	"io"
	"os"
)

// Segment owns one open OS file descriptor for a single segment file. It
// exposes blocking positional read, positional write, stream write, size
// query, truncate, sync, and a static unlink. Short reads past end-of-file
// are zero-filled rather than reported as errors; everything else relies on
// the Go runtime's own EINTR/partial-transfer retry loop inside os.File.
type Segment struct {
	path string
	file *os.File
}

// OpenSegment opens (creating if absent) the segment file at path for
// reading and writing, mode 0644.
func OpenSegment(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, newIOError(err, path, "open segment")
	}
	return &Segment{path: path, file: f}, nil
}

// Path returns the segment's full pathname.
func (s *Segment) Path() string {
	return s.path
}

// Size returns the segment's current on-disk length.
func (s *Segment) Size() (uint64, error) {
	fi, err := s.file.Stat()
	if err != nil {
		return 0, newIOError(err, s.path, "fstat segment")
	}
	return uint64(fi.Size()), nil
}

// SegmentSize returns the on-disk length of the segment file at path
// without opening it.
func SegmentSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, newIOError(err, path, "stat segment")
	}
	return uint64(fi.Size()), nil
}

// ReadAt fills p with on-disk bytes starting at off. If the read crosses
// end-of-file, the remaining bytes of p are zero-filled rather than
// returning an error — callers see sparse, never-written regions as zero.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.file.ReadAt(p, off)
	if err == io.EOF {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return len(p), nil
	}
	if err != nil {
		return n, newIOError(err, s.path, "pread segment")
	}
	return n, nil
}

// WriteAt persists all of p at [off, off+len(p)) before returning.
func (s *Segment) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.file.WriteAt(p, off)
	if err != nil {
		return n, newIOError(err, s.path, "pwrite segment")
	}
	return n, nil
}

// Write writes p at the descriptor's current position, advancing it.
func (s *Segment) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if err != nil {
		return n, newIOError(err, s.path, "write segment")
	}
	return n, nil
}

// Seek sets the descriptor's current position to off, relative to the
// start of the file.
func (s *Segment) Seek(off int64) (int64, error) {
	n, err := s.file.Seek(off, io.SeekStart)
	if err != nil {
		return n, newIOError(err, s.path, "lseek segment")
	}
	return n, nil
}

// Tell returns the descriptor's current position.
func (s *Segment) Tell() (int64, error) {
	n, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return n, newIOError(err, s.path, "lseek(tell) segment")
	}
	return n, nil
}

// Truncate sets the file length to exactly length; bytes beyond are
// discarded, and a hole is extended if length grows the file.
func (s *Segment) Truncate(length uint64) error {
	if err := s.file.Truncate(int64(length)); err != nil {
		return newIOError(err, s.path, "ftruncate segment")
	}
	return nil
}

// Sync makes all previously written bytes durable on persistent media.
func (s *Segment) Sync() error {
	if err := s.file.Sync(); err != nil {
		return newIOError(err, s.path, "fsync segment")
	}
	return nil
}

// Close releases the underlying file descriptor. Safe to call once; the
// pool guarantees it is called exactly once per opened Segment.
func (s *Segment) Close() error {
	if err := s.file.Close(); err != nil {
		return newIOError(err, s.path, "close segment")
	}
	return nil
}

// UnlinkSegment removes the segment file at path from the directory.
func UnlinkSegment(path string) error {
	if err := os.Remove(path); err != nil {
		return newIOError(err, path, "unlink segment")
	}
	return nil
}
