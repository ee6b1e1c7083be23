package segvol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSegment exercises the Segment type: positional writes, positional
// reads that zero-fill past end-of-file, size queries, truncate and sync,
// and the static unlink helper.
func TestSegment(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "000000.vf")

	s, err := OpenSegment(path)
	require.NoError(t, err)

	n, err := s.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)

	got := make([]byte, 5)
	n, err = s.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), got)

	// A read that crosses end-of-file is zero-filled, not an error.
	tail := make([]byte, 10)
	n, err = s.ReadAt(tail, 2)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, []byte("llo\x00\x00\x00\x00\x00\x00\x00"), tail)

	// A read entirely beyond end-of-file is all zero.
	beyond := make([]byte, 4)
	for i := range beyond {
		beyond[i] = 0xff
	}
	n, err = s.ReadAt(beyond, 100)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{0, 0, 0, 0}, beyond)

	require.NoError(t, s.Truncate(2))
	size, err = s.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(2), size)

	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	sizeOf, err := SegmentSize(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2), sizeOf)

	require.NoError(t, UnlinkSegment(path))
	_, err = SegmentSize(path)
	require.Error(t, err)
}

// TestSegmentSeekTellWrite exercises the sequential-position API surface.
func TestSegmentSeekTellWrite(t *testing.T) {
	dir, err := os.MkdirTemp("", "segment_test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := OpenSegment(filepath.Join(dir, "000000.vf"))
	require.NoError(t, err)
	defer s.Close()

	pos, err := s.Seek(4)
	require.NoError(t, err)
	require.Equal(t, int64(4), pos)

	n, err := s.Write([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	pos, err = s.Tell()
	require.NoError(t, err)
	require.Equal(t, int64(8), pos)
}
