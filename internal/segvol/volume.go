package segvol

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// DefaultSegmentShift is K, the default segment-size shift: 2^30 = 1 GiB
	// segments.
	DefaultSegmentShift = 30

	// DefaultPoolCapacity is P, the default maximum number of concurrently
	// open segment handles.
	DefaultPoolCapacity = 256

	segmentFilePattern = `^(\d+)\.vf$`
)

var segmentFileRE = regexp.MustCompile(segmentFilePattern)

// Config carries the two parameters fixed for the lifetime of a Volume.
// Following the teacher's log.Config-with-defaults idiom, a zero Config
// is filled in with DefaultSegmentShift/DefaultPoolCapacity by Open.
type Config struct {
	// SegmentShift is K: segment size S = 2^K. Must stay fixed across
	// opens of the same directory; changing it is undefined behavior.
	SegmentShift uint

	// PoolCapacity is P: the maximum number of concurrently open segment
	// handles.
	PoolCapacity int
}

func (c Config) withDefaults() Config {
	if c.SegmentShift == 0 {
		c.SegmentShift = DefaultSegmentShift
	}
	if c.PoolCapacity == 0 {
		c.PoolCapacity = DefaultPoolCapacity
	}
	return c
}

// Volume is a sparse, segmented block volume: a single flat 64-bit logical
// address space backed by a directory of fixed-size segment files. See
// spec.md §3.3-3.4 and §4.2 for the full contract.
type Volume struct {
	dir string

	shift      uint
	segSize    uint64
	offsetMask uint64
	startMask  uint64

	pool *pool

	writeMu     chan struct{} // 1-buffered channel used as a Lock()-able mutex
	provisioned atomic.Uint64

	logger *zap.Logger
}

// Open opens (creating if absent) the volume directory at dir, scans any
// existing segment files to recover provisioned_length, and returns a
// ready-to-use Volume. No segment is opened during recovery; the pool is
// populated lazily on first access.
func Open(dir string, c Config) (*Volume, error) {
	c = c.withDefaults()

	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	v := &Volume{
		dir:        dir,
		shift:      c.SegmentShift,
		segSize:    uint64(1) << c.SegmentShift,
		writeMu:    make(chan struct{}, 1),
		logger:     zap.L().Named("segvol.volume"),
	}
	v.writeMu <- struct{}{}
	v.offsetMask = v.segSize - 1
	v.startMask = ^v.offsetMask
	v.pool = newPool(c.PoolCapacity)

	provisioned, err := recoverProvisionedLength(dir, v.shift)
	if err != nil {
		return nil, err
	}
	v.provisioned.Store(provisioned)

	return v, nil
}

// ensureDir stats path, creating it (mode 0755) if absent, and fails if it
// exists but is not a directory.
func ensureDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
				return newIOError(mkErr, path, "mkdir volume directory")
			}
			return nil
		}
		return newIOError(err, path, "stat volume directory")
	}
	if !fi.IsDir() {
		return newPreconditionError(path, "volume path is not a directory")
	}
	return nil
}

// recoverProvisionedLength scans dir for segment files matching the
// %06d.vf pattern (spec.md §6.1) and returns the smallest L such that
// every byte that exists on disk lies in [0, L): max over present segments
// i of (i*S + size_on_disk(segment i)).
func recoverProvisionedLength(dir string, shift uint) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, newIOError(err, dir, "readdir volume directory")
	}

	var provisioned uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := segmentFileRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}

		var index uint64
		if _, err := fmt.Sscanf(m[1], "%d", &index); err != nil {
			continue
		}

		size, err := SegmentSize(filepath.Join(dir, entry.Name()))
		if err != nil {
			return 0, err
		}

		candidate := index<<shift + size
		if candidate > provisioned {
			provisioned = candidate
		}
	}
	return provisioned, nil
}

// segmentIndex returns the segment index covering logical offset off.
func (v *Volume) segmentIndex(off uint64) uint64 {
	return off >> v.shift
}

// segmentStart returns the segment-start offset (i*S) covering off.
func (v *Volume) segmentStart(off uint64) uint64 {
	return off & v.startMask
}

// segmentPath returns the on-disk pathname for the segment starting at
// start.
func (v *Volume) segmentPath(start uint64) string {
	index := start >> v.shift
	return filepath.Join(v.dir, fmt.Sprintf("%06d.vf", index))
}

// getSegment resolves the segment covering off, opening and/or evicting as
// needed. Implements get_segment(off) from spec.md §4.2.
func (v *Volume) getSegment(off uint64) (*Lease, error) {
	start := v.segmentStart(off)
	path := v.segmentPath(start)
	return v.pool.acquire(start, func() (*Segment, error) {
		return OpenSegment(path)
	})
}

// lockWrite / unlockWrite implement write_lock using a 1-buffered channel,
// so PWrite and Truncate (the callers that nest write_lock -> pool_lock) cannot
// deadlock against the sync.Mutex zero value's copy-safety concerns; the
// ordering contract is still write_lock acquired strictly before pool_lock.
func (v *Volume) lockWrite() {
	<-v.writeMu
}

func (v *Volume) unlockWrite() {
	v.writeMu <- struct{}{}
}

// bumpProvisioned advances provisioned_length to at least newLen,
// atomically and monotonically (it never decreases it).
func (v *Volume) bumpProvisioned(newLen uint64) {
	for {
		old := v.provisioned.Load()
		if newLen <= old {
			return
		}
		if v.provisioned.CompareAndSwap(old, newLen) {
			return
		}
	}
}

// PWrite persists all of p at [off, off+len(p)) before returning.
// provisioned_length is advanced to at least off+len(p) before the first
// byte is written, so it reflects the intended extent even if the write
// later fails (spec.md §4.2, §7). Writers are serialized against each
// other; a span crossing segment boundaries is split into one sub-write
// per covering segment.
func (v *Volume) PWrite(p []byte, off uint64) error {
	v.lockWrite()
	defer v.unlockWrite()

	v.bumpProvisioned(off + uint64(len(p)))

	written := 0
	for len(p) > 0 {
		lease, err := v.getSegment(off)
		if err != nil {
			return err
		}

		start := v.segmentStart(off)
		inOff := off - start
		remaining := v.segSize - inOff
		chunk := p
		if uint64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		_, err = lease.Segment().WriteAt(chunk, int64(inOff))
		lease.Release()
		if err != nil {
			return err
		}

		written += len(chunk)
		off += uint64(len(chunk))
		p = p[len(chunk):]
	}

	recordBytesWritten(written)
	return nil
}

// PRead fills p with bytes starting at logical offset off. Bytes in
// segments that do not exist on disk, or beyond a segment's current
// length, read as zero. No global lock is taken: reads may proceed
// concurrently with each other and with writes.
func (v *Volume) PRead(p []byte, off uint64) error {
	read := 0
	for len(p) > 0 {
		lease, err := v.getSegment(off)
		if err != nil {
			return err
		}

		start := v.segmentStart(off)
		inOff := off - start
		remaining := v.segSize - inOff
		chunk := p
		if uint64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		_, err = lease.Segment().ReadAt(chunk, int64(inOff))
		lease.Release()
		if err != nil {
			return err
		}

		read += len(chunk)
		off += uint64(len(chunk))
		p = p[len(chunk):]
	}

	recordBytesRead(read)
	return nil
}

// Sync fsyncs every currently open segment. Unopened-but-present segments
// are not touched: their data was already durable before eviction closed
// the handle.
func (v *Volume) Sync() error {
	leases := v.pool.snapshot()
	var firstErr error
	for _, lease := range leases {
		if err := lease.Segment().Sync(); err != nil {
			v.logger.Error("segment sync failed", zap.String("path", lease.Segment().Path()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		lease.Release()
	}
	return firstErr
}

// Truncate unlinks every segment whose start is >= ceil(L/S)*S, truncates
// the segment containing L to L mod S, and sets provisioned_length = L.
// Growing via Truncate is not supported: a length beyond provisioned_length
// is rejected with a precondition error; higher layers grow via writes.
func (v *Volume) Truncate(length uint64) error {
	v.lockWrite()
	defer v.unlockWrite()

	if length > v.provisioned.Load() {
		return newPreconditionError(v.dir, "truncate beyond provisioned_length")
	}

	end := v.provisioned.Load() & v.startMask
	targetStart := length & v.startMask
	aligned := length&v.offsetMask == 0

	if aligned {
		// length itself is ceil(L/S)*S, so the segment starting at
		// targetStart is also >= the boundary and must be unlinked, not
		// kept around truncated to zero.
		for end >= targetStart {
			if err := v.pool.dropAndUnlink(end, v.segmentPath(end)); err != nil {
				return err
			}
			if end == 0 {
				break
			}
			end -= v.segSize
		}
	} else {
		for end > targetStart {
			if err := v.pool.dropAndUnlink(end, v.segmentPath(end)); err != nil {
				return err
			}
			end -= v.segSize
		}

		lease, err := v.getSegment(length)
		if err != nil {
			return err
		}
		err = lease.Segment().Truncate(length & v.offsetMask)
		lease.Release()
		if err != nil {
			return err
		}
	}

	v.provisioned.Store(length)
	return nil
}

// ProvisionedLength returns a snapshot of provisioned_length: the smallest
// L such that every written byte lies in [0, L).
func (v *Volume) ProvisionedLength() uint64 {
	return v.provisioned.Load()
}

// Dir returns the volume's backing directory.
func (v *Volume) Dir() string {
	return v.dir
}

// Close closes every currently open segment handle. The volume directory
// and its segment files are left on disk.
func (v *Volume) Close() error {
	return v.pool.closeAll()
}
