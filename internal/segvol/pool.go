package segvol

import (
	"container/list"
	"errors"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"
)

// evictBatch bounds how many victims a single eviction pass will close,
// mirroring the source's "scan at most 8 per pass" policy.
const evictBatch = 8

// evictionBackoff is how long a pass that freed nothing sleeps before
// retrying. Kept short per the design notes (~1us-1ms); the pool lock is
// released for the duration so releases from other goroutines can proceed.
const evictionBackoff = 200 * time.Microsecond

// poolEntry is one pooled Segment handle plus its outstanding-borrow count.
// A handle is evictable only when refs == 0: the pool's own slot does not
// count as a borrow, only callers currently executing I/O through a Lease do.
type poolEntry struct {
	start uint64
	seg   *Segment
	refs  int
	elem  *list.Element
}

// pool is the bounded, use-count-aware LRU cache of open Segment handles
// described in spec.md §3.3-3.4 and §4.2. lru holds *poolEntry values,
// ordered oldest-first; entries mirrors lru one-to-one keyed by segment
// start offset.
type pool struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]*poolEntry
	lru      *list.List
	logger   *zap.Logger
}

func newPool(capacity int) *pool {
	return &pool{
		capacity: capacity,
		entries:  make(map[uint64]*poolEntry),
		lru:      list.New(),
		logger:   zap.L().Named("segvol.pool"),
	}
}

// Lease is a borrowed reference to a pooled Segment. The pool will not
// evict a Segment while any Lease on it is outstanding; callers must call
// Release exactly once when done.
type Lease struct {
	pool  *pool
	start uint64
	seg   *Segment
}

// Segment returns the leased handle.
func (l *Lease) Segment() *Segment {
	return l.seg
}

// Release returns the lease, making the Segment evictable again once no
// other lease references it.
func (l *Lease) Release() {
	l.pool.release(l.start)
}

// acquire returns a Lease on the segment starting at start, opening it via
// open if it is not already pooled. Implements get_segment(off) from
// spec.md §4.2: under the pool lock, promote-and-move-to-tail on hit;
// evict-then-open-then-insert on miss.
func (p *pool) acquire(start uint64, open func() (*Segment, error)) (*Lease, error) {
	for {
		p.mu.Lock()

		if e, ok := p.entries[start]; ok {
			e.refs++
			p.lru.MoveToBack(e.elem)
			p.mu.Unlock()
			return &Lease{pool: p, start: start, seg: e.seg}, nil
		}

		if p.lru.Len() < p.capacity {
			seg, err := open()
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			e := &poolEntry{start: start, seg: seg, refs: 1}
			e.elem = p.lru.PushBack(e)
			p.entries[start] = e
			p.mu.Unlock()
			recordSegmentOpen()
			recordPoolSize(p.size())
			return &Lease{pool: p, start: start, seg: seg}, nil
		}

		evicted := p.evictPass()
		p.mu.Unlock()
		recordPoolSize(p.size())
		if !evicted {
			p.logger.Warn("segment pool saturated, waiting for an unborrowed victim")
			time.Sleep(evictionBackoff)
		}
	}
}

// evictPass assumes the caller holds p.mu. It scans the LRU list from the
// oldest end, closing and removing up to evictBatch unborrowed victims, and
// reports whether it freed anything.
func (p *pool) evictPass() bool {
	evicted := 0
	elem := p.lru.Front()
	for elem != nil && evicted < evictBatch {
		next := elem.Next()
		e := elem.Value.(*poolEntry)
		if e.refs == 0 {
			p.lru.Remove(elem)
			delete(p.entries, e.start)
			if err := e.seg.Close(); err != nil {
				p.logger.Error("failed to close evicted segment", zap.Error(err))
			}
			recordSegmentEviction()
			evicted++
		}
		elem = next
	}
	return evicted > 0
}

// release decrements the borrow count for the segment starting at start.
func (p *pool) release(start uint64) {
	p.mu.Lock()
	if e, ok := p.entries[start]; ok {
		e.refs--
	}
	p.mu.Unlock()
}

// size reports the current pool occupancy.
func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// dropAndUnlink removes the segment starting at start from the pool (if
// present), waiting for any outstanding lease to be released first so a
// concurrent reader never sees its fd closed out from under it, then
// unlinks the underlying file. A missing file is not an error.
func (p *pool) dropAndUnlink(start uint64, path string) error {
	for {
		p.mu.Lock()
		e, ok := p.entries[start]
		if !ok {
			p.mu.Unlock()
			break
		}
		if e.refs > 0 {
			p.mu.Unlock()
			p.logger.Warn("truncate waiting on a borrowed segment", zap.Uint64("start", start))
			time.Sleep(evictionBackoff)
			continue
		}
		p.lru.Remove(e.elem)
		delete(p.entries, start)
		p.mu.Unlock()
		if err := e.seg.Close(); err != nil {
			return err
		}
		break
	}

	if err := UnlinkSegment(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// snapshot pins (borrows) every currently pooled segment and returns a
// Lease for each, so a caller (Sync) can iterate them without holding the
// pool lock and without racing an eviction. Callers must Release every
// returned Lease.
func (p *pool) snapshot() []*Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	leases := make([]*Lease, 0, len(p.entries))
	for start, e := range p.entries {
		e.refs++
		leases = append(leases, &Lease{pool: p, start: start, seg: e.seg})
	}
	return leases
}

// closeAll waits out every outstanding lease and closes every pooled
// segment, leaving the pool empty. Used by Volume.Close.
func (p *pool) closeAll() error {
	var firstErr error
	for {
		p.mu.Lock()
		if len(p.entries) == 0 {
			p.mu.Unlock()
			return firstErr
		}

		var victimStart uint64
		var victim *poolEntry
		for start, e := range p.entries {
			victimStart, victim = start, e
			break
		}

		if victim.refs > 0 {
			p.mu.Unlock()
			time.Sleep(evictionBackoff)
			continue
		}

		p.lru.Remove(victim.elem)
		delete(p.entries, victimStart)
		p.mu.Unlock()

		if err := victim.seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}
