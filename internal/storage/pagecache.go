package storage

import (
	"log"
	"sync"
)

// Intent is the access mode a caller requests a page for: ReadOnly takes a
// shared lock, ReadWrite an exclusive one.
type Intent int

const (
	ReadOnly Intent = iota
	ReadWrite
)

// PageCache is the fixed-capacity page cache: a bounded PageID-to-Page map
// that delegates lock acquisition to a LockManager before ever returning a
// page, and never evicts a dirty page (NO-STEAL). Grounded on the
// teacher's BufferPool (buffer_pool.go), split apart from its lock-manager
// duties.
type PageCache struct {
	mu sync.Mutex

	lm      *LockManager
	catalog *Catalog

	numPages int
	pages    map[PageID]*Page
	clock    int

	log *log.Logger
}

// NewPageCache creates a page cache of capacity numPages, delegating lock
// acquisition to lm and page I/O to catalog.
func NewPageCache(numPages int, lm *LockManager, catalog *Catalog, opts ...Option) *PageCache {
	o := newOptions(opts)
	return &PageCache{
		lm:       lm,
		catalog:  catalog,
		numPages: numPages,
		pages:    make(map[PageID]*Page),
		log:      o.logger,
	}
}

// GetPage acquires the lock matching intent (may block, or fail with
// Aborted on deadlock), then returns the resident page for pid, reading
// it through the catalog on a miss and evicting a clean victim first if
// the cache is full. Fails with NoEvictablePage if every resident page is
// dirty and space is needed.
//
// The lock is always acquired before the cache monitor is taken, never the
// reverse, so cache-monitor x LM-monitor inversion can't happen.
func (pc *PageCache) GetPage(tid TransactionID, pid PageID, intent Intent) (*Page, error) {
	switch intent {
	case ReadOnly:
		if err := pc.lm.AcquireShared(tid, pid); err != nil {
			return nil, err
		}
	case ReadWrite:
		if err := pc.lm.AcquireExclusive(tid, pid); err != nil {
			return nil, err
		}
	default:
		return nil, newErr(InvalidPermission, "unknown intent %d", intent)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.clock++
	if page, ok := pc.pages[pid]; ok {
		page.recency = pc.clock
		return page, nil
	}

	if len(pc.pages) >= pc.numPages {
		if err := pc.evictLocked(); err != nil {
			return nil, err
		}
	}

	page, err := pc.catalog.ReadPage(pid)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Code == FileNotFound {
			return nil, wrapErr(IoError, err, "read %s", pid)
		}
		return nil, err
	}
	page.recency = pc.clock
	pc.pages[pid] = page
	pc.log.Printf("pagecache: fetched %s for %s (%d resident)", pid, tid, len(pc.pages))
	return page, nil
}

// evictLocked selects the least-recently-used clean resident page and
// drops it, failing with NoEvictablePage if every resident page is dirty.
// Must be called with pc.mu held; atomic with the insert that follows it
// in GetPage so concurrent misses can't overshoot capacity.
func (pc *PageCache) evictLocked() error {
	var victim PageID
	found := false
	best := 0
	for pid, page := range pc.pages {
		if page.IsDirty() {
			continue
		}
		if !found || page.recency < best {
			victim = pid
			best = page.recency
			found = true
		}
	}
	if !found {
		return newErr(NoEvictablePage, "buffer pool full of dirty pages")
	}
	delete(pc.pages, victim)
	pc.log.Printf("pagecache: evicted %s", victim)
	return nil
}

// Discard removes pid from the cache without flushing it, used by abort
// to drop dirty pages whose contents are no longer valid.
func (pc *PageCache) Discard(pid PageID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.pages, pid)
}

// FlushAll writes every dirty resident page through the catalog, clearing
// each one's dirty flag on success. Intended for tests and for shutdown,
// not for the per-transaction commit path (see TransactionCoordinator).
func (pc *PageCache) FlushAll() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	var first error
	for _, page := range pc.pages {
		if !page.IsDirty() {
			continue
		}
		if err := pc.catalog.WritePage(page); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		page.MarkDirty(TransactionID{}, false)
	}
	return first
}

// UnsafeRelease releases tid's lock on pid without touching the cache.
// An escape hatch, not used by correctly behaving transactions (the
// normal path is TransactionCoordinator.TransactionComplete).
func (pc *PageCache) UnsafeRelease(tid TransactionID, pid PageID) {
	pc.lm.Release(tid, pid)
}

// flushIfResidentDirty is the per-page half of commit: if pid is resident
// and dirty, write it through the catalog and clear its dirty flag,
// leaving it resident and clean. A no-op if pid is absent or clean.
func (pc *PageCache) flushIfResidentDirty(pid PageID) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	page, ok := pc.pages[pid]
	if !ok || !page.IsDirty() {
		return nil
	}
	if err := pc.catalog.WritePage(page); err != nil {
		return err
	}
	page.MarkDirty(TransactionID{}, false)
	return nil
}
