package storage

import (
	"log"
	"sync"
)

// lockMode is the grant state of one LockEntry.
type lockMode int

const (
	lockNone lockMode = iota
	lockShared
	lockExclusive
)

// lockEntry is the per-PageID lock-table record: current grant mode,
// holders, and acquirers blocked waiting for it. Its condition variable
// shares the LockManager's monitor (cond.L == &LockManager.mu), a nested
// condition-variable pattern: the entry's condition is signaled under the
// LM monitor.
type lockEntry struct {
	mode    lockMode
	holders map[TransactionID]struct{}
	pending map[TransactionID]struct{}
	cond    *sync.Cond
}

func newLockEntry(mu *sync.Mutex) *lockEntry {
	return &lockEntry{
		holders: make(map[TransactionID]struct{}),
		pending: make(map[TransactionID]struct{}),
		cond:    sync.NewCond(mu),
	}
}

// LockManager hands out page-granularity shared/exclusive locks with
// upgrade support and aborts a transaction whose blocking acquire would
// close a cycle in the waits-for graph. Grounded on the deadlock-detection
// shape of the teacher's BufferPool (hasCycle/transactionDependencies in
// buffer_pool.go), reworked from busy-polling to a condition-variable
// wait/notify design so waiters park instead of spinning.
type LockManager struct {
	mu sync.Mutex

	entries  map[PageID]*lockEntry
	waitsFor map[TransactionID]map[TransactionID]struct{}
	txPages  map[TransactionID]map[PageID]struct{}

	log *log.Logger
}

// NewLockManager creates an empty lock manager.
func NewLockManager(opts ...Option) *LockManager {
	o := newOptions(opts)
	return &LockManager{
		entries:  make(map[PageID]*lockEntry),
		waitsFor: make(map[TransactionID]map[TransactionID]struct{}),
		txPages:  make(map[TransactionID]map[PageID]struct{}),
		log:      o.logger,
	}
}

func (lm *LockManager) entry(pid PageID) *lockEntry {
	e, ok := lm.entries[pid]
	if !ok {
		e = newLockEntry(&lm.mu)
		lm.entries[pid] = e
	}
	return e
}

func (lm *LockManager) noteHeld(tid TransactionID, pid PageID) {
	pages, ok := lm.txPages[tid]
	if !ok {
		pages = make(map[PageID]struct{})
		lm.txPages[tid] = pages
	}
	pages[pid] = struct{}{}
}

// snapshotBlockers copies a holder set excluding tid, for use both as the
// hypothetical new waits-for edge and as the deadlock-detection seed. The
// snapshot is taken once at entry to a blocking acquire and is not updated
// while the caller sleeps; that's sufficient because every new wait edge
// re-triggers detection, and AcquireShared/AcquireExclusive both re-check
// on wakeup by looping.
func snapshotBlockers(holders map[TransactionID]struct{}, tid TransactionID) map[TransactionID]struct{} {
	out := make(map[TransactionID]struct{}, len(holders))
	for h := range holders {
		if h != tid {
			out[h] = struct{}{}
		}
	}
	return out
}

// wouldDeadlock performs a BFS over the waits-for graph: starting from
// tid's hypothetical blockers, follow each visited transaction's own
// installed waits-for edges. Revisiting tid means granting would close a
// cycle.
func (lm *LockManager) wouldDeadlock(tid TransactionID, blockers map[TransactionID]struct{}) bool {
	visited := make(map[TransactionID]bool)
	queue := make([]TransactionID, 0, len(blockers))
	for b := range blockers {
		queue = append(queue, b)
	}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		if w == tid {
			return true
		}
		if visited[w] {
			continue
		}
		visited[w] = true
		for next := range lm.waitsFor[w] {
			queue = append(queue, next)
		}
	}
	return false
}

// waitOrAbort installs tid's waits-for edges and blocks on entry's
// condition, unless doing so would close a cycle, in which case it
// returns Aborted and leaves lm's state untouched. Must be called with
// lm.mu held; returns with lm.mu held.
func (lm *LockManager) waitOrAbort(tid TransactionID, pid PageID, entry *lockEntry, blockers map[TransactionID]struct{}) error {
	if lm.wouldDeadlock(tid, blockers) {
		lm.log.Printf("lockmanager: %s would deadlock on %s, aborting", tid, pid)
		return AbortedErr
	}
	lm.waitsFor[tid] = blockers
	entry.pending[tid] = struct{}{}
	entry.cond.Wait()
	delete(entry.pending, tid)
	delete(lm.waitsFor, tid)
	return nil
}

// AcquireShared blocks until tid holds a shared lock on pid, or returns
// Aborted if granting would deadlock.
func (lm *LockManager) AcquireShared(tid TransactionID, pid PageID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry := lm.entry(pid)
	for {
		if entry.mode == lockExclusive {
			if _, sole := entry.holders[tid]; sole {
				lm.noteHeld(tid, pid)
				return nil
			}
		} else {
			if _, already := entry.holders[tid]; already {
				return nil
			}
			entry.mode = lockShared
			entry.holders[tid] = struct{}{}
			lm.noteHeld(tid, pid)
			return nil
		}

		blockers := snapshotBlockers(entry.holders, tid)
		if err := lm.waitOrAbort(tid, pid, entry, blockers); err != nil {
			return err
		}
	}
}

// AcquireExclusive blocks until tid holds an exclusive lock on pid
// (atomically upgrading tid's own shared lock if tid is the sole shared
// holder), or returns Aborted if granting would deadlock.
func (lm *LockManager) AcquireExclusive(tid TransactionID, pid PageID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry := lm.entry(pid)
	for {
		switch entry.mode {
		case lockNone:
			entry.mode = lockExclusive
			entry.holders[tid] = struct{}{}
			lm.noteHeld(tid, pid)
			return nil

		case lockExclusive:
			if _, sole := entry.holders[tid]; sole {
				return nil
			}

		case lockShared:
			if _, holds := entry.holders[tid]; holds {
				if len(entry.holders) == 1 {
					entry.mode = lockExclusive
					return nil
				}
				// Upgrade-wait: tid already holds shared and must wait
				// for the other shared holders to drain. Modeled as an
				// edge from tid to those holders so two transactions
				// upgrading the same page concurrently deadlock-detect
				// instead of hanging.
				blockers := snapshotBlockers(entry.holders, tid)
				if err := lm.waitOrAbort(tid, pid, entry, blockers); err != nil {
					return err
				}
				continue
			}
		}

		blockers := snapshotBlockers(entry.holders, tid)
		if err := lm.waitOrAbort(tid, pid, entry, blockers); err != nil {
			return err
		}
	}
}

// Release releases whatever lock tid holds on pid. A no-op if tid holds
// nothing there, tolerant to double-release during abort cleanup.
func (lm *LockManager) Release(tid TransactionID, pid PageID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.releaseLocked(tid, pid)
}

func (lm *LockManager) releaseLocked(tid TransactionID, pid PageID) {
	entry, ok := lm.entries[pid]
	if !ok {
		return
	}
	if _, held := entry.holders[tid]; !held {
		return
	}
	delete(entry.holders, tid)
	if len(entry.holders) == 0 {
		entry.mode = lockNone
	}

	if pages, ok := lm.txPages[tid]; ok {
		delete(pages, pid)
		if len(pages) == 0 {
			delete(lm.txPages, tid)
		}
	}

	entry.cond.Broadcast()
}

// Holds reports whether tid currently holds any lock on pid.
func (lm *LockManager) Holds(tid TransactionID, pid PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entry, ok := lm.entries[pid]
	if !ok {
		return false
	}
	_, held := entry.holders[tid]
	return held
}

// PagesOf returns the set of PageIDs tid currently has any lock on. The
// returned slice is a snapshot safe to iterate while releasing locks.
func (lm *LockManager) PagesOf(tid TransactionID) []PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	pages := lm.txPages[tid]
	out := make([]PageID, 0, len(pages))
	for pid := range pages {
		out = append(out, pid)
	}
	return out
}
