package storage

// TransactionCoordinator exposes the commit/abort entry points: on commit
// it flushes the transaction's dirty pages and releases its locks; on
// abort it discards them and releases its locks. Grounded on the
// commit/abort halves of the teacher's BufferPool.CommitTransaction /
// AbortTransaction, split out into its own type. The core is FORCE/NO-STEAL:
// commit writes the transaction's dirty pages before releasing its locks,
// and abort explicitly discards its pages from the cache.
type TransactionCoordinator struct {
	lm    *LockManager
	cache *PageCache
}

// NewTransactionCoordinator ties a LockManager and PageCache together
// under the commit/abort protocol.
func NewTransactionCoordinator(lm *LockManager, cache *PageCache) *TransactionCoordinator {
	return &TransactionCoordinator{lm: lm, cache: cache}
}

// TransactionComplete ends tid, committing its writes or discarding them,
// and in both cases releasing every lock tid held. A release is issued
// for every page tid held a lock on, including pages that were evicted or
// never dirtied. If commit is true and a flush fails, the first such error
// is collected and returned after every page has still been given a
// flush-or-skip decision and every lock has still been released: a flush
// error is reported, not converted to an abort.
func (tc *TransactionCoordinator) TransactionComplete(tid TransactionID, commit bool) error {
	pages := tc.lm.PagesOf(tid)
	if len(pages) == 0 {
		return nil
	}

	var first error
	for _, pid := range pages {
		if commit {
			if err := tc.cache.flushIfResidentDirty(pid); err != nil && first == nil {
				first = err
			}
		} else {
			tc.cache.Discard(pid)
		}
	}

	for _, pid := range pages {
		tc.lm.Release(tid, pid)
	}

	return first
}

// HoldsLock delegates to the LockManager.
func (tc *TransactionCoordinator) HoldsLock(tid TransactionID, pid PageID) bool {
	return tc.lm.Holds(tid, pid)
}
