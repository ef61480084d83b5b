// Package storage implements the transactional storage core: a
// fixed-capacity page cache, a two-phase lock manager with deadlock
// detection, and the commit/abort coordinator that ties them together.
package storage

import (
	"fmt"
	"sync/atomic"
)

// PageID identifies a page within a table. Two PageIDs are equal iff they
// name the same table and page number, so PageID is usable directly as a
// map key.
type PageID struct {
	Table  TableID
	PageNo int
}

// TableID identifies a table's backing heap file within a Catalog.
type TableID string

func (p PageID) String() string {
	return fmt.Sprintf("%s:%d", p.Table, p.PageNo)
}

// TransactionID is an opaque, comparable identifier for one active
// transaction. The zero value is never issued by NewTransactionID.
type TransactionID struct {
	n uint64
}

func (t TransactionID) String() string {
	return fmt.Sprintf("tid#%d", t.n)
}

var tidCounter uint64

// NewTransactionID allocates a fresh TransactionID, unique for the
// lifetime of the process.
func NewTransactionID() TransactionID {
	return TransactionID{n: atomic.AddUint64(&tidCounter, 1)}
}
