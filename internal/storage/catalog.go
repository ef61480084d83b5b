package storage

import (
	"fmt"
	"io"
	"os"
	"sync"

	boom "github.com/tylertreat/BoomFilters"
)

// PageFile is the page I/O collaborator: a per-table capability set for
// reading and writing fixed-size pages, in place of the teacher's
// polymorphic DbFile dispatch. Grounded on the teacher's
// HeapFile.readPage/flushPage, generalized from tuple-aware to
// byte-opaque.
type PageFile interface {
	// ReadPage reads exactly one PageSize block at offset
	// pageNo*PageSize. Returns FileNotFound if the backing file doesn't
	// have that many pages yet, IoError on any other failure.
	ReadPage(pageNo int) (*Page, error)
	// WritePage writes page.Bytes at the offset implied by page.ID and
	// is durable (fsync'd) before returning.
	WritePage(page *Page) error
	// AllocatePage extends the file by one zero-filled page and returns
	// its page number. Used by operator code (out of scope here) that
	// needs a brand new page to insert into.
	AllocatePage() (int, error)
	// NumPages reports how many pages currently exist in the backing
	// file.
	NumPages() int
}

// HeapFile is a PageFile backed by a single OS file of contiguous
// PageSize blocks. Grounded directly on the teacher's HeapFile
// (heap_file.go): NewHeapFile/NumPages/readPage/flushPage, stripped of the
// tuple/slot bookkeeping that belongs to the operator layer, which this
// core treats as an external collaborator.
type HeapFile struct {
	table       TableID
	backingFile string
	mu          sync.Mutex
}

// NewHeapFile opens (creating if necessary) the backing file for table at
// path. May return IoError if the file cannot be opened.
func NewHeapFile(table TableID, path string) (*HeapFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, wrapErr(IoError, err, "open heap file %s", path)
	}
	defer f.Close()
	return &HeapFile{table: table, backingFile: path}, nil
}

func (f *HeapFile) NumPages() int {
	info, err := os.Stat(f.backingFile)
	if err != nil {
		return 0
	}
	n := int(info.Size() / PageSize)
	if info.Size()%PageSize != 0 {
		n++
	}
	return n
}

func (f *HeapFile) ReadPage(pageNo int) (*Page, error) {
	if pageNo < 0 || pageNo >= f.NumPages() {
		return nil, newErr(FileNotFound, "table %s has no page %d", f.table, pageNo)
	}

	file, err := os.OpenFile(f.backingFile, os.O_RDONLY, 0666)
	if err != nil {
		return nil, wrapErr(IoError, err, "open heap file %s", f.backingFile)
	}
	defer file.Close()

	offset := int64(pageNo) * PageSize
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, wrapErr(IoError, err, "seek to page %d of %s", pageNo, f.backingFile)
	}

	page := newCleanPage(PageID{Table: f.table, PageNo: pageNo})
	if _, err := io.ReadFull(file, page.Bytes[:]); err != nil {
		return nil, wrapErr(IoError, err, "read page %d of %s", pageNo, f.backingFile)
	}
	return page, nil
}

func (f *HeapFile) WritePage(page *Page) error {
	if page.ID.Table != f.table {
		return newErr(IoError, "page %s does not belong to table %s", page.ID, f.table)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return wrapErr(IoError, err, "open heap file %s", f.backingFile)
	}
	defer file.Close()

	offset := int64(page.ID.PageNo) * PageSize
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return wrapErr(IoError, err, "seek to page %d of %s", page.ID.PageNo, f.backingFile)
	}
	if _, err := file.Write(page.Bytes[:]); err != nil {
		return wrapErr(IoError, err, "write page %d of %s", page.ID.PageNo, f.backingFile)
	}
	if err := file.Sync(); err != nil {
		return wrapErr(IoError, err, "fsync %s", f.backingFile)
	}
	return nil
}

func (f *HeapFile) AllocatePage() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.backingFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return 0, wrapErr(IoError, err, "open heap file %s", f.backingFile)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, wrapErr(IoError, err, "stat %s", f.backingFile)
	}
	pageNo := int(info.Size() / PageSize)
	var zero [PageSize]byte
	if _, err := file.WriteAt(zero[:], int64(pageNo)*PageSize); err != nil {
		return 0, wrapErr(IoError, err, "extend %s", f.backingFile)
	}
	if err := file.Sync(); err != nil {
		return 0, wrapErr(IoError, err, "fsync %s", f.backingFile)
	}
	return pageNo, nil
}

// Catalog maps table identifiers to their PageFile collaborator, the
// catalog handle the page cache takes by injection instead of reaching a
// global registry.
//
// It also keeps a scalable Bloom filter of every (table, pageNo) pair
// known to be allocated: seeded from each table's on-disk extent at
// Register time and grown by one entry per Catalog.AllocatePage call. A
// Bloom filter never produces a false negative, so a negative Test proves
// a pageNo was never allocated through this catalog, and ReadPage uses
// that to fail straight to FileNotFound without opening the backing file;
// a positive (possibly a false positive) falls through to the real read,
// same as the teacher's bufferpool never second-guessing a
// HeapFile.readPage.
type Catalog struct {
	mu     sync.RWMutex
	tables map[TableID]PageFile
	seen   *boom.ScalableBloomFilter
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		tables: make(map[TableID]PageFile),
		seen:   boom.NewDefaultScalableBloomFilter(0.01),
	}
}

// Register associates a table id with its PageFile collaborator and seeds
// the allocated-page filter with every page already present in its
// backing file.
func (c *Catalog) Register(table TableID, file PageFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = file
	for i := 0; i < file.NumPages(); i++ {
		c.seen.Add(c.bloomKey(PageID{Table: table, PageNo: i}))
	}
}

func (c *Catalog) lookup(table TableID) (PageFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.tables[table]
	if !ok {
		return nil, newErr(FileNotFound, "no such table %s", table)
	}
	return f, nil
}

func (c *Catalog) bloomKey(id PageID) []byte {
	return []byte(fmt.Sprintf("%s:%d", id.Table, id.PageNo))
}

// ReadPage reads a page through the table's registered PageFile. If id is
// not a member of the allocated-page filter, the page was never allocated
// through this catalog and ReadPage fails with FileNotFound without
// touching the backing file.
func (c *Catalog) ReadPage(id PageID) (*Page, error) {
	file, err := c.lookup(id.Table)
	if err != nil {
		return nil, err
	}
	if !c.seen.Test(c.bloomKey(id)) {
		return nil, newErr(FileNotFound, "table %s has no page %d", id.Table, id.PageNo)
	}
	return file.ReadPage(id.PageNo)
}

// WritePage writes a page through its table's registered PageFile.
func (c *Catalog) WritePage(page *Page) error {
	file, err := c.lookup(page.ID.Table)
	if err != nil {
		return err
	}
	return file.WritePage(page)
}

// AllocatePage extends table's backing file by one page through its
// registered PageFile and records the new page in the allocated-page
// filter so a subsequent ReadPage for it takes the real read path.
func (c *Catalog) AllocatePage(table TableID) (PageID, error) {
	file, err := c.lookup(table)
	if err != nil {
		return PageID{}, err
	}
	pageNo, err := file.AllocatePage()
	if err != nil {
		return PageID{}, err
	}
	id := PageID{Table: table, PageNo: pageNo}
	c.mu.Lock()
	c.seen.Add(c.bloomKey(id))
	c.mu.Unlock()
	return id, nil
}

// KnownAllocated reports whether id is known to have been allocated
// through this catalog. False is proof the page was never allocated here;
// true is only a hint (the filter can false-positive). Callers such as
// the dbshell console use it to warn before issuing a probe that's
// certain to fail.
func (c *Catalog) KnownAllocated(id PageID) bool {
	return c.seen.Test(c.bloomKey(id))
}
