// Command dbshell is an interactive console over the transactional
// storage core: it opens transactions, requests pages by table and page
// number under read-only or read-write intent, and lets the operator
// inspect lock-manager and cache state before committing or aborting.
// It never parses SQL; it is an administrative tool over the core, not
// a query-layer CLI.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/srmadden/dbcore/internal/storage"
)

func main() {
	dataDir := flag.String("data", "./data", "directory holding one heap file per table")
	numPages := flag.Int("pages", 16, "page cache capacity")
	tables := flag.String("tables", "t1,t2", "comma-separated table names to open")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("dbshell: %v", err)
	}

	catalog := storage.NewCatalog()
	for _, name := range strings.Split(*tables, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		hf, err := storage.NewHeapFile(storage.TableID(name), filepath.Join(*dataDir, name+".dat"))
		if err != nil {
			log.Fatalf("dbshell: opening table %s: %v", name, err)
		}
		catalog.Register(storage.TableID(name), hf)
	}

	lm := storage.NewLockManager(storage.WithLogger(log.New(os.Stderr, "lm: ", log.LstdFlags)))
	cache := storage.NewPageCache(*numPages, lm, catalog, storage.WithLogger(log.New(os.Stderr, "cache: ", log.LstdFlags)))
	coordinator := storage.NewTransactionCoordinator(lm, cache)

	sh := &shell{catalog: catalog, lm: lm, cache: cache, coordinator: coordinator}
	sh.run()
}

// shell holds the single active transaction this console drives at a
// time; a real operator layer would track many concurrently, but one
// REPL session naturally maps to one transaction.
type shell struct {
	catalog     *storage.Catalog
	lm          *storage.LockManager
	cache       *storage.PageCache
	coordinator *storage.TransactionCoordinator

	tid    storage.TransactionID
	active bool
}

func (s *shell) run() {
	rl, err := readline.New("dbcore> ")
	if err != nil {
		log.Fatalf("dbshell: %v", err)
	}
	defer rl.Close()

	fmt.Println("dbcore storage shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := s.dispatch(fields[0], fields[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func (s *shell) dispatch(cmd string, args []string) error {
	switch cmd {
	case "help":
		s.help()
	case "begin":
		if s.active {
			return fmt.Errorf("a transaction is already active (%s); commit or abort it first", s.tid)
		}
		s.tid = storage.NewTransactionID()
		s.active = true
		fmt.Println("began", s.tid)
	case "read":
		return s.get(args, storage.ReadOnly)
	case "write":
		return s.get(args, storage.ReadWrite)
	case "commit":
		return s.end(true)
	case "abort":
		return s.end(false)
	case "locks":
		return s.locks(args)
	case "quit", "exit":
		os.Exit(0)
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return nil
}

func (s *shell) help() {
	fmt.Println(`commands:
  begin                      start a new transaction
  read  <table> <pageno>     fetch a page read-only
  write <table> <pageno>     fetch a page read-write
  locks <table> <pageno>     report whether the active transaction holds pid
  commit                     flush dirty pages and release all locks
  abort                      discard dirty pages and release all locks
  quit                       exit`)
}

func (s *shell) requireActive() error {
	if !s.active {
		return fmt.Errorf("no active transaction; run 'begin' first")
	}
	return nil
}

func (s *shell) get(args []string, intent storage.Intent) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	pid, err := parsePageID(args)
	if err != nil {
		return err
	}
	if !s.catalog.KnownAllocated(pid) {
		fmt.Println("note: this page has never been allocated; the read will fail")
	}
	page, err := s.cache.GetPage(s.tid, pid, intent)
	if err != nil {
		if dbErr, ok := err.(*storage.Error); ok && dbErr.Code == storage.Aborted {
			s.coordinator.TransactionComplete(s.tid, false)
			s.active = false
		}
		return err
	}
	fmt.Printf("%s first bytes: % x\n", pid, page.Bytes[:8])
	return nil
}

func (s *shell) locks(args []string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	pid, err := parsePageID(args)
	if err != nil {
		return err
	}
	fmt.Println("holds:", s.coordinator.HoldsLock(s.tid, pid))
	return nil
}

func (s *shell) end(commit bool) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	err := s.coordinator.TransactionComplete(s.tid, commit)
	s.active = false
	if err != nil {
		return fmt.Errorf("flush error during commit (transaction still ended): %w", err)
	}
	return nil
}

func parsePageID(args []string) (storage.PageID, error) {
	if len(args) != 2 {
		return storage.PageID{}, fmt.Errorf("usage: <table> <pageno>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return storage.PageID{}, fmt.Errorf("invalid page number %q", args[1])
	}
	return storage.PageID{Table: storage.TableID(args[0]), PageNo: n}, nil
}
