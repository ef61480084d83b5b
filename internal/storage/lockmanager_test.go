package storage

import (
	"testing"
	"time"
)

func tid(n uint64) TransactionID { return TransactionID{n: n} }

func TestSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	a, b := tid(1), tid(2)

	if err := lm.AcquireShared(a, p1); err != nil {
		t.Fatalf("a acquire shared: %v", err)
	}
	if err := lm.AcquireShared(b, p1); err != nil {
		t.Fatalf("b acquire shared: %v", err)
	}
	if !lm.Holds(a, p1) || !lm.Holds(b, p1) {
		t.Fatalf("both a and b should hold p1")
	}
}

func TestReentrantAcquireIsNoop(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	a := tid(1)

	if err := lm.AcquireShared(a, p1); err != nil {
		t.Fatal(err)
	}
	if err := lm.AcquireShared(a, p1); err != nil {
		t.Fatalf("re-acquiring the same mode should be a no-op: %v", err)
	}
	if err := lm.AcquireExclusive(a, p1); err != nil {
		t.Fatalf("sole shared holder should upgrade: %v", err)
	}
	if err := lm.AcquireExclusive(a, p1); err != nil {
		t.Fatalf("re-acquiring exclusive already held should be a no-op: %v", err)
	}
}

// TestUpgradeSucceedsWithQueuedWriter checks that an upgrade by the sole
// shared holder succeeds without deadlock even if other acquirers are
// already queued. Here C is queued wanting exclusive access (blocked
// behind A's shared lock); A's upgrade to exclusive must still succeed
// immediately since A is the sole shared holder, leaving C still queued
// afterward.
func TestUpgradeSucceedsWithQueuedWriter(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	a, c := tid(1), tid(3)

	if err := lm.AcquireShared(a, p1); err != nil {
		t.Fatal(err)
	}

	cDone := make(chan error, 1)
	go func() {
		cDone <- lm.AcquireExclusive(c, p1)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := lm.AcquireExclusive(a, p1); err != nil {
		t.Fatalf("upgrade by sole holder should succeed: %v", err)
	}
	if !lm.Holds(a, p1) {
		t.Fatalf("a should hold p1 after upgrade")
	}

	select {
	case <-cDone:
		t.Fatal("c should still be queued behind a's new exclusive hold")
	case <-time.After(50 * time.Millisecond):
	}

	lm.Release(a, p1)
	select {
	case err := <-cDone:
		if err != nil {
			t.Fatalf("c's queued exclusive acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("c never woke after a released")
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	a := tid(1)

	lm.Release(a, p1) // never held; must not panic
	if err := lm.AcquireShared(a, p1); err != nil {
		t.Fatal(err)
	}
	lm.Release(a, p1)
	lm.Release(a, p1) // already released; must not panic
	if lm.Holds(a, p1) {
		t.Fatalf("a should not hold p1 after release")
	}
}

func TestExclusiveBlocksSharedUntilRelease(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	a, b := tid(1), tid(2)

	if err := lm.AcquireExclusive(a, p1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- lm.AcquireShared(b, p1)
	}()

	select {
	case <-done:
		t.Fatal("b should not have been granted while a holds exclusive")
	case <-time.After(50 * time.Millisecond):
	}

	lm.Release(a, p1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("b's acquire failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("b never unblocked after a released")
	}
	if !lm.Holds(b, p1) {
		t.Fatal("b should hold p1")
	}
}

// TestDeadlockAbortsExactlyOne checks the classic two-cycle deadlock: A
// holds exclusive P1, B holds exclusive P2; A requests P2 (blocks,
// waits-for A->B), B requests P1 -> detector sees the cycle B->A->B and
// aborts B.
func TestDeadlockAbortsExactlyOne(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	p2 := PageID{Table: "t", PageNo: 2}
	a, b := tid(1), tid(2)

	if err := lm.AcquireExclusive(a, p1); err != nil {
		t.Fatal(err)
	}
	if err := lm.AcquireExclusive(b, p2); err != nil {
		t.Fatal(err)
	}

	aErr := make(chan error, 1)
	go func() {
		aErr <- lm.AcquireExclusive(a, p2)
	}()

	// Give A's goroutine time to install its waits-for edge (A -> B)
	// before B requests P1 and closes the cycle.
	time.Sleep(50 * time.Millisecond)

	bErr := lm.AcquireExclusive(b, p1)

	if bErr == nil {
		t.Fatalf("expected B's acquire to be aborted by deadlock detection")
	}
	if e, ok := bErr.(*Error); !ok || e.Code != Aborted {
		t.Fatalf("expected Aborted, got %v", bErr)
	}

	// B backs out; A should now complete.
	lm.Release(b, p2)

	select {
	case err := <-aErr:
		if err != nil {
			t.Fatalf("A's acquire should have succeeded once B backed out: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("A never unblocked after B released")
	}
}

func TestUpgradeDeadlockDetected(t *testing.T) {
	lm := NewLockManager()
	p1 := PageID{Table: "t", PageNo: 1}
	a, b := tid(1), tid(2)

	if err := lm.AcquireShared(a, p1); err != nil {
		t.Fatal(err)
	}
	if err := lm.AcquireShared(b, p1); err != nil {
		t.Fatal(err)
	}

	aErr := make(chan error, 1)
	go func() {
		aErr <- lm.AcquireExclusive(a, p1)
	}()
	time.Sleep(50 * time.Millisecond)

	bErr := lm.AcquireExclusive(b, p1)
	if bErr == nil {
		t.Fatalf("expected one of the mutual upgraders to be aborted")
	}

	lm.Release(b, p1)

	select {
	case err := <-aErr:
		if err != nil {
			t.Fatalf("a's upgrade should now succeed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("a never unblocked")
	}
}
