package engine

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/dkwon/pagestore/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})
}

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := NewEngine(Config{BufferFrames: 16, TableDir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e
}

// Scenario 4: insert(1,"A") then insert(1,"B") returns Duplicate;
// find(1) = "A".
func TestDuplicateInsertRejected(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	id, err := e.OpenTable("t.db")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	if err := e.Insert(id, 1, []byte("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err = e.Insert(id, 1, []byte("B"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Insert duplicate: got %v, want ErrDuplicate", err)
	}

	v, err := e.Find(id, 1)
	if err != nil {
		t.Fatalf("Find(1): %v", err)
	}
	if string(v) != "A" {
		t.Fatalf("Find(1) = %q, want %q", v, "A")
	}
}

// Scenario 5: table contains (1,"A"). begin; update(1,"B"); abort.
// find(1) = "A".
func TestTransactionRollbackRestoresOldValue(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	id, err := e.OpenTable("t.db")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := e.Insert(id, 1, []byte("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := e.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Update(id, 1, []byte("B")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	v, err := e.Find(id, 1)
	if err != nil {
		t.Fatalf("Find(1): %v", err)
	}
	if string(v) != "A" {
		t.Fatalf("Find(1) after abort = %q, want %q", v, "A")
	}
}

// Property P7: a transaction with only BEGIN and UPDATE records in the log
// at crash time rolls back on recovery — simulated here by opening a fresh
// engine directly over the same table/WAL files without ever calling
// Commit or Abort on the first one.
func TestRecoveryUndoesUncommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")

	e1, err := NewEngine(Config{BufferFrames: 16, TableDir: dir, WALPath: walPath}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	id, err := e1.OpenTable("t.db")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := e1.Insert(id, 1, []byte("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// insert is a plain structural mutation, not WAL-logged, so the
	// pre-transaction baseline needs an explicit flush to be durable before
	// the simulated crash below — otherwise the crash would lose it outright
	// rather than exercising the transaction's own redo/undo behavior.
	if err := e1.mgr.Pool().FlushAll(id); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if err := e1.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e1.Update(id, 1, []byte("B")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// Simulated crash: no Commit, no Abort, no clean Shutdown.

	e2, err := NewEngine(Config{BufferFrames: 16, TableDir: dir, WALPath: walPath}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine (restart): %v", err)
	}
	t.Cleanup(func() { e2.Shutdown() })

	v, err := e2.Find(id, 1)
	if err != nil {
		t.Fatalf("Find(1) after recovery: %v", err)
	}
	if string(v) != "A" {
		t.Fatalf("Find(1) after recovery = %q, want pre-transaction value %q", v, "A")
	}
}

// Scenario 6 / property P6: table contains (1,"A"),(2,"C"). begin;
// update(1,"B"); update(2,"D"); commit. Kill. Restart with recovery.
// find(1)="B", find(2)="D".
func TestRecoveryRedoesCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")

	e1, err := NewEngine(Config{BufferFrames: 16, TableDir: dir, WALPath: walPath}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	id, err := e1.OpenTable("t.db")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := e1.Insert(id, 1, []byte("A")); err != nil {
		t.Fatalf("Insert(1): %v", err)
	}
	if err := e1.Insert(id, 2, []byte("C")); err != nil {
		t.Fatalf("Insert(2): %v", err)
	}
	// Same reasoning as above: make the pre-transaction rows durable before
	// the transaction under test begins.
	if err := e1.mgr.Pool().FlushAll(id); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	if err := e1.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e1.Update(id, 1, []byte("B")); err != nil {
		t.Fatalf("Update(1): %v", err)
	}
	if err := e1.Update(id, 2, []byte("D")); err != nil {
		t.Fatalf("Update(2): %v", err)
	}
	if err := e1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Simulated crash right after the fsynced commit: no clean Shutdown.

	e2, err := NewEngine(Config{BufferFrames: 16, TableDir: dir, WALPath: walPath}, testLogger())
	if err != nil {
		t.Fatalf("NewEngine (restart): %v", err)
	}
	t.Cleanup(func() { e2.Shutdown() })

	v1, err := e2.Find(id, 1)
	if err != nil {
		t.Fatalf("Find(1): %v", err)
	}
	if string(v1) != "B" {
		t.Fatalf("Find(1) = %q, want %q", v1, "B")
	}
	v2, err := e2.Find(id, 2)
	if err != nil {
		t.Fatalf("Find(2): %v", err)
	}
	if string(v2) != "D" {
		t.Fatalf("Find(2) = %q, want %q", v2, "D")
	}
}

func TestUpdateWithoutActiveTransactionRejected(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	id, err := e.OpenTable("t.db")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if err := e.Insert(id, 1, []byte("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := e.Update(id, 1, []byte("B")); !errors.Is(err, ErrNoActiveTransaction) {
		t.Fatalf("Update without Begin: got %v, want ErrNoActiveTransaction", err)
	}
}

func TestBeginTwiceRejected(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	if err := e.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Begin(); !errors.Is(err, ErrTransactionInProgress) {
		t.Fatalf("second Begin: got %v, want ErrTransactionInProgress", err)
	}
	if err := e.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
}

func TestJoinTableViaEngine(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	id1, err := e.OpenTable("t1.db")
	if err != nil {
		t.Fatalf("OpenTable t1: %v", err)
	}
	id2, err := e.OpenTable("t2.db")
	if err != nil {
		t.Fatalf("OpenTable t2: %v", err)
	}
	for _, kv := range []struct {
		k uint64
		v string
	}{{1, "a"}, {2, "b"}, {4, "d"}} {
		if err := e.Insert(id1, kv.k, []byte(kv.v)); err != nil {
			t.Fatalf("Insert t1: %v", err)
		}
	}
	for _, kv := range []struct {
		k uint64
		v string
	}{{2, "x"}, {3, "y"}, {4, "z"}} {
		if err := e.Insert(id2, kv.k, []byte(kv.v)); err != nil {
			t.Fatalf("Insert t2: %v", err)
		}
	}

	resultPath := filepath.Join(dir, "result.csv")
	if err := e.JoinTable(id1, id2, resultPath); err != nil {
		t.Fatalf("JoinTable: %v", err)
	}
}
