// Package engine is the public facade over the storage engine (§6): table
// lifecycle, keyed reads/writes, transactions, and the sort-merge join,
// with recovery run once at startup before any of it is reachable.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dkwon/pagestore/internal/logger"
	"github.com/dkwon/pagestore/internal/metrics"
	"github.com/dkwon/pagestore/pkg/btree"
	"github.com/dkwon/pagestore/pkg/join"
	"github.com/dkwon/pagestore/pkg/page"
	"github.com/dkwon/pagestore/pkg/storage"
	"github.com/dkwon/pagestore/pkg/wal"
)

// pendingUpdate is one UPDATE this process has applied during the current
// transaction, kept in memory so Abort can walk it backward without
// re-reading the log file.
type pendingUpdate struct {
	tableID int
	addr    uint64
	offset  uint32
	length  uint32
	old     [wal.ImageSize]byte
}

// transaction tracks the single in-flight transaction the single-threaded
// model (spec.md §5) ever allows.
type transaction struct {
	xid     uint64
	lastLSN uint64
	updates []pendingUpdate
}

// Engine is the process-wide database instance: buffer pool, table array,
// write-ahead log, and at most one active transaction (§6's "global mutable
// state... process-wide with init/teardown at init_db/shutdown_db",
// packaged here as an explicitly constructed value instead).
type Engine struct {
	cfg        Config
	mgr        *storage.Manager
	wal        *wal.Log
	trees      map[int]*btree.Tree
	tablePaths map[int]string
	log        *logger.Logger
	metrics    *metrics.Metrics
	nextXID    uint64
	txn        *transaction
}

// NewEngine opens the buffer pool and write-ahead log, reopens every table
// file already present under cfg.TableDir (in sorted filename order, which
// is also the order table ids are reassigned in), and runs recovery to
// completion before returning — matching §4.7 step 4's "allow user
// operations" only once recovery has finished: by construction, no Engine
// method is reachable until that line has already run.
func NewEngine(cfg Config, log *logger.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if err := os.MkdirAll(cfg.TableDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create table directory: %w", err)
	}

	m := metrics.NewMetrics()
	zl := *log.GetZerolog()

	mgr, err := storage.NewManager(cfg.BufferFrames, zl)
	if err != nil {
		return nil, fmt.Errorf("engine: init buffer pool: %w", err)
	}
	mgr.SetMetrics(m)

	walLog, err := wal.Open(cfg.WALPath, zl)
	if err != nil {
		return nil, fmt.Errorf("engine: open write-ahead log: %w", err)
	}
	walLog.SetMetrics(m)
	mgr.SetLogForcer(walLog)

	e := &Engine{
		cfg:        cfg,
		mgr:        mgr,
		wal:        walLog,
		trees:      make(map[int]*btree.Tree),
		tablePaths: make(map[int]string),
		log:        log,
		metrics:    m,
		nextXID:    1,
	}

	entries, err := os.ReadDir(cfg.TableDir)
	if err != nil {
		return nil, fmt.Errorf("engine: scan table directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		if _, err := e.openTableInternal(filepath.Join(cfg.TableDir, entry.Name())); err != nil {
			return nil, fmt.Errorf("engine: reopen table %s: %w", entry.Name(), err)
		}
	}

	rec := wal.NewRecovery(walLog, mgr, zl)
	rec.SetMetrics(m)
	stats, err := rec.Recover()
	if err != nil {
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}
	log.Component("recovery").Info("startup recovery complete").
		Int("total_records", stats.TotalRecords).
		Int("redo_applied", stats.RedoApplied).
		Int("undo_applied", stats.UndoApplied).
		Int("freed_pages", stats.FreedPages).
		Send()

	return e, nil
}

// Shutdown flushes every table and closes the log (§6: shutdown_db).
func (e *Engine) Shutdown() error {
	if err := e.mgr.Shutdown(); err != nil {
		return fmt.Errorf("engine: shutdown buffer pool: %w", err)
	}
	return e.wal.Close()
}

// Metrics renders the engine's Prometheus series in text exposition format
// (§2.2 — polled in-process, never served over the network).
func (e *Engine) Metrics() ([]byte, error) {
	return e.metrics.Gather()
}

// OpenTable opens path (resolved against cfg.TableDir if relative) in an
// unused table slot (§6: open_table).
func (e *Engine) OpenTable(path string) (int, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cfg.TableDir, path)
	}
	return e.openTableInternal(path)
}

func (e *Engine) openTableInternal(path string) (int, error) {
	id, err := e.mgr.OpenTable(path)
	if err != nil {
		if errors.Is(err, storage.ErrFullTable) {
			return 0, &Error{Op: "open_table", Err: ErrFullTable}
		}
		return 0, err
	}
	tree := btree.New(e.mgr, id, *e.log.GetZerolog())
	tree.SetMetrics(e.metrics)
	e.trees[id] = tree
	e.tablePaths[id] = path
	return id, nil
}

// CloseTable flushes and closes tableID's slot (§6: close_table).
func (e *Engine) CloseTable(tableID int) error {
	if _, ok := e.trees[tableID]; !ok {
		return &Error{Op: "close_table", Table: tableID, Err: ErrTableNotOpen}
	}
	if err := e.mgr.CloseTable(tableID); err != nil {
		return err
	}
	delete(e.trees, tableID)
	delete(e.tablePaths, tableID)
	return nil
}

func (e *Engine) tree(tableID int) (*btree.Tree, error) {
	t, ok := e.trees[tableID]
	if !ok {
		return nil, &Error{Op: "lookup", Table: tableID, Err: ErrTableNotOpen}
	}
	return t, nil
}

// Insert adds (key, value) to tableID (§6: insert).
func (e *Engine) Insert(tableID int, key uint64, value []byte) error {
	start := time.Now()
	tree, err := e.tree(tableID)
	if err != nil {
		return err
	}
	err = tree.Insert(key, value)
	e.log.LogOperation("insert", time.Since(start), err)
	if err != nil {
		if errors.Is(err, btree.ErrDuplicate) {
			k := key
			return &Error{Op: "insert", Table: tableID, Key: &k, Err: ErrDuplicate}
		}
		return err
	}
	return nil
}

// Find returns the value stored for key in tableID (§6: find), without the
// trailing zero bytes that pad it to the 120-byte slot. It never mutates
// observable state (P4) and is deliberately not logged at the engine level,
// unlike every mutating operation.
func (e *Engine) Find(tableID int, key uint64) ([]byte, error) {
	tree, err := e.tree(tableID)
	if err != nil {
		return nil, err
	}
	v, err := tree.Find(key)
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			k := key
			return nil, &Error{Op: "find", Table: tableID, Key: &k, Err: ErrNotFound}
		}
		return nil, err
	}
	return bytes.TrimRight(v, "\x00"), nil
}

// Delete removes key from tableID (§6: delete).
func (e *Engine) Delete(tableID int, key uint64) error {
	start := time.Now()
	tree, err := e.tree(tableID)
	if err != nil {
		return err
	}
	err = tree.Delete(key)
	e.log.LogOperation("delete", time.Since(start), err)
	if err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			k := key
			return &Error{Op: "delete", Table: tableID, Key: &k, Err: ErrNotFound}
		}
		return err
	}
	return nil
}

// Begin starts the single transaction the engine allows at a time (§4.6:
// begin_transaction). A second Begin before Commit/Abort is rejected: the
// single-threaded model (§5) never needs more than one in flight.
func (e *Engine) Begin() error {
	if e.txn != nil {
		return ErrTransactionInProgress
	}
	xid := e.nextXID
	e.nextXID++
	lsn, err := e.wal.Append(wal.Record{Type: wal.Begin, XID: xid})
	if err != nil {
		return fmt.Errorf("engine: append BEGIN record: %w", err)
	}
	e.txn = &transaction{xid: xid, lastLSN: lsn}
	return nil
}

// Update performs an in-place value mutation within the active transaction
// (§4.6: update) — a leaf-record rewrite, not a structural change, logged
// with both before and after images.
func (e *Engine) Update(tableID int, key uint64, value []byte) error {
	start := time.Now()
	err := e.update(tableID, key, value)
	e.log.LogOperation("update", time.Since(start), err)
	return err
}

func (e *Engine) update(tableID int, key uint64, value []byte) error {
	if e.txn == nil {
		return ErrNoActiveTransaction
	}
	tree, err := e.tree(tableID)
	if err != nil {
		return err
	}

	leafAddr, err := tree.FindLeaf(key)
	if err != nil {
		return err
	}
	if leafAddr == 0 {
		k := key
		return &Error{Op: "update", Table: tableID, Key: &k, Err: ErrNotFound}
	}
	leaf, err := tree.LeafAt(leafAddr)
	if err != nil {
		return err
	}
	idx := -1
	for i := 0; i < leaf.NumKeys(); i++ {
		if leaf.LeafKey(i) == key {
			idx = i
			break
		}
	}
	if idx == -1 {
		k := key
		return &Error{Op: "update", Table: tableID, Key: &k, Err: ErrNotFound}
	}

	var oldImage, newImage [wal.ImageSize]byte
	copy(oldImage[:], leaf.LeafValue(idx))
	copy(newImage[:], value)
	offset := leaf.LeafValueOffset(idx)

	rec := wal.Record{
		PrevLSN: e.txn.lastLSN,
		XID:     e.txn.xid,
		Type:    wal.Update,
		TableID: int32(tableID),
		Pnum:    leafAddr / page.Size,
		Offset:  uint32(offset),
		Length:  page.ValueSize,
		OldImage: oldImage,
		NewImage: newImage,
	}
	lsn, err := e.wal.Append(rec)
	if err != nil {
		return fmt.Errorf("engine: append UPDATE record: %w", err)
	}

	leaf.SetLeafValue(idx, value)
	leaf.SetPageLSN(lsn)
	if err := e.mgr.Pool().PutPage(tableID, leafAddr, leaf); err != nil {
		return err
	}

	e.txn.lastLSN = lsn
	e.txn.updates = append(e.txn.updates, pendingUpdate{
		tableID: tableID,
		addr:    leafAddr,
		offset:  uint32(offset),
		length:  page.ValueSize,
		old:     oldImage,
	})
	return nil
}

// Commit appends a COMMIT record and forces the log to stable storage
// before returning (§4.6: commit_transaction — "returns success only after
// the fsync").
func (e *Engine) Commit() error {
	if e.txn == nil {
		return ErrNoActiveTransaction
	}
	rec := wal.Record{Type: wal.Commit, XID: e.txn.xid, PrevLSN: e.txn.lastLSN}
	if _, err := e.wal.Append(rec); err != nil {
		return fmt.Errorf("engine: append COMMIT record: %w", err)
	}
	if err := e.wal.Fsync(); err != nil {
		return fmt.Errorf("engine: fsync COMMIT: %w", err)
	}
	e.txn = nil
	return nil
}

// Abort walks the active transaction's updates backward, restoring each
// old image, appends an ABORT record, and fsyncs (§4.6: abort_transaction).
func (e *Engine) Abort() error {
	if e.txn == nil {
		return ErrNoActiveTransaction
	}
	for i := len(e.txn.updates) - 1; i >= 0; i-- {
		u := e.txn.updates[i]
		pg, err := e.mgr.Pool().GetPage(u.tableID, u.addr)
		if err != nil {
			return err
		}
		copy(pg.Bytes()[u.offset:u.offset+u.length], u.old[:u.length])
		if err := e.mgr.Pool().PutPage(u.tableID, u.addr, pg); err != nil {
			return err
		}
	}

	rec := wal.Record{Type: wal.Abort, XID: e.txn.xid, PrevLSN: e.txn.lastLSN}
	if _, err := e.wal.Append(rec); err != nil {
		return fmt.Errorf("engine: append ABORT record: %w", err)
	}
	if err := e.wal.Fsync(); err != nil {
		return fmt.Errorf("engine: fsync ABORT: %w", err)
	}
	e.txn = nil
	return nil
}

// JoinTable runs the sort-merge equi-join of t1 and t2, writing matching
// rows to resultPath (§6: join_table).
func (e *Engine) JoinTable(t1, t2 int, resultPath string) error {
	start := time.Now()
	tree1, err := e.tree(t1)
	if err != nil {
		return err
	}
	tree2, err := e.tree(t2)
	if err != nil {
		return err
	}
	emitted, err := join.Run(e.mgr, tree1, tree2, resultPath, *e.log.GetZerolog())
	dur := time.Since(start)
	e.metrics.JoinRowsEmittedTotal.Add(float64(emitted))
	e.metrics.JoinDuration.Observe(dur.Seconds())
	e.log.LogOperation("join", dur, err)
	return err
}
