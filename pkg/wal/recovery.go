package wal

import (
	"errors"

	"github.com/dkwon/pagestore/internal/metrics"
	"github.com/dkwon/pagestore/pkg/page"
	"github.com/dkwon/pagestore/pkg/storage"
	"github.com/rs/zerolog"
)

// Stats reports what a recovery run actually did, for logging/metrics.
type Stats struct {
	TotalRecords  int
	CommittedTxns int
	InFlightTxns  int
	RedoApplied   int
	UndoApplied   int
	FreedPages    int
}

// Recovery runs the startup recovery procedure (§4.7) against an already
// opened set of tables.
type Recovery struct {
	log     *Log
	mgr     *storage.Manager
	lg      zerolog.Logger
	metrics *metrics.Metrics
}

// NewRecovery creates a recovery manager over log and mgr. mgr's tables
// must already be open under the same table ids they held before the
// crash: log records address pages by (table_id, pnum), not by path, so
// the caller is responsible for reopening tables in a stable order.
func NewRecovery(log *Log, mgr *storage.Manager, lg zerolog.Logger) *Recovery {
	return &Recovery{log: log, mgr: mgr, lg: lg.With().Str("component", "recovery").Logger()}
}

// SetMetrics installs the engine's metrics registry. Left unset, recovery
// runs uninstrumented.
func (r *Recovery) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Recover runs the analysis, redo, and undo passes, then sweeps for
// orphaned pages, fsyncs the log, and writes every dirty frame back to its
// table file (§4.7 steps 1-4). The table files themselves are not fsynced.
func (r *Recovery) Recover() (Stats, error) {
	var stats Stats

	records, err := r.log.ReadAll()
	if err != nil {
		return stats, err
	}
	stats.TotalRecords = len(records)

	byLSN := make(map[uint64]Record, len(records))
	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	began := make(map[uint64]bool)
	lastOf := make(map[uint64]Record) // last record seen per xid, for undo's backward walk

	for _, rec := range records {
		byLSN[rec.LSN] = rec
		switch rec.Type {
		case Begin:
			began[rec.XID] = true
		case Commit:
			committed[rec.XID] = true
		case Abort:
			aborted[rec.XID] = true
		}
		lastOf[rec.XID] = rec
	}

	var inFlight []uint64
	for xid := range began {
		if !committed[xid] && !aborted[xid] {
			inFlight = append(inFlight, xid)
		}
	}
	stats.CommittedTxns = len(committed)
	stats.InFlightTxns = len(inFlight)

	// Redo pass: every UPDATE record, regardless of its transaction's
	// outcome (§4.7 step 2 — redo is unconditional; undo below unwinds
	// whatever an in-flight transaction shouldn't have kept).
	for _, rec := range records {
		if rec.Type != Update {
			continue
		}
		applied, err := r.applyIfStale(rec, rec.NewImage[:rec.Length], rec.LSN)
		if err != nil {
			return stats, err
		}
		if applied {
			stats.RedoApplied++
		}
	}

	// Undo pass: walk each in-flight transaction's chain backward from its
	// last record, applying old images unconditionally (§4.7 step 3).
	for _, xid := range inFlight {
		rec, ok := lastOf[xid]
		for ok && rec.Type != Begin {
			if rec.Type == Update {
				if err := r.applyUnconditional(rec, rec.OldImage[:rec.Length]); err != nil {
					return stats, err
				}
				stats.UndoApplied++
			}
			rec, ok = byLSN[rec.PrevLSN]
		}

		abortRec := Record{XID: xid, Type: Abort, PrevLSN: lastOf[xid].LSN}
		if _, err := r.log.Append(abortRec); err != nil {
			return stats, err
		}
	}

	freed, err := r.rebuildFreeLists()
	if err != nil {
		return stats, err
	}
	stats.FreedPages = freed

	if r.metrics != nil {
		r.metrics.WalRecoveryRecordsTotal.WithLabelValues("redo").Add(float64(stats.RedoApplied))
		r.metrics.WalRecoveryRecordsTotal.WithLabelValues("undo").Add(float64(stats.UndoApplied))
	}

	if err := r.log.Fsync(); err != nil {
		return stats, err
	}
	for id := 1; id <= storage.MaxTables; id++ {
		if err := r.mgr.Pool().FlushAll(id); err != nil && !errors.Is(err, storage.ErrTableNotOpen) {
			return stats, err
		}
	}

	r.lg.Info().
		Int("total_records", stats.TotalRecords).
		Int("committed", stats.CommittedTxns).
		Int("in_flight", stats.InFlightTxns).
		Int("redo", stats.RedoApplied).
		Int("undo", stats.UndoApplied).
		Int("freed_pages", stats.FreedPages).
		Msg("recovery complete")
	return stats, nil
}

// applyIfStale applies image at the record's offset only if the target
// page's page_lsn predates the record (redo's idempotence check).
func (r *Recovery) applyIfStale(rec Record, image []byte, lsn uint64) (bool, error) {
	addr := rec.Pnum * page.Size
	pg, err := r.mgr.Pool().GetPage(int(rec.TableID), addr)
	if err != nil {
		return false, err
	}
	if pg.PageLSN() >= lsn {
		return false, nil
	}
	copy(pg.Bytes()[rec.Offset:rec.Offset+rec.Length], image)
	pg.SetPageLSN(lsn)
	return true, r.mgr.Pool().PutPage(int(rec.TableID), addr, pg)
}

// applyUnconditional applies image at the record's offset regardless of
// the target page's current page_lsn (undo, §4.7 step 3).
func (r *Recovery) applyUnconditional(rec Record, image []byte) error {
	addr := rec.Pnum * page.Size
	pg, err := r.mgr.Pool().GetPage(int(rec.TableID), addr)
	if err != nil {
		return err
	}
	copy(pg.Bytes()[rec.Offset:rec.Offset+rec.Length], image)
	return r.mgr.Pool().PutPage(int(rec.TableID), addr, pg)
}

// rebuildFreeLists resolves the "free-list reclamation" Open Question
// (SPEC_FULL.md §4, option b): rather than adding new WAL record types for
// allocator operations, it re-derives each table's free list from scratch
// by sweeping every page reachable from the tree root and re-releasing
// whatever is neither reachable nor already on the free chain. This
// recovers pages a crash mid-split/mid-coalesce could otherwise leak
// forever.
func (r *Recovery) rebuildFreeLists() (int, error) {
	freed := 0
	for id := 1; id <= storage.MaxTables; id++ {
		n, err := r.rebuildFreeList(id)
		if err != nil {
			if errors.Is(err, storage.ErrTableNotOpen) {
				continue
			}
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

func (r *Recovery) rebuildFreeList(tableID int) (int, error) {
	pool := r.mgr.Pool()
	header, err := pool.GetPage(tableID, 0)
	if err != nil {
		return 0, err
	}

	reached := map[uint64]bool{0: true}

	if root := header.RootOffset(); root != 0 {
		queue := []uint64{root}
		for len(queue) > 0 {
			addr := queue[0]
			queue = queue[1:]
			if reached[addr] {
				continue
			}
			reached[addr] = true

			node, err := pool.GetPage(tableID, addr)
			if err != nil {
				return 0, err
			}
			if !node.IsLeaf() {
				for i := 0; i <= node.NumKeys(); i++ {
					queue = append(queue, node.ChildAt(i))
				}
			}
		}
	}

	for addr := header.FreeHead(); addr != 0; {
		if reached[addr] {
			break // already-seen cycle would be a corrupt free list; invariant violation, not recovery's job
		}
		reached[addr] = true
		fp, err := pool.GetPage(tableID, addr)
		if err != nil {
			return 0, err
		}
		addr = fp.FreeNext()
	}

	freed := 0
	numPages := header.NumPages()
	for pnum := uint64(1); pnum < numPages; pnum++ {
		addr := pnum * page.Size
		if reached[addr] {
			continue
		}
		if err := r.mgr.Release(tableID, addr); err != nil {
			return freed, err
		}
		freed++
		r.lg.Warn().Int("table", tableID).Uint64("page", addr).Msg("reclaimed orphaned page during recovery sweep")
	}
	return freed, nil
}
