package storage

import (
	"fmt"

	"github.com/dkwon/pagestore/internal/metrics"
	"github.com/dkwon/pagestore/pkg/page"
	"github.com/rs/zerolog"
)

// MaxTables is the table manager's slot cap (§4.5: "at most 10 open-table
// slots").
const MaxTables = 10

type tableSlot struct {
	open bool
	path string
	file *diskFile
}

// Manager is the table manager (C6) and free-page allocator (C3). It owns
// every table's file handle and is the sole BlockSource the buffer pool
// reads from and writes through.
type Manager struct {
	slots   [MaxTables + 1]tableSlot // 1-indexed; slot 0 unused
	pool    *Pool
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// SetMetrics installs the engine's metrics registry on the manager and its
// buffer pool. Left unset, both run uninstrumented.
func (m *Manager) SetMetrics(mm *metrics.Metrics) {
	m.metrics = mm
	m.pool.SetMetrics(mm)
}

// SetLogForcer installs the write-ahead log on the buffer pool so a dirty
// page's writeback can never outrun the WAL record that produced its
// page_lsn (spec.md line 191). Left unset, the pool never forces the log.
func (m *Manager) SetLogForcer(lf LogForcer) {
	m.pool.SetLogForcer(lf)
}

// NewManager opens a buffer pool of n frames over an as-yet-empty table set.
func NewManager(n int, log zerolog.Logger) (*Manager, error) {
	m := &Manager{log: log.With().Str("component", "table_manager").Logger()}
	pool, err := NewPool(n, m, nil, m.log)
	if err != nil {
		return nil, err
	}
	m.pool = pool
	return m, nil
}

// Pool exposes the shared buffer pool so other packages (btree, join) can
// read and write pages through it.
func (m *Manager) Pool() *Pool { return m.pool }

// OpenTable opens path in an unused slot, initializing a fresh header page
// if the file is empty, and returns its table id (§4.5).
func (m *Manager) OpenTable(path string) (int, error) {
	id := 0
	for i := 1; i <= MaxTables; i++ {
		if !m.slots[i].open {
			id = i
			break
		}
	}
	if id == 0 {
		return 0, ErrFullTable
	}

	f, err := openDiskFile(path)
	if err != nil {
		return 0, err
	}
	size, err := f.size()
	if err != nil {
		return 0, err
	}

	m.slots[id] = tableSlot{open: true, path: path, file: f}

	if size == 0 {
		header := page.New()
		header.SetFreeHead(0)
		header.SetRootOffset(0)
		header.SetNumPages(1)
		if err := m.pool.PutPage(id, 0, header); err != nil {
			return 0, err
		}
		if err := m.pool.FlushAll(id); err != nil {
			return 0, err
		}
		m.log.Info().Int("table", id).Str("path", path).Msg("initialized new table file")
	}
	return id, nil
}

// CloseTable flushes every buffer frame owned by tableID and closes its
// file handle (§4.5).
func (m *Manager) CloseTable(tableID int) error {
	if err := m.checkOpen(tableID); err != nil {
		return err
	}
	if err := m.pool.FlushAll(tableID); err != nil {
		return err
	}
	slot := &m.slots[tableID]
	if err := slot.file.fsync(); err != nil {
		return err
	}
	if err := slot.file.close(); err != nil {
		return err
	}
	*slot = tableSlot{}
	return nil
}

// Shutdown flushes the whole pool and closes every open table file
// (§4.5: shutdown_db).
func (m *Manager) Shutdown() error {
	if err := m.pool.Shutdown(); err != nil {
		return err
	}
	for i := 1; i <= MaxTables; i++ {
		if !m.slots[i].open {
			continue
		}
		if err := m.slots[i].file.fsync(); err != nil {
			return err
		}
		if err := m.slots[i].file.close(); err != nil {
			return err
		}
		m.slots[i] = tableSlot{}
	}
	return nil
}

func (m *Manager) checkOpen(tableID int) error {
	if tableID < 1 || tableID > MaxTables || !m.slots[tableID].open {
		return fmt.Errorf("%w: table %d", ErrTableNotOpen, tableID)
	}
	return nil
}

// ReadBlock and WriteBlock implement BlockSource: the pool's only path to
// raw disk I/O.
func (m *Manager) ReadBlock(tableID int, offset uint64) (*page.Page, error) {
	if err := m.checkOpen(tableID); err != nil {
		return nil, err
	}
	return m.slots[tableID].file.readBlock(offset)
}

func (m *Manager) WriteBlock(tableID int, offset uint64, p *page.Page) error {
	if err := m.checkOpen(tableID); err != nil {
		return err
	}
	return m.slots[tableID].file.writeBlock(offset, p)
}

// --- Free-list allocator (C3) ---

// Allocate draws a page from tableID's free list, growing the file first if
// the list is empty (§4.2). The returned page is zeroed; callers fill in
// node content and write it back with Pool().PutPage.
func (m *Manager) Allocate(tableID int) (uint64, *page.Page, error) {
	header, err := m.pool.GetPage(tableID, 0)
	if err != nil {
		return 0, nil, err
	}

	if header.FreeHead() == 0 {
		if err := m.grow(tableID, header); err != nil {
			return 0, nil, err
		}
		header, err = m.pool.GetPage(tableID, 0)
		if err != nil {
			return 0, nil, err
		}
	}

	addr := header.FreeHead()
	freePage, err := m.pool.GetPage(tableID, addr)
	if err != nil {
		return 0, nil, err
	}
	header.SetFreeHead(freePage.FreeNext())
	if err := m.pool.PutPage(tableID, 0, header); err != nil {
		return 0, nil, err
	}

	if m.metrics != nil {
		m.metrics.PagesAllocatedTotal.Inc()
	}
	return addr, page.New(), nil
}

// Release returns addr to tableID's free list (§4.2).
func (m *Manager) Release(tableID int, addr uint64) error {
	header, err := m.pool.GetPage(tableID, 0)
	if err != nil {
		return err
	}
	freePage := page.New()
	freePage.SetFreeNext(header.FreeHead())
	if err := m.pool.PutPage(tableID, addr, freePage); err != nil {
		return err
	}
	header.SetFreeHead(addr)
	if err := m.pool.PutPage(tableID, 0, header); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.PagesReleasedTotal.Inc()
	}
	return nil
}

// grow appends G zeroed free pages to the file and relinks free_head to the
// new chain (§4.2: "the last appended page becomes the new free_head, with
// older appended pages chained before it"). G doubles the current page
// count, same growth policy as the original allocator.
func (m *Manager) grow(tableID int, header *page.Page) error {
	numPages := header.NumPages()
	g := numPages
	if g == 0 {
		g = 1
	}
	newNumPages := numPages + g

	for idx := numPages; idx < newNumPages; idx++ {
		next := uint64(0)
		if idx > numPages {
			next = (idx - 1) * page.Size
		}
		fp := page.New()
		fp.SetFreeNext(next)
		if err := m.pool.PutPage(tableID, idx*page.Size, fp); err != nil {
			return err
		}
	}

	header.SetNumPages(newNumPages)
	header.SetFreeHead((newNumPages - 1) * page.Size)
	if err := m.pool.PutPage(tableID, 0, header); err != nil {
		return err
	}
	m.log.Debug().Int("table", tableID).Uint64("grew_by", g).Uint64("num_pages", newNumPages).Msg("grew table file")
	return nil
}
