package storage

import (
	"fmt"

	"github.com/dkwon/pagestore/internal/metrics"
	"github.com/dkwon/pagestore/pkg/page"
	"github.com/rs/zerolog"
)

// OutputTable is the sentinel table id reserved for the join operator's
// output page (§4.3/§4.8: "table_id = OUTPUT").
const OutputTable = -1

// frame is one slot of the buffer pool.
type frame struct {
	data    page.Page
	tableID int
	offset  uint64
	dirty   bool
	ref     bool
	used    bool

	// outputSlots tracks how many result rows are currently buffered in
	// this frame when tableID == OutputTable. The on-disk page formats
	// carry no slot count of their own for the output page, so the pool
	// tracks it alongside the frame instead of inside the 4096 bytes.
	outputSlots int
}

// BlockSource reads and writes whole blocks for a table on a cache miss or
// dirty eviction. The buffer pool calls this; it never touches a table's
// *os.File directly.
type BlockSource interface {
	ReadBlock(tableID int, offset uint64) (*page.Page, error)
	WriteBlock(tableID int, offset uint64, p *page.Page) error
}

// OutputSink receives the live rows of an evicted or flushed output frame,
// rendered as CSV lines, in place of a disk write. Implemented by the join
// operator, which is the only caller that ever populates an OutputTable
// frame.
type OutputSink interface {
	FlushOutput(p *page.Page, slots int) error
}

// LogForcer lets the buffer pool honor the write-ahead ordering contract
// (spec.md line 191): a dirty page may not reach the data file until every
// WAL record up to its page_lsn is durable. Implemented by *wal.Log.
type LogForcer interface {
	Fsync() error
	DurableLSN() uint64
}

// Pool is the fixed-size buffer pool (C4): clock-sweep replacement over a
// flat array of frames, keyed by (table_id, offset).
type Pool struct {
	frames    []frame
	hand      int
	source    BlockSource
	sink      OutputSink
	logForcer LogForcer
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// SetMetrics installs the engine's metrics registry. Left unset, the pool
// runs uninstrumented, which is how every existing test constructs it.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// SetLogForcer installs the write-ahead log the pool must force ahead of a
// dirty writeback whose page_lsn it hasn't covered yet. Left unset (as every
// pre-transaction test constructs the pool), writeBack never forces anything
// — those same tests never set a page_lsn in the first place, so there is
// nothing the ordering contract needs to protect.
func (p *Pool) SetLogForcer(lf LogForcer) {
	p.logForcer = lf
}

// NewPool allocates a pool of n frames.
func NewPool(n int, source BlockSource, sink OutputSink, log zerolog.Logger) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("storage: buffer pool needs at least one frame, got %d", n)
	}
	return &Pool{
		frames: make([]frame, n),
		source: source,
		sink:   sink,
		log:    log.With().Str("component", "buffer_pool").Logger(),
	}, nil
}

// SetOutputSink installs the join operator's CSV writer as the output-page
// sink. The table manager constructs the pool before any join runs, so the
// sink is wired in lazily rather than at NewPool time.
func (p *Pool) SetOutputSink(sink OutputSink) {
	p.sink = sink
}

// GetPage returns a copy of the page at (tableID, offset), loading it from
// disk on a miss. The returned page is a detached copy: callers that mutate
// it must write it back with PutPage before any other access to the same
// page, per the pool's per-call consistency contract (§4.3).
func (p *Pool) GetPage(tableID int, offset uint64) (*page.Page, error) {
	if idx := p.find(tableID, offset); idx >= 0 {
		p.frames[idx].ref = true
		if p.metrics != nil {
			p.metrics.BufferHitsTotal.Inc()
		}
		cp := p.frames[idx].data
		return &cp, nil
	}
	if p.metrics != nil {
		p.metrics.BufferMissesTotal.Inc()
	}

	idx, err := p.replace()
	if err != nil {
		return nil, err
	}
	f := &p.frames[idx]

	if tableID == OutputTable {
		f.data = page.Page{}
		f.outputSlots = 0
	} else {
		data, err := p.source.ReadBlock(tableID, offset)
		if err != nil {
			return nil, err
		}
		f.data = *data
		if p.metrics != nil {
			p.metrics.PagesReadTotal.Inc()
		}
	}
	f.tableID = tableID
	f.offset = offset
	f.used = true
	f.dirty = false
	f.ref = true

	cp := f.data
	return &cp, nil
}

// PutPage writes p back into the frame for (tableID, offset) and marks it
// dirty, combining the spec's separate get_page/mark_dirty steps into one
// call: the handle the caller holds is already a detached copy, so there is
// nothing to "mark" in place until it is handed back.
func (p *Pool) PutPage(tableID int, offset uint64, pg *page.Page) error {
	idx := p.find(tableID, offset)
	if idx < 0 {
		var err error
		idx, err = p.replace()
		if err != nil {
			return err
		}
		f := &p.frames[idx]
		f.tableID = tableID
		f.offset = offset
		f.used = true
	}
	f := &p.frames[idx]
	f.data = *pg
	f.dirty = true
	f.ref = true
	return nil
}

// PutOutputRow writes the output page back with its current slot count, for
// frames keyed by OutputTable where the slot count is part of the frame's
// observable state, not the 4096-byte page payload.
func (p *Pool) PutOutputRow(pg *page.Page, slots int) error {
	idx := p.find(OutputTable, 0)
	if idx < 0 {
		var err error
		idx, err = p.replace()
		if err != nil {
			return err
		}
		f := &p.frames[idx]
		f.tableID = OutputTable
		f.offset = 0
		f.used = true
	}
	f := &p.frames[idx]
	f.data = *pg
	f.outputSlots = slots
	f.dirty = true
	f.ref = true
	return nil
}

// FlushOutput forces the output frame, if present, to flush its buffered
// rows to the sink immediately and resets it to empty, independent of
// eviction. The join operator uses this when the page fills to 16 rows and
// once more at end of join for any partial page.
func (p *Pool) FlushOutput() error {
	idx := p.find(OutputTable, 0)
	if idx < 0 {
		return nil
	}
	f := &p.frames[idx]
	if f.outputSlots > 0 {
		if err := p.sink.FlushOutput(&f.data, f.outputSlots); err != nil {
			return err
		}
	}
	f.data = page.Page{}
	f.outputSlots = 0
	f.dirty = false
	return nil
}

func (p *Pool) find(tableID int, offset uint64) int {
	for i := range p.frames {
		f := &p.frames[i]
		if f.used && f.tableID == tableID && f.offset == offset {
			return i
		}
	}
	return -1
}

// replace runs the clock sweep described in §4.3: a used, reference-clear
// frame is evicted (written back first if dirty); a used, reference-set
// frame has its bit cleared and is skipped; an unused frame is taken
// immediately. The sweep always terminates because every full pass clears
// at least one reference bit (unless frames are already all unreferenced).
func (p *Pool) replace() (int, error) {
	n := len(p.frames)
	for {
		for i := 0; i < n; i++ {
			idx := p.hand
			p.hand = (p.hand + 1) % n
			f := &p.frames[idx]

			if !f.used {
				return idx, nil
			}
			if f.ref {
				f.ref = false
				continue
			}
			if err := p.writeBack(f); err != nil {
				return 0, err
			}
			if p.metrics != nil {
				p.metrics.BufferEvictionsTotal.Inc()
			}
			*f = frame{}
			return idx, nil
		}
	}
}

func (p *Pool) writeBack(f *frame) error {
	if !f.dirty {
		return nil
	}
	if f.tableID == OutputTable {
		if f.outputSlots == 0 {
			return nil
		}
		return p.sink.FlushOutput(&f.data, f.outputSlots)
	}
	// Write-ahead rule (spec.md line 191): this page may not hit the data
	// file before the log record that produced its page_lsn is durable, so
	// a dirty page evicted mid-transaction can't race ahead of its own WAL
	// record onto disk.
	if p.logForcer != nil && f.data.PageLSN() > p.logForcer.DurableLSN() {
		if err := p.logForcer.Fsync(); err != nil {
			return err
		}
	}
	if err := p.source.WriteBlock(f.tableID, f.offset, &f.data); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.BufferWritebacksTotal.Inc()
		p.metrics.PagesWrittenTotal.Inc()
	}
	p.log.Debug().Int("table", f.tableID).Uint64("offset", f.offset).Msg("wrote back dirty frame")
	return nil
}

// FlushAll writes back every dirty frame belonging to tableID and evicts
// them (§4.3: flush_all).
func (p *Pool) FlushAll(tableID int) error {
	for i := range p.frames {
		f := &p.frames[i]
		if !f.used || f.tableID != tableID {
			continue
		}
		if err := p.writeBack(f); err != nil {
			return err
		}
		*f = frame{}
	}
	return nil
}

// Shutdown flushes every dirty frame in the pool and clears it (§4.3:
// shutdown).
func (p *Pool) Shutdown() error {
	for i := range p.frames {
		f := &p.frames[i]
		if !f.used {
			continue
		}
		if err := p.writeBack(f); err != nil {
			return err
		}
		*f = frame{}
	}
	return nil
}
