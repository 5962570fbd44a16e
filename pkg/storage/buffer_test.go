package storage

import (
	"fmt"
	"testing"

	"github.com/dkwon/pagestore/pkg/page"
	"github.com/rs/zerolog"
)

// memSource is an in-memory BlockSource used to exercise the buffer pool's
// eviction and write-back logic without touching a real file.
type memSource struct {
	pages map[int]map[uint64]page.Page
	reads int
	writes int
}

func newMemSource() *memSource {
	return &memSource{pages: make(map[int]map[uint64]page.Page)}
}

func (m *memSource) ReadBlock(tableID int, offset uint64) (*page.Page, error) {
	m.reads++
	tbl, ok := m.pages[tableID]
	if !ok {
		return page.New(), nil
	}
	p, ok := tbl[offset]
	if !ok {
		return page.New(), nil
	}
	cp := p
	return &cp, nil
}

func (m *memSource) WriteBlock(tableID int, offset uint64, p *page.Page) error {
	m.writes++
	tbl, ok := m.pages[tableID]
	if !ok {
		tbl = make(map[uint64]page.Page)
		m.pages[tableID] = tbl
	}
	tbl[offset] = *p
	return nil
}

type memSink struct {
	flushed [][]byte
}

func (m *memSink) FlushOutput(p *page.Page, slots int) error {
	for i := 0; i < slots; i++ {
		k1, _, k2, _ := p.OutputSlot(i)
		m.flushed = append(m.flushed, []byte(fmt.Sprintf("%d,%d", k1, k2)))
	}
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestPoolGetPageMissLoadsFromSource(t *testing.T) {
	src := newMemSource()
	src.WriteBlock(1, 0, func() *page.Page {
		p := page.New()
		p.SetRootOffset(99)
		return p
	}())

	pool, err := NewPool(4, src, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	p, err := pool.GetPage(1, 0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if p.RootOffset() != 99 {
		t.Fatalf("RootOffset() = %d, want 99", p.RootOffset())
	}
	if src.reads != 1 {
		t.Fatalf("expected exactly one disk read, got %d", src.reads)
	}

	if _, err := pool.GetPage(1, 0); err != nil {
		t.Fatalf("GetPage (hit): %v", err)
	}
	if src.reads != 1 {
		t.Fatalf("expected cache hit to avoid a second disk read, got %d reads", src.reads)
	}
}

func TestPoolPutPageMarksDirtyAndFlushesOnEviction(t *testing.T) {
	src := newMemSource()
	pool, err := NewPool(1, src, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	p := page.New()
	p.SetRootOffset(7)
	if err := pool.PutPage(2, 0, p); err != nil {
		t.Fatalf("PutPage: %v", err)
	}

	// Force eviction of the only frame by touching a second page.
	if _, err := pool.GetPage(2, page.Size); err != nil {
		t.Fatalf("GetPage: %v", err)
	}

	if src.writes != 1 {
		t.Fatalf("expected dirty frame to be written back on eviction, got %d writes", src.writes)
	}
	got, err := src.ReadBlock(2, 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got.RootOffset() != 7 {
		t.Fatalf("RootOffset() = %d, want 7", got.RootOffset())
	}
}

func TestPoolClockSweepSparesReferencedFrames(t *testing.T) {
	src := newMemSource()
	pool, err := NewPool(2, src, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	if _, err := pool.GetPage(1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.GetPage(1, page.Size); err != nil {
		t.Fatal(err)
	}

	// Clear the second frame's reference bit directly, simulating it
	// having survived one prior sweep pass untouched while the first
	// frame keeps its bit set.
	idx1 := pool.find(1, page.Size)
	pool.frames[idx1].ref = false

	// A third distinct page forces an eviction; the clock hand should
	// pass over the still-referenced first frame and take the
	// unreferenced second one.
	if _, err := pool.GetPage(1, 2*page.Size); err != nil {
		t.Fatal(err)
	}

	if idx := pool.find(1, 0); idx < 0 {
		t.Fatal("expected the still-referenced frame to survive the sweep")
	}
	if idx := pool.find(1, page.Size); idx >= 0 {
		t.Fatal("expected the unreferenced frame to be evicted")
	}
}

func TestPoolOutputFrameFlushesAsCSVInsteadOfDisk(t *testing.T) {
	src := newMemSource()
	sink := &memSink{}
	pool, err := NewPool(1, src, sink, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	p, err := pool.GetPage(OutputTable, 0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	p.SetOutputSlot(0, 10, []byte("a"), 20, []byte("b"))
	if err := pool.PutOutputRow(p, 1); err != nil {
		t.Fatalf("PutOutputRow: %v", err)
	}

	if err := pool.FlushOutput(); err != nil {
		t.Fatalf("FlushOutput: %v", err)
	}
	if len(sink.flushed) != 1 {
		t.Fatalf("expected one flushed row, got %d", len(sink.flushed))
	}
	if src.writes != 0 {
		t.Fatalf("expected output eviction to never call the block writer, got %d writes", src.writes)
	}
}

func TestPoolFlushAllEvictsOnlyNamedTable(t *testing.T) {
	src := newMemSource()
	pool, err := NewPool(4, src, nil, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.PutPage(1, 0, page.New()); err != nil {
		t.Fatal(err)
	}
	if err := pool.PutPage(2, 0, page.New()); err != nil {
		t.Fatal(err)
	}

	if err := pool.FlushAll(1); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if idx := pool.find(1, 0); idx >= 0 {
		t.Fatal("expected table 1's frame to be evicted")
	}
	if idx := pool.find(2, 0); idx < 0 {
		t.Fatal("expected table 2's frame to remain cached")
	}
}
