// Package join implements the sort-merge equi-join operator (C10): given
// two open tables, it streams both B+tree leaf chains in key order and
// emits matching rows to a CSV result file.
package join

import (
	"github.com/dkwon/pagestore/pkg/btree"
	"github.com/dkwon/pagestore/pkg/page"
	"github.com/dkwon/pagestore/pkg/storage"
	"github.com/rs/zerolog"
)

// cursor walks one table's leaves in key order, one record at a time,
// following the sibling chain when a leaf is exhausted.
type cursor struct {
	tree *btree.Tree
	addr uint64
	leaf *page.Page
	idx  int
}

func newCursor(tree *btree.Tree, startAddr uint64) (*cursor, error) {
	c := &cursor{tree: tree, addr: startAddr}
	if startAddr == 0 {
		return c, nil
	}
	leaf, err := tree.LeafAt(startAddr)
	if err != nil {
		return nil, err
	}
	c.leaf = leaf
	return c, nil
}

func (c *cursor) done() bool { return c.addr == 0 || c.leaf.NumKeys() == 0 }

func (c *cursor) key() uint64    { return c.leaf.LeafKey(c.idx) }
func (c *cursor) value() []byte  { return c.leaf.LeafValue(c.idx) }

// advance moves to the next record, following sibling at a leaf boundary.
// Reaching sibling 0 after exhausting a leaf ends the cursor (§4.8 step 4).
func (c *cursor) advance() error {
	c.idx++
	if c.idx < c.leaf.NumKeys() {
		return nil
	}
	next := c.leaf.Sibling()
	if next == 0 {
		c.addr = 0
		c.leaf = nil
		return nil
	}
	leaf, err := c.tree.LeafAt(next)
	if err != nil {
		return err
	}
	c.addr = next
	c.leaf = leaf
	c.idx = 0
	return nil
}

// tableRange walks a table's leaf chain end to end to find its minimum and
// maximum key (§4.8 step 1). Returns empty=true for a table with no rows.
func tableRange(tree *btree.Tree) (min, max uint64, empty bool, err error) {
	addr, err := tree.LeftmostLeaf()
	if err != nil {
		return 0, 0, false, err
	}
	if addr == 0 {
		return 0, 0, true, nil
	}
	leaf, err := tree.LeafAt(addr)
	if err != nil {
		return 0, 0, false, err
	}
	if leaf.NumKeys() == 0 {
		return 0, 0, true, nil
	}
	min = leaf.LeafKey(0)

	for {
		sib := leaf.Sibling()
		if sib == 0 {
			break
		}
		leaf, err = tree.LeafAt(sib)
		if err != nil {
			return 0, 0, false, err
		}
		addr = sib
	}
	max = leaf.LeafKey(leaf.NumKeys() - 1)
	return min, max, false, nil
}

// Run performs a sort-merge equi-join of t1 and t2 and writes matching
// rows, one per line, to resultPath as `key1,value1,key2,value2\n`. Input
// uniqueness is guaranteed by the B+tree (duplicate keys are rejected at
// insert), so this is a classic merge over two sorted streams. resultPath
// is created (or truncated) even when no row matches. It returns the number
// of rows emitted.
func Run(mgr *storage.Manager, t1, t2 *btree.Tree, resultPath string, log zerolog.Logger) (int, error) {
	log = log.With().Str("component", "join").Logger()

	sink, err := newWriter(resultPath)
	if err != nil {
		return 0, err
	}
	defer sink.close()

	min1, max1, empty1, err := tableRange(t1)
	if err != nil {
		return 0, err
	}
	min2, max2, empty2, err := tableRange(t2)
	if err != nil {
		return 0, err
	}
	if empty1 || empty2 {
		log.Debug().Msg("join: an input table is empty, nothing to emit")
		return 0, nil
	}
	if max1 < min2 || max2 < min1 {
		log.Debug().Msg("join: key ranges are disjoint, nothing to emit")
		return 0, nil
	}

	globalMin := min1
	if min2 < globalMin {
		globalMin = min2
	}

	leaf1, err := t1.FindLeaf(globalMin)
	if err != nil {
		return 0, err
	}
	leaf2, err := t2.FindLeaf(globalMin)
	if err != nil {
		return 0, err
	}
	c1, err := newCursor(t1, leaf1)
	if err != nil {
		return 0, err
	}
	c2, err := newCursor(t2, leaf2)
	if err != nil {
		return 0, err
	}

	pool := mgr.Pool()
	pool.SetOutputSink(sink)

	out := page.New()
	slots := 0
	emitted := 0

	flush := func() error {
		if slots == 0 {
			return nil
		}
		if err := pool.PutOutputRow(out, slots); err != nil {
			return err
		}
		if err := pool.FlushOutput(); err != nil {
			return err
		}
		out = page.New()
		slots = 0
		return nil
	}

	for !c1.done() && !c2.done() {
		k1, k2 := c1.key(), c2.key()
		switch {
		case k1 == k2:
			out.SetOutputSlot(slots, k1, c1.value(), k2, c2.value())
			slots++
			emitted++
			if slots == page.OutputSlots {
				if err := flush(); err != nil {
					return emitted, err
				}
			}
			if err := c1.advance(); err != nil {
				return emitted, err
			}
			if err := c2.advance(); err != nil {
				return emitted, err
			}
		case k1 < k2:
			if err := c1.advance(); err != nil {
				return emitted, err
			}
		default:
			if err := c2.advance(); err != nil {
				return emitted, err
			}
		}
	}

	if err := flush(); err != nil {
		return emitted, err
	}
	log.Debug().Int("rows_emitted", emitted).Msg("join complete")
	return emitted, nil
}
