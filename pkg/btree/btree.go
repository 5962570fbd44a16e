// Package btree implements the fixed-fanout, in-place-mutated B+tree index
// (C5): search, insertion with split and upward promotion, and deletion
// with coalesce/redistribute rebalancing. Every node access goes through
// the shared buffer pool, so a page handle is a detached copy — touching
// the same page twice within one operation means fetching it twice.
package btree

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dkwon/pagestore/internal/metrics"
	"github.com/dkwon/pagestore/pkg/page"
	"github.com/dkwon/pagestore/pkg/storage"
	"github.com/rs/zerolog"
)

// Tree is a single table's B+tree index, addressed by table id within a
// shared Manager/Pool.
type Tree struct {
	mgr      *storage.Manager
	tableID  int
	log      zerolog.Logger
	metrics  *metrics.Metrics
	tableTag string
}

// New wraps an already-open table as a B+tree index.
func New(mgr *storage.Manager, tableID int, log zerolog.Logger) *Tree {
	return &Tree{
		mgr:      mgr,
		tableID:  tableID,
		log:      log.With().Int("table", tableID).Str("component", "btree").Logger(),
		tableTag: strconv.Itoa(tableID),
	}
}

// SetMetrics installs the engine's metrics registry. Left unset, the tree
// runs uninstrumented.
func (t *Tree) SetMetrics(m *metrics.Metrics) {
	t.metrics = m
}

func (t *Tree) recordOp(operation string, start time.Time) {
	if t.metrics != nil {
		t.metrics.RecordTreeOp(operation, t.tableTag, time.Since(start))
	}
}

func (t *Tree) get(addr uint64) (*page.Page, error) {
	return t.mgr.Pool().GetPage(t.tableID, addr)
}

func (t *Tree) put(addr uint64, p *page.Page) error {
	return t.mgr.Pool().PutPage(t.tableID, addr, p)
}

func (t *Tree) rootOffset() (uint64, error) {
	h, err := t.get(0)
	if err != nil {
		return 0, err
	}
	return h.RootOffset(), nil
}

func (t *Tree) setRootOffset(v uint64) error {
	h, err := t.get(0)
	if err != nil {
		return err
	}
	h.SetRootOffset(v)
	return t.put(0, h)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func leafMin() int     { return ceilDiv(page.LeafMaxRecords, 2) }
func internalMin() int { return ceilDiv(page.InternalOrder, 2) - 1 }

// --- Search ---

// findLeaf walks from the root to the leaf that would hold key, returning
// 0 if the tree is empty.
func (t *Tree) findLeaf(key uint64) (uint64, error) {
	root, err := t.rootOffset()
	if err != nil {
		return 0, err
	}
	if root == 0 {
		return 0, nil
	}
	cur := root
	for {
		node, err := t.get(cur)
		if err != nil {
			return 0, err
		}
		if node.IsLeaf() {
			return cur, nil
		}
		n := node.NumKeys()
		i := 0
		for i < n && key >= node.KeyAt(i+1) {
			i++
		}
		cur = node.ChildAt(i)
	}
}

// Find returns the value stored for key, or ErrNotFound.
func (t *Tree) Find(key uint64) ([]byte, error) {
	defer t.recordOp("find", time.Now())
	leafAddr, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	if leafAddr == 0 {
		return nil, ErrNotFound
	}
	leaf, err := t.get(leafAddr)
	if err != nil {
		return nil, err
	}
	for i := 0; i < leaf.NumKeys(); i++ {
		if leaf.LeafKey(i) == key {
			v := leaf.LeafValue(i)
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}
	}
	return nil, ErrNotFound
}

// FindLeaf returns the offset of the leaf that would hold key, or 0 for an
// empty tree. Used by the join operator (§4.8 step 3) to position a cursor
// on the leaf covering the smaller of the two tables' minimum keys.
func (t *Tree) FindLeaf(key uint64) (uint64, error) {
	return t.findLeaf(key)
}

// LeafAt returns the leaf page at addr, for callers (the join operator)
// that walk the sibling chain directly once positioned by FindLeaf/
// LeftmostLeaf.
func (t *Tree) LeafAt(addr uint64) (*page.Page, error) {
	return t.get(addr)
}

// LeftmostLeaf returns the offset of the first leaf in key order, or 0 for
// an empty tree. Used by the join operator to start its sibling-chain scan.
func (t *Tree) LeftmostLeaf() (uint64, error) {
	root, err := t.rootOffset()
	if err != nil {
		return 0, err
	}
	if root == 0 {
		return 0, nil
	}
	cur := root
	for {
		node, err := t.get(cur)
		if err != nil {
			return 0, err
		}
		if node.IsLeaf() {
			return cur, nil
		}
		cur = node.ChildAt(0)
	}
}

// --- Insertion ---

type kv struct {
	key uint64
	val []byte
}

// Insert adds (key, value), returning ErrDuplicate on collision.
func (t *Tree) Insert(key uint64, value []byte) error {
	defer t.recordOp("insert", time.Now())
	if _, err := t.Find(key); err == nil {
		return ErrDuplicate
	} else if err != ErrNotFound {
		return err
	}

	root, err := t.rootOffset()
	if err != nil {
		return err
	}
	if root == 0 {
		addr, leaf, err := t.mgr.Allocate(t.tableID)
		if err != nil {
			return err
		}
		leaf.SetLeaf(true)
		leaf.SetNumKeys(1)
		leaf.SetLeafRecord(0, key, value)
		leaf.SetParent(0)
		leaf.SetSibling(0)
		if err := t.put(addr, leaf); err != nil {
			return err
		}
		return t.setRootOffset(addr)
	}

	leafAddr, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	leaf, err := t.get(leafAddr)
	if err != nil {
		return err
	}
	n := leaf.NumKeys()

	if n < page.LeafMaxRecords {
		i := 0
		for i < n && leaf.LeafKey(i) < key {
			i++
		}
		for j := n; j > i; j-- {
			leaf.SetLeafRecord(j, leaf.LeafKey(j-1), leaf.LeafValue(j-1))
		}
		leaf.SetLeafRecord(i, key, value)
		leaf.SetNumKeys(n + 1)
		return t.put(leafAddr, leaf)
	}

	return t.splitLeafAndInsert(leafAddr, leaf, key, value)
}

func (t *Tree) splitLeafAndInsert(oldAddr uint64, old *page.Page, key uint64, value []byte) error {
	n := old.NumKeys()
	recs := make([]kv, 0, n+1)
	inserted := false
	for i := 0; i < n; i++ {
		k := old.LeafKey(i)
		if !inserted && key < k {
			recs = append(recs, kv{key, value})
			inserted = true
		}
		v := old.LeafValue(i)
		recs = append(recs, kv{k, append([]byte(nil), v...)})
	}
	if !inserted {
		recs = append(recs, kv{key, value})
	}

	s := leafMin() // ceil((L-1)/2)
	oldParent := old.Parent()
	oldSibling := old.Sibling()

	newAddr, newLeaf, err := t.mgr.Allocate(t.tableID)
	if err != nil {
		return err
	}
	newLeaf.SetLeaf(true)
	for i := s; i < len(recs); i++ {
		newLeaf.SetLeafRecord(i-s, recs[i].key, recs[i].val)
	}
	newLeaf.SetNumKeys(len(recs) - s)
	newLeaf.SetParent(oldParent)
	newLeaf.SetSibling(oldSibling)

	for i := 0; i < page.LeafMaxRecords; i++ {
		old.ClearLeafRecord(i)
	}
	for i := 0; i < s; i++ {
		old.SetLeafRecord(i, recs[i].key, recs[i].val)
	}
	old.SetNumKeys(s)
	old.SetSibling(newAddr)

	if err := t.put(oldAddr, old); err != nil {
		return err
	}
	if err := t.put(newAddr, newLeaf); err != nil {
		return err
	}

	sep := recs[s].key
	return t.insertIntoParent(oldAddr, oldParent, sep, newAddr)
}

// insertIntoParent promotes sep (and the new right child) into leftAddr's
// parent, creating a new root or splitting the parent as needed.
func (t *Tree) insertIntoParent(leftAddr, parentAddr uint64, sep uint64, rightAddr uint64) error {
	if parentAddr == 0 {
		newRootAddr, newRoot, err := t.mgr.Allocate(t.tableID)
		if err != nil {
			return err
		}
		newRoot.SetLeaf(false)
		newRoot.SetChildAt(0, leftAddr)
		newRoot.SetKeyAt(1, sep)
		newRoot.SetChildAt(1, rightAddr)
		newRoot.SetNumKeys(1)
		newRoot.SetParent(0)
		if err := t.put(newRootAddr, newRoot); err != nil {
			return err
		}
		if err := t.reparent(leftAddr, newRootAddr); err != nil {
			return err
		}
		if err := t.reparent(rightAddr, newRootAddr); err != nil {
			return err
		}
		return t.setRootOffset(newRootAddr)
	}

	parent, err := t.get(parentAddr)
	if err != nil {
		return err
	}
	n := parent.NumKeys()
	li := childSlot(parent, leftAddr)

	if n < page.InternalMaxKeys {
		for j := n; j > li; j-- {
			parent.SetKeyAt(j+1, parent.KeyAt(j))
			parent.SetChildAt(j+1, parent.ChildAt(j))
		}
		parent.SetKeyAt(li+1, sep)
		parent.SetChildAt(li+1, rightAddr)
		parent.SetNumKeys(n + 1)
		if err := t.put(parentAddr, parent); err != nil {
			return err
		}
		return t.reparent(rightAddr, parentAddr)
	}

	return t.splitInternalAndInsert(parentAddr, parent, li, sep, rightAddr)
}

func (t *Tree) splitInternalAndInsert(parentAddr uint64, parent *page.Page, li int, sep uint64, rightAddr uint64) error {
	n := parent.NumKeys()
	grandParent := parent.Parent()

	type slot struct {
		key   uint64
		child uint64
	}
	orig := make([]slot, n+1)
	for i := 0; i <= n; i++ {
		orig[i].child = parent.ChildAt(i)
		if i >= 1 {
			orig[i].key = parent.KeyAt(i)
		}
	}
	aug := make([]slot, 0, n+2)
	aug = append(aug, orig[:li+1]...)
	aug = append(aug, slot{sep, rightAddr})
	aug = append(aug, orig[li+1:]...)

	s := ceilDiv(page.InternalOrder, 2)

	for i := 0; i < page.InternalMaxKeys; i++ {
		parent.ClearInternalRecord(i)
	}
	for i := 0; i <= s-1; i++ {
		parent.SetChildAt(i, aug[i].child)
		if i >= 1 {
			parent.SetKeyAt(i, aug[i].key)
		}
	}
	parent.SetNumKeys(s - 1)
	if err := t.put(parentAddr, parent); err != nil {
		return err
	}

	newAddr, newNode, err := t.mgr.Allocate(t.tableID)
	if err != nil {
		return err
	}
	newNode.SetLeaf(false)
	newNode.SetParent(grandParent)
	newNode.SetChildAt(0, aug[s].child)
	for i := s + 1; i <= n+1; i++ {
		j := i - s
		newNode.SetKeyAt(j, aug[i].key)
		newNode.SetChildAt(j, aug[i].child)
	}
	newNode.SetNumKeys(n + 1 - s)
	if err := t.put(newAddr, newNode); err != nil {
		return err
	}

	for i := 0; i <= newNode.NumKeys(); i++ {
		if err := t.reparent(newNode.ChildAt(i), newAddr); err != nil {
			return err
		}
	}

	promoted := aug[s].key
	return t.insertIntoParent(parentAddr, grandParent, promoted, newAddr)
}

func (t *Tree) reparent(childAddr, parentAddr uint64) error {
	child, err := t.get(childAddr)
	if err != nil {
		return err
	}
	child.SetParent(parentAddr)
	return t.put(childAddr, child)
}

// childSlot finds the index i such that parent.ChildAt(i) == childAddr. A
// miss is an invariant violation (§4.4/§7: impossible parent pointer) and
// is fatal.
func childSlot(parent *page.Page, childAddr uint64) int {
	for i := 0; i <= parent.NumKeys(); i++ {
		if parent.ChildAt(i) == childAddr {
			return i
		}
	}
	panic(fmt.Sprintf("btree: invariant violation: child %d not found in its recorded parent", childAddr))
}

// --- Deletion ---

// Delete removes key, returning ErrNotFound if it is absent.
func (t *Tree) Delete(key uint64) error {
	defer t.recordOp("delete", time.Now())
	leafAddr, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	if leafAddr == 0 {
		return ErrNotFound
	}
	leaf, err := t.get(leafAddr)
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
		return ErrNotFound
	}

	n := leaf.NumKeys()
	for j := idx; j < n-1; j++ {
		leaf.SetLeafRecord(j, leaf.LeafKey(j+1), leaf.LeafValue(j+1))
	}
	leaf.ClearLeafRecord(n - 1)
	leaf.SetNumKeys(n - 1)
	if err := t.put(leafAddr, leaf); err != nil {
		return err
	}
	return t.rebalance(leafAddr)
}

// rebalance restores minimum-occupancy and root invariants after a key was
// removed from the node at addr (§4.4 "Deletion").
func (t *Tree) rebalance(addr uint64) error {
	node, err := t.get(addr)
	if err != nil {
		return err
	}
	root, err := t.rootOffset()
	if err != nil {
		return err
	}

	if addr == root {
		return t.shrinkRoot(addr, node)
	}

	var minKeys, capacity int
	if node.IsLeaf() {
		minKeys, capacity = leafMin(), page.LeafOrder
	} else {
		minKeys, capacity = internalMin(), page.InternalMaxKeys
	}
	if node.NumKeys() >= minKeys {
		return nil
	}

	parentAddr := node.Parent()
	parent, err := t.get(parentAddr)
	if err != nil {
		return err
	}
	selfIdx := childSlot(parent, addr)

	isLeftmost := selfIdx == 0
	neighborSlot := selfIdx - 1
	kPrimeIdx := selfIdx
	if isLeftmost {
		neighborSlot = selfIdx + 1
		kPrimeIdx = selfIdx + 1
	}
	neighborAddr := parent.ChildAt(neighborSlot)
	neighbor, err := t.get(neighborAddr)
	if err != nil {
		return err
	}
	kPrime := parent.KeyAt(kPrimeIdx)

	if neighbor.NumKeys()+node.NumKeys() < capacity {
		return t.coalesce(isLeftmost, addr, node, neighborAddr, neighbor, parentAddr, parent, kPrimeIdx, kPrime)
	}
	return t.redistribute(isLeftmost, addr, node, neighborAddr, neighbor, parentAddr, parent, kPrimeIdx, kPrime)
}

// shrinkRoot handles the root-specific cases of deletion: an emptied leaf
// root means the tree is now empty; an emptied internal root promotes its
// sole remaining child.
func (t *Tree) shrinkRoot(addr uint64, node *page.Page) error {
	if node.NumKeys() > 0 {
		return nil
	}
	if node.IsLeaf() {
		if err := t.setRootOffset(0); err != nil {
			return err
		}
		return t.mgr.Release(t.tableID, addr)
	}
	child := node.ChildAt(0)
	if err := t.reparent(child, 0); err != nil {
		return err
	}
	if err := t.setRootOffset(child); err != nil {
		return err
	}
	return t.mgr.Release(t.tableID, addr)
}

// coalesce merges node and neighbor into the physically-left one of the
// pair, releasing the physically-right one, and recursively removes the
// separator from the parent (§4.4 "Coalesce").
func (t *Tree) coalesce(isLeftmost bool, addr uint64, node *page.Page, neighborAddr uint64, neighbor *page.Page,
	parentAddr uint64, parent *page.Page, kPrimeIdx int, kPrime uint64) error {

	leftAddr, left, rightAddr, right := neighborAddr, neighbor, addr, node
	if isLeftmost {
		leftAddr, left, rightAddr, right = addr, node, neighborAddr, neighbor
	}

	if left.IsLeaf() {
		ln := left.NumKeys()
		for i := 0; i < right.NumKeys(); i++ {
			left.SetLeafRecord(ln+i, right.LeafKey(i), right.LeafValue(i))
		}
		left.SetNumKeys(ln + right.NumKeys())
		left.SetSibling(right.Sibling())
	} else {
		ln := left.NumKeys()
		left.SetKeyAt(ln+1, kPrime)
		left.SetChildAt(ln+1, right.ChildAt(0))
		for i := 1; i <= right.NumKeys(); i++ {
			left.SetKeyAt(ln+1+i, right.KeyAt(i))
			left.SetChildAt(ln+1+i, right.ChildAt(i))
		}
		newNumKeys := ln + 1 + right.NumKeys()
		left.SetNumKeys(newNumKeys)
		for i := ln + 1; i <= newNumKeys; i++ {
			if err := t.reparent(left.ChildAt(i), leftAddr); err != nil {
				return err
			}
		}
	}
	if err := t.put(leftAddr, left); err != nil {
		return err
	}
	if err := t.mgr.Release(t.tableID, rightAddr); err != nil {
		return err
	}

	return t.deleteParentSlot(parentAddr, parent, kPrimeIdx)
}

// deleteParentSlot removes the key+child pair at idx from parent, then
// checks the parent itself for underflow.
func (t *Tree) deleteParentSlot(parentAddr uint64, parent *page.Page, idx int) error {
	n := parent.NumKeys()
	for j := idx; j < n; j++ {
		parent.SetKeyAt(j, parent.KeyAt(j+1))
		parent.SetChildAt(j, parent.ChildAt(j+1))
	}
	parent.ClearInternalRecord(n)
	parent.SetNumKeys(n - 1)
	if err := t.put(parentAddr, parent); err != nil {
		return err
	}
	return t.rebalance(parentAddr)
}

// redistribute rotates one entry across node and neighbor so both meet the
// minimum occupancy without merging (§4.4 "Redistribute").
func (t *Tree) redistribute(isLeftmost bool, addr uint64, node *page.Page, neighborAddr uint64, neighbor *page.Page,
	parentAddr uint64, parent *page.Page, kPrimeIdx int, kPrime uint64) error {

	n := node.NumKeys()

	if !isLeftmost {
		// Rotate the neighbor's (left) last entry to node's front.
		if node.IsLeaf() {
			for i := n; i >= 1; i-- {
				node.SetLeafRecord(i, node.LeafKey(i-1), node.LeafValue(i-1))
			}
			lastIdx := neighbor.NumKeys() - 1
			node.SetLeafRecord(0, neighbor.LeafKey(lastIdx), neighbor.LeafValue(lastIdx))
			neighbor.ClearLeafRecord(lastIdx)
			neighbor.SetNumKeys(lastIdx)
			node.SetNumKeys(n + 1)
			parent.SetKeyAt(kPrimeIdx, node.LeafKey(0))
		} else {
			for i := n; i >= 1; i-- {
				node.SetKeyAt(i+1, node.KeyAt(i))
				node.SetChildAt(i+1, node.ChildAt(i))
			}
			node.SetChildAt(1, node.ChildAt(0))
			node.SetKeyAt(1, kPrime)
			lastIdx := neighbor.NumKeys()
			newChild0 := neighbor.ChildAt(lastIdx)
			node.SetChildAt(0, newChild0)
			node.SetNumKeys(n + 1)
			if err := t.reparent(newChild0, addr); err != nil {
				return err
			}
			parent.SetKeyAt(kPrimeIdx, neighbor.KeyAt(lastIdx))
			neighbor.ClearInternalRecord(lastIdx)
			neighbor.SetNumKeys(lastIdx - 1)
		}
	} else {
		// Rotate the neighbor's (right) first entry to node's end.
		if node.IsLeaf() {
			node.SetLeafRecord(n, neighbor.LeafKey(0), neighbor.LeafValue(0))
			node.SetNumKeys(n + 1)
			nn := neighbor.NumKeys()
			for i := 0; i < nn-1; i++ {
				neighbor.SetLeafRecord(i, neighbor.LeafKey(i+1), neighbor.LeafValue(i+1))
			}
			neighbor.ClearLeafRecord(nn - 1)
			neighbor.SetNumKeys(nn - 1)
			parent.SetKeyAt(kPrimeIdx, neighbor.LeafKey(0))
		} else {
			movedChild := neighbor.ChildAt(0)
			node.SetKeyAt(n+1, kPrime)
			node.SetChildAt(n+1, movedChild)
			node.SetNumKeys(n + 1)
			if err := t.reparent(movedChild, addr); err != nil {
				return err
			}
			parent.SetKeyAt(kPrimeIdx, neighbor.KeyAt(1))
			nn := neighbor.NumKeys()
			neighbor.SetChildAt(0, neighbor.ChildAt(1))
			for i := 1; i < nn; i++ {
				neighbor.SetKeyAt(i, neighbor.KeyAt(i+1))
				neighbor.SetChildAt(i, neighbor.ChildAt(i+1))
			}
			neighbor.ClearInternalRecord(nn)
			neighbor.SetNumKeys(nn - 1)
		}
	}

	if err := t.put(addr, node); err != nil {
		return err
	}
	if err := t.put(neighborAddr, neighbor); err != nil {
		return err
	}
	return t.put(parentAddr, parent)
}
