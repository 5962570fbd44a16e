package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dkwon/pagestore/pkg/storage"
	"github.com/rs/zerolog"
)

func newTestTree(t *testing.T) (*Tree, *storage.Manager, int) {
	t.Helper()
	mgr, err := storage.NewManager(64, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown() })

	id, err := mgr.OpenTable(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	return New(mgr, id, zerolog.Nop()), mgr, id
}

// Scenario 1: insert 1..4, find 3, delete 2, check leaf chain.
func TestScenario1BasicInsertFindDelete(t *testing.T) {
	tree, _, _ := newTestTree(t)

	for i, v := range []string{"A", "B", "C", "D"} {
		if err := tree.Insert(uint64(i+1), []byte(v)); err != nil {
			t.Fatalf("Insert(%d): %v", i+1, err)
		}
	}

	got, err := tree.Find(3)
	if err != nil {
		t.Fatalf("Find(3): %v", err)
	}
	if string(trimValue(got)) != "C" {
		t.Fatalf("Find(3) = %q, want C", got)
	}

	if err := tree.Delete(2); err != nil {
		t.Fatalf("Delete(2): %v", err)
	}
	if _, err := tree.Find(2); err != ErrNotFound {
		t.Fatalf("Find(2) after delete: %v, want ErrNotFound", err)
	}

	keys, err := leafChainKeys(t, tree)
	if err != nil {
		t.Fatalf("leafChainKeys: %v", err)
	}
	want := []uint64{1, 3, 4}
	if !equalKeys(keys, want) {
		t.Fatalf("leaf chain = %v, want %v", keys, want)
	}
}

// Scenario 2: insert 1..32 sequentially; expect one internal root, two
// leaves split 1..16 / 17..32, separator 17.
func TestScenario2SequentialFillSplitsOnce(t *testing.T) {
	tree, mgr, id := newTestTree(t)

	for i := uint64(1); i <= 32; i++ {
		v := []byte(fmt.Sprintf("v%d", i))
		if err := tree.Insert(i, v); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	root, err := tree.rootOffset()
	if err != nil {
		t.Fatalf("rootOffset: %v", err)
	}
	rootPage, err := mgr.Pool().GetPage(id, root)
	if err != nil {
		t.Fatalf("GetPage(root): %v", err)
	}
	if rootPage.IsLeaf() {
		t.Fatal("expected an internal root after 32 inserts")
	}
	if rootPage.NumKeys() != 1 {
		t.Fatalf("root NumKeys() = %d, want 1", rootPage.NumKeys())
	}
	if rootPage.KeyAt(1) != 17 {
		t.Fatalf("separator key = %d, want 17", rootPage.KeyAt(1))
	}

	left, err := mgr.Pool().GetPage(id, rootPage.ChildAt(0))
	if err != nil {
		t.Fatalf("GetPage(left): %v", err)
	}
	right, err := mgr.Pool().GetPage(id, rootPage.ChildAt(1))
	if err != nil {
		t.Fatalf("GetPage(right): %v", err)
	}
	if left.NumKeys() != 16 || right.NumKeys() != 16 {
		t.Fatalf("leaf sizes = %d/%d, want 16/16", left.NumKeys(), right.NumKeys())
	}
	if left.LeafKey(0) != 1 || left.LeafKey(15) != 16 {
		t.Fatalf("left leaf keys wrong: first=%d last=%d", left.LeafKey(0), left.LeafKey(15))
	}
	if right.LeafKey(0) != 17 || right.LeafKey(15) != 32 {
		t.Fatalf("right leaf keys wrong: first=%d last=%d", right.LeafKey(0), right.LeafKey(15))
	}
}

// Scenario 3: insert the same 32 keys in reverse order; every key is still
// findable and the leaf chain still enumerates 1..32 ascending.
func TestScenario3ReverseInsertOrderSameResult(t *testing.T) {
	tree, _, _ := newTestTree(t)

	for i := uint64(32); i >= 1; i-- {
		if err := tree.Insert(i, []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := uint64(1); i <= 32; i++ {
		v, err := tree.Find(i)
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if string(trimValue(v)) != fmt.Sprintf("v%d", i) {
			t.Fatalf("Find(%d) = %q, want v%d", i, v, i)
		}
	}

	keys, err := leafChainKeys(t, tree)
	if err != nil {
		t.Fatalf("leafChainKeys: %v", err)
	}
	for i, k := range keys {
		if k != uint64(i+1) {
			t.Fatalf("leaf chain out of order at position %d: got %d, want %d", i, k, i+1)
		}
	}
	if len(keys) != 32 {
		t.Fatalf("leaf chain length = %d, want 32", len(keys))
	}
}

// Scenario 4: duplicate rejection.
func TestScenario4DuplicateRejected(t *testing.T) {
	tree, _, _ := newTestTree(t)

	if err := tree.Insert(1, []byte("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(1, []byte("B")); err != ErrDuplicate {
		t.Fatalf("second Insert(1) = %v, want ErrDuplicate", err)
	}
	v, err := tree.Find(1)
	if err != nil {
		t.Fatalf("Find(1): %v", err)
	}
	if string(trimValue(v)) != "A" {
		t.Fatalf("Find(1) = %q, want A (duplicate insert must not mutate)", v)
	}
}

// Deleting every third key from a larger tree must repeatedly coalesce/
// redistribute without breaking the leaf chain or losing survivors.
func TestDeleteManyKeysKeepsSurvivorsAndChain(t *testing.T) {
	tree, _, _ := newTestTree(t)

	const n = 200
	for i := uint64(1); i <= n; i++ {
		if err := tree.Insert(i, []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	// Delete every third key, then verify survivors are intact and the
	// chain still visits every remaining key in order.
	deleted := make(map[uint64]bool)
	for i := uint64(1); i <= n; i += 3 {
		if err := tree.Delete(i); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
		deleted[i] = true
	}

	for i := uint64(1); i <= n; i++ {
		v, err := tree.Find(i)
		if deleted[i] {
			if err != ErrNotFound {
				t.Fatalf("Find(%d) after delete: %v, want ErrNotFound", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if string(trimValue(v)) != fmt.Sprintf("v%d", i) {
			t.Fatalf("Find(%d) = %q, want v%d", i, v, i)
		}
	}

	keys, err := leafChainKeys(t, tree)
	if err != nil {
		t.Fatalf("leafChainKeys: %v", err)
	}
	prev := uint64(0)
	for _, k := range keys {
		if deleted[k] {
			t.Fatalf("leaf chain still contains deleted key %d", k)
		}
		if k <= prev {
			t.Fatalf("leaf chain not strictly increasing at key %d (prev %d)", k, prev)
		}
		prev = k
	}
}

func TestDeleteAllKeysEmptiesTree(t *testing.T) {
	tree, _, _ := newTestTree(t)
	for i := uint64(1); i <= 40; i++ {
		if err := tree.Insert(i, []byte("x")); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := uint64(1); i <= 40; i++ {
		if err := tree.Delete(i); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}
	root, err := tree.rootOffset()
	if err != nil {
		t.Fatalf("rootOffset: %v", err)
	}
	if root != 0 {
		t.Fatalf("root_offset = %d after draining every key, want 0", root)
	}
	if _, err := tree.Find(1); err != ErrNotFound {
		t.Fatalf("Find(1) on empty tree: %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingKeyReturnsNotFound(t *testing.T) {
	tree, _, _ := newTestTree(t)
	if err := tree.Insert(1, []byte("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Delete(99); err != ErrNotFound {
		t.Fatalf("Delete(99) = %v, want ErrNotFound", err)
	}
}

func trimValue(v []byte) []byte {
	i := 0
	for i < len(v) && v[i] != 0 {
		i++
	}
	return v[:i]
}

func leafChainKeys(t *testing.T, tree *Tree) ([]uint64, error) {
	t.Helper()
	addr, err := tree.LeftmostLeaf()
	if err != nil {
		return nil, err
	}
	var keys []uint64
	for addr != 0 {
		leaf, err := tree.get(addr)
		if err != nil {
			return nil, err
		}
		for i := 0; i < leaf.NumKeys(); i++ {
			keys = append(keys, leaf.LeafKey(i))
		}
		addr = leaf.Sibling()
	}
	return keys, nil
}

func equalKeys(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
