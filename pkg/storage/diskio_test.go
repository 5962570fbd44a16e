package storage

import (
	"path/filepath"
	"testing"

	"github.com/dkwon/pagestore/pkg/page"
)

func TestDiskFileReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.db")
	f, err := openDiskFile(path)
	if err != nil {
		t.Fatalf("openDiskFile: %v", err)
	}
	defer f.close()

	p := page.New()
	p.SetFreeHead(42)
	if err := f.writeBlock(0, p); err != nil {
		t.Fatalf("writeBlock: %v", err)
	}
	if err := f.writeBlock(page.Size, page.New()); err != nil {
		t.Fatalf("writeBlock: %v", err)
	}

	got, err := f.readBlock(0)
	if err != nil {
		t.Fatalf("readBlock: %v", err)
	}
	if got.FreeHead() != 42 {
		t.Fatalf("FreeHead() = %d, want 42", got.FreeHead())
	}

	size, err := f.size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 2*page.Size {
		t.Fatalf("size = %d, want %d", size, 2*page.Size)
	}
}

func TestDiskFileRejectsUnalignedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t2.db")
	f, err := openDiskFile(path)
	if err != nil {
		t.Fatalf("openDiskFile: %v", err)
	}
	defer f.close()

	if err := f.writeBlock(1, page.New()); err == nil {
		t.Fatal("expected error for unaligned offset")
	}
	if _, err := f.readBlock(17); err == nil {
		t.Fatal("expected error for unaligned offset")
	}
}

func TestNewFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t3.db")
	f, err := openDiskFile(path)
	if err != nil {
		t.Fatalf("openDiskFile: %v", err)
	}
	defer f.close()

	size, err := f.size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Fatalf("size = %d, want 0 for a freshly created file", size)
	}
}
