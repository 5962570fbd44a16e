package storage

import (
	"fmt"
	"os"

	"github.com/dkwon/pagestore/pkg/page"
)

// diskFile is the C1 file I/O surface: positioned reads/writes of exactly
// one block at a time, plus fsync. Every table file goes through here and
// nowhere else touches *os.File directly.
type diskFile struct {
	path string
	f    *os.File
}

func openDiskFile(path string) (*diskFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &diskFile{path: path, f: f}, nil
}

func (d *diskFile) size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("storage: stat %s: %w", d.path, err)
	}
	return fi.Size(), nil
}

// readBlock reads exactly one Page from offset, which must be block-aligned.
func (d *diskFile) readBlock(offset uint64) (*page.Page, error) {
	if offset%page.Size != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}
	buf := make([]byte, page.Size)
	n, err := d.f.ReadAt(buf, int64(offset))
	if err != nil {
		return nil, fmt.Errorf("storage: read block %s@%d: %w", d.path, offset, err)
	}
	if n != page.Size {
		return nil, fmt.Errorf("storage: short read %s@%d: got %d bytes", d.path, offset, n)
	}
	return page.FromBytes(buf), nil
}

// writeBlock writes exactly one Page at offset, which must be block-aligned.
func (d *diskFile) writeBlock(offset uint64, p *page.Page) error {
	if offset%page.Size != 0 {
		return fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}
	n, err := d.f.WriteAt(p.Bytes(), int64(offset))
	if err != nil {
		return fmt.Errorf("storage: write block %s@%d: %w", d.path, offset, err)
	}
	if n != page.Size {
		return fmt.Errorf("storage: short write %s@%d: wrote %d bytes", d.path, offset, n)
	}
	return nil
}

func (d *diskFile) fsync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("storage: fsync %s: %w", d.path, err)
	}
	return nil
}

func (d *diskFile) close() error {
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", d.path, err)
	}
	return nil
}
