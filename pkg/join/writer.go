package join

import (
	"bufio"
	"fmt"
	"os"

	"github.com/dkwon/pagestore/pkg/page"
)

// writer implements storage.OutputSink, rendering each buffered output
// page as CSV lines on the result file (§4.8 step 5, §6: "<key1>,<value1>,
// <key2>,<value2>\n").
type writer struct {
	f *os.File
	w *bufio.Writer
}

func newWriter(path string) (*writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &writer{f: f, w: bufio.NewWriter(f)}, nil
}

// FlushOutput writes the first slots rows of p as CSV lines.
func (w *writer) FlushOutput(p *page.Page, slots int) error {
	for i := 0; i < slots; i++ {
		k1, v1, k2, v2 := p.OutputSlot(i)
		if _, err := fmt.Fprintf(w.w, "%d,%s,%d,%s\n", k1, trimValue(v1), k2, trimValue(v2)); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// trimValue returns v up to its first NUL byte: values are NUL-terminated
// strings by convention (§3) even though the storage layer treats them as
// opaque bytes.
func trimValue(v []byte) []byte {
	for i, b := range v {
		if b == 0 {
			return v[:i]
		}
	}
	return v
}
