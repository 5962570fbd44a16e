package wal

import (
	"io"
	"os"
)

// Reader performs a sequential forward scan of the log, one fixed-width
// record at a time.
type Reader struct {
	src    io.ReaderAt
	offset int64
}

// NewReader creates a log reader over src, starting at the beginning of
// the file.
func NewReader(src io.ReaderAt) *Reader {
	return &Reader{src: src}
}

// OpenReader opens path read-only and returns a Reader over it.
func OpenReader(path string) (*Reader, *os.File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return NewReader(fd), fd, nil
}

// Next reads the next record. It returns io.EOF once fewer than RecordSize
// bytes remain — a clean end of log, or a torn final write left by a
// crash mid-append; either way there is nothing further to recover from
// that tail.
func (r *Reader) Next() (*Record, error) {
	buf := make([]byte, RecordSize)
	n, err := r.src.ReadAt(buf, r.offset)
	if n < RecordSize {
		if err == io.EOF || err == nil {
			return nil, io.EOF
		}
		return nil, err
	}

	rec, err := DecodeRecord(buf)
	if err != nil {
		// Any checksum mismatch is reported as ErrCorrupted, whether it is
		// a torn final record or damage earlier in the log; the offset is
		// not advanced past it.
		return nil, err
	}
	r.offset += int64(RecordSize)
	return rec, nil
}

// ReadAll reads every well-formed record in order, stopping at the first
// EOF or the first record that fails its checksum; records after that one
// are not read.
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err == ErrCorrupted || err == ErrTruncated {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}
