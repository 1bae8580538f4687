package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineBytes bounds the memory held for a single input line. Longer lines are
// drained and reported as oversized; reading continues with the next line.
const MaxLineBytes = 1 << 20

// LineReader reads newline terminated lines with a per-line byte limit.
type LineReader struct {
	r         *bufio.Reader
	max       int
	line      []byte
	oversized bool
	err       error
}

// NewLineReader creates a LineReader. A non-positive limit selects MaxLineBytes.
func NewLineReader(r io.Reader, limit int) *LineReader {
	if limit <= 0 {
		limit = MaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: limit}
}

// Next advances to the next line. It returns false at end of input or after a
// read error, which Err reports.
func (lr *LineReader) Next() bool {
	if lr.err != nil {
		return false
	}
	lr.line = lr.line[:0]
	lr.oversized = false
	read := 0
	for {
		frag, err := lr.r.ReadSlice('\n')
		read += len(frag)
		if !lr.oversized {
			lr.line = append(lr.line, frag...)
			if len(trimEOL(lr.line)) > lr.max {
				lr.oversized = true
				lr.line = lr.line[:0]
			}
		}
		switch {
		case err == nil:
			return true
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return read > 0
		default:
			lr.err = err
			return false
		}
	}
}

// Text returns the current line without its terminator. It is empty for an
// oversized line.
func (lr *LineReader) Text() string { return string(trimEOL(lr.line)) }

// Oversized reports whether the current line exceeded the limit.
func (lr *LineReader) Oversized() bool { return lr.oversized }

// Err returns the first non-EOF read error.
func (lr *LineReader) Err() error { return lr.err }

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}
