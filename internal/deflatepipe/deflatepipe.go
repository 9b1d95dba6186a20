// Package deflatepipe wraps the raw DEFLATE stream each archive member is
// compressed through. It uses klauspost/compress/flate rather than the
// standard library's compress/flate: same Writer API (Write, Flush, Close,
// Reset), picked because it is the deflate engine the rest of this pack
// already depends on directly (cockroachdb/pebble), and its block encoder
// beats the standard library's on the mixed-compressibility page streams
// typical of database snapshots.
package deflatepipe

import (
	"io"

	"github.com/klauspost/compress/flate"

	direrr "github.com/tanglewood/dbsnap/core/errors"
)

// countingWriter tracks how many compressed bytes a Pipe has emitted so
// far, independent of whatever sink it is writing pages into.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Pipe compresses one input's page stream at a time into an underlying
// sink, using block-boundary flush between pages and a stream-finishing
// flush on the last page of each input.
type Pipe struct {
	counting *countingWriter
	flate    *flate.Writer
}

// New creates a Pipe writing compressed output to sink at the maximum
// compression level, set to match the "maximum-compression hint" general
// purpose bit flag every entry's local and central headers carry.
func New(sink io.Writer) (*Pipe, error) {
	cw := &countingWriter{w: sink}
	fw, err := flate.NewWriter(cw, flate.BestCompression)
	if err != nil {
		return nil, direrr.Wrap(err, "create deflate writer")
	}
	return &Pipe{counting: cw, flate: fw}, nil
}

// Reset rebinds the pipe to a fresh sink and zeroes its compressed-byte
// counter, reused for each new input member.
func (p *Pipe) Reset(sink io.Writer) {
	p.counting = &countingWriter{w: sink}
	p.flate.Reset(p.counting)
}

// WritePage feeds one page's bytes into the deflate stream. When last is
// false it ends the current deflate block at the page boundary (Flush)
// without finishing the stream; when true it finishes the stream outright
// (Close), after which the Pipe must be Reset before further use.
func (p *Pipe) WritePage(data []byte, last bool) error {
	if _, err := p.flate.Write(data); err != nil {
		return direrr.Wrap(err, "write page to deflate stream")
	}
	if last {
		if err := p.flate.Close(); err != nil {
			return direrr.Wrap(err, "finish deflate stream")
		}
		return nil
	}
	if err := p.flate.Flush(); err != nil {
		return direrr.Wrap(err, "flush deflate block")
	}
	return nil
}

// CompressedSize returns the number of compressed bytes written to the
// current sink since the last Reset.
func (p *Pipe) CompressedSize() int64 {
	return p.counting.n
}
