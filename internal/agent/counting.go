package agent

import (
	"io"
	"sync/atomic"
)

// CountingReader wraps a reader and adds everything read through it to a
// shared counter. The agent threads one through each direction of a
// tunneled request to feed its transfer statistics.
type CountingReader struct {
	reader io.Reader
	count  *atomic.Int64
}

// NewCountingReader returns a reader that counts into counter.
func NewCountingReader(r io.Reader, counter *atomic.Int64) *CountingReader {
	return &CountingReader{reader: r, count: counter}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	if n > 0 {
		c.count.Add(int64(n))
	}
	return n, err
}
