package transport

import "bytes"

// lineBuffer reassembles newline-delimited records from arbitrary byte
// chunks. A trailing partial line is buffered and prefixed onto the
// next chunk; blank lines are dropped.
type lineBuffer struct {
	buf []byte
}

// Append consumes one chunk and returns every complete record it
// finished. Returned slices are copies and safe to retain.
func (b *lineBuffer) Append(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return records
		}
		line := bytes.TrimSpace(b.buf[:i])
		if len(line) > 0 {
			records = append(records, append([]byte(nil), line...))
		}
		b.buf = b.buf[i+1:]
	}
}

// Pending returns the number of buffered bytes awaiting a newline.
func (b *lineBuffer) Pending() int {
	return len(b.buf)
}
