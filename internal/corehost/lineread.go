package corehost

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// errLineTooLong signals a line exceeded the configured byte budget; the
// caller closes the connection without crashing.
var errLineTooLong = errors.New("corehost: line exceeds MAX_LINE_BYTES")

// readBoundedLine reads up to a newline, returning errLineTooLong instead of
// growing without bound when a peer sends an over-long line.
func readBoundedLine(r *bufio.Reader, limit int) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := r.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > limit {
			// Drain/discard is unnecessary: caller closes the connection.
			return nil, errLineTooLong
		}
		if err == nil {
			return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue // chunk had no newline yet; keep accumulating
		}
		if errors.Is(err, io.EOF) && buf.Len() > 0 {
			return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
		}
		return nil, err
	}
}
