// Package iox provides I/O helpers for resource cleanup and HTTP bodies.
package iox

import (
	"errors"
	"io"
)

// drainLimit bounds how much of an unread body DrainClose consumes before
// giving up on connection reuse.
const drainLimit = 64 << 10

// ErrTooLarge is returned by ReadLimited when the input exceeds the limit.
var ErrTooLarge = errors.New("input exceeds read limit")

// DiscardClose closes c and discards the error.
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DrainClose reads what remains of an HTTP response body, up to a fixed
// limit, then closes it. The transport only reuses a connection whose body
// was read to EOF.
//
//	defer iox.DrainClose(resp.Body)
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, drainLimit))
	_ = rc.Close()
}

// ReadLimited reads r to EOF, failing with ErrTooLarge when more than
// limit bytes are available.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
