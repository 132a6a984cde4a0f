// Package accumulator holds the raw, not yet framed bytes of one device
// connection.
package accumulator

import (
	"bytes"
	"errors"
	"fmt"
)

// NotFound is returned by Find when the pattern does not occur.
const NotFound = -1

var (
	// ErrOverflow reports that the accumulator grew past its configured maximum.
	ErrOverflow = errors.New("accumulator overflow")
	// ErrShortBuffer reports a read outside the buffered range.
	ErrShortBuffer = errors.New("accumulator: range out of bounds")
)

// Accumulator is an append-only, consumable byte sequence. It is owned by a
// single connection and performs no locking.
type Accumulator struct {
	data []byte
	max  int
}

// New creates an accumulator. max <= 0 disables the overflow check.
func New(max int) *Accumulator {
	return &Accumulator{max: max}
}

// Append adds p to the tail and returns the new size. The bytes are kept
// even when ErrOverflow is returned.
func (a *Accumulator) Append(p []byte) (int, error) {
	a.data = append(a.data, p...)
	if a.max > 0 && len(a.data) > a.max {
		return len(a.data), fmt.Errorf("%w: %d bytes > %d", ErrOverflow, len(a.data), a.max)
	}
	return len(a.data), nil
}

// Find returns the index of the first occurrence of pattern at or after
// from, or NotFound.
func (a *Accumulator) Find(pattern []byte, from int) int {
	if len(pattern) == 0 || from < 0 || from >= len(a.data) {
		return NotFound
	}
	for i := from; i+len(pattern) <= len(a.data); {
		j := bytes.IndexByte(a.data[i:], pattern[0])
		if j < 0 {
			return NotFound
		}
		i += j
		if i+len(pattern) > len(a.data) {
			return NotFound
		}
		if bytes.Equal(a.data[i:i+len(pattern)], pattern) {
			return i
		}
		i++
	}
	return NotFound
}

// Read returns a copy of n bytes starting at offset. With consume set the
// range is removed and later bytes shift left; bytes before offset stay.
func (a *Accumulator) Read(offset, n int, consume bool) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(a.data) {
		return nil, fmt.Errorf("%w: read [%d, %d) of %d", ErrShortBuffer, offset, offset+n, len(a.data))
	}
	out := make([]byte, n)
	copy(out, a.data[offset:offset+n])
	if consume {
		a.data = append(a.data[:offset], a.data[offset+n:]...)
	}
	return out, nil
}

// DiscardFront drops up to n leading bytes and returns how many were dropped.
func (a *Accumulator) DiscardFront(n int) int {
	if n <= 0 {
		return 0
	}
	if n >= len(a.data) {
		dropped := len(a.data)
		a.data = a.data[:0]
		return dropped
	}
	a.data = append(a.data[:0], a.data[n:]...)
	return n
}

// Clear drops every buffered byte.
func (a *Accumulator) Clear() {
	a.data = a.data[:0]
}

// Size returns the number of buffered bytes.
func (a *Accumulator) Size() int {
	return len(a.data)
}

// Max returns the configured maximum (0 when unbounded).
func (a *Accumulator) Max() int {
	return a.max
}

// Peek exposes the buffered bytes without copying. The slice is only valid
// until the next mutating call and must not be modified.
func (a *Accumulator) Peek() []byte {
	return a.data
}

// TailPrefixLen returns the length of the longest buffer suffix that is a
// proper prefix of pattern, i.e. a marker split across two appends.
func (a *Accumulator) TailPrefixLen(pattern []byte) int {
	for k := len(pattern) - 1; k > 0; k-- {
		if k <= len(a.data) && bytes.Equal(a.data[len(a.data)-k:], pattern[:k]) {
			return k
		}
	}
	return 0
}
