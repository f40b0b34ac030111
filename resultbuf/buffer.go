// Package resultbuf holds the bounded text buffer handed back across the
// ABI after every detect call.
package resultbuf

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyAllocated = errors.New("result buffer already allocated")
	ErrNotAllocated     = errors.New("result buffer not allocated")
	ErrZeroCapacity     = errors.New("result buffer capacity must be positive")
	ErrCapacityExceeded = errors.New("result buffer capacity exceeds limit")
)

// Buffer is an append-only text buffer of fixed capacity. The zero value is
// an unallocated buffer with no capacity limit.
//
// Storage is capacity+1 bytes; the byte after the content is always 0 so
// the content can be handed to C as a terminated string.
type Buffer struct {
	limit  int
	length int
	store  []byte
}

// New returns an unallocated buffer whose Allocate refuses capacities above
// limit. limit <= 0 means no limit.
func New(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Allocate reserves capacity bytes of content. It fails, leaving any held
// content untouched, when storage is already held.
func (b *Buffer) Allocate(capacity int) error {
	if b.store != nil {
		return ErrAlreadyAllocated
	}
	if capacity <= 0 {
		return ErrZeroCapacity
	}
	if b.limit > 0 && capacity > b.limit {
		return fmt.Errorf("%w: %d > %d", ErrCapacityExceeded, capacity, b.limit)
	}
	b.store = make([]byte, capacity+1)
	b.length = 0
	return nil
}

func (b *Buffer) Destroy() error {
	if b.store == nil {
		return ErrNotAllocated
	}
	b.store = nil
	b.length = 0
	return nil
}

// Clear empties the content and keeps the storage.
func (b *Buffer) Clear() {
	if b.store == nil {
		return
	}
	b.store[0] = 0
	b.length = 0
}

// Append copies as much of text as fits in the remaining capacity and
// returns the new content length.
func (b *Buffer) Append(text string) int {
	if b.store == nil || len(text) == 0 {
		return b.length
	}
	free := b.Cap() - b.length
	if free == 0 {
		return b.length
	}
	if len(text) > free {
		text = text[:free]
	}
	b.length += copy(b.store[b.length:], text)
	b.store[b.length] = 0
	return b.length
}

// FormatReplace overwrites the content with the formatted text, keeping at
// most Cap()-1 bytes. Use it to write one complete payload; use Append to
// concatenate fragments.
func (b *Buffer) FormatReplace(format string, args ...any) int {
	if b.store == nil {
		return 0
	}
	s := fmt.Sprintf(format, args...)
	if n := b.Cap() - 1; len(s) > n {
		s = s[:n]
	}
	b.length = copy(b.store, s)
	b.store[b.length] = 0
	return b.length
}

func (b *Buffer) Allocated() bool { return b.store != nil }

func (b *Buffer) Len() int { return b.length }

// Cap is the content capacity, excluding the terminator.
func (b *Buffer) Cap() int {
	if b.store == nil {
		return 0
	}
	return len(b.store) - 1
}

func (b *Buffer) Limit() int { return b.limit }

func (b *Buffer) String() string {
	if b.store == nil {
		return ""
	}
	return string(b.store[:b.length])
}

// Bytes returns the content followed by its terminator, or nil when
// unallocated. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	if b.store == nil {
		return nil
	}
	return b.store[:b.length+1]
}
