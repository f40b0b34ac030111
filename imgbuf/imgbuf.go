// Package imgbuf owns the grayscale frame buffer the caller writes into
// before each detect call.
package imgbuf

import (
	iface "AtagDetServer/interface"
	"errors"
	"fmt"
)

var ErrInvalidGeometry = errors.New("image dimensions must be positive and at most MaxDimension")

// MaxDimension bounds width, height and stride so their products fit an int.
const MaxDimension = 1 << 16

// ValidGeometry reports whether a frame of this geometry can be acquired.
func ValidGeometry(width, height, stride int) bool {
	return width > 0 && height > 0 && stride > 0 &&
		width <= MaxDimension && height <= MaxDimension && stride <= MaxDimension
}

// Manager hands out one buffer and reuses it while the frame geometry stays
// the same. Stride is expected to be >= width; a smaller stride is accepted
// and sized by width, but rows written with it will not line up.
type Manager struct {
	width    int
	height   int
	stride   int
	buf      []byte
	reallocs int
}

// Acquire returns storage for a width x height frame with the given stride.
// The same slice is returned while (width, height, stride) is unchanged;
// otherwise a zeroed buffer of height*max(width, stride) bytes replaces it.
func (m *Manager) Acquire(width, height, stride int) ([]byte, error) {
	if !ValidGeometry(width, height, stride) {
		return nil, fmt.Errorf("%w: %dx%d stride %d", ErrInvalidGeometry, width, height, stride)
	}
	if m.buf != nil && m.width == width && m.height == height && m.stride == stride {
		return m.buf, nil
	}
	m.buf = nil
	m.width, m.height, m.stride = width, height, stride
	m.buf = make([]byte, height*max(width, stride))
	m.reallocs++
	return m.buf, nil
}

// Image returns the held frame, false when nothing was acquired.
func (m *Manager) Image() (iface.ImageU8, bool) {
	if m.buf == nil {
		return iface.ImageU8{}, false
	}
	return iface.ImageU8{Width: m.width, Height: m.height, Stride: m.stride, Buf: m.buf}, true
}

func (m *Manager) Release() {
	m.buf = nil
	m.width, m.height, m.stride = 0, 0, 0
}

// Reallocations counts the buffers allocated so far.
func (m *Manager) Reallocations() int { return m.reallocs }
