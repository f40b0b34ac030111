package imgbuf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReuseOnSameGeometry(t *testing.T) {
	m := &Manager{}
	a, err := m.Acquire(640, 480, 640)
	require.NoError(t, err)
	require.Len(t, a, 640*480)
	a[10] = 0x7f

	b, err := m.Acquire(640, 480, 640)
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])
	assert.Equal(t, byte(0x7f), b[10])
	assert.Equal(t, 1, m.Reallocations())
}

func TestManager_StrideChangeReallocates(t *testing.T) {
	m := &Manager{}
	a, err := m.Acquire(100, 50, 100)
	require.NoError(t, err)
	a[0] = 1

	b, err := m.Acquire(100, 50, 128)
	require.NoError(t, err)
	assert.Len(t, b, 50*128)
	assert.NotSame(t, &a[0], &b[0])
	assert.Equal(t, byte(0), b[0])
	assert.Equal(t, 2, m.Reallocations())

	img, ok := m.Image()
	require.True(t, ok)
	assert.Equal(t, 100, img.Width)
	assert.Equal(t, 50, img.Height)
	assert.Equal(t, 128, img.Stride)
}

func TestManager_StrideSmallerThanWidthSizedByWidth(t *testing.T) {
	m := &Manager{}
	b, err := m.Acquire(100, 10, 60)
	require.NoError(t, err)
	assert.Len(t, b, 100*10)
}

func TestManager_InvalidGeometry(t *testing.T) {
	m := &Manager{}
	for _, g := range [][3]int{{0, 10, 10}, {10, 0, 10}, {10, 10, 0}, {-1, 10, 10}} {
		_, err := m.Acquire(g[0], g[1], g[2])
		assert.ErrorIs(t, err, ErrInvalidGeometry)
	}
	_, ok := m.Image()
	assert.False(t, ok)
	assert.Equal(t, 0, m.Reallocations())
}

func TestManager_OversizedGeometry(t *testing.T) {
	m := &Manager{}
	for _, g := range [][3]int{{1 << 20, 10, 1 << 20}, {10, 1 << 20, 10}, {10, 10, MaxDimension + 1}, {math.MaxInt, math.MaxInt, math.MaxInt}} {
		_, err := m.Acquire(g[0], g[1], g[2])
		assert.ErrorIs(t, err, ErrInvalidGeometry)
	}
	assert.Equal(t, 0, m.Reallocations())

	b, err := m.Acquire(MaxDimension, 1, MaxDimension)
	require.NoError(t, err)
	assert.Len(t, b, MaxDimension)
}

func TestManager_Release(t *testing.T) {
	m := &Manager{}
	_, err := m.Acquire(8, 8, 8)
	require.NoError(t, err)
	m.Release()
	_, ok := m.Image()
	assert.False(t, ok)

	_, err = m.Acquire(8, 8, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Reallocations())
}
