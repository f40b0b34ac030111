package main

import (
	"AtagDetServer/engine/enginetest"
	"AtagDetServer/imgbuf"
	iface "AtagDetServer/interface"
	"AtagDetServer/session"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeTable(t *testing.T) (*table, *enginetest.Fake, *int) {
	t.Helper()
	fake := &enginetest.Fake{}
	freed := 0
	tb := newTable(func(n int) []byte { return make([]byte, n) }, func([]byte) { freed++ })
	tb.factory = func(string, int) iface.BackendFactory { return fake.Factory() }
	return tb, fake, &freed
}

func TestTable_Lifecycle(t *testing.T) {
	tb, fake, freed := fakeTable(t)
	h := tb.create("tag36h11", 2)
	assert.Equal(t, int32(1), h)
	assert.Equal(t, int32(2), tb.create("", 0))

	out, err := tb.detect(h)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `{ "result": "detector not initialized`)

	assert.ErrorIs(t, tb.configure(h, session.DefaultOptions), session.ErrNotReady)
	require.NoError(t, tb.init(h))
	assert.ErrorIs(t, tb.init(h), session.ErrAlreadyInitialized)

	buf, err := tb.imageBuffer(h, 4, 2, 6)
	require.NoError(t, err)
	assert.Len(t, buf, 12)
	again, err := tb.imageBuffer(h, 4, 2, 6)
	require.NoError(t, err)
	assert.Same(t, &buf[0], &again[0])
	assert.Equal(t, 0, *freed)

	_, err = tb.imageBuffer(h, 4, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, *freed)

	require.NoError(t, tb.destroy(h))
	assert.Equal(t, 2, *freed)
	assert.Equal(t, 1, fake.Destroyed())
	assert.ErrorIs(t, tb.destroy(h), errNoHandle)
	_, err = tb.detect(h)
	assert.ErrorIs(t, err, errNoHandle)
}

func TestTable_DetectCopiesStaging(t *testing.T) {
	tb, fake, _ := fakeTable(t)
	h := tb.create("", 2)
	require.NoError(t, tb.init(h))
	require.NoError(t, tb.configure(h, iface.DetectorOptions{Decimate: 2, Threads: 1}))
	require.NoError(t, tb.setTagSize(h, 5, 0.25))
	require.NoError(t, tb.setPoseInfo(h, 500, 500, 320, 240))

	buf, err := tb.imageBuffer(h, 2, 2, 3)
	require.NoError(t, err)
	copy(buf, []byte{1, 2, 0, 3, 4, 0})

	fake.SetDetections(enginetest.Detection(5, 0))
	out, err := tb.detect(h)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"id":5, "size":0.25`)
	assert.Equal(t, []byte{1, 2, 0, 3, 4, 0}, fake.LastImage().Buf)
}

func TestTable_BadGeometry(t *testing.T) {
	tb, _, _ := fakeTable(t)
	h := tb.create("", 2)
	_, err := tb.imageBuffer(h, 0, 2, 2)
	assert.Error(t, err)
	_, err = tb.imageBuffer(99, 2, 2, 2)
	assert.ErrorIs(t, err, errNoHandle)
}

func TestTable_AllocFailureKeepsStaging(t *testing.T) {
	tb, fake, freed := fakeTable(t)
	h := tb.create("", 2)
	require.NoError(t, tb.init(h))

	buf, err := tb.imageBuffer(h, 2, 2, 2)
	require.NoError(t, err)
	copy(buf, []byte{9, 8, 7, 6})

	tb.alloc = func(int) []byte { return nil }
	out, err := tb.imageBuffer(h, 64, 64, 64)
	assert.ErrorIs(t, err, errAllocFailed)
	assert.Nil(t, out)
	assert.Equal(t, 0, *freed)

	// 旧帧仍然有效
	same, err := tb.imageBuffer(h, 2, 2, 2)
	require.NoError(t, err)
	assert.Same(t, &buf[0], &same[0])
	res, err := tb.detect(h)
	require.NoError(t, err)
	assert.Equal(t, "[ ]", res.String())
	img := fake.LastImage()
	assert.Equal(t, 2, img.Width)
	assert.Equal(t, []byte{9, 8, 7, 6}, img.Buf[:4])

	require.NoError(t, tb.destroy(h))
	assert.Equal(t, 1, *freed)
}

func TestTable_OversizedGeometry(t *testing.T) {
	tb, _, _ := fakeTable(t)
	tb.alloc = func(n int) []byte {
		t.Fatalf("unexpected allocation of %d bytes", n)
		return nil
	}
	h := tb.create("", 2)
	require.NoError(t, tb.init(h))
	_, err := tb.imageBuffer(h, 1<<31-1, 1<<31-1, 1<<31-1)
	assert.ErrorIs(t, err, imgbuf.ErrInvalidGeometry)
}
