package main

import (
	"AtagDetServer/engine"
	"AtagDetServer/imgbuf"
	iface "AtagDetServer/interface"
	"AtagDetServer/resultbuf"
	"AtagDetServer/session"
	"errors"
	"fmt"
	"sync"
)

var (
	errNoHandle    = errors.New("unknown handle")
	errAllocFailed = errors.New("image buffer allocation failed")
)

type handle struct {
	s *session.Session
	// staging is the caller-writable frame, in memory the caller may keep
	// a pointer to.
	staging               []byte
	width, height, stride int
}

// table maps the integer handles handed out over the ABI to sessions.
type table struct {
	mu      sync.Mutex
	next    int32
	m       map[int32]*handle
	factory func(family string, hamming int) iface.BackendFactory
	alloc   func(n int) []byte
	free    func(b []byte)
}

func newTable(alloc func(int) []byte, free func([]byte)) *table {
	return &table{
		m:       make(map[int32]*handle),
		factory: engine.Factory,
		alloc:   alloc,
		free:    free,
	}
}

func (t *table) create(family string, hamming int) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.m[t.next] = &handle{s: session.New(t.factory(family, hamming))}
	return t.next
}

func (t *table) with(id int32, fn func(h *handle) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.m[id]
	if !ok {
		return errNoHandle
	}
	return fn(h)
}

func (t *table) init(id int32) error {
	return t.with(id, func(h *handle) error { return h.s.Init() })
}

// destroy tears the session down and forgets the handle.
func (t *table) destroy(id int32) error {
	err := t.with(id, func(h *handle) error {
		if h.staging != nil {
			t.free(h.staging)
			h.staging = nil
		}
		return h.s.Teardown()
	})
	if errors.Is(err, errNoHandle) {
		return err
	}
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
	return err
}

func (t *table) configure(id int32, opts iface.DetectorOptions) error {
	return t.with(id, func(h *handle) error { return h.s.Configure(opts) })
}

func (t *table) setPoseInfo(id int32, fx, fy, cx, cy float64) error {
	return t.with(id, func(h *handle) error { return h.s.SetIntrinsics(fx, fy, cx, cy) })
}

func (t *table) setTagSize(id int32, tag int, size float64) error {
	return t.with(id, func(h *handle) error { return h.s.SetTagSize(tag, size) })
}

// imageBuffer returns the staging frame for the given geometry, reusing the
// previous one when the geometry is unchanged. When the new frame cannot be
// allocated the handle keeps its previous frame and geometry.
func (t *table) imageBuffer(id int32, width, height, stride int) ([]byte, error) {
	if !imgbuf.ValidGeometry(width, height, stride) {
		return nil, fmt.Errorf("%w: %dx%d stride %d", imgbuf.ErrInvalidGeometry, width, height, stride)
	}
	var out []byte
	err := t.with(id, func(h *handle) error {
		if h.staging != nil && h.width == width && h.height == height && h.stride == stride {
			if _, err := h.s.AcquireImageBuffer(width, height, stride); err != nil {
				return err
			}
			out = h.staging
			return nil
		}
		n := height * max(width, stride)
		staging := t.alloc(n)
		if len(staging) < n {
			if staging != nil {
				t.free(staging)
			}
			return errAllocFailed
		}
		if _, err := h.s.AcquireImageBuffer(width, height, stride); err != nil {
			t.free(staging)
			return err
		}
		if h.staging != nil {
			t.free(h.staging)
		}
		h.staging = staging
		h.width, h.height, h.stride = width, height, stride
		out = h.staging
		return nil
	})
	return out, err
}

// detect copies the staging frame into the session and runs it. The
// returned buffer stays valid until the next detect on the handle.
func (t *table) detect(id int32) (*resultbuf.Buffer, error) {
	var out *resultbuf.Buffer
	err := t.with(id, func(h *handle) error {
		if h.staging != nil {
			buf, err := h.s.AcquireImageBuffer(h.width, h.height, h.stride)
			if err == nil {
				copy(buf, h.staging)
			}
		}
		out = h.s.Detect()
		return nil
	})
	return out, err
}
