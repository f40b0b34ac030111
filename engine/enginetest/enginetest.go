// Package enginetest provides a scripted in-memory engine for transport
// tests. It needs no native library.
package enginetest

import (
	iface "AtagDetServer/interface"
	"slices"
	"sync"
)

// Fake returns the same scripted detections and pose for every frame. One
// Fake may back many sessions at once.
type Fake struct {
	mu         sync.Mutex
	detections []iface.RawDetection
	err        error
	first      iface.PoseSolution
	second     *iface.PoseSolution

	calls     int
	destroyed int
	lastImg   iface.ImageU8
	lastOpts  iface.DetectorOptions
}

func (f *Fake) Factory() iface.BackendFactory {
	return func() (iface.Backend, error) { return f, nil }
}

func (f *Fake) SetDetections(dets ...iface.RawDetection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = dets
}

func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *Fake) SetPose(first iface.PoseSolution, second *iface.PoseSolution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.first, f.second = first, second
}

func (f *Fake) Detect(img iface.ImageU8, opts iface.DetectorOptions) (iface.DetectionList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastImg = img
	f.lastImg.Buf = slices.Clone(img.Buf)
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return iface.Detections(slices.Clone(f.detections)), nil
}

func (f *Fake) EstimatePose(iface.RawDetection, iface.PoseInfo, int) (iface.PoseSolution, *iface.PoseSolution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first, f.second
}

func (f *Fake) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) Destroyed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// LastImage returns a copy of the most recent frame passed to Detect.
func (f *Fake) LastImage() iface.ImageU8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastImg
}

func (f *Fake) LastOptions() iface.DetectorOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

// Detection builds a detection whose corners and center are offset by x.
func Detection(id int, x float64) iface.RawDetection {
	return iface.RawDetection{
		ID: id,
		Corners: [4]iface.Position{
			{X: x, Y: x + 1}, {X: x + 2, Y: x + 3}, {X: x + 4, Y: x + 5}, {X: x + 6, Y: x + 7},
		},
		Center: iface.Position{X: x + 3, Y: x + 4},
	}
}
