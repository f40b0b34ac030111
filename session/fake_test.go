package session

import (
	iface "AtagDetServer/interface"
	"time"
)

type fakeList struct {
	dets     []iface.RawDetection
	released *int
}

func (l *fakeList) Len() int                    { return len(l.dets) }
func (l *fakeList) At(i int) iface.RawDetection { return l.dets[i] }
func (l *fakeList) Release()                    { *l.released++ }

type fakeBackend struct {
	dets   []iface.RawDetection
	err    error
	first  iface.PoseSolution
	second *iface.PoseSolution

	detectCalls int
	released    int
	destroyed   int
	lastOpts    iface.DetectorOptions
	lastImg     iface.ImageU8
	poseInfos   []iface.PoseInfo
	poseIters   []int
}

func (f *fakeBackend) Detect(img iface.ImageU8, opts iface.DetectorOptions) (iface.DetectionList, error) {
	f.detectCalls++
	f.lastImg = img
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &fakeList{dets: f.dets, released: &f.released}, nil
}

func (f *fakeBackend) EstimatePose(det iface.RawDetection, info iface.PoseInfo, maxIters int) (iface.PoseSolution, *iface.PoseSolution) {
	f.poseInfos = append(f.poseInfos, info)
	f.poseIters = append(f.poseIters, maxIters)
	return f.first, f.second
}

func (f *fakeBackend) Destroy() { f.destroyed++ }

func (f *fakeBackend) factory() iface.BackendFactory {
	return func() (iface.Backend, error) { return f, nil }
}

func detection(id int, x float64) iface.RawDetection {
	return iface.RawDetection{
		ID: id,
		Corners: [4]iface.Position{
			{X: x, Y: x + 1}, {X: x + 2, Y: x + 3}, {X: x + 4, Y: x + 5}, {X: x + 6, Y: x + 7},
		},
		Center: iface.Position{X: x + 3, Y: x + 4},
	}
}

type observation struct {
	outcome Outcome
	n       int
	bytes   int
}

type recordingObserver struct {
	detects  []observation
	reallocs int
}

func (o *recordingObserver) ObserveDetect(outcome Outcome, n int, _ time.Duration, bytes int) {
	o.detects = append(o.detects, observation{outcome: outcome, n: n, bytes: bytes})
}

func (o *recordingObserver) ObserveReallocation() { o.reallocs++ }
