// Package engine wraps the AprilTag C library: tag family, detector and the
// orthogonal-iteration pose solver. The cgo binding is compiled with the
// "apriltag" build tag; without it every constructor fails with
// ErrEngineUnavailable.
package engine

import (
	iface "AtagDetServer/interface"
	"errors"
	"fmt"
	"slices"
	"unsafe"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const DefaultFamily = "tag36h11"

// Families lists the tag families the engine can build.
var Families = []string{"tag36h11", "tag25h9", "tag16h5", "tagCircle21h7", "tagStandard41h12"}

var (
	ErrEngineUnavailable = errors.New("apriltag engine not compiled in (build with -tags apriltag)")
	ErrUnknownFamily     = errors.New("unknown tag family")
	ErrCreateFamily      = errors.New("error initializing tag family")
	ErrCreateDetector    = errors.New("error initializing detector")
	ErrNotRegistered     = errors.New("detector not registered")
	ErrBusy              = errors.New("detector is busy")
	ErrShortImage        = errors.New("image buffer smaller than stride*height")
)

type Detector struct {
	Family     string
	MaxHamming int
	State      int
	family     unsafe.Pointer
	instance   unsafe.Pointer
}

// NewDetector builds the tag family and a detector accepting up to
// maxHamming corrected bits.
func NewDetector(family string, maxHamming int) (*Detector, error) {
	d := &Detector{}
	if err := d.New(family, maxHamming); err != nil {
		return nil, err
	}
	return d, nil
}

// Factory returns a BackendFactory building one Detector per session.
func Factory(family string, maxHamming int) iface.BackendFactory {
	return func() (iface.Backend, error) {
		d, err := NewDetector(family, maxHamming)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func (d *Detector) New(family string, maxHamming int) error {
	if family == "" {
		family = DefaultFamily
	}
	idx := slices.Index(Families, family)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if !nativeAvailable() {
		return ErrEngineUnavailable
	}
	if maxHamming < 0 {
		maxHamming = 0
	}
	if d.family != nil || d.instance != nil {
		d.Destroy()
	}
	tf := nativeCreateFamily(idx)
	if tf == nil {
		return fmt.Errorf("%w: %s", ErrCreateFamily, family)
	}
	// 族已建好，检测器还没有
	d.Family = family
	d.family = tf
	d.State = REGISTERED
	td := nativeCreateDetector(tf, maxHamming)
	if td == nil {
		d.Destroy()
		return ErrCreateDetector
	}
	d.MaxHamming = maxHamming
	d.instance = td
	d.State = IDLE
	return nil
}

// Destroy releases the detector, then the tag family.
func (d *Detector) Destroy() {
	if d.instance != nil {
		nativeDestroyDetector(d.instance)
	}
	if d.family != nil {
		nativeDestroyFamily(slices.Index(Families, d.Family), d.family)
	}
	d.instance = nil
	d.family = nil
	d.Family = ""
	d.MaxHamming = 0
	d.State = UNREGISTERED
}

func (d *Detector) Detect(img iface.ImageU8, opts iface.DetectorOptions) (iface.DetectionList, error) {
	switch d.State {
	case UNREGISTERED, REGISTERED:
		return nil, ErrNotRegistered
	case BUSY:
		return nil, ErrBusy
	}
	if d.instance == nil {
		return nil, ErrNotRegistered
	}
	if img.Height <= 0 || img.Stride <= 0 || len(img.Buf) < img.Height*img.Stride {
		return nil, ErrShortImage
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	za, n := nativeDetect(d.instance, img, opts)
	return &nativeList{za: za, n: n}, nil
}

func (d *Detector) EstimatePose(det iface.RawDetection, info iface.PoseInfo, maxIters int) (iface.PoseSolution, *iface.PoseSolution) {
	return nativeEstimatePose(det, info, maxIters)
}

// nativeList is the engine's detection array. It must be released once.
type nativeList struct {
	za unsafe.Pointer
	n  int
}

func (l *nativeList) Len() int { return l.n }

func (l *nativeList) At(i int) iface.RawDetection {
	if i < 0 || i >= l.n {
		panic(fmt.Sprintf("engine: detection index %d out of range [0,%d)", i, l.n))
	}
	return nativeDetectionAt(l.za, i)
}

func (l *nativeList) Release() {
	if l.za == nil {
		return
	}
	nativeReleaseDetections(l.za)
	l.za = nil
	l.n = 0
}
