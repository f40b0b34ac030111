// Package session drives one tag detector: it owns the frame buffer, the
// result buffer, the engine handle and the options, and runs the detect
// pipeline over them.
//
// A Session is not safe for concurrent use. Callers that share one, such as
// the network transports, go through Registry which serialises access.
package session

import (
	"AtagDetServer/imgbuf"
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"AtagDetServer/pose"
	"AtagDetServer/resultbuf"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type State int

const (
	Uninitialized State = iota
	Ready
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	// PerRecordBudget is the most bytes one serialized detection may take.
	PerRecordBudget = 1500
	// ErrorBufferSize is the capacity used for error and empty payloads.
	ErrorBufferSize = 256
	// DefaultMaxPayloadBytes caps the result buffer of a single call.
	DefaultMaxPayloadBytes = 4 << 20
)

var (
	ErrNotReady           = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrDestroyed          = errors.New("session destroyed")
	ErrAlreadyDestroyed   = errors.New("session already destroyed")
	ErrInitFailed         = errors.New("session init failed")
)

// DefaultOptions mirror the engine defaults: decimate 2, no blur, one
// thread, edge refinement on, pose on, alternates off.
var DefaultOptions = iface.DetectorOptions{
	Decimate:    2.0,
	Sigma:       0.0,
	Threads:     1,
	RefineEdges: true,
	ReturnPose:  true,
}

// DefaultIntrinsics describe a 1280x720 tablet camera.
var DefaultIntrinsics = iface.CameraIntrinsics{
	Fx: 997.2827,
	Fy: 997.2827,
	Cx: 636.9118,
	Cy: 360.5100,
}

type Option func(*Session)

func WithOptions(o iface.DetectorOptions) Option {
	return func(s *Session) { s.opts = o }
}

func WithIntrinsics(in iface.CameraIntrinsics) Option {
	return func(s *Session) { s.intrinsics = in }
}

func WithTagSizes(t pose.SizeTable) Option {
	return func(s *Session) { s.sizes = t.Clone() }
}

// WithMaxPayloadBytes bounds the result buffer. Values below
// ErrorBufferSize are raised to it so error payloads always fit.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Session) { s.result = resultbuf.New(max(n, ErrorBufferSize)) }
}

func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

type Session struct {
	state      State
	factory    iface.BackendFactory
	backend    iface.Backend
	opts       iface.DetectorOptions
	intrinsics iface.CameraIntrinsics
	sizes      pose.SizeTable
	images     imgbuf.Manager
	result     *resultbuf.Buffer
	observer   Observer
	log        *zap.Logger
}

// New returns an uninitialized session. factory is called by Init to build
// the engine.
func New(factory iface.BackendFactory, options ...Option) *Session {
	s := &Session{
		factory:    factory,
		opts:       DefaultOptions,
		intrinsics: DefaultIntrinsics,
		sizes:      pose.SizeTable{},
		result:     resultbuf.New(DefaultMaxPayloadBytes),
		observer:   nopObserver{},
		log:        logger.Named("session"),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Init builds the tag family and detector. On failure the session stays
// uninitialized and Init may be retried.
func (s *Session) Init() error {
	switch s.state {
	case Ready:
		return ErrAlreadyInitialized
	case Destroyed:
		return ErrDestroyed
	}
	if s.factory == nil {
		return fmt.Errorf("%w: no engine factory", ErrInitFailed)
	}
	b, err := s.factory()
	if err != nil {
		s.log.Error("engine init failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	if b == nil {
		return fmt.Errorf("%w: engine factory returned nil", ErrInitFailed)
	}
	s.backend = b
	s.state = Ready
	s.log.Debug("session ready")
	return nil
}

// Configure replaces the detector options used from the next Detect on.
func (s *Session) Configure(opts iface.DetectorOptions) error {
	if s.state != Ready {
		return ErrNotReady
	}
	s.opts = opts
	return nil
}

func (s *Session) SetIntrinsics(fx, fy, cx, cy float64) error {
	if s.state != Ready {
		return ErrNotReady
	}
	s.intrinsics = iface.CameraIntrinsics{Fx: fx, Fy: fy, Cx: cx, Cy: cy}
	return nil
}

// SetTagSize overrides the physical size for one tag id; size <= 0 removes
// the override.
func (s *Session) SetTagSize(id int, size float64) error {
	if s.state != Ready {
		return ErrNotReady
	}
	if size <= 0 {
		delete(s.sizes, id)
		return nil
	}
	s.sizes[id] = size
	return nil
}

// AcquireImageBuffer returns the buffer the caller fills with grayscale
// rows, stride bytes apart, before calling Detect.
func (s *Session) AcquireImageBuffer(width, height, stride int) ([]byte, error) {
	if s.state == Destroyed {
		return nil, ErrDestroyed
	}
	before := s.images.Reallocations()
	buf, err := s.images.Acquire(width, height, stride)
	if err != nil {
		return nil, err
	}
	if s.images.Reallocations() != before {
		s.observer.ObserveReallocation()
		s.log.Debug("image buffer allocated",
			zap.Int("width", width), zap.Int("height", height), zap.Int("stride", stride))
	}
	return buf, nil
}

// Teardown releases the engine, the frame buffer and the result buffer, in
// that order.
func (s *Session) Teardown() error {
	if s.state == Destroyed {
		return ErrAlreadyDestroyed
	}
	if s.backend != nil {
		s.backend.Destroy()
		s.backend = nil
	}
	s.images.Release()
	_ = s.result.Destroy()
	s.state = Destroyed
	s.log.Debug("session destroyed")
	return nil
}

func (s *Session) State() State { return s.state }

func (s *Session) Options() iface.DetectorOptions { return s.opts }

func (s *Session) Intrinsics() iface.CameraIntrinsics { return s.intrinsics }

// TagSizes returns a copy of the per-id overrides.
func (s *Session) TagSizes() pose.SizeTable { return s.sizes.Clone() }

// Result returns the buffer filled by the last Detect.
func (s *Session) Result() *resultbuf.Buffer { return s.result }
