package session

import (
	iface "AtagDetServer/interface"
	"AtagDetServer/payload"
	"AtagDetServer/pose"
	"AtagDetServer/resultbuf"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	arrayOpen  = "[ "
	arrayClose = " ]"
	separator  = ", "
	emptyArray = "[ ]"
	errorFmt   = `{ "result": %s }`

	msgNotInitialized = "detector not initialized (call init and set the image buffer first)"
	maxMessage        = 200
)

// Detect runs the detector over the current frame and serializes every
// kept detection. It always returns a complete payload: a JSON array of
// records, "[ ]", or an error object {"result": "..."}.
//
// The returned buffer is reused; its content is only valid until the next
// Detect on this session.
func (s *Session) Detect() *resultbuf.Buffer {
	start := time.Now()
	outcome, n := s.detect()
	s.observer.ObserveDetect(outcome, n, time.Since(start), s.result.Len())
	return s.result
}

func (s *Session) detect() (Outcome, int) {
	if s.result.Allocated() {
		_ = s.result.Destroy()
	}

	img, ok := s.images.Image()
	if s.state != Ready || !ok {
		s.fail(msgNotInitialized)
		return OutcomeNotInitialized, 0
	}

	list, err := s.backend.Detect(img, s.opts)
	if err != nil {
		s.log.Error("engine detect failed", zap.Error(err))
		s.fail("detection failed: " + err.Error())
		return OutcomeDetectFailed, 0
	}
	defer list.Release()

	n := list.Len()
	if n <= 0 {
		s.whole(emptyArray)
		return OutcomeEmpty, 0
	}
	if m := s.opts.MaxDetections; m > 0 && m < n {
		n = m
	}

	size := n*PerRecordBudget + len(arrayOpen) + len(arrayClose) + (n-1)*len(separator)
	if err := s.result.Allocate(size); err != nil {
		s.log.Warn("result buffer allocation failed", zap.Int("detections", n), zap.Error(err))
		s.fail(fmt.Sprintf("could not allocate memory for %d detections", n))
		return OutcomeAllocFailed, n
	}

	s.result.Append(arrayOpen)
	var scratch []byte
	for i := 0; i < n; i++ {
		rec := s.record(list.At(i))
		scratch, err = payload.AppendEncode(scratch[:0], rec.Value(), PerRecordBudget)
		if err != nil {
			s.log.Warn("detection record over budget", zap.Int("index", i), zap.Int("id", rec.ID))
			s.fail(fmt.Sprintf("detection %d exceeds %d bytes", i, PerRecordBudget))
			return OutcomeRecordOverflow, n
		}
		if i > 0 {
			s.result.Append(separator)
		}
		s.result.Append(string(scratch))
	}
	s.result.Append(arrayClose)
	return OutcomeOK, n
}

func (s *Session) record(det iface.RawDetection) Record {
	rec := Record{
		ID:         det.ID,
		SizeMeters: s.sizes.Size(det.ID),
		Corners:    det.Corners,
		Center:     det.Center,
	}
	if !s.opts.ReturnPose {
		return rec
	}
	info := iface.PoseInfo{Intrinsics: s.intrinsics, TagSize: rec.SizeMeters}
	first, second := s.backend.EstimatePose(det, info, pose.MaxIterations)
	res := pose.Disambiguate(first, second, s.opts.ReturnSolutions)
	rec.Pose = &res
	return rec
}

// fail replaces whatever the result buffer holds with an error payload.
func (s *Session) fail(msg string) {
	s.whole(errorPayload(msg))
}

// errorPayload quotes msg into an error object shorter than
// ErrorBufferSize, dropping trailing runes until the escaped form fits.
func errorPayload(msg string) string {
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
		for r, n := utf8.DecodeLastRuneInString(msg); r == utf8.RuneError && n == 1; r, n = utf8.DecodeLastRuneInString(msg) {
			msg = msg[:len(msg)-1]
		}
	}
	for msg != "" {
		text := fmt.Sprintf(errorFmt, payload.Quote(msg))
		if len(text) < ErrorBufferSize {
			return text
		}
		_, n := utf8.DecodeLastRuneInString(msg)
		msg = msg[:len(msg)-n]
	}
	return fmt.Sprintf(errorFmt, `"detection failed"`)
}

// whole writes one complete payload into a fresh small buffer.
func (s *Session) whole(text string) {
	if s.result.Allocated() {
		_ = s.result.Destroy()
	}
	if err := s.result.Allocate(max(ErrorBufferSize, len(text)+1)); err != nil {
		s.log.Error("result buffer allocation failed", zap.Error(err))
		return
	}
	s.result.FormatReplace("%s", text)
}
