package session

import "time"

// Outcome classifies how a Detect call ended.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeEmpty          Outcome = "empty"
	OutcomeNotInitialized Outcome = "not_initialized"
	OutcomeDetectFailed   Outcome = "detect_failed"
	OutcomeAllocFailed    Outcome = "alloc_failed"
	OutcomeRecordOverflow Outcome = "record_overflow"
)

// Observer receives one call per Detect and one per frame buffer
// reallocation.
type Observer interface {
	ObserveDetect(outcome Outcome, detections int, elapsed time.Duration, payloadBytes int)
	ObserveReallocation()
}

type nopObserver struct{}

func (nopObserver) ObserveDetect(Outcome, int, time.Duration, int) {}
func (nopObserver) ObserveReallocation()                           {}
