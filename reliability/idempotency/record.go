package idempotency

import (
	"bytes"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Record is the stored state for one idempotency key. Records are replaced,
// never mutated; Fingerprint never changes once set.
type Record struct {
	Key             string    `json:"key"`
	Fingerprint     string    `json:"fingerprint"`
	Status          Status    `json:"status"`
	ResponsePayload []byte    `json:"responsePayload,omitempty"`
	ResponseCode    int       `json:"responseCode"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func (r Record) clone() Record {
	r.ResponsePayload = bytes.Clone(r.ResponsePayload)

	return r
}

// Outcome is the result category of CheckOrBegin.
type Outcome int

const (
	// OutcomeNotSeen means the caller owns the key and must call Complete or Fail.
	OutcomeNotSeen Outcome = iota
	// OutcomeConflict means the key exists with a different fingerprint.
	OutcomeConflict
	// OutcomeInProgress means another caller is processing the same request.
	OutcomeInProgress
	// OutcomeCompleted means a cached response is available for replay.
	OutcomeCompleted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNotSeen:
		return "not_seen"
	case OutcomeConflict:
		return "conflict"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Result is returned by CheckOrBegin. Payload and Code are set only for
// OutcomeCompleted.
type Result struct {
	Outcome Outcome
	Payload []byte
	Code    int
}

// Err maps Conflict and InProgress to ErrConflict and ErrInProgress. It
// returns nil for the other outcomes.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeConflict:
		return ErrConflict
	case OutcomeInProgress:
		return ErrInProgress
	default:
		return nil
	}
}
