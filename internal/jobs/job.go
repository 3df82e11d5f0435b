// Package jobs runs render work on per-type worker pools with priorities,
// retries, per-attempt timeouts and de-duplication of identical work.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeVector Type = "render_vector_tile"
	TypeRaster Type = "render_raster_tile"
	TypeGrid   Type = "render_grid_tile"
	TypeCube   Type = "render_cube_tile"
	TypeProxy  Type = "proxy_tile"
)

// DefaultConcurrency is the worker count per job type.
var DefaultConcurrency = map[Type]int{
	TypeVector: 2,
	TypeRaster: 4,
	TypeGrid:   2,
	TypeCube:   4,
	TypeProxy:  100,
}

type Priority int

const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	DedupKey    string          `json:"dedup_key"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       State           `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("job %s: decode payload: %w", j.ID, err))
	}
	return nil
}

func (j *Job) clone() *Job {
	cp := *j
	return &cp
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

var (
	ErrClosed      = errors.New("dispatcher closed")
	ErrNoHandler   = errors.New("no handler registered for job type")
	ErrAttemptHung = errors.New("job attempt timed out")
)
