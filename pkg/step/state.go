// Package step implements the per-step lifecycle:
//
//	pending → executing → completed | failed
//	failed | completed | skipped → executing   (retry / re-run / re-target)
//	pending | failed | completed → skipped
package step

import (
	"fmt"
	"time"
)

// State is a step lifecycle state.
type State string

const (
	Pending   State = "pending"
	Executing State = "executing"
	Completed State = "completed"
	Failed    State = "failed"
	Skipped   State = "skipped"
)

// Done reports whether "run all remaining" should pass over the state.
func (s State) Done() bool {
	return s == Completed || s == Skipped
}

var transitions = map[State]map[State]bool{
	Pending:   {Executing: true, Skipped: true},
	Executing: {Completed: true, Failed: true},
	Completed: {Executing: true, Skipped: true},
	Failed:    {Executing: true, Skipped: true},
	Skipped:   {Executing: true},
}

// TransitionError is returned for an illegal state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal step transition %s → %s", e.From, e.To)
}

// Response is the summary kept from the last response.
type Response struct {
	Status   int
	Body     []byte
	Duration time.Duration
}

// Runtime is the mutable state of one step. It is never persisted.
type Runtime struct {
	State     State
	Attempts  int
	Last      *Response
	LastError error
	UpdatedAt time.Time
}

// NewRuntime returns a pending runtime.
func NewRuntime() *Runtime {
	return &Runtime{State: Pending}
}

func (r *Runtime) move(to State) error {
	if !transitions[r.State][to] {
		return &TransitionError{From: r.State, To: to}
	}
	r.State = to
	r.UpdatedAt = time.Now()
	return nil
}

// Dispatch enters executing and counts an attempt.
func (r *Runtime) Dispatch() error {
	if err := r.move(Executing); err != nil {
		return err
	}
	r.Attempts++
	r.LastError = nil
	return nil
}

// Complete records a successful response.
func (r *Runtime) Complete(resp *Response) error {
	if err := r.move(Completed); err != nil {
		return err
	}
	r.Last = resp
	return nil
}

// Fail records the failure cause and, when one arrived, the response.
func (r *Runtime) Fail(cause error, resp *Response) error {
	if err := r.move(Failed); err != nil {
		return err
	}
	r.LastError = cause
	if resp != nil {
		r.Last = resp
	}
	return nil
}

// Skip marks the step as skipped by the operator.
func (r *Runtime) Skip() error {
	return r.move(Skipped)
}

// Reset discards all runtime history. Used when a step's definition changes.
func (r *Runtime) Reset() {
	*r = Runtime{State: Pending, UpdatedAt: time.Now()}
}
