package engine

import (
	"fmt"
	"time"
)

// ExecutionError carries the query engine's error for a statement. Its text
// is the engine's text, unchanged.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// Stage names the blocking step an attempt was in.
type Stage string

const (
	StageGeneration Stage = "generation"
	StageExecution  Stage = "execution"
)

// TimeoutError reports a generation or execution call that ran past its
// per-attempt limit.
type TimeoutError struct {
	Stage Stage
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Stage, e.After)
}
