package runner

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingInput means a declared input was absent; the unit was not executed.
	ErrMissingInput = errors.New("missing input")
	// ErrExecutionFailure means the program exited non-zero or the call returned an error.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrMissingOutput means a declared output was absent after an apparently successful run.
	ErrMissingOutput = errors.New("missing output")
)

// Status is the coarse result of one unit.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// FailureKind refines StatusFailed.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureMissingInput     FailureKind = "missing_input"
	FailureExecutionFailure FailureKind = "execution_failure"
	FailureMissingOutput    FailureKind = "missing_output"
)

// Outcome is what the runner reports for one WorkItem. ExitCode and Detail
// carry the raw status for logging.
type Outcome struct {
	Status   Status        `json:"status"`
	Kind     FailureKind   `json:"kind,omitempty"`
	ExitCode int           `json:"exit_code"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the unit counts as a failure.
func (o Outcome) Failed() bool {
	return o.Status == StatusFailed
}

// Err maps a failed outcome back onto the sentinel errors.
func (o Outcome) Err() error {
	if o.Status != StatusFailed {
		return nil
	}
	var base error
	switch o.Kind {
	case FailureMissingInput:
		base = ErrMissingInput
	case FailureMissingOutput:
		base = ErrMissingOutput
	default:
		base = ErrExecutionFailure
	}
	if o.Detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, o.Detail)
}

func skipped() Outcome {
	return Outcome{Status: StatusSkipped}
}

func succeeded(exitCode int) Outcome {
	return Outcome{Status: StatusSucceeded, ExitCode: exitCode}
}

func failed(kind FailureKind, exitCode int, detail string) Outcome {
	return Outcome{Status: StatusFailed, Kind: kind, ExitCode: exitCode, Detail: detail}
}
