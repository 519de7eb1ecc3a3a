package scenario

import (
	"errors"
	"fmt"
)

var (
	ErrBufferReused    = errors.New("buffer already consumed by an earlier step")
	ErrEmptyProgram    = errors.New("program data is empty")
	ErrUnexpectedState = errors.New("scenario reached an unexpected state")
)

// StepError aborts a scenario. It names the step that could not complete.
type StepError struct {
	Scenario string
	Step     string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %s: %v", e.Scenario, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
