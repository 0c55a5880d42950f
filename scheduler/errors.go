package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrLowConfidence = errors.New("gaze below confidence threshold")
	ErrPartialResult = errors.New("partial landmark set")
	ErrInferTimeout  = errors.New("inference timed out")
)

type ProcessingError struct {
	Stage   string
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
