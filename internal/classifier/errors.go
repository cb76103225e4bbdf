package classifier

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleClosed is returned when inference is attempted on a closed handle.
	ErrHandleClosed = errors.New("classifier handle is closed")
	// ErrShapeMismatch reports a tensor whose shape differs from the model input.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrIncompatibleModel reports an artifact whose inputs or outputs cannot serve screening.
	ErrIncompatibleModel = errors.New("incompatible model")
	// ErrInvalidOutput reports a forward pass that did not yield a single score in [0,1].
	ErrInvalidOutput = errors.New("invalid model output")
)

// ModelLoadError reports that a classifier artifact could not be turned into a usable handle.
type ModelLoadError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ModelLoadError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Path == "" {
		return fmt.Sprintf("model load failed: %v", e.Err)
	}
	return fmt.Sprintf("model load failed (%s): %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ModelLoadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InferenceError reports that a forward pass could not produce a score.
type InferenceError struct {
	Err error
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("inference failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *InferenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func loadError(path string, err error) error {
	return &ModelLoadError{Path: path, Err: err}
}

func inferenceError(err error) error {
	return &InferenceError{Err: err}
}
