// Package classifier loads the caries classifier and runs forward passes over it.
//
// A Handle is created once per session by Load (or NewHandle for a custom
// Backend) and is read-only afterwards, so a single handle may serve any
// number of concurrent Infer calls.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Model input geometry: one NHWC image of 256x256 RGB pixels.
const (
	BatchSize   = 1
	InputHeight = 256
	InputWidth  = 256
	Channels    = 3
)

// InputShape returns the tensor shape every forward pass expects.
func InputShape() []int64 {
	return []int64{BatchSize, InputHeight, InputWidth, Channels}
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Validate reports whether the tensor has exactly the given shape and a
// matching number of elements.
func (t *Tensor) Validate(shape []int64) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrShapeMismatch)
	}
	if !equalShape(t.Shape, shape) {
		return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, t.Shape, shape)
	}
	if want := elements(shape); int64(len(t.Data)) != want {
		return fmt.Errorf("%w: got %d values, want %d", ErrShapeMismatch, len(t.Data), want)
	}
	return nil
}

// Backend executes forward passes over a loaded model. Implementations must be
// safe for concurrent Forward calls.
type Backend interface {
	Forward(shape []int64, input []float32) ([]float32, error)
	Close() error
}

// Handle is a loaded, frozen classifier.
type Handle struct {
	source     string
	inputShape []int64

	mu      sync.RWMutex
	backend Backend
}

// Option customizes handle construction.
type Option func(*options)

type options struct {
	source         string
	libraryPath    string
	intraOpThreads int
}

// WithSource records where the model came from; it is reported by Handle.Source.
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithLibraryPath points the ONNX Runtime environment at a specific shared library.
func WithLibraryPath(path string) Option {
	return func(o *options) { o.libraryPath = path }
}

// WithIntraOpThreads bounds the threads ONNX Runtime uses inside one forward pass.
func WithIntraOpThreads(n int) Option {
	return func(o *options) { o.intraOpThreads = n }
}

// NewHandle wraps an already constructed backend.
func NewHandle(backend Backend, opts ...Option) (*Handle, error) {
	o := applyOptions(opts)
	if backend == nil {
		return nil, loadError(o.source, errors.New("nil backend"))
	}
	return &Handle{
		source:     o.source,
		inputShape: InputShape(),
		backend:    backend,
	}, nil
}

// Source returns the artifact location the handle was loaded from.
func (h *Handle) Source() string {
	if h == nil {
		return ""
	}
	return h.source
}

// Infer runs one forward pass and returns the raw score in [0,1].
func (h *Handle) Infer(t *Tensor) (score float32, err error) {
	if h == nil {
		return 0, inferenceError(errors.New("nil handle"))
	}
	if err := t.Validate(h.inputShape); err != nil {
		return 0, inferenceError(err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.backend == nil {
		return 0, inferenceError(ErrHandleClosed)
	}

	defer func() {
		if r := recover(); r != nil {
			score, err = 0, inferenceError(fmt.Errorf("backend panic: %v", r))
		}
	}()

	out, err := h.backend.Forward(h.inputShape, t.Data)
	if err != nil {
		return 0, inferenceError(err)
	}
	if len(out) != 1 {
		return 0, inferenceError(fmt.Errorf("%w: %d values", ErrInvalidOutput, len(out)))
	}
	v := out[0]
	if math.IsNaN(float64(v)) || v < 0 || v > 1 {
		return 0, inferenceError(fmt.Errorf("%w: score %v outside [0,1]", ErrInvalidOutput, v))
	}
	return v, nil
}

// Close releases the backend. Further Infer calls fail with ErrHandleClosed.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend == nil {
		return nil
	}
	err := h.backend.Close()
	h.backend = nil
	return err
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func elements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
