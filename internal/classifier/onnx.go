package classifier

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNX Runtime keeps one environment per process.
var envMu sync.Mutex

// Load reads an ONNX classifier artifact and returns a ready handle.
// Any failure is reported as *ModelLoadError and no handle is returned.
func Load(path string, opts ...Option) (*Handle, error) {
	o := applyOptions(opts)
	if o.source == "" {
		o.source = path
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, loadError(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, loadError(path, fmt.Errorf("%s is not a regular file", path))
	}

	if err := initEnvironment(o.libraryPath); err != nil {
		return nil, loadError(path, err)
	}

	backend, err := newONNXBackend(path, o)
	if err != nil {
		return nil, loadError(path, err)
	}

	return NewHandle(backend, WithSource(o.source))
}

// Shutdown destroys the process-wide ONNX Runtime environment. Handles must be
// closed first.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

type onnxBackend struct {
	session     *ort.DynamicAdvancedSession
	outputShape ort.Shape
}

func newONNXBackend(path string, o options) (*onnxBackend, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: want 1 input and 1 output, got %d and %d",
			ErrIncompatibleModel, len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("%w: input %q has element type %v, want float32",
			ErrIncompatibleModel, in.Name, in.DataType)
	}
	if err := checkInputDims(in.Dimensions, InputShape()); err != nil {
		return nil, fmt.Errorf("input %q: %w", in.Name, err)
	}
	outputShape, err := resolveOutputDims(out.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", out.Name, err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy()
	if o.intraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(o.intraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{in.Name}, []string{out.Name}, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackend{session: session, outputShape: outputShape}, nil
}

// Forward allocates per-call tensors, so concurrent calls share only the session.
func (b *onnxBackend) Forward(shape []int64, input []float32) ([]float32, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](b.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, err
	}

	data := outputTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

func (b *onnxBackend) Close() error {
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}

// checkInputDims accepts dynamic (non-positive) dimensions as wildcards.
func checkInputDims(dims, want []int64) error {
	if len(dims) != len(want) {
		return fmt.Errorf("%w: rank %d, want %d", ErrIncompatibleModel, len(dims), len(want))
	}
	for i, d := range dims {
		if d > 0 && d != want[i] {
			return fmt.Errorf("%w: dims %v, want %v", ErrIncompatibleModel, dims, want)
		}
	}
	return nil
}

// resolveOutputDims pins dynamic dimensions to 1 and requires a single score.
func resolveOutputDims(dims []int64) (ort.Shape, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: scalar output without batch dimension", ErrIncompatibleModel)
	}
	resolved := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		resolved[i] = d
	}
	if n := elements(resolved); n != 1 {
		return nil, fmt.Errorf("%w: output dims %v yield %d values, want 1", ErrIncompatibleModel, dims, n)
	}
	return resolved, nil
}
