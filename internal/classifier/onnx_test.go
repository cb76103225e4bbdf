package classifier

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs a real forward pass when an ONNX Runtime library and a classifier
// artifact are available, e.g.
//
//	ONNXRUNTIME_LIB=/usr/lib/libonnxruntime.so CARIES_TEST_MODEL=models/caries_model.onnx go test ./internal/classifier
func TestONNXBackendForward(t *testing.T) {
	libPath := os.Getenv("ONNXRUNTIME_LIB")
	modelPath := os.Getenv("CARIES_TEST_MODEL")
	if libPath == "" || modelPath == "" {
		t.Skip("ONNXRUNTIME_LIB and CARIES_TEST_MODEL not set")
	}

	handle, err := Load(modelPath, WithLibraryPath(libPath))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, handle.Close())
		require.NoError(t, Shutdown())
	}()

	tensor := &Tensor{Shape: InputShape(), Data: make([]float32, elements(InputShape()))}
	for i := range tensor.Data {
		tensor.Data[i] = 128.0 / 255.0
	}

	first, err := handle.Infer(tensor)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, float32(0))
	assert.LessOrEqual(t, first, float32(1))

	var wg sync.WaitGroup
	scores := make([]float32, 4)
	errs := make([]error, 4)
	for i := range scores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scores[i], errs[i] = handle.Infer(tensor)
		}(i)
	}
	wg.Wait()
	for i := range scores {
		require.NoError(t, errs[i])
		assert.Equal(t, first, scores[i])
	}
}
