// Package pipeline runs one X-ray through normalization, inference and decision.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"go.uber.org/zap"

	"github.com/example/caries-screen/internal/classifier"
	"github.com/example/caries-screen/internal/decision"
	"github.com/example/caries-screen/internal/preprocess"
)

// ErrUnsupportedImage is returned when an upload is not a decodable PNG or JPEG.
var ErrUnsupportedImage = errors.New("unsupported image: expected PNG or JPEG")

// Model runs forward passes over normalized tensors. *classifier.Handle implements it.
type Model interface {
	Infer(t *classifier.Tensor) (float32, error)
}

// Screener turns one decoded image into a screening result.
type Screener interface {
	Screen(img image.Image) (decision.Result, error)
}

// Pipeline is stateless apart from the shared, read-only model.
type Pipeline struct {
	model  Model
	logger *zap.Logger
}

// New builds a pipeline over a loaded model.
func New(model Model, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{model: model, logger: logger.Named("pipeline")}
}

// Screen normalizes img, runs one forward pass and maps the score to a
// decision. No result is returned if any stage fails.
func (p *Pipeline) Screen(img image.Image) (decision.Result, error) {
	tensor, err := preprocess.Normalize(img)
	if err != nil {
		return decision.Result{}, fmt.Errorf("normalize image: %w", err)
	}

	score, err := p.model.Infer(tensor)
	if err != nil {
		return decision.Result{}, err
	}

	result := decision.Decide(score)
	p.logger.Debug("image screened",
		zap.Float32("raw_score", result.RawScore),
		zap.Stringer("decision", result.Decision))
	return result, nil
}

// Image is a decoded upload together with its container format.
type Image struct {
	image.Image
	Format string
}

// Decode reads a PNG or JPEG stream.
func Decode(r io.Reader) (*Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedImage, format)
	}
	return &Image{Image: img, Format: format}, nil
}

// DecodeBytes is Decode over an in-memory upload.
func DecodeBytes(data []byte) (*Image, error) {
	return Decode(bytes.NewReader(data))
}
