// Package preprocess turns decoded X-ray images into classifier input tensors.
package preprocess

import (
	"errors"
	"image"

	"github.com/nfnt/resize"

	"github.com/example/caries-screen/internal/classifier"
)

// ErrEmptyImage is returned for images with no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Interpolation is the resampling kernel used to reach the model resolution.
var Interpolation = resize.Bilinear

// Normalize resizes img to the model resolution and scales every channel to
// [0,1], producing a (1,256,256,3) NHWC tensor. Grayscale images are expanded
// to three identical channels.
func Normalize(img image.Image) (*classifier.Tensor, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, ErrEmptyImage
	}

	resized := resize.Resize(classifier.InputWidth, classifier.InputHeight, img, Interpolation)
	rb := resized.Bounds()

	data := make([]float32, classifier.BatchSize*classifier.InputHeight*classifier.InputWidth*classifier.Channels)
	i := 0
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[i] = float32(r) / 0xffff
			data[i+1] = float32(g) / 0xffff
			data[i+2] = float32(b) / 0xffff
			i += classifier.Channels
		}
	}

	return &classifier.Tensor{Shape: classifier.InputShape(), Data: data}, nil
}
