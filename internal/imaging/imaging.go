// Package imaging provides the pixel-level measurements the verification
// engine needs: grayscale conversion, sharpness via variance of the
// Laplacian, and brightness statistics. All functions are pure.
package imaging

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// ErrUndecodable is returned when the submitted bytes are not a raster
// image in a supported format.
var ErrUndecodable = errors.New("image could not be decoded")

// Stats summarizes the measurements taken over one image.
type Stats struct {
	Width  int
	Height int

	// Sharpness is the variance of a 4-neighbor Laplacian over the
	// grayscale image. Low values indicate blur; implausibly high
	// values indicate upscaled screenshots.
	Sharpness float64

	// Brightness is the mean grayscale intensity in [0,255].
	Brightness float64

	// BrightnessStd is the standard deviation of intensity. Printed or
	// flat images tend to have an unusually low spread.
	BrightnessStd float64
}

// Decode parses image bytes into an image.Image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUndecodable
	}
	return img, nil
}

// Grayscale converts an image to a row-major float64 intensity plane
// using the Rec. 601 luma weights.
func Grayscale(img image.Image) ([]float64, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := make([]float64, w*h)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			plane[i] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 256.0
			i++
		}
	}
	return plane, w, h
}

// Analyze computes Stats for an image in a single pass over its
// grayscale plane.
func Analyze(img image.Image) Stats {
	plane, w, h := Grayscale(img)
	st := Stats{Width: w, Height: h}
	if w == 0 || h == 0 {
		return st
	}

	var sum, sumSq float64
	for _, v := range plane {
		sum += v
		sumSq += v * v
	}
	n := float64(len(plane))
	mean := sum / n
	st.Brightness = mean
	variance := sumSq/n - mean*mean
	if variance > 0 {
		st.BrightnessStd = math.Sqrt(variance)
	}

	st.Sharpness = laplacianVariance(plane, w, h)
	return st
}

// laplacianVariance applies the 4-neighbor Laplacian kernel and returns
// the variance of the responses. Interior pixels only.
func laplacianVariance(plane []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	var sum, sumSq float64
	count := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := plane[y*w+x]
			lap := plane[(y-1)*w+x] + plane[(y+1)*w+x] +
				plane[y*w+x-1] + plane[y*w+x+1] - 4*c
			sum += lap
			sumSq += lap * lap
			count++
		}
	}
	n := float64(count)
	mean := sum / n
	v := sumSq/n - mean*mean
	if v < 0 {
		return 0
	}
	return v
}
