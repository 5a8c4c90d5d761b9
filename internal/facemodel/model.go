// Package facemodel defines the pluggable face detection/embedding
// capability consumed by the verification engine. The engine never
// implements the biometric model itself; it talks to a pretrained model
// through this interface.
package facemodel

import "context"

// Box is a detected face bounding box in pixel coordinates.
type Box struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
}

// Result carries everything the model reports for one image.
type Result struct {
	Faces     []Box
	Embedding []float32

	// DeepVariance is an optional anti-spoof signal derived from the
	// model's internal feature maps. Zero means the deployed model does
	// not expose it; callers must degrade gracefully.
	DeepVariance float64
}

// Model analyzes an image and returns detected faces plus the embedding
// for the dominant face. Implementations must honor ctx cancellation.
type Model interface {
	Analyze(ctx context.Context, image []byte) (*Result, error)
}
