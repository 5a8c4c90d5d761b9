// Package embedding turns a submitted photo into a unit-norm identity
// vector, enforcing objective quality gates first so downstream matching
// never scores an unusable capture.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"smartattend/internal/facemodel"
	"smartattend/internal/imaging"
)

// QualityKind names one specific quality-gate failure. The strings are
// surfaced to clients verbatim so a UI can prompt corrective action.
type QualityKind string

const (
	QualityUndecodable    QualityKind = "image_undecodable"
	QualitySingleFace     QualityKind = "expected_single_face"
	QualityTooBlurry      QualityKind = "image_too_blurry"
	QualityTooDark        QualityKind = "image_too_dark"
	QualityTooBright      QualityKind = "image_too_bright"
	QualityFaceTooSmall   QualityKind = "face_too_small"
	QualityNoEmbedding    QualityKind = "no_embedding_returned"
	QualityWrongDimension QualityKind = "unexpected_embedding_dimension"
)

// QualityError is the typed result of a failed quality gate. Callers
// distinguish it from system errors with errors.As.
type QualityError struct {
	Kind    QualityKind
	Metrics *Metrics
}

func (e *QualityError) Error() string { return string(e.Kind) }

// Metrics are the objective measurements behind an extraction verdict.
type Metrics struct {
	imaging.Stats
	FaceCount  int
	FaceWidth  int
	FaceHeight int
}

// Gates holds the quality thresholds applied before an embedding is
// accepted.
type Gates struct {
	MinSharpness  float64
	MinBrightness float64
	MaxBrightness float64
	MinFaceSize   int
}

// DefaultGates are tuned for webcam and phone captures in classrooms.
func DefaultGates() Gates {
	return Gates{
		MinSharpness:  15.0,
		MinBrightness: 40.0,
		MaxBrightness: 220.0,
		MinFaceSize:   64,
	}
}

// Extractor produces unit-norm identity vectors via the face model.
type Extractor struct {
	model facemodel.Model
	gates Gates
}

// NewExtractor builds an extractor over a face model capability.
func NewExtractor(model facemodel.Model, gates Gates) *Extractor {
	return &Extractor{model: model, gates: gates}
}

// Extract decodes the image, applies every quality gate, and returns the
// normalized embedding plus the measured metrics. Gate failures come
// back as *QualityError; anything else is a system error.
func (x *Extractor) Extract(ctx context.Context, data []byte) (Vector, *Metrics, error) {
	img, err := imaging.Decode(data)
	if err != nil {
		if errors.Is(err, imaging.ErrUndecodable) {
			return nil, nil, &QualityError{Kind: QualityUndecodable}
		}
		return nil, nil, err
	}

	m := &Metrics{Stats: imaging.Analyze(img)}

	if m.Sharpness < x.gates.MinSharpness {
		return nil, m, &QualityError{Kind: QualityTooBlurry, Metrics: m}
	}
	if m.Brightness < x.gates.MinBrightness {
		return nil, m, &QualityError{Kind: QualityTooDark, Metrics: m}
	}
	if m.Brightness > x.gates.MaxBrightness {
		return nil, m, &QualityError{Kind: QualityTooBright, Metrics: m}
	}

	res, err := x.model.Analyze(ctx, data)
	if err != nil {
		return nil, m, fmt.Errorf("face model analyze: %w", err)
	}

	m.FaceCount = len(res.Faces)
	if m.FaceCount != 1 {
		return nil, m, &QualityError{Kind: QualitySingleFace, Metrics: m}
	}
	face := res.Faces[0]
	m.FaceWidth, m.FaceHeight = face.Width, face.Height
	if face.Width < x.gates.MinFaceSize || face.Height < x.gates.MinFaceSize {
		return nil, m, &QualityError{Kind: QualityFaceTooSmall, Metrics: m}
	}

	if len(res.Embedding) == 0 {
		return nil, m, &QualityError{Kind: QualityNoEmbedding, Metrics: m}
	}
	if len(res.Embedding) != Dim {
		return nil, m, &QualityError{Kind: QualityWrongDimension, Metrics: m}
	}

	return Normalize(Vector(res.Embedding)), m, nil
}
