// Package liveness decides whether a submitted photo shows a live human
// presence rather than a replayed photo, print, or screen. It aggregates
// several cheap, independent signals into one weighted confidence score.
//
// Liveness runs before identity matching is trusted: a confident match
// against a static photo is a successful spoof, so a non-live capture
// invalidates any downstream score.
package liveness

import (
	"context"
	"fmt"

	"smartattend/internal/facemodel"
	"smartattend/internal/imaging"
)

// Failure reasons surfaced for operator diagnostics. The first failing
// check in evaluation order is reported.
const (
	ReasonUndecodable = "image_undecodable"
	ReasonTooDark     = "image_too_dark"
	ReasonTooBright   = "image_too_bright"
	ReasonFlatTexture = "flat_texture"
	ReasonTooBlurry   = "image_too_blurry"
	ReasonTooCrisp    = "suspiciously_crisp"
	ReasonFaceCount   = "unexpected_face_count"
	ReasonFaceRatio   = "face_ratio_out_of_range"
	ReasonBelowBar    = "confidence_below_threshold"
	ReasonLive        = "ok"
)

// Config holds the liveness signal bounds and the acceptance threshold.
type Config struct {
	// Threshold is the confidence floor for is_live. Kept permissive:
	// false rejections block real attendance while false accepts are
	// still caught by identity matching and human review.
	Threshold float64

	MinSharpness float64
	MaxSharpness float64

	MinBrightness    float64
	MaxBrightness    float64
	MinBrightnessStd float64

	// Face bounding-box area as a fraction of the whole frame. Too
	// small suggests capture at a distance (photo of a photo); too
	// large suggests a cropped static image.
	MinFaceRatio float64
	MaxFaceRatio float64
}

// DefaultConfig mirrors production tuning for classroom self check-in.
func DefaultConfig() Config {
	return Config{
		Threshold:        0.40,
		MinSharpness:     15.0,
		MaxSharpness:     4000.0,
		MinBrightness:    40.0,
		MaxBrightness:    220.0,
		MinBrightnessStd: 18.0,
		MinFaceRatio:     0.03,
		MaxFaceRatio:     0.75,
	}
}

// Assessment is the outcome of one liveness evaluation.
type Assessment struct {
	IsLive     bool
	Confidence float64
	Reason     string

	// Signals exposes each normalized sub-score for audit payloads.
	Signals map[string]float64
}

// Signal weights. The deep-feature check only contributes when the
// deployed model reports it; remaining weights are renormalized so a
// model without it is not penalized.
const (
	weightSharpness  = 0.25
	weightBrightness = 0.20
	weightTexture    = 0.15
	weightGeometry   = 0.25
	weightDeep       = 0.15
)

// Classifier scores images for liveness.
type Classifier struct {
	cfg   Config
	model facemodel.Model
}

// NewClassifier builds a classifier over the shared face model.
func NewClassifier(model facemodel.Model, cfg Config) *Classifier {
	return &Classifier{cfg: cfg, model: model}
}

// Assess evaluates all liveness signals for the image. Only system
// failures (undecodable input aside, model or transport errors) return a
// non-nil error; a spoof verdict is a domain outcome, not an error.
func (c *Classifier) Assess(ctx context.Context, data []byte) (Assessment, error) {
	img, err := imaging.Decode(data)
	if err != nil {
		return Assessment{Reason: ReasonUndecodable}, nil
	}
	stats := imaging.Analyze(img)

	res, err := c.model.Analyze(ctx, data)
	if err != nil {
		return Assessment{}, fmt.Errorf("face model analyze: %w", err)
	}

	signals := map[string]float64{}
	reason := ""

	// Sharpness: blur suggests a photo-of-photo, implausible crispness
	// suggests an upscaled screenshot.
	sharp := bandScore(stats.Sharpness, c.cfg.MinSharpness, c.cfg.MaxSharpness)
	signals["sharpness"] = sharp
	if sharp < 1 && reason == "" {
		if stats.Sharpness < c.cfg.MinSharpness {
			reason = ReasonTooBlurry
		} else {
			reason = ReasonTooCrisp
		}
	}

	// Out-of-band brightness vetoes the verdict outright: a pitch-dark
	// or washed-out frame cannot show live presence no matter how the
	// remaining signals sum.
	bright := bandScore(stats.Brightness, c.cfg.MinBrightness, c.cfg.MaxBrightness)
	brightOut := stats.Brightness < c.cfg.MinBrightness || stats.Brightness > c.cfg.MaxBrightness
	signals["brightness"] = bright
	if bright < 1 && reason == "" {
		if stats.Brightness < c.cfg.MinBrightness {
			reason = ReasonTooDark
		} else {
			reason = ReasonTooBright
		}
	}

	// Intensity spread: printed/flat images are suspiciously uniform.
	texture := rampScore(stats.BrightnessStd, c.cfg.MinBrightnessStd)
	signals["texture"] = texture
	if texture < 1 && reason == "" {
		reason = ReasonFlatTexture
	}

	geometry := c.geometryScore(stats, res.Faces)
	signals["geometry"] = geometry
	if geometry < 1 && reason == "" {
		if len(res.Faces) != 1 {
			reason = ReasonFaceCount
		} else {
			reason = ReasonFaceRatio
		}
	}

	confidence := weightSharpness*sharp + weightBrightness*bright +
		weightTexture*texture + weightGeometry*geometry
	total := weightSharpness + weightBrightness + weightTexture + weightGeometry

	if res.DeepVariance > 0 {
		deep := rampScore(res.DeepVariance, 0.2)
		signals["deep_variance"] = deep
		confidence += weightDeep * deep
		total += weightDeep
	}
	confidence /= total

	a := Assessment{
		IsLive:     confidence >= c.cfg.Threshold && !brightOut,
		Confidence: confidence,
		Signals:    signals,
	}
	switch {
	case a.IsLive:
		a.Reason = ReasonLive
	case reason != "":
		a.Reason = reason
	default:
		a.Reason = ReasonBelowBar
	}
	return a, nil
}

func (c *Classifier) geometryScore(stats imaging.Stats, faces []facemodel.Box) float64 {
	if len(faces) != 1 {
		return 0
	}
	frame := float64(stats.Width * stats.Height)
	if frame == 0 {
		return 0
	}
	ratio := float64(faces[0].Width*faces[0].Height) / frame
	if ratio < c.cfg.MinFaceRatio || ratio > c.cfg.MaxFaceRatio {
		return 0
	}
	return 1
}

// bandScore is 1 inside [min,max] and decays linearly outside, reaching
// zero at half of min and at double of max.
func bandScore(v, min, max float64) float64 {
	switch {
	case v >= min && v <= max:
		return 1
	case v < min:
		if min <= 0 {
			return 0
		}
		return clamp01((v - min/2) / (min / 2))
	default:
		if max <= 0 {
			return 0
		}
		return clamp01((2*max - v) / max)
	}
}

// rampScore rises linearly from 0 to 1 as v approaches floor.
func rampScore(v, floor float64) float64 {
	if floor <= 0 {
		return 1
	}
	return clamp01(v / floor)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
