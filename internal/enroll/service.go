// Package enroll registers a student's face embeddings from a set of
// capture images. Enrollment is the only write path for embeddings; the
// check-in engine itself only ever reads them.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartattend/internal/embedding"
)

// MinUsableImages is the floor on quality-passing captures required to
// enroll. Fewer gives too little pose/lighting coverage for reliable
// verification later.
const MinUsableImages = 3

// ErrNotEnoughUsableImages is returned when fewer than MinUsableImages
// captures pass the quality gates.
var ErrNotEnoughUsableImages = errors.New("not enough usable enrollment images")

// reasonInconsistent marks a capture that passed the quality gates but
// does not look like the same person as the first accepted capture.
const reasonInconsistent = "inconsistent_identity"

// Store is the persistence the service needs.
type Store interface {
	InsertBatch(ctx context.Context, embeddings []Embedding) error
	CountForStudent(ctx context.Context, studentID int64) (int, error)
}

// Extractor produces quality-gated unit vectors from image bytes.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (embedding.Vector, *embedding.Metrics, error)
}

// Result summarizes one enrollment.
type Result struct {
	StudentID int64
	Accepted  int
	Rejected  []string // quality reasons for skipped captures
	Total     int
	Enrolled  int // embeddings on file after this enrollment
}

// Service coordinates enrollments. Writes for the same student are
// serialized so concurrent requests cannot interleave partial sets;
// different students proceed in parallel.
type Service struct {
	store     Store
	extractor Extractor
	log       *zap.Logger

	// consistency is the minimum cosine similarity every accepted
	// capture must score against the first one, so a mixed-person
	// capture set cannot be enrolled. <= 0 disables the check.
	consistency float64

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewService creates an enrollment service.
func NewService(store Store, extractor Extractor, consistency float64, log *zap.Logger) *Service {
	return &Service{
		store:       store,
		extractor:   extractor,
		consistency: consistency,
		log:         log,
		locks:       make(map[int64]*sync.Mutex),
	}
}

func (s *Service) studentLock(studentID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[studentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[studentID] = l
	}
	return l
}

// Enroll extracts embeddings from the given captures and stores every
// usable one. At least MinUsableImages captures must pass the quality
// gates or nothing is written.
func (s *Service) Enroll(ctx context.Context, studentID int64, images [][]byte) (*Result, error) {
	if studentID <= 0 {
		return nil, errors.New("student id required")
	}
	if len(images) == 0 {
		return nil, errors.New("at least one image required")
	}

	lock := s.studentLock(studentID)
	lock.Lock()
	defer lock.Unlock()

	res := &Result{StudentID: studentID, Total: len(images)}
	var batch []Embedding

	for i, img := range images {
		vec, metrics, err := s.extractor.Extract(ctx, img)
		if err != nil {
			var qe *embedding.QualityError
			if errors.As(err, &qe) {
				res.Rejected = append(res.Rejected, string(qe.Kind))
				s.log.Debug("enrollment capture rejected",
					zap.Int64("student_id", studentID),
					zap.Int("index", i),
					zap.String("reason", string(qe.Kind)))
				continue
			}
			return nil, fmt.Errorf("extract enrollment image %d: %w", i, err)
		}
		if s.consistency > 0 && len(batch) > 0 &&
			embedding.Cosine(batch[0].Vector, vec) < s.consistency {
			res.Rejected = append(res.Rejected, reasonInconsistent)
			s.log.Warn("enrollment capture inconsistent with first",
				zap.Int64("student_id", studentID),
				zap.Int("index", i))
			continue
		}
		batch = append(batch, Embedding{
			StudentID:  studentID,
			Vector:     vec,
			Lighting:   lightingLabel(metrics.Brightness),
			Primary:    len(batch) == 0,
			CapturedAt: time.Now().UTC(),
		})
	}

	if len(batch) < MinUsableImages {
		return res, fmt.Errorf("%w: %d of %d passed quality gates",
			ErrNotEnoughUsableImages, len(batch), len(images))
	}

	if err := s.store.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist enrollment: %w", err)
	}
	res.Accepted = len(batch)

	total, err := s.store.CountForStudent(ctx, studentID)
	if err != nil {
		s.log.Warn("count enrolled embeddings failed",
			zap.Int64("student_id", studentID), zap.Error(err))
		total = res.Accepted
	}
	res.Enrolled = total

	s.log.Info("student enrolled",
		zap.Int64("student_id", studentID),
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("enrolled_total", total))
	return res, nil
}

// lightingLabel buckets mean brightness into provenance labels.
func lightingLabel(brightness float64) string {
	switch {
	case brightness < 80:
		return "dim"
	case brightness > 180:
		return "bright"
	default:
		return "normal"
	}
}
