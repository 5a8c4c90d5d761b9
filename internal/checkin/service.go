package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartattend/internal/embedding"
	"smartattend/internal/events"
	"smartattend/internal/geofence"
	"smartattend/internal/identity"
	"smartattend/internal/liveness"
	"smartattend/internal/metrics"
)

// LivenessClassifier is the liveness capability the orchestrator needs.
type LivenessClassifier interface {
	Assess(ctx context.Context, data []byte) (liveness.Assessment, error)
}

// Extractor produces quality-gated unit vectors from image bytes.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (embedding.Vector, *embedding.Metrics, error)
}

// Matcher performs 1:1 verification against the claimed identity.
type Matcher interface {
	Match(ctx context.Context, probe embedding.Vector, ownerID int64, threshold float64) (identity.Result, error)
}

// PhotoStore retains attempt photos for audit; optional.
type PhotoStore interface {
	SavePhoto(ctx context.Context, data []byte, name string) (string, error)
}

// Thresholds are the global decision constants, overridable per session
// where SessionConfig says so.
type Thresholds struct {
	// CheckinSimilarity is the operational identity threshold for self
	// check-in, looser than login-style verification to absorb
	// classroom capture conditions.
	CheckinSimilarity float64

	// LowConfidenceAlert: approvals below this similarity raise an
	// informational alert. Approval and alerting stay independent.
	LowConfidenceAlert float64
}

// Request is one student check-in submission.
type Request struct {
	SessionID int64
	StudentID int64
	Image     []byte
	Latitude  *float64
	Longitude *float64
	DeviceID  string
	IPAddress string
}

// Decision is the caller-visible outcome.
type Decision struct {
	Status           Status
	Reason           string
	FaceConfidence   *float64
	LivenessPassed   bool
	LocationVerified *bool
	DistanceMeters   *float64
	CheckinID        string

	// RequiresReview is set for critical fraud so the client can tell
	// the student manual review is pending without exposing scores.
	RequiresReview bool
}

// Service is the check-in orchestrator. It sequences the guard,
// liveness, identity and geofence checks, applies the decision policy,
// persists the outcome and emits audit events.
type Service struct {
	repo      Repository
	guard     *Guard
	liveness  LivenessClassifier
	extractor Extractor
	matcher   Matcher
	photos    PhotoStore // may be nil
	publisher events.Publisher
	stats     *metrics.Metrics // may be nil
	log       *zap.Logger
	limits    Thresholds
	now       func() time.Time
}

// NewService wires the orchestrator. photos and stats may be nil; now
// defaults to time.Now.
func NewService(repo Repository, guard *Guard, lv LivenessClassifier, ex Extractor,
	ma Matcher, photos PhotoStore, pub events.Publisher, stats *metrics.Metrics,
	limits Thresholds, log *zap.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      repo,
		guard:     guard,
		liveness:  lv,
		extractor: ex,
		matcher:   ma,
		photos:    photos,
		publisher: pub,
		stats:     stats,
		log:       log,
		limits:    limits,
		now:       now,
	}
}

// Process runs the full verification state machine for one attempt.
//
// Verification failures resolve locally into a Decision with persisted
// audit records; only system errors (model, search, storage failures)
// propagate as a non-nil error, and those never create fraud evidence.
func (s *Service) Process(ctx context.Context, req Request) (*Decision, error) {
	started := s.now()
	defer func() {
		if s.stats != nil {
			s.stats.CheckLatency.Observe(time.Since(started).Seconds())
		}
	}()

	if len(req.Image) == 0 {
		return nil, errors.New("image required")
	}
	if req.SessionID <= 0 || req.StudentID <= 0 {
		return nil, errors.New("session and student required")
	}

	cfg, err := s.repo.SessionConfig(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !cfg.AllowsSelfCheckin() {
		return s.decide(StatusRejected, ReasonSelfCheckinOff, nil), nil
	}

	// Window check: a request-validation failure, not an attendance
	// event, so no attempt row is persisted.
	if !s.guard.WithinWindow(cfg) {
		return s.decide(StatusRejected, ReasonOutsideWindow, nil), nil
	}

	// Duplicate check. Repeated submissions are themselves a signal
	// worth auditing, so the rejection is recorded with evidence.
	prior, err := s.guard.PriorAttempt(ctx, cfg, req.StudentID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.resolveDuplicate(ctx, cfg, req, prior.ID)
	}

	// Missing coordinates when the session demands them is a hard
	// rejection before any model work runs.
	if cfg.RequireLocation && (req.Latitude == nil || req.Longitude == nil) {
		return s.decide(StatusRejected, ReasonLocationRequired, nil), nil
	}

	// Liveness and extraction are independent; run them concurrently.
	// Neither result is consulted until both are in.
	var (
		wg          sync.WaitGroup
		assessment  liveness.Assessment
		livenessErr error
		probe       embedding.Vector
		extractErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		assessment, livenessErr = s.liveness.Assess(ctx, req.Image)
	}()
	go func() {
		defer wg.Done()
		probe, _, extractErr = s.extractor.Extract(ctx, req.Image)
	}()
	wg.Wait()

	if livenessErr != nil {
		return nil, fmt.Errorf("liveness: %w", livenessErr)
	}

	// A payload that does not decode fails both checks for the same
	// capture problem. Resolve it as a quality rejection before the
	// liveness verdict so it never produces an attempt or evidence row.
	var undecodable *embedding.QualityError
	if errors.As(extractErr, &undecodable) && undecodable.Kind == embedding.QualityUndecodable {
		return s.decide(StatusRejected, string(undecodable.Kind), nil), nil
	}

	if cfg.RequireLiveness && !assessment.IsLive {
		return s.resolveLivenessFailure(ctx, cfg, req, assessment)
	}

	if extractErr != nil {
		var qe *embedding.QualityError
		if errors.As(extractErr, &qe) {
			// Capture problem, not a fraud signal: surface the
			// actionable reason without an audit trail.
			d := s.decide(StatusRejected, string(qe.Kind), nil)
			d.LivenessPassed = assessment.IsLive
			return d, nil
		}
		return nil, fmt.Errorf("embedding: %w", extractErr)
	}

	threshold := s.limits.CheckinSimilarity
	if cfg.MinSimilarity > 0 {
		threshold = cfg.MinSimilarity
	}
	match, err := s.matcher.Match(ctx, probe, req.StudentID, threshold)
	if err != nil {
		return nil, err
	}
	if !match.Matched {
		return s.resolveIdentityFailure(ctx, cfg, req, assessment, match, threshold)
	}

	var verdict *geofence.Verdict
	if cfg.RequireLocation {
		v := geofence.Verify(*req.Latitude, *req.Longitude, cfg.ClassroomLat, cfg.ClassroomLng, cfg.RadiusMeters)
		verdict = &v
		if !v.WithinRadius {
			return s.resolveLocationFailure(ctx, cfg, req, assessment, match, v)
		}
	}

	return s.resolveApproved(ctx, cfg, req, assessment, match, verdict)
}

// decide builds a terminal Decision with no persisted attempt.
func (s *Service) decide(status Status, reason string, sim *float64) *Decision {
	s.countDecision(status, reason)
	return &Decision{Status: status, Reason: reason, FaceConfidence: sim}
}

func (s *Service) countDecision(status Status, reason string) {
	if s.stats != nil {
		s.stats.Decisions.WithLabelValues(string(status), reason).Inc()
	}
}

func (s *Service) newAttempt(cfg *SessionConfig, req Request) *Attempt {
	return &Attempt{
		PublicID:        uuid.NewString(),
		SessionConfigID: cfg.ID,
		SessionID:       cfg.SessionID,
		StudentID:       req.StudentID,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		DeviceID:        req.DeviceID,
		IPAddress:       req.IPAddress,
		AttemptedAt:     s.now().UTC(),
	}
}

func (s *Service) resolveDuplicate(ctx context.Context, cfg *SessionConfig, req Request, priorID int64) (*Decision, error) {
	a := s.newAttempt(cfg, req)
	a.Status = StatusRejected
	a.Reason = ReasonAlreadyCheckedIn
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}
	s.recordFraud(ctx, cfg, req.StudentID, &a.ID, FraudDuplicateAttempt, SeverityMedium, map[string]any{
		"prior_attempt_id": priorID,
	})
	s.countDecision(StatusRejected, ReasonAlreadyCheckedIn)
	return &Decision{Status: StatusRejected, Reason: ReasonAlreadyCheckedIn, CheckinID: a.PublicID}, nil
}

func (s *Service) resolveLivenessFailure(ctx context.Context, cfg *SessionConfig, req Request, as liveness.Assessment) (*Decision, error) {
	a := s.newAttempt(cfg, req)
	a.Status = StatusFlagged
	a.Reason = as.Reason
	a.LivenessPassed = false
	a.PhotoURL = s.retainPhoto(ctx, req, a.PublicID)
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}
	s.recordFraud(ctx, cfg, req.StudentID, &a.ID, FraudScreenshot, SeverityHigh, map[string]any{
		"confidence": as.Confidence,
		"reason":     as.Reason,
		"signals":    as.Signals,
	})
	s.countDecision(StatusFlagged, as.Reason)
	return &Decision{
		Status:         StatusFlagged,
		Reason:         as.Reason,
		LivenessPassed: false,
		CheckinID:      a.PublicID,
	}, nil
}

func (s *Service) resolveIdentityFailure(ctx context.Context, cfg *SessionConfig, req Request, as liveness.Assessment, match identity.Result, threshold float64) (*Decision, error) {
	a := s.newAttempt(cfg, req)
	a.LivenessPassed = as.IsLive
	a.PhotoURL = s.retainPhoto(ctx, req, a.PublicID)

	// A student with no enrolled embeddings cannot be verified at all;
	// a below-threshold score is a possible attendance-by-proxy and is
	// held for review. Both escalate as critical.
	if match.Reason == identity.ReasonNoEnrolledEmbeddings {
		a.Status = StatusRejected
	} else {
		a.Status = StatusFlagged
		sim := match.Similarity
		a.FaceSimilarity = &sim
	}
	a.Reason = match.Reason
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}
	s.recordFraud(ctx, cfg, req.StudentID, &a.ID, FraudProxyAttendance, SeverityCritical, map[string]any{
		"similarity": match.Similarity,
		"threshold":  threshold,
		"reason":     match.Reason,
	})
	s.countDecision(a.Status, match.Reason)

	// Scores are withheld from the response so a spoofer cannot
	// calibrate against the threshold.
	return &Decision{
		Status:         a.Status,
		Reason:         ReasonManualReview,
		LivenessPassed: as.IsLive,
		CheckinID:      a.PublicID,
		RequiresReview: true,
	}, nil
}

func (s *Service) resolveLocationFailure(ctx context.Context, cfg *SessionConfig, req Request, as liveness.Assessment, match identity.Result, v geofence.Verdict) (*Decision, error) {
	a := s.newAttempt(cfg, req)
	a.Status = StatusFlagged
	a.Reason = ReasonLocationOutOfRange
	a.LivenessPassed = as.IsLive
	sim := match.Similarity
	a.FaceSimilarity = &sim
	verified := false
	a.LocationVerified = &verified
	dist := v.DistanceMeters
	a.DistanceMeters = &dist
	a.PhotoURL = s.retainPhoto(ctx, req, a.PublicID)
	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		return nil, err
	}
	s.recordFraud(ctx, cfg, req.StudentID, &a.ID, FraudLocationSpoof, SeverityHigh, map[string]any{
		"distance_meters": v.DistanceMeters,
		"radius_meters":   cfg.RadiusMeters,
	})
	s.countDecision(StatusFlagged, ReasonLocationOutOfRange)
	return &Decision{
		Status:           StatusFlagged,
		Reason:           ReasonLocationOutOfRange,
		FaceConfidence:   &sim,
		LivenessPassed:   as.IsLive,
		LocationVerified: &verified,
		DistanceMeters:   &dist,
		CheckinID:        a.PublicID,
	}, nil
}

func (s *Service) resolveApproved(ctx context.Context, cfg *SessionConfig, req Request, as liveness.Assessment, match identity.Result, v *geofence.Verdict) (*Decision, error) {
	a := s.newAttempt(cfg, req)
	a.Status = StatusApproved
	a.LivenessPassed = as.IsLive
	sim := match.Similarity
	a.FaceSimilarity = &sim
	if v != nil {
		verified := true
		a.LocationVerified = &verified
		dist := v.DistanceMeters
		a.DistanceMeters = &dist
	}
	a.PhotoURL = s.retainPhoto(ctx, req, a.PublicID)

	rec := &AttendanceRecord{
		SessionID:        cfg.SessionID,
		StudentID:        req.StudentID,
		Status:           "present",
		MarkedVia:        MarkedViaSelfCheckin,
		FacialConfidence: &sim,
		MarkedAt:         s.now().UTC(),
	}

	if err := s.repo.CreateApproved(ctx, a, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost the race to a concurrent submission: same outcome
			// as the duplicate guard, including the audit trail.
			return s.resolveDuplicate(ctx, cfg, req, 0)
		}
		return nil, err
	}

	if sim < s.limits.LowConfidenceAlert {
		s.recordAlert(ctx, cfg, req.StudentID, a.ID, sim)
	}

	s.countDecision(StatusApproved, "")
	s.log.Info("check-in approved",
		zap.Int64("session_id", cfg.SessionID),
		zap.Int64("student_id", req.StudentID),
		zap.Float64("similarity", sim))

	d := &Decision{
		Status:         StatusApproved,
		FaceConfidence: &sim,
		LivenessPassed: as.IsLive,
		CheckinID:      a.PublicID,
	}
	d.LocationVerified = a.LocationVerified
	d.DistanceMeters = a.DistanceMeters
	return d, nil
}

// recordFraud appends evidence and publishes the event. Publication is
// fire-and-forget; persistence failures are logged, never escalated
// into the decision path once the attempt itself is stored.
func (s *Service) recordFraud(ctx context.Context, cfg *SessionConfig, studentID int64, attemptID *int64, ft FraudType, sev Severity, payload map[string]any) {
	ev := &FraudEvidence{
		AttemptID: attemptID,
		SessionID: cfg.SessionID,
		StudentID: studentID,
		Type:      ft,
		Severity:  sev,
		Evidence:  payload,
	}
	if err := s.repo.CreateFraudEvidence(ctx, ev); err != nil {
		s.log.Error("persist fraud evidence failed",
			zap.Int64("session_id", cfg.SessionID),
			zap.String("type", string(ft)),
			zap.Error(err))
		return
	}
	if s.stats != nil {
		s.stats.Fraud.WithLabelValues(string(ft), string(sev)).Inc()
	}
	s.publish(ctx, events.TypeFraudEvidence, cfg.SessionID, studentID, map[string]any{
		"fraud_type": ft,
		"severity":   sev,
		"evidence":   payload,
	})
}

func (s *Service) recordAlert(ctx context.Context, cfg *SessionConfig, studentID, attemptID int64, sim float64) {
	al := &Alert{
		SessionID: cfg.SessionID,
		StudentID: studentID,
		AttemptID: attemptID,
		Type:      AlertLowConfidence,
		Severity:  SeverityMedium,
		Message:   fmt.Sprintf("approved with similarity %.2f below alert threshold %.2f", sim, s.limits.LowConfidenceAlert),
	}
	if err := s.repo.CreateAlert(ctx, al); err != nil {
		s.log.Error("persist alert failed", zap.Error(err))
		return
	}
	s.publish(ctx, events.TypeAlert, cfg.SessionID, studentID, map[string]any{
		"alert_type": AlertLowConfidence,
		"severity":   SeverityMedium,
		"similarity": sim,
	})
}

func (s *Service) publish(ctx context.Context, typ string, sessionID, studentID int64, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event failed", zap.Error(err))
		return
	}
	evt := events.Event{
		Type:       typ,
		SessionID:  sessionID,
		StudentID:  studentID,
		Payload:    raw,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Warn("event publish failed", zap.String("type", typ), zap.Error(err))
	}
}

// retainPhoto uploads the attempt image for audit with a short bounded
// timeout. Failure only costs the audit copy, never the decision.
func (s *Service) retainPhoto(ctx context.Context, req Request, publicID string) string {
	if s.photos == nil {
		return ""
	}
	uploadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	url, err := s.photos.SavePhoto(uploadCtx, req.Image, publicID+".jpg")
	if err != nil {
		s.log.Warn("audit photo upload failed",
			zap.Int64("student_id", req.StudentID),
			zap.Error(err))
		return ""
	}
	return url
}
