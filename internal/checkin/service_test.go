package checkin

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"smartattend/internal/embedding"
	"smartattend/internal/identity"
	"smartattend/internal/liveness"
)

// fakeRepo records every write so tests can assert exactly which audit
// rows a scenario produces.
type fakeRepo struct {
	cfg    *SessionConfig
	active *Attempt

	approvedErr error

	attempts []*Attempt
	records  []*AttendanceRecord
	fraud    []*FraudEvidence
	alerts   []*Alert

	nextID int64
}

func (f *fakeRepo) SessionConfig(context.Context, int64) (*SessionConfig, error) {
	if f.cfg == nil {
		return nil, ErrNoSessionConfig
	}
	return f.cfg, nil
}

func (f *fakeRepo) ActiveAttempt(context.Context, int64, int64) (*Attempt, error) {
	return f.active, nil
}

func (f *fakeRepo) CreateAttempt(_ context.Context, a *Attempt) error {
	f.nextID++
	a.ID = f.nextID
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeRepo) CreateApproved(ctx context.Context, a *Attempt, rec *AttendanceRecord) error {
	if f.approvedErr != nil {
		return f.approvedErr
	}
	if err := f.CreateAttempt(ctx, a); err != nil {
		return err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) CreateFraudEvidence(_ context.Context, ev *FraudEvidence) error {
	f.fraud = append(f.fraud, ev)
	return nil
}

func (f *fakeRepo) CreateAlert(_ context.Context, al *Alert) error {
	f.alerts = append(f.alerts, al)
	return nil
}

func (f *fakeRepo) HasAttendance(context.Context, int64, int64) (bool, error) {
	return len(f.records) > 0, nil
}

func (f *fakeRepo) CreateAttendance(_ context.Context, rec *AttendanceRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRepo) ListAttempts(context.Context, int64, int, int) ([]Attempt, error) {
	out := make([]Attempt, len(f.attempts))
	for i, a := range f.attempts {
		out[i] = *a
	}
	return out, nil
}

type fakeLiveness struct {
	assessment liveness.Assessment
	err        error
	calls      int
}

func (f *fakeLiveness) Assess(context.Context, []byte) (liveness.Assessment, error) {
	f.calls++
	return f.assessment, f.err
}

type fakeExtractor struct {
	vec   embedding.Vector
	err   error
	calls int
}

func (f *fakeExtractor) Extract(context.Context, []byte) (embedding.Vector, *embedding.Metrics, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.vec, nil, nil
}

type fakeMatcher struct {
	result        identity.Result
	err           error
	calls         int
	lastThreshold float64
}

func (f *fakeMatcher) Match(_ context.Context, _ embedding.Vector, _ int64, threshold float64) (identity.Result, error) {
	f.calls++
	f.lastThreshold = threshold
	return f.result, f.err
}

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig() *SessionConfig {
	cfg := windowConfig(testStart)
	cfg.RequireLiveness = true
	return cfg
}

func liveOK() liveness.Assessment {
	return liveness.Assessment{IsLive: true, Confidence: 0.9, Reason: liveness.ReasonLive}
}

type harness struct {
	repo      *fakeRepo
	liveness  *fakeLiveness
	extractor *fakeExtractor
	matcher   *fakeMatcher
	svc       *Service
}

func newHarness(cfg *SessionConfig, lv liveness.Assessment, match identity.Result) *harness {
	h := &harness{
		repo:      &fakeRepo{cfg: cfg},
		liveness:  &fakeLiveness{assessment: lv},
		extractor: &fakeExtractor{vec: make(embedding.Vector, embedding.Dim)},
		matcher:   &fakeMatcher{result: match},
	}
	now := func() time.Time { return testStart }
	limits := Thresholds{CheckinSimilarity: 0.70, LowConfidenceAlert: 0.60}
	h.svc = NewService(h.repo, NewGuard(h.repo, now), h.liveness, h.extractor,
		h.matcher, nil, nil, nil, limits, zap.NewNop(), now)
	return h
}

func baseRequest() Request {
	return Request{SessionID: 10, StudentID: 7, Image: []byte("img"), DeviceID: "dev-1"}
}

func TestProcessApproved(t *testing.T) {
	h := newHarness(testConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91, BestID: 3})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusApproved {
		t.Fatalf("status = %v, want approved", d.Status)
	}
	if d.FaceConfidence == nil || *d.FaceConfidence != 0.91 {
		t.Errorf("FaceConfidence = %v, want 0.91", d.FaceConfidence)
	}
	if !d.LivenessPassed || d.RequiresReview || d.CheckinID == "" {
		t.Errorf("decision = %+v", d)
	}

	if len(h.repo.attempts) != 1 || h.repo.attempts[0].Status != StatusApproved {
		t.Fatalf("attempts = %+v, want one approved", h.repo.attempts)
	}
	if len(h.repo.records) != 1 {
		t.Fatalf("records = %d, want 1", len(h.repo.records))
	}
	rec := h.repo.records[0]
	if rec.MarkedVia != MarkedViaSelfCheckin || rec.Status != "present" {
		t.Errorf("record = %+v", rec)
	}
	if rec.FacialConfidence == nil || *rec.FacialConfidence != 0.91 {
		t.Errorf("record confidence = %v, want 0.91", rec.FacialConfidence)
	}
	if len(h.repo.fraud) != 0 || len(h.repo.alerts) != 0 {
		t.Errorf("unexpected audit rows: fraud=%d alerts=%d", len(h.repo.fraud), len(h.repo.alerts))
	}
}

func TestProcessBelowThreshold(t *testing.T) {
	h := newHarness(testConfig(), liveOK(),
		identity.Result{Matched: false, Similarity: 0.55, Reason: identity.ReasonBelowThreshold})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusFlagged {
		t.Fatalf("status = %v, want flagged", d.Status)
	}
	if d.Reason != ReasonManualReview || !d.RequiresReview {
		t.Errorf("decision = %+v, want manual review", d)
	}
	if d.FaceConfidence != nil {
		t.Errorf("similarity leaked to the client: %v", *d.FaceConfidence)
	}

	if len(h.repo.records) != 0 {
		t.Errorf("attendance recorded for a flagged attempt")
	}
	if len(h.repo.attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(h.repo.attempts))
	}
	a := h.repo.attempts[0]
	if a.Status != StatusFlagged || a.FaceSimilarity == nil || *a.FaceSimilarity != 0.55 {
		t.Errorf("attempt = %+v, want flagged with stored similarity", a)
	}
	if len(h.repo.fraud) != 1 {
		t.Fatalf("fraud rows = %d, want 1", len(h.repo.fraud))
	}
	ev := h.repo.fraud[0]
	if ev.Type != FraudProxyAttendance || ev.Severity != SeverityCritical {
		t.Errorf("evidence = %v/%v, want proxy_attendance/critical", ev.Type, ev.Severity)
	}
}

func TestProcessNoEnrolledEmbeddings(t *testing.T) {
	h := newHarness(testConfig(), liveOK(),
		identity.Result{Matched: false, Reason: identity.ReasonNoEnrolledEmbeddings})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || !d.RequiresReview {
		t.Fatalf("decision = %+v, want rejected with review", d)
	}
	if len(h.repo.attempts) != 1 || h.repo.attempts[0].FaceSimilarity != nil {
		t.Errorf("attempt = %+v, want rejected without similarity", h.repo.attempts)
	}
	if len(h.repo.fraud) != 1 || h.repo.fraud[0].Severity != SeverityCritical {
		t.Errorf("fraud = %+v, want one critical row", h.repo.fraud)
	}
}

func TestProcessSpoofedCapture(t *testing.T) {
	h := newHarness(testConfig(),
		liveness.Assessment{IsLive: false, Confidence: 0.20, Reason: liveness.ReasonFlatTexture},
		identity.Result{Matched: true, Similarity: 0.95})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusFlagged || d.Reason != liveness.ReasonFlatTexture {
		t.Fatalf("decision = %+v, want flagged flat_texture", d)
	}
	if d.LivenessPassed {
		t.Errorf("liveness reported as passed")
	}

	// A confident match against a spoof is still a spoof: identity must
	// never be consulted once liveness fails.
	if h.matcher.calls != 0 {
		t.Errorf("matcher invoked %d times after liveness failure", h.matcher.calls)
	}
	if len(h.repo.records) != 0 {
		t.Errorf("attendance recorded for a spoofed capture")
	}
	if len(h.repo.fraud) != 1 {
		t.Fatalf("fraud rows = %d, want 1", len(h.repo.fraud))
	}
	ev := h.repo.fraud[0]
	if ev.Type != FraudScreenshot || ev.Severity != SeverityHigh {
		t.Errorf("evidence = %v/%v, want screenshot_fraud/high", ev.Type, ev.Severity)
	}
}

func TestProcessLivenessNotRequired(t *testing.T) {
	cfg := testConfig()
	cfg.RequireLiveness = false
	h := newHarness(cfg,
		liveness.Assessment{IsLive: false, Confidence: 0.30, Reason: liveness.ReasonFlatTexture},
		identity.Result{Matched: true, Similarity: 0.88})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusApproved {
		t.Fatalf("status = %v, want approved when liveness is not enforced", d.Status)
	}
	if d.LivenessPassed {
		t.Errorf("liveness verdict misreported")
	}
}

func TestProcessDuplicate(t *testing.T) {
	h := newHarness(testConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})
	h.repo.active = &Attempt{ID: 41, Status: StatusApproved}

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || d.Reason != ReasonAlreadyCheckedIn {
		t.Fatalf("decision = %+v, want rejected already_checked_in", d)
	}

	// The second submission is resolved entirely by the guard.
	if h.liveness.calls != 0 || h.extractor.calls != 0 || h.matcher.calls != 0 {
		t.Errorf("model work ran for a duplicate: liveness=%d extract=%d match=%d",
			h.liveness.calls, h.extractor.calls, h.matcher.calls)
	}
	if len(h.repo.fraud) != 1 {
		t.Fatalf("fraud rows = %d, want 1", len(h.repo.fraud))
	}
	ev := h.repo.fraud[0]
	if ev.Type != FraudDuplicateAttempt || ev.Severity != SeverityMedium {
		t.Errorf("evidence = %v/%v, want duplicate_attempt/medium", ev.Type, ev.Severity)
	}
	if got := ev.Evidence["prior_attempt_id"]; got != int64(41) {
		t.Errorf("prior_attempt_id = %v, want 41", got)
	}
	if len(h.repo.attempts) != 1 || h.repo.attempts[0].Status != StatusRejected {
		t.Errorf("attempts = %+v, want one rejected row", h.repo.attempts)
	}
}

func TestProcessCommitRace(t *testing.T) {
	// Two concurrent submissions both pass the guard; the loser hits the
	// uniqueness constraint inside CreateApproved and must land on the
	// exact same outcome as the guard rejection.
	h := newHarness(testConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})
	h.repo.approvedErr = ErrDuplicate

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || d.Reason != ReasonAlreadyCheckedIn {
		t.Fatalf("decision = %+v, want rejected already_checked_in", d)
	}
	if len(h.repo.records) != 0 {
		t.Errorf("attendance recorded despite losing the race")
	}
	if len(h.repo.fraud) != 1 || h.repo.fraud[0].Type != FraudDuplicateAttempt {
		t.Errorf("fraud = %+v, want duplicate_attempt", h.repo.fraud)
	}
}

func TestProcessOutsideWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ScheduledStart = testStart.Add(3 * time.Hour)
	h := newHarness(cfg, liveOK(), identity.Result{Matched: true, Similarity: 0.91})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || d.Reason != ReasonOutsideWindow {
		t.Fatalf("decision = %+v, want rejected outside_checkin_window", d)
	}
	// Validation failure, not an attendance event.
	if len(h.repo.attempts) != 0 || len(h.repo.fraud) != 0 {
		t.Errorf("rows persisted for an out-of-window request")
	}
	if h.liveness.calls != 0 {
		t.Errorf("liveness ran for an out-of-window request")
	}
}

func TestProcessSelfCheckinDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeTeamsAuto
	h := newHarness(cfg, liveOK(), identity.Result{Matched: true, Similarity: 0.91})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || d.Reason != ReasonSelfCheckinOff {
		t.Fatalf("decision = %+v, want rejected self_checkin_disabled", d)
	}
	if len(h.repo.attempts) != 0 {
		t.Errorf("attempt persisted for a disabled channel")
	}
}

func TestProcessLocation(t *testing.T) {
	locationConfig := func() *SessionConfig {
		cfg := testConfig()
		cfg.RequireLocation = true
		cfg.ClassroomLat = 0
		cfg.ClassroomLng = 0
		cfg.RadiusMeters = 100
		return cfg
	}
	coord := func(lat, lng float64) (*float64, *float64) { return &lat, &lng }

	t.Run("missing coordinates", func(t *testing.T) {
		h := newHarness(locationConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})

		d, err := h.svc.Process(context.Background(), baseRequest())
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if d.Status != StatusRejected || d.Reason != ReasonLocationRequired {
			t.Fatalf("decision = %+v, want rejected location_required", d)
		}
		if h.liveness.calls != 0 || h.extractor.calls != 0 {
			t.Errorf("model work ran without coordinates")
		}
		if len(h.repo.attempts) != 0 {
			t.Errorf("attempt persisted for missing coordinates")
		}
	})

	t.Run("out of range", func(t *testing.T) {
		h := newHarness(locationConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})
		req := baseRequest()
		req.Latitude, req.Longitude = coord(0.01, 0) // ~1.1 km away

		d, err := h.svc.Process(context.Background(), req)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if d.Status != StatusFlagged || d.Reason != ReasonLocationOutOfRange {
			t.Fatalf("decision = %+v, want flagged location_out_of_range", d)
		}
		if d.LocationVerified == nil || *d.LocationVerified {
			t.Errorf("LocationVerified = %v, want false", d.LocationVerified)
		}
		if d.DistanceMeters == nil || *d.DistanceMeters < 1000 {
			t.Errorf("DistanceMeters = %v, want ~1100", d.DistanceMeters)
		}
		if len(h.repo.records) != 0 {
			t.Errorf("attendance recorded for an out-of-range attempt")
		}
		if len(h.repo.fraud) != 1 || h.repo.fraud[0].Type != FraudLocationSpoof {
			t.Errorf("fraud = %+v, want location_spoof", h.repo.fraud)
		}
	})

	t.Run("in range", func(t *testing.T) {
		h := newHarness(locationConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})
		req := baseRequest()
		req.Latitude, req.Longitude = coord(0.0001, 0) // ~11 m away

		d, err := h.svc.Process(context.Background(), req)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if d.Status != StatusApproved {
			t.Fatalf("status = %v, want approved", d.Status)
		}
		if d.LocationVerified == nil || !*d.LocationVerified {
			t.Errorf("LocationVerified = %v, want true", d.LocationVerified)
		}
		if len(h.repo.records) != 1 {
			t.Errorf("records = %d, want 1", len(h.repo.records))
		}
	})
}

func TestProcessQualityRejection(t *testing.T) {
	h := newHarness(testConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})
	h.extractor.err = &embedding.QualityError{Kind: embedding.QualityTooBlurry}

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || d.Reason != string(embedding.QualityTooBlurry) {
		t.Fatalf("decision = %+v, want rejected image_too_blurry", d)
	}
	if !d.LivenessPassed {
		t.Errorf("liveness verdict dropped from the decision")
	}
	// Capture problems are actionable for the student, not fraud.
	if len(h.repo.attempts) != 0 || len(h.repo.fraud) != 0 {
		t.Errorf("audit rows persisted for a quality rejection")
	}
	if h.matcher.calls != 0 {
		t.Errorf("matcher invoked without an embedding")
	}
}

func TestProcessUndecodableImage(t *testing.T) {
	// Both checks fail on a payload that does not decode; the outcome is
	// a capture problem, not a liveness verdict, so no attempt or
	// evidence rows may appear.
	h := newHarness(testConfig(),
		liveness.Assessment{IsLive: false, Reason: liveness.ReasonUndecodable},
		identity.Result{})
	h.extractor.err = &embedding.QualityError{Kind: embedding.QualityUndecodable}

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusRejected || d.Reason != string(embedding.QualityUndecodable) {
		t.Fatalf("decision = %+v, want rejected image_undecodable", d)
	}
	if len(h.repo.attempts) != 0 || len(h.repo.fraud) != 0 {
		t.Errorf("audit rows persisted for an undecodable payload")
	}
	if h.matcher.calls != 0 {
		t.Errorf("matcher invoked without an embedding")
	}
}

func TestProcessLowConfidenceAlert(t *testing.T) {
	cfg := testConfig()
	cfg.MinSimilarity = 0.50 // per-session override below the alert bar
	h := newHarness(cfg, liveOK(), identity.Result{Matched: true, Similarity: 0.55})

	d, err := h.svc.Process(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.Status != StatusApproved {
		t.Fatalf("status = %v, want approved", d.Status)
	}
	if h.matcher.lastThreshold != 0.50 {
		t.Errorf("threshold = %v, want the session override 0.50", h.matcher.lastThreshold)
	}
	if len(h.repo.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(h.repo.alerts))
	}
	al := h.repo.alerts[0]
	if al.Type != AlertLowConfidence || al.Severity != SeverityMedium {
		t.Errorf("alert = %+v", al)
	}
}

func TestProcessSystemErrors(t *testing.T) {
	t.Run("liveness failure propagates", func(t *testing.T) {
		h := newHarness(testConfig(), liveOK(), identity.Result{Matched: true, Similarity: 0.91})
		h.liveness.err = errors.New("model offline")

		if _, err := h.svc.Process(context.Background(), baseRequest()); err == nil {
			t.Fatal("want error")
		}
		if len(h.repo.attempts) != 0 || len(h.repo.fraud) != 0 {
			t.Errorf("rows persisted on a system error")
		}
	})

	t.Run("matcher failure propagates", func(t *testing.T) {
		h := newHarness(testConfig(), liveOK(), identity.Result{})
		h.matcher.err = errors.New("search down")

		if _, err := h.svc.Process(context.Background(), baseRequest()); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("missing image", func(t *testing.T) {
		h := newHarness(testConfig(), liveOK(), identity.Result{})
		req := baseRequest()
		req.Image = nil

		if _, err := h.svc.Process(context.Background(), req); err == nil {
			t.Fatal("want error")
		}
	})
}
