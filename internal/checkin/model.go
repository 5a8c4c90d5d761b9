// Package checkin contains the self check-in verification engine: the
// session config and attempt data model, the duplicate/window guard, and
// the orchestrator that combines liveness, identity and location signals
// into one irreversible attendance decision with an auditable trail.
package checkin

import (
	"errors"
	"time"
)

// Status is the terminal state of a check-in attempt.
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusFlagged  Status = "flagged"
)

// Session check-in modes.
const (
	ModeSelfCheckin = "self_checkin"
	ModeTeamsAuto   = "teams_auto"
	ModeHybrid      = "hybrid"
)

// How an attendance record was produced.
const (
	MarkedViaSelfCheckin = "self_checkin"
	MarkedViaQRCode      = "qr_code"
)

// FraudType tags the reason an attempt was distrusted.
type FraudType string

const (
	FraudDuplicateAttempt FraudType = "duplicate_attempt"
	FraudScreenshot       FraudType = "screenshot_fraud"
	FraudProxyAttendance  FraudType = "proxy_attendance"
	FraudLocationSpoof    FraudType = "location_spoof"
)

// Severity of a fraud-evidence record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rejection and flag reasons surfaced to callers.
const (
	ReasonOutsideWindow      = "outside_checkin_window"
	ReasonAlreadyCheckedIn   = "already_checked_in"
	ReasonSelfCheckinOff     = "self_checkin_disabled"
	ReasonLocationRequired   = "location_required"
	ReasonLocationOutOfRange = "location_out_of_range"
	ReasonManualReview       = "manual_review_required"
)

// Sentinel errors shared by the engine and its persistence layer.
var (
	// ErrDuplicate is returned by the repository when a uniqueness
	// constraint fires at commit time. The orchestrator treats it
	// exactly like the duplicate-guard failure path.
	ErrDuplicate = errors.New("attendance already recorded")

	// ErrNoSessionConfig means smart check-in is not configured for
	// the session.
	ErrNoSessionConfig = errors.New("no check-in config for session")
)

// SessionConfig is the per-session smart check-in configuration. At
// most one exists per scheduled session.
type SessionConfig struct {
	ID             int64
	SessionID      int64
	Mode           string
	ScheduledStart time.Time
	WindowBefore   time.Duration
	WindowAfter    time.Duration

	RequireLiveness bool
	RequireLocation bool
	ClassroomLat    float64
	ClassroomLng    float64
	RadiusMeters    float64

	// MinSimilarity overrides the global check-in threshold when > 0.
	MinSimilarity float64

	CreatedAt time.Time
}

// WindowOpen and WindowClose bound the accepted submission interval.
// Both boundaries are inclusive.
func (c *SessionConfig) WindowOpen() time.Time  { return c.ScheduledStart.Add(-c.WindowBefore) }
func (c *SessionConfig) WindowClose() time.Time { return c.ScheduledStart.Add(c.WindowAfter) }

// AllowsSelfCheckin reports whether the session accepts the student
// self check-in channel at all.
func (c *SessionConfig) AllowsSelfCheckin() bool {
	return c.Mode == ModeSelfCheckin || c.Mode == ModeHybrid
}

// Attempt is one student check-in submission and its resolution. Rows
// are append-only once the engine resolves them.
type Attempt struct {
	ID              int64
	PublicID        string
	SessionConfigID int64
	SessionID       int64
	StudentID       int64

	FaceSimilarity   *float64
	LivenessPassed   bool
	LocationVerified *bool
	Latitude         *float64
	Longitude        *float64
	DistanceMeters   *float64

	DeviceID  string
	IPAddress string
	PhotoURL  string

	Status Status
	Reason string

	AttemptedAt time.Time
	ProcessedAt time.Time
}

// AttendanceRecord is created only for approved attempts (or QR
// redemptions) and is unique per (session, student).
type AttendanceRecord struct {
	ID               int64
	SessionID        int64
	StudentID        int64
	Status           string // always "present" for this engine
	MarkedVia        string
	FacialConfidence *float64
	MarkedAt         time.Time
}

// FraudEvidence is an immutable audit record explaining why an attempt
// was distrusted. The engine only appends; resolution fields are
// touched exclusively by human reviewers.
type FraudEvidence struct {
	ID        int64
	AttemptID *int64
	SessionID int64
	StudentID int64
	Type      FraudType
	Severity  Severity
	Evidence  map[string]any
	CreatedAt time.Time
}

// Alert is informational: an approved check-in whose confidence sits
// below the comfort threshold. Acknowledgment is external.
type Alert struct {
	ID        int64
	SessionID int64
	StudentID int64
	AttemptID int64
	Type      string
	Severity  Severity
	Message   string
	CreatedAt time.Time
}

// AlertLowConfidence is the only alert type the engine emits.
const AlertLowConfidence = "low_confidence"
