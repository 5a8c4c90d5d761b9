package checkin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the persistence boundary of the engine. The orchestrator
// only appends records; nothing here mutates history.
type Repository interface {
	SessionConfig(ctx context.Context, sessionID int64) (*SessionConfig, error)
	ActiveAttempt(ctx context.Context, sessionConfigID, studentID int64) (*Attempt, error)
	CreateAttempt(ctx context.Context, a *Attempt) error
	// CreateApproved persists the approved attempt and its attendance
	// record atomically; both land or neither does. A uniqueness
	// violation on (session, student) surfaces as ErrDuplicate.
	CreateApproved(ctx context.Context, a *Attempt, rec *AttendanceRecord) error
	CreateFraudEvidence(ctx context.Context, ev *FraudEvidence) error
	CreateAlert(ctx context.Context, al *Alert) error

	HasAttendance(ctx context.Context, sessionID, studentID int64) (bool, error)
	CreateAttendance(ctx context.Context, rec *AttendanceRecord) error
	ListAttempts(ctx context.Context, sessionID int64, limit, offset int) ([]Attempt, error)
}

// PGRepository implements Repository over Postgres.
type PGRepository struct {
	db *sql.DB
}

// NewPGRepository creates a repo.
func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

// uniqueViolation is the Postgres SQLSTATE for unique constraint hits.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// SessionConfig loads the single config for a session.
func (r *PGRepository) SessionConfig(ctx context.Context, sessionID int64) (*SessionConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, mode, scheduled_start,
		       window_before_minutes, window_after_minutes,
		       require_liveness, require_location,
		       classroom_lat, classroom_lng, radius_meters,
		       min_similarity, created_at
		FROM attendance_session_configs
		WHERE session_id = $1
	`, sessionID)

	var cfg SessionConfig
	var beforeMin, afterMin int
	if err := row.Scan(&cfg.ID, &cfg.SessionID, &cfg.Mode, &cfg.ScheduledStart,
		&beforeMin, &afterMin,
		&cfg.RequireLiveness, &cfg.RequireLocation,
		&cfg.ClassroomLat, &cfg.ClassroomLng, &cfg.RadiusMeters,
		&cfg.MinSimilarity, &cfg.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSessionConfig
		}
		return nil, err
	}
	cfg.WindowBefore = time.Duration(beforeMin) * time.Minute
	cfg.WindowAfter = time.Duration(afterMin) * time.Minute
	return &cfg, nil
}

const attemptColumns = `
	id, public_id, session_config_id, session_id, student_id,
	face_similarity, liveness_passed, location_verified,
	latitude, longitude, distance_meters,
	device_id, ip_address, photo_url,
	status, reason, attempted_at, processed_at`

func scanAttempt(row interface{ Scan(...any) error }) (*Attempt, error) {
	var a Attempt
	if err := row.Scan(&a.ID, &a.PublicID, &a.SessionConfigID, &a.SessionID, &a.StudentID,
		&a.FaceSimilarity, &a.LivenessPassed, &a.LocationVerified,
		&a.Latitude, &a.Longitude, &a.DistanceMeters,
		&a.DeviceID, &a.IPAddress, &a.PhotoURL,
		&a.Status, &a.Reason, &a.AttemptedAt, &a.ProcessedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// ActiveAttempt returns an existing approved or in-flight attempt for
// the (session config, student) pair, if any.
func (r *PGRepository) ActiveAttempt(ctx context.Context, sessionConfigID, studentID int64) (*Attempt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM checkin_attempts
		WHERE session_config_id = $1 AND student_id = $2
		  AND status IN ('approved', 'pending')
		ORDER BY attempted_at DESC
		LIMIT 1
	`, sessionConfigID, studentID)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAttempt(ctx context.Context, q rowQuerier, a *Attempt) error {
	if a.PublicID == "" {
		a.PublicID = uuid.NewString()
	}
	if a.ProcessedAt.IsZero() {
		a.ProcessedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx, `
		INSERT INTO checkin_attempts (
			public_id, session_config_id, session_id, student_id,
			face_similarity, liveness_passed, location_verified,
			latitude, longitude, distance_meters,
			device_id, ip_address, photo_url,
			status, reason, attempted_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id
	`, a.PublicID, a.SessionConfigID, a.SessionID, a.StudentID,
		a.FaceSimilarity, a.LivenessPassed, a.LocationVerified,
		a.Latitude, a.Longitude, a.DistanceMeters,
		a.DeviceID, a.IPAddress, a.PhotoURL,
		a.Status, a.Reason, a.AttemptedAt, a.ProcessedAt).Scan(&a.ID)
}

// CreateAttempt writes a resolved (non-approved) attempt.
func (r *PGRepository) CreateAttempt(ctx context.Context, a *Attempt) error {
	return insertAttempt(ctx, r.db, a)
}

// CreateApproved writes the attempt and attendance record in one
// transaction. The unique index on attendance (session_id, student_id)
// is the last line of defense against concurrent double approval.
func (r *PGRepository) CreateApproved(ctx context.Context, a *Attempt, rec *AttendanceRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertAttempt(ctx, tx, a); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if err := insertAttendance(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func insertAttendance(ctx context.Context, q rowQuerier, rec *AttendanceRecord) error {
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now().UTC()
	}
	return q.QueryRowContext(ctx, `
		INSERT INTO attendance_records (session_id, student_id, status, marked_via, facial_confidence, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, rec.SessionID, rec.StudentID, rec.Status, rec.MarkedVia, rec.FacialConfidence, rec.MarkedAt).Scan(&rec.ID)
}

// CreateFraudEvidence appends one audit record.
func (r *PGRepository) CreateFraudEvidence(ctx context.Context, ev *FraudEvidence) error {
	payload, err := json.Marshal(ev.Evidence)
	if err != nil {
		return err
	}
	return r.db.QueryRowContext(ctx, `
		INSERT INTO fraud_evidence (attempt_id, session_id, student_id, type, severity, evidence)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at
	`, ev.AttemptID, ev.SessionID, ev.StudentID, ev.Type, ev.Severity, payload).
		Scan(&ev.ID, &ev.CreatedAt)
}

// CreateAlert appends a low-confidence alert.
func (r *PGRepository) CreateAlert(ctx context.Context, al *Alert) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_alerts (session_id, student_id, attempt_id, type, severity, message)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at
	`, al.SessionID, al.StudentID, al.AttemptID, al.Type, al.Severity, al.Message).
		Scan(&al.ID, &al.CreatedAt)
}

// HasAttendance reports whether attendance is already marked for the
// (session, student) pair.
func (r *PGRepository) HasAttendance(ctx context.Context, sessionID, studentID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2
		)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// CreateAttendance writes a standalone attendance record (QR channel).
func (r *PGRepository) CreateAttendance(ctx context.Context, rec *AttendanceRecord) error {
	if err := insertAttendance(ctx, r.db, rec); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ListAttempts returns attempts for a session, newest first.
func (r *PGRepository) ListAttempts(ctx context.Context, sessionID int64, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM checkin_attempts
		WHERE session_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
