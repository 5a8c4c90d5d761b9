// Package qrcheckin implements the QR alternate check-in channel: a
// signed, random, time-limited token bound to (session, trainer) that a
// student scan redeems for an attendance record. No facial, liveness or
// location checks apply: this path trades assurance for convenience
// and records are labeled accordingly via marked_via.
package qrcheckin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartattend/internal/checkin"
)

// Errors surfaced to the API layer.
var (
	ErrTokenInvalid  = errors.New("qr token invalid or expired")
	ErrAlreadyMarked = errors.New("attendance already marked for session")
)

// DefaultTTL bounds token validity when no override is configured.
const DefaultTTL = 15 * time.Minute

// AttendanceStore is the slice of persistence the QR channel needs.
type AttendanceStore interface {
	HasAttendance(ctx context.Context, sessionID, studentID int64) (bool, error)
	CreateAttendance(ctx context.Context, rec *checkin.AttendanceRecord) error
}

// Claims is the JWT payload of an issued QR token.
type Claims struct {
	SessionID int64 `json:"session_id"`
	TrainerID int64 `json:"trainer_id"`
	jwt.RegisteredClaims
}

// Service issues and redeems QR tokens.
type Service struct {
	store      TokenStore
	attendance AttendanceStore
	signingKey string
	issuer     string
	ttl        time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewService builds the QR channel. ttl <= 0 uses DefaultTTL; now
// defaults to time.Now.
func NewService(store TokenStore, attendance AttendanceStore, signingKey, issuer string,
	ttl time.Duration, log *zap.Logger, now func() time.Time) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      store,
		attendance: attendance,
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
		log:        log,
		now:        now,
	}
}

// Issue mints a signed single-use token for the session and stores its
// id with a TTL so expiry needs no cleanup job.
func (s *Service) Issue(ctx context.Context, sessionID, trainerID int64) (string, time.Time, error) {
	if sessionID <= 0 || trainerID <= 0 {
		return "", time.Time{}, errors.New("session and trainer required")
	}

	jti := uuid.NewString()
	now := s.now()
	expires := now.Add(s.ttl)

	claims := Claims{
		SessionID: sessionID,
		TrainerID: trainerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.signingKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign qr token: %w", err)
	}

	rec := TokenRecord{SessionID: sessionID, TrainerID: trainerID, IssuedAt: now}
	if err := s.store.Save(ctx, jti, rec, s.ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("store qr token: %w", err)
	}

	s.log.Info("qr token issued",
		zap.Int64("session_id", sessionID),
		zap.Int64("trainer_id", trainerID),
		zap.Time("expires_at", expires))
	return token, expires, nil
}

// Redeem validates the token, consumes it exactly once, and marks
// attendance for the student unless it is already marked.
func (s *Service) Redeem(ctx context.Context, token string, studentID int64) (*checkin.AttendanceRecord, error) {
	if studentID <= 0 {
		return nil, errors.New("student required")
	}

	claims, err := s.parse(token)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	rec, err := s.store.Consume(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if rec.SessionID != claims.SessionID {
		return nil, ErrTokenInvalid
	}

	marked, err := s.attendance.HasAttendance(ctx, claims.SessionID, studentID)
	if err != nil {
		return nil, err
	}
	if marked {
		return nil, ErrAlreadyMarked
	}

	attendance := &checkin.AttendanceRecord{
		SessionID: claims.SessionID,
		StudentID: studentID,
		Status:    "present",
		MarkedVia: checkin.MarkedViaQRCode,
		MarkedAt:  s.now().UTC(),
	}
	if err := s.attendance.CreateAttendance(ctx, attendance); err != nil {
		if errors.Is(err, checkin.ErrDuplicate) {
			return nil, ErrAlreadyMarked
		}
		return nil, err
	}

	s.log.Info("qr check-in recorded",
		zap.Int64("session_id", claims.SessionID),
		zap.Int64("student_id", studentID))
	return attendance, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.signingKey), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("issuer mismatch")
	}
	return claims, nil
}
