package checkin

import (
	"context"
	"time"
)

// Guard enforces the check-in window and the single-attempt rule before
// any expensive verification work runs. It is advisory under
// concurrency (the attendance uniqueness constraint is the final
// arbiter) but it keeps duplicate submissions from burning model calls
// and gives the engine a stable idempotency contract.
type Guard struct {
	repo Repository
	now  func() time.Time
}

// NewGuard creates a guard. now defaults to time.Now.
func NewGuard(repo Repository, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{repo: repo, now: now}
}

// WithinWindow reports whether the current time lies inside the
// session's configured window. Both edges are inclusive.
func (g *Guard) WithinWindow(cfg *SessionConfig) bool {
	t := g.now()
	return !t.Before(cfg.WindowOpen()) && !t.After(cfg.WindowClose())
}

// PriorAttempt returns an existing approved or in-flight attempt for
// the student in this session, if one exists.
func (g *Guard) PriorAttempt(ctx context.Context, cfg *SessionConfig, studentID int64) (*Attempt, error) {
	return g.repo.ActiveAttempt(ctx, cfg.ID, studentID)
}
