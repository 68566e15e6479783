package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// Reaper periodically deletes expired sessions and their messages. By default
// it runs on a fixed interval; an optional cron expression replaces the
// interval with calendar-based ticks (e.g. "0 4 * * *" for a nightly sweep).
type Reaper struct {
	sessions store.SessionStore
	interval time.Duration
	schedule string // cron expression, empty means fixed interval
}

// NewReaper builds a reaper. schedule, when non-empty, must be a valid cron
// expression; validate with gronx before calling.
func NewReaper(sessions store.SessionStore, interval time.Duration, schedule string) *Reaper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Reaper{sessions: sessions, interval: interval, schedule: schedule}
}

// ValidSchedule reports whether expr parses as a cron expression.
func ValidSchedule(expr string) bool {
	return gronx.New().IsValid(expr)
}

// Run sweeps once immediately, then on every tick until ctx is done.
// Sweep failures are logged and the loop keeps going.
func (r *Reaper) Run(ctx context.Context) error {
	r.sweep(ctx)
	for {
		wait, err := r.nextWait()
		if err != nil {
			slog.Error("reaper schedule broken, falling back to interval",
				"schedule", r.schedule, "error", err)
			wait = r.interval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) nextWait() (time.Duration, error) {
	if r.schedule == "" {
		return r.interval, nil
	}
	now := time.Now()
	next, err := gronx.NextTickAfter(r.schedule, now, false)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}

func (r *Reaper) sweep(ctx context.Context) {
	res, err := r.sessions.Reap(ctx)
	if err != nil {
		slog.Error("session reap failed", "error", err)
		return
	}
	if res.Sessions > 0 {
		slog.Info("expired sessions reaped",
			"sessions", res.Sessions, "messages", res.Messages)
	} else {
		slog.Debug("session reap found nothing to delete")
	}
}
