package service

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/repository"
)

// SentCounter is the part of the assignment store the quota tracker reads.
type SentCounter interface {
	CountSentBetween(ctx context.Context, from, to time.Time) (int, error)
}

var _ SentCounter = (repository.AssignmentRepositoryInterface)(nil)

// QuotaTracker derives today's remaining sends from SENT rows on every call,
// so nothing is lost across restarts.
type QuotaTracker struct {
	Store      SentCounter
	DailyLimit int
	Location   *time.Location
	Now        func() time.Time
}

func NewQuotaTracker(store SentCounter, dailyLimit int, loc *time.Location) *QuotaTracker {
	if loc == nil {
		loc = time.Local
	}
	return &QuotaTracker{Store: store, DailyLimit: dailyLimit, Location: loc, Now: time.Now}
}

// DayBounds returns [start of day, start of next day) for t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// SentToday counts SENT assignments updated within the current local day.
func (q *QuotaTracker) SentToday(ctx context.Context) (int, error) {
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}
	from, to := DayBounds(now(), loc)
	return q.Store.CountSentBetween(ctx, from, to)
}

// Remaining is DailyLimit minus SentToday, never below zero.
func (q *QuotaTracker) Remaining(ctx context.Context) (int, error) {
	sent, err := q.SentToday(ctx)
	if err != nil {
		return 0, err
	}
	remaining := q.DailyLimit - sent
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
