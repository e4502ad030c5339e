package service

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

// Allocate plans a tentative send time for each lead, in input order. At most
// dailyCap leads share a day and consecutive leads within a day are spacing
// apart: lead i goes to start + (i/dailyCap) days + (i%dailyCap)*spacing.
//
// The plan is informational; the dispatcher does not wait for it.
func Allocate(leadIDs []int, dailyCap int, spacing time.Duration, start time.Time) ([]time.Time, error) {
	if dailyCap <= 0 {
		return nil, fmt.Errorf("%w: daily cap must be positive, got %d", appErrors.ErrInvalidArgument, dailyCap)
	}
	if spacing < 0 {
		return nil, fmt.Errorf("%w: spacing must not be negative, got %s", appErrors.ErrInvalidArgument, spacing)
	}

	dates := make([]time.Time, len(leadIDs))
	for i := range leadIDs {
		dayOffset := i / dailyCap
		slot := i % dailyCap
		dates[i] = start.Add(time.Duration(dayOffset)*24*time.Hour + time.Duration(slot)*spacing)
	}
	return dates, nil
}
