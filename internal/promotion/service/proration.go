package service

import (
	"time"

	"github.com/baulisto/billing/internal/promotion/domain"
)

const day = 24 * time.Hour

// ceilDays counts whole days with ceiling division. Partial days count as
// full days.
func ceilDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	days := int64(d / day)
	if d%day > 0 {
		days++
	}
	return days
}

// computeProration is the whole-day refund for an early cancellation. Days
// used round up and the refund rounds down, so a started day is always paid
// for and credits never round up. A cancellation at or before the start
// instant, or at or after the end, refunds nothing.
func computeProration(start, end, now time.Time, creditsSpent int64) domain.Proration {
	totalDays := ceilDays(end.Sub(start))
	if totalDays <= 0 {
		return domain.Proration{}
	}

	daysUsed := ceilDays(now.Sub(start))
	daysRemaining := totalDays - daysUsed
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	p := domain.Proration{
		TotalDays:     totalDays,
		DaysUsed:      daysUsed,
		DaysRemaining: daysRemaining,
	}
	if daysUsed <= 0 || !now.Before(end) {
		return p
	}

	p.Refund = daysRemaining * creditsSpent / totalDays
	return p
}
