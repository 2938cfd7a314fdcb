package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProration_WholeDayBoundary(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	// Cancel exactly at the day-10 boundary: 10 used, 20 remaining.
	now := start.AddDate(0, 0, 10)
	p := computeProration(start, end, now, 3_000_000)

	assert.Equal(t, int64(30), p.TotalDays)
	assert.Equal(t, int64(10), p.DaysUsed)
	assert.Equal(t, int64(20), p.DaysRemaining)
	assert.Equal(t, int64(2_000_000), p.Refund)
}

func TestProration_PartialDayCountsAsUsed(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	// One hour into day 11: the started day is paid for.
	now := start.AddDate(0, 0, 10).Add(time.Hour)
	p := computeProration(start, end, now, 3_000_000)

	assert.Equal(t, int64(11), p.DaysUsed)
	assert.Equal(t, int64(19), p.DaysRemaining)
	assert.Equal(t, int64(1_900_000), p.Refund)
}

func TestProration_FirstHourUsesOneDay(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	now := start.Add(time.Hour)
	p := computeProration(start, end, now, 700_000)

	assert.Equal(t, int64(7), p.TotalDays)
	assert.Equal(t, int64(1), p.DaysUsed)
	assert.Equal(t, int64(6), p.DaysRemaining)
	assert.Equal(t, int64(600_000), p.Refund)
}

func TestProration_RefundRoundsDown(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)

	now := start.Add(time.Hour)
	p := computeProration(start, end, now, 1_000)

	// floor(2 * 1000 / 3) = 666
	assert.Equal(t, int64(666), p.Refund)
}

func TestProration_NoRefundAtStartInstant(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	p := computeProration(start, end, start, 3_000_000)
	assert.Equal(t, int64(0), p.DaysUsed)
	assert.Equal(t, int64(30), p.DaysRemaining)
	assert.Equal(t, int64(0), p.Refund)

	// Clock skew: now before start still refunds nothing.
	p = computeProration(start, end, start.Add(-time.Hour), 3_000_000)
	assert.Equal(t, int64(0), p.Refund)
}

func TestProration_NoRefundPastEnd(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	p := computeProration(start, end, end, 3_000_000)
	assert.Equal(t, int64(0), p.DaysRemaining)
	assert.Equal(t, int64(0), p.Refund)

	p = computeProration(start, end, end.Add(48*time.Hour), 3_000_000)
	assert.Equal(t, int64(0), p.DaysRemaining)
	assert.Equal(t, int64(0), p.Refund)
}

func TestProration_DegenerateWindow(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	p := computeProration(start, start, start.Add(time.Hour), 500_000)
	assert.Equal(t, int64(0), p.TotalDays)
	assert.Equal(t, int64(0), p.Refund)
}

func TestCeilDays(t *testing.T) {
	assert.Equal(t, int64(0), ceilDays(0))
	assert.Equal(t, int64(0), ceilDays(-time.Hour))
	assert.Equal(t, int64(1), ceilDays(time.Second))
	assert.Equal(t, int64(1), ceilDays(24*time.Hour))
	assert.Equal(t, int64(2), ceilDays(24*time.Hour+time.Nanosecond))
	assert.Equal(t, int64(30), ceilDays(30*24*time.Hour))
}
