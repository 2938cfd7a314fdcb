// Package domain defines balance alerting. Low-balance alerts dedupe on a
// 24h time window; expiration reminders dedupe on a boolean flag. The two
// semantics are deliberately different: balances swing back and forth,
// promotion windows end once.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
)

type Service interface {
	// CheckLowBalance enqueues a low_balance notification when the balance
	// sits below the organization's alert threshold. At most one alert per
	// 24h window per organization; safe to call after every debit.
	CheckLowBalance(ctx context.Context, orgID snowflake.ID, balance int64) error
}
