package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "baulisto-billing",
		Environment: "test",
	})

	metrics.AddBatchProcessed(JobPromotionExpiration, "promotions", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues(JobPromotionExpiration, "promotions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncJobErrorUsesPrewiredCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "baulisto-billing",
		Environment: "test",
	})

	metrics.IncJobError(JobLedgerReconciliation, &pgconn.PgError{Code: "55P03"})
	metrics.IncJobError(JobLedgerReconciliation, errors.New("boom"))

	lockTimeouts := testutil.ToFloat64(metrics.jobErrors.WithLabelValues(JobLedgerReconciliation, SchedulerJobReasonDBLockTimeout))
	if lockTimeouts != 1 {
		t.Fatalf("expected 1 lock timeout error, got %v", lockTimeouts)
	}
	unknown := testutil.ToFloat64(metrics.jobErrors.WithLabelValues(JobLedgerReconciliation, SchedulerJobReasonUnknown))
	if unknown != 1 {
		t.Fatalf("expected 1 unknown error, got %v", unknown)
	}
}

func TestSchedulerMetricsNilSafe(t *testing.T) {
	var metrics *SchedulerMetrics

	metrics.IncJobRun(JobAutoRenewal)
	metrics.ObserveJobDuration(JobAutoRenewal, 0)
	metrics.IncJobTimeout(JobAutoRenewal)
	metrics.IncJobError(JobAutoRenewal, errors.New("boom"))
	metrics.AddBatchProcessed(JobAutoRenewal, "promotions", 1)
	metrics.IncBatchDeferred(JobAutoRenewal, SchedulerBatchDeferredReasonLockHeld)
	metrics.ObserveRunLoopLag(0)
	metrics.ObserveDBLockWait(LockResourceOrganizationBilling, 0)
}
