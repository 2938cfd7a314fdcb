package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	creditTransactions     metric.Int64Counter
	promotionTransitions   metric.Int64Counter
	webhookEvents          metric.Int64Counter
	notificationsSent      metric.Int64Counter
	topupCheckouts         metric.Int64Counter
	reconciliationFindings metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "baulisto-billing"
	}
	meter := provider.Meter(name)

	creditTransactions, err := meter.Int64Counter("baulisto_credit_transactions_total")
	if err != nil {
		return nil, err
	}
	promotionTransitions, err := meter.Int64Counter("baulisto_promotion_transitions_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("baulisto_webhook_events_total")
	if err != nil {
		return nil, err
	}
	notificationsSent, err := meter.Int64Counter("baulisto_notifications_sent_total")
	if err != nil {
		return nil, err
	}
	topupCheckouts, err := meter.Int64Counter("baulisto_topup_checkouts_total")
	if err != nil {
		return nil, err
	}
	reconciliationFindings, err := meter.Int64Counter("baulisto_reconciliation_findings_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditTransactions:     creditTransactions,
		promotionTransitions:   promotionTransitions,
		webhookEvents:          webhookEvents,
		notificationsSent:      notificationsSent,
		topupCheckouts:         topupCheckouts,
		reconciliationFindings: reconciliationFindings,
	}, nil
}

// RecordCreditTransaction increments ledger mutation counts.
func (m *Metrics) RecordCreditTransaction(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("transaction_type", strings.TrimSpace(transactionType)))
	m.creditTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPromotionTransition increments promotion state transition counts.
func (m *Metrics) RecordPromotionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.promotionTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments payment webhook event counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotificationSent increments delivered notification counts.
func (m *Metrics) RecordNotificationSent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.notificationsSent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTopupCheckout increments checkout session counts by outcome.
func (m *Metrics) RecordTopupCheckout(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.topupCheckouts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciliationFinding increments ledger reconciliation findings by kind.
func (m *Metrics) RecordReconciliationFinding(ctx context.Context, finding string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("finding", strings.TrimSpace(finding)))
	m.reconciliationFindings.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"transaction_type": {},
	"from":             {},
	"to":               {},
	"provider":         {},
	"event_type":       {},
	"kind":             {},
	"status":           {},
	"status_code":      {},
	"endpoint":         {},
	"reason":           {},
	"finding":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
