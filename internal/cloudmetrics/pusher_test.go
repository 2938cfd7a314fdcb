package cloudmetrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/config"
)

func TestNewPusherConfigGuards(t *testing.T) {
	log := zap.NewNop()

	cfg := config.Config{}
	if p := NewPusher(cfg, log); p != nil {
		t.Fatal("disabled config built a pusher")
	}

	cfg.Cloud.Metrics.Enabled = true
	if p := NewPusher(cfg, log); p != nil {
		t.Fatal("missing exporter built a pusher")
	}

	cfg.Cloud.Metrics.Exporter = "prometheus_remote_write"
	cfg.Cloud.Metrics.Endpoint = "not a url"
	if p := NewPusher(cfg, log); p != nil {
		t.Fatal("invalid endpoint built a pusher")
	}

	cfg.Cloud.Metrics.Endpoint = "https://push.example.test/api/v1/write"
	if _, ok := NewPusher(cfg, log).(*RemoteWritePusher); !ok {
		t.Fatal("expected a remote write pusher")
	}

	cfg.Cloud.Metrics.Exporter = "prometheus_pushgateway"
	cfg.Cloud.Metrics.Endpoint = "https://gateway.example.test"
	if _, ok := NewPusher(cfg, log).(*PushgatewayPusher); !ok {
		t.Fatal("expected a pushgateway pusher")
	}
}

func TestRemoteWritePushSendsCountersAndGauges(t *testing.T) {
	var (
		gotAuth     string
		gotEncoding string
		gotSeries   []prompb.TimeSeries
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Content-Encoding")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			t.Errorf("snappy decode: %v", err)
			return
		}
		var req prompb.WriteRequest
		if err := proto.Unmarshal(decoded, protoadapt.MessageV2Of(&req)); err != nil {
			t.Errorf("proto unmarshal: %v", err)
			return
		}
		gotSeries = req.Timeseries
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_pushes_total"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_queue_depth"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_latency_seconds"})
	registry.MustRegister(counter, gauge, histogram)
	counter.Inc()
	gauge.Set(7)
	histogram.Observe(0.3)

	pusher := NewRemoteWritePusher(server.URL, "secret-token")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pusher.Push(ctx, registry); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotEncoding != "snappy" {
		t.Fatalf("encoding = %q", gotEncoding)
	}
	values := map[string]float64{}
	for _, series := range gotSeries {
		for _, label := range series.Labels {
			if label.Name == "__name__" && len(series.Samples) == 1 {
				values[label.Value] = series.Samples[0].Value
			}
		}
	}
	if len(values) != 2 {
		t.Fatalf("series = %v, want counter and gauge only", values)
	}
	if values["test_pushes_total"] != 1 || values["test_queue_depth"] != 7 {
		t.Fatalf("series values = %v", values)
	}
}

var cloudDBSeq int

func TestCollectRefreshesPlatformGauges(t *testing.T) {
	cloudDBSeq++
	dsn := fmt.Sprintf("file:cloudmetrics_test_%d?mode=memory&cache=shared", cloudDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	schema := []string{
		`CREATE TABLE organizations (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE promotions (id INTEGER PRIMARY KEY, status TEXT NOT NULL)`,
		`CREATE TABLE organization_billing (org_id INTEGER PRIMARY KEY, credit_balance INTEGER NOT NULL)`,
		`CREATE TABLE notifications (id INTEGER PRIMARY KEY, status TEXT NOT NULL)`,
		`CREATE TABLE outbox_events (id INTEGER PRIMARY KEY, published_at DATETIME)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	seeds := []string{
		`INSERT INTO organizations (id) VALUES (1), (2)`,
		`INSERT INTO promotions (id, status) VALUES (1, 'active'), (2, 'expired'), (3, 'active')`,
		`INSERT INTO organization_billing (org_id, credit_balance) VALUES (1, 250000), (2, 750000)`,
		`INSERT INTO notifications (id, status) VALUES (1, 'pending'), (2, 'sent')`,
		`INSERT INTO outbox_events (id, published_at) VALUES (1, NULL), (2, '2026-01-01 00:00:00')`,
	}
	for _, stmt := range seeds {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	cfg := config.Config{AppName: "baulisto-billing", AppVersion: "test", Environment: "test"}
	c := New(NewRemoteWritePusher("https://push.example.test", ""), cfg, zap.NewNop())
	if c == nil {
		t.Fatal("New returned nil with a pusher configured")
	}
	if err := c.Collect(context.Background(), db); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	want := map[string]float64{
		"baulisto_platform_organizations":          2,
		"baulisto_platform_active_promotions":      2,
		"baulisto_platform_credits_in_circulation": 1_000_000,
		"baulisto_platform_pending_notifications":  1,
		"baulisto_platform_unpublished_events":     1,
	}
	for name, wantValue := range want {
		if got := gaugeValue(t, c.registry, name); got != wantValue {
			t.Fatalf("%s = %v, want %v", name, got, wantValue)
		}
	}
	if gaugeValue(t, c.registry, "baulisto_platform_memory_bytes") <= 0 {
		t.Fatal("memory gauge not set")
	}
}

func TestNilCloudMetricsIsInert(t *testing.T) {
	var c *CloudMetrics
	if err := c.Collect(context.Background(), nil); err != nil {
		t.Fatalf("nil Collect: %v", err)
	}
	if err := c.Push(context.Background()); err != nil {
		t.Fatalf("nil Push: %v", err)
	}
	if New(nil, config.Config{}, zap.NewNop()) != nil {
		t.Fatal("New without a pusher must return nil")
	}
}

func gaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if metric.GetGauge() != nil {
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("gauge %s not found", name)
	return 0
}
