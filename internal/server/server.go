// Package server exposes the billing engine's own HTTP surface: the payment
// webhook intake, health and readiness probes, the receipt download and the
// Prometheus scrape endpoint. The admin and listing CRUD APIs live in the
// platform gateway, not here.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/alerting"
	"github.com/baulisto/billing/internal/audit"
	"github.com/baulisto/billing/internal/cloudmetrics"
	"github.com/baulisto/billing/internal/config"
	"github.com/baulisto/billing/internal/events"
	"github.com/baulisto/billing/internal/idempotency"
	"github.com/baulisto/billing/internal/ledger"
	"github.com/baulisto/billing/internal/listing"
	"github.com/baulisto/billing/internal/notification"
	"github.com/baulisto/billing/internal/observability"
	obsmiddleware "github.com/baulisto/billing/internal/observability/logger"
	obsmetrics "github.com/baulisto/billing/internal/observability/metrics"
	"github.com/baulisto/billing/internal/organization"
	"github.com/baulisto/billing/internal/payment"
	paymentdomain "github.com/baulisto/billing/internal/payment/domain"
	"github.com/baulisto/billing/internal/promotion"
	"github.com/baulisto/billing/internal/providers"
	"github.com/baulisto/billing/internal/renewal"
	"github.com/baulisto/billing/internal/topup"
	topupdomain "github.com/baulisto/billing/internal/topup/domain"
)

var Module = fx.Module("http.server",
	cloudmetrics.Module,
	fx.Provide(registerGin),
	audit.Module,
	events.Module,
	idempotency.Module,
	providers.Module,
	ledger.Module,
	organization.Module,
	listing.Module,
	topup.Module,
	payment.Module,
	promotion.Module,
	renewal.Module,
	alerting.Module,
	notification.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	stripeAdapter paymentdomain.Adapter
	payments      paymentdomain.Service
	topups        topupdomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	StripeAdapter paymentdomain.Adapter
	Payments      paymentdomain.Service
	Topups        topupdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("server"),
		stripeAdapter: p.StripeAdapter,
		payments:      p.Payments,
		topups:        p.Topups,
	}

	svc.registerSystemRoutes()
	svc.registerWebhookRoutes()
	svc.registerBillingRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerSystemRoutes() {
	s.engine.GET("/readyz", s.Readyz)
}

// registerWebhookRoutes skips registration entirely when no webhook secret is
// configured; an unverifiable intake endpoint must not exist.
func (s *Server) registerWebhookRoutes() {
	if s.stripeAdapter == nil {
		s.log.Warn("stripe adapter not configured, webhook route disabled")
		return
	}
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerBillingRoutes() {
	s.engine.GET("/topups/:id/receipt", s.GetTopupReceipt)
}

// Readyz reports readiness only when the database answers a ping. Load
// balancers use it to drain instances whose pool has gone bad.
func (s *Server) Readyz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
