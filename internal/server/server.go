package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/observability"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tokenledger/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/tokenledger/internal/payment/domain"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	"github.com/smallbiznis/tokenledger/internal/rate"
	tenantdomain "github.com/smallbiznis/tokenledger/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http"), obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	ledgerSvc    ledgerdomain.Service
	paymentSvc   paymentdomain.Service
	tenants      tenantdomain.Directory
	rates        *rate.Source
	obsMetrics   *obsmetrics.Metrics
	usageLimiter *ratelimit.UsageLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	LedgerSvc    ledgerdomain.Service
	PaymentSvc   paymentdomain.Service
	Tenants      tenantdomain.Directory
	Rates        *rate.Source
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
	UsageLimiter *ratelimit.UsageLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		ledgerSvc:    p.LedgerSvc,
		paymentSvc:   p.PaymentSvc,
		tenants:      p.Tenants,
		rates:        p.Rates,
		obsMetrics:   p.ObsMetrics,
		usageLimiter: p.UsageLimiter,
	}

	svc.registerPaymentRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPaymentRoutes() {
	api := s.engine.Group("/api/payment")

	api.POST("/webhook", s.HandlePaymentWebhook)
	api.GET("/packages", s.ListPackages)
}

// Internal routes are called by the gateway with an already authenticated
// user id in the path.
func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	internal.GET("/rates", s.ListRates)

	accounts := internal.Group("/accounts")
	accounts.POST("", s.CreateAccount)
	accounts.GET("/:user_id", s.GetAccount)
	accounts.DELETE("/:user_id", s.DeleteAccount)
	accounts.GET("/:user_id/access", s.CheckAccess)
	accounts.POST("/:user_id/usage", s.UsageRateLimit(), s.RecordUsage)
	accounts.POST("/:user_id/credits", s.AddTokens)
	accounts.POST("/:user_id/subscription", s.ActivateSubscription)
	accounts.GET("/:user_id/summary", s.GetSummary)
	accounts.GET("/:user_id/entries", s.ListEntries)

	tenants := internal.Group("/tenants")
	tenants.GET("", s.ListTenants)
	tenants.POST("/:user_id", s.ProvisionTenant)
	tenants.GET("/:user_id", s.ResolveTenant)
	tenants.DELETE("/:user_id", s.DeleteTenant)
}
