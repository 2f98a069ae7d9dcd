package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/observability"
	obsmiddleware "github.com/orinchat/billing/internal/observability/logger"
	obsmetrics "github.com/orinchat/billing/internal/observability/metrics"
	obstracing "github.com/orinchat/billing/internal/observability/tracing"
	"github.com/orinchat/billing/internal/ratelimit"
	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = ctx
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	subscriptionSvc subscriptiondomain.Service
	reconciler      subscriptiondomain.Reconciler
	obsMetrics      *obsmetrics.Metrics
	limiter         *ratelimit.TokenBucket
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	Reconciler      subscriptiondomain.Reconciler
	ObsMetrics      *obsmetrics.Metrics    `optional:"true"`
	Limiter         *ratelimit.TokenBucket `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http"),
		subscriptionSvc: p.SubscriptionSvc,
		reconciler:      p.Reconciler,
		obsMetrics:      p.ObsMetrics,
		limiter:         p.Limiter,
	}

	s.registerWebhookRoutes()
	s.registerBillingRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/billing", s.HandleBillingWebhook)
}

func (s *Server) registerBillingRoutes() {
	api := s.engine.Group("/api/billing", s.UserRequired())

	api.GET("/subscription", s.GetSubscription)
	api.GET("/access", s.CheckAccess)
	api.POST("/checkout", s.SessionRateLimit("checkout"), s.CreateCheckoutSession)
	api.POST("/portal", s.SessionRateLimit("portal"), s.CreatePortalSession)
	api.POST("/cancel", s.CancelSubscription)
}
