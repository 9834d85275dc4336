// Package server exposes the settlement API over HTTP.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradegate/settlement/internal/auth"
	"github.com/tradegate/settlement/internal/chain"
	"github.com/tradegate/settlement/internal/config"
	"github.com/tradegate/settlement/internal/delivery"
	"github.com/tradegate/settlement/internal/dispute"
	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/metrics"
	"github.com/tradegate/settlement/internal/payment"
	"github.com/tradegate/settlement/internal/realtime"
	"github.com/tradegate/settlement/internal/settlement"
	"github.com/tradegate/settlement/internal/transaction"
)

// Services bundles the wired domain services the API fronts.
type Services struct {
	Ledger      *transaction.Ledger
	Coordinator *settlement.Coordinator
	Disputes    *dispute.Resolver
	Delivery    *delivery.Handler
	Payments    *payment.Service
	Gateway     *chain.EscrowGateway
	Chain       *chain.Client
	Wallets     settlement.WalletDirectory
	Hub         *realtime.Hub
	DB          *sql.DB
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the router with all middleware and routes registered.
func New(cfg config.Config, logger *slog.Logger, svcs Services) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestContext(logger))
	engine.Use(metrics.Middleware())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		http: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	h := &handlers{svcs: svcs}

	engine.GET("/healthz", h.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if svcs.Hub != nil {
		engine.GET("/ws", svcs.Hub.ServeWS)
	}

	// Stripe calls back unauthenticated; the payload is signature-checked.
	engine.POST("/api/v1/webhooks/stripe", h.stripeWebhook)

	api := engine.Group("/api/v1", auth.Middleware(cfg.AdminJWTSecret))
	{
		api.POST("/wallets", h.registerWallet)
		api.POST("/transactions", h.createTransaction)
		api.GET("/transactions", h.listTransactions)
		api.GET("/transactions/:id", h.getTransaction)
		api.GET("/transactions/:id/status", h.transactionStatus)
		api.GET("/transactions/:id/gas", h.estimateGas)
		api.POST("/transactions/:id/payment", h.startPayment)
		api.POST("/transactions/:id/advance", h.advanceTransaction)
		api.POST("/transactions/:id/cancel", h.cancelTransaction)
		api.POST("/transactions/:id/confirm-delivery", h.confirmDelivery)

		api.POST("/transactions/:id/disputes", h.fileDispute)
		api.GET("/transactions/:id/disputes", h.listDisputes)
		api.POST("/disputes/:id/evidence", h.addEvidence)
		api.GET("/disputes/:id", h.getDispute)

		admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
		{
			admin.GET("/disputes", h.openDisputes)
			admin.POST("/disputes/:id/review", h.startReview)
			admin.POST("/disputes/:id/resolve", h.resolveDispute)
			admin.POST("/transactions/:id/open-escrow", h.adminOpenEscrow)
			admin.POST("/transactions/:id/release", h.adminRelease)
			admin.POST("/transactions/:id/refund", h.adminRefund)
			admin.GET("/attention", h.attentionQueue)
		}
	}

	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr, "env", s.cfg.Env)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// requestContext tags every request with an id and a request-scoped
// logger.
func requestContext(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-Id", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, logger)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		logging.L(ctx).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
