// Package api exposes the settlement engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/api/handlers"
	"github.com/Aidin1998/nftsettle/common/auth"
	"github.com/Aidin1998/nftsettle/internal/settlement"
)

// Options configure the HTTP surface.
type Options struct {
	ServiceName     string
	Auth            auth.AuthorizationConfig
	AdminTOTPSecret string
	CORSOrigins     []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// Events, when set, serves the settlement event stream at /api/v1/events.
	Events http.Handler
}

// Server represents the API server
type Server struct {
	router   *gin.Engine
	logger   *zap.Logger
	handlers *handlers.Handler
	opts     Options
	http     *http.Server
}

func NewServer(logger *zap.Logger, core *settlement.Core, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "nftsettle"
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  opts.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", auth.TOTPHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:   router,
		logger:   logger.Named("api"),
		handlers: handlers.New(core, logger),
		opts:     opts,
	}
	s.registerRoutes()
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	h := s.handlers

	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", h.Health)
		if s.opts.Events != nil {
			public.GET("/events", gin.WrapH(s.opts.Events))
		}

		public.GET("/sales/:id", h.GetSale)
		public.GET("/trades/:id", h.GetTrade)
		public.GET("/bundles/:id", h.GetBundle)
		public.GET("/auctions/:id", h.GetAuction)
		public.GET("/auctions/:id/price", h.GetDutchAuctionPrice)
		public.GET("/auctions/:id/standings", h.GetStandings)
		public.GET("/swaps/:id", h.GetSwap)
		public.GET("/swaps/:id/holdings", h.GetEscrowHoldings)
		public.GET("/disputes/:id", h.GetDispute)

		royalties := public.Group("/royalties")
		{
			royalties.GET("/:contract/:token", h.GetRoyaltyInfo)
			royalties.GET("/:contract/:token/history", h.GetRoyaltyHistory)
			royalties.GET("/:contract/:token/quote", h.QuoteRoyalties)
			royalties.GET("/:contract/:token/minimum-price", h.MinimumPrice)
		}
		public.POST("/quotes/bundle-royalties", h.QuoteBundleRoyalties)
		public.GET("/receipts/:id", h.GetDistributionReceipt)
		public.GET("/receipts/:id/verify", h.VerifyRoyaltyPayment)

		public.GET("/fees/quote", h.QuoteFee)
		public.GET("/fees/accumulated", h.GetAccumulatedFees)
		public.GET("/users/:address/volume", h.GetUserVolume)

		config := public.Group("/config")
		{
			config.GET("/admin", h.GetAdminConfig)
			config.GET("/fees", h.GetFeeConfig)
			config.GET("/auction", h.GetAuctionConfig)
			config.GET("/dispute", h.GetDisputeConfig)
		}
	}

	// Protected routes act as the token subject.
	protected := s.router.Group("/api/v1")
	protected.Use(auth.Middleware(s.logger, s.opts.Auth))
	{
		protected.POST("/sales", h.CreateSale)
		protected.POST("/sales/:id/execute", h.ExecuteSale)

		protected.POST("/trades", h.CreateTrade)
		protected.POST("/trades/:id/accept", h.AcceptTrade)
		protected.POST("/trades/:id/execute", h.ExecuteTrade)

		protected.POST("/bundles", h.CreateBundle)
		protected.POST("/bundles/:id/execute", h.ExecuteBundle)

		protected.POST("/transactions/:id/cancel", h.CancelTransaction)
		protected.POST("/receipts/:id/retry", h.RetryRoyaltyDistribution)

		protected.POST("/auctions", h.CreateAuction)
		protected.POST("/auctions/:id/bids", h.PlaceBid)
		protected.POST("/auctions/:id/commitments", h.CommitBid)
		protected.POST("/auctions/:id/reveal", h.RevealBid)
		protected.POST("/auctions/:id/end", h.EndAuction)
		protected.POST("/auctions/:id/cleanup", h.CleanupExpiredCommitments)

		protected.POST("/disputes", h.InitiateDispute)
		protected.POST("/disputes/:id/votes", h.VoteOnDispute)
		protected.POST("/disputes/:id/resolve", h.ExecuteDisputeResolution)

		protected.PUT("/royalties/:contract/:token", h.SetRoyaltyInfo)
		protected.PATCH("/royalties/:contract/:token", h.UpdateRoyaltyPercentage)
		protected.POST("/royalties/:contract/bulk", h.BulkSetRoyalties)
	}

	// Admin routes additionally require a TOTP code when one is configured.
	// The engine itself checks that the caller is the admin.
	admin := s.router.Group("/api/v1/admin")
	admin.Use(auth.Middleware(s.logger, s.opts.Auth), auth.RequireTOTP(s.opts.AdminTOTPSecret))
	{
		admin.POST("/initialize", h.Initialize)
		admin.PUT("/config", h.UpdateAdminConfig)
		admin.PUT("/fees", h.UpdateFeeConfig)
		admin.POST("/fees/withdraw", h.WithdrawPlatformFees)
		admin.PUT("/auction-config", h.UpdateAuctionConfig)
		admin.PUT("/dispute-config", h.UpdateDisputeConfig)
		admin.POST("/transactions/:id/emergency-withdraw", h.EmergencyWithdraw)
	}
}
