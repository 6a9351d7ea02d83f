// Package api exposes the marketplace core over HTTP: wallet and
// withdrawal endpoints for users, verification and review endpoints for
// moderators, campaign endpoints for promoters.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/engagehub/engagehub/internal/campaigns"
	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/internal/verification"
	"github.com/engagehub/engagehub/internal/wallet"
)

// Server is the HTTP front of the marketplace core.
type Server struct {
	router       *gin.Engine
	logger       *zap.Logger
	ledger       ledger.Service
	wallet       wallet.Service
	verification *verification.Service
	review       *verification.ReviewQueue
	fraud        *verification.FraudService
	registry     *verification.Registry
	campaigns    *campaigns.Service
}

// NewServer creates the API server with all service dependencies injected.
func NewServer(
	logger *zap.Logger,
	ledgerSvc ledger.Service,
	walletSvc wallet.Service,
	verificationSvc *verification.Service,
	review *verification.ReviewQueue,
	fraud *verification.FraudService,
	registry *verification.Registry,
	campaignsSvc *campaigns.Service,
) *Server {
	server := &Server{
		logger:       logger,
		ledger:       ledgerSvc,
		wallet:       walletSvc,
		verification: verificationSvc,
		review:       review,
		fraud:        fraud,
		registry:     registry,
		campaigns:    campaignsSvc,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	store := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted("100-M")
	router.Use(ginlimiter.NewMiddleware(limiter.New(store, rate)))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the underlying Gin engine, used by tests and the HTTP
// server in main.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		walletGroup := v1.Group("/wallet")
		{
			walletGroup.GET("/:userID/balance", s.getBalance)
			walletGroup.GET("/:userID/entries", s.listEntries)
			walletGroup.POST("/:userID/withdrawals", s.requestWithdrawal)
			walletGroup.GET("/:userID/withdrawals", s.listWithdrawals)
			walletGroup.POST("/:userID/withdrawals/:id/cancel", s.cancelWithdrawal)
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/withdrawals/:id/process", s.processWithdrawal)
			admin.POST("/withdrawals/:id/complete", s.completeWithdrawal)
			admin.POST("/withdrawals/:id/fail", s.failWithdrawal)
			admin.POST("/rules", s.createRule)
			admin.GET("/rules", s.listRules)
			admin.DELETE("/rules/:id", s.deactivateRule)
		}

		verificationGroup := v1.Group("/verification")
		{
			verificationGroup.POST("/attempts/:id/submit", s.submitVerification)
			verificationGroup.GET("/sessions/:id", s.getSession)
		}

		reviewGroup := v1.Group("/review")
		{
			reviewGroup.GET("/pending", s.listPendingReviews)
			reviewGroup.POST("/:id/assign", s.assignReview)
			reviewGroup.POST("/:id/decide", s.decideReview)
			reviewGroup.POST("/:id/escalate", s.escalateReview)
		}

		fraudGroup := v1.Group("/fraud")
		{
			fraudGroup.GET("/alerts", s.listFraudAlerts)
			fraudGroup.POST("/alerts/:id/investigate", s.investigateAlert)
			fraudGroup.POST("/alerts/:id/resolve", s.resolveAlert)
			fraudGroup.POST("/alerts/:id/false-positive", s.markAlertFalsePositive)
		}

		campaignGroup := v1.Group("/campaigns")
		{
			campaignGroup.POST("", s.createCampaign)
			campaignGroup.GET("/:id", s.getCampaign)
			campaignGroup.POST("/:id/fund", s.fundCampaign)
			campaignGroup.POST("/:id/pause", s.pauseCampaign)
			campaignGroup.POST("/:id/resume", s.resumeCampaign)
			campaignGroup.POST("/:id/cancel", s.cancelCampaign)
			campaignGroup.GET("/:id/jobs", s.listCampaignJobs)
		}

		jobGroup := v1.Group("/jobs")
		{
			jobGroup.POST("/:id/accept", s.acceptJob)
			jobGroup.POST("/:id/submit", s.submitJob)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
