package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/engagehub/engagehub/internal/campaigns"
	"github.com/engagehub/engagehub/pkg/models"
)

// POST /api/v1/campaigns
func (s *Server) createCampaign(c *gin.Context) {
	var req struct {
		PromoterID       string         `json:"promoter_id" binding:"required,uuid"`
		Title            string         `json:"title" binding:"required"`
		Description      string         `json:"description"`
		Platform         string         `json:"platform" binding:"required"`
		EngagementType   string         `json:"engagement_type" binding:"required"`
		TargetURL        string         `json:"target_url"`
		TargetIdentifier string         `json:"target_identifier"`
		Quantity         int            `json:"quantity" binding:"required,gt=0"`
		PricePerAction   string         `json:"price_per_action" binding:"required"`
		TotalBudget      string         `json:"total_budget" binding:"required"`
		Criteria         models.JSONMap `json:"acceptance_criteria"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := decimal.NewFromString(req.PricePerAction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price_per_action"})
		return
	}
	budget, err := decimal.NewFromString(req.TotalBudget)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_budget"})
		return
	}

	campaign := &models.Campaign{
		PromoterID:         mustParse(req.PromoterID),
		Title:              req.Title,
		Description:        req.Description,
		Platform:           req.Platform,
		EngagementType:     req.EngagementType,
		TargetURL:          req.TargetURL,
		TargetIdentifier:   req.TargetIdentifier,
		Quantity:           req.Quantity,
		PricePerAction:     price,
		TotalBudget:        budget,
		AcceptanceCriteria: req.Criteria,
	}
	if err := s.campaigns.CreateCampaign(c.Request.Context(), campaign); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

// GET /api/v1/campaigns/:id
func (s *Server) getCampaign(c *gin.Context) {
	campaignID, ok := parseID(c, "id")
	if !ok {
		return
	}
	campaign, err := s.campaigns.GetCampaign(c.Request.Context(), campaignID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// POST /api/v1/campaigns/:id/fund
func (s *Server) fundCampaign(c *gin.Context) {
	campaignID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.campaigns.Fund(c.Request.Context(), campaignID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "funded"})
}

// POST /api/v1/campaigns/:id/pause
func (s *Server) pauseCampaign(c *gin.Context) {
	campaignID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.campaigns.Pause(c.Request.Context(), campaignID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// POST /api/v1/campaigns/:id/resume
func (s *Server) resumeCampaign(c *gin.Context) {
	campaignID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.campaigns.Resume(c.Request.Context(), campaignID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// POST /api/v1/campaigns/:id/cancel
func (s *Server) cancelCampaign(c *gin.Context) {
	campaignID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.campaigns.Cancel(c.Request.Context(), campaignID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// GET /api/v1/campaigns/:id/jobs
func (s *Server) listCampaignJobs(c *gin.Context) {
	campaignID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobs, err := s.campaigns.ListJobs(c.Request.Context(), campaignID, query.Status, query.Limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// POST /api/v1/jobs/:id/accept
func (s *Server) acceptJob(c *gin.Context) {
	jobID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		EarnerID string `json:"earner_id" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.campaigns.AcceptJob(c.Request.Context(), jobID, mustParse(req.EarnerID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// POST /api/v1/jobs/:id/submit
func (s *Server) submitJob(c *gin.Context) {
	jobID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		EarnerID       string         `json:"earner_id" binding:"required,uuid"`
		ProofData      models.JSONMap `json:"proof_data"`
		ScreenshotURLs []string       `json:"screenshot_urls"`
		TrackingToken  string         `json:"tracking_token"`
		CommentText    string         `json:"comment_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	attempt, err := s.campaigns.SubmitJob(c.Request.Context(), jobID, mustParse(req.EarnerID), campaigns.AttemptSubmission{
		ProofData:      req.ProofData,
		ScreenshotURLs: req.ScreenshotURLs,
		TrackingToken:  req.TrackingToken,
		CommentText:    req.CommentText,
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, attempt)
}
