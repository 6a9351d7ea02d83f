package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/engagehub/engagehub/pkg/models"
)

// POST /api/v1/verification/attempts/:id/submit
func (s *Server) submitVerification(c *gin.Context) {
	attemptID, ok := parseID(c, "id")
	if !ok {
		return
	}
	sessionID, err := s.verification.Submit(c.Request.Context(), attemptID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

// GET /api/v1/verification/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	sessionID, ok := parseID(c, "id")
	if !ok {
		return
	}
	session, err := s.verification.GetStatus(c.Request.Context(), sessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// POST /api/v1/admin/rules
func (s *Server) createRule(c *gin.Context) {
	var rule models.VerificationRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.registry.CreateRule(c.Request.Context(), &rule); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// GET /api/v1/admin/rules
func (s *Server) listRules(c *gin.Context) {
	rules, err := s.registry.ListRules(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// DELETE /api/v1/admin/rules/:id
func (s *Server) deactivateRule(c *gin.Context) {
	ruleID, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.registry.DeactivateRule(c.Request.Context(), ruleID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// GET /api/v1/review/pending
func (s *Server) listPendingReviews(c *gin.Context) {
	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := s.review.ListPending(c.Request.Context(), query.Limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// POST /api/v1/review/:id/assign
func (s *Server) assignReview(c *gin.Context) {
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ModeratorID string `json:"moderator_id" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.review.Assign(c.Request.Context(), itemID, mustParse(req.ModeratorID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "assigned"})
}

// POST /api/v1/review/:id/decide
func (s *Server) decideReview(c *gin.Context) {
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ModeratorID string `json:"moderator_id" binding:"required,uuid"`
		Decision    string `json:"decision" binding:"required"`
		Reason      string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.review.Decide(c.Request.Context(), itemID, mustParse(req.ModeratorID), req.Decision, req.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "decided", "decision": req.Decision})
}

// POST /api/v1/review/:id/escalate
func (s *Server) escalateReview(c *gin.Context) {
	itemID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		EscalateToID string `json:"escalate_to_id" binding:"required,uuid"`
		Reason       string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.review.Escalate(c.Request.Context(), itemID, mustParse(req.EscalateToID), req.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "escalated"})
}

// GET /api/v1/fraud/alerts
func (s *Server) listFraudAlerts(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alerts, err := s.fraud.ListAlerts(c.Request.Context(), query.Status, query.Limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// POST /api/v1/fraud/alerts/:id/investigate
func (s *Server) investigateAlert(c *gin.Context) {
	alertID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		InvestigatorID string `json:"investigator_id" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.fraud.Investigate(c.Request.Context(), alertID, mustParse(req.InvestigatorID)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "investigating"})
}

// POST /api/v1/fraud/alerts/:id/resolve
func (s *Server) resolveAlert(c *gin.Context) {
	alertID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.fraud.Resolve(c.Request.Context(), alertID, req.Resolution); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// POST /api/v1/fraud/alerts/:id/false-positive
func (s *Server) markAlertFalsePositive(c *gin.Context) {
	alertID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.fraud.MarkFalsePositive(c.Request.Context(), alertID, req.Notes); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "false_positive"})
}
