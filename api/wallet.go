package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/pkg/models"
)

// GET /api/v1/wallet/:userID/balance
func (s *Server) getBalance(c *gin.Context) {
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	balance, err := s.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	available, err := s.wallet.AvailableBalance(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"balance":   balance,
		"available": available,
	})
}

// GET /api/v1/wallet/:userID/entries
func (s *Server) listEntries(c *gin.Context) {
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	var query struct {
		Kind   string `form:"kind"`
		Limit  int    `form:"limit"`
		Offset int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, total, err := s.ledger.ListEntries(c.Request.Context(), userID, ledger.EntryFilter{
		Kind:   models.EntryKind(query.Kind),
		Limit:  query.Limit,
		Offset: query.Offset,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

// POST /api/v1/wallet/:userID/withdrawals
func (s *Server) requestWithdrawal(c *gin.Context) {
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	var req struct {
		Amount         string         `json:"amount" binding:"required"`
		PaymentMethod  string         `json:"payment_method" binding:"required"`
		PaymentDetails models.JSONMap `json:"payment_details"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	withdrawal, err := s.wallet.RequestWithdrawal(c.Request.Context(), userID, amount, req.PaymentMethod, req.PaymentDetails)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, withdrawal)
}

// GET /api/v1/wallet/:userID/withdrawals
func (s *Server) listWithdrawals(c *gin.Context) {
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	var query struct {
		Status string `form:"status"`
		Limit  int    `form:"limit"`
		Offset int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	withdrawals, total, err := s.wallet.GetWithdrawals(c.Request.Context(), userID, query.Status, query.Limit, query.Offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals, "total": total})
}

// POST /api/v1/wallet/:userID/withdrawals/:id/cancel
func (s *Server) cancelWithdrawal(c *gin.Context) {
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	withdrawalID, ok := parseID(c, "id")
	if !ok {
		return
	}
	withdrawal, err := s.wallet.Cancel(c.Request.Context(), withdrawalID, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

// POST /api/v1/admin/withdrawals/:id/process
func (s *Server) processWithdrawal(c *gin.Context) {
	withdrawalID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		AdminID string `json:"admin_id" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	withdrawal, err := s.wallet.Process(c.Request.Context(), withdrawalID, mustParse(req.AdminID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

// POST /api/v1/admin/withdrawals/:id/complete
func (s *Server) completeWithdrawal(c *gin.Context) {
	withdrawalID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ProviderID string `json:"provider_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	withdrawal, err := s.wallet.Complete(c.Request.Context(), withdrawalID, req.ProviderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

// POST /api/v1/admin/withdrawals/:id/fail
func (s *Server) failWithdrawal(c *gin.Context) {
	withdrawalID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	withdrawal, err := s.wallet.Fail(c.Request.Context(), withdrawalID, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}
