package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engagehub/engagehub/internal/campaigns"
	"github.com/engagehub/engagehub/internal/identities"
	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/internal/verification"
	"github.com/engagehub/engagehub/internal/wallet"
)

// writeError maps service sentinel errors to HTTP statuses. Anything
// unrecognized is a 500 with a generic body; the details stay in the logs.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrReferenceConflict),
		errors.Is(err, wallet.ErrInvalidState),
		errors.Is(err, campaigns.ErrInvalidState),
		errors.Is(err, campaigns.ErrJobUnavailable),
		errors.Is(err, verification.ErrReviewCompleted),
		errors.Is(err, verification.ErrAlertClosed),
		errors.Is(err, verification.ErrDuplicateRule):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, ledger.ErrMissingReference),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, campaigns.ErrInvalidBudget),
		errors.Is(err, verification.ErrInvalidThresholds),
		errors.Is(err, verification.ErrUnknownMethod),
		errors.Is(err, verification.ErrInvalidDecision):
		status = http.StatusBadRequest
	case errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, campaigns.ErrCampaignNotFound),
		errors.Is(err, campaigns.ErrJobNotFound),
		errors.Is(err, verification.ErrAttemptNotFound),
		errors.Is(err, verification.ErrSessionNotFound),
		errors.Is(err, verification.ErrReviewNotFound),
		errors.Is(err, verification.ErrAlertNotFound),
		errors.Is(err, verification.ErrRuleNotFound),
		errors.Is(err, identities.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, wallet.ErrNotEligible),
		errors.Is(err, identities.ErrKYCRequired),
		errors.Is(err, identities.ErrUserSuspended),
		errors.Is(err, campaigns.ErrNotJobOwner),
		errors.Is(err, campaigns.ErrOwnCampaign):
		status = http.StatusForbidden
	case errors.Is(err, verification.ErrQueueFull):
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// mustParse is for values already validated with the uuid binding tag.
func mustParse(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}
