package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/modelmix/gateway/internal/ledger"
)

type creditsRequest struct {
	Action      string `json:"action"`
	Fingerprint string `json:"fingerprint"`
}

// handleCredits serves the account read operations: balance summary,
// transaction history, and the referral share code.
func (h *Handler) handleCredits(c *gin.Context) {
	ctx := c.Request.Context()
	logger := requestLogger(ctx, h.logger)

	var req creditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	identity := ledger.Identity{
		UserID:      c.GetHeader("X-User-ID"),
		Fingerprint: req.Fingerprint,
	}
	if !identity.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable identity: supply X-User-ID or a fingerprint"})
		return
	}

	switch req.Action {
	case "", "balance":
		summary, err := h.ledger.Balance(ctx, identity)
		if err != nil {
			logger.Error("balance lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
			return
		}
		c.JSON(http.StatusOK, summary)

	case "history":
		txs, err := h.ledger.History(ctx, identity, 50)
		if err != nil {
			logger.Error("history lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
			return
		}
		entries := make([]gin.H, 0, len(txs))
		for _, tx := range txs {
			entries = append(entries, gin.H{
				"amount":       tx.Amount,
				"balanceAfter": tx.BalanceAfter,
				"source":       string(tx.Source),
				"description":  tx.Description,
				"createdAt":    tx.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"transactions": entries})

	case "referral-code":
		summary, err := h.ledger.Balance(ctx, identity)
		if err != nil {
			logger.Error("referral lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"referralCode": summary.ReferralCode,
			"shareUrl":     h.cfg.Server.AppWebOrigin + "/?ref=" + summary.ReferralCode,
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}
