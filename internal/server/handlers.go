package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/etchpay/internal/feed"
	"github.com/mbd888/etchpay/internal/fulfill"
	"github.com/mbd888/etchpay/internal/ledger"
	"github.com/mbd888/etchpay/internal/logging"
	"github.com/mbd888/etchpay/internal/validation"
	"github.com/mbd888/etchpay/internal/verify"
	"github.com/mbd888/etchpay/internal/wei"
)

// -----------------------------------------------------------------------------
// Quoting
// -----------------------------------------------------------------------------

// priceHandler issues a fresh price quote.
// GET /price
func (s *Server) priceHandler(c *gin.Context) {
	ctx := c.Request.Context()

	q, err := s.quotes.Issue(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to issue quote", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue a quote",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"price":            wei.Format(q.PriceWei),
		"priceWei":         q.PriceWei.String(),
		"quoteId":          q.ID,
		"expiresInSeconds": int64(s.quotes.TTL().Seconds()),
	})
}

// -----------------------------------------------------------------------------
// Fulfillment
// -----------------------------------------------------------------------------

// FulfillRequest is the payload for POST /fulfill
type FulfillRequest struct {
	Text         string `json:"text"`
	UserAddress  string `json:"userAddress"`
	EscrowTxHash string `json:"escrowTxHash"`
	EscrowID     string `json:"escrowId"`
	QuoteID      string `json:"quoteId"`
}

func (s *Server) fulfillHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req FulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Reject malformed input before touching the chain or the lock
	if errs := validation.Validate(
		validation.Required("text", req.Text),
		validation.ValidAddress("userAddress", req.UserAddress),
		validation.ValidTxHash("escrowTxHash", req.EscrowTxHash),
		validation.ValidEscrowID("escrowId", req.EscrowID),
		validation.Required("quoteId", req.QuoteID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": errs,
		})
		return
	}

	result := s.orchestrator.Run(ctx, &fulfill.Request{
		Data:         []byte(req.Text),
		Sender:       common.HexToAddress(req.UserAddress),
		EscrowID:     common.HexToHash(req.EscrowID),
		EscrowTxHash: req.EscrowTxHash,
		QuoteID:      req.QuoteID,
	})

	if result.Success {
		c.JSON(http.StatusOK, gin.H{
			"success":          true,
			"escrowId":         result.EscrowID,
			"settlementTxHash": result.TxHash,
			"dataRef":          result.DataRef,
		})
		return
	}

	resp := gin.H{
		"error":                errorCode(result.Err),
		"message":              result.Err.Error(),
		"escrowId":             req.EscrowID,
		"escrowTxHash":         req.EscrowTxHash,
		"canWithdraw":          result.CanWithdraw,
		"withdrawDelaySeconds": ledger.WithdrawDelaySeconds,
	}
	if result.ExpectedWei != nil {
		resp["expectedValue"] = result.ExpectedWei.String()
	}
	if result.ActualWei != nil {
		resp["actualValue"] = result.ActualWei.String()
	}

	c.JSON(errorStatus(result.Err), resp)
}

// errorCode maps a fulfillment error to a stable API error string
func errorCode(err error) string {
	var mismatch *verify.ValueMismatchError
	switch {
	case errors.Is(err, fulfill.ErrInFlight):
		return "request_in_flight"
	case errors.Is(err, fulfill.ErrQuoteExpired):
		return "quote_expired"
	case errors.Is(err, fulfill.ErrFundingNotConfirmed):
		return "funding_not_confirmed"
	case errors.Is(err, fulfill.ErrNotSettled):
		return "settlement_unconfirmed"
	case errors.As(err, &mismatch):
		return "value_mismatch"
	case errors.Is(err, verify.ErrSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, verify.ErrNotFunded):
		return "escrow_not_funded"
	case errors.Is(err, verify.ErrAlreadyFulfilled):
		return "already_fulfilled"
	default:
		return "fulfillment_failed"
	}
}

// errorStatus picks the HTTP status for a failed fulfillment
func errorStatus(err error) int {
	var mismatch *verify.ValueMismatchError
	switch {
	case errors.Is(err, fulfill.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, fulfill.ErrQuoteExpired),
		errors.Is(err, fulfill.ErrFundingNotConfirmed),
		errors.Is(err, verify.ErrNotFunded),
		errors.Is(err, verify.ErrSenderMismatch),
		errors.Is(err, verify.ErrAlreadyFulfilled),
		errors.As(err, &mismatch):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

// recentHandler returns recently completed settlements.
// GET /fulfill
func (s *Server) recentHandler(c *gin.Context) {
	ctx := c.Request.Context()

	settlements, err := s.feedSvc.Recent(ctx, feed.DefaultRecentLimit)
	if err != nil {
		logging.L(ctx).Error("failed to load settlements", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load recent settlements",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settlements": settlements,
		"count":       len(settlements),
	})
}

// -----------------------------------------------------------------------------
// Dev mode
// -----------------------------------------------------------------------------

// devFundHandler funds an escrow on the simulated ledger.
// POST /dev/fund, only mounted when the simulated backend is active
func (s *Server) devFundHandler(c *gin.Context) {
	var req struct {
		EscrowID  string `json:"escrowId"`
		Payer     string `json:"payer"`
		AmountWei string `json:"amountWei"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidEscrowID("escrowId", req.EscrowID),
		validation.ValidAddress("payer", req.Payer),
		validation.Required("amountWei", req.AmountWei),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation_failed",
			"fields": errs,
		})
		return
	}

	amount, ok := new(big.Int).SetString(req.AmountWei, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amountWei must be a positive decimal integer",
		})
		return
	}

	err := s.sim.Fund(common.HexToHash(req.EscrowID), common.HexToAddress(req.Payer), amount)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "escrow_exists",
				"message": "An escrow with this identifier is already funded",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "fund_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"escrowId":  req.EscrowID,
		"payer":     req.Payer,
		"amountWei": amount.String(),
	})
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "etchpay",
		"description": "Escrow-funded on-chain data publishing",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"contract":    s.cfg.EscrowContract,
		"worker":      s.workerAddress(),
		"price":       wei.Format(s.quotes.Price()),
	})
}

func (s *Server) workerAddress() string {
	switch {
	case s.chainClient != nil:
		return s.chainClient.Address()
	case s.sim != nil:
		return s.sim.Address()
	default:
		return ""
	}
}
