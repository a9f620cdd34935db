package escrow

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/arbitrator"
	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/bank"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/units"
	"github.com/mbd888/escrowd/internal/validation"
)

// ContextKeyParty is where the auth middleware stores the caller's address.
const ContextKeyParty = "authParty"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/parties/:address/transactions", h.ListTransactions)
	r.GET("/fees/quote", h.QuoteFee)
	r.GET("/settings", h.GetSettings)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.POST("/transactions/:id/pay", h.Pay)
	r.POST("/transactions/:id/reimburse", h.Reimburse)
	r.POST("/transactions/:id/arbitration-fee", h.PayArbitrationFee)
	r.POST("/transactions/:id/execute", h.Execute)
	r.POST("/transactions/:id/timeout", h.TimeOut)
	r.POST("/transactions/:id/accept-ruling", h.AcceptRuling)
	r.POST("/transactions/:id/evidence", h.SubmitEvidence)

	r.PUT("/admin/price-thresholds", h.SetPriceThresholds)
	r.PUT("/admin/fee-recipient", h.SetFeeRecipient)
	r.PUT("/admin/whitelist", h.SetWhitelist)
	r.POST("/admin/lost-funds/withdraw", h.WithdrawLostFunds)
	r.GET("/admin/reconcile", h.Reconcile)
}

// CreateTransactionRequest is the body of POST /v1/transactions.
type CreateTransactionRequest struct {
	Payee          string `json:"payee" binding:"required"`
	Asset          string `json:"asset"` // "native" (default) or a token address
	Amount         string `json:"amount" binding:"required"`
	EvidenceRef    string `json:"evidenceRef"`
	PaymentTimeout string `json:"paymentTimeout"` // Duration string, e.g. "72h"
}

// AmountRequest carries a base-unit amount.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// EvidenceRequest carries an evidence URI.
type EvidenceRequest struct {
	URI string `json:"uri" binding:"required"`
}

// PriceThresholdsRequest replaces the fee table.
type PriceThresholdsRequest struct {
	Thresholds fees.Table `json:"thresholds" binding:"required"`
}

// FeeRecipientRequest sets the recipient and a flat fee rate.
type FeeRecipientRequest struct {
	Recipient     string `json:"recipient" binding:"required"`
	FeeBasisPoint uint16 `json:"feeBasisPoint"`
}

// WhitelistRequest replaces the token whitelist.
type WhitelistRequest struct {
	Assets []string `json:"assets"`
}

// WithdrawRequest names the asset to recover.
type WithdrawRequest struct {
	Asset string `json:"asset"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("payee", req.Payee),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidURI("evidenceRef", req.EvidenceRef),
	); len(errs) > 0 {
		validation.AbortWithErrors(c, errs)
		return
	}

	payee, err := asset.ParseAddress(req.Payee)
	if err != nil {
		badRequest(c, "payee must be a valid address")
		return
	}
	a, err := asset.Parse(req.Asset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, ok := units.ParseBase(req.Amount)
	if !ok {
		badRequest(c, "amount must be a base-unit integer")
		return
	}
	var timeout time.Duration
	if req.PaymentTimeout != "" {
		timeout, err = time.ParseDuration(req.PaymentTimeout)
		if err != nil || timeout <= 0 {
			badRequest(c, "paymentTimeout must be a positive duration")
			return
		}
	}

	tx, err := h.ledger.CreateTransaction(c.Request.Context(), caller, CreateRequest{
		Asset:          a,
		Amount:         amount,
		Payee:          payee,
		EvidenceRef:    req.EvidenceRef,
		PaymentTimeout: timeout,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tx, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/parties/:address/transactions?limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	party, err := asset.ParseAddress(c.Param("address"))
	if err != nil {
		badRequest(c, "address must be a valid address")
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	beforeID, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "cursor is invalid")
		return
	}

	txs, err := h.ledger.ListByParty(c.Request.Context(), party, beforeID, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *Transaction) uint64 { return tx.ID })
	resp := gin.H{
		"transactions": txs,
		"count":        len(txs),
		"hasMore":      more,
	}
	if more {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Pay handles POST /v1/transactions/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	h.amountAction(c, h.ledger.Pay)
}

// Reimburse handles POST /v1/transactions/:id/reimburse
func (h *Handler) Reimburse(c *gin.Context) {
	h.amountAction(c, h.ledger.Reimburse)
}

// PayArbitrationFee handles POST /v1/transactions/:id/arbitration-fee. The
// side is picked from the caller.
func (h *Handler) PayArbitrationFee(c *gin.Context) {
	h.amountAction(c, func(ctx context.Context, caller common.Address, id uint64, value *big.Int) (*Transaction, error) {
		tx, err := h.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if caller == tx.Payee {
			return h.ledger.PayArbitrationFeeByPayee(ctx, caller, id, value)
		}
		return h.ledger.PayArbitrationFeeByPayer(ctx, caller, id, value)
	})
}

// Execute handles POST /v1/transactions/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	h.action(c, h.ledger.ExecuteTransaction)
}

// TimeOut handles POST /v1/transactions/:id/timeout. The side is picked from
// the caller.
func (h *Handler) TimeOut(c *gin.Context) {
	h.action(c, func(ctx context.Context, caller common.Address, id uint64) (*Transaction, error) {
		tx, err := h.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if caller == tx.Payee {
			return h.ledger.TimeOutByPayee(ctx, caller, id)
		}
		return h.ledger.TimeOutByPayer(ctx, caller, id)
	})
}

// AcceptRuling handles POST /v1/transactions/:id/accept-ruling
func (h *Handler) AcceptRuling(c *gin.Context) {
	h.action(c, h.ledger.AcceptRuling)
}

// SubmitEvidence handles POST /v1/transactions/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "uri is required")
		return
	}
	if errs := validation.Validate(validation.ValidURI("uri", req.URI)); len(errs) > 0 {
		validation.AbortWithErrors(c, errs)
		return
	}
	tx, err := h.ledger.SubmitEvidence(c.Request.Context(), caller, id, req.URI)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// QuoteFee handles GET /v1/fees/quote?amount=
func (h *Handler) QuoteFee(c *gin.Context) {
	amount, ok := units.ParseBase(c.Query("amount"))
	if !ok {
		badRequest(c, "amount must be a base-unit integer")
		return
	}
	bps, fee, err := h.ledger.Quote(amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":        amount.String(),
		"feeBasisPoint": bps,
		"fee":           fee.String(),
	})
}

// GetSettings handles GET /v1/settings
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.ledger.Settings()})
}

// SetPriceThresholds handles PUT /v1/admin/price-thresholds
func (h *Handler) SetPriceThresholds(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req PriceThresholdsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "thresholds are required")
		return
	}
	if err := h.ledger.SetPriceThresholds(c.Request.Context(), caller, req.Thresholds); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": h.ledger.Settings()})
}

// SetFeeRecipient handles PUT /v1/admin/fee-recipient
func (h *Handler) SetFeeRecipient(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req FeeRecipientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "recipient is required")
		return
	}
	recipient, err := asset.ParseAddress(req.Recipient)
	if err != nil {
		badRequest(c, "recipient must be a valid address")
		return
	}
	if err := h.ledger.SetFeeRecipientAndBasisPoint(c.Request.Context(), caller, recipient, req.FeeBasisPoint); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": h.ledger.Settings()})
}

// SetWhitelist handles PUT /v1/admin/whitelist
func (h *Handler) SetWhitelist(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req WhitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	assets := make([]asset.Asset, 0, len(req.Assets))
	for _, s := range req.Assets {
		a, err := asset.Parse(s)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		assets = append(assets, a)
	}
	if err := h.ledger.SetTokenWhitelist(c.Request.Context(), caller, assets); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": h.ledger.Settings()})
}

// WithdrawLostFunds handles POST /v1/admin/lost-funds/withdraw
func (h *Handler) WithdrawLostFunds(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	var req WithdrawRequest
	_ = c.ShouldBindJSON(&req)
	a, err := asset.Parse(req.Asset)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	amount, err := h.ledger.WithdrawLostFunds(c.Request.Context(), caller, a)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset":  a,
		"amount": amount.String(),
	})
}

// Reconcile handles GET /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	if owner := h.ledger.Settings().Owner; caller != owner {
		writeError(c, &CallerError{Expected: owner})
		return
	}
	report, err := h.ledger.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": report})
}

func (h *Handler) action(c *gin.Context, fn func(ctx context.Context, caller common.Address, id uint64) (*Transaction, error)) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	tx, err := fn(c.Request.Context(), caller, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (h *Handler) amountAction(c *gin.Context, fn func(ctx context.Context, caller common.Address, id uint64, amount *big.Int) (*Transaction, error)) {
	caller, ok := callerOrAbort(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "amount is required")
		return
	}
	amount, ok := units.ParseBase(req.Amount)
	if !ok {
		badRequest(c, "amount must be a base-unit integer")
		return
	}
	tx, err := fn(c.Request.Context(), caller, id, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func callerOrAbort(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ContextKeyParty)
	if addr, isAddr := v.(common.Address); ok && isAddr && !asset.IsZero(addr) {
		return addr, true
	}
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
	})
	return common.Address{}, false
}

func idParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

// writeError maps ledger errors onto HTTP responses. Typed errors add the
// value the caller needs to retry.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	body := gin.H{}

	var (
		amountErr  *AmountError
		callerErr  *CallerError
		statusErr  *StatusError
		fundingErr *arbitrator.FundingError
	)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.As(err, &amountErr):
		status, code = http.StatusBadRequest, "invalid_amount"
		body["expected"] = amountErr.Expected.String()
	case errors.Is(err, bank.ErrInsufficientBalance):
		status, code = http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.As(err, &callerErr):
		status, code = http.StatusForbidden, "invalid_caller"
		body["expected"] = callerErr.Expected.Hex()
	case errors.Is(err, ErrInvalidCaller):
		status, code = http.StatusForbidden, "invalid_caller"
	case errors.As(err, &statusErr):
		status, code = http.StatusConflict, "invalid_status"
		body["expected"] = statusErr.Expected
		body["actual"] = statusErr.Actual
	case errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusConflict, "invalid_status"
	case errors.Is(err, ErrAlreadyResolved):
		status, code = http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrNoTimeout):
		status, code = http.StatusConflict, "no_timeout"
	case errors.Is(err, ErrReentrantCall):
		status, code = http.StatusConflict, "reentrant_call"
	case errors.Is(err, ErrNullAddress):
		status, code = http.StatusBadRequest, "null_address"
	case errors.Is(err, ErrInvalidToken):
		status, code = http.StatusBadRequest, "invalid_token"
	case errors.Is(err, ErrEmptyEvidence):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, fees.ErrInvalidPriceThresholds):
		status, code = http.StatusUnprocessableEntity, "invalid_price_thresholds"
	case errors.Is(err, fees.ErrInvalidFeeBasisPoint):
		status, code = http.StatusBadRequest, "invalid_fee_basis_point"
	case errors.Is(err, ErrNoLostFunds):
		status, code = http.StatusConflict, "no_lost_funds"
	case errors.As(err, &fundingErr):
		status, code = http.StatusBadRequest, "insufficient_funding"
		body["required"] = fundingErr.Required.String()
	case errors.Is(err, arbitrator.ErrInvalidRuling):
		status, code = http.StatusBadRequest, "invalid_ruling"
	case errors.Is(err, arbitrator.ErrInvalidDispute):
		status, code = http.StatusNotFound, "dispute_not_found"
	}
	body["error"] = code
	body["message"] = err.Error()
	c.JSON(status, body)
}
