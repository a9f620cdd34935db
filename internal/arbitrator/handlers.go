package arbitrator

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/units"
)

// contextKeyParty is set by the auth middleware.
const contextKeyParty = "authParty"

// Court is what both arbitrator variants expose to the HTTP layer.
type Court interface {
	Arbitrator
	Owner() common.Address
	AppealCost(ctx context.Context) (*big.Int, error)
	Dispute(ctx context.Context, disputeID uint64) (*Dispute, error)
	GiveRuling(ctx context.Context, caller common.Address, disputeID, ruling uint64) error
}

// Handler provides HTTP endpoints for the dispute authority.
type Handler struct {
	court Court
}

// NewHandler creates a new arbitrator handler.
func NewHandler(court Court) *Handler {
	return &Handler{court: court}
}

// RegisterRoutes sets up public (read-only) arbitrator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbitrator", h.Info)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterProtectedRoutes sets up protected (auth-required) arbitrator routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/ruling", h.GiveRuling)
	r.POST("/disputes/:id/appealable-ruling", h.GiveAppealableRuling)
	r.POST("/disputes/:id/appeal", h.Appeal)
	r.POST("/disputes/:id/finalize", h.Finalize)
}

// RulingRequest carries a ruling choice.
type RulingRequest struct {
	Ruling *uint64 `json:"ruling" binding:"required"`
}

// AppealRequest carries the attached appeal value.
type AppealRequest struct {
	Value string `json:"value" binding:"required"`
}

// Info handles GET /v1/arbitrator
func (h *Handler) Info(c *gin.Context) {
	ctx := c.Request.Context()
	cost, err := h.court.ArbitrationCost(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	appealCost, err := h.court.AppealCost(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	_, appealable := h.court.(*Appealable)
	c.JSON(http.StatusOK, gin.H{
		"address":         h.court.Address().Hex(),
		"owner":           h.court.Owner().Hex(),
		"arbitrationCost": cost.String(),
		"appealCost":      appealCost.String(),
		"appealable":      appealable,
	})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := disputeParam(c)
	if !ok {
		return
	}
	d, err := h.court.Dispute(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GiveRuling handles POST /v1/disputes/:id/ruling
func (h *Handler) GiveRuling(c *gin.Context) {
	h.rule(c, h.court.GiveRuling)
}

// GiveAppealableRuling handles POST /v1/disputes/:id/appealable-ruling
func (h *Handler) GiveAppealableRuling(c *gin.Context) {
	a, ok := h.appealable(c)
	if !ok {
		return
	}
	h.rule(c, a.GiveAppealableRuling)
}

// Appeal handles POST /v1/disputes/:id/appeal
func (h *Handler) Appeal(c *gin.Context) {
	a, ok := h.appealable(c)
	if !ok {
		return
	}
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	id, ok := disputeParam(c)
	if !ok {
		return
	}
	var req AppealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "value is required")
		return
	}
	value, ok := units.ParseBase(req.Value)
	if !ok {
		badRequest(c, "value must be a base-unit integer")
		return
	}
	if err := a.Appeal(c.Request.Context(), caller, id, value); err != nil {
		writeError(c, err)
		return
	}
	h.respondDispute(c, id)
}

// Finalize handles POST /v1/disputes/:id/finalize
func (h *Handler) Finalize(c *gin.Context) {
	a, ok := h.appealable(c)
	if !ok {
		return
	}
	id, ok := disputeParam(c)
	if !ok {
		return
	}
	if err := a.Finalize(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.respondDispute(c, id)
}

func (h *Handler) rule(c *gin.Context, fn func(ctx context.Context, caller common.Address, disputeID, ruling uint64) error) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	id, ok := disputeParam(c)
	if !ok {
		return
	}
	var req RulingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ruling is required")
		return
	}
	if err := fn(c.Request.Context(), caller, id, *req.Ruling); err != nil {
		writeError(c, err)
		return
	}
	h.respondDispute(c, id)
}

func (h *Handler) respondDispute(c *gin.Context, id uint64) {
	d, err := h.court.Dispute(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) appealable(c *gin.Context) (*Appealable, bool) {
	a, ok := h.court.(*Appealable)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_appealable",
			"message": "This arbitrator does not support appeals",
		})
	}
	return a, ok
}

func callerFrom(c *gin.Context) (common.Address, bool) {
	v, _ := c.Get(contextKeyParty)
	addr, ok := v.(common.Address)
	if !ok || addr == (common.Address{}) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
		})
		return common.Address{}, false
	}
	return addr, true
}

func disputeParam(c *gin.Context) (uint64, bool) {
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

func writeError(c *gin.Context, err error) {
	var fundingErr *FundingError
	switch {
	case errors.Is(err, ErrInvalidDispute):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidCaller):
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid_caller", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	case errors.Is(err, ErrInvalidRuling):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ruling", "message": err.Error()})
	case errors.Is(err, ErrAppealPeriodExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "appeal_period_expired", "message": err.Error()})
	case errors.Is(err, ErrAppealPeriodOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "appeal_period_open", "message": err.Error()})
	case errors.As(err, &fundingErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "insufficient_funding",
			"message":  err.Error(),
			"required": fundingErr.Required.String(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
