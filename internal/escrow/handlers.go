package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/ledger"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/payout"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Handler exposes the service over HTTP for operators and internal callers.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:role/:owner", h.GetAccount)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
	r.GET("/withdrawal-methods", h.ListMethods)
}

// RegisterProtectedRoutes sets up routes that move money.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.FundPayment)
	r.POST("/payments/:id/process", h.ProcessPayment)
	r.POST("/payments/:id/refund", h.RefundPayment)
	r.POST("/payments/:id/cancel", h.CancelPayment)
	r.POST("/payments/:id/retry", h.RetryPayment)
	r.POST("/brands/:owner/fund", h.FundBrand)
	r.POST("/withdrawals", h.CreateWithdrawal)
	r.POST("/withdrawals/:id/process", h.ProcessWithdrawal)
	r.POST("/withdrawals/:id/cancel", h.CancelWithdrawal)
	r.POST("/accounts/:role/:owner/reconcile", h.ReconcileAccount)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type fundBrandRequest struct {
	Amount    money.Money `json:"amount"`
	ChargeRef string      `json:"chargeRef"`
}

// GetAccount handles GET /v1/accounts/:role/:owner
func (h *Handler) GetAccount(c *gin.Context) {
	role := ledger.Role(c.Param("role"))
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": "role must be creator or brand"})
		return
	}
	acct, err := h.service.Balance(c.Request.Context(), c.Param("owner"), role)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.service.GetWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListMethods handles GET /v1/withdrawal-methods
func (h *Handler) ListMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": h.service.Methods().All()})
}

// FundPayment handles POST /v1/payments
func (h *Handler) FundPayment(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.Gross = h.settle(req.Gross)
	req.Fee = h.settle(req.Fee)
	p, err := h.service.FundPayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// ProcessPayment handles POST /v1/payments/:id/process
func (h *Handler) ProcessPayment(c *gin.Context) {
	p, err := h.service.ProcessPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// RefundPayment handles POST /v1/payments/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	p, err := h.service.RefundPayment(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// CancelPayment handles POST /v1/payments/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	p, err := h.service.CancelPayment(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// RetryPayment handles POST /v1/payments/:id/retry
func (h *Handler) RetryPayment(c *gin.Context) {
	p, err := h.service.RetryPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// FundBrand handles POST /v1/brands/:owner/fund
func (h *Handler) FundBrand(c *gin.Context) {
	var req fundBrandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.Amount = h.settle(req.Amount)
	acct, err := h.service.FundBrand(c.Request.Context(), c.Param("owner"), req.Amount, req.ChargeRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// CreateWithdrawal handles POST /v1/withdrawals
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.Amount = h.settle(req.Amount)
	w, err := h.service.CreateWithdrawal(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// ProcessWithdrawal handles POST /v1/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	w, err := h.service.ProcessWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// CancelWithdrawal handles POST /v1/withdrawals/:id/cancel
func (h *Handler) CancelWithdrawal(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	w, err := h.service.CancelWithdrawal(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ReconcileAccount handles POST /v1/accounts/:role/:owner/reconcile?apply=true
func (h *Handler) ReconcileAccount(c *gin.Context) {
	role := ledger.Role(c.Param("role"))
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": "role must be creator or brand"})
		return
	}
	drift, err := h.service.ReconcileAccount(c.Request.Context(), c.Param("owner"), role, c.Query("apply") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drift": drift})
}

// settle tags a decoded amount with the ledger currency. Request bodies carry
// bare decimal strings.
func (h *Handler) settle(m money.Money) money.Money {
	return m.WithCurrency(h.service.Currency())
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body: " + err.Error(),
	})
}

// writeError maps the error taxonomy to HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		verrs      validation.ValidationErrors
		insuff     *apperr.InsufficientFundsError
		transition *apperr.InvalidStateTransitionError
		gatewayErr *payout.GatewayError
	)
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verrs.Error(), "details": verrs})
	case apperr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &insuff):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "bucket": insuff.Bucket, "message": err.Error()})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition", "message": err.Error()})
	case errors.Is(err, apperr.ErrDuplicate), errors.Is(err, apperr.ErrStatusConflict),
		errors.Is(err, ledger.ErrBalanceChanged):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.As(err, &gatewayErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_error", "code": gatewayErr.Code, "message": gatewayErr.Reason})
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
