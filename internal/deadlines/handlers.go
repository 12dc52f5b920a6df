package deadlines

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/validation"
)

// EligibilityChecker answers whether a creator may take on new engagements.
type EligibilityChecker interface {
	Eligible(ctx context.Context, ownerID string, now time.Time) (bool, error)
}

// Handler provides HTTP endpoints for milestones.
type Handler struct {
	scheduler   *Scheduler
	eligibility EligibilityChecker
}

// NewHandler creates a new milestone handler.
func NewHandler(scheduler *Scheduler, eligibility EligibilityChecker) *Handler {
	return &Handler{scheduler: scheduler, eligibility: eligibility}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/milestones/:id", h.GetMilestone)
	r.GET("/creators/:owner/milestones", h.ListByCreator)
	r.GET("/creators/:owner/eligibility", h.GetEligibility)
}

// RegisterProtectedRoutes sets up mutating routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/milestones", h.CreateMilestone)
	r.POST("/milestones/:id/complete", h.CompleteMilestone)
}

type createMilestoneRequest struct {
	ContractRef string    `json:"contractRef"`
	CreatorRef  string    `json:"creatorRef"`
	Title       string    `json:"title"`
	Deadline    time.Time `json:"deadline"`
}

// CreateMilestone handles POST /v1/milestones
func (h *Handler) CreateMilestone(c *gin.Context) {
	var req createMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: " + err.Error()})
		return
	}
	m, err := h.scheduler.Register(c.Request.Context(), req.ContractRef, req.CreatorRef, req.Title, req.Deadline)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": m})
}

// GetMilestone handles GET /v1/milestones/:id
func (h *Handler) GetMilestone(c *gin.Context) {
	m, err := h.scheduler.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// CompleteMilestone handles POST /v1/milestones/:id/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	m, err := h.scheduler.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// ListByCreator handles GET /v1/creators/:owner/milestones
func (h *Handler) ListByCreator(c *gin.Context) {
	list, err := h.scheduler.Store().ListByCreator(c.Request.Context(), c.Param("owner"), 100)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*Milestone{}
	}
	c.JSON(http.StatusOK, gin.H{"milestones": list, "count": len(list)})
}

// GetEligibility handles GET /v1/creators/:owner/eligibility
func (h *Handler) GetEligibility(c *gin.Context) {
	owner := c.Param("owner")
	ok, err := h.eligibility.Eligible(c.Request.Context(), owner, h.scheduler.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "eligible": ok})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case apperr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, apperr.ErrInvalidStateTransition), errors.Is(err, apperr.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
