package marketplace

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

// Handlers exposes the marketplace HTTP API.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates marketplace HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes mounts marketplace routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/jobs", h.createJob)
	r.GET("/jobs/:id", h.getJob)
	r.POST("/jobs/:id/cancel", h.cancelJob)
	r.POST("/jobs/:id/bids", h.placeBid)
	r.GET("/jobs/:id/bids", h.listBids)
	r.POST("/jobs/:id/bids/:bidId/accept", h.acceptBid)
}

type createJobRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (h *Handlers) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title is required",
		})
		return
	}

	j, err := h.service.CreateJob(c.Request.Context(), CreateJobParams{
		OwnerID:     c.GetString("caller_id"),
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

func (h *Handlers) getJob(c *gin.Context) {
	j, err := h.service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handlers) cancelJob(c *gin.Context) {
	j, err := h.service.CancelJob(c.Request.Context(), c.GetString("caller_id"), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

type placeBidRequest struct {
	AmountCents int64  `json:"amountCents" binding:"required"`
	Note        string `json:"note"`
}

func (h *Handlers) placeBid(c *gin.Context) {
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountCents is required",
		})
		return
	}

	b, err := h.service.PlaceBid(c.Request.Context(), c.Param("id"), PlaceBidParams{
		WorkerID: c.GetString("caller_id"),
		Amount:   money.Cents(req.AmountCents),
		Note:     req.Note,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handlers) listBids(c *gin.Context) {
	bids, err := h.service.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if bids == nil {
		bids = []*Bid{}
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

func (h *Handlers) acceptBid(c *gin.Context) {
	job, bid, err := h.service.Accept(c.Request.Context(),
		c.GetString("caller_id"), c.Param("id"), c.Param("bidId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "bid": bid})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "job_not_found",
			"message": "no job with that ID",
		})
	case errors.Is(err, ErrBidNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "bid_not_found",
			"message": "no bid with that ID on this job",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "marketplace_conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_authorized",
			"message": "only the job owner can do that",
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		h.logger.Error("marketplace request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
	}
}
