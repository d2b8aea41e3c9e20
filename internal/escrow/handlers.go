package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the escrow HTTP API.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates escrow HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes mounts party-facing escrow routes. Callers are identified
// by the X-Caller-ID header, validated by the server's auth middleware.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.GET("/escrows/:id", h.getEscrow)
	r.GET("/jobs/:id/escrows", h.listByJob)
	r.POST("/escrows/:id/release", h.releaseEscrow)
	r.POST("/escrows/:id/refund", h.refundEscrow)
	r.POST("/escrows/:id/dispute", h.disputeEscrow)
	r.POST("/escrows/:id/cancel", h.cancelEscrow)
}

// RegisterAdminRoutes mounts mediation routes. The server guards the group
// with the admin secret.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/escrows/:id/resolve", h.resolveEscrow)
}

func (h *Handlers) getEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) listByJob(c *gin.Context) {
	escrows, err := h.service.ListByJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// releaseEscrow is the owner's early approval. Only the payer may trigger a
// manual release.
func (h *Handlers) releaseEscrow(c *gin.Context) {
	id := c.Param("id")
	caller := c.GetString("caller_id")

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if caller != e.PayerID {
		h.respondError(c, ErrUnauthorized)
		return
	}

	e, err = h.service.Release(c.Request.Context(), id, ReasonManual)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// refundEscrow lets the worker decline payment and return the funds.
func (h *Handlers) refundEscrow(c *gin.Context) {
	id := c.Param("id")
	caller := c.GetString("caller_id")

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if caller != e.PayeeID && !c.GetBool("is_admin") {
		h.respondError(c, ErrUnauthorized)
		return
	}

	e, err = h.service.Refund(c.Request.Context(), id, ReasonManual)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type disputeRequest struct {
	Reason       string   `json:"reason" binding:"required"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

func (h *Handlers) disputeEscrow(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	e, err := h.service.Dispute(c.Request.Context(), c.Param("id"), DisputeParams{
		InitiatorID:  c.GetString("caller_id"),
		Reason:       req.Reason,
		EvidenceRefs: req.EvidenceRefs,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) cancelEscrow(c *gin.Context) {
	id := c.Param("id")
	caller := c.GetString("caller_id")

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if caller != e.PayerID && !c.GetBool("is_admin") {
		h.respondError(c, ErrUnauthorized)
		return
	}

	e, err = h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (h *Handlers) resolveEscrow(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (favor_payee or favor_payer)",
		})
		return
	}

	e, err := h.service.Resolve(c.Request.Context(), c.Param("id"), Outcome(req.Outcome))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "no escrow with that ID",
		})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "escrow_conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_authorized",
			"message": "caller is not a party to this escrow",
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		h.logger.Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
	}
}
