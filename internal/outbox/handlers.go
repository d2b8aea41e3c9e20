package outbox

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the admin view of stuck transfers.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates outbox HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterAdminRoutes mounts outbox routes. The server guards the group
// with the admin secret.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.GET("/outbox/failed", h.listFailed)
	r.POST("/outbox/:id/retry", h.retryEntry)
}

func (h *Handlers) listFailed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := h.service.ListFailed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("listing failed transfers failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handlers) retryEntry(c *gin.Context) {
	entry, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "entry_not_found",
				"message": "no outbox entry with that ID",
			})
			return
		}
		h.logger.Error("requeueing transfer failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	c.JSON(http.StatusOK, entry)
}
