package alerts

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the admin alert API.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates alert HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterAdminRoutes mounts alert routes. The server guards the group
// with the admin secret.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.GET("/alerts", h.listAlerts)
	r.POST("/alerts/:id/ack", h.acknowledgeAlert)
}

func (h *Handlers) listAlerts(c *gin.Context) {
	unackedOnly := c.Query("unacknowledged") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	list, err := h.service.List(c.Request.Context(), unackedOnly, limit)
	if err != nil {
		h.logger.Error("listing alerts failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	if list == nil {
		list = []*Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

func (h *Handlers) acknowledgeAlert(c *gin.Context) {
	a, err := h.service.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "alert_not_found",
				"message": "no alert with that ID",
			})
			return
		}
		h.logger.Error("acknowledging alert failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	c.JSON(http.StatusOK, a)
}
