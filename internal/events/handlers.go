package events

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idgen"
)

// Handlers exposes subscription management.
type Handlers struct {
	store  Store
	logger *slog.Logger
}

// NewHandlers creates subscription HTTP handlers.
func NewHandlers(store Store, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// RegisterRoutes mounts subscription routes.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.POST("/subscriptions", h.createSubscription)
	r.GET("/subscriptions", h.listSubscriptions)
	r.DELETE("/subscriptions/:id", h.deleteSubscription)
}

type createSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

func (h *Handlers) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}
	for _, et := range req.Events {
		if !KnownType(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "unknown event type " + et,
			})
			return
		}
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		OwnerID:   c.GetString("caller_id"),
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.logger.Error("creating subscription failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		// Shown once; deliveries carry HMAC-SHA256(payload, secret) in
		// X-Mintenance-Signature.
		"secret": secret,
	})
}

func (h *Handlers) listSubscriptions(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), c.GetString("caller_id"))
	if err != nil {
		h.logger.Error("listing subscriptions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func (h *Handlers) deleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "subscription_not_found",
				"message": "no subscription with that ID",
			})
			return
		}
		h.logger.Error("loading subscription failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	if sub.OwnerID != c.GetString("caller_id") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_authorized",
			"message": "subscriptions can only be deleted by their owner",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		h.logger.Error("deleting subscription failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "something went wrong",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
