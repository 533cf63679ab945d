package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peerdesk/peerdesk/internal/ads"
	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/validation"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
}

// RegisterProtectedRoutes sets up protected (auth-required) order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.OpenOrder)
	r.GET("/orders", h.ListMyOrders)
	r.POST("/orders/:id/paid", h.transitionTo(StatusPaid))
	r.POST("/orders/:id/release", h.transitionTo(StatusReleased))
	r.POST("/orders/:id/cancel", h.transitionTo(StatusCanceled))
	r.POST("/orders/:id/dispute", h.transitionTo(StatusDisputed))
}

// OpenRequest contains the parameters for opening an order.
type OpenRequest struct {
	AdID string `json:"adId" binding:"required"`
}

// OpenOrder handles POST /v1/orders
func (h *Handler) OpenOrder(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "adId is required",
		})
		return
	}

	actorID := c.GetString("actorID")
	order, err := h.service.Open(c.Request.Context(), req.AdID, actorID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ads.ErrAdNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ads.ErrAdFulfilled):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrSelfTrade):
			status = http.StatusConflict
			code = "self_trade"
		case errors.Is(err, identity.ErrEmptyIdentity):
			status = http.StatusForbidden
			code = "unauthorized"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListMyOrders handles GET /v1/orders
func (h *Handler) ListMyOrders(c *gin.Context) {
	actorID := c.GetString("actorID")
	limit := validation.ValidLimit(c.Query("limit"), 50, 200)

	result, err := h.service.ListByParty(c.Request.Context(), actorID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": result,
		"count":  len(result),
	})
}

// transitionTo builds a handler for POST /v1/orders/:id/<action>.
// Lifecycle errors map deterministically onto HTTP statuses so the bot
// and web layers can render exact user-facing text.
func (h *Handler) transitionTo(next Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		actorID := c.GetString("actorID")

		order, err := h.service.Transition(c.Request.Context(), id, actorID, next)
		if err != nil {
			status := http.StatusInternalServerError
			code := "internal_error"
			switch {
			case errors.Is(err, ErrOrderNotFound):
				status = http.StatusNotFound
				code = "not_found"
			case errors.Is(err, ErrForbidden):
				status = http.StatusForbidden
				code = "unauthorized"
			case errors.Is(err, ErrInvalidTransition):
				status = http.StatusConflict
				code = "invalid_state"
			case errors.Is(err, ErrStoreConflict):
				status = http.StatusConflict
				code = "conflict"
			case errors.Is(err, identity.ErrEmptyIdentity):
				status = http.StatusForbidden
				code = "unauthorized"
			}
			c.JSON(status, gin.H{"error": code, "message": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"order": order})
	}
}
