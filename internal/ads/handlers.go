package ads

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/pagination"
	"github.com/peerdesk/peerdesk/internal/token"
	"github.com/peerdesk/peerdesk/internal/validation"
)

// Handler provides HTTP endpoints for the ad catalog.
type Handler struct {
	service  *Service
	resolver *identity.Resolver
}

// NewHandler creates a new ads handler.
func NewHandler(service *Service, resolver *identity.Resolver) *Handler {
	return &Handler{service: service, resolver: resolver}
}

// RegisterRoutes sets up public (read-only) ad routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ads", h.ListAds)
	r.GET("/ads/:id", h.GetAd)
}

// RegisterProtectedRoutes sets up protected (auth-required) ad routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/ads", h.CreateAd)
	r.DELETE("/ads/:id", h.DeleteAd)
}

// CreateAd handles POST /v1/ads
func (h *Handler) CreateAd(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAdType("type", req.Type),
		validation.ValidToken("token", req.Token),
		validation.ValidAmount("amount", req.Token, req.Amount),
		validation.ValidPrice("price_usd", req.PriceUSD),
		validation.ValidPrice("price_inr", req.PriceINR),
		validation.Required("payment_method", req.PaymentMethod),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The poster is always the authenticated actor.
	req.PostedBy = c.GetString("actorID")

	ad, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ad_failed",
			"message": "Failed to create ad",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ad": ad})
}

// GetAd handles GET /v1/ads/:id
func (h *Handler) GetAd(c *gin.Context) {
	ad, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAdNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Ad not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ad": ad})
}

// ListAds handles GET /v1/ads
func (h *Handler) ListAds(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	filter := Filter{
		Type:  Side(c.Query("type")),
		Token: token.Symbol(strings.ToUpper(c.Query("token"))),
		After: cursor,
	}
	limit := validation.ValidLimit(c.Query("limit"), 50, 200)

	// Fetch one extra row to detect whether another page exists.
	adsList, err := h.service.List(c.Request.Context(), filter, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, nextCursor, hasMore := pagination.ComputePage(adsList, limit,
		func(ad *Ad) (time.Time, string) { return ad.CreatedAt, ad.ID })

	resp := gin.H{
		"ads":   page,
		"count": len(page),
	}
	if hasMore {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteAd handles DELETE /v1/ads/:id
func (h *Handler) DeleteAd(c *gin.Context) {
	actor := c.GetString("actorID")

	caller, err := h.resolver.Canonicalize(c.Request.Context(), actor)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Unknown caller identity",
		})
		return
	}

	err = h.service.Delete(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAdNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotOwner):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrAdFulfilled):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
