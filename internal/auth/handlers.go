package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/validation"
)

// Handler provides HTTP endpoints for actor registration and key
// management.
type Handler struct {
	manager *Manager
	links   identity.LinkStore
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager, links identity.LinkStore) *Handler {
	return &Handler{manager: m, links: links}
}

// RegisterRequest contains the parameters for registering an actor.
// At least one identity is required; providing both links them.
type RegisterRequest struct {
	WalletAddress string `json:"walletAddress"`
	TelegramID    string `json:"telegramId"`
	Label         string `json:"label"`
}

// Register handles POST /v1/actors/register: records the identity
// link (when both sides are given) and issues the actor's first key.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid JSON body",
		})
		return
	}

	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.TelegramID = validation.SanitizeString(req.TelegramID, 64)

	if req.WalletAddress == "" && req.TelegramID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "walletAddress or telegramId is required",
		})
		return
	}
	if req.WalletAddress != "" && !validation.IsValidEthAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "walletAddress is not a valid address",
		})
		return
	}

	ctx := c.Request.Context()
	if req.WalletAddress != "" && req.TelegramID != "" {
		if err := h.links.Link(ctx, req.TelegramID, req.WalletAddress); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "failed to link identities",
			})
			return
		}
	}

	actorID := req.WalletAddress
	if actorID == "" {
		actorID = req.TelegramID
	}
	label := req.Label
	if label == "" {
		label = "Initial key"
	}

	rawKey, key, err := h.manager.GenerateKey(ctx, actorID, label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to issue API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"actorId": key.ActorID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated actor.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.ActorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"label":     k.Label,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating an extra key.
type CreateKeyRequest struct {
	Label string `json:"label"`
}

// CreateKey issues an additional key for the authenticated actor.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Label == "" {
		req.Label = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.ActorID, req.Label)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"label":   newKey.Label,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the actor's keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking the key in use
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.ActorID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// Whoami returns the authenticated actor's identity set, so clients
// can see which linked identities their key resolves to.
func (h *Handler) Whoami(resolver *identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		set, err := resolver.Canonicalize(c.Request.Context(), key.ActorID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"actorId":    key.ActorID,
			"identities": set.Values(),
			"keyId":      key.ID,
			"createdAt":  key.CreatedAt,
		})
	}
}
