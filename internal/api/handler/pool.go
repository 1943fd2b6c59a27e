package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/service"
)

// PoolHandler serves pool administration.
type PoolHandler struct {
	registry *service.AccountRegistry
}

// NewPoolHandler creates a new pool handler.
func NewPoolHandler(registry *service.AccountRegistry) *PoolHandler {
	return &PoolHandler{registry: registry}
}

// CreatePoolRequest is the body of POST /api/v1/pools.
type CreatePoolRequest struct {
	Platform string `json:"platform" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

// UpdatePoolRequest is the body of PATCH /api/v1/pools/:id.
type UpdatePoolRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// CreatePool handles POST /api/v1/pools.
func (h *PoolHandler) CreatePool(c *gin.Context) {
	var req CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pool, err := h.registry.CreatePool(c.Request.Context(), req.Platform, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pool)
}

// ListPools handles GET /api/v1/pools?platform=.
func (h *PoolHandler) ListPools(c *gin.Context) {
	pools := h.registry.ListPools(c.Query("platform"))
	c.JSON(http.StatusOK, gin.H{"pools": pools, "total": len(pools)})
}

// GetPool handles GET /api/v1/pools/:id.
func (h *PoolHandler) GetPool(c *gin.Context) {
	pool, err := h.registry.GetPool(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// UpdatePool handles PATCH /api/v1/pools/:id.
func (h *PoolHandler) UpdatePool(c *gin.Context) {
	var req UpdatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pool, err := h.registry.SetPoolEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// DeletePool handles DELETE /api/v1/pools/:id.
func (h *PoolHandler) DeletePool(c *gin.Context) {
	removed, err := h.registry.DeletePool(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pool not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
