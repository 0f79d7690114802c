package synchronizer

import (
	"context"
	"errors"
	"net/http"

	"github.com/dhawalhost/dirsync/internal/syncstate"
	"github.com/dhawalhost/dirsync/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Runner is the part of Service the HTTP API depends on.
type Runner interface {
	Start(ctx context.Context, tenant string, done func(syncstate.State, error)) error
	Status(ctx context.Context, tenant string) (syncstate.State, error)
}

type syncRequest struct {
	Tenant string `json:"tenant" validate:"omitempty,max=255"`
}

// HTTPHandler handles synchronization HTTP requests.
type HTTPHandler struct {
	svc      Runner
	base     context.Context
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHTTPHandler creates a new synchronization HTTP handler. Runs started
// through the API are bound to ctx rather than to the request.
func NewHTTPHandler(ctx context.Context, svc Runner, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, base: ctx, logger: logger, validate: validator.New()}
}

// RegisterRoutes registers synchronization routes.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/sync")
	{
		g.POST("", middleware.TenantExtractor(middleware.TenantConfig{Optional: true}), h.trigger)
		g.GET("/status", middleware.TenantExtractor(middleware.TenantConfig{}), h.status)
	}
}

func (h *HTTPHandler) trigger(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := h.validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Tenant == "" {
		req.Tenant, _ = middleware.TenantFromGinContext(c)
	}

	logger := h.logger.With(zap.String("tenant", req.Tenant))
	err := h.svc.Start(h.base, req.Tenant, func(state syncstate.State, err error) {
		if err != nil {
			logger.Warn("Background synchronization ended early", zap.Error(err))
			return
		}
		logger.Info("Background synchronization completed", zap.String("status", string(state.Status)))
	})
	if errors.Is(err, ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to start synchronization", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": syncstate.StatusRunning, "tenant": req.Tenant})
}

func (h *HTTPHandler) status(c *gin.Context) {
	tenant, ok := middleware.TenantFromGinContext(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant name required"})
		return
	}

	state, err := h.svc.Status(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Error("Failed to read synchronization state", zap.String("tenant", tenant), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, state)
}
