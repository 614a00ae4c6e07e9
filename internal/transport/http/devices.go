package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/transport/http/middleware"
	"github.com/iamasit07/souqchat/pkg/useragent"
)

type DeviceRegistry interface {
	RegisterDevice(ctx context.Context, userID, token string, platform domain.Platform, locale string) (*domain.DeviceToken, error)
	UnregisterDevice(ctx context.Context, userID, token string) error
}

type DeviceHandler struct {
	Devices DeviceRegistry
}

func NewDeviceHandler(devices DeviceRegistry) *DeviceHandler {
	return &DeviceHandler{Devices: devices}
}

type registerDeviceRequest struct {
	Token    string          `json:"token"`
	Platform domain.Platform `json:"platform"`
	Locale   string          `json:"locale"`
}

// Register serves POST /api/devices. Platform and locale default to what the
// request headers declare.
func (h *DeviceHandler) Register(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.NewValidationError("body", "invalid json"))
		return
	}

	device := useragent.FromRequest(c.Request)
	if req.Platform == "" && device.Platform != domain.PlatformUnknown {
		req.Platform = device.Platform
	}
	if req.Locale == "" {
		req.Locale = device.Locale
	}
	req.Platform = domain.Platform(strings.ToLower(string(req.Platform)))

	reg, err := h.Devices.RegisterDevice(c.Request.Context(), middleware.UserID(c), req.Token, req.Platform, req.Locale)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

// Unregister serves DELETE /api/devices/:token. Removing an unknown token is
// not an error.
func (h *DeviceHandler) Unregister(c *gin.Context) {
	if err := h.Devices.UnregisterDevice(c.Request.Context(), middleware.UserID(c), c.Param("token")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
