// Package http exposes the REST surface next to the WebSocket endpoint.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iamasit07/souqchat/internal/transport/http/middleware"
)

type RouterDeps struct {
	Auth           middleware.Validator
	AllowedOrigins []string
	History        *HistoryHandler
	Devices        *DeviceHandler
	Presence       *PresenceHandler
	Sessions       *SessionHandler
	WebSocket      http.HandlerFunc
	// Ready reports whether the process still accepts traffic.
	Ready func() bool
}

func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(middleware.CORSMiddleware(deps.AllowedOrigins))

	started := time.Now()
	router.GET("/health", func(c *gin.Context) {
		if deps.Ready != nil && !deps.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(started).Round(time.Second).String()})
	})

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(deps.Auth))
	{
		protected.GET("/conversations/:ref/messages", deps.History.GetMessages)
		protected.POST("/devices", deps.Devices.Register)
		protected.DELETE("/devices/:token", deps.Devices.Unregister)
		protected.GET("/presence/:userId", deps.Presence.GetPresence)
		protected.POST("/sessions/revoke", deps.Sessions.Revoke)
	}

	// WebSocket Route (auth handled inside the WS handler itself)
	if deps.WebSocket != nil {
		router.GET("/ws", gin.WrapF(deps.WebSocket))
	}
	return router
}
