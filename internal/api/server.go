package api

import (
	"fmt"
	"net/http"
	"strings"

	"userstore/internal/export"
	"userstore/internal/jobs"
	"userstore/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Server wraps the REST API server
type Server struct {
	handler *Handler
	router  *gin.Engine
	hub     *websocket.Hub
}

// NewServer creates a new API server
func NewServer(store *jobs.Store, executor *jobs.Executor, exports *export.Store, hub *websocket.Hub) *Server {
	handler := NewHandler(store, executor, exports, hub)

	// Use gin.New() instead of gin.Default() to avoid default logging
	// We'll add a custom logger that skips verbose endpoints
	router := gin.New()

	// Custom logger that skips progress-poll endpoints (dashboards hit them
	// every second, drowning everything else)
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if strings.HasSuffix(param.Path, "/progress") {
			return ""
		}
		// Default log format for other endpoints
		return fmt.Sprintf("[%s] %s %s %d %s %s \"%s\" %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// WebSocket endpoint for live progress events
	router.GET("/ws", websocket.HandleWebSocket(hub))

	// API routes
	api := router.Group("/api/v1")
	{
		// Dashboard
		api.GET("/stats", handler.GetStats)

		// Imports
		api.GET("/imports", handler.ListImports)
		api.POST("/imports", handler.CreateImport)
		api.GET("/imports/:id", handler.GetImport)
		api.GET("/imports/:id/content", handler.DownloadImportContent)
		api.DELETE("/imports/:id", handler.DeleteImport)

		// Reports (one run record per attempt)
		api.POST("/imports/:id/reports", handler.CreateReport)
		api.GET("/imports/:id/reports/:rid", handler.GetReport)
		api.GET("/imports/:id/reports/:rid/progress", handler.GetReportProgress)
		api.POST("/imports/:id/reports/:rid/start", handler.StartReport)
		api.DELETE("/imports/:id/reports/:rid", handler.DeleteReport)

		// Exports
		api.POST("/exports", handler.CreateExport)
		api.GET("/exports/:id/progress", handler.GetExportProgress)
		api.GET("/exports/:id/content", handler.DownloadExportContent)
		api.DELETE("/exports/:id", handler.DeleteExport)
	}

	return &Server{
		handler: handler,
		router:  router,
		hub:     hub,
	}
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *websocket.Hub {
	return s.hub
}

// GetRouter returns the router
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
