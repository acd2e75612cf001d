package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the compression API.
//
//	/api/v1/compression
//	├── /estimate  - POST, predicted strategy and output size
//	├── /progress  - GET, websocket progress stream
//	├── /runs      - GET, recent compress calls
//	└── /policy    - GET, active estimator policy
func RegisterRoutes(router gin.IRouter, handler *APIHandler) {
	v1 := router.Group("/api/v1/compression")
	{
		v1.POST("/estimate", handler.Estimate)
		v1.GET("/progress", handler.StreamProgress)
		v1.GET("/runs", handler.ListRuns)
		v1.GET("/policy", handler.GetPolicy)
	}
}
