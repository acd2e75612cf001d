package server

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mantonx/clipshrink/internal/config"
	compressionapi "github.com/mantonx/clipshrink/internal/modules/compressionmodule/api"
)

// EngineAssetsPath is where the local engine asset mirror is served. A
// loopback deployment can list it as one of its engine sources.
const EngineAssetsPath = "/engine/assets"

func setupRoutes(r *gin.Engine, cfg config.ServerConfig, handler *compressionapi.APIHandler, logger hclog.Logger) {
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.AssetDir != "" {
		if info, err := os.Stat(cfg.AssetDir); err == nil && info.IsDir() {
			r.Static(EngineAssetsPath, cfg.AssetDir)
			logger.Info("Serving engine asset mirror", "dir", cfg.AssetDir, "path", EngineAssetsPath)
		} else {
			logger.Warn("Engine asset directory unavailable, mirror disabled", "dir", cfg.AssetDir, "error", err)
		}
	}

	compressionapi.RegisterRoutes(r, handler)
}
