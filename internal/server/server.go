// Package server provides the HTTP surface of clipshrink: the compression
// API, Prometheus metrics, and the local engine asset mirror.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/api"
	"github.com/mantonx/clipshrink/internal/config"
	"github.com/mantonx/clipshrink/internal/middleware"
	compressionapi "github.com/mantonx/clipshrink/internal/modules/compressionmodule/api"
)

// Server wraps the gin router and its http.Server
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger hclog.Logger
}

// New builds the router for service
func New(cfg config.ServerConfig, service compressionapi.CompressionService, logger hclog.Logger) *Server {
	logger = logger.Named("server")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(api.ErrorMiddleware(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.ErrorLogger(logger))
	r.Use(middleware.Metrics())

	setupRoutes(r, cfg, compressionapi.NewAPIHandler(service, nil, logger), logger)

	return &Server{
		router: r,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Router returns the configured gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
