// Package api exposes the compression pipeline over HTTP. Compression itself
// never runs over HTTP; these endpoints only estimate, report progress and
// list history.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	httpapi "github.com/mantonx/clipshrink/internal/api"
	"github.com/mantonx/clipshrink/internal/database"
	"github.com/mantonx/clipshrink/internal/metrics"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/estimator"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/progress"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// CompressionService is what the handlers need from a Compressor
type CompressionService interface {
	Estimate(media types.SourceMedia) types.Estimate
	RecentRuns(ctx context.Context, limit int) ([]database.CompressionRun, error)
	Reporter() *progress.Reporter
	Policy() estimator.Policy
}

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
	writeWait       = 10 * time.Second
)

// APIHandler handles HTTP requests for the compression module
type APIHandler struct {
	service  CompressionService
	upgrader websocket.Upgrader
	logger   hclog.Logger
}

// NewAPIHandler creates a handler. checkOrigin may be nil to accept any origin.
func NewAPIHandler(service CompressionService, checkOrigin func(*http.Request) bool, logger hclog.Logger) *APIHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &APIHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.Named("compression-api"),
	}
}

// EstimateRequest describes a file the client is about to compress
type EstimateRequest struct {
	Name            string  `json:"name"`
	MimeType        string  `json:"mime_type"`
	Size            int64   `json:"size" binding:"required,gt=0"`
	DurationSeconds float64 `json:"duration_seconds" binding:"gte=0"`
	Width           int     `json:"width" binding:"gte=0"`
	Height          int     `json:"height" binding:"gte=0"`
}

func (r EstimateRequest) media() types.SourceMedia {
	return types.SourceMedia{
		Name:     r.Name,
		MimeType: r.MimeType,
		Size:     r.Size,
		Duration: time.Duration(r.DurationSeconds * float64(time.Second)),
		Width:    r.Width,
		Height:   r.Height,
	}
}

// Estimate handles POST /api/v1/compression/estimate
//
// Request body:
//
//	{"name": "clip.mov", "size": 629145600, "duration_seconds": 120, "width": 1920, "height": 1080}
func (h *APIHandler) Estimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.RespondWithValidationError(c, "invalid estimate request: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, h.service.Estimate(req.media()))
}

// ListRuns handles GET /api/v1/compression/runs?limit=N
func (h *APIHandler) ListRuns(c *gin.Context) {
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpapi.RespondWithValidationError(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.service.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		httpapi.RespondWithError(c, h.logger, err)
		return
	}
	if runs == nil {
		runs = []database.CompressionRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GetPolicy handles GET /api/v1/compression/policy
func (h *APIHandler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Policy())
}

// ProgressMessage is pushed to websocket clients
type ProgressMessage struct {
	Type      string         `json:"type"`
	Phase     progress.Phase `json:"phase"`
	Percent   float64        `json:"percent"`
	Timestamp int64          `json:"timestamp"`
}

// StreamProgress handles GET /api/v1/compression/progress. The current state
// is sent on connect, then every accepted update until the client leaves.
func (h *APIHandler) StreamProgress(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the request
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.ProgressSubscribers.Inc()
	defer metrics.ProgressSubscribers.Dec()

	reporter := h.service.Reporter()
	updates := make(chan progress.State, 32)
	unsubscribe := reporter.Subscribe(func(s progress.State) {
		select {
		case updates <- s:
		default:
			// slow client; it catches up on the next update
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.send(conn, reporter.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case s := <-updates:
			if err := h.send(conn, s); err != nil {
				h.logger.Debug("progress client write failed", "error", err)
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *APIHandler) send(conn *websocket.Conn, s progress.State) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ProgressMessage{
		Type:      "progress",
		Phase:     s.Phase,
		Percent:   s.Percent,
		Timestamp: time.Now().Unix(),
	})
}
