// Package probe reads duration and frame size from a media file with the
// host's ffprobe.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// MediaProber uses FFprobe to extract media information
type MediaProber struct {
	logger      hclog.Logger
	ffprobePath string
	timeout     time.Duration
}

// ProbeResult contains media information from FFprobe
type ProbeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
		Tags      struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
	} `json:"streams"`
}

// NewMediaProber creates a prober. An empty path uses FFPROBE_PATH or "ffprobe".
func NewMediaProber(logger hclog.Logger, ffprobePath string) *MediaProber {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
		if custom := os.Getenv("FFPROBE_PATH"); custom != "" {
			ffprobePath = custom
		}
	}
	return &MediaProber{
		logger:      logger.Named("prober"),
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// Load reads the file and fills in the probed properties. Probe failures are
// logged and leave those properties unknown; only read errors are returned.
func (mp *MediaProber) Load(ctx context.Context, path string) (types.SourceMedia, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.SourceMedia{}, err
	}

	media := types.SourceMedia{
		Name:     filepath.Base(path),
		MimeType: mimeTypeFor(path),
		Data:     data,
		Size:     int64(len(data)),
	}

	result, err := mp.Probe(ctx, path)
	if err != nil {
		mp.logger.Warn("probe failed, duration and size unknown", "path", path, "error", err)
		return media, nil
	}
	media.Duration, media.Width, media.Height = result.Properties()
	return media, nil
}

// Probe runs ffprobe on path
func (mp *MediaProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, mp.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, mp.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return Parse(output)
}

// Parse decodes ffprobe JSON output
func Parse(output []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &result, nil
}

// Properties returns duration and display size of the first video stream.
// Width and height are swapped for sources rotated by 90 degrees.
func (r *ProbeResult) Properties() (duration time.Duration, width, height int) {
	duration = parseSeconds(r.Format.Duration)

	for _, s := range r.Streams {
		if s.CodecType != "video" {
			continue
		}
		width, height = s.Width, s.Height
		if rot, err := strconv.Atoi(s.Tags.Rotate); err == nil && (rot%180+180)%180 == 90 {
			width, height = height, width
		}
		if duration == 0 {
			duration = parseSeconds(s.Duration)
		}
		break
	}
	return duration, width, height
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// mimeTypeFor prefers the fixed video table over the host's mime.types
func mimeTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

func parseSeconds(s string) time.Duration {
	if s == "" || s == "N/A" {
		return 0
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
