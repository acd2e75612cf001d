// Package types holds the values shared by the compression pipeline and its engines.
package types

import (
	"fmt"
	"time"
)

// OutputMimeType is the single container/codec pair every engine produces
const OutputMimeType = "video/mp4"

// Size constants in bytes
const (
	KB int64 = 1024
	MB       = 1024 * KB
	GB       = 1024 * MB
)

// SourceMedia is the caller-owned input. The pipeline never mutates it.
type SourceMedia struct {
	Name     string
	MimeType string
	Data     []byte
	Size     int64

	// Probed properties; zero when unknown
	Duration time.Duration
	Width    int
	Height   int
}

// DeclaredSize returns Size, falling back to len(Data) when Size is unset.
func (m SourceMedia) DeclaredSize() int64 {
	if m.Size > 0 {
		return m.Size
	}
	return int64(len(m.Data))
}

// Strategy identifies how a file will be handled
type Strategy string

const (
	StrategyPassthrough Strategy = "passthrough"
	StrategyPrimary     Strategy = "primary"
	StrategyFallback    Strategy = "fallback"
)

// Tier is the size-driven quality tier
type Tier string

const (
	TierDefault    Tier = "default"
	TierModerate   Tier = "moderate"
	TierAggressive Tier = "aggressive"
)

// Dimensions is a frame size in pixels
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether the dimensions are unknown
func (d Dimensions) IsZero() bool {
	return d.Width <= 0 || d.Height <= 0
}

// Pixels returns the frame area
func (d Dimensions) Pixels() int {
	if d.IsZero() {
		return 0
	}
	return d.Width * d.Height
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Plan is computed once per compress call and never changed afterwards.
type Plan struct {
	Strategy     Strategy      `json:"strategy"`
	Tier         Tier          `json:"tier"`
	VideoBitrate int64         `json:"video_bitrate"` // bits per second
	AudioBitrate int64         `json:"audio_bitrate"` // bits per second
	Quality      int           `json:"quality"`       // CRF, lower is better
	Scale        float64       `json:"scale"`         // linear scale factor applied before bounding
	Preset       string        `json:"preset"`
	Resolution   Dimensions    `json:"resolution"`
	Duration     time.Duration `json:"duration"`
}

// Artifact is what Compress hands back: either the encoded buffer or the original.
type Artifact struct {
	Data       []byte   `json:"-"`
	MimeType   string   `json:"mime_type"`
	Name       string   `json:"name"`
	Compressed bool     `json:"compressed"`
	Strategy   Strategy `json:"strategy"`
	Engine     string   `json:"engine,omitempty"`

	// Poster is an optional WebP still of the first encoded frame
	Poster []byte `json:"-"`
}

// Size returns the artifact length in bytes
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// Estimate is the cheap pre-check result
type Estimate struct {
	OriginalSize  int64    `json:"original_size"`
	EstimatedSize int64    `json:"estimated_size"`
	Ratio         float64  `json:"ratio"`
	WillCompress  bool     `json:"will_compress"`
	Strategy      Strategy `json:"strategy,omitempty"`
	Tier          Tier     `json:"tier,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}
