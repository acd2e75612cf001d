package fallback

import (
	"context"
	"image"
	"time"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// Host provides the media facilities the fallback engine drives: decode into
// a playback surface, frame scheduling, and a streaming encoder.
type Host interface {
	// Open starts muted, inline decode of media at the given frame size
	Open(ctx context.Context, media types.SourceMedia, size types.Dimensions) (PlaybackSurface, error)
	// IsTypeSupported reports whether StartEncoder can produce mimeType
	IsTypeSupported(mimeType string) bool
	// StartEncoder begins a streaming encode session
	StartEncoder(ctx context.Context, opts EncoderOptions) (StreamEncoder, error)
	// FrameClock returns the host's frame scheduling callback
	FrameClock() FrameClock
}

// PlaybackSurface is a playing source. CurrentFrame may return the same
// timestamp more than once when the clock outruns decode.
type PlaybackSurface interface {
	CurrentFrame() (image.Image, time.Duration, error)
	Ended() bool
	Paused() bool
	Duration() time.Duration
	// AudioTrack returns the source's audio, when the host can expose it
	AudioTrack() (AudioTrack, bool)
	Close() error
}

// AudioTrack is a live audio stream that can be merged into an encode
type AudioTrack interface {
	ID() string
	Stop()
}

// StreamEncoder consumes raster frames and yields encoded chunks
type StreamEncoder interface {
	WriteFrame(frame *image.RGBA, timestamp time.Duration) error
	// Flush returns whatever was encoded since the previous Flush
	Flush() ([]byte, error)
	// Stop finalizes the stream and returns the remaining data
	Stop() ([]byte, error)
}

// EncoderOptions configures StartEncoder
type EncoderOptions struct {
	MimeType     string
	Size         types.Dimensions
	FrameRate    int
	VideoBitrate int64
	AudioBitrate int64
	Audio        AudioTrack // nil when the source audio is unavailable
}

// FrameClock delivers frame callbacks until stopped
type FrameClock interface {
	C() <-chan time.Time
	Stop()
}

type tickerClock struct {
	t *time.Ticker
}

// NewTickerClock returns a FrameClock firing at a fixed interval
func NewTickerClock(interval time.Duration) FrameClock {
	return tickerClock{t: time.NewTicker(interval)}
}

func (c tickerClock) C() <-chan time.Time { return c.t.C }
func (c tickerClock) Stop()               { c.t.Stop() }
