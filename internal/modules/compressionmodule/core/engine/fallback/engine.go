// Package fallback re-encodes video without the primary engine: the source is
// played on a host surface, each new frame is rasterized onto a canvas at the
// planned size, and the canvas is captured by a streaming encoder.
package fallback

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/metrics"
	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// EngineName identifies this engine on artifacts and in metrics
const EngineName = "fallback"

// DefaultCodecPreferences is tried in order; the first type the host supports wins.
var DefaultCodecPreferences = []string{
	`video/mp4;codecs="avc1.640028,mp4a.40.2"`,
	`video/mp4;codecs="avc1.42E01E,mp4a.40.2"`,
	`video/mp4;codecs="avc1.42E01E"`,
	"video/mp4",
}

// Config tunes the raster loop
type Config struct {
	FlushInterval    time.Duration
	EndGrace         time.Duration
	TimeoutGrace     time.Duration
	UnknownDuration  time.Duration // overall limit when the clip duration is unknown
	FrameRate        int
	CodecPreferences []string
	Poster           bool
}

// DefaultConfig returns the shipped loop timings. New fills zero fields from
// it. The poster is opt-in and stays off unless Config.Poster is set.
func DefaultConfig() Config {
	return Config{
		FlushInterval:    time.Second,
		EndGrace:         500 * time.Millisecond,
		TimeoutGrace:     10 * time.Second,
		UnknownDuration:  10 * time.Minute,
		FrameRate:        30,
		CodecPreferences: DefaultCodecPreferences,
	}
}

// Result is a finished fallback encode
type Result struct {
	Data     []byte
	MimeType string
	Poster   []byte
	Frames   int
	TimedOut bool
}

// Engine drives one Host
type Engine struct {
	host   Host
	cfg    Config
	logger hclog.Logger
}

// New creates a fallback engine. Zero config fields take their defaults.
func New(host Host, cfg Config, logger hclog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.EndGrace <= 0 {
		cfg.EndGrace = def.EndGrace
	}
	if cfg.TimeoutGrace <= 0 {
		cfg.TimeoutGrace = def.TimeoutGrace
	}
	if cfg.UnknownDuration <= 0 {
		cfg.UnknownDuration = def.UnknownDuration
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	if len(cfg.CodecPreferences) == 0 {
		cfg.CodecPreferences = def.CodecPreferences
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{host: host, cfg: cfg, logger: logger.Named("fallback")}
}

// Negotiate returns the first preferred encoder type the host supports
func (e *Engine) Negotiate() (string, bool) {
	for _, t := range e.cfg.CodecPreferences {
		if e.host.IsTypeSupported(t) {
			return t, true
		}
	}
	return "", false
}

// Compress plays media through the host and returns the captured encode.
// onProgress receives 0..1 fractions of the clip duration.
func (e *Engine) Compress(ctx context.Context, media types.SourceMedia, plan types.Plan, onProgress func(float64)) (*Result, error) {
	mimeType, ok := e.Negotiate()
	if !ok {
		return nil, e.fail(cerrors.New(cerrors.KindEnvironmentUnsupported, "fallback",
			"host has no usable stream encoder", cerrors.ErrNoCodec))
	}

	size := plan.Resolution
	if size.IsZero() {
		size = types.Dimensions{Width: media.Width &^ 1, Height: media.Height &^ 1}
	}
	if size.IsZero() {
		return nil, e.fail(cerrors.New(cerrors.KindInvalidInput, "fallback", "unknown frame size", nil))
	}

	surface, err := e.host.Open(ctx, media, size)
	if err != nil {
		return nil, e.fail(cerrors.New(cerrors.KindInvalidInput, "fallback", "open playback surface", err))
	}
	defer func() {
		if err := surface.Close(); err != nil {
			e.logger.Warn("Failed to close playback surface", "error", err)
		}
	}()

	opts := EncoderOptions{
		MimeType:     mimeType,
		Size:         size,
		FrameRate:    e.cfg.FrameRate,
		VideoBitrate: plan.VideoBitrate,
		AudioBitrate: plan.AudioBitrate,
	}
	if track, ok := surface.AudioTrack(); ok {
		opts.Audio = track
		defer track.Stop()
	}

	enc, err := e.host.StartEncoder(ctx, opts)
	if err != nil {
		return nil, e.fail(cerrors.New(cerrors.KindEngineExecFailed, "fallback", "start stream encoder", err).
			WithDetail("mime_type", mimeType))
	}

	duration := plan.Duration
	if duration <= 0 {
		duration = surface.Duration()
	}

	e.logger.Debug("Starting raster capture", "mime_type", mimeType, "size", size.String(), "duration", duration)

	start := time.Now()
	res, err := e.capture(ctx, surface, enc, size, duration, onProgress)
	metrics.EngineExecDuration.WithLabelValues(EngineName).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, e.fail(err)
	}
	res.MimeType = mimeType

	e.logger.Info("Raster capture finished", "frames", res.Frames, "bytes", len(res.Data), "timed_out", res.TimedOut)
	return res, nil
}

// capture runs the raster loop. The encoder is stopped on every return path.
func (e *Engine) capture(ctx context.Context, surface PlaybackSurface, enc StreamEncoder, size types.Dimensions, duration time.Duration, onProgress func(float64)) (*Result, error) {
	var chunks [][]byte
	stopped := false
	defer func() {
		if !stopped {
			if _, err := enc.Stop(); err != nil {
				e.logger.Debug("Encoder stop after failure", "error", err)
			}
		}
	}()

	limit := e.cfg.UnknownDuration
	if duration > 0 {
		limit = duration + e.cfg.TimeoutGrace
	}
	overall := time.NewTimer(limit)
	defer overall.Stop()

	flush := time.NewTicker(e.cfg.FlushInterval)
	defer flush.Stop()

	clock := e.host.FrameClock()
	defer clock.Stop()

	canvas := NewCanvas(size)
	var (
		endGrace <-chan time.Time
		lastTS   = time.Duration(-1)
		frames   int
		poster   *image.RGBA
		timedOut bool
	)

loop:
	for {
		select {
		case <-ctx.Done():
			kind := cerrors.KindEngineAborted
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = cerrors.KindExecTimeout
			}
			return nil, cerrors.New(kind, "fallback", "capture interrupted", ctx.Err())

		case <-overall.C:
			timedOut = true
			e.logger.Warn("Capture hit overall timeout", "limit", limit, "frames", frames)
			break loop

		case <-endGrace:
			break loop

		case <-flush.C:
			data, err := enc.Flush()
			if err != nil {
				e.logger.Warn("Encoder flush failed", "error", err)
				continue
			}
			if len(data) > 0 {
				chunks = append(chunks, data)
			}

		case <-clock.C():
			if endGrace != nil {
				continue
			}
			if surface.Ended() || surface.Paused() {
				endGrace = time.After(e.cfg.EndGrace)
				continue
			}

			img, ts, err := surface.CurrentFrame()
			if err != nil {
				return nil, cerrors.New(cerrors.KindEngineExecFailed, "fallback", "read frame",
					errors.Join(cerrors.ErrPlaybackError, err))
			}
			if img == nil || ts <= lastTS {
				continue
			}
			lastTS = ts

			canvas.Draw(img)
			if frames == 0 && e.cfg.Poster {
				poster = canvas.Snapshot()
			}
			if err := enc.WriteFrame(canvas.Image(), ts); err != nil {
				return nil, cerrors.Classify("fallback", err, "")
			}
			frames++

			if onProgress != nil && duration > 0 {
				onProgress(clampFraction(float64(ts) / float64(duration)))
			}
		}
	}

	tail, err := enc.Stop()
	stopped = true
	if err != nil {
		return nil, cerrors.Classify("fallback", err, "")
	}
	if len(tail) > 0 {
		chunks = append(chunks, tail)
	}

	data, ok := collect(chunks)
	if !ok {
		return nil, cerrors.EmptyOutput("fallback").WithDetail("frames", frames)
	}

	res := &Result{Data: data, Frames: frames, TimedOut: timedOut}
	if poster != nil {
		if res.Poster, err = EncodePoster(poster, PosterMaxSize, PosterQuality); err != nil {
			e.logger.Warn("Poster encode failed", "error", err)
			res.Poster = nil
		}
	}
	return res, nil
}

// collect joins the captured chunks. It reports false unless there is at
// least one chunk and the chunk sizes sum to more than zero.
func collect(chunks [][]byte) ([]byte, bool) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if len(chunks) == 0 || total == 0 {
		return nil, false
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, true
}

func (e *Engine) fail(err error) error {
	kind := cerrors.GetKind(err)
	metrics.EngineFailuresTotal.WithLabelValues(EngineName, string(kind)).Inc()
	e.logger.Warn("Fallback encode failed", "kind", kind, "error", err)
	return err
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
