package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// ProcessHost implements Host with the system media tool found on PATH. This
// is the host's own ffmpeg, never the fetched primary engine build.
// Frames travel as raw RGBA over pipes.
type ProcessHost struct {
	logger     hclog.Logger
	ffmpegPath string
	workDir    string
	frameRate  int

	encodersOnce sync.Once
	encoders     string
}

// NewProcessHost creates a host. An empty ffmpegPath uses FFMPEG_PATH or "ffmpeg".
func NewProcessHost(logger hclog.Logger, ffmpegPath, workDir string, frameRate int) *ProcessHost {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
		if custom := os.Getenv("FFMPEG_PATH"); custom != "" {
			ffmpegPath = custom
		}
	}
	if frameRate <= 0 {
		frameRate = 30
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ProcessHost{
		logger:     logger.Named("process-host"),
		ffmpegPath: ffmpegPath,
		workDir:    workDir,
		frameRate:  frameRate,
	}
}

// IsTypeSupported accepts video/mp4 when the host tool has the encoders the
// codecs parameter asks for
func (h *ProcessHost) IsTypeSupported(mimeType string) bool {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || mediaType != types.OutputMimeType {
		return false
	}

	encoders := h.availableEncoders()
	if !strings.Contains(encoders, "libx264") {
		return false
	}
	for _, codec := range strings.Split(params["codecs"], ",") {
		codec = strings.TrimSpace(codec)
		switch {
		case codec == "":
		case strings.HasPrefix(codec, "avc1"):
		case strings.HasPrefix(codec, "mp4a"):
			if !strings.Contains(encoders, " aac ") {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (h *ProcessHost) availableEncoders() string {
	h.encodersOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, h.ffmpegPath, "-hide_banner", "-encoders").Output()
		if err != nil {
			h.logger.Warn("System ffmpeg unavailable", "path", h.ffmpegPath, "error", err)
			return
		}
		h.encoders = string(out)
	})
	return h.encoders
}

// FrameClock fires as soon as the previous frame has been handled. Decode is
// on demand, so pacing to wall-clock time would only slow the encode.
func (h *ProcessHost) FrameClock() FrameClock {
	return newImmediateClock()
}

// Open stages the source and starts a decoder producing size-d RGBA frames
func (h *ProcessHost) Open(ctx context.Context, media types.SourceMedia, size types.Dimensions) (PlaybackSurface, error) {
	path := filepath.Join(h.workDir, "fallback-"+uuid.New().String()+filepath.Ext(media.Name))
	if err := os.WriteFile(path, media.Data, 0o600); err != nil {
		return nil, fmt.Errorf("stage source: %w", err)
	}

	dctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(dctx, h.ffmpegPath,
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", path,
		"-map", "0:v:0",
		"-vf", fmt.Sprintf("scale=%d:%d", size.Width, size.Height),
		"-r", strconv.Itoa(h.frameRate),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		os.Remove(path)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		os.Remove(path)
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	return &processSurface{
		logger:    h.logger,
		cmd:       cmd,
		cancel:    cancel,
		stdout:    stdout,
		path:      path,
		size:      size,
		frameRate: h.frameRate,
		duration:  media.Duration,
	}, nil
}

// StartEncoder starts an encoder reading raw frames on stdin and writing
// fragmented MP4 to stdout so output can be flushed while encoding
func (h *ProcessHost) StartEncoder(ctx context.Context, opts EncoderOptions) (StreamEncoder, error) {
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", opts.Size.String(),
		"-r", strconv.Itoa(opts.FrameRate),
		"-i", "pipe:0",
	}
	audio, hasAudio := opts.Audio.(*processAudio)
	if hasAudio {
		args = append(args, "-i", audio.path, "-map", "0:v:0", "-map", "1:a:0?")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
	)
	if opts.VideoBitrate > 0 {
		args = append(args, "-b:v", strconv.FormatInt(opts.VideoBitrate, 10))
	}
	if hasAudio {
		ab := opts.AudioBitrate
		if ab <= 0 {
			ab = 128_000
		}
		args = append(args, "-c:a", "aac", "-b:a", strconv.FormatInt(ab, 10), "-shortest")
	}
	args = append(args,
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, h.ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	enc := &processEncoder{cmd: cmd, stdin: stdin, stderr: &stderr, done: make(chan struct{})}
	go enc.drain(stdout)
	return enc, nil
}

type processSurface struct {
	logger    hclog.Logger
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdout    io.ReadCloser
	path      string
	size      types.Dimensions
	frameRate int
	duration  time.Duration

	mu     sync.Mutex
	frame  *image.RGBA
	index  int
	ended  bool
	closed bool
}

// CurrentFrame decodes the next frame. At end of stream it keeps returning
// the last frame with its old timestamp.
func (s *processSurface) CurrentFrame() (image.Image, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return s.frame, s.timestamp(s.index - 1), nil
	}

	img := image.NewRGBA(image.Rect(0, 0, s.size.Width, s.size.Height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.ended = true
			return s.frame, s.timestamp(s.index - 1), nil
		}
		return nil, 0, err
	}
	s.frame = img
	s.index++
	return img, s.timestamp(s.index - 1), nil
}

func (s *processSurface) timestamp(i int) time.Duration {
	return time.Duration(i) * time.Second / time.Duration(s.frameRate)
}

func (s *processSurface) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *processSurface) Paused() bool { return false }

func (s *processSurface) Duration() time.Duration { return s.duration }

func (s *processSurface) AudioTrack() (AudioTrack, bool) {
	return &processAudio{id: filepath.Base(s.path), path: s.path}, true
}

func (s *processSurface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.cmd.Wait(); err != nil {
		s.logger.Trace("Decoder exited", "error", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// processAudio points the encoder at the staged source's audio stream
type processAudio struct {
	id   string
	path string
}

func (a *processAudio) ID() string { return a.id }
func (a *processAudio) Stop()      {}

type processEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	done    chan struct{}
	stopped bool
}

func (e *processEncoder) drain(r io.Reader) {
	defer close(e.done)
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			e.buf.Write(chunk[:n])
			e.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.mu.Lock()
				e.readErr = err
				e.mu.Unlock()
			}
			return
		}
	}
}

func (e *processEncoder) WriteFrame(frame *image.RGBA, _ time.Duration) error {
	_, err := e.stdin.Write(frame.Pix)
	return err
}

func (e *processEncoder) Flush() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf.Len() == 0 {
		return nil, e.readErr
	}
	out := append([]byte(nil), e.buf.Bytes()...)
	e.buf.Reset()
	return out, e.readErr
}

func (e *processEncoder) Stop() ([]byte, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.stdin.Close()
	<-e.done
	waitErr := e.cmd.Wait()

	out, readErr := e.Flush()
	if waitErr != nil {
		return out, fmt.Errorf("%w: %s", waitErr, strings.TrimSpace(e.stderr.String()))
	}
	return out, readErr
}

// immediateClock keeps a tick ready until stopped
type immediateClock struct {
	c    chan time.Time
	stop chan struct{}
	once sync.Once
}

func newImmediateClock() *immediateClock {
	c := &immediateClock{c: make(chan time.Time), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case c.c <- time.Now():
			case <-c.stop:
				return
			}
		}
	}()
	return c
}

func (c *immediateClock) C() <-chan time.Time { return c.c }
func (c *immediateClock) Stop()               { c.once.Do(func() { close(c.stop) }) }
