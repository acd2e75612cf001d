// Package primary runs the full-featured transcoding engine: a pinned encoder
// build fetched from redundant asset sources into a private working directory.
//
// A Session owns at most one loaded engine. It is not re-entrant and must not
// be reused after a failed Load; create a new one instead.
package primary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/metrics"
	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// EngineName identifies this engine on artifacts and in metrics
const EngineName = "primary"

// Default timeouts
const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultInitTimeout  = 30 * time.Second
	DefaultExecTimeout  = 10 * time.Minute
)

// Binary asset names. The first one is the encoder.
var DefaultAssets = []string{"ffmpeg", "ffprobe"}

// Config configures engine loading and execution
type Config struct {
	Sources      []AssetSource
	Assets       []string
	FetchTimeout time.Duration
	InitTimeout  time.Duration
	ExecTimeout  time.Duration
	// WorkDir is the parent for the private engine directory; empty means os.TempDir()
	WorkDir string
}

func (c Config) withDefaults() Config {
	if len(c.Assets) == 0 {
		c.Assets = DefaultAssets
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	return c
}

// instance is a loaded engine: its private directory and binary paths
type instance struct {
	source   AssetSource
	dir      string
	binaries map[string]string
	version  string
}

func (i *instance) encoder(assets []string) string {
	return i.binaries[assets[0]]
}

func (i *instance) teardown() error {
	return os.RemoveAll(i.dir)
}

// loadResult is the accumulator of the source fold
type loadResult struct {
	inst *instance
	err  error
}

type loader func(ctx context.Context) loadResult

// Session is one engine lifecycle: Load, any number of Exec calls, Dispose
type Session struct {
	id      string
	cfg     Config
	logger  hclog.Logger
	fetcher Fetcher
	runner  CommandRunner

	mu       sync.Mutex
	busy     bool
	disposed bool
	inst     *instance
	attempts int
}

// NewSession creates an unloaded session
func NewSession(cfg Config, fetcher Fetcher, runner CommandRunner, logger hclog.Logger) *Session {
	if runner == nil {
		runner = ExecRunner{}
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil, 0)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	id := uuid.New().String()
	return &Session{
		id:      id,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("primary").With("session", id[:8]),
		fetcher: fetcher,
		runner:  runner,
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Attempts returns how many sources Load has tried
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Loaded reports whether an engine instance is ready
func (s *Session) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst != nil
}

// Version returns the version line reported by the loaded engine
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inst == nil {
		return ""
	}
	return s.inst.version
}

func (s *Session) acquire(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return cerrors.New(cerrors.KindEngineExecFailed, op, "session cannot be used", cerrors.ErrDisposed)
	}
	if s.busy {
		return cerrors.New(cerrors.KindEngineExecFailed, op, "session cannot be used", cerrors.ErrSessionBusy)
	}
	s.busy = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Load tries each configured source in order until one yields a working
// engine. Every source is tried at most once, so a total failure costs exactly
// len(Sources) attempts and reports the last source's error. A failed Load
// disposes the session.
func (s *Session) Load(ctx context.Context) error {
	if err := s.acquire("load"); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	loaded := s.inst != nil
	s.mu.Unlock()
	if loaded {
		return nil
	}

	if len(s.cfg.Sources) == 0 {
		s.markDisposed()
		return cerrors.New(cerrors.KindAssetLoadFailed, "load", "no engine sources", cerrors.ErrNoSources)
	}

	loaders := make([]loader, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		src := src
		loaders = append(loaders, func(ctx context.Context) loadResult {
			return s.loadFrom(ctx, src)
		})
	}

	res := foldLoaders(ctx, loaders)
	if res.err != nil {
		s.markDisposed()
		n := len(s.cfg.Sources)
		kind := cerrors.KindAssetLoadFailed
		if cerrors.IsKind(res.err, cerrors.KindEngineLoadTimeout) {
			kind = cerrors.KindEngineLoadTimeout
		}
		s.logger.Warn("Engine load failed on every source", "sources", n, "error", res.err)
		return cerrors.New(kind, "load", fmt.Sprintf("all %d engine sources failed", n), res.err).
			WithDetail("attempts", n)
	}

	s.mu.Lock()
	s.inst = res.inst
	s.mu.Unlock()

	s.logger.Info("Engine loaded", "source", res.inst.source.Name, "version", res.inst.version)
	return nil
}

// foldLoaders runs loaders left to right and stops at the first success.
// The accumulator starts as a failure so that an empty list reports ErrNoSources.
func foldLoaders(ctx context.Context, loaders []loader) loadResult {
	acc := loadResult{err: cerrors.ErrNoSources}
	for _, next := range loaders {
		if acc.err == nil {
			break
		}
		if err := ctx.Err(); err != nil {
			acc = loadResult{err: err}
			break
		}
		acc = next(ctx)
	}
	return acc
}

// loadFrom fetches every asset from one source into a fresh private directory
// and runs the version handshake. Anything staged is removed on failure.
func (s *Session) loadFrom(ctx context.Context, src AssetSource) loadResult {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	log := s.logger.With("source", src.Name, "attempt", attempt)
	log.Debug("Loading engine")

	inst, err := s.stage(ctx, src)
	if err != nil {
		metrics.EngineLoadAttempts.WithLabelValues(src.Name, "failure").Inc()
		log.Warn("Engine source failed", "error", err)
		return loadResult{err: err}
	}

	metrics.EngineLoadAttempts.WithLabelValues(src.Name, "success").Inc()
	return loadResult{inst: inst}
}

func (s *Session) stage(ctx context.Context, src AssetSource) (_ *instance, err error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "clipshrink-engine-*")
	if err != nil {
		return nil, cerrors.New(cerrors.KindAssetLoadFailed, "load", "create engine directory", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, cerrors.New(cerrors.KindAssetLoadFailed, "load", "secure engine directory", err)
	}

	inst := &instance{source: src, dir: dir, binaries: make(map[string]string, len(s.cfg.Assets))}
	defer func() {
		if err != nil {
			if rmErr := inst.teardown(); rmErr != nil {
				s.logger.Warn("Failed to remove partial engine", "dir", dir, "error", rmErr)
			}
		}
	}()

	for _, asset := range s.cfg.Assets {
		data, err := s.fetch(ctx, src, asset)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, asset)
		if err := os.WriteFile(path, data, 0o700); err != nil {
			return nil, cerrors.New(cerrors.KindAssetLoadFailed, "load", "write engine asset", err).
				WithDetail("asset", asset)
		}
		inst.binaries[asset] = path
	}

	version, err := s.handshake(ctx, inst)
	if err != nil {
		return nil, err
	}
	inst.version = version
	return inst, nil
}

func (s *Session) fetch(ctx context.Context, src AssetSource, asset string) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	location := src.URL(asset)
	data, err := s.fetcher.Fetch(fctx, location)
	if err != nil {
		if timedOut(ctx, fctx) {
			return nil, cerrors.New(cerrors.KindEngineLoadTimeout, "load",
				fmt.Sprintf("fetching %s timed out after %s", asset, s.cfg.FetchTimeout),
				fmt.Errorf("%w: %v", cerrors.ErrTimeout, err)).
				WithDetail("source", src.Name).WithDetail("asset", asset)
		}
		return nil, cerrors.New(cerrors.KindAssetLoadFailed, "load", "fetch "+asset, err).
			WithDetail("source", src.Name).WithDetail("location", location)
	}
	if len(data) == 0 {
		return nil, cerrors.New(cerrors.KindAssetLoadFailed, "load", "empty asset "+asset, nil).
			WithDetail("source", src.Name)
	}
	return data, nil
}

// handshake asks the encoder for its version to prove the build runs here
func (s *Session) handshake(ctx context.Context, inst *instance) (string, error) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	out, err := s.runner.Run(ictx, inst.encoder(s.cfg.Assets), []string{"-hide_banner", "-version"}, nil)
	if err != nil {
		if timedOut(ctx, ictx) {
			return "", cerrors.New(cerrors.KindEngineLoadTimeout, "load",
				fmt.Sprintf("engine init timed out after %s", s.cfg.InitTimeout),
				fmt.Errorf("%w: %v", cerrors.ErrTimeout, err))
		}
		return "", cerrors.New(cerrors.KindAssetLoadFailed, "load", "engine init failed", err).
			WithDetail("diagnostics", out)
	}

	version := parseVersion(out)
	if !strings.Contains(strings.ToLower(version), "version") {
		return "", cerrors.New(cerrors.KindAssetLoadFailed, "load", "unrecognised engine build", nil).
			WithDetail("output", version)
	}
	return version, nil
}

// Exec encodes one file with the loaded engine. The staged input and output
// are removed on every return path. onProgress receives 0..1 fractions.
func (s *Session) Exec(ctx context.Context, media types.SourceMedia, plan types.Plan, onProgress func(float64)) ([]byte, error) {
	if err := s.acquire("exec"); err != nil {
		return nil, err
	}
	defer s.release()

	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return nil, cerrors.New(cerrors.KindEngineExecFailed, "exec", "engine not loaded", cerrors.ErrNotLoaded)
	}

	stageID := uuid.New().String()
	inputPath := filepath.Join(inst.dir, "input-"+stageID+inputExt(media.Name))
	outputPath := filepath.Join(inst.dir, "output-"+stageID+".mp4")
	defer s.removeStaged(inputPath, outputPath)

	if err := os.WriteFile(inputPath, media.Data, 0o600); err != nil {
		return nil, cerrors.New(cerrors.KindEngineExecFailed, "exec", "stage input", err)
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	args := BuildArgs(plan, inputPath, outputPath)
	s.logger.Debug("Starting encode", "tier", plan.Tier, "crf", plan.Quality, "resolution", plan.Resolution.String())

	start := time.Now()
	diagnostics, err := s.runner.Run(ectx, inst.encoder(s.cfg.Assets), args, newProgressWriter(plan.Duration, onProgress))
	metrics.EngineExecDuration.WithLabelValues(EngineName).Observe(time.Since(start).Seconds())

	if err != nil {
		var cErr *cerrors.CompressionError
		if timedOut(ctx, ectx) {
			cErr = cerrors.New(cerrors.KindExecTimeout, "exec",
				fmt.Sprintf("encode exceeded %s", s.cfg.ExecTimeout),
				fmt.Errorf("%w: %v", cerrors.ErrTimeout, err))
		} else {
			cErr = cerrors.Classify("exec", err, diagnostics)
		}
		metrics.EngineFailuresTotal.WithLabelValues(EngineName, string(cErr.Kind)).Inc()
		s.logger.Warn("Encode failed", "kind", cErr.Kind, "error", err)
		return nil, cErr
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, cerrors.New(cerrors.KindEngineExecFailed, "exec", "read output", err)
	}
	if len(data) == 0 {
		metrics.EngineFailuresTotal.WithLabelValues(EngineName, string(cerrors.KindEmptyOutput)).Inc()
		return nil, cerrors.EmptyOutput("exec")
	}

	s.logger.Info("Encode finished", "input_bytes", len(media.Data), "output_bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}

func (s *Session) removeStaged(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove staged file", "path", p, "error", err)
		}
	}
}

// Dispose tears down the engine instance. It is safe to call more than once.
func (s *Session) Dispose() error {
	s.mu.Lock()
	inst := s.inst
	s.inst = nil
	s.disposed = true
	s.mu.Unlock()

	if inst == nil {
		return nil
	}
	if err := inst.teardown(); err != nil {
		s.logger.Warn("Failed to remove engine directory", "dir", inst.dir, "error", err)
		return err
	}
	s.logger.Debug("Engine disposed")
	return nil
}

func (s *Session) markDisposed() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

// timedOut reports whether the child context hit its own deadline while the
// parent was still live
func timedOut(parent, child context.Context) bool {
	return errors.Is(child.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func inputExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\ `) {
		return ".input"
	}
	return ext
}
