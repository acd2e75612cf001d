// Package compressionmodule shrinks user-selected videos before upload.
//
// A Compressor decides per file whether to pass it through untouched, encode
// it with the fetched primary engine, or encode it through the host's own
// media facilities (the fallback engine). Progress is published on a single
// Reporter while a call is running.
//
// Architecture:
//
//	Compress → environment.Assess + strategy.Select → estimator.Plan
//	         → primary.Session (Load, Exec) or fallback.Engine
//	         → progress.Reporter → Artifact
package compressionmodule

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/clipshrink/internal/database"
	"github.com/mantonx/clipshrink/internal/metrics"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/fallback"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/engine/primary"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/environment"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/estimator"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/progress"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/strategy"
	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/store"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// CapabilitiesProvider describes the host the pipeline runs on
type CapabilitiesProvider interface {
	Capabilities(ctx context.Context) environment.Capabilities
}

// StaticCapabilities is a fixed descriptor
type StaticCapabilities environment.Capabilities

// Capabilities returns the descriptor unchanged
func (s StaticCapabilities) Capabilities(context.Context) environment.Capabilities {
	return environment.Capabilities(s)
}

// PrimaryEngine is one primary engine session. A session that failed to load
// is never reused.
type PrimaryEngine interface {
	Load(ctx context.Context) error
	Exec(ctx context.Context, media types.SourceMedia, plan types.Plan, onProgress func(float64)) ([]byte, error)
	Dispose() error
}

// SessionFactory creates a fresh primary engine session for one call
type SessionFactory func() PrimaryEngine

// FallbackEngine encodes through host media facilities
type FallbackEngine interface {
	Compress(ctx context.Context, media types.SourceMedia, plan types.Plan, onProgress func(float64)) (*fallback.Result, error)
}

// Config holds the size rules and output limits of a Compressor
type Config struct {
	Thresholds strategy.Thresholds
	Limits     estimator.Limits
	Policy     estimator.Policy
	SessionKey string
	RecordRuns bool
}

// DefaultConfig returns the shipped rules
func DefaultConfig() Config {
	return Config{
		Thresholds: strategy.DefaultThresholds(),
		Limits: estimator.Limits{
			TargetSizeMB:   40,
			MaxWidth:       1920,
			MaxHeight:      1920,
			DefaultQuality: 26,
		},
		Policy:     estimator.DefaultPolicy(),
		SessionKey: "default",
		RecordRuns: true,
	}
}

// Dependencies are the collaborators a Compressor drives
type Dependencies struct {
	Probe      CapabilitiesProvider
	NewSession SessionFactory
	Fallback   FallbackEngine
	Ledger     store.Ledger       // nil uses an in-memory ledger
	Runs       store.RunRecorder  // optional
	Reporter   *progress.Reporter // nil creates one
}

// Compressor runs one compression at a time. A second caller waits.
type Compressor struct {
	mu sync.Mutex

	cfg       Config
	estimator atomic.Pointer[estimator.Estimator]
	lastEnv   atomic.Pointer[environment.Assessment]

	// lastFailures mirrors the ledger count seen by the most recent call
	lastFailures atomic.Int64

	probe      CapabilitiesProvider
	newSession SessionFactory
	fallback   FallbackEngine
	ledger     store.Ledger
	runs       store.RunRecorder
	reporter   *progress.Reporter
	logger     hclog.Logger
}

// NewCompressor wires a Compressor
func NewCompressor(cfg Config, deps Dependencies, logger hclog.Logger) *Compressor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.SessionKey == "" {
		cfg.SessionKey = "default"
	}
	if deps.Ledger == nil {
		mem := store.NewMemoryLedger()
		deps.Ledger = mem
		if deps.Runs == nil {
			deps.Runs = mem
		}
	}
	if deps.Reporter == nil {
		deps.Reporter = progress.NewReporter()
	}
	if deps.Probe == nil {
		deps.Probe = StaticCapabilities{}
	}

	c := &Compressor{
		cfg:        cfg,
		probe:      deps.Probe,
		newSession: deps.NewSession,
		fallback:   deps.Fallback,
		ledger:     deps.Ledger,
		runs:       deps.Runs,
		reporter:   deps.Reporter,
		logger:     logger.Named("compressor"),
	}
	c.estimator.Store(estimator.New(cfg.Policy))
	return c
}

// Reporter returns the progress reporter shared by every call
func (c *Compressor) Reporter() *progress.Reporter {
	return c.reporter
}

// Policy returns the active estimator policy
func (c *Compressor) Policy() estimator.Policy {
	return c.estimator.Load().Policy()
}

// SetPolicy swaps the estimator policy. Calls already planned keep the old one.
func (c *Compressor) SetPolicy(p estimator.Policy) {
	c.estimator.Store(estimator.New(p))
	c.logger.Info("estimator policy updated")
}

// ResetLoadFailures clears the session's primary-engine load failure count
func (c *Compressor) ResetLoadFailures(ctx context.Context) error {
	if err := c.ledger.ResetLoadFailures(ctx, c.cfg.SessionKey); err != nil {
		return err
	}
	c.lastFailures.Store(0)
	return nil
}

// RecentRuns returns the newest recorded runs
func (c *Compressor) RecentRuns(ctx context.Context, limit int) ([]database.CompressionRun, error) {
	if c.runs == nil {
		return nil, nil
	}
	return c.runs.RecentRuns(ctx, limit)
}

// Option customizes a single Compress call
type Option func(*callOptions)

type callOptions struct {
	progress progress.Listener
}

// WithProgress subscribes fn to progress updates for the duration of the call
func WithProgress(fn progress.Listener) Option {
	return func(o *callOptions) {
		o.progress = fn
	}
}

// Compress returns either the encoded video or, when no compression is
// needed, the original media unchanged. A failed engine gets exactly one
// fallback attempt.
func (c *Compressor) Compress(ctx context.Context, media types.SourceMedia, opts ...Option) (*types.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.reporter.Reset()
	if o.progress != nil {
		unsubscribe := c.reporter.Subscribe(o.progress)
		defer unsubscribe()
	}

	run := &runRecord{
		started: time.Now(),
		row: database.CompressionRun{
			SessionKey:   c.cfg.SessionKey,
			FileName:     media.Name,
			OriginalSize: media.DeclaredSize(),
		},
	}

	art, err := c.compress(ctx, media, run)
	c.finish(ctx, run, art, err)
	return art, err
}

// runRecord accumulates what one call did for history and metrics
type runRecord struct {
	started time.Time
	row     database.CompressionRun
}

func (c *Compressor) compress(ctx context.Context, media types.SourceMedia, run *runRecord) (*types.Artifact, error) {
	if media.DeclaredSize() <= 0 {
		return nil, cerrors.New(cerrors.KindInvalidInput, "compress", "source media is empty", nil)
	}
	size := media.DeclaredSize()

	failures, err := c.ledger.LoadFailures(ctx, c.cfg.SessionKey)
	if err != nil {
		c.logger.Warn("failed to read load failure count", "session_key", c.cfg.SessionKey, "error", err)
		failures = 0
	}
	c.lastFailures.Store(int64(failures))

	assessment := c.assess(ctx)
	decision, err := strategy.Select(strategy.Input{
		Size:         size,
		Environment:  assessment,
		LoadFailures: failures,
	}, c.cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	run.row.Strategy = string(decision.Strategy)

	c.logger.Debug("strategy selected", "file", media.Name, "size", size,
		"strategy", decision.Strategy, "reason", decision.Reason)

	if decision.Strategy == types.StrategyPassthrough {
		c.reporter.Update(progress.PhaseFinalizing, 100)
		return passthrough(media), nil
	}

	plan := c.estimator.Load().Plan(media, decision.Strategy, c.cfg.Limits)
	run.row.Tier = string(plan.Tier)

	c.logger.Info("compressing", "file", media.Name, "strategy", plan.Strategy, "tier", plan.Tier,
		"resolution", plan.Resolution.String(), "video_bitrate", plan.VideoBitrate, "quality", plan.Quality)

	if decision.Strategy == types.StrategyPrimary {
		return c.runPrimary(ctx, media, plan, run)
	}
	return c.runFallback(ctx, media, plan, run)
}

// assess classifies the current host and remembers it for Estimate
func (c *Compressor) assess(ctx context.Context) environment.Assessment {
	a := environment.Assess(c.probe.Capabilities(ctx))
	a.Log(c.logger)
	c.lastEnv.Store(&a)
	return a
}

func (c *Compressor) runPrimary(ctx context.Context, media types.SourceMedia, plan types.Plan, run *runRecord) (*types.Artifact, error) {
	if c.newSession == nil {
		return c.afterPrimaryFailure(ctx, media, plan, run,
			cerrors.New(cerrors.KindEnvironmentUnsupported, "load", "primary engine not configured", nil))
	}

	sess := c.newSession()
	defer func() {
		if err := sess.Dispose(); err != nil {
			c.logger.Warn("failed to dispose engine session", "error", err)
		}
	}()

	c.reporter.Advance(progress.PhaseInitializing, 0.1)
	if err := sess.Load(ctx); err != nil {
		// a caller giving up is not an engine load failure
		if ctx.Err() != nil {
			return c.afterPrimaryFailure(ctx, media, plan, run, err)
		}
		count, lerr := c.ledger.RecordLoadFailure(ctx, c.cfg.SessionKey, err)
		if lerr != nil {
			c.logger.Warn("failed to record load failure", "error", lerr)
		} else {
			c.lastFailures.Store(int64(count))
		}
		c.logger.Warn("primary engine unavailable", "error", err, "load_failures", count)
		return c.afterPrimaryFailure(ctx, media, plan, run, err)
	}
	c.reporter.Advance(progress.PhaseInitializing, 1)
	c.reporter.Advance(progress.PhaseAnalyzing, 1)

	data, err := sess.Exec(ctx, media, plan, func(f float64) {
		c.reporter.Advance(progress.PhaseCompressing, f)
	})
	if err != nil {
		c.logger.Warn("primary engine failed", "kind", cerrors.GetKind(err), "error", err)
		return c.afterPrimaryFailure(ctx, media, plan, run, err)
	}

	run.row.Engine = primary.EngineName
	c.reporter.Advance(progress.PhaseFinalizing, 1)
	return compressed(media, data, types.StrategyPrimary, primary.EngineName, nil), nil
}

// afterPrimaryFailure runs the single fallback attempt. The terminal error is
// the more specific of the two failures.
func (c *Compressor) afterPrimaryFailure(ctx context.Context, media types.SourceMedia, plan types.Plan, run *runRecord, primaryErr error) (*types.Artifact, error) {
	if ctx.Err() != nil {
		return nil, primaryErr
	}
	art, err := c.runFallback(ctx, media, plan, run)
	if err != nil {
		return nil, cerrors.MostSpecific(primaryErr, err)
	}
	return art, nil
}

func (c *Compressor) runFallback(ctx context.Context, media types.SourceMedia, plan types.Plan, run *runRecord) (*types.Artifact, error) {
	if c.fallback == nil {
		return nil, cerrors.New(cerrors.KindEnvironmentUnsupported, "fallback", "fallback engine not configured", cerrors.ErrNoCodec)
	}
	run.row.Engine = fallback.EngineName

	c.reporter.Advance(progress.PhaseAnalyzing, 1)
	res, err := c.fallback.Compress(ctx, media, plan, func(f float64) {
		c.reporter.Advance(progress.PhaseCompressing, f)
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Data) == 0 {
		return nil, cerrors.EmptyOutput("fallback")
	}

	c.reporter.Advance(progress.PhaseFinalizing, 1)
	return compressed(media, res.Data, types.StrategyFallback, fallback.EngineName, res.Poster), nil
}

func (c *Compressor) finish(ctx context.Context, run *runRecord, art *types.Artifact, err error) {
	elapsed := time.Since(run.started)
	row := &run.row
	row.ElapsedMs = elapsed.Milliseconds()

	switch {
	case err != nil:
		row.Outcome = database.RunOutcomeFailed
		row.ErrorKind = string(cerrors.GetKind(err))
		row.ErrorMessage = err.Error()
	case art.Compressed:
		row.Outcome = database.RunOutcomeCompressed
		row.OutputSize = art.Size()
	default:
		row.Outcome = database.RunOutcomePassthrough
		row.OutputSize = row.OriginalSize
	}

	strategyLabel := row.Strategy
	if strategyLabel == "" {
		strategyLabel = "rejected"
	}
	metrics.CompressionRunsTotal.WithLabelValues(strategyLabel, string(row.Outcome)).Inc()
	metrics.CompressionDuration.WithLabelValues(strategyLabel).Observe(elapsed.Seconds())
	if saved := row.SavedBytes(); saved > 0 {
		metrics.CompressionBytesSaved.Add(float64(saved))
	}

	if err != nil {
		c.logger.Error("compression failed", "file", row.FileName, "kind", row.ErrorKind, "error", err)
	} else {
		c.logger.Info("compression finished", "file", row.FileName, "outcome", row.Outcome,
			"original_size", row.OriginalSize, "output_size", row.OutputSize, "elapsed", elapsed)
	}

	if !c.cfg.RecordRuns || c.runs == nil {
		return
	}
	// history must not be lost to a cancelled call
	if rerr := c.runs.RecordRun(context.WithoutCancel(ctx), row); rerr != nil {
		c.logger.Warn("failed to record compression run", "error", rerr)
	}
}

// Estimate predicts the outcome of Compress without running an engine. It
// reuses the host assessment and load failure count from the most recent
// Compress call, or assumes a capable host before the first one.
func (c *Compressor) Estimate(media types.SourceMedia) types.Estimate {
	size := media.DeclaredSize()
	est := types.Estimate{OriginalSize: size, EstimatedSize: size, Ratio: 1}

	env := capableAssessment
	if a := c.lastEnv.Load(); a != nil {
		env = *a
	}

	decision, err := strategy.Select(strategy.Input{
		Size:         size,
		Environment:  env,
		LoadFailures: int(c.lastFailures.Load()),
	}, c.cfg.Thresholds)
	if err != nil {
		est.Reason = string(cerrors.GetKind(err))
		metrics.EstimatesTotal.WithLabelValues("rejected").Inc()
		return est
	}
	est.Strategy = decision.Strategy
	est.Reason = decision.Reason
	metrics.EstimatesTotal.WithLabelValues(string(decision.Strategy)).Inc()

	if decision.Strategy == types.StrategyPassthrough || size <= 0 {
		return est
	}

	e := c.estimator.Load()
	plan := e.Plan(media, decision.Strategy, c.cfg.Limits)
	estimated := e.EstimateOutputSize(size, plan.Resolution, plan.Duration, plan.Quality, plan.Scale)
	if budget := estimator.BudgetSize(plan); budget > 0 && budget < estimated {
		estimated = budget
	}

	est.Tier = plan.Tier
	est.EstimatedSize = estimated
	est.Ratio = float64(estimated) / float64(size)
	est.WillCompress = true
	return est
}

var capableAssessment = environment.Assess(environment.Capabilities{
	SharedMemory:  true,
	Isolated:      true,
	SecureContext: true,
})

func passthrough(media types.SourceMedia) *types.Artifact {
	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &types.Artifact{
		Data:     media.Data,
		MimeType: mimeType,
		Name:     media.Name,
		Strategy: types.StrategyPassthrough,
	}
}

func compressed(media types.SourceMedia, data []byte, s types.Strategy, engine string, poster []byte) *types.Artifact {
	return &types.Artifact{
		Data:       data,
		MimeType:   types.OutputMimeType,
		Name:       outputName(media.Name),
		Compressed: true,
		Strategy:   s,
		Engine:     engine,
		Poster:     poster,
	}
}

// outputName swaps the extension for .mp4
func outputName(name string) string {
	if name == "" {
		return "compressed.mp4"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".mp4"
}

// IsCancelled reports whether err came from the caller giving up
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
