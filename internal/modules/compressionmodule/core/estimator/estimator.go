// Package estimator maps file size, duration and resolution to encode parameters.
//
// All functions are pure. The constants behind the size heuristic are tuned by
// hand against real encodes, so they live in a Policy value that can be
// replaced at runtime rather than in code.
package estimator

import (
	"math"
	"time"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// Bitrate limits in bits per second
const (
	MinVideoBitrate int64 = 500_000
	MaxVideoBitrate int64 = 8_000_000
)

// TierParams are the encode knobs for one size tier
type TierParams struct {
	Quality      int     `yaml:"quality" json:"quality"`             // CRF
	Scale        float64 `yaml:"scale" json:"scale"`                 // linear resolution scale
	AudioBitrate int64   `yaml:"audio_bitrate" json:"audio_bitrate"` // bits per second
	Preset       string  `yaml:"preset" json:"preset"`
}

// Policy holds the tunable heuristic constants
type Policy struct {
	Default    TierParams `yaml:"default" json:"default"`
	Moderate   TierParams `yaml:"moderate" json:"moderate"`
	Aggressive TierParams `yaml:"aggressive" json:"aggressive"`

	ModerateThreshold   int64 `yaml:"moderate_threshold" json:"moderate_threshold"`
	AggressiveThreshold int64 `yaml:"aggressive_threshold" json:"aggressive_threshold"`

	// AudioAllocation is subtracted from the total bitrate budget
	AudioAllocation int64 `yaml:"audio_allocation" json:"audio_allocation"`

	// Quality factor: BaseFactor at ReferenceQuality, halving every HalvingStep CRF points
	ReferenceQuality int     `yaml:"reference_quality" json:"reference_quality"`
	BaseFactor       float64 `yaml:"base_factor" json:"base_factor"`
	HalvingStep      float64 `yaml:"halving_step" json:"halving_step"`

	// Resolution factor floor and the frame size treated as factor 1.0
	MinResolutionFactor float64 `yaml:"min_resolution_factor" json:"min_resolution_factor"`
	ReferencePixels     int     `yaml:"reference_pixels" json:"reference_pixels"`

	// Duration factor falls linearly from 1.0 at ShortClip to MinDurationFactor at LongClip
	ShortClip         time.Duration `yaml:"short_clip" json:"short_clip"`
	LongClip          time.Duration `yaml:"long_clip" json:"long_clip"`
	MinDurationFactor float64       `yaml:"min_duration_factor" json:"min_duration_factor"`
}

// DefaultPolicy returns the shipped heuristic constants
func DefaultPolicy() Policy {
	return Policy{
		Default:    TierParams{Quality: 26, Scale: 1.0, AudioBitrate: 128_000, Preset: "fast"},
		Moderate:   TierParams{Quality: 30, Scale: 0.5, AudioBitrate: 128_000, Preset: "veryfast"},
		Aggressive: TierParams{Quality: 34, Scale: 0.25, AudioBitrate: 96_000, Preset: "ultrafast"},

		ModerateThreshold:   500 * types.MB,
		AggressiveThreshold: 800 * types.MB,

		AudioAllocation: 128_000,

		ReferenceQuality: 23,
		BaseFactor:       0.35,
		HalvingStep:      6,

		MinResolutionFactor: 0.05,
		ReferencePixels:     1920 * 1080,

		ShortClip:         30 * time.Second,
		LongClip:          5 * time.Minute,
		MinDurationFactor: 0.7,
	}
}

// Limits are the fixed per-call-site settings the estimator plans against
type Limits struct {
	TargetSizeMB   float64
	MaxWidth       int
	MaxHeight      int
	DefaultQuality int
}

// Estimator applies a Policy. The zero value is not usable; use New.
type Estimator struct {
	policy Policy
}

// New creates an estimator for the given policy
func New(policy Policy) *Estimator {
	return &Estimator{policy: policy}
}

// Policy returns a copy of the active policy
func (e *Estimator) Policy() Policy {
	return e.policy
}

// Bitrate returns the video bitrate that lands a clip of the given duration at
// targetSizeMB, after reserving the audio allocation. The target never exceeds
// the file's own size. Non-positive durations get the maximum bitrate.
func (e *Estimator) Bitrate(fileSize int64, durationSeconds, targetSizeMB float64) int64 {
	if durationSeconds <= 0 || math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return MaxVideoBitrate
	}

	targetBytes := targetSizeMB * float64(types.MB)
	if fileSize > 0 && float64(fileSize) < targetBytes {
		targetBytes = float64(fileSize)
	}

	total := targetBytes * 8 / durationSeconds
	video := int64(total) - e.policy.AudioAllocation

	return clampInt64(video, MinVideoBitrate, MaxVideoBitrate)
}

// Resolution scales (origW, origH) down to fit inside (maxW, maxH), keeping the
// aspect ratio. Both output dimensions are even. Inputs that already fit are
// only rounded down to even. Unknown input dimensions yield zero dimensions.
// Bounds below MinDimension are raised to it, so the smallest output is 2x2.
func (e *Estimator) Resolution(origW, origH, maxW, maxH int) types.Dimensions {
	return Resolution(origW, origH, maxW, maxH)
}

// MinDimension is the smallest even side an encoder accepts
const MinDimension = 2

// Resolution is the policy-independent form of (*Estimator).Resolution.
func Resolution(origW, origH, maxW, maxH int) types.Dimensions {
	if origW <= 0 || origH <= 0 {
		return types.Dimensions{}
	}
	if maxW <= 0 {
		maxW = origW
	}
	if maxH <= 0 {
		maxH = origH
	}
	maxW = max(maxW, MinDimension)
	maxH = max(maxH, MinDimension)

	w, h := float64(origW), float64(origH)
	ratio := math.Min(float64(maxW)/w, float64(maxH)/h)
	if ratio < 1 {
		w *= ratio
		h *= ratio
	}

	return types.Dimensions{
		Width:  evenFloor(w, maxW),
		Height: evenFloor(h, maxH),
	}
}

// evenFloor rounds v down to an even integer that does not exceed bound.
// bound must be at least MinDimension.
func evenFloor(v float64, bound int) int {
	n := int(math.Floor(v))
	if n > bound {
		n = bound
	}
	n -= n % 2
	if n < MinDimension {
		n = MinDimension
	}
	return n
}

// QualityFactor is the share of the original size kept at a given CRF.
func (e *Estimator) QualityFactor(quality int) float64 {
	p := e.policy
	step := p.HalvingStep
	if step <= 0 {
		step = 6
	}
	f := p.BaseFactor * math.Pow(2, float64(p.ReferenceQuality-quality)/step)
	return clampFloat(f, 0.01, 1.0)
}

// ResolutionFactor is the share kept after scaling. The target resolution, when
// known, bounds the factor relative to the reference frame size.
func (e *Estimator) ResolutionFactor(resolution types.Dimensions, scale float64) float64 {
	p := e.policy
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	f := scale * scale
	if !resolution.IsZero() && p.ReferencePixels > 0 {
		f = math.Min(f, float64(resolution.Pixels())/float64(p.ReferencePixels))
	}
	return clampFloat(f, p.MinResolutionFactor, 1.0)
}

// DurationFactor models longer clips compressing relatively better. Always in
// [MinDurationFactor, 1.0].
func (e *Estimator) DurationFactor(duration time.Duration) float64 {
	p := e.policy
	if duration <= p.ShortClip || p.LongClip <= p.ShortClip {
		return 1.0
	}
	if duration >= p.LongClip {
		return p.MinDurationFactor
	}
	span := float64(p.LongClip - p.ShortClip)
	progress := float64(duration-p.ShortClip) / span
	return clampFloat(1.0-progress*(1.0-p.MinDurationFactor), p.MinDurationFactor, 1.0)
}

// EstimateOutputSize approximates the encoded size. It is shown to users before
// encoding and is not a guarantee.
func (e *Estimator) EstimateOutputSize(originalSize int64, resolution types.Dimensions, duration time.Duration, quality int, scale float64) int64 {
	if originalSize <= 0 {
		return 0
	}
	f := e.QualityFactor(quality) * e.ResolutionFactor(resolution, scale) * e.DurationFactor(duration)
	est := int64(float64(originalSize) * f)
	if est > originalSize {
		est = originalSize
	}
	return est
}

// TierFor returns the quality tier for an absolute input size.
func (e *Estimator) TierFor(size int64) (types.Tier, TierParams) {
	p := e.policy
	switch {
	case size >= p.AggressiveThreshold:
		return types.TierAggressive, p.Aggressive
	case size >= p.ModerateThreshold:
		return types.TierModerate, p.Moderate
	default:
		return types.TierDefault, p.Default
	}
}

// Plan derives the full compression plan for a media file.
func (e *Estimator) Plan(media types.SourceMedia, strategy types.Strategy, limits Limits) types.Plan {
	size := media.DeclaredSize()
	tier, params := e.TierFor(size)
	if tier == types.TierDefault && limits.DefaultQuality > 0 {
		params.Quality = limits.DefaultQuality
	}

	scale := params.Scale
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	boundW, boundH := limits.MaxWidth, limits.MaxHeight
	if media.Width > 0 {
		boundW = minPositive(boundW, int(float64(media.Width)*scale))
	}
	if media.Height > 0 {
		boundH = minPositive(boundH, int(float64(media.Height)*scale))
	}

	return types.Plan{
		Strategy:     strategy,
		Tier:         tier,
		VideoBitrate: e.Bitrate(size, media.Duration.Seconds(), limits.TargetSizeMB),
		AudioBitrate: params.AudioBitrate,
		Quality:      params.Quality,
		Scale:        scale,
		Preset:       params.Preset,
		Resolution:   e.Resolution(media.Width, media.Height, boundW, boundH),
		Duration:     media.Duration,
	}
}

// BudgetSize is the size a plan's bitrates produce over its duration, or zero
// when the duration is unknown.
func BudgetSize(plan types.Plan) int64 {
	if plan.Duration <= 0 {
		return 0
	}
	bits := float64(plan.VideoBitrate+plan.AudioBitrate) * plan.Duration.Seconds()
	return int64(bits / 8)
}

func minPositive(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
