// Package strategy decides how a file is handled: passed through untouched,
// encoded by the primary engine, or encoded by the fallback engine.
//
// The rule order favours completing an upload over squeezing out the best
// ratio. Reordering the rules changes user-visible behaviour.
package strategy

import (
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/core/environment"
	cerrors "github.com/mantonx/clipshrink/internal/modules/compressionmodule/errors"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// Reasons attached to decisions
const (
	ReasonBelowThreshold      = "below_compression_threshold"
	ReasonEnvironmentCritical = "environment_critical"
	ReasonPrimaryMemoryLimit  = "above_primary_memory_limit"
	ReasonLoopbackHost        = "loopback_host"
	ReasonRepeatedLoadFailure = "repeated_load_failures"
	ReasonDefault             = "primary_engine"
)

// Thresholds configures the size rules
type Thresholds struct {
	CompressionThreshold int64 // below this, pass through
	MaxSize              int64 // at or above this, reject
	PrimaryMemoryLimit   int64 // above this, skip the primary engine
	MaxLoadFailures      int   // at or above this many load failures, skip the primary engine
}

// DefaultThresholds returns the shipped size rules
func DefaultThresholds() Thresholds {
	return Thresholds{
		CompressionThreshold: 300 * types.MB,
		MaxSize:              2 * types.GB,
		PrimaryMemoryLimit:   1536 * types.MB,
		MaxLoadFailures:      2,
	}
}

// Input is everything the decision depends on
type Input struct {
	Size         int64
	Environment  environment.Assessment
	LoadFailures int
}

// Decision is the outcome of Select
type Decision struct {
	Strategy types.Strategy `json:"strategy"`
	Reason   string         `json:"reason"`
}

// Select applies the rules in order; the first match wins.
func Select(in Input, t Thresholds) (Decision, error) {
	switch {
	case in.Size < t.CompressionThreshold:
		return Decision{types.StrategyPassthrough, ReasonBelowThreshold}, nil
	case in.Size >= t.MaxSize:
		return Decision{}, cerrors.SizeExceeded(in.Size, t.MaxSize)
	case !in.Environment.Supported():
		return Decision{types.StrategyFallback, ReasonEnvironmentCritical}, nil
	case in.Size > t.PrimaryMemoryLimit:
		return Decision{types.StrategyFallback, ReasonPrimaryMemoryLimit}, nil
	case in.Environment.Loopback:
		return Decision{types.StrategyFallback, ReasonLoopbackHost}, nil
	case in.LoadFailures >= t.MaxLoadFailures:
		return Decision{types.StrategyFallback, ReasonRepeatedLoadFailure}, nil
	default:
		return Decision{types.StrategyPrimary, ReasonDefault}, nil
	}
}
