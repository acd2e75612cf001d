// Package errors provides structured error handling for the compression module.
// Every failure carries a machine-readable Kind and a human-readable message so
// callers can both branch on the failure and show something useful to a user.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a compression failure
type Kind string

const (
	// KindEnvironmentUnsupported means the host cannot run any engine
	KindEnvironmentUnsupported Kind = "environment_unsupported"
	// KindSizeExceeded means the input is above the hard ceiling
	KindSizeExceeded Kind = "size_exceeded"
	// KindAssetLoadFailed means no redundant asset source produced a working engine
	KindAssetLoadFailed Kind = "asset_load_failed"
	// KindEngineLoadTimeout means an asset fetch or engine init timed out
	KindEngineLoadTimeout Kind = "engine_load_timeout"
	// KindExecTimeout means the encode did not finish in time
	KindExecTimeout Kind = "exec_timeout"
	// KindEngineExecFailed is the generic encode failure
	KindEngineExecFailed Kind = "engine_exec_failed"
	// KindEngineAborted means the engine process was forcibly terminated
	KindEngineAborted Kind = "engine_aborted"
	// KindEmptyOutput means an engine finished but produced no bytes
	KindEmptyOutput Kind = "empty_output"
	// KindMemoryExhausted means the engine ran out of memory
	KindMemoryExhausted Kind = "memory_exhausted"
	// KindInvalidInput means the source media is unusable
	KindInvalidInput Kind = "invalid_input"
)

// Sentinel errors for common scenarios
var (
	ErrNoSources     = errors.New("no engine asset sources configured")
	ErrNotLoaded     = errors.New("engine not loaded")
	ErrSessionBusy   = errors.New("engine session already in use")
	ErrDisposed      = errors.New("engine session disposed")
	ErrTimeout       = errors.New("operation timed out")
	ErrEmptyOutput   = errors.New("encoder produced no output")
	ErrNoCodec       = errors.New("no supported stream encoder type")
	ErrPlaybackError = errors.New("playback surface failed")
)

// CompressionError provides structured error information with context
type CompressionError struct {
	Kind    Kind                   // Error classification
	Op      string                 // Operation that failed (e.g. "load", "exec")
	Message string                 // Human-readable summary
	Err     error                  // Underlying error
	Details map[string]interface{} // Additional context
}

// Error implements the error interface
func (e *CompressionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *CompressionError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value detail to the error
func (e *CompressionError) WithDetail(key string, value interface{}) *CompressionError {
	e.Details[key] = value
	return e
}

// UserMessage returns text suitable for showing to the person who picked the file.
func (e *CompressionError) UserMessage() string {
	switch e.Kind {
	case KindEnvironmentUnsupported:
		return "This device can't compress video. Try a different browser or device."
	case KindSizeExceeded:
		return "This video is too large. Please choose a file under 2 GB."
	case KindAssetLoadFailed, KindEngineLoadTimeout:
		return "The video compressor could not be loaded. Check your connection and try again."
	case KindExecTimeout:
		return "Compression took too long. Try a shorter clip."
	case KindMemoryExhausted:
		return "Ran out of memory while compressing. Try a shorter clip or close other apps."
	case KindEngineAborted:
		return "Compression was interrupted. Please try again."
	case KindEmptyOutput:
		return "Compression produced an empty video. Please try again with a different file."
	case KindInvalidInput:
		return "This file doesn't look like a playable video."
	default:
		return "Video compression failed. Please try again."
	}
}

// New creates a new CompressionError
func New(kind Kind, op, message string, err error) *CompressionError {
	return &CompressionError{
		Kind:    kind,
		Op:      op,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// SizeExceeded creates the error returned for inputs at or above the ceiling
func SizeExceeded(size, limit int64) *CompressionError {
	return New(KindSizeExceeded, "select_strategy",
		fmt.Sprintf("file size %d exceeds maximum %d", size, limit), nil).
		WithDetail("size", size).
		WithDetail("limit", limit)
}

// EmptyOutput creates the error returned when an engine produced zero bytes
func EmptyOutput(op string) *CompressionError {
	return New(KindEmptyOutput, op, "encoded output is empty", ErrEmptyOutput)
}

// Wrap wraps an error with kind and operation if it's not already a CompressionError
func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}

	var cErr *CompressionError
	if errors.As(err, &cErr) {
		return err
	}

	return New(kind, op, "", err)
}

// GetKind extracts the kind from an error
func GetKind(err error) Kind {
	var cErr *CompressionError
	if errors.As(err, &cErr) {
		return cErr.Kind
	}
	return KindEngineExecFailed
}

// IsKind reports whether err is a CompressionError of the given kind
func IsKind(err error, kind Kind) bool {
	var cErr *CompressionError
	return errors.As(err, &cErr) && cErr.Kind == kind
}

var memoryPatterns = []string{
	"cannot allocate memory",
	"out of memory",
	"(oom)",
	"oom-kill",
	"memory access out of bounds",
	"std::bad_alloc",
	"failed to allocate",
}

var abortPatterns = []string{
	"signal: killed",
	"signal: terminated",
	"signal: aborted",
	"exit status 137",
	"exit status 143",
	"aborted()",
}

// Classify maps an engine failure to the most specific kind that its error text
// and diagnostic output support. Memory exhaustion wins over forced termination
// because an OOM kill shows up as both.
func Classify(op string, err error, diagnostics string) *CompressionError {
	if err == nil {
		return nil
	}

	var cErr *CompressionError
	if errors.As(err, &cErr) {
		return cErr
	}

	haystack := strings.ToLower(err.Error() + "\n" + diagnostics)

	for _, p := range memoryPatterns {
		if strings.Contains(haystack, p) {
			return New(KindMemoryExhausted, op, "engine ran out of memory", err)
		}
	}
	for _, p := range abortPatterns {
		if strings.Contains(haystack, p) {
			return New(KindEngineAborted, op, "engine was terminated", err)
		}
	}
	if errors.Is(err, ErrTimeout) {
		return New(KindExecTimeout, op, "engine execution timed out", err)
	}

	return New(KindEngineExecFailed, op, "engine execution failed", err)
}

// specificity ranks kinds for MostSpecific; higher is more specific.
var specificity = map[Kind]int{
	KindEmptyOutput:            9,
	KindMemoryExhausted:        8,
	KindEngineAborted:          7,
	KindExecTimeout:            6,
	KindEngineLoadTimeout:      5,
	KindEnvironmentUnsupported: 4,
	KindAssetLoadFailed:        3,
	KindInvalidInput:           2,
	KindEngineExecFailed:       1,
}

// MostSpecific returns the error whose kind carries the most information.
// Ties keep the earliest error. Nil errors are skipped.
func MostSpecific(errs ...error) error {
	var best error
	bestRank := -1
	for _, err := range errs {
		if err == nil {
			continue
		}
		rank := specificity[GetKind(err)]
		if rank > bestRank {
			best = err
			bestRank = rank
		}
	}
	return best
}
