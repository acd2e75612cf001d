// Package progress tracks the single phase/percentage state shown while a
// file is being compressed.
package progress

import (
	"sync"
)

// Phase is a coarse pipeline stage. Phases only move forward.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseCompressing  Phase = "compressing"
	PhaseFinalizing   Phase = "finalizing"
)

var phaseOrder = map[Phase]int{
	PhaseInitializing: 0,
	PhaseAnalyzing:    1,
	PhaseCompressing:  2,
	PhaseFinalizing:   3,
}

// Band is the percentage range a phase occupies
type Band struct {
	Start, End float64
}

// Bands per phase. Loading, staging and read-back each own part of the bar so
// the compressing band never has to jump backwards.
var Bands = map[Phase]Band{
	PhaseInitializing: {0, 10},
	PhaseAnalyzing:    {10, 20},
	PhaseCompressing:  {20, 90},
	PhaseFinalizing:   {90, 100},
}

// Map converts a 0..1 fraction of a phase into an overall percentage
func Map(phase Phase, fraction float64) float64 {
	b := Bands[phase]
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return b.Start + (b.End-b.Start)*fraction
}

// State is a snapshot of progress
type State struct {
	Phase   Phase   `json:"phase"`
	Percent float64 `json:"percent"`
}

// Listener receives every accepted update
type Listener func(State)

// Reporter holds the current State. It has one writer (the active engine) and
// any number of readers. Updates that would move backwards are dropped.
type Reporter struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
}

// NewReporter creates a reporter in the initializing phase
func NewReporter() *Reporter {
	return &Reporter{
		state:     State{Phase: PhaseInitializing},
		listeners: make(map[int]Listener),
	}
}

// Reset returns to initializing/0 at the start of a call
func (r *Reporter) Reset() {
	r.mu.Lock()
	r.state = State{Phase: PhaseInitializing}
	s := r.state
	ls := r.snapshotListeners()
	r.mu.Unlock()

	notify(ls, s)
}

// Update moves to (phase, percent). It returns false when the update was
// dropped because it would regress the phase or the percentage.
func (r *Reporter) Update(phase Phase, percent float64) bool {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	r.mu.Lock()
	cur := r.state
	if phaseOrder[phase] < phaseOrder[cur.Phase] {
		r.mu.Unlock()
		return false
	}
	if phase == cur.Phase && percent < cur.Percent {
		r.mu.Unlock()
		return false
	}
	// a later phase never shows a lower overall percentage either
	if percent < cur.Percent {
		percent = cur.Percent
	}
	r.state = State{Phase: phase, Percent: percent}
	s := r.state
	ls := r.snapshotListeners()
	r.mu.Unlock()

	notify(ls, s)
	return true
}

// Advance maps a fraction of phase into its band and applies it
func (r *Reporter) Advance(phase Phase, fraction float64) bool {
	return r.Update(phase, Map(phase, fraction))
}

// Snapshot returns the current state
func (r *Reporter) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe registers a listener and returns a function that removes it
func (r *Reporter) Subscribe(fn Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Reporter) snapshotListeners() []Listener {
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	return ls
}

func notify(ls []Listener, s State) {
	for _, l := range ls {
		l(s)
	}
}
