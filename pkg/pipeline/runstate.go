package pipeline

import (
	"sync"
	"sync/atomic"
)

// Phase is the controller's position in the run lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseAffineRunning
	PhaseAffineLoaded
	PhaseAffineSkipped
	PhaseDeformableRunning
	PhaseDeformableLoaded
	PhaseFinalizing
)

var phaseNames = map[Phase]string{
	PhaseIdle:              "idle",
	PhasePreparing:         "preparing",
	PhaseAffineRunning:     "affine-running",
	PhaseAffineLoaded:      "affine-loaded",
	PhaseAffineSkipped:     "affine-skipped",
	PhaseDeformableRunning: "deformable-running",
	PhaseDeformableLoaded:  "deformable-loaded",
	PhaseFinalizing:        "finalizing",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// RunState tracks whether a run is active and whether the user asked to stop
// it. The flags are readable from any goroutine; Done is closed the moment
// cancel is requested so blocked stages can react.
type RunState struct {
	running         atomic.Bool
	cancelRequested atomic.Bool

	mu    sync.Mutex
	done  chan struct{}
	phase Phase

	// gen counts runs so a stale cancel cannot reach a later run
	gen uint64
}

// Snapshot is a point-in-time copy of a RunState.
type Snapshot struct {
	Running         bool
	CancelRequested bool
	Phase           Phase
}

// begin marks a run active. It returns false when one already is.
func (s *RunState) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}
	s.running.Store(true)
	s.cancelRequested.Store(false)
	s.done = make(chan struct{})
	s.gen++
	s.phase = PhaseIdle
	return true
}

// reset returns the state to (not running, no cancel) after every run.
func (s *RunState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running.Store(false)
	s.cancelRequested.Store(false)
	s.done = nil
	s.phase = PhaseIdle
}

// Cancel requests the active run to stop. It is a no-op when idle or when
// cancel was already requested.
func (s *RunState) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// cancelRun cancels only if gen is still the active run.
func (s *RunState) cancelRun(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancelLocked()
	}
}

func (s *RunState) cancelLocked() {
	if !s.running.Load() || s.cancelRequested.Load() {
		return
	}
	s.cancelRequested.Store(true)
	close(s.done)
}

// generation identifies the current or most recent run.
func (s *RunState) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Running reports whether a run is active.
func (s *RunState) Running() bool {
	return s.running.Load()
}

// CancelRequested reports whether the active run was asked to stop.
func (s *RunState) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// Done returns a channel closed when cancel is requested. It is nil, and so
// never ready, while idle.
func (s *RunState) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Phase returns the current phase.
func (s *RunState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *RunState) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

// Snapshot copies the state.
func (s *RunState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:         s.running.Load(),
		CancelRequested: s.cancelRequested.Load(),
		Phase:           s.phase,
	}
}
