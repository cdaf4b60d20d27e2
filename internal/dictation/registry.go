package dictation

import (
	"sync"
	"sync/atomic"
)

// RunRegistry tracks in-flight completion pipelines and supports graceful
// draining. When draining is enabled, new pipelines are rejected while
// in-flight ones finish.
//
// mu makes the draining check and wg.Add in Add atomic, so no Add can slip
// between StartDraining and Wait.
type RunRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRunRegistry creates a new RunRegistry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{}
}

// Add registers a pipeline. It returns false if the registry is draining.
func (r *RunRegistry) Add() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// Done marks a pipeline as finished. Must be called exactly once per
// successful Add.
func (r *RunRegistry) Done() {
	r.count.Add(-1)
	r.wg.Done()
}

// StartDraining makes future Add calls return false.
func (r *RunRegistry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *RunRegistry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of in-flight pipelines.
func (r *RunRegistry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every registered pipeline is done.
func (r *RunRegistry) Wait() {
	r.wg.Wait()
}
