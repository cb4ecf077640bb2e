// Package memory provides an in-process dispatch substrate. It backs unit
// tests that exercise crash-and-resume behavior, and doubles as the substrate
// for single-process development mode where Kafka and Postgres are overkill.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
)

// snapshot is the persisted form of a run. Reconstructing through the domain
// constructor on every read means a caller can never observe or mutate live
// aggregate state, the same isolation a real database gives.
type snapshot struct {
	run   *pipeline.Run
	lane  pipeline.Lane
	input []byte
}

// Substrate is an in-memory RunRepository, RunStarter and RunHistory.
type Substrate struct {
	mu      sync.RWMutex
	runs    map[string]snapshot
	pending []dispatch
}

type dispatch struct {
	ID    string
	Lane  pipeline.Lane
	Input []byte
}

var (
	_ pipeline.RunRepository = (*Substrate)(nil)
	_ pipeline.RunStarter    = (*Substrate)(nil)
	_ pipeline.RunHistory    = (*Substrate)(nil)
)

// NewSubstrate creates an empty in-memory substrate.
func NewSubstrate() *Substrate {
	return &Substrate{runs: make(map[string]snapshot)}
}

// CreateRun records a new run. Returns ErrRunExists for a known identity.
func (s *Substrate) CreateRun(_ context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID()]; ok {
		return pipeline.ErrRunExists
	}
	s.runs[run.ID()] = snapshot{run: clone(run), lane: run.Lane(), input: run.CapturedInput()}
	return nil
}

// UpdateRun replaces the stored state for a known run.
func (s *Substrate) UpdateRun(_ context.Context, run *pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.runs[run.ID()]
	if !ok {
		return fmt.Errorf("updating run %s: %w", run.ID(), pipeline.ErrRunNotFound)
	}
	s.runs[run.ID()] = snapshot{run: clone(run), lane: prev.lane, input: prev.input}
	return nil
}

// GetRun loads a run by identity.
func (s *Substrate) GetRun(_ context.Context, id string) (*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.runs[id]
	if !ok {
		return nil, pipeline.ErrRunNotFound
	}
	return clone(snap.run), nil
}

// ListRuns returns runs matching the filter in unspecified order.
func (s *Substrate) ListRuns(_ context.Context, filter pipeline.RunFilter) ([]*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*pipeline.Run
	for _, snap := range s.runs {
		r := snap.run
		if filter.Status != "" && r.Status() != filter.Status {
			continue
		}
		if filter.Lane != "" && r.Lane() != filter.Lane {
			continue
		}
		if filter.RestartRequired != nil && r.RestartRequired() != *filter.RestartRequired {
			continue
		}
		out = append(out, clone(r))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// StartRun enqueues a dispatch under the given identity. Execution is pulled
// by the owner of the substrate (tests, or the dev-mode worker loop).
func (s *Substrate) StartRun(_ context.Context, id string, lane pipeline.Lane, input []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, dispatch{ID: id, Lane: lane, Input: input})
	return nil
}

// NextDispatch pops the oldest pending dispatch, if any.
func (s *Substrate) NextDispatch() (id string, lane pipeline.Lane, input []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return "", "", nil, false
	}
	d := s.pending[0]
	s.pending = s.pending[1:]
	return d.ID, d.Lane, d.Input, true
}

// RunInput retrieves the captured request bytes recorded at creation.
func (s *Substrate) RunInput(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.runs[id]
	if !ok {
		return nil, pipeline.ErrRunNotFound
	}
	return snap.input, nil
}

// clone round-trips a run through its persisted representation so stored and
// returned aggregates never share mutable state.
func clone(r *pipeline.Run) *pipeline.Run {
	meta := maps.Clone(r.Metadata())

	var result *pipeline.Result
	if res := r.Result(); res != nil {
		c := *res
		result = &c
	}

	cloned, err := pipeline.ReconstructRun(
		r.ID(),
		r.AttemptID(),
		r.Lane(),
		r.WorkspacePath(),
		r.CapturedInput(),
		r.Status(),
		r.Succeeded(),
		r.Classification(),
		r.RestartRequired(),
		result,
		meta,
		r.StartTime(),
		r.EndTime(),
	)
	if err != nil {
		// CapturedInput was produced by Marshal at creation; if it no longer
		// decodes the substrate itself is corrupt.
		panic(fmt.Sprintf("cloning run %s: %v", r.ID(), err))
	}
	return cloned
}
