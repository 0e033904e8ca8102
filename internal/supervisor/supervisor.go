// Package supervisor implements the Job Supervisor (§4.4): it owns the
// named-job table for the node's lifetime, dispatches each job to the
// Process Runner or the Archive Engine depending on its kind, drives the
// Restart Controller's backoff decisions, and enforces needs/wait_for
// dependency ordering and the Protocol-Data Lock handshake.
//
// Grounded on agent/internal/executor/executor.go's dispatcher shape
// (queue + single Run loop + non-blocking Enqueue) generalized from "one
// sequential job at a time" to a table of independently scheduled named
// jobs, and on agent/internal/connection/manager.go's register/reconnect
// pattern for the startup reconciliation walk.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/metrics"
	"github.com/blockjoy/babel/internal/protocolock"
)

var (
	// ErrNameInUse is returned by CreateJob when a job of that name is
	// currently Running (§4.4: "NameInUse if a job of that name is Running").
	ErrNameInUse = errors.New("supervisor: job name in use")
	// ErrUnknownDependency is returned when a needs/wait_for predecessor has
	// no corresponding job.
	ErrUnknownDependency = errors.New("supervisor: unknown dependency")
	// ErrNotFound is returned by operations addressing a job name that was
	// never created.
	ErrNotFound = errors.New("supervisor: job not found")
)

// Supervisor owns every named job for the lifetime of the node process.
type Supervisor struct {
	store  *jobstore.Store
	cp     *controlplane.Client
	lock   *protocolock.Lock
	logger *zap.Logger

	protocolDataRoot string

	// mu guards only jobs table membership, never held across a suspension
	// point, matching connection/manager.go's narrow-scope mu.
	mu   sync.Mutex
	jobs map[string]*job
}

// New constructs a Supervisor. protocolDataRoot is the directory the
// Protocol-Data Lock sentinel and download/upload jobs operate under.
func New(store *jobstore.Store, cp *controlplane.Client, protocolDataRoot string, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		store:            store,
		cp:               cp,
		lock:             protocolock.New(protocolDataRoot),
		protocolDataRoot: protocolDataRoot,
		logger:           logger.Named("supervisor"),
		jobs:             make(map[string]*job),
	}
}

func (s *Supervisor) lookup(name string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	return j, ok
}

// CreateJob persists cfg in Pending. Duplicate names replace the previous
// definition iff the previous is not Running (§3).
func (s *Supervisor) CreateJob(cfg jobstore.Job) error {
	cfg.Defaults()

	s.mu.Lock()
	if existing, ok := s.jobs[cfg.Name]; ok {
		if existing.snapshotStatus().State == jobstore.StateRunning {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNameInUse, cfg.Name)
		}
	}
	nj := newJob(cfg)
	s.jobs[cfg.Name] = nj
	s.mu.Unlock()

	if err := s.store.SaveConfig(cfg); err != nil {
		return err
	}
	return s.store.SaveStatus(cfg.Name, jobstore.JobStatus{State: jobstore.StatePending})
}

// StartJob schedules name once its needs are Finished{0} and its wait_for
// are terminal. Returns ErrUnknownDependency immediately if a named
// predecessor does not exist; the wait itself happens asynchronously.
func (s *Supervisor) StartJob(ctx context.Context, name string) error {
	j, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	for _, dep := range append(append([]string{}, j.cfg.Needs...), j.cfg.WaitFor...) {
		if _, ok := s.lookup(dep); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	go s.runJobWhenReady(ctx, j)
	return nil
}

// StopJob requests a Running job stop; idempotent for jobs already
// terminal or pending (§4.4: "stop_job(name) — idempotent").
func (s *Supervisor) StopJob(ctx context.Context, name string) error {
	j, ok := s.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	wasRunning, handle, cancel, reattachedPID := j.markStopRequested()
	if !wasRunning {
		return nil
	}

	switch {
	case handle != nil:
		if err := handle.Shutdown(ctx); err != nil {
			s.logger.Warn("job unresponsive on shutdown", zap.String("job", name), zap.Error(err))
			return err
		}
		return nil
	case reattachedPID != 0:
		return signalReattached(reattachedPID)
	case cancel != nil:
		cancel()
		return nil
	default:
		return nil
	}
}

// JobStatus returns the current status for name.
func (s *Supervisor) JobStatus(name string) (jobstore.JobStatus, error) {
	j, ok := s.lookup(name)
	if !ok {
		return jobstore.JobStatus{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return j.snapshotStatus(), nil
}

// ListJobs returns every known job name, sorted.
func (s *Supervisor) ListJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// waitReady blocks until every needs predecessor has succeeded and every
// wait_for predecessor has reached any terminal state. It returns ok=false
// (not an error) when a needs predecessor failed — the caller must then
// propagate that failure to the dependent without starting it (§4.4).
func (s *Supervisor) waitReady(j *job) (ok bool, err error) {
	for _, dep := range j.cfg.Needs {
		depJob, found := s.lookup(dep)
		if !found {
			return false, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
		if st := depJob.waitTerminal(); !st.Succeeded() {
			return false, nil
		}
	}
	for _, dep := range j.cfg.WaitFor {
		depJob, found := s.lookup(dep)
		if !found {
			return false, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
		depJob.waitTerminal() // any terminal status satisfies wait_for
	}
	return true, nil
}

func (s *Supervisor) persistStatus(j *job) {
	status := j.snapshotStatus()
	if err := s.store.SaveStatus(j.name, status); err != nil {
		s.logger.Error("persist status failed", zap.String("job", j.name), zap.Error(err))
	}
	s.recordStateMetrics(j.name, status)
}

// recordStateMetrics refreshes the jobs-by-state gauge from the live job
// table and records the job's exit code when it has one. The gauge is
// recomputed from scratch rather than incremented/decremented in place
// because a job can move directly between non-adjacent states (e.g.
// Pending to Finished on dependency failure) and per-transition deltas
// would drift.
func (s *Supervisor) recordStateMetrics(name string, status jobstore.JobStatus) {
	s.mu.Lock()
	counts := make(map[jobstore.JobState]float64, 4)
	for _, j := range s.jobs {
		counts[j.snapshotStatus().State]++
	}
	s.mu.Unlock()

	for _, state := range []jobstore.JobState{jobstore.StatePending, jobstore.StateRunning, jobstore.StateFinished, jobstore.StateStopped} {
		metrics.JobsByState.WithLabelValues(string(state)).Set(counts[state])
	}
	if status.State == jobstore.StateFinished {
		metrics.JobExitCode.WithLabelValues(name).Set(float64(status.ExitCode))
	}
}
