package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/procrunner"
	"github.com/blockjoy/babel/internal/restart"
)

// job is the Supervisor's in-memory handle for one named unit of work: its
// declared config, current status, the restart controller driving its
// backoff schedule, and (while running) either a procrunner.Handle (run_sh)
// or a cancelFunc (download/upload, which run as in-process goroutines
// rather than child processes).
//
// Each job carries its own mutex+cond, matching connection/manager.go's
// narrow-scope mu (guarding only local fields, never held across a
// suspension point) rather than one lock for the whole table.
type job struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	cfg    jobstore.Job
	status jobstore.JobStatus

	restart *restart.Controller

	handle        *procrunner.Handle // set while a run_sh attempt is live
	cancel        func()             // set by beginAttempt for every attempt; cancels its context
	reattachedPID int                // set by Reconcile for a live process with no local Handle

	stopRequested bool
}

func newJob(cfg jobstore.Job) *job {
	j := &job{name: cfg.Name, cfg: cfg, status: jobstore.JobStatus{State: jobstore.StatePending}}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// setStatus updates status under lock and wakes every waiter (dependents
// blocked in waitTerminal).
func (j *job) setStatus(st jobstore.JobStatus) {
	j.mu.Lock()
	j.status = st
	j.mu.Unlock()
	j.cond.Broadcast()
}

func (j *job) snapshotStatus() jobstore.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// waitTerminal blocks until the job reaches a terminal status and returns
// it. Dependency waits are expected to be bounded by the daemon's own
// lifetime rather than a per-call deadline, matching the rest of the
// corpus's preference for long-lived broadcast waits over cancellable ones.
func (j *job) waitTerminal() jobstore.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	for !j.status.Terminal() {
		j.cond.Wait()
	}
	return j.status
}

func (j *job) markStopRequested() (wasRunning bool, handle *procrunner.Handle, cancel func(), reattached int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopRequested = true
	return j.status.State == jobstore.StateRunning, j.handle, j.cancel, j.reattachedPID
}

func (j *job) isStopRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopRequested
}

func (j *job) beginAttempt(cancel func()) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
	j.handle = nil
	j.reattachedPID = 0
	attempt := j.status.Attempt + 1
	j.status = jobstore.JobStatus{
		State:     jobstore.StateRunning,
		StartedAt: time.Now(),
		Attempt:   attempt,
		AttemptID: uuid.NewString(),
	}
	return attempt
}

func (j *job) attachHandle(h *procrunner.Handle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handle = h
	j.status.PID = h.PID()
}
