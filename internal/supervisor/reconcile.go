package supervisor

import (
	"context"
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/restart"
)

// Reconcile loads every persisted job at startup and restores the
// Supervisor's in-memory table (§4.4): a persisted Running job whose PID is
// still alive is reattached (best-effort — log draining cannot resume
// without the original pipes, only liveness and shutdown-signal delivery
// are recovered); everything else is treated as lost, reported
// Finished{-1,"lost"}, and handed to the restart policy as if a crash had
// just occurred.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	names, err := s.store.ListNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		cfg, err := s.store.LoadConfig(name)
		if err != nil {
			s.logger.Error("reconcile: load config failed", zap.String("job", name), zap.Error(err))
			continue
		}
		cfg.Defaults()

		status, err := s.store.LoadStatus(name)
		if err != nil {
			if errors.Is(err, jobstore.ErrNotExist) || errors.Is(err, jobstore.ErrStateCorrupt) {
				status = jobstore.JobStatus{State: jobstore.StatePending}
			} else {
				return err
			}
		}

		j := newJob(cfg)
		j.status = status

		s.mu.Lock()
		s.jobs[name] = j
		s.mu.Unlock()

		if status.State != jobstore.StateRunning {
			continue
		}
		s.reconcileRunning(ctx, j)
	}
	return nil
}

func (s *Supervisor) reconcileRunning(ctx context.Context, j *job) {
	if processAlive(j.status.PID) {
		j.mu.Lock()
		j.reattachedPID = j.status.PID
		j.restart = restart.New(j.cfg.Restart)
		j.mu.Unlock()
		s.logger.Info("reattached live job", zap.String("job", j.name), zap.Int("pid", j.status.PID))
		return
	}

	now := time.Now()
	j.setStatus(jobstore.JobStatus{State: jobstore.StateFinished, ExitCode: -1, Message: "lost", FinishedAt: now, Attempt: j.status.Attempt})
	s.persistStatus(j)

	// Per the documented Open Question resolution: a crash during a Running
	// non-one-time job is reconciled with no up-time credit — the very next
	// restart attempt (if any) uses the base delay for n=1, identical to an
	// observed crash at t=0.
	if j.cfg.OneTime {
		return
	}

	j.mu.Lock()
	j.restart = restart.New(j.cfg.Restart)
	j.mu.Unlock()
	j.restart.Start(now)
	decision := j.restart.Exit(-1, now)
	if !decision.Restart {
		return
	}

	go func() {
		select {
		case <-time.After(decision.Delay):
		case <-ctx.Done():
			return
		}
		s.attemptLoop(ctx, j)
	}()
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs no delivery, only existence/permission checks —
	// the standard POSIX liveness probe.
	err := syscall.Kill(pid, 0)
	return err == nil
}
