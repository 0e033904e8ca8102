package supervisor

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/archive"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/metrics"
	"github.com/blockjoy/babel/internal/procrunner"
	"github.com/blockjoy/babel/internal/restart"
)

// runJobWhenReady waits for j's dependencies, then drives its attempt loop.
// Run as its own goroutine by StartJob so StartJob itself never blocks.
func (s *Supervisor) runJobWhenReady(parent context.Context, j *job) {
	if j.cfg.OneTime && j.snapshotStatus().Succeeded() {
		// One-time jobs with a successful terminal outcome never rerun,
		// even across supervisor restarts (§3).
		return
	}

	ok, err := s.waitReady(j)
	if err != nil {
		s.logger.Error("dependency resolution failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	if !ok {
		j.setStatus(jobstore.JobStatus{
			State:      jobstore.StateFinished,
			ExitCode:   -1,
			Message:    "dependency failed",
			FinishedAt: time.Now(),
			Attempt:    j.snapshotStatus().Attempt,
		})
		s.persistStatus(j)
		return
	}

	j.mu.Lock()
	j.restart = restart.New(j.cfg.Restart)
	j.status.Attempt = 0 // a new restart sequence numbers its attempts from 1
	j.mu.Unlock()

	s.attemptLoop(parent, j)
}

// attemptLoop runs j to completion, then consults its Restart Controller
// for the next action: terminal, or wait Delay and attempt again.
func (s *Supervisor) attemptLoop(parent context.Context, j *job) {
	for {
		ctx, cancel := context.WithCancel(parent)
		attempt := j.beginAttempt(cancel)
		if attempt > 1 {
			metrics.JobRestartsTotal.WithLabelValues(j.name).Inc()
		}
		j.restart.Start(time.Now())
		s.persistStatus(j)

		exitCode, message := s.runOnce(ctx, j)
		cancel()
		now := time.Now()

		if j.isStopRequested() {
			j.setStatus(jobstore.JobStatus{State: jobstore.StateStopped, FinishedAt: now, Attempt: j.snapshotStatus().Attempt})
			s.persistStatus(j)
			return
		}

		decision := j.restart.Exit(exitCode, now)
		switch decision.State {
		case restart.TerminalSuccess, restart.TerminalFailure:
			j.setStatus(jobstore.JobStatus{
				State: jobstore.StateFinished, ExitCode: exitCode, Message: message,
				FinishedAt: now, Attempt: j.snapshotStatus().Attempt,
			})
			s.persistStatus(j)
			return
		case restart.TerminalStopped:
			j.setStatus(jobstore.JobStatus{State: jobstore.StateStopped, FinishedAt: now, Attempt: j.snapshotStatus().Attempt})
			s.persistStatus(j)
			return
		}

		if decision.Restart {
			select {
			case <-time.After(decision.Delay):
			case <-parent.Done():
				return
			}
			if j.isStopRequested() {
				j.setStatus(jobstore.JobStatus{State: jobstore.StateStopped, FinishedAt: time.Now(), Attempt: j.snapshotStatus().Attempt})
				s.persistStatus(j)
				return
			}
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, j *job) (exitCode int, message string) {
	switch j.cfg.Kind {
	case jobstore.KindRunSh:
		return s.runShell(ctx, j)
	case jobstore.KindDownload:
		return s.runDownload(ctx, j)
	case jobstore.KindUpload:
		return s.runUpload(ctx, j)
	default:
		return -1, fmt.Sprintf("unknown job kind %q", j.cfg.Kind)
	}
}

func (s *Supervisor) runShell(ctx context.Context, j *job) (int, string) {
	cfg := j.cfg
	spec := procrunner.Spec{
		ShellBody:              cfg.ShellBody,
		Dir:                    s.protocolDataRoot,
		RunAs:                  cfg.RunAs,
		ShutdownSignal:         signalByName(cfg.ShutdownSignal),
		ShutdownTimeout:        time.Duration(cfg.ShutdownTimeoutSecs) * time.Second,
		LogBufferCapacityBytes: cfg.LogBufferCapacityMB * 1024 * 1024,
		LogTimestamp:           cfg.LogTimestamp,
	}

	handle, err := procrunner.Start(ctx, spec)
	if err != nil {
		return -1, fmt.Sprintf("spawn failed: %v", err)
	}
	j.attachHandle(handle)
	s.persistStatus(j)

	// use_protocol_data jobs create the lock before first child output is
	// accepted — approximated here as "immediately after a successful
	// spawn", since draining begins concurrently with Start returning
	// (§4.4: "crash still leaves lock set" is satisfied either way).
	if cfg.UseProtocolData {
		if err := s.lock.Create(); err != nil {
			s.logger.Error("create protocol-data lock failed", zap.String("job", j.name), zap.Error(err))
		}
	}

	result, err := handle.Wait(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return result.ExitCode, err.Error()
	}
	return result.ExitCode, ""
}

func (s *Supervisor) runDownload(ctx context.Context, j *job) (int, string) {
	cfg := j.cfg
	if cfg.UseProtocolData {
		exists, err := s.lock.Exists()
		if err != nil {
			return -1, err.Error()
		}
		if exists {
			// Cold-init short-circuit: the lock is checked BEFORE any
			// download work and a present lock means the tree is already
			// populated (§4.4).
			return 0, "protocol data already populated"
		}
	}

	dcfg := archive.DownloadConfig{DestRoot: s.protocolDataRoot}
	if cfg.Download != nil {
		dcfg.ArchiveID = cfg.Download.ArchiveID
		dcfg.DataVersion = cfg.Download.DataVersion
		dcfg.MaxConnections = cfg.Download.MaxConnections
		dcfg.MaxRunners = cfg.Download.MaxRunners
	}

	ckpt := archive.NewCheckpointStore(s.jobArchiveDir(j.name))
	dl := archive.NewDownloader(dcfg, s.cp, ckpt, s.logger.Named("archive.download"))

	if err := dl.Run(ctx); err != nil {
		return 1, err.Error()
	}
	if cfg.UseProtocolData {
		if err := s.lock.Create(); err != nil {
			s.logger.Error("create protocol-data lock failed", zap.String("job", j.name), zap.Error(err))
		}
	}
	return 0, ""
}

func (s *Supervisor) runUpload(ctx context.Context, j *job) (int, string) {
	cfg := j.cfg
	ucfg := archive.UploadConfig{SourceRoot: s.protocolDataRoot}
	if cfg.Upload != nil {
		ucfg.ArchiveID = cfg.Upload.ArchiveID
		ucfg.Exclude = cfg.Upload.Exclude
		ucfg.Compression = cfg.Upload.Compression
		ucfg.MaxConnections = cfg.Upload.MaxConnections
		ucfg.MaxRunners = cfg.Upload.MaxRunners
		ucfg.NumberOfChunks = cfg.Upload.NumberOfChunks
		ucfg.DataVersion = cfg.Upload.DataVersion
	}

	up := archive.NewUploader(ucfg, s.cp, s.logger.Named("archive.upload"))
	if err := up.Run(ctx); err != nil {
		return 1, err.Error()
	}
	return 0, ""
}

func (s *Supervisor) jobArchiveDir(name string) string {
	return s.protocolDataRoot + "/.babel_jobs/" + name
}

// signalByName maps the config schema's shutdown_signal string (§4.7) to a
// syscall.Signal. Unrecognized names fall back to SIGTERM, the documented
// default.
func signalByName(name string) syscall.Signal {
	switch name {
	case "SIGINT":
		return syscall.SIGINT
	case "SIGKILL":
		return syscall.SIGKILL
	case "SIGHUP":
		return syscall.SIGHUP
	case "SIGQUIT":
		return syscall.SIGQUIT
	default:
		return syscall.SIGTERM
	}
}

// signalReattached delivers SIGTERM-class shutdown to a process this
// supervisor instance reattached to after a restart but never spawned
// itself (no procrunner.Handle, so no process-group signal is possible —
// only the bare PID is known).
func signalReattached(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("supervisor: signal reattached pid %d: %w", pid, err)
	}
	return nil
}
