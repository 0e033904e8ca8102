package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/jobstore"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	store := jobstore.New(t.TempDir())
	cp := controlplane.New("http://127.0.0.1:0", zap.NewNop())
	return New(store, cp, t.TempDir(), zap.NewNop())
}

func waitForState(t *testing.T, s *Supervisor, name string, want jobstore.JobState, timeout time.Duration) jobstore.JobStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := s.JobStatus(name)
		require.NoError(t, err)
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", name, want)
	return jobstore.JobStatus{}
}

func TestRunShOneShotSuccess(t *testing.T) {
	s := newTestSupervisor(t)
	cfg := jobstore.Job{
		Name:      "ok",
		Kind:      jobstore.KindRunSh,
		ShellBody: "exit 0",
		Restart:   jobstore.RestartPolicy{Mode: jobstore.RestartNever},
		OneTime:   true,
	}
	require.NoError(t, s.CreateJob(cfg))
	require.NoError(t, s.StartJob(context.Background(), "ok"))

	st := waitForState(t, s, "ok", jobstore.StateFinished, 2*time.Second)
	require.Equal(t, 0, st.ExitCode)
	require.True(t, st.Succeeded())
}

func TestRunShFailureIsTerminalUnderNever(t *testing.T) {
	s := newTestSupervisor(t)
	cfg := jobstore.Job{
		Name:      "fails",
		Kind:      jobstore.KindRunSh,
		ShellBody: "exit 7",
		Restart:   jobstore.RestartPolicy{Mode: jobstore.RestartNever},
	}
	require.NoError(t, s.CreateJob(cfg))
	require.NoError(t, s.StartJob(context.Background(), "fails"))

	st := waitForState(t, s, "fails", jobstore.StateFinished, 2*time.Second)
	require.Equal(t, 7, st.ExitCode)
	require.False(t, st.Succeeded())
}

func TestRunShRestartsOnFailureWithBackoff(t *testing.T) {
	s := newTestSupervisor(t)
	cfg := jobstore.Job{
		Name:      "retry",
		Kind:      jobstore.KindRunSh,
		ShellBody: "exit 1",
		Restart: jobstore.RestartPolicy{
			Mode:    jobstore.RestartOnFailure,
			Backoff: jobstore.Backoff{BaseMS: 10, TimeoutMS: 10000, MaxRetries: 2},
		},
	}
	require.NoError(t, s.CreateJob(cfg))
	require.NoError(t, s.StartJob(context.Background(), "retry"))

	st := waitForState(t, s, "retry", jobstore.StateFinished, 2*time.Second)
	require.Equal(t, 1, st.ExitCode)
	require.False(t, st.Succeeded())
}

func TestStopJobIsIdempotentOnPendingJob(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.CreateJob(jobstore.Job{Name: "idle", Kind: jobstore.KindRunSh, ShellBody: "true"}))
	require.NoError(t, s.StopJob(context.Background(), "idle"))
}

func TestStopJobGracefullyShutsDownRunningShell(t *testing.T) {
	s := newTestSupervisor(t)
	cfg := jobstore.Job{
		Name:                "long",
		Kind:                jobstore.KindRunSh,
		ShellBody:           "trap 'exit 0' TERM; sleep 5 & wait",
		Restart:             jobstore.RestartPolicy{Mode: jobstore.RestartNever},
		ShutdownTimeoutSecs: 5,
	}
	require.NoError(t, s.CreateJob(cfg))
	require.NoError(t, s.StartJob(context.Background(), "long"))

	waitForState(t, s, "long", jobstore.StateRunning, 2*time.Second)
	require.NoError(t, s.StopJob(context.Background(), "long"))

	st := waitForState(t, s, "long", jobstore.StateStopped, 3*time.Second)
	require.Equal(t, jobstore.StateStopped, st.State)
}

func TestNeedsPropagatesDependencyFailure(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.CreateJob(jobstore.Job{Name: "pre", Kind: jobstore.KindRunSh, ShellBody: "exit 1", Restart: jobstore.RestartPolicy{Mode: jobstore.RestartNever}}))
	require.NoError(t, s.CreateJob(jobstore.Job{Name: "dependent", Kind: jobstore.KindRunSh, ShellBody: "true", Needs: []string{"pre"}}))

	require.NoError(t, s.StartJob(context.Background(), "pre"))
	require.NoError(t, s.StartJob(context.Background(), "dependent"))

	st := waitForState(t, s, "dependent", jobstore.StateFinished, 2*time.Second)
	require.Equal(t, -1, st.ExitCode)
	require.Equal(t, "dependency failed", st.Message)
}

func TestWaitForUnblocksOnStopped(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.CreateJob(jobstore.Job{
		Name: "pre", Kind: jobstore.KindRunSh, ShellBody: "trap 'exit 0' TERM; sleep 5 & wait",
		Restart: jobstore.RestartPolicy{Mode: jobstore.RestartNever}, ShutdownTimeoutSecs: 5,
	}))
	require.NoError(t, s.CreateJob(jobstore.Job{Name: "waiter", Kind: jobstore.KindRunSh, ShellBody: "true", WaitFor: []string{"pre"}}))

	require.NoError(t, s.StartJob(context.Background(), "pre"))
	require.NoError(t, s.StartJob(context.Background(), "waiter"))

	waitForState(t, s, "pre", jobstore.StateRunning, 2*time.Second)
	require.NoError(t, s.StopJob(context.Background(), "pre"))
	waitForState(t, s, "pre", jobstore.StateStopped, 3*time.Second)

	st := waitForState(t, s, "waiter", jobstore.StateFinished, 2*time.Second)
	require.True(t, st.Succeeded())
}

func TestStartJobUnknownDependencyFails(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.CreateJob(jobstore.Job{Name: "orphan", Kind: jobstore.KindRunSh, ShellBody: "true", Needs: []string{"ghost"}}))

	err := s.StartJob(context.Background(), "orphan")
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestCreateJobRejectsNameInUseWhileRunning(t *testing.T) {
	s := newTestSupervisor(t)
	cfg := jobstore.Job{Name: "busy", Kind: jobstore.KindRunSh, ShellBody: "sleep 5", Restart: jobstore.RestartPolicy{Mode: jobstore.RestartNever}}
	require.NoError(t, s.CreateJob(cfg))
	require.NoError(t, s.StartJob(context.Background(), "busy"))
	waitForState(t, s, "busy", jobstore.StateRunning, 2*time.Second)

	err := s.CreateJob(cfg)
	require.ErrorIs(t, err, ErrNameInUse)

	require.NoError(t, s.StopJob(context.Background(), "busy"))
}
