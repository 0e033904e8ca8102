package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/supervisor"
)

// JobSpec mirrors the config schema table (§4.7): job_type.{run_sh,
// download, upload}, restart, shutdown_timeout_secs, shutdown_signal,
// needs, wait_for, run_as, log_buffer_capacity_mb, log_timestamp,
// one_time, use_protocol_data. Decoded with DisallowUnknownFields so a
// plugin typo surfaces as SchemaError rather than a silently-ignored key.
type JobSpec struct {
	Name                string              `json:"name"`
	JobType             JobTypeSpec         `json:"job_type"`
	Restart             RestartSpec         `json:"restart"`
	ShutdownTimeoutSecs int                 `json:"shutdown_timeout_secs,omitempty"`
	ShutdownSignal      string              `json:"shutdown_signal,omitempty"`
	Needs               []string            `json:"needs,omitempty"`
	WaitFor             []string            `json:"wait_for,omitempty"`
	RunAs               string              `json:"run_as,omitempty"`
	LogBufferCapacityMB int                 `json:"log_buffer_capacity_mb,omitempty"`
	LogTimestamp        bool                `json:"log_timestamp,omitempty"`
	OneTime             bool                `json:"one_time,omitempty"`
	UseProtocolData     bool                `json:"use_protocol_data,omitempty"`
}

// JobTypeSpec is the tagged job_type union — exactly one of RunSh,
// Download, Upload should be set; CreateJob rejects zero or multiple.
type JobTypeSpec struct {
	RunSh    *RunShJobSpec           `json:"run_sh,omitempty"`
	Download *jobstore.DownloadConfig `json:"download,omitempty"`
	Upload   *jobstore.UploadConfig   `json:"upload,omitempty"`
}

// RunShJobSpec is job_type.run_sh's body.
type RunShJobSpec struct {
	Body string `json:"body"`
}

// RestartSpec mirrors jobstore.RestartPolicy at the wire layer.
type RestartSpec struct {
	Mode    string          `json:"mode"`
	Backoff jobstore.Backoff `json:"backoff,omitempty"`
}

// CreateJob validates and persists a new job definition.
func (b *Bridge) CreateJob(raw []byte) error {
	var spec JobSpec
	if err := decodeStrict(raw, &spec); err != nil {
		return err
	}

	job, err := spec.toJob()
	if err != nil {
		return err
	}
	return b.supervisor.CreateJob(job)
}

func (spec JobSpec) toJob() (jobstore.Job, error) {
	set := 0
	if spec.JobType.RunSh != nil {
		set++
	}
	if spec.JobType.Download != nil {
		set++
	}
	if spec.JobType.Upload != nil {
		set++
	}
	if set != 1 {
		return jobstore.Job{}, fmt.Errorf("%w: job_type must set exactly one of run_sh, download, upload", ErrSchema)
	}

	job := jobstore.Job{
		Name: spec.Name,
		Restart: jobstore.RestartPolicy{
			Mode:    jobstore.RestartMode(spec.Restart.Mode),
			Backoff: spec.Restart.Backoff,
		},
		ShutdownTimeoutSecs: spec.ShutdownTimeoutSecs,
		ShutdownSignal:      spec.ShutdownSignal,
		Needs:               spec.Needs,
		WaitFor:             spec.WaitFor,
		RunAs:               spec.RunAs,
		LogBufferCapacityMB: spec.LogBufferCapacityMB,
		LogTimestamp:        spec.LogTimestamp,
		OneTime:             spec.OneTime,
		UseProtocolData:     spec.UseProtocolData,
	}

	switch {
	case spec.JobType.RunSh != nil:
		job.Kind = jobstore.KindRunSh
		job.ShellBody = spec.JobType.RunSh.Body
	case spec.JobType.Download != nil:
		job.Kind = jobstore.KindDownload
		job.Download = spec.JobType.Download
	case spec.JobType.Upload != nil:
		job.Kind = jobstore.KindUpload
		job.Upload = spec.JobType.Upload
	}

	job.Defaults()
	return job, nil
}

// StartJob schedules a previously created job.
func (b *Bridge) StartJob(ctx context.Context, name string) error {
	return wrapNotFound(b.supervisor.StartJob(ctx, name))
}

// StopJob requests a running job stop.
func (b *Bridge) StopJob(ctx context.Context, name string) error {
	return wrapNotFound(b.supervisor.StopJob(ctx, name))
}

// JobStatus returns a job's current status.
func (b *Bridge) JobStatus(name string) (jobstore.JobStatus, error) {
	status, err := b.supervisor.JobStatus(name)
	return status, wrapNotFound(err)
}

// wrapNotFound reclassifies a supervisor.ErrNotFound as the bridge's own
// ErrNotFound so callers only need to check one sentinel family.
func wrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, supervisor.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// ListJobs returns every known job name.
func (b *Bridge) ListJobs() []string {
	return b.supervisor.ListJobs()
}
