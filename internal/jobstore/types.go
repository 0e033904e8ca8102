// Package jobstore implements the durable per-job record: config, status,
// and progress files maintained atomically on local disk so the supervisor
// can reconstruct state after a crash.
package jobstore

import "time"

// JobKind identifies the kind of work a Job performs.
type JobKind string

const (
	KindRunSh   JobKind = "run_sh"
	KindDownload JobKind = "download"
	KindUpload   JobKind = "upload"
)

// RestartMode identifies the tagged variant of a RestartPolicy.
type RestartMode string

const (
	RestartNever      RestartMode = "never"
	RestartOnFailure  RestartMode = "on_failure"
	RestartAlways     RestartMode = "always"
)

// Backoff carries the parameters of an exponential restart schedule.
type Backoff struct {
	BaseMS      int64 `json:"backoff_base_ms"`
	TimeoutMS   int64 `json:"backoff_timeout_ms"`
	MaxRetries  int   `json:"max_retries,omitempty"` // 0 means unbounded
}

// RestartPolicy models the Never | OnFailure(Backoff) | Always(Backoff)
// tagged variant as a struct discriminated by Mode, following the
// struct-plus-string-enum idiom used throughout the example pack for
// values that would be sum types in a language that has them.
type RestartPolicy struct {
	Mode    RestartMode `json:"mode"`
	Backoff Backoff     `json:"backoff,omitempty"`
}

// DownloadConfig carries job_type.download tunables.
type DownloadConfig struct {
	ArchiveID      string `json:"archive_id"`
	DataVersion    string `json:"data_version,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
	MaxRunners     int    `json:"max_runners,omitempty"`
}

// UploadConfig carries job_type.upload tunables.
type UploadConfig struct {
	ArchiveID      string   `json:"archive_id"`
	Exclude        []string `json:"exclude,omitempty"`
	Compression    int      `json:"compression,omitempty"` // zstd level, default 3
	MaxConnections int      `json:"max_connections,omitempty"`
	MaxRunners     int      `json:"max_runners,omitempty"`
	NumberOfChunks int      `json:"number_of_chunks,omitempty"`
	URLExpiresSecs int      `json:"url_expires_secs,omitempty"`
	DataVersion    string   `json:"data_version,omitempty"`
}

// Job is the full declared configuration for a named unit of work.
// Name is the primary key.
type Job struct {
	Name    string  `json:"name"`
	Kind    JobKind `json:"kind"`

	ShellBody string `json:"shell_body,omitempty"` // for KindRunSh
	Download  *DownloadConfig `json:"download,omitempty"`
	Upload    *UploadConfig   `json:"upload,omitempty"`

	Restart RestartPolicy `json:"restart"`

	ShutdownTimeoutSecs int    `json:"shutdown_timeout_secs"` // default 60
	ShutdownSignal      string `json:"shutdown_signal"`       // default "SIGTERM"

	LogBufferCapacityMB int  `json:"log_buffer_capacity_mb"` // default 128
	LogTimestamp        bool `json:"log_timestamp"`

	RunAs string `json:"run_as,omitempty"`

	OneTime         bool `json:"one_time"`
	UseProtocolData bool `json:"use_protocol_data"`

	Needs    []string `json:"needs,omitempty"`
	WaitFor  []string `json:"wait_for,omitempty"`
}

// Defaults fills in the declared defaults for fields left at their zero
// value, mirroring §4.7's config schema table.
func (j *Job) Defaults() {
	if j.ShutdownTimeoutSecs == 0 {
		j.ShutdownTimeoutSecs = 60
	}
	if j.ShutdownSignal == "" {
		j.ShutdownSignal = "SIGTERM"
	}
	if j.LogBufferCapacityMB == 0 {
		j.LogBufferCapacityMB = 128
	}
}

// JobState is the tagged variant of JobStatus.
type JobState string

const (
	StatePending  JobState = "pending"
	StateRunning  JobState = "running"
	StateFinished JobState = "finished"
	StateStopped  JobState = "stopped"
)

// JobStatus is the tagged variant Pending | Running{pid,started_at} |
// Finished{exit_code,message} | Stopped, realized as a struct carrying the
// union of fields alongside a discriminating State, following
// cuemby-warren's pkg/types.HealthStatus shape (enum + optional fields)
// rather than a sealed union — Go has no sum types.
type JobStatus struct {
	State JobState `json:"state"`

	// Running fields.
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`

	// Finished fields.
	ExitCode int    `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Attempt is the 1-based attempt counter within the job's current
	// restart sequence; it resets to 1 whenever the job transitions out of
	// Idle into its first Running attempt.
	Attempt int `json:"attempt"`

	// AttemptID uniquely identifies this attempt across restarts, the way
	// arkeep's server keys job rows by uuid.UUID rather than by a
	// sequence number — useful for correlating log chunks and metrics
	// against one specific process lifetime rather than the job name
	// alone, since Attempt resets whenever the restart sequence resets.
	AttemptID string `json:"attempt_id,omitempty"`
}

// Succeeded reports whether the status is the terminal Finished{0} state.
func (s JobStatus) Succeeded() bool {
	return s.State == StateFinished && s.ExitCode == 0
}

// Terminal reports whether the status is one from which no further
// transition occurs without an explicit restart decision.
func (s JobStatus) Terminal() bool {
	switch s.State {
	case StateFinished, StateStopped:
		return true
	default:
		return false
	}
}

// Progress is the optional, job-authored {current, total, message} record.
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Message string `json:"message,omitempty"`
}
