package jobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/google/renameio/v2"
)

// ErrNotExist is returned by Load* when no record has been persisted yet.
var ErrNotExist = errors.New("jobstore: record does not exist")

// ErrStateCorrupt indicates a persisted file failed to parse. Per §4.1,
// this is never treated as success — callers must fall back to Pending.
var ErrStateCorrupt = errors.New("jobstore: persisted record is corrupt")

const (
	fileConfig   = "config.json"
	fileStatus   = "status.json"
	fileProgress = "progress.json"
)

// Store persists Job config/status/progress atomically under
// <base>/jobs/<name>/. Reads are lock-free; writes are serialized per job
// name via a per-name mutex, matching §4.1 ("reads lock-free; writers
// serialize per job").
type Store struct {
	baseDir string

	mu      sync.Mutex
	jobLock map[string]*sync.Mutex
}

// New returns a Store rooted at baseDir (typically /var/lib/babel).
func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		jobLock: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobLock[name]
	if !ok {
		l = &sync.Mutex{}
		s.jobLock[name] = l
	}
	return l
}

func (s *Store) jobDir(name string) string {
	return filepath.Join(s.baseDir, "jobs", name)
}

// atomicWriteJSON writes v as JSON to <dir>/<name>, via a temp file in the
// same directory followed by a rename, so readers never observe a partial
// write. Grounded on connection/manager.go's saveState and
// restic/extractor.go's extract — both use "temp file in destination dir,
// then os.Rename" to get an atomic swap on POSIX filesystems.
// renameio/v2 provides the same guarantee with an fsync before rename.
func atomicWriteJSON(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobstore: mkdir %s: %w", dir, err)
	}
	data, err := gojson.Marshal(v)
	if err != nil {
		return fmt.Errorf("jobstore: marshal: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("jobstore: atomic write %s: %w", path, err)
	}
	return nil
}

// readJSON loads and decodes a file, mapping os.ErrNotExist to ErrNotExist
// and any decode failure to ErrStateCorrupt — never silently to a zero
// value, per §4.1's "partially written file MUST be detected... never as
// success" requirement.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("jobstore: read %s: %w", path, err)
	}
	if err := gojson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}
	return nil
}

// SaveConfig persists the full declared configuration for a job. Config is
// never deleted by the store (§4.1).
func (s *Store) SaveConfig(job Job) error {
	l := s.lockFor(job.Name)
	l.Lock()
	defer l.Unlock()
	return atomicWriteJSON(s.jobDir(job.Name), fileConfig, job)
}

// LoadConfig returns the persisted configuration for name, or ErrNotExist.
func (s *Store) LoadConfig(name string) (Job, error) {
	var job Job
	err := readJSON(filepath.Join(s.jobDir(name), fileConfig), &job)
	return job, err
}

// SaveStatus persists the current status plus attempt counter.
func (s *Store) SaveStatus(name string, status JobStatus) error {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return atomicWriteJSON(s.jobDir(name), fileStatus, status)
}

// LoadStatus returns the persisted status for name. A corrupt file is
// reported as ErrStateCorrupt; callers at the supervisor layer treat that
// identically to "never started" (Pending), never as success.
func (s *Store) LoadStatus(name string) (JobStatus, error) {
	var status JobStatus
	err := readJSON(filepath.Join(s.jobDir(name), fileStatus), &status)
	return status, err
}

// SaveProgress persists the optional job-authored progress record.
func (s *Store) SaveProgress(name string, p Progress) error {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return atomicWriteJSON(s.jobDir(name), fileProgress, p)
}

// LoadProgress returns the persisted progress record, or ErrNotExist if the
// job has never reported progress.
func (s *Store) LoadProgress(name string) (Progress, error) {
	var p Progress
	err := readJSON(filepath.Join(s.jobDir(name), fileProgress), &p)
	return p, err
}

// ListNames returns the names of every job with a persisted config,
// discovered by scanning <base>/jobs/.
func (s *Store) ListNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "jobs"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
