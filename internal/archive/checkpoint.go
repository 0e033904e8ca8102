// Package archive implements the chunked Archive Engine (§4.6): parallel
// download/upload worker pools against pre-signed object-storage URLs, with
// streaming zstd (de)compression and a resumable, crash-safe chunk index.
//
// Grounded on gurre-ddb-pitr/coordinator/coordinator.go (task/results
// channels, per-worker status map, checkpoint-interval batching) and
// gurre-ddb-pitr/checkpoint/checkpoint.go (Store interface, FileStore local
// persistence) — diverging from the teacher's FileStore.Save (plain
// os.WriteFile) by reusing jobstore's atomic-write discipline, since the
// spec's idempotent-resume invariant requires genuine crash safety.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/google/renameio/v2"

	"github.com/blockjoy/babel/internal/manifest"
)

// Metadata is the Archive Job Metadata persisted under
// <protocol_data_root>/.babel_jobs/<name>/: the manifest header and the
// completed chunk indices (§3). There is no separate resume cursor; a
// resumed run derives its pending chunks from the completed set.
type Metadata struct {
	Header          manifest.Header `json:"header"`
	CompletedChunks map[uint32]bool `json:"completed_chunks"`
}

const metadataFile = "archive_metadata.json"

// ErrFatalArchive marks exhausted retries, control-plane rejection, or an
// invalid manifest — per §7, this surfaces as the job's terminal failure
// rather than being absorbed as transient.
var ErrFatalArchive = errors.New("archive: fatal")

// CheckpointStore persists archive job metadata atomically so that after
// any crash, re-running the job resumes without re-downloading (or
// re-uploading) completed chunks.
type CheckpointStore struct {
	dir string
	mu  sync.Mutex
}

// NewCheckpointStore returns a store rooted at dir (typically
// <protocol_data_root>/.babel_jobs/<job_name>/).
func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{dir: dir}
}

// Load returns the persisted Metadata, or an empty Metadata (with an
// initialized CompletedChunks map) if none exists yet or the file is
// corrupt — corruption here is treated the same as "start fresh", since the
// chunk-level checksum validation re-detects any bad data that a truncated
// index might have missed.
func (s *CheckpointStore) Load() (Metadata, error) {
	path := filepath.Join(s.dir, metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{CompletedChunks: map[uint32]bool{}}, nil
		}
		return Metadata{}, fmt.Errorf("archive: read checkpoint %s: %w", path, err)
	}
	var m Metadata
	if err := gojson.Unmarshal(data, &m); err != nil {
		return Metadata{CompletedChunks: map[uint32]bool{}}, nil
	}
	if m.CompletedChunks == nil {
		m.CompletedChunks = map[uint32]bool{}
	}
	return m, nil
}

// Save persists Metadata atomically (write-temp + rename, via renameio),
// matching the Job State Store's crash-safety discipline.
func (s *CheckpointStore) Save(m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", s.dir, err)
	}
	data, err := gojson.Marshal(m)
	if err != nil {
		return fmt.Errorf("archive: marshal checkpoint: %w", err)
	}
	path := filepath.Join(s.dir, metadataFile)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("archive: atomic write %s: %w", path, err)
	}
	return nil
}

// checkpointInterval batches how often Save is called during a worker
// pool's run, mirroring gurre-ddb-pitr/coordinator/coordinator.go's
// checkpointInterval = 100 (saving every completed chunk would be
// correct but needlessly I/O-heavy on wide manifests).
const checkpointInterval = 8
