package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/manifest"
	"github.com/blockjoy/babel/internal/metrics"
)

// UploadConfig configures an upload run (§4.6).
type UploadConfig struct {
	ArchiveID      string
	DataVersion    string
	SourceRoot     string
	Exclude        []string
	Compression    int // zstd level, default 3
	MaxConnections int // default 3, bounds concurrent in-flight HTTP POSTs
	MaxRunners     int // default 8, bounds concurrent runner goroutines
	NumberOfChunks int
}

func (c *UploadConfig) defaults() {
	if c.Compression <= 0 {
		c.Compression = 3
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 3
	}
	if c.MaxRunners <= 0 {
		c.MaxRunners = 8
	}
}

// Uploader runs the upload worker pool described in §4.6.
type Uploader struct {
	cfg     UploadConfig
	cp      *controlplane.Client
	logger  *zap.Logger
	connSem chan struct{} // bounds concurrent in-flight HTTP POSTs to MaxConnections
}

// NewUploader constructs an Uploader against a running control-plane client.
func NewUploader(cfg UploadConfig, cp *controlplane.Client, logger *zap.Logger) *Uploader {
	cfg.defaults()
	return &Uploader{cfg: cfg, cp: cp, logger: logger, connSem: make(chan struct{}, cfg.MaxConnections)}
}

// Run scans the source tree, builds the manifest blueprint, uploads every
// chunk, and PUTs the completed manifest once all chunks succeed.
func (u *Uploader) Run(ctx context.Context) error {
	blueprint, totalSize, err := manifest.Build(manifest.BuildParams{
		Root:           u.cfg.SourceRoot,
		Exclude:        u.cfg.Exclude,
		NumberOfChunks: u.cfg.NumberOfChunks,
	})
	if err != nil {
		return fmt.Errorf("archive: build manifest blueprint: %w", err)
	}
	if len(blueprint) == 0 {
		return nil
	}

	slots, err := u.cp.UploadSlots(ctx, u.cfg.ArchiveID, len(blueprint))
	if err != nil {
		return fmt.Errorf("archive: request upload slots: %w", err)
	}
	if len(slots) != len(blueprint) {
		return fmt.Errorf("%w: control-plane returned %d slots for %d chunks", ErrFatalArchive, len(slots), len(blueprint))
	}

	tasks := make(chan uploadTask, len(blueprint))
	for i, chunk := range blueprint {
		tasks <- uploadTask{chunk: chunk, slot: slots[i]}
	}
	close(tasks)

	results := make([]manifest.Chunk, len(blueprint))
	var mu sync.Mutex
	var firstErr error

	var wg sync.WaitGroup
	wg.Add(u.cfg.MaxRunners)
	for i := 0; i < u.cfg.MaxRunners; i++ {
		go func() {
			defer wg.Done()
			for t := range tasks {
				final, err := u.uploadChunk(ctx, t)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					results[final.Index] = final
					metrics.ArchiveChunksTransferred.WithLabelValues(u.cfg.ArchiveID, "upload").Inc()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	m := manifest.Manifest{
		Header: manifest.Header{
			ArchiveID:   u.cfg.ArchiveID,
			DataVersion: u.cfg.DataVersion,
			TotalSize:   totalSize,
			Compression: manifest.Compression{Algorithm: "zstd", Level: u.cfg.Compression},
			ChunksCount: uint32(len(results)),
		},
		Chunks: results,
	}
	if err := u.cp.PutManifest(ctx, u.cfg.ArchiveID, u.cfg.DataVersion, m); err != nil {
		return fmt.Errorf("archive: put manifest: %w", err)
	}
	return nil
}

type uploadTask struct {
	chunk manifest.Chunk
	slot  controlplane.UploadSlot
}

// uploadChunk reads a chunk's destinations into a compressor, buffers the
// compressed bytes in memory (compressed size is unknown upfront, so full
// buffering is required before POST — §4.6 step 3, the dominant memory
// term chunk_size*max_runners), and POSTs the buffer.
func (u *Uploader) uploadChunk(ctx context.Context, t uploadTask) (manifest.Chunk, error) {
	raw, err := readDestinations(u.cfg.SourceRoot, t.chunk)
	if err != nil {
		return manifest.Chunk{}, err
	}
	checksum := sha256.Sum256(raw)

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(u.cfg.Compression)))
	if err != nil {
		return manifest.Chunk{}, fmt.Errorf("archive: open compressor for chunk %d: %w", t.chunk.Index, err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return manifest.Chunk{}, fmt.Errorf("archive: compress chunk %d: %w", t.chunk.Index, err)
	}
	if err := enc.Close(); err != nil {
		return manifest.Chunk{}, fmt.Errorf("archive: finalize compression for chunk %d: %w", t.chunk.Index, err)
	}

	select {
	case u.connSem <- struct{}{}:
	case <-ctx.Done():
		return manifest.Chunk{}, ctx.Err()
	}
	status, err := u.cp.PutChunk(ctx, t.slot.PutURL, buf.Bytes())
	<-u.connSem
	if err != nil {
		return manifest.Chunk{}, fmt.Errorf("archive: upload chunk %d (status %d): %w", t.chunk.Index, status, err)
	}

	final := t.chunk
	final.Key = t.slot.Key
	final.Size = uint64(buf.Len())
	final.Checksum = manifest.Checksum{SHA256: checksum}
	return final, nil
}

// readDestinations reads a chunk's destination byte ranges from the source
// tree, in destination order, concatenated into a single buffer matching
// the decompressed layout the download side expects.
func readDestinations(root string, chunk manifest.Chunk) ([]byte, error) {
	var buf bytes.Buffer
	for _, dest := range chunk.Destinations {
		if dest.Size == 0 {
			continue
		}
		full := filepath.Join(root, dest.Path)
		f, err := os.Open(full)
		if err != nil {
			return nil, fmt.Errorf("archive: open %s: %w", full, err)
		}
		section := make([]byte, dest.Size)
		_, err = f.ReadAt(section, int64(dest.Position))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("archive: read %s at %d: %w", full, dest.Position, err)
		}
		buf.Write(section)
	}
	return buf.Bytes(), nil
}
