package archive

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/manifest"
	"github.com/blockjoy/babel/internal/metrics"
)

// DownloadConfig configures a download run (§4.6).
type DownloadConfig struct {
	ArchiveID      string
	DataVersion    string
	MaxConnections int // default 3, bounds concurrent in-flight HTTP GETs
	MaxRunners     int // default 8, bounds concurrent runner goroutines
	DestRoot       string
	BatchSize      int // N chunk descriptors requested per control-plane round trip
}

func (c *DownloadConfig) defaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 3
	}
	if c.MaxRunners <= 0 {
		c.MaxRunners = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.MaxRunners
	}
}

// writeRequest is forwarded from a runner to the single writer task,
// carrying decompressed bytes for one chunk. Bounded memory: the channel's
// capacity is MaxRunners, so at most one in-flight chunk per runner is ever
// buffered (§4.6 "Bounded memory").
type writeRequest struct {
	chunk        manifest.Chunk
	decompressed []byte
	err          error
}

// Downloader runs the download worker pool described in §4.6.
type Downloader struct {
	cfg     DownloadConfig
	cp      *controlplane.Client
	ckpt    *CheckpointStore
	logger  *zap.Logger
	connSem chan struct{} // bounds concurrent in-flight HTTP GETs to MaxConnections
}

// NewDownloader constructs a Downloader against a running control-plane
// client and a checkpoint store for the job's archive metadata.
func NewDownloader(cfg DownloadConfig, cp *controlplane.Client, ckpt *CheckpointStore, logger *zap.Logger) *Downloader {
	cfg.defaults()
	return &Downloader{cfg: cfg, cp: cp, ckpt: ckpt, logger: logger, connSem: make(chan struct{}, cfg.MaxConnections)}
}

// Run executes the full download sequence: fetch header, loop fetching
// chunk batches, transfer+decompress+write, persist completed indices, and
// return nil once every chunk index is present. No terminator record is
// written; completion is the absence of pending indices in the metadata.
func (d *Downloader) Run(ctx context.Context) error {
	state, err := d.ckpt.Load()
	if err != nil {
		return err
	}

	if state.Header.ChunksCount == 0 {
		header, err := d.cp.ManifestHeader(ctx, d.cfg.ArchiveID, d.cfg.DataVersion)
		if err != nil {
			return fmt.Errorf("archive: fetch manifest header: %w", err)
		}
		state.Header = header
		if err := d.ckpt.Save(state); err != nil {
			return err
		}
	}

	// Checksum mismatches and transient transport errors are handled by
	// simply leaving the index out of CompletedChunks and retrying it on
	// the next pass (§4.6: "treat as transient — fetch a fresh URL"); each
	// pass re-requests fresh slots for whatever is still pending. A small
	// fixed number of passes bounds retries before escalating to
	// FatalArchiveError, per §4.6's "individual URL retries are bounded
	// inline with a small fixed count before escalating".
	const maxPasses = 5
	for pass := 0; pass < maxPasses; pass++ {
		pending := pendingIndices(state)
		if len(pending) == 0 {
			return nil // all indices present — terminator condition, §4.6 step 5
		}

		if err := d.runPass(ctx, pending, &state); err != nil {
			return err
		}
	}

	if remaining := pendingIndices(state); len(remaining) > 0 {
		return fmt.Errorf("archive: %w: %d chunks still pending after %d passes", ErrFatalArchive, len(remaining), maxPasses)
	}
	return nil
}

// runPass drives one fetch-batch/worker/write cycle over pending indices.
func (d *Downloader) runPass(ctx context.Context, pending []uint32, state *Metadata) error {
	tasks := make(chan controlplane.ChunkSlot)
	writes := make(chan writeRequest, d.cfg.MaxRunners)

	var wg sync.WaitGroup
	wg.Add(d.cfg.MaxRunners)
	for i := 0; i < d.cfg.MaxRunners; i++ {
		go func() {
			defer wg.Done()
			d.runWorker(ctx, tasks, writes)
		}()
	}

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- d.runWriter(ctx, writes, state)
	}()

	feedErr := d.feed(ctx, pending, tasks)

	wg.Wait()
	close(writes)
	writerErr := <-writerDone

	if feedErr != nil {
		return feedErr
	}
	return writerErr
}

// feed requests batches of N pending chunk descriptors from the
// control-plane and dispatches each to the tasks channel, per §4.6 step 2.
func (d *Downloader) feed(ctx context.Context, pending []uint32, tasks chan<- controlplane.ChunkSlot) error {
	defer close(tasks)

	for len(pending) > 0 {
		n := d.cfg.BatchSize
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]

		slots, err := d.cp.ChunkSlots(ctx, d.cfg.ArchiveID, d.cfg.DataVersion, batch)
		if err != nil {
			return fmt.Errorf("archive: request chunk slots: %w", err)
		}

		for _, slot := range slots {
			select {
			case tasks <- slot:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// runWorker dequeues chunk tasks, fetches+decompresses each, and forwards
// the result to the writer.
func (d *Downloader) runWorker(ctx context.Context, tasks <-chan controlplane.ChunkSlot, writes chan<- writeRequest) {
	for {
		select {
		case slot, ok := <-tasks:
			if !ok {
				return
			}
			decompressed, err := d.fetchAndDecompress(ctx, slot)
			select {
			case writes <- writeRequest{chunk: slot.Chunk, decompressed: decompressed, err: err}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// fetchAndDecompress holds a connSem slot for the full GET-plus-body-read,
// so MaxConnections bounds concurrent in-flight transfers, not just request
// initiation — distinct from MaxRunners, which bounds worker goroutines
// that may otherwise sit idle waiting on a connection slot.
func (d *Downloader) fetchAndDecompress(ctx context.Context, slot controlplane.ChunkSlot) ([]byte, error) {
	select {
	case d.connSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.connSem }()

	body, status, err := d.cp.FetchChunk(ctx, slot.GetURL)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch chunk %d (status %d): %w", slot.Index, status, err)
	}
	defer body.Close()

	dec, err := zstd.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("archive: open decompressor for chunk %d: %w", slot.Index, err)
	}
	defer dec.Close()

	decompressed, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress chunk %d: %w", slot.Index, err)
	}
	return decompressed, nil
}

// runWriter is the single writer task (§4.6 step 4): it owns all
// destination-file writes, persisting completed indices to the checkpoint
// store every checkpointInterval chunks so a crash loses at most a bounded
// batch of already-fetched work, never correctness. Transient per-chunk
// failures (transport errors, checksum mismatches) are logged and leave the
// index out of CompletedChunks for the next pass to retry — they never
// abort the writer, per §4.6's "treat as transient" failure semantics.
func (d *Downloader) runWriter(ctx context.Context, writes <-chan writeRequest, state *Metadata) error {
	sinceCheckpoint := 0
	for {
		select {
		case req, ok := <-writes:
			if !ok {
				return d.ckpt.Save(*state)
			}
			if req.err != nil {
				d.logger.Warn("chunk fetch failed, will retry next pass", zap.Error(req.err))
				continue
			}
			if !manifest.VerifyChecksum(req.chunk, req.decompressed) {
				d.logger.Warn("chunk checksum mismatch, will retry next pass", zap.Uint32("chunk_index", req.chunk.Index))
				continue
			}
			if err := manifest.WriteDestinations(d.cfg.DestRoot, req.chunk, req.decompressed); err != nil {
				return err
			}
			state.CompletedChunks[req.chunk.Index] = true
			metrics.ArchiveChunksTransferred.WithLabelValues(d.cfg.ArchiveID, "download").Inc()
			sinceCheckpoint++
			if sinceCheckpoint >= checkpointInterval {
				if err := d.ckpt.Save(*state); err != nil {
					return err
				}
				sinceCheckpoint = 0
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pendingIndices(state Metadata) []uint32 {
	pending := make([]uint32, 0, state.Header.ChunksCount)
	for i := uint32(0); i < state.Header.ChunksCount; i++ {
		if !state.CompletedChunks[i] {
			pending = append(pending, i)
		}
	}
	return pending
}
