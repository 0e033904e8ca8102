package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	gojson "github.com/goccy/go-json"

	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/manifest"
)

func zstdCompress(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(raw)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

// TestDownloadRoundTrip reproduces the download round-trip scenario: a
// two-chunk manifest served by a stub control-plane is fetched, decompressed,
// written to destination files, and checkpointed as fully complete.
func TestDownloadRoundTrip(t *testing.T) {
	payloadA := []byte("hello world, chunk zero contents")
	payloadB := []byte("chunk one contents, a different file")

	chunkA := manifest.Chunk{
		Index:    0,
		Key:      "chunk-0",
		Checksum: sumOf(payloadA),
		Size:     uint64(len(payloadA)),
		Destinations: []manifest.Destination{
			{Path: "a.txt", Position: 0, Size: uint64(len(payloadA))},
		},
	}
	chunkB := manifest.Chunk{
		Index:    1,
		Key:      "chunk-1",
		Checksum: sumOf(payloadB),
		Size:     uint64(len(payloadB)),
		Destinations: []manifest.Destination{
			{Path: "b.txt", Position: 0, Size: uint64(len(payloadB))},
		},
	}
	compressedA := zstdCompress(t, payloadA)
	compressedB := zstdCompress(t, payloadB)

	objects := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/obj/0":
			w.Write(compressedA) //nolint:errcheck
		case "/obj/1":
			w.Write(compressedB) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer objects.Close()

	cp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest/header":
			data, _ := gojson.Marshal(manifest.Header{ArchiveID: "a1", ChunksCount: 2})
			w.Write(data) //nolint:errcheck
		case "/manifest/chunks":
			var req struct {
				Indices []uint32 `json:"indices"`
			}
			gojson.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			slots := make([]controlplane.ChunkSlot, 0, len(req.Indices))
			for _, idx := range req.Indices {
				switch idx {
				case 0:
					slots = append(slots, controlplane.ChunkSlot{Chunk: chunkA, GetURL: objects.URL + "/obj/0"})
				case 1:
					slots = append(slots, controlplane.ChunkSlot{Chunk: chunkB, GetURL: objects.URL + "/obj/1"})
				}
			}
			data, _ := gojson.Marshal(slots)
			w.Write(data) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer cp.Close()

	destRoot := t.TempDir()
	ckptDir := t.TempDir()

	client := controlplane.New(cp.URL, zap.NewNop())
	ckpt := NewCheckpointStore(ckptDir)
	dl := NewDownloader(DownloadConfig{
		ArchiveID:   "a1",
		DataVersion: "v1",
		DestRoot:    destRoot,
		MaxRunners:  2,
	}, client, ckpt, zap.NewNop())

	err := dl.Run(context.Background())
	require.NoError(t, err)

	gotA, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, payloadA, gotA)

	gotB, err := os.ReadFile(filepath.Join(destRoot, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, payloadB, gotB)

	state, err := ckpt.Load()
	require.NoError(t, err)
	require.True(t, state.CompletedChunks[0])
	require.True(t, state.CompletedChunks[1])
}

// TestDownloadResumesFromCheckpoint verifies a chunk already marked complete
// in the checkpoint is not re-fetched.
func TestDownloadResumesFromCheckpoint(t *testing.T) {
	payload := []byte("already have this one")
	chunk := manifest.Chunk{
		Index:    0,
		Key:      "chunk-0",
		Checksum: sumOf(payload),
		Size:     uint64(len(payload)),
		Destinations: []manifest.Destination{
			{Path: "only.txt", Position: 0, Size: uint64(len(payload))},
		},
	}

	fetchCount := 0
	cp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest/header":
			data, _ := gojson.Marshal(manifest.Header{ArchiveID: "a1", ChunksCount: 1})
			w.Write(data) //nolint:errcheck
		case "/manifest/chunks":
			fetchCount++
			w.Write([]byte(`[]`)) //nolint:errcheck
		}
	}))
	defer cp.Close()

	destRoot := t.TempDir()
	ckptDir := t.TempDir()
	ckpt := NewCheckpointStore(ckptDir)
	require.NoError(t, ckpt.Save(Metadata{
		Header:          manifest.Header{ArchiveID: "a1", ChunksCount: 1},
		CompletedChunks: map[uint32]bool{0: true},
	}))
	_ = chunk

	client := controlplane.New(cp.URL, zap.NewNop())
	dl := NewDownloader(DownloadConfig{ArchiveID: "a1", DataVersion: "v1", DestRoot: destRoot}, client, ckpt, zap.NewNop())

	err := dl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, fetchCount)
}

// TestDownloadMaxConnectionsBoundsInFlightTransfers verifies MaxConnections
// caps concurrent chunk GETs independently of MaxRunners, by running more
// runner goroutines than the connection limit against an object server that
// reports the peak number of requests it ever saw in flight at once.
func TestDownloadMaxConnectionsBoundsInFlightTransfers(t *testing.T) {
	const chunkCount = 8
	const maxConnections = 2

	payloads := make([][]byte, chunkCount)
	chunks := make([]manifest.Chunk, chunkCount)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("chunk payload number %d", i))
		chunks[i] = manifest.Chunk{
			Index:    uint32(i),
			Key:      fmt.Sprintf("chunk-%d", i),
			Checksum: sumOf(payloads[i]),
			Size:     uint64(len(payloads[i])),
			Destinations: []manifest.Destination{
				{Path: fmt.Sprintf("f%d.txt", i), Position: 0, Size: uint64(len(payloads[i]))},
			},
		}
	}

	var inFlight, peak int32
	objects := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)

		var idx int
		fmt.Sscanf(r.URL.Path, "/obj/%d", &idx) //nolint:errcheck
		w.Write(zstdCompress(t, payloads[idx])) //nolint:errcheck
	}))
	defer objects.Close()

	cp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest/header":
			data, _ := gojson.Marshal(manifest.Header{ArchiveID: "a1", ChunksCount: chunkCount})
			w.Write(data) //nolint:errcheck
		case "/manifest/chunks":
			var req struct {
				Indices []uint32 `json:"indices"`
			}
			gojson.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			slots := make([]controlplane.ChunkSlot, 0, len(req.Indices))
			for _, idx := range req.Indices {
				slots = append(slots, controlplane.ChunkSlot{
					Chunk:  chunks[idx],
					GetURL: fmt.Sprintf("%s/obj/%d", objects.URL, idx),
				})
			}
			data, _ := gojson.Marshal(slots)
			w.Write(data) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer cp.Close()

	destRoot := t.TempDir()
	client := controlplane.New(cp.URL, zap.NewNop())
	ckpt := NewCheckpointStore(t.TempDir())
	dl := NewDownloader(DownloadConfig{
		ArchiveID:      "a1",
		DataVersion:    "v1",
		DestRoot:       destRoot,
		MaxRunners:     chunkCount,
		MaxConnections: maxConnections,
	}, client, ckpt, zap.NewNop())

	require.NoError(t, dl.Run(context.Background()))
	require.LessOrEqual(t, int(atomic.LoadInt32(&peak)), maxConnections)
}

func sumOf(b []byte) manifest.Checksum {
	return manifest.Checksum{SHA256: sha256.Sum256(b)}
}
