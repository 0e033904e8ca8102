package controlplane

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/manifest"
)

func TestClientManifestHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/manifest/header", r.URL.Path)
		data, _ := gojson.Marshal(manifest.Header{ArchiveID: "a1", ChunksCount: 3})
		w.Write(data) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	header, err := c.ManifestHeader(context.Background(), "a1", "v1")
	require.NoError(t, err)
	require.Equal(t, "a1", header.ArchiveID)
	require.Equal(t, uint32(3), header.ChunksCount)
}

func TestClientChunkSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Indices []uint32 `json:"indices"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, gojson.Unmarshal(body, &req))
		slots := make([]ChunkSlot, len(req.Indices))
		for i, idx := range req.Indices {
			slots[i] = ChunkSlot{Chunk: manifest.Chunk{Index: idx, Key: "k"}, GetURL: "http://example/x"}
		}
		data, _ := gojson.Marshal(slots)
		w.Write(data) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	slots, err := c.ChunkSlots(context.Background(), "a1", "v1", []uint32{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, slots, 3)
}

func TestClientStatusErrorTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	_, err := c.ManifestHeader(context.Background(), "a1", "v1")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Transient())
}

func TestClientPutManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	err := c.PutManifest(context.Background(), "a1", "v1", manifest.Manifest{})
	require.NoError(t, err)
}
