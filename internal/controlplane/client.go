// Package controlplane implements the Core↔Control-Plane HTTP client
// (§6): JSON over HTTPS, the core never authenticates to object storage
// directly — it only consumes pre-signed URLs with expiry, re-requesting a
// slot on 403/expired.
//
// Grounded on agent/internal/connection/manager.go's reconnect/backoff/
// register shape, adapted from a persistent gRPC stream to discrete HTTP
// request/response calls made with github.com/hashicorp/go-retryablehttp
// over github.com/hashicorp/go-cleanhttp's pooled transport — both genuine
// corpus idioms (see DESIGN.md) for "HTTP client with retry".
package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/manifest"
)

// Client talks to the remote control-plane over HTTPS.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *zap.Logger
}

// New returns a Client targeting baseURL. retryablehttp's own retry policy
// is left at RetryMax=0: a bare HTTP retry cannot recover from an expired
// pre-signed URL, so 403/expiry is instead handled by re-requesting a fresh
// slot from the control-plane, the logic the spec calls for explicitly.
func New(baseURL string, logger *zap.Logger) *Client {
	hc := retryablehttp.NewClient()
	hc.HTTPClient = cleanhttp.DefaultPooledClient()
	hc.RetryMax = 0
	hc.Logger = nil // the zap logger is used directly by callers instead
	return &Client{baseURL: baseURL, http: hc, logger: logger}
}

// ManifestHeader fetches the manifest header for an archive/data-version
// pair (GET /manifest/header).
func (c *Client) ManifestHeader(ctx context.Context, archiveID, dataVersion string) (manifest.Header, error) {
	url := fmt.Sprintf("%s/manifest/header?archive_id=%s&data_version=%s", c.baseURL, archiveID, dataVersion)
	var header manifest.Header
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &header); err != nil {
		return manifest.Header{}, err
	}
	return header, nil
}

// ChunkSlot is a manifest-body chunk descriptor plus its pre-signed GET
// URL: the "body" delivered in batches, per §3 ("chunks delivered in
// batches with pre-signed URLs").
type ChunkSlot struct {
	manifest.Chunk
	GetURL    string    `json:"get_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChunkSlots requests pre-signed GET URLs for the given chunk indices
// (POST /manifest/chunks).
func (c *Client) ChunkSlots(ctx context.Context, archiveID, dataVersion string, indices []uint32) ([]ChunkSlot, error) {
	req := struct {
		ArchiveID   string   `json:"archive_id"`
		DataVersion string   `json:"data_version"`
		Indices     []uint32 `json:"indices"`
	}{archiveID, dataVersion, indices}

	var slots []ChunkSlot
	url := c.baseURL + "/manifest/chunks"
	if err := c.doJSON(ctx, http.MethodPost, url, req, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// UploadSlot is a pre-signed POST URL plus the chunk key assigned to it.
type UploadSlot struct {
	Index     uint32    `json:"index"`
	Key       string    `json:"key"`
	PutURL    string    `json:"put_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UploadSlots requests count pre-signed upload slots (POST /upload/slots).
func (c *Client) UploadSlots(ctx context.Context, archiveID string, count int) ([]UploadSlot, error) {
	req := struct {
		ArchiveID string `json:"archive_id"`
		Count     int    `json:"count"`
	}{archiveID, count}

	var slots []UploadSlot
	url := c.baseURL + "/upload/slots"
	if err := c.doJSON(ctx, http.MethodPost, url, req, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// PutManifest uploads the completed manifest (PUT /manifest).
func (c *Client) PutManifest(ctx context.Context, archiveID, dataVersion string, m manifest.Manifest) error {
	req := struct {
		ArchiveID   string            `json:"archive_id"`
		DataVersion string            `json:"data_version"`
		Manifest    manifest.Manifest `json:"manifest"`
	}{archiveID, dataVersion, m}

	url := c.baseURL + "/manifest"
	return c.doJSON(ctx, http.MethodPut, url, req, nil)
}

// FetchChunk streams the body at a pre-signed GET URL. Callers are
// responsible for closing the returned ReadCloser.
func (c *Client) FetchChunk(ctx context.Context, getURL string) (io.ReadCloser, int, error) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("controlplane: build request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("controlplane: fetch chunk: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.Body, resp.StatusCode, nil
}

// PutChunk POSTs a fully-buffered compressed chunk to a pre-signed upload
// URL (§4.6 upload step 3: compressed size is unknown upfront, so the
// chunk is fully buffered before POST).
func (c *Client) PutChunk(ctx context.Context, putURL string, body []byte) (int, error) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, putURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("controlplane: build request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("controlplane: put chunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// StatusError wraps a non-2xx HTTP status so callers can distinguish
// transient (5xx, 403-expired) from fatal (4xx other than 403) per §7.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("controlplane: http status %d", e.Code) }

// Transient reports whether the status warrants a retry with a fresh slot
// rather than surfacing as a FatalArchiveError.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusForbidden || e.Code >= 500
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := gojson.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("controlplane: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("controlplane: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("controlplane: read response: %w", err)
	}
	if err := gojson.Unmarshal(data, out); err != nil {
		return fmt.Errorf("controlplane: decode response: %w", err)
	}
	return nil
}
