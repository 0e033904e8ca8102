package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/blockjoy/babel/internal/procrunner"
)

// RunShRequest is the run_sh host function's argument: an ad hoc, one-off
// shell invocation distinct from a job_type.run_sh job — it blocks the
// calling plugin until completion rather than being scheduled and
// restart-managed by the Supervisor.
type RunShRequest struct {
	Body            string `json:"body"`
	Dir             string `json:"dir,omitempty"`
	TimeoutSecs     int    `json:"timeout_secs,omitempty"`
}

// RunSh executes req.Body synchronously and returns its result.
func (b *Bridge) RunSh(ctx context.Context, raw []byte) (procrunner.Result, error) {
	var req RunShRequest
	if err := decodeStrict(raw, &req); err != nil {
		return procrunner.Result{}, err
	}
	if req.Dir == "" {
		req.Dir = b.protocolDataRoot
	}

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := procrunner.Start(runCtx, procrunner.Spec{
		ShellBody:              req.Body,
		Dir:                    req.Dir,
		LogBufferCapacityBytes: 8 * 1024 * 1024,
	})
	if err != nil {
		return procrunner.Result{}, fmt.Errorf("plugin: run_sh spawn: %w", err)
	}
	return handle.Wait(runCtx)
}

// RESTRequest is the run_rest host function's argument.
type RESTRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// RESTResponse is run_rest's result.
type RESTResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// RunREST issues an HTTP request on the plugin's behalf.
func (b *Bridge) RunREST(ctx context.Context, raw []byte) (RESTResponse, error) {
	var req RESTRequest
	if err := decodeStrict(raw, &req); err != nil {
		return RESTResponse{}, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return RESTResponse{}, fmt.Errorf("plugin: build rest request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return RESTResponse{}, fmt.Errorf("plugin: rest request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return RESTResponse{}, fmt.Errorf("plugin: read rest response: %w", err)
	}
	return RESTResponse{Status: resp.StatusCode, Body: data}, nil
}

// jrpcEnvelope is a JSON-RPC 2.0 request/response envelope.
type jrpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jrpcError      `json:"error,omitempty"`
}

type jrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JRPCRequest is the run_jrpc host function's argument.
type JRPCRequest struct {
	URL    string          `json:"url"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RunJRPC issues a JSON-RPC 2.0 call and returns its result field.
func (b *Bridge) RunJRPC(ctx context.Context, raw []byte) (json.RawMessage, error) {
	var req JRPCRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}

	envelope := jrpcEnvelope{JSONRPC: "2.0", ID: 1, Method: req.Method, Params: req.Params}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("plugin: marshal jrpc request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("plugin: build jrpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("plugin: jrpc request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("plugin: read jrpc response: %w", err)
	}

	var out jrpcEnvelope
	if err := json.Unmarshal(respData, &out); err != nil {
		return nil, fmt.Errorf("plugin: decode jrpc response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%w: jrpc error %d: %s", ErrCommandFailed, out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}
