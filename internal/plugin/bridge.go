// Package plugin implements the Plugin Runtime Bridge (§4.7): the host
// function surface a node's plugin calls into — job lifecycle control,
// shell/RPC/REST execution, parsing helpers, templating, file and secret
// access, and opaque per-job persistence. Bridge is a thin delegator with
// no business logic of its own, mirroring agent/internal/executor/
// executor.go's LogSink/StatusReporter interface-pair decoupling: the
// bridge knows how to validate and route a call, never how the Supervisor,
// secret store, or datastore actually do their job.
package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/containerd/errdefs"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/datastore"
	"github.com/blockjoy/babel/internal/secretstore"
	"github.com/blockjoy/babel/internal/supervisor"
)

// Bridge error kinds, modeled on containerd/errdefs's sentinel-error
// convention: each wraps an errdefs classification so callers (and tests)
// can use errdefs.IsInvalidArgument/IsNotFound/IsUnknown instead of string
// matching.
var (
	// ErrSchema marks a host-function call whose JSON body contained an
	// unknown key or failed to decode into the expected shape (§4.7:
	// "Unknown keys rejected with SchemaError").
	ErrSchema = fmt.Errorf("plugin: schema error: %w", errdefs.ErrInvalidArgument)

	// ErrNotFound marks a host-function call addressing a job, secret, or
	// datastore key that does not exist.
	ErrNotFound = fmt.Errorf("plugin: not found: %w", errdefs.ErrNotFound)

	// ErrCommandFailed marks a run_jrpc call whose JSON-RPC response
	// carried an error. run_sh and run_rest return a non-zero exit code or
	// an HTTP status in their result instead of this error.
	ErrCommandFailed = fmt.Errorf("plugin: command failed: %w", errdefs.ErrUnknown)
)

// NodeEnv is the read-only node-scoped environment exposed by node_env.
type NodeEnv struct {
	NodeID           string `json:"node_id"`
	ProtocolDataPath string `json:"protocol_data_path"`
}

// Bridge is the host function surface a plugin calls into.
type Bridge struct {
	supervisor *supervisor.Supervisor
	secrets    *secretstore.Store
	data       *datastore.Store

	nodeParams       map[string]string
	nodeEnv          NodeEnv
	protocolDataRoot string

	http   *retryablehttp.Client
	logger *zap.Logger
}

// New constructs a Bridge wired to a node's Supervisor, secret store, and
// datastore.
func New(
	sup *supervisor.Supervisor,
	secrets *secretstore.Store,
	data *datastore.Store,
	nodeParams map[string]string,
	nodeEnv NodeEnv,
	protocolDataRoot string,
	logger *zap.Logger,
) *Bridge {
	hc := retryablehttp.NewClient()
	hc.HTTPClient = cleanhttp.DefaultPooledClient()
	hc.RetryMax = 2
	hc.Logger = nil

	return &Bridge{
		supervisor:       sup,
		secrets:          secrets,
		data:             data,
		nodeParams:       nodeParams,
		nodeEnv:          nodeEnv,
		protocolDataRoot: protocolDataRoot,
		http:             hc,
		logger:           logger.Named("plugin"),
	}
}

// decodeStrict decodes raw JSON into v, rejecting any key not present in
// v's schema. Grounded on stdlib encoding/json's Decoder.DisallowUnknownFields
// — no JSON-schema validation library exists anywhere in the corpus, so this
// is the idiomatic stdlib mechanism for "strict decode, catch typos".
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
