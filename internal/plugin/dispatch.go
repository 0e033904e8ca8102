package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// Dispatch adapts a Bridge to socket.Handler, routing each host function
// name to its Bridge method. Kept in this package rather than internal/
// socket so socket stays a generic framed-RPC transport with no knowledge
// of the plugin host function surface.
type Dispatch struct {
	bridge *Bridge
}

// NewDispatch wraps bridge for use as a socket.Handler.
func NewDispatch(bridge *Bridge) *Dispatch {
	return &Dispatch{bridge: bridge}
}

// Handle implements socket.Handler.
func (d *Dispatch) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	b := d.bridge
	switch method {
	case "create_job":
		return nil, b.CreateJob(params)
	case "start_job":
		return nil, withName(params, func(name string) error { return b.StartJob(ctx, name) })
	case "stop_job":
		return nil, withName(params, func(name string) error { return b.StopJob(ctx, name) })
	case "job_status":
		var req struct {
			Name string `json:"name"`
		}
		if err := decodeStrict(params, &req); err != nil {
			return nil, err
		}
		return b.JobStatus(req.Name)
	case "list_jobs":
		return b.ListJobs(), nil
	case "run_sh":
		return b.RunSh(ctx, params)
	case "run_rest":
		return b.RunREST(ctx, params)
	case "run_jrpc":
		return b.RunJRPC(ctx, params)
	case "parse_json":
		return b.ParseJSON(params)
	case "parse_hex":
		return b.ParseHex(params)
	case "sanitize_sh_param":
		return b.SanitizeShParam(params)
	case "render_template":
		return nil, b.RenderTemplate(params)
	case "file_read":
		return b.FileRead(params)
	case "file_write":
		return nil, b.FileWrite(params)
	case "node_params":
		return b.NodeParams(), nil
	case "node_env":
		return b.NodeEnv(), nil
	case "get_secret":
		return b.GetSecret(params)
	case "put_secret":
		return nil, b.PutSecret(params)
	case "save_data":
		return nil, b.SaveData(params)
	case "load_data":
		return b.LoadData(params)
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrSchema, method)
	}
}

func withName(raw json.RawMessage, fn func(name string) error) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeStrict(raw, &req); err != nil {
		return err
	}
	return fn(req.Name)
}
