package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "echo":
		var v map[string]any
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "boom":
		return nil, fmt.Errorf("boom: intentional failure")
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func startTestServer(t *testing.T, h Handler) (string, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	srv := New(path, h, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, err := Dial(path); err == nil {
			c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return path, func() {
		cancel()
		<-done
	}
}

func TestEchoRoundTrip(t *testing.T) {
	path, stop := startTestServer(t, echoHandler{})
	defer stop()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	var result map[string]any
	err = c.Call("echo", map[string]any{"hello": "world"}, &result)
	require.NoError(t, err)
	require.Equal(t, "world", result["hello"])
}

func TestCallPropagatesHandlerError(t *testing.T) {
	path, stop := startTestServer(t, echoHandler{})
	defer stop()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call("boom", map[string]any{}, nil)
	require.ErrorContains(t, err, "intentional failure")
}

func TestUnknownMethodErrors(t *testing.T) {
	path, stop := startTestServer(t, echoHandler{})
	defer stop()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call("nonexistent", map[string]any{}, nil)
	require.ErrorContains(t, err, "unknown method")
}

func TestMultipleSequentialCallsOnOneConnection(t *testing.T) {
	path, stop := startTestServer(t, echoHandler{})
	defer stop()

	c, err := Dial(path)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 5; i++ {
		var result map[string]any
		require.NoError(t, c.Call("echo", map[string]any{"n": i}, &result))
		require.Equal(t, float64(i), result["n"])
	}
}
