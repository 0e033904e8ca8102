package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchRoutesParseHex(t *testing.T) {
	d := NewDispatch(newTestBridge(t))
	out, err := d.Handle(context.Background(), "parse_hex", []byte(`{"text":"ff"}`))
	require.NoError(t, err)
	require.Equal(t, []byte{0xff}, out)
}

func TestDispatchRejectsUnknownMethod(t *testing.T) {
	d := NewDispatch(newTestBridge(t))
	_, err := d.Handle(context.Background(), "does_not_exist", []byte(`{}`))
	require.ErrorIs(t, err, ErrSchema)
}

func TestDispatchNodeEnv(t *testing.T) {
	d := NewDispatch(newTestBridge(t))
	out, err := d.Handle(context.Background(), "node_env", []byte(`{}`))
	require.NoError(t, err)
	env, ok := out.(NodeEnv)
	require.True(t, ok)
	require.Equal(t, "node-1", env.NodeID)
}
