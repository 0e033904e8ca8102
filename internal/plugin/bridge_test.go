package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blockjoy/babel/internal/controlplane"
	"github.com/blockjoy/babel/internal/datastore"
	"github.com/blockjoy/babel/internal/jobstore"
	"github.com/blockjoy/babel/internal/secretstore"
	"github.com/blockjoy/babel/internal/supervisor"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")[:32]
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	root := t.TempDir()
	store := jobstore.New(t.TempDir())
	cp := controlplane.New("http://127.0.0.1:0", zap.NewNop())
	sup := supervisor.New(store, cp, root, zap.NewNop())

	secrets, err := secretstore.New(t.TempDir(), testKey())
	require.NoError(t, err)
	data := datastore.New(t.TempDir())

	return New(sup, secrets, data, map[string]string{"network": "mainnet"},
		NodeEnv{NodeID: "node-1", ProtocolDataPath: root}, root, zap.NewNop())
}

func TestCreateJobRejectsUnknownField(t *testing.T) {
	b := newTestBridge(t)
	err := b.CreateJob([]byte(`{"name":"x","job_type":{"run_sh":{"body":"true"}},"bogus_field":1}`))
	require.ErrorIs(t, err, ErrSchema)
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestCreateJobRejectsAmbiguousJobType(t *testing.T) {
	b := newTestBridge(t)
	err := b.CreateJob([]byte(`{"name":"x","job_type":{"run_sh":{"body":"true"},"download":{"archive_id":"a"}}}`))
	require.ErrorIs(t, err, ErrSchema)
}

func TestCreateStartAndStatusRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.CreateJob([]byte(`{"name":"ok","job_type":{"run_sh":{"body":"exit 0"}},"one_time":true,"restart":{"mode":"never"}}`)))
	require.NoError(t, b.StartJob(context.Background(), "ok"))

	deadline := time.Now().Add(2 * time.Second)
	var st jobstore.JobStatus
	var err error
	for time.Now().Before(deadline) {
		st, err = b.JobStatus("ok")
		require.NoError(t, err)
		if st.State == jobstore.StateFinished {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, jobstore.StateFinished, st.State)
	require.Contains(t, b.ListJobs(), "ok")
}

func TestJobStatusUnknownNameIsNotFound(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.JobStatus("does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, errdefs.IsNotFound(err))
}

func TestRunShReturnsExitCode(t *testing.T) {
	b := newTestBridge(t)
	res, err := b.RunSh(context.Background(), []byte(`{"body":"exit 3"}`))
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunRESTRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := newTestBridge(t)
	resp, err := b.RunREST(context.Background(), []byte(`{"method":"GET","url":"`+srv.URL+`"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestRunJRPCRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"height":42}}`))
	}))
	defer srv.Close()

	b := newTestBridge(t)
	result, err := b.RunJRPC(context.Background(), []byte(`{"url":"`+srv.URL+`","method":"get_height"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"height":42}`, string(result))
}

func TestRunJRPCPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	b := newTestBridge(t)
	_, err := b.RunJRPC(context.Background(), []byte(`{"url":"`+srv.URL+`","method":"nope"}`))
	require.ErrorContains(t, err, "method not found")
	require.ErrorIs(t, err, ErrCommandFailed)
	require.True(t, errdefs.IsUnknown(err))
}

func TestParseJSON(t *testing.T) {
	b := newTestBridge(t)
	out, err := b.ParseJSON([]byte(`{"text":"{\"a\":1}"}`))
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), m["a"])
}

func TestParseHex(t *testing.T) {
	b := newTestBridge(t)
	out, err := b.ParseHex([]byte(`{"text":"deadbeef"}`))
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out)
}

func TestSanitizeShParamRejectsUnsafeChars(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.SanitizeShParam([]byte(`{"value":"safe-value_1.2"}`))
	require.NoError(t, err)

	_, err = b.SanitizeShParam([]byte(`{"value":"rm -rf; $(evil)"}`))
	require.ErrorIs(t, err, ErrSchema)
}

func TestRenderTemplate(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.FileWrite([]byte(`{"path":"tmpl.txt","data":"aGVsbG8ge3submFtZX19"}`)))

	err := b.RenderTemplate([]byte(`{"template_path":"tmpl.txt","dest_path":"out.txt","params_map":{"name":"world"}}`))
	require.NoError(t, err)

	out, err := b.FileRead([]byte(`{"path":"out.txt"}`))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(out))
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.FileWrite([]byte(`{"path":"nested/file.txt","data":"aGVsbG8="}`)))
	data, err := b.FileRead([]byte(`{"path":"nested/file.txt"}`))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestFileReadRejectsPathEscape(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.FileRead([]byte(`{"path":"../../etc/passwd"}`))
	require.ErrorIs(t, err, ErrSchema)
}

func TestNodeParamsAndEnv(t *testing.T) {
	b := newTestBridge(t)
	require.Equal(t, "mainnet", b.NodeParams()["network"])
	require.Equal(t, "node-1", b.NodeEnv().NodeID)
}

func TestGetPutSecretRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.PutSecret([]byte(`{"name":"api_key","value":"c2VjcmV0"}`)))
	val, err := b.GetSecret([]byte(`{"name":"api_key"}`))
	require.NoError(t, err)
	require.Equal(t, "secret", string(val))
}

func TestGetSecretUnknownNameIsNotFound(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.GetSecret([]byte(`{"name":"does-not-exist"}`))
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, errdefs.IsNotFound(err))
}

func TestSaveLoadDataRoundTrip(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.SaveData([]byte(`{"job":"sync","key":"height","data":"MTIz"}`)))
	val, err := b.LoadData([]byte(`{"job":"sync","key":"height"}`))
	require.NoError(t, err)
	require.Equal(t, "123", string(val))
}

func TestLoadDataUnknownKeyIsNotFound(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.LoadData([]byte(`{"job":"sync","key":"missing"}`))
	require.ErrorIs(t, err, ErrNotFound)
	require.True(t, errdefs.IsNotFound(err))
}
