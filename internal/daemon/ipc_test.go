package daemon

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorguard/internal/backup"
	"vectorguard/internal/guard"
)

func TestRequestConstants(t *testing.T) {
	t.Parallel()

	values := []string{RequestStatus, RequestStop, RequestSweep, RequestReset, RequestReloadConfig}

	seen := make(map[string]bool)
	for _, v := range values {
		assert.NotEmpty(t, v)
		assert.False(t, seen[v], "duplicate request type: %s", v)
		seen[v] = true
	}
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	server := NewServer(func(req *Request) *Response {
		return &Response{Success: true}
	})
	require.NotNil(t, server)
	assert.NotNil(t, server.handler)
}

func TestServerStartStop(t *testing.T) {
	isolateConfigDir(t)

	server := NewServer(func(req *Request) *Response {
		return &Response{Success: true, Message: "test response"}
	})
	require.NoError(t, server.Start())

	_, err := os.Stat(SocketPath())
	assert.NoError(t, err, "socket file should be created")

	server.Stop()
	time.Sleep(100 * time.Millisecond)

	_, err = os.Stat(SocketPath())
	assert.True(t, os.IsNotExist(err), "socket should be removed after Stop()")
}

// startRecordingServer starts a server that answers every request with resp
// and forwards each request it saw.
func startRecordingServer(t *testing.T, resp *Response) <-chan Request {
	t.Helper()
	isolateConfigDir(t)

	received := make(chan Request, 8)
	server := NewServer(func(req *Request) *Response {
		received <- *req
		return resp
	})
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return received
}

func dial(t *testing.T) *Client {
	t.Helper()
	client, err := Connect()
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Status(t *testing.T) {
	received := startRecordingServer(t, &Response{
		Success: true,
		PID:     4242,
		Status:  &guard.Status{Root: "/data", Watched: 3, Attempts: map[string]int{"/data/index.json": 2}},
	})

	resp, err := dial(t).Status()
	require.NoError(t, err)
	assert.Equal(t, RequestStatus, (<-received).Type)
	assert.Equal(t, 4242, resp.PID)
	require.NotNil(t, resp.Status)
	assert.Equal(t, 3, resp.Status.Watched)
	assert.Equal(t, 2, resp.Status.Attempts["/data/index.json"])
}

func TestClient_Sweep(t *testing.T) {
	received := startRecordingServer(t, &Response{
		Success: true,
		Sweep:   &backup.SweepSummary{Created: 2, Skipped: 5},
	})

	sum, err := dial(t).Sweep()
	require.NoError(t, err)
	assert.Equal(t, RequestSweep, (<-received).Type)
	assert.Equal(t, 7, sum.Total())
}

func TestClient_SweepBusy(t *testing.T) {
	startRecordingServer(t, &Response{Success: false, Error: "backup sweep already running"})

	_, err := dial(t).Sweep()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestClient_Reset(t *testing.T) {
	t.Run("single path", func(t *testing.T) {
		received := startRecordingServer(t, &Response{Success: true, Reset: 1})

		n, err := dial(t).Reset("/data/index.json")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		req := <-received
		assert.Equal(t, RequestReset, req.Type)
		assert.Equal(t, "/data/index.json", req.Path)
		assert.False(t, req.All)
	})

	t.Run("all paths", func(t *testing.T) {
		received := startRecordingServer(t, &Response{Success: true, Reset: 4})

		n, err := dial(t).Reset("")
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		assert.True(t, (<-received).All)
	})
}

func TestClient_Stop(t *testing.T) {
	received := startRecordingServer(t, &Response{Success: true, Message: "stopping"})

	_, err := dial(t).Stop()
	require.NoError(t, err)
	assert.Equal(t, RequestStop, (<-received).Type)
}

func TestClient_ReloadConfigError(t *testing.T) {
	startRecordingServer(t, &Response{Success: false, Error: "bad yaml"})

	err := dial(t).ReloadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad yaml")
}

func TestIsDaemonRunning(t *testing.T) {
	t.Run("returns false when not running", func(t *testing.T) {
		isolateConfigDir(t)
		assert.False(t, IsDaemonRunning())
	})

	t.Run("returns true when running", func(t *testing.T) {
		startRecordingServer(t, &Response{Success: true})
		time.Sleep(50 * time.Millisecond)
		assert.True(t, IsDaemonRunning())
	})
}

func TestConnect_NotRunning(t *testing.T) {
	isolateConfigDir(t)

	_, err := Connect()
	assert.Error(t, err)
}
