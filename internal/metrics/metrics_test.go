package metrics

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.BackupEvaluated("created")
		m.EventProcessed("changed")
		m.CorruptionDetected()
		m.RecoveryFinished("recovered", time.Second)
		m.SweepFinished(time.Second)
		m.SetWatchedFiles(3)
		m.SetProcessHealthy(true)
	})
}

func TestCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.BackupEvaluated("created")
	m.BackupEvaluated("created")
	m.BackupEvaluated("failed")
	m.CorruptionDetected()
	m.RecoveryFinished("recovered", 2*time.Second)
	m.SetWatchedFiles(7)
	m.SetProcessHealthy(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Backups.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Backups.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Backups.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Detections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("recovered")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.WatchedFiles))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProcessHealthy))
}

func TestSeparateRegistries(t *testing.T) {
	t.Parallel()

	a, b := New(), New()
	a.CorruptionDetected()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Detections))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Detections))
}

func TestServer(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetWatchedFiles(2)
	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer("127.0.0.1:0", m, healthy.Load)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "vectorguard_watched_files 2")

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy.Store(false)
	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
