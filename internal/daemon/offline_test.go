package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorguard/internal/common"
)

func offlineSettings(root string) *Settings {
	s := DefaultSettings()
	s.WatchRoot = root
	s.LockTimeout = 0
	s.Corruption.ThresholdBytes = 10
	s.Corruption.DropRatio = 0.5
	return &s
}

func TestOfflineSweep(t *testing.T) {
	isolateConfigDir(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.json"), []byte(`{"a":1}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.json"), []byte(`{"b":`), 0644))

	log := logrus.New()
	log.SetOutput(io.Discard)

	sum, err := OfflineSweep(context.Background(), offlineSettings(root), log)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Failed)

	lock, err := AcquireLock(context.Background(), RootLockPath(root), 0)
	require.NoError(t, err)
	defer lock.Unlock()
	_, err = OfflineSweep(context.Background(), offlineSettings(root), log)
	assert.ErrorIs(t, err, common.ErrLockHeld)
}

func TestCheckFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	healthy := filepath.Join(root, "healthy.json")
	collapsed := filepath.Join(root, "collapsed.json")
	fresh := filepath.Join(root, "fresh.json")

	big := `{"d":"` + strings.Repeat("x", 100) + `"}`
	require.NoError(t, os.WriteFile(healthy, []byte(big), 0644))
	require.NoError(t, os.WriteFile(common.BackupPath(healthy), []byte(big), 0644))
	require.NoError(t, os.WriteFile(collapsed, []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(common.BackupPath(collapsed), []byte(big), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte(`[`), 0644))

	reports, err := CheckFiles(offlineSettings(root), nil)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	byName := make(map[string]FileReport)
	for _, r := range reports {
		byName[r.RelPath] = r
	}

	assert.False(t, byName["healthy.json"].Corrupted)
	assert.True(t, byName["healthy.json"].BackupValid)

	assert.True(t, byName["collapsed.json"].Corrupted)
	assert.True(t, byName["collapsed.json"].SourceValid)

	assert.False(t, byName["fresh.json"].HasBackup)
	assert.False(t, byName["fresh.json"].SourceValid)

	one, err := CheckFiles(offlineSettings(root), []string{collapsed})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.True(t, one[0].Corrupted)
}
