package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectorguard/internal/common"
	"vectorguard/internal/metrics"
	"vectorguard/internal/validate"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEvaluator() *Evaluator {
	return NewEvaluator(validate.JSON{}, Options{MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger(), nil)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestResultString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "updated", Updated.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "failed", Failed.String())
}

func TestEvaluateCreatesByteIdenticalBackup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	content := `{"index":{"metric":"cosine"},"items":[{"id":"a","vector":[0.1,0.2,0.3]}]}`
	writeFile(t, path, content)

	out := newTestEvaluator().Evaluate(context.Background(), path)
	require.Equal(t, Created, out.Result, "err: %v", out.Err)
	assert.Equal(t, int64(-1), out.BackupSize)
	assert.Equal(t, content, readFile(t, common.BackupPath(path)))
	_, err := os.Stat(common.TempPath(common.BackupPath(path)))
	assert.True(t, os.IsNotExist(err), "staging file should not remain")
}

func TestEvaluateIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	writeFile(t, path, `{"items":[1,2,3]}`)

	e := newTestEvaluator()
	assert.Equal(t, Created, e.Evaluate(context.Background(), path).Result)
	assert.Equal(t, Skipped, e.Evaluate(context.Background(), path).Result)
}

func TestEvaluateUpdatesOnGrowth(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	writeFile(t, path, `{"items":[1]}`)
	e := newTestEvaluator()
	require.Equal(t, Created, e.Evaluate(context.Background(), path).Result)

	grown := `{"items":[1,2,3,4,5,6]}`
	writeFile(t, path, grown)
	out := e.Evaluate(context.Background(), path)
	assert.Equal(t, Updated, out.Result)
	assert.Equal(t, grown, readFile(t, common.BackupPath(path)))
}

func TestEvaluateSkipsShrunkFileWithoutValidation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	good := `{"items":[1,2,3,4,5,6,7,8,9]}`
	writeFile(t, common.BackupPath(path), good)
	// Smaller and malformed: the fast path never looks at the contents
	writeFile(t, path, `{"it`)

	out := newTestEvaluator().Evaluate(context.Background(), path)
	assert.Equal(t, Skipped, out.Result)
	assert.Equal(t, good, readFile(t, common.BackupPath(path)))
}

func TestEvaluateProtectsBackupFromLargerCorruptSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	good := `{"items":[1]}`
	writeFile(t, common.BackupPath(path), good)
	writeFile(t, path, `{"items":[1,2,3,4,5,6,7,8,9,10,11,`)

	out := newTestEvaluator().Evaluate(context.Background(), path)
	assert.Equal(t, Failed, out.Result)
	assert.True(t, errors.Is(out.Err, common.ErrInvalidData))
	assert.Equal(t, good, readFile(t, common.BackupPath(path)))
}

func TestEvaluateNeverCreatesBackupFromMalformedSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	writeFile(t, path, `not json at all`)

	out := newTestEvaluator().Evaluate(context.Background(), path)
	assert.Equal(t, Failed, out.Result)
	_, err := os.Stat(common.BackupPath(path))
	assert.True(t, os.IsNotExist(err), "no backup should be created")
}

// growingValidator approves the source, then lets the writer append a
// partial record before the copy reads it.
type growingValidator struct {
	source string
	once   sync.Once
}

func (v *growingValidator) IsWellFormed(path string) bool {
	ok := validate.JSON{}.IsWellFormed(path)
	if path == v.source {
		v.once.Do(func() {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
			if err != nil {
				return
			}
			defer f.Close()
			_, _ = f.WriteString(`,{"id":"partial","vec`)
		})
	}
	return ok
}

func TestEvaluateValidatesBytesWrittenToBackup(t *testing.T) {
	t.Parallel()

	t.Run("no backup yet", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "index.json")
		writeFile(t, path, `[{"id":"a"}]`)

		e := NewEvaluator(&growingValidator{source: path}, Options{MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger(), nil)
		out := e.Evaluate(context.Background(), path)
		assert.Equal(t, Failed, out.Result)
		assert.True(t, errors.Is(out.Err, common.ErrInvalidData), "err: %v", out.Err)
		_, err := os.Stat(common.BackupPath(path))
		assert.True(t, os.IsNotExist(err), "no backup should be created")
		_, err = os.Stat(common.TempPath(common.BackupPath(path)))
		assert.True(t, os.IsNotExist(err), "staging file should not remain")
	})

	t.Run("existing backup", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "index.json")
		good := `[{"id":"a"}]`
		writeFile(t, common.BackupPath(path), good)
		writeFile(t, path, `[{"id":"a"},{"id":"b"}]`)

		e := NewEvaluator(&growingValidator{source: path}, Options{MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger(), nil)
		out := e.Evaluate(context.Background(), path)
		assert.Equal(t, Failed, out.Result)
		assert.Equal(t, good, readFile(t, common.BackupPath(path)))
		assert.True(t, validate.JSON{}.IsWellFormed(common.BackupPath(path)))
	})
}

func TestEvaluateMissingSource(t *testing.T) {
	t.Parallel()

	out := newTestEvaluator().Evaluate(context.Background(), filepath.Join(t.TempDir(), "gone.json"))
	assert.Equal(t, Failed, out.Result)
	assert.True(t, errors.Is(out.Err, common.ErrNotFound))
}

func TestCopyVerifiedRetriesThenFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "index.json")
	writeFile(t, src, `{"a":1}`)
	// Destination directory does not exist, so every attempt fails
	dst := filepath.Join(dir, "missing", "index.json.bak")

	start := time.Now()
	e := NewEvaluator(validate.JSON{}, Options{MaxRetries: 3, RetryDelay: 20 * time.Millisecond}, testLogger(), nil)
	err := e.CopyVerified(context.Background(), src, dst)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "two delays between three attempts")
}

func TestCopyVerifiedMissingSourceIsNotRetried(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	e := NewEvaluator(validate.JSON{}, Options{MaxRetries: 5, RetryDelay: time.Second}, testLogger(), nil)

	start := time.Now()
	err := e.CopyVerified(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "index.json")
	good := `{"items":[1,2,3,4,5]}`
	writeFile(t, common.BackupPath(path), good)
	writeFile(t, path, `{}`)

	e := newTestEvaluator()
	require.NoError(t, e.Restore(context.Background(), path))
	assert.Equal(t, good, readFile(t, path))

	err := e.Restore(context.Background(), filepath.Join(t.TempDir(), "other.json"))
	assert.True(t, errors.Is(err, common.ErrNoBackup))
}

func TestSweep(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "chat-a", "index.json"), `{"items":[1]}`)
	writeFile(t, filepath.Join(root, "chat-b", "index.json"), `{"items":[1,2]}`)
	writeFile(t, filepath.Join(root, "chat-c", "index.json"), `{"items":[`)
	writeFile(t, filepath.Join(root, "chat-c", "notes.txt"), `ignored`)
	writeFile(t, filepath.Join(root, "skipdir", "index.json"), `{"x":1}`)

	filter := func(rel string, isDir bool) bool {
		if isDir {
			return !strings.HasPrefix(rel, "skipdir")
		}
		return filepath.Ext(rel) == ".json"
	}

	m := metrics.New()
	e := NewEvaluator(validate.JSON{}, Options{MaxRetries: 1}, testLogger(), m)
	sum, err := e.Sweep(context.Background(), root, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 3, sum.Total())
	assert.False(t, e.Busy())

	// Second sweep: backups are current, .bak files are never evaluated
	sum, err = e.Sweep(context.Background(), root, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Created)
}

func TestSweepIgnoredWhileBusy(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator()
	e.busy.Store(true)
	_, err := e.Sweep(context.Background(), t.TempDir(), nil)
	assert.True(t, errors.Is(err, common.ErrSweepBusy))
	assert.True(t, e.Busy(), "a rejected sweep must not clear the flag")
}

func TestSweepMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := newTestEvaluator().Sweep(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestSweepCancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.json"), `{"a":1}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := newTestEvaluator().Sweep(ctx, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.Total())
}
