package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"vectorguard/internal/backup"
	"vectorguard/internal/common"
	"vectorguard/internal/guard"
	"vectorguard/internal/validate"
)

// OfflineSweep runs one backup sweep without a daemon. It holds the root
// lock for the duration, so it fails while any guard owns the root.
func OfflineSweep(ctx context.Context, s *Settings, log logrus.FieldLogger) (backup.SweepSummary, error) {
	root, err := s.ResolvedRoot()
	if err != nil {
		return backup.SweepSummary{}, err
	}
	lock, err := AcquireLock(ctx, RootLockPath(root), s.LockTimeout)
	if err != nil {
		return backup.SweepSummary{}, err
	}
	defer lock.Unlock()

	ev := backup.NewEvaluator(validate.JSON{}, s.CopyOptions(), log, nil)
	return ev.Sweep(ctx, root, BuildFileFilter(root, s.FilePattern, s.Excludes))
}

// FileReport is the offline view of one watched file.
type FileReport struct {
	guard.Detection
	RelPath     string
	SourceValid bool
	BackupValid bool
}

// CheckFiles inspects paths, or every watched file under the root when paths
// is empty. It never writes.
func CheckFiles(s *Settings, paths []string) ([]FileReport, error) {
	root, err := s.ResolvedRoot()
	if err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		filter := BuildFileFilter(root, s.FilePattern, s.Excludes)
		err := backup.Walk(root, filter, func(p string) error {
			paths = append(paths, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	v := validate.JSON{}
	reports := make([]FileReport, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		det, err := guard.Check(abs, s.Thresholds())
		if err != nil {
			return nil, err
		}
		rel, err := common.RelPath(root, abs)
		if err != nil {
			rel = abs
		}
		reports = append(reports, FileReport{
			Detection:   det,
			RelPath:     rel,
			SourceValid: !det.SourceMissing && v.IsWellFormed(abs),
			BackupValid: det.HasBackup && v.IsWellFormed(common.BackupPath(abs)),
		})
	}
	return reports, nil
}
