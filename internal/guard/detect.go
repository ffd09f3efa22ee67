// Copyright 2024 VectorGuard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guard

import (
	"errors"
	"fmt"
	"os"

	"vectorguard/internal/common"
)

// NoBackup is passed as backupSize when a watched file has no backup yet.
const NoBackup int64 = -1

// Thresholds configure the corruption heuristic.
type Thresholds struct {
	// ThresholdBytes is the backup size at or below which detection never fires.
	ThresholdBytes int64
	// DropRatio flags corruption when the source falls below backup*DropRatio.
	DropRatio float64
}

// IsCorrupted reports whether a file of sourceSize bytes has collapsed
// relative to its backup of backupSize bytes. It is false when there is no
// backup (backupSize < 0) or the backup is not larger than thresholdBytes.
func IsCorrupted(sourceSize, backupSize, thresholdBytes int64, dropRatio float64) bool {
	if backupSize < 0 {
		return false
	}
	return backupSize > thresholdBytes && float64(sourceSize) < float64(backupSize)*dropRatio
}

// Detection is the on-disk state a corruption decision was made from.
type Detection struct {
	Path          string
	SourceSize    int64
	BackupSize    int64 // NoBackup when HasBackup is false
	HasBackup     bool
	SourceMissing bool
	Corrupted     bool
}

// Check stats path and its backup and applies IsCorrupted.
// A missing source is reported through SourceMissing and is never corrupted.
func Check(path string, th Thresholds) (Detection, error) {
	det := Detection{Path: path, BackupSize: NoBackup}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		det.SourceMissing = true
	case err != nil:
		return det, fmt.Errorf("stat %s: %w", path, err)
	default:
		det.SourceSize = info.Size()
	}

	binfo, err := os.Stat(common.BackupPath(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return det, fmt.Errorf("stat backup of %s: %w", path, err)
	default:
		det.HasBackup = true
		det.BackupSize = binfo.Size()
	}

	if !det.SourceMissing {
		det.Corrupted = IsCorrupted(det.SourceSize, det.BackupSize, th.ThresholdBytes, th.DropRatio)
	}
	return det, nil
}
