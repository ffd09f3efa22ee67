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

package common

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// BackupSuffix is appended to a watched file's path to name its rolling backup.
	BackupSuffix = ".bak"

	// TempSuffix marks in-progress copies; they are renamed into place once verified.
	TempSuffix = ".vgtmp"

	// RootLockName is the lock file a guard holds at the top of its watch root.
	RootLockName = ".vectorguard.lock"
)

// BackupPath returns the sibling backup path for a watched file
func BackupPath(path string) string {
	return path + BackupSuffix
}

// IsBackupPath reports whether path names a backup artifact
func IsBackupPath(path string) bool {
	return strings.HasSuffix(path, BackupSuffix)
}

// TempPath returns the staging path used while copying onto dst
func TempPath(dst string) string {
	return dst + TempSuffix
}

// IsTempPath reports whether path is a staging copy
func IsTempPath(path string) bool {
	return strings.HasSuffix(path, TempSuffix)
}

// IsArtifactPath reports whether path is owned by the guard (backup, staging copy
// or root lock) and must never be treated as a watched file.
func IsArtifactPath(path string) bool {
	return IsBackupPath(path) || IsTempPath(path) || filepath.Base(path) == RootLockName
}

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// RelPath returns path relative to root in slash form.
// The root itself maps to "". Paths outside root return ErrInvalidPath.
func RelPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err)
	}
	rel = NormalizePath(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, path, root)
	}
	return rel, nil
}
