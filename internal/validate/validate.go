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

// Package validate checks that watched files hold well-formed structured data
// before they are allowed to become (or replace) a backup.
package validate

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"vectorguard/internal/common"
)

// Validator reports whether the file at path is structurally well-formed.
type Validator interface {
	IsWellFormed(path string) bool
}

// JSON validates vector index files stored as JSON documents.
// A document is well-formed when it is non-empty, parses as JSON and its
// top-level value is an object or an array.
type JSON struct{}

// IsWellFormed implements Validator.
func (v JSON) IsWellFormed(path string) bool {
	return v.Check(path) == nil
}

// Check returns nil for a well-formed file, or an error wrapping
// common.ErrNotFound or common.ErrInvalidData describing why it is not.
func (JSON) Check(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", common.ErrNotFound, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	return CheckBytes(data)
}

// CheckBytes applies the JSON rules to an in-memory document.
func CheckBytes(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty document", common.ErrInvalidData)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: not valid JSON", common.ErrInvalidData)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() && !root.IsArray() {
		return fmt.Errorf("%w: top-level value is %s, want object or array", common.ErrInvalidData, root.Type)
	}
	return nil
}
