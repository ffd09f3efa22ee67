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

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrNoBackup            = errors.New("no backup")
	ErrInvalidData         = errors.New("malformed structured data")
	ErrCopyVerify          = errors.New("copy verification failed")
	ErrSweepBusy           = errors.New("backup sweep already running")
	ErrAttemptsExhausted   = errors.New("recovery attempts exhausted")
	ErrLockHeld            = errors.New("another guard instance holds the lock")
	ErrCancelled           = errors.New("operation cancelled")
	ErrProcessStillRunning = errors.New("guarded process still running")
	ErrInvalidPath         = errors.New("invalid path")
	ErrEngineStopped       = errors.New("guard engine is not running")
)
