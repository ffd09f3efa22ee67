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

package util

import (
	"context"
	"fmt"
	"io"
)

// BackgroundStartConfig configures how a background guard daemon is launched.
type BackgroundStartConfig struct {
	Progress   io.Writer  // Receives "Starting guard..." progress text; nil for silence
	PollConfig PollConfig // Polling config for waiting on readiness
	Env        []string   // Environment for the child; nil inherits ours
}

// StartInBackground re-executes the current binary with args, detached from the
// terminal, and waits until isRunning reports true.
// Returns nil immediately if isRunning is already true.
func StartInBackground(ctx context.Context, cfg BackgroundStartConfig, isRunning func() bool, args []string) (int, error) {
	if isRunning() {
		return 0, nil
	}

	progress := cfg.Progress
	if progress == nil {
		progress = io.Discard
	}
	fmt.Fprint(progress, "Starting guard...")

	exe, err := GetExecutablePath()
	if err != nil {
		fmt.Fprintln(progress, " failed")
		return 0, err
	}

	proc, err := StartBackgroundProcess(exe, args, cfg.Env)
	if err != nil {
		fmt.Fprintln(progress, " failed")
		return 0, err
	}

	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		fmt.Fprintln(progress, " timeout")
		return proc.Pid, fmt.Errorf("guard did not start in time")
	}

	fmt.Fprintln(progress, " done")
	return proc.Pid, nil
}
