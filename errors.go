// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pmvisor

import (
	"errors"
	"fmt"
)

var (
	ErrNoManager       = errors.New("No manager for service")
	ErrNoSuchService   = errors.New("No such service")
	ErrDuplicate       = errors.New("Service name already registered")
	ErrTooManyRestarts = errors.New("Restarted too many times")
	ErrMemoryLimit     = errors.New("Memory limit exceeded")
	ErrShutdown        = errors.New("Manager shut down")
	ErrRunning         = errors.New("Service is not stopped")
)

// LaunchError is returned by a Launcher when the child could not be
// started at all, because the executable or the working directory is
// unusable, or the log files cannot be opened.
type LaunchError struct {
	Name string // Service name
	Path string // The offending path
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.Name, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ConfigError reports a malformed configuration value.  A service whose
// configuration has an error is never registered.
type ConfigError struct {
	App   string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config %s: %v", e.App, e.Err)
	}
	return fmt.Sprintf("config %s: %s: %v", e.App, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// SampleError is a transient failure to read the memory usage of a child.
type SampleError struct {
	Pid int
	Err error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample pid %d: %v", e.Pid, e.Err)
}

func (e *SampleError) Unwrap() error {
	return e.Err
}
