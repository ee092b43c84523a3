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
	"os"
	"sort"
	"strings"
	"time"
)

// ProcessSpec describes how to launch a supervised program.  Once handed
// to NewService it is copied, and never changed again.
type ProcessSpec struct {
	Name    string            // Service name, unique within a Manager
	Command string            // Program to run
	Args    []string          // Arguments, not including the program
	Dir     string            // Working directory
	Env     map[string]string // Merged over the inherited environment
	OutFile string            // Standard output destination
	ErrFile string            // Standard error destination
	LogFile string            // Optional destination for both streams
	Time    bool              // Prefix each logged line with a timestamp

	Watch       []string // Paths whose modification triggers a restart
	IgnoreWatch []string // Glob patterns excluded from watching
}

func copyArray(src []string) []string {
	if src == nil {
		return nil
	}
	return append(make([]string, 0, len(src)), src...)
}

func (ps ProcessSpec) clone() ProcessSpec {
	c := ps
	c.Args = copyArray(ps.Args)
	c.Watch = copyArray(ps.Watch)
	c.IgnoreWatch = copyArray(ps.IgnoreWatch)
	if ps.Env != nil {
		c.Env = make(map[string]string, len(ps.Env))
		for k, v := range ps.Env {
			c.Env[k] = v
		}
	}
	return c
}

// Environ returns the environment for the child: the environment of the
// current process, with Env applied on top of it.  The result is sorted,
// and each name appears once.
func (ps ProcessSpec) Environ() []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range ps.Env {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// LogPaths returns the distinct log files the launcher writes to.
func (ps ProcessSpec) LogPaths() []string {
	var paths []string
	seen := make(map[string]bool)
	for _, p := range []string{ps.OutFile, ps.ErrFile, ps.LogFile} {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}

// RestartPolicy holds the knobs of the restart state machine.
type RestartPolicy struct {
	AutoRestart    bool          // Restart after the child ends
	MaxRestarts    int           // Restarts allowed before giving up
	MinUptime      time.Duration // A run at least this long is stable
	RestartDelay   time.Duration // Wait before each restart
	MaxMemory      uint64        // RSS ceiling in bytes, 0 disables
	KillTimeout    time.Duration // Grace period between SIGTERM and SIGKILL
	SampleInterval time.Duration // How often RSS is sampled
}

const (
	DefaultMaxRestarts    = 16
	DefaultMinUptime      = time.Second
	DefaultKillTimeout    = 1600 * time.Millisecond
	DefaultSampleInterval = time.Second
)

// DefaultRestartPolicy returns the policy used for options that are
// not configured.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		AutoRestart:    true,
		MaxRestarts:    DefaultMaxRestarts,
		MinUptime:      DefaultMinUptime,
		KillTimeout:    DefaultKillTimeout,
		SampleInterval: DefaultSampleInterval,
	}
}
