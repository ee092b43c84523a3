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
	"time"
)

// State is the lifecycle state of a Service.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateExited
	StateCrashed
	StateRestarting
)

func (st State) String() string {
	switch st {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	}
	return "unknown"
}

// Cause records why a run ended.
type Cause int

const (
	CauseNone     Cause = iota
	CauseExit           // exited with status zero
	CauseCrash          // non-zero status, or killed by a signal
	CauseLaunch         // could not be launched at all
	CauseMemory         // memory ceiling breached
	CauseOperator       // stopped or restarted on request
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseExit:
		return "exit"
	case CauseCrash:
		return "crash"
	case CauseLaunch:
		return "launch"
	case CauseMemory:
		return "memory"
	case CauseOperator:
		return "operator"
	}
	return "unknown"
}

// RunState is the mutable record of a supervised process.  Copies of it
// are handed out by Service.Status.
type RunState struct {
	State     State
	RunID     string    // Identifies the current (or last) run
	Pid       int       // Zero unless running
	Restarts  int       // Restarts since the last stable run
	Failures  int       // Consecutive runs shorter than the minimum uptime
	Launches  int       // Total launch attempts
	Started   time.Time // Start of the current (or last) run
	Changed   time.Time // Time of the last state change
	LastExit  int       // Exit status of the last run, -1 if signalled
	LastCause Cause
	RSS       uint64 // Last sampled resident memory
	Fatal     error  // Set when the policy gave up
}

// Uptime returns how long the current run has lasted, or zero.
func (rs RunState) Uptime(now time.Time) time.Duration {
	if rs.State != StateRunning || rs.Started.IsZero() {
		return 0
	}
	return now.Sub(rs.Started)
}

// Policy is the restart state machine of a single Service.  It performs
// no I/O and holds no locks; the owner serializes calls.  Every method
// that would be an invalid transition for the current state is ignored,
// and reports false.
type Policy struct {
	rp RestartPolicy
	rs RunState
}

// NewPolicy returns a machine in the Stopped state.
func NewPolicy(rp RestartPolicy) *Policy {
	return &Policy{rp: rp, rs: RunState{State: StateStopped, LastExit: -1}}
}

func (p *Policy) State() State {
	return p.rs.State
}

// Snapshot returns a copy of the run state.
func (p *Policy) Snapshot() RunState {
	return p.rs
}

func (p *Policy) set(st State, now time.Time) {
	p.rs.State = st
	p.rs.Changed = now
}

// Start moves to Starting.  It is valid from Stopped (an operator start,
// which also clears the counters) and from Restarting.
func (p *Policy) Start(now time.Time) bool {
	switch p.rs.State {
	case StateStopped:
		p.Reset()
	case StateRestarting:
	default:
		return false
	}
	p.rs.Started = now
	p.rs.Pid = 0
	p.rs.RSS = 0
	p.rs.Launches++
	p.set(StateStarting, now)
	return true
}

// Launched records a successful launch, moving to Running.
func (p *Policy) Launched(runID string, pid int, now time.Time) bool {
	if p.rs.State != StateStarting {
		return false
	}
	p.rs.RunID = runID
	p.rs.Pid = pid
	p.rs.Started = now
	p.set(StateRunning, now)
	return true
}

// Stable is called once a run has lasted the minimum uptime.  The
// restart counter is reset, so that an isolated crash later on is not
// mistaken for flapping.
func (p *Policy) Stable() bool {
	if p.rs.State != StateRunning {
		return false
	}
	p.rs.Restarts = 0
	p.rs.Failures = 0
	return true
}

// Sampled records the most recent memory sample.
func (p *Policy) Sampled(rss uint64) {
	if p.rs.State == StateRunning {
		p.rs.RSS = rss
	}
}

// Ended applies the restart policy to the end of a run, and returns the
// resulting state: Restarting, or Stopped.  It is a no-op once Stopped.
//
// A run that lasted at least MinUptime resets the counter first.  The
// counter is then checked against MaxRestarts, and either incremented
// (Restarting) or the machine gives up (Stopped, with Fatal set).
func (p *Policy) Ended(cause Cause, status int, now time.Time) State {
	switch p.rs.State {
	case StateStarting, StateRunning:
	default:
		return p.rs.State
	}
	// A child that never launched was never stable.
	stable := p.rs.State == StateRunning && now.Sub(p.rs.Started) >= p.rp.MinUptime

	p.rs.LastCause = cause
	p.rs.LastExit = status
	p.rs.Pid = 0
	if cause == CauseExit {
		p.set(StateExited, now)
	} else {
		p.set(StateCrashed, now)
	}

	if stable {
		p.rs.Restarts = 0
		p.rs.Failures = 0
	} else {
		p.rs.Failures++
	}

	if !p.rp.AutoRestart {
		p.set(StateStopped, now)
		return StateStopped
	}
	if p.rs.Restarts >= p.rp.MaxRestarts {
		p.rs.Fatal = ErrTooManyRestarts
		p.set(StateStopped, now)
		return StateStopped
	}
	p.rs.Restarts++
	p.set(StateRestarting, now)
	return StateRestarting
}

// Restarted handles an operator (or watch) restart of a running child.
// The counters are left alone, and the machine goes straight to Starting.
func (p *Policy) Restarted(now time.Time) bool {
	switch p.rs.State {
	case StateRunning, StateStarting, StateRestarting:
	default:
		return false
	}
	p.rs.LastCause = CauseOperator
	p.rs.Pid = 0
	p.rs.Started = now
	p.rs.Launches++
	p.set(StateStarting, now)
	return true
}

// Halt moves to Stopped on request.  This is not a failure, so Fatal is
// not set.
func (p *Policy) Halt(now time.Time) bool {
	if p.rs.State == StateStopped {
		return false
	}
	if p.rs.State == StateRunning {
		p.rs.LastCause = CauseOperator
	}
	p.rs.Pid = 0
	p.set(StateStopped, now)
	return true
}

// Reset clears the restart counter and any fatal condition.
func (p *Policy) Reset() {
	p.rs.Restarts = 0
	p.rs.Failures = 0
	p.rs.Fatal = nil
}
