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

// Package pmvisor provides a pure Go process supervisor.  It launches
// ordinary operating system processes, sends their standard output and
// error to append-only log files, and restarts them according to an
// explicit restart policy.
//
// Each supervised program is represented by a Service, created from an
// immutable ProcessSpec and RestartPolicy.  Services are registered with
// a Manager, which owns them for their whole lifetime.  A Service is driven
// by a single goroutine, which moves it through the following states:
//
//	Starting --> Running --> Exited/Crashed --> Restarting --> Starting
//	                                  |
//	                                  +--> Stopped
//
// A run that lasts at least the minimum uptime is considered stable, and
// resets the restart counter.  Runs that end sooner count against the
// maximum number of restarts; once that is exhausted the Service stays
// Stopped until an operator starts it again.
//
// When a memory ceiling is configured, the resident memory of the child
// (including its descendants) is sampled periodically, and a breach is
// handled exactly like a crash: the child is asked to terminate, killed
// if it does not do so within the kill timeout, and the restart policy
// decides what happens next.
//
// The configuration loader lives in the config package, and an HTTP
// control interface lives in the rest package.
package pmvisor
