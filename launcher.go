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

// Launcher starts children.  The Service that owns a Launcher never calls
// it concurrently for the same ProcessSpec, so that at most one child per
// spec is alive at any time.  Applications normally use ExecLauncher; the
// interface exists so that other kinds of launchers (and tests) can be
// substituted.
type Launcher interface {
	// Start launches the child described by the spec.  It returns
	// once the child is running, or with a *LaunchError if it could
	// not be launched at all.  A failed launch leaves nothing behind.
	Start(ProcessSpec) (Handle, error)
}

// Handle is a running child.  It is owned by the goroutine that
// launched it.
type Handle interface {
	// Pid returns the operating system process id.
	Pid() int

	// Done is closed once the child has exited, and its log files
	// have been closed.
	Done() <-chan struct{}

	// ExitStatus returns the exit status once Done is closed.  A
	// child that was killed by a signal reports -1.  The error is the
	// one reported by the operating system wait, if any.
	ExitStatus() (int, error)

	// Terminate politely asks the child (and its process group) to
	// exit.
	Terminate() error

	// Kill forcibly terminates the child and its process group.
	Kill() error
}
