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

//go:build !windows

package pmvisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by the process, falling back
// to the process alone if the group is already gone.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(p.Pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func checkExecutable(path string) error {
	fi, e := os.Stat(path)
	if e != nil {
		return e
	}
	if fi.IsDir() {
		return errors.New("Is a directory")
	}
	return unix.Access(path, unix.X_OK)
}

func executableNames(path string) []string {
	return []string{path}
}
