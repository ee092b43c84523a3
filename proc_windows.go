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

//go:build windows

package pmvisor

import (
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Windows has no process groups in the POSIX sense, and no polite
// termination signal for console programs, so both operations kill.

func setProcAttr(cmd *exec.Cmd) {
}

func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return terminateGroup(p)
}

func checkExecutable(path string) error {
	fi, e := os.Stat(path)
	if e != nil {
		return e
	}
	if fi.IsDir() {
		return errors.New("Is a directory")
	}
	return nil
}

func executableNames(path string) []string {
	if strings.Contains(path[strings.LastIndexAny(path, `\/`)+1:], ".") {
		return []string{path}
	}
	names := []string{path}
	for _, ext := range strings.Split(os.Getenv("PATHEXT"), ";") {
		if ext != "" {
			names = append(names, path+strings.ToLower(ext))
		}
	}
	return names
}
