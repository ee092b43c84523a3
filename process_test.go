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
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func runToEnd(l Launcher, spec ProcessSpec) (int, error) {
	h, e := l.Start(spec)
	if e != nil {
		return 0, e
	}
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		h.Kill()
		return 0, errors.New("child did not exit")
	}
	return h.ExitStatus()
}

func readFile(path string) string {
	b, _ := os.ReadFile(path)
	return string(b)
}

func TestExecLauncher(t *testing.T) {
	Convey("Given an exec launcher", t, func() {
		l := NewExecLauncher(nil)
		dir := t.TempDir()
		spec := ProcessSpec{
			Name:    "sh",
			Command: "sh",
			Dir:     dir,
			OutFile: "logs/out.log",
			ErrFile: "logs/err.log",
			LogFile: filepath.Join(dir, "logs", "combined.log"),
		}

		Convey("Output goes to the log files", func() {
			spec.Args = []string{"-c", "echo out; echo err 1>&2"}
			status, e := runToEnd(l, spec)
			So(e, ShouldBeNil)
			So(status, ShouldEqual, 0)
			So(readFile(filepath.Join(dir, "logs", "out.log")), ShouldEqual, "out\n")
			So(readFile(filepath.Join(dir, "logs", "err.log")), ShouldEqual, "err\n")
			combined := readFile(spec.LogFile)
			So(combined, ShouldContainSubstring, "out\n")
			So(combined, ShouldContainSubstring, "err\n")

			Convey("And is appended on the next run", func() {
				_, e := runToEnd(l, spec)
				So(e, ShouldBeNil)
				So(readFile(filepath.Join(dir, "logs", "out.log")), ShouldEqual, "out\nout\n")
				So(strings.Count(readFile(spec.LogFile), "\n"), ShouldEqual, 4)
			})
		})

		Convey("Lines can be timestamped", func() {
			spec.Args = []string{"-c", "echo hello"}
			spec.Time = true
			_, e := runToEnd(l, spec)
			So(e, ShouldBeNil)
			re := regexp.MustCompile(`^\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d: hello\n$`)
			So(re.MatchString(readFile(filepath.Join(dir, "logs", "out.log"))), ShouldBeTrue)
		})

		Convey("A file named as both out and combined log gets each line once", func() {
			spec.OutFile = "logs/app.log"
			spec.LogFile = "./logs/app.log"
			spec.Args = []string{"-c", "echo hello; echo oops 1>&2"}
			_, e := runToEnd(l, spec)
			So(e, ShouldBeNil)
			app := readFile(filepath.Join(dir, "logs", "app.log"))
			So(strings.Count(app, "hello\n"), ShouldEqual, 1)
			So(strings.Count(app, "oops\n"), ShouldEqual, 1)
			So(readFile(filepath.Join(dir, "logs", "err.log")), ShouldEqual, "oops\n")
		})

		Convey("The environment and directory are applied", func() {
			spec.Args = []string{"-c", `echo "$PMVISOR_TEST"; pwd`}
			spec.Env = map[string]string{"PMVISOR_TEST": "merged"}
			_, e := runToEnd(l, spec)
			So(e, ShouldBeNil)
			out := readFile(filepath.Join(dir, "logs", "out.log"))
			So(out, ShouldStartWith, "merged\n")
			real, _ := filepath.EvalSymlinks(dir)
			So(out, ShouldContainSubstring, real)
		})

		Convey("Exit status is reported", func() {
			spec.Args = []string{"-c", "exit 3"}
			status, e := runToEnd(l, spec)
			So(e, ShouldBeNil)
			So(status, ShouldEqual, 3)
		})

		Convey("Terminate stops the whole group", func() {
			spec.Args = []string{"-c", "sleep 3600 & sleep 3600"}
			h, e := l.Start(spec)
			So(e, ShouldBeNil)
			So(h.Pid(), ShouldBeGreaterThan, 0)
			time.Sleep(50 * time.Millisecond)
			So(h.Terminate(), ShouldBeNil)
			select {
			case <-h.Done():
			case <-time.After(5 * time.Second):
				h.Kill()
				So("timeout", ShouldBeEmpty)
			}
			status, _ := h.ExitStatus()
			So(status, ShouldEqual, -1)
		})

		Convey("A missing working directory fails the launch", func() {
			spec.Dir = filepath.Join(dir, "nope")
			_, e := l.Start(spec)
			var le *LaunchError
			So(errors.As(e, &le), ShouldBeTrue)
			So(le.Name, ShouldEqual, "sh")
			So(errors.Is(e, os.ErrNotExist), ShouldBeTrue)
		})

		Convey("A missing executable fails the launch", func() {
			spec.Command = "pmvisor-no-such-program"
			_, e := l.Start(spec)
			var le *LaunchError
			So(errors.As(e, &le), ShouldBeTrue)
			So(errors.Is(e, exec.ErrNotFound), ShouldBeTrue)
			_, e = os.Stat(filepath.Join(dir, "logs"))
			So(os.IsNotExist(e), ShouldBeTrue)
		})

		Convey("A relative command resolves against the directory", func() {
			script := filepath.Join(dir, "run.sh")
			So(os.WriteFile(script, []byte("#!/bin/sh\necho script\n"), 0755), ShouldBeNil)
			spec.Command = "./run.sh"
			status, e := runToEnd(l, spec)
			So(e, ShouldBeNil)
			So(status, ShouldEqual, 0)
			So(readFile(filepath.Join(dir, "logs", "out.log")), ShouldEqual, "script\n")
		})
	})
}

func TestProcessSupervision(t *testing.T) {
	Convey("A real child that keeps failing", t, func() {
		m := NewManager("TestProcessSupervision")
		m.SetLogWriter(&testLog{t: t})
		defer shutdown(m)

		dir := t.TempDir()
		pol := quickPolicy()
		pol.MaxRestarts = 2
		s := NewService(ProcessSpec{
			Name:    "fail",
			Command: "sh",
			Args:    []string{"-c", "echo starting; exit 1"},
			Dir:     dir,
			OutFile: "out.log",
		}, pol)
		So(m.AddService(s), ShouldBeNil)
		So(s.Start(), ShouldBeNil)
		So(waitFor(func() bool { return s.Status().Fatal != nil }), ShouldBeTrue)

		rs := s.Status()
		So(rs.State, ShouldEqual, StateStopped)
		So(rs.Launches, ShouldEqual, 3)
		So(rs.LastExit, ShouldEqual, 1)
		So(readFile(filepath.Join(dir, "out.log")), ShouldEqual, "starting\nstarting\nstarting\n")
	})
}
