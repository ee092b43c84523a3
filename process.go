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
	"bufio"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeFormat is the layout of timestamps prefixed to log lines when
// ProcessSpec.Time is set.
const TimeFormat = "2006-01-02T15:04:05"

// drainTimeout bounds how long output is still collected after the
// child itself has exited.
const drainTimeout = 2 * time.Second

// ExecLauncher launches real operating system processes.  The child gets
// its own process group, so that signals reach any processes it spawns in
// turn.  Standard output and error are copied, a line at a time, to the
// log files named in the spec.  The files are always opened for append,
// so restarting a child never loses earlier output.
type ExecLauncher struct {
	// Logger receives launcher diagnostics.  May be nil.
	Logger *log.Logger
}

// sink is a log file shared by the stdout and stderr copiers.
type sink struct {
	f  *os.File
	mx sync.Mutex
}

func (s *sink) writeLine(stamp bool, line string) {
	s.mx.Lock()
	if stamp {
		s.f.WriteString(time.Now().Format(TimeFormat) + ": " + line)
	} else {
		s.f.WriteString(line)
	}
	s.mx.Unlock()
}

type execHandle struct {
	name   string
	cmd    *exec.Cmd
	sinks  map[string]*sink
	logger *log.Logger
	done   chan struct{}
	status int
	err    error
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) ExitStatus() (int, error) {
	<-h.done
	return h.status, h.err
}

func (h *execHandle) Terminate() error {
	return terminateGroup(h.cmd.Process)
}

func (h *execHandle) Kill() error {
	return killGroup(h.cmd.Process)
}

func (h *execHandle) logf(format string, v ...interface{}) {
	if h.logger != nil {
		h.logger.Printf(format, v...)
	}
}

// copyLines copies the stream to the sinks, a line at a time.  A partial
// last line is copied as is.
// uniqueSinks drops nil and repeated sinks, so a file named twice gets
// each line once.
func uniqueSinks(list ...*sink) []*sink {
	var res []*sink
	for _, s := range list {
		dup := s == nil
		for _, o := range res {
			if o == s {
				dup = true
			}
		}
		if !dup {
			res = append(res, s)
		}
	}
	return res
}

func copyLines(r io.Reader, stamp bool, sinks []*sink) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			for _, s := range sinks {
				s.writeLine(stamp, line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *execHandle) wait(copiers *sync.WaitGroup, pipes []*os.File) {
	err := h.cmd.Wait()

	// Descendants may still hold the pipes open.  Give the copiers a
	// moment to drain, then cut them off.
	drained := make(chan struct{})
	go func() {
		copiers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		h.logf("Output of %s still open after exit", h.name)
	}
	for _, p := range pipes {
		p.Close()
	}
	<-drained

	for path, s := range h.sinks {
		if e := s.f.Close(); e != nil {
			h.logf("Failed closing %s: %v", path, e)
		}
	}
	h.status = -1
	if ps := h.cmd.ProcessState; ps != nil {
		h.status = ps.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The status carries all we need.
		err = nil
	}
	h.err = err
	close(h.done)
}

func closeSinks(sinks map[string]*sink) {
	for _, s := range sinks {
		s.f.Close()
	}
}

func openSink(path string) (*sink, error) {
	if e := os.MkdirAll(filepath.Dir(path), 0755); e != nil {
		return nil, e
	}
	f, e := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if e != nil {
		return nil, e
	}
	return &sink{f: f}, nil
}

// resolveDir returns the absolute working directory, checking that it
// exists.
func resolveDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, e := filepath.Abs(dir)
	if e != nil {
		return "", e
	}
	fi, e := os.Stat(abs)
	if e != nil {
		return "", e
	}
	if !fi.IsDir() {
		return "", errors.New("Not a directory")
	}
	return abs, nil
}

func lookupEnv(env []string, name string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, name+"=") {
			return kv[len(name)+1:]
		}
	}
	return ""
}

// lookPath finds the executable.  Names containing a separator are taken
// relative to the working directory; others are searched for in the PATH
// of the child's environment, not ours.
func lookPath(name, dir string, env []string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		if e := checkExecutable(name); e != nil {
			return "", e
		}
		return name, nil
	}
	for _, d := range filepath.SplitList(lookupEnv(env, "PATH")) {
		if d == "" {
			d = "."
		}
		if !filepath.IsAbs(d) {
			d = filepath.Join(dir, d)
		}
		for _, candidate := range executableNames(filepath.Join(d, name)) {
			if checkExecutable(candidate) == nil {
				return candidate, nil
			}
		}
	}
	return "", exec.ErrNotFound
}

// Start implements Launcher.
func (l *ExecLauncher) Start(spec ProcessSpec) (Handle, error) {
	dir, e := resolveDir(spec.Dir)
	if e != nil {
		return nil, &LaunchError{Name: spec.Name, Path: spec.Dir, Err: e}
	}
	env := spec.Environ()
	path, e := lookPath(spec.Command, dir, env)
	if e != nil {
		return nil, &LaunchError{Name: spec.Name, Path: spec.Command, Err: e}
	}

	sinks := make(map[string]*sink)
	for _, p := range spec.LogPaths() {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if sinks[p] != nil {
			continue
		}
		s, e := openSink(p)
		if e != nil {
			closeSinks(sinks)
			return nil, &LaunchError{Name: spec.Name, Path: p, Err: e}
		}
		sinks[p] = s
	}
	find := func(p string) *sink {
		if p == "" {
			return nil
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		return sinks[p]
	}
	outs := uniqueSinks(find(spec.OutFile), find(spec.LogFile))
	errs := uniqueSinks(find(spec.ErrFile), find(spec.LogFile))

	cmd := &exec.Cmd{
		Path: path,
		Args: append([]string{spec.Command}, spec.Args...),
		Dir:  dir,
		Env:  env,
	}
	setProcAttr(cmd)

	outR, outW, e := os.Pipe()
	if e != nil {
		closeSinks(sinks)
		return nil, &LaunchError{Name: spec.Name, Path: path, Err: e}
	}
	errR, errW, e := os.Pipe()
	if e != nil {
		outR.Close()
		outW.Close()
		closeSinks(sinks)
		return nil, &LaunchError{Name: spec.Name, Path: path, Err: e}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	e = cmd.Start()
	// The child holds its own copies of the write ends now.
	outW.Close()
	errW.Close()
	if e != nil {
		outR.Close()
		errR.Close()
		closeSinks(sinks)
		return nil, &LaunchError{Name: spec.Name, Path: path, Err: e}
	}

	h := &execHandle{
		name:   spec.Name,
		cmd:    cmd,
		sinks:  sinks,
		logger: l.Logger,
		done:   make(chan struct{}),
	}
	copiers := &sync.WaitGroup{}
	copiers.Add(2)
	go func() {
		copyLines(outR, spec.Time, outs)
		copiers.Done()
	}()
	go func() {
		copyLines(errR, spec.Time, errs)
		copiers.Done()
	}()
	go h.wait(copiers, []*os.File{outR, errR})
	return h, nil
}

// NewExecLauncher returns a launcher logging to the given logger.
func NewExecLauncher(logger *log.Logger) *ExecLauncher {
	return &ExecLauncher{Logger: logger}
}
