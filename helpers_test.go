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
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	s := string(p)
	s = strings.Trim(s, "\n")
	tl.t.Log(s)
	return len(p), nil
}

// testHandle is a pretend child.  It exits when told to, or when
// terminated unless it is stubborn.
type testHandle struct {
	pid        int
	stubborn   bool
	status     int
	done       chan struct{}
	once       sync.Once
	terminated int32
	killed     int32
}

func (h *testHandle) exit(status int) {
	h.once.Do(func() {
		h.status = status
		close(h.done)
	})
}

func (h *testHandle) Pid() int { return h.pid }
func (h *testHandle) Done() <-chan struct{} { return h.done }
func (h *testHandle) ExitStatus() (int, error) { return h.status, nil }

func (h *testHandle) Terminate() error {
	atomic.AddInt32(&h.terminated, 1)
	if !h.stubborn {
		h.exit(-1)
	}
	return nil
}

func (h *testHandle) Kill() error {
	atomic.AddInt32(&h.killed, 1)
	h.exit(-1)
	return nil
}

// testLauncher hands out testHandles.  With exitAt set, every child
// exits at once with that status.
type testLauncher struct {
	fail     error
	exitAt   *int
	stubborn bool
	handles  []*testHandle
	mx       sync.Mutex
}

func (l *testLauncher) Start(spec ProcessSpec) (Handle, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.fail != nil {
		l.handles = append(l.handles, nil)
		return nil, &LaunchError{Name: spec.Name, Path: spec.Command, Err: l.fail}
	}
	h := &testHandle{
		pid:      len(l.handles) + 1,
		stubborn: l.stubborn,
		done:     make(chan struct{}),
	}
	l.handles = append(l.handles, h)
	if l.exitAt != nil {
		h.exit(*l.exitAt)
	}
	return h, nil
}

func (l *testLauncher) count() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.handles)
}

func (l *testLauncher) handle(i int) *testHandle {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.handles[i]
}

type testSampler struct {
	rss map[int]uint64
	mx  sync.Mutex
}

func (s *testSampler) set(pid int, rss uint64) {
	s.mx.Lock()
	if s.rss == nil {
		s.rss = make(map[int]uint64)
	}
	s.rss[pid] = rss
	s.mx.Unlock()
}

func (s *testSampler) RSS(_ context.Context, pid int) (uint64, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.rss[pid], nil
}

func newTestManager(t *testing.T, l Launcher, s Sampler) *Manager {
	m := NewManager("test")
	m.SetLogger(log.New(&testLog{t: t}, "", 0))
	m.SetLauncher(l)
	m.SetSampler(s)
	return m
}

func shutdown(m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

// waitFor polls until cond holds, or a few seconds have passed.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func quickPolicy() RestartPolicy {
	return RestartPolicy{
		AutoRestart:    true,
		MaxRestarts:    3,
		MinUptime:      time.Hour,
		KillTimeout:    20 * time.Millisecond,
		SampleInterval: 5 * time.Millisecond,
	}
}
