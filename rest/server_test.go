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

package rest

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/bcrypt"

	"github.com/pmvisor/pmvisor"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.t.Log(strings.Trim(string(p), "\n"))
	return len(p), nil
}

// idleHandle is a child that runs until it is told to stop.
type idleHandle struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func (h *idleHandle) Pid() int { return h.pid }
func (h *idleHandle) Done() <-chan struct{} { return h.done }
func (h *idleHandle) ExitStatus() (int, error) { return -1, nil }
func (h *idleHandle) Kill() error { return h.Terminate() }

func (h *idleHandle) Terminate() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

type idleLauncher struct {
	pid int
	mx  sync.Mutex
}

func (l *idleLauncher) Start(pmvisor.ProcessSpec) (pmvisor.Handle, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.pid++
	return &idleHandle{pid: l.pid, done: make(chan struct{})}, nil
}

func newTestServer(t *testing.T) (*pmvisor.Manager, *Handler, *httptest.Server) {
	m := pmvisor.NewManager("rest")
	m.SetLogger(log.New(&testLog{t: t}, "", 0))
	m.SetLauncher(&idleLauncher{})
	m.SetSampler(nil)
	reg := prometheus.NewRegistry()
	m.SetMetrics(pmvisor.NewMetrics(reg))

	pol := pmvisor.DefaultRestartPolicy()
	for _, name := range []string{"b", "a"} {
		s := pmvisor.NewService(pmvisor.ProcessSpec{
			Name:    name,
			Command: "/usr/bin/" + name,
			Args:    []string{"-v"},
		}, pol)
		if e := m.AddService(s); e != nil {
			t.Fatal(e)
		}
	}
	h := NewHandler(m)
	h.SetGatherer(reg)
	return m, h, httptest.NewServer(h)
}

func stopTestServer(m *pmvisor.Manager, srv *httptest.Server) {
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func waitState(c *Client, name, state string) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if si, e := c.GetService(name); e == nil && si.State == state {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestREST(t *testing.T) {
	Convey("Given a server", t, func() {
		m, h, srv := newTestServer(t)
		defer stopTestServer(m, srv)
		c := NewClient(nil, srv.URL)

		Convey("The manager is described", func() {
			mi, e := c.GetManager()
			So(e, ShouldBeNil)
			So(mi.Name, ShouldEqual, "rest")
			So(mi.Services, ShouldEqual, 2)
		})

		Convey("Services are listed", func() {
			names, e := c.Services()
			So(e, ShouldBeNil)
			So(names, ShouldResemble, []string{"a", "b"})

			// Unchanged, so answered from the cache.
			again, e := c.Services()
			So(e, ShouldBeNil)
			So(again, ShouldResemble, names)
		})

		Convey("A service is described", func() {
			si, e := c.GetService("a")
			So(e, ShouldBeNil)
			So(si.Name, ShouldEqual, "a")
			So(si.Command, ShouldEqual, "/usr/bin/a")
			So(si.Args, ShouldResemble, []string{"-v"})
			So(si.State, ShouldEqual, "stopped")
			So(si.Running(), ShouldBeFalse)
			So(si.Failed(), ShouldBeFalse)
			So(si.MaxRestarts, ShouldEqual, pmvisor.DefaultMaxRestarts)
		})

		Convey("Unknown services are not found", func() {
			_, e := c.GetService("nope")
			var re *Error
			So(errors.As(e, &re), ShouldBeTrue)
			So(re.Code, ShouldEqual, http.StatusNotFound)

			e = c.StartService("nope")
			So(errors.As(e, &re), ShouldBeTrue)
			So(re.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Services are controlled", func() {
			So(c.StartService("a"), ShouldBeNil)
			So(waitState(c, "a", "running"), ShouldBeTrue)
			si, _ := c.GetService("a")
			So(si.Pid, ShouldEqual, 1)
			So(si.Running(), ShouldBeTrue)

			So(c.RestartService("a"), ShouldBeNil)
			So(waitState(c, "a", "running"), ShouldBeTrue)
			si, _ = c.GetService("a")
			So(si.Pid, ShouldEqual, 2)
			So(si.Restarts, ShouldEqual, 0)

			So(c.ResetService("a"), ShouldBeNil)
			So(c.StopService("a"), ShouldBeNil)
			si, _ = c.GetService("a")
			So(si.State, ShouldEqual, "stopped")

			text, e := c.GetMetrics()
			So(e, ShouldBeNil)
			So(text, ShouldContainSubstring, `pmvisor_launches_total{result="ok",service="a"} 2`)
		})

		Convey("Long polls wait for a change", func() {
			si, e := c.GetService("b")
			So(e, ShouldBeNil)
			go func() {
				time.Sleep(20 * time.Millisecond)
				m.StartAll()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			next, e := c.WatchService(ctx, "b", si)
			So(e, ShouldBeNil)
			So(next.etag, ShouldNotEqual, si.etag)
		})

		Convey("Etags are honored", func() {
			res, e := http.Get(srv.URL + "/services")
			So(e, ShouldBeNil)
			res.Body.Close()
			etag := res.Header.Get("Etag")
			So(etag, ShouldNotBeEmpty)

			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/services", nil)
			req.Header.Set("If-None-Match", etag)
			res, e = http.DefaultClient.Do(req)
			So(e, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusNotModified)
		})

		Convey("Logs are served", func() {
			So(c.StartService("b"), ShouldBeNil)
			li, e := c.GetLog("b")
			So(e, ShouldBeNil)
			So(len(li.Records), ShouldBeGreaterThan, 0)
			So(li.Records[0].Text, ShouldStartWith, "[b] ")

			li, e = c.GetLog("")
			So(e, ShouldBeNil)
			found := false
			for _, r := range li.Records {
				if strings.Contains(r.Text, "Added service a") {
					found = true
				}
			}
			So(found, ShouldBeTrue)
		})

		Convey("Authentication can be required", func() {
			So(h.AddUser("admin", []byte("not a hash")), ShouldNotBeNil)
			hash, e := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
			So(e, ShouldBeNil)
			So(h.AddUser("admin", hash), ShouldBeNil)

			_, e = c.Services()
			var re *Error
			So(errors.As(e, &re), ShouldBeTrue)
			So(re.Code, ShouldEqual, http.StatusUnauthorized)

			c.SetAuth("admin", "wrong")
			_, e = c.Services()
			So(e, ShouldNotBeNil)

			c.SetAuth("admin", "secret")
			names, e := c.Services()
			So(e, ShouldBeNil)
			So(len(names), ShouldEqual, 2)
		})
	})
}
