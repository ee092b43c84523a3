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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestManager(t *testing.T) {
	Convey("Given a manager", t, func() {
		l := &testLauncher{}
		m := newTestManager(t, l, nil)
		So(m.Name(), ShouldEqual, "test")

		a := NewService(ProcessSpec{Name: "a", Command: "a"}, quickPolicy())
		b := NewService(ProcessSpec{Name: "b", Command: "b"}, quickPolicy())
		serial := m.Serial()
		So(m.AddService(b), ShouldBeNil)
		So(m.AddService(a), ShouldBeNil)
		So(m.Serial(), ShouldNotEqual, serial)

		Convey("Services are listed by name", func() {
			svcs := m.Services()
			So(len(svcs), ShouldEqual, 2)
			So(svcs[0], ShouldEqual, a)
			So(svcs[1], ShouldEqual, b)

			s, e := m.FindService("b")
			So(e, ShouldBeNil)
			So(s, ShouldEqual, b)
			_, e = m.FindService("c")
			So(e, ShouldEqual, ErrNoSuchService)
			shutdown(m)
		})

		Convey("Names are unique", func() {
			dup := NewService(ProcessSpec{Name: "a", Command: "other"}, quickPolicy())
			So(m.AddService(dup), ShouldEqual, ErrDuplicate)
			shutdown(m)
		})

		Convey("StartAll starts everything", func() {
			So(m.StartAll(), ShouldBeNil)
			So(waitFor(func() bool {
				return a.Status().State == StateRunning &&
					b.Status().State == StateRunning
			}), ShouldBeTrue)
			// Each service has its own child.
			So(l.count(), ShouldEqual, 2)
			So(a.Status().Pid, ShouldNotEqual, b.Status().Pid)

			Convey("Running services cannot be deleted", func() {
				So(m.DeleteService(a), ShouldEqual, ErrRunning)
				shutdown(m)
			})

			Convey("Stopped ones can", func() {
				So(a.Stop(), ShouldBeNil)
				So(m.DeleteService(a), ShouldBeNil)
				So(len(m.Services()), ShouldEqual, 1)
				So(m.DeleteService(a), ShouldEqual, ErrNoSuchService)
				So(a.Start(), ShouldEqual, ErrNoManager)
				shutdown(m)
			})

			Convey("Shutdown terminates every child", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				So(m.Shutdown(ctx), ShouldBeNil)
				for i := 0; i < 2; i++ {
					So(atomic.LoadInt32(&l.handle(i).terminated), ShouldEqual, int32(1))
				}
				So(a.Status().State, ShouldEqual, StateStopped)
				So(b.Status().State, ShouldEqual, StateStopped)
				So(a.Start(), ShouldEqual, ErrShutdown)

				c := NewService(ProcessSpec{Name: "c", Command: "c"}, quickPolicy())
				So(m.AddService(c), ShouldEqual, ErrShutdown)
				So(m.Shutdown(ctx), ShouldBeNil)
			})
		})

		Convey("Changes wake watchers", func() {
			old := m.Serial()
			go func() {
				time.Sleep(10 * time.Millisecond)
				a.Start()
			}()
			So(m.WatchSerial(old, 5*time.Second), ShouldNotEqual, old)

			list := m.WatchServices(0, 0)
			So(m.WatchServices(list, 10*time.Millisecond), ShouldEqual, list)
			shutdown(m)
		})

		Convey("The log collects every service", func() {
			recs, id := m.GetLog(0)
			So(len(recs), ShouldBeGreaterThan, 0)
			found := false
			for _, r := range recs {
				if strings.Contains(r.Text, "Added service a") {
					found = true
				}
			}
			So(found, ShouldBeTrue)
			recs, _ = m.GetLog(id)
			So(recs, ShouldBeNil)

			a.Start()
			So(m.WatchLog(id, 5*time.Second), ShouldNotEqual, id)
			shutdown(m)
		})

		So(m.GetInfo().Name, ShouldEqual, "test")
	})
}
