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
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Manager is the registry of supervised services.  It owns every Service
// added to it, and the goroutines that drive them.  Multiple managers may
// coexist; they share nothing.
type Manager struct {
	services   map[string]*Service
	name       string
	logger     *log.Logger
	log        *Log
	mlog       *MultiLogger
	launcher   Launcher
	sampler    Sampler
	metrics    *Metrics
	serial     int64
	listSerial int64
	createTime time.Time
	updateTime time.Time
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	cv         *sync.Cond
	mx         sync.Mutex
}

type ManagerInfo struct {
	Name       string
	Serial     int64
	UpdateTime time.Time
	CreateTime time.Time
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

// bumpSerial increments the serial and notifies watchers.  It returns
// the new serial number.  Call with lock held.
func (m *Manager) bumpSerial() int64 {
	m.updateTime = time.Now()
	m.serial++
	m.cv.Broadcast()
	return m.serial
}

// changed is called by services whenever their state changes.
func (m *Manager) changed() {
	m.lock()
	m.bumpSerial()
	m.unlock()
}

// watchSerial monitors for a change in a specific serial number.  It returns
// the new serial number when it changes.  If the serial number has not
// changed in the given duration then the old value is returned.  A poll
// can be done by supplying 0 for the expiration.
func (m *Manager) watchSerial(old int64, src *int64, expire time.Duration) int64 {
	expired := expire <= 0
	var timer *time.Timer
	if !expired {
		timer = time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			m.cv.Broadcast()
			m.unlock()
		})
	}

	m.lock()
	for *src == old && !expired {
		m.cv.Wait()
	}
	rv := *src
	m.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// WatchSerial monitors for a change in the global serial number.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.serial, expire)
}

// WatchServices monitors for a change in the list of services.
func (m *Manager) WatchServices(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.listSerial, expire)
}

// Serial returns the global serial number.  This is incremented
// anytime a service has a state change.
func (m *Manager) Serial() int64 {
	m.lock()
	defer m.unlock()
	return m.serial
}

// Name returns the name the manager was allocated with.
func (m *Manager) Name() string {
	return m.name
}

// GetInfo returns top-level information about the Manager.
func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	defer m.unlock()
	return &ManagerInfo{
		Name:       m.name,
		Serial:     m.serial,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
	}
}

// SetLauncher replaces the launcher used for services added afterwards.
func (m *Manager) SetLauncher(l Launcher) {
	m.lock()
	m.launcher = l
	m.unlock()
}

// SetSampler replaces the memory sampler used for services added
// afterwards.  A nil sampler disables memory monitoring.
func (m *Manager) SetSampler(s Sampler) {
	m.lock()
	m.sampler = s
	m.unlock()
}

// SetMetrics sets the metrics used for services added afterwards.
func (m *Manager) SetMetrics(mt *Metrics) {
	m.lock()
	m.metrics = mt
	m.unlock()
}

// Metrics returns the metrics set with SetMetrics, if any.
func (m *Manager) Metrics() *Metrics {
	m.lock()
	defer m.unlock()
	return m.metrics
}

// AddService registers the service and starts driving it.  The service
// starts out Stopped; call its Start method to launch it.
func (m *Manager) AddService(s *Service) error {
	m.lock()
	defer m.unlock()
	if m.closed {
		return ErrShutdown
	}
	if _, ok := m.services[s.Name()]; ok {
		return ErrDuplicate
	}
	m.services[s.Name()] = s
	s.attach(m)
	s.start(m.ctx)
	m.listSerial = m.bumpSerial()
	m.logf("Added service %s: %s", s.Name(), s.spec.Command)
	return nil
}

// DeleteService removes a Stopped service.
func (m *Manager) DeleteService(s *Service) error {
	if s.Status().State != StateStopped {
		return ErrRunning
	}
	m.lock()
	if m.services[s.Name()] != s {
		m.unlock()
		return ErrNoSuchService
	}
	delete(m.services, s.Name())
	m.listSerial = m.bumpSerial()
	m.unlock()

	s.cancel()
	<-s.done
	s.detach()
	m.metrics.forget(s.Name())
	m.logf("Removed service %s", s.Name())
	return nil
}

// Services returns all of our services, ordered by name.
func (m *Manager) Services() []*Service {
	m.lock()
	rv := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		rv = append(rv, s)
	}
	m.unlock()
	sort.Slice(rv, func(i, j int) bool {
		return rv[i].Name() < rv[j].Name()
	})
	return rv
}

// FindService returns the service with the given name.
func (m *Manager) FindService(name string) (*Service, error) {
	m.lock()
	defer m.unlock()
	if s, ok := m.services[name]; ok {
		return s, nil
	}
	return nil, ErrNoSuchService
}

// StartAll starts every service.  It returns the first error
// encountered, after trying them all.
func (m *Manager) StartAll() error {
	var first error
	for _, s := range m.Services() {
		if e := s.Start(); e != nil && first == nil {
			first = e
		}
	}
	return first
}

// SetLogger is used to establish a logger.  It overrides the default, so it
// shouldn't be used unless you want to control all logging.
func (m *Manager) SetLogger(l *log.Logger) {
	m.mlog.DelLogger(m.logger)
	m.logger = l
	m.mlog.AddLogger(l)
}

// SetLogWriter directs log output to the writer, with standard flags.
func (m *Manager) SetLogWriter(w io.Writer) {
	m.SetLogger(log.New(w, "", log.LstdFlags))
}

// AddLogWriter directs log output to an additional writer, with standard
// flags.
func (m *Manager) AddLogWriter(w io.Writer) {
	m.mlog.AddWriter(w, log.LstdFlags)
}

// Logger returns a logger whose output reaches every manager destination.
func (m *Manager) Logger() *log.Logger {
	return m.mlog.Logger()
}

// getLogger returns a logger feeding every manager destination.
func (m *Manager) getLogger() *log.Logger {
	return log.New(m.mlog, "", 0)
}

func (m *Manager) logf(format string, v ...interface{}) {
	m.mlog.Logger().Printf(format, v...)
}

// Shutdown stops every service, terminating their children, and waits
// for them until ctx is done.  Each child gets its own kill timeout to
// exit before it is killed.  The manager cannot be used afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lock()
	if m.closed {
		m.unlock()
		return nil
	}
	m.closed = true
	svcs := make([]*Service, 0, len(m.services))
	for _, s := range m.services {
		svcs = append(svcs, s)
	}
	m.unlock()

	m.logf("*** Pmvisor shutting down: %s ***", m.name)
	m.cancel()
	var err error
	for _, s := range svcs {
		select {
		case <-s.done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
				m.logf("Service %s did not stop in time", s.Name())
			}
		}
	}
	m.logf("*** Pmvisor shut down: %s ***", m.name)
	return err
}

// GetLog returns the manager log, which includes messages from every
// service.  See Log.GetRecords.
func (m *Manager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

// WatchLog waits for new manager log records.
func (m *Manager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

// NewManager returns a Manager using an ExecLauncher and a ProcSampler,
// logging to standard error.
func NewManager(name string) *Manager {
	if name == "" {
		name = "pmvisor"
	}
	// We set the origin serial number to the current timestamp in nsec,
	// so that clients caching by serial notice a restarted manager.
	now := time.Now()
	m := &Manager{
		name:       name,
		serial:     now.UnixNano(),
		services:   make(map[string]*Service),
		createTime: now,
		updateTime: now,
		mlog:       NewMultiLogger(""),
		log:        NewLog(0),
		sampler:    ProcSampler{},
	}
	m.listSerial = m.serial
	m.cv = sync.NewCond(&m.mx)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mlog.AddLogger(log.New(m.log, "", 0))
	m.logger = log.New(os.Stderr, "", log.LstdFlags)
	m.mlog.AddLogger(m.logger)
	m.launcher = NewExecLauncher(m.getLogger())
	return m
}
