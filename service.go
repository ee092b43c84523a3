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
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is a supervised program.  Applications create one with
// NewService, and hand it to a Manager with AddService.  From then on a
// single goroutine owns the child process and drives the restart state
// machine; every other method only sends it requests, or reads a
// snapshot of its state.
//
// Events (the child exiting, a memory breach, a watched file changing)
// carry the identifier of the run they belong to.  Only the first event
// that ends a run is acted upon; anything arriving for a run that is no
// longer current is discarded.
type Service struct {
	spec     ProcessSpec
	policy   RestartPolicy
	mgr      *Manager
	launcher Launcher
	sampler  Sampler
	metrics  *Metrics

	machine *Policy
	reason  string
	stamp   time.Time
	mx      sync.Mutex

	handle   Handle // owned by the run goroutine
	requests chan request
	events   chan event
	done     chan struct{}
	cancel   context.CancelFunc

	mlog   *MultiLogger
	logger *log.Logger
	slog   *Log
}

type opcode int

const (
	opStart opcode = iota
	opStop
	opRestart
	opReset
)

type request struct {
	op    opcode
	reply chan error
}

type eventKind int

const (
	evExit eventKind = iota
	evBreach
	evWatch
)

type event struct {
	run  string
	kind eventKind
	rss  uint64
	path string
}

// What to do once the current child has gone.
type afterExit int

const (
	afterPolicy afterExit = iota
	afterRestart
	afterStop
)

// Name returns the service name.
func (s *Service) Name() string {
	return s.spec.Name
}

// Spec returns a copy of the launch description.
func (s *Service) Spec() ProcessSpec {
	return s.spec.clone()
}

// Policy returns the restart policy.
func (s *Service) Policy() RestartPolicy {
	return s.policy
}

// Status returns a snapshot of the run state.
func (s *Service) Status() RunState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.machine.Snapshot()
}

// Reason returns the most recent status message, and when it was
// recorded.
func (s *Service) Reason() (string, time.Time) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reason, s.stamp
}

// GetLog returns the supervisor messages about this service.  See
// Log.GetRecords.
func (s *Service) GetLog(last int64) ([]LogRecord, int64) {
	return s.slog.GetRecords(last)
}

// WatchLog waits for new messages about this service.  See Log.Watch.
func (s *Service) WatchLog(last int64, expire time.Duration) int64 {
	return s.slog.Watch(last, expire)
}

// Done is closed once the service has been shut down, and no longer has
// a child.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Start starts a Stopped service, clearing its restart counter and any
// fatal condition.  A service that is already active is left alone.
func (s *Service) Start() error {
	return s.request(opStart)
}

// Stop stops the child, and leaves the service Stopped.  It returns once
// the child has exited.
func (s *Service) Stop() error {
	return s.request(opStop)
}

// Restart stops the child and starts a new one at once, without counting
// against the restart limit.  A Stopped service is started.
func (s *Service) Restart() error {
	return s.request(opRestart)
}

// Reset clears the restart counter and fatal condition, without touching
// the child.
func (s *Service) Reset() error {
	return s.request(opReset)
}

func (s *Service) request(op opcode) error {
	s.mx.Lock()
	m := s.mgr
	s.mx.Unlock()
	if m == nil {
		return ErrNoManager
	}
	r := request{op: op, reply: make(chan error, 1)}
	select {
	case s.requests <- r:
	case <-s.done:
		return ErrShutdown
	}
	select {
	case e := <-r.reply:
		return e
	case <-s.done:
		return ErrShutdown
	}
}

func (s *Service) logf(format string, v ...interface{}) {
	s.logger.Printf(format, v...)
}

func (s *Service) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// update applies a transition under the lock, and publishes the result.
func (s *Service) update(reason string, fn func(p *Policy, now time.Time)) RunState {
	now := time.Now()
	s.mx.Lock()
	fn(s.machine, now)
	if reason != "" {
		s.reason = reason
		s.stamp = now
	}
	rs := s.machine.Snapshot()
	m := s.mgr
	s.mx.Unlock()

	s.metrics.update(s.spec.Name, rs)
	if m != nil {
		m.changed()
	}
	return rs
}

func (s *Service) sampled(rss uint64) {
	s.mx.Lock()
	s.machine.Sampled(rss)
	s.mx.Unlock()
	s.metrics.sampled(s.spec.Name, rss)
}

// attach is called by the Manager, with its lock held.
func (s *Service) attach(m *Manager) {
	s.launcher = m.launcher
	s.sampler = m.sampler
	s.metrics = m.metrics
	s.mlog.AddLogger(m.getLogger())
	s.mx.Lock()
	s.mgr = m
	s.stamp = time.Now()
	s.reason = "Added service"
	s.mx.Unlock()
}

func (s *Service) detach() {
	s.mx.Lock()
	s.mgr = nil
	s.mx.Unlock()
}

// start launches the controlling goroutine, and the file watcher if the
// spec asks for one.
func (s *Service) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if len(s.spec.Watch) > 0 {
		if w, e := newWatcher(s.spec, s.logger); e != nil {
			s.logf("Cannot watch files: %v", e)
		} else {
			go w.run(ctx, func(path string) {
				s.post(event{kind: evWatch, path: path})
			})
		}
	}
	go s.run(ctx)
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for {
		var ok bool
		switch s.Status().State {
		case StateStarting:
			ok = s.launch()
		case StateRunning:
			ok = s.supervise(ctx)
		case StateRestarting:
			ok = s.backoff(ctx)
		default:
			ok = s.idle(ctx)
		}
		if !ok {
			return
		}
	}
}

func (s *Service) launch() bool {
	h, e := s.launcher.Start(s.spec)
	s.metrics.launched(s.spec.Name, e)
	if e != nil {
		s.logf("Failed to launch: %v", e)
		s.end(CauseLaunch, -1, "Failed to launch: "+e.Error())
		return true
	}
	runID := uuid.NewString()
	s.handle = h
	s.update("Running", func(p *Policy, now time.Time) {
		p.Launched(runID, h.Pid(), now)
	})
	s.logf("Started pid %d (run %s)", h.Pid(), runID)
	return true
}

// end hands the end of a run to the restart policy.
func (s *Service) end(cause Cause, status int, reason string) {
	var next State
	rs := s.update(reason, func(p *Policy, now time.Time) {
		next = p.Ended(cause, status, now)
	})
	s.metrics.runEnded(s.spec.Name, cause)
	switch {
	case next == StateRestarting:
		s.metrics.restartScheduled(s.spec.Name, cause)
		s.logf("Restart %d of %d in %v", rs.Restarts,
			s.policy.MaxRestarts, s.policy.RestartDelay)
	case rs.Fatal != nil:
		s.logf("*** Giving up: %v (%d restarts) ***", rs.Fatal,
			s.policy.MaxRestarts)
	default:
		s.logf("Not restarting")
	}
}

func describeExit(cause Cause, status int) string {
	switch cause {
	case CauseMemory:
		return "Memory limit exceeded"
	case CauseExit:
		return "Exited"
	}
	if status < 0 {
		return "Killed by signal"
	}
	return fmt.Sprintf("Exited with status %d", status)
}

// supervise watches a running child until it is gone.
func (s *Service) supervise(ctx context.Context) bool {
	h := s.handle
	runID := s.Status().RunID
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-h.Done()
		s.post(event{run: runID, kind: evExit})
	}()
	if s.sampler != nil {
		mon := &Monitor{
			Sampler:  s.sampler,
			Interval: s.policy.SampleInterval,
			Limit:    s.policy.MaxMemory,
			Logger:   s.logger,
		}
		go mon.Run(runCtx, h.Pid(), s.sampled, func(rss uint64) {
			s.post(event{run: runID, kind: evBreach, rss: rss})
		})
	}

	var stable <-chan time.Time
	if s.policy.MinUptime > 0 {
		t := time.NewTimer(s.policy.MinUptime)
		defer t.Stop()
		stable = t.C
	} else {
		s.update("", func(p *Policy, _ time.Time) { p.Stable() })
	}

	pending := CauseNone
	after := afterPolicy
	var waiters []chan error
	var kill <-chan time.Time
	var killTimer *time.Timer
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()
	terminate := func(c Cause) {
		if pending != CauseNone {
			return
		}
		pending = c
		if e := h.Terminate(); e != nil {
			s.logf("Failed to terminate: %v", e)
		}
		if s.policy.KillTimeout <= 0 {
			h.Kill()
			return
		}
		killTimer = time.NewTimer(s.policy.KillTimeout)
		kill = killTimer.C
	}

	for {
		select {
		case ev := <-s.events:
			if ev.kind == evWatch {
				if pending == CauseNone {
					s.logf("Change in %s, restarting", ev.path)
					after = afterRestart
					terminate(CauseOperator)
				}
				continue
			}
			if ev.run != runID {
				continue
			}
			switch ev.kind {
			case evBreach:
				if pending != CauseNone {
					continue
				}
				s.logf("%v: %d > %d bytes", ErrMemoryLimit, ev.rss,
					s.policy.MaxMemory)
				terminate(CauseMemory)
			case evExit:
				status, e := h.ExitStatus()
				if e != nil {
					s.logf("Wait failed: %v", e)
				}
				s.handle = nil
				s.exited(pending, after, status)
				for _, w := range waiters {
					w <- nil
				}
				return true
			}

		case r := <-s.requests:
			switch r.op {
			case opStop:
				waiters = append(waiters, r.reply)
				after = afterStop
				s.logf("Stopping")
				terminate(CauseOperator)
			case opRestart:
				waiters = append(waiters, r.reply)
				if after != afterStop {
					after = afterRestart
				}
				s.logf("Restarting on request")
				terminate(CauseOperator)
			case opReset:
				s.update("Reset", func(p *Policy, _ time.Time) { p.Reset() })
				r.reply <- nil
			default:
				r.reply <- nil
			}

		case <-stable:
			stable = nil
			s.update("", func(p *Policy, _ time.Time) { p.Stable() })
			s.logf("Stable after %v", s.policy.MinUptime)

		case <-kill:
			kill = nil
			s.logf("Still running after %v, killing", s.policy.KillTimeout)
			if e := h.Kill(); e != nil {
				s.logf("Failed to kill: %v", e)
			}

		case <-ctx.Done():
			s.reap(h)
			s.handle = nil
			s.update("Shut down", func(p *Policy, now time.Time) { p.Halt(now) })
			for _, w := range waiters {
				w <- ErrShutdown
			}
			return false
		}
	}
}

// exited decides what follows the end of a run.
func (s *Service) exited(pending Cause, after afterExit, status int) {
	switch after {
	case afterStop:
		s.update("Stopped", func(p *Policy, now time.Time) { p.Halt(now) })
		s.metrics.runEnded(s.spec.Name, CauseOperator)
		s.logf("Stopped")
	case afterRestart:
		s.update("Restarted", func(p *Policy, now time.Time) { p.Restarted(now) })
		s.metrics.runEnded(s.spec.Name, CauseOperator)
		s.metrics.restartScheduled(s.spec.Name, CauseOperator)
	default:
		cause := pending
		if cause == CauseNone {
			cause = CauseCrash
			if status == 0 {
				cause = CauseExit
			}
		}
		reason := describeExit(cause, status)
		s.logf("%s", reason)
		s.end(cause, status, reason)
	}
}

// reap terminates the child, escalating to a kill after the grace
// period, and waits for it.  A child already waited for is left alone,
// as its pid may have been reused.
func (s *Service) reap(h Handle) {
	select {
	case <-h.Done():
		return
	default:
	}
	h.Terminate()
	grace := s.policy.KillTimeout
	if grace <= 0 {
		h.Kill()
	} else {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-h.Done():
			return
		case <-t.C:
			s.logf("Still running after %v, killing", grace)
			h.Kill()
		}
	}
	<-h.Done()
}

// backoff waits out the restart delay.
func (s *Service) backoff(ctx context.Context) bool {
	t := time.NewTimer(s.policy.RestartDelay)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.update("Restarting", func(p *Policy, now time.Time) { p.Start(now) })
			return true
		case <-s.events:
			// Stale, or a file change; a restart is coming anyway.
		case r := <-s.requests:
			switch r.op {
			case opStop:
				s.update("Stopped", func(p *Policy, now time.Time) { p.Halt(now) })
				s.logf("Stopped")
				r.reply <- nil
				return true
			case opStart, opRestart:
				s.update("Restarting", func(p *Policy, now time.Time) { p.Start(now) })
				r.reply <- nil
				return true
			case opReset:
				s.update("Reset", func(p *Policy, _ time.Time) { p.Reset() })
				r.reply <- nil
			}
		case <-ctx.Done():
			s.update("Shut down", func(p *Policy, now time.Time) { p.Halt(now) })
			return false
		}
	}
}

// idle waits in the Stopped state for an operator.  Stray events from
// earlier runs land here, and are ignored.
func (s *Service) idle(ctx context.Context) bool {
	for {
		select {
		case <-s.events:
		case r := <-s.requests:
			switch r.op {
			case opStart, opRestart:
				s.update("Starting", func(p *Policy, now time.Time) { p.Start(now) })
				s.logf("Starting")
				r.reply <- nil
				return true
			case opReset:
				s.update("Reset", func(p *Policy, _ time.Time) { p.Reset() })
				r.reply <- nil
			default:
				r.reply <- nil
			}
		case <-ctx.Done():
			return false
		}
	}
}

// NewService creates a Stopped service.  A spec without a name is named
// after its command.
func NewService(spec ProcessSpec, policy RestartPolicy) *Service {
	spec = spec.clone()
	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Command)
	}
	s := &Service{
		spec:     spec,
		policy:   policy,
		machine:  NewPolicy(policy),
		requests: make(chan request),
		events:   make(chan event, 8),
		done:     make(chan struct{}),
		slog:     NewLog(0),
		reason:   "Created",
		stamp:    time.Now(),
	}
	s.mlog = NewMultiLogger("[" + spec.Name + "] ")
	s.logger = s.mlog.Logger()
	s.mlog.AddLogger(log.New(s.slog, "", 0))
	return s
}
