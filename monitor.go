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
	"errors"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reads the resident memory of a child.
type Sampler interface {
	RSS(ctx context.Context, pid int) (uint64, error)
}

// ProcSampler samples through the operating system's process table.
// The resident set of every descendant is included, since programs are
// often started through wrappers (shells, package managers) that do no
// work of their own.
type ProcSampler struct {
	// SkipChildren restricts sampling to the child itself.
	SkipChildren bool
}

func sumRSS(ctx context.Context, p *process.Process, children bool, depth int) (uint64, error) {
	mi, e := p.MemoryInfoWithContext(ctx)
	if e != nil {
		return 0, e
	}
	total := mi.RSS
	if !children || depth > 16 {
		return total, nil
	}
	kids, e := p.ChildrenWithContext(ctx)
	if e != nil {
		// No children is reported as an error.
		return total, nil
	}
	for _, k := range kids {
		// Descendants may exit while we walk; skip them.
		if rss, e := sumRSS(ctx, k, children, depth+1); e == nil {
			total += rss
		}
	}
	return total, nil
}

// RSS implements Sampler.
func (s ProcSampler) RSS(ctx context.Context, pid int) (uint64, error) {
	p, e := process.NewProcessWithContext(ctx, int32(pid))
	if e != nil {
		return 0, &SampleError{Pid: pid, Err: e}
	}
	rss, e := sumRSS(ctx, p, !s.SkipChildren, 0)
	if e != nil {
		return 0, &SampleError{Pid: pid, Err: e}
	}
	return rss, nil
}

// Monitor watches the memory of one run of a child.
type Monitor struct {
	Sampler  Sampler
	Interval time.Duration
	Limit    uint64 // Zero means sample only
	Logger   *log.Logger
}

// Run samples pid every Interval until ctx is done.  Each good sample is
// passed to report.  The first sample above Limit is passed to breach,
// and sampling stops: a run is never reported as breaching twice.
// Sampling errors are logged, and sampling continues.
func (m *Monitor) Run(ctx context.Context, pid int, report func(uint64), breach func(uint64)) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rss, e := m.Sampler.RSS(ctx, pid)
		if e != nil {
			if ctx.Err() != nil {
				return
			}
			var se *SampleError
			if !errors.As(e, &se) {
				e = &SampleError{Pid: pid, Err: e}
			}
			if m.Logger != nil {
				m.Logger.Printf("Memory sample failed: %v", e)
			}
			continue
		}
		if report != nil {
			report(rss)
		}
		if m.Limit > 0 && rss > m.Limit {
			if breach != nil {
				breach(rss)
			}
			return
		}
	}
}
