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

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"github.com/pmvisor/pmvisor/pmvisor/util"
	"github.com/pmvisor/pmvisor/rest"
)

/*
   Our screen has the following appearance:

    Server: http://127.0.0.1:8321                                     pmvisor
    4 services  2 running  1 failed  1 stopped
    NAME                 STATE        PID  RESTARTS      MEM   UPTIME  STATUS
    web-0                running     4711         0   120.3M  0:10:02  Running
    worker               failed         0        16       0B  0:00:00  Exited with status 1
    ...
    [Q]uit [S]tart s[T]op [R]estart [C]lear
*/

// top is a full screen status display, updated as the daemon reports
// changes.
type top struct {
	client   *rest.Client
	screen   tcell.Screen
	items    []*rest.ServiceInfo
	selected string
	message  string
	err      error
	lock     sync.Mutex
}

var (
	styleBar      = tcell.StyleDefault.Reverse(true)
	styleHeader   = tcell.StyleDefault.Bold(true)
	styleRunning  = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	styleFailed   = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
	styleStopped  = tcell.StyleDefault.Foreground(tcell.ColorGray)
	styleStarting = tcell.StyleDefault.Foreground(tcell.ColorYellow)
)

func rowStyle(s *rest.ServiceInfo) tcell.Style {
	switch {
	case s.Failed():
		return styleFailed
	case s.Running():
		return styleRunning
	case s.State == "stopped":
		return styleStopped
	}
	return styleStarting
}

func (t *top) puts(x, y int, style tcell.Style, s string) {
	w, _ := t.screen.Size()
	for _, r := range s {
		if x >= w {
			return
		}
		t.screen.SetContent(x, y, r, nil, style)
		x++
	}
}

// fill pads the rest of the line, so bars span the screen.
func (t *top) fill(y int, style tcell.Style, s string) {
	w, _ := t.screen.Size()
	if len(s) < w {
		s += fmt.Sprintf("%*s", w-len(s), "")
	}
	t.puts(0, y, style, s)
}

func (t *top) draw() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.screen.Clear()
	w, h := t.screen.Size()

	title := "Server: " + addr
	t.fill(0, styleBar, title+fmt.Sprintf("%*s", w-len(title), "pmvisor"))

	var running, failed, stopped int
	for _, s := range t.items {
		switch {
		case s.Failed():
			failed++
		case s.Running():
			running++
		case s.State == "stopped":
			stopped++
		}
	}
	t.puts(0, 1, tcell.StyleDefault, fmt.Sprintf(
		"%d services  %d running  %d failed  %d stopped",
		len(t.items), running, failed, stopped))
	t.fill(2, styleHeader, fmt.Sprintf("%-20s %-10s %6s %9s %8s %8s  %s",
		"NAME", "STATE", "PID", "RESTARTS", "MEM", "UPTIME", "STATUS"))

	y := 3
	for _, s := range t.items {
		if y >= h-2 {
			break
		}
		uptime := s.Uptime
		if s.Running() {
			uptime = time.Since(s.Started)
		}
		line := fmt.Sprintf("%-20s %-10s %6d %9d %8s %8s  %s",
			s.Name, util.Status(s), s.Pid, s.Restarts,
			util.FormatBytes(s.RSS), util.FormatDuration(uptime), s.Status)
		style := rowStyle(s)
		if s.Name == t.selected {
			style = style.Reverse(true)
			t.fill(y, style, line)
		} else {
			t.puts(0, y, style, line)
		}
		y++
	}

	switch {
	case t.err != nil:
		t.puts(0, h-2, styleFailed, t.err.Error())
	case t.message != "":
		t.puts(0, h-2, tcell.StyleDefault, t.message)
	}
	t.fill(h-1, styleBar, "[Q]uit [S]tart s[T]op [R]estart [C]lear [Up/Down]Select")
	t.screen.Show()
}

// refresh reloads every service.
func (t *top) refresh() {
	names, err := t.client.Services()
	items := make([]*rest.ServiceInfo, 0, len(names))
	if err == nil {
		for _, n := range names {
			info, e := t.client.GetService(n)
			if e != nil {
				err = e
				continue
			}
			items = append(items, info)
		}
		util.SortServices(items)
	}
	t.lock.Lock()
	t.err = err
	if err == nil {
		t.items = items
	}
	if t.selected == "" && len(items) > 0 {
		t.selected = items[0].Name
	}
	t.lock.Unlock()
}

// watch refreshes whenever the daemon reports a change.
func (t *top) watch(ctx context.Context) {
	etag := ""
	for ctx.Err() == nil {
		t.refresh()
		t.screen.PostEvent(tcell.NewEventInterrupt(nil))
		next, err := t.client.Watch(ctx, etag)
		if err != nil {
			t.lock.Lock()
			t.err = err
			t.lock.Unlock()
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		etag = next
	}
}

func (t *top) move(delta int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if len(t.items) == 0 {
		return
	}
	idx := 0
	for i, s := range t.items {
		if s.Name == t.selected {
			idx = i
		}
	}
	idx += delta
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.items) {
		idx = len(t.items) - 1
	}
	t.selected = t.items[idx].Name
}

func (t *top) act(verb string, fn func(*rest.Client, string) error) {
	t.lock.Lock()
	name := t.selected
	t.lock.Unlock()
	if name == "" {
		return
	}
	err := fn(t.client, name)
	t.lock.Lock()
	t.err = err
	t.message = fmt.Sprintf("%s %s", verb, name)
	t.lock.Unlock()
}

func (t *top) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go t.watch(ctx)
	go func() {
		// uptimes keep moving
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.screen.PostEvent(tcell.NewEventInterrupt(nil))
			}
		}
	}()

	for {
		switch ev := t.screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			t.screen.Sync()
			t.draw()
		case *tcell.EventInterrupt:
			t.draw()
		case *tcell.EventKey:
			switch ev.Key() {
			case tcell.KeyEscape, tcell.KeyCtrlC:
				return nil
			case tcell.KeyUp:
				t.move(-1)
			case tcell.KeyDown:
				t.move(1)
			case tcell.KeyRune:
				switch ev.Rune() {
				case 'q', 'Q':
					return nil
				case 's', 'S':
					go t.act("Started", (*rest.Client).StartService)
				case 't', 'T':
					go t.act("Stopped", (*rest.Client).StopService)
				case 'r', 'R':
					go t.act("Restarted", (*rest.Client).RestartService)
				case 'c', 'C':
					go t.act("Reset", (*rest.Client).ResetService)
				}
			}
			t.draw()
		}
	}
}

func newTopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Full screen status display",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			screen, err := tcell.NewScreen()
			if err != nil {
				return err
			}
			if err := screen.Init(); err != nil {
				return err
			}
			defer screen.Fini()
			t := &top{client: client, screen: screen}
			return t.run()
		},
	}
}
