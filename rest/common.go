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

// Package rest exposes a Manager over HTTP, and provides a client for it.
// Responses are JSON.  Every GET carries an Etag, and honors
// If-None-Match.  A client may also ask the server to hold a GET until
// the Etag changes (a long poll), by sending PollEtagHeader and
// PollTimeHeader.
package rest

import (
	"time"

	"github.com/pmvisor/pmvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	PollEtagHeader = "X-Pmvisor-Poll-Etag"
	PollTimeHeader = "X-Pmvisor-Poll-Time" // seconds

	// MaxPollTime caps how long the server holds a long poll.
	MaxPollTime = 300
)

var ok struct{}

type ManagerInfo struct {
	Name       string    `json:"name"`
	CreateTime time.Time `json:"created"`
	UpdateTime time.Time `json:"updated"`
	Services   int       `json:"services"`
	etag       string
}

type ServiceInfo struct {
	Name        string        `json:"name"`
	Command     string        `json:"command"`
	Args        []string      `json:"args"`
	Dir         string        `json:"cwd"`
	OutFile     string        `json:"out_file,omitempty"`
	ErrFile     string        `json:"error_file,omitempty"`
	LogFile     string        `json:"log_file,omitempty"`
	Watch       bool          `json:"watch"`
	State       string        `json:"state"`
	RunID       string        `json:"run_id,omitempty"`
	Pid         int           `json:"pid"`
	Restarts    int           `json:"restarts"`
	MaxRestarts int           `json:"max_restarts"`
	Failures    int           `json:"failures"`
	Launches    int           `json:"launches"`
	Started     time.Time     `json:"started"`
	Uptime      time.Duration `json:"uptime"`
	LastExit    int           `json:"last_exit"`
	LastCause   string        `json:"last_cause"`
	RSS         uint64        `json:"rss"`
	MaxMemory   uint64        `json:"max_memory"`
	Fatal       string        `json:"fatal,omitempty"`
	Status      string        `json:"status"`
	TimeStamp   time.Time     `json:"tstamp"`
	etag        string
}

// Running reports whether the service has a live child.
func (si *ServiceInfo) Running() bool {
	return si.State == pmvisor.StateRunning.String()
}

// Failed reports whether the restart policy gave up on the service.
func (si *ServiceInfo) Failed() bool {
	return si.Fatal != ""
}

type LogRecord = pmvisor.LogRecord

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
