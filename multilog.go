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
	"io"
	"log"
	"strings"
	"sync"
)

// MultiLogger fans a single log.Logger out to several destinations.  It
// implements an io.Writer, which breaks up the lines and delivers them to
// each contained logger.  The contained loggers keep their own prefix and
// flags, which do not interfere with the parent.
type MultiLogger struct {
	log     *log.Logger
	loggers []*log.Logger
	lock    sync.Mutex
}

// Write implements io.Writer.  It expects newline delimited text,
// delivered an entire line at a time, which is what log.Logger does.
func (l *MultiLogger) Write(b []byte) (int, error) {
	lines := strings.Split(strings.Trim(string(b), "\n"), "\n")
	l.lock.Lock()
	for _, line := range lines {
		for _, logger := range l.loggers {
			logger.Println(line)
		}
	}
	l.lock.Unlock()
	return len(b), nil
}

// AddLogger adds a destination.  A logger can only be added once.
func (l *MultiLogger) AddLogger(logger *log.Logger) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, x := range l.loggers {
		if x == logger {
			return
		}
	}
	l.loggers = append(l.loggers, logger)
}

// AddWriter adds a plain writer as a destination, with the given flags.
// The returned logger can be passed to DelLogger.
func (l *MultiLogger) AddWriter(w io.Writer, flags int) *log.Logger {
	logger := log.New(w, "", flags)
	l.AddLogger(logger)
	return logger
}

// DelLogger removes a destination.
func (l *MultiLogger) DelLogger(logger *log.Logger) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i, x := range l.loggers {
		if x == logger {
			l.loggers = append(l.loggers[:i], l.loggers[i+1:]...)
			break
		}
	}
}

// Logger returns the logger that feeds every destination.
func (l *MultiLogger) Logger() *log.Logger {
	return l.log
}

// NewMultiLogger returns a MultiLogger whose Logger uses the prefix.
func NewMultiLogger(prefix string) *MultiLogger {
	m := &MultiLogger{}
	m.log = log.New(m, prefix, 0)
	return m
}
